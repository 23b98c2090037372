package engine

import (
	"encoding/json"
	"fmt"
	"time"
)

// State represents the lifecycle state of an engine.
type State string

const (
	// StateIdle indicates the engine is built but not ticking.
	StateIdle State = "idle"

	// StateRunning indicates the tick loop is active.
	StateRunning State = "running"

	// StateStopped indicates the tick loop ended normally.
	StateStopped State = "stopped"

	// StateFailed indicates the tick loop ended with an error.
	StateFailed State = "failed"

	// StateClosed indicates the engine released its systems.
	StateClosed State = "closed"
)

// IsTerminal returns true if the engine can no longer tick.
func (s State) IsTerminal() bool {
	return s == StateClosed
}

// IsActive returns true if the tick loop is running.
func (s State) IsActive() bool {
	return s == StateRunning
}

// Validate checks if the state is valid.
func (s State) Validate() error {
	switch s {
	case StateIdle, StateRunning, StateStopped, StateFailed, StateClosed:
		return nil
	default:
		return fmt.Errorf("invalid engine state: %s", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *State) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	state := State(str)
	if err := state.Validate(); err != nil {
		return err
	}
	*s = state
	return nil
}

// Status is a snapshot of an engine.
type Status struct {
	State    State     `json:"state"`
	Manifest string    `json:"manifest"`
	Stages   []string  `json:"stages"`
	Systems  int       `json:"systems"`
	Ticks    uint64    `json:"ticks"`
	Reloads  int       `json:"reloads"`
	Rejected int       `json:"rejected"`
	LastTick time.Time `json:"last_tick,omitempty"`
	Entities int       `json:"entities"`

	// LastError is the most recent tick or reload error.
	LastError string `json:"last_error,omitempty"`
}
