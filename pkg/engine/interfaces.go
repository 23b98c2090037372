package engine

import (
	"context"

	"github.com/openfroyo/froyo-ecs/pkg/config"
	"github.com/openfroyo/froyo-ecs/pkg/ecs"
	"github.com/openfroyo/froyo-ecs/pkg/policy"
)

// SystemBuilder turns manifest system declarations into ecs systems.
// *systems.Builder implements it.
type SystemBuilder interface {
	// Build creates the system declared by sc. Sources resolve relative to m.
	Build(ctx context.Context, m *config.Manifest, sc config.SystemConfig) (ecs.System, error)
}

// PolicyEvaluator checks a stage plan against schedule policies.
// *policy.Engine implements it.
type PolicyEvaluator interface {
	// EvaluatePlan evaluates every enabled policy against the plan of one stage.
	EvaluatePlan(ctx context.Context, stage string, plan *ecs.Plan, params policy.Params) (*policy.Result, error)
}
