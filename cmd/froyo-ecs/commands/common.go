package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/froyo-ecs/pkg/config"
	"github.com/openfroyo/froyo-ecs/pkg/engine"
	"github.com/openfroyo/froyo-ecs/pkg/policy"
)

func logger() zerolog.Logger {
	return log.Logger
}

func loadManifest(path string) (*config.Manifest, error) {
	m, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	log.Debug().
		Str("manifest", m.Name).
		Str("path", m.Path).
		Int("stages", len(m.Stages)).
		Int("systems", m.SystemCount()).
		Msg("Manifest loaded")
	return m, nil
}

// policyPaths resolves the manifest's policy paths against its directory.
func policyPaths(m *config.Manifest) []string {
	paths := make([]string, 0, len(m.Policy.Paths))
	for _, p := range m.Policy.Paths {
		paths = append(paths, config.ResolveSource(m, p))
	}
	return paths
}

// newPolicyEngine returns nil when the manifest does not enable policies.
func newPolicyEngine(ctx context.Context, m *config.Manifest) (*policy.Engine, error) {
	if !m.Policy.Enabled {
		return nil, nil
	}

	pe, err := policy.NewEngine(logger().With().Str("component", "policy").Logger())
	if err != nil {
		return nil, fmt.Errorf("failed to create policy engine: %w", err)
	}
	if paths := policyPaths(m); len(paths) > 0 {
		if err := pe.LoadPolicies(ctx, paths); err != nil {
			return nil, err
		}
	}
	return pe, nil
}

func engineOptions(ctx context.Context, m *config.Manifest) (engine.Options, *policy.Engine, error) {
	opts := engine.Options{Logger: logger()}

	pe, err := newPolicyEngine(ctx, m)
	if err != nil {
		return opts, nil, err
	}
	if pe != nil {
		opts.Policy = pe
	}
	return opts, pe, nil
}
