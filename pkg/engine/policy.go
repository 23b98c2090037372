package engine

import (
	"context"

	"github.com/openfroyo/froyo-ecs/pkg/config"
	"github.com/openfroyo/froyo-ecs/pkg/ecs"
	"github.com/openfroyo/froyo-ecs/pkg/policy"
)

// checkPolicy evaluates every stage plan. In enforcing mode an error-severity
// violation rejects the manifest; in advisory mode violations are only
// reported.
func (e *Engine) checkPolicy(ctx context.Context, m *config.Manifest, plans []*ecs.Plan) (*policy.Result, error) {
	if e.opts.Policy == nil || !m.Policy.Enabled {
		return nil, nil
	}

	params := policy.Params{MaxParallel: m.MaxParallel}
	total := &policy.Result{Allowed: true}
	for _, plan := range plans {
		result, err := e.opts.Policy.EvaluatePlan(ctx, plan.Schedule, plan, params)
		if err != nil {
			return nil, newError(PhasePolicy, "failed to evaluate policies", err).WithStage(plan.Schedule)
		}
		total.Merge(result)
	}

	e.reportViolations(total)

	mode := policy.Mode(m.Policy.Mode)
	if err := total.Err(mode); err != nil {
		return total, newError(PhasePolicy, "plan rejected by policy", err)
	}
	return total, nil
}

func (e *Engine) reportViolations(result *policy.Result) {
	tel := e.opts.Telemetry
	for _, v := range result.Violations {
		event := e.logger.Warn()
		if v.Blocking() {
			event = e.logger.Error()
		}
		event.
			Str("policy", v.Policy).
			Str("stage", v.Stage).
			Str("system", v.System).
			Str("severity", string(v.Severity)).
			Msg(v.Message)

		if tel == nil {
			continue
		}
		if tel.Metrics != nil {
			tel.Metrics.RecordPolicyViolation(v.Policy, string(v.Severity))
		}
		if tel.Events != nil {
			_ = tel.Events.PublishPolicyViolation(v.Stage, v.Policy, v.System, v.Message, v.Blocking())
		}
	}
	for _, w := range result.Warnings {
		e.logger.Warn().Msg(w)
	}
}
