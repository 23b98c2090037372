// Package policy lints rebuilt schedules with Open Policy Agent.
//
// Each policy is a Rego module whose deny set is evaluated against an Input
// document holding the stage label, the ecs.Plan of the stage and tuning
// Params. A deny entry is either a message string or an object:
//
//	{"message": "...", "system": "physics.move", "severity": "error"}
//
// Entries without a severity take the policy's default.
//
// # Built-in Policies
//
//	schedule.naming     error    labels are lowercase dot-separated segments
//	schedule.width      warning  a parallel level is wider than max_parallel
//	schedule.exclusive  warning  an exclusive system declares no data access
//	schedule.hotspot    warning  more than max_writers parallel writers of one name
//
// # Custom Policies
//
// Loader reads .rego modules and .json files holding a Policy from files or
// directories. A module is named after its package, must define deny, and may
// set its severity, tags and enabled flag in the comment block above the
// package clause:
//
//	# Channels must stay small.
//	# severity: error
//	# tags: size
//	package schedule.custom
//
//	import rego.v1
//
//	deny contains msg if {
//		some channel in input.plan.channels
//		count(channel.systems) > 32
//		msg := sprintf("channel %s has too many systems", [channel.kind])
//	}
//
// Loader.Watch reloads the policies when files change; pass
// Engine.ReplacePolicies as the reload function.
//
// # Modes
//
// In ModeAdvisory violations are reported only. In ModeEnforcing Result.Err
// returns ErrPolicyViolation when an error-severity violation was found.
package policy
