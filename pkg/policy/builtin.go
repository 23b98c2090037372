package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		namingPolicy(),
		widthPolicy(),
		exclusivePolicy(),
		hotspotPolicy(),
	}
}

// namingPolicy enforces system label conventions.
func namingPolicy() Policy {
	return Policy{
		Name:        "schedule.naming",
		Description: "System labels are lowercase dot-separated segments",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming", "conventions"},
		Rego: `package schedule.naming

import rego.v1

label_pattern := "^[a-z][a-z0-9_-]*(\\.[a-z][a-z0-9_-]*)*$"

deny contains violation if {
	some channel in input.plan.channels
	some system in channel.systems
	not regex.match(label_pattern, system.label)
	violation := {
		"message": sprintf("system label '%s' must be lowercase letters, digits, '_' or '-' in dot-separated segments", [system.label]),
		"system": system.label,
	}
}
`,
	}
}

// widthPolicy flags parallel levels that cannot run in one wave.
func widthPolicy() Policy {
	return Policy{
		Name:        "schedule.width",
		Description: "Parallel levels wider than max_parallel run in several waves",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"throughput"},
		Rego: `package schedule.width

import rego.v1

deny contains violation if {
	input.params.max_parallel > 0
	some channel in input.plan.channels
	channel.kind == "parallel"
	some i, level in channel.levels
	count(level) > input.params.max_parallel
	msg := sprintf("parallel level %d has %d systems, more than max_parallel %d", [i, count(level), input.params.max_parallel])
	violation := {"message": msg}
}
`,
	}
}

// exclusivePolicy flags exclusive systems that declare no data access.
func exclusivePolicy() Policy {
	return Policy{
		Name:        "schedule.exclusive",
		Description: "Exclusive systems should declare the components and resources they touch",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"access"},
		Rego: `package schedule.exclusive

import rego.v1

access_keys := ["component_reads", "component_writes", "resource_reads", "resource_writes"]

deny contains violation if {
	some channel in input.plan.channels
	channel.kind != "parallel"
	some system in channel.systems
	not declares_data(system.access)
	violation := {
		"message": sprintf("%s system %s declares no component or resource access", [channel.kind, system.label]),
		"system": system.label,
	}
}

declares_data(access) if {
	some key in access_keys
	count(object.get(access, key, [])) > 0
}
`,
	}
}

// hotspotPolicy flags components and resources written by many parallel
// systems, which serializes the parallel channel.
func hotspotPolicy() Policy {
	return Policy{
		Name:        "schedule.hotspot",
		Description: "Components and resources with many parallel writers serialize the schedule",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"throughput", "access"},
		Rego: `package schedule.hotspot

import rego.v1

parallel_systems contains system if {
	some channel in input.plan.channels
	channel.kind == "parallel"
	some system in channel.systems
}

deny contains violation if {
	some kind in ["component", "resource"]
	key := sprintf("%s_writes", [kind])
	names := {n | some s in parallel_systems; some n in object.get(s.access, key, [])}
	some name in names
	writers := sort([s.label | some s in parallel_systems; name in object.get(s.access, key, [])])
	count(writers) > input.params.max_writers
	msg := sprintf("%s %s has %d parallel writers (%s), more than %d", [kind, name, count(writers), concat(", ", writers), input.params.max_writers])
	violation := {"message": msg}
}
`,
	}
}
