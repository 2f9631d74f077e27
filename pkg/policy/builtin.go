package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		protectedDeletesPolicy(),
		changeFreezePolicy(),
		openSSIDPolicy(),
	}
}

// protectedDeletesPolicy blocks deletes of protected kinds. The kinds live
// in data.ccrecon.protected_kinds and are set by the engine.
func protectedDeletesPolicy() Policy {
	return Policy{
		Name:        "protected-deletes",
		Description: "Deleting a protected kind requires allow_delete in the run metadata",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package ccrecon.policies.protected

import rego.v1

deny contains violation if {
	input.plan.action == "delete"
	input.resource.kind in data.ccrecon.protected_kinds
	not input.context.metadata.allow_delete == true
	violation := {
		"message": sprintf("deleting %s requires allow_delete", [input.resource.identity]),
		"severity": "error",
	}
}
`,
	}
}

// changeFreezePolicy blocks every mutation while the run sets freeze.
func changeFreezePolicy() Policy {
	return Policy{
		Name:        "change-freeze",
		Description: "No mutations while the run metadata sets freeze",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package ccrecon.policies.freeze

import rego.v1

mutations := {"create", "update", "delete"}

deny contains msg if {
	input.context.metadata.freeze == true
	input.plan.action in mutations
	msg := sprintf("change freeze in effect, refusing to %s %s", [input.plan.action, input.resource.identity])
}
`,
	}
}

// openSSIDPolicy warns about SSIDs without authentication.
func openSSIDPolicy() Policy {
	return Policy{
		Name:        "open-ssid",
		Description: "Warns when an SSID is created or updated without security",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package ccrecon.policies.ssid

import rego.v1

deny contains violation if {
	input.resource.kind == "wireless-ssid"
	input.plan.action in {"create", "update"}
	input.resource.fields.securityLevel == "open"
	violation := {
		"message": sprintf("%s has no authentication", [input.resource.identity]),
		"severity": "warning",
	}
}
`,
	}
}
