// Package policy vets planned actions with Open Policy Agent before the
// reconciler executes them.
//
// # Overview
//
// Engine implements engine.PlanGuard. For every create, update or delete it
// evaluates the "deny" set of each enabled Rego package against an input
// document:
//
//	{
//	  "resource": {"kind": "site", "identity": "site/HQ", "state": "absent", "fields": {...}},
//	  "plan":     {"action": "delete", "id": "S-1", "changes": [...]},
//	  "context":  {"mode": "merged", "metadata": {"allow_delete": true}, "timestamp": "..."}
//	}
//
// A deny entry is either a message string or an object with "message" and
// "severity". Entries of severity error or critical block the action and the
// resource fails with policy_denied. Warnings and info entries are logged.
//
// # Built-in policies
//
//   - protected-deletes: kinds listed in data.ccrecon.protected_kinds may
//     only be deleted when the run metadata sets allow_delete.
//   - change-freeze: no mutations while the run metadata sets freeze.
//   - open-ssid: warns about SSIDs created or updated without security.
//
// # User policies
//
// LoadPolicies reads .rego files, named after the file, and .json files
// holding a Policy object. Watch reloads them when they change.
//
//	package site.naming
//
//	import rego.v1
//
//	deny contains msg if {
//		input.resource.kind == "site"
//		input.plan.action == "create"
//		not startswith(input.resource.fields.name, "SITE-")
//		msg := "site names must start with SITE-"
//	}
package policy
