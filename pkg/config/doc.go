// Package config loads the ccrecon configuration file and the resource
// declarations that a run reconciles.
//
// # Configuration
//
// The configuration file is YAML. Values of the form ${VAR} or
// ${VAR:default} are replaced from the environment before decoding, which
// keeps controller credentials out of the file:
//
//	controller:
//	  base_url: https://dnac.example.net
//	  username: ${DNAC_USERNAME:admin}
//	  password: ${DNAC_PASSWORD}
//	run:
//	  mode: merged
//	  on_error: auto
//	  task_deadline: 15m
//	journal:
//	  enabled: true
//	  path: /var/lib/ccrecon/journal.db
//
// Unset keys keep the values of Default. Struct tags are checked with
// go-playground/validator after decoding.
//
// # Declarations
//
// Declarations may be written in YAML or JSON, in CUE, or computed by a
// Starlark script. All formats produce the same shape:
//
//	resources:
//	  - kind: site
//	    fields: {name: HQ, parentName: Global, type: area}
//	  - kind: tag
//	    state: absent
//	    fields: {name: legacy}
//
// In YAML and CUE, resources may also be a mapping keyed by name; the key
// becomes the declaration name. A Starlark script assigns the global
// "resources" and may use the predeclared resource() and env() helpers:
//
//	resources = [
//	    resource("tag", name = "floor-%d" % n, description = env("TAG_NOTE"))
//	    for n in range(3)
//	]
//
// Each raw declaration is unified with the #Declaration CUE schema before it
// is decoded, so unknown top-level keys and malformed states are reported
// with their file and line. Field values are validated later against the
// resource catalog.
package config
