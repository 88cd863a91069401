// Package harness runs conformance scenarios against the engine.
//
// A scenario is a YAML file naming a workload (inline, or a CUE file next
// to it), the domains to bootstrap and a list of assertions:
//
//	name: double
//	description: a local transform doubles its input
//	resources:
//	  - name: y
//	    type: int
//	    access_pattern: {kind: read_only}
//	    value: 21
//	    location: S
//	intents:
//	  - id: calc
//	    domain: S
//	    constraints:
//	      - {kind: local_transform, definition: double, inputs: [y], output: z}
//	    bindings: {y: y}
//	assertions:
//	  - {type: intent_state, intent: calc, state: success}
//	  - {type: output_value, intent: calc, output: z, value: 42}
//
// Each run uses a fresh in-memory engine. The resulting trace lists every
// effect an intent ran followed by its outcome, and is compared against
// golden files with RunWithGolden.
package harness
