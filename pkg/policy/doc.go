// Package policy gates transactions with Open Policy Agent (OPA) policies.
//
// The Engine implements engine.PolicyGate: before a transaction runs any
// action, the engine hands it the session and the full action set, and every
// enabled Rego policy contributes violations from its deny set. A violation
// of error or critical severity denies the transaction.
//
// # Usage
//
//	gate, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := gate.LoadPolicies(ctx, []string{"/etc/deckhand/policies"}); err != nil {
//	    return err
//	}
//	eng, err := engine.New(cfg, collaborators, engine.WithPolicyGate(gate))
//
// Policies see the document built by engine.NewPolicyInput:
//
//	{
//	  "transaction_id": "…",
//	  "session": {"cluster_id": "prod", "provider": "aws", "labels": {"protected": "true"}},
//	  "actions": [{"id": "cluster", "kind": "delete_cluster", "reversible": false}]
//	}
//
// A custom policy defines deny in Rego v1 syntax:
//
//	package deckhand.policies.regions
//
//	deny contains msg if {
//	    input.session.region == "us-east-1"
//	    msg := "us-east-1 is frozen"
//	}
//
// # Built-in Policies
//
//   - deletion-protection: blocks destructive actions when the session carries
//     the label protected=true
//   - action-naming: action IDs are lowercase DNS labels
//   - provider-required: provisioning needs an assigned provider
//   - rollback-coverage: warns about actions retained on rollback
//
// # Hot Reload
//
// Engine.Watch reloads custom policies when their files change. A reload
// that fails to parse or compile keeps the previous set.
package policy
