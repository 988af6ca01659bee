// Package engine provides the deployment transaction engine.
//
// # Overview
//
// A deployment is expressed as a Transaction: a set of Actions, each wrapping
// a forward StepExecutor (a Terraform apply, a Helm release, a kubectl apply,
// an image build) and an optional rollback StepExecutor. Committing the
// transaction runs the actions in dependency order and always ends in exactly
// one TransactionResult:
//
//   - ResultOk: every action succeeded.
//   - ResultRollback: an action failed and every succeeded action was rolled
//     back, most recent first.
//   - ResultUnrecoverable: a rollback failed as well. The cluster is left
//     partially applied and needs manual intervention.
//
// # Control Flow
//
//	Engine -> Session -> Transaction -> Sequencer -> Action -> RetryPolicy -> StepExecutor
//
// The Engine holds the collaborators steps act through (cloud account, build
// platform, container registry, DNS provider) and the per-cluster leases. A
// Session owns at most one active transaction; asking for a second one fails
// with a session busy error.
//
// # Ordering
//
// The Sequencer dispatches every action whose dependencies have succeeded,
// in insertion order, on a bounded worker pool. Once an action fails no new
// action starts; actions that never started are reported as skipped. Cycles
// are rejected when actions are added, never at commit time.
//
// # Retries and Leases
//
// Every step runs under a RetryPolicy (exponential backoff with jitter).
// Steps that touch the cluster's shared infrastructure state run under that
// cluster's lease, so two of them never overlap.
//
// # Example
//
//	eng, _ := engine.New(engine.DefaultConfig(), engine.Collaborators{CloudAccount: account})
//	session, _ := eng.NewSession(ctx, engine.SessionContext{ClusterID: "prod-eu"})
//	tx, _ := session.Transaction()
//	_ = tx.AddActions(network, cluster, nodeGroup)
//	result, _ := tx.Commit(ctx)
//	if err := result.Error(); err != nil {
//	    // errors.Is(err, engine.ErrRolledBack) or errors.Is(err, engine.ErrUnrecoverable)
//	}
package engine
