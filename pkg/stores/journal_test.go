package stores

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deckhand-io/deckhand/pkg/engine"
)

func stepOK(output string) engine.StepExecutor {
	return engine.StepFunc(func(ctx context.Context, in engine.StepInput) engine.StepOutcome {
		return engine.Succeeded(output)
	})
}

func stepFail(err error) engine.StepExecutor {
	return engine.StepFunc(func(ctx context.Context, in engine.StepInput) engine.StepOutcome {
		return engine.Failed(err)
	})
}

func commitWithJournal(t *testing.T, store *SQLiteStore, actions ...*engine.Action) *engine.TransactionResult {
	t.Helper()

	eng, err := engine.New(engine.DefaultConfig(), engine.Collaborators{}, engine.WithJournal(store))
	require.NoError(t, err)

	session, err := eng.NewSession(context.Background(), engine.SessionContext{ClusterID: "prod", EnvironmentID: "web"})
	require.NoError(t, err)
	t.Cleanup(session.Close)

	tx, err := session.Transaction()
	require.NoError(t, err)
	tx.SetOperation("environment_deploy")
	require.NoError(t, tx.AddActions(actions...))

	result, err := tx.Commit(context.Background())
	require.NoError(t, err)
	return result
}

func TestJournal_CommittedTransaction(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	result := commitWithJournal(t, store,
		&engine.Action{ID: "namespace", Kind: engine.ActionKindDeployEnvironment, Forward: stepOK("created")},
		&engine.Action{ID: "app-api", Kind: engine.ActionKindDeployApplication, Forward: stepOK("deployed"),
			DependsOn: []string{"namespace"}},
	)
	require.True(t, result.IsOk())

	rec, err := store.GetTransaction(ctx, result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, engine.ResultOk, rec.Result)
	assert.Equal(t, "prod", rec.ClusterID)
	assert.Equal(t, "web", rec.EnvironmentID)
	assert.Equal(t, "environment_deploy", rec.Operation)
	assert.Equal(t, 2, rec.ActionCount)
	assert.NotNil(t, rec.CompletedAt)

	actions, err := store.ListActions(ctx, result.TransactionID)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	for _, a := range actions {
		assert.Equal(t, engine.ActionStatusSucceeded, a.Status, a.ActionID)
	}

	events, err := store.ListEvents(ctx, EventFilter{TransactionID: result.TransactionID})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, engine.EventTypeTransactionStarted, events[0].Type)
	assert.Equal(t, engine.EventTypeTransactionCommitted, events[len(events)-1].Type)

	action := AuditTransactionCompleted
	entries, err := store.ListAuditEntries(ctx, &action, nil, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, result.TransactionID, *entries[0].TargetID)
}

func TestJournal_RolledBackTransaction(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	result := commitWithJournal(t, store,
		&engine.Action{ID: "database-main", Kind: engine.ActionKindDeployDatabase,
			Forward: stepOK("up"), Rollback: stepOK("down")},
		&engine.Action{ID: "app-api", Kind: engine.ActionKindDeployApplication,
			Forward: stepFail(errors.New("image pull failed")), DependsOn: []string{"database-main"}},
	)
	require.Equal(t, engine.ResultRollback, result.Kind)

	rec, err := store.GetTransaction(ctx, result.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, engine.ResultRollback, rec.Result)
	assert.Contains(t, rec.Error, "image pull failed")

	actions, err := store.ListActions(ctx, result.TransactionID)
	require.NoError(t, err)
	statuses := make(map[string]engine.ActionStatus, len(actions))
	for _, a := range actions {
		statuses[a.ActionID] = a.Status
	}
	assert.Equal(t, engine.ActionStatusRolledBack, statuses["database-main"])
	assert.Equal(t, engine.ActionStatusFailed, statuses["app-api"])

	failures, err := store.ListEvents(ctx, EventFilter{TransactionID: result.TransactionID, Level: "error"})
	require.NoError(t, err)
	require.NotEmpty(t, failures)
	assert.Equal(t, "app-api", failures[0].ActionID)
}
