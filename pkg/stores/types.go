package stores

import (
	"context"
	"errors"
	"time"

	"github.com/deckhand-io/deckhand/pkg/engine"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Audit actions recorded by the journal.
const (
	AuditTransactionCompleted     = "transaction.completed"
	AuditTransactionUnrecoverable = "transaction.unrecoverable"
	AuditSystemActor              = "deckhand"
)

// TransactionFilter narrows transaction history queries. Empty fields match
// everything.
type TransactionFilter struct {
	ClusterID     string
	EnvironmentID string
	Result        engine.ResultKind
	Limit         int
	Offset        int
}

// EventFilter narrows event timeline queries.
type EventFilter struct {
	TransactionID string
	ActionID      string
	Level         string
	Limit         int
	Offset        int
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "transaction.completed", "policy.denied"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // transaction or cluster ID
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.Journal

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// History
	GetTransaction(ctx context.Context, id string) (*engine.TransactionRecord, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*engine.TransactionRecord, error)
	ListUnrecoverable(ctx context.Context, clusterID string) ([]*engine.TransactionRecord, error)
	ListActions(ctx context.Context, transactionID string) ([]*engine.ActionRecord, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*engine.Event, error)
	PruneTransactions(ctx context.Context, before time.Time) (int64, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
