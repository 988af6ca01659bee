package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/deckhand-io/deckhand/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const defaultListLimit = 100

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Pragmas apply to every pooled connection.
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveTransaction inserts or updates a transaction record. The first save
// with a completion time also writes an audit entry.
func (s *SQLiteStore) SaveTransaction(ctx context.Context, rec *engine.TransactionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var completed sql.NullTime
	err = tx.QueryRowContext(ctx, `SELECT completed_at FROM transactions WHERE id = ?`, rec.ID).Scan(&completed)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read transaction: %w", err)
	}
	firstCompletion := rec.CompletedAt != nil && !completed.Valid

	query := `
		INSERT INTO transactions (id, session_id, cluster_id, environment_id, operation, state, result,
			error, rollback_error, action_count, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			result = excluded.result,
			error = excluded.error,
			rollback_error = excluded.rollback_error,
			action_count = excluded.action_count,
			completed_at = excluded.completed_at
	`

	_, err = tx.ExecContext(ctx, query,
		rec.ID,
		rec.SessionID,
		rec.ClusterID,
		rec.EnvironmentID,
		rec.Operation,
		string(rec.State),
		string(rec.Result),
		rec.Error,
		rec.RollbackError,
		rec.ActionCount,
		rec.StartedAt.UTC(),
		utcPtr(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}

	if firstCompletion {
		if err := insertAudit(ctx, tx, completionAudit(rec)); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func completionAudit(rec *engine.TransactionRecord) *AuditEntry {
	action := AuditTransactionCompleted
	if rec.Result == engine.ResultUnrecoverable {
		action = AuditTransactionUnrecoverable
	}

	details := map[string]interface{}{
		"cluster_id": rec.ClusterID,
		"operation":  rec.Operation,
		"result":     rec.Result,
	}
	if rec.EnvironmentID != "" {
		details["environment_id"] = rec.EnvironmentID
	}
	if rec.Error != "" {
		details["error"] = rec.Error
	}
	if rec.RollbackError != "" {
		details["rollback_error"] = rec.RollbackError
	}

	id := rec.ID
	entry := &AuditEntry{
		Action:    action,
		Actor:     AuditSystemActor,
		TargetID:  &id,
		Timestamp: *rec.CompletedAt,
	}
	if raw, err := json.Marshal(details); err == nil {
		str := string(raw)
		entry.Details = &str
	}
	return entry
}

// GetTransaction retrieves a transaction by ID
func (s *SQLiteStore) GetTransaction(ctx context.Context, id string) (*engine.TransactionRecord, error) {
	query := `
		SELECT id, session_id, cluster_id, environment_id, operation, state, result,
			error, rollback_error, action_count, started_at, completed_at
		FROM transactions
		WHERE id = ?
	`

	rec, err := scanTransaction(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return rec, nil
}

// ListTransactions lists transactions newest first.
func (s *SQLiteStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*engine.TransactionRecord, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.ClusterID != "" {
		where = append(where, "cluster_id = ?")
		args = append(args, filter.ClusterID)
	}
	if filter.EnvironmentID != "" {
		where = append(where, "environment_id = ?")
		args = append(args, filter.EnvironmentID)
	}
	if filter.Result != "" {
		where = append(where, "result = ?")
		args = append(args, string(filter.Result))
	}

	query := `
		SELECT id, session_id, cluster_id, environment_id, operation, state, result,
			error, rollback_error, action_count, started_at, completed_at
		FROM transactions`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	query += "\n\t\tORDER BY started_at DESC, id\n\t\tLIMIT ? OFFSET ?"
	args = append(args, limitOrDefault(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	records := []*engine.TransactionRecord{}
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return records, nil
}

// ListUnrecoverable returns the transactions of a cluster that left
// resources behind and need operator follow-up.
func (s *SQLiteStore) ListUnrecoverable(ctx context.Context, clusterID string) ([]*engine.TransactionRecord, error) {
	return s.ListTransactions(ctx, TransactionFilter{
		ClusterID: clusterID,
		Result:    engine.ResultUnrecoverable,
		Limit:     -1,
	})
}

// PruneTransactions deletes transactions started before the cutoff along
// with their actions and events.
func (s *SQLiteStore) PruneTransactions(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := before.UTC()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE transaction_id IN (SELECT id FROM transactions WHERE started_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM transactions WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune transactions: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return rows, nil
}

// SaveAction inserts or updates an action record.
func (s *SQLiteStore) SaveAction(ctx context.Context, rec *engine.ActionRecord) error {
	query := `
		INSERT INTO actions (transaction_id, action_id, name, kind, ordering_key, status, reversible,
			attempts, rollback_attempts, output, error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id, action_id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			rollback_attempts = excluded.rollback_attempts,
			output = excluded.output,
			error = excluded.error,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.TransactionID,
		rec.ActionID,
		rec.Name,
		string(rec.Kind),
		rec.OrderingKey,
		string(rec.Status),
		rec.Reversible,
		rec.Attempts,
		rec.RollbackAttempts,
		rec.Output,
		rec.Error,
		rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save action %s: %w", rec.ActionID, err)
	}

	return nil
}

// ListActions lists the actions of a transaction in ordering key order.
func (s *SQLiteStore) ListActions(ctx context.Context, transactionID string) ([]*engine.ActionRecord, error) {
	query := `
		SELECT transaction_id, action_id, name, kind, ordering_key, status, reversible,
			attempts, rollback_attempts, output, error, updated_at
		FROM actions
		WHERE transaction_id = ?
		ORDER BY ordering_key, action_id
	`

	rows, err := s.db.QueryContext(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list actions: %w", err)
	}
	defer rows.Close()

	records := []*engine.ActionRecord{}
	for rows.Next() {
		rec := &engine.ActionRecord{}
		var kind, status string
		err := rows.Scan(
			&rec.TransactionID,
			&rec.ActionID,
			&rec.Name,
			&kind,
			&rec.OrderingKey,
			&status,
			&rec.Reversible,
			&rec.Attempts,
			&rec.RollbackAttempts,
			&rec.Output,
			&rec.Error,
			&rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		rec.Kind = engine.ActionKind(kind)
		rec.Status = engine.ActionStatus(status)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}

	return records, nil
}

// AppendEvent appends an event to the log (append-only)
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.Event) error {
	var details *string
	if len(event.Details) > 0 {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("failed to encode event details: %w", err)
		}
		str := string(raw)
		details = &str
	}

	query := `
		INSERT INTO events (id, type, transaction_id, session_id, cluster_id, action_id, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		string(event.Type),
		event.TransactionID,
		event.SessionID,
		event.ClusterID,
		event.ActionID,
		event.Level,
		event.Message,
		details,
		event.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListEvents returns events in the order they were appended.
func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]*engine.Event, error) {
	query := `
		SELECT id, type, transaction_id, session_id, cluster_id, action_id, level, message, details, timestamp
		FROM events
		WHERE (? = '' OR transaction_id = ?)
		  AND (? = '' OR action_id = ?)
		  AND (? = '' OR level = ?)
		ORDER BY seq
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.TransactionID, filter.TransactionID,
		filter.ActionID, filter.ActionID,
		filter.Level, filter.Level,
		limitOrDefault(filter.Limit), filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		event := &engine.Event{}
		var (
			eventType string
			details   sql.NullString
		)
		err := rows.Scan(
			&event.ID,
			&eventType,
			&event.TransactionID,
			&event.SessionID,
			&event.ClusterID,
			&event.ActionID,
			&event.Level,
			&event.Message,
			&details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Type = engine.EventType(eventType)
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &event.Details); err != nil {
				return nil, fmt.Errorf("failed to decode event details: %w", err)
			}
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	return insertAudit(ctx, s.db, entry)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertAudit(ctx context.Context, db execer, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limitOrDefault(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(row scanner) (*engine.TransactionRecord, error) {
	rec := &engine.TransactionRecord{}
	var (
		state, result string
		completed     sql.NullTime
	)
	err := row.Scan(
		&rec.ID,
		&rec.SessionID,
		&rec.ClusterID,
		&rec.EnvironmentID,
		&rec.Operation,
		&state,
		&result,
		&rec.Error,
		&rec.RollbackError,
		&rec.ActionCount,
		&rec.StartedAt,
		&completed,
	)
	if err != nil {
		return nil, err
	}
	rec.State = engine.TransactionState(state)
	rec.Result = engine.ResultKind(result)
	if completed.Valid {
		t := completed.Time
		rec.CompletedAt = &t
	}
	return rec, nil
}

// limitOrDefault maps zero to the default page size. A negative limit means
// no limit, as in SQLite.
func limitOrDefault(limit int) int {
	if limit == 0 {
		return defaultListLimit
	}
	return limit
}

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
