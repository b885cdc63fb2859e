/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Persists everything the engine keeps beside the journal. The journal file
  stays the only source of truth for balances; nothing here is needed to
  rebuild them.

INTERFACES IMPLEMENTED:
  credit.AuditLog:      Command outcomes, denials included
  credit.EntityStore:   Lifecycle records
  credit.ApprovalStore: Approval gate records
  credit.TaxRunStore:   Existence tax batches
  credit.CursorStore:   Outbound publish watermarks

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on audit_log or approval_records
  - entities rows are updated by lifecycle transitions but never deleted

KEY TABLES:
  audit_log:        Who did what, and the outcome
  entities:         Lifecycle state and cached balances
  approval_records: Append-only approval gate history
  tax_runs:         One row per billing period batch
  publish_cursors:  Last delivered journal sequence per hook

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/credit.db")
  if err != nil {
      return err
  }
  defer store.Close()
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/credit-engine/credit"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Audit log (append-only)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		actor_kind TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_id TEXT,
		credit_type TEXT,
		amount TEXT NOT NULL DEFAULT '0',
		result TEXT NOT NULL,
		correlation_id TEXT,
		error TEXT,
		payload_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_log(entity_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_actor
		ON audit_log(actor_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_correlation
		ON audit_log(correlation_id) WHERE correlation_id IS NOT NULL;

	-- Entities (lifecycle records)
	CREATE TABLE IF NOT EXISTS entities (
		id TEXT PRIMARY KEY,
		entity_type TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		activated_at TEXT,
		suspended_at TEXT,
		terminated_at TEXT,
		consecutive_tax_failures INTEGER NOT NULL DEFAULT 0,
		last_tax_period TEXT,
		balances_json TEXT NOT NULL,
		lifetime_earned TEXT NOT NULL DEFAULT '0',
		lifetime_spent TEXT NOT NULL DEFAULT '0',
		last_applied_seq INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entities_status
		ON entities(status);

	-- Approval gate records (append-only)
	CREATE TABLE IF NOT EXISTS approval_records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		state TEXT NOT NULL,
		command_json TEXT,
		actor_id TEXT NOT NULL,
		actor_kind TEXT NOT NULL,
		reason TEXT,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_approval_records_request
		ON approval_records(request_id);

	-- Tax runs (one per billing period batch)
	CREATE TABLE IF NOT EXISTS tax_runs (
		id TEXT PRIMARY KEY,
		period_id TEXT NOT NULL,
		status TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		taxed INTEGER NOT NULL DEFAULT 0,
		suspended INTEGER NOT NULL DEFAULT 0,
		terminated INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		collected TEXT NOT NULL DEFAULT '0',
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_tax_runs_status
		ON tax_runs(status);
	CREATE INDEX IF NOT EXISTS idx_tax_runs_period
		ON tax_runs(period_id);

	-- Publish cursors
	CREATE TABLE IF NOT EXISTS publish_cursors (
		name TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// AUDIT LOG (credit.AuditLog interface)
// =============================================================================

// Append adds an audit entry.
func (s *Store) Append(ctx context.Context, entry credit.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var payload sql.NullString
	if len(entry.Payload) > 0 {
		raw, err := json.Marshal(entry.Payload)
		if err != nil {
			return fmt.Errorf("failed to encode audit payload: %w", err)
		}
		payload = sql.NullString{String: string(raw), Valid: true}
	}

	query := `
		INSERT INTO audit_log
		(id, timestamp, actor_id, actor_kind, action, entity_id, credit_type,
		 amount, result, correlation_id, error, payload_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		entry.ID,
		formatTime(entry.Timestamp),
		entry.ActorID,
		string(entry.ActorKind),
		string(entry.Action),
		nullString(string(entry.EntityID)),
		nullString(string(entry.CreditType)),
		entry.Amount.String(),
		string(entry.Result),
		nullString(entry.CorrelationID),
		nullString(entry.Error),
		payload,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Query returns matching audit entries, oldest first.
func (s *Store) Query(ctx context.Context, filter credit.AuditFilter) ([]credit.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if filter.EntityID != nil {
		where = append(where, "entity_id = ?")
		args = append(args, string(*filter.EntityID))
	}
	if filter.ActorID != nil {
		where = append(where, "actor_id = ?")
		args = append(args, *filter.ActorID)
	}
	if filter.CorrelationID != nil {
		where = append(where, "correlation_id = ?")
		args = append(args, *filter.CorrelationID)
	}
	if len(filter.Actions) > 0 {
		marks := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			marks[i] = "?"
			args = append(args, string(a))
		}
		where = append(where, "action IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.From != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, formatTime(*filter.From))
	}
	if filter.To != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, formatTime(*filter.To))
	}

	query := `
		SELECT id, timestamp, actor_id, actor_kind, action, entity_id, credit_type,
		       amount, result, correlation_id, error, payload_json
		FROM audit_log
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY rowid ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []credit.AuditEntry
	for rows.Next() {
		var (
			e                                         credit.AuditEntry
			timestamp, actorKind, action, result, amt string
			entityID, creditType, correlationID       sql.NullString
			errText, payload                          sql.NullString
		)
		if err := rows.Scan(
			&e.ID, &timestamp, &e.ActorID, &actorKind, &action, &entityID, &creditType,
			&amt, &result, &correlationID, &errText, &payload,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp = parseTime(timestamp)
		e.ActorKind = credit.ActorKind(actorKind)
		e.Action = credit.AuditAction(action)
		e.EntityID = credit.EntityID(entityID.String)
		e.CreditType = credit.CreditType(creditType.String)
		e.Amount = parseDecimal(amt)
		e.Result = credit.AuditResult(result)
		e.CorrelationID = correlationID.String
		e.Error = errText.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode audit payload %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// =============================================================================
// ENTITY STORE (credit.EntityStore interface)
// =============================================================================

const entityColumns = `id, entity_type, status, created_at, activated_at, suspended_at,
	terminated_at, consecutive_tax_failures, last_tax_period, balances_json,
	lifetime_earned, lifetime_spent, last_applied_seq, updated_at`

// Create inserts a new entity record.
func (s *Store) Create(ctx context.Context, e credit.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	args, err := entityArgs(e)
	if err != nil {
		return err
	}
	query := `INSERT INTO entities (` + entityColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueConstraintError(err) {
			return credit.ErrEntityExists
		}
		return fmt.Errorf("failed to create entity: %w", err)
	}
	return nil
}

// Get returns the entity record.
func (s *Store) Get(ctx context.Context, id credit.EntityID) (credit.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE id = ?`, string(id))
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return credit.Entity{}, credit.ErrNotFound
	}
	return e, err
}

// Save overwrites an existing entity record.
func (s *Store) Save(ctx context.Context, e credit.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	args, err := entityArgs(e)
	if err != nil {
		return err
	}
	query := `
		UPDATE entities SET
			entity_type = ?2, status = ?3, created_at = ?4, activated_at = ?5,
			suspended_at = ?6, terminated_at = ?7, consecutive_tax_failures = ?8,
			last_tax_period = ?9, balances_json = ?10, lifetime_earned = ?11,
			lifetime_spent = ?12, last_applied_seq = ?13, updated_at = ?14
		WHERE id = ?1
	`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to save entity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save entity: %w", err)
	}
	if n == 0 {
		return credit.ErrNotFound
	}
	return nil
}

// List returns every entity ordered by id.
func (s *Store) List(ctx context.Context) ([]credit.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+entityColumns+` FROM entities ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities: %w", err)
	}
	defer rows.Close()

	var entities []credit.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func entityArgs(e credit.Entity) ([]any, error) {
	balances := make(map[credit.CreditType]string, len(e.Balances))
	for ct, v := range e.Balances {
		balances[ct] = v.String()
	}
	raw, err := json.Marshal(balances)
	if err != nil {
		return nil, fmt.Errorf("failed to encode balances: %w", err)
	}
	return []any{
		string(e.ID),
		string(e.Type),
		string(e.Status),
		formatTime(e.CreatedAt),
		nullTime(e.ActivatedAt),
		nullTime(e.SuspendedAt),
		nullTime(e.TerminatedAt),
		e.ConsecutiveTaxFailures,
		nullString(e.LastTaxPeriod),
		string(raw),
		e.LifetimeEarned.String(),
		e.LifetimeSpent.String(),
		int64(e.LastAppliedSeq),
		formatTime(e.UpdatedAt),
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (credit.Entity, error) {
	var (
		e                                    credit.Entity
		id, entityType, status, createdAt    string
		activatedAt, suspendedAt, terminated sql.NullString
		lastTaxPeriod                        sql.NullString
		balancesJSON, earned, spent, updated string
		lastApplied                          int64
	)
	if err := row.Scan(
		&id, &entityType, &status, &createdAt, &activatedAt, &suspendedAt,
		&terminated, &e.ConsecutiveTaxFailures, &lastTaxPeriod, &balancesJSON,
		&earned, &spent, &lastApplied, &updated,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan entity: %w", err)
	}

	var balances map[credit.CreditType]string
	if err := json.Unmarshal([]byte(balancesJSON), &balances); err != nil {
		return e, fmt.Errorf("failed to decode balances of %s: %w", id, err)
	}
	e.Balances = make(map[credit.CreditType]decimal.Decimal, len(balances))
	for ct, v := range balances {
		e.Balances[ct] = parseDecimal(v)
	}

	e.ID = credit.EntityID(id)
	e.Type = credit.EntityType(entityType)
	e.Status = credit.EntityStatus(status)
	e.CreatedAt = parseTime(createdAt)
	e.ActivatedAt = parseNullTime(activatedAt)
	e.SuspendedAt = parseNullTime(suspendedAt)
	e.TerminatedAt = parseNullTime(terminated)
	e.LastTaxPeriod = lastTaxPeriod.String
	e.LifetimeEarned = parseDecimal(earned)
	e.LifetimeSpent = parseDecimal(spent)
	e.LastAppliedSeq = uint64(lastApplied)
	e.UpdatedAt = parseTime(updated)
	return e, nil
}

// =============================================================================
// APPROVAL STORE (credit.ApprovalStore interface)
// =============================================================================

// AppendApproval persists the record; the sequence comes from the table.
func (s *Store) AppendApproval(ctx context.Context, rec credit.ApprovalRecord) (credit.ApprovalRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var command sql.NullString
	if rec.Command != nil {
		raw, err := json.Marshal(rec.Command)
		if err != nil {
			return rec, fmt.Errorf("failed to encode proposed command: %w", err)
		}
		command = sql.NullString{String: string(raw), Valid: true}
	}

	query := `
		INSERT INTO approval_records (request_id, state, command_json, actor_id, actor_kind, reason, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.ExecContext(ctx, query,
		rec.RequestID,
		string(rec.State),
		command,
		rec.Actor.ID,
		string(rec.Actor.Kind),
		nullString(rec.Reason),
		formatTime(rec.At),
	)
	if err != nil {
		return rec, fmt.Errorf("failed to append approval record: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return rec, fmt.Errorf("failed to read approval sequence: %w", err)
	}
	rec.Sequence = uint64(seq)
	return rec, nil
}

// ApprovalRecords returns every record in sequence order.
func (s *Store) ApprovalRecords(ctx context.Context) ([]credit.ApprovalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, request_id, state, command_json, actor_id, actor_kind, reason, at
		FROM approval_records
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query approval records: %w", err)
	}
	defer rows.Close()

	var records []credit.ApprovalRecord
	for rows.Next() {
		var (
			rec                  credit.ApprovalRecord
			seq                  int64
			state, actorKind, at string
			command, reason      sql.NullString
		)
		if err := rows.Scan(&seq, &rec.RequestID, &state, &command, &rec.Actor.ID, &actorKind, &reason, &at); err != nil {
			return nil, fmt.Errorf("failed to scan approval record: %w", err)
		}
		rec.Sequence = uint64(seq)
		rec.State = credit.ApprovalState(state)
		rec.Actor.Kind = credit.ActorKind(actorKind)
		rec.Reason = reason.String
		rec.At = parseTime(at)
		if command.Valid {
			var cmd credit.ProposedCommand
			if err := json.Unmarshal([]byte(command.String), &cmd); err != nil {
				return nil, fmt.Errorf("failed to decode proposed command of %s: %w", rec.RequestID, err)
			}
			rec.Command = &cmd
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// =============================================================================
// TAX RUNS (credit.TaxRunStore interface)
// =============================================================================

// SaveTaxRun inserts the run or updates it in place.
func (s *Store) SaveTaxRun(ctx context.Context, r credit.TaxRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO tax_runs (id, period_id, status, processed, taxed, suspended,
			terminated, skipped, collected, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			processed = excluded.processed,
			taxed = excluded.taxed,
			suspended = excluded.suspended,
			terminated = excluded.terminated,
			skipped = excluded.skipped,
			collected = excluded.collected,
			error = excluded.error,
			completed_at = excluded.completed_at
	`

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.PeriodID, string(r.Status),
		r.Processed, r.Taxed, r.Suspended, r.Terminated, r.Skipped,
		r.Collected.String(), nullString(r.Error),
		formatTime(r.StartedAt), nullTime(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save tax run: %w", err)
	}
	return nil
}

// TaxRuns returns tax runs newest first.
func (s *Store) TaxRuns(ctx context.Context, status credit.TaxRunStatus) ([]credit.TaxRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, period_id, status, processed, taxed, suspended, terminated,
			skipped, collected, error, started_at, completed_at
		FROM tax_runs
	`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY rowid DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tax runs: %w", err)
	}
	defer rows.Close()

	var runs []credit.TaxRun
	for rows.Next() {
		var (
			r                          credit.TaxRun
			runStatus, collected, from string
			errText, completedAt       sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &r.PeriodID, &runStatus, &r.Processed, &r.Taxed, &r.Suspended,
			&r.Terminated, &r.Skipped, &collected, &errText, &from, &completedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan tax run: %w", err)
		}
		r.Status = credit.TaxRunStatus(runStatus)
		r.Collected = parseDecimal(collected)
		r.Error = errText.String
		r.StartedAt = parseTime(from)
		r.CompletedAt = parseNullTime(completedAt)
		runs = append(runs, r)
	}

	return runs, rows.Err()
}

// =============================================================================
// PUBLISH CURSORS (credit.CursorStore interface)
// =============================================================================

func (s *Store) Cursor(ctx context.Context, name string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM publish_cursors WHERE name = ?`, name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor %s: %w", name, err)
	}
	return uint64(seq), nil
}

func (s *Store) SaveCursor(ctx context.Context, name string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO publish_cursors (name, seq, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET seq = excluded.seq, updated_at = excluded.updated_at
	`, name, int64(seq), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save cursor %s: %w", name, err)
	}
	return nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
