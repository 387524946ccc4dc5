/*
Package sqlite provides a SQLite-backed implementation of commission.TxStore.

PURPOSE:
  Production persistence for rules, campaigns, source events, commission
  events, splits, settlements, disputes, goals and recurring commissions.
  The same schema ports to PostgreSQL with minor dialect changes.

INTEGRITY BACKSTOPS (enforced by the database, not by read-then-write):
  idx_events_claim        UNIQUE (rule_id, source_id, user_id) WHERE claims_source = 1
                          -> ErrDuplicateEvent; makes batch generation idempotent
  commission_settlements  UNIQUE (user_id, period)
                          -> ErrDuplicateSettlement
  idx_disputes_open       UNIQUE (event_id) WHERE status = 'open'
                          -> ErrDisputeAlreadyOpen
  UpdateSettlement / UpdateDispute are compare-and-swap on status.
  ClaimEvents only claims approved rows whose settlement_id IS NULL.

MONEY:
  Decimals are stored as TEXT and parsed back with shopspring/decimal, so no
  binary floating point ever touches an amount.

TIME:
  Timestamps are UTC TEXT in a fixed-width layout, so lexical order equals
  chronological order and range filters can compare strings.

CONCURRENCY:
  The pool is limited to one connection and WithTx holds a mutex, so
  transactions are serialized. Reads inside WithTx go through the
  transaction, never through the pool.

USAGE:
  store, err := sqlite.New("./data/commissions.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc, err := commission.NewService(store, commission.ServiceOptions{})

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - commission/store.go: Interface definitions
  - commission/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/commission-engine/commission"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn implements commission.Store over a querier.
type conn struct {
	q querier
}

var _ commission.Store = (*conn)(nil)

// Store implements commission.TxStore using SQLite.
type Store struct {
	*conn
	db *sql.DB
	mu sync.Mutex
}

var _ commission.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: keeps ":memory:" databases alive and serializes writers.
	db.SetMaxOpenConns(1)

	store := NewWithDB(db)
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewWithDB wraps an already opened database without migrating it.
func NewWithDB(db *sql.DB) *Store {
	return &Store{conn: &conn{q: db}, db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS commission_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		user_id TEXT,
		role TEXT NOT NULL,
		calculation_type TEXT NOT NULL,
		value TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		applies_to TEXT NOT NULL,
		applies_when TEXT NOT NULL,
		source_filter TEXT,
		tiers_json TEXT,
		formula TEXT,
		exclusive INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_candidates
		ON commission_rules(applies_when, role, active);

	CREATE TABLE IF NOT EXISTS commission_campaigns (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		multiplier TEXT NOT NULL,
		role TEXT,
		calculation_type TEXT,
		starts_on TEXT NOT NULL,
		ends_on TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS source_events (
		id TEXT PRIMARY KEY,
		trigger_kind TEXT NOT NULL,
		reference_id TEXT,
		occurred_at TEXT NOT NULL,
		origin_tag TEXT,
		gross_amount TEXT NOT NULL,
		net_amount TEXT,
		expenses TEXT NOT NULL,
		displacement TEXT NOT NULL,
		item_count INTEGER NOT NULL DEFAULT 0,
		items_json TEXT NOT NULL,
		beneficiaries_json TEXT NOT NULL,
		recorded_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sources_occurred_at
		ON source_events(occurred_at);

	CREATE TABLE IF NOT EXISTS commission_settlements (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		period TEXT NOT NULL,
		status TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		paid_amount TEXT,
		events_count INTEGER NOT NULL DEFAULT 0,
		rejection_reason TEXT,
		payment_notes TEXT,
		closed_by TEXT,
		closed_at TEXT,
		approved_by TEXT,
		approved_at TEXT,
		paid_by TEXT,
		paid_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (user_id, period)
	);

	CREATE TABLE IF NOT EXISTS commission_events (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT,
		trigger_kind TEXT,
		origin TEXT NOT NULL,
		parent_id TEXT REFERENCES commission_events(id),
		settlement_id TEXT REFERENCES commission_settlements(id),
		base_amount TEXT NOT NULL,
		commission_amount TEXT NOT NULL,
		proportion TEXT NOT NULL,
		status TEXT NOT NULL,
		claims_source INTEGER NOT NULL DEFAULT 0,
		notes TEXT,
		effective_at TEXT NOT NULL,
		approved_by TEXT,
		approved_at TEXT,
		paid_at TEXT,
		reversed_at TEXT,
		reversal_reason TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- At most one event may claim a (rule, source, user) tuple.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_events_claim
		ON commission_events(rule_id, source_id, user_id) WHERE claims_source = 1;

	CREATE INDEX IF NOT EXISTS idx_events_user_effective
		ON commission_events(user_id, effective_at);
	CREATE INDEX IF NOT EXISTS idx_events_settlement
		ON commission_events(settlement_id) WHERE settlement_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS commission_splits (
		id TEXT PRIMARY KEY,
		parent_event_id TEXT NOT NULL REFERENCES commission_events(id),
		child_event_id TEXT NOT NULL REFERENCES commission_events(id),
		user_id TEXT NOT NULL,
		percentage TEXT NOT NULL,
		amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_splits_parent
		ON commission_splits(parent_event_id);

	CREATE TABLE IF NOT EXISTS commission_disputes (
		id TEXT PRIMARY KEY,
		event_id TEXT NOT NULL REFERENCES commission_events(id),
		user_id TEXT NOT NULL,
		reason TEXT NOT NULL,
		status TEXT NOT NULL,
		resolution_notes TEXT,
		new_amount TEXT,
		previous_amount TEXT,
		resolved_by TEXT,
		resolved_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- At most one open dispute per event.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_disputes_open
		ON commission_disputes(event_id) WHERE status = 'open';

	CREATE TABLE IF NOT EXISTS commission_goals (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		role TEXT,
		period TEXT NOT NULL,
		target TEXT NOT NULL,
		bonus TEXT NOT NULL,
		status TEXT NOT NULL,
		evaluated_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS recurring_commissions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		amount TEXT NOT NULL,
		description TEXT,
		starts_on TEXT NOT NULL,
		ends_on TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (commission.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store commission.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"commission_disputes", "commission_splits", "commission_events",
		"commission_settlements", "source_events", "commission_goals",
		"recurring_commissions", "commission_campaigns", "commission_rules",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// where accumulates AND-ed conditions for list queries.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
}

// in adds "column IN (?, ?, ...)" for a non-empty list.
func (w *where) in(column string, values []string) {
	if len(values) == 0 {
		return
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	w.add(column+" IN ("+marks+")", args...)
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d *decimal.Decimal) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return d, nil
}

func parseNullDecimal(ns sql.NullString) (*decimal.Decimal, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	d, err := parseDecimal(ns.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

// expectOneRow turns a zero-row compare-and-swap update into
// ErrConcurrentModification.
func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return commission.ErrConcurrentModification
	}
	return nil
}
