/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements ledger.Store and ledger.TxStore using SQLite. In production,
  the same patterns apply to PostgreSQL - only minor SQL dialect
  differences.

KEY TABLES:
  grants:         Versioned grant rows; the CHECK constraint is the
                  database-level overdraft guard
  ledger_entries: Immutable log of all balance-affecting events

APPEND-ONLY ENFORCEMENT:
  No UPDATE or DELETE statements exist for ledger_entries. Corrections
  are made by appending compensating entries only.

IDEMPOTENCY:
  idx_entries_idempotency is a unique partial index on
  (idempotency_key, reason): a booking id can appear once as a
  consumption and once as a refund, never twice under the same reason.

OPTIMISTIC CONCURRENCY:
  Grant updates are guarded by a version column. A write with a stale
  version affects zero rows and surfaces ledger.ErrConcurrencyConflict.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  st, err := sqlite.New("./data/sessions.db")
  if err != nil {
      log.Fatal(err)
  }
  defer st.Close()
  svc := ledger.NewService(st, nil)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
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
	"github.com/warp/session-ledger/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

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

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Grants (versioned rows; never deleted, only retired)
	CREATE TABLE IF NOT EXISTS grants (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		company_id TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		sessions_granted INTEGER NOT NULL,
		sessions_consumed INTEGER NOT NULL DEFAULT 0,
		granted_at TEXT NOT NULL,
		expires_at TEXT,
		status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_by TEXT NOT NULL DEFAULT '',
		CHECK (sessions_consumed >= 0 AND sessions_consumed <= sessions_granted),
		CHECK (sessions_granted >= 0)
	);

	CREATE INDEX IF NOT EXISTS idx_grants_owner_status
		ON grants(owner_id, status);

	-- For the expiration sweeper
	CREATE INDEX IF NOT EXISTS idx_grants_status_expiry
		ON grants(status, expires_at) WHERE expires_at IS NOT NULL;

	-- Ledger entries (append-only; no UPDATE, no DELETE, ever)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		grant_id TEXT NOT NULL,
		delta INTEGER NOT NULL,
		reason TEXT NOT NULL,
		idempotency_key TEXT,
		actor_id TEXT NOT NULL DEFAULT '',
		note TEXT,
		remaining_after INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: the anti-double-spend guarantee. At most one entry per
	-- (idempotency_key, reason) system-wide.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entries_idempotency
		ON ledger_entries(idempotency_key, reason)
		WHERE idempotency_key IS NOT NULL;

	-- Owner history reads (hot path for ListLedger)
	CREATE INDEX IF NOT EXISTS idx_entries_owner_created
		ON ledger_entries(owner_id, created_at);

	CREATE INDEX IF NOT EXISTS idx_entries_grant
		ON ledger_entries(grant_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// GRANTS (ledger.Store interface)
// =============================================================================

// InsertGrant persists a new grant.
func (s *Store) InsertGrant(ctx context.Context, g ledger.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertGrant(ctx, s.db, g)
}

func insertGrant(ctx context.Context, q queryer, g ledger.Grant) error {
	if g.Version == 0 {
		g.Version = 1
	}
	query := `
		INSERT INTO grants
		(id, owner_id, company_id, source, sessions_granted, sessions_consumed,
		 granted_at, expires_at, status, version, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		g.ID, g.OwnerID, g.CompanyID, g.Source,
		g.SessionsGranted, g.SessionsConsumed,
		g.GrantedAt.UTC().Format(time.RFC3339),
		formatNullTime(g.ExpiresAt),
		g.Status, g.Version, g.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to insert grant: %w", err)
	}
	return nil
}

const grantColumns = `id, owner_id, company_id, source, sessions_granted, sessions_consumed,
       granted_at, expires_at, status, version, created_by`

// Grant returns a grant by id.
func (s *Store) Grant(ctx context.Context, id ledger.GrantID) (*ledger.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getGrant(ctx, s.db, id)
}

func getGrant(ctx context.Context, q queryer, id ledger.GrantID) (*ledger.Grant, error) {
	row := q.QueryRowContext(ctx, "SELECT "+grantColumns+" FROM grants WHERE id = ?", id)
	g, err := scanGrantFrom(row)
	if err == sql.ErrNoRows {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load grant: %w", err)
	}
	return &g, nil
}

// GrantsByOwner returns all grants for an owner, any status.
func (s *Store) GrantsByOwner(ctx context.Context, owner ledger.OwnerID) ([]ledger.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return grantsByOwner(ctx, s.db, owner)
}

func grantsByOwner(ctx context.Context, q queryer, owner ledger.OwnerID) ([]ledger.Grant, error) {
	query := "SELECT " + grantColumns + ` FROM grants
		WHERE owner_id = ?
		ORDER BY granted_at ASC, id ASC`
	return queryGrants(ctx, q, query, owner)
}

// ActiveGrants returns the owner's active, unexpired grants as of now.
func (s *Store) ActiveGrants(ctx context.Context, owner ledger.OwnerID, now time.Time) ([]ledger.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return activeGrants(ctx, s.db, owner, now)
}

func activeGrants(ctx context.Context, q queryer, owner ledger.OwnerID, now time.Time) ([]ledger.Grant, error) {
	query := "SELECT " + grantColumns + ` FROM grants
		WHERE owner_id = ? AND status = ?
		  AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY granted_at ASC, id ASC`
	return queryGrants(ctx, q, query, owner, ledger.StatusActive, now.UTC().Format(time.RFC3339))
}

// UpdateGrant writes consumed/status changes guarded by the version column.
func (s *Store) UpdateGrant(ctx context.Context, g ledger.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateGrant(ctx, s.db, g)
}

func updateGrant(ctx context.Context, q queryer, g ledger.Grant) error {
	res, err := q.ExecContext(ctx, `
		UPDATE grants
		SET sessions_consumed = ?, status = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		g.SessionsConsumed, g.Status, g.ID, g.Version,
	)
	if err != nil {
		if isCheckConstraintError(err) {
			return ledger.ErrInvalidAdjustment
		}
		return fmt.Errorf("failed to update grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the row is gone or someone else won the version race.
		if _, err := getGrant(ctx, q, g.ID); err != nil {
			return err
		}
		return ledger.ErrConcurrencyConflict
	}
	return nil
}

// ExpiryCandidates returns active grants whose expiry has passed.
func (s *Store) ExpiryCandidates(ctx context.Context, now time.Time) ([]ledger.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return expiryCandidates(ctx, s.db, now)
}

func expiryCandidates(ctx context.Context, q queryer, now time.Time) ([]ledger.Grant, error) {
	query := "SELECT " + grantColumns + ` FROM grants
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY id ASC`
	return queryGrants(ctx, q, query, ledger.StatusActive, now.UTC().Format(time.RFC3339))
}

func queryGrants(ctx context.Context, q queryer, query string, args ...any) ([]ledger.Grant, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query grants: %w", err)
	}
	defer rows.Close()

	var grants []ledger.Grant
	for rows.Next() {
		g, err := scanGrantFrom(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrantFrom(r rowScanner) (ledger.Grant, error) {
	var (
		g         ledger.Grant
		grantedAt string
		expiresAt sql.NullString
	)
	err := r.Scan(
		&g.ID, &g.OwnerID, &g.CompanyID, &g.Source,
		&g.SessionsGranted, &g.SessionsConsumed,
		&grantedAt, &expiresAt, &g.Status, &g.Version, &g.CreatedBy,
	)
	if err != nil {
		return g, err
	}
	g.GrantedAt, _ = time.Parse(time.RFC3339, grantedAt)
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339, expiresAt.String)
		g.ExpiresAt = &t
	}
	return g, nil
}

// =============================================================================
// LEDGER ENTRIES (append-only)
// =============================================================================

// AppendEntry adds an entry to the ledger.
func (s *Store) AppendEntry(ctx context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEntry(ctx, s.db, e)
}

func appendEntry(ctx context.Context, q queryer, e ledger.Entry) error {
	query := `
		INSERT INTO ledger_entries
		(id, owner_id, grant_id, delta, reason, idempotency_key, actor_id,
		 note, remaining_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		e.ID, e.OwnerID, e.GrantID, e.Delta, e.Reason,
		nullString(e.IdempotencyKey), e.ActorID, e.Note,
		e.RemainingAfter, e.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

const entryColumns = `id, owner_id, grant_id, delta, reason, idempotency_key, actor_id,
       note, remaining_after, created_at`

// Entries returns an owner's entries, oldest first, optionally filtered.
func (s *Store) Entries(ctx context.Context, owner ledger.OwnerID, f ledger.EntryFilter) ([]ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryEntriesFiltered(ctx, s.db, owner, f)
}

func queryEntriesFiltered(ctx context.Context, q queryer, owner ledger.OwnerID, f ledger.EntryFilter) ([]ledger.Entry, error) {
	var sb strings.Builder
	sb.WriteString("SELECT " + entryColumns + " FROM ledger_entries WHERE owner_id = ?")
	args := []any{owner}

	if f.From != nil {
		sb.WriteString(" AND created_at >= ?")
		args = append(args, f.From.UTC().Format(time.RFC3339))
	}
	if f.To != nil {
		sb.WriteString(" AND created_at <= ?")
		args = append(args, f.To.UTC().Format(time.RFC3339))
	}
	if f.Reason != nil {
		sb.WriteString(" AND reason = ?")
		args = append(args, *f.Reason)
	}
	if f.GrantID != "" {
		sb.WriteString(" AND grant_id = ?")
		args = append(args, f.GrantID)
	}
	sb.WriteString(" ORDER BY created_at ASC, id ASC")

	return queryEntries(ctx, q, sb.String(), args...)
}

// EntryByKey returns the entry for (idempotency key, reason), or nil.
func (s *Store) EntryByKey(ctx context.Context, key string, reason ledger.Reason) (*ledger.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return entryByKey(ctx, s.db, key, reason)
}

func entryByKey(ctx context.Context, q queryer, key string, reason ledger.Reason) (*ledger.Entry, error) {
	if key == "" {
		return nil, nil
	}
	entries, err := queryEntries(ctx, q,
		"SELECT "+entryColumns+" FROM ledger_entries WHERE idempotency_key = ? AND reason = ? LIMIT 1",
		key, reason,
	)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func queryEntries(ctx context.Context, q queryer, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e         ledger.Entry
			idemKey   sql.NullString
			note      sql.NullString
			createdAt string
		)
		err := rows.Scan(
			&e.ID, &e.OwnerID, &e.GrantID, &e.Delta, &e.Reason,
			&idemKey, &e.ActorID, &note, &e.RemainingAfter, &createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.IdempotencyKey = idemKey.String
		e.Note = note.String
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore runs every operation against the open transaction. The parent
// mutex is already held by WithTx, so no additional locking here.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) InsertGrant(ctx context.Context, g ledger.Grant) error {
	return insertGrant(ctx, ts.tx, g)
}

func (ts *txStore) Grant(ctx context.Context, id ledger.GrantID) (*ledger.Grant, error) {
	return getGrant(ctx, ts.tx, id)
}

func (ts *txStore) GrantsByOwner(ctx context.Context, owner ledger.OwnerID) ([]ledger.Grant, error) {
	return grantsByOwner(ctx, ts.tx, owner)
}

func (ts *txStore) ActiveGrants(ctx context.Context, owner ledger.OwnerID, now time.Time) ([]ledger.Grant, error) {
	return activeGrants(ctx, ts.tx, owner, now)
}

func (ts *txStore) UpdateGrant(ctx context.Context, g ledger.Grant) error {
	return updateGrant(ctx, ts.tx, g)
}

func (ts *txStore) ExpiryCandidates(ctx context.Context, now time.Time) ([]ledger.Grant, error) {
	return expiryCandidates(ctx, ts.tx, now)
}

func (ts *txStore) AppendEntry(ctx context.Context, e ledger.Entry) error {
	return appendEntry(ctx, ts.tx, e)
}

func (ts *txStore) Entries(ctx context.Context, owner ledger.OwnerID, f ledger.EntryFilter) ([]ledger.Entry, error) {
	return queryEntriesFiltered(ctx, ts.tx, owner, f)
}

func (ts *txStore) EntryByKey(ctx context.Context, key string, reason ledger.Reason) (*ledger.Entry, error) {
	return entryByKey(ctx, ts.tx, key, reason)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func isCheckConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "CHECK constraint failed")
}
