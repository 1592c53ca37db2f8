package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "github.com/glebarez/sqlite"
)

// Outcomes recorded in the journal.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

const defaultRecentLimit = 50

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("vaultd storage path must be configured")

// Storage is the vaultd operation journal. It is an audit trail only; the
// vault ledger itself is persisted as a snapshot elsewhere.
type Storage struct {
	db  *sql.DB
	now func() time.Time
}

// Entry is one journalled engine call.
type Entry struct {
	ID        string
	Operation string
	Caller    string
	Asset     string
	Amount    string
	Result    string
	Outcome   string
	Error     string
	CreatedAt time.Time
}

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serialises writers; a single connection avoids busy errors.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db, now: time.Now}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record appends entry to the journal, assigning an ID and timestamp when
// they are missing. The stored entry is returned.
func (s *Storage) Record(ctx context.Context, entry Entry) (Entry, error) {
	if s == nil {
		return Entry{}, fmt.Errorf("storage not configured")
	}
	entry.Operation = strings.TrimSpace(entry.Operation)
	if entry.Operation == "" {
		return Entry{}, fmt.Errorf("journal operation required")
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	if entry.Outcome == "" {
		entry.Outcome = OutcomeSuccess
		if entry.Error != "" {
			entry.Outcome = OutcomeFailure
		}
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO vault_operations(id, operation, caller, asset, amount, result_amount, outcome, error, created_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, entry.ID, entry.Operation, entry.Caller, entry.Asset, entry.Amount, entry.Result, entry.Outcome, entry.Error, entry.CreatedAt.UnixNano())
	if err != nil {
		return Entry{}, fmt.Errorf("insert journal entry: %w", err)
	}
	return entry, nil
}

// Recent returns up to limit entries, newest first.
func (s *Storage) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, operation, caller, asset, amount, result_amount, outcome, error, created_at
        FROM vault_operations
        ORDER BY created_at DESC, seq DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var (
			entry   Entry
			created int64
		)
		if err := rows.Scan(&entry.ID, &entry.Operation, &entry.Caller, &entry.Asset, &entry.Amount, &entry.Result, &entry.Outcome, &entry.Error, &created); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		entry.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate journal: %w", err)
	}
	return out, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS vault_operations (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    operation TEXT NOT NULL,
    caller TEXT NOT NULL DEFAULT '',
    asset TEXT NOT NULL DEFAULT '',
    amount TEXT NOT NULL DEFAULT '',
    result_amount TEXT NOT NULL DEFAULT '',
    outcome TEXT NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_vault_operations_created ON vault_operations(created_at);
CREATE INDEX IF NOT EXISTS idx_vault_operations_caller ON vault_operations(caller);
`
