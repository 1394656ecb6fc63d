package history

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes incompatibly.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database was written by another schema version.
var ErrSchemaMismatch = errors.New("schema version mismatch")

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

// Record is one row of the run index.
type Record struct {
	RunID      string    `json:"run_id"`
	Workdir    string    `json:"workdir"`
	Status     string    `json:"status"`
	ExitStatus string    `json:"exit_status,omitempty"`
	Degraded   bool      `json:"degraded"`
	ErrorCode  string    `json:"error_code,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Filter narrows List results.
type Filter struct {
	Status string
	Limit  int
}

// Store persists the run index in SQLite.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open initializes or connects to the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure history directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}
	store := &Store{db: db, path: path, now: time.Now}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database location.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != schemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d (delete %s to rebuild the index)",
			ErrSchemaMismatch, version, schemaVersion, s.path)
	}
	return nil
}

func (s *Store) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// Upsert inserts rec or updates the existing row, keeping its created_at.
func (s *Store) Upsert(ctx context.Context, rec Record) error {
	if strings.TrimSpace(rec.RunID) == "" {
		return errors.New("history upsert: run id required")
	}
	now := s.now().UTC()
	created := rec.CreatedAt
	if created.IsZero() {
		created = now
	}
	return retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO runs (run_id, workdir, status, exit_status, degraded, error_code, created_at, updated_at)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?)
             ON CONFLICT(run_id) DO UPDATE SET
                workdir = excluded.workdir,
                status = excluded.status,
                exit_status = excluded.exit_status,
                degraded = excluded.degraded,
                error_code = excluded.error_code,
                updated_at = excluded.updated_at`,
			rec.RunID,
			rec.Workdir,
			rec.Status,
			nullableString(rec.ExitStatus),
			boolToInt(rec.Degraded),
			nullableString(rec.ErrorCode),
			created.UTC().Format(time.RFC3339Nano),
			now.Format(time.RFC3339Nano),
		)
		return err
	})
}

// Get returns the row for runID.
func (s *Store) Get(ctx context.Context, runID string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM runs WHERE run_id = ?", runID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get run %s: %w", runID, err)
	}
	return rec, true, nil
}

// List returns rows newest first.
func (s *Store) List(ctx context.Context, filter Filter) ([]Record, error) {
	query := "SELECT " + recordColumns + " FROM runs"
	var args []any
	if status := strings.TrimSpace(filter.Status); status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC, run_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const recordColumns = "run_id, workdir, status, exit_status, degraded, error_code, created_at, updated_at"

func scanRecord(scanner interface{ Scan(dest ...any) error }) (Record, error) {
	var (
		rec        Record
		exitStatus sql.NullString
		degraded   int64
		errorCode  sql.NullString
		createdRaw string
		updatedRaw string
	)
	if err := scanner.Scan(&rec.RunID, &rec.Workdir, &rec.Status, &exitStatus, &degraded, &errorCode, &createdRaw, &updatedRaw); err != nil {
		return Record{}, err
	}
	rec.ExitStatus = exitStatus.String
	rec.Degraded = degraded != 0
	rec.ErrorCode = errorCode.String
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdRaw)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedRaw)
	return rec, nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay = min(delay*2, busyRetryMaxBackoff)
	}
	return lastErr
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
