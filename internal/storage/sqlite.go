package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"pr-hostdata-cache/internal/domain"
	"pr-hostdata-cache/internal/types"

	_ "modernc.org/sqlite" // Pure Go driver, CGO-free, compatible with CGO_ENABLED=0
)

// tables maps each record kind to its collection table.
var tables = map[domain.Kind]string{
	domain.KindRepository:        "repositories",
	domain.KindRepoPullRequest:   "repo_pull_requests",
	domain.KindPullRequestBundle: "pull_request_bundles",
	domain.KindFileContext:       "file_contexts",
	domain.KindFileHistory:       "file_histories",
	domain.KindCommitRangeDiff:   "commit_range_diffs",
}

// SQLiteOptions configures the durable backend.
type SQLiteOptions struct {
	DSN string
	// MaxPageCount caps the database size in pages. Writes past the cap fail with SQLITE_FULL,
	// which is reported as a quota error. Zero leaves sqlite's default.
	MaxPageCount int
}

// SQLiteBackend is the durable backend: one table per record kind in a single database.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens the database and creates the collection tables.
func NewSQLiteBackend(ctx context.Context, opts SQLiteOptions) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Pragmas are per connection; a single connection keeps them in force.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	if opts.MaxPageCount > 0 {
		// sqlite clamps the value to the current database size.
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA max_page_count = %d;", opts.MaxPageCount)); err != nil {
			db.Close()
			return nil, fmt.Errorf("set max page count: %w", err)
		}
	}

	return &SQLiteBackend{db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	for _, kind := range domain.Kinds {
		table := tables[kind]
		schema := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %[1]s (
        id         TEXT PRIMARY KEY,
        fetched_at INTEGER NOT NULL,
        expires_at INTEGER NOT NULL,
        data       BLOB NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_%[1]s_expires ON %[1]s(expires_at);
    `, table)
		if _, err := db.ExecContext(ctx, schema); err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
	}
	return nil
}

func tableFor(kind domain.Kind) (string, error) {
	table, ok := tables[kind]
	if !ok {
		return "", fmt.Errorf("unknown record kind: %s", kind)
	}
	return table, nil
}

func (s *SQLiteBackend) Mode() Mode { return ModeDurable }

func (s *SQLiteBackend) Put(ctx context.Context, kind domain.Kind, entry Entry) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
        INSERT INTO %s (id, fetched_at, expires_at, data)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            fetched_at = excluded.fetched_at,
            expires_at = excluded.expires_at,
            data       = excluded.data
    `, table), entry.ID, entry.FetchedAt, entry.ExpiresAt, entry.Data)
	return classify(err)
}

func (s *SQLiteBackend) Delete(ctx context.Context, kind domain.Kind, id string) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id)
	return classify(err)
}

func (s *SQLiteBackend) Load(ctx context.Context, kind domain.Kind) ([]Entry, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
        SELECT id, fetched_at, expires_at, data
        FROM %s
        ORDER BY id
    `, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.FetchedAt, &e.ExpiresAt, &e.Data); err != nil {
			slog.Warn("scan entry failed", "kind", kind, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLiteBackend) DeleteExpired(ctx context.Context, kind domain.Kind, now int64) (int, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE expires_at <= ?", table), now)
	if err != nil {
		return 0, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *SQLiteBackend) Clear(ctx context.Context, kind domain.Kind) error {
	table, err := tableFor(kind)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", table))
	return classify(err)
}

func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}

// classify marks quota failures so callers can tell them apart from other write errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if types.IsQuotaExceeded(err) {
		return &types.QuotaError{Err: err}
	}
	return err
}
