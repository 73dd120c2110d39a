// Package postgres provides a PostgreSQL-backed transfer record store with metrics.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/torevar615/URL-UploadV1/internal/logging"
	"github.com/torevar615/URL-UploadV1/internal/metrics"
	"github.com/torevar615/URL-UploadV1/internal/records"
)

// DefaultListLimit caps ListTransfers when the caller passes no limit.
const DefaultListLimit = 50

// MaxListLimit is the largest page ListTransfers returns.
const MaxListLimit = 500

// Store is a PostgreSQL transfer record store.
type Store struct {
	db *sql.DB
}

// New opens and pings the database.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *Store) UpdateConnectionMetrics() {
	metrics.SetDBConnectionsOpen(s.db.Stats().OpenConnections)
}

// Migrate runs SQL migration files.
func (s *Store) Migrate(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

// RecordTransfer inserts t. Writing the same ID twice is a no-op, so a
// retried write never duplicates a row.
func (s *Store) RecordTransfer(ctx context.Context, t records.Transfer) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("record_transfer", time.Since(start)) }()

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	failed := make([]int64, len(t.ChunksFailed))
	for i, n := range t.ChunksFailed {
		failed[i] = int64(n)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transfers (id, caller_id, destination, url, filename, mime, size, bytes_sent, strategy, chunks_failed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, t.CallerID, t.Destination, t.URL, t.Filename, t.MIME,
		t.Size, t.BytesSent, t.Strategy, pq.Array(failed), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	return nil
}

// ListTransfers returns the most recent transfers, newest first. callerID 0
// lists every caller.
func (s *Store) ListTransfers(ctx context.Context, callerID int64, limit int) ([]records.Transfer, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("list_transfers", time.Since(start)) }()

	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, caller_id, destination, url, filename, mime, size, bytes_sent, strategy, chunks_failed, created_at
		 FROM transfers
		 WHERE $1::BIGINT = 0 OR caller_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`, callerID, limit)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	var result []records.Transfer
	for rows.Next() {
		var t records.Transfer
		var failed []int64
		if err := rows.Scan(&t.ID, &t.CallerID, &t.Destination, &t.URL, &t.Filename, &t.MIME,
			&t.Size, &t.BytesSent, &t.Strategy, pq.Array(&failed), &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		for _, n := range failed {
			t.ChunksFailed = append(t.ChunksFailed, int(n))
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// Stats returns totals across all recorded transfers.
func (s *Store) Stats(ctx context.Context) (*records.Stats, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("stats", time.Since(start)) }()

	st := &records.Stats{ByStrategy: make(map[string]int64)}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(bytes_sent), 0) FROM transfers`).Scan(&st.Transfers, &st.Bytes)
	if err != nil {
		return nil, fmt.Errorf("transfer totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT strategy, COUNT(*) FROM transfers GROUP BY strategy`)
	if err != nil {
		return nil, fmt.Errorf("transfers by strategy: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var strategy string
		var n int64
		if err := rows.Scan(&strategy, &n); err != nil {
			return nil, err
		}
		st.ByStrategy[strategy] = n
	}
	return st, rows.Err()
}
