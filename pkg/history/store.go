// Package history keeps a SQLite record of probe iterations.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/supporttools/net-probe/pkg/logger"
	"github.com/supporttools/net-probe/pkg/types"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// DefaultLimit is the number of records Recent returns when limit is not positive.
const DefaultLimit = 100

// Config contains settings for the history store.
type Config struct {
	// Path is the database file, or ":memory:"
	Path string

	// Retention is how long records are kept by RunCleanup
	Retention time.Duration
}

// Record is one stored iteration.
type Record struct {
	ID            int64                         `json:"id"`
	Iteration     uint64                        `json:"iteration"`
	Host          string                        `json:"host"`
	Port          int                           `json:"port"`
	Address       string                        `json:"address,omitempty"`
	Stage         types.Stage                   `json:"stage"`
	Success       bool                          `json:"success"`
	Error         string                        `json:"error,omitempty"`
	BytesSent     int                           `json:"bytesSent"`
	BytesReceived int                           `json:"bytesReceived"`
	Durations     map[types.Stage]time.Duration `json:"durations,omitempty"`
	StartedAt     time.Time                     `json:"startedAt"`
	FinishedAt    time.Time                     `json:"finishedAt"`
}

// Summary aggregates stored iterations for one host.
type Summary struct {
	Host        string    `json:"host"`
	Total       int64     `json:"total"`
	Successes   int64     `json:"successes"`
	Failures    int64     `json:"failures"`
	LastSuccess time.Time `json:"lastSuccess,omitempty"`
}

// SQLiteStore implements types.Reporter by writing every iteration to SQLite.
type SQLiteStore struct {
	db        *sql.DB
	dbPath    string
	retention time.Duration
	log       *logrus.Entry
	mu        sync.RWMutex
}

// NewSQLiteStore creates a store. Initialize must be called before use.
func NewSQLiteStore(config *Config) (*SQLiteStore, error) {
	if config == nil {
		return nil, fmt.Errorf("history config cannot be nil")
	}
	if config.Path == "" {
		return nil, fmt.Errorf("history path cannot be empty")
	}
	if config.Retention <= 0 {
		return nil, fmt.Errorf("history retention must be positive, got %v", config.Retention)
	}

	return &SQLiteStore{
		dbPath:    config.Path,
		retention: config.Retention,
		log:       logger.ForComponent("history"),
	}, nil
}

// Initialize opens the database and runs migrations.
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := sql.Open("sqlite", s.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer; one connection also keeps
	// an in-memory database alive for the store's lifetime.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db

	if err := s.migrate(ctx); err != nil {
		db.Close()
		s.db = nil
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	s.log.WithField("path", s.dbPath).Info("History store initialized")
	return nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS iterations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			iteration INTEGER NOT NULL,
			host TEXT NOT NULL,
			port INTEGER NOT NULL,
			address TEXT,
			stage TEXT NOT NULL,
			success INTEGER NOT NULL,
			error TEXT,
			bytes_sent INTEGER NOT NULL,
			bytes_received INTEGER NOT NULL,
			durations_json TEXT,
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_iterations_host_finished ON iterations(host, finished_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_iterations_finished ON iterations(finished_at)`,
	}

	for i, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// ReportIteration implements types.Reporter.
func (s *SQLiteStore) ReportIteration(ctx context.Context, result *types.IterationResult) error {
	if result == nil {
		return fmt.Errorf("result cannot be nil")
	}

	durations, err := json.Marshal(result.Durations)
	if err != nil {
		return fmt.Errorf("failed to marshal durations: %w", err)
	}

	var address string
	if result.Endpoint.Address != nil {
		address = result.Endpoint.Address.String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return fmt.Errorf("history store is not initialized")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO iterations (iteration, host, port, address, stage, success, error,
			bytes_sent, bytes_received, durations_json, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(result.Iteration), result.Endpoint.Hostname, result.Endpoint.Port, address,
		string(result.Stage), result.Succeeded(), result.Error,
		result.BytesSent, result.BytesReceived, string(durations),
		result.StartedAt.UnixNano(), result.FinishedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save iteration: %w", err)
	}
	return nil
}

// Recent returns the newest records, newest first. An empty host matches every host.
func (s *SQLiteStore) Recent(ctx context.Context, host string, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, fmt.Errorf("history store is not initialized")
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, iteration, host, port, address, stage, success, error,
			bytes_sent, bytes_received, durations_json, started_at, finished_at
		FROM iterations
		WHERE ? = '' OR host = ?
		ORDER BY id DESC
		LIMIT ?`, host, host, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query iterations: %w", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var (
		r                     Record
		iteration             int64
		address, errText      sql.NullString
		durations             sql.NullString
		stage                 string
		startedAt, finishedAt int64
	)
	if err := rows.Scan(&r.ID, &iteration, &r.Host, &r.Port, &address, &stage, &r.Success, &errText,
		&r.BytesSent, &r.BytesReceived, &durations, &startedAt, &finishedAt); err != nil {
		return nil, fmt.Errorf("failed to scan iteration: %w", err)
	}

	r.Iteration = uint64(iteration)
	r.Address = address.String
	r.Stage = types.Stage(stage)
	r.Error = errText.String
	r.StartedAt = time.Unix(0, startedAt)
	r.FinishedAt = time.Unix(0, finishedAt)
	if durations.Valid && durations.String != "" && durations.String != "null" {
		if err := json.Unmarshal([]byte(durations.String), &r.Durations); err != nil {
			return nil, fmt.Errorf("failed to unmarshal durations: %w", err)
		}
	}
	return &r, nil
}

// Summarize aggregates the stored iterations for host.
func (s *SQLiteStore) Summarize(ctx context.Context, host string) (*Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, fmt.Errorf("history store is not initialized")
	}

	summary := &Summary{Host: host}
	var lastSuccess sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(success), 0),
			MAX(CASE WHEN success = 1 THEN finished_at END)
		FROM iterations WHERE host = ?`, host).Scan(&summary.Total, &summary.Successes, &lastSuccess)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize iterations: %w", err)
	}

	summary.Failures = summary.Total - summary.Successes
	if lastSuccess.Valid {
		summary.LastSuccess = time.Unix(0, lastSuccess.Int64)
	}
	return summary, nil
}

// Count returns the number of stored iterations.
func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return 0, fmt.Errorf("history store is not initialized")
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM iterations`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count iterations: %w", err)
	}
	return count, nil
}

// DeleteOlderThan removes iterations that finished before the given time.
func (s *SQLiteStore) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return 0, fmt.Errorf("history store is not initialized")
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM iterations WHERE finished_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old iterations: %w", err)
	}
	return result.RowsAffected()
}

// RunCleanup deletes iterations older than the retention period.
func (s *SQLiteStore) RunCleanup(ctx context.Context) error {
	deleted, err := s.DeleteOlderThan(ctx, time.Now().Add(-s.retention))
	if err != nil {
		return fmt.Errorf("failed to cleanup iterations: %w", err)
	}
	if deleted > 0 {
		s.log.WithField("deleted", deleted).Info("Cleaned up old iterations")
	}
	return nil
}

// RunCleanupLoop runs RunCleanup every interval until ctx is done.
func (s *SQLiteStore) RunCleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunCleanup(ctx); err != nil {
				s.log.WithError(err).Warn("History cleanup failed")
			}
		}
	}
}
