// Package store provides storage backends for OrderPipe.
//
// This file implements an SQLite-backed session store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "embed"

	"github.com/BTreeMap/OrderPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db  *sql.DB
	mu  sync.Mutex // serializes read-modify-write of a session row
	now func() time.Time
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	// Determine DSN (required)
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	if path := sqlitePath(dsn); path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
			slog.Error("Failed to create database directory", "error", err, "dir", dir)
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		slog.Debug("SQLite database directory verified/created", "dir", dir)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// One connection keeps ":memory:" databases shared and writes serialized.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, userID string) (*models.Session, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess != nil {
		return sess, nil
	}
	sess = models.NewSession(userID, s.now())
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	slog.Debug("SQLiteStore created session", "user", userID)
	return sess, nil
}

func (s *SQLiteStore) Update(ctx context.Context, userID string, state models.StateType, patch map[models.DataKey]string) (*models.Session, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		sess = models.NewSession(userID, s.now())
	}
	sess.Apply(state, patch, s.now())
	if err := s.save(ctx, sess); err != nil {
		return nil, err
	}
	slog.Debug("SQLiteStore Update succeeded", "user", userID, "state", state)
	return sess, nil
}

func (s *SQLiteStore) load(ctx context.Context, userID string) (*models.Session, error) {
	var rec sessionRecord
	var dataJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT state, data, last_activity FROM sessions WHERE user_id = ?`, userID,
	).Scan(&rec.State, &dataJSON, &rec.LastActivity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore load failed", "error", err, "user", userID)
		return nil, fmt.Errorf("failed to load session for %s: %w", userID, err)
	}
	if err := decodeData(dataJSON, &rec); err != nil {
		slog.Error("SQLiteStore session data decode failed", "error", err, "user", userID)
		return nil, err
	}
	return rec.toSession(userID), nil
}

func (s *SQLiteStore) save(ctx context.Context, sess *models.Session) error {
	dataJSON, err := encodeData(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (user_id, state, data, last_activity) VALUES (?, ?, ?, ?)`,
		sess.UserID, string(sess.State), dataJSON, sess.LastActivity.UnixMilli(),
	)
	if err != nil {
		slog.Error("SQLiteStore save failed", "error", err, "user", sess.UserID)
		return fmt.Errorf("failed to save session for %s: %w", sess.UserID, err)
	}
	return nil
}

// sqlitePath strips the "file:" scheme and query parameters from a go-sqlite3 DSN.
func sqlitePath(dsn string) string {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	} else {
		slog.Debug("SQLite database connection closed successfully")
	}
	return err
}
