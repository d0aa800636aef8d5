// Package store provides storage backends for OrderPipe.
//
// This file implements a PostgreSQL-backed session store.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/golang-migrate/migrate/v4"
	postgresdb "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Postgres ping successful")

	if err := runPostgresMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return newPostgresStoreWithDB(db), nil
}

func newPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// runPostgresMigrations applies the embedded schema with golang-migrate.
func runPostgresMigrations(db *sql.DB) error {
	src, err := iofs.New(postgresMigrations, "migrations/postgres")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := postgresdb.WithInstance(db, &postgresdb.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		slog.Debug("No new Postgres migrations to apply")
		return nil
	}
	if err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("Postgres migrations applied successfully")
	return nil
}

func (s *PostgresStore) GetOrCreate(ctx context.Context, userID string) (*models.Session, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	now := s.now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (user_id, state, data, last_activity) VALUES ($1, $2, $3, $4) ON CONFLICT (user_id) DO NOTHING`,
		userID, string(models.StateIdle), "{}", now.UnixMilli(),
	)
	if err != nil {
		slog.Error("PostgresStore GetOrCreate insert failed", "error", err, "user", userID)
		return nil, fmt.Errorf("failed to create session for %s: %w", userID, err)
	}

	var rec sessionRecord
	var dataJSON string
	err = s.db.QueryRowContext(ctx,
		`SELECT state, data, last_activity FROM sessions WHERE user_id = $1`, userID,
	).Scan(&rec.State, &dataJSON, &rec.LastActivity)
	if err != nil {
		slog.Error("PostgresStore GetOrCreate select failed", "error", err, "user", userID)
		return nil, fmt.Errorf("failed to load session for %s: %w", userID, err)
	}
	if err := decodeData(dataJSON, &rec); err != nil {
		return nil, err
	}
	return rec.toSession(userID), nil
}

func (s *PostgresStore) Update(ctx context.Context, userID string, state models.StateType, patch map[models.DataKey]string) (*models.Session, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin session update: %w", err)
	}
	defer tx.Rollback()

	sess := models.NewSession(userID, s.now())
	var rec sessionRecord
	var dataJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT state, data, last_activity FROM sessions WHERE user_id = $1 FOR UPDATE`, userID,
	).Scan(&rec.State, &dataJSON, &rec.LastActivity)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		slog.Error("PostgresStore Update select failed", "error", err, "user", userID)
		return nil, fmt.Errorf("failed to load session for %s: %w", userID, err)
	default:
		if err := decodeData(dataJSON, &rec); err != nil {
			return nil, err
		}
		sess = rec.toSession(userID)
	}

	sess.Apply(state, patch, s.now())
	newData, err := encodeData(sess)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sessions (user_id, state, data, last_activity) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE SET state = EXCLUDED.state, data = EXCLUDED.data, last_activity = EXCLUDED.last_activity`,
		userID, string(sess.State), newData, sess.LastActivity.UnixMilli(),
	)
	if err != nil {
		slog.Error("PostgresStore Update upsert failed", "error", err, "user", userID)
		return nil, fmt.Errorf("failed to save session for %s: %w", userID, err)
	}
	if err := tx.Commit(); err != nil {
		slog.Error("PostgresStore Update commit failed", "error", err, "user", userID)
		return nil, fmt.Errorf("failed to commit session for %s: %w", userID, err)
	}
	slog.Debug("PostgresStore Update succeeded", "user", userID, "state", state)
	return sess, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	} else {
		slog.Debug("PostgreSQL database connection closed successfully")
	}
	return err
}
