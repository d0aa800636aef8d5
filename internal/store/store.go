// Package store provides session storage backends for OrderPipe.
//
// It includes an in-memory store, a whole-file JSON snapshot store and SQL-backed
// stores (SQLite, PostgreSQL). All of them satisfy SessionStore.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

// ErrEmptyUserID is returned when a store is asked about a blank user identifier.
var ErrEmptyUserID = errors.New("user id cannot be empty")

// SessionStore persists one conversation record per user.
// Update must be durable before it returns.
type SessionStore interface {
	// GetOrCreate returns the user's session, creating and persisting an IDLE one if absent.
	GetOrCreate(ctx context.Context, userID string) (*models.Session, error)
	// Update overlays patch onto the session data, moves it to state and persists it.
	Update(ctx context.Context, userID string, state models.StateType, patch map[models.DataKey]string) (*models.Session, error)
	// Close releases any resources held by the store.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string // database connection string or file path
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithDSN sets the connection string or path of the backend.
func WithDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return WithDSN(dsn)
}

// WithSQLiteDSN sets the SQLite database path.
func WithSQLiteDSN(dsn string) Option {
	return WithDSN(dsn)
}

// DSN type names returned by DetectDSNType.
const (
	DSNTypeMemory   = "memory"
	DSNTypeJSON     = "json"
	DSNTypeSQLite   = "sqlite3"
	DSNTypePostgres = "postgres"
)

// DetectDSNType classifies a DSN so callers can pick a backend and a database/sql driver.
func DetectDSNType(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "", dsn == DSNTypeMemory:
		return DSNTypeMemory
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return DSNTypePostgres
	case strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") || strings.Contains(dsn, "user="):
		return DSNTypePostgres
	case strings.HasSuffix(strings.ToLower(dsn), ".json"):
		return DSNTypeJSON
	default:
		return DSNTypeSQLite
	}
}

// Open returns the SessionStore matching the configured DSN.
func Open(opts ...Option) (SessionStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	kind := DetectDSNType(cfg.DSN)
	slog.Debug("store.Open selecting backend", "type", kind)
	switch kind {
	case DSNTypeMemory:
		return NewInMemoryStore(), nil
	case DSNTypeJSON:
		return NewFileStore(cfg.DSN)
	case DSNTypePostgres:
		return NewPostgresStore(opts...)
	case DSNTypeSQLite:
		return NewSQLiteStore(opts...)
	default:
		return nil, fmt.Errorf("unsupported session store DSN type %q", kind)
	}
}

// InMemoryStore is a simple in-memory session store.
type InMemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	seen     map[string]string
	now      func() time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*models.Session),
		seen:     make(map[string]string),
		now:      time.Now,
	}
}

// SetClock replaces the time source; used by tests that exercise expiry.
func (s *InMemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *InMemoryStore) GetOrCreate(ctx context.Context, userID string) (*models.Session, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		sess = models.NewSession(userID, s.now())
		s.sessions[userID] = sess
		slog.Debug("InMemoryStore created session", "user", userID)
	}
	return sess.Clone(), nil
}

func (s *InMemoryStore) Update(ctx context.Context, userID string, state models.StateType, patch map[models.DataKey]string) (*models.Session, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		sess = models.NewSession(userID, s.now())
		s.sessions[userID] = sess
	}
	sess.Apply(state, patch, s.now())
	return sess.Clone(), nil
}

// Put stores a session as-is, including its LastActivity; used to seed tests.
func (s *InMemoryStore) Put(sess *models.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.UserID] = sess.Clone()
}

// Snapshot returns copies of all stored sessions keyed by user.
func (s *InMemoryStore) Snapshot() map[string]*models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*models.Session, len(s.sessions))
	for id, sess := range s.sessions {
		out[id] = sess.Clone()
	}
	return out
}

func (s *InMemoryStore) Close() error {
	return nil
}
