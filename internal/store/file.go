package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

// sessionRecord is the on-disk shape of one session in both the JSON snapshot and the SQL stores.
type sessionRecord struct {
	State        models.StateType          `json:"state"`
	Data         map[models.DataKey]string `json:"data"`
	LastActivity int64                     `json:"lastActivity"` // epoch millis
}

func recordFromSession(s *models.Session) sessionRecord {
	return sessionRecord{
		State:        s.State,
		Data:         s.Data,
		LastActivity: s.LastActivity.UnixMilli(),
	}
}

func (r sessionRecord) toSession(userID string) *models.Session {
	sess := &models.Session{
		UserID:       userID,
		State:        r.State,
		Data:         r.Data,
		LastActivity: time.UnixMilli(r.LastActivity),
	}
	if sess.Data == nil {
		sess.Data = make(map[models.DataKey]string)
	}
	if sess.State == "" {
		sess.State = models.StateIdle
	}
	return sess
}

// FileStore keeps every session in memory and rewrites the whole table to a single JSON
// file on each mutation. The file on disk is always a complete snapshot: it is written to
// a temporary sibling, synced and renamed into place.
type FileStore struct {
	path     string
	mu       sync.Mutex
	sessions map[string]*models.Session
	now      func() time.Time
}

// NewFileStore opens (or creates) the snapshot at path and loads every session from it.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("session file path not set")
	}
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		slog.Error("Failed to create session file directory", "error", err, "path", path)
		return nil, fmt.Errorf("failed to create session file directory: %w", err)
	}

	fs := &FileStore{
		path:     path,
		sessions: make(map[string]*models.Session),
		now:      time.Now,
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("FileStore starting with empty snapshot", "path", path)
		return fs, nil
	}
	if err != nil {
		slog.Error("FileStore failed to read snapshot", "error", err, "path", path)
		return nil, fmt.Errorf("failed to read session snapshot %s: %w", path, err)
	}
	if len(raw) == 0 {
		return fs, nil
	}

	var records map[string]sessionRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		slog.Error("FileStore failed to decode snapshot", "error", err, "path", path)
		return nil, fmt.Errorf("failed to decode session snapshot %s: %w", path, err)
	}
	for id, rec := range records {
		fs.sessions[id] = rec.toSession(id)
	}
	slog.Info("FileStore loaded sessions", "path", path, "count", len(fs.sessions))
	return fs, nil
}

func (s *FileStore) GetOrCreate(ctx context.Context, userID string) (*models.Session, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[userID]; ok {
		return sess.Clone(), nil
	}
	sess := models.NewSession(userID, s.now())
	s.sessions[userID] = sess
	if err := s.flushLocked(); err != nil {
		delete(s.sessions, userID)
		return nil, err
	}
	slog.Debug("FileStore created session", "user", userID)
	return sess.Clone(), nil
}

func (s *FileStore) Update(ctx context.Context, userID string, state models.StateType, patch map[models.DataKey]string) (*models.Session, error) {
	if userID == "" {
		return nil, ErrEmptyUserID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.sessions[userID]
	next := models.NewSession(userID, s.now())
	if ok {
		next = prev.Clone()
	}
	next.Apply(state, patch, s.now())
	s.sessions[userID] = next

	if err := s.flushLocked(); err != nil {
		// Keep memory consistent with the last snapshot that made it to disk.
		if ok {
			s.sessions[userID] = prev
		} else {
			delete(s.sessions, userID)
		}
		return nil, err
	}
	return next.Clone(), nil
}

// flushLocked serializes the entire table and atomically replaces the snapshot file.
func (s *FileStore) flushLocked() error {
	records := make(map[string]sessionRecord, len(s.sessions))
	for id, sess := range s.sessions {
		records[id] = recordFromSession(sess)
	}
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		slog.Error("FileStore failed to create temp file", "error", err, "path", s.path)
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		slog.Error("FileStore failed to replace snapshot", "error", err, "path", s.path)
		return fmt.Errorf("failed to replace session snapshot: %w", err)
	}
	slog.Debug("FileStore snapshot written", "path", s.path, "sessions", len(records))
	return nil
}

func (s *FileStore) Close() error {
	return nil
}
