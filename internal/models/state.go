// Package models defines session state structures for OrderPipe flows.
package models

import (
	"maps"
	"time"
)

// DefaultSessionTTL is the inactivity window after which a session is reset to IDLE.
const DefaultSessionTTL = time.Hour

// Session is the durable conversation record of one user.
type Session struct {
	UserID       string             `json:"-"`
	State        StateType          `json:"state"`
	Data         map[DataKey]string `json:"data"`
	LastActivity time.Time          `json:"-"`
}

// NewSession returns a fresh IDLE session for userID.
func NewSession(userID string, now time.Time) *Session {
	return &Session{
		UserID:       userID,
		State:        StateIdle,
		Data:         make(map[DataKey]string),
		LastActivity: now,
	}
}

// Get returns the value stored under key, or "" if absent.
func (s *Session) Get(key DataKey) string {
	if s == nil || s.Data == nil {
		return ""
	}
	return s.Data[key]
}

// HasName reports whether the user has identified themselves.
func (s *Session) HasName() bool {
	return s.Get(DataKeyName) != ""
}

// Expired reports whether more than ttl has elapsed since the last activity.
func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(s.LastActivity) > ttl
}

// Apply overlays patch onto the session data and moves it to state.
// Keys absent from patch are kept; an empty value removes the key.
func (s *Session) Apply(state StateType, patch map[DataKey]string, now time.Time) {
	if s.Data == nil {
		s.Data = make(map[DataKey]string)
	}
	for k, v := range patch {
		if v == "" {
			delete(s.Data, k)
			continue
		}
		s.Data[k] = v
	}
	s.State = state
	s.LastActivity = now
}

// Clone returns a deep copy so callers never alias a store's map.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Data = maps.Clone(s.Data)
	if c.Data == nil {
		c.Data = make(map[DataKey]string)
	}
	return &c
}
