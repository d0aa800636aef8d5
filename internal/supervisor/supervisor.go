// Package supervisor owns the transport connection lifecycle: it reconnects after
// transient closes with a linearly growing delay, forwards pairing codes, and stops
// for good once the account is logged out.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Reconnect delay schedule: retry × ReconnectStep, capped at MaxReconnectDelay.
const (
	ReconnectStep     = 5 * time.Second
	MaxReconnectDelay = 30 * time.Second
)

// CodeLoggedOut is the close code for revoked credentials.
const CodeLoggedOut = 401

// ErrLoggedOut is returned by Run when the transport reports a logout.
var ErrLoggedOut = errors.New("transport logged out")

// Status of the transport connection.
type Status int

const (
	StatusConnecting Status = iota
	StatusOpen
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "CONNECTING"
	case StatusOpen:
		return "OPEN"
	case StatusClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Update is a connection status change reported by the transport.
type Update struct {
	Status Status
	Code   int    // close code, meaningful for StatusClosed
	QR     string // pairing code, when the transport needs fresh authentication
	Err    error
}

// LoggedOut reports whether u is the terminal logged-out close.
func (u Update) LoggedOut() bool {
	return u.Status == StatusClosed && u.Code == CodeLoggedOut
}

// Transport is the connection being supervised.
type Transport interface {
	// Connect starts a connection attempt. Its outcome arrives on Updates.
	Connect(ctx context.Context) error
	Disconnect()
	Updates() <-chan Update
}

// NextDelay returns the wait before reconnect attempt number retry (1-based).
func NextDelay(retry int) time.Duration {
	if retry >= int(MaxReconnectDelay/ReconnectStep) {
		return MaxReconnectDelay
	}
	if retry < 1 {
		return ReconnectStep
	}
	return time.Duration(retry) * ReconnectStep
}

// Opts configures a Supervisor.
type Opts struct {
	OnReady func()
	OnQR    func(code string)
	After   func(time.Duration) <-chan time.Time
}

// Option mutates Opts.
type Option func(*Opts)

// WithOnReady registers a callback run every time the connection opens.
func WithOnReady(fn func()) Option {
	return func(o *Opts) {
		o.OnReady = fn
	}
}

// WithOnQR registers the presenter for pairing codes.
func WithOnQR(fn func(code string)) Option {
	return func(o *Opts) {
		o.OnQR = fn
	}
}

// WithAfter replaces time.After, for tests.
func WithAfter(after func(time.Duration) <-chan time.Time) Option {
	return func(o *Opts) {
		o.After = after
	}
}

// Supervisor drives a Transport. It is not safe for concurrent Run calls.
type Supervisor struct {
	transport Transport
	opts      Opts
	retry     int
	status    Status
}

// New creates a Supervisor for t.
func New(t Transport, opts ...Option) *Supervisor {
	o := Opts{After: time.After}
	for _, opt := range opts {
		opt(&o)
	}
	return &Supervisor{transport: t, opts: o, status: StatusConnecting}
}

// Retry returns the current reconnect attempt count.
func (s *Supervisor) Retry() int { return s.retry }

// Status returns the last observed connection status.
func (s *Supervisor) Status() Status { return s.status }

// Run connects and keeps the transport connected until ctx is done or the account is
// logged out, in which case it returns ErrLoggedOut.
func (s *Supervisor) Run(ctx context.Context) error {
	slog.Info("Supervisor starting")
	if err := s.transport.Connect(ctx); err != nil {
		slog.Warn("Supervisor connect failed", "error", err)
		if err := s.reconnect(ctx); err != nil {
			return err
		}
	}

	updates := s.transport.Updates()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Supervisor stopping", "reason", ctx.Err())
			s.transport.Disconnect()
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return errors.New("supervisor: transport update stream closed")
			}
			if err := s.handle(ctx, u); err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, u Update) error {
	switch u.Status {
	case StatusConnecting:
		s.status = StatusConnecting
		if u.QR != "" && s.opts.OnQR != nil {
			s.opts.OnQR(u.QR)
		}
		return nil
	case StatusOpen:
		s.status = StatusOpen
		s.retry = 0
		slog.Info("Supervisor connection open")
		if s.opts.OnReady != nil {
			s.opts.OnReady()
		}
		return nil
	case StatusClosed:
		s.status = StatusClosed
		if u.LoggedOut() {
			slog.Error("Supervisor transport logged out; delete the device session and pair again", "code", u.Code)
			s.transport.Disconnect()
			return ErrLoggedOut
		}
		slog.Warn("Supervisor connection closed", "code", u.Code, "error", u.Err)
		return s.reconnect(ctx)
	}
	return nil
}

// reconnect waits out the delay and retries until a connect attempt starts cleanly.
func (s *Supervisor) reconnect(ctx context.Context) error {
	for {
		s.retry++
		delay := NextDelay(s.retry)
		slog.Info("Supervisor reconnecting", "retry", s.retry, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.opts.After(delay):
		}
		s.status = StatusConnecting
		err := s.transport.Connect(ctx)
		if err == nil {
			return nil
		}
		slog.Warn("Supervisor connect failed", "retry", s.retry, "error", err)
	}
}
