package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/flow"
	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/store"
)

// ErrorReply is sent, best effort, when processing a message fails.
const ErrorReply = "⚠️ An error occurred. Please type MENU to restart."

// Completer finishes an order once the router reports a completion.
type Completer interface {
	Complete(ctx context.Context, comp *flow.Completion) (*models.Order, error)
}

// ResponseHandler routes inbound messages one at a time: it loads the session, dispatches
// the event, completes orders, persists the new state and sends the replies.
type ResponseHandler struct {
	router    *flow.Router
	sessions  store.SessionStore
	sender    Sender
	completer Completer
	ttl       time.Duration
	now       func() time.Time
}

// HandlerOption configures a ResponseHandler.
type HandlerOption func(*ResponseHandler)

// WithSessionTTL sets the inactivity window after which a session restarts in IDLE.
func WithSessionTTL(ttl time.Duration) HandlerOption {
	return func(h *ResponseHandler) {
		h.ttl = ttl
	}
}

// WithHandlerClock overrides the time source used for expiry checks.
func WithHandlerClock(now func() time.Time) HandlerOption {
	return func(h *ResponseHandler) {
		h.now = now
	}
}

// NewResponseHandler creates a ResponseHandler.
func NewResponseHandler(router *flow.Router, sessions store.SessionStore, sender Sender, completer Completer, opts ...HandlerOption) *ResponseHandler {
	h := &ResponseHandler{
		router:    router,
		sessions:  sessions,
		sender:    sender,
		completer: completer,
		ttl:       models.DefaultSessionTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Process handles one inbound event. The new state is persisted before any reply is sent;
// a completion runs before that, so a failed completion leaves the session untouched.
func (h *ResponseHandler) Process(ctx context.Context, ev models.InboundEvent) error {
	if ev.UserID == "" {
		return fmt.Errorf("inbound message %q has no user", ev.MessageID)
	}

	if dedup, ok := h.sessions.(store.DedupRepo); ok && ev.MessageID != "" {
		fresh, err := dedup.RecordInbound(ev.MessageID, ev.UserID)
		if err != nil {
			slog.Warn("ResponseHandler dedup check failed, processing anyway", "error", err, "id", ev.MessageID)
		} else if !fresh {
			slog.Info("ResponseHandler dropping duplicate message", "id", ev.MessageID, "user", ev.UserID)
			return nil
		}
	}

	sess, err := h.sessions.GetOrCreate(ctx, ev.UserID)
	if err != nil {
		return fmt.Errorf("load session for %s: %w", ev.UserID, err)
	}
	if sess.State != models.StateIdle && sess.Expired(h.now(), h.ttl) {
		slog.Info("ResponseHandler session expired, resetting", "user", ev.UserID, "state", sess.State)
		if sess, err = h.sessions.Update(ctx, ev.UserID, models.StateIdle, nil); err != nil {
			return fmt.Errorf("reset expired session for %s: %w", ev.UserID, err)
		}
	}

	res := h.router.Dispatch(sess, ev)
	slog.Debug("ResponseHandler dispatched", "user", ev.UserID, "state", sess.State, "next", res.State, "mutate", res.Mutate, "replies", len(res.Replies))

	if res.Completion != nil {
		ord, err := h.completer.Complete(ctx, res.Completion)
		if err != nil {
			return err
		}
		slog.Info("ResponseHandler order completed", "user", ev.UserID, "order", ord.OrderNumber)
	}

	if res.Mutate {
		if _, err := h.sessions.Update(ctx, ev.UserID, res.State, res.Patch); err != nil {
			return fmt.Errorf("save session for %s: %w", ev.UserID, err)
		}
	}

	for _, reply := range res.Replies {
		if err := h.sender.SendText(ctx, ev.ChatID, reply); err != nil {
			return fmt.Errorf("%w: reply to %s: %v", ErrSend, ev.ChatID, err)
		}
	}
	return nil
}

// Run consumes inbound events until ctx is done or the channel closes. Events are
// processed strictly one after another.
func (h *ResponseHandler) Run(ctx context.Context, inbound <-chan models.InboundEvent) error {
	slog.Info("ResponseHandler starting response processing")
	defer slog.Info("ResponseHandler stopped response processing")
	for {
		select {
		case <-ctx.Done():
			slog.Debug("ResponseHandler stopping due to context cancellation")
			return ctx.Err()
		case ev, ok := <-inbound:
			if !ok {
				slog.Debug("ResponseHandler inbound channel closed")
				return nil
			}
			if err := h.Process(ctx, ev); err != nil {
				h.fail(ctx, ev, err)
			}
		}
	}
}

func (h *ResponseHandler) fail(ctx context.Context, ev models.InboundEvent, err error) {
	slog.Error("ResponseHandler failed to process message", "error", err, "user", ev.UserID, "id", ev.MessageID)
	if ev.ChatID == "" || errors.Is(err, context.Canceled) {
		return
	}
	if sendErr := h.sender.SendText(ctx, ev.ChatID, ErrorReply); sendErr != nil {
		slog.Error("ResponseHandler failed to send error message", "error", sendErr, "user", ev.UserID)
	}
}
