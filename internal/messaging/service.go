// Package messaging connects the chat transport to the conversation engine: it converts
// inbound transport events, paces outbound sends and runs the sequential response loop.
package messaging

import (
	"context"
	"errors"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

// ErrSend wraps every outbound delivery failure.
var ErrSend = errors.New("send failed")

// Sender delivers outbound messages. chatID is a full JID or a bare phone number.
type Sender interface {
	SendText(ctx context.Context, chatID, text string) error
	SendImage(ctx context.Context, chatID string, png []byte, caption string) error
}

// Service defines a pluggable message delivery abstraction.
// It sends messages and provides a channel of inbound user messages.
type Service interface {
	Sender

	// Start begins any background processing (e.g., registering event handlers).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the inbound channel.
	Stop() error

	// Inbound returns a channel of user messages, already filtered and normalized.
	Inbound() <-chan models.InboundEvent
}
