package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/OrderPipe/internal/models"
)

// Constants for WhatsAppService configuration
const (
	// DefaultChannelBufferSize defines the default buffer size for the inbound channel
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines how long an inbound event may wait for buffer space
	DefaultChannelTimeout = 1 * time.Second
)

// WhatsAppClient is the part of the whatsapp client the service needs.
type WhatsAppClient interface {
	Sender
	AddEventHandler(handler func(evt any)) uint32
}

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client  WhatsAppClient
	sender  Sender
	inbound chan models.InboundEvent

	mu      sync.RWMutex
	stopped bool
}

// ServiceOption configures a WhatsAppService.
type ServiceOption func(*WhatsAppService)

// WithSendRate paces outbound messages through a RateLimitedSender.
func WithSendRate(perSecond float64, burst int) ServiceOption {
	return func(s *WhatsAppService) {
		s.sender = NewRateLimitedSender(s.client, perSecond, burst)
	}
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given client.
func NewWhatsAppService(client WhatsAppClient, opts ...ServiceOption) *WhatsAppService {
	s := &WhatsAppService{
		client:  client,
		sender:  client,
		inbound: make(chan models.InboundEvent, DefaultChannelBufferSize),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the message handler with the client.
func (s *WhatsAppService) Start(ctx context.Context) error {
	slog.Debug("WhatsAppService Start invoked")
	s.client.AddEventHandler(s.handleEvent)
	slog.Debug("WhatsAppService event handler registered")
	return nil
}

// Stop closes the inbound channel. Events arriving afterwards are dropped.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.inbound)
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// SendText sends a text message through the paced sender.
func (s *WhatsAppService) SendText(ctx context.Context, chatID, text string) error {
	return s.sender.SendText(ctx, chatID, text)
}

// SendImage sends an image through the paced sender.
func (s *WhatsAppService) SendImage(ctx context.Context, chatID string, png []byte, caption string) error {
	return s.sender.SendImage(ctx, chatID, png, caption)
}

// Inbound returns a channel of inbound user messages.
func (s *WhatsAppService) Inbound() <-chan models.InboundEvent {
	return s.inbound
}

func (s *WhatsAppService) handleEvent(evt any) {
	msg, ok := evt.(*events.Message)
	if !ok {
		return
	}
	ev, ok := ConvertMessage(msg)
	if !ok {
		return
	}
	s.forward(ev)
}

func (s *WhatsAppService) forward(ev models.InboundEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped {
		slog.Debug("WhatsAppService stopped, dropping message", "user", ev.UserID)
		return
	}
	select {
	case s.inbound <- ev:
		slog.Debug("WhatsAppService incoming message forwarded", "user", ev.UserID, "id", ev.MessageID)
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("WhatsAppService inbound channel blocked, dropping message", "user", ev.UserID, "timeout", DefaultChannelTimeout)
	}
}

// ConvertMessage turns a whatsmeow message into an InboundEvent. It reports false for
// messages the engine ignores: our own, group and broadcast traffic, and payloads
// carrying no text, image or location.
func ConvertMessage(evt *events.Message) (models.InboundEvent, bool) {
	if evt == nil || evt.Message == nil {
		return models.InboundEvent{}, false
	}
	if evt.Info.IsFromMe {
		return models.InboundEvent{}, false
	}
	if evt.Info.IsGroup || evt.Info.Chat.Server == types.GroupServer || evt.Info.Chat.Server == types.BroadcastServer {
		slog.Debug("WhatsAppService ignoring non-direct message", "chat", evt.Info.Chat.String())
		return models.InboundEvent{}, false
	}

	m := evt.Message
	ev := models.InboundEvent{
		MessageID: string(evt.Info.ID),
		ChatID:    evt.Info.Chat.String(),
		UserID:    evt.Info.Sender.User,
		Time:      evt.Info.Timestamp,
	}
	if ev.UserID == "" {
		ev.UserID = evt.Info.Chat.User
	}

	text := m.GetConversation()
	if text == "" {
		text = m.GetExtendedTextMessage().GetText()
	}
	if img := m.GetImageMessage(); img != nil {
		ev.HasImage = true
		if text == "" {
			text = img.GetCaption()
		}
	}
	if loc := m.GetLocationMessage(); loc != nil {
		ev.HasLocation = true
		ev.Latitude = loc.GetDegreesLatitude()
		ev.Longitude = loc.GetDegreesLongitude()
	} else if live := m.GetLiveLocationMessage(); live != nil {
		ev.HasLocation = true
		ev.Latitude = live.GetDegreesLatitude()
		ev.Longitude = live.GetDegreesLongitude()
	}
	ev.SetText(text)

	if ev.Empty() {
		slog.Debug("WhatsAppService ignoring unsupported message", "from", evt.Info.Sender.String())
		return models.InboundEvent{}, false
	}
	return ev, true
}
