// Package whatsapp wraps the Whatsmeow client for OrderPipe.
//
// The Client is the transport the supervisor drives: it reports connection changes as
// supervisor updates, forwards pairing codes, and sends text and image messages.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/BTreeMap/OrderPipe/internal/store"
	"github.com/BTreeMap/OrderPipe/internal/supervisor"
)

// Constants for WhatsApp client configuration
const (
	// DefaultSQLitePath is the default path for the whatsmeow device database
	DefaultSQLitePath = "/var/lib/orderpipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = types.DefaultUserServer
	// GroupSuffix is the JID server of group chats
	GroupSuffix = types.GroupServer
	// updateBufferSize bounds connection updates waiting for the supervisor
	updateBufferSize = 16
)

// ErrInvalidRecipient is returned when a chat ID cannot be turned into a JID.
var ErrInvalidRecipient = errors.New("invalid recipient")

// errQRTimeout closes a pairing attempt nobody scanned.
var errQRTimeout = errors.New("pairing code expired")

// Opts holds configuration options for the WhatsApp client.
// This focuses solely on WhatsApp/whatsmeow database configuration and login settings.
type Opts struct {
	DBDSN       string // WhatsApp/whatsmeow database connection string
	QRPath      string // path to write login QR code
	NumericCode bool   // print the raw pairing code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the WhatsApp/whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the pairing code as text instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client wraps the Whatsmeow client and implements supervisor.Transport.
type Client struct {
	wa      *whatsmeow.Client
	opts    Opts
	updates chan supervisor.Update
	done    chan struct{}
	once    sync.Once
}

// NewClient opens the whatsmeow device store and prepares a client. It does not connect;
// the supervisor calls Connect.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("WhatsApp NewClient options set", "DBDSN_set", cfg.DBDSN != "", "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)

	dbDSN := cfg.DBDSN
	if dbDSN == "" {
		dbDSN = DefaultSQLitePath
		slog.Debug("No WhatsApp database DSN provided, using default SQLite path", "default_path", dbDSN)
	}
	dbDriver := deviceStoreDriver(dbDSN)

	slog.Debug("WhatsApp NewClient initializing DB store", "driver", dbDriver)
	container, err := sqlstore.New(ctx, dbDriver, dbDSN, waLog.Stdout("Database", "INFO", true))
	if err != nil {
		slog.Error("Failed to initialize WhatsApp DB store", "error", err)
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}
	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		slog.Error("Failed to get first device from store", "error", err)
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	wa := whatsmeow.NewClient(deviceStore, waLog.Stdout("Client", "INFO", true))
	// Reconnects are scheduled by the supervisor.
	wa.EnableAutoReconnect = false

	c := &Client{
		wa:      wa,
		opts:    cfg,
		updates: make(chan supervisor.Update, updateBufferSize),
		done:    make(chan struct{}),
	}
	wa.AddEventHandler(c.handleConnEvent)
	return c, nil
}

// deviceStoreDriver picks the database/sql driver for the device store DSN.
func deviceStoreDriver(dsn string) string {
	if store.DetectDSNType(dsn) == store.DSNTypePostgres {
		return "postgres"
	}
	// whatsmeow strongly recommends foreign keys on SQLite.
	if !strings.Contains(dsn, "_foreign_keys") && !strings.Contains(dsn, "foreign_keys") {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
			"Consider adding '?_foreign_keys=on' to your connection string.",
			"dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}
	return "sqlite3"
}

// Opts returns the options the client was built with.
func (c *Client) Opts() Opts { return c.opts }

// Connect starts a connection attempt. Without stored credentials it first opens the
// pairing channel, whose codes arrive on Updates.
func (c *Client) Connect(ctx context.Context) error {
	if c.wa.IsConnected() {
		c.wa.Disconnect()
	}
	if c.wa.Store.ID == nil {
		slog.Info("WhatsApp login required; starting QR code flow")
		qrChan, err := c.wa.GetQRChannel(ctx)
		if err != nil {
			return fmt.Errorf("failed to open WhatsApp pairing channel: %w", err)
		}
		go c.forwardQR(qrChan)
	}
	if err := c.wa.Connect(); err != nil {
		slog.Error("Failed to connect to WhatsApp server", "error", err)
		return fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	slog.Debug("WhatsApp connection attempt started")
	return nil
}

// Disconnect closes the socket and stops reporting updates. The client is not reused afterwards.
func (c *Client) Disconnect() {
	c.once.Do(func() {
		c.wa.Disconnect()
		close(c.done)
		slog.Info("WhatsApp client disconnected")
	})
}

// Updates returns the stream of connection changes.
func (c *Client) Updates() <-chan supervisor.Update {
	return c.updates
}

// AddEventHandler registers a handler for every whatsmeow event.
func (c *Client) AddEventHandler(handler func(evt any)) uint32 {
	return c.wa.AddEventHandler(handler)
}

func (c *Client) forwardQR(qrChan <-chan whatsmeow.QRChannelItem) {
	for evt := range qrChan {
		switch evt.Event {
		case "code":
			slog.Debug("WhatsApp login event code received")
			c.emit(supervisor.Update{Status: supervisor.StatusConnecting, QR: evt.Code})
		case "success":
			slog.Info("WhatsApp pairing succeeded")
		case "timeout":
			c.emit(supervisor.Update{Status: supervisor.StatusClosed, Err: errQRTimeout})
		default:
			slog.Debug("WhatsApp login event", "event", evt.Event, "error", evt.Error)
		}
	}
}

func (c *Client) handleConnEvent(evt any) {
	if u, ok := ConnUpdate(evt); ok {
		c.emit(u)
	}
}

func (c *Client) emit(u supervisor.Update) {
	select {
	case c.updates <- u:
	case <-c.done:
		slog.Debug("WhatsApp client closed, dropping update", "status", u.Status)
	}
}

// ConnUpdate maps a whatsmeow connection event to a supervisor update. Other events report false.
func ConnUpdate(evt any) (supervisor.Update, bool) {
	switch v := evt.(type) {
	case *events.Connected:
		return supervisor.Update{Status: supervisor.StatusOpen}, true
	case *events.Disconnected:
		return supervisor.Update{Status: supervisor.StatusClosed, Err: errors.New("websocket disconnected")}, true
	case *events.StreamReplaced:
		return supervisor.Update{Status: supervisor.StatusClosed, Err: errors.New("stream replaced by another connection")}, true
	case *events.TemporaryBan:
		return supervisor.Update{Status: supervisor.StatusClosed, Err: fmt.Errorf("temporary ban: %s", v.String())}, true
	case *events.LoggedOut:
		return supervisor.Update{
			Status: supervisor.StatusClosed,
			Code:   supervisor.CodeLoggedOut,
			Err:    fmt.Errorf("logged out: reason %d", int(v.Reason)),
		}, true
	case *events.ConnectFailure:
		if v.Reason.IsLoggedOut() {
			return supervisor.Update{
				Status: supervisor.StatusClosed,
				Code:   supervisor.CodeLoggedOut,
				Err:    fmt.Errorf("connect failure: %s", v.Message),
			}, true
		}
		return supervisor.Update{
			Status: supervisor.StatusClosed,
			Code:   int(v.Reason),
			Err:    fmt.Errorf("connect failure: %s", v.Message),
		}, true
	default:
		return supervisor.Update{}, false
	}
}

// ParseRecipient turns a chat ID into a JID. A bare or +-prefixed phone number becomes a
// user JID; anything containing '@' is parsed as a full JID.
func ParseRecipient(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if strings.Contains(to, "@") {
		jid, err := types.ParseJID(to)
		if err != nil {
			return types.JID{}, fmt.Errorf("%w %q: %v", ErrInvalidRecipient, to, err)
		}
		return jid, nil
	}
	number := strings.TrimPrefix(to, "+")
	if number == "" {
		return types.JID{}, fmt.Errorf("%w: recipient cannot be empty", ErrInvalidRecipient)
	}
	for _, r := range number {
		if r < '0' || r > '9' {
			return types.JID{}, fmt.Errorf("%w %q: not a phone number", ErrInvalidRecipient, to)
		}
	}
	return types.NewJID(number, JIDSuffix), nil
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, to string, body string) error {
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	jid, err := ParseRecipient(to)
	if err != nil {
		return err
	}
	slog.Debug("Sending WhatsApp message", "to", jid.String(), "body_length", len(body))
	if _, err := c.wa.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(body)}); err != nil {
		slog.Error("Failed to send WhatsApp message", "error", err, "to", to)
		return fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	return nil
}

// SendImage uploads a PNG and sends it with a caption.
func (c *Client) SendImage(ctx context.Context, to string, png []byte, caption string) error {
	if len(png) == 0 {
		return fmt.Errorf("image cannot be empty")
	}
	jid, err := ParseRecipient(to)
	if err != nil {
		return err
	}
	up, err := c.wa.Upload(ctx, png, whatsmeow.MediaImage)
	if err != nil {
		slog.Error("Failed to upload WhatsApp image", "error", err, "to", to, "size", len(png))
		return fmt.Errorf("failed to upload image for %s: %w", to, err)
	}
	msg := &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
		Caption:       proto.String(caption),
		Mimetype:      proto.String("image/png"),
		URL:           proto.String(up.URL),
		DirectPath:    proto.String(up.DirectPath),
		MediaKey:      up.MediaKey,
		FileEncSHA256: up.FileEncSHA256,
		FileSHA256:    up.FileSHA256,
		FileLength:    proto.Uint64(up.FileLength),
	}}
	slog.Debug("Sending WhatsApp image", "to", jid.String(), "size", len(png), "caption_length", len(caption))
	if _, err := c.wa.SendMessage(ctx, jid, msg); err != nil {
		slog.Error("Failed to send WhatsApp image", "error", err, "to", to)
		return fmt.Errorf("failed to send image to %s: %w", to, err)
	}
	return nil
}
