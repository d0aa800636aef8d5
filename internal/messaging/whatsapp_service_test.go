package messaging

import (
	"context"
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

// Ensure WhatsAppService implements Service interface
func TestWhatsAppService_ImplementsService(t *testing.T) {
	var _ Service = (*WhatsAppService)(nil)
}

type fakeClient struct {
	fakeSender
	handlers []func(evt any)
}

func (f *fakeClient) AddEventHandler(handler func(evt any)) uint32 {
	f.handlers = append(f.handlers, handler)
	return uint32(len(f.handlers))
}

func (f *fakeClient) dispatch(evt any) {
	for _, h := range f.handlers {
		h(evt)
	}
}

func directMessage(msg *waE2E.Message) *events.Message {
	user := types.NewJID("27821234567", types.DefaultUserServer)
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{Chat: user, Sender: user},
			ID:            "3EB0ABCDEF",
			Timestamp:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		},
		Message: msg,
	}
}

func TestConvertMessage(t *testing.T) {
	t.Run("conversation text", func(t *testing.T) {
		ev, ok := ConvertMessage(directMessage(&waE2E.Message{Conversation: proto.String("  menu ")}))
		if !ok {
			t.Fatal("expected message to be accepted")
		}
		if ev.Text != "menu" || ev.Upper != "MENU" {
			t.Errorf("text = %q upper = %q", ev.Text, ev.Upper)
		}
		if ev.UserID != "27821234567" || ev.ChatID != "27821234567@s.whatsapp.net" {
			t.Errorf("user = %q chat = %q", ev.UserID, ev.ChatID)
		}
		if ev.MessageID != "3EB0ABCDEF" {
			t.Errorf("message id = %q", ev.MessageID)
		}
	})

	t.Run("extended text", func(t *testing.T) {
		ev, ok := ConvertMessage(directMessage(&waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("yes")},
		}))
		if !ok || ev.Upper != "YES" {
			t.Errorf("got %+v ok=%v", ev, ok)
		}
	})

	t.Run("image with caption", func(t *testing.T) {
		ev, ok := ConvertMessage(directMessage(&waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{Caption: proto.String("paid")},
		}))
		if !ok || !ev.HasImage || ev.Text != "paid" {
			t.Errorf("got %+v ok=%v", ev, ok)
		}
	})

	t.Run("location pin", func(t *testing.T) {
		ev, ok := ConvertMessage(directMessage(&waE2E.Message{
			LocationMessage: &waE2E.LocationMessage{
				DegreesLatitude:  proto.Float64(-26.1076),
				DegreesLongitude: proto.Float64(28.0567),
			},
		}))
		if !ok || !ev.HasLocation || ev.Latitude != -26.1076 || ev.Longitude != 28.0567 {
			t.Errorf("got %+v ok=%v", ev, ok)
		}
	})

	t.Run("ignored", func(t *testing.T) {
		fromMe := directMessage(&waE2E.Message{Conversation: proto.String("hi")})
		fromMe.Info.IsFromMe = true

		group := directMessage(&waE2E.Message{Conversation: proto.String("hi")})
		group.Info.Chat = types.NewJID("120363000000000000", types.GroupServer)
		group.Info.IsGroup = true

		cases := map[string]*events.Message{
			"nil message": {Info: directMessage(nil).Info},
			"from me":     fromMe,
			"group":       group,
			"empty":       directMessage(&waE2E.Message{}),
			"blank text":  directMessage(&waE2E.Message{Conversation: proto.String("   ")}),
		}
		for name, msg := range cases {
			if _, ok := ConvertMessage(msg); ok {
				t.Errorf("%s: expected message to be ignored", name)
			}
		}
	})
}

func TestWhatsAppService_ForwardsInbound(t *testing.T) {
	client := &fakeClient{}
	svc := NewWhatsAppService(client)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	client.dispatch(&events.Connected{})
	client.dispatch(directMessage(&waE2E.Message{Conversation: proto.String("hello")}))

	select {
	case ev := <-svc.Inbound():
		if ev.Text != "hello" {
			t.Errorf("expected forwarded text %q, got %q", "hello", ev.Text)
		}
	default:
		t.Fatal("expected inbound event, got none")
	}
}

func TestWhatsAppService_StartStop(t *testing.T) {
	client := &fakeClient{}
	svc := NewWhatsAppService(client)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("second Stop returned error: %v", err)
	}
	// Events after Stop are dropped instead of panicking on the closed channel.
	client.dispatch(directMessage(&waE2E.Message{Conversation: proto.String("late")}))

	ev, ok := <-svc.Inbound()
	if ok {
		t.Errorf("expected inbound channel closed, got value %v", ev)
	}
}

func TestWhatsAppService_SendsThroughClient(t *testing.T) {
	client := &fakeClient{}
	svc := NewWhatsAppService(client, WithSendRate(1000, 5))

	if err := svc.SendText(context.Background(), "27821234567", "hi"); err != nil {
		t.Fatalf("SendText returned error: %v", err)
	}
	if err := svc.SendImage(context.Background(), "27821234567", []byte("png"), "receipt"); err != nil {
		t.Fatalf("SendImage returned error: %v", err)
	}
	if len(client.texts) != 1 || client.images != 1 {
		t.Errorf("expected 1 text and 1 image, got %d and %d", len(client.texts), client.images)
	}
}
