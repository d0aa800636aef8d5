// Package models defines the core data structures for OrderPipe.
//
// It includes the inbound chat event, the per-user session and the order produced
// when a flow completes, which are shared across modules.
package models

import (
	"strings"
	"time"
)

// InboundEvent is a single user message as seen by the conversation engine.
type InboundEvent struct {
	MessageID   string    `json:"message_id"`
	ChatID      string    `json:"chat_id"` // full chat address replies are sent to
	UserID      string    `json:"user_id"` // stable per-user key for the session store
	Text        string    `json:"text"`    // trimmed text or caption
	Upper       string    `json:"-"`       // upper-cased Text for keyword matching
	HasImage    bool      `json:"has_image"`
	HasLocation bool      `json:"has_location"`
	Latitude    float64   `json:"latitude,omitempty"`
	Longitude   float64   `json:"longitude,omitempty"`
	Time        time.Time `json:"time"`
}

// NewTextEvent builds an event carrying text only, normalizing it the way the transport does.
func NewTextEvent(userID, chatID, text string) InboundEvent {
	ev := InboundEvent{UserID: userID, ChatID: chatID, Time: time.Now()}
	ev.SetText(text)
	return ev
}

// SetText stores the trimmed text and its upper-cased copy.
func (e *InboundEvent) SetText(text string) {
	e.Text = strings.TrimSpace(text)
	e.Upper = strings.ToUpper(e.Text)
}

// Empty reports whether the event carries nothing the engine can act on.
func (e InboundEvent) Empty() bool {
	return e.Text == "" && !e.HasImage && !e.HasLocation
}

// Order is the value handed to the receipt and notification collaborators on completion.
type Order struct {
	OrderNumber  string   `json:"order_number"`
	Service      string   `json:"service"`
	DetailLines  []string `json:"detail_lines,omitempty"`
	Amount       string   `json:"amount"`
	CustomerName string   `json:"customer_name"`
	CustomerID   string   `json:"customer_id"`
}
