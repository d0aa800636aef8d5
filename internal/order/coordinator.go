// Package order turns a completed flow into an order: it renders the receipt, delivers it
// to the customer and notifies the admin recipient.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/OrderPipe/internal/flow"
	"github.com/BTreeMap/OrderPipe/internal/models"
	"github.com/BTreeMap/OrderPipe/internal/receipt"
)

// Completion errors. Both leave the session in its proof step.
var (
	ErrCompletion  = errors.New("order completion failed")
	ErrAdminNotify = errors.New("admin notification failed")
)

// OrderNumberPrefix precedes the millisecond timestamp of every order number.
const OrderNumberPrefix = "ORD"

// TimeLayout formats the order time in admin notifications.
const TimeLayout = "2006-01-02 15:04:05"

// ImageSender delivers an image with a caption to a chat.
type ImageSender interface {
	SendImage(ctx context.Context, chatID string, png []byte, caption string) error
}

// Opts holds coordinator settings.
type Opts struct {
	AdminRecipient string // phone number or JID; empty disables admin notification
	BusinessName   string
	ReceiptDir     string // when set, receipts are also written here
	Now            func() time.Time
}

// Option mutates Opts.
type Option func(*Opts)

// WithAdminRecipient sets who receives new-order notifications.
func WithAdminRecipient(r string) Option {
	return func(o *Opts) {
		o.AdminRecipient = strings.TrimSpace(r)
	}
}

// WithBusinessName sets the name printed on receipts.
func WithBusinessName(name string) Option {
	return func(o *Opts) {
		o.BusinessName = name
	}
}

// WithReceiptDir keeps a copy of every receipt in dir.
func WithReceiptDir(dir string) Option {
	return func(o *Opts) {
		o.ReceiptDir = dir
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Coordinator runs the completion sequence.
type Coordinator struct {
	sender   ImageSender
	receipts receipt.Generator
	opts     Opts
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(sender ImageSender, receipts receipt.Generator, opts ...Option) *Coordinator {
	o := Opts{Now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &Coordinator{sender: sender, receipts: receipts, opts: o}
}

// NewOrderNumber returns the order number for an order placed at t.
// Two completions in the same millisecond get the same number.
func NewOrderNumber(t time.Time) string {
	return OrderNumberPrefix + strconv.FormatInt(t.UnixMilli(), 10)
}

// Complete renders the receipt, sends it to the customer and then to the admin.
// Each step aborts the sequence on failure.
func (c *Coordinator) Complete(ctx context.Context, comp *flow.Completion) (*models.Order, error) {
	if comp == nil {
		return nil, fmt.Errorf("%w: nothing to complete", ErrCompletion)
	}
	now := c.opts.Now()
	ord := &models.Order{
		OrderNumber:  NewOrderNumber(now),
		Service:      comp.Service,
		DetailLines:  comp.Details,
		Amount:       comp.Amount,
		CustomerName: comp.CustomerName,
		CustomerID:   comp.UserID,
	}
	slog.Debug("Coordinator Complete started", "order", ord.OrderNumber, "user", comp.UserID, "flow", comp.FlowID)

	img, err := c.receipts.Generate(ctx, receipt.Request{
		OrderNumber:  ord.OrderNumber,
		BusinessName: c.opts.BusinessName,
		ServiceName:  ord.Service,
		Details:      ord.DetailLines,
		Amount:       ord.Amount,
		CustomerName: ord.CustomerName,
		IssuedAt:     now,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: generate receipt %s: %v", ErrCompletion, ord.OrderNumber, err)
	}
	if c.opts.ReceiptDir != "" {
		if path, err := receipt.Save(c.opts.ReceiptDir, ord.OrderNumber, img); err != nil {
			slog.Warn("Coordinator receipt copy not saved", "order", ord.OrderNumber, "error", err)
		} else {
			slog.Debug("Coordinator receipt saved", "order", ord.OrderNumber, "path", path)
		}
	}

	if err := c.sender.SendImage(ctx, comp.ChatID, img, comp.Caption); err != nil {
		return nil, fmt.Errorf("%w: send receipt %s to %s: %v", ErrCompletion, ord.OrderNumber, comp.ChatID, err)
	}
	slog.Info("Coordinator receipt delivered", "order", ord.OrderNumber, "user", comp.UserID)

	if c.opts.AdminRecipient == "" {
		slog.Debug("Coordinator admin notification skipped: no admin recipient", "order", ord.OrderNumber)
		return ord, nil
	}
	caption := AdminCaption(ord, adminService(comp), now)
	if err := c.sender.SendImage(ctx, c.opts.AdminRecipient, img, caption); err != nil {
		return nil, fmt.Errorf("%w: order %s: %v", ErrAdminNotify, ord.OrderNumber, err)
	}
	slog.Info("Coordinator admin notified", "order", ord.OrderNumber, "admin", c.opts.AdminRecipient)
	return ord, nil
}

func adminService(comp *flow.Completion) string {
	if comp.AdminService != "" {
		return comp.AdminService
	}
	return comp.Service
}

// AdminCaption formats the new-order summary sent to the admin.
func AdminCaption(ord *models.Order, service string, at time.Time) string {
	customer := ord.CustomerID
	if !strings.HasPrefix(customer, "+") {
		customer = "+" + customer
	}
	var sb strings.Builder
	sb.WriteString("🔔 *NEW ORDER*\n\n")
	fmt.Fprintf(&sb, "Customer: %s\n", customer)
	if ord.CustomerName != "" {
		fmt.Fprintf(&sb, "Name: %s\n", ord.CustomerName)
	}
	fmt.Fprintf(&sb, "Service: %s\n", service)
	for _, line := range ord.DetailLines {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	fmt.Fprintf(&sb, "Amount: R%s\n", ord.Amount)
	fmt.Fprintf(&sb, "Order: %s\n", ord.OrderNumber)
	fmt.Fprintf(&sb, "Time: %s", at.Format(TimeLayout))
	return sb.String()
}
