package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"
)

// RateLimitedSender paces outbound messages so bursts of replies stay under the
// transport's send limits. Text and image sends share one budget.
type RateLimitedSender struct {
	next    Sender
	limiter *rate.Limiter
}

// NewRateLimitedSender wraps next with a token bucket of perSecond sends and the given burst.
// A non-positive rate disables pacing and returns next unchanged.
func NewRateLimitedSender(next Sender, perSecond float64, burst int) Sender {
	if perSecond <= 0 {
		slog.Debug("RateLimitedSender disabled", "rate", perSecond)
		return next
	}
	if burst < 1 {
		burst = 1
	}
	slog.Debug("RateLimitedSender enabled", "rate", perSecond, "burst", burst)
	return &RateLimitedSender{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// SendText waits for a send token and forwards the message.
func (s *RateLimitedSender) SendText(ctx context.Context, chatID, text string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait for %s: %w", chatID, err)
	}
	return s.next.SendText(ctx, chatID, text)
}

// SendImage waits for a send token and forwards the image.
func (s *RateLimitedSender) SendImage(ctx context.Context, chatID string, png []byte, caption string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter wait for %s: %w", chatID, err)
	}
	return s.next.SendImage(ctx, chatID, png, caption)
}
