package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kyushbot/cmdgate/internal/gate"
)

// Throttled paces outbound replies with token buckets: one shared by all
// chats and one per chat.
type Throttled struct {
	next   gate.Sender
	global *rate.Limiter

	mu       sync.Mutex
	perChat  map[int64]*chatLimiter
	chatRate rate.Limit
	idleTTL  time.Duration
}

type chatLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

var _ gate.Sender = (*Throttled)(nil)

// ThrottleOption configures a Throttled sender.
type ThrottleOption func(*Throttled)

// WithChatRate sets the per-chat pace. Zero disables per-chat pacing.
func WithChatRate(rps float64) ThrottleOption {
	return func(t *Throttled) { t.chatRate = rate.Limit(rps) }
}

// WithIdleTTL sets how long an unused per-chat limiter is kept.
func WithIdleTTL(d time.Duration) ThrottleOption {
	return func(t *Throttled) { t.idleTTL = d }
}

// NewThrottled wraps next with a global limit of rps replies per second.
// A non-positive rps disables the global limit.
func NewThrottled(next gate.Sender, rps float64, burst int, opts ...ThrottleOption) *Throttled {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	t := &Throttled{
		next:     next,
		global:   rate.NewLimiter(limit, burst),
		perChat:  make(map[int64]*chatLimiter),
		chatRate: 1,
		idleTTL:  10 * time.Minute,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Reply waits for both buckets, then forwards the reply.
func (t *Throttled) Reply(ctx context.Context, chatID, replyTo int64, text string) error {
	if lim := t.chat(chatID); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("transport: chat throttle: %w", err)
		}
	}
	if err := t.global.Wait(ctx); err != nil {
		return fmt.Errorf("transport: throttle: %w", err)
	}
	return t.next.Reply(ctx, chatID, replyTo, text)
}

func (t *Throttled) chat(chatID int64) *rate.Limiter {
	if t.chatRate <= 0 {
		return nil
	}
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if ent, ok := t.perChat[chatID]; ok {
		ent.lastSeen = now
		return ent.lim
	}
	lim := rate.NewLimiter(t.chatRate, 1)
	t.perChat[chatID] = &chatLimiter{lim: lim, lastSeen: now}
	return lim
}

// Cleanup drops per-chat limiters idle for longer than the idle TTL.
func (t *Throttled) Cleanup() int {
	cutoff := time.Now().Add(-t.idleTTL)
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, ent := range t.perChat {
		if ent.lastSeen.Before(cutoff) {
			delete(t.perChat, id)
			removed++
		}
	}
	return removed
}

// Run calls Cleanup every interval until ctx is done.
func (t *Throttled) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Cleanup()
		}
	}
}
