// Package pace enforces a human conversational cadence on outbound
// sends: a minimum interval between text messages per sender, a
// simulated composing latency, and menu dedup within a cooldown
// window. Suppressed sends are a feature, not an error; the Result
// value keeps them visible to callers and tests.
package pace

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"zapbot/internal/domain"
)

const (
	defaultMinInterval = 4 * time.Second
	defaultMinDelay    = 1500 * time.Millisecond
	defaultMaxDelay    = 3500 * time.Millisecond
	defaultMenuDedup   = 120 * time.Second
	defaultFallback    = "Como posso ajudar?"
)

// Result reports what happened to a send attempt.
type Result string

const (
	Sent         Result = "sent"
	Dropped      Result = "dropped"      // suppressed by the pacing buffer
	Deduplicated Result = "deduplicated" // menu replaced by its text fallback
	Failed       Result = "failed"       // transport error, logged and swallowed
)

// Options tune a single send.
type Options struct {
	DelayMs int  // composing latency; 0 draws from the configured range
	Bypass  bool // skip the min-interval gate
}

type Config struct {
	MinInterval    time.Duration // min gap between text sends per sender
	MinDelay       time.Duration // composing latency draw, lower bound
	MaxDelay       time.Duration // composing latency draw, upper bound
	MenuDedup      time.Duration // cooldown before a second real menu
	FallbackPrompt string        // used when a deduped menu has no intro text

	Transport domain.Transport
	Store     domain.SessionStore
	Logger    *slog.Logger
}

// Pacer gates outbound sends. The last-sent timestamp lives in the
// session store (read-compare-write, single-process assumption); the
// menu dedup stamps are process-local and volatile.
type Pacer struct {
	cfg       Config
	transport domain.Transport
	store     domain.SessionStore
	logger    *slog.Logger

	now     func() time.Time
	randInt func(n int) int

	menuMu     sync.Mutex
	lastMenuAt map[string]time.Time
}

func New(cfg Config) *Pacer {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = defaultMinInterval
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = defaultMinDelay
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.MenuDedup <= 0 {
		cfg.MenuDedup = defaultMenuDedup
	}
	if cfg.FallbackPrompt == "" {
		cfg.FallbackPrompt = defaultFallback
	}
	return &Pacer{
		cfg:        cfg,
		transport:  cfg.Transport,
		store:      cfg.Store,
		logger:     cfg.Logger,
		now:        time.Now,
		randInt:    rand.IntN,
		lastMenuAt: make(map[string]time.Time),
	}
}

// CanSendText reports whether a text send at now clears the pacing
// buffer. No prior timestamp means always yes. Store errors fail
// open: losing a pace check is cheaper than losing the reply.
func (p *Pacer) CanSendText(ctx context.Context, sender string, now time.Time) bool {
	last, ok, err := p.store.LastSentAt(ctx, sender)
	if err != nil {
		p.logger.Warn("pace state unavailable, allowing send", "sender", sender, "err", err)
		return true
	}
	if !ok {
		return true
	}
	return now.Sub(last) >= p.cfg.MinInterval
}

// SendText dispatches text with a composing latency. Gated sends are
// silently dropped: no queueing, no backpressure, the message is lost
// by design to avoid flooding the user.
func (p *Pacer) SendText(ctx context.Context, sender, text string, opts Options) Result {
	now := p.now()
	if !opts.Bypass && !p.CanSendText(ctx, sender, now) {
		p.logger.Info("text suppressed by pacing buffer", "sender", sender)
		return Dropped
	}

	delay := p.latency(opts)
	p.signalTyping(ctx, sender, delay)
	if err := p.transport.SendText(ctx, sender, text, delay); err != nil {
		p.logger.Error("text send failed", "sender", sender, "err", err)
		return Failed
	}
	p.markSent(ctx, sender, now)
	return Sent
}

// SendMenu behaves like SendText plus menu dedup: within the cooldown
// the menu degrades to its own intro text (or the generic prompt) and
// the dedup stamp is NOT refreshed — only a genuine menu send is.
func (p *Pacer) SendMenu(ctx context.Context, sender string, menu domain.Menu, opts Options) Result {
	now := p.now()
	if !opts.Bypass && !p.CanSendText(ctx, sender, now) {
		p.logger.Info("menu suppressed by pacing buffer", "sender", sender)
		return Dropped
	}

	delay := p.latency(opts)
	p.signalTyping(ctx, sender, delay)

	p.menuMu.Lock()
	last, seen := p.lastMenuAt[sender]
	deduped := seen && now.Sub(last) < p.cfg.MenuDedup
	p.menuMu.Unlock()

	if deduped {
		text := menu.Text
		if text == "" {
			text = p.cfg.FallbackPrompt
		}
		if err := p.transport.SendText(ctx, sender, text, delay); err != nil {
			p.logger.Error("menu fallback send failed", "sender", sender, "err", err)
			return Failed
		}
		p.logger.Info("menu deduplicated, sent text fallback", "sender", sender)
		p.markSent(ctx, sender, now)
		return Deduplicated
	}

	if err := p.transport.SendMenu(ctx, sender, menu, delay); err != nil {
		p.logger.Error("menu send failed", "sender", sender, "err", err)
		return Failed
	}
	p.menuMu.Lock()
	p.lastMenuAt[sender] = now
	p.menuMu.Unlock()
	p.markSent(ctx, sender, now)
	return Sent
}

// SendMedia bypasses gating, pacing, and timestamp updates entirely.
// Media is assumed rare and intentional, unlike rapid-fire text.
func (p *Pacer) SendMedia(ctx context.Context, sender, ref, caption, mediaType string) Result {
	if err := p.transport.SendMedia(ctx, sender, ref, caption, mediaType); err != nil {
		p.logger.Error("media send failed", "sender", sender, "ref", ref, "err", err)
		return Failed
	}
	return Sent
}

// signalTyping fires the composing indicator ahead of a paced send.
// Best effort: a failed indicator never blocks the message itself.
func (p *Pacer) signalTyping(ctx context.Context, sender string, delayMs int) {
	if err := p.transport.SetTyping(ctx, sender, delayMs); err != nil {
		p.logger.Debug("typing indicator failed", "sender", sender, "err", err)
	}
}

func (p *Pacer) markSent(ctx context.Context, sender string, now time.Time) {
	if err := p.store.SetLastSentAt(ctx, sender, now); err != nil {
		p.logger.Warn("cannot persist last-sent timestamp", "sender", sender, "err", err)
	}
}

// latency returns the composing-indicator duration in milliseconds:
// the caller's value, or a uniform draw within the configured range.
func (p *Pacer) latency(opts Options) int {
	if opts.DelayMs > 0 {
		return opts.DelayMs
	}
	lo := int(p.cfg.MinDelay / time.Millisecond)
	hi := int(p.cfg.MaxDelay / time.Millisecond)
	if hi <= lo {
		return lo
	}
	return lo + p.randInt(hi-lo+1)
}
