// Package aggregate implements the per-sender debounce window that
// coalesces rapid-fire inbound events into one logical turn before the
// conversation driver sees them.
package aggregate

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"zapbot/internal/domain"
)

const defaultWindow = 7 * time.Second

// Outcome tells the webhook handler what happened to an offered event.
// Every outcome is acknowledged upstream; Dropped just means the event
// was not folded into a turn.
type Outcome string

const (
	OutcomeBuffered   Outcome = "buffered"   // new merge window opened
	OutcomeMerged     Outcome = "merged"     // folded into an open window
	OutcomeDispatched Outcome = "dispatched" // button bypass, handled synchronously
	OutcomeDropped    Outcome = "dropped"    // sender busy, event lost
)

// Handler receives the consolidated turn when a window closes (or a
// button bypasses buffering).
type Handler func(ctx context.Context, turn domain.Turn) error

// entry is the per-sender aggregation state, alive only while a merge
// window is open. processing=true excludes new events until the
// in-flight turn completes; under the single event-loop assumption it
// is the only mutual exclusion the hand-off needs.
type entry struct {
	combined   string
	last       domain.Turn
	timer      Timer
	processing bool
	count      int
}

type Config struct {
	Window        time.Duration // merge window, default 7s
	BufferButtons bool          // when false, button events bypass the window
	Handler       Handler
	Clock         Clock
	Logger        *slog.Logger
}

// Aggregator holds one live entry per sender at most.
type Aggregator struct {
	mu      sync.Mutex
	entries map[string]*entry

	window        time.Duration
	bufferButtons bool
	handler       Handler
	clock         Clock
	logger        *slog.Logger

	baseCtx context.Context
}

func New(cfg Config) *Aggregator {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	return &Aggregator{
		entries:       make(map[string]*entry),
		window:        cfg.Window,
		bufferButtons: cfg.BufferButtons,
		handler:       cfg.Handler,
		clock:         cfg.Clock,
		logger:        cfg.Logger,
		baseCtx:       context.Background(),
	}
}

// SetContext sets the context used for timer-fired dispatches. Called
// once at gateway startup so shutdown cancels in-flight turns' ctx.
func (a *Aggregator) SetContext(ctx context.Context) {
	a.mu.Lock()
	a.baseCtx = ctx
	a.mu.Unlock()
}

// Offer routes one normalized event through the state machine:
//
//	IDLE --event--> BUFFERING (window opened)
//	BUFFERING --event--> BUFFERING (text appended, deadline pushed back)
//	BUFFERING --timer--> IDLE (consolidated turn handed to the driver)
//
// Events arriving while the sender's turn is in flight are dropped; a
// lossy edge case by design, the caller still acknowledges them.
func (a *Aggregator) Offer(ctx context.Context, t domain.Turn) Outcome {
	a.mu.Lock()

	e, open := a.entries[t.Sender]
	if open && e.processing {
		a.mu.Unlock()
		a.logger.Info("event dropped, turn in flight", "sender", t.Sender, "kind", t.Kind)
		return OutcomeDropped
	}

	if t.Kind == domain.KindButton && !a.bufferButtons {
		// claim the sender before dispatching so a window timer firing
		// mid-dispatch cannot start a second driver for the same sender
		if open {
			e.timer.Stop()
			e.processing = true
			a.logger.Info("button superseded open merge window",
				"sender", t.Sender, "discarded", e.count)
		} else {
			a.entries[t.Sender] = &entry{processing: true}
		}
		a.mu.Unlock()

		if err := a.handler(ctx, t); err != nil {
			a.logger.Error("button dispatch failed", "sender", t.Sender, "err", err)
		}

		a.mu.Lock()
		delete(a.entries, t.Sender)
		a.mu.Unlock()
		return OutcomeDispatched
	}

	if open {
		e.combined = joinText(e.combined, t.Text)
		e.last = t
		e.count++
		e.timer.Reset(a.window)
		a.mu.Unlock()
		a.logger.Debug("event merged", "sender", t.Sender, "count", e.count)
		return OutcomeMerged
	}

	e = &entry{combined: strings.TrimSpace(t.Text), last: t, count: 1}
	sender := t.Sender
	e.timer = a.clock.AfterFunc(a.window, func() { a.flush(sender) })
	a.entries[sender] = e
	a.mu.Unlock()
	a.logger.Debug("merge window opened", "sender", sender, "window", a.window)
	return OutcomeBuffered
}

// flush closes the window: marks the entry busy, hands the
// consolidated turn to the driver, and deletes the entry whether the
// driver succeeded or not. No retry: a failed turn is lost and the
// next inbound event starts fresh.
func (a *Aggregator) flush(sender string) {
	a.mu.Lock()
	e, ok := a.entries[sender]
	if !ok || e.processing {
		a.mu.Unlock()
		return
	}
	e.processing = true
	turn := e.last
	turn.Text = e.combined
	count := e.count
	ctx := a.baseCtx
	a.mu.Unlock()

	a.logger.Info("dispatching consolidated turn", "sender", sender, "merged", count)
	if err := a.handler(ctx, turn); err != nil {
		a.logger.Error("turn handler failed, turn lost", "sender", sender, "err", err)
	}

	a.mu.Lock()
	delete(a.entries, sender)
	a.mu.Unlock()
}

// Shutdown stops all pending window timers. Buffered turns are
// discarded; an in-flight hand-off is left to finish on its own.
func (a *Aggregator) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for sender, e := range a.entries {
		if !e.processing {
			e.timer.Stop()
			delete(a.entries, sender)
		}
	}
}

// Pending reports the number of open merge windows.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// joinText concatenates window fragments space-joined, dropping empty
// parts so silent events (media without caption) don't pad the turn.
func joinText(acc, next string) string {
	next = strings.TrimSpace(next)
	if next == "" {
		return acc
	}
	if acc == "" {
		return next
	}
	return acc + " " + next
}
