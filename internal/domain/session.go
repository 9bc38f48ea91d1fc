package domain

import (
	"context"
	"time"
)

// SessionTurn is one persisted conversation turn for a sender.
type SessionTurn struct {
	ID        int64
	Sender    string
	Role      string
	Content   string
	CreatedAt time.Time
}

// SessionStore holds per-sender conversation history (append-only,
// ordered) and the mutable last-sent timestamp read by the pacing
// layer. Single-process assumption: reads and writes are not atomic
// across processes.
type SessionStore interface {
	AppendTurn(ctx context.Context, sender, role, content string) error
	GetTurns(ctx context.Context, sender string, limit int) ([]SessionTurn, error)

	LastSentAt(ctx context.Context, sender string) (time.Time, bool, error)
	SetLastSentAt(ctx context.Context, sender string, t time.Time) error

	Close() error
}
