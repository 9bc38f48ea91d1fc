// Package handoff notifies human operators when the bot hands a
// conversation over. The side-channel is a Telegram group; WhatsApp
// itself never sees these messages.
package handoff

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const (
	telegramMaxMsgLen  = 4000
	telegramMaxRetries = 3
)

// Event describes one handoff request. The responsible fields carry
// the person the customer asked to be transferred to, when the model
// extracted one from the conversation.
type Event struct {
	Sender           string // WhatsApp phone number
	Name             string // contact name when known
	ResponsibleName  string
	ResponsiblePhone string
	LastTurns        []string
	OccurredAt       time.Time
}

// Notifier is the operator side-channel. Implementations must not
// block the conversation turn for long.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Telegram posts handoff events to a fixed operator chat.
type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger
}

type TelegramConfig struct {
	Token  string
	ChatID int64 // operator group chat
	Logger *slog.Logger
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	cfg.Logger.Info("handoff notifier connected",
		"username", bot.Self.UserName,
		"chat", cfg.ChatID,
	)
	return &Telegram{bot: bot, chatID: cfg.ChatID, logger: cfg.Logger}, nil
}

func (t *Telegram) Notify(ctx context.Context, ev Event) error {
	text := Format(ev)
	for len(text) > 0 {
		chunk := text
		if len(chunk) > telegramMaxMsgLen {
			cutAt := strings.LastIndex(chunk[:telegramMaxMsgLen], "\n")
			if cutAt < telegramMaxMsgLen/2 {
				cutAt = telegramMaxMsgLen
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}
		if err := t.sendChunk(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

// sendChunk retries transient failures with linear backoff. Telegram
// rate limits get a longer pause.
func (t *Telegram) sendChunk(ctx context.Context, text string) error {
	var lastErr error
	for attempt := 0; attempt <= telegramMaxRetries; attempt++ {
		msg := tgbotapi.NewMessage(t.chatID, text)
		_, err := t.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err

		backoff := time.Duration(attempt+1) * time.Second
		if strings.Contains(err.Error(), "Too Many Requests") || strings.Contains(err.Error(), "429") {
			backoff = time.Duration(attempt+1) * 3 * time.Second
		}
		if attempt < telegramMaxRetries {
			t.logger.Warn("handoff notify error, retrying", "err", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return fmt.Errorf("telegram notify after %d attempts: %w", telegramMaxRetries+1, lastErr)
}

// Format renders a handoff event for the operator chat.
func Format(ev Event) string {
	var b strings.Builder
	b.WriteString("🤝 Handoff solicitado\n\n")
	if ev.Name != "" {
		fmt.Fprintf(&b, "Cliente: %s (%s)\n", ev.Name, ev.Sender)
	} else {
		fmt.Fprintf(&b, "Cliente: %s\n", ev.Sender)
	}
	switch {
	case ev.ResponsibleName != "" && ev.ResponsiblePhone != "":
		fmt.Fprintf(&b, "Responsável: %s (%s)\n", ev.ResponsibleName, ev.ResponsiblePhone)
	case ev.ResponsibleName != "":
		fmt.Fprintf(&b, "Responsável: %s\n", ev.ResponsibleName)
	case ev.ResponsiblePhone != "":
		fmt.Fprintf(&b, "Responsável: %s\n", ev.ResponsiblePhone)
	}
	if !ev.OccurredAt.IsZero() {
		fmt.Fprintf(&b, "Quando: %s\n", ev.OccurredAt.Format("02/01/2006 15:04"))
	}
	if len(ev.LastTurns) > 0 {
		b.WriteString("\nÚltimas mensagens:\n")
		for _, turn := range ev.LastTurns {
			fmt.Fprintf(&b, "  %s\n", turn)
		}
	}
	return b.String()
}

// Nop is used when no operator channel is configured; handoffs are
// only logged.
type Nop struct {
	Logger *slog.Logger
}

func (n Nop) Notify(_ context.Context, ev Event) error {
	n.Logger.Warn("handoff requested but no operator channel configured",
		"sender", ev.Sender, "responsible", ev.ResponsibleName)
	return nil
}
