// Package agent drives the conversation: it takes one consolidated
// inbound turn, runs the LLM tool loop, and executes the resulting
// sends against the pacing layer. Every collaborator failure degrades
// to a fixed message; the webhook handler above never sees a panic.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"zapbot/internal/domain"
	"zapbot/internal/handoff"
	"zapbot/internal/intent"
	"zapbot/internal/metrics"
	"zapbot/internal/pace"
	"zapbot/internal/persona"
)

const (
	defaultMaxIterations = 8
	defaultHistoryLimit  = 30
	defaultMaxTokens     = 1024
	defaultTemperature   = 0.7
)

// Outbound is the paced send surface the tool loop executes against.
// *pace.Pacer satisfies it.
type Outbound interface {
	SendText(ctx context.Context, sender, text string, opts pace.Options) pace.Result
	SendMenu(ctx context.Context, sender string, menu domain.Menu, opts pace.Options) pace.Result
	SendMedia(ctx context.Context, sender, ref, caption, mediaType string) pace.Result
}

type Config struct {
	Provider    domain.Provider
	Transcriber domain.Transcriber
	Transport   domain.Transport // media download only; sends go through Out
	Store       domain.SessionStore
	Out         Outbound
	Notifier    handoff.Notifier
	Persona     persona.Persona
	Logger      *slog.Logger

	MaxIterations int
	HistoryLimit  int
	Model         string
}

// Driver is the per-turn conversation engine.
type Driver struct {
	provider    domain.Provider
	transcriber domain.Transcriber
	transport   domain.Transport
	store       domain.SessionStore
	out         Outbound
	notifier    handoff.Notifier
	persona     persona.Persona
	logger      *slog.Logger

	maxIterations int
	historyLimit  int
	model         string
}

func New(cfg Config) *Driver {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	return &Driver{
		provider:      cfg.Provider,
		transcriber:   cfg.Transcriber,
		transport:     cfg.Transport,
		store:         cfg.Store,
		out:           cfg.Out,
		notifier:      cfg.Notifier,
		persona:       cfg.Persona,
		logger:        cfg.Logger,
		maxIterations: cfg.MaxIterations,
		historyLimit:  cfg.HistoryLimit,
		model:         cfg.Model,
	}
}

// HandleTurn processes one consolidated turn end to end. The returned
// error is informational; the turn is never retried.
func (d *Driver) HandleTurn(ctx context.Context, turn domain.Turn) error {
	metrics.TurnsTotal.Inc()
	d.logger.Info("handling turn",
		"sender", turn.Sender,
		"kind", turn.Kind,
		"text_len", len(turn.Text),
	)

	if turn.Kind == domain.KindAudio {
		resolved, ok := d.resolveAudio(ctx, &turn)
		if !ok {
			// transcription unusable: ask the user to type instead
			d.out.SendText(ctx, turn.Sender, d.persona.AudioFallback, pace.Options{Bypass: true})
			d.appendTurn(ctx, turn.Sender, domain.RoleAssistant, d.persona.AudioFallback)
			return nil
		}
		turn = resolved
	}

	if strings.TrimSpace(turn.Text) == "" && !turn.HasMedia {
		d.logger.Info("turn carries no usable content, ignoring", "sender", turn.Sender)
		return nil
	}

	d.appendTurn(ctx, turn.Sender, domain.RoleUser, turn.Text)
	if turn.Contact != nil {
		d.appendTurn(ctx, turn.Sender, domain.RoleMeta,
			fmt.Sprintf("contato compartilhado: %s (%s)", turn.Contact.Name, turn.Contact.Phone))
	}

	messages := d.buildMessages(ctx, turn)
	final, err := d.toolLoop(ctx, turn, messages)
	if err != nil {
		d.logger.Error("conversation turn failed, sending apology", "sender", turn.Sender, "err", err)
		d.out.SendText(ctx, turn.Sender, d.persona.Apology, pace.Options{Bypass: true})
		d.appendTurn(ctx, turn.Sender, domain.RoleAssistant, d.persona.Apology)
		return err
	}

	if final != "" {
		result := d.out.SendText(ctx, turn.Sender, final, pace.Options{})
		d.recordSend(result)
		d.appendTurn(ctx, turn.Sender, domain.RoleAssistant, final)
	}
	return nil
}

// resolveAudio downloads and transcribes a voice note, then folds the
// transcript through the same canonicalization typed text gets.
func (d *Driver) resolveAudio(ctx context.Context, turn *domain.Turn) (domain.Turn, bool) {
	out := *turn
	if turn.MediaRef == "" || d.transcriber == nil {
		return out, false
	}

	data, filename, err := d.transport.DownloadMedia(ctx, turn.MediaRef)
	if err != nil {
		d.logger.Warn("media download failed", "sender", turn.Sender, "ref", turn.MediaRef, "err", err)
		return out, false
	}

	transcript, err := d.transcriber.Transcribe(ctx, bytes.NewReader(data), filename)
	if err != nil {
		d.logger.Warn("transcription failed", "sender", turn.Sender, "err", err)
		return out, false
	}
	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		return out, false
	}

	metrics.Transcriptions.Inc()
	if in, ok := intent.Canonicalize(transcript); ok {
		out.Kind = domain.KindButton
		out.Text = string(in)
	} else {
		out.Kind = domain.KindText
		out.Text = transcript
	}
	return out, true
}

func (d *Driver) buildMessages(ctx context.Context, turn domain.Turn) []domain.Message {
	messages := []domain.Message{{Role: "system", Content: d.persona.SystemPrompt}}

	history, err := d.store.GetTurns(ctx, turn.Sender, d.historyLimit)
	if err != nil {
		d.logger.Warn("cannot load history, continuing without it", "sender", turn.Sender, "err", err)
		history = nil
	}
	for _, h := range history {
		if h.Role == domain.RoleMeta {
			continue
		}
		messages = append(messages, domain.Message{Role: h.Role, Content: h.Content})
	}

	// GetTurns already includes the user turn appended just above; if
	// history failed to load, fall back to the turn itself.
	if len(messages) == 1 {
		messages = append(messages, domain.Message{Role: domain.RoleUser, Content: turn.Text})
	}
	return messages
}

// toolLoop calls the model, executes requested tools, and repeats
// until the model answers in plain text or the iteration cap hits.
func (d *Driver) toolLoop(ctx context.Context, turn domain.Turn, messages []domain.Message) (string, error) {
	temperature := defaultTemperature

	for iteration := 0; iteration < d.maxIterations; iteration++ {
		start := time.Now()
		resp, err := d.provider.Chat(ctx, domain.ChatRequest{
			Messages:    messages,
			Tools:       toolDefinitions(),
			Model:       d.model,
			MaxTokens:   defaultMaxTokens,
			Temperature: temperature,
		})
		if err != nil {
			return "", fmt.Errorf("llm: %w", err)
		}
		metrics.LLMLatency.Observe(time.Since(start).Seconds())

		if !resp.HasToolCalls() {
			return strings.TrimSpace(resp.Content), nil
		}

		messages = append(messages, domain.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})
		for _, tc := range resp.ToolCalls {
			result := d.executeTool(ctx, turn, tc)
			messages = append(messages, domain.Message{
				Role:       "tool",
				Content:    result,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
			})
		}
	}

	d.logger.Warn("tool loop hit iteration cap", "sender", turn.Sender, "cap", d.maxIterations)
	return "", nil
}

func (d *Driver) executeTool(ctx context.Context, turn domain.Turn, tc domain.ToolCall) string {
	d.logger.Info("executing tool", "tool", tc.Name, "sender", turn.Sender)

	switch tc.Name {
	case "send_text":
		text := argString(tc.Arguments, "message")
		if text == "" {
			return "erro: campo message vazio"
		}
		to := targetNumber(tc.Arguments, turn)
		result := d.out.SendText(ctx, to, text, pace.Options{})
		d.recordSend(result)
		if result == pace.Sent {
			d.appendTurn(ctx, turn.Sender, domain.RoleAssistant, text)
		}
		return string(result)

	case "send_menu":
		menu := menuFromArgs(tc.Arguments, d.persona)
		to := targetNumber(tc.Arguments, turn)
		result := d.out.SendMenu(ctx, to, menu, pace.Options{})
		d.recordSend(result)
		if result == pace.Sent || result == pace.Deduplicated {
			d.appendTurn(ctx, turn.Sender, domain.RoleAssistant, renderMenu(menu))
		}
		return string(result)

	case "handoff":
		d.requestHandoff(ctx, turn,
			argString(tc.Arguments, "responsible_name"),
			argString(tc.Arguments, "responsible_phone"))
		return "operador notificado"

	default:
		d.logger.Warn("model requested unknown tool", "tool", tc.Name)
		return fmt.Sprintf("ferramenta desconhecida: %s", tc.Name)
	}
}

func (d *Driver) requestHandoff(ctx context.Context, turn domain.Turn, responsibleName, responsiblePhone string) {
	metrics.HandoffsTotal.Inc()

	ev := handoff.Event{
		Sender:           turn.Sender,
		ResponsibleName:  responsibleName,
		ResponsiblePhone: responsiblePhone,
		OccurredAt:       time.Now(),
	}
	if turn.Contact != nil {
		ev.Name = turn.Contact.Name
	}
	if history, err := d.store.GetTurns(ctx, turn.Sender, 6); err == nil {
		for _, h := range history {
			if h.Role == domain.RoleMeta {
				continue
			}
			ev.LastTurns = append(ev.LastTurns, h.Role+": "+h.Content)
		}
	}

	if err := d.notifier.Notify(ctx, ev); err != nil {
		d.logger.Error("handoff notification failed", "sender", turn.Sender, "err", err)
	}
	marker := "handoff solicitado"
	if responsibleName != "" {
		marker += ", responsável: " + responsibleName
	}
	d.appendTurn(ctx, turn.Sender, domain.RoleMeta, marker)
}

func (d *Driver) appendTurn(ctx context.Context, sender, role, content string) {
	if content == "" {
		return
	}
	if err := d.store.AppendTurn(ctx, sender, role, content); err != nil {
		d.logger.Warn("cannot persist turn", "sender", sender, "role", role, "err", err)
	}
}

func (d *Driver) recordSend(result pace.Result) {
	switch result {
	case pace.Dropped:
		metrics.PaceDrops.Inc()
	case pace.Deduplicated:
		metrics.MenuDedups.Inc()
	}
}

// toolDefinitions is the closed tool set offered to the model.
func toolDefinitions() []domain.ToolDefinition {
	number := map[string]any{
		"type":        "string",
		"description": "Número do cliente no WhatsApp, somente dígitos.",
	}
	return []domain.ToolDefinition{
		{
			Name:        "send_text",
			Description: "Envia uma mensagem de texto para o cliente no WhatsApp.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"number": number,
					"message": map[string]any{
						"type":        "string",
						"description": "Texto da mensagem, curto e natural.",
					},
				},
				"required": []string{"number", "message"},
			},
		},
		{
			Name:        "send_menu",
			Description: "Envia um menu de opções numeradas para o cliente escolher.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"number": number,
					"text": map[string]any{
						"type":        "string",
						"description": "Texto de introdução do menu.",
					},
					"choices": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
					"footerText": map[string]any{"type": "string"},
				},
				"required": []string{"number", "text", "choices"},
			},
		},
		{
			Name:        "handoff",
			Description: "Transfere a conversa para um atendente humano.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"number": number,
					"responsible_name": map[string]any{
						"type":        "string",
						"description": "Nome do responsável que o cliente pediu para falar.",
					},
					"responsible_phone": map[string]any{
						"type":        "string",
						"description": "Telefone do responsável, quando informado.",
					},
				},
				"required": []string{"number"},
			},
		},
	}
}

// targetNumber resolves the tool's number argument, falling back to
// the turn's sender when the model omits or garbles it.
func targetNumber(args map[string]any, turn domain.Turn) string {
	if n := argString(args, "number"); n != "" {
		return n
	}
	return turn.Sender
}

func menuFromArgs(args map[string]any, p persona.Persona) domain.Menu {
	menu := domain.Menu{
		Text:   argString(args, "text"),
		Footer: argString(args, "footerText"),
	}
	if raw, ok := args["choices"].([]any); ok {
		for _, c := range raw {
			if s, ok := c.(string); ok && s != "" {
				menu.Choices = append(menu.Choices, s)
			}
		}
	}
	if len(menu.Choices) == 0 {
		menu = p.Greeting.Menu()
	}
	return menu
}

// renderMenu flattens a menu for the session history so the model can
// see what the user was offered.
func renderMenu(menu domain.Menu) string {
	var b strings.Builder
	if menu.Text != "" {
		b.WriteString(menu.Text)
		b.WriteString("\n")
	}
	for i, choice := range menu.Choices {
		fmt.Fprintf(&b, "%d. %s\n", i+1, choice)
	}
	return strings.TrimRight(b.String(), "\n")
}

func argString(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
