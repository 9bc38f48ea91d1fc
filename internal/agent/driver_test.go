package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"zapbot/internal/domain"
	"zapbot/internal/handoff"
	"zapbot/internal/pace"
	"zapbot/internal/persona"
)

// fakeProvider replays a scripted sequence of responses.
type fakeProvider struct {
	mu        sync.Mutex
	responses []*domain.ChatResponse
	requests  []domain.ChatRequest
	err       error
}

func (f *fakeProvider) Name() string                      { return "fake" }
func (f *fakeProvider) Healthy(context.Context) error     { return nil }

func (f *fakeProvider) Chat(_ context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.responses) == 0 {
		return &domain.ChatResponse{Content: "ok", FinishReason: "stop"}, nil
	}
	resp := f.responses[0]
	f.responses = f.responses[1:]
	return resp, nil
}

type outCall struct {
	kind   string
	text   string
	menu   domain.Menu
	bypass bool
}

// fakeOutbound records paced sends.
type fakeOutbound struct {
	mu     sync.Mutex
	calls  []outCall
	result pace.Result
}

func (f *fakeOutbound) SendText(_ context.Context, _, text string, opts pace.Options) pace.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, outCall{kind: "text", text: text, bypass: opts.Bypass})
	return f.res()
}

func (f *fakeOutbound) SendMenu(_ context.Context, _ string, menu domain.Menu, opts pace.Options) pace.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, outCall{kind: "menu", menu: menu, bypass: opts.Bypass})
	return f.res()
}

func (f *fakeOutbound) SendMedia(_ context.Context, _, ref, caption, _ string) pace.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, outCall{kind: "media", text: ref})
	return f.res()
}

func (f *fakeOutbound) res() pace.Result {
	if f.result == "" {
		return pace.Sent
	}
	return f.result
}

func (f *fakeOutbound) sent() []outCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]outCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// memStore is a minimal in-memory SessionStore.
type memStore struct {
	mu    sync.Mutex
	turns map[string][]domain.SessionTurn
	next  int64
}

func newMemStore() *memStore { return &memStore{turns: make(map[string][]domain.SessionTurn)} }

func (s *memStore) AppendTurn(_ context.Context, sender, role, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.turns[sender] = append(s.turns[sender], domain.SessionTurn{
		ID: s.next, Sender: sender, Role: role, Content: content, CreatedAt: time.Now(),
	})
	return nil
}

func (s *memStore) GetTurns(_ context.Context, sender string, limit int) ([]domain.SessionTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.turns[sender]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]domain.SessionTurn, len(all))
	copy(out, all)
	return out, nil
}

func (s *memStore) LastSentAt(context.Context, string) (time.Time, bool, error) {
	return time.Time{}, false, nil
}
func (s *memStore) SetLastSentAt(context.Context, string, time.Time) error { return nil }
func (s *memStore) Close() error                                           { return nil }

func (s *memStore) roles(sender string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, t := range s.turns[sender] {
		out = append(out, t.Role)
	}
	return out
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []handoff.Event
}

func (f *fakeNotifier) Notify(_ context.Context, ev handoff.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

// fakeMedia serves DownloadMedia; the send methods are unused by the
// driver, which routes sends through Outbound.
type fakeMedia struct {
	data []byte
	name string
	err  error
}

func (f *fakeMedia) SendText(context.Context, string, string, int) error  { return nil }
func (f *fakeMedia) SendMenu(context.Context, string, domain.Menu, int) error { return nil }
func (f *fakeMedia) SendMedia(context.Context, string, string, string, string) error {
	return nil
}
func (f *fakeMedia) SetTyping(context.Context, string, int) error { return nil }
func (f *fakeMedia) DownloadMedia(context.Context, string) ([]byte, string, error) {
	return f.data, f.name, f.err
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(_ context.Context, r io.Reader, _ string) (string, error) {
	io.ReadAll(r)
	return f.text, f.err
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	provider *fakeProvider
	out      *fakeOutbound
	store    *memStore
	notifier *fakeNotifier
	media    *fakeMedia
	stt      *fakeTranscriber
	driver   *Driver
}

func newFixture(responses ...*domain.ChatResponse) *fixture {
	f := &fixture{
		provider: &fakeProvider{responses: responses},
		out:      &fakeOutbound{},
		store:    newMemStore(),
		notifier: &fakeNotifier{},
		media:    &fakeMedia{data: []byte("ogg"), name: "voice.ogg"},
		stt:      &fakeTranscriber{},
	}
	f.driver = New(Config{
		Provider:    f.provider,
		Transcriber: f.stt,
		Transport:   f.media,
		Store:       f.store,
		Out:         f.out,
		Notifier:    f.notifier,
		Persona:     persona.Default(),
		Logger:      discard(),
	})
	return f
}

func textTurn(text string) domain.Turn {
	return domain.Turn{Sender: "5511999999999", Kind: domain.KindText, Text: text}
}

func TestPlainTextResponse(t *testing.T) {
	f := newFixture(&domain.ChatResponse{Content: "Olá! Tudo bem?", FinishReason: "stop"})

	if err := f.driver.HandleTurn(context.Background(), textTurn("oi")); err != nil {
		t.Fatal(err)
	}

	sent := f.out.sent()
	if len(sent) != 1 || sent[0].text != "Olá! Tudo bem?" {
		t.Fatalf("sends = %+v", sent)
	}
	roles := f.store.roles("5511999999999")
	if len(roles) != 2 || roles[0] != domain.RoleUser || roles[1] != domain.RoleAssistant {
		t.Errorf("persisted roles = %v", roles)
	}
}

func TestToolLoopSendMenu(t *testing.T) {
	f := newFixture(
		&domain.ChatResponse{ToolCalls: []domain.ToolCall{{
			ID: "call_1", Name: "send_menu",
			Arguments: map[string]any{
				"number":  "5511999999999",
				"text":    "Escolha:",
				"choices": []any{"Básico", "Pro"},
			},
		}}},
		&domain.ChatResponse{Content: "", FinishReason: "stop"},
	)

	if err := f.driver.HandleTurn(context.Background(), textTurn("quero ver os planos")); err != nil {
		t.Fatal(err)
	}

	sent := f.out.sent()
	if len(sent) != 1 || sent[0].kind != "menu" {
		t.Fatalf("sends = %+v", sent)
	}
	if got := sent[0].menu.Choices; len(got) != 2 || got[0] != "Básico" {
		t.Errorf("menu = %+v", sent[0].menu)
	}

	// tool result fed back to the model on the second call
	f.provider.mu.Lock()
	second := f.provider.requests[1]
	f.provider.mu.Unlock()
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "tool" || last.Content != string(pace.Sent) || last.ToolCallID != "call_1" {
		t.Errorf("tool result message = %+v", last)
	}

	// the rendered menu lands in history so the model can reference it
	turns, _ := f.store.GetTurns(context.Background(), "5511999999999", 10)
	found := false
	for _, turn := range turns {
		if turn.Role == domain.RoleAssistant && strings.Contains(turn.Content, "1. Básico") {
			found = true
		}
	}
	if !found {
		t.Errorf("menu not rendered into history: %+v", turns)
	}
}

func TestProviderFailureSendsApology(t *testing.T) {
	f := newFixture()
	f.provider.err = errors.New("upstream 500")

	err := f.driver.HandleTurn(context.Background(), textTurn("oi"))
	if err == nil {
		t.Fatal("expected error to propagate for logging")
	}

	sent := f.out.sent()
	if len(sent) != 1 {
		t.Fatalf("sends = %+v", sent)
	}
	if sent[0].text != persona.Default().Apology {
		t.Errorf("text = %q, want apology", sent[0].text)
	}
	if !sent[0].bypass {
		t.Error("apology must bypass the pacing gate")
	}
}

func TestAudioTurnTranscribed(t *testing.T) {
	f := newFixture(&domain.ChatResponse{Content: "Claro! Os planos são...", FinishReason: "stop"})
	f.stt.text = "quero saber mais sobre os planos"

	turn := domain.Turn{Sender: "1", Kind: domain.KindAudio, MediaRef: "3EB0C8D5A29F8BD0FA8B32", HasMedia: true}
	if err := f.driver.HandleTurn(context.Background(), turn); err != nil {
		t.Fatal(err)
	}

	f.provider.mu.Lock()
	req := f.provider.requests[0]
	f.provider.mu.Unlock()
	var sawTranscript bool
	for _, m := range req.Messages {
		if m.Role == domain.RoleUser && m.Content == "quero saber mais sobre os planos" {
			sawTranscript = true
		}
	}
	if !sawTranscript {
		t.Errorf("transcript not in prompt: %+v", req.Messages)
	}
}

func TestAudioTranscriptCanonicalized(t *testing.T) {
	f := newFixture(&domain.ChatResponse{Content: "Perfeito!", FinishReason: "stop"})
	f.stt.text = "Sim, pode ser!"

	turn := domain.Turn{Sender: "1", Kind: domain.KindAudio, MediaRef: "3EB0C8D5A29F8BD0FA8B32", HasMedia: true}
	if err := f.driver.HandleTurn(context.Background(), turn); err != nil {
		t.Fatal(err)
	}

	turns, _ := f.store.GetTurns(context.Background(), "1", 10)
	if len(turns) == 0 || turns[0].Content != "sim" {
		t.Errorf("canonicalized turn = %+v", turns)
	}
}

func TestAudioEmptyTranscriptFallsBack(t *testing.T) {
	f := newFixture()
	f.stt.text = "   "

	turn := domain.Turn{Sender: "1", Kind: domain.KindAudio, MediaRef: "3EB0C8D5A29F8BD0FA8B32", HasMedia: true}
	if err := f.driver.HandleTurn(context.Background(), turn); err != nil {
		t.Fatal(err)
	}

	sent := f.out.sent()
	if len(sent) != 1 || sent[0].text != persona.Default().AudioFallback {
		t.Fatalf("sends = %+v, want audio fallback", sent)
	}
	f.provider.mu.Lock()
	calls := len(f.provider.requests)
	f.provider.mu.Unlock()
	if calls != 0 {
		t.Error("model must not be called for an unusable voice note")
	}
}

func TestAudioWithoutMediaRefFallsBack(t *testing.T) {
	f := newFixture()
	f.stt.text = "quero saber mais"

	// correlation id alone is not downloadable; only MediaRef is
	turn := domain.Turn{Sender: "1", Kind: domain.KindAudio, ID: "corr-1", HasMedia: true}
	if err := f.driver.HandleTurn(context.Background(), turn); err != nil {
		t.Fatal(err)
	}
	sent := f.out.sent()
	if len(sent) != 1 || sent[0].text != persona.Default().AudioFallback {
		t.Fatalf("sends = %+v", sent)
	}
}

func TestAudioDownloadFailureFallsBack(t *testing.T) {
	f := newFixture()
	f.media.err = errors.New("gateway 404")

	turn := domain.Turn{Sender: "1", Kind: domain.KindAudio, MediaRef: "3EB0C8D5A29F8BD0FA8B32", HasMedia: true}
	if err := f.driver.HandleTurn(context.Background(), turn); err != nil {
		t.Fatal(err)
	}
	sent := f.out.sent()
	if len(sent) != 1 || sent[0].text != persona.Default().AudioFallback {
		t.Fatalf("sends = %+v", sent)
	}
}

func TestHandoffNotifiesOperators(t *testing.T) {
	f := newFixture(
		&domain.ChatResponse{ToolCalls: []domain.ToolCall{{
			ID: "call_1", Name: "handoff",
			Arguments: map[string]any{
				"number":            "5511999999999",
				"responsible_name":  "Carlos",
				"responsible_phone": "5511977776666",
			},
		}}},
		&domain.ChatResponse{Content: "Vou te transferir para um atendente.", FinishReason: "stop"},
	)

	turn := textTurn("quero falar com uma pessoa")
	turn.Contact = &domain.Contact{Name: "Maria", Phone: "5511988887777"}
	if err := f.driver.HandleTurn(context.Background(), turn); err != nil {
		t.Fatal(err)
	}

	f.notifier.mu.Lock()
	events := f.notifier.events
	f.notifier.mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].ResponsibleName != "Carlos" || events[0].ResponsiblePhone != "5511977776666" {
		t.Errorf("event = %+v", events[0])
	}
	if events[0].Name != "Maria" {
		t.Errorf("contact name = %q, want Maria", events[0].Name)
	}

	// handoff leaves a meta marker that never reaches the prompt
	roles := f.store.roles(turn.Sender)
	var metas int
	for _, r := range roles {
		if r == domain.RoleMeta {
			metas++
		}
	}
	if metas == 0 {
		t.Error("no meta turn recorded for handoff")
	}
}

func TestMetaTurnsFilteredFromPrompt(t *testing.T) {
	f := newFixture(&domain.ChatResponse{Content: "ok", FinishReason: "stop"})
	ctx := context.Background()
	f.store.AppendTurn(ctx, "1", domain.RoleMeta, "handoff: teste")

	if err := f.driver.HandleTurn(ctx, domain.Turn{Sender: "1", Kind: domain.KindText, Text: "oi"}); err != nil {
		t.Fatal(err)
	}

	f.provider.mu.Lock()
	req := f.provider.requests[0]
	f.provider.mu.Unlock()
	for _, m := range req.Messages {
		if strings.Contains(m.Content, "handoff: teste") {
			t.Errorf("meta turn leaked into prompt: %+v", m)
		}
	}
}

func TestUnknownToolReportedToModel(t *testing.T) {
	f := newFixture(
		&domain.ChatResponse{ToolCalls: []domain.ToolCall{{
			ID: "call_1", Name: "fly_to_the_moon", Arguments: map[string]any{},
		}}},
		&domain.ChatResponse{Content: "desculpe, não consigo fazer isso", FinishReason: "stop"},
	)

	if err := f.driver.HandleTurn(context.Background(), textTurn("voa")); err != nil {
		t.Fatal(err)
	}
	f.provider.mu.Lock()
	second := f.provider.requests[1]
	f.provider.mu.Unlock()
	last := second.Messages[len(second.Messages)-1]
	if !strings.Contains(last.Content, "ferramenta desconhecida") {
		t.Errorf("tool result = %q", last.Content)
	}
}

func TestIterationCapStopsLoop(t *testing.T) {
	// the provider always asks for another tool call
	loop := &fakeProvider{}
	loop.responses = nil
	f := newFixture()
	f.provider = &fakeProvider{}
	infinite := make([]*domain.ChatResponse, 0, defaultMaxIterations+2)
	for i := 0; i < defaultMaxIterations+2; i++ {
		infinite = append(infinite, &domain.ChatResponse{ToolCalls: []domain.ToolCall{{
			ID: fmt.Sprintf("call_%d", i), Name: "send_text",
			Arguments: map[string]any{"message": "mais uma"},
		}}})
	}
	f.provider.responses = infinite
	f.driver = New(Config{
		Provider: f.provider, Transcriber: f.stt, Transport: f.media,
		Store: f.store, Out: f.out, Notifier: f.notifier,
		Persona: persona.Default(), Logger: discard(),
	})

	if err := f.driver.HandleTurn(context.Background(), textTurn("oi")); err != nil {
		t.Fatal(err)
	}
	f.provider.mu.Lock()
	calls := len(f.provider.requests)
	f.provider.mu.Unlock()
	if calls != defaultMaxIterations {
		t.Errorf("provider calls = %d, want %d", calls, defaultMaxIterations)
	}
}

func TestEmptyTurnIgnored(t *testing.T) {
	f := newFixture()
	if err := f.driver.HandleTurn(context.Background(), textTurn("   ")); err != nil {
		t.Fatal(err)
	}
	if len(f.out.sent()) != 0 {
		t.Error("empty turn must not reach the model or the gateway")
	}
	f.provider.mu.Lock()
	calls := len(f.provider.requests)
	f.provider.mu.Unlock()
	if calls != 0 {
		t.Error("model called for empty turn")
	}
}
