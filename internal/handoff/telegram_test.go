package handoff

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestFormatFullEvent(t *testing.T) {
	ev := Event{
		Sender:           "5511999999999",
		Name:             "Maria Silva",
		ResponsibleName:  "Carlos",
		ResponsiblePhone: "5511977776666",
		OccurredAt:       time.Date(2025, 6, 1, 14, 30, 0, 0, time.UTC),
		LastTurns: []string{
			"user: quero falar com o Carlos",
			"assistant: Claro, vou te transferir.",
		},
	}

	got := Format(ev)
	for _, want := range []string{
		"Maria Silva (5511999999999)",
		"Carlos (5511977776666)",
		"01/06/2025 14:30",
		"quero falar com o Carlos",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("formatted event missing %q:\n%s", want, got)
		}
	}
}

func TestFormatMinimalEvent(t *testing.T) {
	got := Format(Event{Sender: "5511999999999"})
	if !strings.Contains(got, "5511999999999") {
		t.Errorf("missing sender:\n%s", got)
	}
	if strings.Contains(got, "Responsável") || strings.Contains(got, "Últimas") {
		t.Errorf("empty sections rendered:\n%s", got)
	}
}

func TestNopNotifierLogsOnly(t *testing.T) {
	n := Nop{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	if err := n.Notify(context.Background(), Event{Sender: "1"}); err != nil {
		t.Fatal(err)
	}
}
