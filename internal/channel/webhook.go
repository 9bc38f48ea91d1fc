// Package channel hosts the inbound HTTP surface: the WhatsApp
// gateway webhook plus health and metrics endpoints. Gateways retry
// aggressively on non-200s, so the webhook acknowledges everything
// with 200 and reports what it did in the body instead.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"zapbot/internal/aggregate"
	"zapbot/internal/domain"
	"zapbot/internal/metrics"
	"zapbot/internal/normalize"
)

const maxBodyBytes = 1 << 20 // 1MB

// TurnSink receives normalized events; *aggregate.Aggregator
// satisfies it.
type TurnSink interface {
	Offer(ctx context.Context, t domain.Turn) aggregate.Outcome
	Pending() int
}

type WebhookConfig struct {
	Port   int
	Path   string // webhook URL path (default: /webhook)
	Sink   TurnSink
	Logger *slog.Logger
}

// Webhook is the inbound HTTP server.
type Webhook struct {
	port   int
	path   string
	sink   TurnSink
	logger *slog.Logger
	server *http.Server
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	if cfg.Path == "" {
		cfg.Path = "/webhook"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	return &Webhook{
		port:   cfg.Port,
		path:   cfg.Path,
		sink:   cfg.Sink,
		logger: cfg.Logger,
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (w *Webhook) Start(ctx context.Context) error {
	w.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", w.port),
		Handler:           w.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	w.logger.Info("webhook server starting", "port", w.port, "path", w.path)

	errCh := make(chan error, 1)
	go func() {
		if err := w.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		w.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return w.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("webhook server: %w", err)
	}
}

// Handler returns the full mux: webhook, health, metrics.
func (w *Webhook) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+w.path, w.handleEvent)
	mux.HandleFunc("GET /health", w.handleHealth)
	mux.HandleFunc("GET /metrics", metrics.Collector.Handler())
	return mux
}

func (w *Webhook) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	rw.Header().Set("Content-Type", "application/json")
	json.NewEncoder(rw).Encode(map[string]any{
		"status":  "ok",
		"pending": w.sink.Pending(),
	})
}

// handleEvent accepts one gateway event. Whatever happens, the
// response is 200: a retry storm over a payload we cannot parse helps
// nobody.
func (w *Webhook) handleEvent(rw http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	metrics.EventsTotal.Inc()

	raw, err := parsePayload(r)
	if err != nil {
		w.logger.Warn("unparseable webhook payload", "err", err)
		w.ack(rw, "ignored")
		return
	}

	turn := normalize.Normalize(raw)
	turn.ID = uuid.NewString()
	if turn.Sender == "" {
		w.logger.Debug("event without sender, ignoring")
		w.ack(rw, "ignored")
		return
	}

	outcome := w.sink.Offer(r.Context(), turn)
	switch outcome {
	case aggregate.OutcomeMerged:
		metrics.EventsMerged.Inc()
	case aggregate.OutcomeDropped:
		metrics.EventsDropped.Inc()
	}
	metrics.PendingWindows.Set(int64(w.sink.Pending()))

	w.logger.Info("webhook event",
		"sender", turn.Sender,
		"kind", turn.Kind,
		"outcome", outcome,
	)
	w.ack(rw, string(outcome))
}

func (w *Webhook) ack(rw http.ResponseWriter, status string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(http.StatusOK)
	json.NewEncoder(rw).Encode(map[string]string{"status": status})
}

// parsePayload decodes the request body into a generic tree. Gateways
// deliver JSON, form-encoded fields, or JSON wrapped in a JSON string;
// sub-fields may themselves be stringified JSON.
func parsePayload(r *http.Request) (map[string]any, error) {
	contentType := r.Header.Get("Content-Type")

	if strings.Contains(contentType, "application/x-www-form-urlencoded") ||
		strings.Contains(contentType, "multipart/form-data") {
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil {
			if err := r.ParseForm(); err != nil {
				return nil, fmt.Errorf("parse form: %w", err)
			}
		}
		return formToTree(r.PostForm), nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return decodeTree(body)
}

// decodeTree parses JSON into a map, unwrapping up to two layers of
// string-encoded JSON at the top level.
func decodeTree(body []byte) (map[string]any, error) {
	for i := 0; i < 3; i++ {
		var tree map[string]any
		if err := json.Unmarshal(body, &tree); err == nil {
			return expandStringified(tree, 0), nil
		}
		var wrapped string
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return nil, fmt.Errorf("not a JSON object")
		}
		body = []byte(wrapped)
	}
	return nil, fmt.Errorf("nesting too deep")
}

// formToTree converts form fields to a tree, parsing values that hold
// stringified JSON.
func formToTree(form url.Values) map[string]any {
	tree := make(map[string]any, len(form))
	for key, values := range form {
		if len(values) == 0 {
			continue
		}
		v := values[0]
		if parsed, ok := tryParseJSON(v); ok {
			tree[key] = parsed
		} else {
			tree[key] = v
		}
	}
	return expandStringified(tree, 0)
}

// expandStringified walks the tree replacing string values that hold
// serialized JSON objects or arrays with their parsed form.
func expandStringified(tree map[string]any, depth int) map[string]any {
	if depth > 4 {
		return tree
	}
	for key, value := range tree {
		switch v := value.(type) {
		case string:
			if parsed, ok := tryParseJSON(v); ok {
				tree[key] = parsed
				if m, ok := parsed.(map[string]any); ok {
					tree[key] = expandStringified(m, depth+1)
				}
			}
		case map[string]any:
			tree[key] = expandStringified(v, depth+1)
		case []any:
			for i, item := range v {
				if m, ok := item.(map[string]any); ok {
					v[i] = expandStringified(m, depth+1)
				}
			}
		}
	}
	return tree
}

// tryParseJSON parses strings that plausibly hold a JSON object or
// array. Bare scalars stay strings.
func tryParseJSON(s string) (any, bool) {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) < 2 {
		return nil, false
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return nil, false
	}
	var out any
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil, false
	}
	return out, true
}
