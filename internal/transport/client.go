// Package transport is the outbound WhatsApp gateway client. Gateways
// in the wild disagree on endpoint paths for the same operation, so
// each operation carries an ordered list of candidate paths; the first
// 2xx wins and the winner is remembered for subsequent calls.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"zapbot/internal/domain"
)

// Paths lists candidate endpoint paths per operation, tried in order.
type Paths struct {
	Text     []string
	Menu     []string
	Media    []string
	Typing   []string
	Download []string
}

// DefaultPaths covers the gateway dialects seen in production.
func DefaultPaths() Paths {
	return Paths{
		Text:     []string{"/send-text", "/send-message", "/message/send-text"},
		Menu:     []string{"/send-option-list", "/send-button-list", "/send-menu"},
		Media:    []string{"/send-image", "/send-media", "/message/send-media"},
		Typing:   []string{"/send-chat-state", "/typing"},
		Download: []string{"/download-media", "/media"},
	}
}

type Config struct {
	BaseURL string // gateway root, e.g. https://gw.example/instances/abc/token/xyz
	Token   string // optional Client-Token header
	Paths   Paths
	Client  *http.Client
	Logger  *slog.Logger
}

// Client implements domain.Transport over HTTP.
type Client struct {
	baseURL string
	token   string
	paths   Paths
	client  *http.Client
	logger  *slog.Logger

	mu     sync.Mutex
	winner map[string]string // operation -> last path that returned 2xx
}

func New(cfg Config) *Client {
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if len(cfg.Paths.Text) == 0 {
		cfg.Paths = DefaultPaths()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		paths:   cfg.Paths,
		client:  cfg.Client,
		logger:  cfg.Logger,
		winner:  make(map[string]string),
	}
}

func (c *Client) SendText(ctx context.Context, to, text string, typingMs int) error {
	payload := map[string]any{
		"phone":   to,
		"message": text,
	}
	if typingMs > 0 {
		payload["delayTyping"] = typingMs
	}
	return c.post(ctx, "text", c.paths.Text, payload)
}

func (c *Client) SendMenu(ctx context.Context, to string, menu domain.Menu, typingMs int) error {
	options := make([]map[string]any, 0, len(menu.Choices))
	for i, choice := range menu.Choices {
		options = append(options, map[string]any{
			"id":    fmt.Sprintf("%d", i+1),
			"title": choice,
		})
	}
	payload := map[string]any{
		"phone":   to,
		"message": menu.Text,
		"optionList": map[string]any{
			"title":   menu.Title,
			"options": options,
		},
	}
	if menu.Footer != "" {
		payload["footer"] = menu.Footer
	}
	if typingMs > 0 {
		payload["delayTyping"] = typingMs
	}
	return c.post(ctx, "menu", c.paths.Menu, payload)
}

func (c *Client) SendMedia(ctx context.Context, to, ref, caption, mediaType string) error {
	payload := map[string]any{
		"phone": to,
	}
	switch mediaType {
	case "audio":
		payload["audio"] = ref
	case "video":
		payload["video"] = ref
	case "document":
		payload["document"] = ref
	default:
		payload["image"] = ref
	}
	if caption != "" {
		payload["caption"] = caption
	}
	return c.post(ctx, "media", c.paths.Media, payload)
}

func (c *Client) SetTyping(ctx context.Context, to string, durationMs int) error {
	payload := map[string]any{
		"phone":      to,
		"chatState":  "composing",
		"durationMs": durationMs,
	}
	return c.post(ctx, "typing", c.paths.Typing, payload)
}

// DownloadMedia fetches raw media for a gateway message id. The
// filename hint comes from the Content-Type when present.
func (c *Client) DownloadMedia(ctx context.Context, messageID string) ([]byte, string, error) {
	var lastErr error
	for _, path := range c.ordered("download", c.paths.Download) {
		u := c.baseURL + path + "?messageId=" + url.QueryEscape(messageID)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, "", err
		}
		c.setHeaders(req)

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			resp.Body.Close()
			lastErr = fmt.Errorf("gateway %s returned %d", path, resp.StatusCode)
			continue
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		c.remember("download", path)
		return data, filenameFor(resp.Header.Get("Content-Type")), nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no download paths configured")
	}
	return nil, "", fmt.Errorf("download media %s: %w", messageID, lastErr)
}

// post tries each candidate path until one returns 2xx.
func (c *Client) post(ctx context.Context, op string, paths []string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", op, err)
	}

	var lastErr error
	for _, path := range c.ordered(op, paths) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		c.setHeaders(req)

		resp, err := c.client.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn("gateway unreachable", "op", op, "path", path, "err", err)
			continue
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			c.remember(op, path)
			c.logger.Debug("gateway send ok", "op", op, "path", path)
			return nil
		}
		lastErr = fmt.Errorf("gateway %s returned %d: %s", path, resp.StatusCode, string(respBody))
		c.logger.Warn("gateway path rejected", "op", op, "path", path, "status", resp.StatusCode)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no paths configured")
	}
	return fmt.Errorf("%s: %w", op, lastErr)
}

func (c *Client) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Client-Token", c.token)
	}
}

// ordered returns the candidate paths with the last known winner
// first, so a stable gateway costs one request per send.
func (c *Client) ordered(op string, paths []string) []string {
	c.mu.Lock()
	win, ok := c.winner[op]
	c.mu.Unlock()
	if !ok || len(paths) == 0 || paths[0] == win {
		return paths
	}
	out := make([]string, 0, len(paths))
	out = append(out, win)
	for _, p := range paths {
		if p != win {
			out = append(out, p)
		}
	}
	return out
}

func (c *Client) remember(op, path string) {
	c.mu.Lock()
	c.winner[op] = path
	c.mu.Unlock()
}

func filenameFor(contentType string) string {
	switch {
	case strings.Contains(contentType, "ogg"), strings.Contains(contentType, "opus"):
		return "voice.ogg"
	case strings.Contains(contentType, "mpeg"), strings.Contains(contentType, "mp3"):
		return "voice.mp3"
	case strings.Contains(contentType, "mp4"):
		return "voice.mp4"
	case strings.Contains(contentType, "wav"):
		return "voice.wav"
	default:
		return "voice.ogg"
	}
}
