package domain

import "context"

// Menu is an interactive option list sent to a WhatsApp user.
type Menu struct {
	Title   string
	Text    string // intro text, also the dedup fallback
	Choices []string
	Footer  string
}

// Transport is the outbound messaging gateway. typingMs is the
// composing-indicator duration the gateway should show before the
// message appears; it is advisory and never blocks the caller.
// Implementations may retry across multiple candidate endpoint paths.
type Transport interface {
	SendText(ctx context.Context, to, text string, typingMs int) error
	SendMenu(ctx context.Context, to string, menu Menu, typingMs int) error
	SendMedia(ctx context.Context, to, ref, caption, mediaType string) error
	SetTyping(ctx context.Context, to string, durationMs int) error

	// DownloadMedia fetches raw media bytes for a provider message id,
	// returning the bytes and a filename hint for transcription.
	DownloadMedia(ctx context.Context, messageID string) ([]byte, string, error)
}
