package domain

import "time"

// Kind classifies a normalized inbound event.
type Kind string

const (
	KindText    Kind = "text"
	KindButton  Kind = "button"
	KindAudio   Kind = "audio"
	KindMedia   Kind = "media"
	KindUnknown Kind = "unknown"
)

// Turn is the canonical form of one inbound WhatsApp event after
// normalization. Sender is the digits-only conversation id.
type Turn struct {
	ID         string // internal correlation id, not the provider's
	Sender     string
	Kind       Kind
	Text       string
	HasMedia   bool
	MediaRef   string // provider message id usable for media download, "" when none
	Contact    *Contact
	Raw        map[string]any // original event, never mutated
	ReceivedAt time.Time
}

// Contact is a shared contact card recovered from the payload,
// independent of the text/kind extraction.
type Contact struct {
	Name  string
	Phone string
}

// Conversation history roles. Meta turns carry serialized workflow
// state and are filtered out before the LLM sees the history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleMeta      = "meta"
)
