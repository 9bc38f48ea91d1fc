// Package normalize turns raw, alias-laden WhatsApp webhook payloads
// into canonical turns. Gateways disagree on where they put the sender,
// the text, and the message kind, so extraction is a small ordered list
// of strategies: explicit aliases at each node first, then a bounded
// depth-first scan of child objects.
//
// Precedence between duplicate aliases is positional, not semantic:
// aliases are checked in the order declared below, and child objects
// are visited in sorted key order so results are deterministic after
// JSON decoding. This is a known ambiguity of the payload shape.
package normalize

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"zapbot/internal/domain"
	"zapbot/internal/intent"
)

const maxDepth = 8

var (
	senderAliases = []string{"number", "from", "phone", "sender", "chatid"}
	textAliases   = []string{"text", "body", "message", "caption"}

	audioMarkers = []string{"audio", "audiomessage", "ptt", "voice", "voicemessage"}
	imageMarkers = []string{"image", "imagemessage", "photo", "video", "videomessage", "sticker", "document", "documentmessage"}

	audioTypes = map[string]bool{"audio": true, "ptt": true, "voice": true}
	imageTypes = map[string]bool{"image": true, "video": true, "document": true, "sticker": true}
)

// Normalize converts a raw event tree into a canonical turn. It never
// fails: unresolvable fields stay empty / KindUnknown. The input is
// treated as immutable.
func Normalize(raw map[string]any) domain.Turn {
	turn := domain.Turn{
		Kind:       domain.KindUnknown,
		Raw:        raw,
		ReceivedAt: time.Now(),
	}
	if raw == nil {
		return turn
	}

	sender := findString(raw, senderAliases, 0)
	text := findString(raw, textAliases, 0)
	button, hasButton := findButton(raw)
	hasAudio := hasMarker(raw, audioMarkers, 0)
	hasImage := hasMarker(raw, imageMarkers, 0)

	// Explicit type hints count as media indicators too.
	if typ, ok := stringAt(raw, "type"); ok {
		lt := strings.ToLower(typ)
		hasAudio = hasAudio || audioTypes[lt]
		hasImage = hasImage || imageTypes[lt]
	}

	// Secondary pass: Cloud-API entry[0].changes[0].value.messages[0].
	if msg, ok := cloudMessage(raw); ok {
		if sender == "" {
			sender = findString(msg, senderAliases, 0)
		}
		if text == "" {
			text = findString(msg, textAliases, 0)
		}
		if !hasButton {
			button, hasButton = findButton(msg)
		}
		if typ, ok := stringAt(msg, "type"); ok {
			lt := strings.ToLower(typ)
			hasAudio = hasAudio || audioTypes[lt]
			hasImage = hasImage || imageTypes[lt]
		}
	}

	// Secondary pass: nested "chat" sub-object, possibly structured
	// independently from the rest of the event.
	if sender == "" {
		if chat, ok := mapAt(raw, "chat"); ok {
			sender = findString(chat, senderAliases, 0)
		}
	}

	turn.Sender = Digits(sender)
	turn.HasMedia = hasAudio || hasImage

	switch {
	case hasButton:
		turn.Kind = domain.KindButton
		turn.Text = button
	case hasAudio:
		turn.Kind = domain.KindAudio
		turn.Text = strings.TrimSpace(text)
	case hasImage:
		turn.Kind = domain.KindMedia
		turn.Text = strings.TrimSpace(text)
	case strings.TrimSpace(text) != "":
		turn.Kind = domain.KindText
		turn.Text = strings.TrimSpace(text)
	}

	// Typed "sim"/"não" behaves exactly like a tapped button downstream.
	if turn.Kind == domain.KindText {
		if tok, ok := intent.Canonicalize(turn.Text); ok {
			turn.Kind = domain.KindButton
			turn.Text = string(tok)
		}
	}

	// Media reference is independent of whether media was detected; a
	// usable id may be missing even when indicators are present.
	if turn.HasMedia {
		turn.MediaRef = MessageID(raw)
	}

	turn.Contact = ExtractContact(raw)
	return turn
}

// Digits strips everything but digits from a provider id, normalizing
// forms like "5511999999999@c.us" and "+55 11 99999-9999".
func Digits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
		// ids like "5511...@c.us" carry the routing suffix after '@'
		if r == '@' {
			break
		}
	}
	return b.String()
}

// findString walks the tree depth-first looking for the first alias
// carrying a non-empty string (or number). Aliases at the current node
// win over anything nested; among children, alias-keyed maps are
// descended before the remaining keys in sorted order.
func findString(node map[string]any, aliases []string, depth int) string {
	if depth > maxDepth {
		return ""
	}
	for _, alias := range aliases {
		v, ok := lookupFold(node, alias)
		if !ok {
			continue
		}
		if s, ok := scalarString(v); ok && strings.TrimSpace(s) != "" {
			return s
		}
		if child, ok := v.(map[string]any); ok {
			if s := findString(child, aliases, depth+1); s != "" {
				return s
			}
		}
	}
	for _, k := range sortedKeys(node) {
		switch child := node[k].(type) {
		case map[string]any:
			if s := findString(child, aliases, depth+1); s != "" {
				return s
			}
		case []any:
			for _, item := range child {
				if m, ok := item.(map[string]any); ok {
					if s := findString(m, aliases, depth+1); s != "" {
						return s
					}
				}
			}
		}
	}
	return ""
}

// Button-shaped substructures override plain-text matches. Within a
// button object the precedence is id → payload → title → text.
var buttonValueKeys = []string{"id", "payload", "title", "text"}

var flatButtonAliases = []string{"selectedbuttonid", "selectedrowid", "selectedid", "selecteddisplaytext", "buttonid"}

func findButton(node map[string]any) (string, bool) {
	if m, ok := mapAt(node, "button_reply"); ok {
		if v := firstButtonValue(m); v != "" {
			return v, true
		}
	}
	if inter, ok := mapAt(node, "interactive"); ok {
		for _, key := range []string{"button_reply", "list_reply"} {
			if m, ok := mapAt(inter, key); ok {
				if v := firstButtonValue(m); v != "" {
					return v, true
				}
			}
		}
	}
	if v := findString(node, flatButtonAliases, 0); v != "" {
		return v, true
	}
	return "", false
}

func firstButtonValue(m map[string]any) string {
	for _, k := range buttonValueKeys {
		if s, ok := stringAt(m, k); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// hasMarker reports whether any marker key exists anywhere in the tree
// with a usable value (object, non-empty string, or true).
func hasMarker(node map[string]any, markers []string, depth int) bool {
	if depth > maxDepth {
		return false
	}
	for _, k := range markers {
		v, ok := lookupFold(node, k)
		if !ok {
			continue
		}
		switch val := v.(type) {
		case map[string]any:
			return true
		case string:
			if strings.TrimSpace(val) != "" {
				return true
			}
		case bool:
			if val {
				return true
			}
		}
	}
	for _, k := range sortedKeys(node) {
		switch child := node[k].(type) {
		case map[string]any:
			if hasMarker(child, markers, depth+1) {
				return true
			}
		case []any:
			for _, item := range child {
				if m, ok := item.(map[string]any); ok {
					if hasMarker(m, markers, depth+1) {
						return true
					}
				}
			}
		}
	}
	return false
}

// cloudMessage digs out entry[0].changes[0].value.messages[0] when the
// event uses the Cloud-API envelope.
func cloudMessage(raw map[string]any) (map[string]any, bool) {
	entry, ok := firstOfArray(raw, "entry")
	if !ok {
		return nil, false
	}
	change, ok := firstOfArray(entry, "changes")
	if !ok {
		return nil, false
	}
	value, ok := mapAt(change, "value")
	if !ok {
		return nil, false
	}
	return firstOfArray(value, "messages")
}

// --- small lookup helpers ---

func lookupFold(m map[string]any, key string) (any, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	// aliases are declared without separators; match snake_case too
	folded := strings.ReplaceAll(key, "_", "")
	for k, v := range m {
		if strings.EqualFold(strings.ReplaceAll(k, "_", ""), folded) {
			return v, true
		}
	}
	return nil, false
}

func mapAt(m map[string]any, key string) (map[string]any, bool) {
	v, ok := lookupFold(m, key)
	if !ok {
		return nil, false
	}
	child, ok := v.(map[string]any)
	return child, ok
}

func stringAt(m map[string]any, key string) (string, bool) {
	v, ok := lookupFold(m, key)
	if !ok {
		return "", false
	}
	return scalarString(v)
}

func firstOfArray(m map[string]any, key string) (map[string]any, bool) {
	v, ok := lookupFold(m, key)
	if !ok {
		return nil, false
	}
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, false
	}
	item, ok := arr[0].(map[string]any)
	return item, ok
}

func scalarString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(val, 10), true
	}
	return "", false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
