package normalize

import (
	"regexp"
	"strings"
)

// Explicit locations checked before falling back to the recursive
// scan. Order matters; first plausible hit wins.
var explicitIDPaths = [][]string{
	{"key", "id"},
	{"data", "key", "id"},
	{"message", "key", "id"},
	{"messageid"},
	{"data", "messageid"},
}

// Gateway envelope ids are RFC-4122 UUIDs; WhatsApp message ids are
// not, so a UUID below the root is structurally implausible.
var uuidPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

const minIDLen = 16

// MessageID recovers the provider message identifier used for media
// download. It checks the explicit paths first, then scans the tree
// for the first key.id or flat id below the root. The root's own "id"
// and "data.id" are envelope identifiers and never accepted.
//
// The recursive rule is a heuristic with no formal precedence across
// payload shapes nesting multiple plausible ids; it is deliberately
// not strengthened beyond what the explicit paths pin down.
func MessageID(raw map[string]any) string {
	if raw == nil {
		return ""
	}
	for _, path := range explicitIDPaths {
		if s, ok := stringAtPath(raw, path); ok && plausibleMessageID(s) {
			return s
		}
	}
	if msg, ok := cloudMessage(raw); ok {
		if s, ok := stringAt(msg, "id"); ok && plausibleMessageID(s) {
			return s
		}
	}
	return scanID(raw, 0, true)
}

// scanID walks children depth-first. At the root level the flat "id"
// is skipped; under the root's "data" object its direct "id" is
// skipped as well (tracked by the root flag staying set one level
// down for that key).
func scanID(node map[string]any, depth int, root bool) string {
	if depth > maxDepth {
		return ""
	}
	if !root {
		if key, ok := mapAt(node, "key"); ok {
			if s, ok := stringAt(key, "id"); ok && plausibleMessageID(s) {
				return s
			}
		}
		if s, ok := stringAt(node, "id"); ok && plausibleMessageID(s) {
			return s
		}
	}
	for _, k := range sortedKeys(node) {
		childRoot := root && strings.EqualFold(k, "data")
		switch child := node[k].(type) {
		case map[string]any:
			if s := scanID(child, depth+1, childRoot); s != "" {
				return s
			}
		case []any:
			for _, item := range child {
				if m, ok := item.(map[string]any); ok {
					if s := scanID(m, depth+1, false); s != "" {
						return s
					}
				}
			}
		}
	}
	return ""
}

func plausibleMessageID(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) < minIDLen {
		return false
	}
	if uuidPattern.MatchString(strings.ToLower(s)) {
		return false
	}
	return true
}

func stringAtPath(m map[string]any, path []string) (string, bool) {
	node := m
	for i, key := range path {
		if i == len(path)-1 {
			return stringAt(node, key)
		}
		next, ok := mapAt(node, key)
		if !ok {
			return "", false
		}
		node = next
	}
	return "", false
}
