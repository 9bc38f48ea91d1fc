package normalize

import (
	"strings"

	"zapbot/internal/domain"
)

// ExtractContact parses a shared contact card out of the event, either
// as a structured contact array or as vCard text. Independent of the
// text/kind extraction: a contact may ride along with any kind.
func ExtractContact(raw map[string]any) *domain.Contact {
	if raw == nil {
		return nil
	}
	if c := structuredContact(raw, 0); c != nil {
		return c
	}
	if s := findVCardText(raw, 0); s != "" {
		return parseVCard(s)
	}
	return nil
}

// structuredContact handles the two structured shapes seen in the
// wild: a "contacts" array of {name, phones[]/wa_id} objects, and a
// contactMessage object carrying displayName plus an inline vcard.
func structuredContact(node map[string]any, depth int) *domain.Contact {
	if depth > maxDepth {
		return nil
	}

	if item, ok := firstOfArray(node, "contacts"); ok {
		c := &domain.Contact{}
		if name, ok := mapAt(item, "name"); ok {
			c.Name, _ = stringAt(name, "formatted_name")
			if c.Name == "" {
				c.Name, _ = stringAt(name, "first_name")
			}
		}
		if c.Name == "" {
			c.Name, _ = stringAt(item, "displayname")
		}
		if phone, ok := firstOfArray(item, "phones"); ok {
			if p, ok := stringAt(phone, "wa_id"); ok && p != "" {
				c.Phone = Digits(p)
			} else if p, ok := stringAt(phone, "phone"); ok {
				c.Phone = Digits(p)
			}
		}
		if c.Phone == "" {
			if p, ok := stringAt(item, "wa_id"); ok {
				c.Phone = Digits(p)
			}
		}
		if c.Name != "" || c.Phone != "" {
			return c
		}
	}

	if cm, ok := mapAt(node, "contactmessage"); ok {
		c := &domain.Contact{}
		c.Name, _ = stringAt(cm, "displayname")
		if v, ok := stringAt(cm, "vcard"); ok {
			if parsed := parseVCard(v); parsed != nil {
				if c.Name == "" {
					c.Name = parsed.Name
				}
				c.Phone = parsed.Phone
			}
		}
		if c.Name != "" || c.Phone != "" {
			return c
		}
	}

	for _, k := range sortedKeys(node) {
		if child, ok := node[k].(map[string]any); ok {
			if c := structuredContact(child, depth+1); c != nil {
				return c
			}
		}
	}
	return nil
}

func findVCardText(node map[string]any, depth int) string {
	if depth > maxDepth {
		return ""
	}
	for _, k := range sortedKeys(node) {
		switch v := node[k].(type) {
		case string:
			if strings.Contains(v, "BEGIN:VCARD") {
				return v
			}
		case map[string]any:
			if s := findVCardText(v, depth+1); s != "" {
				return s
			}
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok && strings.Contains(s, "BEGIN:VCARD") {
					return s
				}
				if m, ok := item.(map[string]any); ok {
					if s := findVCardText(m, depth+1); s != "" {
						return s
					}
				}
			}
		}
	}
	return ""
}

// parseVCard pulls {name, phone} out of vCard text. The waid parameter
// wins over the TEL value itself when present.
func parseVCard(s string) *domain.Contact {
	c := &domain.Contact{}
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "FN:"):
			c.Name = strings.TrimSpace(strings.TrimPrefix(line, "FN:"))
		case strings.HasPrefix(line, "N:") && c.Name == "":
			parts := strings.Split(strings.TrimPrefix(line, "N:"), ";")
			var fields []string
			for i := len(parts) - 1; i >= 0; i-- {
				if p := strings.TrimSpace(parts[i]); p != "" {
					fields = append(fields, p)
				}
			}
			c.Name = strings.Join(fields, " ")
		case strings.HasPrefix(strings.ToUpper(line), "TEL") && c.Phone == "":
			if idx := strings.Index(line, "waid="); idx >= 0 {
				rest := line[idx+len("waid="):]
				if end := strings.IndexAny(rest, ":;"); end >= 0 {
					rest = rest[:end]
				}
				c.Phone = Digits(rest)
			}
			if c.Phone == "" {
				if idx := strings.LastIndex(line, ":"); idx >= 0 {
					c.Phone = Digits(line[idx+1:])
				}
			}
		}
	}
	if c.Name == "" && c.Phone == "" {
		return nil
	}
	return c
}
