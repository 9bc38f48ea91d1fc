package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// asTree round-trips the config through JSON so dot-path operations
// work on the same key names the config file uses.
func asTree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromTree(m map[string]any, cfg *Config) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

// GetByPath reads a value by dot-notation path, e.g. "pace.minIntervalMs".
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := asTree(cfg)
	if err != nil {
		return nil, err
	}

	var current any = m
	for _, key := range strings.Split(path, ".") {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot traverse into %T at %s", current, key)
		}
		current, ok = node[key]
		if !ok {
			return nil, fmt.Errorf("key not found: %s", path)
		}
	}
	return current, nil
}

// SetByPath writes a value by dot-notation path, creating intermediate
// objects as needed, and re-applies the tree to cfg.
func SetByPath(cfg *Config, path string, value any) error {
	m, err := asTree(cfg)
	if err != nil {
		return err
	}

	keys := strings.Split(path, ".")
	if len(keys) == 0 || keys[0] == "" {
		return fmt.Errorf("empty path")
	}

	node := m
	for _, key := range keys[:len(keys)-1] {
		child, ok := node[key]
		if !ok {
			next := make(map[string]any)
			node[key] = next
			node = next
			continue
		}
		node, ok = child.(map[string]any)
		if !ok {
			return fmt.Errorf("cannot traverse into %T at %s", child, key)
		}
	}
	node[keys[len(keys)-1]] = parseValue(value)

	return fromTree(m, cfg)
}

// parseValue coerces CLI string arguments into bool/int/float where
// they parse as such.
func parseValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// Sanitize returns a deep copy with credential fields masked, for
// `config list` output and logs.
func Sanitize(cfg *Config) *Config {
	m, err := asTree(cfg)
	if err != nil {
		return cfg
	}
	var out Config
	if err := fromTree(m, &out); err != nil {
		return cfg
	}

	out.LLM.APIKey = maskString(out.LLM.APIKey)
	out.Whisper.APIKey = maskString(out.Whisper.APIKey)
	out.Gateway.Token = maskString(out.Gateway.Token)
	out.Handoff.TelegramToken = maskString(out.Handoff.TelegramToken)
	return &out
}

// maskString keeps the first and last 4 chars of long secrets so they
// stay recognizable in output. Empty stays empty.
func maskString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths flattens the config into path -> value pairs.
func ListPaths(cfg *Config) map[string]any {
	m, err := asTree(cfg)
	if err != nil {
		return nil
	}
	result := make(map[string]any)
	flattenInto("", m, result)
	return result
}

func flattenInto(prefix string, m map[string]any, result map[string]any) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			flattenInto(path, child, result)
			continue
		}
		result[path] = v
	}
}
