// Package config loads the JSON configuration file, expanding ${VAR}
// and ${VAR:-default} environment references before parsing.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration.
type Config struct {
	General   GeneralConfig   `json:"general"`
	LLM       LLMConfig       `json:"llm"`
	Whisper   WhisperConfig   `json:"whisper"`
	Gateway   GatewayConfig   `json:"gateway"`
	Webhook   WebhookConfig   `json:"webhook"`
	Aggregate AggregateConfig `json:"aggregate"`
	Pace      PaceConfig      `json:"pace"`
	Session   SessionConfig   `json:"session"`
	Persona   PersonaConfig   `json:"persona"`
	Handoff   HandoffConfig   `json:"handoff"`
}

type GeneralConfig struct {
	LogLevel      string `json:"logLevel"`
	LogFile       string `json:"logFile,omitempty"`
	MaxIterations int    `json:"maxIterations"` // LLM tool-loop cap per turn
}

// LLMConfig points at an OpenAI-compatible chat API.
type LLMConfig struct {
	APIBase        string `json:"apiBase"`
	APIKey         string `json:"apiKey,omitempty"`
	Model          string `json:"model"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// WhisperConfig points at an OpenAI-compatible transcription API.
type WhisperConfig struct {
	Enabled  bool   `json:"enabled"`
	APIBase  string `json:"apiBase"`
	APIKey   string `json:"apiKey,omitempty"`
	Model    string `json:"model"`
	Language string `json:"language"`
}

// GatewayConfig is the outbound WhatsApp gateway. Candidate endpoint
// paths are tried in order; empty lists use built-in defaults.
type GatewayConfig struct {
	BaseURL       string   `json:"baseUrl"`
	Token         string   `json:"token,omitempty"`
	TextPaths     []string `json:"textPaths,omitempty"`
	MenuPaths     []string `json:"menuPaths,omitempty"`
	MediaPaths    []string `json:"mediaPaths,omitempty"`
	TypingPaths   []string `json:"typingPaths,omitempty"`
	DownloadPaths []string `json:"downloadPaths,omitempty"`
}

type WebhookConfig struct {
	Port int    `json:"port"`
	Path string `json:"path"`
}

type AggregateConfig struct {
	WindowMs      int  `json:"windowMs"`
	BufferButtons bool `json:"bufferButtons"`
}

type PaceConfig struct {
	MinIntervalMs     int `json:"minIntervalMs"`
	MinDelayMs        int `json:"minDelayMs"`
	MaxDelayMs        int `json:"maxDelayMs"`
	MenuDedupWindowMs int `json:"menuDedupWindowMs"`
}

type SessionConfig struct {
	DBPath       string `json:"dbPath"`
	HistoryLimit int    `json:"historyLimit"`
}

type PersonaConfig struct {
	Path string `json:"path,omitempty"`
}

// HandoffConfig is the operator side-channel. Empty token disables
// notifications (handoffs are logged only).
type HandoffConfig struct {
	TelegramToken  string `json:"telegramToken,omitempty"`
	TelegramChatID int64  `json:"telegramChatId,omitempty"`
}

// DefaultConfigDir returns the default config directory (~/.zapbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".zapbot"
	}
	return filepath.Join(home, ".zapbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Session.DBPath = ExpandPath(cfg.Session.DBPath)
	cfg.Persona.Path = ExpandPath(cfg.Persona.Path)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.MaxIterations < 1 || cfg.General.MaxIterations > 50 {
		errs = append(errs, "general.maxIterations must be between 1 and 50")
	}
	if cfg.Webhook.Port < 0 || cfg.Webhook.Port > 65535 {
		errs = append(errs, "webhook.port must be between 0 and 65535")
	}
	if cfg.Aggregate.WindowMs < 100 {
		errs = append(errs, "aggregate.windowMs must be >= 100")
	}
	if cfg.Pace.MinIntervalMs < 0 {
		errs = append(errs, "pace.minIntervalMs must be >= 0")
	}
	if cfg.Pace.MaxDelayMs < cfg.Pace.MinDelayMs {
		errs = append(errs, "pace.maxDelayMs must be >= pace.minDelayMs")
	}
	if cfg.Pace.MenuDedupWindowMs < 0 {
		errs = append(errs, "pace.menuDedupWindowMs must be >= 0")
	}
	if cfg.Session.HistoryLimit < 1 {
		errs = append(errs, "session.historyLimit must be >= 1")
	}
	if cfg.LLM.APIBase == "" {
		errs = append(errs, "llm.apiBase is required")
	}
	if cfg.Gateway.BaseURL == "" {
		errs = append(errs, "gateway.baseUrl is required")
	}
	if cfg.Handoff.TelegramToken != "" && cfg.Handoff.TelegramChatID == 0 {
		errs = append(errs, "handoff.telegramChatId is required when telegramToken is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
