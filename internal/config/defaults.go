package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:      "info",
			MaxIterations: 8,
		},
		LLM: LLMConfig{
			APIBase:        "https://api.openai.com/v1",
			Model:          "gpt-4o-mini",
			TimeoutSeconds: 120,
		},
		Whisper: WhisperConfig{
			Enabled:  true,
			APIBase:  "https://api.openai.com/v1",
			Model:    "whisper-1",
			Language: "pt",
		},
		Gateway: GatewayConfig{},
		Webhook: WebhookConfig{
			Port: 8080,
			Path: "/webhook",
		},
		Aggregate: AggregateConfig{
			WindowMs:      7000,
			BufferButtons: false,
		},
		Pace: PaceConfig{
			MinIntervalMs:     4000,
			MinDelayMs:        1500,
			MaxDelayMs:        3500,
			MenuDedupWindowMs: 120000,
		},
		Session: SessionConfig{
			DBPath:       "~/.zapbot/sessions.db",
			HistoryLimit: 30,
		},
		Persona: PersonaConfig{},
		Handoff: HandoffConfig{},
	}
}
