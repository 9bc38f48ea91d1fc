package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"zapbot/internal/agent"
	"zapbot/internal/aggregate"
	"zapbot/internal/channel"
	"zapbot/internal/config"
	"zapbot/internal/handoff"
	"zapbot/internal/pace"
	"zapbot/internal/persona"
	"zapbot/internal/provider"
	"zapbot/internal/session"
	"zapbot/internal/transport"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	// .env is optional; config values reference its variables via ${VAR}
	_ = godotenv.Load()

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "zapbot",
		Short:   "ZapBot: webhook-driven WhatsApp conversational agent",
		Long:    "ZapBot receives WhatsApp gateway webhooks, consolidates bursts of messages into turns, and answers through an LLM tool loop with human-like send pacing.",
		Version: version,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.zapbot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// buildLogger honors general.logLevel and general.logFile.
func buildLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Warn("cannot open log file, logging to stderr", "path", cfg.General.LogFile, "err", err)
		} else {
			w = io.MultiWriter(os.Stderr, f)
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists: %s", cfgPath)
			}
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			cfg.Gateway.BaseURL = "${ZAPBOT_GATEWAY_URL}"
			cfg.LLM.APIKey = "${ZAPBOT_LLM_KEY}"
			cfg.Whisper.APIKey = "${ZAPBOT_LLM_KEY}"
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			logger.Info("set ZAPBOT_GATEWAY_URL and ZAPBOT_LLM_KEY (env or .env), then run: zapbot gateway")
			return nil
		},
	}
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the webhook gateway and conversation engine",
		Long:  "Starts the inbound webhook server, the debounce aggregator, and the LLM conversation driver. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger = buildLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := session.NewSQLiteStore(cfg.Session.DBPath, logger)
	if err != nil {
		return fmt.Errorf("session store: %w", err)
	}
	defer store.Close()

	gateway := transport.New(transport.Config{
		BaseURL: cfg.Gateway.BaseURL,
		Token:   cfg.Gateway.Token,
		Paths: transport.Paths{
			Text:     cfg.Gateway.TextPaths,
			Menu:     cfg.Gateway.MenuPaths,
			Media:    cfg.Gateway.MediaPaths,
			Typing:   cfg.Gateway.TypingPaths,
			Download: cfg.Gateway.DownloadPaths,
		},
		Logger: logger,
	})

	prov := provider.NewOpenAI(provider.OpenAIConfig{
		APIKey:  cfg.LLM.APIKey,
		APIBase: cfg.LLM.APIBase,
		Model:   cfg.LLM.Model,
		Client:  provider.SharedHTTPClient(time.Duration(cfg.LLM.TimeoutSeconds) * time.Second),
		Logger:  logger,
	})
	if err := prov.Healthy(ctx); err != nil {
		logger.Warn("llm provider unhealthy at startup", "err", err)
	} else {
		logger.Info("llm provider healthy", "model", cfg.LLM.Model)
	}

	var transcriber *provider.Whisper
	if cfg.Whisper.Enabled {
		transcriber = provider.NewWhisper(provider.WhisperConfig{
			APIBase:  cfg.Whisper.APIBase,
			APIKey:   cfg.Whisper.APIKey,
			Model:    cfg.Whisper.Model,
			Language: cfg.Whisper.Language,
			Logger:   logger,
		})
	} else {
		logger.Info("transcription disabled, audio messages get the text fallback")
	}

	pers := persona.Default()
	if cfg.Persona.Path != "" {
		pers, err = persona.Load(cfg.Persona.Path, logger)
		if err != nil {
			logger.Warn("persona file unusable, continuing with defaults", "path", cfg.Persona.Path, "err", err)
		}
	}

	var notifier handoff.Notifier = handoff.Nop{Logger: logger}
	if cfg.Handoff.TelegramToken != "" {
		tg, err := handoff.NewTelegram(handoff.TelegramConfig{
			Token:  cfg.Handoff.TelegramToken,
			ChatID: cfg.Handoff.TelegramChatID,
			Logger: logger,
		})
		if err != nil {
			logger.Warn("telegram notifier unavailable, handoffs will be logged only", "err", err)
		} else {
			notifier = tg
		}
	}

	pacer := pace.New(pace.Config{
		MinInterval:    time.Duration(cfg.Pace.MinIntervalMs) * time.Millisecond,
		MinDelay:       time.Duration(cfg.Pace.MinDelayMs) * time.Millisecond,
		MaxDelay:       time.Duration(cfg.Pace.MaxDelayMs) * time.Millisecond,
		MenuDedup:      time.Duration(cfg.Pace.MenuDedupWindowMs) * time.Millisecond,
		FallbackPrompt: pers.FallbackPrompt,
		Transport:      gateway,
		Store:          store,
		Logger:         logger,
	})

	driverCfg := agent.Config{
		Provider:      prov,
		Transport:     gateway,
		Store:         store,
		Out:           pacer,
		Notifier:      notifier,
		Persona:       pers,
		Logger:        logger,
		MaxIterations: cfg.General.MaxIterations,
		HistoryLimit:  cfg.Session.HistoryLimit,
		Model:         cfg.LLM.Model,
	}
	if transcriber != nil {
		driverCfg.Transcriber = transcriber
	}
	driver := agent.New(driverCfg)

	agg := aggregate.New(aggregate.Config{
		Window:        time.Duration(cfg.Aggregate.WindowMs) * time.Millisecond,
		BufferButtons: cfg.Aggregate.BufferButtons,
		Handler:       driver.HandleTurn,
		Logger:        logger,
	})
	agg.SetContext(ctx)
	defer agg.Shutdown()

	webhook := channel.NewWebhook(channel.WebhookConfig{
		Port:   cfg.Webhook.Port,
		Path:   cfg.Webhook.Path,
		Sink:   agg,
		Logger: logger,
	})

	logger.Info("gateway started", "version", version, "port", cfg.Webhook.Port)
	return webhook.Start(ctx)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check config and collaborator health",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false, "err", err)
				return nil
			}
			logger.Info("config", "path", cfgPath, "loaded", true)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.Gateway.BaseURL, nil)
			if err != nil {
				logger.Info("gateway", "baseUrl", cfg.Gateway.BaseURL, "reachable", false, "err", err)
			} else if resp, err := http.DefaultClient.Do(req); err != nil {
				logger.Info("gateway", "baseUrl", cfg.Gateway.BaseURL, "reachable", false, "err", err)
			} else {
				resp.Body.Close()
				logger.Info("gateway", "baseUrl", cfg.Gateway.BaseURL, "reachable", true, "status", resp.StatusCode)
			}

			prov := provider.NewOpenAI(provider.OpenAIConfig{
				APIKey:  cfg.LLM.APIKey,
				APIBase: cfg.LLM.APIBase,
				Model:   cfg.LLM.Model,
				Logger:  logger,
			})
			if err := prov.Healthy(ctx); err != nil {
				logger.Info("llm", "model", cfg.LLM.Model, "healthy", false, "err", err)
			} else {
				logger.Info("llm", "model", cfg.LLM.Model, "healthy", true)
			}

			if _, err := os.Stat(cfg.Session.DBPath); err == nil {
				logger.Info("sessions", "db", cfg.Session.DBPath, "present", true)
			} else {
				logger.Info("sessions", "db", cfg.Session.DBPath, "present", false)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. pace.minIntervalMs)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. aggregate.windowMs 5000)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
