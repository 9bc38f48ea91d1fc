// Package persona loads the bot's conversational identity from a YAML
// file: the system prompt, the greeting menu, and the fixed fallback
// strings used when a collaborator fails.
package persona

import (
	"fmt"
	"log/slog"
	"os"

	"zapbot/internal/domain"

	"gopkg.in/yaml.v3"
)

// Persona is the YAML-configurable voice of the bot.
type Persona struct {
	Name         string   `yaml:"name"`
	SystemPrompt string   `yaml:"system_prompt"`
	Greeting     MenuSpec `yaml:"greeting_menu"`

	// fixed degradation strings
	Apology        string `yaml:"apology"`
	AudioFallback  string `yaml:"audio_fallback"`
	FallbackPrompt string `yaml:"fallback_prompt"`
}

type MenuSpec struct {
	Title   string   `yaml:"title"`
	Text    string   `yaml:"text"`
	Choices []string `yaml:"choices"`
	Footer  string   `yaml:"footer"`
}

func (m MenuSpec) Menu() domain.Menu {
	return domain.Menu{Title: m.Title, Text: m.Text, Choices: m.Choices, Footer: m.Footer}
}

// Default is the built-in PT-BR persona used when no file is
// configured or the configured file is unreadable.
func Default() Persona {
	return Persona{
		Name: "Atendente",
		SystemPrompt: "Você é um atendente virtual simpático e objetivo que conversa " +
			"por WhatsApp em português brasileiro. Responda de forma curta e natural, " +
			"uma ideia por mensagem. Use as ferramentas disponíveis para enviar " +
			"mensagens, menus de opções, ou transferir para um atendente humano " +
			"quando o cliente pedir ou quando você não souber ajudar.",
		Greeting: MenuSpec{
			Title:   "Menu",
			Text:    "Olá! Como posso ajudar? Escolha uma opção:",
			Choices: []string{"Falar sobre planos", "Suporte", "Falar com um atendente"},
			Footer:  "responda com o número da opção",
		},
		Apology:        "Desculpe, estou com uma instabilidade no momento. Pode tentar de novo em instantes?",
		AudioFallback:  "Não consegui ouvir seu áudio direito. Pode escrever sua mensagem?",
		FallbackPrompt: "Como posso ajudar?",
	}
}

// Load reads a persona file, filling missing fields from Default().
// A missing path is not an error; the defaults carry the bot.
func Load(path string, logger *slog.Logger) (Persona, error) {
	p := Default()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Warn("persona file not found, using defaults", "path", path)
			return p, nil
		}
		return p, fmt.Errorf("read persona file: %w", err)
	}

	var loaded Persona
	if err := yaml.Unmarshal(data, &loaded); err != nil {
		return p, fmt.Errorf("parse persona file %s: %w", path, err)
	}

	merge(&p, loaded)
	logger.Info("persona loaded", "name", p.Name, "path", path)
	return p, nil
}

func merge(dst *Persona, src Persona) {
	if src.Name != "" {
		dst.Name = src.Name
	}
	if src.SystemPrompt != "" {
		dst.SystemPrompt = src.SystemPrompt
	}
	if len(src.Greeting.Choices) > 0 {
		dst.Greeting = src.Greeting
	}
	if src.Apology != "" {
		dst.Apology = src.Apology
	}
	if src.AudioFallback != "" {
		dst.AudioFallback = src.AudioFallback
	}
	if src.FallbackPrompt != "" {
		dst.FallbackPrompt = src.FallbackPrompt
	}
}
