package config

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

var defaultModels = map[string]string{
	"anthropic": "claude-sonnet-4-5",
	"openai":    "gpt-4o-mini",
	"gemini":    "gemini-2.0-flash",
}

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and prompting on out
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run asks for one provider profile and the logging level. base is the
// configuration being edited; nil starts from the defaults.
func (w *Wizard) Run(base *Config) (*Config, error) {
	fmt.Fprintln(w.out, "=== Sleuth Configuration Wizard ===")
	fmt.Fprintln(w.out)

	cfg := base
	if cfg == nil {
		cfg = DefaultConfig()
	}
	validator := NewValidator()

	var provider string
	for {
		answer, err := w.ask("Provider (anthropic/openai/gemini) [anthropic]: ")
		if err != nil {
			return nil, err
		}
		if answer == "" {
			answer = "anthropic"
		}
		if err := validator.ValidateProvider(answer); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		provider = answer
		break
	}

	var key string
	for {
		answer, err := w.ask(fmt.Sprintf("%s API Key: ", provider))
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateAPIKey(answer, provider); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		key = answer
		break
	}

	model, err := w.ask(fmt.Sprintf("Model [%s]: ", defaultModels[provider]))
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = defaultModels[provider]
	}

	profile := AIProfile{
		ID:       provider,
		Provider: provider,
		Model:    model,
		APIKey:   key,
	}
	replaced := false
	for i, p := range cfg.AI.Profiles {
		if p.ID == profile.ID {
			profile.Priority = p.Priority
			cfg.AI.Profiles[i] = profile
			replaced = true
			break
		}
	}
	if !replaced {
		profile.Priority = len(cfg.AI.Profiles)
		cfg.AI.Profiles = append(cfg.AI.Profiles, profile)
	}
	if cfg.AI.DefaultProfile == "" {
		cfg.AI.DefaultProfile = profile.ID
	}

	fmt.Fprintln(w.out)

	level, err := w.ask(fmt.Sprintf("Log level (debug/info/warn/error) [%s]: ", cfg.Logging.Level))
	if err != nil {
		return nil, err
	}
	if level != "" {
		if err := validator.ValidateLogLevel(level); err != nil {
			fmt.Fprintf(w.out, "Warning: %v, keeping %s\n", err, cfg.Logging.Level)
		} else {
			cfg.Logging.Level = level
		}
	}

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")

	return cfg, nil
}

func (w *Wizard) ask(prompt string) (string, error) {
	fmt.Fprint(w.out, prompt)
	line, err := w.reader.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
