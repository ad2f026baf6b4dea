package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const (
	castellanDir = ".castellan"
	configFile   = "config.json"
)

// envVarPattern matches ${VAR_NAME} references in string values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Dir returns the default configuration directory (~/.castellan).
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home directory: %w", err)
	}
	return filepath.Join(home, castellanDir), nil
}

// Load reads <dir>/config.json, resolves ${VAR} references, applies
// defaults, and validates. An empty dir means ~/.castellan. A missing file
// is not an error; Default() is returned with DataDir set.
func Load(dir string) (*Config, error) {
	if dir == "" {
		var err error
		dir, err = Dir()
		if err != nil {
			return nil, err
		}
	}

	cfg := Default()
	path := filepath.Join(dir, configFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		resolved := resolveEnvVars(string(data))
		if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyDefaults(cfg, dir)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// resolveEnvVars replaces all ${VAR_NAME} patterns in s with the
// corresponding environment variable values. Unset variables resolve to "".
func resolveEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1] // strip ${ and }
		return os.Getenv(varName)
	})
}

// applyDefaults fills zero values so the rest of the process never has to
// special-case an unset knob.
func applyDefaults(cfg *Config, dir string) {
	def := Default()
	if cfg.DataDir == "" {
		cfg.DataDir = dir
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = def.ListenAddr
	}
	if cfg.Queue.PauseMs == 0 {
		cfg.Queue.PauseMs = def.Queue.PauseMs
	}
	if cfg.Queue.DefaultTimeoutMs == 0 {
		cfg.Queue.DefaultTimeoutMs = def.Queue.DefaultTimeoutMs
	}
	if cfg.Discussion.Rounds == 0 {
		cfg.Discussion.Rounds = def.Discussion.Rounds
	}
	if cfg.Discussion.TruncateAt == 0 {
		cfg.Discussion.TruncateAt = def.Discussion.TruncateAt
	}
	if cfg.Discussion.TimeoutMs == 0 {
		cfg.Discussion.TimeoutMs = def.Discussion.TimeoutMs
	}
	if cfg.Confirmation.Mode == "" {
		cfg.Confirmation.Mode = def.Confirmation.Mode
	}
	if cfg.Confirmation.HubAddr == "" {
		cfg.Confirmation.HubAddr = def.Confirmation.HubAddr
	}
	if cfg.Confirmation.AnswerTimeoutMs == 0 {
		cfg.Confirmation.AnswerTimeoutMs = def.Confirmation.AnswerTimeoutMs
	}
}

// validate collects every problem so the user can fix them all at once.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Backends.ModelServer != nil && cfg.Backends.ModelServer.BaseURL == "" {
		errs = append(errs, "backends.modelServer.baseURL is required")
	}
	seen := make(map[string]bool)
	for i, a := range cfg.Backends.Assistants {
		if a.ID == "" {
			errs = append(errs, fmt.Sprintf("backends.assistants[%d].id is required", i))
		} else if seen[a.ID] {
			errs = append(errs, fmt.Sprintf("backends.assistants[%d]: duplicate id %q", i, a.ID))
		}
		seen[a.ID] = true
		if a.Binary == "" {
			errs = append(errs, fmt.Sprintf("backends.assistants[%d].binary is required", i))
		}
	}

	switch cfg.Confirmation.Mode {
	case ModeTerminal, ModeHub:
	default:
		errs = append(errs, fmt.Sprintf("confirmation.mode must be %q or %q, got %q",
			ModeTerminal, ModeHub, cfg.Confirmation.Mode))
	}

	if cfg.Queue.PauseMs < 0 {
		errs = append(errs, "queue.pauseMs cannot be negative")
	}
	if cfg.Discussion.Rounds < 0 {
		errs = append(errs, "discussion.rounds cannot be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid fields:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
