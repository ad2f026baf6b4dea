// Package config handles loading and validation of the castellan
// configuration file at ~/.castellan/config.json.
package config

import "path/filepath"

// Config is the full on-disk configuration. Every field has a working
// default; a missing config file yields Default().
type Config struct {
	// DataDir holds the encrypted registry, the audit log, the secret key,
	// and the history database. Defaults to the config directory itself.
	DataDir string `json:"dataDir,omitempty"`

	// ListenAddr is the local address the facade API listens on.
	ListenAddr string `json:"listenAddr,omitempty"`

	Backends     Backends     `json:"backends"`
	Queue        Queue        `json:"queue"`
	Discussion   Discussion   `json:"discussion"`
	Confirmation Confirmation `json:"confirmation"`
}

// Backends declares the execution backends to register at startup.
type Backends struct {
	ModelServer *ModelServer   `json:"modelServer,omitempty"`
	Commands    *Commands      `json:"commands,omitempty"`
	Assistants  []CLIAssistant `json:"assistants,omitempty"`
}

// ModelServer points at the local model server's HTTP API.
type ModelServer struct {
	BaseURL      string `json:"baseURL"`
	DefaultModel string `json:"defaultModel,omitempty"`
}

// Commands configures the desktop command-executor backend.
type Commands struct {
	WorkDir string `json:"workDir,omitempty"`
}

// CLIAssistant configures one CLI-assistant backend.
type CLIAssistant struct {
	ID      string   `json:"id"`
	Binary  string   `json:"binary"`
	WorkDir string   `json:"workDir,omitempty"`
	Args    []string `json:"args,omitempty"`
}

// Queue tunes the per-backend request queues.
type Queue struct {
	PauseMs          int `json:"pauseMs,omitempty"`          // delay between dequeues, default 50
	DefaultTimeoutMs int `json:"defaultTimeoutMs,omitempty"` // per-request fallback, default 120000
}

// Discussion sets the collaboration defaults a request can override.
type Discussion struct {
	Rounds     int `json:"rounds,omitempty"`     // default 1
	TruncateAt int `json:"truncateAt,omitempty"` // summary truncation, default 2000
	TimeoutMs  int `json:"timeoutMs,omitempty"`  // per-backend call, default 120000
}

// Confirmation selects how pending confirmations reach the user.
type Confirmation struct {
	// Mode is "terminal" or "hub". Default "terminal".
	Mode string `json:"mode,omitempty"`
	// HubAddr is the local listen address for the confirmation hub.
	HubAddr string `json:"hubAddr,omitempty"`
	// AnswerTimeoutMs bounds how long a hub prompt waits, default 60000.
	AnswerTimeoutMs int `json:"answerTimeoutMs,omitempty"`
}

const (
	ModeTerminal = "terminal"
	ModeHub      = "hub"
)

// Default returns the configuration used when no file exists: terminal
// confirmations, no backends, conservative timeouts.
func Default() *Config {
	return &Config{
		ListenAddr:   "127.0.0.1:7340",
		Queue:        Queue{PauseMs: 50, DefaultTimeoutMs: 120_000},
		Discussion:   Discussion{Rounds: 1, TruncateAt: 2000, TimeoutMs: 120_000},
		Confirmation: Confirmation{Mode: ModeTerminal, HubAddr: "127.0.0.1:7341", AnswerTimeoutMs: 60_000},
	}
}

// RegistryPath returns where the encrypted agent registry lives.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.DataDir, "agents.enc")
}

// AuditPath returns where the encrypted audit log lives.
func (c *Config) AuditPath() string {
	return filepath.Join(c.DataDir, "audit.log")
}

// KeyPath returns where the secret key lives.
func (c *Config) KeyPath() string {
	return filepath.Join(c.DataDir, "secret.key")
}

// HistoryPath returns where the collaboration history database lives.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.DataDir, "history.db")
}
