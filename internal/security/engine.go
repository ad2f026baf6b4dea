package security

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/castellan-ai/castellan/internal/tools"
)

// Decision is the pure, side-effect-free result of a permission check.
type Decision struct {
	Allowed              bool   `json:"allowed"`
	RequiresConfirmation bool   `json:"requiresConfirmation"`
	Reason               string `json:"reason,omitempty"`
}

// State tracks a single tool invocation through the permission machine.
type State string

const (
	StateRequested         State = "requested"
	StateBlocked           State = "blocked"
	StateNeedsConfirmation State = "needs-confirmation"
	StateGranted           State = "granted"
	StateDenied            State = "denied"
	StateAutoAllowed       State = "auto-allowed"
)

// Authorization is the terminal outcome of Authorize: the final state,
// the underlying decision, and the user's answer when confirmation ran.
type Authorization struct {
	State         State
	Decision      Decision
	UserConfirmed *bool
}

// Proceed reports whether the invocation may be enqueued.
func (a Authorization) Proceed() bool {
	return a.State == StateGranted || a.State == StateAutoAllowed
}

// ConfirmationPrompt carries everything the user needs to answer a
// blocking yes/no question about a pending tool call.
type ConfirmationPrompt struct {
	ToolKey   string          `json:"toolKey"`
	AgentName string          `json:"agentName"`
	Risk      tools.RiskLevel `json:"risk"`
	Context   string          `json:"context,omitempty"`
}

// Confirmer presents a blocking yes/no decision to the user. A dismissal
// of any kind (timeout, closed prompt, no interactive terminal) is a
// denial.
type Confirmer interface {
	Confirm(ctx context.Context, prompt ConfirmationPrompt) bool
}

// Engine decides allow/deny/confirm for tool invocations against the
// current policy flags.
type Engine struct {
	registry  *tools.Registry
	config    *Config
	confirmer Confirmer
	log       *slog.Logger
}

// NewEngine creates a permission engine. The confirmer may be nil, in
// which case every confirmation request is treated as dismissed.
func NewEngine(registry *tools.Registry, config *Config, confirmer Confirmer, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{registry: registry, config: config, confirmer: confirmer, log: logger}
}

// Check evaluates one tool key against the registry and the current
// policy snapshot. Pure and synchronous; the caller emits the audit
// entry for the outcome.
func (e *Engine) Check(toolKey string) Decision {
	desc, ok := e.registry.Lookup(toolKey)
	if !ok {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("unknown tool %q", toolKey),
		}
	}

	snap := e.config.Snapshot()

	if desc.RiskLevel == tools.Critical && !snap.AllowCriticalTools {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("critical tools are disabled; enable allowCriticalTools to use %q", toolKey),
		}
	}
	if desc.RiskLevel == tools.Dangerous && !snap.AllowDangerousTools {
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("dangerous tools are disabled; enable allowDangerousTools to use %q", toolKey),
		}
	}

	// Admin mode suppresses per-call confirmation but never overrides
	// the risk gates above.
	requiresConfirmation := !snap.AdminMode &&
		(desc.RequiresConfirmation || snap.RequireUserConfirmation)

	return Decision{Allowed: true, RequiresConfirmation: requiresConfirmation}
}

// RequestConfirmation asks the user to approve a pending call. The
// default answer — dismissal, missing confirmer, cancelled context — is
// deny.
func (e *Engine) RequestConfirmation(ctx context.Context, prompt ConfirmationPrompt) bool {
	if e.confirmer == nil {
		e.log.Warn("no confirmer attached, denying by default",
			"tool", prompt.ToolKey, "agent", prompt.AgentName)
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	return e.confirmer.Confirm(ctx, prompt)
}

// Authorize drives one invocation through the state machine:
//
//	Requested → Blocked                              (policy gate)
//	Requested → NeedsConfirmation → Granted | Denied (user gate)
//	Requested → AutoAllowed                          (no gate applies)
//
// Blocked and Denied are terminal failures; Granted and AutoAllowed mean
// the call may be enqueued.
func (e *Engine) Authorize(ctx context.Context, toolKey, agentName, callContext string) Authorization {
	decision := e.Check(toolKey)
	if !decision.Allowed {
		return Authorization{State: StateBlocked, Decision: decision}
	}

	if !decision.RequiresConfirmation {
		return Authorization{State: StateAutoAllowed, Decision: decision}
	}

	desc, _ := e.registry.Lookup(toolKey)
	confirmed := e.RequestConfirmation(ctx, ConfirmationPrompt{
		ToolKey:   toolKey,
		AgentName: agentName,
		Risk:      desc.RiskLevel,
		Context:   callContext,
	})

	auth := Authorization{Decision: decision, UserConfirmed: &confirmed}
	if confirmed {
		auth.State = StateGranted
	} else {
		auth.State = StateDenied
		auth.Decision.Allowed = false
		auth.Decision.Reason = fmt.Sprintf("user declined confirmation for %q", toolKey)
	}
	return auth
}
