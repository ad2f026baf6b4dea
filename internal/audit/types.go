package audit

import "time"

// Action enumerates the auditable events.
type Action string

const (
	// agent lifecycle
	AgentCreated Action = "created"
	AgentUpdated Action = "updated"
	AgentDeleted Action = "deleted"
	AgentCloned  Action = "cloned"
	AgentActived Action = "activated"

	// tool permission flow
	ToolRequested       Action = "tool-requested"
	ToolAllowed         Action = "tool-allowed"
	ToolDenied          Action = "tool-denied"
	ConfirmationGranted Action = "confirmation-granted"
	ConfirmationDenied  Action = "confirmation-denied"

	// configuration and persistence
	ConfigChanged      Action = "config-changed"
	RegistryLoaded     Action = "registry-loaded"
	RegistrySaveFailed Action = "registry-save-failed"
	RegistryReadFailed Action = "registry-read-failed"

	// orchestration
	CollaborationStarted Action = "collaboration-started"
	CollaborationStopped Action = "collaboration-stopped"
	CollaborationDone    Action = "collaboration-finished"
)

// Severity grades how security-relevant an entry is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Entry is one immutable audit record. One entry per observable side
// effect — no batching, no omission.
type Entry struct {
	Timestamp     time.Time `json:"ts"`
	AgentID       string    `json:"agentId,omitempty"`
	Action        Action    `json:"action"`
	ToolUsed      string    `json:"toolUsed,omitempty"`
	Details       string    `json:"details"`
	Severity      Severity  `json:"severity"`
	UserConfirmed *bool     `json:"userConfirmed,omitempty"`
}

// Confirmed returns a pointer suitable for Entry.UserConfirmed.
func Confirmed(v bool) *bool { return &v }
