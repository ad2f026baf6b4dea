// Package agentstore manages agent definitions: validation, CRUD, the
// active-agent pointer, and the versioned encrypted registry document.
package agentstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/castellan-ai/castellan/internal/tools"
)

// registryVersion is the current registry document format.
const registryVersion = 1

// SecurityLevel grades how much latitude an agent gets.
type SecurityLevel string

const (
	LevelRestricted SecurityLevel = "restricted"
	LevelNormal     SecurityLevel = "normal"
	LevelElevated   SecurityLevel = "elevated"
)

// Policy is the per-agent safety configuration.
type Policy struct {
	CensorshipMode         string        `json:"censorshipMode,omitempty"`
	AllowTools             bool          `json:"allowTools"`
	SecurityLevel          SecurityLevel `json:"securityLevel"`
	RequireConfirmationFor []string      `json:"requireConfirmationFor"`
	AuditAllActions        bool          `json:"auditAllActions"`
}

// ConfirmationFor reports whether the policy demands confirmation for
// the given risk level, on top of whatever the global config requires.
func (p Policy) ConfirmationFor(level tools.RiskLevel) bool {
	for _, name := range p.RequireConfirmationFor {
		if tools.ParseRiskLevel(name) == level {
			return true
		}
	}
	return false
}

// Metadata tracks who made the agent and how it has been used.
type Metadata struct {
	Creator    string     `json:"creator,omitempty"`
	UsageCount int        `json:"usageCount"`
	LastUsed   *time.Time `json:"lastUsed,omitempty"`
}

// Agent binds a model, a system prompt, and a permitted tool set under a
// stable identity.
type Agent struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Model        string    `json:"model"`
	SystemPrompt string    `json:"systemPrompt"`
	Tools        []string  `json:"tools"`
	Policy       Policy    `json:"policy"`
	Metadata     Metadata  `json:"metadata"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Registry is the versioned persisted document. Exactly one exists per
// installation.
type Registry struct {
	Version       int              `json:"version"`
	Agents        map[string]Agent `json:"agents"`
	ActiveAgentID string           `json:"activeAgentId,omitempty"`
	LastModified  time.Time        `json:"lastModified"`
}

func newRegistry() *Registry {
	return &Registry{Version: registryVersion, Agents: make(map[string]Agent)}
}

// Input carries the caller-supplied fields for create and clone.
type Input struct {
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	SystemPrompt string   `json:"systemPrompt"`
	Tools        []string `json:"tools"`
	Policy       *Policy  `json:"policy,omitempty"`
	Creator      string   `json:"creator,omitempty"`
}

// Patch carries partial updates; nil fields are left unchanged.
type Patch struct {
	Name         *string   `json:"name,omitempty"`
	Model        *string   `json:"model,omitempty"`
	SystemPrompt *string   `json:"systemPrompt,omitempty"`
	Tools        *[]string `json:"tools,omitempty"`
	Policy       *Policy   `json:"policy,omitempty"`
}

// ValidationError reports every problem found in one pass so the caller
// can fix them all at once. A non-empty BlockedTools fails the whole
// operation: blocked tools are rejected, never silently dropped.
type ValidationError struct {
	Problems     []string `json:"problems,omitempty"`
	BlockedTools []string `json:"blockedTools,omitempty"`
}

func (e *ValidationError) Error() string {
	parts := append([]string{}, e.Problems...)
	if len(e.BlockedTools) > 0 {
		parts = append(parts, fmt.Sprintf("tools blocked by current security config: %s",
			strings.Join(e.BlockedTools, ", ")))
	}
	return "invalid agent: " + strings.Join(parts, "; ")
}

// defaultPolicy returns the secure defaults applied at creation.
func defaultPolicy() Policy {
	return Policy{
		AllowTools:    true,
		SecurityLevel: LevelNormal,
		RequireConfirmationFor: []string{
			tools.Dangerous.String(),
			tools.Critical.String(),
		},
		AuditAllActions: true,
	}
}

// normalizePolicy fills gaps in a caller-supplied policy with the secure
// defaults rather than zero values.
func normalizePolicy(p *Policy) Policy {
	if p == nil {
		return defaultPolicy()
	}
	out := *p
	if out.SecurityLevel == "" {
		out.SecurityLevel = LevelNormal
	}
	if out.RequireConfirmationFor == nil {
		out.RequireConfirmationFor = defaultPolicy().RequireConfirmationFor
	}
	return out
}

// HasTool reports whether the agent's permitted set contains the key.
func (a Agent) HasTool(key string) bool {
	for _, t := range a.Tools {
		if t == key {
			return true
		}
	}
	return false
}
