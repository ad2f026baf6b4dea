// Package tools defines the tool descriptor catalog and risk tier
// classification. The registry is the single source of truth for what a
// tool is allowed to do: any key it does not know is rejected by every
// consumer.
package tools

// RiskLevel classifies tools by the severity of their side effects.
type RiskLevel int

const (
	// Safe executes without gating, zero meaningful side effects.
	Safe RiskLevel = iota
	// Moderate has local, reversible side effects.
	Moderate
	// Dangerous reaches outside the local sandbox (network, visible writes).
	Dangerous
	// Critical can execute arbitrary system-level operations.
	Critical
)

// String returns the human-readable name of the risk level.
func (r RiskLevel) String() string {
	switch r {
	case Safe:
		return "SAFE"
	case Moderate:
		return "MODERATE"
	case Dangerous:
		return "DANGEROUS"
	case Critical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ParseRiskLevel converts a stored risk level name back to its value.
// Unknown names map to Critical so a corrupted policy fails closed.
func ParseRiskLevel(s string) RiskLevel {
	switch s {
	case "SAFE":
		return Safe
	case "MODERATE":
		return Moderate
	case "DANGEROUS":
		return Dangerous
	case "CRITICAL":
		return Critical
	default:
		return Critical
	}
}

// Descriptor describes one callable tool. Descriptors are immutable and
// defined at startup; the key format is "category.operation".
type Descriptor struct {
	Key                  string    `json:"key"`
	RiskLevel            RiskLevel `json:"riskLevel"`
	RequiresConfirmation bool      `json:"requiresConfirmation"`
	Description          string    `json:"description"`
}
