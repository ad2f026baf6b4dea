// Package security holds the process-wide policy flags and the
// permission engine that gates every tool invocation.
package security

import "sync"

// Snapshot is an immutable copy of the policy flags, taken once per
// permission check. A concurrent update takes effect on the next check;
// in-flight checks keep the snapshot they started with.
type Snapshot struct {
	AllowCriticalTools      bool `json:"allowCriticalTools"`
	AllowDangerousTools     bool `json:"allowDangerousTools"`
	RequireUserConfirmation bool `json:"requireUserConfirmation"`
	AdminMode               bool `json:"adminMode"`
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	AllowCriticalTools      *bool `json:"allowCriticalTools,omitempty"`
	AllowDangerousTools     *bool `json:"allowDangerousTools,omitempty"`
	RequireUserConfirmation *bool `json:"requireUserConfirmation,omitempty"`
	AdminMode               *bool `json:"adminMode,omitempty"`
}

// Config is the single mutable policy instance. Construct one at startup
// and inject it; there is no package-level default.
type Config struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewConfig returns the secure default policy: critical and dangerous
// tools disabled, per-call confirmation off, admin mode off.
func NewConfig() *Config {
	return &Config{}
}

// Snapshot returns the current flags.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Apply merges a patch and returns the resulting flags.
func (c *Config) Apply(p Patch) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.AllowCriticalTools != nil {
		c.snap.AllowCriticalTools = *p.AllowCriticalTools
	}
	if p.AllowDangerousTools != nil {
		c.snap.AllowDangerousTools = *p.AllowDangerousTools
	}
	if p.RequireUserConfirmation != nil {
		c.snap.RequireUserConfirmation = *p.RequireUserConfirmation
	}
	if p.AdminMode != nil {
		c.snap.AdminMode = *p.AdminMode
	}
	return c.snap
}
