package agentstore

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/castellan-ai/castellan/internal/audit"
	"github.com/castellan-ai/castellan/internal/security"
	"github.com/castellan-ai/castellan/internal/tools"
)

// ErrNotFound is returned when an agent id does not resolve.
var ErrNotFound = errors.New("agent not found")

// Store owns the in-memory registry and its persistence. All operations
// re-run full validation so an update can never smuggle in a tool the
// current security config blocks.
type Store struct {
	mu       sync.Mutex
	registry *Registry

	toolReg *tools.Registry
	engine  *security.Engine
	trail   *audit.Log
	persist *Persister
	log     *slog.Logger
	now     func() time.Time
}

// NewStore loads the registry document at path (or starts fresh when the
// read fails — that fallback is audited at critical severity, not fatal).
func NewStore(persist *Persister, toolReg *tools.Registry, engine *security.Engine, trail *audit.Log, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		toolReg: toolReg,
		engine:  engine,
		trail:   trail,
		persist: persist,
		log:     logger,
		now:     time.Now,
	}

	reg, err := persist.load()
	if err != nil {
		logger.Error("agent registry unreadable, starting fresh",
			"severity", string(audit.SeverityCritical), "error", err)
		trail.Record(audit.Entry{
			Action:   audit.RegistryReadFailed,
			Details:  fmt.Sprintf("registry read failed, fell back to empty registry: %v", err),
			Severity: audit.SeverityCritical,
		})
		reg = newRegistry()
	} else {
		trail.Record(audit.Entry{
			Action:   audit.RegistryLoaded,
			Details:  fmt.Sprintf("loaded %d agents", len(reg.Agents)),
			Severity: audit.SeverityLow,
		})
	}
	s.registry = reg
	return s
}

// Create validates the input, assigns identity and secure policy
// defaults, persists, and audits.
func (s *Store) Create(in Input) (Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validate(in.Name, in.Model, in.SystemPrompt, in.Tools, ""); err != nil {
		return Agent{}, err
	}

	now := s.now()
	agent := Agent{
		ID:           uuid.NewString(),
		Name:         strings.TrimSpace(in.Name),
		Model:        in.Model,
		SystemPrompt: in.SystemPrompt,
		Tools:        append([]string{}, in.Tools...),
		Policy:       normalizePolicy(in.Policy),
		Metadata:     Metadata{Creator: in.Creator},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.registry.Agents[agent.ID] = agent
	if err := s.save(); err != nil {
		delete(s.registry.Agents, agent.ID)
		return Agent{}, err
	}

	s.trail.Record(audit.Entry{
		AgentID:  agent.ID,
		Action:   audit.AgentCreated,
		Details:  fmt.Sprintf("agent %q created with %d tools", agent.Name, len(agent.Tools)),
		Severity: audit.SeverityLow,
	})
	return agent, nil
}

// Update merges the patch, re-runs full validation, persists, audits.
func (s *Store) Update(id string, patch Patch) (Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.registry.Agents[id]
	if !ok {
		return Agent{}, ErrNotFound
	}

	updated := current
	if patch.Name != nil {
		updated.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Model != nil {
		updated.Model = *patch.Model
	}
	if patch.SystemPrompt != nil {
		updated.SystemPrompt = *patch.SystemPrompt
	}
	if patch.Tools != nil {
		updated.Tools = append([]string{}, (*patch.Tools)...)
	}
	if patch.Policy != nil {
		updated.Policy = normalizePolicy(patch.Policy)
	}

	if err := s.validate(updated.Name, updated.Model, updated.SystemPrompt, updated.Tools, id); err != nil {
		return Agent{}, err
	}

	updated.UpdatedAt = s.now()
	s.registry.Agents[id] = updated
	if err := s.save(); err != nil {
		s.registry.Agents[id] = current
		return Agent{}, err
	}

	s.trail.Record(audit.Entry{
		AgentID:  id,
		Action:   audit.AgentUpdated,
		Details:  fmt.Sprintf("agent %q updated", updated.Name),
		Severity: audit.SeverityLow,
	})
	return updated, nil
}

// Delete removes an agent; deleting the active agent clears the
// active-agent pointer.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.registry.Agents[id]
	if !ok {
		return ErrNotFound
	}

	wasActive := s.registry.ActiveAgentID == id
	delete(s.registry.Agents, id)
	if wasActive {
		s.registry.ActiveAgentID = ""
	}

	if err := s.save(); err != nil {
		s.registry.Agents[id] = agent
		if wasActive {
			s.registry.ActiveAgentID = id
		}
		return err
	}

	s.trail.Record(audit.Entry{
		AgentID:  id,
		Action:   audit.AgentDeleted,
		Details:  fmt.Sprintf("agent %q deleted (was active: %t)", agent.Name, wasActive),
		Severity: audit.SeverityMedium,
	})
	return nil
}

// Clone copies everything except identity and name, then delegates to
// Create so validation always re-runs on the copy.
func (s *Store) Clone(id, newName string) (Agent, error) {
	s.mu.Lock()
	src, ok := s.registry.Agents[id]
	s.mu.Unlock()
	if !ok {
		return Agent{}, ErrNotFound
	}

	policy := src.Policy
	clone, err := s.Create(Input{
		Name:         newName,
		Model:        src.Model,
		SystemPrompt: src.SystemPrompt,
		Tools:        append([]string{}, src.Tools...),
		Policy:       &policy,
		Creator:      src.Metadata.Creator,
	})
	if err != nil {
		return Agent{}, err
	}

	s.trail.Record(audit.Entry{
		AgentID:  clone.ID,
		Action:   audit.AgentCloned,
		Details:  fmt.Sprintf("agent %q cloned from %s", newName, id),
		Severity: audit.SeverityLow,
	})
	return clone, nil
}

// SetActive points the registry at an agent (or clears the pointer when
// id is empty) and bumps the usage counters on the newly active agent.
func (s *Store) SetActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevActive := s.registry.ActiveAgentID
	var prevAgent Agent
	if id != "" {
		agent, ok := s.registry.Agents[id]
		if !ok {
			return ErrNotFound
		}
		prevAgent = agent
		agent.Metadata.UsageCount++
		lastUsed := s.now()
		agent.Metadata.LastUsed = &lastUsed
		s.registry.Agents[id] = agent
	}
	s.registry.ActiveAgentID = id

	if err := s.save(); err != nil {
		s.registry.ActiveAgentID = prevActive
		if id != "" {
			s.registry.Agents[id] = prevAgent
		}
		return err
	}

	s.trail.Record(audit.Entry{
		AgentID:  id,
		Action:   audit.AgentActived,
		Details:  fmt.Sprintf("active agent set to %q", id),
		Severity: audit.SeverityLow,
	})
	return nil
}

// Get returns one agent by id.
func (s *Store) Get(id string) (Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.registry.Agents[id]
	if !ok {
		return Agent{}, ErrNotFound
	}
	return agent, nil
}

// GetActive returns the active agent, if any.
func (s *Store) GetActive() (Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registry.ActiveAgentID == "" {
		return Agent{}, false
	}
	agent, ok := s.registry.Agents[s.registry.ActiveAgentID]
	return agent, ok
}

// List returns all agents sorted by name.
func (s *Store) List() []Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Agent, 0, len(s.registry.Agents))
	for _, a := range s.registry.Agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// validate collects every problem in one pass. excludeID skips the agent
// being updated in the name-uniqueness check. Caller holds the lock.
func (s *Store) validate(name, model, systemPrompt string, toolKeys []string, excludeID string) error {
	verr := &ValidationError{}

	name = strings.TrimSpace(name)
	if name == "" {
		verr.Problems = append(verr.Problems, "name is required")
	} else {
		lower := strings.ToLower(name)
		for id, a := range s.registry.Agents {
			if id != excludeID && strings.ToLower(a.Name) == lower {
				verr.Problems = append(verr.Problems, fmt.Sprintf("name %q is already in use", name))
				break
			}
		}
	}
	if model == "" {
		verr.Problems = append(verr.Problems, "model is required")
	}
	if strings.TrimSpace(systemPrompt) == "" {
		verr.Problems = append(verr.Problems, "system prompt is required")
	}

	for _, key := range toolKeys {
		if !s.toolReg.Has(key) {
			verr.Problems = append(verr.Problems, fmt.Sprintf("unknown tool %q", key))
			continue
		}
		if d := s.engine.Check(key); !d.Allowed {
			verr.BlockedTools = append(verr.BlockedTools, key)
		}
	}

	if len(verr.Problems) > 0 || len(verr.BlockedTools) > 0 {
		return verr
	}
	return nil
}

// save persists the registry document; failures are audited at critical
// severity and returned to the caller.
func (s *Store) save() error {
	s.registry.LastModified = s.now()
	if err := s.persist.store(s.registry); err != nil {
		s.trail.Record(audit.Entry{
			Action:   audit.RegistrySaveFailed,
			Details:  fmt.Sprintf("registry save failed: %v", err),
			Severity: audit.SeverityCritical,
		})
		return fmt.Errorf("persist agent registry: %w", err)
	}
	return nil
}
