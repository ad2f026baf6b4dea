// Package service is the caller-facing facade consumed by the UI layer.
// Every operation returns the uniform Result shape and audits each
// observable side effect exactly once.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/castellan-ai/castellan/internal/agentstore"
	"github.com/castellan-ai/castellan/internal/audit"
	"github.com/castellan-ai/castellan/internal/backend"
	"github.com/castellan-ai/castellan/internal/history"
	"github.com/castellan-ai/castellan/internal/orchestrator"
	"github.com/castellan-ai/castellan/internal/security"
	"github.com/castellan-ai/castellan/internal/tools"
)

// Result is the uniform envelope every facade operation returns.
type Result struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(data any) Result {
	return Result{Success: true, Data: data}
}

func fail(err error) Result {
	// validation failures carry structured detail the UI can render
	var verr *agentstore.ValidationError
	if errors.As(err, &verr) {
		return Result{Error: err.Error(), Data: verr}
	}
	return Result{Error: err.Error()}
}

func failf(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// Dispatcher is one backend's queue. Satisfied by *queue.Queue.
type Dispatcher interface {
	Do(ctx context.Context, req backend.Request, priority int, timeoutMs int) (*backend.Response, error)
}

// HistoryBrowser exposes stored collaboration sessions for the UI.
// Satisfied by *history.Store.
type HistoryBrowser interface {
	ListSessions(ctx context.Context, limit int) ([]history.SessionSummary, error)
	GetSession(ctx context.Context, id string) (*orchestrator.Session, error)
}

// Service wires the permission engine, agent store, queues, and
// orchestrator behind the uniform result shape.
type Service struct {
	agents   *agentstore.Store
	registry *tools.Registry
	config   *security.Config
	engine   *security.Engine
	trail    *audit.Log
	queues   map[string]Dispatcher
	orch     *orchestrator.Orchestrator
	sessions HistoryBrowser
	logger   *slog.Logger
}

// New constructs the facade. sessions may be nil when history browsing is
// disabled.
func New(
	agents *agentstore.Store,
	registry *tools.Registry,
	config *security.Config,
	engine *security.Engine,
	trail *audit.Log,
	queues map[string]Dispatcher,
	orch *orchestrator.Orchestrator,
	sessions HistoryBrowser,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		agents:   agents,
		registry: registry,
		config:   config,
		engine:   engine,
		trail:    trail,
		queues:   queues,
		orch:     orch,
		sessions: sessions,
		logger:   logger,
	}
}

// --- agent CRUD ---

func (s *Service) CreateAgent(in agentstore.Input) Result {
	agent, err := s.agents.Create(in)
	if err != nil {
		return fail(err)
	}
	return ok(agent)
}

func (s *Service) UpdateAgent(id string, patch agentstore.Patch) Result {
	agent, err := s.agents.Update(id, patch)
	if err != nil {
		return fail(err)
	}
	return ok(agent)
}

func (s *Service) DeleteAgent(id string) Result {
	if err := s.agents.Delete(id); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func (s *Service) CloneAgent(id, newName string) Result {
	agent, err := s.agents.Clone(id, newName)
	if err != nil {
		return fail(err)
	}
	return ok(agent)
}

func (s *Service) SetActiveAgent(id string) Result {
	if err := s.agents.SetActive(id); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func (s *Service) GetActiveAgent() Result {
	agent, okActive := s.agents.GetActive()
	if !okActive {
		return ok(nil)
	}
	return ok(agent)
}

func (s *Service) ListAgents() Result {
	return ok(s.agents.List())
}

// --- permissions and execution ---

// CheckToolPermission is a pure query; it performs no side effects and is
// therefore not audited.
func (s *Service) CheckToolPermission(toolKey string) Result {
	return ok(s.engine.Check(toolKey))
}

// ExecuteParams names the backend call an authorized tool invocation maps
// onto.
type ExecuteParams struct {
	Backend   string            `json:"backend"`
	Command   string            `json:"command"`
	Args      []string          `json:"args,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
	Priority  int               `json:"priority,omitempty"`
	TimeoutMs int               `json:"timeoutMs,omitempty"`
	RequestID string            `json:"requestId,omitempty"`
}

// ExecuteAgentTool runs the full pipeline: agent lookup, tool-list check,
// the permission state machine with the agent's policy overlay, then
// dispatch on the target backend's queue. Each terminal outcome produces
// exactly one allowed/denied audit entry.
func (s *Service) ExecuteAgentTool(ctx context.Context, agentID, toolKey string, params ExecuteParams) Result {
	agent, err := s.agents.Get(agentID)
	if err != nil {
		return fail(err)
	}

	s.trail.Record(audit.Entry{
		AgentID:  agentID,
		Action:   audit.ToolRequested,
		ToolUsed: toolKey,
		Details:  fmt.Sprintf("agent %q requested %s on backend %q", agent.Name, toolKey, params.Backend),
		Severity: audit.SeverityLow,
	})

	if !agent.Policy.AllowTools {
		return s.deny(agentID, toolKey, fmt.Sprintf("agent %q may not use tools", agent.Name), nil)
	}
	if !agent.HasTool(toolKey) {
		return s.deny(agentID, toolKey, fmt.Sprintf("tool %q is not in agent %q's tool list", toolKey, agent.Name), nil)
	}

	decision := s.engine.Check(toolKey)
	if !decision.Allowed {
		return s.deny(agentID, toolKey, decision.Reason, nil)
	}

	// the agent's own policy can demand confirmation on top of the global
	// flags; admin mode suppresses both
	desc, _ := s.registry.Lookup(toolKey)
	snap := s.config.Snapshot()
	needsConfirmation := decision.RequiresConfirmation ||
		(!snap.AdminMode && agent.Policy.ConfirmationFor(desc.RiskLevel))

	var userConfirmed *bool
	if needsConfirmation {
		confirmed := s.engine.RequestConfirmation(ctx, security.ConfirmationPrompt{
			ToolKey:   toolKey,
			AgentName: agent.Name,
			Risk:      desc.RiskLevel,
			Context:   params.Command,
		})
		userConfirmed = audit.Confirmed(confirmed)

		confirmAction := audit.ConfirmationGranted
		if !confirmed {
			confirmAction = audit.ConfirmationDenied
		}
		s.trail.Record(audit.Entry{
			AgentID:       agentID,
			Action:        confirmAction,
			ToolUsed:      toolKey,
			Details:       fmt.Sprintf("user confirmation for %s (%s risk)", toolKey, desc.RiskLevel),
			Severity:      audit.SeverityMedium,
			UserConfirmed: userConfirmed,
		})
		if !confirmed {
			return s.deny(agentID, toolKey, fmt.Sprintf("user declined confirmation for %q", toolKey), userConfirmed)
		}
	}

	s.trail.Record(audit.Entry{
		AgentID:       agentID,
		Action:        audit.ToolAllowed,
		ToolUsed:      toolKey,
		Details:       fmt.Sprintf("%s allowed (%s risk)", toolKey, desc.RiskLevel),
		Severity:      severityFor(desc.RiskLevel),
		UserConfirmed: userConfirmed,
	})

	q, found := s.queues[params.Backend]
	if !found {
		return failf("unknown backend %q", params.Backend)
	}
	resp, err := q.Do(ctx, backend.Request{
		ID:      params.RequestID,
		Type:    toolKey,
		Command: params.Command,
		Args:    params.Args,
		Options: params.Options,
	}, params.Priority, params.TimeoutMs)
	if err != nil {
		return fail(err)
	}
	return ok(resp)
}

// deny writes the single tool-denied entry for a terminal denial and
// returns the failed result.
func (s *Service) deny(agentID, toolKey, reason string, userConfirmed *bool) Result {
	s.trail.Record(audit.Entry{
		AgentID:       agentID,
		Action:        audit.ToolDenied,
		ToolUsed:      toolKey,
		Details:       reason,
		Severity:      audit.SeverityMedium,
		UserConfirmed: userConfirmed,
	})
	return failf("%s", reason)
}

func severityFor(level tools.RiskLevel) audit.Severity {
	switch level {
	case tools.Critical:
		return audit.SeverityCritical
	case tools.Dangerous:
		return audit.SeverityHigh
	case tools.Moderate:
		return audit.SeverityMedium
	default:
		return audit.SeverityLow
	}
}

// --- audit and security config ---

func (s *Service) GetAuditLog(limit int) Result {
	entries, err := s.trail.Read(limit)
	if err != nil {
		return fail(err)
	}
	return ok(entries)
}

func (s *Service) GetSecurityConfig() Result {
	return ok(s.config.Snapshot())
}

func (s *Service) UpdateSecurityConfig(patch security.Patch) Result {
	snap := s.config.Apply(patch)
	s.trail.Record(audit.Entry{
		Action: audit.ConfigChanged,
		Details: fmt.Sprintf(
			"security config now allowCritical=%t allowDangerous=%t requireConfirmation=%t adminMode=%t",
			snap.AllowCriticalTools, snap.AllowDangerousTools, snap.RequireUserConfirmation, snap.AdminMode),
		Severity: audit.SeverityHigh,
	})
	return ok(snap)
}

// ListTools returns the static catalog sorted by key, for the UI's tool
// picker.
func (s *Service) ListTools() Result {
	keys := s.registry.Keys()
	sort.Strings(keys)
	out := make([]tools.Descriptor, 0, len(keys))
	for _, k := range keys {
		d, _ := s.registry.Lookup(k)
		out = append(out, d)
	}
	return ok(out)
}

// --- collaboration ---

// CollaborationRequest names the backends and tuning for one collaboration.
type CollaborationRequest struct {
	Prompt   string               `json:"prompt"`
	Backends []string             `json:"backends"`
	Options  orchestrator.Options `json:"options"`
}

func (s *Service) StartCollaboration(ctx context.Context, req CollaborationRequest) Result {
	session, err := s.orch.Collaborate(ctx, req.Prompt, req.Backends, req.Options)
	if err != nil {
		return fail(err)
	}
	return ok(session)
}

func (s *Service) StopCollaboration(id string) Result {
	if err := s.orch.Stop(id); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func (s *Service) ListCollaborations(ctx context.Context, limit int) Result {
	if s.sessions == nil {
		return failf("collaboration history is disabled")
	}
	list, err := s.sessions.ListSessions(ctx, limit)
	if err != nil {
		return fail(err)
	}
	return ok(list)
}

func (s *Service) GetCollaboration(ctx context.Context, id string) Result {
	if s.sessions == nil {
		return failf("collaboration history is disabled")
	}
	session, err := s.sessions.GetSession(ctx, id)
	if err != nil {
		return fail(err)
	}
	if session == nil {
		return failf("no stored collaboration %q", id)
	}
	return ok(session)
}
