package service

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/castellan-ai/castellan/internal/agentstore"
	"github.com/castellan-ai/castellan/internal/audit"
	"github.com/castellan-ai/castellan/internal/backend"
	"github.com/castellan-ai/castellan/internal/orchestrator"
	"github.com/castellan-ai/castellan/internal/secrets"
	"github.com/castellan-ai/castellan/internal/security"
	"github.com/castellan-ai/castellan/internal/tools"
)

type stubConfirmer struct {
	answer bool
	called int
}

func (c *stubConfirmer) Confirm(ctx context.Context, prompt security.ConfirmationPrompt) bool {
	c.called++
	return c.answer
}

type stubDispatcher struct {
	id    string
	calls []backend.Request
	fail  bool
}

func (d *stubDispatcher) Do(ctx context.Context, req backend.Request, priority, timeoutMs int) (*backend.Response, error) {
	d.calls = append(d.calls, req)
	if d.fail {
		return nil, &backend.Error{Type: backend.ErrProcessError, Backend: d.id, Message: "boom"}
	}
	return &backend.Response{Provider: d.id, Content: "output for " + req.Command, Success: true}, nil
}

type fixture struct {
	svc       *Service
	config    *security.Config
	confirmer *stubConfirmer
	backendA  *stubDispatcher
	backendB  *stubDispatcher
	trail     *audit.Log
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	box, err := secrets.NewBoxFromPassphrase("test-passphrase")
	if err != nil {
		t.Fatalf("NewBoxFromPassphrase: %v", err)
	}
	trail, err := audit.NewFileLog(filepath.Join(dir, "audit.log"), box, nil)
	if err != nil {
		t.Fatalf("NewFileLog: %v", err)
	}
	t.Cleanup(func() { trail.Close() })

	registry := tools.NewDefaultRegistry(nil)
	config := security.NewConfig()
	confirmer := &stubConfirmer{}
	engine := security.NewEngine(registry, config, confirmer, nil)

	persist := agentstore.NewPersister(filepath.Join(dir, "agents.enc"), box)
	agents := agentstore.NewStore(persist, registry, engine, trail, nil)

	a := &stubDispatcher{id: "backendA"}
	b := &stubDispatcher{id: "backendB"}
	queues := map[string]Dispatcher{"backendA": a, "backendB": b}

	orch := orchestrator.New(map[string]orchestrator.Dispatcher{"backendA": a, "backendB": b}, trail)

	return &fixture{
		svc:       New(agents, registry, config, engine, trail, queues, orch, nil, nil),
		config:    config,
		confirmer: confirmer,
		backendA:  a,
		backendB:  b,
		trail:     trail,
	}
}

func (f *fixture) createAgent(t *testing.T, name string, toolKeys ...string) agentstore.Agent {
	t.Helper()
	res := f.svc.CreateAgent(agentstore.Input{
		Name:         name,
		Model:        "llama3:8b",
		SystemPrompt: "You are helpful.",
		Tools:        toolKeys,
	})
	if !res.Success {
		t.Fatalf("createAgent(%s): %s", name, res.Error)
	}
	return res.Data.(agentstore.Agent)
}

func (f *fixture) auditActions(t *testing.T) []audit.Action {
	t.Helper()
	entries, err := f.trail.Read(0)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	var out []audit.Action
	for _, e := range entries {
		out = append(out, e.Action)
	}
	return out
}

func boolPtr(v bool) *bool { return &v }

func hasAction(actions []audit.Action, want audit.Action) bool {
	for _, a := range actions {
		if a == want {
			return true
		}
	}
	return false
}

func TestCreateAgent_DefaultConfig(t *testing.T) {
	f := newFixture(t)

	res := f.svc.CreateAgent(agentstore.Input{
		Name:         "Bot",
		Model:        "llama3:8b",
		SystemPrompt: "You are helpful.",
		Tools:        []string{"file.read"},
	})
	if !res.Success {
		t.Fatalf("create failed: %s", res.Error)
	}
	agent := res.Data.(agentstore.Agent)
	if agent.ID == "" || agent.Name != "Bot" {
		t.Errorf("unexpected agent %+v", agent)
	}
}

func TestCreateAgent_CriticalToolBlockedByDefault(t *testing.T) {
	f := newFixture(t)

	res := f.svc.CreateAgent(agentstore.Input{
		Name:         "Bot2",
		Model:        "llama3:8b",
		SystemPrompt: "You are helpful.",
		Tools:        []string{"system.execute_command"},
	})
	if res.Success {
		t.Fatal("critical tool must be rejected under defaults")
	}
	verr, ok := res.Data.(*agentstore.ValidationError)
	if !ok {
		t.Fatalf("expected structured validation detail, got %T", res.Data)
	}
	if len(verr.BlockedTools) != 1 || verr.BlockedTools[0] != "system.execute_command" {
		t.Errorf("blockedTools = %v", verr.BlockedTools)
	}
}

func TestCheckToolPermission(t *testing.T) {
	f := newFixture(t)

	res := f.svc.CheckToolPermission("file.read")
	d := res.Data.(security.Decision)
	if !d.Allowed || d.RequiresConfirmation {
		t.Errorf("file.read decision = %+v", d)
	}

	res = f.svc.CheckToolPermission("network.http_request")
	d = res.Data.(security.Decision)
	if d.Allowed || !strings.Contains(d.Reason, "disabled") {
		t.Errorf("network.http_request decision = %+v", d)
	}
}

func TestExecuteAgentTool_Dispatches(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, "Bot", "file.read")

	res := f.svc.ExecuteAgentTool(context.Background(), agent.ID, "file.read", ExecuteParams{
		Backend: "backendA",
		Command: "read README.md",
	})
	if !res.Success {
		t.Fatalf("execute failed: %s", res.Error)
	}
	if len(f.backendA.calls) != 1 || f.backendA.calls[0].Command != "read README.md" {
		t.Errorf("backend calls = %+v", f.backendA.calls)
	}

	actions := f.auditActions(t)
	if !hasAction(actions, audit.ToolRequested) || !hasAction(actions, audit.ToolAllowed) {
		t.Errorf("audit actions = %v", actions)
	}
}

func TestExecuteAgentTool_NotInToolListDenied(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, "Bot", "file.read")

	res := f.svc.ExecuteAgentTool(context.Background(), agent.ID, "memory.store", ExecuteParams{
		Backend: "backendA",
		Command: "remember this",
	})
	if res.Success {
		t.Fatal("tool outside the agent's list must be denied")
	}
	if len(f.backendA.calls) != 0 {
		t.Error("denied call must never reach the backend")
	}
	if !hasAction(f.auditActions(t), audit.ToolDenied) {
		t.Error("denial must be audited")
	}
}

func TestExecuteAgentTool_ConfirmationDeclined(t *testing.T) {
	f := newFixture(t)
	f.svc.UpdateSecurityConfig(security.Patch{AllowDangerousTools: boolPtr(true)})
	agent := f.createAgent(t, "Bot", "network.http_request")

	f.confirmer.answer = false
	res := f.svc.ExecuteAgentTool(context.Background(), agent.ID, "network.http_request", ExecuteParams{
		Backend: "backendA",
		Command: "GET https://example.com",
	})
	if res.Success {
		t.Fatal("declined confirmation must deny")
	}
	if f.confirmer.called != 1 {
		t.Errorf("confirmer called %d times, want 1", f.confirmer.called)
	}
	if len(f.backendA.calls) != 0 {
		t.Error("declined call must never reach the backend")
	}

	actions := f.auditActions(t)
	if !hasAction(actions, audit.ConfirmationDenied) || !hasAction(actions, audit.ToolDenied) {
		t.Errorf("audit actions = %v", actions)
	}
}

func TestExecuteAgentTool_ConfirmationGranted(t *testing.T) {
	f := newFixture(t)
	f.svc.UpdateSecurityConfig(security.Patch{AllowDangerousTools: boolPtr(true)})
	agent := f.createAgent(t, "Bot", "network.http_request")

	f.confirmer.answer = true
	res := f.svc.ExecuteAgentTool(context.Background(), agent.ID, "network.http_request", ExecuteParams{
		Backend: "backendA",
		Command: "GET https://example.com",
	})
	if !res.Success {
		t.Fatalf("confirmed call failed: %s", res.Error)
	}
	if !hasAction(f.auditActions(t), audit.ConfirmationGranted) {
		t.Error("grant must be audited")
	}
}

func TestExecuteAgentTool_AdminModeSkipsConfirmation(t *testing.T) {
	f := newFixture(t)
	f.svc.UpdateSecurityConfig(security.Patch{
		AllowDangerousTools: boolPtr(true),
		AdminMode:           boolPtr(true),
	})
	agent := f.createAgent(t, "Bot", "network.http_request")

	res := f.svc.ExecuteAgentTool(context.Background(), agent.ID, "network.http_request", ExecuteParams{
		Backend: "backendA",
		Command: "GET https://example.com",
	})
	if !res.Success {
		t.Fatalf("admin-mode call failed: %s", res.Error)
	}
	if f.confirmer.called != 0 {
		t.Errorf("confirmer called %d times in admin mode, want 0", f.confirmer.called)
	}
}

func TestExecuteAgentTool_AdminModeNeverOverridesRiskGates(t *testing.T) {
	f := newFixture(t)
	f.svc.UpdateSecurityConfig(security.Patch{AdminMode: boolPtr(true)})
	agent := f.createAgent(t, "Bot", "file.read")

	res := f.svc.ExecuteAgentTool(context.Background(), agent.ID, "network.http_request", ExecuteParams{
		Backend: "backendA",
	})
	if res.Success {
		t.Fatal("dangerous tool must stay gated in admin mode")
	}
}

func TestExecuteAgentTool_UnknownBackend(t *testing.T) {
	f := newFixture(t)
	agent := f.createAgent(t, "Bot", "file.read")

	res := f.svc.ExecuteAgentTool(context.Background(), agent.ID, "file.read", ExecuteParams{
		Backend: "nope",
	})
	if res.Success || !strings.Contains(res.Error, "unknown backend") {
		t.Errorf("result = %+v", res)
	}
}

func TestUpdateSecurityConfig_Audited(t *testing.T) {
	f := newFixture(t)

	res := f.svc.UpdateSecurityConfig(security.Patch{AllowCriticalTools: boolPtr(true)})
	if !res.Success {
		t.Fatalf("update failed: %s", res.Error)
	}
	snap := res.Data.(security.Snapshot)
	if !snap.AllowCriticalTools {
		t.Error("patch not applied")
	}
	if !hasAction(f.auditActions(t), audit.ConfigChanged) {
		t.Error("config change must be audited")
	}

	current := f.svc.GetSecurityConfig().Data.(security.Snapshot)
	if current != snap {
		t.Errorf("GetSecurityConfig = %+v, want %+v", current, snap)
	}
}

func TestGetAuditLog_MostRecentFirst(t *testing.T) {
	f := newFixture(t)
	f.createAgent(t, "First", "file.read")
	f.createAgent(t, "Second", "file.read")

	res := f.svc.GetAuditLog(1)
	entries := res.Data.([]audit.Entry)
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	if !strings.Contains(entries[0].Details, "Second") {
		t.Errorf("most recent entry = %+v", entries[0])
	}
}

func TestStartCollaboration(t *testing.T) {
	f := newFixture(t)
	f.backendB.fail = true

	res := f.svc.StartCollaboration(context.Background(), CollaborationRequest{
		Prompt:   "compare",
		Backends: []string{"backendA", "backendB"},
		Options:  orchestrator.Options{EnableDiscussion: true, DiscussionRounds: 1},
	})
	if !res.Success {
		t.Fatalf("collaboration failed: %s", res.Error)
	}
	session := res.Data.(*orchestrator.Session)
	if len(session.Responses) != 2 {
		t.Fatalf("responses = %d, want 2", len(session.Responses))
	}
	var okCount int
	for _, r := range session.Responses {
		if r.Success {
			okCount++
		}
	}
	if okCount != 1 {
		t.Errorf("succeeded backends = %d, want 1", okCount)
	}
	// single success: no discussion
	if len(session.Discussion) != 0 {
		t.Errorf("discussion entries = %d, want 0", len(session.Discussion))
	}
}

func TestListTools_SortedCatalog(t *testing.T) {
	f := newFixture(t)
	res := f.svc.ListTools()
	catalog := res.Data.([]tools.Descriptor)
	if len(catalog) == 0 {
		t.Fatal("catalog empty")
	}
	for i := 1; i < len(catalog); i++ {
		if catalog[i-1].Key > catalog[i].Key {
			t.Fatalf("catalog not sorted at %d: %s > %s", i, catalog[i-1].Key, catalog[i].Key)
		}
	}
}
