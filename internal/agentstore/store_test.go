package agentstore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/castellan-ai/castellan/internal/audit"
	"github.com/castellan-ai/castellan/internal/secrets"
	"github.com/castellan-ai/castellan/internal/security"
	"github.com/castellan-ai/castellan/internal/tools"
)

type fixture struct {
	store  *Store
	cfg    *security.Config
	path   string
	box    *secrets.Box
	toolRg *tools.Registry
	trail  *audit.Log
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	box, err := secrets.NewBox(bytes.Repeat([]byte{9}, secrets.KeySize))
	if err != nil {
		t.Fatalf("NewBox: %v", err)
	}

	dir := t.TempDir()
	trail, err := audit.NewFileLog(filepath.Join(dir, "audit.log"), box, nil)
	if err != nil {
		t.Fatalf("NewFileLog: %v", err)
	}

	cfg := security.NewConfig()
	toolReg := tools.NewDefaultRegistry(nil)
	engine := security.NewEngine(toolReg, cfg, nil, nil)

	path := filepath.Join(dir, "registry.bin")
	store := NewStore(NewPersister(path, box), toolReg, engine, trail, nil)

	return &fixture{store: store, cfg: cfg, path: path, box: box, toolRg: toolReg, trail: trail}
}

func validInput(name string) Input {
	return Input{
		Name:         name,
		Model:        "llama3:8b",
		SystemPrompt: "You are a helpful assistant.",
		Tools:        []string{"file.read"},
	}
}

func boolPtr(v bool) *bool { return &v }

func TestCreate_AppliesSecureDefaults(t *testing.T) {
	f := newFixture(t)

	agent, err := f.store.Create(validInput("Bot"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if agent.ID == "" {
		t.Error("expected assigned id")
	}
	if !agent.Policy.AuditAllActions {
		t.Error("default policy must audit all actions")
	}
	if !agent.Policy.ConfirmationFor(tools.Dangerous) || !agent.Policy.ConfirmationFor(tools.Critical) {
		t.Error("default policy must require confirmation for dangerous and critical")
	}
	if agent.Policy.ConfirmationFor(tools.Safe) {
		t.Error("default policy must not require confirmation for safe")
	}
	if agent.CreatedAt.IsZero() || agent.UpdatedAt.IsZero() {
		t.Error("timestamps must be set")
	}
}

func TestCreate_BlockedToolFailsWholeOperation(t *testing.T) {
	f := newFixture(t)

	in := validInput("Bot2")
	in.Tools = []string{"system.execute_command"}

	_, err := f.store.Create(in)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.BlockedTools) != 1 || verr.BlockedTools[0] != "system.execute_command" {
		t.Errorf("expected blockedTools=[system.execute_command], got %v", verr.BlockedTools)
	}
	if len(f.store.List()) != 0 {
		t.Error("failed create must not leave an agent behind")
	}
}

func TestCreate_BlockedToolAllowedAfterConfigChange(t *testing.T) {
	f := newFixture(t)
	f.cfg.Apply(security.Patch{AllowCriticalTools: boolPtr(true)})

	in := validInput("Admin")
	in.Tools = []string{"system.execute_command"}
	if _, err := f.store.Create(in); err != nil {
		t.Fatalf("Create after enabling critical tools: %v", err)
	}
}

func TestCreate_CollectsAllProblems(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.Create(Input{Tools: []string{"bogus.tool"}})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Problems) != 4 {
		t.Errorf("expected name+model+prompt+unknown-tool problems, got %v", verr.Problems)
	}
}

func TestCreate_NameUniquenessCaseInsensitive(t *testing.T) {
	f := newFixture(t)

	if _, err := f.store.Create(validInput("Helper")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := f.store.Create(validInput("HELPER"))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError for duplicate name, got %v", err)
	}
}

func TestUpdate_CannotSmuggleBlockedTool(t *testing.T) {
	f := newFixture(t)

	agent, err := f.store.Create(validInput("Bot"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	newTools := []string{"file.read", "network.http_request"}
	_, err = f.store.Update(agent.ID, Patch{Tools: &newTools})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.BlockedTools) != 1 || verr.BlockedTools[0] != "network.http_request" {
		t.Errorf("unexpected blockedTools %v", verr.BlockedTools)
	}

	// Unchanged on failed update.
	got, _ := f.store.Get(agent.ID)
	if len(got.Tools) != 1 {
		t.Errorf("failed update must not mutate agent, tools=%v", got.Tools)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	f := newFixture(t)
	if _, err := f.store.Update("missing", Patch{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete_ActiveAgentClearsPointer(t *testing.T) {
	f := newFixture(t)

	agent, _ := f.store.Create(validInput("Bot"))
	if err := f.store.SetActive(agent.ID); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	if _, ok := f.store.GetActive(); !ok {
		t.Fatal("precondition: agent active")
	}

	if err := f.store.Delete(agent.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := f.store.GetActive(); ok {
		t.Error("deleting the active agent must clear activeAgentId")
	}
}

func TestClone_RevalidatesAgainstCurrentConfig(t *testing.T) {
	f := newFixture(t)
	f.cfg.Apply(security.Patch{AllowDangerousTools: boolPtr(true)})

	in := validInput("Risky")
	in.Tools = []string{"file.read", "network.http_request"}
	agent, err := f.store.Create(in)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Tighten policy, then clone: validation re-runs on the copy.
	f.cfg.Apply(security.Patch{AllowDangerousTools: boolPtr(false)})
	_, err = f.store.Clone(agent.ID, "Risky Copy")
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError on clone, got %v", err)
	}
	if len(verr.BlockedTools) == 0 {
		t.Error("clone must surface now-blocked tools")
	}
}

func TestClone_CopiesEverythingButIdentity(t *testing.T) {
	f := newFixture(t)

	src, _ := f.store.Create(validInput("Original"))
	clone, err := f.store.Clone(src.ID, "Copy")
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	if clone.ID == src.ID {
		t.Error("clone must get a fresh id")
	}
	if clone.Name != "Copy" {
		t.Errorf("clone name = %q", clone.Name)
	}
	if clone.Model != src.Model || clone.SystemPrompt != src.SystemPrompt {
		t.Error("clone must copy model and prompt")
	}
}

func TestSetActive_BumpsUsage(t *testing.T) {
	f := newFixture(t)

	agent, _ := f.store.Create(validInput("Bot"))
	if err := f.store.SetActive(agent.ID); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
	got, _ := f.store.Get(agent.ID)
	if got.Metadata.UsageCount != 1 {
		t.Errorf("usage count = %d, want 1", got.Metadata.UsageCount)
	}
	if got.Metadata.LastUsed == nil {
		t.Error("lastUsed must be set")
	}

	if err := f.store.SetActive(""); err != nil {
		t.Fatalf("SetActive clear: %v", err)
	}
	if _, ok := f.store.GetActive(); ok {
		t.Error("empty id must clear the active agent")
	}

	if err := f.store.SetActive("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPersistence_SaveThenLoadRoundTrip(t *testing.T) {
	f := newFixture(t)

	a, _ := f.store.Create(validInput("Alpha"))
	b, _ := f.store.Create(validInput("Beta"))
	f.store.SetActive(b.ID)

	// Reopen from disk with a fresh store.
	engine := security.NewEngine(f.toolRg, f.cfg, nil, nil)
	reopened := NewStore(NewPersister(f.path, f.box), f.toolRg, engine, f.trail, nil)

	agents := reopened.List()
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents after reload, got %d", len(agents))
	}
	if agents[0].Name != "Alpha" || agents[1].Name != "Beta" {
		t.Errorf("unexpected order: %s, %s", agents[0].Name, agents[1].Name)
	}
	got, err := reopened.Get(a.ID)
	if err != nil {
		t.Fatalf("Get after reload: %v", err)
	}
	if got.SystemPrompt != a.SystemPrompt || len(got.Tools) != len(a.Tools) {
		t.Error("reloaded agent differs from saved agent")
	}
	active, ok := reopened.GetActive()
	if !ok || active.ID != b.ID {
		t.Error("active agent must survive reload")
	}
}

func TestPersistence_EncryptedAtRest(t *testing.T) {
	f := newFixture(t)

	f.store.Create(validInput("Secret Agent"))
	raw, err := os.ReadFile(f.path)
	if err != nil {
		t.Fatalf("read registry file: %v", err)
	}
	if bytes.Contains(raw, []byte("Secret Agent")) {
		t.Error("registry document must be encrypted at rest")
	}
}

func TestLoad_CorruptDocumentFallsBackToFresh(t *testing.T) {
	f := newFixture(t)
	f.store.Create(validInput("Bot"))

	if err := os.WriteFile(f.path, []byte("garbage"), 0600); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}

	engine := security.NewEngine(f.toolRg, f.cfg, nil, nil)
	reopened := NewStore(NewPersister(f.path, f.box), f.toolRg, engine, f.trail, nil)
	if len(reopened.List()) != 0 {
		t.Error("corrupt registry must fall back to an empty registry")
	}

	// The fallback itself is audited at critical severity.
	entries, err := f.trail.Read(0)
	if err != nil {
		t.Fatalf("read trail: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Action == audit.RegistryReadFailed && e.Severity == audit.SeverityCritical {
			found = true
		}
	}
	if !found {
		t.Error("registry read fallback must produce a critical audit entry")
	}
}
