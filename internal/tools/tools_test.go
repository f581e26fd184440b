package tools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"agentmcp/internal/apierr"
	"agentmcp/internal/auth"
	"agentmcp/internal/store"
	"agentmcp/internal/task"
)

// harness wires a dispatcher over a real store with an in-memory task
// mirror, the way the runtime does at startup.
type harness struct {
	st         *store.Store
	auth       *auth.Registry
	dispatcher *Dispatcher
	gateActive bool
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "mcp_state.db"), 4)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ar, err := auth.NewRegistry(st, "admin-token")
	if err != nil {
		t.Fatalf("auth registry: %v", err)
	}

	h := &harness{st: st, auth: ar}
	eng := task.NewEngine(st, task.NewMirror())
	reg := NewRegistry()
	RegisterAll(reg, Deps{
		Tasks:      eng,
		Auth:       ar,
		Store:      st,
		ProjectDir: t.TempDir(),
	})
	h.dispatcher = NewDispatcher(reg, ar, auth.NewRecorder(st), func() bool { return h.gateActive })
	return h
}

func (h *harness) call(t *testing.T, token, name string, args map[string]any) map[string]any {
	t.Helper()
	content, err := h.dispatcher.Dispatch(context.Background(), token, name, args)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	if len(content) != 1 || content[0].Type != "text" {
		t.Fatalf("%s returned unexpected content: %+v", name, content)
	}
	var out map[string]any
	if content[0].Text != "ok" {
		if err := json.Unmarshal([]byte(content[0].Text), &out); err != nil {
			t.Fatalf("%s result is not JSON: %q", name, content[0].Text)
		}
	}
	return out
}

func (h *harness) callErr(t *testing.T, token, name string, args map[string]any) error {
	t.Helper()
	_, err := h.dispatcher.Dispatch(context.Background(), token, name, args)
	if err == nil {
		t.Fatalf("%s unexpectedly succeeded", name)
	}
	return err
}

func TestDispatchUnknownTool(t *testing.T) {
	h := newHarness(t)
	err := h.callErr(t, "admin-token", "no_such_tool", nil)
	if !apierr.Is(err, apierr.BadRequest) {
		t.Fatalf("want BadRequest, got %v", err)
	}
}

func TestDispatchRejectsInvalidArguments(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		name string
		args map[string]any
	}{
		{"create_task", map[string]any{}},                                               // missing title
		{"create_task", map[string]any{"title": "x", "priority": "urgent"}},             // bad enum
		{"create_task", map[string]any{"title": "x", "bogus": true}},                    // unknown key
		{"update_task_status", map[string]any{"task_id": "t", "status": "done"}},        // bad status
		{"search_context", map[string]any{"query": "q", "source_kind": "agent"}},        // bad kind
		{"assign_task", map[string]any{"task_id": "t"}},                                 // missing agent_id
		{"update_project_context", map[string]any{"key": "k"}},                          // missing value
		{"advance_phase", map[string]any{"phase_id": "phase_1_foundation", "force": "yes"}}, // wrong type
	}
	for _, tc := range cases {
		err := h.callErr(t, "admin-token", tc.name, tc.args)
		if !apierr.Is(err, apierr.BadRequest) {
			t.Fatalf("%s(%v): want BadRequest, got %v", tc.name, tc.args, err)
		}
	}
}

func TestDispatchAuth(t *testing.T) {
	h := newHarness(t)

	if err := h.callErr(t, "bogus", "view_tasks", nil); !apierr.Is(err, apierr.Unauthorized) {
		t.Fatalf("bad token: want Unauthorized, got %v", err)
	}

	out := h.call(t, "admin-token", "register_agent", map[string]any{"agent_id": "worker"})
	tok, _ := out["token"].(string)
	if tok == "" {
		t.Fatal("register_agent returned no token")
	}

	// Agent tokens work for agent tools but not admin tools.
	h.call(t, tok, "view_tasks", nil)
	err := h.callErr(t, tok, "create_phase", map[string]any{"phase_type": "foundation"})
	if !apierr.Is(err, apierr.Unauthorized) {
		t.Fatalf("agent calling admin tool: want Unauthorized, got %v", err)
	}

	// Termination revokes the token entirely.
	h.call(t, "admin-token", "terminate_agent", map[string]any{"agent_id": "worker"})
	if err := h.callErr(t, tok, "view_tasks", nil); !apierr.Is(err, apierr.Unauthorized) {
		t.Fatalf("terminated token: want Unauthorized, got %v", err)
	}
}

func TestDispatchMigrationGate(t *testing.T) {
	h := newHarness(t)
	h.gateActive = true

	err := h.callErr(t, "admin-token", "create_task", map[string]any{"title": "blocked"})
	if !apierr.Is(err, apierr.MigrationInProgress) {
		t.Fatalf("want MigrationInProgress, got %v", err)
	}

	// Read tools stay available during migration.
	h.call(t, "admin-token", "view_tasks", nil)
}

func TestTaskLifecycleThroughTools(t *testing.T) {
	h := newHarness(t)
	admin := "admin-token"

	h.call(t, admin, "create_phase", map[string]any{"phase_type": "foundation"})

	out := h.call(t, admin, "create_task", map[string]any{
		"title":          "set up database",
		"description":    "initial schema",
		"parent_task_id": task.PhaseFoundation,
		"priority":       "high",
	})
	dbTask, _ := out["task_id"].(string)
	if dbTask == "" {
		t.Fatal("create_task returned no id")
	}

	out = h.call(t, admin, "create_task", map[string]any{
		"title":      "wire API",
		"depends_on": []any{dbTask},
	})
	apiTask, _ := out["task_id"].(string)

	out = h.call(t, admin, "register_agent", map[string]any{"agent_id": "backend"})
	agentTok, _ := out["token"].(string)

	h.call(t, admin, "assign_task", map[string]any{"task_id": dbTask, "agent_id": "backend"})

	// Dependency blocks the dependent task until completion.
	err := h.callErr(t, agentTok, "update_task_status", map[string]any{
		"task_id": apiTask, "status": "in_progress",
	})
	if !apierr.Is(err, apierr.DependencyNotMet) {
		t.Fatalf("want DependencyNotMet, got %v", err)
	}

	h.call(t, agentTok, "update_task_status", map[string]any{"task_id": dbTask, "status": "in_progress"})
	h.call(t, agentTok, "add_task_note", map[string]any{"task_id": dbTask, "content": "schema drafted"})
	h.call(t, agentTok, "update_task_status", map[string]any{"task_id": dbTask, "status": "completed"})
	h.call(t, agentTok, "update_task_status", map[string]any{"task_id": apiTask, "status": "in_progress"})

	out = h.call(t, agentTok, "view_tasks", map[string]any{"status": "in_progress"})
	if n, _ := out["count"].(float64); n != 1 {
		t.Fatalf("view_tasks count = %v, want 1", out["count"])
	}
}

func TestForceIsAdminOnly(t *testing.T) {
	h := newHarness(t)
	admin := "admin-token"

	blocker := h.call(t, admin, "create_task", map[string]any{"title": "blocker"})["task_id"].(string)
	dependent := h.call(t, admin, "create_task", map[string]any{
		"title": "dependent", "depends_on": []any{blocker},
	})["task_id"].(string)

	agentTok := h.call(t, admin, "register_agent", map[string]any{"agent_id": "w"})["token"].(string)

	// An agent asking for force is still held to dependency checks.
	err := h.callErr(t, agentTok, "update_task_status", map[string]any{
		"task_id": dependent, "status": "in_progress", "force": true,
	})
	if !apierr.Is(err, apierr.DependencyNotMet) {
		t.Fatalf("agent force: want DependencyNotMet, got %v", err)
	}

	// Admin force overrides the dependency, not the state machine.
	h.call(t, admin, "update_task_status", map[string]any{
		"task_id": dependent, "status": "in_progress", "force": true,
	})
	h.call(t, admin, "update_task_status", map[string]any{
		"task_id": dependent, "status": "completed",
	})
	err = h.callErr(t, admin, "update_task_status", map[string]any{
		"task_id": dependent, "status": "in_progress", "force": true,
	})
	if !apierr.Is(err, apierr.Conflict) {
		t.Fatalf("force must not bypass the state machine, got %v", err)
	}
}

func TestProjectContextTools(t *testing.T) {
	h := newHarness(t)
	admin := "admin-token"

	h.call(t, admin, "update_project_context", map[string]any{
		"key": "architecture", "value": "layered monolith", "description": "high-level shape",
	})
	h.call(t, admin, "update_project_context", map[string]any{
		"key": "architecture", "value": "modular monolith",
	})

	out := h.call(t, admin, "view_project_context", map[string]any{"key": "architecture"})
	if out["value"] != "modular monolith" {
		t.Fatalf("context value = %v, want updated value", out["value"])
	}
	if out["updated_by"] != auth.AdminPrincipal {
		t.Fatalf("updated_by = %v", out["updated_by"])
	}

	if err := h.callErr(t, admin, "view_project_context", map[string]any{"key": "missing"}); !apierr.Is(err, apierr.NotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}

	out = h.call(t, admin, "view_project_context", nil)
	if n, _ := out["count"].(float64); n != 1 {
		t.Fatalf("listing count = %v, want 1", out["count"])
	}
}

func TestEveryCallIsAudited(t *testing.T) {
	h := newHarness(t)
	admin := "admin-token"
	rec := auth.NewRecorder(h.st)

	h.call(t, admin, "create_task", map[string]any{"title": "audited"})
	_ = h.callErr(t, admin, "update_task_status", map[string]any{
		"task_id": "missing", "status": "completed",
	})

	actions, err := rec.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(actions) != 2 {
		t.Fatalf("got %d audit rows, want 2 (failures included)", len(actions))
	}

	var outcomes []string
	for _, a := range actions {
		var details map[string]any
		if err := json.Unmarshal(a.Details, &details); err != nil {
			t.Fatalf("details not JSON: %v", err)
		}
		outcomes = append(outcomes, details["outcome"].(string))
	}
	joined := strings.Join(outcomes, ",")
	if !strings.Contains(joined, "ok") || !strings.Contains(joined, string(apierr.NotFound)) {
		t.Fatalf("outcomes = %v, want both ok and NotFound", outcomes)
	}
}

func TestSearchContextUnconfigured(t *testing.T) {
	h := newHarness(t)
	err := h.callErr(t, "admin-token", "search_context", map[string]any{"query": "anything"})
	if !apierr.Is(err, apierr.Conflict) {
		t.Fatalf("want Conflict when no embedder is wired, got %v", err)
	}
}
