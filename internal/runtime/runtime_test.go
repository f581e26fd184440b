package runtime

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"agentmcp/internal/apierr"
	"agentmcp/internal/config"
	"agentmcp/internal/store"
	"agentmcp/internal/task"
)

func testConfig(t *testing.T) config.ServerConfig {
	t.Helper()
	t.Setenv(config.EnvPrefix+"INTERACTIVE", "false")
	cfg := config.DefaultServerConfig(t.TempDir())
	cfg.Embedding.Dimensions = 4
	cfg.Watcher.Enabled = false
	return cfg
}

func TestStartupAndToolCall(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	rt, err := New(ctx, cfg, Options{AdminToken: "admin-token"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rt.Start(ctx)

	content, err := rt.Dispatch(ctx, "admin-token", "create_task", map[string]any{
		"title": "first task",
	})
	if err != nil {
		t.Fatalf("create_task: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(content[0].Text), &out); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if out["task_id"] == "" {
		t.Fatal("no task id returned")
	}

	if _, err := rt.Dispatch(ctx, "wrong", "view_tasks", nil); !apierr.Is(err, apierr.Unauthorized) {
		t.Fatalf("bad token: want Unauthorized, got %v", err)
	}

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rt.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if _, err := rt.Dispatch(ctx, "admin-token", "view_tasks", nil); err == nil {
		t.Fatal("dispatch after shutdown should refuse")
	}
}

func TestStartupMigratesLegacyStore(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	// Seed a flat pre-phase task graph the way a 1.x deployment left it.
	dbPath := config.StorePath(cfg.ProjectDir)
	st, err := store.Open(dbPath, 4)
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}
	titles := map[string]string{
		"t1": "Set up database schema",
		"t2": "Implement user authentication",
		"t3": "Build quote calculator",
		"t4": "Create dashboard UI",
	}
	statuses := map[string]string{
		"t1": task.StatusCompleted,
		"t2": task.StatusCompleted,
		"t3": task.StatusInProgress,
		"t4": task.StatusPending,
	}
	now := task.NowISO()
	for id, title := range titles {
		tk := task.Task{
			TaskID: id, Title: title, Status: statuses[id],
			CreatedBy: "admin", Priority: task.PriorityMedium,
			CreatedAt: now, UpdatedAt: now,
		}
		if err := task.InsertTask(st, &tk); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	st.Close()

	rt, err := New(ctx, cfg, Options{AdminToken: "admin-token"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		rt.Shutdown(sctx)
	}()
	rt.Start(ctx)

	// The canonical phase structure exists and every legacy task hangs
	// under a workstream.
	mirror := rt.Tasks().Mirror()
	for _, id := range task.PhaseOrder {
		if _, ok := mirror.Get(id); !ok {
			t.Errorf("phase %s missing after startup migration", id)
		}
	}
	for id := range titles {
		tk, ok := mirror.Get(id)
		if !ok {
			t.Fatalf("legacy task %s lost", id)
		}
		if !task.IsWorkstreamID(tk.ParentTask) {
			t.Errorf("task %s parent = %q, want a workstream", id, tk.ParentTask)
		}
	}

	// The pre-migration backup landed in .agent.
	backups, err := filepath.Glob(filepath.Join(cfg.ProjectDir, ".agent", "*_backup_*.db"))
	if err != nil || len(backups) == 0 {
		t.Errorf("no backup created (err=%v)", err)
	}

	// schema_migrations records the current version.
	var version string
	err = rt.Store().QueryRow(
		`SELECT version FROM schema_migrations ORDER BY applied_at DESC, version DESC LIMIT 1`).
		Scan(&version)
	if err != nil || version != "2.0.0" {
		t.Errorf("latest schema version = %q (err=%v), want 2.0.0", version, err)
	}
}

func TestShutdownDrainsInflightCalls(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	rt, err := New(ctx, cfg, Options{AdminToken: "admin-token"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rt.Start(ctx)

	done := make(chan error, 1)
	go func() {
		_, err := rt.Dispatch(ctx, "admin-token", "view_tasks", nil)
		done <- err
	}()

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rt.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil && !apierr.Is(err, apierr.Conflict) {
			t.Fatalf("in-flight call failed unexpectedly: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("in-flight call never finished")
	}
}
