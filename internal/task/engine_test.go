package task

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"agentmcp/internal/apierr"
	"agentmcp/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"), 4)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	m := NewMirror()
	if err := m.Rebuild(s); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	return NewEngine(s, m)
}

func mustCreate(t *testing.T, e *Engine, p CreateTaskParams) string {
	t.Helper()
	id, err := e.CreateTask(context.Background(), "admin", p)
	if err != nil {
		t.Fatalf("CreateTask(%q): %v", p.Title, err)
	}
	return id
}

func seedAgent(t *testing.T, e *Engine, agentID, status string) {
	t.Helper()
	_, err := e.store.Exec("INSERT INTO agents (agent_id, token, status, created_at) VALUES (?, ?, ?, ?)",
		agentID, "tok-"+agentID, status, NowISO())
	if err != nil {
		t.Fatalf("seed agent: %v", err)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.CreateTask(ctx, "admin", CreateTaskParams{}); !apierr.Is(err, apierr.BadRequest) {
		t.Errorf("empty title: err = %v, want BadRequest", err)
	}
	if _, err := e.CreateTask(ctx, "admin", CreateTaskParams{Title: "x", Priority: "urgent"}); !apierr.Is(err, apierr.BadRequest) {
		t.Errorf("bad priority: err = %v, want BadRequest", err)
	}
	if _, err := e.CreateTask(ctx, "admin", CreateTaskParams{Title: "x", ParentTaskID: "ghost"}); !apierr.Is(err, apierr.NotFound) {
		t.Errorf("missing parent: err = %v, want NotFound", err)
	}
	if _, err := e.CreateTask(ctx, "admin", CreateTaskParams{Title: "x", DependsOn: []string{"ghost"}}); !apierr.Is(err, apierr.NotFound) {
		t.Errorf("missing dependency: err = %v, want NotFound", err)
	}
}

func TestCreateTaskPersistsAndMirrors(t *testing.T) {
	e := newTestEngine(t)

	id := mustCreate(t, e, CreateTaskParams{Title: "Set up database schema", Description: "initial DDL"})

	got, ok := e.mirror.Get(id)
	if !ok {
		t.Fatal("task missing from mirror")
	}
	if got.Status != StatusPending || got.Priority != PriorityMedium {
		t.Errorf("defaults wrong: %+v", got)
	}
	if len(got.Notes) != 1 {
		t.Errorf("creation note missing: %+v", got.Notes)
	}

	// Round-trip through the store
	m2 := NewMirror()
	if err := m2.Rebuild(e.store); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	persisted, ok := m2.Get(id)
	if !ok {
		t.Fatal("task missing from store")
	}
	if persisted.Title != got.Title || persisted.Status != got.Status || len(persisted.Notes) != 1 {
		t.Errorf("store round-trip mismatch: %+v vs %+v", persisted, got)
	}
}

func TestCreateUnderCancelledParent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	parent := mustCreate(t, e, CreateTaskParams{Title: "old work"})
	if err := e.UpdateTaskStatus(ctx, "admin", parent, StatusCancelled, "", false); err != nil {
		t.Fatalf("cancel parent: %v", err)
	}
	_, err := e.CreateTask(ctx, "admin", CreateTaskParams{Title: "child", ParentTaskID: parent})
	if !apierr.Is(err, apierr.Conflict) {
		t.Errorf("err = %v, want Conflict", err)
	}
}

func TestPhaseClosedOnCompletedPhase(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.CreatePhase(ctx, "admin", "foundation", "", ""); err != nil {
		t.Fatalf("CreatePhase: %v", err)
	}
	if _, err := e.AdvancePhase(ctx, "admin", PhaseFoundation, true, false); err != nil {
		t.Fatalf("AdvancePhase: %v", err)
	}
	_, err := e.CreateTask(ctx, "admin", CreateTaskParams{Title: "late", ParentTaskID: PhaseFoundation})
	if !apierr.Is(err, apierr.PhaseClosed) {
		t.Errorf("err = %v, want PhaseClosed", err)
	}
}

// Scenario: linear progression gate.
func TestPhaseLinearProgression(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// Phase 2 before phase 1 is completed
	if _, err := e.CreatePhase(ctx, "admin", "intelligence", "", ""); !apierr.Is(err, apierr.Conflict) {
		t.Fatalf("create phase 2 first: err = %v, want Conflict", err)
	}
	if _, ok := e.mirror.Get(PhaseIntelligence); ok {
		t.Fatal("phase 2 must not exist after rejected creation")
	}

	if _, err := e.CreatePhase(ctx, "admin", "foundation", "", ""); err != nil {
		t.Fatalf("create phase 1: %v", err)
	}

	t1 := mustCreate(t, e, CreateTaskParams{Title: "a", ParentTaskID: PhaseFoundation})
	t2 := mustCreate(t, e, CreateTaskParams{Title: "b", ParentTaskID: PhaseFoundation})
	if err := e.UpdateTaskStatus(ctx, "admin", t1, StatusCompleted, "", false); err != nil {
		t.Fatal(err)
	}

	// One task still pending: advance refused
	if _, err := e.AdvancePhase(ctx, "admin", PhaseFoundation, false, false); !apierr.Is(err, apierr.Conflict) {
		t.Fatalf("advance with pending task: err = %v, want Conflict", err)
	}

	if err := e.UpdateTaskStatus(ctx, "admin", t2, StatusCompleted, "", false); err != nil {
		t.Fatal(err)
	}
	if _, err := e.AdvancePhase(ctx, "admin", PhaseFoundation, false, false); err != nil {
		t.Fatalf("advance when complete: %v", err)
	}
	if _, err := e.CreatePhase(ctx, "admin", "intelligence", "", ""); err != nil {
		t.Fatalf("create phase 2 after phase 1 done: %v", err)
	}
}

// Scenario: dependency blocking.
func TestDependencyBlocking(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	a := mustCreate(t, e, CreateTaskParams{Title: "A"})
	b := mustCreate(t, e, CreateTaskParams{Title: "B", DependsOn: []string{a}})

	err := e.UpdateTaskStatus(ctx, "agent-1", b, StatusInProgress, "", false)
	if !apierr.Is(err, apierr.DependencyNotMet) {
		t.Fatalf("start B early: err = %v, want DependencyNotMet", err)
	}

	if err := e.UpdateTaskStatus(ctx, "agent-1", a, StatusCompleted, "", false); err != nil {
		t.Fatal(err)
	}
	if err := e.UpdateTaskStatus(ctx, "agent-1", b, StatusInProgress, "", false); err != nil {
		t.Fatalf("start B after A done: %v", err)
	}
}

func TestDependencyForceOverride(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	a := mustCreate(t, e, CreateTaskParams{Title: "A"})
	b := mustCreate(t, e, CreateTaskParams{Title: "B", DependsOn: []string{a}})

	if err := e.UpdateTaskStatus(ctx, "admin", b, StatusInProgress, "", true); err != nil {
		t.Fatalf("forced start: %v", err)
	}
}

func TestTerminalStatesRejectTransitions(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id := mustCreate(t, e, CreateTaskParams{Title: "done"})
	if err := e.UpdateTaskStatus(ctx, "admin", id, StatusCompleted, "", false); err != nil {
		t.Fatal(err)
	}
	err := e.UpdateTaskStatus(ctx, "admin", id, StatusInProgress, "", false)
	if !apierr.Is(err, apierr.Conflict) {
		t.Errorf("reopen completed: err = %v, want Conflict", err)
	}
}

func TestUpdateStatusRevalidatesAgainstStore(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id := mustCreate(t, e, CreateTaskParams{Title: "contended task"})
	if err := e.UpdateTaskStatus(ctx, "admin", id, StatusInProgress, "", false); err != nil {
		t.Fatalf("start: %v", err)
	}

	// Another writer completes the task directly in the store; this
	// engine's mirror has not seen the change yet.
	row, _ := e.mirror.Get(id)
	row.Status = StatusCompleted
	row.UpdatedAt = NowISO()
	if err := UpdateTask(e.store, &row); err != nil {
		t.Fatalf("out-of-band update: %v", err)
	}

	// The stale mirror still says in_progress, so cancelling passes the
	// fast checks; the in-transaction read must refuse the terminal edge.
	err := e.UpdateTaskStatus(ctx, "admin", id, StatusCancelled, "", false)
	if !apierr.Is(err, apierr.Conflict) {
		t.Fatalf("stale cancel: err = %v, want Conflict", err)
	}

	var status string
	if err := e.store.QueryRow(`SELECT status FROM tasks WHERE task_id = ?`, id).Scan(&status); err != nil {
		t.Fatal(err)
	}
	if status != StatusCompleted {
		t.Fatalf("store status = %s, the losing write must not land", status)
	}
}

func TestMirrorRebuildKeepsConcurrentPut(t *testing.T) {
	e := newTestEngine(t)

	for i := 0; i < 25; i++ {
		rebuilt := make(chan error, 1)
		go func() {
			rebuilt <- e.mirror.Rebuild(e.store)
		}()
		id := mustCreate(t, e, CreateTaskParams{Title: fmt.Sprintf("concurrent task %d", i)})
		if err := <-rebuilt; err != nil {
			t.Fatalf("Rebuild: %v", err)
		}
		if _, ok := e.mirror.Get(id); !ok {
			t.Fatalf("rebuild dropped freshly committed task %s", id)
		}
	}
}

func TestNotesAreAppendOnly(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id := mustCreate(t, e, CreateTaskParams{Title: "noted"})
	prev := 0
	for i, content := range []string{"first", "second", "third"} {
		if err := e.AddTaskNote(ctx, "agent-1", id, content); err != nil {
			t.Fatalf("note %d: %v", i, err)
		}
		got, _ := e.mirror.Get(id)
		if len(got.Notes) <= prev {
			t.Fatalf("notes length not monotonic: %d -> %d", prev, len(got.Notes))
		}
		prev = len(got.Notes)
	}
	got, _ := e.mirror.Get(id)
	if got.Notes[len(got.Notes)-1].Content != "third" {
		t.Errorf("last note = %+v", got.Notes[len(got.Notes)-1])
	}
}

func TestAssignTask(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	seedAgent(t, e, "agent-blue", "active")
	seedAgent(t, e, "agent-gone", "terminated")
	id := mustCreate(t, e, CreateTaskParams{Title: "work"})

	if err := e.AssignTask(ctx, "admin", "ghost", id); !apierr.Is(err, apierr.NotFound) {
		t.Errorf("unknown agent: err = %v, want NotFound", err)
	}
	if err := e.AssignTask(ctx, "admin", "agent-gone", id); !apierr.Is(err, apierr.Conflict) {
		t.Errorf("terminated agent: err = %v, want Conflict", err)
	}
	if err := e.AssignTask(ctx, "admin", "agent-blue", id); err != nil {
		t.Fatalf("assign: %v", err)
	}
	got, _ := e.mirror.Get(id)
	if got.AssignedTo != "agent-blue" {
		t.Errorf("AssignedTo = %q", got.AssignedTo)
	}
}

func TestWorkstreamRollupWriteThrough(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.CreatePhase(ctx, "admin", "foundation", "", ""); err != nil {
		t.Fatal(err)
	}
	// Synthesize a workstream the way the reorganizer would
	ws := Task{
		TaskID: "root_phase_1_foundation_database", Title: "Database Architecture",
		CreatedBy: "system", Status: StatusPending, Priority: PriorityMedium,
		CreatedAt: NowISO(), UpdatedAt: NowISO(), ParentTask: PhaseFoundation,
	}
	if err := e.insertTaskRetry(ctx, &ws); err != nil {
		t.Fatal(err)
	}
	e.mirror.Put(ws)

	t1 := mustCreate(t, e, CreateTaskParams{Title: "schema", ParentTaskID: ws.TaskID})
	t2 := mustCreate(t, e, CreateTaskParams{Title: "indexes", ParentTaskID: ws.TaskID})

	if err := e.UpdateTaskStatus(ctx, "agent-1", t1, StatusCompleted, "", false); err != nil {
		t.Fatal(err)
	}
	got, _ := e.mirror.Get(ws.TaskID)
	if got.Status != StatusInProgress {
		t.Errorf("workstream status = %s, want in_progress after partial completion", got.Status)
	}

	if err := e.UpdateTaskStatus(ctx, "agent-1", t2, StatusCompleted, "", false); err != nil {
		t.Fatal(err)
	}
	got, _ = e.mirror.Get(ws.TaskID)
	if got.Status != StatusCompleted {
		t.Errorf("workstream status = %s, want completed", got.Status)
	}

	phase, _ := e.mirror.Get(PhaseFoundation)
	if phase.Status == StatusCompleted {
		t.Error("phase must not auto-complete; advance_phase is explicit")
	}
	if phase.Status != StatusInProgress {
		t.Errorf("phase status = %s, want in_progress", phase.Status)
	}
}

func TestAdvancePhaseForceRecordsBlocking(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.CreatePhase(ctx, "admin", "foundation", "", ""); err != nil {
		t.Fatal(err)
	}
	seedAgent(t, e, "agent-red", "active")
	id := mustCreate(t, e, CreateTaskParams{Title: "unfinished", ParentTaskID: PhaseFoundation})
	if err := e.AssignTask(ctx, "admin", "agent-red", id); err != nil {
		t.Fatal(err)
	}

	res, err := e.AdvancePhase(ctx, "admin", PhaseFoundation, true, true)
	if err != nil {
		t.Fatalf("forced advance: %v", err)
	}
	if len(res.Blocking) != 1 || res.Blocking[0] != id {
		t.Errorf("Blocking = %v, want [%s]", res.Blocking, id)
	}
	if len(res.ActiveAgents) != 1 || res.ActiveAgents[0].AgentID != "agent-red" {
		t.Errorf("ActiveAgents = %+v", res.ActiveAgents)
	}
	if !res.TerminateRequested {
		t.Error("TerminateRequested should carry through")
	}

	phase, _ := e.mirror.Get(PhaseFoundation)
	found := false
	for _, n := range phase.Notes {
		if n.Author == "admin" && len(n.Content) > 0 && n.Content[0] == 'p' { // "phase force-completed ..."
			found = true
		}
	}
	if !found {
		t.Errorf("force note missing from phase notes: %+v", phase.Notes)
	}
}

func TestViewTasksFilter(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if _, err := e.CreatePhase(ctx, "admin", "foundation", "", ""); err != nil {
		t.Fatal(err)
	}
	a := mustCreate(t, e, CreateTaskParams{Title: "in phase", ParentTaskID: PhaseFoundation})
	mustCreate(t, e, CreateTaskParams{Title: "loose"})
	if err := e.UpdateTaskStatus(ctx, "admin", a, StatusInProgress, "", false); err != nil {
		t.Fatal(err)
	}

	byStatus := e.ViewTasks(Filter{Status: StatusInProgress})
	if len(byStatus) != 1 || byStatus[0].TaskID != a {
		t.Errorf("status filter = %+v", byStatus)
	}
	byPhase := e.ViewTasks(Filter{Phase: PhaseFoundation, Status: StatusInProgress})
	if len(byPhase) != 1 || byPhase[0].TaskID != a {
		t.Errorf("phase filter = %+v", byPhase)
	}
}

type stubDup struct {
	match    *DuplicateMatch
	timedOut bool
}

func (s stubDup) CheckDuplicate(ctx context.Context, text string) (*DuplicateMatch, bool, error) {
	return s.match, s.timedOut, nil
}

func TestPlacementHookSurfacesDuplicate(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	dup := &DuplicateMatch{SourceRef: "task_existing", Similarity: 0.93}
	e.SetDuplicateChecker(stubDup{match: dup}, true, true)

	_, err := e.CreateTask(ctx, "agent-1", CreateTaskParams{Title: "Implement user authentication"})
	if !apierr.Is(err, apierr.Conflict) {
		t.Fatalf("duplicate: err = %v, want Conflict", err)
	}

	// Override is honored when allowed
	if _, err := e.CreateTask(ctx, "agent-1", CreateTaskParams{Title: "Implement user authentication", Override: true}); err != nil {
		t.Fatalf("override: %v", err)
	}

	// Override is ignored when not allowed
	e.SetDuplicateChecker(stubDup{match: dup}, true, false)
	_, err = e.CreateTask(ctx, "agent-1", CreateTaskParams{Title: "again", Override: true})
	if !apierr.Is(err, apierr.Conflict) {
		t.Fatalf("override without permission: err = %v, want Conflict", err)
	}
}

func TestPlacementHookTimeoutNeverBlocks(t *testing.T) {
	e := newTestEngine(t)
	e.SetDuplicateChecker(stubDup{timedOut: true}, true, false)

	if _, err := e.CreateTask(context.Background(), "agent-1", CreateTaskParams{Title: "new work"}); err != nil {
		t.Fatalf("timed-out checker must not block creation: %v", err)
	}
}
