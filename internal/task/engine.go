package task

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"agentmcp/internal/apierr"
	"agentmcp/internal/logging"
	"agentmcp/internal/store"

	"github.com/google/uuid"
)

// DuplicateMatch describes an existing piece of work that looks like a
// task about to be created.
type DuplicateMatch struct {
	SourceRef  string  `json:"source_ref"`
	Text       string  `json:"text"`
	Similarity float64 `json:"similarity"`
}

// DuplicateChecker is the task-placement hook: given a task's
// title+description it returns a probable duplicate, if any. A timed
// out or unreachable checker returns (nil, true, nil) and never blocks
// creation.
type DuplicateChecker interface {
	CheckDuplicate(ctx context.Context, text string) (match *DuplicateMatch, timedOut bool, err error)
}

// TaskIndexer mirrors created tasks into the similarity index so
// later placement checks and task-scoped searches can find them.
type TaskIndexer interface {
	IndexTask(ctx context.Context, taskID, text string) error
}

// Engine executes the task graph operations against the Store with
// write-through to the in-memory mirror.
type Engine struct {
	store  *store.Store
	mirror *Mirror

	dup              DuplicateChecker // nil disables the placement hook
	idx              TaskIndexer      // nil disables post-create indexing
	placementEnabled bool
	allowOverride    bool
}

// NewEngine builds an engine over an opened store and a (possibly
// empty) mirror.
func NewEngine(s *store.Store, m *Mirror) *Engine {
	return &Engine{store: s, mirror: m}
}

// Mirror exposes the engine's mirror for read paths.
func (e *Engine) Mirror() *Mirror {
	return e.mirror
}

// SetDuplicateChecker wires the placement hook.
func (e *Engine) SetDuplicateChecker(d DuplicateChecker, enabled, allowOverride bool) {
	e.dup = d
	e.placementEnabled = enabled
	e.allowOverride = allowOverride
}

// SetTaskIndexer wires post-create indexing. Indexing is best effort:
// a failure is logged and never fails the create.
func (e *Engine) SetTaskIndexer(ti TaskIndexer) {
	e.idx = ti
}

// =============================================================================
// TASK OPERATIONS
// =============================================================================

// CreateTaskParams carries the create_task arguments.
type CreateTaskParams struct {
	Title        string
	Description  string
	ParentTaskID string
	Priority     string
	DependsOn    []string
	Override     bool // proceed despite a duplicate hit
	CodeLanguage string
	CodeContext  string
}

// CreateTask validates and inserts a new task, returning its id.
func (e *Engine) CreateTask(ctx context.Context, actor string, p CreateTaskParams) (string, error) {
	if strings.TrimSpace(p.Title) == "" {
		return "", apierr.New(apierr.BadRequest, "title is required")
	}
	if p.Priority == "" {
		p.Priority = PriorityMedium
	}
	if !ValidPriority(p.Priority) {
		return "", apierr.New(apierr.BadRequest, "unknown priority %q", p.Priority)
	}

	var parent Task
	if p.ParentTaskID != "" {
		var ok bool
		parent, ok = e.mirror.Get(p.ParentTaskID)
		if !ok {
			return "", apierr.New(apierr.NotFound, "parent task %s does not exist", p.ParentTaskID)
		}
		if parent.Status == StatusCancelled {
			return "", apierr.New(apierr.Conflict, "parent task %s is cancelled", p.ParentTaskID)
		}
		if parent.IsPhase() {
			if parent.Status == StatusCompleted {
				return "", apierr.New(apierr.PhaseClosed, "phase %s is completed", p.ParentTaskID)
			}
			if err := e.checkLinearProgression(p.ParentTaskID); err != nil {
				return "", err
			}
		}
	}

	for _, dep := range p.DependsOn {
		if _, ok := e.mirror.Get(dep); !ok {
			return "", apierr.New(apierr.NotFound, "dependency %s does not exist", dep)
		}
	}
	if cyclic := e.findDependencyCycle(p.DependsOn); cyclic != "" {
		return "", apierr.New(apierr.Conflict, "dependency on %s would create a cycle", cyclic)
	}

	if e.dup != nil && e.placementEnabled {
		match, timedOut, err := e.dup.CheckDuplicate(ctx, p.Title+"\n"+p.Description)
		if err != nil {
			logging.TasksDebug("placement check failed, proceeding: %v", err)
		} else if !timedOut && match != nil {
			if !(e.allowOverride && p.Override) {
				return "", apierr.New(apierr.Conflict,
					"possible duplicate of %s (similarity %.2f); resubmit with override to proceed",
					match.SourceRef, match.Similarity)
			}
			logging.Tasks("duplicate of %s overridden by %s", match.SourceRef, actor)
		}
	}

	now := NowISO()
	t := Task{
		TaskID:         newTaskID(),
		Title:          p.Title,
		Description:    p.Description,
		CreatedBy:      actor,
		Status:         StatusPending,
		Priority:       p.Priority,
		CreatedAt:      now,
		UpdatedAt:      now,
		ParentTask:     p.ParentTaskID,
		DependsOnTasks: append([]string(nil), p.DependsOn...),
		CodeLanguage:   p.CodeLanguage,
		CodeContext:    p.CodeContext,
	}
	t.AppendNote(actor, "task created")

	updatedParent := parent
	hasCodeCols := e.store.ColumnExists("tasks", "code_language")
	err := e.store.WithRetry(ctx, func() error {
		return e.store.Tx(ctx, func(tx *sql.Tx) error {
			if err := InsertTask(tx, &t); err != nil {
				return err
			}
			if hasCodeCols && (t.CodeLanguage != "" || t.CodeContext != "") {
				if _, err := tx.Exec("UPDATE tasks SET code_language=?, code_context=? WHERE task_id=?",
					t.CodeLanguage, t.CodeContext, t.TaskID); err != nil {
					return err
				}
			}
			if p.ParentTaskID != "" {
				updatedParent = parent
				updatedParent.ChildTasks = append(append([]string(nil), parent.ChildTasks...), t.TaskID)
				updatedParent.UpdatedAt = now
				return UpdateTask(tx, &updatedParent)
			}
			return nil
		})
	})
	if err != nil {
		return "", storeErr(err)
	}

	e.mirror.Put(t)
	if p.ParentTaskID != "" {
		e.mirror.Put(updatedParent)
		e.writeThroughRollup(ctx, p.ParentTaskID)
	}

	if e.idx != nil {
		if ierr := e.idx.IndexTask(ctx, t.TaskID, strings.TrimSpace(p.Title+"\n"+p.Description)); ierr != nil {
			logging.TasksDebug("post-create indexing of %s failed: %v", t.TaskID, ierr)
		}
	}

	logging.Tasks("task %s created by %s under %q", t.TaskID, actor, p.ParentTaskID)
	return t.TaskID, nil
}

// AssignTask sets the assignee of a task. Admin-only (enforced by the
// dispatcher).
func (e *Engine) AssignTask(ctx context.Context, actor, agentID, taskID string) error {
	status, err := e.agentStatus(agentID)
	if err != nil {
		return err
	}
	if status == "terminated" {
		return apierr.New(apierr.Conflict, "agent %s is terminated", agentID)
	}

	t, ok := e.mirror.Get(taskID)
	if !ok {
		return apierr.New(apierr.NotFound, "task %s does not exist", taskID)
	}
	for _, anc := range e.mirror.AncestorChain(taskID) {
		if anc.Status == StatusCancelled {
			return apierr.New(apierr.Conflict, "ancestor %s is cancelled", anc.TaskID)
		}
	}

	t.AssignedTo = agentID
	t.UpdatedAt = NowISO()
	t.AppendNote(actor, fmt.Sprintf("assigned to %s", agentID))

	if err := e.persistTask(ctx, &t); err != nil {
		return err
	}
	e.mirror.Put(t)
	return nil
}

// UpdateTaskStatus applies a state-machine transition. force is
// honored for the admin dependency override only; it never bypasses
// the state machine itself. A failed status stays local: parents learn
// about it only through rollup, never by automatic bubbling.
func (e *Engine) UpdateTaskStatus(ctx context.Context, actor, taskID, newStatus, note string, force bool) error {
	if !ValidStatus(newStatus) {
		return apierr.New(apierr.BadRequest, "unknown status %q", newStatus)
	}
	t, ok := e.mirror.Get(taskID)
	if !ok {
		return apierr.New(apierr.NotFound, "task %s does not exist", taskID)
	}
	if !ValidTransition(t.Status, newStatus) {
		return apierr.New(apierr.Conflict, "transition %s -> %s is not permitted", t.Status, newStatus)
	}
	if newStatus == StatusInProgress && !force {
		for _, dep := range t.DependsOnTasks {
			d, ok := e.mirror.Get(dep)
			if !ok || d.Status != StatusCompleted {
				return apierr.New(apierr.DependencyNotMet, "dependency %s is not completed", dep)
			}
		}
	}

	// The mirror checks above are a fast path over a possibly stale
	// snapshot. The transition is re-validated against the committed
	// row inside the write transaction, so two concurrent conflicting
	// updates can never both pass: the serialized loser revalidates
	// against the winner's status.
	var updated Task
	var prev string
	err := e.store.WithRetry(ctx, func() error {
		return e.store.Tx(ctx, func(tx *sql.Tx) error {
			var current string
			err := tx.QueryRow(`SELECT status FROM tasks WHERE task_id = ?`, taskID).Scan(&current)
			if err == sql.ErrNoRows {
				return apierr.New(apierr.NotFound, "task %s does not exist", taskID)
			}
			if err != nil {
				return err
			}
			if !ValidTransition(current, newStatus) {
				return apierr.New(apierr.Conflict, "transition %s -> %s is not permitted", current, newStatus)
			}
			if newStatus == StatusInProgress && !force {
				for _, dep := range t.DependsOnTasks {
					var ds string
					if err := tx.QueryRow(`SELECT status FROM tasks WHERE task_id = ?`, dep).Scan(&ds); err != nil || ds != StatusCompleted {
						return apierr.New(apierr.DependencyNotMet, "dependency %s is not completed", dep)
					}
				}
			}

			prev = current
			updated = t
			updated.Status = newStatus
			updated.UpdatedAt = NowISO()
			updated.AppendNote(actor, fmt.Sprintf("status %s -> %s", current, newStatus))
			if note != "" {
				updated.AppendNote(actor, note)
			}
			return UpdateTask(tx, &updated)
		})
	})
	if err != nil {
		return storeErr(err)
	}
	e.mirror.Put(updated)

	if updated.ParentTask != "" {
		e.writeThroughRollup(ctx, updated.ParentTask)
	}
	logging.Tasks("task %s: %s -> %s by %s", taskID, prev, newStatus, actor)
	return nil
}

// AddTaskNote appends an annotation; notes are never rewritten.
func (e *Engine) AddTaskNote(ctx context.Context, actor, taskID, content string) error {
	if strings.TrimSpace(content) == "" {
		return apierr.New(apierr.BadRequest, "note content is required")
	}
	t, ok := e.mirror.Get(taskID)
	if !ok {
		return apierr.New(apierr.NotFound, "task %s does not exist", taskID)
	}
	t.AppendNote(actor, content)
	t.UpdatedAt = NowISO()

	if err := e.persistTask(ctx, &t); err != nil {
		return err
	}
	e.mirror.Put(t)
	return nil
}

// Filter restricts view_tasks output.
type Filter struct {
	Status     string
	AssignedTo string
	Phase      string // ancestor phase id
	Parent     string
}

// ViewTasks lists tasks from the mirror, filtered and ordered by
// creation time.
func (e *Engine) ViewTasks(f Filter) []Task {
	var out []Task
	for _, t := range e.mirror.All() {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo {
			continue
		}
		if f.Parent != "" && t.ParentTask != f.Parent {
			continue
		}
		if f.Phase != "" {
			root, ok := e.mirror.RootAncestor(t.TaskID)
			if !ok || root.TaskID != f.Phase {
				continue
			}
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt == out[j].CreatedAt {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].CreatedAt < out[j].CreatedAt
	})
	return out
}

// =============================================================================
// PHASE OPERATIONS
// =============================================================================

// CreatePhase creates one of the four canonical phases. Linear
// progression: a phase may be created only when its predecessor is
// completed.
func (e *Engine) CreatePhase(ctx context.Context, actor, phaseType, name, description string) (string, error) {
	phaseID, ok := PhaseIDForType(phaseType)
	if !ok {
		return "", apierr.New(apierr.BadRequest, "unknown phase type %q", phaseType)
	}
	if _, exists := e.mirror.Get(phaseID); exists {
		return "", apierr.New(apierr.Conflict, "phase %s already exists", phaseID)
	}
	def, _ := GetPhaseDef(phaseID)
	if def.Prerequisite != "" {
		prev, ok := e.mirror.Get(def.Prerequisite)
		if !ok || prev.Status != StatusCompleted {
			return "", apierr.New(apierr.Conflict,
				"phase %s requires %s to be completed first", phaseID, def.Prerequisite)
		}
	}

	now := NowISO()
	title := def.Title
	if name != "" {
		title = name
	}
	desc := def.Description
	if description != "" {
		desc = description
	}
	t := Task{
		TaskID:      phaseID,
		Title:       title,
		Description: desc,
		CreatedBy:   actor,
		Status:      StatusPending,
		Priority:    PriorityHigh,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if def.Prerequisite != "" {
		t.DependsOnTasks = []string{def.Prerequisite}
	}
	t.AppendNote(actor, "phase created")

	if err := e.insertTaskRetry(ctx, &t); err != nil {
		return "", err
	}
	e.mirror.Put(t)
	logging.Tasks("phase %s created by %s", phaseID, actor)
	return phaseID, nil
}

// AgentLoad is one active agent working under a phase.
type AgentLoad struct {
	AgentID   string `json:"agent_id"`
	TaskCount int    `json:"task_count"`
}

// PhaseStatus is the view_phase_status payload for one phase.
type PhaseStatus struct {
	PhaseRollup
	ActiveAgents []AgentLoad `json:"active_agents"`
}

// ViewPhaseStatus summarizes one phase, or all existing phases when
// phaseID is empty.
func (e *Engine) ViewPhaseStatus(phaseID string) ([]PhaseStatus, error) {
	var ids []string
	if phaseID != "" {
		if _, ok := e.mirror.Get(phaseID); !ok {
			return nil, apierr.New(apierr.NotFound, "phase %s does not exist", phaseID)
		}
		if !IsPhaseID(phaseID) {
			return nil, apierr.New(apierr.BadRequest, "%s is not a phase", phaseID)
		}
		ids = []string{phaseID}
	} else {
		for _, id := range PhaseOrder {
			if _, ok := e.mirror.Get(id); ok {
				ids = append(ids, id)
			}
		}
	}

	out := make([]PhaseStatus, 0, len(ids))
	for _, id := range ids {
		out = append(out, PhaseStatus{
			PhaseRollup:  e.mirror.RollupPhase(id),
			ActiveAgents: e.activeAgents(id),
		})
	}
	return out, nil
}

// AdvanceResult reports the outcome of advance_phase.
type AdvanceResult struct {
	PhaseID            string      `json:"phase_id"`
	Blocking           []string    `json:"blocking,omitempty"`
	Forced             bool        `json:"forced"`
	ActiveAgents       []AgentLoad `json:"active_agents"`
	TerminateRequested bool        `json:"terminate_requested"`
}

// AdvancePhase marks a phase completed once every workstream rolls up
// complete, or unconditionally with force (the blocking descendants are
// recorded in the phase notes either way). Agent termination is not
// performed here; the caller gets the list of affected agents.
func (e *Engine) AdvancePhase(ctx context.Context, actor, phaseID string, force, terminateAgents bool) (AdvanceResult, error) {
	res := AdvanceResult{PhaseID: phaseID, Forced: force, TerminateRequested: terminateAgents}

	t, ok := e.mirror.Get(phaseID)
	if !ok {
		return res, apierr.New(apierr.NotFound, "phase %s does not exist", phaseID)
	}
	if !t.IsPhase() {
		return res, apierr.New(apierr.BadRequest, "%s is not a phase", phaseID)
	}
	if t.Status == StatusCompleted {
		return res, apierr.New(apierr.Conflict, "phase %s is already completed", phaseID)
	}

	rollup := e.mirror.RollupPhase(phaseID)
	for _, w := range rollup.Workstreams {
		res.Blocking = append(res.Blocking, w.Blocking...)
	}
	if !rollup.CanAdvance && !force {
		return res, apierr.New(apierr.Conflict,
			"phase %s is %.0f%% complete; %d tasks blocking", phaseID, rollup.Completion*100, len(res.Blocking))
	}

	t.Status = StatusCompleted
	t.UpdatedAt = NowISO()
	if force && len(res.Blocking) > 0 {
		t.AppendNote(actor, fmt.Sprintf("phase force-completed with %d incomplete tasks: %s",
			len(res.Blocking), strings.Join(res.Blocking, ", ")))
	} else {
		t.AppendNote(actor, "phase completed")
	}

	if err := e.persistTask(ctx, &t); err != nil {
		return res, err
	}
	e.mirror.Put(t)

	res.ActiveAgents = e.activeAgents(phaseID)
	logging.Tasks("phase %s advanced by %s (forced=%v, blocking=%d)", phaseID, actor, force, len(res.Blocking))
	return res, nil
}

// =============================================================================
// INTERNALS
// =============================================================================

// checkLinearProgression verifies that every canonical phase earlier
// than phaseID, if it exists, is completed.
func (e *Engine) checkLinearProgression(phaseID string) error {
	def, ok := GetPhaseDef(phaseID)
	if !ok {
		return apierr.New(apierr.BadRequest, "unknown phase %q", phaseID)
	}
	for _, earlier := range PhaseOrder {
		ed, _ := GetPhaseDef(earlier)
		if ed.Order >= def.Order {
			break
		}
		if p, exists := e.mirror.Get(earlier); exists && p.Status != StatusCompleted {
			return apierr.New(apierr.Conflict,
				"phase %s must be completed before working in %s", earlier, phaseID)
		}
	}
	return nil
}

// findDependencyCycle checks whether any of deps can already reach one
// of the other deps' dependents; since the new task has no dependents
// yet, a cycle can only pre-exist in the stored graph. Returns the id
// at which a cycle was detected, or "".
func (e *Engine) findDependencyCycle(deps []string) string {
	for _, start := range deps {
		seen := map[string]bool{}
		stack := []string{start}
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if seen[cur] {
				continue
			}
			seen[cur] = true
			t, ok := e.mirror.Get(cur)
			if !ok {
				continue
			}
			for _, next := range t.DependsOnTasks {
				if next == start {
					return start
				}
				stack = append(stack, next)
			}
		}
	}
	return ""
}

// writeThroughRollup materializes derived statuses up the ancestor
// chain after a descendant change. Workstreams take their rollup status
// verbatim; phases only move pending -> in_progress here (completion is
// an explicit advance_phase action).
func (e *Engine) writeThroughRollup(ctx context.Context, fromID string) {
	cur := fromID
	for cur != "" {
		t, ok := e.mirror.Get(cur)
		if !ok {
			return
		}
		switch {
		case t.IsWorkstream():
			r := e.mirror.RollupWorkstream(cur)
			if r.Status != t.Status && ValidMaterialization(t.Status, r.Status) {
				t.Status = r.Status
				t.UpdatedAt = NowISO()
				if err := e.persistTask(ctx, &t); err != nil {
					logging.TasksDebug("rollup write-through for %s failed: %v", cur, err)
					return
				}
				e.mirror.Put(t)
			}
		case t.IsPhase():
			if t.Status == StatusPending {
				r := e.mirror.RollupPhase(cur)
				active := false
				for _, w := range r.Workstreams {
					if w.Status != StatusPending {
						active = true
						break
					}
				}
				if active || r.Completion > 0 {
					t.Status = StatusInProgress
					t.UpdatedAt = NowISO()
					if err := e.persistTask(ctx, &t); err != nil {
						logging.TasksDebug("rollup write-through for %s failed: %v", cur, err)
						return
					}
					e.mirror.Put(t)
				}
			}
		}
		parent, _ := e.mirror.Get(cur)
		cur = parent.ParentTask
	}
}

// ValidMaterialization filters rollup write-through so a derived status
// never violates the state machine (e.g. a cancelled workstream stays
// cancelled).
func ValidMaterialization(from, to string) bool {
	if from == to {
		return false
	}
	if from == StatusCancelled {
		return false
	}
	// completed workstreams may reopen when a new task is added beneath them
	if from == StatusCompleted {
		return to == StatusInProgress || to == StatusPending
	}
	return true
}

// activeAgents lists agents assigned to non-terminal descendants.
func (e *Engine) activeAgents(rootID string) []AgentLoad {
	counts := map[string]int{}
	for _, d := range e.mirror.Descendants(rootID) {
		if d.AssignedTo == "" || d.IsTerminal() {
			continue
		}
		counts[d.AssignedTo]++
	}
	out := make([]AgentLoad, 0, len(counts))
	for id, n := range counts {
		out = append(out, AgentLoad{AgentID: id, TaskCount: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

func (e *Engine) agentStatus(agentID string) (string, error) {
	var status string
	err := e.store.QueryRow("SELECT status FROM agents WHERE agent_id = ?", agentID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", apierr.New(apierr.NotFound, "agent %s does not exist", agentID)
	}
	if err != nil {
		return "", apierr.Wrap(apierr.Internal, err, "failed to look up agent %s", agentID)
	}
	return status, nil
}

func (e *Engine) persistTask(ctx context.Context, t *Task) error {
	err := e.store.WithRetry(ctx, func() error {
		return e.store.Tx(ctx, func(tx *sql.Tx) error {
			return UpdateTask(tx, t)
		})
	})
	return storeErr(err)
}

func (e *Engine) insertTaskRetry(ctx context.Context, t *Task) error {
	err := e.store.WithRetry(ctx, func() error {
		return e.store.Tx(ctx, func(tx *sql.Tx) error {
			return InsertTask(tx, t)
		})
	})
	return storeErr(err)
}

// storeErr maps store-level failures into the error taxonomy.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	var ae *apierr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, store.ErrLockExhausted) {
		return apierr.Wrap(apierr.LockExhausted, err, "store busy")
	}
	return apierr.Wrap(apierr.Internal, err, "store operation failed")
}

func newTaskID() string {
	return "task_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
