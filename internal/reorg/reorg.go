package reorg

import (
	"context"
	"database/sql"
	"fmt"

	"agentmcp/internal/config"
	"agentmcp/internal/logging"
	"agentmcp/internal/store"
	"agentmcp/internal/task"
)

// reorgAuthor is the note author recorded on every node the
// reorganizer creates or moves.
const reorgAuthor = "graph_reorg"

// Result summarizes one reorganization run.
type Result struct {
	Skipped             bool
	PhasesCreated       int
	WorkstreamsCreated  int
	TasksMigrated       int
	CrossWorkstreamDeps int // observability metric, not an error
}

// Run executes the full five-step reorganization against the store.
// An empty task set is a no-op: fresh installs get no synthesized
// phases. All writes happen in a single transaction; any failure
// rolls the graph back to its pre-reorg state.
func Run(ctx context.Context, st *store.Store, cfg config.MigrationConfig) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryReorg, "graph reorganization")
	defer timer.Stop()

	tasks, err := task.LoadAll(st)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks for reorganization: %w", err)
	}

	regular, phases := 0, 0
	existingIDs := make(map[string]bool, len(tasks))
	for i := range tasks {
		existingIDs[tasks[i].TaskID] = true
		switch {
		case task.IsPhaseID(tasks[i].TaskID):
			phases++
		case !task.IsWorkstreamID(tasks[i].TaskID):
			regular++
		}
	}
	if regular == 0 {
		logging.Reorg("no tasks to reorganize, skipping")
		return &Result{Skipped: true}, nil
	}
	if phases > 0 {
		logging.Reorg("phase structure already present (%d phases), skipping", phases)
		return &Result{Skipped: true}, nil
	}

	analysis := AnalyzeState(tasks)
	logging.Reorg("state analysis: %d tasks, %.1f%% complete, stage=%s",
		analysis.TotalTasks, analysis.CompletionPercent, analysis.DevelopmentStage)

	mapping := MapPhases(analysis)
	logging.Reorg("phase mapping: current=%s completed=%v next=%s",
		mapping.CurrentPhase, mapping.CompletedPhases, mapping.NextPhase)
	for _, r := range mapping.Reasoning {
		logging.ReorgDebug("reasoning: %s", r)
	}

	cat := Categorize(tasks, mapping)
	logging.ReorgDebug("categorization: %d completed buckets, %d active, %d future",
		len(cat.Completed), len(cat.Active), len(cat.Future))

	plan := BuildPlan(tasks, mapping, cfg, existingIDs)
	logging.Reorg("plan: %d phases, %d workstreams, %d task assignments",
		len(plan.Phases), len(plan.Workstreams), len(plan.Assignments))

	res := &Result{}
	err = st.WithRetry(ctx, func() error {
		return st.Tx(ctx, func(tx *sql.Tx) error {
			r, err := apply(tx, tasks, plan, cfg)
			if err != nil {
				return err
			}
			*res = *r
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to apply reorganization plan: %w", err)
	}

	res.CrossWorkstreamDeps = countCrossWorkstreamDeps(tasks, plan)
	if res.CrossWorkstreamDeps > 0 {
		logging.Reorg("%d dependency edges cross workstream boundaries", res.CrossWorkstreamDeps)
	}
	logging.Reorg("reorganization applied: %d phases, %d workstreams, %d tasks migrated",
		res.PhasesCreated, res.WorkstreamsCreated, res.TasksMigrated)
	return res, nil
}

// apply writes the plan inside one transaction: ensure phases, insert
// workstreams, repoint tasks whose parent is null, synthetic, or
// missing. Tasks with a live parent inside their cluster keep it, so
// nested hierarchies survive.
func apply(tx *sql.Tx, tasks []task.Task, plan Plan, cfg config.MigrationConfig) (*Result, error) {
	res := &Result{}
	byID := make(map[string]*task.Task, len(tasks))
	for i := range tasks {
		byID[tasks[i].TaskID] = &tasks[i]
	}
	now := task.NowISO()

	for _, p := range plan.Phases {
		if _, exists := byID[p.ID]; exists {
			continue
		}
		def, ok := task.GetPhaseDef(p.ID)
		if !ok {
			return nil, fmt.Errorf("plan names unknown phase %s", p.ID)
		}
		ph := task.Task{
			TaskID:      p.ID,
			Title:       def.Title,
			Description: def.Description,
			CreatedBy:   reorgAuthor,
			Status:      p.Status,
			Priority:    task.PriorityHigh,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if def.Prerequisite != "" {
			ph.DependsOnTasks = []string{def.Prerequisite}
		}
		ph.AppendNote(reorgAuthor, fmt.Sprintf(
			"phase synthesized during graph reorganization with status %q", p.Status))
		if err := task.InsertTask(tx, &ph); err != nil {
			return nil, err
		}
		byID[p.ID] = &ph
		res.PhasesCreated++
	}

	for _, wsp := range plan.Workstreams {
		if len(wsp.TaskIDs) == 0 {
			continue // never persist an empty workstream
		}
		ws := task.Task{
			TaskID:      wsp.ID,
			Title:       wsp.Title,
			Description: fmt.Sprintf("Workstream grouping %d related tasks", len(wsp.TaskIDs)),
			CreatedBy:   reorgAuthor,
			Status:      wsp.Status,
			Priority:    task.PriorityHigh,
			CreatedAt:   now,
			UpdatedAt:   now,
			ParentTask:  wsp.PhaseID,
		}
		ws.AppendNote(reorgAuthor, fmt.Sprintf(
			"workstream created during reorganization, cluster size %d", len(wsp.TaskIDs)))
		if err := task.InsertTask(tx, &ws); err != nil {
			return nil, err
		}
		byID[wsp.ID] = &ws
		res.WorkstreamsCreated++

		phase := byID[wsp.PhaseID]
		if phase == nil {
			return nil, fmt.Errorf("workstream %s references missing phase %s", wsp.ID, wsp.PhaseID)
		}
		phase.ChildTasks = append(phase.ChildTasks, wsp.ID)
		phase.UpdatedAt = now
		if err := task.UpdateTask(tx, phase); err != nil {
			return nil, err
		}
	}

	// Repoint tasks. With preserve_hierarchies on, only tasks whose
	// parent is gone or synthetic move; their subtrees follow along.
	for _, wsp := range plan.Workstreams {
		ws := byID[wsp.ID]
		changedChildren := false
		for _, id := range wsp.TaskIDs {
			t := byID[id]
			if t == nil {
				continue
			}
			repoint := !cfg.PreserveHierarchies || needsRepoint(t, byID)
			t.AppendNote(reorgAuthor, fmt.Sprintf(
				"organized under workstream %s during reorganization", wsp.ID))
			t.UpdatedAt = now
			if repoint {
				t.ParentTask = wsp.ID
				ws.ChildTasks = append(ws.ChildTasks, id)
				changedChildren = true
			}
			if err := task.UpdateTask(tx, t); err != nil {
				return nil, err
			}
			res.TasksMigrated++
		}
		if changedChildren {
			ws.UpdatedAt = now
			if err := task.UpdateTask(tx, ws); err != nil {
				return nil, err
			}
		}
	}

	return res, nil
}

// needsRepoint reports whether the task's current parent edge cannot
// be preserved: no parent, a synthetic parent, or a parent that is
// missing or cancelled.
func needsRepoint(t *task.Task, byID map[string]*task.Task) bool {
	p := t.ParentTask
	if p == "" || task.IsSyntheticID(p) {
		return true
	}
	parent, ok := byID[p]
	return !ok || parent.Status == task.StatusCancelled
}

// countCrossWorkstreamDeps counts dependency edges whose endpoints
// were assigned to different workstreams.
func countCrossWorkstreamDeps(tasks []task.Task, plan Plan) int {
	n := 0
	for i := range tasks {
		t := &tasks[i]
		from, ok := plan.Assignments[t.TaskID]
		if !ok {
			continue
		}
		for _, dep := range t.DependsOnTasks {
			if to, ok := plan.Assignments[dep]; ok && to != from {
				n++
			}
		}
	}
	return n
}
