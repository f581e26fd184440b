package reorg

import (
	"fmt"
	"sort"
	"strings"

	"agentmcp/internal/config"
	"agentmcp/internal/logging"
	"agentmcp/internal/task"
)

// Workstream type patterns. A cluster's aggregated text is scored by
// keyword occurrence counts; the highest scoring type wins, falling
// back to "general".
var workstreamPatterns = map[string][]string{
	"authentication":   {"auth", "login", "user", "profile", "session", "signup"},
	"quote_calculator": {"quote", "calculator", "pricing", "estimate"},
	"dashboard":        {"dashboard", "admin", "management", "overview"},
	"api_development":  {"api", "endpoint", "service", "backend"},
	"database":         {"database", "schema", "table", "migration"},
	"ui_development":   {"ui", "component", "page", "interface", "frontend"},
	"testing":          {"test", "testing", "quality", "qa"},
	"deployment":       {"deploy", "deployment", "production", "ci", "cd"},
}

var workstreamTitles = map[string]string{
	"authentication":   "Authentication & User Management",
	"quote_calculator": "Quote Calculator System",
	"dashboard":        "Dashboard Features",
	"api_development":  "API Development",
	"database":         "Database Architecture",
	"ui_development":   "UI Components & Pages",
	"testing":          "Testing Framework",
	"deployment":       "Deployment & DevOps",
	"general":          "General Tasks",
}

// WorkstreamTitle returns the display title for a workstream type.
func WorkstreamTitle(wsType string) string {
	if t, ok := workstreamTitles[wsType]; ok {
		return t
	}
	words := strings.Split(wsType, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}

// cluster is one connected component of the relationship graph.
type cluster struct {
	taskIDs []string
	wsType  string
	phaseID string

	completed  int
	inProgress int
}

// WorkstreamPlan describes one synthetic workstream node to create.
type WorkstreamPlan struct {
	ID      string
	PhaseID string
	Type    string
	Title   string
	Status  string
	TaskIDs []string
}

// PhasePlan names a phase that must exist after reorganization.
type PhasePlan struct {
	ID     string
	Status string
}

// Plan is the full reassignment: phases to ensure, workstreams to
// create, and a task -> workstream assignment covering every
// non-synthetic, non-cancelled task.
type Plan struct {
	Phases      []PhasePlan
	Workstreams []WorkstreamPlan
	Assignments map[string]string // task id -> workstream id
}

// relationGraph carries the edges the cluster builder walks. Edges
// touching synthetic nodes are excluded.
type relationGraph struct {
	tasks    map[string]*task.Task
	children map[string][]string
	parents  map[string]string
	deps     map[string][]string // task -> its dependencies
	revDeps  map[string][]string // task -> tasks depending on it
}

func buildGraph(tasks []task.Task) *relationGraph {
	g := &relationGraph{
		tasks:    make(map[string]*task.Task),
		children: make(map[string][]string),
		parents:  make(map[string]string),
		deps:     make(map[string][]string),
		revDeps:  make(map[string][]string),
	}
	for i := range tasks {
		t := &tasks[i]
		if task.IsSyntheticID(t.TaskID) || t.Status == task.StatusCancelled {
			continue
		}
		g.tasks[t.TaskID] = t
	}
	for id, t := range g.tasks {
		if p := t.ParentTask; p != "" && !task.IsSyntheticID(p) {
			if _, ok := g.tasks[p]; ok {
				g.parents[id] = p
				g.children[p] = append(g.children[p], id)
			}
		}
		for _, dep := range t.DependsOnTasks {
			if _, ok := g.tasks[dep]; ok {
				g.deps[id] = append(g.deps[id], dep)
				g.revDeps[dep] = append(g.revDeps[dep], id)
			}
		}
	}
	return g
}

// rootIDs returns tasks whose parent is null, missing, cancelled, or a
// synthetic node. These seed the cluster walk.
func (g *relationGraph) rootIDs() []string {
	var roots []string
	for id, t := range g.tasks {
		p := t.ParentTask
		switch {
		case p == "":
			roots = append(roots, id)
		case task.IsSyntheticID(p):
			roots = append(roots, id)
		default:
			if _, ok := g.tasks[p]; !ok { // missing or cancelled parent
				roots = append(roots, id)
			}
		}
	}
	sort.Strings(roots)
	return roots
}

// collect gathers the transitive closure over child, dependency, and
// reverse-dependency edges starting at id.
func (g *relationGraph) collect(id string, visited map[string]bool, out *[]string) {
	if visited[id] {
		return
	}
	if _, ok := g.tasks[id]; !ok {
		return
	}
	visited[id] = true
	*out = append(*out, id)

	for _, c := range g.children[id] {
		g.collect(c, visited, out)
	}
	for _, d := range g.deps[id] {
		g.collect(d, visited, out)
	}
	for _, r := range g.revDeps[id] {
		g.collect(r, visited, out)
	}
}

// buildClusters partitions the graph into relationship clusters. Every
// task in the graph ends up in exactly one cluster.
func buildClusters(g *relationGraph) []*cluster {
	visited := make(map[string]bool)
	var clusters []*cluster

	for _, root := range g.rootIDs() {
		if visited[root] {
			continue
		}
		var ids []string
		g.collect(root, visited, &ids)
		if len(ids) > 0 {
			clusters = append(clusters, newCluster(g, ids))
		}
	}

	// Cycles and disconnected subgraphs have no root; sweep them too.
	var remaining []string
	for id := range g.tasks {
		if !visited[id] {
			remaining = append(remaining, id)
		}
	}
	sort.Strings(remaining)
	for _, id := range remaining {
		if visited[id] {
			continue
		}
		var ids []string
		g.collect(id, visited, &ids)
		if len(ids) > 0 {
			clusters = append(clusters, newCluster(g, ids))
		}
	}

	return clusters
}

func newCluster(g *relationGraph, ids []string) *cluster {
	c := &cluster{taskIDs: ids}
	var text strings.Builder
	for _, id := range ids {
		t := g.tasks[id]
		text.WriteString(taskText(t))
		text.WriteByte(' ')
		switch t.Status {
		case task.StatusCompleted:
			c.completed++
		case task.StatusInProgress:
			c.inProgress++
		}
	}
	c.wsType = scoreWorkstreamType(text.String())
	return c
}

// scoreWorkstreamType picks the workstream type whose keywords occur
// most often in the aggregated cluster text.
func scoreWorkstreamType(text string) string {
	best, bestScore := "general", 0
	types := make([]string, 0, len(workstreamPatterns))
	for t := range workstreamPatterns {
		types = append(types, t)
	}
	sort.Strings(types)
	for _, t := range types {
		score := 0
		for _, kw := range workstreamPatterns[t] {
			score += strings.Count(text, kw)
		}
		if score > bestScore {
			best, bestScore = t, score
		}
	}
	return best
}

// assignPhase places a cluster by its dominant completion signal:
// fully completed work belongs to the earliest phase, mixed or active
// work to the current phase, untouched work to the next.
func (c *cluster) assignPhase(m PhaseMapping) {
	n := len(c.taskIDs)
	switch {
	case n > 0 && c.completed == n:
		c.phaseID = task.PhaseFoundation
		if len(m.CompletedPhases) > 0 {
			c.phaseID = m.CompletedPhases[0]
		}
	case c.inProgress > 0 || c.completed > 0:
		c.phaseID = m.CurrentPhase
	default:
		c.phaseID = m.NextPhase
		if c.phaseID == "" {
			c.phaseID = m.CurrentPhase
		}
	}
}

// BuildPlan runs step 4: clusters the relationship graph, assigns
// clusters to phases, consolidates per the config knobs, and emits the
// final reassignment plan. existingIDs guards workstream id collisions.
func BuildPlan(tasks []task.Task, m PhaseMapping, cfg config.MigrationConfig, existingIDs map[string]bool) Plan {
	g := buildGraph(tasks)
	clusters := buildClusters(g)
	for _, c := range clusters {
		c.assignPhase(m)
	}
	logging.ReorgDebug("relationship analysis: %d tasks in %d clusters", len(g.tasks), len(clusters))

	// Group by (phase, workstream type), merging clusters of a kind.
	byPhase := make(map[string]map[string][]string) // phase -> ws type -> task ids
	for _, c := range clusters {
		if byPhase[c.phaseID] == nil {
			byPhase[c.phaseID] = make(map[string][]string)
		}
		byPhase[c.phaseID][c.wsType] = append(byPhase[c.phaseID][c.wsType], c.taskIDs...)
	}

	plan := Plan{Assignments: make(map[string]string)}

	phases := make([]string, 0, len(byPhase))
	for p := range byPhase {
		phases = append(phases, p)
	}
	sort.Slice(phases, func(i, j int) bool { return phaseOrder(phases[i]) < phaseOrder(phases[j]) })

	for _, phaseID := range phases {
		groups := byPhase[phaseID]
		if cfg.ConsolidateWorkstreams {
			groups = consolidate(groups, cfg.MinTasksPerWorkstream, cfg.MaxWorkstreamsPerPhase)
		}

		wsTypes := make([]string, 0, len(groups))
		for t := range groups {
			wsTypes = append(wsTypes, t)
		}
		sort.Strings(wsTypes)

		for _, wsType := range wsTypes {
			ids := groups[wsType]
			if len(ids) == 0 {
				continue
			}
			sort.Strings(ids)
			ws := WorkstreamPlan{
				ID:      workstreamID(phaseID, wsType, existingIDs),
				PhaseID: phaseID,
				Type:    wsType,
				Title:   WorkstreamTitle(wsType),
				Status:  clusterStatus(g, ids),
				TaskIDs: ids,
			}
			plan.Workstreams = append(plan.Workstreams, ws)
			for _, id := range ids {
				plan.Assignments[id] = ws.ID
			}
		}
	}

	// The full canonical structure is always synthesized: completed
	// phases closed, the current phase open, later phases pending.
	completed := make(map[string]bool, len(m.CompletedPhases))
	for _, p := range m.CompletedPhases {
		completed[p] = true
	}
	for _, id := range task.PhaseOrder {
		status := task.StatusPending
		switch {
		case completed[id]:
			status = task.StatusCompleted
		case id == m.CurrentPhase:
			status = task.StatusInProgress
		}
		plan.Phases = append(plan.Phases, PhasePlan{ID: id, Status: status})
	}

	return plan
}

// consolidate merges groups below minTasks into "general", then if the
// phase still exceeds maxPerPhase keeps the largest maxPerPhase-1 and
// folds the rest into general.
func consolidate(groups map[string][]string, minTasks, maxPerPhase int) map[string][]string {
	out := make(map[string][]string)
	general := append([]string(nil), groups["general"]...)

	types := make([]string, 0, len(groups))
	for t := range groups {
		if t != "general" {
			types = append(types, t)
		}
	}
	sort.Strings(types)

	for _, t := range types {
		ids := groups[t]
		if len(ids) < minTasks {
			general = append(general, ids...)
		} else {
			out[t] = ids
		}
	}
	if len(general) > 0 {
		out["general"] = general
	}

	if maxPerPhase > 0 && len(out) > maxPerPhase {
		type sized struct {
			wsType string
			ids    []string
		}
		all := make([]sized, 0, len(out))
		for t, ids := range out {
			all = append(all, sized{t, ids})
		}
		sort.Slice(all, func(i, j int) bool {
			if len(all[i].ids) != len(all[j].ids) {
				return len(all[i].ids) > len(all[j].ids)
			}
			return all[i].wsType < all[j].wsType
		})

		kept := make(map[string][]string)
		var overflow []string
		for i, s := range all {
			if i < maxPerPhase-1 {
				kept[s.wsType] = s.ids
			} else {
				overflow = append(overflow, s.ids...)
			}
		}
		if len(overflow) > 0 {
			kept["general"] = append(kept["general"], overflow...)
		}
		out = kept
	}

	return out
}

// clusterStatus derives the workstream's initial status from its
// members using the rollup rule.
func clusterStatus(g *relationGraph, ids []string) string {
	total, completed, inProgress := 0, 0, 0
	for _, id := range ids {
		t := g.tasks[id]
		total++
		switch t.Status {
		case task.StatusCompleted:
			completed++
		case task.StatusInProgress:
			inProgress++
		}
	}
	switch {
	case total > 0 && completed == total:
		return task.StatusCompleted
	case inProgress > 0 || completed > 0:
		return task.StatusInProgress
	default:
		return task.StatusPending
	}
}

func workstreamID(phaseID, wsType string, existing map[string]bool) string {
	id := fmt.Sprintf("root_%s_%s", phaseID, wsType)
	if existing == nil || !existing[id] {
		return id
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s_%d", id, n)
		if !existing[candidate] {
			return candidate
		}
	}
}

func phaseOrder(id string) int {
	if d, ok := task.GetPhaseDef(id); ok {
		return d.Order
	}
	return 99
}
