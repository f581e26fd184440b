// Package reorg rebuilds a flat legacy task graph into the
// phase -> workstream -> task hierarchy. It runs as the final schema
// migration step and may also be invoked standalone. The pipeline has
// five ordered steps: project-state analysis, phase mapping, task
// categorization, relationship-aware workstream construction, and a
// single-transaction apply.
package reorg

import (
	"strings"

	"agentmcp/internal/task"
)

// Work categories recognized by the state analyzer. Each maps a set of
// keyword signals found in task titles and descriptions.
var completedWorkCategories = []struct {
	name     string
	keywords []string
}{
	{"database_setup", []string{"database", "schema", "table", "migration"}},
	{"authentication", []string{"auth", "login", "user", "profile"}},
	{"basic_apis", []string{"api", "endpoint", "service", "backend"}},
	{"core_components", []string{"component", "ui component", "reusable"}},
	{"dashboard_features", []string{"dashboard", "admin", "management"}},
	{"ui_pages", []string{"page", "route", "navigation"}},
	{"business_logic", []string{"calculator", "business logic", "algorithm"}},
	{"integrations", []string{"integration", "external", "api integration"}},
	{"testing", []string{"test", "testing", "quality"}},
	{"deployment", []string{"deploy", "production", "build"}},
}

// Focus areas used to classify in-flight work.
var activeFocusAreas = []struct {
	name     string
	keywords []string
}{
	{"infrastructure", []string{"setup", "config", "database", "auth"}},
	{"features", []string{"feature", "implement", "calculator", "logic"}},
	{"ui_development", []string{"ui", "page", "component", "interface"}},
	{"optimization", []string{"optimize", "improve", "enhance", "polish"}},
}

// Development stages derived from the signal mix.
const (
	StageFoundationBuilding = "foundation_building"
	StageFeatureDevelopment = "feature_development"
	StageUICoordination     = "ui_coordination"
	StageOptimizationPolish = "optimization_polish"
	StageTransitional       = "transitional"
)

// StateAnalysis is the step-1 summary of what the project has built,
// is building, and has planned.
type StateAnalysis struct {
	TotalTasks         int
	StatusCounts       map[string]int
	CompletionPercent  float64
	CompletedByCat     map[string][]string // category -> task ids
	FoundationComplete bool
	HasUserInterface   bool
	HasBusinessLogic   bool
	IsProductionReady  bool
	PrimaryFocus       string
	DevelopmentStage   string
}

// AnalyzeState walks the task set and derives the project's
// development stage from keyword signals. Synthetic nodes are ignored.
func AnalyzeState(tasks []task.Task) StateAnalysis {
	a := StateAnalysis{
		StatusCounts:   make(map[string]int),
		CompletedByCat: make(map[string][]string),
	}

	focusCounts := make(map[string]int)

	for i := range tasks {
		t := &tasks[i]
		if task.IsSyntheticID(t.TaskID) {
			continue
		}
		a.TotalTasks++
		a.StatusCounts[t.Status]++

		text := taskText(t)
		switch t.Status {
		case task.StatusCompleted:
			if cat, ok := matchCompletedCategory(text); ok {
				a.CompletedByCat[cat] = append(a.CompletedByCat[cat], t.TaskID)
			}
		case task.StatusInProgress:
			if focus, ok := matchFocusArea(text); ok {
				focusCounts[focus]++
			}
		}
	}

	if a.TotalTasks > 0 {
		a.CompletionPercent = float64(a.StatusCounts[task.StatusCompleted]) / float64(a.TotalTasks) * 100
	}

	a.FoundationComplete = len(a.CompletedByCat["database_setup"]) > 0 ||
		len(a.CompletedByCat["authentication"]) > 0 ||
		len(a.CompletedByCat["basic_apis"]) > 0
	a.HasUserInterface = len(a.CompletedByCat["ui_pages"]) > 0 ||
		len(a.CompletedByCat["dashboard_features"]) > 0
	a.HasBusinessLogic = len(a.CompletedByCat["business_logic"]) > 0
	a.IsProductionReady = len(a.CompletedByCat["testing"]) > 0 &&
		len(a.CompletedByCat["deployment"]) > 0

	best := 0
	for focus, n := range focusCounts {
		if n > best || (n == best && a.PrimaryFocus == "") {
			best = n
			a.PrimaryFocus = focus
		}
	}

	a.DevelopmentStage = developmentStage(&a)
	return a
}

func developmentStage(a *StateAnalysis) string {
	switch {
	case !a.FoundationComplete:
		return StageFoundationBuilding
	case !a.HasBusinessLogic || a.PrimaryFocus == "features":
		return StageFeatureDevelopment
	case !a.HasUserInterface || a.PrimaryFocus == "ui_development":
		return StageUICoordination
	case a.PrimaryFocus == "optimization" || a.IsProductionReady:
		return StageOptimizationPolish
	default:
		return StageTransitional
	}
}

func matchCompletedCategory(text string) (string, bool) {
	for _, cat := range completedWorkCategories {
		for _, kw := range cat.keywords {
			if strings.Contains(text, kw) {
				return cat.name, true
			}
		}
	}
	return "", false
}

func matchFocusArea(text string) (string, bool) {
	for _, area := range activeFocusAreas {
		for _, kw := range area.keywords {
			if strings.Contains(text, kw) {
				return area.name, true
			}
		}
	}
	return "", false
}

func taskText(t *task.Task) string {
	return strings.ToLower(t.Title + " " + t.Description)
}

// PhaseMapping is the step-2 result: where the project sits in the
// fixed phase progression, with human-readable reasoning.
type PhaseMapping struct {
	CurrentPhase    string
	CompletedPhases []string
	NextPhase       string
	Reasoning       []string
}

// MapPhases translates the development stage into completed, current
// and next phases along the fixed linear progression.
func MapPhases(a StateAnalysis) PhaseMapping {
	var m PhaseMapping

	switch a.DevelopmentStage {
	case StageFoundationBuilding:
		m.CurrentPhase = task.PhaseFoundation
		m.Reasoning = append(m.Reasoning, "project is still building foundational infrastructure")
	case StageFeatureDevelopment:
		if a.FoundationComplete {
			m.CompletedPhases = append(m.CompletedPhases, task.PhaseFoundation)
			m.CurrentPhase = task.PhaseIntelligence
			m.Reasoning = append(m.Reasoning, "foundation complete, actively developing core features")
		} else {
			m.CurrentPhase = task.PhaseFoundation
			m.Reasoning = append(m.Reasoning, "foundation work mixed with feature development")
		}
	case StageUICoordination:
		m.CompletedPhases = append(m.CompletedPhases, task.PhaseFoundation, task.PhaseIntelligence)
		m.CurrentPhase = task.PhaseCoordination
		m.Reasoning = append(m.Reasoning, "core features exist, focusing on UI and coordination")
	case StageOptimizationPolish:
		m.CompletedPhases = append(m.CompletedPhases, task.PhaseFoundation, task.PhaseIntelligence, task.PhaseCoordination)
		m.CurrentPhase = task.PhaseOptimization
		m.Reasoning = append(m.Reasoning, "system is built, focusing on optimization and polish")
	default: // transitional: best guess from completed capabilities
		switch {
		case a.HasUserInterface && a.HasBusinessLogic:
			m.CompletedPhases = append(m.CompletedPhases, task.PhaseFoundation, task.PhaseIntelligence)
			m.CurrentPhase = task.PhaseCoordination
		case a.HasBusinessLogic:
			m.CompletedPhases = append(m.CompletedPhases, task.PhaseFoundation)
			m.CurrentPhase = task.PhaseIntelligence
		case a.FoundationComplete:
			m.CurrentPhase = task.PhaseIntelligence
		default:
			m.CurrentPhase = task.PhaseFoundation
		}
		m.Reasoning = append(m.Reasoning, "transitional state, mapped from completed capabilities")
	}

	m.NextPhase = task.NextPhase(m.CurrentPhase)
	return m
}

// Categorization is the step-3 partition of tasks into phase buckets
// keyed by completion band.
type Categorization struct {
	Completed map[string][]string // phase id -> completed task ids
	Active    map[string][]string // phase id -> in-progress task ids
	Future    map[string][]string // phase id -> pending task ids
}

// Categorize assigns each task to a phase bucket: completed tasks go
// to the earliest phase their signal matches, active tasks to the
// current phase, pending tasks to the current or next phase.
func Categorize(tasks []task.Task, m PhaseMapping) Categorization {
	c := Categorization{
		Completed: make(map[string][]string),
		Active:    make(map[string][]string),
		Future:    make(map[string][]string),
	}

	for i := range tasks {
		t := &tasks[i]
		if task.IsSyntheticID(t.TaskID) {
			continue
		}
		text := taskText(t)
		switch t.Status {
		case task.StatusCompleted, task.StatusCancelled, task.StatusFailed:
			p := phaseBySignal(text)
			c.Completed[p] = append(c.Completed[p], t.TaskID)
		case task.StatusInProgress:
			c.Active[m.CurrentPhase] = append(c.Active[m.CurrentPhase], t.TaskID)
		default:
			p := m.NextPhase
			if p == "" || phaseBySignal(text) == m.CurrentPhase {
				p = m.CurrentPhase
			}
			c.Future[p] = append(c.Future[p], t.TaskID)
		}
	}
	return c
}

// phaseBySignal maps raw task text to the earliest phase its keywords
// indicate, defaulting to foundation.
func phaseBySignal(text string) string {
	foundation := []string{"setup", "config", "database", "schema", "auth", "authentication", "basic", "infrastructure", "migration"}
	intelligence := []string{"calculator", "algorithm", "business logic", "processing", "computation", "core feature"}
	coordination := []string{"page", "component", "ui", "interface", "dashboard", "navigation", "form", "layout", "integration"}

	for _, kw := range foundation {
		if strings.Contains(text, kw) {
			return task.PhaseFoundation
		}
	}
	for _, kw := range intelligence {
		if strings.Contains(text, kw) {
			return task.PhaseIntelligence
		}
	}
	for _, kw := range coordination {
		if strings.Contains(text, kw) {
			return task.PhaseCoordination
		}
	}
	return task.PhaseFoundation
}
