// Package task implements the hierarchical task graph: phases at the
// top, workstreams beneath them, regular tasks and subtasks below.
// Node roles are carried by task_id prefix (phase_*, root_*), not by
// separate types.
package task

import (
	"strings"
	"time"
)

// Task statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusCancelled  = "cancelled"
)

// Task priorities.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// Note is one append-only annotation on a task.
type Note struct {
	Timestamp string `json:"timestamp"`
	Author    string `json:"author"`
	Content   string `json:"content"`
}

// Task is the single node record for phases, workstreams and regular
// tasks alike.
type Task struct {
	TaskID         string   `json:"task_id"`
	Title          string   `json:"title"`
	Description    string   `json:"description"`
	AssignedTo     string   `json:"assigned_to,omitempty"`
	CreatedBy      string   `json:"created_by"`
	Status         string   `json:"status"`
	Priority       string   `json:"priority"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
	ParentTask     string   `json:"parent_task,omitempty"` // empty = no parent
	ChildTasks     []string `json:"child_tasks"`
	DependsOnTasks []string `json:"depends_on_tasks"`
	Notes          []Note   `json:"notes"`

	// Optional code-support metadata (schema 1.1.0)
	CodeLanguage string `json:"code_language,omitempty"`
	CodeContext  string `json:"code_context,omitempty"`
}

// IsPhaseID reports whether id names a Phase node.
func IsPhaseID(id string) bool {
	return strings.HasPrefix(id, "phase_")
}

// IsWorkstreamID reports whether id names a Workstream node.
func IsWorkstreamID(id string) bool {
	return strings.HasPrefix(id, "root_")
}

// IsSyntheticID reports whether id names a synthetic (phase or
// workstream) node rather than a regular task.
func IsSyntheticID(id string) bool {
	return IsPhaseID(id) || IsWorkstreamID(id)
}

// IsPhase reports whether the task is a Phase node.
func (t *Task) IsPhase() bool { return IsPhaseID(t.TaskID) }

// IsWorkstream reports whether the task is a Workstream node.
func (t *Task) IsWorkstream() bool { return IsWorkstreamID(t.TaskID) }

// IsTerminal reports whether the task's own status admits no further
// transitions.
func (t *Task) IsTerminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusCancelled
}

// AppendNote adds an annotation. Notes are never mutated or removed.
func (t *Task) AppendNote(author, content string) {
	t.Notes = append(t.Notes, Note{
		Timestamp: NowISO(),
		Author:    author,
		Content:   content,
	})
}

// ValidStatus reports whether s is a recognized task status.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidPriority reports whether p is a recognized priority.
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// ValidTransition implements the task state machine:
//
//	pending <-> in_progress
//	pending|in_progress|failed -> completed
//	pending|in_progress -> failed
//	any non-terminal -> cancelled
//	completed, cancelled are terminal
func ValidTransition(from, to string) bool {
	if from == StatusCompleted || from == StatusCancelled {
		return false
	}
	switch to {
	case StatusInProgress:
		return from == StatusPending
	case StatusPending:
		return from == StatusInProgress
	case StatusCompleted:
		return from == StatusPending || from == StatusInProgress || from == StatusFailed
	case StatusFailed:
		return from == StatusPending || from == StatusInProgress
	case StatusCancelled:
		return true // any non-terminal
	}
	return false
}

// NowISO returns the current time as an ISO-8601 UTC string, the
// timestamp format used across all persisted records.
func NowISO() string {
	return time.Now().UTC().Format(time.RFC3339)
}
