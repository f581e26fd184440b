package task

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"agentmcp/internal/store"
)

// Queryer is satisfied by *sql.Tx and lets persistence helpers run
// inside or outside an explicit transaction.
type Queryer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

const taskColumns = `task_id, title, description, assigned_to, created_by, status, priority,
	created_at, updated_at, parent_task, child_tasks, depends_on_tasks, notes`

// InsertTask writes a new task row.
func InsertTask(q Queryer, t *Task) error {
	children, deps, notes, err := marshalJSONCols(t)
	if err != nil {
		return err
	}
	_, err = q.Exec(`INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.Title, t.Description, nullable(t.AssignedTo), t.CreatedBy, t.Status, t.Priority,
		t.CreatedAt, t.UpdatedAt, nullable(t.ParentTask), children, deps, notes)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.TaskID, err)
	}
	return nil
}

// UpdateTask rewrites the mutable columns of an existing task row.
func UpdateTask(q Queryer, t *Task) error {
	children, deps, notes, err := marshalJSONCols(t)
	if err != nil {
		return err
	}
	_, err = q.Exec(`UPDATE tasks SET title=?, description=?, assigned_to=?, status=?, priority=?,
		updated_at=?, parent_task=?, child_tasks=?, depends_on_tasks=?, notes=? WHERE task_id=?`,
		t.Title, t.Description, nullable(t.AssignedTo), t.Status, t.Priority,
		t.UpdatedAt, nullable(t.ParentTask), children, deps, notes, t.TaskID)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", t.TaskID, err)
	}
	return nil
}

// LoadAll reads every task row, used to rebuild the in-memory mirror.
func LoadAll(s *store.Store) ([]Task, error) {
	rows, err := s.Query(`SELECT ` + taskColumns + ` FROM tasks`)
	if err != nil {
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(rows *sql.Rows) (Task, error) {
	var t Task
	var assignedTo, parentTask sql.NullString
	var children, deps, notes sql.NullString

	err := rows.Scan(&t.TaskID, &t.Title, &t.Description, &assignedTo, &t.CreatedBy,
		&t.Status, &t.Priority, &t.CreatedAt, &t.UpdatedAt, &parentTask,
		&children, &deps, &notes)
	if err != nil {
		return t, fmt.Errorf("failed to scan task row: %w", err)
	}

	t.AssignedTo = assignedTo.String
	t.ParentTask = parentTask.String
	if err := unmarshalJSONCol(children, &t.ChildTasks); err != nil {
		return t, fmt.Errorf("bad child_tasks on %s: %w", t.TaskID, err)
	}
	if err := unmarshalJSONCol(deps, &t.DependsOnTasks); err != nil {
		return t, fmt.Errorf("bad depends_on_tasks on %s: %w", t.TaskID, err)
	}
	if err := unmarshalJSONCol(notes, &t.Notes); err != nil {
		return t, fmt.Errorf("bad notes on %s: %w", t.TaskID, err)
	}
	return t, nil
}

func marshalJSONCols(t *Task) (children, deps, notes string, err error) {
	c, err := json.Marshal(emptyIfNil(t.ChildTasks))
	if err != nil {
		return "", "", "", err
	}
	d, err := json.Marshal(emptyIfNil(t.DependsOnTasks))
	if err != nil {
		return "", "", "", err
	}
	n := t.Notes
	if n == nil {
		n = []Note{}
	}
	nb, err := json.Marshal(n)
	if err != nil {
		return "", "", "", err
	}
	return string(c), string(d), string(nb), nil
}

func unmarshalJSONCol[T any](col sql.NullString, dst *T) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dst)
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
