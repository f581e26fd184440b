package task

import (
	"sync"

	"agentmcp/internal/logging"
	"agentmcp/internal/store"
)

// Mirror is the in-memory copy of the task table used for hot read
// paths. Single writer: updates happen strictly after the owning Store
// transaction commits, so readers never observe uncommitted state.
type Mirror struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	byParent map[string][]string
}

// NewMirror returns an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{
		tasks:    make(map[string]*Task),
		byParent: make(map[string][]string),
	}
}

// Rebuild replaces the mirror contents from the Store. The write lock
// is held across the read: a concurrent post-commit Put either lands
// before the read (and its row is in the snapshot) or applies after
// the swap, so a committed write is never clobbered by stale data.
func (m *Mirror) Rebuild(s *store.Store) error {
	timer := logging.StartTimer(logging.CategoryTasks, "Mirror.Rebuild")
	defer timer.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	tasks, err := LoadAll(s)
	if err != nil {
		return err
	}

	m.tasks = make(map[string]*Task, len(tasks))
	m.byParent = make(map[string][]string)
	for i := range tasks {
		t := tasks[i]
		m.tasks[t.TaskID] = &t
		if t.ParentTask != "" {
			m.byParent[t.ParentTask] = append(m.byParent[t.ParentTask], t.TaskID)
		}
	}

	logging.Tasks("mirror rebuilt with %d tasks", len(tasks))
	return nil
}

// Get returns a copy of the task, if present.
func (m *Mirror) Get(id string) (Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	return cloneTask(t), true
}

// Put inserts or replaces a task after its transaction committed.
func (m *Mirror) Put(t Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.tasks[t.TaskID]; ok && old.ParentTask != t.ParentTask {
		m.removeChildLocked(old.ParentTask, t.TaskID)
	}
	isNew := m.tasks[t.TaskID] == nil
	c := cloneTask(&t)
	m.tasks[t.TaskID] = &c
	if t.ParentTask != "" && (isNew || !m.hasChildLocked(t.ParentTask, t.TaskID)) {
		m.byParent[t.ParentTask] = append(m.byParent[t.ParentTask], t.TaskID)
	}
}

// Children returns copies of the direct children of id.
func (m *Mirror) Children(id string) []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.byParent[id]
	out := make([]Task, 0, len(ids))
	for _, cid := range ids {
		if t, ok := m.tasks[cid]; ok {
			out = append(out, cloneTask(t))
		}
	}
	return out
}

// Descendants returns copies of every task below id (excluding id).
func (m *Mirror) Descendants(id string) []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Task
	var walk func(string)
	walk = func(cur string) {
		for _, cid := range m.byParent[cur] {
			if t, ok := m.tasks[cid]; ok {
				out = append(out, cloneTask(t))
				walk(cid)
			}
		}
	}
	walk(id)
	return out
}

// All returns copies of every task.
func (m *Mirror) All() []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, cloneTask(t))
	}
	return out
}

// Len returns the number of mirrored tasks.
func (m *Mirror) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

// RootAncestor follows parent links from id and returns the topmost
// ancestor (which is id itself when it has no parent).
func (m *Mirror) RootAncestor(id string) (Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cur, ok := m.tasks[id]
	if !ok {
		return Task{}, false
	}
	seen := map[string]bool{cur.TaskID: true}
	for cur.ParentTask != "" {
		next, ok := m.tasks[cur.ParentTask]
		if !ok || seen[next.TaskID] {
			break
		}
		seen[next.TaskID] = true
		cur = next
	}
	return cloneTask(cur), true
}

// AncestorChain returns copies of the ancestors of id, nearest first.
func (m *Mirror) AncestorChain(id string) []Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Task
	cur, ok := m.tasks[id]
	if !ok {
		return nil
	}
	seen := map[string]bool{cur.TaskID: true}
	for cur.ParentTask != "" {
		next, ok := m.tasks[cur.ParentTask]
		if !ok || seen[next.TaskID] {
			break
		}
		out = append(out, cloneTask(next))
		seen[next.TaskID] = true
		cur = next
	}
	return out
}

func (m *Mirror) hasChildLocked(parent, child string) bool {
	for _, id := range m.byParent[parent] {
		if id == child {
			return true
		}
	}
	return false
}

func (m *Mirror) removeChildLocked(parent, child string) {
	if parent == "" {
		return
	}
	ids := m.byParent[parent]
	for i, id := range ids {
		if id == child {
			m.byParent[parent] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

func cloneTask(t *Task) Task {
	c := *t
	c.ChildTasks = append([]string(nil), t.ChildTasks...)
	c.DependsOnTasks = append([]string(nil), t.DependsOnTasks...)
	c.Notes = append([]Note(nil), t.Notes...)
	return c
}
