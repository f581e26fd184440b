package task

// WorkstreamRollup is the derived completion state of one workstream.
type WorkstreamRollup struct {
	WorkstreamID string   `json:"workstream_id"`
	Title        string   `json:"title"`
	Total        int      `json:"total"`
	Completed    int      `json:"completed"`
	Completion   float64  `json:"completion"` // 0..1
	Status       string   `json:"status"`
	Blocking     []string `json:"blocking,omitempty"` // non-completed descendant ids
}

// PhaseRollup aggregates workstream rollups for one phase.
type PhaseRollup struct {
	PhaseID     string             `json:"phase_id"`
	Title       string             `json:"title"`
	Status      string             `json:"status"`
	Completion  float64            `json:"completion"` // 0..1
	CanAdvance  bool               `json:"can_advance"`
	Workstreams []WorkstreamRollup `json:"workstreams"`
}

// RollupWorkstream computes the derived status of a workstream from its
// non-cancelled descendants. An empty workstream counts as complete,
// but empty workstreams are never persisted in the first place.
func (m *Mirror) RollupWorkstream(wsID string) WorkstreamRollup {
	r := WorkstreamRollup{WorkstreamID: wsID, Status: StatusPending}
	if ws, ok := m.Get(wsID); ok {
		r.Title = ws.Title
	}

	anyInProgress := false
	for _, d := range m.Descendants(wsID) {
		if d.Status == StatusCancelled || d.IsWorkstream() || d.IsPhase() {
			continue
		}
		r.Total++
		switch d.Status {
		case StatusCompleted:
			r.Completed++
		case StatusInProgress:
			anyInProgress = true
			r.Blocking = append(r.Blocking, d.TaskID)
		default:
			r.Blocking = append(r.Blocking, d.TaskID)
		}
	}

	if r.Total == 0 {
		r.Completion = 1.0
		r.Status = StatusCompleted
		return r
	}

	r.Completion = float64(r.Completed) / float64(r.Total)
	switch {
	case r.Completed == r.Total:
		r.Status = StatusCompleted
	case r.Completed > 0 || anyInProgress:
		r.Status = StatusInProgress
	default:
		r.Status = StatusPending
	}
	return r
}

// RollupPhase aggregates the phase's workstream children. Regular tasks
// parented directly under the phase are treated as a degenerate
// workstream of their own for completion accounting.
func (m *Mirror) RollupPhase(phaseID string) PhaseRollup {
	p := PhaseRollup{PhaseID: phaseID}
	if ph, ok := m.Get(phaseID); ok {
		p.Title = ph.Title
		p.Status = ph.Status
	}

	var direct WorkstreamRollup
	directSeen := false

	for _, c := range m.Children(phaseID) {
		if c.Status == StatusCancelled {
			continue
		}
		if c.IsWorkstream() {
			p.Workstreams = append(p.Workstreams, m.RollupWorkstream(c.TaskID))
			continue
		}
		// Loose task directly under the phase
		directSeen = true
		direct.Total++
		if c.Status == StatusCompleted {
			direct.Completed++
		} else {
			direct.Blocking = append(direct.Blocking, c.TaskID)
		}
	}

	rollups := p.Workstreams
	if directSeen {
		direct.WorkstreamID = phaseID
		direct.Title = "(direct tasks)"
		if direct.Total > 0 {
			direct.Completion = float64(direct.Completed) / float64(direct.Total)
		}
		if direct.Completed == direct.Total {
			direct.Status = StatusCompleted
		} else if direct.Completed > 0 {
			direct.Status = StatusInProgress
		} else {
			direct.Status = StatusPending
		}
		rollups = append(rollups, direct)
	}

	if len(rollups) == 0 {
		p.Completion = 0
		p.CanAdvance = true // an empty phase has nothing blocking it
		return p
	}

	sum := 0.0
	p.CanAdvance = true
	for _, w := range rollups {
		sum += w.Completion
		if w.Status != StatusCompleted {
			p.CanAdvance = false
		}
	}
	p.Completion = sum / float64(len(rollups))
	return p
}
