package store

// Health summarizes a quick probe of the database connection.
type Health struct {
	CanQuery    bool   `json:"can_query"`
	JournalMode string `json:"journal_mode"`
	BusyTimeout int    `json:"busy_timeout"`
	WALPages    int    `json:"wal_pages"`
	Status      string `json:"status"` // healthy | unhealthy
	Locked      bool   `json:"locked"`
}

// Health probes the connection and reports journal mode, busy timeout
// and WAL backlog. A probe that cannot run a trivial query reports
// unhealthy; a locked error additionally sets Locked.
func (s *Store) Health() Health {
	h := Health{Status: "unhealthy"}

	var one int
	if err := s.QueryRow("SELECT 1").Scan(&one); err != nil {
		h.Locked = IsLockedError(err)
		return h
	}
	h.CanQuery = true
	h.Status = "healthy"

	_ = s.QueryRow("PRAGMA journal_mode").Scan(&h.JournalMode)
	_ = s.QueryRow("PRAGMA busy_timeout").Scan(&h.BusyTimeout)

	// wal_checkpoint(PASSIVE) returns (busy, log, checkpointed)
	var busy, logPages, checkpointed int
	if err := s.QueryRow("PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &logPages, &checkpointed); err == nil {
		h.WALPages = logPages
	}

	return h
}
