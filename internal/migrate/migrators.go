package migrate

import (
	"context"
	"fmt"

	"agentmcp/internal/logging"
	"agentmcp/internal/reorg"
)

// runMigration110 adds the optional code-support columns to the tasks
// table. Purely additive and idempotent: columns that already exist
// are skipped.
func runMigration110(ctx context.Context, m *Manager) error {
	cols := []struct{ name, ddl string }{
		{"code_language", `ALTER TABLE tasks ADD COLUMN code_language TEXT`},
		{"code_context", `ALTER TABLE tasks ADD COLUMN code_context TEXT`},
	}
	for _, c := range cols {
		if m.st.ColumnExists("tasks", c.name) {
			m.logf("column %s already present, skipping", c.name)
			continue
		}
		if _, err := m.st.Exec(c.ddl); err != nil {
			return fmt.Errorf("failed to add column %s: %w", c.name, err)
		}
		m.logf("added column %s to tasks", c.name)
	}
	return nil
}

// runMigration200 delegates to the graph reorganizer. The manager's
// own store handle is released first and reacquired after, so the
// reorganization transaction is the only writer.
func runMigration200(ctx context.Context, m *Manager) error {
	m.close()
	defer func() {
		if err := m.open(); err != nil {
			logging.MigrationError("failed to reopen store after reorganization: %v", err)
		}
	}()

	st, err := m.reorgStore()
	if err != nil {
		return fmt.Errorf("failed to open store for reorganization: %w", err)
	}
	defer st.Close()

	res, err := reorg.Run(ctx, st, m.cfg)
	if err != nil {
		return err
	}
	if res.Skipped {
		m.logf("reorganization skipped (nothing to do)")
	} else {
		m.logf("reorganization created %d phases, %d workstreams, migrated %d tasks",
			res.PhasesCreated, res.WorkstreamsCreated, res.TasksMigrated)
	}
	return nil
}
