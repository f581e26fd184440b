package migrate

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"agentmcp/internal/apierr"
	"agentmcp/internal/config"
	"agentmcp/internal/logging"
	"agentmcp/internal/store"
)

// CurrentVersion is the schema version this build requires.
const CurrentVersion = "2.0.0"

// ErrDeclined is returned when the user refuses an interactive
// migration prompt. The CLI maps it to exit code 2.
var ErrDeclined = errors.New("migration declined by user")

const backupTimestampLayout = "20060102_150405"

// settleDelay between migrators lets the previous step's handles
// drain before the next one opens its own.
const settleDelay = 500 * time.Millisecond

// migration pairs a target version with its description and runner.
type migration struct {
	version     string
	description string
	run         func(ctx context.Context, m *Manager) error
}

var migrations = []migration{
	{"1.1.0", "add code support columns to tasks", runMigration110},
	{"2.0.0", "reorganize tasks into phase/workstream hierarchy", runMigration200},
}

// Manager drives schema migration for one project directory. It owns
// its own store handle so migrators can release and reacquire it.
type Manager struct {
	projectDir string
	agentDir   string
	dbPath     string
	dims       int
	cfg        config.MigrationConfig

	st  *store.Store
	log []string

	// Prompt hooks, replaced in tests. Defaults talk to the terminal.
	ConfirmMigrate func(current string, pending []string) bool
	ConfirmRestore func(backup string) bool
	IsTTY          func() bool
}

// New builds a Manager. dims is the embedding dimensionality passed
// through to store.Open.
func New(projectDir string, cfg config.MigrationConfig, dims int) *Manager {
	m := &Manager{
		projectDir: projectDir,
		agentDir:   filepath.Join(projectDir, ".agent"),
		dbPath:     config.StorePath(projectDir),
		dims:       dims,
		cfg:        cfg,
	}
	m.ConfirmMigrate = m.promptMigrate
	m.ConfirmRestore = m.promptRestore
	m.IsTTY = stdinIsTTY
	return m
}

// CheckAndMigrate detects the schema version and applies any pending
// migrators in order. Returns nil when the store is current or was
// brought current, ErrDeclined when the user refused the prompt, and
// an error (MigrationFailed, LockTimeout) otherwise.
func (m *Manager) CheckAndMigrate(ctx context.Context) error {
	if !m.cfg.AutoMigrate {
		logging.Migration("auto-migration disabled in configuration, skipping")
		return nil
	}

	lock, err := AcquireLock(m.agentDir, DefaultLockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	m.logf("migration check started")

	if err := m.open(); err != nil {
		return apierr.Wrap(apierr.MigrationFailed, err, "failed to open store for migration")
	}
	defer m.close()

	if err := m.ensureMigrationTable(); err != nil {
		return apierr.Wrap(apierr.MigrationFailed, err, "failed to create schema_migrations")
	}

	current, err := m.currentVersion()
	if err != nil {
		return apierr.Wrap(apierr.MigrationFailed, err, "failed to detect schema version")
	}
	m.logf("current version: %s, target: %s", current, CurrentVersion)

	pending := pendingMigrations(current)
	if len(pending) == 0 {
		logging.Migration("store is up to date (version %s)", current)
		m.pruneBackups()
		return nil
	}

	versions := make([]string, len(pending))
	for i, mg := range pending {
		versions[i] = mg.version
	}
	logging.Migration("pending migrations: %s", strings.Join(versions, ", "))

	if m.cfg.Interactive && m.IsTTY() {
		if !m.ConfirmMigrate(current, versions) {
			logging.Migration("migration cancelled by user")
			return ErrDeclined
		}
	}

	var backupPath string
	if m.cfg.AutoBackup {
		backupPath, err = m.createBackup()
		if err != nil {
			return apierr.Wrap(apierr.MigrationFailed, err, "failed to create backup")
		}
		logging.Migration("created backup at %s", backupPath)
		m.logf("backup created: %s", backupPath)
	}

	for _, mg := range pending {
		if err := m.runOne(ctx, mg); err != nil {
			logging.MigrationError("migration to %s failed: %v", mg.version, err)
			m.logf("migration to %s failed: %v", mg.version, err)
			m.handleFailure(backupPath)
			m.saveLog()
			return apierr.Wrap(apierr.MigrationFailed, err,
				"migration to %s failed", mg.version)
		}
	}

	logging.Migration("store migrated to version %s", CurrentVersion)
	m.logf("migration completed, now at %s", CurrentVersion)
	m.saveLog()
	m.pruneBackups()
	return nil
}

// runOne executes a single migrator with pre/post state logging, a
// migration record, and the settle delay between steps.
func (m *Manager) runOne(ctx context.Context, mg migration) error {
	m.logf("starting migration to %s: %s", mg.version, mg.description)
	m.logf("pre-migration tables: %s", strings.Join(m.tableList(), ", "))

	if err := mg.run(ctx, m); err != nil {
		return err
	}

	if err := m.recordMigration(mg.version, mg.description); err != nil {
		return err
	}

	// Let the migrator's handles drain before the next step.
	select {
	case <-time.After(settleDelay):
	case <-ctx.Done():
		return ctx.Err()
	}

	m.logf("post-migration tables: %s", strings.Join(m.tableList(), ", "))
	m.logf("migration to %s completed", mg.version)
	logging.Migration("migrated to version %s", mg.version)
	return nil
}

func (m *Manager) open() error {
	if m.st != nil {
		return nil
	}
	st, err := store.Open(m.dbPath, m.dims)
	if err != nil {
		return err
	}
	m.st = st
	return nil
}

// reorgStore opens a fresh handle for the reorganizer, separate from
// the manager's own.
func (m *Manager) reorgStore() (*store.Store, error) {
	return store.Open(m.dbPath, m.dims)
}

func (m *Manager) close() {
	if m.st != nil {
		m.st.Close()
		m.st = nil
	}
}

func (m *Manager) ensureMigrationTable() error {
	_, err := m.st.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL,
		description TEXT
	)`)
	return err
}

// currentVersion reads the latest recorded migration, falling back to
// structural inference for stores that predate version tracking:
// phase rows imply 2.0.0, the code_language column implies 1.1.0,
// anything else is the 1.0.0 baseline.
func (m *Manager) currentVersion() (string, error) {
	var v string
	err := m.st.QueryRow(`SELECT version FROM schema_migrations
		ORDER BY applied_at DESC, version DESC LIMIT 1`).Scan(&v)
	if err == nil {
		return v, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}

	var phaseCount int
	if err := m.st.QueryRow(`SELECT COUNT(*) FROM tasks
		WHERE task_id LIKE 'phase_%'`).Scan(&phaseCount); err != nil {
		return "", err
	}
	if phaseCount > 0 {
		return "2.0.0", nil
	}
	if m.st.ColumnExists("tasks", "code_language") {
		return "1.1.0", nil
	}
	return "1.0.0", nil
}

// pendingMigrations returns all migrators for versions strictly
// greater than current, in order.
func pendingMigrations(current string) []migration {
	var out []migration
	for _, mg := range migrations {
		if versionLess(current, mg.version) {
			out = append(out, mg)
		}
	}
	return out
}

// versionLess compares dotted numeric versions.
func versionLess(a, b string) bool {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		var an, bn int
		fmt.Sscanf(as[i], "%d", &an)
		fmt.Sscanf(bs[i], "%d", &bn)
		if an != bn {
			return an < bn
		}
	}
	return len(as) < len(bs)
}

func (m *Manager) recordMigration(version, description string) error {
	_, err := m.st.Exec(`INSERT OR REPLACE INTO schema_migrations
		(version, applied_at, description) VALUES (?, ?, ?)`,
		version, time.Now().UTC().Format(time.RFC3339), description)
	return err
}

// createBackup snapshots the live database with VACUUM INTO, which
// uses the online backup path and is safe against concurrent readers.
func (m *Manager) createBackup() (string, error) {
	ts := time.Now().Format(backupTimestampLayout)
	stem := strings.TrimSuffix(filepath.Base(m.dbPath), filepath.Ext(m.dbPath))
	backupPath := filepath.Join(filepath.Dir(m.dbPath),
		fmt.Sprintf("%s_backup_%s.db", stem, ts))

	if _, err := m.st.Exec(`VACUUM INTO ?`, backupPath); err != nil {
		return "", err
	}
	return backupPath, nil
}

// handleFailure offers a restore when interactive; otherwise the
// backup is left in place for manual recovery.
func (m *Manager) handleFailure(backupPath string) {
	if backupPath == "" {
		return
	}
	logging.Migration("backup available at %s", backupPath)
	if m.cfg.Interactive && m.IsTTY() && m.ConfirmRestore(backupPath) {
		if err := m.restoreBackup(backupPath); err != nil {
			logging.MigrationError("restore failed: %v", err)
			m.logf("restore from %s failed: %v", backupPath, err)
		} else {
			logging.Migration("store restored from backup")
			m.logf("store restored from %s", backupPath)
		}
	}
}

// restoreBackup copies the backup file over the live database. Any
// WAL sidecars are removed so the restored file is authoritative.
func (m *Manager) restoreBackup(backupPath string) error {
	m.close()

	data, err := os.ReadFile(backupPath)
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}
	if err := os.WriteFile(m.dbPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write restored database: %w", err)
	}
	os.Remove(m.dbPath + "-wal")
	os.Remove(m.dbPath + "-shm")

	return m.open()
}

// pruneBackups deletes backups older than the retention window.
// Retention 0 disables pruning.
func (m *Manager) pruneBackups() {
	days := m.cfg.BackupRetentionDays
	if days <= 0 {
		return
	}
	stem := strings.TrimSuffix(filepath.Base(m.dbPath), filepath.Ext(m.dbPath))
	pattern := filepath.Join(filepath.Dir(m.dbPath), stem+"_backup_*.db")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	prefix := stem + "_backup_"
	for _, path := range matches {
		name := strings.TrimSuffix(filepath.Base(path), ".db")
		tsPart := strings.TrimPrefix(name, prefix)
		ts, err := time.ParseInLocation(backupTimestampLayout, tsPart, time.Local)
		if err != nil {
			continue // not one of ours
		}
		if ts.Before(cutoff) {
			if err := os.Remove(path); err == nil {
				logging.Migration("deleted old backup %s", filepath.Base(path))
			}
		}
	}
}

func (m *Manager) tableList() []string {
	if m.st == nil {
		return nil
	}
	return m.st.TableNames()
}

func (m *Manager) logf(format string, args ...interface{}) {
	line := fmt.Sprintf("[%s] %s", time.Now().Format("2006-01-02 15:04:05"),
		fmt.Sprintf(format, args...))
	m.log = append(m.log, line)
}

// saveLog writes the accumulated migration log to a timestamped file
// under .agent/migration_logs/.
func (m *Manager) saveLog() {
	if len(m.log) == 0 {
		return
	}
	dir := filepath.Join(m.agentDir, "migration_logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logging.MigrationWarn("failed to create migration log dir: %v", err)
		return
	}
	path := filepath.Join(dir, fmt.Sprintf("migration_%s.log", time.Now().Format(backupTimestampLayout)))
	if err := os.WriteFile(path, []byte(strings.Join(m.log, "\n")+"\n"), 0o644); err != nil {
		logging.MigrationWarn("failed to save migration log: %v", err)
		return
	}
	logging.Migration("migration log saved to %s", path)
}

func (m *Manager) promptMigrate(current string, pending []string) bool {
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("DATABASE MIGRATION REQUIRED")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Current version: %s\n", current)
	fmt.Printf("Target version:  %s\n", CurrentVersion)
	fmt.Println("\nMigrations to apply:")
	for _, v := range pending {
		for _, mg := range migrations {
			if mg.version == v {
				fmt.Printf("  - %s: %s\n", v, mg.description)
			}
		}
	}
	if m.cfg.AutoBackup {
		fmt.Println("\nA backup will be created automatically.")
	}
	fmt.Print("\nProceed? (y/N): ")
	return readYesNo(os.Stdin)
}

func (m *Manager) promptRestore(backup string) bool {
	fmt.Println(strings.Repeat("=", 60))
	fmt.Println("MIGRATION FAILED")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("A backup is available at: %s\n", backup)
	fmt.Print("Restore from this backup? (y/N): ")
	return readYesNo(os.Stdin)
}

func readYesNo(r io.Reader) bool {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && line == "" {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

func stdinIsTTY() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
