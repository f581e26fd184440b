package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// EnvPrefix is prepended to upper-cased migration keys for env overrides,
// e.g. AGENT_MCP_MIGRATION_AUTO_BACKUP.
const EnvPrefix = "AGENT_MCP_MIGRATION_"

// MigrationConfig controls migration behavior. Precedence: environment
// variables, then .agent/migration.conf, then defaults.
type MigrationConfig struct {
	AutoMigrate            bool // run pending migrations on startup
	AutoBackup             bool // snapshot the store before migrating
	Interactive            bool // ask for confirmation when a TTY is attached
	BackupRetentionDays    int  // prune snapshots older than this
	PreserveHierarchies    bool // keep existing parent links during reorganization
	ConsolidateWorkstreams bool // merge undersized workstreams
	MinTasksPerWorkstream  int  // threshold for a standalone workstream
	MaxWorkstreamsPerPhase int  // ceiling per phase before consolidation
}

// DefaultMigrationConfig returns the built-in defaults.
func DefaultMigrationConfig() MigrationConfig {
	return MigrationConfig{
		AutoMigrate:            true,
		AutoBackup:             true,
		Interactive:            true,
		BackupRetentionDays:    7,
		PreserveHierarchies:    true,
		ConsolidateWorkstreams: true,
		MinTasksPerWorkstream:  5,
		MaxWorkstreamsPerPhase: 7,
	}
}

// LoadMigrationConfig builds the effective config for a project directory.
func LoadMigrationConfig(projectDir string) MigrationConfig {
	cfg := DefaultMigrationConfig()
	if projectDir != "" {
		cfg.applyFile(filepath.Join(projectDir, ".agent", "migration.conf"))
	}
	cfg.applyEnv()
	return cfg
}

// applyFile overlays settings from a key = value file. Unknown keys and
// unparsable values are ignored.
func (c *MigrationConfig) applyFile(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		c.set(strings.ToLower(strings.TrimSpace(key)), strings.TrimSpace(value))
	}
}

// applyEnv overlays AGENT_MCP_MIGRATION_* variables.
func (c *MigrationConfig) applyEnv() {
	for _, key := range migrationKeys {
		envKey := EnvPrefix + strings.ToUpper(key)
		if v, ok := os.LookupEnv(envKey); ok {
			c.set(key, v)
		}
	}
}

var migrationKeys = []string{
	"auto_migrate",
	"auto_backup",
	"interactive",
	"backup_retention_days",
	"preserve_hierarchies",
	"consolidate_workstreams",
	"min_tasks_per_workstream",
	"max_workstreams_per_phase",
}

func (c *MigrationConfig) set(key, value string) {
	switch key {
	case "auto_migrate":
		c.AutoMigrate = parseBool(value, c.AutoMigrate)
	case "auto_backup":
		c.AutoBackup = parseBool(value, c.AutoBackup)
	case "interactive":
		c.Interactive = parseBool(value, c.Interactive)
	case "backup_retention_days":
		c.BackupRetentionDays = parseInt(value, c.BackupRetentionDays)
	case "preserve_hierarchies":
		c.PreserveHierarchies = parseBool(value, c.PreserveHierarchies)
	case "consolidate_workstreams":
		c.ConsolidateWorkstreams = parseBool(value, c.ConsolidateWorkstreams)
	case "min_tasks_per_workstream":
		c.MinTasksPerWorkstream = parseInt(value, c.MinTasksPerWorkstream)
	case "max_workstreams_per_phase":
		c.MaxWorkstreamsPerPhase = parseInt(value, c.MaxWorkstreamsPerPhase)
	}
}

func parseBool(s string, fallback bool) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

func parseInt(s string, fallback int) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}

// Save writes the current settings to .agent/migration.conf so operators can
// edit them between runs.
func (c MigrationConfig) Save(projectDir string) error {
	dir := filepath.Join(projectDir, ".agent")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	settings := map[string]string{
		"auto_migrate":              formatBool(c.AutoMigrate),
		"auto_backup":               formatBool(c.AutoBackup),
		"interactive":               formatBool(c.Interactive),
		"backup_retention_days":     strconv.Itoa(c.BackupRetentionDays),
		"preserve_hierarchies":      formatBool(c.PreserveHierarchies),
		"consolidate_workstreams":   formatBool(c.ConsolidateWorkstreams),
		"min_tasks_per_workstream":  strconv.Itoa(c.MinTasksPerWorkstream),
		"max_workstreams_per_phase": strconv.Itoa(c.MaxWorkstreamsPerPhase),
	}

	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("# Agent MCP migration configuration\n")
	b.WriteString("# key = value, one per line\n\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "%s = %s\n", k, settings[k])
	}

	return os.WriteFile(filepath.Join(dir, "migration.conf"), []byte(b.String()), 0644)
}

func formatBool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
