package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMigrationDefaults(t *testing.T) {
	cfg := LoadMigrationConfig(t.TempDir())

	if !cfg.AutoMigrate || !cfg.AutoBackup || !cfg.Interactive {
		t.Errorf("boolean defaults wrong: %+v", cfg)
	}
	if cfg.BackupRetentionDays != 7 {
		t.Errorf("BackupRetentionDays = %d, want 7", cfg.BackupRetentionDays)
	}
	if cfg.MinTasksPerWorkstream != 5 || cfg.MaxWorkstreamsPerPhase != 7 {
		t.Errorf("workstream thresholds wrong: %+v", cfg)
	}
}

func TestMigrationFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".agent"), 0755); err != nil {
		t.Fatal(err)
	}
	conf := "# comment line\n\nauto_backup = false\nbackup_retention_days = 14\nbogus_key = ignored\nmalformed line without equals\n"
	if err := os.WriteFile(filepath.Join(dir, ".agent", "migration.conf"), []byte(conf), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := LoadMigrationConfig(dir)
	if cfg.AutoBackup {
		t.Error("auto_backup should be overridden to false")
	}
	if cfg.BackupRetentionDays != 14 {
		t.Errorf("BackupRetentionDays = %d, want 14", cfg.BackupRetentionDays)
	}
	if !cfg.AutoMigrate {
		t.Error("untouched keys must keep defaults")
	}
}

func TestMigrationEnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".agent"), 0755); err != nil {
		t.Fatal(err)
	}
	conf := "min_tasks_per_workstream = 3\ninteractive = true\n"
	if err := os.WriteFile(filepath.Join(dir, ".agent", "migration.conf"), []byte(conf), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("AGENT_MCP_MIGRATION_MIN_TASKS_PER_WORKSTREAM", "9")
	t.Setenv("AGENT_MCP_MIGRATION_INTERACTIVE", "no")

	cfg := LoadMigrationConfig(dir)
	if cfg.MinTasksPerWorkstream != 9 {
		t.Errorf("MinTasksPerWorkstream = %d, want 9 (env wins)", cfg.MinTasksPerWorkstream)
	}
	if cfg.Interactive {
		t.Error("interactive should be off via env")
	}
}

func TestBoolSpellings(t *testing.T) {
	cases := map[string]bool{
		"true": true, "1": true, "yes": true, "on": true, "TRUE": true,
		"false": false, "0": false, "no": false, "off": false,
	}
	for input, want := range cases {
		if got := parseBool(input, !want); got != want {
			t.Errorf("parseBool(%q) = %v, want %v", input, got, want)
		}
	}
	// Unparsable keeps the fallback
	if got := parseBool("maybe", true); !got {
		t.Error("unparsable value should keep fallback")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultMigrationConfig()
	cfg.AutoBackup = false
	cfg.MaxWorkstreamsPerPhase = 4

	if err := cfg.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := LoadMigrationConfig(dir)
	if loaded.AutoBackup {
		t.Error("AutoBackup should survive the round trip")
	}
	if loaded.MaxWorkstreamsPerPhase != 4 {
		t.Errorf("MaxWorkstreamsPerPhase = %d, want 4", loaded.MaxWorkstreamsPerPhase)
	}
}
