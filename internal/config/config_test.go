package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

const minimalValidYAML = `
schema_version: "1"
process:
  paths: ["/mnt/cache"]
  pid_file: /var/run/mover.pid
progress:
  method: adaptive
storage:
  db_path: /var/lib/moverstatus/moverstatus.db
`

func TestLoad_MinimalValidConfig(t *testing.T) {
	path := writeTempConfig(t, minimalValidYAML)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() unexpected error: %v", err)
	}
	if cfg.Process.PIDFile != "/var/run/mover.pid" {
		t.Fatalf("Process.PIDFile = %q, want /var/run/mover.pid", cfg.Process.PIDFile)
	}
	// Defaults should still apply for fields the file didn't override.
	if cfg.Monitoring.Interval == 0 {
		t.Fatal("Monitoring.Interval default was not applied")
	}
}

func TestLoad_UnknownTopLevelFieldRejected(t *testing.T) {
	path := writeTempConfig(t, minimalValidYAML+"\nnot_a_real_field: true\n")

	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted an unknown top-level field, want error")
	}
}

func TestLoad_UnknownNestedFieldRejected(t *testing.T) {
	body := minimalValidYAML + "\nmonitoring:\n  bogus_key: 5\n"
	path := writeTempConfig(t, body)

	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted an unknown nested field, want error")
	}
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Fatal("Load() accepted a missing file, want error")
	}
}

func TestLoad_InvalidValidationFails(t *testing.T) {
	body := `
schema_version: "1"
process:
  paths: []
  pid_file: ""
progress:
  method: adaptive
storage:
  db_path: /var/lib/moverstatus/moverstatus.db
`
	path := writeTempConfig(t, body)

	if _, err := Load(path); err == nil {
		t.Fatal("Load() accepted empty process.paths/pid_file, want validation error")
	}
}

func TestValidate_DefaultsArePassable(t *testing.T) {
	cfg := Defaults()
	cfg.Process.Paths = []string{"/mnt/cache"}

	if err := Validate(&cfg); err != nil {
		t.Fatalf("Validate() on Defaults()+paths unexpectedly failed: %v", err)
	}
}

func TestValidate_RejectsBadSchemaVersion(t *testing.T) {
	cfg := Defaults()
	cfg.Process.Paths = []string{"/mnt/cache"}
	cfg.SchemaVersion = "2"

	if err := Validate(&cfg); err == nil {
		t.Fatal("Validate() accepted schema_version=2, want error")
	}
}

func TestValidate_RejectsUnknownProgressMethod(t *testing.T) {
	cfg := Defaults()
	cfg.Process.Paths = []string{"/mnt/cache"}
	cfg.Progress.Method = "quantum"

	if err := Validate(&cfg); err == nil {
		t.Fatal("Validate() accepted an unknown progress.method, want error")
	}
}

func TestValidate_RejectsEnabledProviderWithoutConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Process.Paths = []string{"/mnt/cache"}
	cfg.Notifications.EnabledProviders = []string{"slack"}

	if err := Validate(&cfg); err == nil {
		t.Fatal("Validate() accepted enabled_providers referencing an absent providers entry, want error")
	}
}

func TestValidate_AccumulatesMultipleErrors(t *testing.T) {
	cfg := Defaults()
	cfg.SchemaVersion = "bogus"
	cfg.Process.Paths = nil
	cfg.Progress.Method = "bogus"

	err := Validate(&cfg)
	if err == nil {
		t.Fatal("Validate() returned nil, want accumulated errors")
	}
}
