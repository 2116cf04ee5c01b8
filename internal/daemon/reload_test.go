package daemon

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDaemon_ReloadLogLevel(t *testing.T) {
	tmpDir := t.TempDir()
	dataDir := filepath.Join(tmpDir, "data")

	configPath := filepath.Join(tmpDir, "config.yml")
	configContent := `
scriptd:
  data_dir: ` + dataDir + `
  control:
    socket: ` + filepath.Join(tmpDir, "scriptd.sock") + `
    pid_file: ` + filepath.Join(tmpDir, "scriptd.pid") + `
  log:
    level: info
    format: text
  metrics:
    enabled: false
  task_persistence:
    enabled: false
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	socketPath := filepath.Join(tmpDir, "scriptd.sock")
	pidFile := filepath.Join(tmpDir, "scriptd.pid")

	d, err := New(configPath, socketPath, pidFile)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}

	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	if d.config.Log.Level != "info" {
		t.Fatalf("expected initial level info, got %s", d.config.Log.Level)
	}

	newConfigContent := `
scriptd:
  data_dir: ` + dataDir + `
  control:
    socket: ` + filepath.Join(tmpDir, "scriptd.sock") + `
    pid_file: ` + filepath.Join(tmpDir, "scriptd.pid") + `
  log:
    level: debug
    format: text
  metrics:
    enabled: false
  task_persistence:
    enabled: false
`
	if err := os.WriteFile(configPath, []byte(newConfigContent), 0644); err != nil {
		t.Fatalf("write new config: %v", err)
	}

	if err := d.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if d.config.Log.Level != "debug" {
		t.Fatalf("expected level debug after reload, got %s", d.config.Log.Level)
	}
}

func TestDaemon_ReloadPreservesTaskState(t *testing.T) {
	tmpDir := t.TempDir()
	dataDir := filepath.Join(tmpDir, "data")

	configPath := filepath.Join(tmpDir, "config.yml")
	configContent := `
scriptd:
  data_dir: ` + dataDir + `
  control:
    socket: ` + filepath.Join(tmpDir, "scriptd.sock") + `
    pid_file: ` + filepath.Join(tmpDir, "scriptd.pid") + `
  log:
    level: info
    format: text
  metrics:
    enabled: false
  task_persistence:
    enabled: false
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	socketPath := filepath.Join(tmpDir, "scriptd.sock")
	pidFile := filepath.Join(tmpDir, "scriptd.pid")

	d, err := New(configPath, socketPath, pidFile)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}

	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	initialCount := len(d.repo.List())

	if err := d.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	afterCount := len(d.repo.List())
	if initialCount != afterCount {
		t.Fatalf("task count changed after reload: %d -> %d", initialCount, afterCount)
	}
}

func TestDaemon_ReloadGCInterval(t *testing.T) {
	tmpDir := t.TempDir()
	dataDir := filepath.Join(tmpDir, "data")

	configPath := filepath.Join(tmpDir, "config.yml")
	configContent := `
scriptd:
  data_dir: ` + dataDir + `
  control:
    socket: ` + filepath.Join(tmpDir, "scriptd.sock") + `
    pid_file: ` + filepath.Join(tmpDir, "scriptd.pid") + `
  log:
    level: info
    format: text
  metrics:
    enabled: false
  task_persistence:
    enabled: false
    gc_interval: 5s
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	socketPath := filepath.Join(tmpDir, "scriptd.sock")
	pidFile := filepath.Join(tmpDir, "scriptd.pid")

	d, err := New(configPath, socketPath, pidFile)
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}

	if err := d.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Stop()

	newConfigContent := `
scriptd:
  data_dir: ` + dataDir + `
  control:
    socket: ` + filepath.Join(tmpDir, "scriptd.sock") + `
    pid_file: ` + filepath.Join(tmpDir, "scriptd.pid") + `
  log:
    level: info
    format: text
  metrics:
    enabled: false
  task_persistence:
    enabled: false
    gc_interval: 15s
`
	if err := os.WriteFile(configPath, []byte(newConfigContent), 0644); err != nil {
		t.Fatalf("write new config: %v", err)
	}

	if err := d.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	if d.config.TaskPersistence.GCInterval != "15s" {
		t.Fatalf("expected gc_interval 15s, got %s", d.config.TaskPersistence.GCInterval)
	}
}
