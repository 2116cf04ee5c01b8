package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDaemon_StartStopIntegration(t *testing.T) {
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
    level: debug
    format: text
  metrics:
    enabled: false
  task_persistence:
    enabled: false
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	socketPath := filepath.Join(tmpDir, "scriptd.sock")
	pidPath := filepath.Join(tmpDir, "scriptd.pid")

	d, err := New(configPath, socketPath, pidPath)
	if err != nil {
		t.Fatalf("failed to create daemon: %v", err)
	}

	if err := d.Start(); err != nil {
		t.Fatalf("failed to start daemon: %v", err)
	}

	if _, err := os.Stat(pidPath); os.IsNotExist(err) {
		t.Errorf("PID file was not created: %s", pidPath)
	}

	time.Sleep(100 * time.Millisecond)
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		t.Errorf("UDS socket was not created: %s", socketPath)
	}

	runDone := make(chan error, 1)
	go func() {
		runDone <- d.Run()
	}()

	time.Sleep(100 * time.Millisecond)
	d.TriggerShutdown()

	select {
	case err := <-runDone:
		if err != nil {
			t.Errorf("daemon.Run() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop within timeout")
	}

	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Errorf("PID file was not removed after shutdown: %s", pidPath)
	}

	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Errorf("UDS socket was not removed after shutdown: %s", socketPath)
	}
}
