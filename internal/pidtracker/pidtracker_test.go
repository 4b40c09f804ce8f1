package pidtracker_test

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/alloyide/core/internal/pidtracker"
	"github.com/rs/zerolog"
)

func TestRecordAndForget(t *testing.T) {
	dir := t.TempDir()
	tr, err := pidtracker.Open(zerolog.Nop(), dir, "test-install")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := tr.Record(12345, "fake-service"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := tr.Forget(12345); err != nil {
		t.Fatalf("Forget: %v", err)
	}

	// Reopening should load the persisted (forgotten) state without error.
	tr2, err := pidtracker.Open(zerolog.Nop(), dir, "test-install")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	tr2.ReapOrphans(10 * time.Millisecond) // forgotten entry must not be reaped
}

func TestReapOrphans_KillsLiveProcess(t *testing.T) {
	dir := t.TempDir()
	tr, err := pidtracker.Open(zerolog.Nop(), dir, "test-install")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start sleep: %v", err)
	}
	pid := cmd.Process.Pid

	if err := tr.Record(pid, "throwaway-sleep"); err != nil {
		t.Fatalf("Record: %v", err)
	}

	tr.ReapOrphans(200 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("process was not reaped within timeout")
	}
}

func TestOpen_CreatesInstallationScopedPath(t *testing.T) {
	dir := t.TempDir()
	if _, err := pidtracker.Open(zerolog.Nop(), dir, "install-a"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := pidtracker.Open(zerolog.Nop(), dir, "install-b"); err != nil {
		t.Fatalf("Open: %v", err)
	}

	// The owned_pids file only appears after the first Record/save; Open
	// itself creates one directory per installation id.
	for _, id := range []string{"install-a", "install-b"} {
		info, err := os.Stat(dir + "/" + id)
		if err != nil || !info.IsDir() {
			t.Errorf("expected installation-scoped directory %s, stat err: %v", id, err)
		}
	}
}
