package supervisor_test

import (
	"context"
	"testing"
	"time"

	"github.com/alloyide/core/internal/config"
	"github.com/alloyide/core/internal/pidtracker"
	"github.com/alloyide/core/internal/portpool"
	"github.com/alloyide/core/internal/supervisor"
	"github.com/rs/zerolog"
)

func newTestSupervisor(t *testing.T) *supervisor.Supervisor {
	t.Helper()

	cfg := &config.Config{AllowEphemeralFallback: false}
	ports := portpool.New(zerolog.Nop(), cfg)
	ranges := map[string]config.PortRange{
		"TEST_POOL": {PoolName: "TEST_POOL", Start: 41000, End: 41010, DesiredSize: 10, Priority: 1},
	}
	if err := ports.Initialize(context.Background(), ranges); err != nil {
		t.Fatalf("ports.Initialize: %v", err)
	}

	pids, err := pidtracker.Open(zerolog.Nop(), t.TempDir(), "test-install")
	if err != nil {
		t.Fatalf("pidtracker.Open: %v", err)
	}

	return supervisor.New(zerolog.Nop(), ports, pids)
}

func TestRegister_DuplicateNameRejected(t *testing.T) {
	sup := newTestSupervisor(t)

	cfg := supervisor.ServiceConfig{Name: "dup", Kind: supervisor.KindNativeBinary, ExecutablePath: "/bin/true"}
	if err := sup.Register(cfg); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := sup.Register(cfg); err == nil {
		t.Fatal("expected error registering duplicate name")
	}
}

func TestStart_UnregisteredServiceFails(t *testing.T) {
	sup := newTestSupervisor(t)

	if err := sup.Start(context.Background(), "nope"); err == nil {
		t.Fatal("expected error starting unregistered service")
	}
}

func TestStart_NativeBinaryNoPort_ReachesRunning(t *testing.T) {
	sup := newTestSupervisor(t)

	cfg := supervisor.ServiceConfig{
		Name:           "sleeper",
		Kind:           supervisor.KindNativeBinary,
		ExecutablePath: "/bin/sleep",
		Arguments:      []string{"5"},
		RestartPolicy:  supervisor.RestartPolicy{MaxAttempts: 0},
	}
	if err := sup.Register(cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var started bool
	sup.On(supervisor.EventProcessStarted, func(ev supervisor.Event) {
		if ev.Name == "sleeper" {
			started = true
		}
	})

	if err := sup.Start(context.Background(), "sleeper"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !started {
		t.Error("expected process-started event")
	}

	snap, ok := sup.Status("sleeper")
	if !ok {
		t.Fatal("expected status after start")
	}
	if snap.State != supervisor.StateRunning {
		t.Errorf("expected running, got %s", snap.State)
	}

	if err := sup.Stop("sleeper"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStart_AlreadyRunningIsIdempotent(t *testing.T) {
	sup := newTestSupervisor(t)

	cfg := supervisor.ServiceConfig{
		Name:           "idempotent-sleeper",
		Kind:           supervisor.KindNativeBinary,
		ExecutablePath: "/bin/sleep",
		Arguments:      []string{"5"},
		RestartPolicy:  supervisor.RestartPolicy{MaxAttempts: 0},
	}
	if err := sup.Register(cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := sup.Start(context.Background(), cfg.Name); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer sup.Stop(cfg.Name)

	snapBefore, _ := sup.Status(cfg.Name)

	startCount := 0
	sup.On(supervisor.EventProcessStarted, func(ev supervisor.Event) {
		if ev.Name == cfg.Name {
			startCount++
		}
	})
	if err := sup.Start(context.Background(), cfg.Name); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if startCount != 0 {
		t.Error("second Start on an already-running service must not spawn a new process")
	}

	snapAfter, _ := sup.Status(cfg.Name)
	if snapAfter.PID != snapBefore.PID {
		t.Errorf("expected same pid across idempotent Start, got %d then %d", snapBefore.PID, snapAfter.PID)
	}
}

func TestStart_SpawnFailureEmitsProcessFailed(t *testing.T) {
	sup := newTestSupervisor(t)

	cfg := supervisor.ServiceConfig{
		Name:           "missing-binary",
		Kind:           supervisor.KindNativeBinary,
		ExecutablePath: "/no/such/executable-ever",
		RestartPolicy:  supervisor.RestartPolicy{MaxAttempts: 0},
	}
	if err := sup.Register(cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// A spawn failure emits spawn-failed and then, with MaxAttempts 0,
	// restart-exhausted; keep the first reason and drop later ones so the
	// synchronous emit never blocks Start.
	failed := make(chan supervisor.FailureReason, 1)
	sup.On(supervisor.EventProcessFailed, func(ev supervisor.Event) {
		select {
		case failed <- ev.Reason:
		default:
		}
	})

	if err := sup.Start(context.Background(), "missing-binary"); err == nil {
		t.Fatal("expected error starting missing executable")
	}

	select {
	case reason := <-failed:
		if reason != supervisor.ReasonSpawnFailed {
			t.Errorf("expected spawn-failed reason, got %s", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("expected process-failed event")
	}
}

// TestStart_NativeBinaryCrashesBeforePortReady_ClassifiedAsCrashed is the
// spec.md §8 boundary scenario: a native-binary child that exits non-zero
// before its port ever becomes reachable must be classified crashed, never
// mistaken for ready, and must not hang the readiness loop indefinitely.
func TestStart_NativeBinaryCrashesBeforePortReady_ClassifiedAsCrashed(t *testing.T) {
	sup := newTestSupervisor(t)

	cfg := supervisor.ServiceConfig{
		Name:           "exits-immediately",
		Kind:           supervisor.KindNativeBinary,
		ExecutablePath: "/bin/false",
		RequiresPort:   true,
		PoolName:       "TEST_POOL",
		RestartPolicy:  supervisor.RestartPolicy{MaxAttempts: 0},
	}
	if err := sup.Register(cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	failed := make(chan supervisor.FailureReason, 1)
	sup.On(supervisor.EventProcessFailed, func(ev supervisor.Event) {
		if ev.Name == cfg.Name {
			select {
			case failed <- ev.Reason:
			default: // restart-exhausted follows spawn-failed; keep the first
			}
		}
	})

	errCh := make(chan error, 1)
	go func() { errCh <- sup.Start(context.Background(), cfg.Name) }()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("expected Start to report the crash, not silently succeed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start never returned — readiness loop hung instead of observing process exit")
	}

	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("expected process-failed event for the crashed instance")
	}
}

func TestDiagnostics_ReportsLiveInstanceByName(t *testing.T) {
	sup := newTestSupervisor(t)

	cfg := supervisor.ServiceConfig{
		Name:           "diag-sleeper",
		Kind:           supervisor.KindNativeBinary,
		ExecutablePath: "/bin/sleep",
		Arguments:      []string{"5"},
		RestartPolicy:  supervisor.RestartPolicy{MaxAttempts: 0},
	}
	if err := sup.Register(cfg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := sup.Start(context.Background(), cfg.Name); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop(cfg.Name)

	snap := sup.Diagnostics()
	entry, ok := snap[cfg.Name]
	if !ok {
		t.Fatalf("expected diagnostics entry for %s, got %v", cfg.Name, snap)
	}
	if entry.State != supervisor.StateRunning {
		t.Errorf("expected running, got %s", entry.State)
	}
	if entry.Memory <= 0 {
		t.Error("expected a positive RSS reading for a live process")
	}
}

func TestStart_PortExhaustionEmitsNoPortFailure(t *testing.T) {
	sup := newTestSupervisor(t)

	base := supervisor.ServiceConfig{
		Kind: supervisor.KindNativeBinary, ExecutablePath: "/bin/sleep",
		Arguments: []string{"5"}, RequiresPort: true, PoolName: "TEST_POOL",
	}

	// TEST_POOL has 11 ports (41000-41010); drain all of them.
	var started []string
	for i := 0; i < 11; i++ {
		cfg := base
		cfg.Name = "drain-" + string(rune('a'+i))
		if err := sup.Register(cfg); err != nil {
			t.Fatalf("Register %s: %v", cfg.Name, err)
		}
		if err := sup.Start(context.Background(), cfg.Name); err != nil {
			t.Fatalf("Start %s: %v", cfg.Name, err)
		}
		started = append(started, cfg.Name)
	}
	defer func() {
		for _, name := range started {
			sup.Stop(name)
		}
	}()

	overflow := base
	overflow.Name = "overflow"
	if err := sup.Register(overflow); err != nil {
		t.Fatalf("Register overflow: %v", err)
	}

	failed := make(chan supervisor.FailureReason, 1)
	sup.On(supervisor.EventProcessFailed, func(ev supervisor.Event) {
		if ev.Name == "overflow" {
			failed <- ev.Reason
		}
	})

	if err := sup.Start(context.Background(), "overflow"); err == nil {
		t.Fatal("expected pool exhaustion error")
	}

	select {
	case reason := <-failed:
		if reason != supervisor.ReasonNoPort {
			t.Errorf("expected no-port reason, got %s", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("expected process-failed event")
	}
}
