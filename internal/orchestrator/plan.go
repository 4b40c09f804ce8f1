package orchestrator

import (
	"context"
	"time"
)

// Canonical boot-step identifiers and weights (spec §4.4). Weights sum to
// 100 and must match whatever plan cmd/core assembles at startup.
const (
	StepDB         = "db"
	StepSupervisor = "supervisor"
	StepIPC        = "ipc"
	StepMemory     = "memory"
	StepBackend    = "backend"
	StepTools      = "tools"
)

// CanonicalWeights is the documented weight table backing the six-step
// boot plan. Declared here so cmd/core and tests share one source of
// truth instead of repeating magic numbers.
var CanonicalWeights = map[string]int{
	StepDB:         15,
	StepSupervisor: 10,
	StepIPC:        10,
	StepMemory:     20,
	StepBackend:    25,
	StepTools:      15,
}

// BackendProgressTable translates a supervisor process-progress status
// string into the percentage contribution within the backend step's own
// weight share (spec §4.4: "database" → +13, "models" → +20,
// "ai-helpers" → +23, "ready" → +25, out of the step's 25-point weight).
var BackendProgressTable = map[string]int{
	"database":   13,
	"consensus":  13,
	"models":     20,
	"ai-helpers": 23,
	"ready":      25,
}

const didFinishLoadFallback = 5 * time.Second

// AwaitMainWindowReady waits for the main window's did-finish-load signal
// on readyCh, falling back after a fixed grace period to check isLoading
// and proceeding regardless. Some signing/notarization environments miss
// the ready-to-show event entirely, so the fallback poll is not optional.
func AwaitMainWindowReady(ctx context.Context, readyCh <-chan struct{}, isLoading func() bool) {
	select {
	case <-readyCh:
		return
	case <-ctx.Done():
		return
	case <-time.After(didFinishLoadFallback):
		if !isLoading() {
			return
		}
		// still loading past the fallback: give it one more short window
		select {
		case <-readyCh:
		case <-ctx.Done():
		case <-time.After(didFinishLoadFallback):
		}
	}
}
