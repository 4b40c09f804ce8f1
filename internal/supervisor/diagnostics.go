package supervisor

// ResourceSnapshot pairs a Snapshot with resource usage sampled via
// sampleResourceUsage, supplementing the core lifecycle state with the
// CPU/RSS figures the UI's service health badges (ipc.CmdServiceDiagnostics)
// render per service.
type ResourceSnapshot struct {
	Snapshot
	CPU    float64 `json:"cpu"`
	Memory int64   `json:"memory"`
}

// Diagnostics returns a resource-augmented snapshot of every live instance,
// keyed by service name rather than pid so a caller never has to cross-
// reference Status separately. The two-sample CPU read takes ~200ms;
// callers on a UI-facing path should treat this as a deliberately
// infrequent poll, not a per-frame call.
func (s *Supervisor) Diagnostics() map[string]ResourceSnapshot {
	s.mu.Lock()
	pids := make([]int, 0, len(s.procs))
	byName := make(map[string]Snapshot, len(s.procs))
	for name, r := range s.procs {
		pids = append(pids, r.instance.PID)
		byName[name] = snapshotOf(r.instance)
	}
	s.mu.Unlock()

	resources := sampleResourceUsage(pids)

	out := make(map[string]ResourceSnapshot, len(byName))
	for name, snap := range byName {
		usage := resources[snap.PID]
		out[name] = ResourceSnapshot{
			Snapshot: snap,
			CPU:      usage.CPU,
			Memory:   usage.Memory,
		}
	}
	return out
}
