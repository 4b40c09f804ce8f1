// Package supervisor is the Process Supervisor: the single control tower
// through which every child-process spawn and every port allocation flows.
//
// It unifies lifecycle, health, and restart management across the three
// kinds of children the core spawns (interpreted scripts, native binaries,
// terminal-server processes), and is the only component that holds a raw
// OS process handle.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/alloyide/core/internal/pidtracker"
	"github.com/alloyide/core/internal/portpool"
)

const (
	stopGracePeriod  = 2 * time.Second
	reapGracePeriod  = 1 * time.Second
	defaultHealthInterval = 30 * time.Second
	progressPollEvery    = 20 // emit a "waiting" progress event every N probe attempts
)

// ErrAlreadyRegistered is returned by Register for a duplicate name.
var ErrAlreadyRegistered = fmt.Errorf("supervisor: service already registered")

// ErrNotRegistered is returned when starting/stopping an unknown service.
var ErrNotRegistered = fmt.Errorf("supervisor: service not registered")

type running struct {
	instance *Instance
	cmd      *exec.Cmd
	lease    portpool.Lease
	hasLease bool
	cancel   context.CancelFunc
	doneCh   chan struct{}

	// exitCh is closed exactly once, the moment cmd.Wait() returns; exitErr
	// holds that return value from then on. exec.Cmd forbids calling Wait
	// twice, so startWait's goroutine is the only caller of cmd.Wait() —
	// every other observer of process exit (a spawn strategy's readiness
	// loop, or watch()) receives from exitCh instead, which — unlike a
	// single-value channel — can be observed by more than one goroutine and
	// more than once.
	exitCh  chan struct{}
	exitErr error
}

// startWait launches the one goroutine allowed to call cmd.Wait() for r,
// immediately after a successful cmd.Start(). Must be called at most once
// per running instance.
func (r *running) startWait() {
	r.exitCh = make(chan struct{})
	go func() {
		r.exitErr = r.cmd.Wait()
		close(r.exitCh)
	}()
}

// Supervisor is the process-wide singleton that owns every ServiceConfig
// registration and every live Instance.
type Supervisor struct {
	log   zerolog.Logger
	ports *portpool.Manager
	pids  *pidtracker.Tracker

	mu            sync.Mutex
	configs       map[string]ServiceConfig
	procs         map[string]*running
	handlers      map[EventType][]Handler
	childChannels map[string]*childChannel
}

// New constructs a Supervisor bound to the given Port Pool Manager and PID
// Tracker — its two mandatory collaborators per the dependency tree in
// spec §9 (UI → {C4,C5} → C3 → {C1,C2}).
func New(log zerolog.Logger, ports *portpool.Manager, pids *pidtracker.Tracker) *Supervisor {
	return &Supervisor{
		log:      log.With().Str("component", "supervisor").Logger(),
		ports:    ports,
		pids:     pids,
		configs:  make(map[string]ServiceConfig),
		procs:    make(map[string]*running),
		handlers: make(map[EventType][]Handler),
	}
}

// Register stores a ServiceConfig. Registering the same name twice is an
// error; it does not start the service.
func (s *Supervisor) Register(cfg ServiceConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.configs[cfg.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, cfg.Name)
	}
	s.configs[cfg.Name] = cfg
	return nil
}

// On subscribes a handler to an event type. Handlers fire synchronously on
// the emitting goroutine.
func (s *Supervisor) On(t EventType, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[t] = append(s.handlers[t], h)
}

func (s *Supervisor) emit(ev Event) {
	s.mu.Lock()
	hs := append([]Handler(nil), s.handlers[ev.Type]...)
	s.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

// Status returns a read-only snapshot, or ok=false if the service has never
// been started (or has been fully stopped and cleared).
func (s *Supervisor) Status(name string) (Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.procs[name]
	if !ok {
		return Snapshot{}, false
	}
	return snapshotOf(r.instance), true
}

func snapshotOf(i *Instance) Snapshot {
	return Snapshot{
		Name:           i.Name,
		PID:            i.PID,
		AllocatedPort:  i.AllocatedPort,
		State:          i.State,
		RestartCount:   i.RestartCount,
		StartTimestamp: i.StartTimestamp,
		LastError:      i.LastError,
	}
}

// Start begins the start sequence for a registered service: port
// allocation (if required), environment construction, spawn dispatch by
// executable-kind, and readiness detection. It returns once the instance
// reaches `running`, or an error once it is clear it never will for this
// call. Restarts after a failed spawn run inside this call (each after the
// policy delay); restarts after a later crash run asynchronously from the
// exit watcher.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	s.mu.Lock()
	cfg, ok := s.configs[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	if r, running := s.procs[name]; running && r.instance.State == StateRunning {
		s.mu.Unlock()
		return nil // already running: Start is idempotent, never double-spawns
	}
	s.mu.Unlock()

	return s.startAttempt(ctx, cfg, 0)
}

func (s *Supervisor) startAttempt(ctx context.Context, cfg ServiceConfig, restartCount int) error {
	inst := &Instance{Name: cfg.Name, State: StateStarting, RestartCount: restartCount, StartTimestamp: time.Now()}

	var lease portpool.Lease
	hasLease := false
	if cfg.RequiresPort {
		l, err := s.ports.AllocateForService(cfg.Name, cfg.PoolName)
		if err != nil {
			s.emit(Event{Type: EventProcessFailed, Name: cfg.Name, Reason: ReasonNoPort, Message: err.Error()})
			return fmt.Errorf("supervisor: start %s: %w", cfg.Name, err)
		}
		lease = l
		hasLease = true
		inst.AllocatedPort = l.Port
		inst.HasPort = true
	}

	env := buildChildEnv(cfg, lease, hasLease)

	runCtx, cancel := context.WithCancel(ctx)
	r := &running{instance: inst, lease: lease, hasLease: hasLease, cancel: cancel, doneCh: make(chan struct{})}

	var err error
	switch cfg.Kind {
	case KindInterpretedScript:
		err = s.spawnInterpretedScript(runCtx, cfg, env, r)
	case KindNativeBinary:
		err = s.spawnNativeBinary(runCtx, cfg, env, r)
	case KindTerminalServer:
		err = s.spawnTerminalServer(runCtx, cfg, env, r)
	default:
		err = fmt.Errorf("supervisor: unknown executable kind %q", cfg.Kind)
	}

	if err != nil {
		cancel()
		if hasLease {
			s.ports.Release(lease)
		}
		inst.State = StateCrashed
		inst.LastError = err.Error()
		s.emit(Event{Type: EventProcessFailed, Name: cfg.Name, Reason: ReasonSpawnFailed, Message: err.Error()})
		return s.maybeRestart(ctx, cfg, restartCount, err)
	}

	inst.State = StateRunning
	inst.PID = r.cmd.Process.Pid

	s.mu.Lock()
	s.procs[cfg.Name] = r
	s.mu.Unlock()

	if err := s.pids.Record(inst.PID, cfg.Name); err != nil {
		s.log.Warn().Err(err).Str("service", cfg.Name).Msg("failed to record pid")
	}

	s.emit(Event{Type: EventProcessStarted, Name: cfg.Name, PID: inst.PID, Port: inst.AllocatedPort, HasPort: inst.HasPort})
	s.emit(Event{Type: EventProcessReady, Name: cfg.Name, PID: inst.PID, Port: inst.AllocatedPort, HasPort: inst.HasPort})

	go s.watch(ctx, cfg, r)
	if cfg.HealthProbe != nil {
		go s.monitorHealth(runCtx, cfg, r)
	}

	return nil
}

// buildChildEnv inherits the parent's environment, overlays service
// additions, then injects PORT and <SERVICE>_PORT (spec §6 spawn-
// environment contract — the only form of port discovery permitted).
func buildChildEnv(cfg ServiceConfig, lease portpool.Lease, hasLease bool) []string {
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	if hasLease {
		portStr := fmt.Sprintf("%d", lease.Port)
		env = append(env, "PORT="+portStr)
		env = append(env, serviceEnvVarName(cfg.Name)+"="+portStr)
	}
	return env
}

func serviceEnvVarName(name string) string {
	upper := strings.ToUpper(name)
	upper = strings.ReplaceAll(upper, "-", "_")
	return upper + "_PORT"
}

// watch waits for the child to exit and runs the exit-classification and
// restart logic.
func (s *Supervisor) watch(ctx context.Context, cfg ServiceConfig, r *running) {
	<-r.exitCh
	err := r.exitErr

	s.mu.Lock()
	delete(s.procs, cfg.Name)
	s.mu.Unlock()

	if r.hasLease {
		s.ports.Release(r.lease)
	}
	_ = s.pids.Forget(r.instance.PID)
	close(r.doneCh) // Stop waits on this, so cleanup above is done by the time it returns

	if err == nil {
		r.instance.State = StateStopped
		s.emit(Event{Type: EventProcessStopped, Name: cfg.Name})
		return
	}

	if r.instance.State == StateStopping {
		r.instance.State = StateStopped
		s.emit(Event{Type: EventProcessStopped, Name: cfg.Name})
		return
	}

	r.instance.State = StateCrashed
	r.instance.LastError = err.Error()
	_ = s.maybeRestart(ctx, cfg, r.instance.RestartCount, err)
}

func (s *Supervisor) maybeRestart(ctx context.Context, cfg ServiceConfig, priorAttempts int, cause error) error {
	if priorAttempts >= cfg.RestartPolicy.MaxAttempts {
		s.emit(Event{Type: EventProcessFailed, Name: cfg.Name, Reason: ReasonRestartExhausted, Message: cause.Error()})
		return fmt.Errorf("supervisor: %s: %w (restart policy exhausted)", cfg.Name, cause)
	}

	delay := cfg.RestartPolicy.Delay
	s.log.Warn().Str("service", cfg.Name).Err(cause).Dur("delay", delay).Msg("restarting crashed service")
	time.Sleep(delay)
	return s.startAttempt(ctx, cfg, priorAttempts+1)
}

// Stop signals polite termination, waits a short grace period, then
// forceful termination. It releases the port, forgets the pid, and removes
// the ProcessInstance.
func (s *Supervisor) Stop(name string) error {
	s.mu.Lock()
	r, ok := s.procs[name]
	s.mu.Unlock()
	if !ok {
		return nil // already stopped
	}

	r.instance.State = StateStopping

	if r.cmd.Process != nil {
		_ = r.cmd.Process.Signal(os.Interrupt)
	}

	select {
	case <-r.doneCh:
	case <-time.After(stopGracePeriod):
		if r.cmd.Process != nil {
			_ = r.cmd.Process.Kill()
		}
		<-r.doneCh
	}

	// Cancelling the run context kills a CommandContext child outright, so it
	// only happens once the polite/forceful sequence above has finished.
	r.cancel()
	return nil
}

// StopAll stops every ProcessInstance this Supervisor currently knows
// about. It is the Process Supervisor's half of the host application's
// unified cleanup routine (spec §5); the caller is responsible for any
// ordering requirement across names (e.g. terminals before the backend) —
// StopAll itself makes no ordering guarantee beyond "every instance that
// was live when it was called is stopped by the time it returns".
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.procs))
	for name := range s.procs {
		names = append(names, name)
	}
	s.mu.Unlock()

	for _, name := range names {
		if err := s.Stop(name); err != nil {
			s.log.Warn().Err(err).Str("service", name).Msg("stop failed during StopAll")
		}
	}
}

// monitorHealth issues periodic HTTP probes; two consecutive failures
// transition running → unhealthy and stop the service. The stop is not
// followed by a restart: Stop marks the instance stopping, so the exit
// watcher classifies the exit as stopped and never consults the restart
// policy.
func (s *Supervisor) monitorHealth(ctx context.Context, cfg ServiceConfig, r *running) {
	interval := cfg.HealthProbe.Interval
	if interval <= 0 {
		interval = defaultHealthInterval
	}

	client := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("http://127.0.0.1:%d%s", r.instance.AllocatedPort, cfg.HealthProbe.Path)

	consecutiveFailures := 0
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.doneCh:
			return
		case <-ticker.C:
			resp, err := client.Get(url)
			healthy := err == nil && resp.StatusCode < 500
			if resp != nil {
				resp.Body.Close()
			}

			if healthy {
				consecutiveFailures = 0
				continue
			}

			consecutiveFailures++
			if consecutiveFailures >= 2 {
				r.instance.State = StateUnhealthy
				s.emit(Event{Type: EventProcessUnhealthy, Name: cfg.Name})
				_ = s.Stop(cfg.Name)
				return
			}
		}
	}
}

// dialLoopback is the single TCP-connect probe primitive shared by the
// native-binary readiness strategy and the terminal-server wait helper.
// Never used for a readiness decision based on stdout content (spec §9).
func dialLoopback(port int) (net.Conn, error) {
	return net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
}
