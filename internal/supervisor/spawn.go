package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// spawnInterpretedScript spawns the bundled interpreter with an IPC pipe on
// the child's fourth file descriptor (fd 3, where extra files start) and
// awaits a structured "ready" envelope before returning. The ready latch is
// installed before the process spawns and before the reader goroutine
// starts; anything the child writes first waits in the pipe until the
// reader picks it up — so no message can race ahead of the latch.
func (s *Supervisor) spawnInterpretedScript(ctx context.Context, cfg ServiceConfig, env []string, r *running) error {
	ipcRead, ipcWrite, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create ipc pipe: %w", err)
	}

	channel := newChildChannel() // latch armed now, before the child can write anything

	cmd := exec.CommandContext(ctx, cfg.ExecutablePath, cfg.Arguments...)
	cmd.Env = env
	cmd.ExtraFiles = []*os.File{ipcWrite}

	switch cfg.StdioMode {
	case StdioInherit:
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	default:
		cmd.Stdout = nil
		cmd.Stderr = nil
	}

	if err := cmd.Start(); err != nil {
		ipcRead.Close()
		ipcWrite.Close()
		return fmt.Errorf("spawn interpreted script %s: %w", cfg.Name, err)
	}
	_ = ipcWrite.Close() // parent's copy; child keeps its inherited fd open

	r.cmd = cmd
	r.startWait()

	go func() {
		_ = channel.run(ipcRead)
		ipcRead.Close()
	}()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			close(done)
		case <-r.exitCh:
			close(done)
		}
	}()

	readyEnv, err := channel.awaitReady(done)
	if err != nil {
		_ = cmd.Process.Kill()
		return fmt.Errorf("interpreted script %s: %w", cfg.Name, err)
	}

	if readyEnv.Port != nil {
		r.instance.AllocatedPort = *readyEnv.Port
		r.instance.HasPort = true
	}

	s.mu.Lock()
	s.attachChildChannel(cfg.Name, channel)
	s.mu.Unlock()

	return nil
}

// spawnNativeBinary spawns with stdio inherited (mandatory whenever the
// binary itself forks further subprocesses over inherited descriptors) and
// performs an active TCP-connect readiness probe rather than scraping
// stdout for a ready marker.
func (s *Supervisor) spawnNativeBinary(ctx context.Context, cfg ServiceConfig, env []string, r *running) error {
	cmd := exec.CommandContext(ctx, cfg.ExecutablePath, cfg.Arguments...)
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn native binary %s: %w", cfg.Name, err)
	}
	r.cmd = cmd
	r.startWait() // the only cmd.Wait() call for this child; exitCh/exitErr fan the result out

	if !r.instance.HasPort {
		return nil // no port to probe; caller treats spawn success as readiness
	}

	// Liveness is observed via r.exitCh rather than a signal-0 probe: the
	// child may have already exited and been reaped by startWait's
	// goroutine by the time we get here, in which case kill(pid,0) would
	// still succeed against the zombie (or even a recycled pid) and this
	// loop would spin forever instead of classifying the instance as
	// crashed (spec §8 boundary: non-zero exit during port-probing must
	// never be mistaken for readiness).
	attempts := 0
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.exitCh:
			return fmt.Errorf("native binary %s exited before becoming ready: %w", cfg.Name, r.exitErr)
		case <-ticker.C:
		}

		conn, dialErr := dialLoopback(r.instance.AllocatedPort)
		if dialErr == nil {
			_ = conn.Close()
			return nil
		}

		attempts++
		if attempts%progressPollEvery == 0 {
			s.emit(Event{Type: EventProcessProgress, Name: cfg.Name, Status: ProgressWaiting, Message: "waiting for service to become reachable"})
		}
	}
}

// spawnTerminalServer spawns the bundled terminal-server executable with
// port/bind/writable arguments and, if an initial command was configured, a
// shell wrapper that sleeps briefly for the webview to attach before
// running the command and dropping into an interactive shell.
func (s *Supervisor) spawnTerminalServer(ctx context.Context, cfg ServiceConfig, env []string, r *running) error {
	args := append([]string{}, cfg.Arguments...)
	args = append(args,
		"--port", fmt.Sprintf("%d", r.instance.AllocatedPort),
		"--bind", "127.0.0.1",
		"--writable",
	)

	if cfg.InitialCommand != "" {
		shellCmd := fmt.Sprintf("sleep 0.5 && %s; exec $SHELL", cfg.InitialCommand)
		args = append(args, "--initial-command", shellCmd)
	}

	cmd := exec.CommandContext(ctx, cfg.ExecutablePath, args...)
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn terminal-server %s: %w", cfg.Name, err)
	}
	r.cmd = cmd
	r.startWait()

	return waitForPort(ctx, r.instance.AllocatedPort, 5*time.Second)
}

func waitForPort(ctx context.Context, port int, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if conn, err := dialLoopback(port); err == nil {
			_ = conn.Close()
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("terminal-server: port %d did not become reachable", port)
}

// attachChildChannel lets application-level handlers for an interpreted
// service's non-"ready" envelope types be registered after start.
func (s *Supervisor) attachChildChannel(name string, ch *childChannel) {
	if s.childChannels == nil {
		s.childChannels = make(map[string]*childChannel)
	}
	s.childChannels[name] = ch
}

// OnChildMessage registers a handler for a named interpreted-service's
// non-"ready" IPC envelope types (e.g. database-query relays). Must be
// called after the service has completed Start.
func (s *Supervisor) OnChildMessage(serviceName, envType string, h func(correlator string, payload []byte)) {
	s.mu.Lock()
	ch, ok := s.childChannels[serviceName]
	s.mu.Unlock()
	if !ok {
		return
	}
	ch.onType(envType, func(env childEnvelope) {
		h(env.Correlator, env.Payload)
	})
}
