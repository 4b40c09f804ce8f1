// Package ipc is the transport-agnostic command/response surface exposed
// to the UI (spec §6). It is a lookup table from command name to handler,
// generalized from the teacher's route-group registration pattern but
// independent of any specific transport (HTTP, native bridge, or
// in-process call) — cmd/core wires each entry to whatever the host
// webview's bridge actually is.
package ipc

import (
	"context"
	"fmt"
	"sync"

	"github.com/alloyide/core/internal/supervisor"
	"github.com/alloyide/core/internal/terminal"
)

// Handler is one command's implementation. args/result are command-specific
// JSON-serializable values; the table itself does not interpret them.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Table is the registered set of command handlers.
type Table struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewTable constructs an empty command table.
func NewTable() *Table {
	return &Table{handlers: make(map[string]Handler)}
}

// Register adds a named handler. Registering the same name twice is an
// error — this mirrors Supervisor.Register's duplicate-registration
// policy, since both are configuration-time errors that must never surface
// at runtime.
func (t *Table) Register(name string, h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.handlers[name]; exists {
		return fmt.Errorf("ipc: command %q already registered", name)
	}
	t.handlers[name] = h
	return nil
}

// Dispatch invokes the named command, or returns an error if unknown.
func (t *Table) Dispatch(ctx context.Context, name string, args map[string]any) (any, error) {
	t.mu.RLock()
	h, ok := t.handlers[name]
	t.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("ipc: unknown command %q", name)
	}
	return h(ctx, args)
}

// Command name constants for the fixed IPC surface (spec §6).
const (
	CmdMemoryServicePort = "memory-service-port"
	CmdBackendServicePort = "backend-service-port"
	CmdCLIToolDetect     = "cli-tool-detect"
	CmdCLIToolInstall    = "cli-tool-install"
	CmdCLIToolUpdate     = "cli-tool-update"
	CmdCLIToolLaunch     = "cli-tool-launch"
	CmdTerminalCreate    = "terminal-create"
	CmdTerminalKill      = "terminal-kill"
	CmdServiceDiagnostics = "service-diagnostics"
)

// ErrServiceUnavailable is returned by the port-exposing handlers when the
// underlying service is not in state running — the table must never
// invent a port.
var ErrServiceUnavailable = fmt.Errorf("service unavailable")

// RegisterServicePort wires a command that returns the current port of a
// supervised service, refusing to invent one if it is not running.
func RegisterServicePort(t *Table, commandName, serviceName string, sup *supervisor.Supervisor) error {
	return t.Register(commandName, func(ctx context.Context, args map[string]any) (any, error) {
		snap, ok := sup.Status(serviceName)
		if !ok || snap.State != supervisor.StateRunning {
			return nil, fmt.Errorf("%s: %w", serviceName, ErrServiceUnavailable)
		}
		return map[string]any{"port": snap.AllocatedPort}, nil
	})
}

// RegisterTerminalCommands wires terminal-create and terminal-kill against
// a terminal.Manager.
func RegisterTerminalCommands(t *Table, mgr *terminal.Manager, userID string) error {
	if err := t.Register(CmdTerminalCreate, func(ctx context.Context, args map[string]any) (any, error) {
		req := terminal.OpenRequest{
			Kind:    terminal.TabKind(stringArg(args, "kind")),
			ToolID:  stringArg(args, "tool_id"),
			Command: stringArg(args, "command"),
			Cwd:     stringArg(args, "cwd"),
		}
		tab, err := mgr.Open(ctx, req, userID)
		if err != nil {
			return map[string]any{"error": err.Error()}, nil
		}
		return map[string]any{"tab_id": tab.TabID, "url": tab.ServerURL}, nil
	}); err != nil {
		return err
	}

	return t.Register(CmdTerminalKill, func(ctx context.Context, args map[string]any) (any, error) {
		tabID := stringArg(args, "tab_id")
		if err := mgr.Close(tabID, userID); err != nil {
			return map[string]any{"ok": false, "error": err.Error()}, nil
		}
		return map[string]any{"ok": true}, nil
	})
}

// RegisterDiagnosticsCommand wires service-diagnostics to
// Supervisor.Diagnostics, the resource-augmented snapshot of every live
// instance the UI's service health badges poll.
func RegisterDiagnosticsCommand(t *Table, sup *supervisor.Supervisor) error {
	return t.Register(CmdServiceDiagnostics, func(ctx context.Context, args map[string]any) (any, error) {
		return sup.Diagnostics(), nil
	})
}

func stringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
