// Package terminal is the Terminal Session Manager: it allocates
// terminal-server instances per UI tab through the Process Supervisor and
// Port Pool Manager, assigns recyclable tab identifiers, and encodes the
// per-project resume-flag launch policy for AI tool tabs.
package terminal

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pocketbase/pocketbase/core"
	"github.com/rs/zerolog"

	"github.com/alloyide/core/internal/audit"
	"github.com/alloyide/core/internal/launchhistory"
	"github.com/alloyide/core/internal/supervisor"
)

// projectContextRendezvous is the pragmatic delay between emitting
// project-context-changed and opening the tab, giving the UI time to
// commit the context switch before the terminal attaches. Kept as a
// literal sleep rather than an explicit UI acknowledgment (spec's open
// question on this point is resolved in favor of the simpler primitive).
const projectContextRendezvous = 100 * time.Millisecond

// TabKind distinguishes the three identifier policies (spec §4.5).
type TabKind string

const (
	TabKindTool      TabKind = "tool"
	TabKindGeneric   TabKind = "generic"
	TabKindSystemLog TabKind = "system-log"
)

// ToolRegistryEntry is a static, per-tool-id launch convention: its display
// name and its resume-flag (empty if the tool has no resume concept).
type ToolRegistryEntry struct {
	ToolID      string
	DisplayName string
	BaseCommand string
	ResumeFlag  string
}

// Tab is the external snapshot of one terminal session.
type Tab struct {
	TabID       string
	Kind        TabKind
	ServiceName string
	ServerURL   string
	WorkingDir  string
	ToolID      string
}

// OpenRequest describes a requested tab.
type OpenRequest struct {
	Kind    TabKind
	ToolID  string // required for TabKindTool
	Command string // optional for TabKindGeneric (empty opens a plain shell); ignored for TabKindTool
	Cwd     string
}

// Manager owns the live tab table and the generic-tab integer allocator.
type Manager struct {
	log   zerolog.Logger
	app   core.App
	sup   *supervisor.Supervisor
	tools map[string]ToolRegistryEntry

	terminalServerPath string

	mu          sync.Mutex
	tabs        map[string]*Tab
	freeIntegers map[int]bool
	nextInteger int
	systemLogOpened bool

	projectContextCallback func(cwd string)
}

// New constructs a Manager. tools is the static registry of known AI CLIs
// keyed by tool-id; terminalServerPath is the bundled terminal-server
// executable supervisor.ServiceConfig.ExecutablePath points at.
func New(log zerolog.Logger, app core.App, sup *supervisor.Supervisor, tools map[string]ToolRegistryEntry, terminalServerPath string) *Manager {
	return &Manager{
		log:                 log.With().Str("component", "terminal").Logger(),
		app:                 app,
		sup:                 sup,
		tools:               tools,
		terminalServerPath:  terminalServerPath,
		tabs:                make(map[string]*Tab),
		freeIntegers:        make(map[int]bool),
		nextInteger:         1,
	}
}

// OnProjectContextChanged registers the callback fired before a tool tab
// opens, so the file explorer/VCS/status bar can reorient to the new
// project path.
func (m *Manager) OnProjectContextChanged(f func(cwd string)) {
	m.projectContextCallback = f
}

// List returns every known tab, ordered by tab-id for stable UI rendering.
func (m *Manager) List() []Tab {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Tab, 0, len(m.tabs))
	for _, t := range m.tabs {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out
}

// OpenSystemLogTab registers the singleton, non-closeable system-log tab.
// It is not backed by a supervised process.
func (m *Manager) OpenSystemLogTab() Tab {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.systemLogOpened {
		return *m.tabs["system-log"]
	}

	tab := &Tab{TabID: "system-log", Kind: TabKindSystemLog}
	m.tabs["system-log"] = tab
	m.systemLogOpened = true
	return *tab
}

// Open allocates a terminal-server instance for the request and returns its
// tab. For TabKindTool, the per-project resume-detection policy (spec
// §4.5) determines the initial command.
func (m *Manager) Open(ctx context.Context, req OpenRequest, userID string) (Tab, error) {
	switch req.Kind {
	case TabKindTool:
		return m.openToolTab(ctx, req, userID)
	case TabKindGeneric:
		return m.openGenericTab(ctx, req)
	default:
		return Tab{}, fmt.Errorf("terminal: unsupported tab kind %q for Open", req.Kind)
	}
}

func (m *Manager) openToolTab(ctx context.Context, req OpenRequest, userID string) (Tab, error) {
	tool, ok := m.tools[req.ToolID]
	if !ok {
		return Tab{}, fmt.Errorf("terminal: unknown tool id %q", req.ToolID)
	}

	tabID := tool.DisplayName

	m.mu.Lock()
	if existing, ok := m.tabs[tabID]; ok {
		if _, live := m.sup.Status(existing.ServiceName); live {
			m.mu.Unlock()
			return *existing, nil // activate existing tab rather than spawning a second one
		}
		delete(m.tabs, tabID) // process died; this open supersedes it
	}
	m.mu.Unlock()

	hasPriorLaunch, err := launchhistory.HasBeenLaunchedBefore(m.app, tool.ToolID, req.Cwd, userID)
	if err != nil {
		m.log.Warn().Err(err).Msg("launch history lookup failed, treating as fresh launch")
	}

	command := tool.BaseCommand
	resumed := false
	if hasPriorLaunch && tool.ResumeFlag != "" {
		command = tool.BaseCommand + " " + tool.ResumeFlag
		resumed = true
	}

	// Atomically (from the UI's point of view): project-context-changed
	// fires first, then after a short rendezvous delay the tab opens.
	if m.projectContextCallback != nil {
		m.projectContextCallback(req.Cwd)
	}
	time.Sleep(projectContextRendezvous)

	tab, err := m.spawnTerminalTab(ctx, tabID, TabKindTool, req.Cwd, command, tool.ToolID)
	if err != nil {
		return Tab{}, err
	}

	if err := launchhistory.RecordLaunch(m.app, tool.ToolID, req.Cwd, userID, map[string]any{"resumed": resumed}); err != nil {
		m.log.Warn().Err(err).Msg("failed to record launch history")
	}

	audit.Write(m.app, audit.Entry{
		Actor: userID, Action: audit.ActionToolLaunch,
		ResourceType: "tool", ResourceID: tool.ToolID, ResourceName: tool.DisplayName,
		Status: audit.StatusSuccess, Detail: map[string]any{"project_path": req.Cwd, "resumed": resumed},
	})

	return tab, nil
}

func (m *Manager) openGenericTab(ctx context.Context, req OpenRequest) (Tab, error) {
	n := m.allocateLowestFreeInteger()
	tabID := fmt.Sprintf("Terminal %d", n)

	tab, err := m.spawnTerminalTab(ctx, tabID, TabKindGeneric, req.Cwd, req.Command, "")
	if err != nil {
		m.releaseInteger(n)
		return Tab{}, err
	}
	return tab, nil
}

func (m *Manager) spawnTerminalTab(ctx context.Context, tabID string, kind TabKind, cwd, command, toolID string) (Tab, error) {
	// A per-spawn suffix keeps the supervisor registration unique, so a
	// recycled generic tab id or a superseding tool tab never collides with
	// the earlier registration under the same tab id.
	serviceName := "terminal-" + tabID + "-" + uuid.NewString()

	cfg := supervisor.ServiceConfig{
		Name:            serviceName,
		Kind:            supervisor.KindTerminalServer,
		ExecutablePath:  m.terminalServerPath,
		RequiresPort:    true,
		PoolName:        "TERMINALS",
		RestartPolicy:   supervisor.RestartPolicy{MaxAttempts: 0},
		InitialCommand:  command,
	}

	if err := m.sup.Register(cfg); err != nil {
		return Tab{}, fmt.Errorf("terminal: register %s: %w", serviceName, err)
	}
	if err := m.sup.Start(ctx, serviceName); err != nil {
		return Tab{}, fmt.Errorf("terminal: start %s: %w", serviceName, err)
	}

	snap, _ := m.sup.Status(serviceName)

	tab := &Tab{
		TabID:       tabID,
		Kind:        kind,
		ServiceName: serviceName,
		ServerURL:   fmt.Sprintf("http://127.0.0.1:%d/", snap.AllocatedPort),
		WorkingDir:  cwd,
		ToolID:      toolID,
	}

	m.mu.Lock()
	m.tabs[tabID] = tab
	m.mu.Unlock()

	return *tab, nil
}

// Close stops the backing process, releases the tab's generic integer (if
// any), and marks any bound LaunchHistoryEntry closed.
func (m *Manager) Close(tabID string, userID string) error {
	m.mu.Lock()
	tab, ok := m.tabs[tabID]
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if tab.Kind == TabKindSystemLog {
		return fmt.Errorf("terminal: system-log tab is not closeable")
	}

	m.mu.Lock()
	delete(m.tabs, tabID)
	m.mu.Unlock()

	if err := m.sup.Stop(tab.ServiceName); err != nil {
		m.log.Warn().Err(err).Str("tab", tabID).Msg("stop failed during close")
	}

	if tab.Kind == TabKindGeneric {
		var n int
		if _, err := fmt.Sscanf(tabID, "Terminal %d", &n); err == nil {
			m.releaseInteger(n)
		}
	}

	if tab.Kind == TabKindTool {
		if tool, ok := m.tools[tab.ToolID]; ok {
			if err := launchhistory.CloseSession(m.app, tool.ToolID, tab.WorkingDir, userID); err != nil {
				m.log.Warn().Err(err).Msg("failed to close launch history session")
			}
		}
	}

	return nil
}

// CloseAll closes every tab except the non-closeable system-log tab. It is
// the Terminal Session Manager's half of the host application's unified
// cleanup routine (spec §5), which stops terminals before any other
// supervised process.
func (m *Manager) CloseAll(userID string) {
	m.mu.Lock()
	tabIDs := make([]string, 0, len(m.tabs))
	for id, t := range m.tabs {
		if t.Kind == TabKindSystemLog {
			continue
		}
		tabIDs = append(tabIDs, id)
	}
	m.mu.Unlock()

	for _, id := range tabIDs {
		if err := m.Close(id, userID); err != nil {
			m.log.Warn().Err(err).Str("tab", id).Msg("close failed during CloseAll")
		}
	}
}

// allocateLowestFreeInteger returns min(free-set ∪ {next-unused}) and
// removes it from the free set (spec §4.5, tested invariant in §8.7).
func (m *Manager) allocateLowestFreeInteger() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	lowest := -1
	for n := range m.freeIntegers {
		if lowest == -1 || n < lowest {
			lowest = n
		}
	}
	if lowest != -1 {
		delete(m.freeIntegers, lowest)
		return lowest
	}

	n := m.nextInteger
	m.nextInteger++
	return n
}

func (m *Manager) releaseInteger(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeIntegers[n] = true
}
