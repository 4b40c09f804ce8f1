package ipc

import (
	"context"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"

	"github.com/alloyide/core/internal/installer"
	"github.com/alloyide/core/internal/supervisor"
	"github.com/alloyide/core/internal/terminal"
)

// RegisterToolCommands wires cli-tool-detect/install/update/launch. detect
// is a caller-supplied presence probe (e.g. "which claude"); the table
// itself never parses a tool's output (spec §6 CLI surface) — it only
// supplements detect's result with the cached version from sync_metadata
// and the memory service's own connectivity state.
func RegisterToolCommands(
	t *Table,
	app core.App,
	inst *installer.Installer,
	detect func(ctx context.Context, toolID string) (installed bool, path string),
	memoryServiceName string,
	sup *supervisor.Supervisor,
	termMgr *terminal.Manager,
	userID string,
) error {
	if err := t.Register(CmdCLIToolDetect, func(ctx context.Context, args map[string]any) (any, error) {
		toolID := stringArg(args, "id")
		installed, path := detect(ctx, toolID)
		version, _ := lookupSyncMetadata(app, toolID)

		memorySnap, memoryRunning := sup.Status(memoryServiceName)
		memoryConnected := memoryRunning && memorySnap.State == supervisor.StateRunning

		return map[string]any{
			"installed":        installed,
			"version":          version,
			"path":             path,
			"memory_connected": memoryConnected,
		}, nil
	}); err != nil {
		return err
	}

	if err := t.Register(CmdCLIToolInstall, func(ctx context.Context, args map[string]any) (any, error) {
		toolID := stringArg(args, "id")
		if err := inst.EnqueueInstall(ctx, toolID, userID); err != nil {
			return map[string]any{"ok": false, "error": err.Error()}, nil
		}
		return map[string]any{"ok": true}, nil
	}); err != nil {
		return err
	}

	if err := t.Register(CmdCLIToolUpdate, func(ctx context.Context, args map[string]any) (any, error) {
		toolID := stringArg(args, "id")
		if err := inst.EnqueueUpdate(ctx, toolID, userID); err != nil {
			return map[string]any{"ok": false, "error": err.Error()}, nil
		}
		return map[string]any{"ok": true}, nil
	}); err != nil {
		return err
	}

	return t.Register(CmdCLIToolLaunch, func(ctx context.Context, args map[string]any) (any, error) {
		toolID := stringArg(args, "id")
		projectPath := stringArg(args, "project_path")

		tab, err := termMgr.Open(ctx, terminal.OpenRequest{
			Kind:   terminal.TabKindTool,
			ToolID: toolID,
			Cwd:    projectPath,
		}, userID)
		if err != nil {
			return map[string]any{"ok": false, "error": err.Error()}, nil
		}
		return map[string]any{"ok": true, "tab_id": tab.TabID}, nil
	})
}

// lookupSyncMetadata reads the last recorded installed version for a tool,
// used by the cli-tool-detect handler so the version is never re-probed on
// each call (the presence probe itself still runs every time).
func lookupSyncMetadata(app core.App, toolID string) (installedVersion string, ok bool) {
	record, err := app.FindFirstRecordByFilter("sync_metadata", "tool_id = {:tool_id}", dbx.Params{"tool_id": toolID})
	if err != nil {
		return "", false
	}
	return record.GetString("installed_version"), true
}
