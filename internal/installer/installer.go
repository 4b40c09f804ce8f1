// Package installer manages the embedded Asynq task worker that performs
// CLI tool install/update jobs in the background, off the IPC request
// path, and writes the result to sync_metadata and the audit trail.
//
// The worker runs as a goroutine inside the core process, connecting to
// Redis for persistent async task processing.
package installer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"

	"github.com/alloyide/core/internal/audit"
)

const (
	TaskInstallTool = "tool:install"
	TaskUpdateTool  = "tool:update"
)

// InstallToolPayload is the task payload for TaskInstallTool/TaskUpdateTool.
type InstallToolPayload struct {
	ToolID string `json:"tool_id"`
	Actor  string `json:"actor"`
}

// Installer manages the Asynq server and a shared client for enqueuing
// install/update jobs.
type Installer struct {
	server *asynq.Server
	client *asynq.Client
	app    core.App

	// detect and install are injected so the installer package stays free
	// of knowledge about any specific tool's install mechanics — it only
	// owns the queueing, retry, and bookkeeping shell.
	detect  func(ctx context.Context, toolID string) (version string, err error)
	install func(ctx context.Context, toolID string) (version string, err error)
}

// New creates an Installer. redisAddr is host:port, as produced by
// config.Config.RedisAddr. detect/install are the tool-specific probes and
// installers; install is also used for updates.
func New(app core.App, redisAddr string, detect, install func(ctx context.Context, toolID string) (string, error)) *Installer {
	opt := asynq.RedisClientOpt{Addr: redisAddr}

	srv := asynq.NewServer(opt, asynq.Config{
		Concurrency: 5,
		Queues: map[string]int{
			"critical": 3,
			"default":  2,
			"low":      1,
		},
	})

	client := asynq.NewClient(opt)

	return &Installer{
		server:  srv,
		client:  client,
		app:     app,
		detect:  detect,
		install: install,
	}
}

// Start begins processing install/update tasks in a background goroutine.
func (w *Installer) Start() {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskInstallTool, w.handleInstall)
	mux.HandleFunc(TaskUpdateTool, w.handleUpdate)

	go func() {
		if err := w.server.Run(mux); err != nil {
			log.Printf("installer: asynq worker error: %v", err)
		}
	}()
}

// Shutdown gracefully stops the worker and closes the client connection.
func (w *Installer) Shutdown() {
	w.server.Shutdown()
	_ = w.client.Close()
}

// EnqueueInstall schedules an install job for toolID, returning immediately.
func (w *Installer) EnqueueInstall(ctx context.Context, toolID, actor string) error {
	return w.enqueue(ctx, TaskInstallTool, toolID, actor)
}

// EnqueueUpdate schedules an update job for toolID, returning immediately.
func (w *Installer) EnqueueUpdate(ctx context.Context, toolID, actor string) error {
	return w.enqueue(ctx, TaskUpdateTool, toolID, actor)
}

func (w *Installer) enqueue(ctx context.Context, taskType, toolID, actor string) error {
	payload, err := json.Marshal(InstallToolPayload{ToolID: toolID, Actor: actor})
	if err != nil {
		return fmt.Errorf("installer: marshal payload: %w", err)
	}
	if _, err := w.client.EnqueueContext(ctx, asynq.NewTask(taskType, payload)); err != nil {
		return fmt.Errorf("installer: enqueue %s: %w", taskType, err)
	}
	return nil
}

func (w *Installer) handleInstall(ctx context.Context, t *asynq.Task) error {
	var p InstallToolPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		log.Printf("installer: handleInstall: unmarshal payload: %v", err)
		return err
	}

	version, err := w.install(ctx, p.ToolID)
	status := audit.StatusSuccess
	detail := map[string]any{"version": version}
	if err != nil {
		status = audit.StatusFailed
		detail["error"] = err.Error()
	} else {
		w.recordSyncMetadata(p.ToolID, version)
	}

	audit.Write(w.app, audit.Entry{
		Actor: p.Actor, Action: audit.ActionToolInstall,
		ResourceType: "tool", ResourceID: p.ToolID, ResourceName: p.ToolID,
		Status: status, Detail: detail,
	})
	return err
}

func (w *Installer) handleUpdate(ctx context.Context, t *asynq.Task) error {
	var p InstallToolPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		log.Printf("installer: handleUpdate: unmarshal payload: %v", err)
		return err
	}

	version, err := w.install(ctx, p.ToolID)
	status := audit.StatusSuccess
	detail := map[string]any{"version": version}
	if err != nil {
		status = audit.StatusFailed
		detail["error"] = err.Error()
	} else {
		w.recordSyncMetadata(p.ToolID, version)
	}

	audit.Write(w.app, audit.Entry{
		Actor: p.Actor, Action: audit.ActionToolUpdate,
		ResourceType: "tool", ResourceID: p.ToolID, ResourceName: p.ToolID,
		Status: status, Detail: detail,
	})
	return err
}

func (w *Installer) recordSyncMetadata(toolID, version string) {
	record, err := w.app.FindFirstRecordByFilter("sync_metadata", "tool_id = {:tool_id}", dbx.Params{"tool_id": toolID})
	if err != nil {
		col, colErr := w.app.FindCollectionByNameOrId("sync_metadata")
		if colErr != nil {
			log.Printf("installer: sync_metadata collection missing: %v", colErr)
			return
		}
		record = core.NewRecord(col)
		record.Set("tool_id", toolID)
	}

	record.Set("installed_version", version)
	record.Set("last_checked_at", time.Now())
	if err := w.app.Save(record); err != nil {
		log.Printf("installer: save sync_metadata for %s: %v", toolID, err)
	}
}
