// Package audit provides a unified helper for writing process and
// tool-launch lifecycle records.
//
// All backend writes go through Write(); access rules on the
// orchestration_audit collection prevent any client-side mutations. This is
// a supplement to the core's event subscriptions (Supervisor.On): events tell
// in-process subscribers what happened right now, Write leaves a durable
// trail a UI activity log can query later.
package audit

import (
	"log"

	"github.com/pocketbase/pocketbase/core"
)

const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Action constants for the process/tool lifecycle events this core emits.
const (
	ActionProcessStart   = "process.start"
	ActionProcessStop    = "process.stop"
	ActionProcessCrash   = "process.crash"
	ActionProcessRestart = "process.restart"
	ActionToolLaunch     = "tool.launch"
	ActionToolInstall    = "tool.install"
	ActionToolUpdate     = "tool.update"
)

var validStatuses = map[string]bool{
	StatusPending: true,
	StatusSuccess: true,
	StatusFailed:  true,
}

// Entry holds all fields for a single audit record.
// Using a named struct avoids the swap-bug risk of consecutive string parameters.
type Entry struct {
	// Actor identifies who/what triggered the action ("ui", "orchestrator",
	// a user id, or "system" for restart-policy-driven recovery).
	Actor string
	// Action is a dot-namespaced verb, e.g. "process.start", "tool.launch".
	Action string
	// ResourceType is the category of the affected resource, e.g. "service", "tab".
	ResourceType string
	// ResourceID is the service name or tab id of the affected resource.
	ResourceID string
	// ResourceName is the human-readable label of the affected resource.
	ResourceName string
	// Status must be one of StatusPending, StatusSuccess, or StatusFailed.
	Status string
	// Detail holds optional structured context (error message, port, pid, etc.).
	Detail map[string]any
}

// Write persists one audit record to the orchestration_audit collection.
// It bypasses PocketBase access rules via app.Save(), so it works from any
// backend handler or Asynq worker.
// Errors are logged and swallowed — an audit failure must never break the
// calling operation.
func Write(app core.App, entry Entry) {
	if !validStatuses[entry.Status] {
		log.Printf("audit.Write: invalid status %q for action %q — skipping", entry.Status, entry.Action)
		return
	}

	col, err := app.FindCollectionByNameOrId("orchestration_audit")
	if err != nil {
		log.Printf("audit.Write: collection not found: %v", err)
		return
	}

	rec := core.NewRecord(col)
	rec.Set("actor", entry.Actor)
	rec.Set("action", entry.Action)
	rec.Set("resource_type", entry.ResourceType)
	rec.Set("resource_id", entry.ResourceID)
	rec.Set("resource_name", entry.ResourceName)
	rec.Set("status", entry.Status)

	if entry.Detail != nil {
		rec.Set("detail", entry.Detail)
	}

	if err := app.Save(rec); err != nil {
		log.Printf("audit.Write: save failed: %v", err)
	}
}
