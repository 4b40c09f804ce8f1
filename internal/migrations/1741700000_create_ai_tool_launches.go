package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

// Create ai_tool_launches BaseCollection — the persistent backing store for
// the Terminal Session Manager's LaunchHistoryEntry (resume detection).
//
// One row per (tool_id, repository_path, user_id). The core owns exactly two
// write paths (recordLaunch, closeSession) and one read path
// (hasBeenLaunchedBefore); everything else touching this collection belongs
// to the wider application.
func init() {
	m.Register(func(app core.App) error {
		col := core.NewBaseCollection("ai_tool_launches")

		col.Fields.Add(&core.TextField{Name: "tool_id", Required: true})
		col.Fields.Add(&core.TextField{Name: "repository_path", Required: true})
		col.Fields.Add(&core.TextField{Name: "user_id", Required: true})
		col.Fields.Add(&core.NumberField{Name: "launch_count", Required: true})
		col.Fields.Add(&core.DateField{Name: "first_launched_at", Required: true})
		col.Fields.Add(&core.DateField{Name: "last_launched_at", Required: true})
		col.Fields.Add(&core.SelectField{
			Name:      "status",
			Required:  true,
			MaxSelect: 1,
			Values:    []string{"open", "closed"},
		})
		col.Fields.Add(&core.JSONField{Name: "metadata"})
		col.Fields.Add(&core.AutodateField{Name: "created", OnCreate: true})
		col.Fields.Add(&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true})

		// Owner (or any superuser) may read their own launch history.
		rule := "user_id = @request.auth.id || @request.auth.collectionName = '_superusers'"
		col.ListRule = &rule
		col.ViewRule = &rule

		// All writes go through launchhistory.RecordLaunch / CloseSession on the backend.
		col.CreateRule = nil
		col.UpdateRule = nil
		col.DeleteRule = nil

		col.Indexes = []string{
			"CREATE UNIQUE INDEX idx_ai_tool_launches_key ON ai_tool_launches (tool_id, repository_path, user_id)",
		}

		return app.Save(col)
	}, func(app core.App) error {
		col, err := app.FindCollectionByNameOrId("ai_tool_launches")
		if err != nil {
			return nil
		}
		return app.Delete(col)
	})
}
