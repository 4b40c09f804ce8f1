package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

// Create sync_metadata BaseCollection — a best-effort, per-tool row tracking
// the last known installed/available version of an external AI CLI, used by
// cli-tool-detect/install/update (§6 IPC surface) to avoid re-probing a tool's
// version on every detect call.
func init() {
	m.Register(func(app core.App) error {
		col := core.NewBaseCollection("sync_metadata")

		col.Fields.Add(&core.TextField{Name: "tool_id", Required: true})
		col.Fields.Add(&core.TextField{Name: "installed_version"})
		col.Fields.Add(&core.TextField{Name: "latest_known_version"})
		col.Fields.Add(&core.DateField{Name: "last_checked_at"})
		col.Fields.Add(&core.AutodateField{Name: "created", OnCreate: true})
		col.Fields.Add(&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true})

		rule := "@request.auth.collectionName = '_superusers'"
		col.ListRule = &rule
		col.ViewRule = &rule
		col.CreateRule = nil
		col.UpdateRule = nil
		col.DeleteRule = nil

		col.Indexes = []string{
			"CREATE UNIQUE INDEX idx_sync_metadata_tool_id ON sync_metadata (tool_id)",
		}

		return app.Save(col)
	}, func(app core.App) error {
		col, err := app.FindCollectionByNameOrId("sync_metadata")
		if err != nil {
			return nil
		}
		return app.Delete(col)
	})
}
