package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

// Create orchestration_audit BaseCollection for process/tool lifecycle audit log.
//
// Access rules:
//   - List/View: superuser only (this core has no end-user auth boundary of
//     its own; the host application may relax this for a signed-in owner)
//   - Create/Update/Delete: forbidden (all writes go through audit.Write)
func init() {
	m.Register(func(app core.App) error {
		col := core.NewBaseCollection("orchestration_audit")

		col.Fields.Add(&core.TextField{Name: "actor", Required: true})
		col.Fields.Add(&core.TextField{Name: "action", Required: true})
		col.Fields.Add(&core.TextField{Name: "resource_type"})
		col.Fields.Add(&core.TextField{Name: "resource_id"})
		col.Fields.Add(&core.TextField{Name: "resource_name"})
		col.Fields.Add(&core.SelectField{
			Name:      "status",
			Required:  true,
			MaxSelect: 1,
			Values:    []string{"pending", "success", "failed"},
		})
		col.Fields.Add(&core.JSONField{Name: "detail"})
		// BaseCollection does NOT include created/updated by default — add explicitly.
		col.Fields.Add(&core.AutodateField{
			Name:     "created",
			OnCreate: true,
		})
		col.Fields.Add(&core.AutodateField{
			Name:     "updated",
			OnCreate: true,
			OnUpdate: true,
		})

		// Only superusers may read rows via the standard PB API.
		rule := "@request.auth.collectionName = '_superusers'"
		col.ListRule = &rule
		col.ViewRule = &rule

		// Create/Update/Delete: nil = no rule = forbidden for BaseCollection
		col.CreateRule = nil
		col.UpdateRule = nil
		col.DeleteRule = nil

		col.Indexes = []string{
			"CREATE INDEX idx_orchestration_audit_action ON orchestration_audit (action)",
			"CREATE INDEX idx_orchestration_audit_resource ON orchestration_audit (resource_type, resource_id)",
		}

		return app.Save(col)
	}, func(app core.App) error {
		col, err := app.FindCollectionByNameOrId("orchestration_audit")
		if err != nil {
			return nil // already gone
		}
		return app.Delete(col)
	})
}
