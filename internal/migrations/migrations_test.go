package migrations_test

import (
	"strings"
	"testing"

	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tests"

	// trigger init() registrations
	_ "github.com/alloyide/core/internal/migrations"
)

func TestOwnedCollectionsCreated(t *testing.T) {
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	defer app.Cleanup()

	expected := []string{
		"orchestration_audit",
		"app_settings",
		"ai_tool_launches",
		"sync_metadata",
	}

	for _, name := range expected {
		col, err := app.FindCollectionByNameOrId(name)
		if err != nil {
			t.Errorf("collection %q not found: %v", name, err)
			continue
		}
		if col.Type != core.CollectionTypeBase {
			t.Errorf("collection %q: expected type %q, got %q", name, core.CollectionTypeBase, col.Type)
		}
	}
}

func TestAppSettingsUniqueIndex(t *testing.T) {
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	defer app.Cleanup()

	col, err := app.FindCollectionByNameOrId("app_settings")
	if err != nil {
		t.Fatal(err)
	}

	assertFieldExists(t, col, "module", core.FieldTypeText, true)
	assertFieldExists(t, col, "key", core.FieldTypeText, true)
	assertFieldExists(t, col, "value", core.FieldTypeJSON, false)

	foundUnique := false
	for _, idx := range col.Indexes {
		if strings.Contains(idx, "UNIQUE INDEX idx_app_settings_module_key") {
			foundUnique = true
		}
	}
	if !foundUnique {
		t.Errorf("app_settings: expected unique (module, key) index, got %v", col.Indexes)
	}
}

func TestAiToolLaunchesFields(t *testing.T) {
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	defer app.Cleanup()

	col, err := app.FindCollectionByNameOrId("ai_tool_launches")
	if err != nil {
		t.Fatal(err)
	}

	assertFieldExists(t, col, "tool_id", core.FieldTypeText, true)
	assertFieldExists(t, col, "repository_path", core.FieldTypeText, true)
	assertFieldExists(t, col, "user_id", core.FieldTypeText, true)
	assertFieldExists(t, col, "launch_count", core.FieldTypeNumber, true)
	assertFieldExists(t, col, "status", core.FieldTypeSelect, true)
}

func TestSyncMetadataFields(t *testing.T) {
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	defer app.Cleanup()

	col, err := app.FindCollectionByNameOrId("sync_metadata")
	if err != nil {
		t.Fatal(err)
	}

	assertFieldExists(t, col, "tool_id", core.FieldTypeText, true)
	assertFieldExists(t, col, "installed_version", core.FieldTypeText, false)
}

// ─── Helpers ─────────────────────────────────────────────

func assertFieldExists(t *testing.T, col *core.Collection, name, fieldType string, required bool) {
	t.Helper()
	f := col.Fields.GetByName(name)
	if f == nil {
		t.Errorf("collection %q: field %q not found", col.Name, name)
		return
	}
	if f.Type() != fieldType {
		t.Errorf("collection %q.%s: expected type %q, got %q", col.Name, name, fieldType, f.Type())
	}
}
