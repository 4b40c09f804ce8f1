package launchhistory_test

import (
	"testing"

	"github.com/pocketbase/pocketbase/tests"

	"github.com/alloyide/core/internal/launchhistory"
	_ "github.com/alloyide/core/internal/migrations"
)

func TestRecordLaunch_FirstCallCreatesEntry(t *testing.T) {
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	defer app.Cleanup()

	existed, err := launchhistory.HasBeenLaunchedBefore(app, "claude-code", "/projects/x", "user-1")
	if err != nil {
		t.Fatalf("HasBeenLaunchedBefore: %v", err)
	}
	if existed {
		t.Fatal("expected no prior entry")
	}

	if err := launchhistory.RecordLaunch(app, "claude-code", "/projects/x", "user-1", map[string]any{"tool_version": "1.0.0", "resumed": false}); err != nil {
		t.Fatalf("RecordLaunch: %v", err)
	}

	existed, err = launchhistory.HasBeenLaunchedBefore(app, "claude-code", "/projects/x", "user-1")
	if err != nil {
		t.Fatalf("HasBeenLaunchedBefore: %v", err)
	}
	if !existed {
		t.Fatal("expected entry to exist after RecordLaunch")
	}
}

func TestRecordLaunch_IncrementsCount(t *testing.T) {
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	defer app.Cleanup()

	for i := 0; i < 3; i++ {
		if err := launchhistory.RecordLaunch(app, "gemini", "/projects/y", "user-1", nil); err != nil {
			t.Fatalf("RecordLaunch[%d]: %v", i, err)
		}
	}

	record, err := app.FindFirstRecordByFilter("ai_tool_launches",
		"tool_id = 'gemini' && repository_path = '/projects/y' && user_id = 'user-1'", nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if record.GetInt("launch_count") != 3 {
		t.Errorf("expected launch_count 3, got %d", record.GetInt("launch_count"))
	}
}

func TestCloseSession_MarksClosed(t *testing.T) {
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	defer app.Cleanup()

	if err := launchhistory.RecordLaunch(app, "aider", "/projects/z", "user-1", nil); err != nil {
		t.Fatalf("RecordLaunch: %v", err)
	}
	if err := launchhistory.CloseSession(app, "aider", "/projects/z", "user-1"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}

	record, err := app.FindFirstRecordByFilter("ai_tool_launches",
		"tool_id = 'aider' && repository_path = '/projects/z' && user_id = 'user-1'", nil)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if record.GetString("status") != launchhistory.StatusClosed {
		t.Errorf("expected status closed, got %s", record.GetString("status"))
	}
}

func TestCloseSession_NoEntryIsNoop(t *testing.T) {
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	defer app.Cleanup()

	if err := launchhistory.CloseSession(app, "nonexistent", "/nowhere", "user-1"); err != nil {
		t.Fatalf("expected no-op, got error: %v", err)
	}
}
