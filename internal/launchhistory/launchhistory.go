// Package launchhistory wraps the ai_tool_launches collection with the
// three operations the Terminal Session Manager needs to decide whether an
// AI tool launch should resume a prior session or start fresh.
package launchhistory

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
)

const (
	StatusOpen   = "open"
	StatusClosed = "closed"
)

// Entry is the read view of one ai_tool_launches row.
type Entry struct {
	ID              string
	ToolID          string
	RepositoryPath  string
	UserID          string
	LaunchCount     int
	FirstLaunchedAt time.Time
	LastLaunchedAt  time.Time
	Status          string
	Metadata        map[string]any
}

// HasBeenLaunchedBefore reports whether (toolID, repoPath, userID) has any
// prior LaunchHistoryEntry — the sole signal the resume-flag decision in
// the Terminal Session Manager's launch policy depends on.
func HasBeenLaunchedBefore(app core.App, toolID, repoPath, userID string) (bool, error) {
	_, err := findEntry(app, toolID, repoPath, userID)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("launchhistory.HasBeenLaunchedBefore: %w", err)
	}
	return true, nil
}

// RecordLaunch upserts the entry for (toolID, repoPath, userID): increments
// launch-count, sets last-launched-at, and stores metadata (tool-version,
// resumed?). First call for a given key also sets first-launched-at and
// status to open.
func RecordLaunch(app core.App, toolID, repoPath, userID string, metadata map[string]any) error {
	record, err := findEntry(app, toolID, repoPath, userID)
	now := time.Now()

	if err != nil {
		if !isNotFound(err) {
			return fmt.Errorf("launchhistory.RecordLaunch: find: %w", err)
		}

		col, colErr := app.FindCollectionByNameOrId("ai_tool_launches")
		if colErr != nil {
			return fmt.Errorf("launchhistory.RecordLaunch: find collection: %w", colErr)
		}
		record = core.NewRecord(col)
		record.Set("tool_id", toolID)
		record.Set("repository_path", repoPath)
		record.Set("user_id", userID)
		record.Set("launch_count", 0)
		record.Set("first_launched_at", now)
	}

	record.Set("launch_count", record.GetInt("launch_count")+1)
	record.Set("last_launched_at", now)
	record.Set("status", StatusOpen)
	if metadata != nil {
		record.Set("metadata", metadata)
	}

	if err := app.Save(record); err != nil {
		return fmt.Errorf("launchhistory.RecordLaunch: save: %w", err)
	}
	return nil
}

// CloseSession sets status=closed on process exit. A no-op if no entry
// exists (the process may have exited before any successful spawn was
// recorded).
func CloseSession(app core.App, toolID, repoPath, userID string) error {
	record, err := findEntry(app, toolID, repoPath, userID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("launchhistory.CloseSession: find: %w", err)
	}

	record.Set("status", StatusClosed)
	if err := app.Save(record); err != nil {
		return fmt.Errorf("launchhistory.CloseSession: save: %w", err)
	}
	return nil
}

func findEntry(app core.App, toolID, repoPath, userID string) (*core.Record, error) {
	return app.FindFirstRecordByFilter(
		"ai_tool_launches",
		"tool_id = {:tool_id} && repository_path = {:repository_path} && user_id = {:user_id}",
		dbx.Params{"tool_id": toolID, "repository_path": repoPath, "user_id": userID},
	)
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
