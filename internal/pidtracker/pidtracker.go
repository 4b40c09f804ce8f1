// Package pidtracker maintains the on-disk record of every PID this
// installation of the core currently owns — the OwnedPidSet — and reaps
// any orphans left behind by a previous crash of the core itself.
//
// The file format is UTF-8, newline-delimited, one record per line as
// "{pid}\t{label}\n" (spec §6 — "reproduced in detail because it is
// bit-sensitive"). Every write rewrites the whole set and goes through a
// temp-file-then-rename, so a crash mid-write never leaves a line that
// doesn't belong to us.
package pidtracker

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// entry is one tracked process.
type entry struct {
	PID     int
	Label   string
	Started int64
}

// Tracker owns the on-disk PID set for one installation.
type Tracker struct {
	mu   sync.Mutex
	path string
	log  zerolog.Logger

	entries map[int]*entry
}

// Open loads (or creates) the pid set file at
// <stateDir>/<installationID>/owned_pids.
//
// The installation identifier is embedded in the path so that two
// concurrent installations of the core on the same machine — e.g. a stable
// and a canary build — never reap each other's processes (spec §9 open
// question: concurrent installations).
func Open(log zerolog.Logger, stateDir, installationID string) (*Tracker, error) {
	dir := filepath.Join(stateDir, installationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pidtracker: create state dir: %w", err)
	}

	t := &Tracker{
		path:    filepath.Join(dir, "owned_pids"),
		log:     log.With().Str("component", "pidtracker").Logger(),
		entries: make(map[int]*entry),
	}

	if err := t.load(); err != nil {
		return nil, err
	}
	return t, nil
}

// load parses the newline-delimited "{pid}\t{label}\n" file. A malformed
// line is skipped rather than failing the whole load — a half-written
// trailing line from a crash mid-append must never block boot.
func (t *Tracker) load() error {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("pidtracker: read %s: %w", t.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		pidStr, label, found := strings.Cut(line, "\t")
		if !found {
			continue
		}
		pid, err := strconv.Atoi(pidStr)
		if err != nil {
			continue
		}
		t.entries[pid] = &entry{PID: pid, Label: label, Started: time.Now().Unix()}
	}
	return scanner.Err()
}

// save writes the current entry set atomically via temp-file-then-rename,
// one "{pid}\t{label}\n" line per entry (spec §6). Caller must hold t.mu.
func (t *Tracker) save() error {
	var b strings.Builder
	for _, e := range t.entries {
		b.WriteString(strconv.Itoa(e.PID))
		b.WriteByte('\t')
		b.WriteString(e.Label)
		b.WriteByte('\n')
	}

	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("pidtracker: write temp file: %w", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return fmt.Errorf("pidtracker: rename temp file: %w", err)
	}
	return nil
}

// Record adds pid to the owned set under the given label (typically the
// service or tab name). Safe to call again for a pid already tracked.
func (t *Tracker) Record(pid int, label string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[pid] = &entry{
		PID:     pid,
		Label:   label,
		Started: time.Now().Unix(),
	}
	return t.save()
}

// Forget removes pid from the owned set and rewrites the file without it.
func (t *Tracker) Forget(pid int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.entries[pid]; !ok {
		return nil
	}
	delete(t.entries, pid)
	return t.save()
}

// ReapOrphans walks every tracked entry and, if the PID is still alive,
// attempts a polite termination (SIGTERM) followed by a forceful one
// (SIGKILL) if it hasn't exited within the grace period. Called once at
// startup to clean up after a prior crash of the core process itself; the
// set is empty again once every entry has been forgotten (spec §6: "on
// reap the file is truncated after successful kills").
func (t *Tracker) ReapOrphans(grace time.Duration) {
	t.mu.Lock()
	pids := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		pids = append(pids, e)
	}
	t.mu.Unlock()

	for _, e := range pids {
		if !processAlive(e.PID) {
			_ = t.Forget(e.PID)
			continue
		}

		t.log.Warn().Int("pid", e.PID).Str("label", e.Label).Msg("reaping orphaned process from prior session")
		_ = syscall.Kill(e.PID, syscall.SIGTERM)

		deadline := time.Now().Add(grace)
		for time.Now().Before(deadline) {
			if !processAlive(e.PID) {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}

		if processAlive(e.PID) {
			t.log.Warn().Int("pid", e.PID).Msg("orphan did not exit after SIGTERM, sending SIGKILL")
			_ = syscall.Kill(e.PID, syscall.SIGKILL)
		}

		_ = t.Forget(e.PID)
	}
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// signal 0 performs existence/permission checks without delivering a signal
	return syscall.Kill(pid, 0) == nil
}
