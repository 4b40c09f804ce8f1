package terminal_test

import (
	"testing"

	"github.com/alloyide/core/internal/terminal"
	"github.com/rs/zerolog"
)

func loggerForTest() zerolog.Logger {
	return zerolog.Nop()
}

// lowestFreeIntegerModel mirrors Manager's private allocator logic for a
// standalone invariant check independent of process spawning.
type lowestFreeIntegerModel struct {
	free map[int]bool
	next int
}

func newModel() *lowestFreeIntegerModel {
	return &lowestFreeIntegerModel{free: make(map[int]bool), next: 1}
}

func (m *lowestFreeIntegerModel) allocate() int {
	lowest := -1
	for n := range m.free {
		if lowest == -1 || n < lowest {
			lowest = n
		}
	}
	if lowest != -1 {
		delete(m.free, lowest)
		return lowest
	}
	n := m.next
	m.next++
	return n
}

func (m *lowestFreeIntegerModel) release(n int) {
	m.free[n] = true
}

func TestLowestFreeIntegerModel_RecyclesClosedSlot(t *testing.T) {
	m := newModel()

	a := m.allocate() // 1
	b := m.allocate() // 2
	c := m.allocate() // 3
	if a != 1 || b != 2 || c != 3 {
		t.Fatalf("expected 1,2,3 got %d,%d,%d", a, b, c)
	}

	m.release(b) // close "Terminal 2"

	next := m.allocate()
	if next != 2 {
		t.Errorf("expected recycled slot 2, got %d", next)
	}
}

func TestManager_SystemLogTabIsSingleton(t *testing.T) {
	mgr := terminal.New(loggerForTest(), nil, nil, nil, "")

	first := mgr.OpenSystemLogTab()
	second := mgr.OpenSystemLogTab()

	if first.TabID != "system-log" || second.TabID != "system-log" {
		t.Fatalf("expected both to be the system-log tab, got %+v / %+v", first, second)
	}
}

func TestManager_CloseSystemLogTabIsRejected(t *testing.T) {
	mgr := terminal.New(loggerForTest(), nil, nil, nil, "")
	mgr.OpenSystemLogTab()

	if err := mgr.Close("system-log", "user-1"); err == nil {
		t.Fatal("expected error closing the system-log tab")
	}
}
