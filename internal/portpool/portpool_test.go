package portpool_test

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/alloyide/core/internal/config"
	"github.com/alloyide/core/internal/portpool"
	"github.com/rs/zerolog"
)

func testRanges() map[string]config.PortRange {
	return map[string]config.PortRange{
		"TEST_POOL": {PoolName: "TEST_POOL", Start: 40000, End: 40004, DesiredSize: 5, Priority: 1},
	}
}

func newManager(t *testing.T) *portpool.Manager {
	t.Helper()
	cfg := &config.Config{AllowEphemeralFallback: false}
	m := portpool.New(zerolog.Nop(), cfg)
	if err := m.Initialize(context.Background(), testRanges()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return m
}

func TestAllocateForService_ReturnsPortInRange(t *testing.T) {
	m := newManager(t)

	lease, err := m.AllocateForService("svc-a", "TEST_POOL")
	if err != nil {
		t.Fatalf("AllocateForService: %v", err)
	}
	if lease.Port < 40000 || lease.Port > 40004 {
		t.Errorf("port %d out of configured range", lease.Port)
	}
}

func TestAllocateForService_UnknownPool(t *testing.T) {
	m := newManager(t)

	_, err := m.AllocateForService("svc-a", "NOT_A_POOL")
	if err == nil {
		t.Fatal("expected error for unknown pool")
	}
}

func TestAllocateForService_ExhaustionWithoutFallback(t *testing.T) {
	m := newManager(t)

	var leases []portpool.Lease
	for i := 0; i < 5; i++ {
		l, err := m.AllocateForService(serviceName(i), "TEST_POOL")
		if err != nil {
			t.Fatalf("AllocateForService[%d]: %v", i, err)
		}
		leases = append(leases, l)
	}

	if _, err := m.AllocateForService("svc-overflow", "TEST_POOL"); err == nil {
		t.Fatal("expected exhaustion error on 6th allocation")
	}

	m.Release(leases[0])
	if _, err := m.AllocateForService("svc-overflow", "TEST_POOL"); err != nil {
		t.Fatalf("expected allocation to succeed after release: %v", err)
	}
}

func TestRelease_IsIdempotent(t *testing.T) {
	m := newManager(t)

	lease, err := m.AllocateForService("svc-a", "TEST_POOL")
	if err != nil {
		t.Fatalf("AllocateForService: %v", err)
	}

	m.Release(lease)
	m.Release(lease) // second release must be a no-op, not a double-free

	diag := m.Diagnostics()
	if len(diag.Pools) != 1 || diag.Pools[0].Free != 5 {
		t.Fatalf("expected 5 free ports after idempotent release, got %+v", diag.Pools)
	}
	if len(diag.Allocations) != 0 {
		t.Fatalf("expected allocation table cleared after release, got %+v", diag.Allocations)
	}
}

func TestAllocateEphemeral_ReturnsUsablePort(t *testing.T) {
	m := newManager(t)

	port, err := m.AllocateEphemeral()
	if err != nil {
		t.Fatalf("AllocateEphemeral: %v", err)
	}
	if port <= 0 {
		t.Errorf("expected positive port, got %d", port)
	}
}

func TestDiagnostics_ReflectsLeaseState(t *testing.T) {
	m := newManager(t)

	lease, err := m.AllocateForService("svc-a", "TEST_POOL")
	if err != nil {
		t.Fatalf("AllocateForService: %v", err)
	}

	diag := m.Diagnostics()
	if len(diag.Pools) != 1 {
		t.Fatalf("expected 1 pool, got %d", len(diag.Pools))
	}
	if diag.Pools[0].Leased != 1 || diag.Pools[0].Free != 4 {
		t.Errorf("expected 1 leased / 4 free, got %+v", diag.Pools[0])
	}
	if !diag.ScanComplete {
		t.Error("expected ScanComplete to be true after Initialize")
	}
	if len(diag.Allocations) != 1 || diag.Allocations[0].ServiceName != "svc-a" || diag.Allocations[0].Port != lease.Port {
		t.Errorf("expected allocation table to contain svc-a -> %d, got %+v", lease.Port, diag.Allocations)
	}
}

// TestAllocateForService_IdempotentWhilePortStillResponds confirms the
// spec.md §4.1 reallocation rule: a repeat call for a service whose prior
// port still has something listening on it returns the same Lease instead
// of popping a fresh one.
func TestAllocateForService_IdempotentWhilePortStillResponds(t *testing.T) {
	m := newManager(t)

	first, err := m.AllocateForService("svc-a", "TEST_POOL")
	if err != nil {
		t.Fatalf("AllocateForService: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(first.Port))
	if err != nil {
		t.Fatalf("listen on leased port: %v", err)
	}
	defer ln.Close()

	second, err := m.AllocateForService("svc-a", "TEST_POOL")
	if err != nil {
		t.Fatalf("AllocateForService (repeat): %v", err)
	}
	if second.Port != first.Port {
		t.Fatalf("expected idempotent reallocation to return port %d, got %d", first.Port, second.Port)
	}

	diag := m.Diagnostics()
	if diag.Pools[0].Free != 4 {
		t.Fatalf("expected repeat allocation not to consume a second port, got %+v", diag.Pools[0])
	}
}

func serviceName(i int) string {
	return "svc-" + string(rune('a'+i))
}
