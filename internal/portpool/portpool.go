// Package portpool implements the Port Pool Manager: a fixed set of
// per-purpose port ranges scanned once at boot, then handed out to and
// recycled from services as they start and stop.
//
// Scanning a range never touches ports below 1024, and never re-probes a
// port that is already marked free in this process's own bookkeeping — the
// probe only guards against a stale port still held by a process from a
// previous crash.
package portpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alloyide/core/internal/config"
	"github.com/rs/zerolog"
)

// ErrNoPortAvailable is returned when a pool has no free port and ephemeral
// fallback is either disabled or also exhausted.
var ErrNoPortAvailable = errors.New("portpool: no port available")

// ErrUnknownPool is returned when a caller asks for a pool name the Manager
// was never initialized with.
var ErrUnknownPool = errors.New("portpool: unknown pool")

const (
	minScannablePort = 1024
	probeTimeout     = 50 * time.Millisecond
	scanConcurrency  = 10
)

// Lease is a single allocated port, released by passing it to Release.
type Lease struct {
	Pool        string
	Port        int
	ServiceName string
}

type pool struct {
	mu      sync.Mutex
	name    string
	free    []int // ports confirmed free, FIFO
	leased  map[int]bool
	priority int
}

// Manager owns every configured pool and serializes allocation per pool. It
// also tracks, per service name, which Lease that service currently holds —
// the service↔port allocation table the data model requires — so a repeat
// AllocateForService call for the same service can be answered idempotently
// instead of always popping a fresh port.
type Manager struct {
	log            zerolog.Logger
	allowEphemeral bool
	scanComplete   bool
	pools          map[string]*pool

	allocMu     sync.Mutex
	allocations map[string]Lease // serviceName -> current Lease
}

// New constructs a Manager from configuration without scanning yet; call
// Initialize to perform the startup scan.
func New(log zerolog.Logger, cfg *config.Config) *Manager {
	return &Manager{
		log:            log.With().Str("component", "portpool").Logger(),
		allowEphemeral: cfg.AllowEphemeralFallback,
		pools:          make(map[string]*pool, len(cfg.PortRanges)),
		allocations:    make(map[string]Lease),
	}
}

// Initialize scans every configured range concurrently (bounded fan-out)
// and populates each pool's free list with ports that are not presently
// bound by any process. A port already bound is skipped rather than the
// whole scan failing, since a leftover process from a prior crash is
// expected, not exceptional.
func (m *Manager) Initialize(ctx context.Context, ranges map[string]config.PortRange) error {
	if len(ranges) == 0 {
		return fmt.Errorf("portpool: %w", config.ErrPortScanConfig)
	}

	for name, r := range ranges {
		start := r.Start
		if start < minScannablePort {
			start = minScannablePort
		}
		candidates := make([]int, 0, r.End-start+1)
		for p := start; p <= r.End; p++ {
			candidates = append(candidates, p)
		}

		free, err := scanFree(ctx, candidates)
		if err != nil {
			return fmt.Errorf("portpool: scan %s: %w", name, err)
		}

		m.pools[name] = &pool{
			name:     name,
			free:     free,
			leased:   make(map[int]bool),
			priority: r.Priority,
		}

		m.log.Info().
			Str("pool", name).
			Int("range_start", r.Start).
			Int("range_end", r.End).
			Int("free", len(free)).
			Msg("port range scanned")
	}

	m.scanComplete = true
	return nil
}

// scanFree probes each candidate port with a bounded number of concurrent
// dial attempts and returns the ones that refused a connection (i.e. are
// not currently bound).
func scanFree(ctx context.Context, candidates []int) ([]int, error) {
	results := make([]bool, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanConcurrency)

	for i, port := range candidates {
		i, port := i, port
		g.Go(func() error {
			results[i] = portIsFree(gctx, port)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	free := make([]int, 0, len(candidates))
	for i, ok := range results {
		if ok {
			free = append(free, candidates[i])
		}
	}
	return free, nil
}

func portIsFree(ctx context.Context, port int) bool {
	d := net.Dialer{Timeout: probeTimeout}
	conn, err := d.DialContext(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return true // connection refused (or timed out) means nothing is listening
	}
	_ = conn.Close()
	return false
}

// AllocateForService looks up the pool associated with serviceName (its
// caller-supplied poolName) and reserves a port for it. If serviceName
// already holds a recorded Lease and that port still responds to a quick
// local probe, the same Lease is returned unchanged (idempotent
// reallocation per spec.md §4.1) instead of popping a fresh port. Otherwise
// it pops the head of the pool's free list. Returns ErrNoPortAvailable if
// the pool is exhausted and ephemeral fallback is disabled or also
// exhausted.
func (m *Manager) AllocateForService(serviceName, poolName string) (Lease, error) {
	if existing, ok := m.currentLease(serviceName); ok && existing.Pool == poolName && portResponds(existing.Port) {
		return existing, nil
	}

	p, ok := m.pools[poolName]
	if !ok {
		return Lease{}, fmt.Errorf("%w: %s", ErrUnknownPool, poolName)
	}

	p.mu.Lock()
	var lease Lease
	if len(p.free) == 0 {
		if m.allowEphemeral {
			if port, err := allocateEphemeral(); err == nil {
				p.leased[port] = true
				p.mu.Unlock()
				m.log.Warn().Str("pool", poolName).Int("port", port).Msg("pool exhausted, used ephemeral fallback")
				lease = Lease{Pool: poolName, Port: port, ServiceName: serviceName}
				m.setLease(serviceName, lease)
				return lease, nil
			}
		}
		p.mu.Unlock()
		return Lease{}, fmt.Errorf("%w: pool %s", ErrNoPortAvailable, poolName)
	}

	port := p.free[0]
	p.free = p.free[1:]
	p.leased[port] = true
	p.mu.Unlock()

	lease = Lease{Pool: poolName, Port: port, ServiceName: serviceName}
	m.setLease(serviceName, lease)
	return lease, nil
}

// currentLease returns the Lease presently recorded for serviceName, if any.
func (m *Manager) currentLease(serviceName string) (Lease, bool) {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()
	l, ok := m.allocations[serviceName]
	return l, ok
}

func (m *Manager) setLease(serviceName string, lease Lease) {
	m.allocMu.Lock()
	m.allocations[serviceName] = lease
	m.allocMu.Unlock()
}

func (m *Manager) clearLease(serviceName string, port int) {
	m.allocMu.Lock()
	defer m.allocMu.Unlock()
	if cur, ok := m.allocations[serviceName]; ok && cur.Port == port {
		delete(m.allocations, serviceName)
	}
}

// portResponds is the "quick local probe" used to decide whether a
// service's previously recorded port is still genuinely held by that
// service (something is listening) rather than stale.
func portResponds(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), probeTimeout)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// AllocateEphemeral asks the OS kernel for an arbitrary free port, bypassing
// all configured pools. Used only when a caller has explicitly opted into
// AllowEphemeralFallback, or for one-off diagnostic listeners.
func (m *Manager) AllocateEphemeral() (int, error) {
	return allocateEphemeral()
}

func allocateEphemeral() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("portpool: ephemeral allocation: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Release returns a leased port to the tail of its pool's free list. Every
// exit path — clean stop, crash, restart — releases through here, so a
// port that just crashed is handed out again only after every port that
// was already free in its pool.
func (m *Manager) Release(lease Lease) {
	p, ok := m.pools[lease.Pool]
	if !ok {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.leased[lease.Port] {
		return // idempotent: already released or never leased
	}
	delete(p.leased, lease.Port)
	p.free = append(p.free, lease.Port)

	if lease.ServiceName != "" {
		m.clearLease(lease.ServiceName, lease.Port)
	}
}

// PoolDiagnostics is a point-in-time snapshot of one pool's occupancy.
type PoolDiagnostics struct {
	Pool     string `json:"pool"`
	Free     int    `json:"free"`
	Leased   int    `json:"leased"`
	Priority int    `json:"priority"`
}

// Allocation is one entry of the service↔port allocation table: which
// service currently holds which port, out of which pool.
type Allocation struct {
	ServiceName string `json:"service"`
	Pool        string `json:"pool"`
	Port        int    `json:"port"`
}

// Snapshot is the read-only diagnostics view of C1: scan completion,
// per-pool occupancy, and the full current allocation table (spec.md §4.1
// "diagnostics() → snapshot").
type Snapshot struct {
	ScanComplete bool              `json:"scan_complete"`
	Pools        []PoolDiagnostics `json:"pools"`
	Allocations  []Allocation      `json:"allocations"`
}

// Diagnostics returns a snapshot of every pool plus the current
// service↔port allocation table, for the status surface and for debugging
// exhaustion. Safe to call from any goroutine.
func (m *Manager) Diagnostics() Snapshot {
	pools := make([]PoolDiagnostics, 0, len(m.pools))
	for name, p := range m.pools {
		p.mu.Lock()
		pools = append(pools, PoolDiagnostics{
			Pool:     name,
			Free:     len(p.free),
			Leased:   len(p.leased),
			Priority: p.priority,
		})
		p.mu.Unlock()
	}

	m.allocMu.Lock()
	allocs := make([]Allocation, 0, len(m.allocations))
	for service, lease := range m.allocations {
		allocs = append(allocs, Allocation{ServiceName: service, Pool: lease.Pool, Port: lease.Port})
	}
	m.allocMu.Unlock()

	return Snapshot{ScanComplete: m.scanComplete, Pools: pools, Allocations: allocs}
}
