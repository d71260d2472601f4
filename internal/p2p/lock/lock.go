package lock

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/execution-hub/channel-hub/internal/p2p/protocol"
)

// QueueNames returns the queues a protocol run must hold exclusively.
func QueueNames(p protocol.Params) []string {
	switch v := p.(type) {
	case protocol.SetupParams, protocol.ProposeParams, protocol.InstallParams,
		protocol.RejectInstallParams, protocol.WithdrawParams, protocol.SyncParams:
		return []string{p.Multisig()}
	case protocol.TakeActionParams:
		return []string{v.AppIdentityHash}
	case protocol.UpdateParams:
		return []string{v.AppIdentityHash}
	case protocol.UninstallParams:
		return normalize([]string{v.MultisigAddress, v.AppIdentityHash})
	default:
		return nil
	}
}

// Manager hands out exclusive leases over named queues. Leases live only
// in memory.
type Manager struct {
	mu      sync.Mutex
	held    map[string]struct{}
	changed chan struct{}
}

func NewManager() *Manager {
	return &Manager{
		held:    make(map[string]struct{}),
		changed: make(chan struct{}),
	}
}

// Lease is held until Release is called.
type Lease struct {
	m     *Manager
	names []string
	once  sync.Once
}

// Names returns the queues covered by the lease.
func (l *Lease) Names() []string {
	return append([]string(nil), l.names...)
}

// Release frees every queue of the lease. Calling it again is a no-op.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.m.release(l.names)
	})
}

// Acquire blocks until every named queue is free and then takes all of them
// at once. It fails with LEASE_TIMEOUT when ctx ends first.
func (m *Manager) Acquire(ctx context.Context, names ...string) (*Lease, error) {
	names = normalize(names)
	if len(names) == 0 {
		return nil, errors.New("at least one queue name is required")
	}
	for {
		m.mu.Lock()
		if m.freeLocked(names) {
			for _, n := range names {
				m.held[n] = struct{}{}
			}
			m.mu.Unlock()
			return &Lease{m: m, names: names}, nil
		}
		wait := m.changed
		m.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, protocol.Errorf(protocol.KindLeaseTimeout, "waiting for %s: %v", strings.Join(names, ","), ctx.Err())
		}
	}
}

// TryAcquire takes the queues only if all of them are free right now.
func (m *Manager) TryAcquire(names ...string) (*Lease, bool) {
	names = normalize(names)
	if len(names) == 0 {
		return nil, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.freeLocked(names) {
		return nil, false
	}
	for _, n := range names {
		m.held[n] = struct{}{}
	}
	return &Lease{m: m, names: names}, true
}

// Held reports whether name is currently leased.
func (m *Manager) Held(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[name]
	return ok
}

func (m *Manager) freeLocked(names []string) bool {
	for _, n := range names {
		if _, busy := m.held[n]; busy {
			return false
		}
	}
	return true
}

func (m *Manager) release(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		delete(m.held, n)
	}
	// wake every waiter; each re-checks its own names
	close(m.changed)
	m.changed = make(chan struct{})
}

func normalize(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
