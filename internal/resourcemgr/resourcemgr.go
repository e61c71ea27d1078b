// Package resourcemgr implements the per-node local resource manager
// (§4.7, component H): it tracks total/free memory and a per-image warm
// VM cache, and pushes ResourceInfo snapshots to the global scheduler
// both periodically and on every change of state.
//
// Grounded on internal/pool/pool.go's locking discipline (one mutex
// guarding the warm set, atomic counters for hot-path reads), adapted
// from a warm-VM *pool* serving concurrent invocations of one function to
// a warm-VM *accounting ledger* serving the worker loop's GetVM/
// ReleaseVM/DeleteVM calls one at a time. The VM lifecycle itself stays
// behind the internal/vmmonitor.VM black box.
package resourcemgr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/snapfaas/pulsar/internal/config"
	"github.com/snapfaas/pulsar/internal/logging"
	"github.com/snapfaas/pulsar/internal/metrics"
	"github.com/snapfaas/pulsar/internal/protocol"
	"github.com/snapfaas/pulsar/internal/vmmonitor"
)

// DefaultVMMemoryMB is the slot size used for a function with no declared
// MemoryMB (§5: workers are sized at total_memory/128 MiB by default).
const DefaultVMMemoryMB = 128

// VMFactory creates a fresh, not-yet-launched VM handle for image. The
// manager calls this only after admission (memory reservation) succeeds.
type VMFactory func(ctx context.Context, image string) (vmmonitor.VM, error)

// SchedClient is the scheduler push surface the manager needs.
type SchedClient interface {
	UpdateResource(info protocol.ResourceInfo) error
	DropResource() error
}

// Manager is one node's local resource manager.
type Manager struct {
	mu        sync.Mutex
	totalMem  uint64
	freeMem   uint64
	footprint map[string]uint64 // image -> declared MB
	warm      map[string][]vmmonitor.VM

	totalVMs atomic.Int64 // hot-path read: warm + in-flight count

	factory       VMFactory
	sched         SchedClient
	flushInterval time.Duration
	notify        chan struct{}
}

// NewManager builds a Manager for a node with totalMemMB of memory and the
// given function catalog's declared footprints.
func NewManager(totalMemMB uint64, functions []config.FunctionSpec, factory VMFactory, sched SchedClient, flushInterval time.Duration) *Manager {
	footprint := make(map[string]uint64, len(functions))
	for _, f := range functions {
		mb := f.MemoryMB
		if mb == 0 {
			mb = DefaultVMMemoryMB
		}
		footprint[f.Image] = mb
	}
	if flushInterval <= 0 {
		flushInterval = 3600 * time.Second
	}
	return &Manager{
		totalMem:      totalMemMB,
		freeMem:       totalMemMB,
		footprint:     footprint,
		warm:          make(map[string][]vmmonitor.VM),
		factory:       factory,
		sched:         sched,
		flushInterval: flushInterval,
		notify:        make(chan struct{}, 1),
	}
}

// Run periodically flushes a ResourceInfo snapshot (§4.7 "every
// FLUSH_INTERVAL_SECS") and also flushes immediately whenever GetVM/
// ReleaseVM/DeleteVM signal a change of state, until ctx is canceled, at
// which point it pushes DropResource (§4.7 "on graceful shutdown").
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()
	log := logging.Op()

	for {
		select {
		case <-ctx.Done():
			if err := m.sched.DropResource(); err != nil {
				log.Warn("drop_resource failed", "error", err)
			}
			return
		case <-ticker.C:
			m.flush("periodic")
		case <-m.notify:
			m.flush("change_of_state")
		}
	}
}

func (m *Manager) flush(trigger string) {
	info := m.snapshot()
	metrics.SetMemoryInUse(info.TotalMem - info.FreeMem)
	if err := m.sched.UpdateResource(info); err != nil {
		logging.Op().Warn("update_resource failed", "trigger", trigger, "error", err)
		return
	}
	metrics.RecordResourceUpdate(trigger)
}

func (m *Manager) triggerFlush() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Manager) snapshot() protocol.ResourceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := make(map[string]int, len(m.warm))
	for image, vms := range m.warm {
		stats[image] = len(vms)
	}
	return protocol.ResourceInfo{TotalMem: m.totalMem, FreeMem: m.freeMem, Stats: stats}
}

// GetVM returns a warm VM for image if one is cached, else admits a new
// one, evicting other warm VMs if needed to make room. On
// ErrInsufficientEvict/ErrLowMemory/ErrFunctionNotExist the worker loop
// treats the failure as terminal (§4.6 step 2).
func (m *Manager) GetVM(ctx context.Context, image string) (vmmonitor.VM, error) {
	m.mu.Lock()

	if warm := m.warm[image]; len(warm) > 0 {
		vm := warm[len(warm)-1]
		m.warm[image] = warm[:len(warm)-1]
		m.mu.Unlock()
		m.triggerFlush()
		return vm, nil
	}

	need, known := m.footprint[image]
	if !known {
		m.mu.Unlock()
		return nil, vmmonitor.ErrFunctionNotExist
	}
	if need > m.totalMem {
		m.mu.Unlock()
		return nil, vmmonitor.ErrLowMemory
	}
	if need > m.freeMem {
		if !m.evictLocked(need - m.freeMem) {
			m.mu.Unlock()
			return nil, vmmonitor.ErrInsufficientEvict
		}
	}
	m.freeMem -= need
	m.totalVMs.Add(1)
	m.mu.Unlock()

	m.triggerFlush()

	vm, err := m.factory(ctx, image)
	if err != nil {
		m.mu.Lock()
		m.freeMem += need
		m.totalVMs.Add(-1)
		m.mu.Unlock()
		m.triggerFlush()
		return nil, err
	}
	return vm, nil
}

// evictLocked discards warm VMs (of any image) until at least want MB has
// been freed, or returns false if evicting everything still falls short
// (§4.7/§7 "InsufficientEvict"). Callers must hold m.mu.
func (m *Manager) evictLocked(want uint64) bool {
	var freed uint64
	for image, vms := range m.warm {
		for len(vms) > 0 && freed < want {
			vms = vms[:len(vms)-1]
			mb := m.footprint[image]
			m.freeMem += mb
			m.totalVMs.Add(-1)
			freed += mb
			metrics.RecordEviction("admission")
		}
		m.warm[image] = vms
	}
	return freed >= want
}

// ReleaseVM returns vm to the warm cache for reuse (§4.7 "bumping that
// image's count").
func (m *Manager) ReleaseVM(vm vmmonitor.VM) {
	image := vm.Image()
	m.mu.Lock()
	m.warm[image] = append(m.warm[image], vm)
	m.mu.Unlock()
	m.triggerFlush()
}

// DeleteVM returns vm's memory to the free pool without caching it
// (§4.7 "does not bump cache").
func (m *Manager) DeleteVM(vm vmmonitor.VM) {
	image := vm.Image()
	m.mu.Lock()
	m.freeMem += m.footprint[image]
	m.totalVMs.Add(-1)
	m.mu.Unlock()
	m.triggerFlush()
}

// Stats exposes the manager's current accounting for metrics export.
func (m *Manager) Stats() (totalMem, freeMem uint64, liveVMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.totalMem, m.freeMem, m.totalVMs.Load()
}
