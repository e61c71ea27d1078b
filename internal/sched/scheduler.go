// Package sched implements the global scheduler actor (component F) and
// the state it exclusively owns: the node registry (B), cache index (C),
// idle pool (D), and wait list (E). Every mutation happens on a single
// goroutine draining one command channel, the idiomatic Go analogue of
// the reference scheduler's single-threaded actor built on an mpsc
// channel.
package sched

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/snapfaas/pulsar/internal/logging"
	"github.com/snapfaas/pulsar/internal/metrics"
	"github.com/snapfaas/pulsar/internal/observability"
	"github.com/snapfaas/pulsar/internal/protocol"
)

// FunctionCatalog maps an image name to the gate installed for it at
// boot (§11 supplemented feature: static gate installation per
// configured function).
type FunctionCatalog map[string]protocol.Gate

type cmdGetTask struct {
	node   NodeID
	wakeCh chan wake
}

type cmdFinishTask struct {
	node   NodeID
	taskID string
	status protocol.InvokeStatus
	result json.RawMessage
}

type cmdLabeledInvoke struct {
	ctx      context.Context
	gate     protocol.Gate
	payload  json.RawMessage
	label    protocol.Label
	resultCh chan protocol.InvokeResult
}

type cmdUpdateResource struct {
	node NodeID
	info protocol.ResourceInfo
}

type cmdDropResource struct {
	node NodeID
}

type cmdTerminateAll struct{}

type cmdStats struct {
	replyCh chan Stats
}

// Stats is a read-only snapshot of scheduler state, used by the
// Prometheus exporter and by tests.
type Stats struct {
	Nodes        int
	DirtyNodes   int
	CacheEntries int
	IdleWorkers  int
	WaitListLen  int
	Pending      int
}

// Scheduler is the single-writer actor owning the registry, cache index,
// idle pool, and wait list (§3 Ownership, §5).
type Scheduler struct {
	catalog FunctionCatalog
	cmds    chan any

	registry *registry
	cache    *cacheIndex
	idle     *idlePool
	waiting  *waitList
	pending  []pendingInvoke
}

// NewScheduler constructs a Scheduler that will serve the given function
// catalog once Run is started. The catalog is immutable for the
// scheduler's lifetime, matching the original's boot-time gate
// installation.
func NewScheduler(catalog FunctionCatalog) *Scheduler {
	return &Scheduler{
		catalog:  catalog,
		cmds:     make(chan any, 64),
		registry: newRegistry(),
		cache:    newCacheIndex(),
		idle:     newIdlePool(),
		waiting:  newWaitList(),
	}
}

// Run drives the scheduler's single handling goroutine until ctx is
// canceled. On cancellation it behaves like TerminateAll: idle workers
// are told to stop and pending invocations fail with Terminated.
func (s *Scheduler) Run(ctx context.Context) {
	log := logging.Op()
	log.Info("scheduler actor started")
	for {
		select {
		case <-ctx.Done():
			s.handleTerminateAll()
			log.Info("scheduler actor stopped")
			return
		case c := <-s.cmds:
			s.dispatch(c)
		}
	}
}

func (s *Scheduler) dispatch(c any) {
	switch cmd := c.(type) {
	case cmdGetTask:
		s.handleGetTask(cmd)
	case cmdFinishTask:
		s.handleFinishTask(cmd)
	case cmdLabeledInvoke:
		s.handleLabeledInvoke(cmd)
	case cmdUpdateResource:
		s.handleUpdateResource(cmd)
	case cmdDropResource:
		s.handleDropResource(cmd)
	case cmdTerminateAll:
		s.handleTerminateAll()
	case cmdStats:
		cmd.replyCh <- s.snapshotStats()
	}
	s.publishGauges()
}

// GetTask registers the caller as an idle worker for node and blocks
// until matched to a task or told to terminate (§4.4, §4.6 state
// "Idle"). It is safe to call concurrently from many worker goroutines.
func (s *Scheduler) GetTask(ctx context.Context, node NodeID) (protocol.Invoke, bool, error) {
	ch := make(chan wake, 1)
	select {
	case s.cmds <- cmdGetTask{node: node, wakeCh: ch}:
	case <-ctx.Done():
		return protocol.Invoke{}, false, ctx.Err()
	}
	select {
	case w := <-ch:
		return w.invoke, w.terminate, nil
	case <-ctx.Done():
		return protocol.Invoke{}, false, ctx.Err()
	}
}

// FinishTask reports a task's terminal outcome (§4.4, §4.6 state
// "Releasing/Deleting").
func (s *Scheduler) FinishTask(node NodeID, taskID string, status protocol.InvokeStatus, result json.RawMessage) {
	s.cmds <- cmdFinishTask{node: node, taskID: taskID, status: status, result: result}
}

// LabeledInvoke admits a new invocation and blocks until it resolves to
// a terminal InvokeResult, via FinishTask or TerminateAll. The external
// gateway that would normally hold this call open is out of scope here;
// this method stands in for that RPC round trip.
func (s *Scheduler) LabeledInvoke(ctx context.Context, gate protocol.Gate, payload json.RawMessage, label protocol.Label) (protocol.InvokeResult, error) {
	resultCh := make(chan protocol.InvokeResult, 1)
	select {
	case s.cmds <- cmdLabeledInvoke{ctx: ctx, gate: gate, payload: payload, label: label, resultCh: resultCh}:
	case <-ctx.Done():
		return protocol.InvokeResult{}, ctx.Err()
	}
	select {
	case res := <-resultCh:
		return res, nil
	case <-ctx.Done():
		return protocol.InvokeResult{}, ctx.Err()
	}
}

// UpdateResource pushes a fresh ResourceInfo snapshot from node (§4.4, §4.5).
func (s *Scheduler) UpdateResource(node NodeID, info protocol.ResourceInfo) {
	s.cmds <- cmdUpdateResource{node: node, info: info}
}

// DropResource removes node from the registry, idle pool, and cache
// index (§4.4). It is also how a peer disconnect is modeled (§6).
func (s *Scheduler) DropResource(node NodeID) {
	s.cmds <- cmdDropResource{node: node}
}

// TerminateAll is the only global cancel (§5).
func (s *Scheduler) TerminateAll() {
	s.cmds <- cmdTerminateAll{}
}

// StatsSnapshot returns a read-only view of scheduler state for metrics
// export; it goes through the actor like every other read, so it never
// races the handling goroutine.
func (s *Scheduler) StatsSnapshot() Stats {
	replyCh := make(chan Stats, 1)
	s.cmds <- cmdStats{replyCh: replyCh}
	return <-replyCh
}

func (s *Scheduler) snapshotStats() Stats {
	dirty := 0
	for _, info := range s.registry.nodes {
		if info.Dirty {
			dirty++
		}
	}
	return Stats{
		Nodes:        s.registry.count(),
		DirtyNodes:   dirty,
		CacheEntries: s.cache.entryCount(),
		IdleWorkers:  s.idle.total(),
		WaitListLen:  s.waiting.len(),
		Pending:      len(s.pending),
	}
}

func (s *Scheduler) publishGauges() {
	st := s.snapshotStats()
	metrics.SetNodesRegistered(st.Nodes)
	metrics.SetNodesDirty(st.DirtyNodes)
	metrics.SetCacheEntries(st.CacheEntries)
	metrics.SetIdlePoolSize(st.IdleWorkers)
	metrics.SetWaitListDepth(st.WaitListLen)
}

func (s *Scheduler) handleGetTask(cmd cmdGetTask) {
	s.registry.ensure(cmd.node)

	if len(s.pending) > 0 {
		p := s.pending[0]
		s.pending = s.pending[1:]

		clean := false
		if !s.isDirty(cmd.node) {
			if idx := s.cache.findNode(p.gate.Image, cmd.node); idx >= 0 {
				s.cache.decrementAt(p.gate.Image, idx)
				clean = true
			}
		}
		if !clean {
			s.registry.setDirty(cmd.node, true)
		}
		metrics.RecordDispatch(dispatchOutcome(clean))
		cmd.wakeCh <- wake{invoke: p.invoke}
		return
	}

	s.idle.push(idleWorker{node: cmd.node, ch: cmd.wakeCh})
}

func dispatchOutcome(clean bool) string {
	if clean {
		return "cached_match"
	}
	return "fallback_idle"
}

func (s *Scheduler) handleFinishTask(cmd cmdFinishTask) {
	reply, ok := s.waiting.take(cmd.taskID)
	if !ok {
		logging.Op().Warn("finish_task for unknown task", "task_id", cmd.taskID, "node", string(cmd.node))
		return
	}
	reply <- protocol.InvokeResult{Status: cmd.status, Result: cmd.result}
}

func (s *Scheduler) handleLabeledInvoke(cmd cmdLabeledInvoke) {
	spanCtx := cmd.ctx
	if spanCtx == nil {
		spanCtx = context.Background()
	}
	_, span := observability.StartSpan(spanCtx, "sched.labeled_invoke",
		observability.AttrFunctionName.String(cmd.gate.Image))
	defer span.End()

	if _, ok := s.catalog[cmd.gate.Image]; !ok {
		metrics.RecordDropped("function_not_exist")
		cmd.resultCh <- protocol.InvokeResult{Status: protocol.StatusFunctionNotExist}
		return
	}

	taskID := uuid.New().String()
	invoke := protocol.Invoke{TaskID: taskID, Gate: cmd.gate, Payload: cmd.payload, Label: cmd.label}
	s.waiting.put(taskID, cmd.resultCh)

	if w, ok := s.placeFor(cmd.gate.Image); ok {
		w.ch <- wake{invoke: invoke}
		return
	}

	s.pending = append(s.pending, pendingInvoke{taskID: taskID, gate: cmd.gate, invoke: invoke})
	metrics.RecordQueued()
}

// placeFor implements §4.3: cached-clean match, then fallback to any
// idle, then nothing.
func (s *Scheduler) placeFor(function string) (idleWorker, bool) {
	if idx := s.cache.findClean(function, s.isDirty); idx >= 0 {
		node := s.cache.byFunction[function][idx].Node
		if w, ok := s.idle.popFrom(node); ok {
			s.cache.decrementAt(function, idx)
			metrics.RecordDispatch("cached_match")
			return w, true
		}
	}

	if w, ok := s.idle.popAny(); ok {
		s.registry.setDirty(w.node, true)
		metrics.RecordDispatch("fallback_idle")
		return w, true
	}

	return idleWorker{}, false
}

func (s *Scheduler) isDirty(node NodeID) bool {
	info, ok := s.registry.get(node)
	return ok && info.Dirty
}

func (s *Scheduler) handleUpdateResource(cmd cmdUpdateResource) {
	s.registry.ensure(cmd.node)
	s.registry.setDirty(cmd.node, false)
	s.registry.updateMem(cmd.node, cmd.info.TotalMem, cmd.info.FreeMem)
	s.cache.reconcile(cmd.node, cmd.info.Stats)
	metrics.RecordReconcile()
	metrics.RecordResourceUpdate("push")
}

func (s *Scheduler) handleDropResource(cmd cmdDropResource) {
	s.registry.remove(cmd.node)
	s.idle.removeNode(cmd.node)
	s.cache.removeNode(cmd.node)
}

// handleTerminateAll drains idle workers and the pending queue but
// leaves the cache index and per-node memory counters untouched, matching
// the reference scheduler's reset(): only a subsequent UpdateResource can
// repair staleness after this.
func (s *Scheduler) handleTerminateAll() {
	for _, w := range s.idle.drainAll() {
		w.ch <- wake{terminate: true}
	}
	for _, p := range s.pending {
		if reply, ok := s.waiting.take(p.taskID); ok {
			reply <- protocol.InvokeResult{Status: protocol.StatusTerminated}
		}
	}
	s.pending = nil
}

// String helps log lines and error messages name a node without
// exposing the underlying type.
func (n NodeID) String() string { return string(n) }
