package sched

import "github.com/snapfaas/pulsar/internal/protocol"

// NodeID is the opaque node identity: the peer's remote IP address,
// never a payload field (§3, §6).
type NodeID string

// NodeInfo is the registry's per-node bookkeeping (§3).
type NodeInfo struct {
	Node     NodeID
	TotalMem uint64
	FreeMem  uint64
	Dirty    bool
}

// nodeCount is one (node, warm-vm-count) pair inside a function's cache
// entry (§3 CacheEntry). Order within a function's slice is insertion
// order and is the tie-break for placement step 1 (§4.3); it is not
// stable across updates.
type nodeCount struct {
	Node  NodeID
	Count int
}

// wake is delivered to a blocked GetTask call once the scheduler actor
// matches it to a task, or once TerminateAll fires.
type wake struct {
	terminate bool
	invoke    protocol.Invoke
}

// idleWorker is one worker thread parked on GetTask, waiting for a task
// or a Terminate signal (§3 IdleWorker).
type idleWorker struct {
	node NodeID
	ch   chan wake
}

// pendingInvoke is a LabeledInvoke admitted but not yet matched to an
// idle worker (§4.3 step 3, §4.4's "pending queue").
type pendingInvoke struct {
	taskID string
	gate   protocol.Gate
	invoke protocol.Invoke
}
