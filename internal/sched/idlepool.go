package sched

// idlePool is the per-node queue of currently idle worker endpoints
// (§3 IdlePool, §4.3's pop targets). No entry ever holds an empty
// list; empty lists are pruned on every mutation.
type idlePool struct {
	byNode map[NodeID][]idleWorker
	// order tracks node insertion order so step 2 of placement ("pop any
	// idle worker from any non-empty idle[n']") has a deterministic,
	// reproducible tie-break instead of relying on Go's randomized map
	// iteration.
	order []NodeID
}

func newIdlePool() *idlePool {
	return &idlePool{byNode: make(map[NodeID][]idleWorker)}
}

func (p *idlePool) push(w idleWorker) {
	if _, ok := p.byNode[w.node]; !ok {
		p.order = append(p.order, w.node)
	}
	p.byNode[w.node] = append(p.byNode[w.node], w)
}

// popFrom pops one idle worker from a specific node's queue, if any.
func (p *idlePool) popFrom(node NodeID) (idleWorker, bool) {
	list, ok := p.byNode[node]
	if !ok || len(list) == 0 {
		return idleWorker{}, false
	}
	w := list[0]
	list = list[1:]
	if len(list) == 0 {
		delete(p.byNode, node)
		p.pruneOrder(node)
	} else {
		p.byNode[node] = list
	}
	return w, true
}

// popAny pops one idle worker from the first non-empty node queue in
// insertion order (§4.3 step 2).
func (p *idlePool) popAny() (idleWorker, bool) {
	for _, node := range p.order {
		if w, ok := p.popFrom(node); ok {
			return w, true
		}
	}
	return idleWorker{}, false
}

// removeNode drops all idle workers registered for node (used by
// DropResource, §4.4).
func (p *idlePool) removeNode(node NodeID) {
	delete(p.byNode, node)
	p.pruneOrder(node)
}

// drainAll removes and returns every idle worker across all nodes, used
// by TerminateAll to deliver Terminate{} to each of them.
func (p *idlePool) drainAll() []idleWorker {
	var all []idleWorker
	for _, node := range p.order {
		all = append(all, p.byNode[node]...)
	}
	p.byNode = make(map[NodeID][]idleWorker)
	p.order = nil
	return all
}

func (p *idlePool) countFor(node NodeID) int {
	return len(p.byNode[node])
}

func (p *idlePool) total() int {
	n := 0
	for _, list := range p.byNode {
		n += len(list)
	}
	return n
}

func (p *idlePool) pruneOrder(node NodeID) {
	if _, ok := p.byNode[node]; ok {
		return
	}
	for i, n := range p.order {
		if n == node {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}
