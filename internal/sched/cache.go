package sched

// cacheIndex is the per-function placement hint (§3 CacheEntry, §4.3).
// Invariants: no duplicate node per function; a (node, 0) pair is
// pruned immediately; a function with no entries is removed entirely.
type cacheIndex struct {
	byFunction map[string][]nodeCount
}

func newCacheIndex() *cacheIndex {
	return &cacheIndex{byFunction: make(map[string][]nodeCount)}
}

// findClean returns the index of the first entry for function whose
// node is not dirty, per the registry's current view, or -1.
func (c *cacheIndex) findClean(function string, dirty func(NodeID) bool) int {
	entries := c.byFunction[function]
	for i, e := range entries {
		if e.Count > 0 && !dirty(e.Node) {
			return i
		}
	}
	return -1
}

// findNode returns the index of function's entry for node, if one
// exists with a positive count, or -1.
func (c *cacheIndex) findNode(function string, node NodeID) int {
	for i, e := range c.byFunction[function] {
		if e.Node == node && e.Count > 0 {
			return i
		}
	}
	return -1
}

// decrementAt decrements the count at index i for function, pruning the
// entry if it reaches zero, and pruning the function key if it becomes
// empty.
func (c *cacheIndex) decrementAt(function string, i int) {
	entries := c.byFunction[function]
	entries[i].Count--
	if entries[i].Count <= 0 {
		entries = append(entries[:i], entries[i+1:]...)
	}
	c.setEntries(function, entries)
}

func (c *cacheIndex) setEntries(function string, entries []nodeCount) {
	if len(entries) == 0 {
		delete(c.byFunction, function)
		return
	}
	c.byFunction[function] = entries
}

// removeNode strips node from every function's entry list (DropResource, §4.4).
func (c *cacheIndex) removeNode(node NodeID) {
	for fn, entries := range c.byFunction {
		out := entries[:0]
		for _, e := range entries {
			if e.Node != node {
				out = append(out, e)
			}
		}
		c.setEntries(fn, append([]nodeCount(nil), out...))
	}
}

// reconcile applies an UpdateResource snapshot for node per §4.5.
func (c *cacheIndex) reconcile(node NodeID, stats map[string]int) {
	for function, k := range stats {
		entries := c.byFunction[function]
		found := false
		for i, e := range entries {
			if e.Node == node {
				entries[i].Count = k
				found = true
				break
			}
		}
		if !found && k > 0 {
			entries = append(entries, nodeCount{Node: node, Count: k})
		}
		pruned := entries[:0]
		for _, e := range entries {
			if e.Count > 0 {
				pruned = append(pruned, e)
			}
		}
		c.setEntries(function, append([]nodeCount(nil), pruned...))
	}
}

func (c *cacheIndex) countFor(function string, node NodeID) int {
	for _, e := range c.byFunction[function] {
		if e.Node == node {
			return e.Count
		}
	}
	return 0
}

func (c *cacheIndex) entryCount() int {
	n := 0
	for _, entries := range c.byFunction {
		n += len(entries)
	}
	return n
}
