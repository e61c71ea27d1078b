package sched

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/snapfaas/pulsar/internal/protocol"
)

func testCatalog() FunctionCatalog {
	return FunctionCatalog{
		"hello": {Image: "hello", Privilege: "public"},
		"world": {Image: "world", Privilege: "public"},
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, context.Context) {
	t.Helper()
	s := NewScheduler(testCatalog())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)
	return s, ctx
}

// pushIdle seeds the idle pool directly for scenario setup. Callers
// must only use it before the test's first command send on s.cmds: Go's
// happens-before rule for channel operations then covers this direct
// write, so the actor goroutine is guaranteed to observe it once it
// handles that first command.
func pushIdle(s *Scheduler, node NodeID) chan wake {
	ch := make(chan wake, 1)
	s.idle.push(idleWorker{node: node, ch: ch})
	return ch
}

func awaitWake(t *testing.T, ch chan wake) wake {
	t.Helper()
	select {
	case w := <-ch:
		return w
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for wake")
		return wake{}
	}
}

func assertNoWake(t *testing.T, ch chan wake) {
	t.Helper()
	select {
	case w := <-ch:
		t.Fatalf("unexpected wake delivered: %+v", w)
	case <-time.After(50 * time.Millisecond):
	}
}

func sendInvoke(s *Scheduler, function string) chan protocol.InvokeResult {
	resultCh := make(chan protocol.InvokeResult, 1)
	s.cmds <- cmdLabeledInvoke{
		gate:     protocol.Gate{Image: function},
		payload:  json.RawMessage(`{}`),
		label:    protocol.Label{Secrecy: "true", Integrity: "true"},
		resultCh: resultCh,
	}
	return resultCh
}

// Scenario 1: cache hit.
func TestPlacementCacheHit(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.registry.ensure("A")
	s.registry.ensure("B")
	s.cache.byFunction["hello"] = []nodeCount{{Node: "A", Count: 2}, {Node: "B", Count: 1}}
	wA1 := pushIdle(s, "A")
	wA2 := pushIdle(s, "A")
	wB1 := pushIdle(s, "B")

	sendInvoke(s, "hello")

	awaitWake(t, wA1)
	assertNoWake(t, wA2)
	assertNoWake(t, wB1)

	if got := s.cache.countFor("hello", "A"); got != 1 {
		t.Fatalf("cache[hello][A] = %d, want 1", got)
	}
	if got := s.cache.countFor("hello", "B"); got != 1 {
		t.Fatalf("cache[hello][B] = %d, want 1", got)
	}
	if got := s.idle.countFor("A"); got != 1 {
		t.Fatalf("idle[A] = %d, want 1", got)
	}
	if info, _ := s.registry.get("A"); info.Dirty {
		t.Fatal("A should remain clean after a cache-match dispatch")
	}
}

// Scenario 2: dirty skip.
func TestPlacementDirtySkip(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.registry.ensure("A")
	s.registry.ensure("B")
	s.registry.setDirty("A", true)
	s.cache.byFunction["hello"] = []nodeCount{{Node: "A", Count: 2}, {Node: "B", Count: 1}}
	wA1 := pushIdle(s, "A")
	wB1 := pushIdle(s, "B")

	sendInvoke(s, "hello")

	awaitWake(t, wB1)
	assertNoWake(t, wA1)

	if got := s.cache.countFor("hello", "A"); got != 2 {
		t.Fatalf("cache[hello][A] = %d, want 2 (untouched)", got)
	}
	if info, _ := s.registry.get("B"); !info.Dirty {
		t.Fatal("B should be marked dirty after a fallback dispatch")
	}
}

// Scenario 3: no cached entry at all.
func TestPlacementNoCached(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.registry.ensure("A")
	wA1 := pushIdle(s, "A")

	sendInvoke(s, "world")

	awaitWake(t, wA1)
	if info, _ := s.registry.get("A"); !info.Dirty {
		t.Fatal("A should be marked dirty after a fallback dispatch with no cache entries")
	}
}

// Scenario 4: UpdateResource clears dirty and reconciles the cache.
func TestUpdateResourceClearsDirtyAndReconciles(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.registry.ensure("B")
	s.registry.setDirty("B", true)
	s.cache.byFunction["hello"] = []nodeCount{{Node: "A", Count: 2}}

	s.UpdateResource("B", protocol.ResourceInfo{
		TotalMem: 1024,
		FreeMem:  500,
		Stats:    map[string]int{"hello": 0, "world": 3},
	})

	deadline := time.After(time.Second)
	for {
		st := s.StatsSnapshot()
		if st.CacheEntries == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("reconciliation did not settle, stats=%+v", st)
		case <-time.After(10 * time.Millisecond):
		}
	}

	if info, _ := s.registry.get("B"); info.Dirty {
		t.Fatal("B.dirty should be false after UpdateResource")
	}
	if s.cache.countFor("hello", "B") != 0 {
		t.Fatal("hello/B should have been pruned (count reached 0)")
	}
	if s.cache.countFor("hello", "A") != 2 {
		t.Fatal("hello/A should be untouched by B's UpdateResource")
	}
	if s.cache.countFor("world", "B") != 3 {
		t.Fatal("world/B should now be 3")
	}
}

// Scenario 6: graceful shutdown / TerminateAll.
func TestTerminateAllDrainsIdleAndPending(t *testing.T) {
	s, _ := newTestScheduler(t)

	resultCh := sendInvoke(s, "hello")

	deadline := time.After(time.Second)
	for {
		if s.StatsSnapshot().Pending == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("invocation never reached the pending queue")
		case <-time.After(10 * time.Millisecond):
		}
	}

	s.TerminateAll()

	select {
	case res := <-resultCh:
		if res.Status != protocol.StatusTerminated {
			t.Fatalf("status = %q, want terminated", res.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminated result")
	}

	// A worker calling GetTask after TerminateAll has already drained the
	// idle pool is not itself terminated: TerminateAll only notifies
	// workers idle *at that moment*. It should simply block again.
	freshCh := make(chan wake, 1)
	s.cmds <- cmdGetTask{node: "A", wakeCh: freshCh}
	assertNoWake(t, freshCh)
}

func TestLabeledInvokeRejectsUnknownFunction(t *testing.T) {
	s, _ := newTestScheduler(t)
	resultCh := sendInvoke(s, "nope")

	select {
	case res := <-resultCh:
		if res.Status != protocol.StatusFunctionNotExist {
			t.Fatalf("status = %q, want function_not_exist", res.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for function_not_exist result")
	}
}

func TestDropResourceRemovesNodeFromCacheAndIdle(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.registry.ensure("A")
	s.cache.byFunction["hello"] = []nodeCount{{Node: "A", Count: 2}}
	pushIdle(s, "A")

	s.DropResource("A")

	deadline := time.After(time.Second)
	for {
		st := s.StatsSnapshot()
		if st.Nodes == 0 && st.IdleWorkers == 0 && st.CacheEntries == 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("DropResource did not settle, stats=%+v", st)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
