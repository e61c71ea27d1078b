package resourcemgr

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/snapfaas/pulsar/internal/config"
	"github.com/snapfaas/pulsar/internal/protocol"
	"github.com/snapfaas/pulsar/internal/vmmonitor"
)

type stubVM struct {
	image    string
	launched bool
}

func (s *stubVM) Image() string                                { return s.image }
func (s *stubVM) IsLaunched() bool                             { return s.launched }
func (s *stubVM) Launch(ctx context.Context, cid uint32) error { s.launched = true; return nil }
func (s *stubVM) ProcessReq(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return payload, nil
}

func stubFactory(ctx context.Context, image string) (vmmonitor.VM, error) {
	return &stubVM{image: image}, nil
}

type fakeSchedClient struct {
	mu      sync.Mutex
	updates []protocol.ResourceInfo
	dropped int
}

func (f *fakeSchedClient) UpdateResource(info protocol.ResourceInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, info)
	return nil
}

func (f *fakeSchedClient) DropResource() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped++
	return nil
}

func testFunctions() []config.FunctionSpec {
	return []config.FunctionSpec{
		{Name: "hello", Image: "hello", Privilege: "public", MemoryMB: 128},
		{Name: "world", Image: "world", Privilege: "public", MemoryMB: 256},
	}
}

func TestGetVMAllocatesAndAccountsMemory(t *testing.T) {
	sched := &fakeSchedClient{}
	m := NewManager(512, testFunctions(), stubFactory, sched, time.Hour)

	vm, err := m.GetVM(context.Background(), "hello")
	if err != nil {
		t.Fatalf("GetVM: %v", err)
	}
	if vm.Image() != "hello" {
		t.Fatalf("image = %q, want hello", vm.Image())
	}
	if _, free, _ := m.Stats(); free != 384 {
		t.Fatalf("free = %d, want 384", free)
	}
}

func TestGetVMUnknownImageIsFunctionNotExist(t *testing.T) {
	sched := &fakeSchedClient{}
	m := NewManager(512, testFunctions(), stubFactory, sched, time.Hour)

	_, err := m.GetVM(context.Background(), "nope")
	if err != vmmonitor.ErrFunctionNotExist {
		t.Fatalf("err = %v, want ErrFunctionNotExist", err)
	}
}

func TestGetVMFootprintExceedsTotalIsLowMemory(t *testing.T) {
	sched := &fakeSchedClient{}
	m := NewManager(64, testFunctions(), stubFactory, sched, time.Hour)

	_, err := m.GetVM(context.Background(), "hello")
	if err != vmmonitor.ErrLowMemory {
		t.Fatalf("err = %v, want ErrLowMemory", err)
	}
}

func TestGetVMReusesWarmVMWithoutChangingMemory(t *testing.T) {
	sched := &fakeSchedClient{}
	m := NewManager(512, testFunctions(), stubFactory, sched, time.Hour)

	vm, err := m.GetVM(context.Background(), "hello")
	if err != nil {
		t.Fatalf("GetVM: %v", err)
	}
	m.ReleaseVM(vm)

	_, freeAfterRelease, _ := m.Stats()
	if freeAfterRelease != 384 {
		t.Fatalf("free after release = %d, want 384 (unchanged)", freeAfterRelease)
	}

	vm2, err := m.GetVM(context.Background(), "hello")
	if err != nil {
		t.Fatalf("GetVM (reuse): %v", err)
	}
	if vm2 != vm {
		t.Fatal("expected the released VM to be reused")
	}
	if _, free, _ := m.Stats(); free != 384 {
		t.Fatalf("free after reuse = %d, want 384 (unchanged)", free)
	}
}

func TestDeleteVMReturnsMemoryWithoutCaching(t *testing.T) {
	sched := &fakeSchedClient{}
	m := NewManager(512, testFunctions(), stubFactory, sched, time.Hour)

	vm, _ := m.GetVM(context.Background(), "hello")
	m.DeleteVM(vm)

	if _, free, _ := m.Stats(); free != 512 {
		t.Fatalf("free after delete = %d, want 512", free)
	}

	_, err := m.GetVM(context.Background(), "hello")
	if err != nil {
		t.Fatalf("GetVM after delete should admit a fresh VM: %v", err)
	}
}

func TestGetVMEvictsWarmVMsToMakeRoom(t *testing.T) {
	sched := &fakeSchedClient{}
	m := NewManager(300, testFunctions(), stubFactory, sched, time.Hour)

	helloVM, err := m.GetVM(context.Background(), "hello") // 128 MB
	if err != nil {
		t.Fatalf("GetVM hello: %v", err)
	}
	m.ReleaseVM(helloVM) // back to warm, free stays 172

	// world needs 256 MB; free is 172, so it must evict the warm hello VM.
	_, err = m.GetVM(context.Background(), "world")
	if err != nil {
		t.Fatalf("GetVM world: %v", err)
	}
	if _, free, _ := m.Stats(); free != 44 {
		t.Fatalf("free = %d, want 44 (300 - 256)", free)
	}
}

func TestGetVMInsufficientEvictWhenNothingWarmToReclaim(t *testing.T) {
	sched := &fakeSchedClient{}
	m := NewManager(300, testFunctions(), stubFactory, sched, time.Hour)

	// hello stays in-flight (not released), so it is never warm and can't
	// be evicted.
	if _, err := m.GetVM(context.Background(), "hello"); err != nil {
		t.Fatalf("GetVM hello: %v", err)
	}

	// world needs 256 MB; only 172 MB free and nothing warm to reclaim.
	_, err := m.GetVM(context.Background(), "world")
	if err != vmmonitor.ErrInsufficientEvict {
		t.Fatalf("err = %v, want ErrInsufficientEvict", err)
	}
}

func TestRunFlushesPeriodicallyAndOnShutdown(t *testing.T) {
	sched := &fakeSchedClient{}
	m := NewManager(512, testFunctions(), stubFactory, sched, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for {
		sched.mu.Lock()
		n := len(sched.updates)
		sched.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a periodic flush")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after cancel")
	}

	sched.mu.Lock()
	defer sched.mu.Unlock()
	if sched.dropped != 1 {
		t.Fatalf("dropped = %d, want 1", sched.dropped)
	}
}

func TestGetVMTriggersChangeOfStateFlush(t *testing.T) {
	sched := &fakeSchedClient{}
	m := NewManager(512, testFunctions(), stubFactory, sched, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	if _, err := m.GetVM(context.Background(), "hello"); err != nil {
		t.Fatalf("GetVM: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		sched.mu.Lock()
		n := len(sched.updates)
		sched.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a change-of-state flush")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
