package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/snapfaas/pulsar/internal/protocol"
	"github.com/snapfaas/pulsar/internal/vmmonitor"
)

// fakeVM is a scripted vmmonitor.VM: its Launch/ProcessReq outcomes are
// supplied by the test via the launchErr/reqErr/reqResp fields.
type fakeVM struct {
	image     string
	launched  bool
	launchErr error
	reqErr    error
	reqResp   json.RawMessage
}

func (f *fakeVM) Image() string    { return f.image }
func (f *fakeVM) IsLaunched() bool { return f.launched }
func (f *fakeVM) Launch(ctx context.Context, cid uint32) error {
	if f.launchErr != nil {
		return f.launchErr
	}
	f.launched = true
	return nil
}
func (f *fakeVM) ProcessReq(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if f.reqErr != nil {
		return nil, f.reqErr
	}
	return f.reqResp, nil
}

// fakeResourceManager hands out a fresh fakeVM per GetVM call, scripted by
// a callback, and records DeleteVM/ReleaseVM calls.
type fakeResourceManager struct {
	getVM        func(image string) (vmmonitor.VM, error)
	deleteCalls  int
	releaseCalls int
}

func (m *fakeResourceManager) GetVM(ctx context.Context, image string) (vmmonitor.VM, error) {
	return m.getVM(image)
}
func (m *fakeResourceManager) ReleaseVM(vm vmmonitor.VM) { m.releaseCalls++ }
func (m *fakeResourceManager) DeleteVM(vm vmmonitor.VM)  { m.deleteCalls++ }

func testInvoke() protocol.Invoke {
	return protocol.Invoke{
		TaskID:  "t-1",
		Gate:    protocol.Gate{Image: "hello", Privilege: "public"},
		Payload: json.RawMessage(`{"n":1}`),
		Label:   protocol.Label{Secrecy: "true", Integrity: "true"},
	}
}

// newBareWorker builds a Worker without binding a real listener, for unit
// tests that exercise handleInvoke directly.
func newBareWorker(res ResourceManager) *Worker {
	return &Worker{cfg: Config{ThreadID: 1, CID: 1, RetryLimit: 5}, res: res}
}

// Scenario 5: five consecutive VsockRead failures exhaust the retry bound.
func TestRetryExhaustionYieldsProcessRequestFailed(t *testing.T) {
	attempts := 0
	res := &fakeResourceManager{
		getVM: func(image string) (vmmonitor.VM, error) {
			attempts++
			return &fakeVM{image: image, launched: true, reqErr: &vmmonitor.Error{Kind: vmmonitor.ErrVsockRead, Err: errors.New("read timeout")}}, nil
		},
	}
	w := newBareWorker(res)

	status, result := w.handleInvoke(context.Background(), testInvoke())

	if status != protocol.StatusProcessRequestFailed {
		t.Fatalf("status = %q, want %q", status, protocol.StatusProcessRequestFailed)
	}
	if result != nil {
		t.Fatalf("result = %v, want nil", result)
	}
	if attempts != 5 {
		t.Fatalf("GetVM called %d times, want 5", attempts)
	}
	if res.deleteCalls != 5 {
		t.Fatalf("DeleteVM called %d times, want 5", res.deleteCalls)
	}
	if res.releaseCalls != 0 {
		t.Fatalf("ReleaseVM called %d times, want 0", res.releaseCalls)
	}
}

func TestSuccessfulInvokeReleasesVM(t *testing.T) {
	res := &fakeResourceManager{
		getVM: func(image string) (vmmonitor.VM, error) {
			return &fakeVM{image: image, launched: true, reqResp: json.RawMessage(`{"ok":true}`)}, nil
		},
	}
	w := newBareWorker(res)

	status, result := w.handleInvoke(context.Background(), testInvoke())

	if status != protocol.StatusSentToVM {
		t.Fatalf("status = %q, want %q", status, protocol.StatusSentToVM)
	}
	if string(result) != `{"ok":true}` {
		t.Fatalf("result = %s, want {\"ok\":true}", result)
	}
	if res.releaseCalls != 1 {
		t.Fatalf("ReleaseVM called %d times, want 1", res.releaseCalls)
	}
	if res.deleteCalls != 0 {
		t.Fatalf("DeleteVM called %d times, want 0", res.deleteCalls)
	}
}

func TestLaunchFailureRetriesThenSucceeds(t *testing.T) {
	calls := 0
	res := &fakeResourceManager{
		getVM: func(image string) (vmmonitor.VM, error) {
			calls++
			if calls == 1 {
				return &fakeVM{image: image, launchErr: errors.New("spawn failed")}, nil
			}
			return &fakeVM{image: image, launched: true, reqResp: json.RawMessage(`{}`)}, nil
		},
	}
	w := newBareWorker(res)

	status, _ := w.handleInvoke(context.Background(), testInvoke())

	if status != protocol.StatusSentToVM {
		t.Fatalf("status = %q, want %q", status, protocol.StatusSentToVM)
	}
	if calls != 2 {
		t.Fatalf("GetVM called %d times, want 2", calls)
	}
	if res.deleteCalls != 1 {
		t.Fatalf("DeleteVM called %d times, want 1 (from the failed launch)", res.deleteCalls)
	}
}

func TestAcquireErrorsAreTerminalNotRetried(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status protocol.InvokeStatus
	}{
		{"insufficient evict", vmmonitor.ErrInsufficientEvict, protocol.StatusResourceExhausted},
		{"low memory", vmmonitor.ErrLowMemory, protocol.StatusResourceExhausted},
		{"function not exist", vmmonitor.ErrFunctionNotExist, protocol.StatusFunctionNotExist},
		{"other error", errors.New("disk full"), protocol.StatusDropped},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			res := &fakeResourceManager{
				getVM: func(image string) (vmmonitor.VM, error) {
					calls++
					return nil, tc.err
				},
			}
			w := newBareWorker(res)

			status, result := w.handleInvoke(context.Background(), testInvoke())

			if status != tc.status {
				t.Fatalf("status = %q, want %q", status, tc.status)
			}
			if result != nil {
				t.Fatal("expected nil result on terminal acquisition error")
			}
			if calls != 1 {
				t.Fatalf("GetVM called %d times, want 1 (acquisition errors are not retried)", calls)
			}
		})
	}
}

// fakeSchedClient drives the worker loop with a scripted sequence of
// GetTask responses.
type fakeSchedClient struct {
	invokes  []protocol.Invoke
	idx      int
	finishes []protocol.InvokeStatus
}

func (f *fakeSchedClient) GetTask(threadID uint64) (protocol.Invoke, bool, error) {
	if f.idx >= len(f.invokes) {
		return protocol.Invoke{}, true, nil
	}
	inv := f.invokes[f.idx]
	f.idx++
	return inv, false, nil
}

func (f *fakeSchedClient) FinishTask(taskID string, status protocol.InvokeStatus, result json.RawMessage) error {
	f.finishes = append(f.finishes, status)
	return nil
}

func TestRunDrivesTasksUntilTerminate(t *testing.T) {
	sched := &fakeSchedClient{invokes: []protocol.Invoke{testInvoke()}}
	res := &fakeResourceManager{
		getVM: func(image string) (vmmonitor.VM, error) {
			return &fakeVM{image: image, launched: true, reqResp: json.RawMessage(`{}`)}, nil
		},
	}
	w := &Worker{cfg: Config{ThreadID: 7, CID: 7, RetryLimit: 5}, sched: sched, res: res}

	w.Run(context.Background())

	if len(sched.finishes) != 1 || sched.finishes[0] != protocol.StatusSentToVM {
		t.Fatalf("finishes = %+v, want one sent_to_vm", sched.finishes)
	}
}
