// Package worker implements the per-thread request-handling state machine
// (§4.6): Idle → Acquiring → Launching → Invoking → Releasing/Deleting →
// Idle, with retry back-edges bounded by a per-task retry limit.
//
// The unix listener bind-or-panic at boot, the stat log at
// ./out/thread-{id}.stat, and the five-strikes retry loop follow the
// reference worker loop's structure, adapted from a blocking OS-thread loop
// to a goroutine pulling from internal/schedclient.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/snapfaas/pulsar/internal/labelctx"
	"github.com/snapfaas/pulsar/internal/logging"
	"github.com/snapfaas/pulsar/internal/metrics"
	"github.com/snapfaas/pulsar/internal/observability"
	"github.com/snapfaas/pulsar/internal/pkg/vsock"
	"github.com/snapfaas/pulsar/internal/protocol"
	"github.com/snapfaas/pulsar/internal/vmmonitor"
	"github.com/snapfaas/pulsar/internal/wire"
)

// ResourceManager is the local resource manager contract a worker consumes
// (§4.7, component H). It is a narrow interface so the worker can be
// tested against a fake without a real VM monitor.
type ResourceManager interface {
	GetVM(ctx context.Context, image string) (vmmonitor.VM, error)
	ReleaseVM(vm vmmonitor.VM)
	DeleteVM(vm vmmonitor.VM)
}

// SchedClient is the scheduler RPC surface a worker needs. It is satisfied
// by *schedclient.Client; declared here so tests can substitute a fake.
type SchedClient interface {
	GetTask(threadID uint64) (protocol.Invoke, bool, error)
	FinishTask(taskID string, status protocol.InvokeStatus, result json.RawMessage) error
}

// Config holds the tunables a Worker needs at boot, independent of the
// process-wide config.Config so tests can construct one directly.
type Config struct {
	ThreadID   uint64
	CID        uint32
	RetryLimit int
	StatDir    string // directory for the per-worker stat log; "" disables it
}

// Worker is one worker thread's state machine driver. Each Worker owns
// exactly one VM-monitor listener bound at boot (the VM monitor connects
// back to it) and runs its pull loop on the caller's goroutine.
type Worker struct {
	cfg   Config
	sched SchedClient
	res   ResourceManager

	listener net.Listener
	statLog  *os.File
}

// New binds the worker's VM-monitor listener (AF_VSOCK on port CID first,
// else the unix socket worker-{cid}.sock_1234) and opens its stat log. A
// unix bind failure here is the one sanctioned panic in this codebase (§7 "Fatal":
// bootstrap cannot proceed without the listener the VM monitor dials back
// into).
func New(cfg Config, sched SchedClient, res ResourceManager) *Worker {
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = 5
	}
	lis, err := vsock.Listen(cfg.CID)
	if err != nil {
		sockPath := fmt.Sprintf("worker-%d.sock_1234", cfg.CID)
		os.Remove(sockPath)
		lis, err = net.Listen("unix", sockPath)
		if err != nil {
			panic(fmt.Sprintf("worker: bind unix listener %s: %v", sockPath, err))
		}
	}

	w := &Worker{cfg: cfg, sched: sched, res: res, listener: lis}

	if cfg.StatDir != "" {
		if err := os.MkdirAll(cfg.StatDir, 0o755); err == nil {
			path := filepath.Join(cfg.StatDir, fmt.Sprintf("thread-%d.stat", cfg.ThreadID))
			if f, err := os.Create(path); err == nil {
				w.statLog = f
			} else {
				logging.Op().Warn("worker stat log create failed", "thread_id", cfg.ThreadID, "error", err)
			}
		}
	}
	return w
}

// Listener exposes the worker's bound VM-monitor listener so the VM monitor
// launch path can accept the monitor's callback connection.
func (w *Worker) Listener() net.Listener { return w.listener }

// Close releases the worker's listener and stat log.
func (w *Worker) Close() error {
	if w.statLog != nil {
		w.statLog.Close()
	}
	return w.listener.Close()
}

// Run pulls tasks from the scheduler until it is told to terminate, ctx
// is canceled, or the scheduler connection fails with a wire error
// (§4.6 state "Idle").
func (w *Worker) Run(ctx context.Context) {
	log := logging.Op().With("thread_id", w.cfg.ThreadID)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		invoke, terminate, err := w.sched.GetTask(w.cfg.ThreadID)
		if err != nil {
			var wireErr *wire.WireError
			if !errors.As(err, &wireErr) {
				// Protocol error (unexpected or undecodable response): log
				// and keep serving this stream (§7).
				log.Warn("get_task protocol error", "error", err)
				continue
			}
			log.Warn("get_task failed", "error", err)
			return
		}
		if terminate {
			log.Info("received terminate, exiting worker loop")
			return
		}

		status, result := w.handleInvoke(ctx, invoke)
		if err := w.sched.FinishTask(invoke.TaskID, status, result); err != nil {
			log.Warn("finish_task failed", "task_id", invoke.TaskID, "error", err)
		}
		w.writeStatLine(invoke, status)
	}
}

// handleInvoke drives one task through Acquiring → Launching → Invoking →
// Releasing/Deleting, looping back to Acquiring on a retriable failure
// (§4.6 steps 2-5).
func (w *Worker) handleInvoke(ctx context.Context, invoke protocol.Invoke) (status protocol.InvokeStatus, result json.RawMessage) {
	function := invoke.Gate.Image
	retries := 0

	ctx, span := observability.StartSpan(ctx, "worker.handle_invoke",
		observability.AttrFunctionName.String(function),
		observability.AttrTaskID.String(invoke.TaskID))
	defer func() {
		span.SetAttributes(observability.AttrOutcome.String(string(status)), observability.AttrRetryCount.Int(retries))
		if status == protocol.StatusSentToVM {
			observability.SetSpanOK(span)
		} else {
			logging.OpWithTrace(observability.GetTraceID(ctx), observability.GetSpanID(ctx)).
				Warn("invoke did not complete cleanly", "task_id", invoke.TaskID, "function", function, "status", status, "retries", retries)
		}
		span.End()
	}()

	lc := labelctx.Apply(invoke.Label, invoke.Gate.Privilege)
	_ = lc // information-flow context: nothing underneath enforces it

	for {
		acquireStart := time.Now()
		vm, err := w.res.GetVM(ctx, function)
		metrics.RecordAcquireVMDuration(float64(time.Since(acquireStart).Milliseconds()))
		if err != nil {
			status := acquireErrorStatus(err)
			metrics.RecordWorkerOutcome(function, string(status))
			return status, nil
		}

		if !vm.IsLaunched() {
			launchStart := time.Now()
			launchErr := vm.Launch(ctx, w.cfg.CID)
			metrics.RecordLaunchVMDuration(float64(time.Since(launchStart).Milliseconds()))
			if launchErr != nil {
				w.res.DeleteVM(vm)
				if status, done := w.countRetry(function, &retries); done {
					return status, nil
				}
				continue
			}
		}

		invokeStart := time.Now()
		resp, err := vm.ProcessReq(ctx, invoke.Payload)
		metrics.RecordInvokeDuration(function, float64(time.Since(invokeStart).Milliseconds()))
		if err != nil {
			w.res.DeleteVM(vm)
			if status, done := w.countRetry(function, &retries); done {
				return status, nil
			}
			continue
		}

		w.res.ReleaseVM(vm)
		metrics.RecordWorkerOutcome(function, string(protocol.StatusSentToVM))
		return protocol.StatusSentToVM, resp
	}
}

// countRetry records one retry against the task's attempt budget. It
// returns (ProcessRequestFailed, true) once the retry limit is reached
// (§4.6 "Retry bound": at most 5 VM acquire+launch+invoke attempts).
func (w *Worker) countRetry(function string, retries *int) (protocol.InvokeStatus, bool) {
	*retries++
	metrics.RecordWorkerRetry(function)
	if *retries >= w.cfg.RetryLimit {
		metrics.RecordWorkerOutcome(function, string(protocol.StatusProcessRequestFailed))
		return protocol.StatusProcessRequestFailed, true
	}
	return "", false
}

// acquireErrorStatus maps a ResourceManager.GetVM failure to the terminal
// status reported via FinishTask (§4.6 step 2). Acquisition failures are
// never retried.
func acquireErrorStatus(err error) protocol.InvokeStatus {
	switch {
	case errors.Is(err, vmmonitor.ErrInsufficientEvict), errors.Is(err, vmmonitor.ErrLowMemory):
		return protocol.StatusResourceExhausted
	case errors.Is(err, vmmonitor.ErrFunctionNotExist):
		return protocol.StatusFunctionNotExist
	default:
		return protocol.StatusDropped
	}
}

func (w *Worker) writeStatLine(invoke protocol.Invoke, status protocol.InvokeStatus) {
	if w.statLog == nil {
		return
	}
	fmt.Fprintf(w.statLog, "%d task=%s function=%s status=%s\n",
		time.Now().UnixMilli(), invoke.TaskID, invoke.Gate.Image, status)
}
