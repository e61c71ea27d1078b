// Package protocol defines the message kinds and payload shapes carried
// inside wire.Envelope on the scheduler RPC connection (§4.1, §6 of the
// design). It is imported by the scheduler, the worker loop, and the
// local resource manager so all three agree on the wire shapes without
// importing each other.
package protocol

import "encoding/json"

// Request kinds.
const (
	KindGetTask        = "get_task"
	KindFinishTask     = "finish_task"
	KindLabeledInvoke  = "labeled_invoke"
	KindUpdateResource = "update_resource"
	KindDropResource   = "drop_resource"
	KindTerminateAll   = "terminate_all"
)

// Response kinds.
const (
	KindProcessTask  = "process_task"
	KindTerminate    = "terminate"
	KindOk           = "ok"
	KindErrorResp    = "error"
	KindInvokeResult = "invoke_result"
)

// Gate names an invocation target: an image identifier and the
// privilege clause it runs under.
type Gate struct {
	Image     string `json:"image"`
	Privilege string `json:"privilege"`
}

// Label is the information-flow annotation applied to a task before it
// is dispatched to a VM.
type Label struct {
	Secrecy   string `json:"secrecy"`
	Integrity string `json:"integrity"`
}

// InvokeStatus is the terminal status returned to the original caller of
// a LabeledInvoke.
type InvokeStatus string

const (
	StatusSentToVM             InvokeStatus = "sent_to_vm"
	StatusProcessRequestFailed InvokeStatus = "process_request_failed"
	StatusResourceExhausted    InvokeStatus = "resource_exhausted"
	StatusFunctionNotExist     InvokeStatus = "function_not_exist"
	StatusDropped              InvokeStatus = "dropped"
	StatusTerminated           InvokeStatus = "terminated"
)

// GetTaskRequest is sent by a worker thread blocking for its next task.
type GetTaskRequest struct {
	ThreadID uint64 `json:"thread_id"`
}

// FinishTaskRequest reports a task's terminal outcome back to the scheduler.
type FinishTaskRequest struct {
	TaskID string          `json:"task_id"`
	Status InvokeStatus    `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

// TraceContext carries W3C trace-context fields across the wire so a
// span started by the submitter can be a parent of the scheduler's
// LabeledInvoke span. Mirrors observability.TraceContext's shape; kept
// as a separate type here so this package stays free of a dependency on
// internal/observability.
type TraceContext struct {
	TraceParent string `json:"traceparent,omitempty"`
	TraceState  string `json:"tracestate,omitempty"`
}

// LabeledInvokeRequest is an admitted client invocation.
type LabeledInvokeRequest struct {
	Gate    Gate            `json:"gate"`
	Payload json.RawMessage `json:"payload"`
	Label   Label           `json:"label"`
	Trace   TraceContext    `json:"trace,omitempty"`
}

// ResourceInfo is the snapshot a local resource manager pushes upward,
// either periodically or on change of state.
type ResourceInfo struct {
	TotalMem uint64         `json:"total_mem"`
	FreeMem  uint64         `json:"free_mem"`
	Stats    map[string]int `json:"stats"` // image -> warm VM count
}

// UpdateResourceRequest carries a ResourceInfo snapshot.
type UpdateResourceRequest struct {
	Info ResourceInfo `json:"info"`
}

// Invoke is the serialized payload handed to a worker once it is
// matched to a task: everything it needs to drive §4.6 without a
// further round trip to the scheduler.
type Invoke struct {
	TaskID  string          `json:"task_id"`
	Gate    Gate            `json:"gate"`
	Payload json.RawMessage `json:"payload"`
	Label   Label           `json:"label"`
}

// ProcessTaskResponse is sent to a worker's blocked GetTask once it has
// been matched to a task.
type ProcessTaskResponse struct {
	TaskID string `json:"task_id"`
	Invoke []byte `json:"invoke"`
}

// InvokeResult is what a LabeledInvoke caller eventually receives.
type InvokeResult struct {
	Status InvokeStatus    `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
}

// ErrorResponse carries a taxonomy-level error kind (§7), never a stack trace.
type ErrorResponse struct {
	Kind string `json:"kind"`
}
