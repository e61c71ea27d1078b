// Package vmmonitor declares the narrow contract the worker loop and
// local resource manager use to talk to the micro-VM monitor. The
// monitor's actual implementation (snapshotting, vsock transport,
// process supervision) is out of scope: it is treated as a black box
// with launch/process_req primitives.
package vmmonitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Resource acquisition failures returned by a ResourceManager's GetVM
// (§4.7, consumed by the worker loop's Acquiring state, §4.6 step 2).
// These are terminal: the worker loop does not retry acquisition on any
// of them.
var (
	// ErrInsufficientEvict means evicting every warm VM still would not
	// free enough memory for the requested image.
	ErrInsufficientEvict = errors.New("vmmonitor: insufficient memory even after evicting all warm VMs")
	// ErrLowMemory means the image's declared footprint exceeds the
	// node's total memory outright.
	ErrLowMemory = errors.New("vmmonitor: image footprint exceeds node total memory")
	// ErrFunctionNotExist means the requested image is not in the
	// function catalog this node knows about.
	ErrFunctionNotExist = errors.New("vmmonitor: function image not found")
)

// ErrorKind classifies a VM-level failure (§7's taxonomy): retriable
// against the per-task retry bound.
type ErrorKind string

const (
	ErrProcessSpawn ErrorKind = "process_spawn"
	ErrVsockListen  ErrorKind = "vsock_listen"
	ErrVsockRead    ErrorKind = "vsock_read"
	ErrVsockWrite   ErrorKind = "vsock_write"
)

// Error wraps a VM-level failure with its taxonomy kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("vmmonitor: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// VM is one VM handle as seen by a worker: either freshly allocated
// (not yet launched) or a reused warm instance.
type VM interface {
	// Image is the function image this VM was allocated for.
	Image() string
	// IsLaunched reports whether Launch has already succeeded for this
	// handle (a reused warm VM always reports true).
	IsLaunched() bool
	// Launch starts the VM process and binds it to the worker's unix
	// listener at cid, if it is not already launched.
	Launch(ctx context.Context, cid uint32) error
	// ProcessReq sends payload to the running VM and waits for its response.
	ProcessReq(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}
