package vmmonitor

import (
	"context"
	"encoding/json"
)

// DevVM is a placeholder VM implementation: it satisfies the VM contract
// without spawning anything real. The actual micro-VM monitor (launch,
// snapshot, vsock transport) is out of scope here; DevVM exists only so
// the worker loop and resource manager have a concrete, runnable VM to
// exercise in development and in tests that don't stub VM directly.
type DevVM struct {
	image    string
	launched bool
}

// NewDevVM returns a DevVM factory suitable for resourcemgr.VMFactory.
func NewDevVM(ctx context.Context, image string) (VM, error) {
	return &DevVM{image: image}, nil
}

func (v *DevVM) Image() string    { return v.image }
func (v *DevVM) IsLaunched() bool { return v.launched }

func (v *DevVM) Launch(ctx context.Context, cid uint32) error {
	v.launched = true
	return nil
}

// ProcessReq loops the payload back as the response. There is no real
// function runtime behind this VM.
func (v *DevVM) ProcessReq(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return payload, nil
}
