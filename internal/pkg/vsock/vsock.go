// Package vsock wraps github.com/mdlayher/vsock so the worker's VM-monitor
// listener can try AF_VSOCK first and fall back to a Unix domain socket
// when the host has no vsock device (e.g. running outside a microVM).
package vsock

import (
	"fmt"
	"net"

	mdvsock "github.com/mdlayher/vsock"
)

// Listen binds an AF_VSOCK listener on port. Callers should treat any
// error as "no vsock device available" and fall back to a Unix socket
// bound at the same logical address.
func Listen(port uint32) (net.Listener, error) {
	lis, err := mdvsock.Listen(port, nil)
	if err != nil {
		return nil, fmt.Errorf("vsock: listen on port %d: %w", port, err)
	}
	return lis, nil
}
