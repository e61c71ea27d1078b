// Package schedclient is the scheduler RPC client used by worker loops
// and local resource managers: one long-lived TCP connection per peer,
// one outstanding request at a time, no pipelining (§5).
package schedclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/snapfaas/pulsar/internal/observability"
	"github.com/snapfaas/pulsar/internal/protocol"
	"github.com/snapfaas/pulsar/internal/wire"
)

// Client is a single connection to the global scheduler.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to the scheduler's RPC listen address.
func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("schedclient: connect to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) call(kind string, req any) (wire.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	env, err := wire.Encode(kind, req)
	if err != nil {
		return wire.Envelope{}, err
	}
	if err := wire.WriteEnvelope(c.conn, env); err != nil {
		return wire.Envelope{}, err
	}
	return wire.ReadEnvelope(c.conn)
}

// GetTask blocks (from the caller's point of view, over the wire) until
// the scheduler matches this connection's worker to a task, or tells it
// to terminate (§4.4 "Idle").
func (c *Client) GetTask(threadID uint64) (invoke protocol.Invoke, terminate bool, err error) {
	resp, err := c.call(protocol.KindGetTask, protocol.GetTaskRequest{ThreadID: threadID})
	if err != nil {
		return protocol.Invoke{}, false, err
	}
	switch resp.Kind {
	case protocol.KindTerminate:
		return protocol.Invoke{}, true, nil
	case protocol.KindProcessTask:
		var pt protocol.ProcessTaskResponse
		if err := wire.Decode(resp, &pt); err != nil {
			return protocol.Invoke{}, false, err
		}
		var inv protocol.Invoke
		if err := json.Unmarshal(pt.Invoke, &inv); err != nil {
			return protocol.Invoke{}, false, fmt.Errorf("schedclient: decode invoke: %w", err)
		}
		return inv, false, nil
	default:
		return protocol.Invoke{}, false, fmt.Errorf("schedclient: unexpected get_task response kind %q", resp.Kind)
	}
}

// FinishTask reports a task's terminal outcome.
func (c *Client) FinishTask(taskID string, status protocol.InvokeStatus, result json.RawMessage) error {
	_, err := c.call(protocol.KindFinishTask, protocol.FinishTaskRequest{TaskID: taskID, Status: status, Result: result})
	return err
}

// LabeledInvoke submits a new invocation and waits for its InvokeResult.
// The caller's span (if any) is propagated as the parent of the
// scheduler's handling span.
func (c *Client) LabeledInvoke(ctx context.Context, gate protocol.Gate, payload json.RawMessage, label protocol.Label) (protocol.InvokeResult, error) {
	tc := observability.ExtractTraceContext(ctx)
	trace := protocol.TraceContext{TraceParent: tc.TraceParent, TraceState: tc.TraceState}
	resp, err := c.call(protocol.KindLabeledInvoke, protocol.LabeledInvokeRequest{Gate: gate, Payload: payload, Label: label, Trace: trace})
	if err != nil {
		return protocol.InvokeResult{}, err
	}
	var result protocol.InvokeResult
	if err := wire.Decode(resp, &result); err != nil {
		return protocol.InvokeResult{}, err
	}
	return result, nil
}

// UpdateResource pushes a ResourceInfo snapshot (§4.7).
func (c *Client) UpdateResource(info protocol.ResourceInfo) error {
	_, err := c.call(protocol.KindUpdateResource, protocol.UpdateResourceRequest{Info: info})
	return err
}

// DropResource tells the scheduler this node is going away (§4.7 "on
// graceful shutdown it pushes DropResource").
func (c *Client) DropResource() error {
	_, err := c.call(protocol.KindDropResource, struct{}{})
	return err
}

// TerminateAll is exposed for operational tooling, not by any node in
// normal operation.
func (c *Client) TerminateAll() error {
	_, err := c.call(protocol.KindTerminateAll, struct{}{})
	return err
}
