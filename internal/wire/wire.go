// Package wire implements the length-prefixed framing used on every
// scheduler RPC connection (workers and local resource managers). Each frame is a
// JSON-encoded Envelope preceded by a 4-byte big-endian length, mirroring
// the teacher's VsockMessage framing but generalized to a self-describing
// Kind field instead of a fixed message-type enum.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameBytes bounds a single frame's payload size. A frame claiming a
// larger length is treated as a protocol violation, not merely a large
// message.
const MaxFrameBytes = 16 << 20 // 16 MiB

// Envelope is the self-describing unit exchanged over the wire. Kind
// names the message (e.g. "get_task", "labeled_invoke",
// "update_resource"); Payload carries its type-specific body, decoded by
// the caller once Kind is known.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// WireError marks a framing-level failure (oversized frame, truncated
// read, malformed envelope) as distinct from an application-level error
// carried inside a Payload. A WireError is always fatal to the
// connection it occurred on: the caller must close and, for the worker
// side, treat the underlying node as unreachable.
type WireError struct {
	Op  string
	Err error
}

func (e *WireError) Error() string {
	return fmt.Sprintf("wire: %s: %v", e.Op, e.Err)
}

func (e *WireError) Unwrap() error { return e.Err }

// Encode marshals v into an Envelope payload under the given kind.
func Encode(kind string, v any) (Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: encode %s: %w", kind, err)
	}
	return Envelope{Kind: kind, Payload: payload}, nil
}

// Decode unmarshals an Envelope's payload into v.
func Decode(env Envelope, v any) error {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return fmt.Errorf("wire: decode %s: %w", env.Kind, err)
	}
	return nil
}

// WriteEnvelope writes one length-prefixed frame to w.
func WriteEnvelope(w io.Writer, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return &WireError{Op: "marshal", Err: err}
	}
	if len(data) > MaxFrameBytes {
		return &WireError{Op: "write", Err: fmt.Errorf("frame of %d bytes exceeds %d byte cap", len(data), MaxFrameBytes)}
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)

	if _, err := w.Write(buf); err != nil {
		return &WireError{Op: "write", Err: err}
	}
	return nil
}

// ReadEnvelope reads one length-prefixed frame from r.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return Envelope{}, &WireError{Op: "read_length", Err: err}
	}

	frameLen := binary.BigEndian.Uint32(lenBuf)
	if frameLen > MaxFrameBytes {
		return Envelope{}, &WireError{Op: "read", Err: fmt.Errorf("frame of %d bytes exceeds %d byte cap", frameLen, MaxFrameBytes)}
	}

	data := make([]byte, frameLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return Envelope{}, &WireError{Op: "read_body", Err: err}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &WireError{Op: "unmarshal", Err: err}
	}
	return env, nil
}
