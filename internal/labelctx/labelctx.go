// Package labelctx models the information-flow context a worker applies
// before dispatching a task into a VM (§4.6 state "Acquiring"): clear
// the current label, taint it with the invocation's secrecy/integrity
// label, and set the thread's privilege from the gate. The labeled
// filesystem that actually enforces this is out of scope; this package
// exists so the call site — and the invariant it represents — stays
// visible even though there is nothing underneath it to enforce.
//
// Modeled as an immutable value threaded through the call rather than
// mutable thread-local state, since Go goroutines are not bound to OS
// threads the way a clear_label/taint_with_label/set_privilege sequence
// on a dedicated worker thread would be.
package labelctx

import "github.com/snapfaas/pulsar/internal/protocol"

// Context is the information-flow context in effect for one task.
type Context struct {
	Secrecy   string
	Integrity string
	Privilege string
}

// Apply clears any prior context and returns a fresh one derived from
// the task's label and gate, per §4.6 step 2.
func Apply(label protocol.Label, privilege string) Context {
	return Context{
		Secrecy:   label.Secrecy,
		Integrity: label.Integrity,
		Privilege: privilege,
	}
}
