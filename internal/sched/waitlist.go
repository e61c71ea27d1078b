package sched

import "github.com/snapfaas/pulsar/internal/protocol"

// waitList correlates an in-flight task_id to the caller's reply channel
// (§3 WaitList). Entries are removed by FinishTask or by TerminateAll.
type waitList struct {
	byTask map[string]chan protocol.InvokeResult
}

func newWaitList() *waitList {
	return &waitList{byTask: make(map[string]chan protocol.InvokeResult)}
}

func (w *waitList) put(taskID string, reply chan protocol.InvokeResult) {
	w.byTask[taskID] = reply
}

func (w *waitList) take(taskID string) (chan protocol.InvokeResult, bool) {
	ch, ok := w.byTask[taskID]
	if ok {
		delete(w.byTask, taskID)
	}
	return ch, ok
}

func (w *waitList) remove(taskID string) {
	delete(w.byTask, taskID)
}

func (w *waitList) len() int {
	return len(w.byTask)
}
