package sched

import (
	"context"
	"encoding/json"
	"net"
	"strings"

	"github.com/snapfaas/pulsar/internal/logging"
	"github.com/snapfaas/pulsar/internal/observability"
	"github.com/snapfaas/pulsar/internal/protocol"
	"github.com/snapfaas/pulsar/internal/wire"
)

// Serve accepts scheduler RPC connections on addr and handles each on
// its own goroutine until ctx is canceled (§6 "Scheduler RPC (TCP,
// length-prefixed frames). One connection per peer").
func Serve(ctx context.Context, addr string, s *Scheduler) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		lis.Close()
	}()

	log := logging.Op()
	log.Info("scheduler RPC listening", "addr", addr)
	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Warn("accept failed", "error", err)
				continue
			}
		}
		go handleConn(ctx, conn, s)
	}
}

// handleConn processes frames from one peer in order (§5 ordering
// guarantee (i): messages on a single stream are processed FIFO). The
// peer's remote IP is its Node identity for the lifetime of the
// connection (§3, §6); closing it is treated as DropResource.
func handleConn(ctx context.Context, conn net.Conn, s *Scheduler) {
	node := NodeID(peerIP(conn))
	log := logging.Op().With("node", node.String())
	defer func() {
		conn.Close()
		s.DropResource(node)
		log.Info("peer disconnected")
	}()

	for {
		env, err := wire.ReadEnvelope(conn)
		if err != nil {
			log.Debug("connection closed", "error", err)
			return
		}
		if err := handleFrame(ctx, conn, node, s, env); err != nil {
			log.Debug("connection write failed", "error", err)
			return
		}
	}
}

func handleFrame(ctx context.Context, conn net.Conn, node NodeID, s *Scheduler, env wire.Envelope) error {
	switch env.Kind {
	case protocol.KindGetTask:
		var req protocol.GetTaskRequest
		if err := wire.Decode(env, &req); err != nil {
			return replyError(conn, "malformed_get_task")
		}
		invoke, terminate, err := s.GetTask(ctx, node)
		if err != nil {
			return err
		}
		if terminate {
			return replyEnvelope(conn, protocol.KindTerminate, struct{}{})
		}
		data, err := json.Marshal(invoke)
		if err != nil {
			return replyError(conn, "encode_failed")
		}
		return replyEnvelope(conn, protocol.KindProcessTask, protocol.ProcessTaskResponse{TaskID: invoke.TaskID, Invoke: data})

	case protocol.KindFinishTask:
		var req protocol.FinishTaskRequest
		if err := wire.Decode(env, &req); err != nil {
			return replyError(conn, "malformed_finish_task")
		}
		s.FinishTask(node, req.TaskID, req.Status, req.Result)
		return replyEnvelope(conn, protocol.KindOk, struct{}{})

	case protocol.KindLabeledInvoke:
		var req protocol.LabeledInvokeRequest
		if err := wire.Decode(env, &req); err != nil {
			return replyError(conn, "malformed_labeled_invoke")
		}
		invokeCtx := observability.InjectTraceContext(ctx, observability.TraceContext{
			TraceParent: req.Trace.TraceParent,
			TraceState:  req.Trace.TraceState,
		})
		result, err := s.LabeledInvoke(invokeCtx, req.Gate, req.Payload, req.Label)
		if err != nil {
			return err
		}
		return replyEnvelope(conn, protocol.KindInvokeResult, result)

	case protocol.KindUpdateResource:
		var req protocol.UpdateResourceRequest
		if err := wire.Decode(env, &req); err != nil {
			return replyError(conn, "malformed_update_resource")
		}
		s.UpdateResource(node, req.Info)
		return replyEnvelope(conn, protocol.KindOk, struct{}{})

	case protocol.KindDropResource:
		s.DropResource(node)
		return replyEnvelope(conn, protocol.KindOk, struct{}{})

	case protocol.KindTerminateAll:
		s.TerminateAll()
		return replyEnvelope(conn, protocol.KindOk, struct{}{})

	default:
		// Protocol error: unexpected message kind. Log and continue on
		// this stream rather than terminating the connection (§7).
		logging.Op().Warn("unexpected envelope kind", "kind", env.Kind, "node", node.String())
		return replyError(conn, "unknown_kind")
	}
}

func replyEnvelope(conn net.Conn, kind string, v any) error {
	env, err := wire.Encode(kind, v)
	if err != nil {
		return err
	}
	return wire.WriteEnvelope(conn, env)
}

func replyError(conn net.Conn, kind string) error {
	return replyEnvelope(conn, protocol.KindErrorResp, protocol.ErrorResponse{Kind: kind})
}

func peerIP(conn net.Conn) string {
	addr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.TrimSpace(addr)
}
