package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
	"github.com/oriys/pulsar/internal/observability"
	"github.com/oriys/pulsar/internal/protocol"
	"github.com/oriys/pulsar/internal/registry"
)

// clientSession serves one CLI connection. Frames are handled strictly in
// order; each REQUEST produces exactly one RESPONSE before the next frame
// is read.
type clientSession struct {
	relay *Relay
	codec *protocol.Codec
}

func (r *Relay) serveClient(codec *protocol.Codec, firstRaw []byte) {
	metrics.IncConnections("client")
	defer metrics.DecConnections("client")
	defer codec.Close()

	s := &clientSession{relay: r, codec: codec}
	raw := firstRaw
	for {
		if !s.handleFrame(raw) {
			return
		}
		var err error
		raw, err = codec.Receive()
		if err != nil {
			var fe *protocol.FrameError
			if errors.As(err, &fe) {
				codec.Send(protocol.NewErrorMessage("", fe.Code, fe.Message))
				metrics.RecordProtocolError(fe.Code)
				logging.Op().Warn("client framing error", "remote", codec.RemoteAddr(), "code", fe.Code)
			}
			return
		}
	}
}

// handleFrame returns false when the connection must close.
func (s *clientSession) handleFrame(raw []byte) bool {
	msgType, err := protocol.PeekType(raw)
	if err != nil {
		s.codec.Send(protocol.NewErrorMessage("", protocol.CodeProtocolError, "frame carries no type"))
		metrics.RecordProtocolError(protocol.CodeProtocolError)
		return false
	}

	switch msgType {
	case protocol.TypeRequest:
		return s.handleRequest(raw)
	case protocol.TypeListInstances:
		s.codec.Send(&protocol.Instances{Type: protocol.TypeInstances, Instances: s.relay.registry.List()})
		return true
	case protocol.TypeSetDefault:
		return s.handleSetDefault(raw)
	default:
		s.codec.Send(protocol.NewErrorMessage("", protocol.CodeProtocolError, "unexpected frame "+msgType))
		metrics.RecordProtocolError(protocol.CodeProtocolError)
		return false
	}
}

func (s *clientSession) handleSetDefault(raw []byte) bool {
	var sd protocol.SetDefault
	if err := json.Unmarshal(raw, &sd); err != nil || sd.InstanceID == "" {
		s.codec.Send(protocol.NewErrorMessage("", protocol.CodeInvalidParams, "set_default requires instance_id"))
		return true
	}
	if err := s.relay.registry.SetDefault(sd.InstanceID); err != nil {
		var de *registry.DispatchError
		if errors.As(err, &de) {
			s.codec.Send(protocol.NewErrorMessage("", de.Code, de.Message))
		} else {
			s.codec.Send(protocol.NewErrorMessage("", protocol.CodeInternalError, err.Error()))
		}
		return true
	}
	s.codec.Send(&protocol.Ack{Type: protocol.TypeAck, InstanceID: sd.InstanceID})
	return true
}

// handleRequest runs one REQUEST through the idempotency cache and the
// dispatch state machine, then writes the terminal RESPONSE.
func (s *clientSession) handleRequest(raw []byte) bool {
	var req protocol.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		s.codec.Send(protocol.NewErrorMessage("", protocol.CodeMalformedJSON, "unreadable REQUEST"))
		metrics.RecordProtocolError(protocol.CodeMalformedJSON)
		return false
	}
	if req.ID == "" {
		s.codec.Send(protocol.NewErrorMessage("", protocol.CodeProtocolError, "request id required"))
		metrics.RecordProtocolError(protocol.CodeProtocolError)
		return false
	}
	if req.Command == "" {
		s.codec.Send(protocol.NewErrorResponse(req.ID, protocol.CodeInvalidParams, "command required"))
		return true
	}

	timeout := s.relay.defaultTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	ctx, span := observability.StartServerSpan(s.relay.ctx, "relay.request",
		observability.AttrRequestID.String(req.ID),
		observability.AttrCommand.String(req.Command),
		observability.AttrInstanceID.String(req.InstanceID),
	)
	defer span.End()

	traceID := observability.GetTraceID(ctx)
	spanID := observability.GetSpanID(ctx)

	started := time.Now()
	queued := false
	resp, fromCache, err := s.relay.cache.Do(ctx, req.ID, func() *protocol.Response {
		return s.dispatch(ctx, &req, timeout, &queued)
	})
	if err != nil {
		// Shutdown canceled the wait for a coalesced execution.
		return false
	}
	durationMs := time.Since(started).Milliseconds()

	var code protocol.ErrorCode
	var errMsg string
	if !resp.Success && resp.Error != nil {
		code = resp.Error.Code
		errMsg = resp.Error.Message
	}
	metrics.Global().RecordRequest(req.Command, durationMs, code, fromCache)
	s.relay.reqlog.Log(&logging.RequestLog{
		Timestamp:  time.Now(),
		RequestID:  req.ID,
		TraceID:    traceID,
		SpanID:     spanID,
		InstanceID: req.InstanceID,
		Command:    req.Command,
		DurationMs: durationMs,
		Success:    resp.Success,
		Code:       string(code),
		Error:      errMsg,
		FromCache:  fromCache,
		Queued:     queued,
	})

	span.SetAttributes(
		observability.AttrCacheHit.Bool(fromCache),
		observability.AttrQueued.Bool(queued),
		observability.AttrDurationMs.Int64(durationMs),
	)
	if code != "" {
		span.SetAttributes(observability.AttrErrorCode.String(string(code)))
		observability.SetSpanError(span, errors.New(string(code)))
	} else {
		observability.SetSpanOK(span)
	}

	if err := s.codec.Send(resp); err != nil {
		logging.Op().Warn("response write failed", "request", req.ID, "error", err)
		return false
	}
	return true
}

// dispatch forwards one ticket and waits for its terminal response or the
// deadline. The editor is never cancelled on timeout; a late result is
// discarded by the registry.
func (s *clientSession) dispatch(ctx context.Context, req *protocol.Request, timeout time.Duration, queued *bool) *protocol.Response {
	_, span := observability.StartSpan(ctx, "relay.dispatch",
		observability.AttrInstanceID.String(req.InstanceID),
	)
	defer span.End()

	tk := registry.NewTicket(req.ID, req.Command, req.Params, timeout)
	if err := s.relay.registry.Dispatch(req.InstanceID, tk); err != nil {
		observability.SetSpanError(span, err)
		var de *registry.DispatchError
		if errors.As(err, &de) {
			return protocol.NewErrorResponse(req.ID, de.Code, de.Message)
		}
		return protocol.NewErrorResponse(req.ID, protocol.CodeInternalError, err.Error())
	}

	timer := time.NewTimer(time.Until(tk.Deadline))
	defer timer.Stop()
	select {
	case resp := <-tk.Done():
		if tk.WasQueued() {
			*queued = true
			metrics.Global().RecordQueued()
		}
		return resp
	case <-timer.C:
		logging.Op().Warn("request deadline reached", "request", req.ID, "command", req.Command, "timeout_ms", timeout.Milliseconds())
		observability.SetSpanError(span, context.DeadlineExceeded)
		return protocol.NewErrorResponse(req.ID, protocol.CodeTimeout,
			fmt.Sprintf("no COMMAND_RESULT within %dms", timeout.Milliseconds()))
	}
}
