package relay

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
	"github.com/oriys/pulsar/internal/protocol"
)

// outboundLaneSize bounds the per-connection write queue. A full lane means
// the editor stopped draining its socket; sends fail rather than block the
// registry.
const outboundLaneSize = 64

// editorSession serves one registered editor connection: an inbound reader,
// a serialized outbound writer and the liveness prober. It satisfies
// registry.Conn so the registry can forward commands and displace stale
// connections without touching sockets.
type editorSession struct {
	relay *Relay
	codec *protocol.Codec
	id    string

	out    chan any
	pongCh chan struct{}
	done   chan struct{}

	closeOnce sync.Once
}

func (r *Relay) serveEditor(codec *protocol.Codec, firstRaw []byte) {
	var reg protocol.Register
	if err := json.Unmarshal(firstRaw, &reg); err != nil {
		codec.Send(protocol.NewErrorMessage("", protocol.CodeMalformedJSON, "unreadable REGISTER"))
		codec.Close()
		return
	}
	if reg.ProtocolVersion != protocol.Version {
		codec.Send(&protocol.Registered{
			Type:    protocol.TypeRegistered,
			Success: false,
			Error: &protocol.ErrorInfo{
				Code:    protocol.CodeProtocolVersionMismatch,
				Message: "relay speaks protocol " + protocol.Version + ", got " + reg.ProtocolVersion,
			},
		})
		codec.Close()
		return
	}
	if reg.InstanceID == "" {
		codec.Send(&protocol.Registered{
			Type:    protocol.TypeRegistered,
			Success: false,
			Error:   &protocol.ErrorInfo{Code: protocol.CodeProtocolError, Message: "instance_id required"},
		})
		codec.Close()
		return
	}

	s := &editorSession{
		relay:  r,
		codec:  codec,
		id:     reg.InstanceID,
		out:    make(chan any, outboundLaneSize),
		pongCh: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	metrics.IncConnections("editor")
	defer metrics.DecConnections("editor")
	defer s.shutdown()

	go s.writeLoop()

	// REGISTERED goes out before any re-forwarded command from a resume.
	s.enqueue(&protocol.Registered{
		Type:                protocol.TypeRegistered,
		Success:             true,
		HeartbeatIntervalMS: r.heartbeatInterval.Milliseconds(),
	})

	outcome := r.registry.Register(&reg, s)
	if outcome.Displaced != nil {
		outcome.Displaced.Close()
	}

	go s.heartbeatLoop()

	s.readLoop()
	r.registry.ConnClosed(s.id, s)
}

// SendCommand hands a command to the outbound lane. Never blocks.
func (s *editorSession) SendCommand(cmd *protocol.Command) error {
	return s.enqueue(cmd)
}

// Close tears the session down. Called by the registry on displacement and
// by the session itself on liveness loss.
func (s *editorSession) Close() error {
	s.shutdown()
	return nil
}

func (s *editorSession) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.codec.Close()
	})
}

func (s *editorSession) enqueue(msg any) error {
	select {
	case <-s.done:
		return net.ErrClosed
	default:
	}
	select {
	case s.out <- msg:
		return nil
	default:
		return errors.New("outbound lane full")
	}
}

func (s *editorSession) writeLoop() {
	for {
		select {
		case msg := <-s.out:
			if err := s.codec.Send(msg); err != nil {
				logging.Op().Warn("editor write failed", "instance", s.id, "error", err)
				s.shutdown()
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop dispatches inbound editor frames until the connection dies:
// COMMAND_RESULT to the registry's in-flight ticket, STATUS to the state
// machine, PONG to the prober. Unexpected types are logged and ignored.
func (s *editorSession) readLoop() {
	for {
		raw, err := s.codec.Receive()
		if err != nil {
			var fe *protocol.FrameError
			if errors.As(err, &fe) {
				s.enqueue(protocol.NewErrorMessage("", fe.Code, fe.Message))
				metrics.RecordProtocolError(fe.Code)
				logging.Op().Warn("editor framing error", "instance", s.id, "code", fe.Code)
			}
			return
		}

		msgType, err := protocol.PeekType(raw)
		if err != nil {
			logging.Op().Warn("typeless editor frame ignored", "instance", s.id)
			continue
		}
		switch msgType {
		case protocol.TypeCommandResult:
			var result protocol.CommandResult
			if err := json.Unmarshal(raw, &result); err != nil {
				logging.Op().Warn("unreadable COMMAND_RESULT ignored", "instance", s.id, "error", err)
				continue
			}
			s.relay.registry.Complete(s.id, &result)
		case protocol.TypeStatus:
			var st protocol.Status
			if err := json.Unmarshal(raw, &st); err != nil {
				logging.Op().Warn("unreadable STATUS ignored", "instance", s.id, "error", err)
				continue
			}
			s.relay.registry.NotifyStatus(s.id, st.Status, st.Detail)
		case protocol.TypePong:
			select {
			case s.pongCh <- struct{}{}:
			default:
			}
		default:
			logging.Op().Warn("unexpected editor frame ignored", "instance", s.id, "type", msgType)
		}
	}
}

// heartbeatLoop probes the editor on a fixed interval. At most one probe is
// outstanding; a probe still unanswered at the next tick counts as a miss.
// Probing pauses while the instance is reloading.
func (s *editorSession) heartbeatLoop() {
	ticker := time.NewTicker(s.relay.heartbeatInterval)
	defer ticker.Stop()

	awaiting := false
	missed := 0
	for {
		select {
		case <-s.done:
			return
		case <-s.pongCh:
			awaiting = false
			missed = 0
		case <-ticker.C:
			if status, ok := s.relay.registry.Status(s.id); !ok || status == protocol.StatusReloading {
				awaiting = false
				missed = 0
				continue
			}
			if awaiting {
				missed++
				metrics.RecordHeartbeatMiss(s.id)
				logging.Op().Warn("probe unanswered", "instance", s.id, "missed", missed)
				if missed >= s.relay.maxMissedPings {
					s.relay.registry.MarkLost(s.id, s)
					s.shutdown()
					return
				}
			}
			s.enqueue(&protocol.Ping{Type: protocol.TypePing, TS: protocol.NowMillis()})
			awaiting = true
		}
	}
}
