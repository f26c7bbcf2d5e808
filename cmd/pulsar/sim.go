package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/protocol"
)

var errRegistrationRejected = errors.New("registration rejected")

func simCmd() *cobra.Command {
	var (
		project      string
		name         string
		engineVer    string
		capabilities []string
		latency      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "sim",
		Short: "Run a simulated editor instance",
		Long: "Register with the relay as an editor instance and answer built-in commands " +
			"(echo, sleep, project.info, reload) so the relay can be exercised without a real editor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				name = filepath.Base(project)
			}

			logging.InitStructured("text", "info")

			sim := &simulator{
				addr:         relayAddr(),
				project:      project,
				name:         name,
				engineVer:    engineVer,
				capabilities: capabilities,
				latency:      latency,
				reloadCh:     make(chan time.Duration, 1),
			}

			done := make(chan struct{})
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				logging.Op().Info("simulator stopping")
				close(done)
				sim.shutdown()
			}()

			return sim.run(done)
		},
	}

	cmd.Flags().StringVar(&project, "project", "", "Project path, used as the instance id")
	cmd.Flags().StringVar(&name, "name", "", "Project name (default: base name of --project)")
	cmd.Flags().StringVar(&engineVer, "engine-version", "6000.0.32f1", "Reported editor version")
	cmd.Flags().StringSliceVar(&capabilities, "capabilities", nil, "Advertised capabilities (empty accepts every command)")
	cmd.Flags().DurationVar(&latency, "latency", 0, "Artificial delay before each command reply")
	cmd.MarkFlagRequired("project")

	return cmd
}

// simulator plays the editor side of the protocol: one registered instance
// that executes a small set of built-in commands.
type simulator struct {
	addr         string
	project      string
	name         string
	engineVer    string
	capabilities []string
	latency      time.Duration

	reloadCh chan time.Duration

	mu    sync.Mutex
	codec *protocol.Codec
}

// run keeps the simulator connected until done closes, re-dialing with
// backoff after disconnects. A simulated reload sleeps out its compile
// window and then reconnects immediately, which is exactly the window the
// relay holds requests for.
func (s *simulator) run(done <-chan struct{}) error {
	delay := time.Second
	for {
		registered, err := s.connectAndServe()
		select {
		case <-done:
			return nil
		default:
		}
		if errors.Is(err, errRegistrationRejected) {
			return err
		}

		select {
		case d := <-s.reloadCh:
			logging.Op().Info("reloading", "instance_id", s.project, "duration", d)
			select {
			case <-done:
				return nil
			case <-time.After(d):
			}
			delay = time.Second
			continue
		default:
		}

		if registered {
			delay = time.Second
		}
		if err != nil {
			logging.Op().Warn("relay connection lost", "error", err, "retry_in", delay)
		} else {
			logging.Op().Info("relay connection closed", "retry_in", delay)
		}

		select {
		case <-done:
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > 10*time.Second {
			delay = 10 * time.Second
		}
	}
}

// connectAndServe dials the relay, registers, and serves frames until the
// connection drops. The bool reports whether registration succeeded, which
// resets the reconnect backoff.
func (s *simulator) connectAndServe() (bool, error) {
	conn, err := net.DialTimeout("tcp", s.addr, 5*time.Second)
	if err != nil {
		return false, fmt.Errorf("dial relay: %w", err)
	}
	codec := protocol.NewCodec(conn)
	s.setCodec(codec)
	defer func() {
		s.setCodec(nil)
		codec.Close()
	}()

	if err := codec.Send(&protocol.Register{
		Type:            protocol.TypeRegister,
		ProtocolVersion: protocol.Version,
		InstanceID:      s.project,
		ProjectName:     s.name,
		UnityVersion:    s.engineVer,
		Capabilities:    s.capabilities,
		TS:              protocol.NowMillis(),
	}); err != nil {
		return false, fmt.Errorf("send register: %w", err)
	}

	codec.SetReadDeadline(time.Now().Add(10 * time.Second))
	raw, err := codec.Receive()
	if err != nil {
		return false, fmt.Errorf("await registration: %w", err)
	}
	codec.SetReadDeadline(time.Time{})

	typ, err := protocol.PeekType(raw)
	if err != nil || typ != protocol.TypeRegistered {
		return false, fmt.Errorf("unexpected first frame %q", typ)
	}
	var ack protocol.Registered
	if err := json.Unmarshal(raw, &ack); err != nil {
		return false, fmt.Errorf("decode registration ack: %w", err)
	}
	if !ack.Success {
		msg := "relay refused the instance"
		if ack.Error != nil {
			msg = ack.Error.Message
		}
		return false, fmt.Errorf("%w: %s", errRegistrationRejected, msg)
	}

	logging.Op().Info("registered with relay",
		"instance_id", s.project,
		"project", s.name,
		"heartbeat_interval_ms", ack.HeartbeatIntervalMS,
	)

	for {
		raw, err := codec.Receive()
		if err != nil {
			return true, err
		}
		typ, err := protocol.PeekType(raw)
		if err != nil {
			continue
		}
		switch typ {
		case protocol.TypePing:
			var ping protocol.Ping
			if err := json.Unmarshal(raw, &ping); err != nil {
				continue
			}
			codec.Send(&protocol.Pong{
				Type:   protocol.TypePong,
				TS:     protocol.NowMillis(),
				EchoTS: ping.TS,
			})
		case protocol.TypeCommand:
			var command protocol.Command
			if err := json.Unmarshal(raw, &command); err != nil {
				continue
			}
			// Execute off the read loop so pings keep getting answered
			// while a slow command runs.
			go s.execute(codec, &command)
		default:
			logging.Op().Debug("ignoring frame", "type", typ)
		}
	}
}

func (s *simulator) execute(codec *protocol.Codec, command *protocol.Command) {
	if s.latency > 0 {
		time.Sleep(s.latency)
	}

	logging.Op().Info("executing command", "id", command.ID, "command", command.Command)

	switch command.Command {
	case "echo":
		data := command.Params
		if len(data) == 0 {
			data = json.RawMessage(`{}`)
		}
		s.replyData(codec, command.ID, data)

	case "sleep":
		var p struct {
			Ms int64 `json:"ms"`
		}
		if err := unmarshalParams(command.Params, &p); err != nil || p.Ms < 0 {
			s.replyError(codec, command.ID, protocol.CodeInvalidParams, `sleep expects {"ms": N}`)
			return
		}
		time.Sleep(time.Duration(p.Ms) * time.Millisecond)
		s.replyData(codec, command.ID, json.RawMessage(fmt.Sprintf(`{"slept_ms":%d}`, p.Ms)))

	case "project.info":
		data, _ := json.Marshal(map[string]any{
			"project":        s.name,
			"path":           s.project,
			"engine_version": s.engineVer,
			"platform":       runtime.GOOS,
			"pid":            os.Getpid(),
		})
		s.replyData(codec, command.ID, data)

	case "reload":
		var p struct {
			DurationMs int64 `json:"duration_ms"`
		}
		if err := unmarshalParams(command.Params, &p); err != nil || p.DurationMs < 0 {
			s.replyError(codec, command.ID, protocol.CodeInvalidParams, `reload expects {"duration_ms": N}`)
			return
		}
		if p.DurationMs == 0 {
			p.DurationMs = 2000
		}
		s.replyData(codec, command.ID, json.RawMessage(fmt.Sprintf(`{"reload_ms":%d}`, p.DurationMs)))
		s.beginReload(codec, time.Duration(p.DurationMs)*time.Millisecond)

	default:
		s.replyError(codec, command.ID, protocol.CodeCommandNotFound,
			fmt.Sprintf("unknown command %q", command.Command))
	}
}

// beginReload announces the reload, queues the compile window for the run
// loop, and drops the connection the way an editor domain reload does.
func (s *simulator) beginReload(codec *protocol.Codec, d time.Duration) {
	codec.Send(&protocol.Status{
		Type:       protocol.TypeStatus,
		InstanceID: s.project,
		Status:     protocol.StatusReloading,
		Detail:     "script compilation",
		TS:         protocol.NowMillis(),
	})
	select {
	case s.reloadCh <- d:
	default:
	}
	codec.Close()
}

func (s *simulator) replyData(codec *protocol.Codec, id string, data json.RawMessage) {
	codec.Send(&protocol.CommandResult{
		Type:    protocol.TypeCommandResult,
		ID:      id,
		Success: true,
		Data:    data,
		TS:      protocol.NowMillis(),
	})
}

func (s *simulator) replyError(codec *protocol.Codec, id string, code protocol.ErrorCode, message string) {
	codec.Send(&protocol.CommandResult{
		Type:  protocol.TypeCommandResult,
		ID:    id,
		Error: &protocol.ErrorInfo{Code: code, Message: message},
		TS:    protocol.NowMillis(),
	})
}

func (s *simulator) setCodec(codec *protocol.Codec) {
	s.mu.Lock()
	s.codec = codec
	s.mu.Unlock()
}

func (s *simulator) shutdown() {
	s.mu.Lock()
	if s.codec != nil {
		s.codec.Close()
	}
	s.mu.Unlock()
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}
