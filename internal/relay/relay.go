// Package relay implements the multiplexing broker between CLI clients and
// editor instances. One TCP port serves both roles; the first frame on a
// fresh connection decides which session type handles it. Editor sessions
// register into the instance registry and answer liveness probes; client
// sessions route requests through the idempotency cache into the registry's
// dispatch state machine.
package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/oriys/pulsar/internal/config"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
	"github.com/oriys/pulsar/internal/protocol"
	"github.com/oriys/pulsar/internal/registry"
	"github.com/oriys/pulsar/internal/requestcache"
)

// Relay owns every shared structure of the broker: listener, registry,
// idempotency cache, audit log. There is no package-level state; tests run
// several relays in one process.
type Relay struct {
	addr              string
	queueEnabled      bool
	queueCapacity     int
	heartbeatInterval time.Duration
	maxMissedPings    int
	reloadGrace       time.Duration
	defaultTimeout    time.Duration
	cacheTTL          time.Duration
	firstFrameTimeout time.Duration

	registry *registry.Registry
	cache    *requestcache.Cache
	reqlog   *logging.RequestLogger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// New builds a relay from cfg; options override individual knobs.
func New(cfg *config.Config, opts ...Option) *Relay {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		addr:              cfg.ListenAddr(),
		queueEnabled:      cfg.Server.QueueEnabled,
		queueCapacity:     cfg.Server.QueueCapacity,
		heartbeatInterval: cfg.HeartbeatInterval(),
		maxMissedPings:    cfg.Heartbeat.MaxMissed,
		reloadGrace:       cfg.ReloadGrace(),
		defaultTimeout:    cfg.DefaultTimeout(),
		cacheTTL:          cfg.CacheTTL(),
		firstFrameTimeout: cfg.FirstFrameTimeout(),
		ctx:               ctx,
		cancel:            cancel,
		conns:             make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.registry = registry.New(registry.Config{
		QueueEnabled:  r.queueEnabled,
		QueueCapacity: r.queueCapacity,
		ReloadGrace:   r.reloadGrace,
	})
	r.cache = requestcache.New(r.cacheTTL)
	return r
}

// Registry exposes the instance registry, mainly for the daemon's health
// endpoint.
func (r *Relay) Registry() *registry.Registry {
	return r.registry
}

// Start binds the listener and begins accepting connections. It returns
// only bind errors; accept failures are handled in the background.
func (r *Relay) Start() error {
	ln, err := net.Listen("tcp", r.addr)
	if err != nil {
		return err
	}
	r.listener = ln
	logging.Op().Info("relay listening", "addr", ln.Addr().String())

	r.wg.Add(1)
	go r.acceptLoop()
	return nil
}

// Addr returns the bound listener address, useful when the configured port
// is 0.
func (r *Relay) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

func (r *Relay) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logging.Op().Warn("accept failed", "error", err)
			continue
		}
		r.trackConn(conn)
		r.wg.Add(1)
		safeGo(func() {
			defer r.wg.Done()
			defer r.untrackConn(conn)
			r.handleConn(conn)
		})
	}
}

func (r *Relay) trackConn(conn net.Conn) {
	r.mu.Lock()
	r.conns[conn] = struct{}{}
	r.mu.Unlock()
}

func (r *Relay) untrackConn(conn net.Conn) {
	r.mu.Lock()
	delete(r.conns, conn)
	r.mu.Unlock()
}

// handleConn performs role discrimination on the first frame: REGISTER
// marks an editor session, REQUEST/LIST_INSTANCES/SET_DEFAULT a client
// session. Anything else is a fatal protocol error.
func (r *Relay) handleConn(conn net.Conn) {
	codec := protocol.NewCodec(conn)

	conn.SetReadDeadline(time.Now().Add(r.firstFrameTimeout))
	raw, err := codec.Receive()
	if err != nil {
		r.rejectConn(codec, err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	msgType, err := protocol.PeekType(raw)
	if err != nil {
		codec.Send(protocol.NewErrorMessage("", protocol.CodeProtocolError, "first frame carries no type"))
		metrics.RecordProtocolError(protocol.CodeProtocolError)
		codec.Close()
		return
	}

	switch msgType {
	case protocol.TypeRegister:
		r.serveEditor(codec, raw)
	case protocol.TypeRequest, protocol.TypeListInstances, protocol.TypeSetDefault:
		r.serveClient(codec, raw)
	default:
		logging.Op().Warn("unexpected first frame", "type", msgType, "remote", codec.RemoteAddr())
		codec.Send(protocol.NewErrorMessage("", protocol.CodeProtocolError, "unexpected first frame "+msgType))
		metrics.RecordProtocolError(protocol.CodeProtocolError)
		codec.Close()
	}
}

// rejectConn answers a broken first read. Framing violations get a final
// best-effort ERROR frame; timeouts and plain disconnects just close.
func (r *Relay) rejectConn(codec *protocol.Codec, err error) {
	var fe *protocol.FrameError
	if errors.As(err, &fe) {
		codec.Send(protocol.NewErrorMessage("", fe.Code, fe.Message))
		metrics.RecordProtocolError(fe.Code)
		logging.Op().Warn("connection rejected", "remote", codec.RemoteAddr(), "code", fe.Code)
	}
	codec.Close()
}

// Close stops accepting, tears down every open connection and fails all
// held requests. Safe to call more than once.
func (r *Relay) Close() error {
	r.cancel()
	if r.listener != nil {
		r.listener.Close()
	}

	r.mu.Lock()
	for conn := range r.conns {
		conn.Close()
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.registry.Close()
	r.cache.Close()
	if r.reqlog != nil {
		r.reqlog.Close()
	}
	logging.Op().Info("relay stopped")
	return nil
}
