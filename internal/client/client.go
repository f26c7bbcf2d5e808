// Package client implements the CLI side of the relay protocol: one
// persistent connection, stable request-id generation, and automatic retry
// with capped exponential backoff on transient errors.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/protocol"
)

const (
	defaultDialTimeout = 5 * time.Second
	defaultCallTimeout = 30 * time.Second
	defaultRetryBase   = 500 * time.Millisecond
	defaultRetryMax    = 8 * time.Second
	defaultRetryBudget = 30 * time.Second

	// responseGrace is the slack past timeout_ms the client waits for the
	// relay's own TIMEOUT reply before declaring the connection dead.
	responseGrace = 5 * time.Second
)

// CallError is a terminal failure reported by the relay or an editor,
// carrying a code from the protocol's closed set.
type CallError struct {
	Code    protocol.ErrorCode
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Retryable reports whether the relay would accept the same request id
// again after backoff.
func (e *CallError) Retryable() bool {
	return e.Code.Retryable()
}

// RetryFunc observes one retry decision: the attempt that just failed, the
// transient code it failed with, and the delay before the next attempt.
type RetryFunc func(attempt int, code protocol.ErrorCode, delay time.Duration)

// Client is one session to the relay. It keeps a single TCP connection and
// re-dials transparently when it is lost; a loss during a call counts as a
// transient TIMEOUT and the call is re-sent under the same request id.
// Exchanges are serialized, so a Client is safe for concurrent use.
type Client struct {
	addr            string
	dialTimeout     time.Duration
	callTimeout     time.Duration
	defaultInstance string
	retryBase       time.Duration
	retryMax        time.Duration
	retryBudget     time.Duration
	onRetry         RetryFunc

	// clientID prefixes every request id so ids stay unique across
	// reconnects of the same process.
	clientID string

	reqMu sync.Mutex

	mu    sync.Mutex
	codec *protocol.Codec
}

// New creates a client for the relay at addr. No connection is opened
// until the first call.
func New(addr string, opts ...Option) *Client {
	c := &Client{
		addr:        addr,
		dialTimeout: defaultDialTimeout,
		callTimeout: defaultCallTimeout,
		retryBase:   defaultRetryBase,
		retryMax:    defaultRetryMax,
		retryBudget: defaultRetryBudget,
		clientID:    uuid.NewString()[:12],
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ClientID returns the per-process identifier prefixing every request id.
func (c *Client) ClientID() string {
	return c.clientID
}

// Call runs one command round-trip, retrying transparently on
// INSTANCE_RELOADING, INSTANCE_BUSY and TIMEOUT until the retry budget is
// spent. The request id stays the same across attempts so the relay's
// idempotency cache can short-circuit work that already completed. On
// budget exhaustion the last transient error is returned.
func (c *Client) Call(ctx context.Context, command string, params any, opts ...CallOption) (json.RawMessage, error) {
	settings := callSettings{
		instance: c.defaultInstance,
		timeout:  c.callTimeout,
		onRetry:  c.onRetry,
	}
	for _, opt := range opts {
		opt(&settings)
	}

	rawParams, err := encodeParams(params)
	if err != nil {
		return nil, err
	}

	id := protocol.NewRequestID(c.clientID)
	bo := newBackoff(c.retryBase, c.retryMax)
	budget := time.Now().Add(c.retryBudget)

	for attempt := 1; ; attempt++ {
		data, err := c.exchange(ctx, id, command, rawParams, settings.instance, settings.timeout)
		if err == nil {
			return data, nil
		}

		var ce *CallError
		if !errors.As(err, &ce) || !ce.Retryable() {
			return nil, err
		}

		delay := bo.Next()
		if time.Now().Add(delay).After(budget) {
			return nil, ce
		}
		if settings.onRetry != nil {
			settings.onRetry(attempt, ce.Code, delay)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// ListInstances returns the relay's current registry snapshot.
func (c *Client) ListInstances(ctx context.Context) ([]protocol.InstanceInfo, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	codec, err := c.conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to relay at %s: %w", c.addr, err)
	}
	if err := codec.Send(&protocol.ListInstances{Type: protocol.TypeListInstances}); err != nil {
		c.drop(codec)
		return nil, fmt.Errorf("send LIST_INSTANCES: %w", err)
	}
	raw, err := c.receive(ctx, codec, c.dialTimeout)
	if err != nil {
		c.drop(codec)
		return nil, fmt.Errorf("awaiting INSTANCES: %w", err)
	}

	msgType, perr := protocol.PeekType(raw)
	if perr != nil {
		c.drop(codec)
		return nil, &CallError{Code: protocol.CodeProtocolError, Message: "unreadable reply: " + perr.Error()}
	}
	switch msgType {
	case protocol.TypeInstances:
		var list protocol.Instances
		if err := json.Unmarshal(raw, &list); err != nil {
			c.drop(codec)
			return nil, &CallError{Code: protocol.CodeProtocolError, Message: "unreadable INSTANCES: " + err.Error()}
		}
		return list.Instances, nil
	case protocol.TypeError:
		c.drop(codec)
		return nil, decodeErrorFrame(raw)
	default:
		c.drop(codec)
		return nil, &CallError{Code: protocol.CodeProtocolError, Message: "unexpected reply type " + msgType}
	}
}

// SetDefault pins the relay's default instance for untargeted requests.
func (c *Client) SetDefault(ctx context.Context, instanceID string) error {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	codec, err := c.conn(ctx)
	if err != nil {
		return fmt.Errorf("connect to relay at %s: %w", c.addr, err)
	}
	if err := codec.Send(&protocol.SetDefault{Type: protocol.TypeSetDefault, InstanceID: instanceID}); err != nil {
		c.drop(codec)
		return fmt.Errorf("send SET_DEFAULT: %w", err)
	}
	raw, err := c.receive(ctx, codec, c.dialTimeout)
	if err != nil {
		c.drop(codec)
		return fmt.Errorf("awaiting ACK: %w", err)
	}

	msgType, perr := protocol.PeekType(raw)
	if perr != nil {
		c.drop(codec)
		return &CallError{Code: protocol.CodeProtocolError, Message: "unreadable reply: " + perr.Error()}
	}
	switch msgType {
	case protocol.TypeAck:
		return nil
	case protocol.TypeError:
		return decodeErrorFrame(raw)
	default:
		c.drop(codec)
		return &CallError{Code: protocol.CodeProtocolError, Message: "unexpected reply type " + msgType}
	}
}

// Close tears down the session connection. The client stays usable; the
// next call re-dials.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.codec == nil {
		return nil
	}
	err := c.codec.Close()
	c.codec = nil
	return err
}

// exchange performs one attempt: send the REQUEST, wait for its RESPONSE.
// Connection failures past the dial are reported as transient TIMEOUT
// errors so the retry loop re-sends on a fresh connection.
func (c *Client) exchange(ctx context.Context, id, command string, params json.RawMessage, instance string, timeout time.Duration) (json.RawMessage, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	codec, err := c.conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to relay at %s: %w", c.addr, err)
	}

	req := &protocol.Request{
		Type:       protocol.TypeRequest,
		ID:         id,
		InstanceID: instance,
		Command:    command,
		Params:     params,
		TimeoutMS:  timeout.Milliseconds(),
		TS:         protocol.NowMillis(),
	}
	if err := codec.Send(req); err != nil {
		c.drop(codec)
		logging.Op().Debug("relay connection lost while sending", "err", err)
		return nil, &CallError{Code: protocol.CodeTimeout, Message: "connection lost while sending: " + err.Error()}
	}

	// The relay answers every REQUEST within its deadline, so a read past
	// timeout plus grace means the connection is gone.
	wait := timeout
	if wait <= 0 {
		wait = defaultCallTimeout
	}
	raw, err := c.receive(ctx, codec, wait+responseGrace)
	if err != nil {
		c.drop(codec)
		logging.Op().Debug("relay connection lost awaiting response", "err", err)
		return nil, &CallError{Code: protocol.CodeTimeout, Message: "connection lost awaiting response: " + err.Error()}
	}

	msgType, perr := protocol.PeekType(raw)
	if perr != nil {
		c.drop(codec)
		return nil, &CallError{Code: protocol.CodeProtocolError, Message: "unreadable reply: " + perr.Error()}
	}
	switch msgType {
	case protocol.TypeResponse:
		var resp protocol.Response
		if err := json.Unmarshal(raw, &resp); err != nil {
			c.drop(codec)
			return nil, &CallError{Code: protocol.CodeProtocolError, Message: "unreadable RESPONSE: " + err.Error()}
		}
		if resp.ID != id {
			c.drop(codec)
			return nil, &CallError{Code: protocol.CodeProtocolError, Message: fmt.Sprintf("reply id %q does not match request id %q", resp.ID, id)}
		}
		if !resp.Success {
			if resp.Error == nil {
				return nil, &CallError{Code: protocol.CodeInternalError, Message: command + " failed"}
			}
			return nil, &CallError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Data, nil
	case protocol.TypeError:
		// The relay closes the connection after a top-level ERROR.
		c.drop(codec)
		return nil, decodeErrorFrame(raw)
	default:
		c.drop(codec)
		return nil, &CallError{Code: protocol.CodeProtocolError, Message: "unexpected reply type " + msgType}
	}
}

// conn returns the live session connection, dialing a fresh one if needed.
func (c *Client) conn(ctx context.Context) (*protocol.Codec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.codec != nil {
		return c.codec, nil
	}
	d := net.Dialer{Timeout: c.dialTimeout}
	nc, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, err
	}
	logging.Op().Debug("connected to relay", "addr", c.addr, "client", c.clientID)
	c.codec = protocol.NewCodec(nc)
	return c.codec, nil
}

// drop closes codec and forgets it if it is still the session connection.
func (c *Client) drop(codec *protocol.Codec) {
	c.mu.Lock()
	defer c.mu.Unlock()
	codec.Close()
	if c.codec == codec {
		c.codec = nil
	}
}

// receive reads one frame with a bounded wait, shortened further by the
// context deadline when that is sooner.
func (c *Client) receive(ctx context.Context, codec *protocol.Codec, wait time.Duration) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < wait {
			wait = until
		}
	}
	codec.SetReadDeadline(time.Now().Add(wait))
	raw, err := codec.Receive()
	if err != nil {
		return nil, err
	}
	codec.SetReadDeadline(time.Time{})
	return raw, nil
}

func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		return data, nil
	}
}

func decodeErrorFrame(raw []byte) error {
	var msg protocol.ErrorMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return &CallError{Code: protocol.CodeProtocolError, Message: "unreadable ERROR frame"}
	}
	return &CallError{Code: msg.Code, Message: msg.Message}
}
