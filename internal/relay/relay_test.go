package relay

import (
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oriys/pulsar/internal/config"
	"github.com/oriys/pulsar/internal/protocol"
)

func startRelay(t *testing.T, opts ...Option) *Relay {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.Bind = "127.0.0.1"
	cfg.Server.Port = 0

	base := []Option{
		WithHeartbeat(100*time.Millisecond, 3),
		WithReloadGrace(2 * time.Second),
		WithDefaultTimeout(2 * time.Second),
	}
	r := New(cfg, append(base, opts...)...)
	if err := r.Start(); err != nil {
		t.Fatalf("relay start failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

// testEditor is a scripted editor double. Its pump answers liveness probes
// (unless muted) and routes commands to a channel for the test to script
// replies against.
type testEditor struct {
	t          *testing.T
	codec      *protocol.Codec
	id         string
	silent     atomic.Bool
	commands   chan *protocol.Command
	registered chan *protocol.Registered
	closed     chan struct{}
}

func dialEditor(t *testing.T, addr, id string, caps ...string) *testEditor {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("editor dial failed: %v", err)
	}
	e := &testEditor{
		t:          t,
		codec:      protocol.NewCodec(conn),
		id:         id,
		commands:   make(chan *protocol.Command, 16),
		registered: make(chan *protocol.Registered, 1),
		closed:     make(chan struct{}),
	}
	go e.pump()

	err = e.codec.Send(&protocol.Register{
		Type:            protocol.TypeRegister,
		ProtocolVersion: protocol.Version,
		InstanceID:      id,
		ProjectName:     "TestProject",
		UnityVersion:    "6000.0.32f1",
		Capabilities:    caps,
		TS:              protocol.NowMillis(),
	})
	if err != nil {
		t.Fatalf("REGISTER send failed: %v", err)
	}

	select {
	case reg := <-e.registered:
		if !reg.Success {
			t.Fatalf("registration rejected: %+v", reg.Error)
		}
	case <-time.After(time.Second):
		t.Fatal("no REGISTERED within 1s")
	}
	return e
}

func (e *testEditor) pump() {
	defer close(e.closed)
	for {
		raw, err := e.codec.Receive()
		if err != nil {
			return
		}
		msgType, err := protocol.PeekType(raw)
		if err != nil {
			continue
		}
		switch msgType {
		case protocol.TypeRegistered:
			var reg protocol.Registered
			if json.Unmarshal(raw, &reg) == nil {
				select {
				case e.registered <- &reg:
				default:
				}
			}
		case protocol.TypePing:
			if e.silent.Load() {
				continue
			}
			var ping protocol.Ping
			if json.Unmarshal(raw, &ping) == nil {
				e.codec.Send(&protocol.Pong{Type: protocol.TypePong, TS: protocol.NowMillis(), EchoTS: ping.TS})
			}
		case protocol.TypeCommand:
			var cmd protocol.Command
			if json.Unmarshal(raw, &cmd) == nil {
				e.commands <- &cmd
			}
		}
	}
}

// nextCommand waits up to d for a forwarded COMMAND; nil means none came.
func (e *testEditor) nextCommand(d time.Duration) *protocol.Command {
	select {
	case cmd := <-e.commands:
		return cmd
	case <-time.After(d):
		return nil
	}
}

func (e *testEditor) reply(id string, data json.RawMessage) {
	e.t.Helper()
	err := e.codec.Send(&protocol.CommandResult{
		Type:    protocol.TypeCommandResult,
		ID:      id,
		Success: true,
		Data:    data,
		TS:      protocol.NowMillis(),
	})
	if err != nil {
		e.t.Fatalf("COMMAND_RESULT send failed: %v", err)
	}
}

func (e *testEditor) replyError(id string, code protocol.ErrorCode, message string) {
	e.t.Helper()
	e.codec.Send(&protocol.CommandResult{
		Type:    protocol.TypeCommandResult,
		ID:      id,
		Success: false,
		Error:   &protocol.ErrorInfo{Code: code, Message: message},
		TS:      protocol.NowMillis(),
	})
}

func (e *testEditor) sendStatus(status, detail string) {
	e.t.Helper()
	e.codec.Send(&protocol.Status{
		Type:       protocol.TypeStatus,
		InstanceID: e.id,
		Status:     status,
		Detail:     detail,
		TS:         protocol.NowMillis(),
	})
}

func (e *testEditor) close() {
	e.codec.Close()
}

// testClient drives the client side of the wire directly.
type testClient struct {
	t     *testing.T
	codec *protocol.Codec
}

func dialClient(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("client dial failed: %v", err)
	}
	c := &testClient{t: t, codec: protocol.NewCodec(conn)}
	t.Cleanup(func() { c.codec.Close() })
	return c
}

func (c *testClient) send(msg any) {
	c.t.Helper()
	if err := c.codec.Send(msg); err != nil {
		c.t.Fatalf("client send failed: %v", err)
	}
}

func (c *testClient) recv(d time.Duration) []byte {
	c.t.Helper()
	c.codec.SetReadDeadline(time.Now().Add(d))
	raw, err := c.codec.Receive()
	if err != nil {
		c.t.Fatalf("client receive failed: %v", err)
	}
	c.codec.SetReadDeadline(time.Time{})
	return raw
}

func (c *testClient) sendRequest(id, instanceID, command string, params json.RawMessage, timeoutMS int64) {
	c.t.Helper()
	c.send(&protocol.Request{
		Type:       protocol.TypeRequest,
		ID:         id,
		InstanceID: instanceID,
		Command:    command,
		Params:     params,
		TimeoutMS:  timeoutMS,
		TS:         protocol.NowMillis(),
	})
}

func (c *testClient) recvResponse(d time.Duration) *protocol.Response {
	c.t.Helper()
	raw := c.recv(d)
	var resp protocol.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.t.Fatalf("unreadable RESPONSE: %v", err)
	}
	if resp.Type != protocol.TypeResponse {
		c.t.Fatalf("expected RESPONSE, got %s", resp.Type)
	}
	return &resp
}

func TestRelay_HappyPath(t *testing.T) {
	r := startRelay(t)
	addr := r.Addr().String()

	editor := dialEditor(t, addr, "/p/A")
	client := dialClient(t, addr)

	client.sendRequest("c1:r1", "", "echo", json.RawMessage(`{"v":1}`), 0)

	cmd := editor.nextCommand(time.Second)
	if cmd == nil {
		t.Fatal("editor received no COMMAND")
	}
	if cmd.ID != "c1:r1" || cmd.Command != "echo" || string(cmd.Params) != `{"v":1}` {
		t.Fatalf("forwarded command mangled: %+v", cmd)
	}

	editor.reply("c1:r1", json.RawMessage(`{"v":1}`))

	resp := client.recvResponse(time.Second)
	if !resp.Success || resp.ID != "c1:r1" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if string(resp.Data) != `{"v":1}` {
		t.Fatalf("data bytes not preserved: %s", resp.Data)
	}
}

func TestRelay_IdempotentReplay(t *testing.T) {
	r := startRelay(t)
	addr := r.Addr().String()

	editor := dialEditor(t, addr, "/p/A")
	client := dialClient(t, addr)

	client.sendRequest("c1:r1", "", "echo", json.RawMessage(`{"v":1}`), 0)
	cmd := editor.nextCommand(time.Second)
	if cmd == nil {
		t.Fatal("editor received no COMMAND")
	}
	editor.reply(cmd.ID, json.RawMessage(`{"v":1}`))
	first := client.recvResponse(time.Second)

	client.sendRequest("c1:r1", "", "echo", json.RawMessage(`{"v":1}`), 0)
	second := client.recvResponse(time.Second)

	if !second.Success || string(second.Data) != string(first.Data) {
		t.Fatalf("replay diverged: %+v", second)
	}
	if extra := editor.nextCommand(150 * time.Millisecond); extra != nil {
		t.Fatalf("replay reached the editor: %+v", extra)
	}
}

func TestRelay_ErrorsNotReplayed(t *testing.T) {
	r := startRelay(t)
	addr := r.Addr().String()

	editor := dialEditor(t, addr, "/p/A")
	client := dialClient(t, addr)

	client.sendRequest("c1:r1", "", "build.run", nil, 0)
	cmd := editor.nextCommand(time.Second)
	if cmd == nil {
		t.Fatal("editor received no COMMAND")
	}
	editor.replyError(cmd.ID, protocol.CodeInternalError, "compile failed")
	resp := client.recvResponse(time.Second)
	if resp.Success || resp.Error == nil || resp.Error.Code != protocol.CodeInternalError {
		t.Fatalf("expected relayed editor error, got %+v", resp)
	}

	// Same id again: errors are not cached, so the editor sees it again.
	client.sendRequest("c1:r1", "", "build.run", nil, 0)
	cmd = editor.nextCommand(time.Second)
	if cmd == nil {
		t.Fatal("retry after error did not reach the editor")
	}
	editor.reply(cmd.ID, json.RawMessage(`{"ok":true}`))
	resp = client.recvResponse(time.Second)
	if !resp.Success {
		t.Fatalf("retry failed: %+v", resp)
	}
}

func TestRelay_ReloadResume(t *testing.T) {
	r := startRelay(t)
	addr := r.Addr().String()

	editor := dialEditor(t, addr, "/p/A")
	client := dialClient(t, addr)

	client.sendRequest("c1:r2", "", "scene.list", nil, 0)
	cmd := editor.nextCommand(time.Second)
	if cmd == nil {
		t.Fatal("editor received no COMMAND")
	}

	editor.sendStatus(protocol.StatusReloading, "domain reload")
	time.Sleep(50 * time.Millisecond)
	editor.close()
	time.Sleep(50 * time.Millisecond)

	revived := dialEditor(t, addr, "/p/A")
	cmd = revived.nextCommand(time.Second)
	if cmd == nil {
		t.Fatal("held request not re-forwarded after resume")
	}
	if cmd.ID != "c1:r2" {
		t.Fatalf("re-forwarded id %q, want c1:r2", cmd.ID)
	}

	revived.reply(cmd.ID, json.RawMessage(`{"scenes":["Main.unity"]}`))
	resp := client.recvResponse(time.Second)
	if !resp.Success || string(resp.Data) != `{"scenes":["Main.unity"]}` {
		t.Fatalf("held request did not complete: %+v", resp)
	}
}

func TestRelay_ReloadGraceExpiry(t *testing.T) {
	r := startRelay(t, WithReloadGrace(150*time.Millisecond))
	addr := r.Addr().String()

	editor := dialEditor(t, addr, "/p/A")
	client := dialClient(t, addr)

	client.sendRequest("c1:r1", "", "scene.list", nil, 0)
	if editor.nextCommand(time.Second) == nil {
		t.Fatal("editor received no COMMAND")
	}

	editor.sendStatus(protocol.StatusReloading, "")
	time.Sleep(20 * time.Millisecond)
	editor.close()

	resp := client.recvResponse(time.Second)
	if resp.Success || resp.Error == nil || resp.Error.Code != protocol.CodeInstanceDisconnected {
		t.Fatalf("expected INSTANCE_DISCONNECTED after grace expiry, got %+v", resp)
	}
}

func TestRelay_BusyRejectionQueueDisabled(t *testing.T) {
	r := startRelay(t)
	addr := r.Addr().String()

	editor := dialEditor(t, addr, "/p/A")
	c1 := dialClient(t, addr)
	c2 := dialClient(t, addr)

	c1.sendRequest("c1:r1", "", "sleep", json.RawMessage(`{"ms":500}`), 0)
	cmd := editor.nextCommand(time.Second)
	if cmd == nil {
		t.Fatal("editor received no COMMAND")
	}

	c2.sendRequest("c2:r1", "", "echo", nil, 0)
	resp := c2.recvResponse(time.Second)
	if resp.Success || resp.Error == nil || resp.Error.Code != protocol.CodeInstanceBusy {
		t.Fatalf("expected INSTANCE_BUSY, got %+v", resp)
	}
	if !resp.Error.Code.Retryable() {
		t.Fatal("INSTANCE_BUSY must be retryable")
	}

	editor.reply(cmd.ID, json.RawMessage(`{"slept":true}`))
	first := c1.recvResponse(time.Second)
	if !first.Success {
		t.Fatalf("long-running request failed: %+v", first)
	}
}

func TestRelay_QueueEnabled(t *testing.T) {
	r := startRelay(t, WithQueue(true, 1))
	addr := r.Addr().String()

	editor := dialEditor(t, addr, "/p/A")
	c1 := dialClient(t, addr)
	c2 := dialClient(t, addr)
	c3 := dialClient(t, addr)

	c1.sendRequest("c1:r1", "", "sleep", nil, 0)
	cmd := editor.nextCommand(time.Second)
	if cmd == nil {
		t.Fatal("editor received no COMMAND")
	}

	// Fills the single queue slot.
	c2.sendRequest("c2:r1", "", "echo", json.RawMessage(`{"n":2}`), 0)
	time.Sleep(50 * time.Millisecond)

	c3.sendRequest("c3:r1", "", "echo", nil, 0)
	resp := c3.recvResponse(time.Second)
	if resp.Error == nil || resp.Error.Code != protocol.CodeQueueFull {
		t.Fatalf("expected QUEUE_FULL, got %+v", resp)
	}

	editor.reply("c1:r1", json.RawMessage(`{"ok":1}`))
	if resp := c1.recvResponse(time.Second); !resp.Success {
		t.Fatalf("first request failed: %+v", resp)
	}

	queuedCmd := editor.nextCommand(time.Second)
	if queuedCmd == nil || queuedCmd.ID != "c2:r1" {
		t.Fatalf("queued request not drained in order: %+v", queuedCmd)
	}
	editor.reply(queuedCmd.ID, json.RawMessage(`{"n":2}`))
	second := c2.recvResponse(time.Second)
	if !second.Success || string(second.Data) != `{"n":2}` {
		t.Fatalf("queued request failed: %+v", second)
	}
}

func TestRelay_LivenessLoss(t *testing.T) {
	r := startRelay(t, WithHeartbeat(50*time.Millisecond, 3))
	addr := r.Addr().String()

	editor := dialEditor(t, addr, "/p/A")
	client := dialClient(t, addr)

	client.sendRequest("c1:r1", "", "sleep", nil, 0)
	if editor.nextCommand(time.Second) == nil {
		t.Fatal("editor received no COMMAND")
	}

	editor.silent.Store(true)

	resp := client.recvResponse(2 * time.Second)
	if resp.Error == nil || resp.Error.Code != protocol.CodeInstanceDisconnected {
		t.Fatalf("expected INSTANCE_DISCONNECTED after probe loss, got %+v", resp)
	}

	lister := dialClient(t, addr)
	lister.send(&protocol.ListInstances{Type: protocol.TypeListInstances})
	raw := lister.recv(time.Second)
	var list protocol.Instances
	if err := json.Unmarshal(raw, &list); err != nil {
		t.Fatalf("unreadable INSTANCES: %v", err)
	}
	if len(list.Instances) != 0 {
		t.Fatalf("lost instance still listed: %+v", list.Instances)
	}
}

func TestRelay_TimeoutAndLateResult(t *testing.T) {
	r := startRelay(t)
	addr := r.Addr().String()

	editor := dialEditor(t, addr, "/p/A")
	client := dialClient(t, addr)

	client.sendRequest("c1:r1", "", "bake.lighting", nil, 100)
	cmd := editor.nextCommand(time.Second)
	if cmd == nil {
		t.Fatal("editor received no COMMAND")
	}

	resp := client.recvResponse(time.Second)
	if resp.Error == nil || resp.Error.Code != protocol.CodeTimeout {
		t.Fatalf("expected TIMEOUT, got %+v", resp)
	}

	// The editor is still working; the instance stays busy.
	c2 := dialClient(t, addr)
	c2.sendRequest("c2:r1", "", "echo", nil, 0)
	busy := c2.recvResponse(time.Second)
	if busy.Error == nil || busy.Error.Code != protocol.CodeInstanceBusy {
		t.Fatalf("expected INSTANCE_BUSY while late work runs, got %+v", busy)
	}

	// The late result is discarded but frees the instance.
	editor.reply(cmd.ID, json.RawMessage(`{"baked":true}`))
	time.Sleep(50 * time.Millisecond)

	c2.sendRequest("c2:r2", "", "echo", json.RawMessage(`{"v":2}`), 0)
	next := editor.nextCommand(time.Second)
	if next == nil {
		t.Fatal("instance not freed by late result")
	}
	editor.reply(next.ID, json.RawMessage(`{"v":2}`))
	if resp := c2.recvResponse(time.Second); !resp.Success {
		t.Fatalf("request after late result failed: %+v", resp)
	}
}

func TestRelay_ListAndSetDefault(t *testing.T) {
	r := startRelay(t)
	addr := r.Addr().String()

	editorB := dialEditor(t, addr, "/p/B")
	editorA := dialEditor(t, addr, "/p/A", "echo")

	client := dialClient(t, addr)
	client.send(&protocol.ListInstances{Type: protocol.TypeListInstances})
	var list protocol.Instances
	if err := json.Unmarshal(client.recv(time.Second), &list); err != nil {
		t.Fatalf("unreadable INSTANCES: %v", err)
	}
	if len(list.Instances) != 2 {
		t.Fatalf("expected 2 instances, got %d", len(list.Instances))
	}
	if list.Instances[0].ID != "/p/A" || !list.Instances[0].IsDefault {
		t.Fatalf("lexicographic default wrong: %+v", list.Instances)
	}
	if got := list.Instances[0].Capabilities; len(got) != 1 || got[0] != "echo" {
		t.Fatalf("capabilities not surfaced: %v", got)
	}

	client.send(&protocol.SetDefault{Type: protocol.TypeSetDefault, InstanceID: "/p/B"})
	var ack protocol.Ack
	if err := json.Unmarshal(client.recv(time.Second), &ack); err != nil || ack.Type != protocol.TypeAck {
		t.Fatalf("expected ACK, got %s", ack.Type)
	}

	// An untargeted request now routes to the pinned default.
	client.sendRequest("c1:r1", "", "echo", nil, 0)
	cmd := editorB.nextCommand(time.Second)
	if cmd == nil {
		t.Fatal("request did not reach the pinned default")
	}
	editorB.reply(cmd.ID, nil)
	if resp := client.recvResponse(time.Second); !resp.Success {
		t.Fatalf("request via pinned default failed: %+v", resp)
	}
	if stray := editorA.nextCommand(100 * time.Millisecond); stray != nil {
		t.Fatalf("request routed to non-default instance: %+v", stray)
	}

	client.send(&protocol.SetDefault{Type: protocol.TypeSetDefault, InstanceID: "/p/missing"})
	var errMsg protocol.ErrorMessage
	if err := json.Unmarshal(client.recv(time.Second), &errMsg); err != nil {
		t.Fatalf("unreadable ERROR: %v", err)
	}
	if errMsg.Code != protocol.CodeInstanceNotFound {
		t.Fatalf("expected INSTANCE_NOT_FOUND, got %+v", errMsg)
	}
}

func TestRelay_TakeoverDisplaces(t *testing.T) {
	r := startRelay(t)
	addr := r.Addr().String()

	first := dialEditor(t, addr, "/p/A")
	client := dialClient(t, addr)

	client.sendRequest("c1:r1", "", "sleep", nil, 0)
	if first.nextCommand(time.Second) == nil {
		t.Fatal("editor received no COMMAND")
	}

	second := dialEditor(t, addr, "/p/A")

	select {
	case <-first.closed:
	case <-time.After(time.Second):
		t.Fatal("displaced connection not closed")
	}

	resp := client.recvResponse(time.Second)
	if resp.Error == nil || resp.Error.Code != protocol.CodeInstanceDisconnected {
		t.Fatalf("displaced in-flight must fail, got %+v", resp)
	}

	client.sendRequest("c1:r2", "", "echo", nil, 0)
	cmd := second.nextCommand(time.Second)
	if cmd == nil {
		t.Fatal("request after takeover not routed to new connection")
	}
	second.reply(cmd.ID, nil)
	if resp := client.recvResponse(time.Second); !resp.Success {
		t.Fatalf("request after takeover failed: %+v", resp)
	}
}

func TestRelay_UnknownInstance(t *testing.T) {
	r := startRelay(t)
	client := dialClient(t, r.Addr().String())

	client.sendRequest("c1:r1", "/p/ghost", "echo", nil, 0)
	resp := client.recvResponse(time.Second)
	if resp.Error == nil || resp.Error.Code != protocol.CodeInstanceNotFound {
		t.Fatalf("expected INSTANCE_NOT_FOUND, got %+v", resp)
	}
}

func TestRelay_CapabilityGate(t *testing.T) {
	r := startRelay(t)
	addr := r.Addr().String()
	dialEditor(t, addr, "/p/A", "echo", "project.info")

	client := dialClient(t, addr)
	client.sendRequest("c1:r1", "", "assets.import", nil, 0)
	resp := client.recvResponse(time.Second)
	if resp.Error == nil || resp.Error.Code != protocol.CodeCapabilityNotSupported {
		t.Fatalf("expected CAPABILITY_NOT_SUPPORTED, got %+v", resp)
	}
}

func TestRelay_ProtocolVersionMismatch(t *testing.T) {
	r := startRelay(t)
	conn, err := net.Dial("tcp", r.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	codec := protocol.NewCodec(conn)
	defer codec.Close()

	codec.Send(&protocol.Register{
		Type:            protocol.TypeRegister,
		ProtocolVersion: "0.9",
		InstanceID:      "/p/A",
		TS:              protocol.NowMillis(),
	})

	codec.SetReadDeadline(time.Now().Add(time.Second))
	raw, err := codec.Receive()
	if err != nil {
		t.Fatalf("no REGISTERED reply: %v", err)
	}
	var reg protocol.Registered
	if err := json.Unmarshal(raw, &reg); err != nil {
		t.Fatalf("unreadable REGISTERED: %v", err)
	}
	if reg.Success || reg.Error == nil || reg.Error.Code != protocol.CodeProtocolVersionMismatch {
		t.Fatalf("expected version rejection, got %+v", reg)
	}
	if _, err := codec.Receive(); err == nil {
		t.Fatal("connection must close after version rejection")
	}
}

func TestRelay_BadFirstFrame(t *testing.T) {
	r := startRelay(t)
	conn, err := net.Dial("tcp", r.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	codec := protocol.NewCodec(conn)
	defer codec.Close()

	codec.Send(&protocol.Pong{Type: protocol.TypePong, TS: protocol.NowMillis()})

	codec.SetReadDeadline(time.Now().Add(time.Second))
	raw, err := codec.Receive()
	if err != nil {
		t.Fatalf("no ERROR reply: %v", err)
	}
	var errMsg protocol.ErrorMessage
	if err := json.Unmarshal(raw, &errMsg); err != nil {
		t.Fatalf("unreadable ERROR: %v", err)
	}
	if errMsg.Type != protocol.TypeError || errMsg.Code != protocol.CodeProtocolError {
		t.Fatalf("expected PROTOCOL_ERROR, got %+v", errMsg)
	}
	if _, err := codec.Receive(); err == nil {
		t.Fatal("connection must close after bad first frame")
	}
}

func TestRelay_InvalidParams(t *testing.T) {
	r := startRelay(t)
	addr := r.Addr().String()
	dialEditor(t, addr, "/p/A")

	client := dialClient(t, addr)
	client.sendRequest("c1:r1", "", "", nil, 0)
	resp := client.recvResponse(time.Second)
	if resp.Error == nil || resp.Error.Code != protocol.CodeInvalidParams {
		t.Fatalf("expected INVALID_PARAMS for empty command, got %+v", resp)
	}
}
