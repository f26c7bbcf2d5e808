package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"
)

func TestCodec_SendReceive(t *testing.T) {
	// Create a pipe to simulate a network connection
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sendCodec := NewCodec(client)
	recvCodec := NewCodec(server)

	sent := &Ping{Type: TypePing, TS: 1234}

	errCh := make(chan error, 1)
	go func() {
		errCh <- sendCodec.Send(sent)
	}()

	raw, err := recvCodec.Receive()
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var got Ping
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != TypePing {
		t.Fatalf("expected PING, got %q", got.Type)
	}
	if got.TS != 1234 {
		t.Fatalf("expected ts 1234, got %d", got.TS)
	}
}

func TestCodec_ParamsBytesPreserved(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sendCodec := NewCodec(client)
	recvCodec := NewCodec(server)

	params := json.RawMessage(`{"v":1,"nested":{"a":[1,2,3]},"s":"text"}`)
	sent := &Request{
		Type:    TypeRequest,
		ID:      "c1:r1",
		Command: "echo",
		Params:  params,
		TS:      NowMillis(),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- sendCodec.Send(sent)
	}()

	raw, err := recvCodec.Receive()
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var got Request
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != "c1:r1" {
		t.Fatalf("expected id 'c1:r1', got %q", got.ID)
	}
	if !bytes.Equal(got.Params, params) {
		t.Fatalf("params not byte-identical: sent %s, got %s", params, got.Params)
	}
}

func TestCodec_MaxPayloadBoundary(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	// Valid JSON body of exactly MaxPayloadBytes must pass.
	overhead := len(`{"pad":""}`)
	body := []byte(`{"pad":"` + strings.Repeat("x", MaxPayloadBytes-overhead) + `"}`)
	if len(body) != MaxPayloadBytes {
		t.Fatalf("test body is %d bytes, want %d", len(body), MaxPayloadBytes)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- NewCodec(client).SendRaw(body)
	}()

	raw, err := NewCodec(server).Receive()
	if err != nil {
		t.Fatalf("Receive failed at the size limit: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send failed at the size limit: %v", err)
	}
	if len(raw) != MaxPayloadBytes {
		t.Fatalf("expected %d bytes, got %d", MaxPayloadBytes, len(raw))
	}
}

func TestCodec_OversizeSendRejected(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	body := make([]byte, MaxPayloadBytes+1)
	err := NewCodec(client).SendRaw(body)

	var fe *FrameError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FrameError, got %v", err)
	}
	if fe.Code != CodePayloadTooLarge {
		t.Fatalf("expected PAYLOAD_TOO_LARGE, got %s", fe.Code)
	}
}

func TestCodec_OversizeHeaderRejected(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		var hdr [4]byte
		binary.BigEndian.PutUint32(hdr[:], MaxPayloadBytes+1)
		client.Write(hdr[:])
	}()

	_, err := NewCodec(server).Receive()
	var fe *FrameError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FrameError, got %v", err)
	}
	if fe.Code != CodePayloadTooLarge {
		t.Fatalf("expected PAYLOAD_TOO_LARGE, got %s", fe.Code)
	}
}

func TestCodec_ZeroLengthHeader(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		client.Write([]byte{0, 0, 0, 0})
	}()

	_, err := NewCodec(server).Receive()
	var fe *FrameError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FrameError, got %v", err)
	}
	if fe.Code != CodeProtocolError {
		t.Fatalf("expected PROTOCOL_ERROR, got %s", fe.Code)
	}
}

func TestCodec_MalformedJSON(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		payload := []byte(`{"type":`)
		buf := make([]byte, 4+len(payload))
		binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
		copy(buf[4:], payload)
		client.Write(buf)
	}()

	_, err := NewCodec(server).Receive()
	var fe *FrameError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FrameError, got %v", err)
	}
	if fe.Code != CodeMalformedJSON {
		t.Fatalf("expected MALFORMED_JSON, got %s", fe.Code)
	}
}
