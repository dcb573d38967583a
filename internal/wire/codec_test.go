package wire

import (
	"encoding/json"
	"errors"
	"net"
	"testing"

	"github.com/ddk-dev/ddk/internal/dderr"
)

func TestCodec_SendReceive(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sendCodec := NewCodec(client)
	recvCodec := NewCodec(server)

	sent := &Envelope{Type: MsgTypeGetCommands, ID: "req-1"}

	errCh := make(chan error, 1)
	go func() {
		errCh <- sendCodec.Send(sent)
	}()

	received, err := recvCodec.Receive()
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if received.Type != MsgTypeGetCommands {
		t.Fatalf("expected MsgTypeGetCommands, got %d", received.Type)
	}
	if received.ID != "req-1" {
		t.Fatalf("expected id 'req-1', got %q", received.ID)
	}
}

func TestCodec_ExecutePayload(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sendCodec := NewCodec(client)
	recvCodec := NewCodec(server)

	payload, _ := json.Marshal(ExecuteRequest{
		Command:       "startIndex",
		Payload:       []byte(`{"sourceSolutions":["Core"]}`),
		CorrelationID: "corr-123",
	})
	sent := &Envelope{Type: MsgTypeExecute, ID: "req-2", Payload: payload}

	errCh := make(chan error, 1)
	go func() {
		errCh <- sendCodec.Send(sent)
	}()

	received, err := recvCodec.Receive()
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	var req ExecuteRequest
	if err := json.Unmarshal(received.Payload, &req); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if req.Command != "startIndex" {
		t.Fatalf("expected command 'startIndex', got %q", req.Command)
	}
	if req.CorrelationID != "corr-123" {
		t.Fatalf("expected correlation 'corr-123', got %q", req.CorrelationID)
	}
	if string(req.Payload) != `{"sourceSolutions":["Core"]}` {
		t.Fatalf("unexpected payload: %s", req.Payload)
	}
}

func TestCodec_RejectsOversizedFrame(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		// Hand-write a frame header claiming 16 MiB.
		client.Write([]byte{0x01, 0x00, 0x00, 0x00})
	}()

	_, err := NewCodec(server).Receive()
	if err == nil {
		t.Fatal("expected error for oversized frame")
	}
}

func TestResponse_RoundTripsErrorKind(t *testing.T) {
	env := ErrResponse("req-3", dderr.New(dderr.KindAuthRequired, "no valid token"))

	err := DecodeResponse(env, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !dderr.HasKind(err, dderr.KindAuthRequired) {
		t.Fatalf("expected AuthRequired, got %v", err)
	}
}

func TestResponse_DecodesData(t *testing.T) {
	env, err := OKResponse("req-4", InitializeResult{PluginName: "sla", PluginVersion: "1.2.0"})
	if err != nil {
		t.Fatalf("OKResponse: %v", err)
	}

	var out InitializeResult
	if err := DecodeResponse(env, &out); err != nil {
		t.Fatalf("DecodeResponse: %v", err)
	}
	if out.PluginName != "sla" || out.PluginVersion != "1.2.0" {
		t.Fatalf("unexpected result: %+v", out)
	}
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("vsock:51002")
	if err != nil {
		t.Fatalf("ParseEndpoint: %v", err)
	}
	if ep.Family != FamilyVsock || ep.Port != 51002 {
		t.Fatalf("unexpected endpoint: %+v", ep)
	}

	ep, err = ParseEndpoint("/tmp/ddk-1-sla.sock")
	if err != nil {
		t.Fatalf("ParseEndpoint: %v", err)
	}
	if ep.Family != FamilyUDS || ep.Path != "/tmp/ddk-1-sla.sock" {
		t.Fatalf("unexpected endpoint: %+v", ep)
	}

	if _, err := ParseEndpoint(""); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestIsBrokenConn(t *testing.T) {
	if IsBrokenConn(nil) {
		t.Fatal("nil is not broken")
	}
	if IsBrokenConn(errors.New("boom")) {
		t.Fatal("arbitrary errors are not broken conns")
	}
}
