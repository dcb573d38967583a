package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ddk-dev/ddk/internal/dderr"
	"github.com/ddk-dev/ddk/internal/domain"
	"github.com/ddk-dev/ddk/internal/plugin"
	"github.com/ddk-dev/ddk/internal/wire"
)

type fakePlugin struct {
	pctx     *plugin.Context
	disposed bool
}

func (f *fakePlugin) PluginID() string { return "test-plugin" }
func (f *fakePlugin) Name() string     { return "Test Plugin" }
func (f *fakePlugin) Version() string  { return "1.0.0" }

func (f *fakePlugin) Initialize(ctx *plugin.Context) error {
	f.pctx = ctx
	return nil
}

func (f *fakePlugin) GetCommands() []domain.Command {
	return []domain.Command{{Name: "ping", Label: "Ping"}, {Name: "emit", Label: "Emit"}}
}

func (f *fakePlugin) Execute(_ context.Context, command string, payload []byte) ([]byte, error) {
	switch command {
	case "ping":
		return []byte(`"pong"`), nil
	case "emit":
		for i := 0; i < 3; i++ {
			f.pctx.EmitEvent("test:tick", []byte(fmt.Sprintf("%d", i)), nil)
		}
		return []byte(`"done"`), nil
	case "boom":
		panic("kaboom")
	default:
		return nil, dderr.Newf(dderr.KindCommandUnknown, "no command %s", command)
	}
}

func (f *fakePlugin) Dispose() error {
	f.disposed = true
	return nil
}

type testHarness struct {
	worker *Worker
	plug   *fakePlugin
	done   chan error
}

func startWorker(t *testing.T, pluginID string) *testHarness {
	t.Helper()
	plug := &fakePlugin{}
	w := New(Options{
		PluginID: pluginID,
		Assembly: "unused.so",
		Loader: func(string, string) (plugin.Plugin, error) {
			return plug, nil
		},
	})
	h := &testHarness{worker: w, plug: plug, done: make(chan error, 1)}
	go func() { h.done <- w.Run() }()
	t.Cleanup(func() {
		w.Stop()
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
		}
	})

	// Wait for the endpoint to accept.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		conn, err := wire.Dial(w.Endpoint(), 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return h
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("worker never became reachable")
	return nil
}

func dialWorker(t *testing.T, w *Worker) *wire.Codec {
	t.Helper()
	conn, err := wire.Dial(w.Endpoint(), time.Second)
	if err != nil {
		t.Fatalf("dial worker: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return wire.NewCodec(conn)
}

func call(t *testing.T, codec *wire.Codec, msgType int, payload any, out any) error {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		raw = b
	}
	if err := codec.Send(&wire.Envelope{Type: msgType, ID: uuid.NewString(), Payload: raw}); err != nil {
		t.Fatalf("send: %v", err)
	}
	env, err := codec.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	return wire.DecodeResponse(env, out)
}

func initRequest(t *testing.T) wire.InitializeRequest {
	return wire.InitializeRequest{
		PluginID:            "test-plugin",
		StoragePath:         filepath.Join(t.TempDir(), "storage"),
		TokenCallbackSocket: filepath.Join(t.TempDir(), "token.sock"),
		ActiveConnectionID:  "c1",
		ActiveConnectionURL: "https://env.example.test",
		Config:              map[string]string{"seed": "value"},
	}
}

func TestInitialize_OnceThenAlreadyInitialized(t *testing.T) {
	h := startWorker(t, "init-test")
	codec := dialWorker(t, h.worker)

	var result wire.InitializeResult
	if err := call(t, codec, wire.MsgTypeInitialize, initRequest(t), &result); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if result.PluginName != "Test Plugin" || result.PluginVersion != "1.0.0" {
		t.Fatalf("result = %+v", result)
	}

	// Seeded config is visible to the plugin.
	v, ok, err := h.plug.pctx.GetConfig("seed")
	if err != nil || !ok || v != "value" {
		t.Fatalf("seed config = (%q, %v, %v)", v, ok, err)
	}

	err = call(t, codec, wire.MsgTypeInitialize, initRequest(t), nil)
	if !dderr.HasKind(err, dderr.KindAlreadyInitialized) {
		t.Fatalf("second Initialize = %v, want AlreadyInitialized", err)
	}
}

func TestInitialize_ClientFactoryIsPooledAndBound(t *testing.T) {
	h := startWorker(t, "factory-test")
	codec := dialWorker(t, h.worker)
	if err := call(t, codec, wire.MsgTypeInitialize, initRequest(t), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	clients := h.plug.pctx.Clients
	ctx := context.Background()

	if _, err := clients.GetServiceClient(ctx, "someone-else"); !dderr.HasKind(err, dderr.KindEnvironmentNotRegistered) {
		t.Fatalf("foreign connection = %v, want EnvironmentNotRegistered", err)
	}
	if _, _, err := clients.AcquireClient(ctx, "someone-else"); !dderr.HasKind(err, dderr.KindEnvironmentNotRegistered) {
		t.Fatalf("foreign lease = %v, want EnvironmentNotRegistered", err)
	}

	// The empty id resolves to the bound connection.
	if _, err := clients.GetServiceClient(ctx, ""); err != nil {
		t.Fatalf("GetServiceClient: %v", err)
	}

	client, release, err := clients.AcquireClient(ctx, "c1")
	if err != nil {
		t.Fatalf("AcquireClient: %v", err)
	}
	if client == nil {
		t.Fatal("leased client is nil")
	}
	release()
	release()
}

func TestExecute_RequiresInitialize(t *testing.T) {
	h := startWorker(t, "uninit-test")
	codec := dialWorker(t, h.worker)

	err := call(t, codec, wire.MsgTypeExecute, wire.ExecuteRequest{Command: "ping"}, nil)
	if !dderr.HasKind(err, dderr.KindPluginNotLoaded) {
		t.Fatalf("err = %v, want PluginNotLoaded", err)
	}
}

func TestExecute_RoundTripAndErrors(t *testing.T) {
	h := startWorker(t, "exec-test")
	codec := dialWorker(t, h.worker)
	if err := call(t, codec, wire.MsgTypeInitialize, initRequest(t), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	var commands wire.GetCommandsResult
	if err := call(t, codec, wire.MsgTypeGetCommands, nil, &commands); err != nil {
		t.Fatalf("GetCommands: %v", err)
	}
	if len(commands.Commands) != 2 || commands.Commands[0].Name != "ping" {
		t.Fatalf("commands = %+v", commands.Commands)
	}

	var result wire.ExecuteResult
	if err := call(t, codec, wire.MsgTypeExecute, wire.ExecuteRequest{Command: "ping", CorrelationID: "corr-7"}, &result); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(result.Result) != `"pong"` || result.CorrelationID != "corr-7" {
		t.Fatalf("result = %+v", result)
	}

	err := call(t, codec, wire.MsgTypeExecute, wire.ExecuteRequest{Command: "nope"}, nil)
	if !dderr.HasKind(err, dderr.KindCommandUnknown) {
		t.Fatalf("unknown command = %v", err)
	}

	// A panicking command surfaces as CommandFailed, and the worker
	// keeps serving.
	err = call(t, codec, wire.MsgTypeExecute, wire.ExecuteRequest{Command: "boom"}, nil)
	if !dderr.HasKind(err, dderr.KindCommandFailed) {
		t.Fatalf("panic command = %v", err)
	}
	if err := call(t, codec, wire.MsgTypeExecute, wire.ExecuteRequest{Command: "ping"}, &result); err != nil {
		t.Fatalf("Execute after panic: %v", err)
	}
}

func TestSubscribe_DeliversPreSubscriptionEventsInOrder(t *testing.T) {
	h := startWorker(t, "sub-test")
	codec := dialWorker(t, h.worker)
	if err := call(t, codec, wire.MsgTypeInitialize, initRequest(t), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Emit before anyone subscribes.
	if err := call(t, codec, wire.MsgTypeExecute, wire.ExecuteRequest{Command: "emit"}, nil); err != nil {
		t.Fatalf("Execute emit: %v", err)
	}

	sub := dialWorker(t, h.worker)
	if err := call(t, sub, wire.MsgTypeSubscribe, wire.SubscribeRequest{}, nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	var got []wire.EventFrame
	deadline := time.Now().Add(3 * time.Second)
	for len(got) < 3 && time.Now().Before(deadline) {
		sub.Conn().SetReadDeadline(time.Now().Add(time.Second))
		env, err := sub.Receive()
		if err != nil {
			t.Fatalf("receive event: %v", err)
		}
		if env.Type != wire.MsgTypeEvent {
			t.Fatalf("unexpected frame type %d", env.Type)
		}
		var frame wire.EventFrame
		if err := json.Unmarshal(env.Payload, &frame); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		got = append(got, frame)
	}

	for i, frame := range got {
		if string(frame.Payload) != fmt.Sprintf("%d", i) {
			t.Fatalf("event %d out of order: %s", i, frame.Payload)
		}
		if frame.Type != "test:tick" || frame.PluginID != "test-plugin" {
			t.Fatalf("frame = %+v", frame)
		}
	}
}

func TestSubscribe_TypeFilter(t *testing.T) {
	h := startWorker(t, "filter-test")
	codec := dialWorker(t, h.worker)
	if err := call(t, codec, wire.MsgTypeInitialize, initRequest(t), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	sub := dialWorker(t, h.worker)
	if err := call(t, sub, wire.MsgTypeSubscribe, wire.SubscribeRequest{Types: []string{"test:wanted"}}, nil); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	h.plug.pctx.EmitEvent("test:ignored", nil, nil)
	h.plug.pctx.EmitEvent("test:wanted", []byte("yes"), nil)

	sub.Conn().SetReadDeadline(time.Now().Add(2 * time.Second))
	env, err := sub.Receive()
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	var frame wire.EventFrame
	json.Unmarshal(env.Payload, &frame)
	if frame.Type != "test:wanted" {
		t.Fatalf("got filtered-out event %q", frame.Type)
	}
}

func TestShutdown_DisposesPluginAndExits(t *testing.T) {
	h := startWorker(t, "shutdown-test")
	codec := dialWorker(t, h.worker)
	if err := call(t, codec, wire.MsgTypeInitialize, initRequest(t), nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := call(t, codec, wire.MsgTypeShutdown, nil, nil); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-h.done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after Shutdown")
	}
	if !h.plug.disposed {
		t.Fatal("plugin was not disposed")
	}
}

func TestUnknownMessageType(t *testing.T) {
	h := startWorker(t, "unknown-test")
	codec := dialWorker(t, h.worker)

	err := call(t, codec, 99, nil, nil)
	if !dderr.HasKind(err, dderr.KindUnknownMethod) {
		t.Fatalf("err = %v, want UnknownMethod", err)
	}
}
