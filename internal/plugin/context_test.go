package plugin

import (
	"fmt"
	"testing"

	"github.com/ddk-dev/ddk/internal/logging"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	ctx, err := NewContext(logging.Component("test"), "p1", t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return ctx
}

func TestEvents_DeliveredInOrder(t *testing.T) {
	ctx := newTestContext(t)

	for i := 0; i < 5; i++ {
		ctx.EmitEvent("test:event", []byte(fmt.Sprintf("%d", i)), nil)
	}

	batch, cursor := ctx.EventsSince(0)
	if len(batch) != 5 {
		t.Fatalf("got %d events", len(batch))
	}
	for i, evt := range batch {
		if string(evt.Payload) != fmt.Sprintf("%d", i) {
			t.Fatalf("event %d out of order: %s", i, evt.Payload)
		}
		if evt.PluginID != "p1" {
			t.Fatalf("event missing plugin id: %+v", evt)
		}
	}

	// Nothing new yet.
	batch, cursor2 := ctx.EventsSince(cursor)
	if len(batch) != 0 || cursor2 != cursor {
		t.Fatalf("unexpected drain: %d events, cursor %d", len(batch), cursor2)
	}

	ctx.EmitEvent("test:event", []byte("5"), nil)
	batch, _ = ctx.EventsSince(cursor)
	if len(batch) != 1 || string(batch[0].Payload) != "5" {
		t.Fatalf("incremental drain wrong: %+v", batch)
	}
}

func TestEvents_EmittedBeforeFirstDrainSurvive(t *testing.T) {
	ctx := newTestContext(t)
	ctx.EmitEvent("early", nil, nil)
	ctx.EmitEvent("early", nil, nil)

	batch, _ := ctx.EventsSince(0)
	if len(batch) != 2 {
		t.Fatalf("events emitted before the first drain were lost: %d", len(batch))
	}
}

func TestEvents_BufferDropsOldestAndCounts(t *testing.T) {
	ctx := newTestContext(t)

	for i := 0; i < eventBufferCap+10; i++ {
		ctx.EmitEvent("flood", []byte(fmt.Sprintf("%d", i)), nil)
	}

	if got := ctx.DroppedEvents(); got != 10 {
		t.Fatalf("dropped = %d, want 10", got)
	}

	batch, _ := ctx.EventsSince(0)
	if len(batch) != eventBufferCap {
		t.Fatalf("retained %d events", len(batch))
	}
	// The survivors are the newest.
	if string(batch[len(batch)-1].Payload) != fmt.Sprintf("%d", eventBufferCap+9) {
		t.Fatalf("newest event lost: %s", batch[len(batch)-1].Payload)
	}
}

func TestConfig_RoundTripAndPersistence(t *testing.T) {
	ctx := newTestContext(t)

	if _, ok, err := ctx.GetConfig("missing"); err != nil || ok {
		t.Fatalf("GetConfig on empty store: ok=%v err=%v", ok, err)
	}

	if err := ctx.SetConfig("theme", "dark"); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	if err := ctx.SetConfig("theme", "light"); err != nil {
		t.Fatalf("second SetConfig: %v", err)
	}

	v, ok, err := ctx.GetConfig("theme")
	if err != nil || !ok || v != "light" {
		t.Fatalf("GetConfig = (%q, %v, %v)", v, ok, err)
	}

	// A fresh context over the same storage sees the persisted map.
	ctx2, err := NewContext(logging.Component("test"), "p1", ctx.StoragePath, nil)
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	v, ok, _ = ctx2.GetConfig("theme")
	if !ok || v != "light" {
		t.Fatalf("persisted config lost: (%q, %v)", v, ok)
	}
}
