package sla

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ddk-dev/ddk/internal/dderr"
	"github.com/ddk-dev/ddk/internal/domain"
	"github.com/ddk-dev/ddk/internal/plugin"
	"github.com/ddk-dev/ddk/internal/webapi"
)

type noClients struct{}

func (noClients) GetServiceClient(context.Context, string) (*webapi.Client, error) {
	return nil, dderr.New(dderr.KindEnvironmentNotRegistered, "no connection in test")
}

func (noClients) AcquireClient(context.Context, string) (*webapi.Client, func(), error) {
	return nil, nil, dderr.New(dderr.KindEnvironmentNotRegistered, "no connection in test")
}

func newAnalyzer(t *testing.T) (*Analyzer, *plugin.Context) {
	t.Helper()
	runtime, err := plugin.NewContext(zerolog.Nop(), "sla", t.TempDir(), noClients{})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	a := NewPlugin().(*Analyzer)
	if err := a.Initialize(runtime); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { a.Dispose() })
	return a, runtime
}

func TestAnalyzer_CommandSurface(t *testing.T) {
	a, _ := newAnalyzer(t)

	if a.PluginID() != "sla" {
		t.Fatalf("id = %q", a.PluginID())
	}
	commands := a.GetCommands()
	want := map[string]bool{
		"StartIndex": true, "CancelIndex": true, "GetIndexMetadata": true,
		"ClearIndex": true, "Query": true, "Diff": true,
	}
	for _, cmd := range commands {
		delete(want, cmd.Name)
	}
	if len(want) != 0 {
		t.Fatalf("missing commands: %v", want)
	}
}

func TestAnalyzer_UnknownCommand(t *testing.T) {
	a, _ := newAnalyzer(t)

	_, err := a.Execute(context.Background(), "Frobnicate", nil)
	if !dderr.HasKind(err, dderr.KindCommandUnknown) {
		t.Fatalf("err = %v", err)
	}
}

func TestAnalyzer_QuerySync(t *testing.T) {
	a, _ := newAnalyzer(t)

	payload, _ := json.Marshal(domain.QueryRequest{QueryID: "q1", ConnectionID: "conn"})
	data, err := a.Execute(context.Background(), "Query", payload)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var result domain.QueryResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.QueryID != "q1" || !result.Success || result.Total != 0 {
		t.Fatalf("result = %+v", result)
	}
}

func TestAnalyzer_QueryEventForm(t *testing.T) {
	a, runtime := newAnalyzer(t)

	payload, _ := json.Marshal(domain.QueryRequest{
		QueryID: "q2", ConnectionID: "conn", UseEventResponse: true,
	})
	data, err := a.Execute(context.Background(), "Query", payload)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var ack domain.QueryAck
	if err := json.Unmarshal(data, &ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if ack.QueryID != "q2" || !ack.Started {
		t.Fatalf("ack = %+v", ack)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		events, _ := runtime.EventsSince(0)
		for _, evt := range events {
			if evt.Type != domain.EventQueryResult {
				continue
			}
			var result domain.QueryResult
			if err := json.Unmarshal(evt.Payload, &result); err != nil {
				t.Fatalf("decode result: %v", err)
			}
			if result.QueryID != "q2" {
				t.Fatalf("result for %q", result.QueryID)
			}
			if evt.Metadata["queryId"] != "q2" {
				t.Fatalf("metadata = %v", evt.Metadata)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no query-result event")
}

func TestAnalyzer_MetadataAndClear(t *testing.T) {
	a, _ := newAnalyzer(t)

	payload, _ := json.Marshal(connectionRequest{ConnectionID: "conn"})
	data, err := a.Execute(context.Background(), "GetIndexMetadata", payload)
	if err != nil {
		t.Fatalf("GetIndexMetadata: %v", err)
	}
	var meta domain.IndexMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if meta.HasIndex {
		t.Fatal("empty store reports an index")
	}

	if _, err := a.Execute(context.Background(), "ClearIndex", payload); err != nil {
		t.Fatalf("ClearIndex: %v", err)
	}
}

func TestAnalyzer_MalformedPayload(t *testing.T) {
	a, _ := newAnalyzer(t)

	for _, cmd := range []string{"StartIndex", "Query", "Diff", "GetIndexMetadata", "ClearIndex", "CancelIndex"} {
		if _, err := a.Execute(context.Background(), cmd, []byte("{broken")); !dderr.HasKind(err, dderr.KindInvalidRequest) {
			t.Fatalf("%s: err = %v", cmd, err)
		}
	}
}
