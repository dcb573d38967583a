package sla

import (
	"context"
	"encoding/json"
	"path/filepath"

	"github.com/ddk-dev/ddk/internal/dderr"
	"github.com/ddk-dev/ddk/internal/domain"
	"github.com/ddk-dev/ddk/internal/plugin"
	"github.com/ddk-dev/ddk/internal/store"
	"github.com/ddk-dev/ddk/internal/webapi"
)

// Analyzer is the solution layer analyzer plugin.
type Analyzer struct {
	runtime *plugin.Context
	stores  *store.Manager
	indexer *Indexer
	engine  *Engine
	differ  *Differ
}

// NewPlugin is the entry-point symbol the worker resolves.
func NewPlugin() plugin.Plugin { return &Analyzer{} }

// Manifest describes the bundled analyzer for builtin registration.
func Manifest() domain.Manifest {
	return domain.Manifest{
		ID:          "sla",
		Name:        "Solution Layer Analyzer",
		Version:     "1.0.0",
		Description: "Indexes solution component layers and answers filter queries and diffs over them.",
		Backend: domain.ManifestBackend{
			Assembly: plugin.BuiltinScheme + "sla",
		},
	}
}

func (a *Analyzer) PluginID() string { return "sla" }
func (a *Analyzer) Name() string     { return "Solution Layer Analyzer" }
func (a *Analyzer) Version() string  { return "1.0.0" }

// Initialize roots the index databases under the instance's storage
// directory.
func (a *Analyzer) Initialize(ctx *plugin.Context) error {
	a.runtime = ctx
	a.stores = store.NewManager(filepath.Join(ctx.StoragePath, "index"))
	a.indexer = NewIndexer(a.stores, ctx, ctx.Log)
	a.engine = NewEngine(a.stores, ctx.Log)
	a.differ = NewDiffer(a.stores, ctx.Log)
	return nil
}

func (a *Analyzer) GetCommands() []domain.Command {
	return []domain.Command{
		{Name: "StartIndex", Label: "Start Index", Description: "Build the layer index for a set of solutions."},
		{Name: "CancelIndex", Label: "Cancel Index", Description: "Abort the running index operation."},
		{Name: "GetIndexMetadata", Label: "Index Metadata", Description: "Report what the current index covers."},
		{Name: "ClearIndex", Label: "Clear Index", Description: "Drop the indexed data, keeping operation history."},
		{Name: "Query", Label: "Query", Description: "Evaluate a filter over the indexed components."},
		{Name: "Diff", Label: "Diff", Description: "Compare one component's attributes between two solutions."},
	}
}

func (a *Analyzer) Execute(ctx context.Context, command string, payload []byte) ([]byte, error) {
	switch command {
	case "StartIndex":
		return a.startIndex(ctx, payload)
	case "CancelIndex":
		return a.cancelIndex(payload)
	case "GetIndexMetadata":
		return a.indexMetadata(ctx, payload)
	case "ClearIndex":
		return a.clearIndex(ctx, payload)
	case "Query":
		return a.query(ctx, payload)
	case "Diff":
		return a.diff(ctx, payload)
	default:
		return nil, dderr.Newf(dderr.KindCommandUnknown, "unknown command %s", command)
	}
}

func (a *Analyzer) Dispose() error {
	if a.stores != nil {
		return a.stores.Close()
	}
	return nil
}

type connectionRequest struct {
	ConnectionID string `json:"connectionId"`
}

func (a *Analyzer) startIndex(ctx context.Context, payload []byte) ([]byte, error) {
	var params domain.IndexParams
	if err := json.Unmarshal(payload, &params); err != nil {
		return nil, dderr.Wrap(dderr.KindInvalidRequest, "decode StartIndex payload", err)
	}
	// Fail fast on an unusable connection before recording an operation.
	if _, err := a.runtime.Clients.GetServiceClient(ctx, params.ConnectionID); err != nil {
		return nil, err
	}
	opID, err := a.indexer.StartIndex(ctx, a.runtime.Clients, params)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"operationId": opID, "started": true})
}

func (a *Analyzer) cancelIndex(payload []byte) ([]byte, error) {
	var req connectionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, dderr.Wrap(dderr.KindInvalidRequest, "decode CancelIndex payload", err)
	}
	a.indexer.Cancel(req.ConnectionID)
	return json.Marshal(map[string]any{"cancelled": true})
}

func (a *Analyzer) indexMetadata(ctx context.Context, payload []byte) ([]byte, error) {
	var req connectionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, dderr.Wrap(dderr.KindInvalidRequest, "decode GetIndexMetadata payload", err)
	}
	st, err := a.stores.Get(req.ConnectionID)
	if err != nil {
		return nil, err
	}
	meta, err := st.Metadata(ctx)
	if err != nil {
		return nil, err
	}
	meta.DroppedEvents = a.runtime.DroppedEvents()
	return json.Marshal(meta)
}

func (a *Analyzer) clearIndex(ctx context.Context, payload []byte) ([]byte, error) {
	var req connectionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, dderr.Wrap(dderr.KindInvalidRequest, "decode ClearIndex payload", err)
	}
	st, err := a.stores.Get(req.ConnectionID)
	if err != nil {
		return nil, err
	}
	lock := a.stores.WriterLock(req.ConnectionID)
	lock.Lock()
	defer lock.Unlock()
	if err := st.Clear(ctx); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"cleared": true})
}

func (a *Analyzer) query(ctx context.Context, payload []byte) ([]byte, error) {
	var req domain.QueryRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, dderr.Wrap(dderr.KindInvalidRequest, "decode Query payload", err)
	}

	if !req.UseEventResponse {
		result, err := a.engine.Query(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(result)
	}

	// Event form: acknowledge now, deliver the result (or the failure)
	// as a query-result event carrying the caller's queryId.
	go func() {
		result, err := a.engine.Query(context.WithoutCancel(ctx), req)
		if err != nil {
			result = domain.QueryResult{QueryID: req.QueryID, ErrorMessage: err.Error()}
		}
		data, _ := json.Marshal(result)
		a.runtime.EmitEvent(domain.EventQueryResult, data, map[string]string{"queryId": req.QueryID})
	}()
	return json.Marshal(domain.QueryAck{QueryID: req.QueryID, Started: true})
}

func (a *Analyzer) diff(ctx context.Context, payload []byte) ([]byte, error) {
	var req domain.DiffRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, dderr.Wrap(dderr.KindInvalidRequest, "decode Diff payload", err)
	}
	client, err := a.serviceClient(ctx, req.ConnectionID)
	if err != nil {
		return nil, err
	}
	result, err := a.differ.Diff(ctx, client, req)
	if err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

// serviceClient fetches a client for lazy payload loads. The diff can
// run entirely from the index, so an unavailable client is tolerated.
func (a *Analyzer) serviceClient(ctx context.Context, connectionID string) (*webapi.Client, error) {
	client, err := a.runtime.Clients.GetServiceClient(ctx, connectionID)
	if err != nil {
		if dderr.HasKind(err, dderr.KindEnvironmentNotRegistered) {
			return nil, nil
		}
		return nil, err
	}
	return client, nil
}
