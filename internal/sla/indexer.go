package sla

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ddk-dev/ddk/internal/dderr"
	"github.com/ddk-dev/ddk/internal/domain"
	"github.com/ddk-dev/ddk/internal/metrics"
	"github.com/ddk-dev/ddk/internal/plugin"
	"github.com/ddk-dev/ddk/internal/store"
	"github.com/ddk-dev/ddk/internal/telemetry"
	"github.com/ddk-dev/ddk/internal/webapi"
)

// progressInterval coalesces progress events.
const progressInterval = 100 * time.Millisecond

// entityScopedTypes are component type codes whose rows belong to a
// table and need tableLogicalName resolved.
var entityScopedTypes = map[int]bool{
	2:  true, // attribute
	26: true, // saved query
	59: true, // chart
	60: true, // form
}

// EventEmitter is where the indexer publishes progress and
// completion. The plugin context satisfies it.
type EventEmitter interface {
	EmitEvent(evtType string, payload []byte, metadata map[string]string)
}

// Indexer builds the per-connection component index.
type Indexer struct {
	stores *store.Manager
	emit   EventEmitter
	log    zerolog.Logger
	met    *metrics.Metrics

	mu      sync.Mutex
	running map[string]context.CancelFunc // active operation per connection
}

// NewIndexer wires an indexer over the store manager.
func NewIndexer(stores *store.Manager, emit EventEmitter, log zerolog.Logger) *Indexer {
	return &Indexer{
		stores:  stores,
		emit:    emit,
		log:     log,
		met:     metrics.Global(),
		running: make(map[string]context.CancelFunc),
	}
}

// StartIndex validates parameters, records the operation, and runs
// the pipeline in the background. The returned id correlates the
// progress and completion events. Remote fetches check clients out of
// the factory's gated pool, one lease per in-flight worker.
func (ix *Indexer) StartIndex(ctx context.Context, clients plugin.ClientFactory, params domain.IndexParams) (string, error) {
	if params.ConnectionID == "" {
		return "", dderr.New(dderr.KindInvalidRequest, "connectionId is required")
	}
	if len(params.SourceSolutions) == 0 && len(params.TargetSolutions) == 0 {
		return "", dderr.New(dderr.KindInvalidRequest, "at least one source or target solution is required")
	}
	if params.MaxParallel <= 0 {
		params.MaxParallel = 8
	}
	if params.PayloadMode == "" {
		params.PayloadMode = domain.PayloadLazy
	}

	st, err := ix.stores.Get(params.ConnectionID)
	if err != nil {
		return "", dderr.Wrap(dderr.KindIndexStartFailed, "open store", err)
	}

	op := domain.IndexOperation{ID: uuid.NewString(), StartedAt: time.Now().UTC()}
	if err := st.BeginOperation(ctx, op); err != nil {
		return "", dderr.Wrap(dderr.KindIndexInProgress, "record operation", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ix.mu.Lock()
	ix.running[params.ConnectionID] = cancel
	ix.mu.Unlock()

	go func() {
		defer func() {
			ix.mu.Lock()
			delete(ix.running, params.ConnectionID)
			ix.mu.Unlock()
			cancel()
		}()
		ix.run(runCtx, st, clients, params, op)
	}()

	return op.ID, nil
}

// Cancel aborts the running operation of a connection, if any.
func (ix *Indexer) Cancel(connectionID string) {
	ix.mu.Lock()
	cancel := ix.running[connectionID]
	ix.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (ix *Indexer) run(ctx context.Context, st *store.Store, clients plugin.ClientFactory, params domain.IndexParams, op domain.IndexOperation) {
	ctx, span := telemetry.Tracer().Start(ctx, "sla.index")
	defer span.End()
	log := ix.log.With().Str("operation", op.ID).Str("connection", params.ConnectionID).Logger()
	prog := newProgressReporter(ix.emit, op.ID)

	lock := ix.stores.WriterLock(params.ConnectionID)

	stats, warnings, err := ix.pipeline(ctx, st, clients, params, prog, lock, log)

	done := time.Now().UTC()
	op.CompletedAt = &done
	op.Stats = stats
	op.Warnings = warnings
	if err != nil {
		op.Status = domain.IndexFailed
		if ctx.Err() != nil {
			op.Error = "cancelled"
		} else {
			op.Error = err.Error()
		}
		log.Warn().Err(err).Msg("index failed")
	} else {
		op.Status = domain.IndexCompleted
		log.Info().
			Int("solutions", stats.Solutions).Int("components", stats.Components).
			Int("layers", stats.Layers).Int("attributes", stats.Attributes).
			Msg("index completed")
	}
	ix.met.IndexOperations.WithLabelValues(string(op.Status)).Inc()

	// The terminal write must not be lost to the cancellation that
	// aborted the pipeline.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if ferr := st.FinishOperation(finishCtx, op); ferr != nil {
		log.Error().Err(ferr).Msg("record operation outcome")
	}

	completion := domain.IndexCompletion{
		OperationID:  op.ID,
		Success:      op.Status == domain.IndexCompleted,
		Stats:        stats,
		Warnings:     warnings,
		ErrorMessage: op.Error,
	}
	payload, _ := json.Marshal(completion)
	ix.emit.EmitEvent(domain.EventIndexComplete, payload, map[string]string{"operationId": op.ID})
}

// pipeline runs the four phases. Remote fetches fan out bounded by
// maxParallel; store writes serialize on the connection's writer lock.
func (ix *Indexer) pipeline(ctx context.Context, st *store.Store, clients plugin.ClientFactory, params domain.IndexParams, prog *progressReporter, lock *sync.Mutex, log zerolog.Logger) (domain.IndexStats, []string, error) {
	var stats domain.IndexStats
	var warnMu sync.Mutex
	var warnings []string
	warn := func(format string, args ...any) {
		warnMu.Lock()
		warnings = append(warnings, fmt.Sprintf(format, args...))
		warnMu.Unlock()
	}

	// Solutions phase.
	phaseStart := time.Now()
	solutions, err := ix.fetchSolutions(ctx, clients, params, prog)
	if err != nil {
		return stats, warnings, err
	}
	lock.Lock()
	err = st.ReplaceSolutions(ctx, solutions)
	lock.Unlock()
	if err != nil {
		return stats, warnings, err
	}
	stats.Solutions = len(solutions)
	ix.met.IndexPhaseMs.WithLabelValues(string(domain.PhaseSolutions)).Observe(float64(time.Since(phaseStart).Milliseconds()))

	// Components phase.
	phaseStart = time.Now()
	components, err := ix.fetchComponents(ctx, clients, solutions, params, prog, warn)
	if err != nil {
		return stats, warnings, err
	}
	lock.Lock()
	err = st.UpsertComponents(ctx, components)
	lock.Unlock()
	if err != nil {
		return stats, warnings, err
	}
	stats.Components = len(components)
	ix.met.IndexPhaseMs.WithLabelValues(string(domain.PhaseComponents)).Observe(float64(time.Since(phaseStart).Milliseconds()))

	// Layers phase.
	phaseStart = time.Now()
	layersByComponent, layerCount, err := ix.fetchLayers(ctx, st, clients, components, params, prog, warn, lock)
	if err != nil {
		return stats, warnings, err
	}
	stats.Layers = layerCount
	ix.met.IndexPhaseMs.WithLabelValues(string(domain.PhaseLayers)).Observe(float64(time.Since(phaseStart).Milliseconds()))

	// Attributes phase.
	phaseStart = time.Now()
	attrCount, err := ix.extractAllAttributes(ctx, st, clients, layersByComponent, params, prog, warn, lock)
	if err != nil {
		return stats, warnings, err
	}
	stats.Attributes = attrCount
	ix.met.IndexPhaseMs.WithLabelValues(string(domain.PhaseAttributes)).Observe(float64(time.Since(phaseStart).Milliseconds()))

	return stats, warnings, nil
}

func (ix *Indexer) fetchSolutions(ctx context.Context, clients plugin.ClientFactory, params domain.IndexParams, prog *progressReporter) ([]domain.Solution, error) {
	client, release, err := clients.AcquireClient(ctx, params.ConnectionID)
	if err != nil {
		return nil, err
	}
	defer release()

	remote, err := client.Solutions(ctx)
	if err != nil {
		return nil, err
	}

	source := nameSet(params.SourceSolutions)
	target := nameSet(params.TargetSolutions)

	var out []domain.Solution
	for _, r := range remote {
		isSource := source[r.UniqueName]
		isTarget := target[r.UniqueName]
		if !isSource && !isTarget {
			continue
		}
		out = append(out, domain.Solution{
			ID:           r.ID,
			UniqueName:   r.UniqueName,
			FriendlyName: r.FriendlyName,
			Publisher:    r.Publisher,
			IsManaged:    r.IsManaged,
			Version:      r.Version,
			IsSource:     isSource,
			IsTarget:     isTarget,
		})
	}
	prog.report(domain.PhaseSolutions, len(out), len(out), true)
	return out, nil
}

func (ix *Indexer) fetchComponents(ctx context.Context, clients plugin.ClientFactory, solutions []domain.Solution, params domain.IndexParams, prog *progressReporter, warn func(string, ...any)) ([]domain.Component, error) {
	var mu sync.Mutex
	byObject := make(map[string]domain.Component)
	metaCache := newMetadataCache()
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(params.MaxParallel)
	for _, sol := range solutions {
		g.Go(func() error {
			client, release, err := clients.AcquireClient(gctx, params.ConnectionID)
			if err != nil {
				return err
			}
			defer release()

			remote, err := client.Components(gctx, sol.ID, params.IncludeComponentTypes)
			if err != nil {
				return fmt.Errorf("components of %s: %w", sol.UniqueName, err)
			}
			for _, r := range remote {
				comp := domain.Component{
					ID:            r.ID,
					ComponentType: r.ComponentType,
					TypeCode:      r.TypeCode,
					ObjectID:      r.ObjectID,
				}
				if entityScopedTypes[r.TypeCode] {
					if info, err := metaCache.infoFor(gctx, client, r.ObjectID); err == nil {
						comp.TableLogicalName = info.LogicalName
						comp.LogicalName = info.LogicalName
						comp.DisplayName = info.DisplayName
					} else {
						warn("resolve table for %s: %v", r.ObjectID, err)
					}
				}
				mu.Lock()
				if _, seen := byObject[r.ObjectID]; !seen {
					byObject[r.ObjectID] = comp
				}
				mu.Unlock()
			}
			mu.Lock()
			done++
			prog.report(domain.PhaseComponents, done, len(solutions), done == len(solutions))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]domain.Component, 0, len(byObject))
	for _, c := range byObject {
		out = append(out, c)
	}
	return out, nil
}

func (ix *Indexer) fetchLayers(ctx context.Context, st *store.Store, clients plugin.ClientFactory, components []domain.Component, params domain.IndexParams, prog *progressReporter, warn func(string, ...any), lock *sync.Mutex) (map[string][]domain.Layer, int, error) {
	var mu sync.Mutex
	byComponent := make(map[string][]domain.Layer, len(components))
	total := 0
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(params.MaxParallel)
	for _, comp := range components {
		g.Go(func() error {
			client, release, err := clients.AcquireClient(gctx, params.ConnectionID)
			if err != nil {
				return err
			}
			defer release()

			remote, err := client.LayerStack(gctx, comp.TypeCode, comp.ObjectID)
			if err != nil {
				return fmt.Errorf("layers of %s: %w", comp.ObjectID, err)
			}

			layers := make([]domain.Layer, 0, len(remote))
			for i, r := range remote {
				layer := domain.Layer{
					ID:            r.ID,
					ComponentID:   comp.ID,
					Ordinal:       i,
					SolutionID:    r.SolutionID,
					SolutionName:  r.SolutionName,
					Publisher:     r.Publisher,
					IsManaged:     r.IsManaged,
					Version:       r.Version,
					CreatedOn:     r.CreatedOn,
					ComponentJSON: r.ComponentJSON,
				}
				if params.PayloadMode == domain.PayloadEager && layer.ComponentJSON == "" {
					payload, perr := client.ComponentPayload(gctx, comp.TypeCode, comp.ObjectID, r.SolutionID)
					if perr != nil {
						warn("payload for %s in %s: %v", comp.ObjectID, r.SolutionName, perr)
					} else {
						layer.ComponentJSON = payload
					}
				}
				layers = append(layers, layer)
			}

			lock.Lock()
			werr := st.ReplaceLayers(ctx, comp.ID, layers)
			lock.Unlock()
			if werr != nil {
				return werr
			}

			mu.Lock()
			byComponent[comp.ID] = layers
			total += len(layers)
			done++
			prog.report(domain.PhaseLayers, done, len(components), done == len(components))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return byComponent, total, nil
}

func (ix *Indexer) extractAllAttributes(ctx context.Context, st *store.Store, clients plugin.ClientFactory, layersByComponent map[string][]domain.Layer, params domain.IndexParams, prog *progressReporter, warn func(string, ...any), lock *sync.Mutex) (int, error) {
	var work []domain.Layer
	for _, layers := range layersByComponent {
		for _, l := range layers {
			if l.ComponentJSON != "" {
				work = append(work, l)
			}
		}
	}

	var mu sync.Mutex
	total := 0
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(params.MaxParallel)
	for _, layer := range work {
		g.Go(func() error {
			client, release, err := clients.AcquireClient(gctx, params.ConnectionID)
			if err != nil {
				return err
			}
			defer release()

			changed, err := client.ChangeRecords(gctx, layer.ID)
			if err != nil {
				warn("change records for layer %s: %v", layer.ID, err)
				changed = nil
			}

			attrs, err := extractAttributes(layer.ID, layer.ComponentJSON, changed)
			if err != nil {
				warn("parse payload of layer %s: %v", layer.ID, err)
				attrs = nil
			}

			lock.Lock()
			werr := st.ReplaceAttributes(ctx, layer.ID, attrs)
			lock.Unlock()
			if werr != nil {
				return werr
			}

			mu.Lock()
			total += len(attrs)
			done++
			prog.report(domain.PhaseAttributes, done, len(work), done == len(work))
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return total, nil
}

// metadataCache resolves entity display metadata once per run. Lookups
// reuse whichever leased client the caller already holds.
type metadataCache struct {
	mu    sync.Mutex
	cache map[string]webapi.EntityInfo
}

func newMetadataCache() *metadataCache {
	return &metadataCache{cache: make(map[string]webapi.EntityInfo)}
}

func (m *metadataCache) infoFor(ctx context.Context, client *webapi.Client, objectID string) (webapi.EntityInfo, error) {
	m.mu.Lock()
	if v, ok := m.cache[objectID]; ok {
		m.mu.Unlock()
		return v, nil
	}
	m.mu.Unlock()

	info, err := client.EntityInfo(ctx, objectID)
	if err != nil {
		return webapi.EntityInfo{}, err
	}
	m.mu.Lock()
	m.cache[objectID] = info
	m.mu.Unlock()
	return info, nil
}

// progressReporter coalesces progress events to at most one per
// interval, always letting a phase's final event through.
type progressReporter struct {
	emit        EventEmitter
	operationID string

	mu   sync.Mutex
	last time.Time
}

func newProgressReporter(emit EventEmitter, operationID string) *progressReporter {
	return &progressReporter{emit: emit, operationID: operationID}
}

func (p *progressReporter) report(phase domain.IndexPhase, current, total int, final bool) {
	p.mu.Lock()
	now := time.Now()
	if !final && now.Sub(p.last) < progressInterval {
		p.mu.Unlock()
		return
	}
	p.last = now
	p.mu.Unlock()

	percent := 100.0
	if total > 0 {
		percent = float64(current) / float64(total) * 100
	}
	payload, _ := json.Marshal(domain.IndexProgress{
		OperationID: p.operationID,
		Phase:       phase,
		Percent:     percent,
		Current:     current,
		Total:       total,
	})
	p.emit.EmitEvent(domain.EventIndexProgress, payload, map[string]string{"operationId": p.operationID})
}

func nameSet(names []string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}
