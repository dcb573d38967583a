package sla

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ddk-dev/ddk/internal/dderr"
	"github.com/ddk-dev/ddk/internal/domain"
	"github.com/ddk-dev/ddk/internal/store"
	"github.com/ddk-dev/ddk/internal/webapi"
)

// diffExclusions are bookkeeping attributes of the source system that
// only add noise to a comparison.
var diffExclusions = map[string]bool{
	"solutionid":           true,
	"supportingsolutionid": true,
	"componentstate":       true,
	"overwritetime":        true,
	"versionnumber":        true,
	"importsequencenumber": true,
	"modifiedon":           true,
	"modifiedby":           true,
}

// Differ compares one component's attributes between two solutions.
type Differ struct {
	stores *store.Manager
	log    zerolog.Logger
}

// NewDiffer builds a differ over the store manager.
func NewDiffer(stores *store.Manager, log zerolog.Logger) *Differ {
	return &Differ{stores: stores, log: log}
}

// Diff resolves the left and right layers of the component and returns
// one row per attribute in either side. Missing layers produce
// warnings, not errors, so a half-present comparison still renders.
func (d *Differ) Diff(ctx context.Context, client *webapi.Client, req domain.DiffRequest) (domain.DiffResult, error) {
	if req.ComponentID == "" || req.LeftSolution == "" || req.RightSolution == "" {
		return domain.DiffResult{}, dderr.New(dderr.KindInvalidRequest, "componentId, leftSolution and rightSolution are required")
	}
	st, err := d.stores.Get(req.ConnectionID)
	if err != nil {
		return domain.DiffResult{}, err
	}

	comp, ok, err := st.Component(ctx, req.ComponentID)
	if err != nil {
		return domain.DiffResult{}, err
	}
	if !ok {
		return domain.DiffResult{}, dderr.Newf(dderr.KindComponentNotFound, "component %s is not indexed", req.ComponentID)
	}

	layers, err := st.LayersForComponent(ctx, comp.ID)
	if err != nil {
		return domain.DiffResult{}, err
	}

	var result domain.DiffResult
	left := layerForSolution(layers, req.LeftSolution)
	right := layerForSolution(layers, req.RightSolution)
	if left == nil {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("solution %s has no layer for this component", req.LeftSolution))
	}
	if right == nil {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("solution %s has no layer for this component", req.RightSolution))
	}

	leftAttrs, err := d.attributesFor(ctx, st, client, req.ConnectionID, comp, left)
	if err != nil {
		return domain.DiffResult{}, err
	}
	rightAttrs, err := d.attributesFor(ctx, st, client, req.ConnectionID, comp, right)
	if err != nil {
		return domain.DiffResult{}, err
	}

	if right != nil && !anyChanged(rightAttrs) {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("no changed attributes recorded on the %s layer", req.RightSolution))
	}

	byName := func(attrs []domain.LayerAttribute) map[string]domain.LayerAttribute {
		out := make(map[string]domain.LayerAttribute, len(attrs))
		for _, a := range attrs {
			out[a.Name] = a
		}
		return out
	}
	leftBy, rightBy := byName(leftAttrs), byName(rightAttrs)

	names := make(map[string]bool, len(leftBy)+len(rightBy))
	for name := range leftBy {
		names[name] = true
	}
	for name := range rightBy {
		names[name] = true
	}
	sorted := make([]string, 0, len(names))
	for name := range names {
		if diffExclusions[name] {
			continue
		}
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	for _, name := range sorted {
		la, inLeft := leftBy[name]
		ra, inRight := rightBy[name]
		row := domain.DiffAttribute{
			Name:        name,
			OnlyInLeft:  inLeft && !inRight,
			OnlyInRight: inRight && !inLeft,
		}
		if inLeft {
			row.LeftValue = la.FormattedValue
			row.TypeTag = la.TypeTag
			row.IsComplex = la.IsComplex
		}
		if inRight {
			row.RightValue = ra.FormattedValue
			row.TypeTag = ra.TypeTag
			row.IsComplex = ra.IsComplex || row.IsComplex
		}
		row.IsDifferent = !inLeft || !inRight || la.RawValue != ra.RawValue
		result.Attributes = append(result.Attributes, row)
	}
	return result, nil
}

// attributesFor returns the indexed attribute rows of a layer,
// fetching and caching the payload on demand when the index ran in
// lazy payload mode.
func (d *Differ) attributesFor(ctx context.Context, st *store.Store, client *webapi.Client, connectionID string, comp domain.Component, layer *domain.Layer) ([]domain.LayerAttribute, error) {
	if layer == nil {
		return nil, nil
	}
	attrs, err := st.AttributesForLayer(ctx, layer.ID)
	if err != nil {
		return nil, err
	}
	if len(attrs) > 0 {
		return attrs, nil
	}

	payload := layer.ComponentJSON
	if payload == "" {
		payload, err = d.fetchPayload(ctx, st, client, connectionID, comp, layer)
		if err != nil {
			return nil, err
		}
	}
	if payload == "" {
		return nil, nil
	}

	changed, err := d.changeRecords(ctx, client, layer)
	if err != nil {
		d.log.Warn().Err(err).Str("layer", layer.ID).Msg("change records unavailable")
	}
	attrs, err = extractAttributes(layer.ID, payload, changed)
	if err != nil {
		return nil, fmt.Errorf("parse payload of layer %s: %w", layer.ID, err)
	}

	lock := d.stores.WriterLock(connectionID)
	lock.Lock()
	werr := st.ReplaceAttributes(ctx, layer.ID, attrs)
	lock.Unlock()
	if werr != nil {
		return nil, werr
	}
	return attrs, nil
}

func (d *Differ) fetchPayload(ctx context.Context, st *store.Store, client *webapi.Client, connectionID string, comp domain.Component, layer *domain.Layer) (string, error) {
	artifact, ok, err := st.GetArtifact(ctx, comp.ID, layer.SolutionID)
	if err != nil {
		return "", err
	}
	if ok {
		return artifact.PayloadText, nil
	}
	if client == nil {
		return "", dderr.New(dderr.KindLayerNotFound, "layer payload not indexed and no connection available")
	}

	payload, err := client.ComponentPayload(ctx, comp.TypeCode, comp.ObjectID, layer.SolutionID)
	if err != nil {
		return "", fmt.Errorf("fetch payload: %w", err)
	}

	lock := d.stores.WriterLock(connectionID)
	lock.Lock()
	werr := st.PutArtifact(ctx, domain.Artifact{
		ID:          uuid.NewString(),
		ComponentID: comp.ID,
		SolutionID:  layer.SolutionID,
		PayloadType: "json",
		PayloadText: payload,
		CachedOn:    time.Now().UTC(),
	})
	lock.Unlock()
	if werr != nil {
		return "", werr
	}
	return payload, nil
}

func (d *Differ) changeRecords(ctx context.Context, client *webapi.Client, layer *domain.Layer) (map[string]bool, error) {
	if client == nil {
		return nil, nil
	}
	return client.ChangeRecords(ctx, layer.ID)
}

func layerForSolution(layers []domain.Layer, solutionName string) *domain.Layer {
	for i := range layers {
		if layers[i].SolutionName == solutionName {
			return &layers[i]
		}
	}
	return nil
}

func anyChanged(attrs []domain.LayerAttribute) bool {
	for _, a := range attrs {
		if a.IsChanged {
			return true
		}
	}
	return false
}
