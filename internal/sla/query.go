package sla

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"

	"github.com/ddk-dev/ddk/internal/dderr"
	"github.com/ddk-dev/ddk/internal/domain"
	"github.com/ddk-dev/ddk/internal/metrics"
	"github.com/ddk-dev/ddk/internal/store"
	"github.com/ddk-dev/ddk/internal/telemetry"
)

// Engine evaluates filter queries over the indexed store. The filter
// splits into a pushdown fragment translated to SQL over the component
// table and a residual fragment evaluated in memory per row.
type Engine struct {
	stores *store.Manager
	log    zerolog.Logger
	met    *metrics.Metrics
}

// NewEngine builds a query engine over the store manager.
func NewEngine(stores *store.Manager, log zerolog.Logger) *Engine {
	return &Engine{stores: stores, log: log, met: metrics.Global()}
}

// Query runs one request synchronously.
func (e *Engine) Query(ctx context.Context, req domain.QueryRequest) (domain.QueryResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "sla.query")
	defer span.End()
	totalStart := time.Now()

	if err := req.Filter.Validate(); err != nil {
		return domain.QueryResult{}, dderr.Wrap(dderr.KindInvalidRequest, "invalid filter", err)
	}
	st, err := e.stores.Get(req.ConnectionID)
	if err != nil {
		return domain.QueryResult{}, err
	}

	plan := splitFilter(req.Filter)

	sqlStart := time.Now()
	comps, err := e.fetchComponents(ctx, st, plan.pushdown)
	if err != nil {
		return domain.QueryResult{}, err
	}
	sqlMs := time.Since(sqlStart).Milliseconds()

	preStart := time.Now()
	layersBy, err := fetchLayerStacks(ctx, st, comps)
	if err != nil {
		return domain.QueryResult{}, err
	}
	var solutionsByName map[string]domain.Solution
	if plan.residual != nil && filterTouchesSolutions(plan.residual) {
		sols, err := st.Solutions(ctx)
		if err != nil {
			return domain.QueryResult{}, err
		}
		solutionsByName = make(map[string]domain.Solution, len(sols))
		for _, s := range sols {
			solutionsByName[s.UniqueName] = s
		}
	}
	preMs := time.Since(preStart).Milliseconds()

	memStart := time.Now()
	rows := make([]domain.QueryRow, 0, len(comps))
	for _, comp := range comps {
		layers := layersBy[comp.ID]
		ec := evalContext{component: comp, layers: layers, solutions: solutionsByName}
		if plan.residual != nil && !evalFilter(plan.residual, ec) {
			continue
		}
		row := domain.QueryRow{Component: comp, Solutions: make([]string, len(layers))}
		for i, l := range layers {
			row.Solutions[i] = l.SolutionName
		}
		if n := len(layers); n > 0 {
			row.TopLayerManaged = layers[n-1].IsManaged
		}
		rows = append(rows, row)
	}
	sortRows(rows, req.GroupBy, req.Sort)
	memMs := time.Since(memStart).Milliseconds()

	total := len(rows)
	rows = page(rows, req.Paging)

	result := domain.QueryResult{
		QueryID: req.QueryID,
		Success: true,
		Rows:    rows,
		Total:   total,
	}
	totalMs := time.Since(totalStart).Milliseconds()
	e.met.QueryDurationMs.WithLabelValues(plan.label).Observe(float64(totalMs))

	if req.IncludePlanStats {
		efficiency := 1.0
		if len(comps) > 0 {
			efficiency = float64(total) / float64(len(comps))
		}
		result.Stats = &domain.QueryPlanStats{
			PreFetchDurationMs:       preMs,
			SQLQueryDurationMs:       sqlMs,
			InMemoryFilterDurationMs: memMs,
			TotalDurationMs:          totalMs,
			RowsFromSQL:              len(comps),
			RowsAfterFilter:          total,
			FilterEfficiency:         efficiency,
			UsedInMemoryFilter:       plan.residual != nil,
			PlanDescription:          plan.describe(),
		}
	}
	return result, nil
}

// queryPlan is the pushdown/residual split of one filter.
type queryPlan struct {
	pushdown []*domain.Filter
	residual *domain.Filter
	label    string
}

func (p queryPlan) describe() string {
	switch {
	case len(p.pushdown) == 0 && p.residual == nil:
		return "full scan, no filter"
	case p.residual == nil:
		return fmt.Sprintf("full pushdown of %d attribute predicate(s)", len(p.pushdown))
	case len(p.pushdown) == 0:
		return fmt.Sprintf("full scan with in-memory %s filter", p.residual.Tag)
	default:
		return fmt.Sprintf("pushdown of %d attribute predicate(s), residual %s in memory", len(p.pushdown), p.residual.Tag)
	}
}

// splitFilter peels ATTRIBUTE predicates off the top-level AND chain
// into the pushdown fragment. Any OR, NOT or layer-level predicate
// forces that subtree into the residual fragment.
func splitFilter(f *domain.Filter) queryPlan {
	if f == nil {
		return queryPlan{label: "scan"}
	}

	var pushdown []*domain.Filter
	var residualChildren []*domain.Filter

	flat := flattenAnd(f)
	for _, node := range flat {
		if node.Tag == domain.FilterAttribute && componentColumns[node.Field] != "" {
			pushdown = append(pushdown, node)
		} else {
			residualChildren = append(residualChildren, node)
		}
	}

	var residual *domain.Filter
	switch len(residualChildren) {
	case 0:
	case 1:
		residual = residualChildren[0]
	default:
		residual = &domain.Filter{Tag: domain.FilterAnd, Children: residualChildren}
	}

	label := "scan"
	switch {
	case len(pushdown) > 0 && residual != nil:
		label = "mixed"
	case len(pushdown) > 0:
		label = "pushdown"
	case residual != nil:
		label = "memory"
	}
	return queryPlan{pushdown: pushdown, residual: residual, label: label}
}

func flattenAnd(f *domain.Filter) []*domain.Filter {
	if f.Tag != domain.FilterAnd {
		return []*domain.Filter{f}
	}
	var out []*domain.Filter
	for _, c := range f.Children {
		out = append(out, flattenAnd(c)...)
	}
	return out
}

// publisher lives on layer rows, not the component table, so it never
// pushes down.
var componentColumns = map[string]string{
	domain.FieldLogicalName:      "logical_name",
	domain.FieldDisplayName:      "display_name",
	domain.FieldComponentType:    "component_type",
	domain.FieldTableLogicalName: "table_logical_name",
}

func (e *Engine) fetchComponents(ctx context.Context, st *store.Store, pushdown []*domain.Filter) ([]domain.Component, error) {
	q := "SELECT * FROM components"
	var clauses []string
	var args []any
	for _, p := range pushdown {
		clause, arg := attributeSQL(p)
		clauses = append(clauses, clause)
		args = append(args, arg)
	}
	if len(clauses) > 0 {
		q += " WHERE " + strings.Join(clauses, " AND ")
	}
	q += " ORDER BY logical_name, component_id"

	var out []domain.Component
	if err := st.DB().SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("component query: %w", err)
	}
	return out, nil
}

// attributeSQL translates one ATTRIBUTE predicate. SQLite's LIKE is
// already case-insensitive for ASCII; Equals gets NOCASE to match.
func attributeSQL(f *domain.Filter) (clause string, arg any) {
	col := componentColumns[f.Field]
	switch f.Operator {
	case domain.OpEquals:
		return col + " = ? COLLATE NOCASE", f.Value
	case domain.OpNotEquals:
		return col + " <> ? COLLATE NOCASE", f.Value
	case domain.OpContains:
		return col + ` LIKE ? ESCAPE '\'`, "%" + escapeLike(f.Value) + "%"
	case domain.OpNotContains:
		return col + ` NOT LIKE ? ESCAPE '\'`, "%" + escapeLike(f.Value) + "%"
	case domain.OpBeginsWith:
		return col + ` LIKE ? ESCAPE '\'`, escapeLike(f.Value) + "%"
	case domain.OpNotBeginsWith:
		return col + ` NOT LIKE ? ESCAPE '\'`, escapeLike(f.Value) + "%"
	case domain.OpEndsWith:
		return col + ` LIKE ? ESCAPE '\'`, "%" + escapeLike(f.Value)
	case domain.OpNotEndsWith:
		return col + ` NOT LIKE ? ESCAPE '\'`, "%" + escapeLike(f.Value)
	default:
		return "1 = 0", ""
	}
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// fetchLayerStacks loads the layers of every candidate component in
// bulk, chunked to stay under SQLite's parameter limit.
func fetchLayerStacks(ctx context.Context, st *store.Store, comps []domain.Component) (map[string][]domain.Layer, error) {
	out := make(map[string][]domain.Layer, len(comps))
	if len(comps) == 0 {
		return out, nil
	}
	ids := make([]string, len(comps))
	for i, c := range comps {
		ids[i] = c.ID
	}

	const chunkSize = 500
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		q, args, err := sqlx.In(
			"SELECT * FROM layers WHERE component_id IN (?) ORDER BY component_id, ordinal", ids[start:end])
		if err != nil {
			return nil, err
		}
		var layers []domain.Layer
		if err := st.DB().SelectContext(ctx, &layers, st.DB().Rebind(q), args...); err != nil {
			return nil, fmt.Errorf("layer prefetch: %w", err)
		}
		for _, l := range layers {
			out[l.ComponentID] = append(out[l.ComponentID], l)
		}
	}
	return out, nil
}

func filterTouchesSolutions(f *domain.Filter) bool {
	if f == nil {
		return false
	}
	switch f.Tag {
	case domain.FilterSolutionQuery:
		return true
	case domain.FilterHas, domain.FilterHasAny, domain.FilterHasAll, domain.FilterHasNone:
		if f.Body != nil {
			return true
		}
	}
	for _, c := range f.Children {
		if filterTouchesSolutions(c) {
			return true
		}
	}
	return filterTouchesSolutions(f.Body)
}

// evalContext is one candidate row during residual evaluation.
type evalContext struct {
	component domain.Component
	layers    []domain.Layer
	solutions map[string]domain.Solution

	// layer is set while evaluating inside a LAYER_QUERY body.
	layer *domain.Layer
}

func evalFilter(f *domain.Filter, ec evalContext) bool {
	switch f.Tag {
	case domain.FilterAnd:
		for _, c := range f.Children {
			if !evalFilter(c, ec) {
				return false
			}
		}
		return true
	case domain.FilterOr:
		for _, c := range f.Children {
			if evalFilter(c, ec) {
				return true
			}
		}
		return false
	case domain.FilterNot:
		return !evalFilter(f.Children[0], ec)

	case domain.FilterAttribute:
		if f.Field == domain.FieldPublisher {
			if ec.layer != nil {
				return compareString(ec.layer.Publisher, f.Operator, f.Value)
			}
			for _, l := range ec.layers {
				if compareString(l.Publisher, f.Operator, f.Value) {
					return true
				}
			}
			return false
		}
		return compareString(componentField(ec.component, f.Field), f.Operator, f.Value)

	case domain.FilterManaged:
		if ec.layer != nil {
			return ec.layer.IsManaged == *f.Managed
		}
		if len(ec.layers) == 0 {
			return false
		}
		return ec.layers[len(ec.layers)-1].IsManaged == *f.Managed

	case domain.FilterHas, domain.FilterHasAny:
		set := resolveSolutionSet(f, ec)
		return intersects(layerSolutions(ec.layers), set)
	case domain.FilterHasAll:
		set := resolveSolutionSet(f, ec)
		return containsAll(layerSolutions(ec.layers), set)
	case domain.FilterHasNone:
		set := resolveSolutionSet(f, ec)
		return !intersects(layerSolutions(ec.layers), set)

	case domain.FilterOrderStrict:
		return matchOrderStrict(ec.layers, f.SolutionSets)
	case domain.FilterOrderFlex:
		return matchOrderFlex(ec.layers, f.SolutionSets)

	case domain.FilterLayerQuery:
		for i := range ec.layers {
			inner := ec
			inner.layer = &ec.layers[i]
			if evalFilter(f.Body, inner) {
				return true
			}
		}
		return false

	case domain.FilterSolutionQuery:
		if ec.layer != nil {
			return solutionMatches(ec.solutions[ec.layer.SolutionName], f)
		}
		for _, l := range ec.layers {
			if solutionMatches(ec.solutions[l.SolutionName], f) {
				return true
			}
		}
		return false
	}
	return false
}

// resolveSolutionSet yields the solution names a HAS variant tests
// against: a literal set, or the solutions matching a nested
// SOLUTION_QUERY body.
func resolveSolutionSet(f *domain.Filter, ec evalContext) map[string]bool {
	if f.Body != nil && f.Body.Tag == domain.FilterSolutionQuery {
		out := make(map[string]bool)
		for name, sol := range ec.solutions {
			if solutionMatches(sol, f.Body) {
				out[name] = true
			}
		}
		return out
	}
	out := make(map[string]bool)
	if len(f.SolutionSets) > 0 {
		for _, name := range f.SolutionSets[0] {
			out[name] = true
		}
	}
	return out
}

func solutionMatches(sol domain.Solution, f *domain.Filter) bool {
	var value string
	switch f.SolutionField {
	case "uniqueName":
		value = sol.UniqueName
	case "friendlyName":
		value = sol.FriendlyName
	case "publisher":
		value = sol.Publisher
	case "version":
		value = sol.Version
	default:
		return false
	}
	return compareString(value, f.Operator, f.Value)
}

func layerSolutions(layers []domain.Layer) map[string]bool {
	out := make(map[string]bool, len(layers))
	for _, l := range layers {
		out[l.SolutionName] = true
	}
	return out
}

func intersects(have, want map[string]bool) bool {
	for name := range want {
		if have[name] {
			return true
		}
	}
	return false
}

func containsAll(have, want map[string]bool) bool {
	for name := range want {
		if !have[name] {
			return false
		}
	}
	return len(want) > 0
}

// matchOrderStrict requires a positional full-length match: the stack
// has exactly one layer per pattern set and each layer's solution is a
// member of its set.
func matchOrderStrict(layers []domain.Layer, pattern [][]string) bool {
	if len(layers) != len(pattern) {
		return false
	}
	for i, l := range layers {
		if !memberOf(l.SolutionName, pattern[i]) {
			return false
		}
	}
	return true
}

// matchOrderFlex requires the pattern sets to match an in-order
// subsequence of the stack.
func matchOrderFlex(layers []domain.Layer, pattern [][]string) bool {
	next := 0
	for _, l := range layers {
		if next >= len(pattern) {
			break
		}
		if memberOf(l.SolutionName, pattern[next]) {
			next++
		}
	}
	return next == len(pattern)
}

func memberOf(name string, set []string) bool {
	for _, s := range set {
		if s == name {
			return true
		}
	}
	return false
}

func compareString(value string, op domain.StringOp, target string) bool {
	v := strings.ToLower(value)
	t := strings.ToLower(target)
	switch op {
	case domain.OpEquals:
		return v == t
	case domain.OpNotEquals:
		return v != t
	case domain.OpContains:
		return strings.Contains(v, t)
	case domain.OpNotContains:
		return !strings.Contains(v, t)
	case domain.OpBeginsWith:
		return strings.HasPrefix(v, t)
	case domain.OpNotBeginsWith:
		return !strings.HasPrefix(v, t)
	case domain.OpEndsWith:
		return strings.HasSuffix(v, t)
	case domain.OpNotEndsWith:
		return !strings.HasSuffix(v, t)
	}
	return false
}

func componentField(c domain.Component, field string) string {
	switch field {
	case domain.FieldLogicalName:
		return c.LogicalName
	case domain.FieldDisplayName:
		return c.DisplayName
	case domain.FieldComponentType:
		return c.ComponentType
	case domain.FieldPublisher:
		return ""
	case domain.FieldTableLogicalName:
		return c.TableLogicalName
	}
	return ""
}

// sortRows orders results by groupBy fields first, then the explicit
// sort list, with logicalName as the stable tiebreaker.
func sortRows(rows []domain.QueryRow, groupBy []string, specs []domain.SortSpec) {
	keys := make([]domain.SortSpec, 0, len(groupBy)+len(specs)+1)
	for _, g := range groupBy {
		keys = append(keys, domain.SortSpec{Field: g})
	}
	keys = append(keys, specs...)
	keys = append(keys, domain.SortSpec{Field: domain.FieldLogicalName})

	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range keys {
			a := componentField(rows[i].Component, k.Field)
			b := componentField(rows[j].Component, k.Field)
			if a == b {
				continue
			}
			if k.Descending {
				return a > b
			}
			return a < b
		}
		return false
	})
}

func page(rows []domain.QueryRow, p domain.Paging) []domain.QueryRow {
	take := domain.DefaultTake
	if p.Take != nil {
		take = *p.Take
	}
	if take <= 0 {
		return nil
	}
	if p.Skip >= len(rows) {
		return nil
	}
	rows = rows[p.Skip:]
	if take < len(rows) {
		rows = rows[:take]
	}
	return rows
}
