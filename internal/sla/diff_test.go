package sla

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ddk-dev/ddk/internal/dderr"
	"github.com/ddk-dev/ddk/internal/domain"
	"github.com/ddk-dev/ddk/internal/store"
	"github.com/ddk-dev/ddk/internal/webapi"
)

func seedDiffIndex(t *testing.T) *store.Manager {
	t.Helper()
	ctx := context.Background()
	m := store.NewManager(t.TempDir())
	t.Cleanup(func() { m.Close() })
	st, err := m.Get("conn")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	if err := st.UpsertComponents(ctx, []domain.Component{
		{ID: "c1", ComponentType: "Entity", TypeCode: 1, ObjectID: "o1", LogicalName: "account"},
	}); err != nil {
		t.Fatalf("seed component: %v", err)
	}
	if err := st.ReplaceLayers(ctx, "c1", []domain.Layer{
		{ID: "l1", ComponentID: "c1", Ordinal: 0, SolutionID: "s1", SolutionName: "Base", IsManaged: true},
		{ID: "l2", ComponentID: "c1", Ordinal: 1, SolutionID: "s2", SolutionName: "Feature"},
	}); err != nil {
		t.Fatalf("seed layers: %v", err)
	}

	leftAttrs, err := extractAttributes("l1", `{"name":"acct","color":"red","versionnumber":1}`, nil)
	if err != nil {
		t.Fatalf("left attrs: %v", err)
	}
	rightAttrs, err := extractAttributes("l2", `{"name":"acct2","size":5,"versionnumber":2}`, map[string]bool{"name": true})
	if err != nil {
		t.Fatalf("right attrs: %v", err)
	}
	if err := st.ReplaceAttributes(ctx, "l1", leftAttrs); err != nil {
		t.Fatalf("seed left attrs: %v", err)
	}
	if err := st.ReplaceAttributes(ctx, "l2", rightAttrs); err != nil {
		t.Fatalf("seed right attrs: %v", err)
	}
	return m
}

func TestDiff_AttributeRows(t *testing.T) {
	m := seedDiffIndex(t)
	d := NewDiffer(m, zerolog.Nop())

	result, err := d.Diff(context.Background(), nil, domain.DiffRequest{
		ConnectionID: "conn", ComponentID: "c1",
		LeftSolution: "Base", RightSolution: "Feature",
	})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}

	// versionnumber sits on the exclusion list.
	byName := map[string]domain.DiffAttribute{}
	for _, row := range result.Attributes {
		byName[row.Name] = row
	}
	if _, ok := byName["versionnumber"]; ok {
		t.Fatal("excluded attribute surfaced")
	}
	if len(result.Attributes) != 3 {
		t.Fatalf("got %d rows: %+v", len(result.Attributes), result.Attributes)
	}

	name := byName["name"]
	if !name.IsDifferent || name.LeftValue != "acct" || name.RightValue != "acct2" {
		t.Fatalf("name = %+v", name)
	}
	color := byName["color"]
	if !color.OnlyInLeft || !color.IsDifferent {
		t.Fatalf("color = %+v", color)
	}
	size := byName["size"]
	if !size.OnlyInRight || size.TypeTag != "number" {
		t.Fatalf("size = %+v", size)
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("warnings = %v", result.Warnings)
	}
}

func TestDiff_MissingSideWarns(t *testing.T) {
	m := seedDiffIndex(t)
	d := NewDiffer(m, zerolog.Nop())

	result, err := d.Diff(context.Background(), nil, domain.DiffRequest{
		ConnectionID: "conn", ComponentID: "c1",
		LeftSolution: "Base", RightSolution: "Ghost",
	})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(result.Warnings) == 0 || !strings.Contains(result.Warnings[0], "Ghost") {
		t.Fatalf("warnings = %v", result.Warnings)
	}
	for _, row := range result.Attributes {
		if !row.OnlyInLeft {
			t.Fatalf("row %+v should be left-only", row)
		}
	}
}

func TestDiff_NoChangedAttributesWarns(t *testing.T) {
	m := seedDiffIndex(t)
	ctx := context.Background()
	st, _ := m.Get("conn")

	// Strip the change flags off the right layer.
	attrs, err := extractAttributes("l2", `{"name":"acct2"}`, nil)
	if err != nil {
		t.Fatalf("attrs: %v", err)
	}
	if err := st.ReplaceAttributes(ctx, "l2", attrs); err != nil {
		t.Fatalf("replace: %v", err)
	}

	result, err := NewDiffer(m, zerolog.Nop()).Diff(ctx, nil, domain.DiffRequest{
		ConnectionID: "conn", ComponentID: "c1",
		LeftSolution: "Base", RightSolution: "Feature",
	})
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "no changed attributes") {
			found = true
		}
	}
	if !found {
		t.Fatalf("warnings = %v", result.Warnings)
	}
}

func TestDiff_UnknownComponent(t *testing.T) {
	m := seedDiffIndex(t)

	_, err := NewDiffer(m, zerolog.Nop()).Diff(context.Background(), nil, domain.DiffRequest{
		ConnectionID: "conn", ComponentID: "ghost",
		LeftSolution: "Base", RightSolution: "Feature",
	})
	if !dderr.HasKind(err, dderr.KindComponentNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestDiff_LazyPayloadFetchAndCache(t *testing.T) {
	ctx := context.Background()
	m := seedDiffIndex(t)
	st, _ := m.Get("conn")

	// Make the right layer payload-less, as a lazy-mode index leaves
	// it. Rewriting the stack cascades the attribute rows away, so the
	// left side is re-seeded; the right stays empty.
	if err := st.ReplaceLayers(ctx, "c1", []domain.Layer{
		{ID: "l1", ComponentID: "c1", Ordinal: 0, SolutionID: "s1", SolutionName: "Base", IsManaged: true},
		{ID: "l2", ComponentID: "c1", Ordinal: 1, SolutionID: "s2", SolutionName: "Feature"},
	}); err != nil {
		t.Fatalf("reset layers: %v", err)
	}
	leftAttrs, err := extractAttributes("l1", `{"name":"acct","color":"red"}`, nil)
	if err != nil {
		t.Fatalf("left attrs: %v", err)
	}
	if err := st.ReplaceAttributes(ctx, "l1", leftAttrs); err != nil {
		t.Fatalf("seed left attrs: %v", err)
	}

	payloadCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/api/data/componentpayload", func(w http.ResponseWriter, r *http.Request) {
		payloadCalls++
		json.NewEncoder(w).Encode(map[string]any{"payload": `{"name":"remote","size":7}`})
	})
	mux.HandleFunc("/api/data/componentlayerchanges", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"value": []map[string]any{
			{"attributename": "size", "ischanged": true},
		}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	client, err := webapi.New(srv.URL, func(context.Context) (string, error) { return "token", nil })
	if err != nil {
		t.Fatalf("webapi.New: %v", err)
	}

	d := NewDiffer(m, zerolog.Nop())
	req := domain.DiffRequest{
		ConnectionID: "conn", ComponentID: "c1",
		LeftSolution: "Base", RightSolution: "Feature",
	}
	result, err := d.Diff(ctx, client, req)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	rows := map[string]domain.DiffAttribute{}
	for _, row := range result.Attributes {
		rows[row.Name] = row
	}
	if rows["name"].RightValue != "remote" || rows["size"].RightValue != "7" {
		t.Fatalf("rows = %+v", result.Attributes)
	}
	if payloadCalls != 1 {
		t.Fatalf("payload fetched %d times", payloadCalls)
	}

	// The fetched payload lands in the artifact cache and the parsed
	// attributes persist, so a second diff stays local.
	if _, ok, err := st.GetArtifact(ctx, "c1", "s2"); err != nil || !ok {
		t.Fatalf("artifact cached: ok=%v err=%v", ok, err)
	}
	if _, err := d.Diff(ctx, nil, req); err != nil {
		t.Fatalf("second Diff: %v", err)
	}
	if payloadCalls != 1 {
		t.Fatalf("payload refetched, %d calls", payloadCalls)
	}
}
