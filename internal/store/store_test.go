package store

import (
	"context"
	"testing"
	"time"

	"github.com/ddk-dev/ddk/internal/domain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "test-conn")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_AppliesMigrationsAndNamesFilePerConnection(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "env one/prod")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if got := s.Path(); got != dir+"/analyzer_env_one_prod.db" {
		t.Fatalf("path = %q", got)
	}

	// A second open against the same file is a no-op migration.
	s2, err := Open(dir, "env one/prod")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s2.Close()
}

func TestSolutions_ReplaceRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	in := []domain.Solution{
		{ID: "s1", UniqueName: "base", Publisher: "Core", IsManaged: true, Version: "1.0", IsSource: true},
		{ID: "s2", UniqueName: "custom", Publisher: "Us", Version: "2.1", IsTarget: true},
	}
	if err := s.ReplaceSolutions(ctx, in); err != nil {
		t.Fatalf("ReplaceSolutions: %v", err)
	}

	out, err := s.Solutions(ctx)
	if err != nil {
		t.Fatalf("Solutions: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d solutions", len(out))
	}
	if out[0].UniqueName != "base" || !out[0].IsManaged || !out[0].IsSource {
		t.Fatalf("solution[0] = %+v", out[0])
	}
	if out[1].UniqueName != "custom" || !out[1].IsTarget {
		t.Fatalf("solution[1] = %+v", out[1])
	}

	// Replace drops the old set.
	if err := s.ReplaceSolutions(ctx, in[:1]); err != nil {
		t.Fatalf("second ReplaceSolutions: %v", err)
	}
	out, _ = s.Solutions(ctx)
	if len(out) != 1 {
		t.Fatalf("got %d solutions after replace", len(out))
	}
}

func TestReplaceLayers_RejectsSparseOrdinals(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertComponents(ctx, []domain.Component{{ID: "c1", ComponentType: "Entity", TypeCode: 1, ObjectID: "o1"}}); err != nil {
		t.Fatalf("UpsertComponents: %v", err)
	}

	err := s.ReplaceLayers(ctx, "c1", []domain.Layer{
		{ID: "l1", ComponentID: "c1", Ordinal: 0, SolutionID: "s1", SolutionName: "base"},
		{ID: "l2", ComponentID: "c1", Ordinal: 2, SolutionID: "s2", SolutionName: "custom"},
	})
	if err == nil {
		t.Fatal("expected error for sparse ordinals")
	}
}

func TestReplaceLayers_OrderedStack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertComponents(ctx, []domain.Component{{ID: "c1", ComponentType: "Entity", TypeCode: 1, ObjectID: "o1"}}); err != nil {
		t.Fatalf("UpsertComponents: %v", err)
	}
	stack := []domain.Layer{
		{ID: "l1", ComponentID: "c1", Ordinal: 0, SolutionID: "s1", SolutionName: "base", IsManaged: true, CreatedOn: time.Now()},
		{ID: "l2", ComponentID: "c1", Ordinal: 1, SolutionID: "s2", SolutionName: "custom", CreatedOn: time.Now()},
	}
	if err := s.ReplaceLayers(ctx, "c1", stack); err != nil {
		t.Fatalf("ReplaceLayers: %v", err)
	}

	got, err := s.LayersForComponent(ctx, "c1")
	if err != nil {
		t.Fatalf("LayersForComponent: %v", err)
	}
	if len(got) != 2 || got[0].Ordinal != 0 || got[1].Ordinal != 1 {
		t.Fatalf("stack = %+v", got)
	}
	if got[0].SolutionName != "base" || got[1].SolutionName != "custom" {
		t.Fatalf("stack order wrong: %+v", got)
	}
}

func TestAttributes_ReplaceRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.UpsertComponents(ctx, []domain.Component{{ID: "c1", ComponentType: "Entity", TypeCode: 1, ObjectID: "o1"}})
	s.ReplaceLayers(ctx, "c1", []domain.Layer{{ID: "l1", ComponentID: "c1", Ordinal: 0, SolutionID: "s1", SolutionName: "base"}})

	attrs := []domain.LayerAttribute{
		{ID: "a1", LayerID: "l1", Name: "displayname", FormattedValue: "Account", RawValue: `"Account"`, TypeTag: "string"},
		{ID: "a2", LayerID: "l1", Name: "options", FormattedValue: "{…}", RawValue: `{"a":1}`, TypeTag: "object", IsComplex: true, IsChanged: true},
	}
	if err := s.ReplaceAttributes(ctx, "l1", attrs); err != nil {
		t.Fatalf("ReplaceAttributes: %v", err)
	}

	got, err := s.AttributesForLayer(ctx, "l1")
	if err != nil {
		t.Fatalf("AttributesForLayer: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d attributes", len(got))
	}
	if !got[1].IsComplex || !got[1].IsChanged {
		t.Fatalf("attribute flags lost: %+v", got[1])
	}
}

func TestOperations_LifecycleAndSingleWriter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	op := domain.IndexOperation{ID: "op1", StartedAt: time.Now().UTC()}
	if err := s.BeginOperation(ctx, op); err != nil {
		t.Fatalf("BeginOperation: %v", err)
	}

	// A second concurrent run is refused.
	if err := s.BeginOperation(ctx, domain.IndexOperation{ID: "op2", StartedAt: time.Now()}); err == nil {
		t.Fatal("expected second BeginOperation to fail")
	}

	done := time.Now().UTC()
	op.Status = domain.IndexCompleted
	op.CompletedAt = &done
	op.Stats = domain.IndexStats{Solutions: 2, Components: 10, Layers: 25, Attributes: 300}
	op.Warnings = []string{"payload fetch failed for c9"}
	if err := s.FinishOperation(ctx, op); err != nil {
		t.Fatalf("FinishOperation: %v", err)
	}

	// Terminal rows are immutable.
	if err := s.FinishOperation(ctx, op); err == nil {
		t.Fatal("expected FinishOperation on terminal row to fail")
	}

	latest, ok, err := s.LatestOperation(ctx)
	if err != nil || !ok {
		t.Fatalf("LatestOperation: ok=%v err=%v", ok, err)
	}
	if latest.Status != domain.IndexCompleted || latest.Stats.Layers != 25 {
		t.Fatalf("latest = %+v", latest)
	}
	if len(latest.Warnings) != 1 {
		t.Fatalf("warnings = %v", latest.Warnings)
	}
}

func TestMetadata_ReflectsCompletedIndex(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	meta, err := s.Metadata(ctx)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.HasIndex {
		t.Fatal("empty store claims an index")
	}

	s.ReplaceSolutions(ctx, []domain.Solution{
		{ID: "s1", UniqueName: "base", IsSource: true},
		{ID: "s2", UniqueName: "custom", IsTarget: true},
	})
	op := domain.IndexOperation{ID: "op1", StartedAt: time.Now().UTC()}
	s.BeginOperation(ctx, op)
	done := time.Now().UTC()
	op.Status = domain.IndexCompleted
	op.CompletedAt = &done
	op.Stats = domain.IndexStats{Solutions: 2}
	if err := s.FinishOperation(ctx, op); err != nil {
		t.Fatalf("FinishOperation: %v", err)
	}

	meta, err = s.Metadata(ctx)
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if !meta.HasIndex || meta.Stats == nil || meta.Stats.Solutions != 2 {
		t.Fatalf("meta = %+v", meta)
	}
	if len(meta.SourceSolutions) != 1 || meta.SourceSolutions[0] != "base" {
		t.Fatalf("sources = %v", meta.SourceSolutions)
	}
	if len(meta.TargetSolutions) != 1 || meta.TargetSolutions[0] != "custom" {
		t.Fatalf("targets = %v", meta.TargetSolutions)
	}
}

func TestClear_DropsDataKeepsHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	s.ReplaceSolutions(ctx, []domain.Solution{{ID: "s1", UniqueName: "base"}})
	op := domain.IndexOperation{ID: "op1", StartedAt: time.Now().UTC()}
	s.BeginOperation(ctx, op)
	done := time.Now().UTC()
	op.Status = domain.IndexFailed
	op.CompletedAt = &done
	op.Error = "remote unavailable"
	s.FinishOperation(ctx, op)

	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	sols, _ := s.Solutions(ctx)
	if len(sols) != 0 {
		t.Fatalf("solutions survived clear: %v", sols)
	}
	if _, ok, _ := s.LatestOperation(ctx); !ok {
		t.Fatal("operation history lost on clear")
	}
}

func TestManager_CachesStoresAndLocks(t *testing.T) {
	m := NewManager(t.TempDir())
	defer m.Close()

	a, err := m.Get("c1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b, err := m.Get("c1")
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if a != b {
		t.Fatal("expected cached store instance")
	}

	if m.WriterLock("c1") != m.WriterLock("c1") {
		t.Fatal("expected stable writer lock per connection")
	}
	if m.WriterLock("c1") == m.WriterLock("c2") {
		t.Fatal("expected distinct locks per connection")
	}
}
