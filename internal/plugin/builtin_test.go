package plugin

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ddk-dev/ddk/internal/dderr"
	"github.com/ddk-dev/ddk/internal/domain"
)

type builtinStub struct{}

func (builtinStub) PluginID() string              { return "bundled" }
func (builtinStub) Name() string                  { return "Bundled" }
func (builtinStub) Version() string               { return "0.0.1" }
func (builtinStub) Initialize(*Context) error     { return nil }
func (builtinStub) GetCommands() []domain.Command { return nil }
func (builtinStub) Execute(context.Context, string, []byte) ([]byte, error) {
	return nil, nil
}
func (builtinStub) Dispose() error { return nil }

// registerTempBuiltin registers a builtin for the duration of one test
// and restores the package registry afterwards.
func registerTempBuiltin(t *testing.T, m domain.Manifest, ctor Constructor) {
	t.Helper()
	builtinMu.Lock()
	prevCtors := make(map[string]Constructor, len(builtinConstructors))
	for k, v := range builtinConstructors {
		prevCtors[k] = v
	}
	prevList := append([]domain.Manifest(nil), builtinList...)
	builtinMu.Unlock()

	RegisterBuiltin(m, ctor)
	t.Cleanup(func() {
		builtinMu.Lock()
		builtinConstructors = prevCtors
		builtinList = prevList
		builtinMu.Unlock()
	})
}

func TestLoad_ResolvesBuiltinScheme(t *testing.T) {
	registerTempBuiltin(t, domain.Manifest{ID: "bundled", Name: "Bundled", Version: "0.0.1"},
		func() Plugin { return builtinStub{} })

	p, err := Load(BuiltinScheme+"bundled", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if p.PluginID() != "bundled" {
		t.Fatalf("loaded %q", p.PluginID())
	}
}

func TestLoad_UnknownBuiltinFails(t *testing.T) {
	_, err := Load(BuiltinScheme+"never-registered", "")
	if !dderr.HasKind(err, dderr.KindPluginNotLoaded) {
		t.Fatalf("err = %v, want PluginNotLoaded", err)
	}
}

func TestRegistry_ListsBuiltinsWithoutInstallDir(t *testing.T) {
	registerTempBuiltin(t, domain.Manifest{ID: "bundled", Name: "Bundled", Version: "0.0.1"},
		func() Plugin { return builtinStub{} })

	r, err := NewRegistry(filepath.Join(t.TempDir(), "plugins"))
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	m, err := r.Get("bundled")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.Backend.Assembly != BuiltinScheme+"bundled" {
		t.Fatalf("assembly = %q", m.Backend.Assembly)
	}
}

func TestRegistry_InstalledPluginShadowsBuiltin(t *testing.T) {
	registerTempBuiltin(t, domain.Manifest{ID: "bundled", Name: "Bundled", Version: "0.0.1"},
		func() Plugin { return builtinStub{} })

	dir := t.TempDir()
	writeManifest(t, dir, "bundled", `{
		"id": "bundled",
		"name": "Bundled On Disk",
		"version": "2.0.0",
		"backend": {"assembly": "bundled.so"}
	}`)

	r, err := NewRegistry(dir)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	m, err := r.Get("bundled")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if m.Version != "2.0.0" {
		t.Fatalf("manifest = %+v, want the installed plugin", m)
	}
}
