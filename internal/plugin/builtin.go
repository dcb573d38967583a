package plugin

import (
	"strings"
	"sync"

	"github.com/ddk-dev/ddk/internal/dderr"
	"github.com/ddk-dev/ddk/internal/domain"
)

// BuiltinScheme marks a manifest assembly as compiled into the worker
// binary rather than loaded from disk: "builtin:<plugin-id>".
const BuiltinScheme = "builtin:"

var (
	builtinMu           sync.Mutex
	builtinConstructors = map[string]Constructor{}
	builtinList         []domain.Manifest
)

// RegisterBuiltin makes a compiled-in plugin loadable and discoverable.
// A manifest without an assembly gets the builtin scheme for its id. An
// on-disk plugin with the same id takes precedence in the registry, so
// a bundled plugin can be replaced by installing one.
func RegisterBuiltin(m domain.Manifest, ctor Constructor) {
	if m.Backend.Assembly == "" {
		m.Backend.Assembly = BuiltinScheme + m.ID
	}
	builtinMu.Lock()
	defer builtinMu.Unlock()
	if _, ok := builtinConstructors[m.ID]; !ok {
		builtinList = append(builtinList, m)
	}
	builtinConstructors[m.ID] = ctor
}

// loadBuiltin resolves a builtin-scheme assembly. The second return
// reports whether the path used the scheme at all.
func loadBuiltin(assembly string) (Plugin, bool, error) {
	id, ok := strings.CutPrefix(assembly, BuiltinScheme)
	if !ok {
		return nil, false, nil
	}
	builtinMu.Lock()
	ctor := builtinConstructors[id]
	builtinMu.Unlock()
	if ctor == nil {
		return nil, true, dderr.Newf(dderr.KindPluginNotLoaded, "no builtin plugin %s", id)
	}
	return ctor(), true, nil
}

func builtinManifests() []domain.Manifest {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	out := make([]domain.Manifest, len(builtinList))
	copy(out, builtinList)
	return out
}
