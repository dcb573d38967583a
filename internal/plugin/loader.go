//go:build linux || darwin || freebsd

package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	goplugin "plugin"
	"runtime"
	"sync"

	"github.com/ddk-dev/ddk/internal/dderr"
)

// sharedHandles caches libraries opened into the worker's default set
// so two loads of the same dependency resolve to one handle.
var (
	sharedMu      sync.Mutex
	sharedHandles = map[string]*goplugin.Plugin{}
)

// depsManifest is the optional dependency list beside a plugin binary.
type depsManifest struct {
	Native []string `json:"native,omitempty"`
	Shared []string `json:"shared,omitempty"`
}

// Load opens the plugin binary and resolves its entry point. The
// entry point must export either a Constructor or a Plugin value.
//
// Dependency resolution follows the shared-ABI rule: a dependency
// already open in the default set is reused; one found beside the
// worker binary is opened into the default set; anything else loads
// from the plugin's own directory and stays private to this worker.
func Load(binaryPath, entryPoint string) (Plugin, error) {
	if p, ok, err := loadBuiltin(binaryPath); ok {
		return p, err
	}

	if entryPoint == "" {
		entryPoint = "NewPlugin"
	}

	if err := resolveDependencies(binaryPath); err != nil {
		return nil, err
	}

	p, err := goplugin.Open(binaryPath)
	if err != nil {
		return nil, dderr.Wrap(dderr.KindPluginNotLoaded,
			fmt.Sprintf("open plugin %s", filepath.Base(binaryPath)), err)
	}

	sym, err := p.Lookup(entryPoint)
	if err != nil {
		return nil, dderr.Wrap(dderr.KindPluginNotLoaded,
			fmt.Sprintf("entry point %s not exported", entryPoint), err)
	}

	switch v := sym.(type) {
	case func() Plugin:
		return v(), nil
	case *Plugin:
		if *v == nil {
			return nil, dderr.Newf(dderr.KindPluginNotLoaded, "entry point %s is nil", entryPoint)
		}
		return *v, nil
	default:
		return nil, dderr.Newf(dderr.KindPluginNotLoaded,
			"entry point %s has unsupported type %T", entryPoint, sym)
	}
}

// resolveDependencies applies the manifest-then-probe rule for the
// plugin's native and shared dependencies.
func resolveDependencies(binaryPath string) error {
	dir := filepath.Dir(binaryPath)
	manifest, err := readDepsManifest(dir)
	if err != nil {
		return err
	}

	workerDir := ""
	if exe, err := os.Executable(); err == nil {
		workerDir = filepath.Dir(exe)
	}

	for _, name := range manifest.Shared {
		if err := openShared(name, workerDir, dir); err != nil {
			return err
		}
	}
	for _, name := range manifest.Native {
		if !probeNative(name, workerDir, dir) {
			return dderr.Newf(dderr.KindPluginNotLoaded,
				"native dependency %s not found beside worker or plugin", name)
		}
	}
	return nil
}

func readDepsManifest(dir string) (depsManifest, error) {
	var m depsManifest
	data, err := os.ReadFile(filepath.Join(dir, "deps.json"))
	if errors.Is(err, fs.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, dderr.Wrap(dderr.KindPluginNotLoaded, "parse deps.json", err)
	}
	return m, nil
}

// openShared opens a library into the default set, preferring one
// beside the worker binary so every plugin in this worker shares it.
func openShared(name, workerDir, pluginDir string) error {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if _, ok := sharedHandles[name]; ok {
		return nil
	}

	lib := libFileName(name)
	for _, dir := range []string{workerDir, pluginDir} {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, lib)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		h, err := goplugin.Open(path)
		if err != nil {
			return dderr.Wrap(dderr.KindPluginNotLoaded,
				fmt.Sprintf("open shared dependency %s", name), err)
		}
		sharedHandles[name] = h
		return nil
	}
	return dderr.Newf(dderr.KindPluginNotLoaded, "shared dependency %s not found", name)
}

func probeNative(name, workerDir, pluginDir string) bool {
	lib := libFileName(name)
	for _, dir := range []string{workerDir, pluginDir} {
		if dir == "" {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, lib)); err == nil {
			return true
		}
	}
	return false
}

func libFileName(name string) string {
	if filepath.Ext(name) != "" {
		return name
	}
	switch runtime.GOOS {
	case "darwin":
		return "lib" + name + ".dylib"
	default:
		return "lib" + name + ".so"
	}
}
