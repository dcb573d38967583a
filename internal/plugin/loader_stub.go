//go:build !(linux || darwin || freebsd)

package plugin

import "github.com/ddk-dev/ddk/internal/dderr"

// Load only resolves builtin plugins where the runtime has no dynamic
// plugin support.
func Load(binaryPath, entryPoint string) (Plugin, error) {
	if p, ok, err := loadBuiltin(binaryPath); ok {
		return p, err
	}
	return nil, dderr.New(dderr.KindPluginNotLoaded, "dynamic plugin loading is not supported on this platform")
}
