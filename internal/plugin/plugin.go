// Package plugin defines the capability surface a loaded plugin
// exposes to its worker, the scoped runtime context the worker hands
// back, and the host-side registry of installed plugins.
package plugin

import (
	"context"

	"github.com/ddk-dev/ddk/internal/domain"
	"github.com/ddk-dev/ddk/internal/webapi"
)

// Plugin is the contract between a worker and the single binary it
// loads. One instance exists per worker lifetime.
type Plugin interface {
	PluginID() string
	Name() string
	Version() string

	// Initialize receives the scoped runtime context. Called once;
	// a failing Initialize leaves the plugin unusable.
	Initialize(ctx *Context) error

	GetCommands() []domain.Command

	// Execute runs one command. Payload and result are opaque bytes;
	// the encoding is the plugin's concern.
	Execute(ctx context.Context, command string, payload []byte) ([]byte, error)

	Dispose() error
}

// ClientFactory manufactures remote-service clients for a plugin. The
// factory is bound to the worker's initial connection; the empty
// connection id resolves to it. Plugins never see tokens, only
// clients that fetch them through the reverse channel on demand.
//
// GetServiceClient hands out an ungated client for long-lived or
// administrative work. AcquireClient checks a client out of the
// connection's concurrency-gated pool; the release func must be called
// when the work is done, and releasing twice is a no-op.
type ClientFactory interface {
	GetServiceClient(ctx context.Context, connectionID string) (*webapi.Client, error)
	AcquireClient(ctx context.Context, connectionID string) (*webapi.Client, func(), error)
}

// Constructor is the entry-point symbol shape a plugin binary exports.
type Constructor func() Plugin
