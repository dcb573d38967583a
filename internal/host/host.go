// Package host wires the toolkit's long-lived pieces together: the
// connection registry, the token provider, the worker supervisor, the
// client multiplexer and the plugin registry. The UI bridge talks to
// a Host; everything below it is an implementation detail.
package host

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ddk-dev/ddk/internal/config"
	"github.com/ddk-dev/ddk/internal/domain"
	"github.com/ddk-dev/ddk/internal/logging"
	"github.com/ddk-dev/ddk/internal/mux"
	"github.com/ddk-dev/ddk/internal/plugin"
	"github.com/ddk-dev/ddk/internal/secrets"
	"github.com/ddk-dev/ddk/internal/supervisor"
	"github.com/ddk-dev/ddk/internal/tokens"
	"github.com/ddk-dev/ddk/internal/webapi"
)

// Host owns the toolkit runtime inside the daemon process.
type Host struct {
	cfg *config.Config
	log zerolog.Logger

	Connections *Connections
	Tokens      *tokens.Provider
	Supervisor  *supervisor.Supervisor
	Mux         *mux.Multiplexer
	Plugins     *plugin.Registry

	bus *eventBus
}

// New assembles a host from configuration. The token cache key comes
// from the OS keychain; a missing key is generated and stored.
func New(cfg *config.Config) (*Host, error) {
	log := logging.Component("host")

	connections, err := LoadConnections(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	cipher, err := secrets.NewCipherFromKeyring()
	if err != nil {
		return nil, fmt.Errorf("token cache key: %w", err)
	}
	cache, err := tokens.NewCache(cfg.Tokens.CachePath, cipher)
	if err != nil {
		return nil, err
	}

	bus := newEventBus()
	auth := tokens.NewOAuthAuthenticator(cfg.Tokens)
	provider := tokens.NewProvider(cfg.Tokens, cache, auth, bus.Publish, connections.Get)

	h := &Host{
		cfg:         cfg,
		log:         log,
		Connections: connections,
		Tokens:      provider,
		Supervisor:  supervisor.New(cfg.Supervisor, provider),
		Plugins:     nil,
		bus:         bus,
	}

	h.Mux = mux.New(cfg.Pool, func(connectionID string) (*webapi.Client, error) {
		conn, ok := connections.Get(connectionID)
		if !ok {
			return nil, fmt.Errorf("unknown connection %s", connectionID)
		}
		return webapi.New(conn.URL, func(ctx context.Context) (string, error) {
			tok, _, err := provider.GetAccessToken(ctx, connectionID, conn.URL)
			return tok, err
		})
	})

	registry, err := plugin.NewRegistry(cfg.PluginsDir)
	if err != nil {
		return nil, err
	}
	h.Plugins = registry

	return h, nil
}

// StartWorker ensures a worker is running for (pluginID, instanceID)
// against the active connection and returns its key.
func (h *Host) StartWorker(ctx context.Context, pluginID, instanceID string) (domain.WorkerKey, error) {
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	key := domain.WorkerKey{PluginID: pluginID, InstanceID: instanceID}

	manifest, err := h.Plugins.Get(pluginID)
	if err != nil {
		return key, err
	}
	conn, _ := h.Connections.Active()
	if conn.ID != "" {
		if err := h.Mux.RegisterEnvironment(conn.ID); err != nil {
			return key, err
		}
	}

	_, err = h.Supervisor.Start(ctx, supervisor.StartSpec{
		Key:         key,
		Manifest:    manifest,
		Connection:  conn,
		StoragePath: filepath.Join(h.cfg.DataDir, "plugins", pluginID, instanceID),
	})
	return key, err
}

// Execute routes one command to a worker and pumps its events onto
// the host bus while the command runs.
func (h *Host) Execute(ctx context.Context, key domain.WorkerKey, command string, payload []byte) ([]byte, error) {
	return h.Supervisor.Execute(ctx, key, command, payload, uuid.NewString())
}

// ForwardEvents subscribes to a worker's stream and republishes every
// event on the host bus until ctx ends.
func (h *Host) ForwardEvents(ctx context.Context, key domain.WorkerKey, types []string) error {
	events, err := h.Supervisor.Subscribe(ctx, key, types)
	if err != nil {
		return err
	}
	go func() {
		for evt := range events {
			h.bus.Publish(evt)
		}
	}()
	return nil
}

// Events subscribes to the host event bus. The UI bridge consumes
// this; cancel by calling the returned function.
func (h *Host) Events() (<-chan domain.Event, func()) {
	return h.bus.Subscribe()
}

// ListConnections decorates the registry with auth state from the
// token cache.
func (h *Host) ListConnections() []domain.Connection {
	list := h.Connections.List()
	for i := range list {
		principal, ok := h.Tokens.Status(list[i].ID)
		list[i].IsAuthenticated = ok
		list[i].Principal = principal
	}
	return list
}

// Close tears the runtime down: workers first, then the multiplexer.
func (h *Host) Close(ctx context.Context) {
	h.Supervisor.StopAll(ctx)
	h.Mux.Dispose()
	h.bus.Close()
}

// eventBus fans host events out to UI subscribers. Slow subscribers
// lose events rather than blocking the producers.
type eventBus struct {
	mu     sync.Mutex
	subs   map[int]chan domain.Event
	nextID int
	closed bool
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan domain.Event)}
}

func (b *eventBus) Publish(evt domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

func (b *eventBus) Subscribe() (<-chan domain.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan domain.Event, 256)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

func (b *eventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
