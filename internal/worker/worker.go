// Package worker implements the isolated plugin process: it loads one
// plugin binary, serves the forward RPC endpoint, and reaches back to
// the host only through the token callback channel.
package worker

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ddk-dev/ddk/internal/config"
	"github.com/ddk-dev/ddk/internal/dderr"
	"github.com/ddk-dev/ddk/internal/logging"
	"github.com/ddk-dev/ddk/internal/mux"
	"github.com/ddk-dev/ddk/internal/plugin"
	"github.com/ddk-dev/ddk/internal/tokencb"
	"github.com/ddk-dev/ddk/internal/webapi"
	"github.com/ddk-dev/ddk/internal/wire"
)

// shutdownDelay lets the Shutdown response flush before the process
// stops serving.
const shutdownDelay = 100 * time.Millisecond

// Loader resolves a plugin binary into a live instance. Injectable so
// tests run without dlopen.
type Loader func(binaryPath, entryPoint string) (plugin.Plugin, error)

// Options configure one worker process.
type Options struct {
	PluginID   string
	Assembly   string
	EntryPoint string
	Transport  string
	Loader     Loader

	// Readiness receives the endpoint line; defaults to stdout.
	Readiness *os.File
}

// Worker holds every process-level handle as a field. They are set in
// a fixed order during Initialize and torn down in reverse during
// Shutdown; nothing here is a package global.
type Worker struct {
	opts Options
	ep   wire.Endpoint
	log  zerolog.Logger

	ln net.Listener
	wg sync.WaitGroup

	mu          sync.Mutex
	initialized bool
	reverse     *tokencb.Client
	clients     *mux.Multiplexer
	pctx        *plugin.Context
	plug        plugin.Plugin
	boundConnID string

	execMu sync.Mutex

	quit     chan struct{}
	quitOnce sync.Once
}

// New builds a worker from options. The plugin is not loaded until
// Initialize arrives.
func New(opts Options) *Worker {
	if opts.Loader == nil {
		opts.Loader = plugin.Load
	}
	if opts.Readiness == nil {
		opts.Readiness = os.Stdout
	}
	return &Worker{
		opts: opts,
		ep:   wire.ForwardEndpoint(opts.Transport, opts.PluginID, os.Getpid()),
		log:  logging.Component("worker").With().Str("plugin", opts.PluginID).Logger(),
		quit: make(chan struct{}),
	}
}

// Run binds the forward endpoint, announces readiness on stdout, and
// serves until Shutdown. The readiness line is the only thing this
// process ever writes to stdout.
func (w *Worker) Run() error {
	ln, err := wire.Listen(w.ep)
	if err != nil {
		return fmt.Errorf("bind forward endpoint: %w", err)
	}
	w.ln = ln

	fmt.Fprintf(w.opts.Readiness, "SOCKET_PATH=%s\n", w.ep.String())
	w.log.Info().Str("endpoint", w.ep.String()).Msg("worker ready")

	go w.acceptLoop()

	<-w.quit
	w.teardown()
	return nil
}

// Endpoint returns the forward endpoint, for tests.
func (w *Worker) Endpoint() wire.Endpoint { return w.ep }

// Stop ends Run.
func (w *Worker) Stop() {
	w.quitOnce.Do(func() { close(w.quit) })
}

func (w *Worker) acceptLoop() {
	for {
		conn, err := w.ln.Accept()
		if err != nil {
			return
		}
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.serveConn(conn)
		}()
	}
}

// teardown releases handles in reverse initialization order: plugin,
// client pool, reverse client, listener.
func (w *Worker) teardown() {
	w.ln.Close()
	w.wg.Wait()

	w.mu.Lock()
	plug, clients, reverse := w.plug, w.clients, w.reverse
	w.plug, w.pctx, w.clients, w.reverse = nil, nil, nil, nil
	w.initialized = false
	w.mu.Unlock()

	if plug != nil {
		if err := plug.Dispose(); err != nil {
			w.log.Warn().Err(err).Msg("plugin dispose failed")
		}
	}
	if clients != nil {
		clients.Dispose()
	}
	if reverse != nil {
		reverse.Close()
	}
	if w.ep.Family == wire.FamilyUDS {
		os.Remove(w.ep.Path)
	}
}

// handleInitialize wires the process in its fixed order: reverse
// client, plugin context, plugin load, plugin Initialize. A second
// call is refused.
func (w *Worker) handleInitialize(req wire.InitializeRequest) (wire.InitializeResult, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.initialized {
		return wire.InitializeResult{}, dderr.New(dderr.KindAlreadyInitialized, "worker already initialized")
	}

	reverse, err := tokencb.NewClient(req.TokenCallbackSocket)
	if err != nil {
		return wire.InitializeResult{}, dderr.Wrap(dderr.KindPluginInitializationFailed, "token callback endpoint", err)
	}

	factory := newCallbackFactory(reverse, req.ActiveConnectionID, req.ActiveConnectionURL)
	abort := func() {
		factory.clients.Dispose()
		reverse.Close()
	}

	pctx, err := plugin.NewContext(w.log, req.PluginID, req.StoragePath, factory)
	if err != nil {
		abort()
		return wire.InitializeResult{}, dderr.Wrap(dderr.KindPluginInitializationFailed, "create plugin context", err)
	}
	for k, v := range req.Config {
		if err := pctx.SetConfig(k, v); err != nil {
			abort()
			return wire.InitializeResult{}, dderr.Wrap(dderr.KindPluginInitializationFailed, "seed plugin config", err)
		}
	}

	plug, err := w.opts.Loader(w.opts.Assembly, w.opts.EntryPoint)
	if err != nil {
		abort()
		return wire.InitializeResult{}, err
	}
	if err := plug.Initialize(pctx); err != nil {
		abort()
		return wire.InitializeResult{}, dderr.Wrap(dderr.KindPluginInitializationFailed, "plugin initialize", err)
	}

	w.reverse = reverse
	w.clients = factory.clients
	w.pctx = pctx
	w.plug = plug
	w.boundConnID = req.ActiveConnectionID
	w.initialized = true

	w.log.Info().Str("name", plug.Name()).Str("version", plug.Version()).Msg("plugin initialized")
	return wire.InitializeResult{PluginName: plug.Name(), PluginVersion: plug.Version()}, nil
}

func (w *Worker) plugin() (plugin.Plugin, *plugin.Context, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.initialized {
		return nil, nil, dderr.New(dderr.KindPluginNotLoaded, "worker not initialized")
	}
	return w.plug, w.pctx, nil
}

// callbackFactory manufactures remote-service clients whose bearer
// tokens come from the reverse channel per request. Leased clients go
// through the multiplexer so concurrent plugin work stays inside the
// per-environment gate.
type callbackFactory struct {
	boundConnID string
	clients     *mux.Multiplexer
}

func newCallbackFactory(reverse *tokencb.Client, connID, connURL string) *callbackFactory {
	clients := mux.New(config.PoolConfig{}, func(connectionID string) (*webapi.Client, error) {
		return webapi.New(connURL, func(ctx context.Context) (string, error) {
			tok, _, err := reverse.GetAccessToken(ctx, connectionID, connURL)
			return tok, err
		})
	})
	clients.RegisterEnvironment(connID)
	return &callbackFactory{boundConnID: connID, clients: clients}
}

func (f *callbackFactory) resolve(connectionID string) (string, error) {
	if connectionID == "" || connectionID == f.boundConnID {
		return f.boundConnID, nil
	}
	return "", dderr.Newf(dderr.KindEnvironmentNotRegistered,
		"worker is bound to connection %s", f.boundConnID)
}

func (f *callbackFactory) GetServiceClient(_ context.Context, connectionID string) (*webapi.Client, error) {
	id, err := f.resolve(connectionID)
	if err != nil {
		return nil, err
	}
	return f.clients.GetServiceClient(id)
}

func (f *callbackFactory) AcquireClient(ctx context.Context, connectionID string) (*webapi.Client, func(), error) {
	id, err := f.resolve(connectionID)
	if err != nil {
		return nil, nil, err
	}
	lease, err := f.clients.GetMultiplexedClient(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return lease.Client, lease.Release, nil
}
