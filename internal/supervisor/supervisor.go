// Package supervisor starts, monitors and stops worker processes. One
// worker per (plugin, instance) key; each gets a private forward
// endpoint and a private token callback endpoint.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ddk-dev/ddk/internal/config"
	"github.com/ddk-dev/ddk/internal/dderr"
	"github.com/ddk-dev/ddk/internal/domain"
	"github.com/ddk-dev/ddk/internal/logging"
	"github.com/ddk-dev/ddk/internal/metrics"
	"github.com/ddk-dev/ddk/internal/tokencb"
	"github.com/ddk-dev/ddk/internal/wire"
)

// readinessPrefix is the single line a worker prints on stdout once
// its forward endpoint accepts connections.
const readinessPrefix = "SOCKET_PATH="

// StartSpec is everything needed to start (or restart) one worker.
type StartSpec struct {
	Key         domain.WorkerKey
	Manifest    domain.Manifest
	Connection  domain.Connection
	StoragePath string
	Config      map[string]string
}

// Handle is the supervisor's view of one running worker.
type Handle struct {
	Key domain.WorkerKey

	mu            sync.Mutex
	state         domain.WorkerState
	lastHeartbeat time.Time
	exitCode      int
	strikes       int

	spec    StartSpec
	cmd     *exec.Cmd
	client  *Client
	reverse *tokencb.Server
	healthC context.CancelFunc
}

// State returns the current lifecycle state.
func (h *Handle) State() domain.WorkerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s domain.WorkerState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Supervisor owns every worker of the host process.
type Supervisor struct {
	cfg    config.SupervisorConfig
	tokens tokencb.TokenSource
	log    zerolog.Logger
	met    *metrics.Metrics

	mu      sync.Mutex
	workers map[domain.WorkerKey]*Handle
	specs   map[domain.WorkerKey]StartSpec
}

// New builds a supervisor. tokens backs every worker's reverse
// channel.
func New(cfg config.SupervisorConfig, tokens tokencb.TokenSource) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		tokens:  tokens,
		log:     logging.Component("supervisor"),
		met:     metrics.Global(),
		workers: make(map[domain.WorkerKey]*Handle),
		specs:   make(map[domain.WorkerKey]StartSpec),
	}
}

// Start spawns a worker, waits for its readiness line, and issues
// Initialize. An existing live worker for the key is returned as is.
func (s *Supervisor) Start(ctx context.Context, spec StartSpec) (*Handle, error) {
	s.mu.Lock()
	if h, ok := s.workers[spec.Key]; ok && h.State() != domain.WorkerTerminated {
		s.mu.Unlock()
		return h, nil
	}
	s.specs[spec.Key] = spec
	s.mu.Unlock()

	h, err := s.spawn(ctx, spec)
	if err != nil {
		s.met.WorkerStarts.WithLabelValues(spec.Key.PluginID, "failed").Inc()
		return nil, err
	}
	s.met.WorkerStarts.WithLabelValues(spec.Key.PluginID, "ok").Inc()
	s.met.WorkersRunning.Inc()

	s.mu.Lock()
	s.workers[spec.Key] = h
	s.mu.Unlock()
	return h, nil
}

func (s *Supervisor) spawn(ctx context.Context, spec StartSpec) (*Handle, error) {
	log := s.log.With().Str("worker", spec.Key.String()).Logger()

	reverseEP := wire.ReverseEndpoint(s.cfg.Transport,
		spec.Key.PluginID+"-"+spec.Key.InstanceID, os.Getpid())
	reverse := tokencb.NewServer(reverseEP, s.tokens, spec.Connection.ID)
	if err := reverse.Start(); err != nil {
		return nil, dderr.Wrap(dderr.KindWorkerStartFailed, "bind token callback endpoint", err)
	}

	cmd := exec.Command(s.cfg.WorkerBin)
	cmd.Env = append(os.Environ(),
		"DDK_PLUGIN_ID="+spec.Key.PluginID,
		"DDK_PLUGIN_ASSEMBLY="+spec.Manifest.Backend.Assembly,
		"DDK_PLUGIN_ENTRYPOINT="+spec.Manifest.Backend.EntryPoint,
		"DDK_TRANSPORT="+s.cfg.Transport,
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		reverse.Stop()
		return nil, dderr.Wrap(dderr.KindWorkerStartFailed, "pipe worker stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		reverse.Stop()
		return nil, dderr.Wrap(dderr.KindWorkerStartFailed, "pipe worker stderr", err)
	}
	if err := cmd.Start(); err != nil {
		reverse.Stop()
		return nil, dderr.Wrap(dderr.KindWorkerStartFailed, "spawn worker process", err)
	}

	go forwardStderr(log, stderr)

	h := &Handle{
		Key:     spec.Key,
		state:   domain.WorkerStarting,
		spec:    spec,
		cmd:     cmd,
		reverse: reverse,
	}

	addr, err := awaitReadiness(stdout, s.cfg.StartTimeout)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		reverse.Stop()
		return nil, dderr.Wrap(dderr.KindWorkerStartFailed, "worker readiness", err)
	}
	ep, err := wire.ParseEndpoint(addr)
	if err != nil {
		cmd.Process.Kill()
		cmd.Wait()
		reverse.Stop()
		return nil, dderr.Wrap(dderr.KindWorkerStartFailed, "worker endpoint", err)
	}
	h.client = NewClient(ep, s.cfg.RPCTimeout)

	initCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
	defer cancel()
	var initResult wire.InitializeResult
	err = h.client.Call(initCtx, wire.MsgTypeInitialize, wire.InitializeRequest{
		PluginID:            spec.Key.PluginID,
		StoragePath:         spec.StoragePath,
		Config:              spec.Config,
		TokenCallbackSocket: reverse.Addr(),
		ActiveConnectionID:  spec.Connection.ID,
		ActiveConnectionURL: spec.Connection.URL,
	}, &initResult)
	if err != nil {
		h.client.Close()
		cmd.Process.Kill()
		cmd.Wait()
		reverse.Stop()
		return nil, dderr.Wrap(dderr.KindWorkerStartFailed, "initialize worker", err)
	}

	h.setState(domain.WorkerReady)
	h.mu.Lock()
	h.lastHeartbeat = time.Now()
	h.mu.Unlock()
	log.Info().Str("plugin_name", initResult.PluginName).
		Str("plugin_version", initResult.PluginVersion).
		Int("pid", cmd.Process.Pid).Msg("worker started")

	go s.watchExit(h, log)

	healthCtx, healthCancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.healthC = healthCancel
	h.mu.Unlock()
	go s.healthLoop(healthCtx, h, log)

	return h, nil
}

// awaitReadiness scans worker stdout for the readiness line. Any
// other output before it is ignored; EOF means the process died
// before binding.
func awaitReadiness(stdout io.Reader, timeout time.Duration) (string, error) {
	type scanned struct {
		addr string
		err  error
	}
	result := make(chan scanned, 1)
	go func() {
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if rest, ok := strings.CutPrefix(line, readinessPrefix); ok {
				result <- scanned{addr: rest}
				return
			}
		}
		result <- scanned{err: fmt.Errorf("worker exited before readiness")}
	}()

	select {
	case r := <-result:
		return r.addr, r.err
	case <-time.After(timeout):
		return "", fmt.Errorf("no readiness line within %s", timeout)
	}
}

func forwardStderr(log zerolog.Logger, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		log.Debug().Msg(scanner.Text())
	}
}

func (s *Supervisor) watchExit(h *Handle, log zerolog.Logger) {
	err := h.cmd.Wait()
	code := h.cmd.ProcessState.ExitCode()

	h.mu.Lock()
	wasTerminated := h.state == domain.WorkerTerminated
	h.state = domain.WorkerTerminated
	h.exitCode = code
	cancel := h.healthC
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.client.Close()
	h.reverse.Stop()

	if !wasTerminated {
		s.met.WorkersRunning.Dec()
	}
	if code != 0 {
		s.met.WorkerCrashes.WithLabelValues(h.Key.PluginID).Inc()
		log.Warn().Err(err).Int("exit_code", code).Msg("worker exited")
	} else {
		log.Info().Msg("worker exited cleanly")
	}
}

// healthLoop pings GetCommands. Three consecutive missed pings mark
// the worker unhealthy and kill it; the next command restarts it.
func (s *Supervisor) healthLoop(ctx context.Context, h *Handle, log zerolog.Logger) {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if h.State() == domain.WorkerTerminated {
			return
		}

		pingCtx, cancel := context.WithTimeout(ctx, s.cfg.HealthTimeout)
		err := h.client.Call(pingCtx, wire.MsgTypeGetCommands, nil, nil)
		cancel()

		h.mu.Lock()
		if err != nil {
			h.strikes++
			strikes := h.strikes
			h.mu.Unlock()
			log.Warn().Err(err).Int("strikes", strikes).Msg("health ping failed")
			if strikes >= s.cfg.HealthStrikes {
				h.setState(domain.WorkerUnhealthy)
				log.Error().Msg("worker unhealthy, killing")
				h.cmd.Process.Kill()
				return
			}
			continue
		}
		h.strikes = 0
		h.lastHeartbeat = time.Now()
		if h.state == domain.WorkerStarting || h.state == domain.WorkerUnhealthy {
			h.state = domain.WorkerReady
		}
		h.mu.Unlock()
	}
}

// handleFor returns a live handle, restarting a terminated worker
// from its recorded spec.
func (s *Supervisor) handleFor(ctx context.Context, key domain.WorkerKey) (*Handle, error) {
	s.mu.Lock()
	h, ok := s.workers[key]
	spec, hasSpec := s.specs[key]
	s.mu.Unlock()

	if ok && h.State() != domain.WorkerTerminated {
		return h, nil
	}
	if !hasSpec {
		return nil, dderr.Newf(dderr.KindWorkerTerminated, "no worker for %s", key)
	}

	s.log.Info().Str("worker", key.String()).Msg("restarting worker")
	s.met.WorkerRestarts.WithLabelValues(key.PluginID).Inc()
	return s.Start(ctx, spec)
}

// Execute runs one plugin command on the worker, restarting it first
// if its process is gone.
func (s *Supervisor) Execute(ctx context.Context, key domain.WorkerKey, command string, payload []byte, correlationID string) ([]byte, error) {
	h, err := s.handleFor(ctx, key)
	if err != nil {
		return nil, err
	}
	var result wire.ExecuteResult
	err = h.client.Call(ctx, wire.MsgTypeExecute, wire.ExecuteRequest{
		Command:       command,
		Payload:       payload,
		CorrelationID: correlationID,
	}, &result)
	if err != nil {
		return nil, err
	}
	return result.Result, nil
}

// Commands lists the worker's commands.
func (s *Supervisor) Commands(ctx context.Context, key domain.WorkerKey) ([]domain.Command, error) {
	h, err := s.handleFor(ctx, key)
	if err != nil {
		return nil, err
	}
	var result wire.GetCommandsResult
	if err := h.client.Call(ctx, wire.MsgTypeGetCommands, nil, &result); err != nil {
		return nil, err
	}
	return result.Commands, nil
}

// Subscribe opens the worker's event stream.
func (s *Supervisor) Subscribe(ctx context.Context, key domain.WorkerKey, types []string) (<-chan domain.Event, error) {
	h, err := s.handleFor(ctx, key)
	if err != nil {
		return nil, err
	}
	return h.client.Subscribe(ctx, types)
}

// Stop shuts a worker down: polite Shutdown RPC, then SIGTERM, then
// SIGKILL, each separated by the configured grace period.
func (s *Supervisor) Stop(ctx context.Context, key domain.WorkerKey) error {
	s.mu.Lock()
	h, ok := s.workers[key]
	delete(s.workers, key)
	delete(s.specs, key)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.stopHandle(ctx, h)
}

func (s *Supervisor) stopHandle(ctx context.Context, h *Handle) error {
	if h.State() == domain.WorkerTerminated {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	err := h.client.Call(shutdownCtx, wire.MsgTypeShutdown, nil, nil)
	cancel()
	if err == nil && s.waitTerminated(h, s.cfg.ShutdownGrace) {
		return nil
	}

	h.cmd.Process.Signal(syscall.SIGTERM)
	if s.waitTerminated(h, s.cfg.ShutdownGrace) {
		return nil
	}

	s.log.Warn().Str("worker", h.Key.String()).Msg("killing unresponsive worker")
	h.cmd.Process.Kill()
	s.waitTerminated(h, s.cfg.ShutdownGrace)
	return nil
}

func (s *Supervisor) waitTerminated(h *Handle, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if h.State() == domain.WorkerTerminated {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return h.State() == domain.WorkerTerminated
}

// StopAll shuts every worker down, used at host exit.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.workers))
	for _, h := range s.workers {
		handles = append(handles, h)
	}
	s.workers = make(map[domain.WorkerKey]*Handle)
	s.specs = make(map[domain.WorkerKey]StartSpec)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			s.stopHandle(ctx, h)
		}(h)
	}
	wg.Wait()
}

// List snapshots the known workers for diagnostics.
func (s *Supervisor) List() []WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]WorkerInfo, 0, len(s.workers))
	for _, h := range s.workers {
		h.mu.Lock()
		info := WorkerInfo{
			Key:           h.Key,
			State:         h.state,
			LastHeartbeat: h.lastHeartbeat,
			ExitCode:      h.exitCode,
		}
		if h.cmd != nil && h.cmd.Process != nil {
			info.PID = h.cmd.Process.Pid
		}
		h.mu.Unlock()
		out = append(out, info)
	}
	return out
}

// WorkerInfo is one row of List.
type WorkerInfo struct {
	Key           domain.WorkerKey   `json:"key"`
	State         domain.WorkerState `json:"state"`
	PID           int                `json:"pid"`
	LastHeartbeat time.Time          `json:"lastHeartbeat"`
	ExitCode      int                `json:"exitCode"`
}
