// Package mux pools remote-service clients per environment behind a
// concurrency gate, so a burst of plugin work cannot exhaust the
// remote API's per-user limits.
package mux

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ddk-dev/ddk/internal/config"
	"github.com/ddk-dev/ddk/internal/dderr"
	"github.com/ddk-dev/ddk/internal/metrics"
	"github.com/ddk-dev/ddk/internal/webapi"
)

// Factory builds one client bound to a connection.
type Factory func(connectionID string) (*webapi.Client, error)

// Multiplexer manages per-environment client pools.
type Multiplexer struct {
	max     int64
	factory Factory
	met     *metrics.Metrics

	mu       sync.Mutex
	envs     map[string]*environment
	disposed bool
}

type environment struct {
	connectionID string
	sem          *semaphore.Weighted

	mu      sync.Mutex
	idle    []*webapi.Client
	service *webapi.Client
}

// New builds a multiplexer with the configured per-environment gate.
func New(cfg config.PoolConfig, factory Factory) *Multiplexer {
	max := int64(cfg.MaxConcurrencyPerEnvironment)
	if max <= 0 {
		max = 10
	}
	return &Multiplexer{
		max:     max,
		factory: factory,
		met:     metrics.Global(),
		envs:    make(map[string]*environment),
	}
}

// RegisterEnvironment makes a connection available for leasing. It is
// idempotent; registering twice keeps the existing pool and its
// outstanding leases.
func (m *Multiplexer) RegisterEnvironment(connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return dderr.New(dderr.KindDisposed, "multiplexer disposed")
	}
	if _, ok := m.envs[connectionID]; ok {
		return nil
	}
	m.envs[connectionID] = &environment{
		connectionID: connectionID,
		sem:          semaphore.NewWeighted(m.max),
	}
	return nil
}

func (m *Multiplexer) env(connectionID string) (*environment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil, dderr.New(dderr.KindDisposed, "multiplexer disposed")
	}
	env, ok := m.envs[connectionID]
	if !ok {
		return nil, dderr.Newf(dderr.KindEnvironmentNotRegistered, "environment %s not registered", connectionID)
	}
	return env, nil
}

// GetServiceClient returns a fresh clone of the environment's root
// client, outside the gate. It serves long-lived host work (health
// checks, metadata) that must not compete with leased plugin traffic.
func (m *Multiplexer) GetServiceClient(connectionID string) (*webapi.Client, error) {
	env, err := m.env(connectionID)
	if err != nil {
		return nil, err
	}

	env.mu.Lock()
	defer env.mu.Unlock()
	if env.service == nil {
		c, err := m.factory(connectionID)
		if err != nil {
			return nil, err
		}
		env.service = c
	}
	return env.service.Clone(), nil
}

// Lease is one gated client checkout. Release returns it to the pool;
// releasing more than once is a no-op.
type Lease struct {
	Client *webapi.Client

	m    *Multiplexer
	env  *environment
	once sync.Once
}

// Release returns the client to the pool and opens the gate slot. A
// release after Dispose is discarded instead of repooled.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.m.mu.Lock()
		disposed := l.m.disposed
		l.m.mu.Unlock()
		if !disposed {
			l.env.mu.Lock()
			l.env.idle = append(l.env.idle, l.Client)
			l.env.mu.Unlock()
		}
		l.env.sem.Release(1)
		l.m.met.LeasesInUse.WithLabelValues(l.env.connectionID).Dec()
	})
}

// GetMultiplexedClient leases a client, waiting on the gate when the
// environment is saturated. Cancellation while waiting surfaces as
// Cancelled and consumes no slot.
func (m *Multiplexer) GetMultiplexedClient(ctx context.Context, connectionID string) (*Lease, error) {
	env, err := m.env(connectionID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := env.sem.Acquire(ctx, 1); err != nil {
		return nil, dderr.Wrap(dderr.KindCancelled, "cancelled waiting for a client", err)
	}
	m.met.LeaseWaitMs.WithLabelValues(connectionID).Observe(float64(time.Since(start).Milliseconds()))

	// Re-check dispose: a slot acquired during teardown is returned.
	m.mu.Lock()
	disposed := m.disposed
	m.mu.Unlock()
	if disposed {
		env.sem.Release(1)
		return nil, dderr.New(dderr.KindDisposed, "multiplexer disposed")
	}

	env.mu.Lock()
	var client *webapi.Client
	if n := len(env.idle); n > 0 {
		client = env.idle[n-1]
		env.idle = env.idle[:n-1]
	}
	env.mu.Unlock()

	if client == nil {
		client, err = m.factory(connectionID)
		if err != nil {
			env.sem.Release(1)
			return nil, err
		}
	}

	m.met.LeasesInUse.WithLabelValues(connectionID).Inc()
	return &Lease{Client: client, m: m, env: env}, nil
}

// Dispose rejects new leases and drops the pooled clients. A client
// already leased stays usable until its release, which is then
// discarded rather than repooled.
func (m *Multiplexer) Dispose() {
	m.mu.Lock()
	m.disposed = true
	envs := m.envs
	m.envs = make(map[string]*environment)
	m.mu.Unlock()

	for _, env := range envs {
		env.mu.Lock()
		env.idle = nil
		env.service = nil
		env.mu.Unlock()
	}
}
