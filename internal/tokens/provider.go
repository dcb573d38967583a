// Package tokens implements the host-side token provider: a cached,
// refresh-capable source of access tokens for (connection, resource)
// pairs. Workers never see refresh material; they receive only the
// short-lived access token over the reverse channel.
package tokens

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/ddk-dev/ddk/internal/config"
	"github.com/ddk-dev/ddk/internal/dderr"
	"github.com/ddk-dev/ddk/internal/domain"
	"github.com/ddk-dev/ddk/internal/logging"
	"github.com/ddk-dev/ddk/internal/metrics"
)

// Authenticator runs the interactive and silent OAuth exchanges.
// Separated from the provider so tests can substitute a fake.
type Authenticator interface {
	// Login performs the interactive authorization-code flow for a
	// connection and returns the resulting token plus the signed-in
	// principal.
	Login(ctx context.Context, connectionURL, resource string) (*oauth2.Token, string, error)
	// Refresh exchanges a refresh token for a fresh access token.
	Refresh(ctx context.Context, refreshToken, resource string) (*oauth2.Token, error)
}

// EventSink receives provider-emitted events (session expiry).
type EventSink func(evt domain.Event)

// Provider hands out access tokens, refreshing behind a singleflight
// group so concurrent callers share one renewal.
type Provider struct {
	cfg   config.TokenConfig
	cache *Cache
	auth  Authenticator
	emit  EventSink
	log   zerolog.Logger
	met   *metrics.Metrics

	group singleflight.Group

	mu      sync.Mutex
	expired map[string]bool // connections whose expiry was already announced

	// connections resolves a connection id to its URL for login.
	connections func(connectionID string) (domain.Connection, bool)

	now func() time.Time
}

// NewProvider wires the provider. emit may be nil when no UI bridge is
// attached; resolve maps connection ids to connections.
func NewProvider(cfg config.TokenConfig, cache *Cache, auth Authenticator, emit EventSink, resolve func(string) (domain.Connection, bool)) *Provider {
	if emit == nil {
		emit = func(domain.Event) {}
	}
	return &Provider{
		cfg:         cfg,
		cache:       cache,
		auth:        auth,
		emit:        emit,
		log:         logging.Component("tokens"),
		met:         metrics.Global(),
		expired:     make(map[string]bool),
		connections: resolve,
		now:         time.Now,
	}
}

// GetAccessToken returns a token valid for at least the configured
// skew. It serves from cache when possible, refreshes silently when
// the cached token is stale, and reports AuthRequired when only an
// interactive login can help.
func (p *Provider) GetAccessToken(ctx context.Context, connectionID, resource string) (string, time.Time, error) {
	rec, ok := p.cache.Get(connectionID, resource)
	if ok && !rec.Invalid && p.fresh(rec) {
		return rec.AccessToken, rec.ExpiresAt, nil
	}
	if !ok || rec.RefreshToken == "" || rec.Invalid {
		return "", time.Time{}, dderr.Newf(dderr.KindAuthRequired,
			"no credentials for connection %s; interactive login required", connectionID)
	}

	v, err, _ := p.group.Do(cacheKey(connectionID, resource), func() (any, error) {
		// Re-check under the flight: the winner may have refreshed
		// while we queued.
		if rec, ok := p.cache.Get(connectionID, resource); ok && !rec.Invalid && p.fresh(rec) {
			return refreshed{rec.AccessToken, rec.ExpiresAt}, nil
		}
		return p.refresh(ctx, rec, resource)
	})
	if err != nil {
		return "", time.Time{}, err
	}
	r := v.(refreshed)
	return r.token, r.expiresAt, nil
}

type refreshed struct {
	token     string
	expiresAt time.Time
}

func (p *Provider) refresh(ctx context.Context, rec domain.TokenRecord, resource string) (any, error) {
	tok, err := p.auth.Refresh(ctx, rec.RefreshToken, resource)
	if err != nil {
		p.met.TokenRefreshes.WithLabelValues("failed").Inc()
		p.log.Warn().Err(err).Str("connection", rec.ConnectionID).Msg("token refresh failed")

		if err := p.cache.MarkInvalid(rec.ConnectionID, rec.Resource); err != nil {
			p.log.Error().Err(err).Msg("mark token invalid")
		}
		p.announceExpiry(rec.ConnectionID)
		return nil, dderr.Wrap(dderr.KindAuthRequired, "session expired; interactive login required", err)
	}

	next := domain.TokenRecord{
		ConnectionID: rec.ConnectionID,
		Resource:     rec.Resource,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Principal:    rec.Principal,
		ExpiresAt:    tok.Expiry,
	}
	if next.RefreshToken == "" {
		next.RefreshToken = rec.RefreshToken
	}
	if err := p.cache.Put(next); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}

	p.met.TokenRefreshes.WithLabelValues("ok").Inc()
	return refreshed{next.AccessToken, next.ExpiresAt}, nil
}

// announceExpiry emits session:expired once per connection. The latch
// resets on the next successful interactive login.
func (p *Provider) announceExpiry(connectionID string) {
	p.mu.Lock()
	already := p.expired[connectionID]
	p.expired[connectionID] = true
	p.mu.Unlock()
	if already {
		return
	}
	p.emit(domain.Event{
		Type:      domain.EventSessionExpired,
		Timestamp: p.now(),
		Metadata:  map[string]string{"connectionId": connectionID},
	})
}

// Login runs the interactive flow for a connection and caches the
// result. The connection's URL doubles as the default resource.
func (p *Provider) Login(ctx context.Context, connectionID string) (domain.TokenRecord, error) {
	conn, ok := p.connections(connectionID)
	if !ok {
		return domain.TokenRecord{}, dderr.Newf(dderr.KindEnvironmentNotRegistered,
			"unknown connection %s", connectionID)
	}

	tok, principal, err := p.auth.Login(ctx, conn.URL, conn.URL)
	if err != nil {
		return domain.TokenRecord{}, dderr.Wrap(dderr.KindAuthRequired, "interactive login failed", err)
	}

	rec := domain.TokenRecord{
		ConnectionID: connectionID,
		Resource:     conn.URL,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Principal:    principal,
		ExpiresAt:    tok.Expiry,
	}
	if err := p.cache.Put(rec); err != nil {
		return domain.TokenRecord{}, fmt.Errorf("persist token: %w", err)
	}

	p.mu.Lock()
	delete(p.expired, connectionID)
	p.mu.Unlock()

	p.log.Info().Str("connection", connectionID).Str("principal", principal).Msg("signed in")
	return rec, nil
}

// Logout drops every cached record of a connection.
func (p *Provider) Logout(connectionID string) error {
	return p.cache.DeleteConnection(connectionID)
}

// Status reports whether a connection has usable credentials and who
// is signed in.
func (p *Provider) Status(connectionID string) (principal string, authenticated bool) {
	return p.cache.Principal(connectionID)
}

func (p *Provider) fresh(rec domain.TokenRecord) bool {
	return p.now().Add(p.cfg.Skew).Before(rec.ExpiresAt)
}
