package tokens

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/browser"
	"golang.org/x/oauth2"

	"github.com/ddk-dev/ddk/internal/config"
	"github.com/ddk-dev/ddk/internal/logging"
)

// loginTimeout bounds how long the loopback listener waits for the
// browser to come back.
const loginTimeout = 5 * time.Minute

// OAuthAuthenticator implements Authenticator with the
// authorization-code + PKCE flow against a loopback redirect.
type OAuthAuthenticator struct {
	cfg config.TokenConfig

	// openURL is swapped in tests.
	openURL func(url string) error
}

// NewOAuthAuthenticator builds the default interactive authenticator.
func NewOAuthAuthenticator(cfg config.TokenConfig) *OAuthAuthenticator {
	return &OAuthAuthenticator{cfg: cfg, openURL: browser.OpenURL}
}

func (a *OAuthAuthenticator) endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{AuthURL: a.cfg.AuthURL, TokenURL: a.cfg.TokenURL}
}

// Login opens the system browser at the authorization URL and waits on
// a loopback listener for the redirect carrying the code.
func (a *OAuthAuthenticator) Login(ctx context.Context, connectionURL, resource string) (*oauth2.Token, string, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", a.cfg.RedirectPort))
	if err != nil {
		return nil, "", fmt.Errorf("bind loopback redirect: %w", err)
	}
	defer ln.Close()

	conf := &oauth2.Config{
		ClientID:    a.cfg.ClientID,
		Endpoint:    a.endpoint(),
		RedirectURL: fmt.Sprintf("http://%s/callback", ln.Addr().String()),
		Scopes:      []string{resource + "/.default", "offline_access", "openid"},
	}

	state, err := randomToken()
	if err != nil {
		return nil, "", err
	}
	verifier := oauth2.GenerateVerifier()

	type callback struct {
		code string
		err  error
	}
	result := make(chan callback, 1)

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "state mismatch", http.StatusBadRequest)
			result <- callback{err: fmt.Errorf("authorization state mismatch")}
			return
		}
		if e := q.Get("error"); e != "" {
			http.Error(w, e, http.StatusBadRequest)
			result <- callback{err: fmt.Errorf("authorization denied: %s (%s)", e, q.Get("error_description"))}
			return
		}
		fmt.Fprint(w, "Signed in. You can close this tab and return to the toolkit.")
		result <- callback{code: q.Get("code")}
	})}
	go srv.Serve(ln)
	defer srv.Close()

	authURL := conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
	if err := a.openURL(authURL); err != nil {
		log := logging.Component("tokens")
		log.Warn().Err(err).Msg("could not open browser")
		// The URL is still usable; surface it for manual copy.
		fmt.Printf("Open this URL to sign in:\n%s\n", authURL)
	}

	ctx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	var cb callback
	select {
	case cb = <-result:
	case <-ctx.Done():
		return nil, "", fmt.Errorf("waiting for browser sign-in: %w", ctx.Err())
	}
	if cb.err != nil {
		return nil, "", cb.err
	}

	tok, err := conf.Exchange(ctx, cb.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, "", fmt.Errorf("exchange authorization code: %w", err)
	}
	return tok, principalOf(tok), nil
}

// Refresh exchanges refresh material for a fresh token without user
// interaction.
func (a *OAuthAuthenticator) Refresh(ctx context.Context, refreshToken, resource string) (*oauth2.Token, error) {
	conf := &oauth2.Config{
		ClientID: a.cfg.ClientID,
		Endpoint: a.endpoint(),
		Scopes:   []string{resource + "/.default", "offline_access"},
	}
	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return src.Token()
}

// principalOf extracts a display identity from the token's id_token or
// access token claims. Best effort; an empty principal is acceptable.
func principalOf(tok *oauth2.Token) string {
	if id, ok := tok.Extra("id_token").(string); ok {
		if p := claimFromJWT(id); p != "" {
			return p
		}
	}
	return claimFromJWT(tok.AccessToken)
}

func claimFromJWT(raw string) string {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return ""
	}
	body, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ""
	}
	var claims struct {
		PreferredUsername string `json:"preferred_username"`
		UPN               string `json:"upn"`
		Email             string `json:"email"`
	}
	if err := json.Unmarshal(body, &claims); err != nil {
		return ""
	}
	switch {
	case claims.PreferredUsername != "":
		return claims.PreferredUsername
	case claims.UPN != "":
		return claims.UPN
	default:
		return claims.Email
	}
}

func randomToken() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
