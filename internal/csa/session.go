package csa

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"
)

const (
	tokenPath = "/idm-service/v2.0/tokens"

	// tokenRefreshMargin is the minimum remaining token lifetime. A token
	// closer to expiry than this is refreshed before the next call.
	tokenRefreshMargin = 5 * time.Minute

	// callTimeout bounds every individual HTTP call so one stalled request
	// cannot consume the whole monitoring budget.
	callTimeout = 30 * time.Second
)

// SessionConfig carries the endpoint and credential material for a session.
type SessionConfig struct {
	// BaseURL is the platform endpoint including scheme, e.g. "https://csa.example.com".
	BaseURL string
	// APIUsername/APIPassword form the basic-auth header sent on every call.
	APIUsername string
	APIPassword string
	// Username/Password are the password credentials exchanged for a bearer token.
	Username string
	Password string
	Tenant   string
	// TrustCert disables TLS certificate verification for self-signed platforms.
	TrustCert bool
}

// Session holds the target endpoint, credentials and the current bearer token
// with its expiry. Token refresh is serialized behind a mutex so the session
// stays safe if callers ever issue requests concurrently.
type Session struct {
	cfg    SessionConfig
	client *http.Client
	logger *slog.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewSession creates a session for the given endpoint. No token is acquired
// until the first EnsureValidToken call.
func NewSession(cfg SessionConfig, logger *slog.Logger) *Session {
	transport := http.DefaultTransport
	if cfg.TrustCert {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &Session{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{
			Transport: transport,
			Timeout:   callTimeout,
		},
	}
}

// EnsureValidToken guarantees that after a nil return the held token remains
// usable for at least tokenRefreshMargin. It must be called immediately
// before every authenticated request; elapsed time between calls is unbounded
// so the result cannot be cached.
func (s *Session) EnsureValidToken(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Until(s.tokenExpiry) > tokenRefreshMargin {
		return nil
	}
	return s.acquireToken(ctx)
}

// acquireToken exchanges the password credentials for a fresh bearer token.
// Callers must hold s.mu. Failures wrap ErrToken: the run cannot proceed
// without credentials.
func (s *Session) acquireToken(ctx context.Context) error {
	s.logger.Info("acquiring auth token", "tenant", s.cfg.Tenant)

	body, err := json.Marshal(tokenRequest{
		PasswordCredentials: passwordCredentials{
			Username: s.cfg.Username,
			Password: s.cfg.Password,
		},
		TenantName: s.cfg.Tenant,
	})
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", ErrToken, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+tokenPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrToken, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(s.cfg.APIUsername, s.cfg.APIPassword)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrToken, err)
	}
	defer resp.Body.Close()

	if !success(resp.StatusCode) {
		return fmt.Errorf("%w: remote returned %d", ErrToken, resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrToken, err)
	}
	if tok.Token.ID == "" {
		return fmt.Errorf("%w: response carried no token id", ErrToken)
	}

	expiry, err := time.Parse(time.RFC3339, tok.Token.Expires)
	if err != nil {
		return fmt.Errorf("%w: parse expiry %q: %v", ErrToken, tok.Token.Expires, err)
	}

	s.token = tok.Token.ID
	s.tokenExpiry = expiry
	tokenRefreshesTotal.Inc()

	s.logger.Debug("token acquired", "expires", expiry)
	return nil
}

// newRequest builds an authenticated request against the platform. The basic
// auth header rides on every call; the bearer token is attached once held.
func (s *Session) newRequest(ctx context.Context, method, path string, query url.Values, contentType string, body io.Reader) (*http.Request, error) {
	u := s.cfg.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.SetBasicAuth(s.cfg.APIUsername, s.cfg.APIPassword)

	s.mu.Lock()
	if s.token != "" {
		req.Header.Set("X-Auth-Token", s.token)
	}
	s.mu.Unlock()

	return req, nil
}

// do executes the request on the shared client.
func (s *Session) do(req *http.Request) (*http.Response, error) {
	return s.client.Do(req)
}

// success is the explicit success predicate over the protocol status class.
func success(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
