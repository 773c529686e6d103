// Package featurecloud is a client for the FeatureCloud REST API and the
// controller daemon running next to each participant.
package featurecloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/absmach/fedsim/pkg/clock"
	pkgerrors "github.com/absmach/fedsim/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	DefaultAPIURL        = "https://featurecloud.ai"
	DefaultControllerURL = "http://localhost:8000"

	dialTimeout          = 30 * time.Second
	defaultHeaderTimeout = 60 * time.Second
	maxErrorBody         = 512
)

var errNotLoggedIn = errors.New("session has no access token")

type options struct {
	client *http.Client
	logger *slog.Logger
	clock  clock.Clock
}

type Option func(*options)

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.client = c
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithClock sets the clock used for waits between protocol steps.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func newOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	if o.client == nil {
		o.client = NewHTTPClient(defaultHeaderTimeout)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	if o.clock == nil {
		o.clock = clock.Real()
	}

	return o
}

// NewHTTPClient returns an HTTP client whose requests are traced. It has no
// overall timeout, so uploads and downloads may stream for as long as they
// need; headerTimeout bounds the wait for a response once the request is
// written.
func NewHTTPClient(headerTimeout time.Duration) *http.Client {
	return &http.Client{
		Transport: otelhttp.NewTransport(newTransport(headerTimeout)),
	}
}

func newTransport(headerTimeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: dialTimeout, KeepAlive: dialTimeout}).DialContext
	t.ResponseHeaderTimeout = headerTimeout

	return t
}

// UserInfo is the account description returned by the API.
type UserInfo struct {
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Session is an authenticated connection to the FeatureCloud API for one user.
type Session struct {
	baseURL  string
	username string
	client   *http.Client
	logger   *slog.Logger
	clock    clock.Clock

	mu      sync.RWMutex
	access  string
	refresh string
}

// NewSession returns an unauthenticated session against baseURL.
func NewSession(baseURL string, opts ...Option) *Session {
	o := newOptions(opts)

	return &Session{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  o.client,
		logger:  o.logger,
		clock:   o.clock,
	}
}

// Authenticate creates a session and logs in.
func Authenticate(ctx context.Context, baseURL, username, secret string, opts ...Option) (*Session, error) {
	s := NewSession(baseURL, opts...)
	if err := s.Login(ctx, username, secret); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Session) Username() string {
	return s.username
}

// Login exchanges credentials for an access/refresh token pair.
func (s *Session) Login(ctx context.Context, username, secret string) error {
	s.logger.Debug("logging in", slog.String("user", username))

	var resp struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}
	body := map[string]string{"username": username, "password": secret}
	if err := s.do(ctx, http.MethodPost, "/api/auth/login/", body, &resp); err != nil {
		if errors.Is(err, pkgerrors.ErrRemote) {
			return fmt.Errorf("%w: user %s: %w", pkgerrors.ErrAuth, username, err)
		}

		return err
	}

	if resp.Access == "" {
		return fmt.Errorf("%w: user %s: empty access token", pkgerrors.ErrAuth, username)
	}

	s.mu.Lock()
	s.username = username
	s.access = resp.Access
	s.refresh = resp.Refresh
	s.mu.Unlock()

	return nil
}

// RefreshToken obtains a new access token using the refresh token.
func (s *Session) RefreshToken(ctx context.Context) error {
	s.mu.RLock()
	refresh := s.refresh
	s.mu.RUnlock()

	if refresh == "" {
		return fmt.Errorf("%w: %w", pkgerrors.ErrAuth, errNotLoggedIn)
	}

	var resp struct {
		Access string `json:"access"`
	}
	if err := s.do(ctx, http.MethodPost, "/api/auth/token/refresh/", map[string]string{"refresh": refresh}, &resp); err != nil {
		if errors.Is(err, pkgerrors.ErrRemote) {
			return fmt.Errorf("%w: refreshing token: %w", pkgerrors.ErrAuth, err)
		}

		return err
	}

	s.mu.Lock()
	s.access = resp.Access
	s.mu.Unlock()

	return nil
}

func (s *Session) UserInfo(ctx context.Context) (UserInfo, error) {
	var info UserInfo
	if err := s.do(ctx, http.MethodGet, "/api/user/info/", nil, &info); err != nil {
		return UserInfo{}, err
	}

	return info, nil
}

// IsLoggedIn reports whether the access token is accepted by the API.
func (s *Session) IsLoggedIn(ctx context.Context) bool {
	_, err := s.UserInfo(ctx)
	s.logger.Debug("checked login", slog.String("user", s.username), slog.Bool("ok", err == nil))

	return err == nil
}

// SiteInfo returns the raw site description document.
func (s *Session) SiteInfo(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := s.do(ctx, http.MethodGet, "/api/site/", nil, &raw); err != nil {
		return nil, err
	}

	return raw, nil
}

func (s *Session) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	s.mu.RLock()
	if s.access != "" {
		req.Header.Set("Authorization", "Bearer "+s.access)
	}
	s.mu.RUnlock()

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", pkgerrors.ErrTransport, method, path, err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return err
	}

	if out == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s %s: %w", pkgerrors.ErrRemote, method, path, err)
	}

	return nil
}

func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	return &pkgerrors.RemoteError{
		Method:     resp.Request.Method,
		Path:       resp.Request.URL.Path,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(data)),
	}
}
