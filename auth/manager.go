package auth

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kcolemangt/ai-proxy/model"
	"github.com/kcolemangt/ai-proxy/utils"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// TokenTTL is deliberately shorter than the provider's own token lifetime
	TokenTTL = 25 * time.Minute
	// ExchangeTimeout bounds a single token exchange round-trip
	ExchangeTimeout = 10 * time.Second

	maxExchangeBody = 1 << 20
)

// TokenSource hands out bearer tokens for an OAuthExchange provider
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenState is a snapshot of the cache used for diagnostics
type TokenState struct {
	Token     string
	ExpiresAt time.Time
	Valid     bool
}

type cachedToken struct {
	value     string
	expiresAt time.Time
}

// Manager owns the token cache of one OAuthExchange provider
type Manager struct {
	provider model.ProviderID
	tokenURL string
	scope    string
	secret   string

	client *http.Client
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	cached cachedToken
	group  singleflight.Group
}

// Option customizes a Manager
type Option func(*Manager)

// WithHTTPClient replaces the client used for token exchanges
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a token manager for an OAuthExchange provider
func NewManager(cfg model.ProviderConfig, logger *zap.Logger, opts ...Option) (*Manager, error) {
	if cfg.Auth != model.OAuthExchange || cfg.OAuth == nil {
		return nil, fmt.Errorf("provider %s does not use an oauth exchange", cfg.ID)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		provider: cfg.ID,
		tokenURL: cfg.OAuth.TokenURL,
		scope:    cfg.OAuth.Scope,
		secret:   cfg.Secret,
		logger:   logger.With(zap.String("provider", string(cfg.ID))),
		now:      time.Now,
		client: &http.Client{
			Timeout:   ExchangeTimeout,
			Transport: newTransport(cfg.OAuth.InsecureSkipVerify),
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func newTransport(insecure bool) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // required by the provider's internal CA
	}
	return t
}

// Token returns a cached bearer token, exchanging the secret when none is valid.
// Concurrent callers that miss the cache share a single exchange.
func (m *Manager) Token(ctx context.Context) (string, error) {
	if tok, ok := m.fresh(); ok {
		m.logger.Debug("Using cached token")
		return tok, nil
	}

	ch := m.group.DoChan("token", func() (any, error) {
		if tok, ok := m.fresh(); ok {
			return tok, nil
		}
		// the exchange is shared, so one caller's cancellation must not fail the others
		exCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ExchangeTimeout)
		defer cancel()
		tok, err := m.exchange(exCtx)
		if err != nil {
			return "", err
		}
		m.store(tok)
		return tok, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// State reports the cached token without triggering an exchange
func (m *Manager) State() TokenState {
	m.mu.RLock()
	c := m.cached
	m.mu.RUnlock()
	return TokenState{
		Token:     c.value,
		ExpiresAt: c.expiresAt,
		Valid:     c.value != "" && m.now().Before(c.expiresAt),
	}
}

// SecretFormat reports how the configured secret is encoded
func (m *Manager) SecretFormat() SecretFormat {
	_, format, err := BasicAuthorization(m.secret)
	if err != nil && format != FormatMissing {
		return FormatInvalid
	}
	return format
}

// SecretLength is the length of the configured secret
func (m *Manager) SecretLength() int {
	return len(strings.TrimSpace(m.secret))
}

func (m *Manager) fresh() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cached.value != "" && m.now().Before(m.cached.expiresAt) {
		return m.cached.value, true
	}
	return "", false
}

func (m *Manager) store(tok string) {
	expiresAt := m.now().Add(TokenTTL)
	m.mu.Lock()
	m.cached = cachedToken{value: tok, expiresAt: expiresAt}
	m.mu.Unlock()
	m.logger.Info("Token refreshed",
		zap.String("token", utils.Preview(tok, 10)),
		zap.Time("expiresAt", expiresAt))
}

type exchangeResponse struct {
	AccessToken string `json:"access_token"`
	// ExpiresAt is the provider's own expiry in unix milliseconds. It is logged, not trusted.
	ExpiresAt int64 `json:"expires_at"`
}

func (m *Manager) exchange(ctx context.Context) (string, error) {
	authorization, _, err := BasicAuthorization(m.secret)
	if err != nil {
		var pe *model.ProxyError
		if errors.As(err, &pe) {
			pe.Provider = m.provider
		}
		m.logger.Error("Cannot exchange token with misconfigured secret", zap.Error(err))
		return "", err
	}

	form := url.Values{}
	if m.scope != "" {
		form.Set("scope", m.scope)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", m.exchangeError("building token request", 0, nil, err)
	}
	rqUID := uuid.NewString()
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("RqUID", rqUID)

	m.logger.Debug("Exchanging secret for token",
		zap.String("tokenURL", m.tokenURL),
		zap.String("rqUID", rqUID),
		zap.String("Authorization", utils.RedactAuthorization(authorization)))

	resp, err := m.client.Do(req)
	if err != nil {
		return "", m.exchangeError("token endpoint unreachable", 0, nil, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxExchangeBody))
	if err != nil {
		return "", m.exchangeError("reading token response", resp.StatusCode, nil, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", m.exchangeError("token endpoint rejected the secret", resp.StatusCode, body, nil)
	}

	var out exchangeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", m.exchangeError("decoding token response", resp.StatusCode, body, err)
	}
	tok := strings.TrimSpace(out.AccessToken)
	if tok == "" {
		return "", m.exchangeError("token response has no access_token", resp.StatusCode, body, nil)
	}
	if out.ExpiresAt > 0 {
		m.logger.Debug("Provider reported token expiry", zap.Time("providerExpiresAt", time.UnixMilli(out.ExpiresAt)))
	}
	return tok, nil
}

func (m *Manager) exchangeError(msg string, status int, body []byte, cause error) error {
	pe := &model.ProxyError{
		Kind:           model.ErrCredentialExchangeFailed,
		Provider:       m.provider,
		Message:        msg,
		UpstreamStatus: status,
		Details:        body,
		Cause:          cause,
	}
	var netErr net.Error
	if errors.As(cause, &netErr) && netErr.Timeout() {
		pe.Timeout = true
	}
	m.logger.Error("Token exchange failed",
		zap.String("reason", msg),
		zap.Int("status", status),
		zap.ByteString("details", body),
		zap.Error(cause))
	return pe
}
