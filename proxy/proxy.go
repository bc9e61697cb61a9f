package proxy

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/kcolemangt/ai-proxy/model"
	"github.com/kcolemangt/ai-proxy/provider"
	"github.com/kcolemangt/ai-proxy/utils"
	"go.uber.org/zap"
)

// RequestTimeout bounds every data call to a provider, including reading the response body
const RequestTimeout = 30 * time.Second

// hopHeaders are connection-scoped and never forwarded in either direction
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// inboundOnlyHeaders are recomputed by the transport for the upstream hop
var inboundOnlyHeaders = []string{
	"Host",
	"Content-Length",
	"Accept-Encoding",
}

// OutboundRequest is the fully composed call to a provider
type OutboundRequest struct {
	Provider model.ProviderID
	Method   string
	URL      string
	Header   http.Header
	Body     []byte
	Timeout  time.Duration
}

// Gateway issues calls to the configured providers
type Gateway struct {
	clients map[model.ProviderID]*http.Client
	logger  *zap.Logger
}

// NewGateway builds one HTTP client per provider so relaxed TLS stays scoped to the provider that asks for it
func NewGateway(reg *provider.Registry, logger *zap.Logger) *Gateway {
	g := &Gateway{clients: make(map[model.ProviderID]*http.Client), logger: logger}
	for _, id := range reg.IDs() {
		cfg, _ := reg.Get(id)
		g.clients[id] = &http.Client{
			Timeout:   RequestTimeout,
			Transport: newTransport(cfg.InsecureSkipVerify),
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
		if cfg.InsecureSkipVerify {
			logger.Warn("TLS verification disabled for provider", zap.String("provider", string(id)))
		}
	}
	return g
}

func newTransport(insecure bool) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // per-provider opt-in
	}
	return t
}

// Compose builds the outbound request. Header layers, lowest to highest precedence:
// caller headers, provider static headers, authorization, content type.
// An empty authorization keeps whatever the caller sent.
func Compose(p model.ProviderConfig, method, path, rawQuery string, body []byte, caller http.Header, authorization string) OutboundRequest {
	target := p.BaseURL + "/" + strings.TrimLeft(path, "/")
	if rawQuery != "" {
		target += "?" + rawQuery
	}

	header := make(http.Header)
	for k, vv := range caller {
		header[k] = append([]string(nil), vv...)
	}
	removeHeaders(header, hopHeaders)
	removeHeaders(header, inboundOnlyHeaders)

	for k, v := range p.Headers {
		header.Set(k, v)
	}
	if authorization != "" {
		header.Set("Authorization", authorization)
	}
	header.Set("Content-Type", "application/json")

	return OutboundRequest{
		Provider: p.ID,
		Method:   method,
		URL:      target,
		Header:   header,
		Body:     body,
		Timeout:  RequestTimeout,
	}
}

func removeHeaders(h http.Header, names []string) {
	// Connection may list additional hop-by-hop headers
	for _, v := range h.Values("Connection") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				h.Del(f)
			}
		}
	}
	for _, name := range names {
		h.Del(name)
	}
}

// Do performs the call. Any upstream status, including 4xx and 5xx, is returned as a
// response for the caller to relay; only a missing response is an error.
// The caller must close the response body.
func (g *Gateway) Do(ctx context.Context, out OutboundRequest) (*http.Response, error) {
	client, ok := g.clients[out.Provider]
	if !ok {
		return nil, &model.ProxyError{
			Kind:     model.ErrProviderNotConfigured,
			Provider: out.Provider,
			Message:  "no client for provider",
		}
	}

	req, err := http.NewRequestWithContext(ctx, out.Method, out.URL, bytes.NewReader(out.Body))
	if err != nil {
		return nil, &model.ProxyError{
			Kind:     model.ErrUpstreamUnreachable,
			Provider: out.Provider,
			Message:  "building upstream request",
			Cause:    err,
		}
	}
	req.Header = out.Header
	if len(out.Body) == 0 {
		req.Body = http.NoBody
		req.ContentLength = 0
	}

	g.logger.Info("Forwarding request",
		zap.String("provider", string(out.Provider)),
		zap.String("method", out.Method),
		zap.String("URL", out.URL),
		zap.String("Authorization", utils.RedactAuthorization(out.Header.Get("Authorization"))))

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		pe := &model.ProxyError{
			Kind:     model.ErrUpstreamUnreachable,
			Provider: out.Provider,
			Message:  "no response from provider",
			Cause:    err,
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			pe.Timeout = true
		}
		g.logger.Error("Upstream call failed",
			zap.String("provider", string(out.Provider)),
			zap.String("URL", out.URL),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return nil, pe
	}

	fields := []zap.Field{
		zap.String("provider", string(out.Provider)),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)),
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		g.logger.Warn("Provider returned non-2xx, relaying as is",
			append(fields, zap.String("kind", string(model.ErrUpstreamRejected)))...)
	} else {
		g.logger.Info("Provider responded", fields...)
	}
	return resp, nil
}

// Forward composes and performs a call in one step
func (g *Gateway) Forward(ctx context.Context, p model.ProviderConfig, method, path, rawQuery string, body []byte, caller http.Header, authorization string) (*http.Response, error) {
	return g.Do(ctx, Compose(p, method, path, rawQuery, body, caller, authorization))
}
