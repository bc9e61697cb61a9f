package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/kcolemangt/ai-proxy/auth"
	"github.com/kcolemangt/ai-proxy/model"
	"github.com/kcolemangt/ai-proxy/provider"
	"github.com/kcolemangt/ai-proxy/proxy"
	"github.com/kcolemangt/ai-proxy/utils"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// maxBodyBytes caps inbound request bodies
const maxBodyBytes = 32 << 20

// Credentials is the token manager of one OAuthExchange provider
type Credentials interface {
	auth.TokenSource
	State() auth.TokenState
	SecretFormat() auth.SecretFormat
	SecretLength() int
}

// Server wires the selector, credential managers and gateway behind the HTTP routes
type Server struct {
	registry    *provider.Registry
	selector    provider.Selector
	gateway     *proxy.Gateway
	credentials map[model.ProviderID]Credentials
	logger      *zap.Logger
}

// NewServer builds the registry, gateway and one credential manager per OAuthExchange provider
func NewServer(cfg *model.Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	reg, err := provider.NewRegistry(cfg.Providers)
	if err != nil {
		return nil, err
	}
	creds := make(map[model.ProviderID]Credentials)
	for _, p := range reg.OAuthProviders() {
		m, err := auth.NewManager(p, logger)
		if err != nil {
			return nil, err
		}
		creds[p.ID] = m
	}
	return &Server{
		registry:    reg,
		selector:    provider.NewSelector(cfg.DefaultProvider),
		gateway:     proxy.NewGateway(reg, logger),
		credentials: creds,
		logger:      logger,
	}, nil
}

// NewRouter registers the generic pass-through, direct provider, health and diagnostic routes
func (s *Server) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/", s.handleHealth)
	r.Get("/debug/credentials", s.handleCredentials)
	r.HandleFunc("/proxy/*", s.handleProxy)

	for _, id := range s.registry.IDs() {
		p, _ := s.registry.Get(id)
		if p.ChatPath != "" {
			r.Post("/"+id.Slug()+"/chat", s.direct(id, p.ChatPath))
		}
		if p.ModelsPath != "" {
			r.Get("/"+id.Slug()+"/models", s.direct(id, p.ModelsPath))
		}
	}
	return r
}

// handleProxy routes by the model named in the body
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	modelName := modelField(body)
	id := s.selector.Select(modelName)

	s.logger.Info("Incoming request for model",
		zap.String("model", modelName),
		zap.String("provider", string(id)),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path))

	s.forward(w, r, id, chi.URLParam(r, "*"), body)
}

// direct pins the provider and upstream path; no selection happens
func (s *Server) direct(id model.ProviderID, path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, ok := s.readBody(w, r)
		if !ok {
			return
		}
		s.logger.Info("Direct provider request",
			zap.String("provider", string(id)),
			zap.String("path", path))
		s.forward(w, r, id, path, body)
	}
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request, id model.ProviderID, path string, body []byte) {
	p, ok := s.registry.Get(id)
	if !ok {
		s.writeError(w, &model.ProxyError{
			Kind:     model.ErrProviderNotConfigured,
			Provider: id,
			Message:  "no suitable backend configured",
		})
		return
	}

	authorization, err := s.authorization(r.Context(), p, r.Header)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp, err := s.gateway.Forward(r.Context(), p, r.Method, path, r.URL.RawQuery, body, r.Header, authorization)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := proxy.Relay(w, resp); err != nil {
		// status is already written; the client sees a truncated body
		s.logger.Warn("Relaying upstream body failed",
			zap.String("provider", string(id)),
			zap.Error(err))
	}
}

// authorization computes the Authorization header for a provider. An empty result forwards the caller's own header.
func (s *Server) authorization(ctx context.Context, p model.ProviderConfig, inbound http.Header) (string, error) {
	switch p.Auth {
	case model.OAuthExchange:
		creds, ok := s.credentials[p.ID]
		if !ok {
			return "", &model.ProxyError{Kind: model.ErrMisconfiguredSecret, Provider: p.ID, Message: "no credential manager for provider"}
		}
		token, err := creds.Token(ctx)
		if err != nil {
			return "", err
		}
		return "Bearer " + token, nil
	default:
		if key := bearerKey(p.Secret); key != "" {
			return "Bearer " + key, nil
		}
		if existing := inbound.Get("Authorization"); existing != "" {
			s.logger.Info("No key configured, forwarding caller Authorization",
				zap.String("provider", string(p.ID)),
				zap.String("Authorization", utils.RedactAuthorization(existing)))
			return "", nil
		}
		return "", &model.ProxyError{
			Kind:     model.ErrMisconfiguredSecret,
			Provider: p.ID,
			Message:  fmt.Sprintf("API key is not set (%s) and the request carries no Authorization header", p.KeyEnvVar),
		}
	}
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Body == nil {
		return nil, true
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.logger.Warn("Error reading request body", zap.Error(err))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, model.ErrorBody{
				Error:   "request_too_large",
				Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			})
			return nil, false
		}
		writeJSON(w, http.StatusBadRequest, model.ErrorBody{Error: "invalid_request", Message: "error reading request body: " + err.Error()})
		return nil, false
	}
	return body, true
}

// bearerKey strips a "Bearer " prefix that operators sometimes paste into the key variable
func bearerKey(secret string) string {
	secret = strings.TrimSpace(secret)
	if len(secret) > 7 && strings.EqualFold(secret[:7], "bearer ") {
		return strings.TrimSpace(secret[7:])
	}
	return secret
}

// modelField reads the model name without decoding the rest of the body
func modelField(body []byte) string {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return ""
	}
	res := gjson.GetBytes(body, "model")
	if res.Type != gjson.String {
		return ""
	}
	return res.Str
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	pe := model.AsProxyError(err)
	status := pe.HTTPStatus()
	s.logger.Error("Proxy error",
		zap.String("kind", string(pe.Kind)),
		zap.String("provider", string(pe.Provider)),
		zap.Int("status", status),
		zap.Int("upstreamStatus", pe.UpstreamStatus),
		zap.Error(err))
	writeJSON(w, status, pe.Body())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
