package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/kcolemangt/ai-proxy/auth"
	"github.com/kcolemangt/ai-proxy/model"
	"github.com/kcolemangt/ai-proxy/utils"
)

const (
	tokenPreviewLen   = 12
	diagnosticTimeout = auth.ExchangeTimeout + 2*time.Second
)

type healthReport struct {
	Status             string            `json:"status"`
	Message            string            `json:"message"`
	DefaultProvider    model.ProviderID  `json:"default_provider"`
	Usage              healthUsage       `json:"usage"`
	Environment        map[string]string `json:"environment"`
	SupportedProviders []string          `json:"supported_providers"`
}

type healthUsage struct {
	SmartProxy      string              `json:"smart_proxy"`
	Routing         map[string]string   `json:"routing"`
	DirectEndpoints map[string][]string `json:"direct_endpoints"`
}

var routingHelp = map[model.ProviderID]string{
	model.OpenRouter: "Auto-detected for: gpt-*, claude-*, llama-* and anything unmatched",
	model.DeepSeek:   "Auto-detected for: deepseek-*",
	model.GigaChat:   "Auto-detected for: gigachat-*, gpt-4*",
}

// handleHealth reports routing and whether each secret is set, never the secrets themselves
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := healthReport{
		Status:          "OK",
		Message:         "Universal AI Proxy is running",
		DefaultProvider: s.selector.Default,
		Usage: healthUsage{
			SmartProxy:      "Use /proxy/* for automatic routing",
			Routing:         map[string]string{},
			DirectEndpoints: map[string][]string{},
		},
		Environment: map[string]string{},
	}

	for _, id := range s.registry.IDs() {
		p, _ := s.registry.Get(id)
		slug := id.Slug()
		if help, ok := routingHelp[id]; ok {
			report.Usage.Routing[slug] = help
		}
		var endpoints []string
		if p.ChatPath != "" {
			endpoints = append(endpoints, "POST /"+slug+"/chat")
		}
		if p.ModelsPath != "" {
			endpoints = append(endpoints, "GET /"+slug+"/models")
		}
		if len(endpoints) > 0 {
			report.Usage.DirectEndpoints[slug] = endpoints
		}

		key := p.KeyEnvVar
		if key == "" {
			key = slug + "_key"
		}
		if p.Secret != "" {
			report.Environment[key] = "set"
		} else {
			report.Environment[key] = "missing"
		}

		name := p.DisplayName
		if name == "" {
			name = string(id)
		}
		report.SupportedProviders = append(report.SupportedProviders, name)
	}

	writeJSON(w, http.StatusOK, report)
}

type credentialReport struct {
	Provider     model.ProviderID  `json:"provider"`
	SecretFormat auth.SecretFormat `json:"secret_format"`
	SecretLength int               `json:"secret_length"`
	OK           bool              `json:"ok"`
	Cached       bool              `json:"cached"`
	TokenPreview string            `json:"token_preview,omitempty"`
	TokenLength  int               `json:"token_length,omitempty"`
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
	Error        *model.ErrorBody  `json:"error,omitempty"`
}

// handleCredentials checks that a token can currently be obtained for every OAuthExchange provider
func (s *Server) handleCredentials(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), diagnosticTimeout)
	defer cancel()

	reports := make([]credentialReport, 0, len(s.credentials))
	for _, p := range s.registry.OAuthProviders() {
		creds, ok := s.credentials[p.ID]
		if !ok {
			continue
		}
		rep := credentialReport{
			Provider:     p.ID,
			SecretFormat: creds.SecretFormat(),
			SecretLength: creds.SecretLength(),
			Cached:       creds.State().Valid,
		}
		token, err := creds.Token(ctx)
		if err != nil {
			body := model.AsProxyError(err).Body()
			rep.Error = &body
		} else {
			rep.OK = true
			rep.TokenPreview = utils.Preview(token, tokenPreviewLen)
			rep.TokenLength = len(token)
			if st := creds.State(); !st.ExpiresAt.IsZero() {
				exp := st.ExpiresAt
				rep.ExpiresAt = &exp
			}
		}
		reports = append(reports, rep)
	}

	writeJSON(w, http.StatusOK, map[string]any{"credentials": reports})
}
