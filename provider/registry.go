package provider

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/kcolemangt/ai-proxy/model"
)

// Registry is the immutable set of configured providers
type Registry struct {
	providers map[model.ProviderID]model.ProviderConfig
	order     []model.ProviderID
}

// NewRegistry validates the provider configurations and freezes a copy of them
func NewRegistry(configs []model.ProviderConfig) (*Registry, error) {
	r := &Registry{providers: make(map[model.ProviderID]model.ProviderConfig, len(configs))}
	for _, cfg := range configs {
		if cfg.ID == "" {
			return nil, fmt.Errorf("provider with base URL %q has no id", cfg.BaseURL)
		}
		if _, dup := r.providers[cfg.ID]; dup {
			return nil, fmt.Errorf("provider %s configured twice", cfg.ID)
		}
		u, err := url.Parse(cfg.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("provider %s: invalid base URL %q", cfg.ID, cfg.BaseURL)
		}
		switch cfg.Auth {
		case model.StaticBearer:
		case model.OAuthExchange:
			if cfg.OAuth == nil || cfg.OAuth.TokenURL == "" {
				return nil, fmt.Errorf("provider %s: oauth_exchange requires a token URL", cfg.ID)
			}
		default:
			return nil, fmt.Errorf("provider %s: unknown auth strategy %q", cfg.ID, cfg.Auth)
		}
		r.providers[cfg.ID] = freeze(cfg)
		r.order = append(r.order, cfg.ID)
	}
	return r, nil
}

func freeze(cfg model.ProviderConfig) model.ProviderConfig {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	cfg.Headers = headers
	if cfg.OAuth != nil {
		oauth := *cfg.OAuth
		cfg.OAuth = &oauth
	}
	return cfg
}

// Get returns a copy of the provider configuration
func (r *Registry) Get(id model.ProviderID) (model.ProviderConfig, bool) {
	cfg, ok := r.providers[id]
	if !ok {
		return model.ProviderConfig{}, false
	}
	return freeze(cfg), true
}

// IDs lists providers in configuration order
func (r *Registry) IDs() []model.ProviderID {
	return append([]model.ProviderID(nil), r.order...)
}

// BySlug resolves the lowercase route name of a provider
func (r *Registry) BySlug(slug string) (model.ProviderConfig, bool) {
	return r.Get(model.ParseProviderID(slug))
}

// OAuthProviders lists the providers that need a token exchange, sorted by id
func (r *Registry) OAuthProviders() []model.ProviderConfig {
	var out []model.ProviderConfig
	for _, id := range r.order {
		if cfg := r.providers[id]; cfg.Auth == model.OAuthExchange {
			out = append(out, freeze(cfg))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
