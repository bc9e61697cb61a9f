package model

import (
	"strings"

	"go.uber.org/zap"
)

// ProviderID identifies an upstream AI provider
type ProviderID string

const (
	OpenRouter ProviderID = "OPENROUTER"
	DeepSeek   ProviderID = "DEEPSEEK"
	GigaChat   ProviderID = "GIGACHAT"
)

// ParseProviderID normalizes a provider name such as "deepseek" into its identifier
func ParseProviderID(name string) ProviderID {
	return ProviderID(strings.ToUpper(strings.TrimSpace(name)))
}

// Slug is the lowercase form used in direct route paths
func (id ProviderID) Slug() string {
	return strings.ToLower(string(id))
}

// AuthStrategy describes how the proxy authenticates against a provider
type AuthStrategy string

const (
	StaticBearer  AuthStrategy = "static_bearer"
	OAuthExchange AuthStrategy = "oauth_exchange"
)

// OAuthConfig describes the token endpoint of an OAuthExchange provider
type OAuthConfig struct {
	TokenURL           string `json:"token_url" yaml:"token_url"`
	Scope              string `json:"scope" yaml:"scope"`
	ScopeEnvVar        string `json:"scope_env_var" yaml:"scope_env_var"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// ProviderConfig defines the structure for an upstream provider
type ProviderConfig struct {
	ID                 ProviderID        `json:"id" yaml:"id"`
	DisplayName        string            `json:"display_name" yaml:"display_name"`
	BaseURL            string            `json:"base_url" yaml:"base_url"`
	ChatPath           string            `json:"chat_path" yaml:"chat_path"`
	ModelsPath         string            `json:"models_path" yaml:"models_path"`
	Headers            map[string]string `json:"headers" yaml:"headers"`
	Auth               AuthStrategy      `json:"auth" yaml:"auth"`
	KeyEnvVar          string            `json:"key_env_var" yaml:"key_env_var"`
	InsecureSkipVerify bool              `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	OAuth              *OAuthConfig      `json:"oauth,omitempty" yaml:"oauth,omitempty"`

	// Secret is resolved from KeyEnvVar at startup and never serialized
	Secret string `json:"-" yaml:"-"`
}

// Config is the structure for the proxy configuration
type Config struct {
	ListeningPort   int              `json:"listening_port" yaml:"listening_port"`
	DefaultProvider ProviderID       `json:"default_provider" yaml:"default_provider"`
	Providers       []ProviderConfig `json:"providers" yaml:"providers"`
	Logger          *zap.Logger      `json:"-" yaml:"-"`
}
