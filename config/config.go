package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kcolemangt/ai-proxy/auth"
	"github.com/kcolemangt/ai-proxy/model"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Flags holds the parsed command-line flags
type Flags struct {
	ConfigFile      string
	ListeningPort   int
	DefaultProvider string
	LogLevel        string
	LogFile         string
}

// DefaultConfig is used when no configuration file can be read.
func DefaultConfig() model.Config {
	return model.Config{
		ListeningPort:   3000,
		DefaultProvider: model.OpenRouter,
		Providers: []model.ProviderConfig{
			{
				ID:          model.OpenRouter,
				DisplayName: "OpenRouter (330+ models)",
				BaseURL:     "https://openrouter.ai/api",
				ChatPath:    "/v1/chat/completions",
				ModelsPath:  "/v1/models",
				Auth:        model.StaticBearer,
				KeyEnvVar:   "OPENROUTER_KEY",
				Headers: map[string]string{
					"HTTP-Referer": "https://openai-proxy-gglw.onrender.com",
					"X-Title":      "Corporate AI Proxy",
				},
			},
			{
				ID:          model.DeepSeek,
				DisplayName: "DeepSeek (deepseek-chat, deepseek-coder)",
				BaseURL:     "https://api.deepseek.com",
				ChatPath:    "/v1/chat/completions",
				ModelsPath:  "/v1/models",
				Auth:        model.StaticBearer,
				KeyEnvVar:   "DEEPSEEK_KEY",
			},
			{
				ID:                 model.GigaChat,
				DisplayName:        "GigaChat (GigaChat-Pro, GigaChat-Max)",
				BaseURL:            "https://gigachat.devices.sberbank.ru/api/v1",
				ChatPath:           "/chat/completions",
				ModelsPath:         "/models",
				Auth:               model.OAuthExchange,
				KeyEnvVar:          "GIGACHAT_KEY",
				InsecureSkipVerify: true,
				OAuth: &model.OAuthConfig{
					TokenURL:           "https://ngw.devices.sberbank.ru:9443/api/v2/oauth",
					Scope:              "GIGACHAT_API_PERS",
					ScopeEnvVar:        "GIGACHAT_SCOPE",
					InsecureSkipVerify: true,
				},
			},
		},
	}
}

// LoadConfig loads the configuration from the specified file or from a default if the file cannot be read.
func LoadConfig(flags Flags, defaultConfig model.Config, logger *zap.Logger) (*model.Config, error) {
	// Existing environment variables take priority over values defined in the .env file
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found or unable to load it, continuing with system environment variables", zap.Error(err))
	} else {
		logger.Info(".env file loaded successfully")
	}

	logger.Info("Starting configuration loading", zap.String("configFile", flags.ConfigFile))

	var cfg model.Config
	if _, err := os.Stat(flags.ConfigFile); flags.ConfigFile != "" && err == nil {
		logger.Info("Config file found", zap.String("file", flags.ConfigFile))
		fileData, err := os.ReadFile(flags.ConfigFile)
		if err != nil {
			logger.Error("Failed to read config file", zap.String("file", flags.ConfigFile), zap.Error(err))
			return nil, err
		}
		if err := unmarshal(flags.ConfigFile, fileData, &cfg); err != nil {
			logger.Error("Failed to unmarshal config data", zap.String("file", flags.ConfigFile), zap.Error(err))
			return nil, err
		}
		if len(cfg.Providers) == 0 {
			cfg.Providers = defaultConfig.Providers
		}
		if cfg.ListeningPort == 0 {
			cfg.ListeningPort = defaultConfig.ListeningPort
		}
		if cfg.DefaultProvider == "" {
			cfg.DefaultProvider = defaultConfig.DefaultProvider
		}
		logger.Info("Config file loaded and parsed", zap.String("file", flags.ConfigFile))
	} else {
		logger.Warn("Config file not found, using default configuration", zap.String("file", flags.ConfigFile))
		cfg = defaultConfig
	}
	// never alias the caller's provider slice
	cfg.Providers = append([]model.ProviderConfig(nil), cfg.Providers...)

	// Apply environment and command line overrides, flags last
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		cfg.ListeningPort = p
	}
	if flags.ListeningPort != 0 {
		cfg.ListeningPort = flags.ListeningPort
		logger.Info("Listening port override applied", zap.Int("port", flags.ListeningPort))
	}
	if def := os.Getenv("DEFAULT_PROVIDER"); def != "" {
		cfg.DefaultProvider = model.ParseProviderID(def)
	}
	if flags.DefaultProvider != "" {
		cfg.DefaultProvider = model.ParseProviderID(flags.DefaultProvider)
		logger.Info("Default provider override applied", zap.String("provider", string(cfg.DefaultProvider)))
	}
	cfg.DefaultProvider = model.ParseProviderID(string(cfg.DefaultProvider))

	found := false
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		p.ID = model.ParseProviderID(string(p.ID))
		if p.ID == cfg.DefaultProvider {
			found = true
		}
		resolveSecrets(p, logger)
	}
	if !found {
		return nil, fmt.Errorf("default provider %q is not configured", cfg.DefaultProvider)
	}

	cfg.Logger = logger

	logger.Info("Configuration loading completed successfully",
		zap.Int("port", cfg.ListeningPort),
		zap.String("defaultProvider", string(cfg.DefaultProvider)))
	return &cfg, nil
}

func unmarshal(file string, data []byte, cfg *model.Config) error {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

// resolveSecrets reads the provider secret from its environment variable and reports format problems early
func resolveSecrets(p *model.ProviderConfig, logger *zap.Logger) {
	if p.OAuth != nil {
		oauth := *p.OAuth
		if oauth.ScopeEnvVar != "" {
			if scope := os.Getenv(oauth.ScopeEnvVar); scope != "" {
				oauth.Scope = scope
			}
		}
		p.OAuth = &oauth
	}
	if p.KeyEnvVar != "" {
		p.Secret = strings.TrimSpace(os.Getenv(p.KeyEnvVar))
	}

	if p.Secret == "" {
		logger.Warn("Provider secret is not set",
			zap.String("provider", string(p.ID)),
			zap.String("envVar", p.KeyEnvVar),
			zap.String("kind", string(model.ErrMisconfiguredSecret)))
		return
	}
	if p.Auth == model.OAuthExchange {
		if _, _, err := auth.BasicAuthorization(p.Secret); err != nil {
			logger.Warn("Provider secret has an unrecognized format",
				zap.String("provider", string(p.ID)),
				zap.String("envVar", p.KeyEnvVar),
				zap.String("kind", string(model.ErrMisconfiguredSecret)),
				zap.Error(err))
			return
		}
	}
	logger.Info("Provider secret loaded",
		zap.String("provider", string(p.ID)),
		zap.String("envVar", p.KeyEnvVar),
		zap.Int("length", len(p.Secret)))
}

// InitFlags initializes and parses the command-line flags.
func InitFlags() Flags {
	configFile := flag.String("config", "config.json", "Path to the configuration file (.json, .yaml or .yml)")
	listeningPort := flag.Int("port", 0, "Listening port (overrides PORT and the config file)")
	defaultProvider := flag.String("default-provider", "", "Provider used when the request body names no model")
	logLevel := flag.String("log-level", "info", "define the log level: debug, info, warn, error, dpanic, panic, fatal")
	logFile := flag.String("log-file", "", "Also write JSON logs to this file, rotated by size")

	flag.Parse()

	return Flags{
		ConfigFile:      *configFile,
		ListeningPort:   *listeningPort,
		DefaultProvider: *defaultProvider,
		LogLevel:        *logLevel,
		LogFile:         *logFile,
	}
}
