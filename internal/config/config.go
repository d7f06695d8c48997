// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port            string                `yaml:"port"`
	FrontendURL     string                `yaml:"frontend_url"`
	CORSOrigins     []string              `yaml:"cors_origins"`
	DBPath          string                `yaml:"db_path"`
	LogFormat       string                `yaml:"log_format"` // "json" or "text"; empty picks by environment
	ListLimit       int                   `yaml:"list_limit"`
	Agent           AgentConfig           `yaml:"agent"`
	Search          SearchConfig          `yaml:"search"`
	Inference       InferenceConfig       `yaml:"inference"`
	Identity        IdentityConfig        `yaml:"identity"`
	RateLimit       RateLimitConfig       `yaml:"rate_limit"`
	SSE             SSEConfig             `yaml:"sse"`
	ConversationLog ConversationLogConfig `yaml:"conversation_log"`
}

// AgentConfig bounds a single chat turn.
type AgentConfig struct {
	MaxSteps        int           `yaml:"max_steps"`
	SystemPrompt    string        `yaml:"system_prompt"`
	ChatMaxDuration time.Duration `yaml:"chat_max_duration"`
	PersistTimeout  time.Duration `yaml:"persist_timeout"`
}

// SearchConfig configures the web search provider.
type SearchConfig struct {
	APIKey      string        `yaml:"api_key"`
	Endpoint    string        `yaml:"endpoint"`
	ResultCount int           `yaml:"result_count"`
	Timeout     time.Duration `yaml:"timeout"`
}

// InferenceConfig configures the gRPC inference client. An empty Address
// disables chat routes.
type InferenceConfig struct {
	Address          string        `yaml:"address"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	KeepaliveTime    time.Duration `yaml:"keepalive_time"`
	KeepaliveTimeout time.Duration `yaml:"keepalive_timeout"`
}

// IdentityConfig controls how callers are identified.
type IdentityConfig struct {
	AllowAnonymous bool   `yaml:"allow_anonymous"`
	TrustedHeader  string `yaml:"trusted_header"`
}

// RateLimitConfig limits chat turns per user.
type RateLimitConfig struct {
	RequestsPerWindow int           `yaml:"requests_per_window"`
	WindowDuration    time.Duration `yaml:"window_duration"`
}

// SSEConfig tunes the streaming transport.
type SSEConfig struct {
	MaxRequestBodySize int64         `yaml:"max_request_body_size"`
	KeepaliveInterval  time.Duration `yaml:"keepalive_interval"`
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	GlobalEnabled bool   `yaml:"global_enabled"`
	GlobalPath    string `yaml:"global_path"`
	QueueSize     int    `yaml:"queue_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:      "8080",
		DBPath:    "./data/deepsearch.db",
		ListLimit: 50,
		Agent: AgentConfig{
			MaxSteps:        10,
			ChatMaxDuration: 60 * time.Second,
			PersistTimeout:  10 * time.Second,
		},
		Search: SearchConfig{
			Endpoint:    "https://google.serper.dev/search",
			ResultCount: 10,
			Timeout:     15 * time.Second,
		},
		Inference: InferenceConfig{
			ConnectTimeout:   5 * time.Second,
			KeepaliveTime:    2 * time.Minute,
			KeepaliveTimeout: 10 * time.Second,
		},
		Identity: IdentityConfig{
			AllowAnonymous: true,
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 10,
			WindowDuration:    time.Minute,
		},
		SSE: SSEConfig{
			MaxRequestBodySize: 1 << 20,
			KeepaliveInterval:  15 * time.Second,
		},
		ConversationLog: ConversationLogConfig{
			Enabled:    true,
			Dir:        "./data/logs/conversations",
			GlobalPath: "./data/logs/conversations/all.ndjson",
			QueueSize:  1000,
		},
	}
}

// Load builds configuration from defaults, the optional YAML file named by
// CONFIG_FILE, and environment variables, in that order.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.FrontendURL = getEnv("FRONTEND_URL", c.FrontendURL)
	c.CORSOrigins = getEnvList("CORS_ALLOWED_ORIGINS", c.CORSOrigins)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.ListLimit = getEnvInt("CHAT_LIST_LIMIT", c.ListLimit)

	c.Agent.MaxSteps = getEnvInt("AGENT_MAX_STEPS", c.Agent.MaxSteps)
	c.Agent.SystemPrompt = getEnv("AGENT_SYSTEM_PROMPT", c.Agent.SystemPrompt)
	c.Agent.ChatMaxDuration = getEnvDuration("CHAT_MAX_DURATION", c.Agent.ChatMaxDuration)
	c.Agent.PersistTimeout = getEnvDuration("CHAT_PERSIST_TIMEOUT", c.Agent.PersistTimeout)

	c.Search.APIKey = getEnv("SERPER_API_KEY", c.Search.APIKey)
	c.Search.Endpoint = getEnv("SERPER_ENDPOINT", c.Search.Endpoint)
	c.Search.ResultCount = getEnvInt("SEARCH_RESULT_COUNT", c.Search.ResultCount)
	c.Search.Timeout = getEnvDuration("SEARCH_TIMEOUT", c.Search.Timeout)

	c.Inference.Address = getEnv("INFERENCE_ADDR", c.Inference.Address)
	c.Inference.ConnectTimeout = getEnvDuration("INFERENCE_CONNECT_TIMEOUT", c.Inference.ConnectTimeout)
	c.Inference.KeepaliveTime = getEnvDuration("INFERENCE_KEEPALIVE_TIME", c.Inference.KeepaliveTime)
	c.Inference.KeepaliveTimeout = getEnvDuration("INFERENCE_KEEPALIVE_TIMEOUT", c.Inference.KeepaliveTimeout)

	c.Identity.AllowAnonymous = getEnvBool("IDENTITY_ALLOW_ANONYMOUS", c.Identity.AllowAnonymous)
	c.Identity.TrustedHeader = getEnv("IDENTITY_TRUSTED_HEADER", c.Identity.TrustedHeader)

	c.RateLimit.RequestsPerWindow = getEnvInt("RATE_LIMIT_REQUESTS", c.RateLimit.RequestsPerWindow)
	c.RateLimit.WindowDuration = getEnvDuration("RATE_LIMIT_WINDOW", c.RateLimit.WindowDuration)

	c.SSE.MaxRequestBodySize = int64(getEnvInt("SSE_MAX_REQUEST_BODY_SIZE", int(c.SSE.MaxRequestBodySize)))
	c.SSE.KeepaliveInterval = getEnvDuration("SSE_KEEPALIVE_INTERVAL", c.SSE.KeepaliveInterval)

	c.ConversationLog.Enabled = getEnvBool("CONVERSATION_LOG_ENABLED", c.ConversationLog.Enabled)
	c.ConversationLog.Dir = getEnv("CONVERSATION_LOG_DIR", c.ConversationLog.Dir)
	c.ConversationLog.GlobalEnabled = getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", c.ConversationLog.GlobalEnabled)
	c.ConversationLog.GlobalPath = getEnv("CONVERSATION_LOG_GLOBAL_PATH", c.ConversationLog.GlobalPath)
	c.ConversationLog.QueueSize = getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", c.ConversationLog.QueueSize)
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	switch c.LogFormat {
	case "", "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.ListLimit <= 0 {
		return errors.New("CHAT_LIST_LIMIT must be > 0")
	}
	if c.Agent.MaxSteps <= 0 {
		return errors.New("AGENT_MAX_STEPS must be > 0")
	}
	if c.Agent.ChatMaxDuration <= 0 {
		return errors.New("CHAT_MAX_DURATION must be > 0")
	}
	if c.Search.ResultCount <= 0 {
		return errors.New("SEARCH_RESULT_COUNT must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return errors.New("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return errors.New("SSE_MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.SSE.KeepaliveInterval <= 0 {
		return errors.New("SSE_KEEPALIVE_INTERVAL must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return errors.New("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return errors.New("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return errors.New("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the origins the CORS middleware accepts. An explicit
// list wins; otherwise development allows any origin and production only
// the frontend.
func (c *Config) AllowedOrigins() []string {
	if len(c.CORSOrigins) > 0 {
		return c.CORSOrigins
	}
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

// SearchEnabled reports whether a search provider is configured.
func (c *Config) SearchEnabled() bool {
	return c.Search.APIKey != ""
}

// ChatEnabled reports whether chat routes can be served.
func (c *Config) ChatEnabled() bool {
	return c.Inference.Address != "" && c.SearchEnabled()
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
