// Package config defines the gateway's configuration schema: ambient
// infra (server, log, telemetry, database, redis) plus the gateway
// domain configuration (virtual keys, backends, router, guardrails,
// retry, cache, MCP).
package config

import (
	"strconv"
	"time"
)

// Config is the gateway's complete configuration tree.
type Config struct {
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`

	VirtualKeys []VirtualKey   `yaml:"virtual_keys"`
	Backends    []BackendConfig `yaml:"backends"`
	Router      RouterConfig   `yaml:"router"`
	Retry       RetryConfig    `yaml:"retry"`
	Cache       CacheConfig    `yaml:"cache"`
	MCP         MCPConfig      `yaml:"mcp"`
	Pricing     PricingConfig  `yaml:"pricing"`
	AdminToken  string         `yaml:"admin_token" env:"ADMIN_TOKEN"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" env:"MAX_BODY_BYTES"`

	CORSAllowedOrigins []string `yaml:"cors_allowed_origins,omitempty" env:"CORS_ALLOWED_ORIGINS"`
	RateLimitRPS       float64  `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst     int      `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// LogConfig controls zap construction.
type LogConfig struct {
	Level            string   `yaml:"level" env:"LEVEL"`
	Format           string   `yaml:"format" env:"FORMAT"` // json | console
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig controls the OpenTelemetry exporter.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// DatabaseConfig configures the durable Store.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver" env:"DRIVER"` // postgres | mysql | sqlite
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Name            string        `yaml:"name" env:"NAME"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

func (d DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return "host=" + d.Host + " port=" + strconv.Itoa(d.Port) + " user=" + d.User +
			" password=" + d.Password + " dbname=" + d.Name + " sslmode=" + d.SSLMode
	case "mysql":
		return d.User + ":" + d.Password + "@tcp(" + d.Host + ":" + strconv.Itoa(d.Port) + ")/" + d.Name + "?parseTime=true"
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}

// RedisConfig configures the external rate-limit store and the shared
// remote cache tier.
type RedisConfig struct {
	Enabled      bool   `yaml:"enabled" env:"ENABLED"`
	Addr         string `yaml:"addr" env:"ADDR"`
	Password     string `yaml:"password" env:"PASSWORD"`
	DB           int    `yaml:"db" env:"DB"`
	PoolSize     int    `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int    `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// VirtualKey is a gateway-issued credential bearing budgets, limits and
// guardrails. The token is the sole secret; the id stays stable across
// token rotation.
type VirtualKey struct {
	ID        string           `yaml:"id"`
	Token     string           `yaml:"token"`
	Enabled   bool             `yaml:"enabled"`
	TenantID  string           `yaml:"tenant_id,omitempty"`
	ProjectID string           `yaml:"project_id,omitempty"`
	UserID    string           `yaml:"user_id,omitempty"`
	Budget    BudgetConfig     `yaml:"budget"`
	Limits    LimitsConfig     `yaml:"limits"`
	Guardrails GuardrailsConfig `yaml:"guardrails"`
}

// BudgetConfig caps a scope's lifetime spend. Pointers distinguish "unset"
// from "zero" since a zero total is a legitimate (if useless) budget.
type BudgetConfig struct {
	TotalTokens     *uint64 `yaml:"total_tokens,omitempty"`
	TotalUSDMicros  *uint64 `yaml:"total_usd_micros,omitempty"`
}

// LimitsConfig is a scope's per-minute rate limits, with optional
// per-route overrides.
type LimitsConfig struct {
	RequestsPerMinute int                      `yaml:"requests_per_minute"`
	TokensPerMinute   int                      `yaml:"tokens_per_minute"`
	RouteOverrides    map[string]RouteLimit    `yaml:"route_overrides,omitempty"`
}

type RouteLimit struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	TokensPerMinute   int `yaml:"tokens_per_minute"`
}

// GuardrailsConfig restricts what a scope may send: model patterns,
// input size, banned text, schema validation.
type GuardrailsConfig struct {
	AllowModels     []string `yaml:"allow_models,omitempty"`
	DenyModels      []string `yaml:"deny_models,omitempty"`
	MaxInputTokens  int      `yaml:"max_input_tokens,omitempty"`
	BannedRegexes   []string `yaml:"banned_regexes,omitempty"`
	ValidateSchema  bool     `yaml:"validate_schema"`
}

// BackendConfig describes one upstream: base URL, injected credentials,
// capacity, and optionally a translation provider.
type BackendConfig struct {
	Name           string            `yaml:"name"`
	BaseURL        string            `yaml:"base_url"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	QueryParams    map[string]string `yaml:"query_params,omitempty"`
	MaxInFlight    int               `yaml:"max_in_flight"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	ModelMap       map[string]string `yaml:"model_map,omitempty"`
	Provider       string            `yaml:"provider,omitempty"`
	ProviderConfig map[string]any    `yaml:"provider_config,omitempty"`
	Breaker        BreakerConfig     `yaml:"breaker"`
}

// BreakerConfig configures the per-backend circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	CooldownSeconds  int           `yaml:"cooldown_seconds"`
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls"`
}

func (b BreakerConfig) Cooldown() time.Duration {
	return time.Duration(b.CooldownSeconds) * time.Second
}

// WeightedBackend is a {backend, weight} pair used in default and
// per-rule candidate lists.
type WeightedBackend struct {
	Backend string `yaml:"backend"`
	Weight  int    `yaml:"weight"`
}

// RouterRule routes one model-prefix family to a backend or weighted
// backend list, optionally overriding guardrails.
type RouterRule struct {
	ModelPrefix      string            `yaml:"model_prefix"`
	Backend          string            `yaml:"backend,omitempty"`
	WeightedBackends []WeightedBackend `yaml:"weighted_backends,omitempty"`
	Guardrails       *GuardrailsConfig `yaml:"guardrails,omitempty"`
}

// RouterConfig is the routing plan: ordered rules over a weighted (or
// single) default.
type RouterConfig struct {
	DefaultBackend   string            `yaml:"default_backend"`
	DefaultBackends  []WeightedBackend `yaml:"default_backends,omitempty"`
	Rules            []RouterRule      `yaml:"rules,omitempty"`
}

// RetryConfig is the attempt loop's retry policy.
type RetryConfig struct {
	Enabled           bool  `yaml:"enabled"`
	MaxAttempts       int   `yaml:"max_attempts"`
	RetryStatusCodes  []int `yaml:"retry_status_codes"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled          bool          `yaml:"enabled"`
	TTL              time.Duration `yaml:"ttl"`
	MaxEntries       int           `yaml:"max_entries"`
	CacheableRoutes  []string      `yaml:"cacheable_routes,omitempty"`
	RedisTier        bool          `yaml:"redis_tier"`
}

// MCPServerConfig describes one MCP tool server.
type MCPServerConfig struct {
	ServerID          string            `yaml:"server_id"`
	URL               string            `yaml:"url"`
	Headers           map[string]string `yaml:"headers,omitempty"`
	QueryParams       map[string]string `yaml:"query_params,omitempty"`
	RequestTimeoutMS  int               `yaml:"request_timeout_ms"`
}

// MCPConfig groups the configured MCP servers.
type MCPConfig struct {
	Servers  []MCPServerConfig `yaml:"servers,omitempty"`
	MaxSteps int               `yaml:"max_steps"`
}

// PricingConfig maps a model name to per-token USD-micros pricing, used
// by the static PricingModel implementation.
type PricingConfig struct {
	Models map[string]ModelPricing `yaml:"models,omitempty"`
}

type ModelPricing struct {
	InputUSDMicrosPerToken       uint64 `yaml:"input_usd_micros_per_token"`
	OutputUSDMicrosPerToken      uint64 `yaml:"output_usd_micros_per_token"`
	CacheHitUSDMicrosPerToken    uint64 `yaml:"cache_hit_usd_micros_per_token"`
}
