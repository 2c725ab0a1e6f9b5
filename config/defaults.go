package config

import "time"

// DefaultConfig returns a complete configuration with sane defaults for
// every section. Callers layer a YAML file and env vars on top via Loader.
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Database:  DefaultDatabaseConfig(),
		Redis:     DefaultRedisConfig(),
		Router:    DefaultRouterConfig(),
		Retry:     DefaultRetryConfig(),
		Cache:     DefaultCacheConfig(),
		MCP:       DefaultMCPConfig(),
	}
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		MaxBodyBytes:    10 << 20,
	}
}

func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "ditto-gateway",
		SampleRate:   0.1,
	}
}

func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "ditto",
		Password:        "",
		Name:            "ditto_gateway",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:      false,
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		DefaultBackend: "",
	}
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Enabled:          true,
		MaxAttempts:      3,
		RetryStatusCodes: []int{408, 409, 429, 500, 502, 503, 504},
	}
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:    false,
		TTL:        5 * time.Minute,
		MaxEntries: 10000,
		RedisTier:  false,
	}
}

func DefaultMCPConfig() MCPConfig {
	return MCPConfig{
		MaxSteps: 8,
	}
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		CooldownSeconds:  30,
		HalfOpenMaxCalls: 1,
	}
}
