package config

import (
	"encoding/json"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// IngressConfig holds hook-ingress transport settings.
type IngressConfig struct {
	HTTPAddr         string        `json:"http_addr" yaml:"http_addr"`
	WSPath           string        `json:"ws_path" yaml:"ws_path"`
	MaxFrameBytes    int64         `json:"max_frame_bytes" yaml:"max_frame_bytes"`
	MaxConnections   int           `json:"max_connections" yaml:"max_connections"`
	KeepAliveTimeout time.Duration `json:"keep_alive_timeout" yaml:"keep_alive_timeout"`
}

// RegistryConfig holds Worker Registry settings.
type RegistryConfig struct {
	ProbeInterval time.Duration `json:"probe_interval" yaml:"probe_interval"`
	ProbeTimeout  time.Duration `json:"probe_timeout" yaml:"probe_timeout"`
}

// BreakerConfig holds the default per-(worker,operation) Circuit Breaker
// settings; individual breakers may be created with worker-specific
// overrides via the Registry.
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	RecoveryMs       time.Duration `json:"recovery_ms" yaml:"recovery_ms"`
	HalfOpenProbes   int           `json:"half_open_probes" yaml:"half_open_probes"`
	ErrorPct         float64       `json:"error_pct" yaml:"error_pct"`
	WindowMs         time.Duration `json:"window_ms" yaml:"window_ms"`
}

// RedisConfig holds the optional Response Cache L2 tier / cross-instance
// invalidation broadcast settings.
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// CacheConfig holds Response Cache settings.
type CacheConfig struct {
	MaxEntries int           `json:"max_entries" yaml:"max_entries"`
	DefaultTTL time.Duration `json:"default_ttl" yaml:"default_ttl"`
	Redis      RedisConfig   `json:"redis" yaml:"redis"`
}

// JWTConfig holds JWT authentication settings
type JWTConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	Algorithm     string `json:"algorithm" yaml:"algorithm"` // HS256, RS256
	Secret        string `json:"secret" yaml:"secret"`
	PublicKeyFile string `json:"public_key_file" yaml:"public_key_file"`
	Issuer        string `json:"issuer" yaml:"issuer"`
}

// StaticAPIKey represents an API key defined in config
type StaticAPIKey struct {
	Name        string   `json:"name" yaml:"name"`
	Key         string   `json:"key" yaml:"key"`
	Tier        string   `json:"tier" yaml:"tier"`
	Permissions []string `json:"permissions" yaml:"permissions"`
}

// APIKeyConfig holds API key authentication settings
type APIKeyConfig struct {
	Enabled    bool           `json:"enabled" yaml:"enabled"`
	StaticKeys []StaticAPIKey `json:"static_keys" yaml:"static_keys"`
}

// AuthConfig holds Security Gate authentication/authorization settings.
type AuthConfig struct {
	Enabled     bool         `json:"enabled" yaml:"enabled"`
	JWT         JWTConfig    `json:"jwt" yaml:"jwt"`
	APIKeys     APIKeyConfig `json:"api_keys" yaml:"api_keys"`
	PublicPaths []string     `json:"public_paths" yaml:"public_paths"`
	// SigningKey, when non-empty, enables HMAC-SHA256 signing of outbound
	// worker envelopes (auth.SignedEnvelope). Startup fails fast if a
	// caller requests signing with an empty key rather than silently
	// disabling it.
	SigningKey string `json:"signing_key" yaml:"signing_key"`
	// SensitiveOps enumerates the operations whose payloads are
	// additionally encrypted with the secrets keyring before signing.
	SensitiveOps []string `json:"sensitive_ops" yaml:"sensitive_ops"`
}

// RateLimitConfig holds per-principal rate limiting settings.
type RateLimitConfig struct {
	Enabled bool                       `json:"enabled" yaml:"enabled"`
	Tiers   map[string]TierLimitConfig `json:"tiers" yaml:"tiers"`
	Default TierLimitConfig            `json:"default" yaml:"default"`
}

// TierLimitConfig holds rate limit settings for a tier
type TierLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `json:"burst_size" yaml:"burst_size"`
}

// AuditConfig holds audit-log persistence settings.
type AuditConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	QueueSize int    `json:"queue_size" yaml:"queue_size"` // ring buffer capacity, default 10000
	PgDSN     string `json:"pg_dsn" yaml:"pg_dsn"`         // optional Postgres persistence sink
	S3Bucket  string `json:"s3_bucket" yaml:"s3_bucket"`   // optional archival bucket, forward-compat hook
}

// SecretsConfig holds inter-worker payload encryption settings (distinct
// from AuthConfig.SigningKey, which signs rather than encrypts).
type SecretsConfig struct {
	Enabled       bool   `json:"enabled" yaml:"enabled"`
	MasterKey     string `json:"master_key" yaml:"master_key"`
	MasterKeyFile string `json:"master_key_file" yaml:"master_key_file"`
	// RotationInterval schedules keyring rotation; zero disables it.
	RotationInterval time.Duration `json:"rotation_interval" yaml:"rotation_interval"`
}

// TracingConfig holds OpenTelemetry tracing settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Exporter    string  `json:"exporter" yaml:"exporter"` // otlp-http, otlp-grpc, stdout
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// MetricsConfig holds Prometheus metrics settings
type MetricsConfig struct {
	Enabled          bool      `json:"enabled" yaml:"enabled"`
	Namespace        string    `json:"namespace" yaml:"namespace"`
	HistogramBuckets []float64 `json:"histogram_buckets" yaml:"histogram_buckets"`
}

// LoggingConfig holds structured logging settings
type LoggingConfig struct {
	Level          string `json:"level" yaml:"level"` // debug, info, warn, error
	Format         string `json:"format" yaml:"format"`
	IncludeTraceID bool   `json:"include_trace_id" yaml:"include_trace_id"`
}

// ObservabilityConfig holds all observability-related settings
type ObservabilityConfig struct {
	Tracing TracingConfig `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig `json:"metrics" yaml:"metrics"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// GRPCConfig holds the administrative gRPC server settings.
type GRPCConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// DispatcherConfig holds the Dispatcher's default per-worker budget and
// adaptive back-pressure settings, used when a WorkerDef does not
// override them.
type DispatcherConfig struct {
	DefaultMaxExecMs     int64   `json:"default_max_exec_ms" yaml:"default_max_exec_ms"`
	DefaultMaxConcurrent int     `json:"default_max_concurrent" yaml:"default_max_concurrent"`
	BackpressureFactor   float64 `json:"backpressure_factor" yaml:"backpressure_factor"` // e.g. 1.2x target trips shrink
	BackpressureShrinkPct float64 `json:"backpressure_shrink_pct" yaml:"backpressure_shrink_pct"`
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Ingress       IngressConfig       `json:"ingress" yaml:"ingress"`
	Registry      RegistryConfig      `json:"registry" yaml:"registry"`
	Breaker       BreakerConfig       `json:"breaker" yaml:"breaker"`
	Cache         CacheConfig         `json:"cache" yaml:"cache"`
	Auth          AuthConfig          `json:"auth" yaml:"auth"`
	RateLimit     RateLimitConfig     `json:"rate_limit" yaml:"rate_limit"`
	Audit         AuditConfig         `json:"audit" yaml:"audit"`
	Secrets       SecretsConfig       `json:"secrets" yaml:"secrets"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
	GRPC          GRPCConfig          `json:"grpc" yaml:"grpc"`
	Dispatcher    DispatcherConfig    `json:"dispatcher" yaml:"dispatcher"`
	LogLevel      string              `json:"log_level" yaml:"log_level"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Ingress: IngressConfig{
			HTTPAddr:         ":8085",
			WSPath:           "/v1/hooks/stream",
			MaxFrameBytes:    1 << 20, // 1 MiB
			MaxConnections:   100,
			KeepAliveTimeout: 90 * time.Second,
		},
		Registry: RegistryConfig{
			ProbeInterval: 10 * time.Second,
			ProbeTimeout:  2 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryMs:       30 * time.Second,
			HalfOpenProbes:   1,
			ErrorPct:         0,
			WindowMs:         60 * time.Second,
		},
		Cache: CacheConfig{
			MaxEntries: 1000,
			DefaultTTL: 5 * time.Minute,
		},
		Auth: AuthConfig{
			Enabled: false,
			JWT: JWTConfig{
				Enabled:   false,
				Algorithm: "HS256",
			},
			APIKeys: APIKeyConfig{
				Enabled: false,
			},
			PublicPaths: []string{
				"/health",
				"/health/live",
				"/health/ready",
				"/health/startup",
			},
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Tiers:   make(map[string]TierLimitConfig),
			Default: TierLimitConfig{
				RequestsPerSecond: 100,
				BurstSize:         200,
			},
		},
		Audit: AuditConfig{
			Enabled:   true,
			QueueSize: 10000,
		},
		Secrets: SecretsConfig{
			Enabled: false,
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{
				Enabled:     false,
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "bridge",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:          true,
				Namespace:        "bridge",
				HistogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
			},
			Logging: LoggingConfig{
				Level:          "info",
				Format:         "text",
				IncludeTraceID: true,
			},
		},
		GRPC: GRPCConfig{
			Enabled: false,
			Addr:    ":9090",
		},
		Dispatcher: DispatcherConfig{
			DefaultMaxExecMs:      5000,
			DefaultMaxConcurrent:  16,
			BackpressureFactor:    1.2,
			BackpressureShrinkPct: 0.2,
		},
		LogLevel: "info",
	}
}

// LoadFromFile loads configuration from a JSON or YAML file, selecting
// the decoder by file extension (.yaml/.yml vs everything else → JSON).
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
// Both the BRIDGE_* and HOOKCORE_* prefixes are recognized, checked in
// that order, so either naming convention from the external agent
// runtime's deployment tooling works without translation.
func LoadFromEnv(cfg *Config) {
	get := func(name string) string {
		if v := os.Getenv("BRIDGE_" + name); v != "" {
			return v
		}
		return os.Getenv("HOOKCORE_" + name)
	}

	if v := get("HTTP_ADDR"); v != "" {
		cfg.Ingress.HTTPAddr = v
	}
	// BRIDGE_HTTP_HOST / BRIDGE_HTTP_PORT override the bind address
	// piecewise; either one alone keeps the other half of the current
	// address.
	if host, port := get("HTTP_HOST"), get("HTTP_PORT"); host != "" || port != "" {
		curHost, curPort, err := net.SplitHostPort(cfg.Ingress.HTTPAddr)
		if err != nil {
			curHost, curPort = "", "8085"
		}
		if host == "" {
			host = curHost
		}
		if port == "" {
			port = curPort
		}
		cfg.Ingress.HTTPAddr = net.JoinHostPort(host, port)
	}
	if v := get("WS_PATH"); v != "" {
		cfg.Ingress.WSPath = v
	}
	if v := get("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Ingress.MaxConnections = n
		}
	}
	if v := get("KEEPALIVE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Ingress.KeepAliveTimeout = d
		}
	}
	if v := get("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
		cfg.Observability.Logging.Level = v
	}

	// Registry overrides
	if v := get("REGISTRY_PROBE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Registry.ProbeInterval = d
		}
	}
	if v := get("REGISTRY_PROBE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Registry.ProbeTimeout = d
		}
	}

	// Breaker overrides
	if v := get("BREAKER_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Breaker.FailureThreshold = n
		}
	}
	if v := get("BREAKER_RECOVERY_MS"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Breaker.RecoveryMs = d
		}
	}

	// Cache overrides
	if v := get("CACHE_MAX_ENTRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.MaxEntries = n
		}
	}
	if v := get("CACHE_DEFAULT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.DefaultTTL = d
		}
	}
	if v := get("REDIS_ADDR"); v != "" {
		cfg.Cache.Redis.Addr = v
	}
	if v := get("REDIS_KEY_PREFIX"); v != "" {
		cfg.Cache.Redis.KeyPrefix = v
	}

	// Observability overrides
	if v := get("TRACING_ENABLED"); v != "" {
		cfg.Observability.Tracing.Enabled = parseBool(v)
	}
	if v := get("OTEL_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}
	if v := get("TRACING_EXPORTER"); v != "" {
		cfg.Observability.Tracing.Exporter = v
	}
	if v := get("TRACING_SERVICE_NAME"); v != "" {
		cfg.Observability.Tracing.ServiceName = v
	}
	if v := get("TRACING_SAMPLE_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Observability.Tracing.SampleRate = f
		}
	}
	if v := get("METRICS_ENABLED"); v != "" {
		cfg.Observability.Metrics.Enabled = parseBool(v)
	}
	if v := get("METRICS_NAMESPACE"); v != "" {
		cfg.Observability.Metrics.Namespace = v
	}
	if v := get("LOG_FORMAT"); v != "" {
		cfg.Observability.Logging.Format = v
	}

	// GRPC overrides
	if v := get("GRPC_ENABLED"); v != "" {
		cfg.GRPC.Enabled = parseBool(v)
	}
	if v := get("GRPC_ADDR"); v != "" {
		cfg.GRPC.Addr = v
	}

	// Auth overrides
	if v := get("AUTH_ENABLED"); v != "" {
		cfg.Auth.Enabled = parseBool(v)
	}
	if v := get("AUTH_JWT_ENABLED"); v != "" {
		cfg.Auth.JWT.Enabled = parseBool(v)
	}
	if v := get("AUTH_JWT_SECRET"); v != "" {
		cfg.Auth.JWT.Secret = v
		cfg.Auth.JWT.Enabled = true
	}
	// JWT_SECRET is the unprefixed name the agent runtime's deployment
	// tooling exports; honored when neither prefixed form is set.
	if v := os.Getenv("JWT_SECRET"); v != "" && cfg.Auth.JWT.Secret == "" {
		cfg.Auth.JWT.Secret = v
		cfg.Auth.JWT.Enabled = true
	}
	if v := get("AUTH_JWT_ALGORITHM"); v != "" {
		cfg.Auth.JWT.Algorithm = v
	}
	if v := get("AUTH_JWT_PUBLIC_KEY_FILE"); v != "" {
		cfg.Auth.JWT.PublicKeyFile = v
	}
	if v := get("AUTH_JWT_ISSUER"); v != "" {
		cfg.Auth.JWT.Issuer = v
	}
	if v := get("AUTH_APIKEYS_ENABLED"); v != "" {
		cfg.Auth.APIKeys.Enabled = parseBool(v)
	}
	if v := get("AUTH_SIGNING_KEY"); v != "" {
		cfg.Auth.SigningKey = v
	}
	if v := get("AUTH_SENSITIVE_OPS"); v != "" {
		cfg.Auth.SensitiveOps = strings.Split(v, ",")
	}

	// Rate limit overrides
	if v := get("RATELIMIT_ENABLED"); v != "" {
		cfg.RateLimit.Enabled = parseBool(v)
	}
	if v := get("RATELIMIT_DEFAULT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimit.Default.RequestsPerSecond = f
		}
	}
	if v := get("RATELIMIT_DEFAULT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.Default.BurstSize = n
		}
	}

	// Audit overrides
	if v := get("AUDIT_ENABLED"); v != "" {
		cfg.Audit.Enabled = parseBool(v)
	}
	if v := get("AUDIT_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Audit.QueueSize = n
		}
	}
	if v := get("AUDIT_PG_DSN"); v != "" {
		cfg.Audit.PgDSN = v
	}
	if v := get("AUDIT_S3_BUCKET"); v != "" {
		cfg.Audit.S3Bucket = v
	}

	// Secrets overrides
	if v := get("SECRETS_ENABLED"); v != "" {
		cfg.Secrets.Enabled = parseBool(v)
	}
	if v := get("MASTER_KEY"); v != "" {
		cfg.Secrets.MasterKey = v
		cfg.Secrets.Enabled = true
	}
	if v := get("MASTER_KEY_FILE"); v != "" {
		cfg.Secrets.MasterKeyFile = v
	}
	if v := get("SECRETS_ROTATION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Secrets.RotationInterval = d
		}
	}

	// Dispatcher overrides
	if v := get("DISPATCHER_DEFAULT_MAX_EXEC_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Dispatcher.DefaultMaxExecMs = n
		}
	}
	if v := get("DISPATCHER_DEFAULT_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatcher.DefaultMaxConcurrent = n
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
