package config

import (
	"net"
	"net/url"
	"strconv"
	"time"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	Validation ValidationConfig `yaml:"validation"`
	Privacy    PrivacyConfig    `yaml:"privacy"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Policy     PolicyConfig     `yaml:"policy"`
	Redis      RedisConfig      `yaml:"redis"`
	Database   DatabaseConfig   `yaml:"database"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Admin      AdminConfig      `yaml:"admin"`
}

type ServerConfig struct {
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Environment      string        `yaml:"environment"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
	GRPCHealthPort   int           `yaml:"grpc_health_port"`
}

// UpstreamConfig points at the OpenAI-compatible GaiaNet node.
type UpstreamConfig struct {
	BaseURL        string               `yaml:"base_url"`
	APIKey         string               `yaml:"api_key"`
	DefaultModel   string               `yaml:"default_model"`
	Timeout        time.Duration        `yaml:"timeout"`
	MaxIdleConns   int                  `yaml:"max_idle_conns"`
	Headers        map[string]string    `yaml:"headers,omitempty"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

type CircuitBreakerConfig struct {
	Enabled               bool          `yaml:"enabled"`
	FailureThreshold      int           `yaml:"failure_threshold"`
	RecoveryProbeInterval time.Duration `yaml:"recovery_probe_interval"`
}

type ValidationConfig struct {
	MaxMessageLength int `yaml:"max_message_length"`
	MaxMessages      int `yaml:"max_messages"`
}

// Inbound privacy policies.
const (
	InboundReject = "reject"
	InboundRedact = "redact"
)

type PrivacyConfig struct {
	Enabled       bool   `yaml:"enabled"`
	InboundPolicy string `yaml:"inbound_policy"`
	// StreamHoldback is the number of trailing bytes held back between stream
	// fragments so patterns split across fragments are still redacted. 0 redacts
	// each fragment on its own.
	StreamHoldback int `yaml:"stream_holdback"`
}

// Rate limit backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type RateLimitConfig struct {
	Backend string        `yaml:"backend"`
	Limit   int           `yaml:"limit"`
	Window  time.Duration `yaml:"window"`
	// BlockDuration of 0 keeps a client blocked until an administrator unblocks it.
	BlockDuration time.Duration `yaml:"block_duration"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// FailOpen admits requests when the redis backend cannot be reached.
	FailOpen bool `yaml:"fail_open"`
}

type PolicyConfig struct {
	Enabled           bool          `yaml:"enabled"`
	BundlePath        string        `yaml:"bundle_path"`
	EvaluationTimeout time.Duration `yaml:"evaluation_timeout"`
	Watch             bool          `yaml:"watch"`
}

type RedisConfig struct {
	Addresses []string `yaml:"addresses"`
	Password  string   `yaml:"password"`
	DB        int      `yaml:"db"`
	PoolSize  int      `yaml:"pool_size"`
}

type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int32  `yaml:"max_conns"`
}

func (d DatabaseConfig) DSN() string {
	sslMode := d.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Name,
		RawQuery: "sslmode=" + sslMode,
	}
	return u.String()
}

type TelemetryConfig struct {
	LogLevel        string  `yaml:"log_level"`
	LogFormat       string  `yaml:"log_format"`
	MetricsPort     int     `yaml:"metrics_port"`
	OTLPEndpoint    string  `yaml:"otlp_endpoint"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"`
}

type AdminConfig struct {
	Token string `yaml:"token"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:             "0.0.0.0",
			Port:             8080,
			Environment:      "production",
			ReadTimeout:      30 * time.Second,
			WriteTimeout:     120 * time.Second,
			IdleTimeout:      120 * time.Second,
			GracefulShutdown: 30 * time.Second,
		},
		Upstream: UpstreamConfig{
			DefaultModel: "default",
			Timeout:      30 * time.Second,
			MaxIdleConns: 32,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:               true,
				FailureThreshold:      5,
				RecoveryProbeInterval: 15 * time.Second,
			},
		},
		Validation: ValidationConfig{
			MaxMessageLength: 10000,
			MaxMessages:      100,
		},
		Privacy: PrivacyConfig{
			Enabled:        true,
			InboundPolicy:  InboundReject,
			StreamHoldback: 64,
		},
		RateLimit: RateLimitConfig{
			Backend:       BackendMemory,
			Limit:         100,
			Window:        time.Hour,
			SweepInterval: 5 * time.Minute,
		},
		Policy: PolicyConfig{
			Enabled:           false,
			BundlePath:        "policies",
			EvaluationTimeout: 100 * time.Millisecond,
		},
		Redis: RedisConfig{
			Addresses: []string{"localhost:6379"},
			PoolSize:  50,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Name:     "gaiagate",
			User:     "gaiagate",
			MaxConns: 10,
		},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "json",
			MetricsPort:     9090,
			TraceSampleRate: 0.1,
		},
	}
}
