package domain

import "time"

// Config holds the complete amrclass configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server"`

	// Profile selects the default component stack.
	Profile Profile `mapstructure:"profile"`

	Rules       RulesConfig       `mapstructure:"rules"`
	Terminology TerminologyConfig `mapstructure:"terminology"`
	Audit       AuditConfig       `mapstructure:"audit"`

	// Component configurations
	Repository RepositoryConfig `mapstructure:"repository"`
	Cache      CacheConfig      `mapstructure:"cache"`
	EventBus   EventBusConfig   `mapstructure:"event_bus"`

	// Observability
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// Profile names a deployment stack.
type Profile string

const (
	// ProfileStandalone runs on SQLite, Go channels and an in-process LRU.
	ProfileStandalone Profile = "standalone"

	// ProfileCluster runs on PostgreSQL, NATS and Redis.
	ProfileCluster Profile = "cluster"
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // seconds
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

// RulesConfig locates breakpoint rule files.
type RulesConfig struct {
	// Paths are files or directories of *.yaml, *.yml and *.json.
	Paths []string `mapstructure:"paths"`

	// Version tags the loaded ruleset. Empty uses the first file's version.
	Version string `mapstructure:"version"`
}

// TerminologyConfig configures SNOMED code validation.
type TerminologyConfig struct {
	// Enabled turns on remote validation; otherwise the offline allow-list is used.
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url"`

	// ValidationTimeout bounds a single remote check.
	ValidationTimeout time.Duration `mapstructure:"validation_timeout"`

	// RateLimit is requests per second to the terminology server.
	RateLimit float64 `mapstructure:"rate_limit"`

	// FailureThreshold consecutive failures open the circuit breaker.
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
}

// AuditConfig controls audit event emission.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Source  string `mapstructure:"source"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// DefaultConfig returns the standalone configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
			MaxBodyBytes: 4 << 20,
		},
		Profile: ProfileStandalone,
		Rules: RulesConfig{
			Paths: []string{"./rules"},
		},
		Terminology: TerminologyConfig{
			Enabled:           false,
			BaseURL:           "https://tx.fhir.org/r4",
			ValidationTimeout: 2 * time.Second,
			RateLimit:         5,
			FailureThreshold:  5,
			OpenTimeout:       30 * time.Second,
			CacheTTL:          24 * time.Hour,
		},
		Audit: AuditConfig{
			Enabled: true,
			Source:  "amrclass",
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./amrclass.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "amrclass",
		},
	}
}

// ClusterConfig returns the configuration for a multi-instance deployment.
func ClusterConfig() *Config {
	cfg := DefaultConfig()
	cfg.Profile = ProfileCluster
	cfg.Repository = RepositoryConfig{
		Driver:          "postgres",
		PostgresHost:    "localhost",
		PostgresPort:    5432,
		PostgresDB:      "amrclass",
		PostgresSSLMode: "disable",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       5 * time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Terminology.Enabled = true
	cfg.Tracing.Enabled = true
	return cfg
}
