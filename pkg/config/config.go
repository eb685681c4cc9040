package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/sessionbridge/pkg/auth"
	"github.com/platinummonkey/sessionbridge/pkg/httputil"
	"github.com/platinummonkey/sessionbridge/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Bridge        BridgeConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// TrustedProxies are the peers whose forwarding headers name the client
	TrustedProxies  []*net.IPNet
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return s.Host + ":" + s.Port
}

// BridgeConfig holds the session bridge settings
type BridgeConfig struct {
	// LocalSystem is the system this process serves
	LocalSystem auth.System

	SigningSecret string
	CredentialTTL time.Duration

	SessionTTL        time.Duration
	SSOTokenTTL       time.Duration
	SSOTokenRetention time.Duration
	StaleAfter        time.Duration

	SweepSchedule string
	SweepLeaseTTL time.Duration

	// TouchInterval throttles last_activity writes per session
	TouchInterval time.Duration

	// ExchangeRateLimit is requests per minute per client IP on the
	// unauthenticated token routes
	ExchangeRateLimit int

	CallbackPath string
	SystemsFile  string
	Systems      map[auth.System]SystemConfig
}

// SystemConfig describes one participating system
type SystemConfig struct {
	Name        string `yaml:"name"`
	RedirectURL string `yaml:"redirect_url"`
}

// DatabaseConfig holds the relational store settings
type DatabaseConfig struct {
	URL         string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// RedisConfig holds optional Redis settings
type RedisConfig struct {
	URL        string
	PoolSize   int
	MaxRetries int
}

// Enabled reports whether a Redis URL was configured
func (r RedisConfig) Enabled() bool {
	return r.URL != ""
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// LoadConfig loads configuration from environment variables and the
// optional systems file
func LoadConfig() (*Config, error) {
	bridge, err := loadBridgeConfig()
	if err != nil {
		return nil, err
	}

	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:        server,
		Bridge:        bridge,
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadSweeperConfig loads only what cmd/bridge-sweeper needs: the database,
// Redis, observability and the lifetime settings
func LoadSweeperConfig() (*Config, error) {
	bridge, err := loadBridgeConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Bridge:        bridge,
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Observability: loadObservabilityConfig(),
	}
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("configuration validation failed: database URL is required")
	}
	if err := cfg.Bridge.ValidateLifetimes(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadServerConfig() (ServerConfig, error) {
	proxies, err := httputil.ParseTrustedProxies(strings.Split(getEnv("BRIDGE_TRUSTED_PROXIES", ""), ","))
	if err != nil {
		return ServerConfig{}, fmt.Errorf("BRIDGE_TRUSTED_PROXIES: %w", err)
	}
	return ServerConfig{
		Host:            getEnv("BRIDGE_HOST", "0.0.0.0"),
		Port:            getEnv("BRIDGE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("BRIDGE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("BRIDGE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("BRIDGE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("BRIDGE_SHUTDOWN_TIMEOUT", 30*time.Second),
		TrustedProxies:  proxies,
	}, nil
}

func loadBridgeConfig() (BridgeConfig, error) {
	local, err := auth.ParseSystem(getEnv("BRIDGE_LOCAL_SYSTEM", "A"))
	if err != nil {
		return BridgeConfig{}, fmt.Errorf("invalid BRIDGE_LOCAL_SYSTEM: %w", err)
	}

	cfg := BridgeConfig{
		LocalSystem:       local,
		SigningSecret:     getEnv("BRIDGE_SIGNING_SECRET", ""),
		CredentialTTL:     getEnvDuration("BRIDGE_CREDENTIAL_TTL", 24*time.Hour),
		SessionTTL:        getEnvDuration("BRIDGE_SESSION_TTL", 7*24*time.Hour),
		SSOTokenTTL:       getEnvDuration("BRIDGE_SSO_TOKEN_TTL", 5*time.Minute),
		SSOTokenRetention: getEnvDuration("BRIDGE_SSO_TOKEN_RETENTION", time.Hour),
		StaleAfter:        getEnvDuration("BRIDGE_STALE_AFTER", 7*24*time.Hour),
		SweepSchedule:     getEnv("BRIDGE_SWEEP_SCHEDULE", "@every 1h"),
		SweepLeaseTTL:     getEnvDuration("BRIDGE_SWEEP_LEASE_TTL", 10*time.Minute),
		TouchInterval:     getEnvDuration("BRIDGE_TOUCH_INTERVAL", time.Minute),
		ExchangeRateLimit: getEnvInt("BRIDGE_EXCHANGE_RATE_LIMIT", 30),
		CallbackPath:      getEnv("BRIDGE_CALLBACK_PATH", "/sso/callback"),
		SystemsFile:       getEnv("BRIDGE_SYSTEMS_FILE", ""),
		Systems: map[auth.System]SystemConfig{
			auth.SystemA: {Name: "System A", RedirectURL: getEnv("BRIDGE_REDIRECT_URL_A", "")},
			auth.SystemB: {Name: "System B", RedirectURL: getEnv("BRIDGE_REDIRECT_URL_B", "")},
		},
	}

	if cfg.SystemsFile != "" {
		if err := cfg.mergeSystemsFile(cfg.SystemsFile); err != nil {
			return BridgeConfig{}, err
		}
	}
	return cfg, nil
}

// systemsFile is the YAML layout of BRIDGE_SYSTEMS_FILE:
//
//	systems:
//	  A:
//	    name: Research Portal
//	    redirect_url: https://a.example.org
//	  B:
//	    redirect_url: https://b.example.org
type systemsFile struct {
	Systems map[string]SystemConfig `yaml:"systems"`
}

func (b *BridgeConfig) mergeSystemsFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read systems file: %w", err)
	}
	return b.mergeSystemsYAML(data)
}

func (b *BridgeConfig) mergeSystemsYAML(data []byte) error {
	var f systemsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse systems file: %w", err)
	}
	for key, sc := range f.Systems {
		sys, err := auth.ParseSystem(key)
		if err != nil {
			return fmt.Errorf("systems file: %w", err)
		}
		cur := b.Systems[sys]
		if sc.Name != "" {
			cur.Name = sc.Name
		}
		if sc.RedirectURL != "" {
			cur.RedirectURL = sc.RedirectURL
		}
		b.Systems[sys] = cur
	}
	return nil
}

func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:         getEnv("BRIDGE_DATABASE_URL", ""),
		MaxConns:    getEnvInt("BRIDGE_DATABASE_MAX_CONNS", 20),
		MinConns:    getEnvInt("BRIDGE_DATABASE_MIN_CONNS", 2),
		Timeout:     getEnvDuration("BRIDGE_DATABASE_TIMEOUT", 5*time.Second),
		MaxLifetime: getEnvDuration("BRIDGE_DATABASE_MAX_LIFETIME", 30*time.Minute),
		MaxIdleTime: getEnvDuration("BRIDGE_DATABASE_MAX_IDLE_TIME", 5*time.Minute),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        getEnv("BRIDGE_REDIS_URL", ""),
		PoolSize:   getEnvInt("BRIDGE_REDIS_POOL_SIZE", 10),
		MaxRetries: getEnvInt("BRIDGE_REDIS_MAX_RETRIES", 3),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("BRIDGE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("BRIDGE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("BRIDGE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("BRIDGE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("BRIDGE_OTEL_SERVICE_NAME", "sessionbridge"),
		OTelServiceVersion: getEnv("BRIDGE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("BRIDGE_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("BRIDGE_OTEL_SAMPLE_RATIO", 1.0),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}
	return c.Bridge.Validate()
}

// Validate checks the settings the API server needs
func (b *BridgeConfig) Validate() error {
	if !b.LocalSystem.Valid() {
		return fmt.Errorf("local system must be A or B")
	}
	if len(b.SigningSecret) < 32 {
		return fmt.Errorf("signing secret must be at least 32 bytes")
	}
	if b.CredentialTTL <= 0 {
		return fmt.Errorf("credential TTL must be positive")
	}
	if other := b.Systems[b.LocalSystem.Other()]; other.RedirectURL == "" {
		return fmt.Errorf("redirect URL for system %s is required", b.LocalSystem.Other())
	}
	return b.ValidateLifetimes()
}

// ValidateLifetimes checks the session and token windows and the sweep
// schedule, which is all the standalone sweeper needs
func (b *BridgeConfig) ValidateLifetimes() error {
	if b.SessionTTL <= 0 || b.SSOTokenTTL <= 0 {
		return fmt.Errorf("session and SSO token TTLs must be positive")
	}
	if b.SSOTokenTTL >= b.SessionTTL {
		return fmt.Errorf("SSO token TTL (%s) must be shorter than session TTL (%s)", b.SSOTokenTTL, b.SessionTTL)
	}
	if b.StaleAfter <= 0 || b.SSOTokenRetention < 0 {
		return fmt.Errorf("stale-after window must be positive and token retention non-negative")
	}
	if strings.TrimSpace(b.SweepSchedule) == "" {
		return fmt.Errorf("sweep schedule is required")
	}
	return nil
}

// RedirectBase returns the configured redirect base URL for sys
func (b *BridgeConfig) RedirectBase(sys auth.System) string {
	return strings.TrimRight(b.Systems[sys].RedirectURL, "/")
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
