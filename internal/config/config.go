package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// OpenAgents Core - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server ServerConfig `yaml:"server"`
	Auth   AuthConfig   `yaml:"auth"`
	Relay  RelayConfig  `yaml:"relay"`
	Dvm    DvmConfig    `yaml:"dvm"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	Interface        string   `yaml:"interface"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
	AdminKey         string   `yaml:"admin_key"`
}

// AuthConfig configures the session and token authority. cmd/server converts
// it into internal/auth.Config (TTLs are whole seconds here and
// time.Durations there), so internal/auth never imports this package.
type AuthConfig struct {
	ProviderMode        string `yaml:"provider_mode"` // "mock" | "remote" | "auto"
	MockMagicCode       string `yaml:"mock_magic_code"`
	RemoteClientID      string `yaml:"remote_client_id"`
	RemoteAPIKey        string `yaml:"remote_api_key"`
	RemoteAPIBaseURL    string `yaml:"remote_api_base_url"`
	ChallengeTTLSec     int    `yaml:"challenge_ttl_sec"`
	AccessTokenTTLSec   int    `yaml:"access_token_ttl_sec"`
	RefreshTokenTTLSec  int    `yaml:"refresh_token_ttl_sec"`
}

// RelayConfig configures the outbound relay fabric: the set of relays the
// DVM publishes job results to and subscribes for job requests on, plus the
// shared connection tuning applied to each.
type RelayConfig struct {
	URLs                  []string `yaml:"urls"`
	ConnectTimeoutSec     int      `yaml:"connect_timeout_sec"`
	MaxReconnectAttempts  int      `yaml:"max_reconnect_attempts"`
	ReconnectDelayMs      int      `yaml:"reconnect_delay_ms"`
	MaxReconnectDelaySec  int      `yaml:"max_reconnect_delay_sec"`
	PingIntervalSec       int      `yaml:"ping_interval_sec"`
	EnableQueue           bool     `yaml:"enable_queue"`
	QueuePollIntervalSec  int      `yaml:"queue_poll_interval_sec"`
	RedisURL              string   `yaml:"redis_url"` // non-empty selects RedisQueue over InProcessQueue
}

// DvmConfig configures the Data Vending Machine job pipeline.
type DvmConfig struct {
	SignerPubkey         string   `yaml:"signer_pubkey"`
	AllowedProviders     []string `yaml:"allowed_providers"`
	AllowedModels        []string `yaml:"allowed_models"`
	BlockedModels        []string `yaml:"blocked_models"`
	DefaultMaxCostUSD    float64  `yaml:"default_max_cost_usd"`
	RequireMaxCost       bool     `yaml:"require_max_cost"`
	RequireIdempotency   bool     `yaml:"require_idempotency"`
	RequirePayment       bool     `yaml:"require_payment"`
	MinPriceMillisat     int64    `yaml:"min_price_millisat"`
	InvoiceExpirySec     int      `yaml:"invoice_expiry_sec"`
	PerTickBudgetUSD     float64  `yaml:"per_tick_budget_usd"`
	PerDayBudgetUSD      float64  `yaml:"per_day_budget_usd"`
	PaymentMonitorSec    int      `yaml:"payment_monitor_sec"`
	HandlerInfoKind      int      `yaml:"handler_info_kind"`
	OllamaBaseURL        string   `yaml:"ollama_base_url"`
	IdempotencyRedisURL  string   `yaml:"idempotency_redis_url"` // non-empty selects RedisIdempotencyJournal
}

// =============================================================================
// Singleton Pattern with Environment Overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file (using defaults)", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from YAML file
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	// Server
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("OA_ENV", c.Server.Env)
	c.Server.Interface = getEnv("OA_INTERFACE", c.Server.Interface)
	c.Server.AdminKey = getEnv("OA_ADMIN_KEY", c.Server.AdminKey)
	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	// Auth
	c.Auth.ProviderMode = getEnv("OA_AUTH_PROVIDER_MODE", c.Auth.ProviderMode)
	c.Auth.MockMagicCode = getEnv("OA_AUTH_MOCK_CODE", c.Auth.MockMagicCode)
	c.Auth.RemoteClientID = getEnv("OA_AUTH_REMOTE_CLIENT_ID", c.Auth.RemoteClientID)
	c.Auth.RemoteAPIKey = getEnv("OA_AUTH_REMOTE_API_KEY", c.Auth.RemoteAPIKey)
	c.Auth.RemoteAPIBaseURL = getEnv("OA_AUTH_REMOTE_BASE_URL", c.Auth.RemoteAPIBaseURL)
	if v := getEnvInt("OA_AUTH_CHALLENGE_TTL_SEC", 0); v > 0 {
		c.Auth.ChallengeTTLSec = v
	}
	if v := getEnvInt("OA_AUTH_ACCESS_TTL_SEC", 0); v > 0 {
		c.Auth.AccessTokenTTLSec = v
	}
	if v := getEnvInt("OA_AUTH_REFRESH_TTL_SEC", 0); v > 0 {
		c.Auth.RefreshTokenTTLSec = v
	}

	// Relay
	if urls := getEnv("OA_RELAY_URLS", ""); urls != "" {
		c.Relay.URLs = splitCSV(urls)
	}
	c.Relay.RedisURL = getEnv("OA_RELAY_REDIS_URL", c.Relay.RedisURL)
	c.Relay.EnableQueue = getEnvBool("OA_RELAY_ENABLE_QUEUE", c.Relay.EnableQueue)

	// Dvm
	c.Dvm.SignerPubkey = getEnv("OA_DVM_SIGNER_PUBKEY", c.Dvm.SignerPubkey)
	if models := getEnv("OA_DVM_ALLOWED_MODELS", ""); models != "" {
		c.Dvm.AllowedModels = splitCSV(models)
	}
	if v := getEnvFloat("OA_DVM_DEFAULT_MAX_COST_USD", 0); v > 0 {
		c.Dvm.DefaultMaxCostUSD = v
	}
	c.Dvm.RequirePayment = getEnvBool("OA_DVM_REQUIRE_PAYMENT", c.Dvm.RequirePayment)
	if v := getEnvFloat("OA_DVM_PER_TICK_BUDGET_USD", 0); v > 0 {
		c.Dvm.PerTickBudgetUSD = v
	}
	if v := getEnvFloat("OA_DVM_PER_DAY_BUDGET_USD", 0); v > 0 {
		c.Dvm.PerDayBudgetUSD = v
	}
	c.Dvm.OllamaBaseURL = getEnv("OA_DVM_OLLAMA_BASE_URL", c.Dvm.OllamaBaseURL)
	c.Dvm.IdempotencyRedisURL = getEnv("OA_DVM_IDEMPOTENCY_REDIS_URL", c.Dvm.IdempotencyRedisURL)

	c.applyDefaults()
}

// applyDefaults sets sensible defaults for zero-valued config fields
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}

	if c.Auth.ProviderMode == "" {
		c.Auth.ProviderMode = "mock"
	}
	if c.Auth.ChallengeTTLSec == 0 {
		c.Auth.ChallengeTTLSec = 600
	}
	if c.Auth.AccessTokenTTLSec == 0 {
		c.Auth.AccessTokenTTLSec = 900
	}
	if c.Auth.RefreshTokenTTLSec == 0 {
		c.Auth.RefreshTokenTTLSec = 30 * 24 * 3600
	}

	if c.Relay.ConnectTimeoutSec == 0 {
		c.Relay.ConnectTimeoutSec = 10
	}
	if c.Relay.MaxReconnectAttempts == 0 {
		c.Relay.MaxReconnectAttempts = 0 // unlimited
	}
	if c.Relay.ReconnectDelayMs == 0 {
		c.Relay.ReconnectDelayMs = 1000
	}
	if c.Relay.MaxReconnectDelaySec == 0 {
		c.Relay.MaxReconnectDelaySec = 60
	}
	if c.Relay.PingIntervalSec == 0 {
		c.Relay.PingIntervalSec = 30
	}
	if c.Relay.QueuePollIntervalSec == 0 {
		c.Relay.QueuePollIntervalSec = 5
	}

	if c.Dvm.InvoiceExpirySec == 0 {
		c.Dvm.InvoiceExpirySec = 3600
	}
	if c.Dvm.PaymentMonitorSec == 0 {
		c.Dvm.PaymentMonitorSec = 10
	}
	if c.Dvm.HandlerInfoKind == 0 {
		c.Dvm.HandlerInfoKind = 31990
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience Methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}

func (c AuthConfig) ChallengeTTL() time.Duration {
	return time.Duration(c.ChallengeTTLSec) * time.Second
}

func (c AuthConfig) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLSec) * time.Second
}

func (c AuthConfig) RefreshTokenTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTLSec) * time.Second
}
