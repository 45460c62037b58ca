// Package config provides runtime configuration management.
package config

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/poemonsense/antigravity-proxy-go/internal/utils"
)

// HealthScoreConfig configures the health scoring for hybrid strategy
type HealthScoreConfig struct {
	Initial          float64 `json:"initial" mapstructure:"initial"`
	SuccessReward    float64 `json:"successReward" mapstructure:"successReward"`
	RateLimitPenalty float64 `json:"rateLimitPenalty" mapstructure:"rateLimitPenalty"`
	FailurePenalty   float64 `json:"failurePenalty" mapstructure:"failurePenalty"`
	RecoveryPerHour  float64 `json:"recoveryPerHour" mapstructure:"recoveryPerHour"`
	MinUsable        float64 `json:"minUsable" mapstructure:"minUsable"`
	MaxScore         float64 `json:"maxScore" mapstructure:"maxScore"`
}

// TokenBucketConfig configures the token bucket for hybrid strategy
type TokenBucketConfig struct {
	MaxTokens       float64 `json:"maxTokens" mapstructure:"maxTokens"`
	TokensPerMinute float64 `json:"tokensPerMinute" mapstructure:"tokensPerMinute"`
	InitialTokens   float64 `json:"initialTokens" mapstructure:"initialTokens"`
}

// QuotaConfig configures quota thresholds for hybrid strategy
type QuotaConfig struct {
	LowThreshold      float64 `json:"lowThreshold" mapstructure:"lowThreshold"`
	CriticalThreshold float64 `json:"criticalThreshold" mapstructure:"criticalThreshold"`
	StaleMs           int64   `json:"staleMs" mapstructure:"staleMs"`
	UnknownScore      float64 `json:"unknownScore" mapstructure:"unknownScore"`
}

// WeightsConfig configures scoring weights for the hybrid selection strategy
type WeightsConfig struct {
	Health float64 `json:"health" mapstructure:"health"`
	Tokens float64 `json:"tokens" mapstructure:"tokens"`
	Quota  float64 `json:"quota" mapstructure:"quota"`
	Lru    float64 `json:"lru" mapstructure:"lru"`
}

// AccountSelectionConfig configures account selection behavior
type AccountSelectionConfig struct {
	Strategy    string             `json:"strategy" mapstructure:"strategy"`
	HealthScore *HealthScoreConfig `json:"healthScore,omitempty" mapstructure:"healthScore"`
	TokenBucket *TokenBucketConfig `json:"tokenBucket,omitempty" mapstructure:"tokenBucket"`
	Quota       *QuotaConfig       `json:"quota,omitempty" mapstructure:"quota"`
	Weights     *WeightsConfig     `json:"weights,omitempty" mapstructure:"weights"`
}

// Config represents the runtime configuration. Fields are populated by
// viper from (in increasing precedence) built-in defaults, the config
// file, and environment variables.
type Config struct {
	mu sync.RWMutex
	v  *viper.Viper

	APIKey   string `mapstructure:"apiKey"`
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"logLevel"`

	MaxRetries  int   `mapstructure:"maxRetries"`
	RetryBaseMs int64 `mapstructure:"retryBaseMs"`
	RetryMaxMs  int64 `mapstructure:"retryMaxMs"`

	PersistTokenCache bool `mapstructure:"persistTokenCache"`

	DefaultCooldownMs    int64 `mapstructure:"defaultCooldownMs"`
	MaxWaitBeforeErrorMs int64 `mapstructure:"maxWaitBeforeErrorMs"`

	MaxAccounts          int     `mapstructure:"maxAccounts"`
	GlobalQuotaThreshold float64 `mapstructure:"globalQuotaThreshold"`

	RateLimitDedupWindowMs int64 `mapstructure:"rateLimitDedupWindowMs"`
	MaxConsecutiveFailures int   `mapstructure:"maxConsecutiveFailures"`
	ExtendedCooldownMs     int64 `mapstructure:"extendedCooldownMs"`
	MaxCapacityRetries     int   `mapstructure:"maxCapacityRetries"`

	ModelMapping map[string]string `mapstructure:"modelMapping"`

	AccountSelection AccountSelectionConfig `mapstructure:"accountSelection"`

	RedisAddr     string `mapstructure:"redisAddr"`
	RedisPassword string `mapstructure:"redisPassword"`
	RedisDB       int    `mapstructure:"redisDB"`

	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`

	FallbackEnabled bool `mapstructure:"fallbackEnabled"`

	LocalLLMURL string `mapstructure:"localLLMURL"`
	LocalLLMKey string `mapstructure:"localLLMKey"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("apiKey", "")
	v.SetDefault("debug", false)
	v.SetDefault("logLevel", "info")
	v.SetDefault("maxRetries", 5)
	v.SetDefault("retryBaseMs", 1000)
	v.SetDefault("retryMaxMs", 30000)
	v.SetDefault("persistTokenCache", false)
	v.SetDefault("defaultCooldownMs", 10000)
	v.SetDefault("maxWaitBeforeErrorMs", 120000)
	v.SetDefault("maxAccounts", 10)
	v.SetDefault("globalQuotaThreshold", 0)
	v.SetDefault("rateLimitDedupWindowMs", 2000)
	v.SetDefault("maxConsecutiveFailures", 3)
	v.SetDefault("extendedCooldownMs", 60000)
	v.SetDefault("maxCapacityRetries", 5)
	v.SetDefault("modelMapping", map[string]string{})
	v.SetDefault("accountSelection.strategy", DefaultSelectionStrategy)
	v.SetDefault("accountSelection.healthScore.initial", 70)
	v.SetDefault("accountSelection.healthScore.successReward", 1)
	v.SetDefault("accountSelection.healthScore.rateLimitPenalty", -10)
	v.SetDefault("accountSelection.healthScore.failurePenalty", -20)
	v.SetDefault("accountSelection.healthScore.recoveryPerHour", 2)
	v.SetDefault("accountSelection.healthScore.minUsable", 50)
	v.SetDefault("accountSelection.healthScore.maxScore", 100)
	v.SetDefault("accountSelection.tokenBucket.maxTokens", 50)
	v.SetDefault("accountSelection.tokenBucket.tokensPerMinute", 6)
	v.SetDefault("accountSelection.tokenBucket.initialTokens", 50)
	v.SetDefault("accountSelection.quota.lowThreshold", 0.10)
	v.SetDefault("accountSelection.quota.criticalThreshold", 0.05)
	v.SetDefault("accountSelection.quota.staleMs", 300000)
	v.SetDefault("redisAddr", "")
	v.SetDefault("redisPassword", "")
	v.SetDefault("redisDB", 0)
	v.SetDefault("port", DefaultPort)
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("fallbackEnabled", false)
	v.SetDefault("localLLMURL", "http://localhost:1234/v1/chat/completions")
	v.SetDefault("localLLMKey", "")
}

// Config paths
var (
	configDir  string
	configFile string
)

func init() {
	home := utils.GetHomeDir()
	configDir = filepath.Join(home, ".config", "antigravity-proxy")
	configFile = filepath.Join(configDir, "config.json")
}

// Global config instance
var (
	globalConfig     *Config
	globalConfigOnce sync.Once
)

// GetConfig returns the global config instance, loading it on first use.
func GetConfig() *Config {
	globalConfigOnce.Do(func() {
		globalConfig = newConfig()
		if err := globalConfig.Load(); err != nil {
			utils.Warn("[Config] Load error: %v", err)
		}
	})
	return globalConfig
}

func newConfig() *Config {
	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetConfigType("json")
	setDefaults(v)

	v.SetEnvPrefix("")
	v.AutomaticEnv()
	_ = v.BindEnv("apiKey", "API_KEY")
	_ = v.BindEnv("debug", "DEBUG")
	_ = v.BindEnv("redisAddr", "REDIS_ADDR")
	_ = v.BindEnv("redisPassword", "REDIS_PASSWORD")
	_ = v.BindEnv("redisDB", "REDIS_DB")
	_ = v.BindEnv("fallbackEnabled", "FALLBACK")
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("localLLMURL", "LOCAL_LLM_URL")
	_ = v.BindEnv("localLLMKey", "LOCAL_LLM_KEY")

	return &Config{v: v}
}

// Load reads the config file (if present) and environment overrides, and
// installs a watcher so that edits to the config file (model mapping,
// account-selection tuning) are picked up without a restart.
func (c *Config) Load() error {
	_ = godotenv.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := utils.EnsureDir(configDir); err != nil {
		utils.Warn("[Config] Failed to create config directory: %v", err)
	}

	if err := c.v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			utils.Warn("[Config] Failed to read config file: %v", err)
		}
	}

	if err := c.v.Unmarshal(c); err != nil {
		return err
	}

	c.v.OnConfigChange(func(e fsnotify.Event) {
		c.mu.Lock()
		err := c.v.Unmarshal(c)
		c.mu.Unlock()
		if err != nil {
			utils.Warn("[Config] Hot-reload unmarshal failed: %v", err)
			return
		}
		utils.Info("[Config] Reloaded configuration from %s", e.Name)
	})
	c.v.WatchConfig()

	utils.SetDebug(c.Debug)

	return nil
}

// Snapshot returns a value copy of the config safe to read without holding the lock.
func (c *Config) Snapshot() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp := *c
	cp.mu = sync.RWMutex{}
	cp.v = nil
	return cp
}

// GetPublic returns a copy of the config with sensitive fields redacted.
func (c *Config) GetPublic() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return map[string]interface{}{
		"apiKey":                 redact(c.APIKey),
		"debug":                  c.Debug,
		"logLevel":               c.LogLevel,
		"maxRetries":             c.MaxRetries,
		"retryBaseMs":            c.RetryBaseMs,
		"retryMaxMs":             c.RetryMaxMs,
		"persistTokenCache":      c.PersistTokenCache,
		"defaultCooldownMs":      c.DefaultCooldownMs,
		"maxWaitBeforeErrorMs":   c.MaxWaitBeforeErrorMs,
		"maxAccounts":            c.MaxAccounts,
		"globalQuotaThreshold":   c.GlobalQuotaThreshold,
		"rateLimitDedupWindowMs": c.RateLimitDedupWindowMs,
		"maxConsecutiveFailures": c.MaxConsecutiveFailures,
		"extendedCooldownMs":     c.ExtendedCooldownMs,
		"maxCapacityRetries":     c.MaxCapacityRetries,
		"modelMapping":           c.ModelMapping,
		"accountSelection":       c.AccountSelection,
		"redisAddr":              c.RedisAddr,
		"redisPassword":          redact(c.RedisPassword),
		"redisDB":                c.RedisDB,
		"port":                   c.Port,
		"host":                   c.Host,
		"fallbackEnabled":        c.FallbackEnabled,
		"localLLMURL":            c.LocalLLMURL,
		"localLLMKey":            redact(c.LocalLLMKey),
	}
}

// GetStrategy returns the current account selection strategy.
func (c *Config) GetStrategy() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AccountSelection.Strategy
}

// redact returns "********" if the string is non-empty, otherwise empty string.
func redact(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

// ConfigDir returns the directory holding the config file and local
// fallback stores (e.g. the SQLite database used when Redis is down).
func ConfigDir() string {
	return configDir
}

// GetPort returns the server port from global config.
func GetPort() int {
	return GetConfig().Port
}

// GetHost returns the server host from global config.
func GetHost() string {
	return GetConfig().Host
}

// IsDebug returns whether debug mode is enabled.
func IsDebug() bool {
	cfg := GetConfig()
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	return cfg.Debug
}

// GetGlobalQuotaThreshold returns the global quota threshold.
func GetGlobalQuotaThreshold() float64 {
	cfg := GetConfig()
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()
	return cfg.GlobalQuotaThreshold
}
