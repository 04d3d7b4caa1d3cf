package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// CaptchaMode controls CAPTCHA challenge enforcement for web sessions.
type CaptchaMode string

const (
	CaptchaDisabled CaptchaMode = "disabled"
	CaptchaEnabled  CaptchaMode = "enabled"
	CaptchaDynamic  CaptchaMode = "dynamic"
)

// ServerConfig holds all configuration for the server.
// Tags use mapstructure for Viper unmarshalling and env variable binding.
type ServerConfig struct {
	HTTPPort    string `mapstructure:"HTTP_PORT"`
	MongoURI    string `mapstructure:"MONGO_URI"`
	MongoDBName string `mapstructure:"MONGO_DB_NAME"`
	RedisAddr   string `mapstructure:"REDIS_ADDR"`
	RedisDB     int    `mapstructure:"REDIS_DB"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogPretty bool   `mapstructure:"LOG_PRETTY"`
	Debug     bool   `mapstructure:"DEBUG"`

	OtelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// Root cipher keys, 64 hex chars each. Primary keys user secrets and
	// session checksums; secondary keys query logs and audit payloads.
	PrimaryKeyHex   string `mapstructure:"PRIMARY_KEY"`
	SecondaryKeyHex string `mapstructure:"SECONDARY_KEY"`

	// Session lifecycle knobs.
	SessionIdleTimeoutSec    int `mapstructure:"SESSION_IDLE_TIMEOUT_SEC"`
	SessionCreateIntervalSec int `mapstructure:"SESSION_CREATE_INTERVAL_SEC"`

	// Request freshness window for signed requests.
	RequestMaxAgeSec int `mapstructure:"REQUEST_MAX_AGE_SEC"`

	// Semaphore tuning.
	LockTTLSec  int `mapstructure:"LOCK_TTL_SEC"`
	LockWaitSec int `mapstructure:"LOCK_WAIT_SEC"`

	UserCacheTTLSec int `mapstructure:"USER_CACHE_TTL_SEC"`

	CaptchaMode        CaptchaMode `mapstructure:"CAPTCHA_MODE"`
	CaptchaCooldownSec int         `mapstructure:"CAPTCHA_COOLDOWN_SEC"`

	// Directory for the audit-finalizer fallback sink.
	AuditFallbackDir string `mapstructure:"AUDIT_FALLBACK_DIR"`
}

// LoadConfig reads configuration from file, environment variables, and defaults.
func LoadConfig() (*ServerConfig, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("/etc/authcore/")
	v.AddConfigPath("$HOME/.authcore")
	v.AddConfigPath(".")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_PORT", "8080")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017/authcore_dev")
	v.SetDefault("MONGO_DB_NAME", "authcore_dev")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", true)
	v.SetDefault("DEBUG", false)
	v.SetDefault("OTEL_SERVICE_NAME", "authcore-server")
	v.SetDefault("PRIMARY_KEY", strings.Repeat("0", 64))   // CHANGE IN PRODUCTION
	v.SetDefault("SECONDARY_KEY", strings.Repeat("1", 64)) // CHANGE IN PRODUCTION
	v.SetDefault("SESSION_IDLE_TIMEOUT_SEC", 3600)
	v.SetDefault("SESSION_CREATE_INTERVAL_SEC", 60)
	v.SetDefault("REQUEST_MAX_AGE_SEC", 6)
	v.SetDefault("LOCK_TTL_SEC", 30)
	v.SetDefault("LOCK_WAIT_SEC", 10)
	v.SetDefault("USER_CACHE_TTL_SEC", 60)
	v.SetDefault("CAPTCHA_MODE", string(CaptchaDisabled))
	v.SetDefault("CAPTCHA_COOLDOWN_SEC", 1800)
	v.SetDefault("AUDIT_FALLBACK_DIR", "log/queries")

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env vars apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &cfg, nil
}
