package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type DeliveryConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	Multiplier     float64       `mapstructure:"multiplier"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type RateLimitConfig struct {
	PerMinute int `mapstructure:"per_minute"`
	PerHour   int `mapstructure:"per_hour"`
	PerDay    int `mapstructure:"per_day"`
}

type SweepConfig struct {
	RetryInterval     time.Duration `mapstructure:"retry_interval"`
	RetryWindow       time.Duration `mapstructure:"retry_window"`
	RetryLimit        int           `mapstructure:"retry_limit"`
	RetentionInterval time.Duration `mapstructure:"retention_interval"`
	RetentionDays     int           `mapstructure:"retention_days"`
}

type RelayConfig struct {
	// URL is where the API reaches the relay; APIURL is where the relay reaches the API.
	URL              string        `mapstructure:"url"`
	APIURL           string        `mapstructure:"api_url"`
	Port             string        `mapstructure:"port"`
	ServiceToken     string        `mapstructure:"service_token"`
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
	LivenessInterval time.Duration `mapstructure:"liveness_interval"`
	StatusInterval   time.Duration `mapstructure:"status_interval"`
}

type AlertConfig struct {
	StationaryMinutes int  `mapstructure:"stationary_minutes"`
	LowBatteryPercent int  `mapstructure:"low_battery_percent"`
	OfflineMinutes    int  `mapstructure:"offline_minutes"`
	StationaryEnabled bool `mapstructure:"stationary_enabled"`
	LowBatteryEnabled bool `mapstructure:"low_battery_enabled"`
	OfflineEnabled    bool `mapstructure:"offline_enabled"`
}

type BrokerConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type Config struct {
	DatabaseURL    string          `mapstructure:"database_url"`
	ServerPort     string          `mapstructure:"server_port"`
	JWTSecret      string          `mapstructure:"jwt_secret"`
	LogLevel       string          `mapstructure:"log_level"`
	AllowedOrigins []string        `mapstructure:"allowed_origins"`
	Delivery       DeliveryConfig  `mapstructure:"delivery"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
	Sweeps         SweepConfig     `mapstructure:"sweeps"`
	Relay          RelayConfig     `mapstructure:"relay"`
	Alerts         AlertConfig     `mapstructure:"alerts"`
	Broker         BrokerConfig    `mapstructure:"broker"`
}

const envPrefix = "FIELDNOTIFY"

// Load reads configuration from .env, config.yaml and the environment.
// Any error is fatal.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	cfg, err := LoadFrom(".", "./config")
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	return cfg
}

// LoadFrom looks for config.yaml in the given directories. A missing file is
// not an error: defaults and environment variables still apply.
func LoadFrom(paths ...string) (*Config, error) {
	v := viper.New()

	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// AutomaticEnv only sees keys viper already knows, so every key gets a default.
	v.SetDefault("database_url", "")
	v.SetDefault("server_port", "8080")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("delivery.max_retries", 3)
	v.SetDefault("delivery.base_delay", time.Second)
	v.SetDefault("delivery.multiplier", 2.0)
	v.SetDefault("delivery.max_delay", 30*time.Second)
	v.SetDefault("delivery.request_timeout", 10*time.Second)

	v.SetDefault("rate_limit.per_minute", 60)
	v.SetDefault("rate_limit.per_hour", 1000)
	v.SetDefault("rate_limit.per_day", 10000)

	v.SetDefault("sweeps.retry_interval", 5*time.Minute)
	v.SetDefault("sweeps.retry_window", 24*time.Hour)
	v.SetDefault("sweeps.retry_limit", 3)
	v.SetDefault("sweeps.retention_interval", time.Hour)
	v.SetDefault("sweeps.retention_days", 30)

	v.SetDefault("relay.url", "http://localhost:3001")
	v.SetDefault("relay.api_url", "http://localhost:8080")
	v.SetDefault("relay.port", "3001")
	v.SetDefault("relay.service_token", "")
	v.SetDefault("relay.heartbeat_timeout", 2*time.Minute)
	v.SetDefault("relay.liveness_interval", 60*time.Second)
	v.SetDefault("relay.status_interval", 60*time.Second)

	v.SetDefault("alerts.stationary_minutes", 10)
	v.SetDefault("alerts.low_battery_percent", 20)
	v.SetDefault("alerts.offline_minutes", 5)
	v.SetDefault("alerts.stationary_enabled", true)
	v.SetDefault("alerts.low_battery_enabled", true)
	v.SetDefault("alerts.offline_enabled", true)

	v.SetDefault("broker.url", "")
	v.SetDefault("broker.exchange", "fieldnotify.events")
}

func (c *Config) validate() error {
	if c.Delivery.MaxRetries < 1 {
		return fmt.Errorf("delivery.max_retries must be at least 1, got %d", c.Delivery.MaxRetries)
	}
	if c.Delivery.Multiplier < 1 {
		return fmt.Errorf("delivery.multiplier must be at least 1, got %v", c.Delivery.Multiplier)
	}
	if c.RateLimit.PerMinute <= 0 || c.RateLimit.PerHour <= 0 || c.RateLimit.PerDay <= 0 {
		return errors.New("rate_limit windows must be positive")
	}
	if c.Sweeps.RetentionDays <= 0 {
		c.Sweeps.RetentionDays = 30
	}
	return nil
}

// RetentionPeriod is how long terminal notifications are kept.
func (c *Config) RetentionPeriod() time.Duration {
	return time.Duration(c.Sweeps.RetentionDays) * 24 * time.Hour
}
