package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Store    StoreConfig    `mapstructure:"store"`
	Presence PresenceConfig `mapstructure:"presence"`
	Events   EventsConfig   `mapstructure:"events"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Sessions SessionsConfig `mapstructure:"sessions"`
}

type ServerConfig struct {
	Addr          string        `mapstructure:"addr"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`
	SendBuffer    int           `mapstructure:"send_buffer"`
	SlowStrikes   int           `mapstructure:"slow_strikes"`
}

type StoreConfig struct {
	URL            string        `mapstructure:"url"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	ConnectRetries int           `mapstructure:"connect_retries"`
	RetryWait      time.Duration `mapstructure:"retry_wait"`
	MaxRetryWait   time.Duration `mapstructure:"max_retry_wait"`
}

type PresenceConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	TouchInterval   time.Duration `mapstructure:"touch_interval"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type EventsConfig struct {
	RecentSize int `mapstructure:"recent_size"`
	MaxTenants int `mapstructure:"max_tenants"`
	MaxPayload int `mapstructure:"max_payload"`
}

type AuthConfig struct {
	JWKSURL      string `mapstructure:"jwks_url"`
	Issuer       string `mapstructure:"issuer"`
	ElevatedRole string `mapstructure:"elevated_role"`
}

type SessionsConfig struct {
	// Mode selects the session validator: "sql" checks the business session
	// table, "allow" skips the check (single-instance / dev).
	Mode        string `mapstructure:"mode"`
	DatabaseURL string `mapstructure:"database_url"`
	// BreakerThreshold / BreakerCooldown tune the circuit breaker guarding
	// the session database. Cooldown is in seconds.
	BreakerThreshold int `mapstructure:"breaker_threshold"`
	BreakerCooldown  int `mapstructure:"breaker_cooldown"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	}
	v.SetEnvPrefix("tenantstream")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8090")
	v.SetDefault("server.stats_interval", 30*time.Second)
	v.SetDefault("server.send_buffer", 64)
	v.SetDefault("server.slow_strikes", 3)

	v.SetDefault("store.url", "nats://localhost:4222")
	v.SetDefault("store.connect_retries", 10)
	v.SetDefault("store.retry_wait", 500*time.Millisecond)
	v.SetDefault("store.max_retry_wait", 8*time.Second)

	v.SetDefault("presence.ttl", 45*time.Second)
	v.SetDefault("presence.touch_interval", 15*time.Second)
	v.SetDefault("presence.cleanup_interval", 60*time.Second)

	v.SetDefault("events.recent_size", 50)
	v.SetDefault("events.max_tenants", 1024)
	v.SetDefault("events.max_payload", 64*1024)

	v.SetDefault("auth.elevated_role", "platform-admin")

	v.SetDefault("sessions.mode", "allow")
	v.SetDefault("sessions.breaker_threshold", 5)
	v.SetDefault("sessions.breaker_cooldown", 30)
}

func (c Config) Validate() error {
	if c.Server.SendBuffer < 1 {
		return fmt.Errorf("server.send_buffer must be at least 1")
	}
	// A strike limit below 1 would disconnect a client on its first dropped
	// message.
	if c.Server.SlowStrikes < 1 {
		return fmt.Errorf("server.slow_strikes must be at least 1")
	}
	if c.Presence.TTL <= 0 {
		return fmt.Errorf("presence.ttl must be positive")
	}
	if c.Presence.TouchInterval >= c.Presence.TTL {
		return fmt.Errorf("presence.touch_interval must be shorter than presence.ttl")
	}
	if c.Events.RecentSize < 0 {
		return fmt.Errorf("events.recent_size must not be negative")
	}
	if c.Auth.JWKSURL == "" {
		return fmt.Errorf("auth.jwks_url is required")
	}
	switch c.Sessions.Mode {
	case "allow":
	case "sql":
		if c.Sessions.DatabaseURL == "" {
			return fmt.Errorf("sessions.database_url is required when sessions.mode=sql")
		}
	default:
		return fmt.Errorf("unknown sessions.mode %q", c.Sessions.Mode)
	}
	return nil
}
