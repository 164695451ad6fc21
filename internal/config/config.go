package config

import "time"

// Config holds server configuration values. Every protocol constant here is
// a tunable, not a behavior change.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`

	// Redis. Empty addr selects the in-memory store and loopback fan-out,
	// which is only correct for single-process deployments.
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`

	JWTSecret   string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string `mapstructure:"jwt_audience" yaml:"jwt_audience"`

	// Protocol tunables.
	MaxMessageBytes    int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	FailResyncWindow   time.Duration `mapstructure:"fail_resync_window" yaml:"fail_resync_window"`
	SuccessResyncEvery int           `mapstructure:"success_resync_every" yaml:"success_resync_every"`
	AbuseStrikeLimit   int           `mapstructure:"abuse_strike_limit" yaml:"abuse_strike_limit"`
	RoomCreateWait     time.Duration `mapstructure:"room_create_wait" yaml:"room_create_wait"`
	TenantRefresh      time.Duration `mapstructure:"tenant_refresh" yaml:"tenant_refresh"`

	// Rate limits, one budget per category.
	UpgradePerMinute int `mapstructure:"upgrade_per_minute" yaml:"upgrade_per_minute"`
	UpgradeBurst     int `mapstructure:"upgrade_burst" yaml:"upgrade_burst"`
	MessagePerMinute int `mapstructure:"message_per_minute" yaml:"message_per_minute"`
	MessageBurst     int `mapstructure:"message_burst" yaml:"message_burst"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		LogLevel:          "info",

		JWTIssuer:   "groupsync",
		JWTAudience: "groupsync",

		MaxMessageBytes:    4096,
		HeartbeatInterval:  30 * time.Second,
		FailResyncWindow:   5 * time.Second,
		SuccessResyncEvery: 13,
		AbuseStrikeLimit:   3,
		RoomCreateWait:     time.Second,
		TenantRefresh:      30 * time.Second,

		UpgradePerMinute: 30,
		UpgradeBurst:     10,
		MessagePerMinute: 120,
		MessageBurst:     20,
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.RedisAddr != "" {
		c.RedisAddr = other.RedisAddr
	}
	if other.JWTSecret != "" {
		c.JWTSecret = other.JWTSecret
	}
}
