// Package config provides configuration management using viper.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration structure.
type Config struct {
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Ops      OpsConfig      `mapstructure:"ops"`
	Brokers  BrokersConfig  `mapstructure:"brokers"`
	Bus      BusConfig      `mapstructure:"bus"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Session  SessionConfig  `mapstructure:"session"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Rate     RateConfig     `mapstructure:"rate"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Usage    UsageConfig    `mapstructure:"usage"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Logger   LoggerConfig   `mapstructure:"logger"`
}

// GatewayConfig holds the client-facing WebSocket listener settings.
type GatewayConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PongTimeout  time.Duration `mapstructure:"pong_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// OpsConfig holds the operational HTTP server settings (health, stats,
// prometheus).
type OpsConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// PoolLimits bounds one broker's connection pool.
type PoolLimits struct {
	MaxSymbolsPerConnection int `mapstructure:"max_symbols_per_connection"`
	MaxConnections          int `mapstructure:"max_connections"`
}

// BrokerConfig holds per-broker settings: pool limits, the adapter to
// instantiate and its endpoint.
type BrokerConfig struct {
	Adapter  string     `mapstructure:"adapter"`
	Endpoint string     `mapstructure:"endpoint"`
	Token    string     `mapstructure:"token"`
	Limits   PoolLimits `mapstructure:"limits"`
}

// BrokersConfig holds defaults plus per-broker overrides, keyed by
// broker id.
type BrokersConfig struct {
	Defaults   PoolLimits              `mapstructure:"defaults"`
	Reconnect  ReconnectConfig         `mapstructure:"reconnect"`
	Configured map[string]BrokerConfig `mapstructure:"configured"`
}

// LimitsFor resolves pool limits for a broker, falling back to defaults
// for zero fields.
func (b *BrokersConfig) LimitsFor(broker string) PoolLimits {
	limits := b.Defaults
	if bc, ok := b.Configured[broker]; ok {
		if bc.Limits.MaxSymbolsPerConnection > 0 {
			limits.MaxSymbolsPerConnection = bc.Limits.MaxSymbolsPerConnection
		}
		if bc.Limits.MaxConnections > 0 {
			limits.MaxConnections = bc.Limits.MaxConnections
		}
	}
	return limits
}

// ReconnectConfig holds the backoff schedule for broker connections.
type ReconnectConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// BusConfig holds internal bus settings.
type BusConfig struct {
	ShardCount int `mapstructure:"shard_count"`
	BufferSize int `mapstructure:"buffer_size"`
}

// DispatchConfig holds dispatcher settings.
type DispatchConfig struct {
	ThrottleWindow time.Duration `mapstructure:"throttle_window"`
	WorkerPoolSize int           `mapstructure:"worker_pool_size"`
}

// SessionConfig holds per-client session settings.
type SessionConfig struct {
	QueueSize     int           `mapstructure:"queue_size"`
	WarnOnDrop    bool          `mapstructure:"warn_on_drop"`
	ZombieTimeout time.Duration `mapstructure:"zombie_timeout"`
}

// CacheConfig holds last-tick cache settings.
type CacheConfig struct {
	RingSize   int           `mapstructure:"ring_size"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// RateConfig holds client command rate limiter settings.
type RateConfig struct {
	DefaultRPS      int     `mapstructure:"default_rps"`
	BurstMultiplier float64 `mapstructure:"burst_multiplier"`
}

// AuthConfig holds auth service settings.
type AuthConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// UsageConfig holds usage collector settings.
type UsageConfig struct {
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// DatabaseConfig holds MySQL database settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig holds Redis settings.
type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LoggerConfig holds logger settings.
type LoggerConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	Encoding    string `mapstructure:"encoding"`
}

// Load loads configuration from file and environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/tickrelay")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("TICKRELAY")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// Config file not found, use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Gateway defaults
	v.SetDefault("gateway.host", "0.0.0.0")
	v.SetDefault("gateway.port", 8765)
	v.SetDefault("gateway.read_limit", 1<<20)
	v.SetDefault("gateway.write_timeout", "2s")
	v.SetDefault("gateway.pong_timeout", "60s")
	v.SetDefault("gateway.ping_interval", "54s")

	// Ops server defaults
	v.SetDefault("ops.host", "0.0.0.0")
	v.SetDefault("ops.port", 8080)

	// Broker pool defaults
	v.SetDefault("brokers.defaults.max_symbols_per_connection", 500)
	v.SetDefault("brokers.defaults.max_connections", 3)
	v.SetDefault("brokers.reconnect.max_attempts", 5)
	v.SetDefault("brokers.reconnect.base_delay", "1s")
	v.SetDefault("brokers.reconnect.max_delay", "16s")

	// Bus defaults
	v.SetDefault("bus.shard_count", 8)
	v.SetDefault("bus.buffer_size", 4096)

	// Dispatch defaults
	v.SetDefault("dispatch.throttle_window", "50ms")
	v.SetDefault("dispatch.worker_pool_size", 64)

	// Session defaults
	v.SetDefault("session.queue_size", 256)
	v.SetDefault("session.warn_on_drop", true)
	v.SetDefault("session.zombie_timeout", "120s")

	// Cache defaults
	v.SetDefault("cache.ring_size", 32)
	v.SetDefault("cache.stale_after", "10m")

	// Rate limiter defaults
	v.SetDefault("rate.default_rps", 10)
	v.SetDefault("rate.burst_multiplier", 2.0)

	// Auth defaults
	v.SetDefault("auth.cache_ttl", "5m")

	// Usage defaults
	v.SetDefault("usage.flush_interval", "1m")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", "1h")

	// Redis defaults
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.min_idle_conns", 5)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	// Logger defaults
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.development", false)
	v.SetDefault("logger.encoding", "json")
}
