package mypipe

import (
	"crypto/tls"
	"errors"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Capacity int // default: 10
	Device   DeviceConfig
	Redis    RedisConfig
	Relay    RelayConfig
}

type DeviceConfig struct {
	Name              string // default: "mypipe"
	ShutdownTimeoutMs int64  // default: 5000
}

type RedisConfig struct {
	Address        string // default: "localhost:6379"
	Password       string
	DB             int
	PoolSize       int   // default: 10
	ReadTimeoutMs  int64 // default: 3000
	WriteTimeoutMs int64 // default: 3000
	UseTLS         bool  // default: false
}

type RelayConfig struct {
	Namespace      string // default: "mypipe"
	MaxLen         int64  // default: 10000
	BlockTimeoutMs int64  // default: 5000
	BatchSize      int64  // default: 10
	Producer       string // auto-generated if empty
	BaseDelayMs    int64  // default: 100
	MaxDelayMs     int64  // default: 5000
	Jitter         bool   // default: true
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() Config {
	return Config{
		Capacity: DefaultCapacity,
		Device: DeviceConfig{
			Name:              "mypipe",
			ShutdownTimeoutMs: 5000,
		},
		Redis: RedisConfig{
			Address:        "localhost:6379",
			PoolSize:       10,
			ReadTimeoutMs:  3000,
			WriteTimeoutMs: 3000,
		},
		Relay: RelayConfig{
			Namespace:      "mypipe",
			MaxLen:         10000,
			BlockTimeoutMs: 5000,
			BatchSize:      10,
			BaseDelayMs:    100,
			MaxDelayMs:     5000,
			Jitter:         true,
		},
	}
}

// Validate checks that all required fields are set and values are within valid ranges.
// Returns an error describing the first validation failure.
func (c Config) Validate() error {
	if c.Capacity < 1 {
		return ErrInvalidCapacity
	}

	if c.Device.Name == "" {
		return errors.New("mypipe: device name must not be empty")
	}

	if c.Relay.MaxLen <= 0 {
		return errors.New("mypipe: relay max_len must be > 0")
	}

	if c.Relay.BatchSize <= 0 {
		return errors.New("mypipe: relay batch_size must be > 0")
	}

	if c.Relay.BaseDelayMs <= 0 {
		return errors.New("mypipe: relay base_delay must be > 0")
	}

	if c.Relay.MaxDelayMs < c.Relay.BaseDelayMs {
		return errors.New("mypipe: relay max_delay must be >= base_delay")
	}

	return nil
}

// WithDefaults returns a new Config with zero-value fields replaced by defaults.
// Jitter is left as given: false is a meaningful setting.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()
	result := c

	if result.Capacity == 0 {
		result.Capacity = defaults.Capacity
	}

	// Device
	if result.Device.Name == "" {
		result.Device.Name = defaults.Device.Name
	}
	if result.Device.ShutdownTimeoutMs == 0 {
		result.Device.ShutdownTimeoutMs = defaults.Device.ShutdownTimeoutMs
	}

	// Redis
	if result.Redis.Address == "" {
		result.Redis.Address = defaults.Redis.Address
	}
	if result.Redis.PoolSize == 0 {
		result.Redis.PoolSize = defaults.Redis.PoolSize
	}
	if result.Redis.ReadTimeoutMs == 0 {
		result.Redis.ReadTimeoutMs = defaults.Redis.ReadTimeoutMs
	}
	if result.Redis.WriteTimeoutMs == 0 {
		result.Redis.WriteTimeoutMs = defaults.Redis.WriteTimeoutMs
	}

	// Relay
	if result.Relay.Namespace == "" {
		result.Relay.Namespace = defaults.Relay.Namespace
	}
	if result.Relay.MaxLen == 0 {
		result.Relay.MaxLen = defaults.Relay.MaxLen
	}
	if result.Relay.BlockTimeoutMs == 0 {
		result.Relay.BlockTimeoutMs = defaults.Relay.BlockTimeoutMs
	}
	if result.Relay.BatchSize == 0 {
		result.Relay.BatchSize = defaults.Relay.BatchSize
	}
	if result.Relay.BaseDelayMs == 0 {
		result.Relay.BaseDelayMs = defaults.Relay.BaseDelayMs
	}
	if result.Relay.MaxDelayMs == 0 {
		result.Relay.MaxDelayMs = defaults.Relay.MaxDelayMs
	}

	return result
}

// ConfigFromEnv reads device and Redis settings from environment variables
// and returns a Config with those values set. Unset or malformed variables
// keep their defaults.
//
// Environment variables:
//   - MYPIPE_CAPACITY: queue capacity (default: 10)
//   - MYPIPE_DEVICE: device name (default: "mypipe")
//   - REDIS_HOST: Redis hostname (default: "localhost")
//   - REDIS_PORT: Redis port (default: "6379")
//   - REDIS_PASSWORD: Redis password (default: "")
//   - REDIS_USE_TLS: Enable TLS ("true" or "1") (default: false)
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if v := os.Getenv("MYPIPE_CAPACITY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Capacity = n
		}
	}
	if v := os.Getenv("MYPIPE_DEVICE"); v != "" {
		cfg.Device.Name = v
	}

	host := os.Getenv("REDIS_HOST")
	if host == "" {
		host = "localhost"
	}
	port := os.Getenv("REDIS_PORT")
	if port == "" {
		port = "6379"
	}
	cfg.Redis.Address = host + ":" + port

	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}

	tlsEnv := os.Getenv("REDIS_USE_TLS")
	cfg.Redis.UseTLS = (tlsEnv == "true" || tlsEnv == "1")

	return cfg
}

// RedisOptions builds go-redis client options from the Redis section.
func (c RedisConfig) RedisOptions() *redis.Options {
	opts := &redis.Options{
		Addr:         c.Address,
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		ReadTimeout:  time.Duration(c.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(c.WriteTimeoutMs) * time.Millisecond,
	}

	if c.UseTLS {
		host, _, err := net.SplitHostPort(c.Address)
		if err != nil {
			host = c.Address
		}
		opts.TLSConfig = &tls.Config{
			ServerName: host, // SNI
		}
	}

	return opts
}
