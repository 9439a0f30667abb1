package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

const defaultAddr = "0.0.0.0:8080"

// Config holds the complete application configuration, loadable from
// environment variables (KART_ prefix), flags, or YAML config files.
type Config struct {
	Addr            string `default:"0.0.0.0:8080" usage:"Ops server listen address"`
	DatabaseURL     string `usage:"PostgreSQL connection URL (KART_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	MaxConns        int32  `default:"20" usage:"Maximum PostgreSQL connections" flag:"max-conns"`
	OpsAPIKeyPepper string `usage:"HMAC pepper for ops API key hashing (KART_OPS_API_KEY_PEPPER)" flag:"ops-api-key-pepper"`
	Orders          OrdersConfig
	Redis           RedisConfig
	Kafka           KafkaConfig
	Worker          WorkerConfig
	Sweep           SweepConfig
	Outbox          OutboxConfig
	Graceful        GracefulConfig
}

// OrdersConfig holds order workflow timing.
type OrdersConfig struct {
	PaymentTimeout time.Duration `default:"2h"   usage:"How long an order may stay unpaid" flag:"payment-timeout"`
	CheckoutMaxAge time.Duration `default:"168h" usage:"Maximum age of a cart checkout" flag:"checkout-max-age"`
	CacheTTL       time.Duration `default:"5m"   usage:"TTL of cached order reads" flag:"cache-ttl"`
}

// RedisConfig enables the shared cache. Without Addr and URL the cache stays
// in process.
type RedisConfig struct {
	URL      string `default:"" usage:"Redis URL, overrides the other fields (KART_REDIS_URL or REDIS_URL)" flag:"redis-url"`
	Addr     string `default:"" usage:"Redis address" flag:"redis-addr"`
	Password string `default:"" usage:"Redis password" flag:"redis-password"`
	DB       int    `default:"0" usage:"Redis database" flag:"redis-db"`
}

// KafkaConfig enables the event bus. Without brokers events are delivered
// in process.
type KafkaConfig struct {
	Brokers     []string `usage:"Kafka brokers" flag:"kafka-brokers"`
	Topic       string   `default:"kart.order-events" usage:"Order events topic" flag:"kafka-topic"`
	GroupID     string   `default:"kart-orders-cache" usage:"Consumer group for cache invalidation" flag:"kafka-group-id"`
	AlertsTopic string   `default:"" usage:"Topic for operator alerts, empty to disable" flag:"kafka-alerts-topic"`
	Workers     int      `default:"4" usage:"Event consumer workers" flag:"kafka-workers"`
}

// WorkerConfig tunes the deferred task pool.
type WorkerConfig struct {
	Concurrency  int           `default:"4"  usage:"Task workers" flag:"worker-concurrency"`
	PollInterval time.Duration `default:"1s" usage:"Task poll interval" flag:"worker-poll-interval"`
	BatchSize    int           `default:"16" usage:"Tasks claimed per poll" flag:"worker-batch-size"`
	Lease        time.Duration `default:"1m" usage:"Claim lease of a running task" flag:"worker-lease"`
	MaxAttempts  int           `default:"10" usage:"Attempts before a task is buried" flag:"worker-max-attempts"`
	MaxBacklog   int           `default:"10000" usage:"Pending tasks above which readiness fails" flag:"worker-max-backlog"`
}

// SweepConfig controls the pass that finds missed expiry and restock work.
type SweepConfig struct {
	Interval  time.Duration `default:"5m"  usage:"Sweep interval" flag:"sweep-interval"`
	BatchSize int           `default:"100" usage:"Orders queued per sweep" flag:"sweep-batch-size"`
}

// OutboxConfig tunes the event relay.
type OutboxConfig struct {
	PollInterval time.Duration `default:"2s"  usage:"Outbox poll interval" flag:"outbox-poll-interval"`
	BatchSize    int           `default:"100" usage:"Events relayed per batch" flag:"outbox-batch-size"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables and YAML config
// files, then applies platform defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "KART",
		Files:     []string{"config.yaml", "/etc/kart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults(os.Getenv)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set KART_DATABASE_URL or DATABASE_URL")
	}
	if c.OpsAPIKeyPepper == "" {
		return errors.New("ops API key pepper is required: set KART_OPS_API_KEY_PEPPER")
	}
	if c.Orders.PaymentTimeout <= 0 {
		return errors.Errorf("payment timeout must be positive, got %s", c.Orders.PaymentTimeout)
	}
	return nil
}

// Enabled reports whether a Redis server is configured.
func (c RedisConfig) Enabled() bool {
	return c.URL != "" || c.Addr != ""
}

// applyPlatformDefaults maps the unprefixed variables set by hosting
// platforms onto the configuration.
func (c *Config) applyPlatformDefaults(getenv func(string) string) {
	if c.DatabaseURL == "" {
		c.DatabaseURL = getenv("DATABASE_URL")
	}
	if port := getenv("PORT"); port != "" && c.Addr == defaultAddr {
		c.Addr = "0.0.0.0:" + port
	}
	if c.Redis.URL == "" {
		c.Redis.URL = getenv("REDIS_URL")
	}
}
