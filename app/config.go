package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	BackendTable  = "table"
	BackendSQLite = "sqlite"
)

// Config holds every bootstrap parameter of the payout processes.
type Config struct {
	Debug bool `env:"DEBUG"`

	StoreBackend            string `env:"STORE_BACKEND" envDefault:"table"`
	StorageConnectionString string `env:"STORAGE_CONNECTION_STRING"`
	PayoutsTable            string `env:"PAYOUTS_TABLE" envDefault:"payouts"`
	SQLitePath              string `env:"SQLITE_PATH" envDefault:"payouts.db"`
	DeadLetterQueue         string `env:"DEAD_LETTER_QUEUE"`

	KafkaBrokers        []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	ProviderEventsTopic string   `env:"PROVIDER_EVENTS_TOPIC" envDefault:"provider-account-events"`
	PayoutEventsTopic   string   `env:"PAYOUT_EVENTS_TOPIC" envDefault:"payout-events"`
	ConsumerGroup       string   `env:"CONSUMER_GROUP" envDefault:"payout-reconciler"`
	ProjectionGroup     string   `env:"PROJECTION_GROUP" envDefault:"payout-projector"`
	TopicPartitions     int      `env:"TOPIC_PARTITIONS" envDefault:"6"`
	TopicReplication    int      `env:"TOPIC_REPLICATION" envDefault:"1"`
	WorkerConcurrency   int      `env:"WORKER_CONCURRENCY" envDefault:"1"`
	BreakerFailures     uint32   `env:"BREAKER_FAILURES" envDefault:"5"`

	RedisConnectionString string `env:"REDIS_CONNECTION_STRING"`
	ProjectionChannel     string `env:"PROJECTION_CHANNEL" envDefault:"payout-status"`

	PublishTimeout time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"5s"`
	StoreTimeout   time.Duration `env:"STORE_TIMEOUT" envDefault:"5s"`
	RetryInitial   time.Duration `env:"RETRY_INITIAL" envDefault:"200ms"`
	RetryMax       time.Duration `env:"RETRY_MAX" envDefault:"30s"`
	SweepInterval  time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	SweepBatch     int           `env:"SWEEP_BATCH" envDefault:"100"`
	DeduperTTL     time.Duration `env:"DEDUPER_TTL" envDefault:"24h"`

	ListenAddr      string `env:"LISTEN_ADDR" envDefault:":8080"`
	AuthAudience    string `env:"AUTH_AUDIENCE"`
	AuthDomain      string `env:"AUTH_DOMAIN"`
	LocalAuthSecret string `env:"LOCAL_AUTH_SECRET"`
	ProviderScope   string `env:"PROVIDER_SCOPE" envDefault:"payouts:provider"`
}

// LoadConfig reads the configuration from the process environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks values shared by every process.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreBackend {
	case BackendTable:
		if c.StorageConnectionString == "" {
			errs = append(errs, errors.New("STORAGE_CONNECTION_STRING is required for the table backend"))
		}
		if c.PayoutsTable == "" {
			errs = append(errs, errors.New("PAYOUTS_TABLE is required for the table backend"))
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	if len(c.Brokers()) == 0 {
		errs = append(errs, errors.New("KAFKA_BROKERS is required"))
	}
	if c.ProviderEventsTopic == "" || c.PayoutEventsTopic == "" {
		errs = append(errs, errors.New("event topics are required"))
	}
	if c.ProviderEventsTopic == c.PayoutEventsTopic {
		errs = append(errs, errors.New("provider and payout topics must differ"))
	}
	if c.DeadLetterQueue != "" && c.StorageConnectionString == "" {
		errs = append(errs, errors.New("DEAD_LETTER_QUEUE requires STORAGE_CONNECTION_STRING"))
	}
	if c.WorkerConcurrency < 1 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be at least 1"))
	}
	if c.PublishTimeout <= 0 || c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("PUBLISH_TIMEOUT and STORE_TIMEOUT must be positive"))
	}
	if c.RetryInitial <= 0 || c.RetryMax < c.RetryInitial {
		errs = append(errs, errors.New("RETRY_INITIAL must be positive and not above RETRY_MAX"))
	}
	return errors.Join(errs...)
}

// Brokers returns the broker list without blanks.
func (c Config) Brokers() []string {
	out := make([]string, 0, len(c.KafkaBrokers))
	for _, b := range c.KafkaBrokers {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
