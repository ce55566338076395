package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"payout-sync/domain"
	"payout-sync/eventlog"
	"payout-sync/storage"
)

// Context is the process-wide state built once at startup and handed to every
// loop explicitly.
type Context struct {
	Config    Config
	Store     domain.PayoutStore
	Publisher domain.Publisher
	Redis     *redis.Client
	Alerter   storage.Alerter

	closers []func() error
}

// ConfigureLogging applies the log level from cfg.
func ConfigureLogging(cfg Config) {
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	}
}

// New connects the store, the event log publisher, redis and the operator
// channel described by cfg.
func New(ctx context.Context, cfg Config) (*Context, error) {
	c := &Context{Config: cfg}

	switch cfg.StoreBackend {
	case BackendSQLite:
		st, err := storage.OpenSQLStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: %w", err)
		}
		c.Store = st
		c.onClose(st.Close)
	default:
		st, err := storage.NewTableStore(cfg.StorageConnectionString, cfg.PayoutsTable)
		if err != nil {
			return nil, fmt.Errorf("table store: %w", err)
		}
		c.Store = st
	}

	kp := eventlog.NewKafkaPublisher(cfg.Brokers())
	c.onClose(kp.Close)
	c.Publisher = eventlog.NewBreakerPublisher(kp, eventlog.BreakerConfig{ConsecutiveFailures: cfg.BreakerFailures})

	if cfg.RedisConnectionString != "" {
		opts, err := ParseRedisOptions(cfg.RedisConnectionString)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		c.Redis = redis.NewClient(opts)
		c.onClose(c.Redis.Close)
	}

	if cfg.DeadLetterQueue != "" {
		dlq, err := storage.NewDeadLetterQueue(cfg.StorageConnectionString, cfg.DeadLetterQueue)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("dead letter queue: %w", err)
		}
		c.Alerter = dlq
	} else {
		c.Alerter = storage.LogAlerter{}
	}

	log.WithFields(log.Fields{
		"store":   cfg.StoreBackend,
		"brokers": cfg.Brokers(),
		"redis":   c.Redis != nil,
		"dlq":     cfg.DeadLetterQueue,
	}).Info("process context ready")
	return c, nil
}

// Service builds the reconciliation handler over the context's store and
// publisher.
func (c *Context) Service() *domain.PayoutService {
	return domain.NewPayoutService(c.Store, c.Publisher, c.Config.PayoutEventsTopic,
		domain.WithTimeouts(c.Config.StoreTimeout, c.Config.PublishTimeout))
}

// Dispatcher builds a command dispatcher serving every command kind.
func (c *Context) Dispatcher(svc *domain.PayoutService) (*domain.Dispatcher, error) {
	d := domain.NewDispatcher()
	if err := domain.RegisterPayoutHandlers(d, svc); err != nil {
		return nil, err
	}
	if err := d.Require(domain.CommandKinds...); err != nil {
		return nil, err
	}
	return d, nil
}

// RequireRedis fails when the process needs redis but none is configured.
func (c *Context) RequireRedis() error {
	if c.Redis == nil {
		return errors.New("REDIS_CONNECTION_STRING is required")
	}
	return nil
}

func (c *Context) onClose(fn func() error) { c.closers = append(c.closers, fn) }

// Close releases resources in reverse order of acquisition.
func (c *Context) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}
