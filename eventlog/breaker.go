package eventlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"payout-sync/domain"
)

// BreakerConfig tunes when the publisher stops calling the log.
type BreakerConfig struct {
	ConsecutiveFailures uint32
	// OpenTimeout is how long the circuit stays open before probing again.
	OpenTimeout time.Duration
	MaxProbes   uint32
}

// BreakerPublisher fails fast with ErrPublishUnavailable while the log keeps
// failing, instead of holding every caller for a full publish timeout.
type BreakerPublisher struct {
	next domain.Publisher
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerPublisher(next domain.Publisher, cfg BreakerConfig) *BreakerPublisher {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = 1
	}
	return &BreakerPublisher{
		next: next,
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "event-publisher",
			MaxRequests: cfg.MaxProbes,
			Timeout:     cfg.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
			},
			// only an unreachable log counts against the circuit
			IsSuccessful: func(err error) bool {
				return err == nil || !errors.Is(err, domain.ErrPublishUnavailable)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.WithFields(log.Fields{"breaker": name, "from": from.String(), "to": to.String()}).Warn("publisher circuit state changed")
			},
		}),
	}
}

func (b *BreakerPublisher) Publish(ctx context.Context, topic string, ev domain.Event) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Publish(ctx, topic, ev)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", domain.ErrPublishUnavailable, err)
	}
	return err
}

// State reports the circuit state name.
func (b *BreakerPublisher) State() string { return b.cb.State().String() }
