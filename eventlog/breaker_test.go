package eventlog

import (
	"context"
	"errors"
	"testing"
	"time"

	"payout-sync/domain"
)

func TestBreakerOpensOnUnavailableLog(t *testing.T) {
	l := NewMemoryLog()
	l.FailWith(domain.ErrPublishUnavailable)
	b := NewBreakerPublisher(l, BreakerConfig{ConsecutiveFailures: 2, OpenTimeout: time.Hour})
	ev := domain.PayoutStatusChanged{SubjectID: "dev-1", Status: domain.StatusPending}
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.Publish(ctx, "payout-events", ev); !errors.Is(err, domain.ErrPublishUnavailable) {
			t.Fatalf("attempt %d: expected unavailable, got %v", i, err)
		}
	}
	if b.State() != "open" {
		t.Fatalf("expected open circuit, got %s", b.State())
	}

	l.FailWith(nil)
	if err := b.Publish(ctx, "payout-events", ev); !errors.Is(err, domain.ErrPublishUnavailable) {
		t.Fatalf("open circuit must fail fast, got %v", err)
	}
	if l.Len("payout-events") != 0 {
		t.Fatalf("open circuit reached the log")
	}
}

func TestBreakerIgnoresCallerErrors(t *testing.T) {
	l := NewMemoryLog()
	b := NewBreakerPublisher(l, BreakerConfig{ConsecutiveFailures: 1, OpenTimeout: time.Hour})
	for i := 0; i < 3; i++ {
		err := b.Publish(context.Background(), "", domain.PayoutStatusChanged{SubjectID: "dev-1"})
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected ErrValidation, got %v", err)
		}
	}
	if b.State() != "closed" {
		t.Fatalf("caller errors tripped the circuit: %s", b.State())
	}
}
