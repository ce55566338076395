package main

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"payout-sync/domain"
	"payout-sync/eventlog"
	"payout-sync/storage"
)

type subscriber interface {
	Fetch(ctx context.Context) (eventlog.Delivery, error)
	Commit(ctx context.Context, d eventlog.Delivery) error
	Close() error
}

type eventApplier interface {
	Apply(ctx context.Context, ev domain.Event) error
}

// worker consumes one subscription. It commits an entry once it is applied
// or deliberately dropped; retryable failures are retried in place so later
// entries of the same partition wait behind it.
type worker struct {
	name         string
	sub          subscriber
	handler      eventApplier
	alerter      storage.Alerter
	retryInitial time.Duration
	retryMax     time.Duration
	tracer       trace.Tracer
	sleep        func(ctx context.Context, d time.Duration) error
}

func newWorker(name string, sub subscriber, h eventApplier, alerter storage.Alerter, retryInitial, retryMax time.Duration) *worker {
	if alerter == nil {
		alerter = storage.LogAlerter{}
	}
	return &worker{
		name:         name,
		sub:          sub,
		handler:      h,
		alerter:      alerter,
		retryInitial: retryInitial,
		retryMax:     retryMax,
		tracer:       otel.Tracer("payout-sync/payout-worker"),
		sleep:        sleepContext,
	}
}

// run processes entries until ctx ends. The entry in flight when ctx ends is
// left uncommitted and redelivered to the next owner of its partition.
func (w *worker) run(ctx context.Context) {
	logger := log.WithField("worker", w.name)
	logger.Info("worker started")
	defer logger.Info("worker stopped")

	fetchFailures := 0
	for {
		d, err := w.sub.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fetchFailures++
			logger.WithError(err).Error("fetch failed")
			if w.sleep(ctx, exponentialBackoff(fetchFailures, w.retryInitial, w.retryMax)) != nil {
				return
			}
			continue
		}
		fetchFailures = 0

		if err := w.handle(ctx, d); err != nil {
			logger.WithFields(log.Fields{"topic": d.Topic, "partition": d.Partition, "offset": d.Offset}).Warn("abandoning entry on shutdown")
			return
		}
		if err := w.sub.Commit(ctx, d); err != nil {
			if ctx.Err() != nil {
				return
			}
			// redelivery is harmless, the handlers are idempotent
			logger.WithError(err).WithFields(log.Fields{"topic": d.Topic, "partition": d.Partition, "offset": d.Offset}).Error("commit failed")
		}
	}
}

// handle applies d, retrying retryable failures with backoff. It only
// returns an error when ctx ended before d was settled.
func (w *worker) handle(ctx context.Context, d eventlog.Delivery) error {
	fields := log.Fields{"worker": w.name, "topic": d.Topic, "partition": d.Partition, "offset": d.Offset}
	ev, err := eventlog.Decode(d.Value)
	switch {
	case errors.Is(err, eventlog.ErrUnknownKind):
		log.WithFields(fields).WithError(err).Debug("skipping entry")
		return nil
	case err != nil:
		w.drop(ctx, d, nil, err)
		return nil
	}
	fields["kind"], fields["subject"] = ev.Kind(), ev.Subject()

	for attempt := 1; ; attempt++ {
		err := w.apply(ctx, d, ev, attempt)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !domain.IsRetryable(err) {
			w.drop(ctx, d, ev, err)
			return nil
		}
		delay := exponentialBackoff(attempt, w.retryInitial, w.retryMax)
		log.WithFields(fields).WithError(err).WithFields(log.Fields{"attempt": attempt, "delay": delay}).Warn("retrying entry")
		if err := w.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (w *worker) apply(ctx context.Context, d eventlog.Delivery, ev domain.Event, attempt int) error {
	ctx, span := w.tracer.Start(ctx, "consume "+d.Topic, trace.WithSpanKind(trace.SpanKindConsumer), trace.WithAttributes(
		attribute.String("messaging.destination.name", d.Topic),
		attribute.Int("messaging.kafka.partition", d.Partition),
		attribute.Int64("messaging.kafka.offset", d.Offset),
		attribute.String("payout.event", string(ev.Kind())),
		attribute.String("payout.subject", ev.Subject()),
		attribute.Int("payout.attempt", attempt),
	))
	defer span.End()
	if err := w.handler.Apply(ctx, ev); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// drop logs a non-retryable failure and surfaces it to the operator channel.
// The entry is committed afterwards either way.
func (w *worker) drop(ctx context.Context, d eventlog.Delivery, ev domain.Event, cause error) {
	a := storage.Alert{
		Topic:     d.Topic,
		Partition: d.Partition,
		Offset:    d.Offset,
		Key:       d.Key,
		Reason:    cause.Error(),
		At:        time.Now().UTC(),
	}
	if ev != nil {
		a.Kind, a.Subject = string(ev.Kind()), ev.Subject()
	} else {
		a.Payload = string(d.Value)
	}
	log.WithError(cause).WithFields(log.Fields{
		"worker":    w.name,
		"topic":     d.Topic,
		"partition": d.Partition,
		"offset":    d.Offset,
		"kind":      a.Kind,
		"subject":   a.Subject,
	}).Error("dropping entry")
	if err := w.alerter.Alert(ctx, a); err != nil {
		log.WithError(err).WithFields(log.Fields{"topic": d.Topic, "offset": d.Offset}).Error("operator alert failed")
	}
}

func exponentialBackoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if attempt <= 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(2, float64(attempt-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	jitter := 0.2 * backoff
	return time.Duration(backoff + (rand.Float64()-0.5)*2*jitter)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
