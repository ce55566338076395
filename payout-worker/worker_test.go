package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"payout-sync/domain"
	"payout-sync/eventlog"
	"payout-sync/projection"
	"payout-sync/storage"
)

type fakeApplier struct {
	mu    sync.Mutex
	calls int
	errs  []error
	seen  []domain.Event
}

func (f *fakeApplier) Apply(ctx context.Context, ev domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.seen = append(f.seen, ev)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeApplier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type spyAlerter struct {
	mu     sync.Mutex
	alerts []storage.Alert
}

func (s *spyAlerter) Alert(ctx context.Context, a storage.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *spyAlerter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func providerEvent(subject string, seq int64, u domain.AccountUpdate) domain.ProviderAccountUpdated {
	return domain.ProviderAccountUpdated{
		EventID:    fmt.Sprintf("%s-%d", subject, seq),
		SubjectID:  subject,
		Sequence:   seq,
		Update:     u,
		OccurredAt: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func publishProvider(t *testing.T, l *eventlog.MemoryLog, ev domain.Event) {
	t.Helper()
	if err := l.Publish(context.Background(), "provider-events", ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func newTestWorker(sub subscriber, h eventApplier, alerter storage.Alerter) (*worker, *[]time.Duration) {
	w := newWorker("test", sub, h, alerter, 10*time.Millisecond, 100*time.Millisecond)
	var delays []time.Duration
	w.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return w, &delays
}

// runUntil runs w until cond holds, then stops it.
func runUntil(t *testing.T, w *worker, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.run(ctx)
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			cancel()
			<-done
			t.Fatalf("condition not reached")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestWorkerCommitsAfterSuccess(t *testing.T) {
	l := eventlog.NewMemoryLog()
	publishProvider(t, l, providerEvent("dev-1", 1, domain.AccountUpdate{DetailsSubmitted: true}))
	publishProvider(t, l, providerEvent("dev-1", 2, domain.AccountUpdate{ChargesEnabled: true}))
	sub := l.Subscribe("provider-events")
	h := &fakeApplier{}
	w, _ := newTestWorker(sub, h, &spyAlerter{})

	runUntil(t, w, func() bool { return sub.Committed() == 2 })
	if h.count() != 2 {
		t.Fatalf("expected 2 applications, got %d", h.count())
	}
	if h.seen[0].(domain.ProviderAccountUpdated).Sequence != 1 {
		t.Fatalf("entries applied out of order")
	}
}

func TestWorkerDropsMalformedEntry(t *testing.T) {
	l := eventlog.NewMemoryLog()
	l.Append("provider-events", "dev-1", []byte(`{"kind":`))
	sub := l.Subscribe("provider-events")
	h := &fakeApplier{}
	alerts := &spyAlerter{}
	w, _ := newTestWorker(sub, h, alerts)

	runUntil(t, w, func() bool { return sub.Committed() == 1 })
	if h.count() != 0 {
		t.Fatalf("malformed entry reached the handler")
	}
	if alerts.count() != 1 || alerts.alerts[0].Payload != `{"kind":` {
		t.Fatalf("unexpected alerts %+v", alerts.alerts)
	}
}

func TestWorkerSkipsUnknownKind(t *testing.T) {
	l := eventlog.NewMemoryLog()
	l.Append("provider-events", "dev-1", []byte(`{"kind":"invoice-paid","subjectId":"dev-1","data":{}}`))
	sub := l.Subscribe("provider-events")
	alerts := &spyAlerter{}
	w, _ := newTestWorker(sub, &fakeApplier{}, alerts)

	runUntil(t, w, func() bool { return sub.Committed() == 1 })
	if alerts.count() != 0 {
		t.Fatalf("unknown kind raised an alert")
	}
}

func TestWorkerDropsFatalFailure(t *testing.T) {
	l := eventlog.NewMemoryLog()
	publishProvider(t, l, providerEvent("dev-1", 1, domain.AccountUpdate{}))
	sub := l.Subscribe("provider-events")
	h := &fakeApplier{errs: []error{domain.ErrInvalidTransition}}
	alerts := &spyAlerter{}
	w, delays := newTestWorker(sub, h, alerts)

	runUntil(t, w, func() bool { return sub.Committed() == 1 })
	if h.count() != 1 || len(*delays) != 0 {
		t.Fatalf("fatal failure was retried: calls=%d delays=%v", h.count(), *delays)
	}
	if alerts.count() != 1 || alerts.alerts[0].Subject != "dev-1" {
		t.Fatalf("unexpected alerts %+v", alerts.alerts)
	}
}

func TestWorkerRetriesInPlace(t *testing.T) {
	l := eventlog.NewMemoryLog()
	publishProvider(t, l, providerEvent("dev-1", 1, domain.AccountUpdate{}))
	publishProvider(t, l, providerEvent("dev-1", 2, domain.AccountUpdate{}))
	sub := l.Subscribe("provider-events")
	h := &fakeApplier{errs: []error{domain.ErrPublishUnavailable, domain.ErrVersionConflict}}
	w, delays := newTestWorker(sub, h, &spyAlerter{})

	runUntil(t, w, func() bool { return sub.Committed() == 2 })
	if h.count() != 4 {
		t.Fatalf("expected 4 applications, got %d", h.count())
	}
	for i := 0; i < 3; i++ {
		if h.seen[i].(domain.ProviderAccountUpdated).Sequence != 1 {
			t.Fatalf("entry 2 overtook a retrying entry 1")
		}
	}
	if len(*delays) != 2 || (*delays)[0] != 10*time.Millisecond {
		t.Fatalf("unexpected delays %v", *delays)
	}
}

func TestWorkerAbandonsOnShutdown(t *testing.T) {
	l := eventlog.NewMemoryLog()
	publishProvider(t, l, providerEvent("dev-1", 1, domain.AccountUpdate{}))
	sub := l.Subscribe("provider-events")
	h := &fakeApplier{errs: []error{domain.ErrStoreUnavailable, domain.ErrStoreUnavailable}}
	w := newWorker("test", sub, h, &spyAlerter{}, time.Millisecond, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	w.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}
	w.run(ctx)
	if sub.Committed() != 0 {
		t.Fatalf("abandoned entry was committed")
	}
}

func TestExponentialBackoffBounds(t *testing.T) {
	if d := exponentialBackoff(1, 100*time.Millisecond, time.Second); d != 100*time.Millisecond {
		t.Fatalf("first attempt: %v", d)
	}
	for attempt := 2; attempt < 12; attempt++ {
		d := exponentialBackoff(attempt, 100*time.Millisecond, time.Second)
		if d <= 0 || d > 1200*time.Millisecond {
			t.Fatalf("attempt %d out of bounds: %v", attempt, d)
		}
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	ctx := context.Background()
	st, err := storage.OpenSQLStore(ctx, ":memory:")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer st.Close()
	l := eventlog.NewMemoryLog()
	svc := domain.NewPayoutService(st, l, "payout-events")
	if _, err := svc.Register(ctx, domain.RegisterPayoutAccount{SubjectID: "dev-1", AccountID: "acct_1"}); err != nil {
		t.Fatalf("register: %v", err)
	}

	all := domain.AccountUpdate{ChargesEnabled: true, PayoutsEnabled: true, DetailsSubmitted: true}
	publishProvider(t, l, providerEvent("dev-1", 2, all))
	publishProvider(t, l, providerEvent("dev-1", 1, domain.AccountUpdate{DetailsSubmitted: true}))
	publishProvider(t, l, providerEvent("dev-1", 2, all))

	sub := l.Subscribe("provider-events")
	w, _ := newTestWorker(sub, domain.NewReconcileOrchestrator(svc), &spyAlerter{})
	runUntil(t, w, func() bool { return sub.Committed() == 3 })

	rec, _, err := st.Load(ctx, "dev-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if rec.Status != domain.StatusActive || rec.PublishPending() {
		t.Fatalf("unexpected record %+v", rec)
	}
	if n := l.Len("payout-events"); n != 2 {
		t.Fatalf("expected Pending and Active events, got %d", n)
	}

	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rc.Close()

	projSub := l.Subscribe("payout-events")
	pw, _ := newTestWorker(projSub, newProjectionOrchestrator(projection.NewProjector(rc, "")), &spyAlerter{})
	runUntil(t, pw, func() bool { return projSub.Committed() == 2 })

	view, err := projection.Get(ctx, rc, "dev-1")
	if err != nil {
		t.Fatalf("projection: %v", err)
	}
	if view.Status != rec.Status {
		t.Fatalf("projection %s, store %s", view.Status, rec.Status)
	}
}

func TestWorkerFetchErrorBacksOff(t *testing.T) {
	sub := &flakySubscriber{err: errors.New("broker down")}
	w, delays := newTestWorker(sub, &fakeApplier{}, &spyAlerter{})
	ctx, cancel := context.WithCancel(context.Background())
	w.sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		if len(*delays) == 3 {
			cancel()
			return context.Canceled
		}
		return nil
	}
	w.run(ctx)
	if len(*delays) != 3 || (*delays)[0] != 10*time.Millisecond {
		t.Fatalf("unexpected delays %v", *delays)
	}
}

type flakySubscriber struct{ err error }

func (f *flakySubscriber) Fetch(ctx context.Context) (eventlog.Delivery, error) {
	return eventlog.Delivery{}, f.err
}
func (f *flakySubscriber) Commit(context.Context, eventlog.Delivery) error { return nil }
func (f *flakySubscriber) Close() error                                    { return nil }
