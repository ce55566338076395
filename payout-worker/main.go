package main

import (
	"context"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	log "github.com/sirupsen/logrus"

	"payout-sync/app"
	"payout-sync/domain"
	"payout-sync/eventlog"
	"payout-sync/projection"
)

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	app.ConfigureLogging(cfg)
	log.Info("payout worker starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pc, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	defer pc.Close()
	if err := pc.RequireRedis(); err != nil {
		log.Fatal(err)
	}

	svc := pc.Service()
	dispatcher, err := pc.Dispatcher(svc)
	if err != nil {
		log.Fatalf("dispatcher: %v", err)
	}

	var wg sync.WaitGroup
	start := func(w *worker) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer w.sub.Close()
			w.run(ctx)
		}()
	}

	reconciler := domain.NewReconcileOrchestrator(svc)
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		sub := eventlog.NewKafkaSubscriber(eventlog.SubscriberConfig{
			Brokers: cfg.Brokers(),
			Topics:  []string{cfg.ProviderEventsTopic},
			GroupID: cfg.ConsumerGroup,
		})
		start(newWorker("reconcile-"+strconv.Itoa(i), sub, reconciler, pc.Alerter, cfg.RetryInitial, cfg.RetryMax))
	}

	projector := projection.NewProjector(pc.Redis, cfg.ProjectionChannel)
	projections := newProjectionOrchestrator(projector)
	projSub := eventlog.NewKafkaSubscriber(eventlog.SubscriberConfig{
		Brokers: cfg.Brokers(),
		Topics:  []string{cfg.PayoutEventsTopic},
		GroupID: cfg.ProjectionGroup,
	})
	start(newWorker("projection", projSub, projections, pc.Alerter, cfg.RetryInitial, cfg.RetryMax))

	sw := &sweeper{
		store:      pc.Store,
		dispatcher: dispatcher,
		locks:      redsync.New(goredis.NewPool(pc.Redis)),
		batch:      cfg.SweepBatch,
		interval:   cfg.SweepInterval,
		lockTTL:    cfg.PublishTimeout + 3*cfg.StoreTimeout,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		sw.run(ctx)
	}()

	<-ctx.Done()
	log.Info("payout worker shutting down")
	wg.Wait()
}

// newProjectionOrchestrator routes status events to the read-side projector.
func newProjectionOrchestrator(p *projection.Projector) *domain.Orchestrator {
	o := domain.NewOrchestrator()
	domain.On(o, func(ctx context.Context, ev domain.PayoutStatusChanged) error {
		_, err := p.Apply(ctx, ev)
		return err
	})
	return o
}
