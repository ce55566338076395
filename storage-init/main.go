package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"payout-sync/app"
	"payout-sync/eventlog"
	"payout-sync/storage"
)

const queueAlreadyExists = "QueueAlreadyExists"

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	app.ConfigureLogging(cfg)
	log.Info("storage init starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if err := provision(ctx, cfg, liveProvisioner{}); err != nil {
		log.Fatalf("storage init: %v", err)
	}
	log.Info("storage init complete")
}

// provisioner creates one kind of resource, tolerating existing ones.
type provisioner interface {
	CreateTable(ctx context.Context, connStr, name string) error
	CreateQueue(ctx context.Context, connStr, name string) error
	CreateTopics(ctx context.Context, broker string, topics ...eventlog.TopicSpec) error
	CreateSchema(ctx context.Context, path string) error
}

// provision creates every resource the payout processes expect for cfg.
func provision(ctx context.Context, cfg app.Config, p provisioner) error {
	switch cfg.StoreBackend {
	case app.BackendSQLite:
		if err := p.CreateSchema(ctx, cfg.SQLitePath); err != nil {
			return err
		}
		log.WithField("path", cfg.SQLitePath).Info("sqlite schema ready")
	default:
		if err := p.CreateTable(ctx, cfg.StorageConnectionString, cfg.PayoutsTable); err != nil {
			return err
		}
		log.WithField("table", cfg.PayoutsTable).Info("table ready")
	}

	if cfg.DeadLetterQueue != "" {
		if err := p.CreateQueue(ctx, cfg.StorageConnectionString, cfg.DeadLetterQueue); err != nil {
			return err
		}
		log.WithField("queue", cfg.DeadLetterQueue).Info("dead letter queue ready")
	}

	topics := []eventlog.TopicSpec{
		{Name: cfg.ProviderEventsTopic, Partitions: cfg.TopicPartitions, ReplicationFactor: cfg.TopicReplication},
		{Name: cfg.PayoutEventsTopic, Partitions: cfg.TopicPartitions, ReplicationFactor: cfg.TopicReplication},
	}
	var errs []error
	for _, broker := range cfg.Brokers() {
		err := p.CreateTopics(ctx, broker, topics...)
		if err == nil {
			log.WithFields(log.Fields{"broker": broker, "partitions": cfg.TopicPartitions}).Info("topics ready")
			return nil
		}
		log.WithError(err).WithField("broker", broker).Warn("topic creation failed")
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

type liveProvisioner struct{}

func (liveProvisioner) CreateTable(ctx context.Context, connStr, name string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	_, err = svc.NewClient(name).CreateTable(ctx, nil)
	if alreadyExists(err, string(aztables.TableAlreadyExists)) {
		return nil
	}
	return err
}

func (liveProvisioner) CreateQueue(ctx context.Context, connStr, name string) error {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
	if err != nil {
		return err
	}
	_, err = q.Create(ctx, nil)
	if alreadyExists(err, queueAlreadyExists) {
		return nil
	}
	return err
}

func (liveProvisioner) CreateTopics(ctx context.Context, broker string, topics ...eventlog.TopicSpec) error {
	return eventlog.CreateTopics(ctx, broker, topics...)
}

func (liveProvisioner) CreateSchema(ctx context.Context, path string) error {
	st, err := storage.OpenSQLStore(ctx, path)
	if err != nil {
		return err
	}
	return st.Close()
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
