package storage

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

// Alert describes a log entry that was dropped without being applied.
type Alert struct {
	Topic     string    `json:"topic"`
	Partition int       `json:"partition"`
	Offset    int64     `json:"offset"`
	Key       string    `json:"key,omitempty"`
	Kind      string    `json:"kind,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Reason    string    `json:"reason"`
	Payload   string    `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}

// Alerter surfaces dropped entries to operators.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// DeadLetterQueue is the operator channel: dropped entries are parked on an
// Azure Storage queue for inspection and manual replay.
type DeadLetterQueue struct {
	queue queueClient
	ttl   int32
}

// NewDeadLetterQueue connects to the named queue. Messages never expire.
func NewDeadLetterQueue(connStr, name string) (*DeadLetterQueue, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 30 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, &opts)
	if err != nil {
		return nil, err
	}
	return &DeadLetterQueue{queue: q, ttl: -1}, nil
}

// Alert parks a on the queue.
func (d *DeadLetterQueue) Alert(ctx context.Context, a Alert) error {
	data, err := sonic.Marshal(a)
	if err != nil {
		return err
	}
	ttl := d.ttl
	if _, err := d.queue.EnqueueMessage(ctx, string(data), &azqueue.EnqueueMessageOptions{TimeToLive: &ttl}); err != nil {
		return err
	}
	log.WithFields(log.Fields{"topic": a.Topic, "partition": a.Partition, "offset": a.Offset, "reason": a.Reason}).Warn("entry dead-lettered")
	return nil
}

// LogAlerter reports alerts on the error log only. It serves deployments
// without a dead-letter queue.
type LogAlerter struct{}

func (LogAlerter) Alert(_ context.Context, a Alert) error {
	log.WithFields(log.Fields{
		"topic":     a.Topic,
		"partition": a.Partition,
		"offset":    a.Offset,
		"kind":      a.Kind,
		"subject":   a.Subject,
	}).Error("operator alert: " + a.Reason)
	return nil
}
