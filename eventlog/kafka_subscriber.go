package eventlog

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
)

// Delivery is one entry read from the log.
type Delivery struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     []byte
	Time      time.Time

	raw kafka.Message
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SubscriberConfig configures a consumer group member.
type SubscriberConfig struct {
	Brokers []string
	Topics  []string
	GroupID string
	// StartOffset applies when the group has no committed offset yet.
	StartOffset int64
	MaxWait     time.Duration
}

// KafkaSubscriber reads from a consumer group and commits offsets only when
// asked to. Partitions are assigned by the group so each subject is owned by
// one member at a time.
type KafkaSubscriber struct {
	r messageReader
}

func NewKafkaSubscriber(cfg SubscriberConfig) *KafkaSubscriber {
	if cfg.StartOffset == 0 {
		cfg.StartOffset = kafka.FirstOffset
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = time.Second
	}
	return &KafkaSubscriber{r: kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		GroupTopics: cfg.Topics,
		StartOffset: cfg.StartOffset,
		MaxWait:     cfg.MaxWait,
		MinBytes:    1,
		MaxBytes:    10e6,
	})}
}

// Fetch blocks until the next entry is available or ctx ends.
func (s *KafkaSubscriber) Fetch(ctx context.Context) (Delivery, error) {
	m, err := s.r.FetchMessage(ctx)
	if err != nil {
		return Delivery{}, err
	}
	return Delivery{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       string(m.Key),
		Value:     m.Value,
		Time:      m.Time,
		raw:       m,
	}, nil
}

// Commit advances the group's position past d.
func (s *KafkaSubscriber) Commit(ctx context.Context, d Delivery) error {
	return s.r.CommitMessages(ctx, d.raw)
}

func (s *KafkaSubscriber) Close() error { return s.r.Close() }
