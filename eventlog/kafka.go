package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	log "github.com/sirupsen/logrus"

	"payout-sync/domain"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher appends events to Kafka topics. Messages are keyed by
// subject id and hashed to a partition so each subject keeps its order.
type KafkaPublisher struct {
	brokers   []string
	mu        sync.Mutex
	writers   map[string]messageWriter
	newWriter func(topic string) messageWriter
}

// NewKafkaPublisher creates a publisher for the given broker addresses.
func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	p := &KafkaPublisher{brokers: brokers, writers: make(map[string]messageWriter)}
	p.newWriter = func(topic string) messageWriter {
		return &kafka.Writer{
			Addr:                   kafka.TCP(p.brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: false,
		}
	}
	return p
}

func (p *KafkaPublisher) writer(topic string) messageWriter {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.writers[topic]; ok {
		return w
	}
	w := p.newWriter(topic)
	p.writers[topic] = w
	return w
}

// Publish writes ev to topic and returns once the brokers acknowledged it.
// It performs no retry.
func (p *KafkaPublisher) Publish(ctx context.Context, topic string, ev domain.Event) error {
	if strings.TrimSpace(topic) == "" {
		return fmt.Errorf("%w: empty topic", domain.ErrValidation)
	}
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(ev.Subject()),
		Value: payload,
		Time:  ev.Time(),
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind())},
			{Key: "id", Value: []byte(ev.ID())},
		},
	}
	if err := p.writer(topic).WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%w: %s: %w", domain.ErrPublishUnavailable, topic, err)
	}
	log.WithFields(log.Fields{"topic": topic, "kind": ev.Kind(), "subject": ev.Subject(), "id": ev.ID()}).Debug("event published")
	return nil
}

// Close flushes and closes every writer.
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer %s: %w", topic, err))
		}
		delete(p.writers, topic)
	}
	return errors.Join(errs...)
}

// TopicSpec describes a topic to provision.
type TopicSpec struct {
	Name              string
	Partitions        int
	ReplicationFactor int
}

// CreateTopics creates the topics through the cluster controller. Topics that
// already exist are left untouched.
func CreateTopics(ctx context.Context, broker string, topics ...TopicSpec) error {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	cc, err := kafka.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", controller.Host, controller.Port))
	if err != nil {
		return err
	}
	defer cc.Close()

	configs := make([]kafka.TopicConfig, 0, len(topics))
	for _, t := range topics {
		configs = append(configs, kafka.TopicConfig{
			Topic:             t.Name,
			NumPartitions:     t.Partitions,
			ReplicationFactor: t.ReplicationFactor,
		})
	}
	if err := cc.CreateTopics(configs...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return err
	}
	return nil
}
