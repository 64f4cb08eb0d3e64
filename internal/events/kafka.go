package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"
)

// DefaultTopic receives transition events when none is configured
const DefaultTopic = "nfse.submission.transitions"

// producer is the part of *kgo.Client the publisher uses
type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close()
}

// KafkaPublisher produces events keyed by record ID, so every transition
// of a record lands on the same partition in order.
type KafkaPublisher struct {
	client producer
	topic  string
	logger *slog.Logger
}

// NewKafkaPublisher connects to brokers
func NewKafkaPublisher(brokers []string, topic string, logger *slog.Logger) (*KafkaPublisher, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerLinger(0),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return newKafkaPublisher(client, topic, logger), nil
}

func newKafkaPublisher(client producer, topic string, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{client: client, topic: topic, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Transition) {
	value, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("encode transition event", "record_id", ev.RecordID, "error", err)
		return
	}
	rec := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(ev.RecordID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "municipality", Value: []byte(ev.Municipality)},
			{Key: "state", Value: []byte(ev.To)},
		},
	}
	// the engine's context ends with the attempt; delivery must outlive it
	p.client.Produce(context.WithoutCancel(ctx), rec, func(r *kgo.Record, err error) {
		if err != nil {
			p.logger.Warn("publish transition event", "record_id", ev.RecordID, "to", ev.To, "error", err)
		}
	})
}

// Close flushes buffered records and closes the client
func (p *KafkaPublisher) Close(ctx context.Context) error {
	err := p.client.Flush(ctx)
	p.client.Close()
	if err != nil {
		return fmt.Errorf("flush kafka: %w", err)
	}
	return nil
}
