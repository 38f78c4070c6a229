package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"kycreview/pkg/config"
	"kycreview/pkg/domain"
	"kycreview/pkg/logger"

	"github.com/twmb/franz-go/pkg/kgo"
)

// producer is the part of *kgo.Client the sink needs.
type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaSink publishes events as JSON, keyed by application ID so one
// application's events stay ordered within a partition.
type KafkaSink struct {
	client  producer
	topic   string
	timeout time.Duration
	logger  logger.Logger
}

// NewKafkaSink connects a producer to cfg.Brokers.
func NewKafkaSink(cfg config.KafkaConfig, log logger.Logger) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink needs at least one broker")
	}
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5 * time.Millisecond),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return newKafkaSink(client, cfg.Topic, log), nil
}

func newKafkaSink(client producer, topic string, log logger.Logger) *KafkaSink {
	return &KafkaSink{
		client:  client,
		topic:   topic,
		timeout: 10 * time.Second,
		logger:  log.With(map[string]interface{}{"component": "audit_kafka", "topic": topic}),
	}
}

func (s *KafkaSink) record(e domain.AuditEvent) (*kgo.Record, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode audit event %s: %w", e.ID, err)
	}
	return &kgo.Record{
		Topic:     s.topic,
		Key:       []byte(e.ApplicationID.String()),
		Value:     value,
		Timestamp: e.OccurredAt,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(e.Type)},
			{Key: "event_id", Value: []byte(e.ID.String())},
		},
	}, nil
}

// Emit produces events synchronously and returns the first delivery error.
func (s *KafkaSink) Emit(ctx context.Context, events ...domain.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	records := make([]*kgo.Record, 0, len(events))
	for _, e := range events {
		r, err := s.record(e)
		if err != nil {
			return err
		}
		records = append(records, r)
	}

	// Delivery outlives a cancelled request: the change is already committed.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	if err := s.client.ProduceSync(ctx, records...).FirstErr(); err != nil {
		return fmt.Errorf("failed to publish %d audit events: %w", len(records), err)
	}
	s.logger.Debug("Published audit events", map[string]interface{}{"count": len(records)})
	return nil
}

// Close flushes and closes the producer.
func (s *KafkaSink) Close() {
	s.client.Close()
}
