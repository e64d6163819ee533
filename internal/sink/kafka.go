package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/twmb/franz-go/pkg/kgo"

	"spyglass/internal/metrics"
	"spyglass/pkg/logging"
)

// EventSink forwards normalized stream events to downstream consumers.
// The dispatcher publishes to it fire-and-forget; a nil sink is valid and
// means no downstream pipeline is configured.
type EventSink interface {
	Publish(roomID, eventType string, payload interface{}) error
	Close() error
}

// KafkaSink publishes one record per normalized event to a Kafka topic.
type KafkaSink struct {
	client  *kgo.Client
	topic   string
	logger  logging.Logger
	metrics *metrics.Metrics
}

// envelope is the wire format for downstream consumers.
type envelope struct {
	EventID   string      `json:"event_id"`
	RoomID    string      `json:"room_id"`
	EventType string      `json:"event_type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewKafkaSink creates a Kafka-backed event sink.
func NewKafkaSink(brokers []string, topic string, logger logging.Logger, m *metrics.Metrics) (*KafkaSink, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("spyglass"),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &KafkaSink{
		client:  client,
		topic:   topic,
		logger:  logger,
		metrics: m,
	}, nil
}

// Publish sends one event record, keyed by room so per-room ordering holds.
func (s *KafkaSink) Publish(roomID, eventType string, payload interface{}) error {
	env := envelope{
		EventID:   uuid.New().String(),
		RoomID:    roomID,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Data:      payload,
	}

	value, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	record := &kgo.Record{
		Topic: s.topic,
		Key:   []byte(roomID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "source", Value: []byte("spyglass")},
			{Key: "event_type", Value: []byte(eventType)},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	result := s.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		if s.metrics != nil {
			s.metrics.KafkaMessages.WithLabelValues(eventType, "error").Inc()
		}
		return fmt.Errorf("failed to produce message: %w", err)
	}

	if s.metrics != nil {
		s.metrics.KafkaMessages.WithLabelValues(eventType, "success").Inc()
		s.metrics.KafkaDuration.WithLabelValues(s.topic).Observe(time.Since(start).Seconds())
	}
	return nil
}

// HealthCheck pings the brokers.
func (s *KafkaSink) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}

// Client returns the underlying kgo.Client for health checks.
func (s *KafkaSink) Client() *kgo.Client {
	return s.client
}

func (s *KafkaSink) Close() error {
	s.client.Close()
	return nil
}
