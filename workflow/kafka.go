package workflow

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"vigil/core"
	"vigil/metrics"
)

const writeTimeout = 10 * time.Second

// messageWriter is the part of *kafka.Writer the sink uses
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Event is the message body written for each alert
type Event struct {
	TenantID   string         `json:"tenant_id"`
	Alert      map[string]any `json:"alert"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// KafkaSink publishes one msgpack-encoded Event per alert, keyed by tenant so a tenant's
// alerts stay ordered within one partition
type KafkaSink struct {
	writer messageWriter
	topic  string
	logger *zap.SugaredLogger
}

// NewKafkaSink creates a synchronous, leader-acknowledged writer for topic
func NewKafkaSink(brokers []string, topic string, logger *zap.SugaredLogger) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("brokers cannot be empty")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic cannot be empty")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		WriteTimeout:           writeTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	logger.Infow("Kafka workflow sink configured", "brokers", brokers, "topic", topic)
	return newKafkaSink(writer, topic, logger), nil
}

func newKafkaSink(writer messageWriter, topic string, logger *zap.SugaredLogger) *KafkaSink {
	return &KafkaSink{writer: writer, topic: topic, logger: logger}
}

// InsertEvents writes every alert of the batch in one call
func (s *KafkaSink) InsertEvents(ctx context.Context, tenantID string, alerts []*core.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	now := time.Now().UTC()
	msgs := make([]kafka.Message, 0, len(alerts))
	for _, alert := range alerts {
		value, err := encodeEvent(Event{TenantID: tenantID, Alert: alert.Payload(), EnqueuedAt: now})
		if err != nil {
			metrics.WorkflowEventsSent.WithLabelValues("encode_error").Inc()
			s.logger.Errorw("Failed to encode workflow event",
				"tenant_id", tenantID, "fingerprint", alert.Fingerprint, "error", err)
			continue
		}
		msgs = append(msgs, kafka.Message{Key: []byte(tenantID), Value: value, Time: now})
	}
	if len(msgs) == 0 {
		return nil
	}

	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		metrics.WorkflowEventsSent.WithLabelValues("error").Add(float64(len(msgs)))
		return fmt.Errorf("failed to write %d workflow events to %s: %w", len(msgs), s.topic, err)
	}
	metrics.WorkflowEventsSent.WithLabelValues("sent").Add(float64(len(msgs)))
	s.logger.Debugw("Workflow events sent", "tenant_id", tenantID, "count", len(msgs))
	return nil
}

// Close flushes and closes the writer
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func encodeEvent(e Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeEvent decodes a message value written by KafkaSink
func DecodeEvent(data []byte) (*Event, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	var e Event
	if err := dec.Decode(&e); err != nil {
		return nil, fmt.Errorf("failed to decode workflow event: %w", err)
	}
	return &e, nil
}
