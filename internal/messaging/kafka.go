// Package messaging publishes powgate events to Kafka.
package messaging

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/bardlex/powgate/internal/gate"
	"github.com/bardlex/powgate/internal/metrics"
	"github.com/bardlex/powgate/pkg/circuit"
	"github.com/bardlex/powgate/pkg/errors"
	"github.com/bardlex/powgate/pkg/log"
	"github.com/bardlex/powgate/pkg/retry"
)

// MessageWriter is the part of *kafka.Writer the client uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaClient wraps kafka-go producers with a circuit breaker and retries
type KafkaClient struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]MessageWriter
	writersMu      sync.RWMutex
	newWriter      func(topic string) MessageWriter
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	cbConfig := &circuit.Config{
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange:   metrics.BreakerStateChanged,
	}

	k := &KafkaClient{
		brokers:        brokers,
		logger:         logger.WithComponent("kafka"),
		writers:        make(map[string]MessageWriter),
		circuitBreaker: circuit.New("kafka", cbConfig),
		retryConfig:    retry.SinkConfig(),
	}
	k.newWriter = k.kafkaWriter
	return k
}

func (k *KafkaClient) kafkaWriter(topic string) MessageWriter {
	return &kafka.Writer{
		Addr:                   kafka.TCP(k.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}
}

// GetProducer gets or creates the producer for a topic
func (k *KafkaClient) GetProducer(topic string) MessageWriter {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	// Double-check after acquiring write lock
	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := k.newWriter(topic)
	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// PublishProto publishes a protobuf message
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.publish(ctx, topic, key, data, ContentTypeProto)
}

// PublishJSON publishes v encoded as JSON
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "json_marshal",
			"failed to marshal JSON message").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.publish(ctx, topic, key, data, ContentTypeJSON)
}

func (k *KafkaClient) publish(ctx context.Context, topic, key string, data []byte, contentType string) error {
	now := time.Now()
	occurredAt, err := proto.Marshal(timestamppb.New(now))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "protobuf_marshal", "failed to marshal timestamp")
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  now,
		Headers: []kafka.Header{
			{Key: HeaderContentType, Value: []byte(contentType)},
			{Key: HeaderOccurredAt, Value: occurredAt},
		},
	}

	return k.circuitBreaker.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, k.retryConfig, func(ctx context.Context) error {
			if err := k.GetProducer(topic).WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, "publish_message",
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "content_type", contentType, "size", len(data))
			return nil
		})
	})
}

// Stats returns the breaker state for health reporting
func (k *KafkaClient) Stats() circuit.Stats {
	return k.circuitBreaker.GetStats()
}

// Close closes all producers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	var lastErr error
	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}

	k.writers = make(map[string]MessageWriter)
	return lastErr
}

// AttemptRecorder publishes every finished attempt to a topic
type AttemptRecorder struct {
	client   *KafkaClient
	topic    string
	encoding Encoding
}

// NewAttemptRecorder creates a gate.Recorder backed by client
func NewAttemptRecorder(client *KafkaClient, topic string, encoding Encoding) *AttemptRecorder {
	if topic == "" {
		topic = TopicAttempts
	}
	return &AttemptRecorder{client: client, topic: topic, encoding: encoding}
}

// Name implements gate.Recorder
func (r *AttemptRecorder) Name() string {
	return "kafka"
}

// RecordAttempt implements gate.Recorder. Events are keyed by session ID.
func (r *AttemptRecorder) RecordAttempt(ctx context.Context, a *gate.Attempt) error {
	ev := NewAttemptEvent(a)
	if r.encoding == EncodingJSON {
		return r.client.PublishJSON(ctx, r.topic, ev.SessionID, ev)
	}

	msg, err := ev.Proto()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "attempt_proto", "failed to build attempt message")
	}
	return r.client.PublishProto(ctx, r.topic, ev.SessionID, msg)
}
