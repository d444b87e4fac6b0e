// Package messaging provides Kafka-based communication between tokenforge services.
// It carries found shares from minerd to shareproc, share results, token
// completions and miner progress snapshots.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/tokenforge/pkg/circuit"
	"github.com/bardlex/tokenforge/pkg/errors"
	"github.com/bardlex/tokenforge/pkg/log"
	"github.com/bardlex/tokenforge/pkg/retry"
)

// Publisher is the write side of KafkaClient
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, data []byte) error
	PublishProto(ctx context.Context, topic, key string, msg proto.Message) error
}

// KafkaClient wraps kafka-go with protobuf support and connection pooling
type KafkaClient struct {
	brokers        []string
	logger         *log.Logger
	writers        map[string]*kafka.Writer
	readers        map[string]*kafka.Reader
	writersMu      sync.RWMutex
	readersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	cbConfig := &circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
	}

	return &KafkaClient{
		brokers:        brokers,
		logger:         logger.WithComponent("kafka"),
		writers:        make(map[string]*kafka.Writer),
		readers:        make(map[string]*kafka.Reader),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.NetworkConfig(),
	}
}

// GetProducer gets or creates a Kafka producer for a topic (with connection pooling)
func (k *KafkaClient) GetProducer(topic string) *kafka.Writer {
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

	writer := &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}

	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// GetConsumer gets or creates a Kafka consumer for a topic and group
func (k *KafkaClient) GetConsumer(topic, groupID string) *kafka.Reader {
	key := readerKey(topic, groupID)

	k.readersMu.RLock()
	if reader, exists := k.readers[key]; exists {
		k.readersMu.RUnlock()
		return reader
	}
	k.readersMu.RUnlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	if reader, exists := k.readers[key]; exists {
		return reader
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6, // 10MB
		MaxWait:     1 * time.Second,
	})

	k.readers[key] = reader
	k.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
	return reader
}

func readerKey(topic, groupID string) string {
	return fmt.Sprintf("%s-%s", topic, groupID)
}

// releaseConsumer closes and forgets a reader created by GetConsumer
func (k *KafkaClient) releaseConsumer(topic, groupID string) {
	key := readerKey(topic, groupID)

	k.readersMu.Lock()
	reader, exists := k.readers[key]
	delete(k.readers, key)
	k.readersMu.Unlock()

	if exists {
		if err := reader.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close Kafka reader", "topic", topic)
		}
	}
}

// PublishProto publishes a protobuf message to Kafka
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}

	return k.publish(ctx, "publish_proto", topic, key, data)
}

// PublishJSON publishes a JSON message to Kafka
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, data []byte) error {
	return k.publish(ctx, "publish_json", topic, key, data)
}

func (k *KafkaClient) publish(ctx context.Context, op, topic, key string, data []byte) error {
	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			writer := k.GetProducer(topic)
			kafkaMsg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
			}

			if err := writer.WriteMessages(ctx, kafkaMsg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, op,
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// read fetches one message through the breaker and retry policy
func (k *KafkaClient) read(ctx context.Context, reader *kafka.Reader) (kafka.Message, error) {
	return circuit.ExecuteWithResult(ctx, k.circuitBreaker, func() (kafka.Message, error) {
		return retry.DoWithResult(ctx, k.retryConfig, func() (kafka.Message, error) {
			kafkaMsg, err := reader.ReadMessage(ctx)
			if err != nil {
				return kafka.Message{}, errors.Wrap(err, errors.ErrorTypeKafka, "read_message",
					"failed to read message from Kafka")
			}
			k.logger.Debug("consumed message", "topic", kafkaMsg.Topic, "key", string(kafkaMsg.Key), "size", len(kafkaMsg.Value))
			return kafkaMsg, nil
		})
	})
}

// ConsumeProto consumes and unmarshals one protobuf message from Kafka
func (k *KafkaClient) ConsumeProto(ctx context.Context, reader *kafka.Reader, msg proto.Message) (string, error) {
	kafkaMsg, err := k.read(ctx, reader)
	if err != nil {
		return "", err
	}

	if err := proto.Unmarshal(kafkaMsg.Value, msg); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_unmarshal",
			"failed to unmarshal protobuf message").
			WithContext("topic", kafkaMsg.Topic).
			WithContext("message_size", len(kafkaMsg.Value))
	}

	return string(kafkaMsg.Key), nil
}

// ConsumeJSON consumes and decodes one JSON message from Kafka into v
func (k *KafkaClient) ConsumeJSON(ctx context.Context, reader *kafka.Reader, v any) (string, error) {
	kafkaMsg, err := k.read(ctx, reader)
	if err != nil {
		return "", err
	}

	if err := json.Unmarshal(kafkaMsg.Value, v); err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "json_unmarshal",
			"failed to unmarshal JSON message").
			WithContext("topic", kafkaMsg.Topic).
			WithContext("message_size", len(kafkaMsg.Value))
	}

	return string(kafkaMsg.Key), nil
}

// MessageHandler defines the interface for handling protobuf Kafka messages
type MessageHandler interface {
	HandleMessage(ctx context.Context, key string, msg proto.Message) error
}

// StartConsumer runs a protobuf consumer loop for a topic until ctx is done
func (k *KafkaClient) StartConsumer(ctx context.Context, topic, groupID string, msgFactory func() proto.Message, handler MessageHandler) error {
	return k.consumeLoop(ctx, topic, groupID, func(reader *kafka.Reader) (string, error) {
		msg := msgFactory()
		key, err := k.ConsumeProto(ctx, reader, msg)
		if err != nil {
			return key, err
		}
		return key, handler.HandleMessage(ctx, key, msg)
	})
}

// JSONHandler handles one raw JSON message
type JSONHandler func(ctx context.Context, key string, data []byte) error

// StartJSONConsumer runs a JSON consumer loop for a topic until ctx is done
func (k *KafkaClient) StartJSONConsumer(ctx context.Context, topic, groupID string, handler JSONHandler) error {
	return k.consumeLoop(ctx, topic, groupID, func(reader *kafka.Reader) (string, error) {
		var raw json.RawMessage
		key, err := k.ConsumeJSON(ctx, reader, &raw)
		if err != nil {
			return key, err
		}
		return key, handler(ctx, key, raw)
	})
}

func (k *KafkaClient) consumeLoop(ctx context.Context, topic, groupID string, step func(*kafka.Reader) (string, error)) error {
	reader := k.GetConsumer(topic, groupID)
	defer k.releaseConsumer(topic, groupID)

	k.logger.Info("starting consumer", "topic", topic, "group_id", groupID)

	for {
		select {
		case <-ctx.Done():
			k.logger.Info("consumer stopping", "topic", topic)
			return ctx.Err()
		default:
		}

		key, err := step(reader)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			continue
		}

		k.logger.WithError(err).Error("failed to process message", "topic", topic, "key", key)

		// back off while the breaker is open or the broker is away
		if !errors.IsType(err, errors.ErrorTypeValidation) {
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// Close closes all producers and consumers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	var lastErr error

	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close producer", "topic", topic)
			lastErr = err
		}
	}

	for key, reader := range k.readers {
		if err := reader.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close consumer", "key", key)
			lastErr = err
		}
	}

	k.writers = make(map[string]*kafka.Writer)
	k.readers = make(map[string]*kafka.Reader)
	return lastErr
}
