package sagabus

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.uber.org/zap"
)

// Kafka header keys set on every dispatched message.
const (
	HeaderMessageID     = "message_id"
	HeaderCorrelationID = "correlation_id"
	HeaderPriority      = "priority"
	HeaderRetryCount    = "retry_count"
)

// KafkaHeaderBuilder defines a function type for building Kafka message headers from a Message.
type KafkaHeaderBuilder func(msg Message) []kafka.Header

// NopPublisher is a publisher that does nothing. Useful for testing.
type NopPublisher struct{}

// NewNopPublisher creates a new NopPublisher.
func NewNopPublisher() *NopPublisher {
	return &NopPublisher{}
}

// Publish implements the Publisher interface.
func (p *NopPublisher) Publish(context.Context, Message) error {
	return nil
}

// Close implements the Publisher interface.
func (p *NopPublisher) Close() error {
	return nil
}

// KafkaPublisher sends messages to Kafka. Publish waits for the broker's
// delivery report so that a message is only marked delivered once acknowledged.
type KafkaPublisher struct {
	logger        *zap.Logger
	producer      *kafka.Producer
	producerProps kafka.ConfigMap
	defaultTopic  string
	headerBuilder KafkaHeaderBuilder
}

// NewKafkaPublisher creates a new KafkaPublisher with functional options.
func NewKafkaPublisher(logger *zap.Logger, opts ...KafkaPublisherOption) (*KafkaPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &KafkaPublisher{
		logger: logger,
		producerProps: kafka.ConfigMap{
			"acks":               "all",
			"retries":            3,
			"linger.ms":          10,
			"enable.idempotence": true,
			"compression.type":   "snappy",
		},
		defaultTopic:  "sagabus-messages",
		headerBuilder: buildKafkaHeaders,
	}

	for _, opt := range opts {
		opt(p)
	}

	producer, err := kafka.NewProducer(&p.producerProps)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	p.producer = producer

	go p.handleEvents()

	return p, nil
}

// Publish sends a message to the topic it was published on, falling back to
// the default topic. The message key is the correlation id when present so
// that related messages share a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	topic := msg.Topic
	if topic == "" {
		topic = p.defaultTopic
	}

	key := msg.ID
	if msg.CorrelationID != nil && *msg.CorrelationID != "" {
		key = *msg.CorrelationID
	}

	p.logger.Debug("Publishing message to Kafka",
		zap.String("message_id", msg.ID),
		zap.String("topic", topic))

	deliveryChan := make(chan kafka.Event, 1)
	err := p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          msg.Payload,
		Headers:        p.headerBuilder(msg),
		Timestamp:      time.Now(),
	}, deliveryChan)
	if err != nil {
		return fmt.Errorf("failed to produce message %s: %w", msg.ID, err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("delivery report for message %s: %w", msg.ID, ctx.Err())
	case e := <-deliveryChan:
		report, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected delivery event for message %s: %v", msg.ID, e)
		}
		if report.TopicPartition.Error != nil {
			return fmt.Errorf("failed to deliver message %s: %w", msg.ID, report.TopicPartition.Error)
		}
		return nil
	}
}

// Close flushes the producer and closes the Kafka connection.
func (p *KafkaPublisher) Close() error {
	p.logger.Info("Closing kafka producer")
	p.producer.Flush(15 * 1000) // 15 sec
	p.producer.Close()
	return nil
}

// handleEvents logs producer-level errors. Delivery reports go to the
// per-message channel passed to Produce.
func (p *KafkaPublisher) handleEvents() {
	for e := range p.producer.Events() {
		if ev, ok := e.(kafka.Error); ok {
			p.logger.Error("Kafka error", zap.Error(ev))
		}
	}
}

// buildKafkaHeaders is the default function for creating Kafka headers from a message.
func buildKafkaHeaders(msg Message) []kafka.Header {
	headers := []kafka.Header{
		{Key: HeaderMessageID, Value: []byte(msg.ID)},
		{Key: HeaderPriority, Value: []byte(strconv.Itoa(msg.Priority))},
		{Key: HeaderRetryCount, Value: []byte(strconv.Itoa(msg.RetryCount))},
	}
	if msg.CorrelationID != nil {
		headers = append(headers, kafka.Header{Key: HeaderCorrelationID, Value: []byte(*msg.CorrelationID)})
	}
	for k, v := range msg.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}
