package sagabus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AMQPPublisher sends messages to a RabbitMQ exchange using the message topic
// as routing key. Publishes use publisher confirms.
type AMQPPublisher struct {
	logger   *zap.Logger
	conn     *amqp.Connection
	exchange string

	mu      sync.Mutex
	channel *amqp.Channel
}

// NewAMQPPublisher dials url and declares a durable topic exchange.
func NewAMQPPublisher(url, exchange string, logger *zap.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if exchange == "" {
		return nil, errors.New("amqp exchange is required")
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	p := &AMQPPublisher{logger: logger, conn: conn, exchange: exchange}

	ch, err := p.openChannel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.channel = ch
	return p, nil
}

func (p *AMQPPublisher) openChannel() (*amqp.Channel, error) {
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", p.exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}
	return ch, nil
}

// Publish implements the Publisher interface.
func (p *AMQPPublisher) Publish(ctx context.Context, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil || p.channel.IsClosed() {
		ch, err := p.openChannel()
		if err != nil {
			return err
		}
		p.channel = ch
	}

	confirmation, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, p.exchange, msg.Topic, true, false, amqpPublishing(msg))
	if err != nil {
		return fmt.Errorf("failed to publish message %s: %w", msg.ID, err)
	}
	acked, err := confirmation.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to confirm message %s: %w", msg.ID, err)
	}
	if !acked {
		return fmt.Errorf("message %s was nacked by the broker", msg.ID)
	}

	p.logger.Debug("Published message to RabbitMQ",
		zap.String("message_id", msg.ID),
		zap.String("exchange", p.exchange),
		zap.String("routing_key", msg.Topic))
	return nil
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	return p.conn.Close()
}

func amqpPublishing(msg Message) amqp.Publishing {
	headers := amqp.Table{
		HeaderPriority:   int32(msg.Priority),
		HeaderRetryCount: int32(msg.RetryCount),
	}
	for k, v := range msg.Headers {
		headers[k] = v
	}

	publishing := amqp.Publishing{
		Headers:      headers,
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.CreatedAt,
		Body:         msg.Payload,
	}
	if msg.CorrelationID != nil {
		publishing.CorrelationId = *msg.CorrelationID
	}
	if msg.ExpiresAt != nil {
		if ttl := time.Until(*msg.ExpiresAt); ttl > 0 {
			publishing.Expiration = fmt.Sprintf("%d", ttl.Milliseconds())
		}
	}
	return publishing
}
