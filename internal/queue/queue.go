package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/config"
	"github.com/therealutkarshpriyadarshi/abrstream/internal/logging"
	"github.com/therealutkarshpriyadarshi/abrstream/pkg/models"
)

const (
	PackageQueueName   = "package_requests"
	ExchangeName       = "abrstream"
	EventsExchangeName = "abrstream.events"
)

// RequestHandler processes one prewarm request
type RequestHandler func(ctx context.Context, req *models.PackageRequest) error

// Queue provides message queue operations
type Queue struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *logging.Logger

	// publishes share the channel with consumers and acks
	pubMu sync.Mutex
}

// New creates a new queue client and declares the topology
func New(cfg config.QueueConfig, logger *logging.Logger) (*Queue, error) {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Vhost)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if logger == nil {
		logger = logging.NewNopLogger()
	}
	q := &Queue{conn: conn, channel: channel, logger: logger}

	if err := q.declare(); err != nil {
		q.Close()
		return nil, err
	}

	return q, nil
}

func (q *Queue) declare() error {
	// Declare request exchange
	err := q.channel.ExchangeDeclare(
		ExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Packaging events fan out by routing key, e.g. packaging.ready
	err = q.channel.ExchangeDeclare(
		EventsExchangeName,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare events exchange: %w", err)
	}

	if err := q.setupDeadLetterQueue(); err != nil {
		return err
	}

	// Rejected requests are dead-lettered
	_, err = q.channel.QueueDeclare(
		PackageQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    DeadLetterExchangeName,
			"x-dead-letter-routing-key": DeadLetterQueueName,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	// Bind queue to exchange
	err = q.channel.QueueBind(
		PackageQueueName,
		PackageQueueName,
		ExchangeName,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	return nil
}

// Close closes the queue connection
func (q *Queue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

// PublishPackageRequest asks a worker to package a video ahead of playback
func (q *Queue) PublishPackageRequest(ctx context.Context, req *models.PackageRequest) error {
	body, err := encodeRequest(req)
	if err != nil {
		return err
	}

	err = q.publish(ctx, ExchangeName, PackageQueueName, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    req.RequestID,
		Body:         body,
		Timestamp:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to publish package request: %w", err)
	}

	return nil
}

// PublishEvent announces a packaging outcome on the events exchange
func (q *Queue) PublishEvent(ctx context.Context, event *models.PackagingEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = q.publish(ctx, EventsExchangeName, eventRoutingKey(event), amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    event.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

func (q *Queue) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()

	return q.channel.PublishWithContext(ctx,
		exchange,
		key,
		false, // mandatory
		false, // immediate
		msg,
	)
}

// ConsumePackageRequests starts concurrency workers consuming prewarm
// requests. A request whose handler fails is moved to the dead letter
// queue, so failed packaging is never retried automatically. Requests cut
// short by cancellation are requeued.
func (q *Queue) ConsumePackageRequests(ctx context.Context, concurrency int, handler RequestHandler) error {
	if concurrency < 1 {
		concurrency = 1
	}

	// Set QoS to limit concurrent processing
	err := q.channel.Qos(
		concurrency, // prefetch count
		0,           // prefetch size
		false,       // global
	)
	if err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := q.channel.Consume(
		PackageQueueName,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	for i := 0; i < concurrency; i++ {
		go q.consume(ctx, i, msgs, handler)
	}

	return nil
}

func (q *Queue) consume(ctx context.Context, worker int, msgs <-chan amqp.Delivery, handler RequestHandler) {
	logger := q.logger.WithWorkerID(fmt.Sprintf("consumer-%d", worker))
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			handleDelivery(ctx, logger, msg, handler, q.PublishToDeadLetterQueue)
		}
	}
}

type deadLetterFunc func(ctx context.Context, req *models.PackageRequest, reason string) error

// handleDelivery settles one prewarm request. Requests interrupted by
// shutdown go back on the queue; every other failure is dead-lettered.
func handleDelivery(ctx context.Context, logger *logging.Logger, msg amqp.Delivery, handler RequestHandler, deadLetter deadLetterFunc) {
	req, err := decodeRequest(msg.Body)
	if err != nil {
		logger.WarnWithErr("Rejecting malformed package request", err)
		msg.Nack(false, false)
		return
	}

	err = handler(ctx, req)
	switch {
	case err == nil:
		msg.Ack(false)
	case errors.Is(err, context.Canceled):
		logger.WithRequestID(req.RequestID).WarnWithErr("Requeueing interrupted package request", err)
		msg.Nack(false, true)
	default:
		if dlqErr := deadLetter(ctx, req, err.Error()); dlqErr != nil {
			logger.ErrorWithErr("Failed to dead-letter package request", dlqErr)
			msg.Nack(false, false)
			return
		}
		msg.Ack(false)
	}
}

// GetQueueDepth returns the number of messages in the queue
func (q *Queue) GetQueueDepth() (int, error) {
	info, err := q.channel.QueueInspect(PackageQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}

	return info.Messages, nil
}

func encodeRequest(req *models.PackageRequest) ([]byte, error) {
	if req == nil || req.VideoID == "" {
		return nil, fmt.Errorf("package request needs a video id")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal package request: %w", err)
	}
	return body, nil
}

func decodeRequest(body []byte) (*models.PackageRequest, error) {
	var req models.PackageRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("failed to unmarshal package request: %w", err)
	}
	if _, err := models.ParseVideoID(string(req.VideoID)); err != nil {
		return nil, err
	}
	return &req, nil
}

func eventRoutingKey(event *models.PackagingEvent) string {
	if event.Event == "" {
		return "packaging.unknown"
	}
	return event.Event
}
