package queue

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/therealutkarshpriyadarshi/abrstream/pkg/models"
)

const (
	DeadLetterQueueName    = "package_requests_dlq"
	DeadLetterExchangeName = "abrstream_dlq"
)

// setupDeadLetterQueue declares the dead letter infrastructure
func (q *Queue) setupDeadLetterQueue() error {
	// Declare dead letter exchange
	err := q.channel.ExchangeDeclare(
		DeadLetterExchangeName,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ exchange: %w", err)
	}

	// Declare dead letter queue
	_, err = q.channel.QueueDeclare(
		DeadLetterQueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLQ: %w", err)
	}

	// Bind DLQ to exchange
	err = q.channel.QueueBind(
		DeadLetterQueueName,
		DeadLetterQueueName,
		DeadLetterExchangeName,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to bind DLQ: %w", err)
	}

	q.logger.Debug("Dead letter queue infrastructure set up")
	return nil
}

// PublishToDeadLetterQueue parks a request whose packaging failed
func (q *Queue) PublishToDeadLetterQueue(ctx context.Context, req *models.PackageRequest, reason string) error {
	body, err := encodeRequest(req)
	if err != nil {
		return err
	}

	err = q.publish(ctx, DeadLetterExchangeName, DeadLetterQueueName, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    req.RequestID,
		Body:         body,
		Timestamp:    time.Now(),
		Headers:      failureHeaders(reason, time.Now()),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to DLQ: %w", err)
	}

	q.logger.WithVideoID(req.VideoID.String()).
		WithField("reason", reason).
		WarnWithErr("Package request moved to dead letter queue", nil)
	return nil
}

// ConsumeDLQ consumes dead-lettered requests for manual inspection
func (q *Queue) ConsumeDLQ(ctx context.Context, handler func(*models.PackageRequest, string) error) error {
	msgs, err := q.channel.Consume(
		DeadLetterQueueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register DLQ consumer: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				req, err := decodeRequest(msg.Body)
				if err != nil {
					msg.Nack(false, false)
					continue
				}

				if err := handler(req, failureReason(msg.Headers)); err != nil {
					msg.Nack(false, true)
				} else {
					msg.Ack(false)
				}
			}
		}
	}()

	return nil
}

// GetDLQDepth returns the number of messages in the dead letter queue
func (q *Queue) GetDLQDepth() (int, error) {
	info, err := q.channel.QueueInspect(DeadLetterQueueName)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect DLQ: %w", err)
	}

	return info.Messages, nil
}

func failureHeaders(reason string, at time.Time) amqp.Table {
	return amqp.Table{
		"x-failure-reason": reason,
		"x-failed-at":      at.Format(time.RFC3339),
	}
}

func failureReason(headers amqp.Table) string {
	if val, ok := headers["x-failure-reason"].(string); ok {
		return val
	}
	return ""
}
