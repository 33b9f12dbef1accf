package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	ExchangeName    = "dfda.jobs"
	DLQExchangeName = "dfda.jobs.dlq"
)

func queueName(task string) string {
	return ExchangeName + "." + task
}

// Queue publishes and consumes jobs over RabbitMQ. Delivery is at least
// once: a message is acked only after its handler finished or it was moved
// to the dead letter exchange.
type Queue struct {
	conn   *amqp091.Connection
	pub    *amqp091.Channel
	mu     sync.Mutex
	logger *zap.Logger
}

// Dial connects and declares the job topology for every task.
func Dial(url string, logger *zap.Logger) (*Queue, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareTopology(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	logger.Info("Job queue initialized",
		zap.String("exchange", ExchangeName),
		zap.String("dlq_exchange", DLQExchangeName),
		zap.Strings("tasks", Tasks),
	)
	return &Queue{conn: conn, pub: ch, logger: logger}, nil
}

func declareTopology(ch *amqp091.Channel) error {
	for _, exchange := range []string{ExchangeName, DLQExchangeName} {
		if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
		}
	}

	for _, task := range Tasks {
		q, err := ch.QueueDeclare(queueName(task), true, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("failed to declare queue for %s: %w", task, err)
		}
		if err := ch.QueueBind(q.Name, task, ExchangeName, false, nil); err != nil {
			return fmt.Errorf("failed to bind queue for %s: %w", task, err)
		}

		dlq, err := ch.QueueDeclare(task+".dlq", true, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("failed to declare DLQ queue for %s: %w", task, err)
		}
		if err := ch.QueueBind(dlq.Name, task, DLQExchangeName, false, nil); err != nil {
			return fmt.Errorf("failed to bind DLQ queue for %s: %w", task, err)
		}
	}
	return nil
}

func (q *Queue) Close() {
	if q.pub != nil {
		_ = q.pub.Close()
	}
	if q.conn != nil {
		_ = q.conn.Close()
	}
}

func (q *Queue) IsConnected() bool {
	return q.conn != nil && !q.conn.IsClosed()
}

// Enqueue publishes a persistent job message routed by task name.
func (q *Queue) Enqueue(ctx context.Context, task string, payload any) error {
	env, err := NewEnvelope(task, payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	err = q.pub.PublishWithContext(ctx, ExchangeName, task, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		MessageId:    env.ID,
		Timestamp:    env.EnqueuedAt,
		Body:         body,
		DeliveryMode: amqp091.Persistent,
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", task, err)
	}
	q.logger.Debug("Job enqueued", zap.String("task", task), zap.String("job_id", env.ID))
	return nil
}

func (q *Queue) publishDLQ(ctx context.Context, task string, body []byte, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pub.PublishWithContext(ctx, DLQExchangeName, task, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp091.Persistent,
		Headers: amqp091.Table{
			"x-original-error": reason,
			"x-failed-at":      time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// Consume runs runner over every task queue until ctx is cancelled.
func (q *Queue) Consume(ctx context.Context, runner *Runner) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(Tasks))

	for _, task := range Tasks {
		ch, err := q.conn.Channel()
		if err != nil {
			return fmt.Errorf("failed to open consumer channel: %w", err)
		}
		defer ch.Close()

		if err := ch.Qos(1, 0, false); err != nil {
			return fmt.Errorf("failed to set QoS: %w", err)
		}
		deliveries, err := ch.Consume(queueName(task), "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("failed to register consumer for %s: %w", task, err)
		}

		q.logger.Info("Consumer started", zap.String("task", task), zap.String("queue", queueName(task)))

		wg.Add(1)
		go func(task string) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-deliveries:
					if !ok {
						errCh <- fmt.Errorf("delivery channel for %s closed", task)
						return
					}
					q.deliver(ctx, task, msg, runner)
				}
			}
		}(task)
	}

	select {
	case <-ctx.Done():
		wg.Wait()
		return nil
	case err := <-errCh:
		return err
	}
}

func (q *Queue) deliver(ctx context.Context, task string, msg amqp091.Delivery, runner *Runner) {
	log := q.logger.With(zap.String("task", task), zap.String("message_id", msg.MessageId))

	defer func() {
		if r := recover(); r != nil {
			log.Error("Handler panic recovered", zap.Any("panic", r))
			if err := msg.Nack(false, true); err != nil {
				log.Error("Failed to nack message after panic", zap.Error(err))
			}
		}
	}()

	outcome, delay, err := runner.Handle(ctx, msg.Body)
	switch outcome {
	case Ack:
		if err := msg.Ack(false); err != nil {
			log.Error("Failed to ack message", zap.Error(err))
		}

	case Retry:
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		if err := msg.Nack(false, true); err != nil {
			log.Error("Failed to nack message", zap.Error(err))
		}

	case DeadLetter:
		reason := ""
		if err != nil {
			reason = err.Error()
		}
		if perr := q.publishDLQ(ctx, task, msg.Body, reason); perr != nil {
			log.Error("Failed to dead-letter message, requeueing", zap.Error(perr))
			_ = msg.Nack(false, true)
			return
		}
		if err := msg.Ack(false); err != nil {
			log.Error("Failed to ack dead-lettered message", zap.Error(err))
		}
		log.Warn("Message dead-lettered", zap.String("reason", reason))
	}
}
