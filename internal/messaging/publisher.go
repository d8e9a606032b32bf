package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"story-graph-server/internal/interfaces"
	"story-graph-server/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// RabbitMQTaskPublisher публикует задачи генерации в durable очередь.
type RabbitMQTaskPublisher struct {
	ch     *amqp.Channel
	mu     sync.Mutex
	queue  string
	logger *zap.Logger
}

var _ interfaces.TaskPublisher = (*RabbitMQTaskPublisher)(nil)

// NewRabbitMQTaskPublisher открывает канал и объявляет очередь задач.
// Соединение conn принадлежит вызывающему коду.
func NewRabbitMQTaskPublisher(conn *amqp.Connection, queue string, logger *zap.Logger) (*RabbitMQTaskPublisher, error) {
	if conn == nil {
		return nil, fmt.Errorf("rabbitmq connection is nil")
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := declareTaskQueue(ch, queue); err != nil {
		_ = ch.Close()
		return nil, err
	}

	log := logger.Named("TaskPublisher")
	log.Info("Generation task queue declared", zap.String("queue", queue))
	return &RabbitMQTaskPublisher{ch: ch, queue: queue, logger: log}, nil
}

// PublishGenerationTask отправляет задачу с persistent delivery.
func (p *RabbitMQTaskPublisher) PublishGenerationTask(ctx context.Context, task models.GenerationTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal generation task: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx,
		"",      // exchange (default)
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    task.JobID.String(),
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		p.logger.Error("Failed to publish generation task",
			zap.String("job_id", task.JobID.String()),
			zap.String("kind", string(task.Kind)),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish generation task: %w", err)
	}

	p.logger.Debug("Generation task published",
		zap.String("job_id", task.JobID.String()),
		zap.String("kind", string(task.Kind)),
	)
	return nil
}

// Close закрывает канал издателя.
func (p *RabbitMQTaskPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Close()
}
