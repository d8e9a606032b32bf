package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"story-graph-server/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// TaskProcessor выполняет одну задачу генерации.
// Ошибка означает, что задачу не удалось ни выполнить, ни записать ее провал.
type TaskProcessor interface {
	Process(ctx context.Context, task models.GenerationTask) error
}

// GenerationTaskConsumer читает задачи из очереди и раздает их пулу воркеров.
type GenerationTaskConsumer struct {
	conn        *amqp.Connection
	processor   TaskProcessor
	queue       string
	concurrency int
	logger      *zap.Logger

	ch   *amqp.Channel
	wg   sync.WaitGroup
	done chan struct{}
}

// NewGenerationTaskConsumer создает консьюмера с concurrency воркерами (prefetch = concurrency).
func NewGenerationTaskConsumer(
	conn *amqp.Connection,
	processor TaskProcessor,
	queue string,
	concurrency int,
	logger *zap.Logger,
) *GenerationTaskConsumer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &GenerationTaskConsumer{
		conn:        conn,
		processor:   processor,
		queue:       queue,
		concurrency: concurrency,
		logger:      logger.Named("GenerationTaskConsumer"),
		done:        make(chan struct{}),
	}
}

// Start объявляет очередь, подписывается и запускает воркеров. Не блокирует.
func (c *GenerationTaskConsumer) Start(ctx context.Context) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("consumer: failed to open a channel: %w", err)
	}
	if err := declareTaskQueue(ch, c.queue); err != nil {
		_ = ch.Close()
		return fmt.Errorf("consumer: %w", err)
	}
	if err := ch.Qos(c.concurrency, 0, false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("consumer: failed to set QoS: %w", err)
	}

	msgs, err := ch.Consume(
		c.queue,
		"story-graph-worker", // consumer tag
		false,                // auto-ack
		false,                // exclusive
		false,                // no-local
		false,                // no-wait
		nil,                  // args
	)
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("consumer: failed to register a consumer: %w", err)
	}
	c.ch = ch

	c.logger.Info("Consumer started",
		zap.String("queue", c.queue),
		zap.Int("workers", c.concurrency),
	)

	for i := 0; i < c.concurrency; i++ {
		c.wg.Add(1)
		go c.work(ctx, i, msgs)
	}
	go func() {
		c.wg.Wait()
		close(c.done)
	}()
	return nil
}

func (c *GenerationTaskConsumer) work(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()
	log := c.logger.With(zap.Int("worker", id))

	for {
		select {
		case <-ctx.Done():
			log.Debug("Worker stopping: context done")
			return
		case d, ok := <-msgs:
			if !ok {
				log.Info("Delivery channel closed")
				return
			}
			c.handleDelivery(ctx, log, d)
		}
	}
}

func (c *GenerationTaskConsumer) handleDelivery(ctx context.Context, log *zap.Logger, d amqp.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic while processing generation task",
				zap.Any("panic", r),
				zap.Uint64("delivery_tag", d.DeliveryTag),
			)
			tasksProcessed.WithLabelValues(taskResultPanic).Inc()
			_ = d.Nack(false, false)
		}
	}()

	task, err := DecodeTask(d.Body)
	if err != nil {
		log.Warn("Malformed generation task, sending to dead-letter queue",
			zap.Uint64("delivery_tag", d.DeliveryTag),
			zap.Error(err),
		)
		tasksProcessed.WithLabelValues(taskResultMalformed).Inc()
		_ = d.Nack(false, false)
		return
	}

	if err := c.processor.Process(ctx, task); err != nil {
		log.Error("Generation task could not be processed",
			zap.String("job_id", task.JobID.String()),
			zap.Error(err),
		)
		tasksProcessed.WithLabelValues(taskResultError).Inc()
		_ = d.Nack(false, false)
		return
	}

	tasksProcessed.WithLabelValues(taskResultOK).Inc()
	_ = d.Ack(false)
}

// Stop закрывает канал и ждет завершения воркеров.
func (c *GenerationTaskConsumer) Stop() {
	c.logger.Info("Stopping consumer...")
	if c.ch != nil {
		if err := c.ch.Close(); err != nil {
			c.logger.Warn("Error closing consumer channel", zap.Error(err))
		}
		<-c.done
	}
	c.logger.Info("Consumer stopped")
}

// DecodeTask разбирает тело сообщения и проверяет обязательные поля.
func DecodeTask(body []byte) (models.GenerationTask, error) {
	var task models.GenerationTask
	if err := json.Unmarshal(body, &task); err != nil {
		return task, fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	if err := task.Validate(); err != nil {
		return task, err
	}
	return task, nil
}
