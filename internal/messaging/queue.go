package messaging

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeadLetterName возвращает имя DLX/DLQ для очереди задач.
func DeadLetterName(queue string) string {
	return queue + ".dlx"
}

// declareTaskQueue объявляет durable очередь задач и ее dead-letter пару.
// Вызывается и издателем, и консьюмером: объявление идемпотентно при одинаковых аргументах.
func declareTaskQueue(ch *amqp.Channel, queue string) error {
	dlx := DeadLetterName(queue)

	if err := ch.ExchangeDeclare(dlx, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter exchange '%s': %w", dlx, err)
	}
	if _, err := ch.QueueDeclare(dlx, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead-letter queue '%s': %w", dlx, err)
	}
	if err := ch.QueueBind(dlx, "", dlx, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead-letter queue '%s': %w", dlx, err)
	}

	args := amqp.Table{"x-dead-letter-exchange": dlx}
	if _, err := ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		args,  // arguments
	); err != nil {
		return fmt.Errorf("failed to declare queue '%s': %w", queue, err)
	}
	return nil
}
