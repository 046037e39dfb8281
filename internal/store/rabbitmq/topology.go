package rabbitmq

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// JobMessage is the body of every message on the chat job queue.
type JobMessage struct {
	JobID string `json:"job_id"`
}

func DeadLetterQueue(queue string) string {
	return queue + ".dlq"
}

// DeclareTopology declares the main queue and its dead-letter queue. Publisher and
// consumer both call it so the queue arguments always match.
func DeclareTopology(ch *amqp.Channel, queue string) error {
	dlq := DeadLetterQueue(queue)
	if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "declare %s", dlq)
	}
	// reject or nack(requeue=false) routes to the DLQ
	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlq,
	}); err != nil {
		return errors.Wrapf(err, "declare %s", queue)
	}
	return nil
}

// Dial retries the broker connection until ctx ends or maxWait passes.
func Dial(ctx context.Context, url string, maxWait time.Duration) (*amqp.Connection, error) {
	conn, err := backoff.Retry(ctx, func() (*amqp.Connection, error) {
		return amqp.Dial(url)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(maxWait))
	if err != nil {
		return nil, errors.Wrap(err, "rabbit dial")
	}
	return conn, nil
}

func openChannel(ctx context.Context, url, queue string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := Dial(ctx, url, 30*time.Second)
	if err != nil {
		return nil, nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, errors.Wrap(err, "rabbit channel")
	}
	if err := DeclareTopology(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}
