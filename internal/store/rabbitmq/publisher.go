package rabbitmq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

const publishTimeout = 5 * time.Second

// Publisher enqueues chat job ids on the job queue. The channel runs in
// confirm mode so PublishJob only returns nil once the broker has the message.
type Publisher struct {
	mu    sync.Mutex
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewPublisher(ctx context.Context, url, queue string) (*Publisher, error) {
	conn, ch, err := openChannel(ctx, url, queue)
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, errors.Wrap(err, "rabbitmq: enable confirms")
	}
	return &Publisher{conn: conn, ch: ch, queue: queue}, nil
}

func (p *Publisher) Close() error {
	var first error
	if p.ch != nil {
		first = p.ch.Close()
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// PublishJob sends a persistent {"job_id": ...} message and waits for the
// broker ack. A nack is an error so the caller can mark the job failed.
func (p *Publisher) PublishJob(ctx context.Context, jobID string) error {
	body, err := json.Marshal(JobMessage{JobID: jobID})
	if err != nil {
		return errors.Wrap(err, "rabbitmq: encode job")
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    jobID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	// one publish at a time per channel
	p.mu.Lock()
	conf, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, "", p.queue, false, false, msg)
	p.mu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "rabbitmq: publish job %s", jobID)
	}

	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return errors.Wrapf(err, "rabbitmq: confirm job %s", jobID)
	}
	if !acked {
		return errors.Errorf("rabbitmq: broker nacked job %s", jobID)
	}
	return nil
}
