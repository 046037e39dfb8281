package rabbitmq

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Bogeun-Kim/habit-stacker/internal/logger"
)

// Handler processes one job. A returned error dead-letters the message.
type Handler func(ctx context.Context, jobID string) error

const defaultDrainTimeout = 2 * time.Minute

type Consumer struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	queue       string
	concurrency int
	log         *logger.Logger

	// DrainTimeout bounds how long in-flight jobs may run after shutdown starts.
	DrainTimeout time.Duration
}

func NewConsumer(ctx context.Context, url, queue string, concurrency int, log *logger.Logger) (*Consumer, error) {
	if concurrency <= 0 {
		concurrency = 2
	}
	conn, ch, err := openChannel(ctx, url, queue)
	if err != nil {
		return nil, err
	}
	// at most one unacked message per worker
	if err := ch.Qos(concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, errors.Wrap(err, "qos")
	}
	return &Consumer{
		conn:         conn,
		ch:           ch,
		queue:        queue,
		concurrency:  concurrency,
		log:          log,
		DrainTimeout: defaultDrainTimeout,
	}, nil
}

func (c *Consumer) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}

// Run dispatches deliveries to a fixed pool of workers until ctx is cancelled
// or the broker closes the delivery channel.
//
// On cancellation the consumer is cancelled at the broker first. Deliveries
// no worker has started are requeued, and started jobs keep running on a
// context that outlives ctx for up to DrainTimeout.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	tag := "worker-" + uuid.NewString()
	msgs, err := c.ch.Consume(c.queue, tag, false, false, false, false, nil)
	if err != nil {
		return errors.Wrap(err, "consume")
	}
	c.log.Info("worker started", "queue", c.queue, "concurrency", c.concurrency)
	return c.dispatch(ctx, msgs, func() error { return c.ch.Cancel(tag, false) }, handle)
}

// dispatch feeds msgs to the workers. stop must end the broker subscription
// and eventually close msgs.
func (c *Consumer) dispatch(ctx context.Context, msgs <-chan amqp.Delivery, stop func() error, handle Handler) error {
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	// unbuffered: a delivery leaves msgs only when a worker takes it
	jobs := make(chan amqp.Delivery)
	var wg sync.WaitGroup
	wg.Add(c.concurrency)
	for i := 0; i < c.concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				c.deliver(workCtx, workerID, d, handle)
			}
		}(i)
	}
	defer c.drain(&wg, jobs, cancelWork)

	for {
		select {
		case <-ctx.Done():
			c.shutdown(msgs, stop)
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			select {
			case jobs <- d:
			case <-ctx.Done():
				requeue(d)
				c.shutdown(msgs, stop)
				return nil
			}
		}
	}
}

// shutdown cancels the subscription and requeues what the broker already sent.
func (c *Consumer) shutdown(msgs <-chan amqp.Delivery, stop func() error) {
	c.log.Info("worker shutting down")
	if err := stop(); err != nil {
		// unacked deliveries return to the queue when the channel closes
		c.log.Warn("cancel consumer", "error", err)
		return
	}
	n := 0
	for d := range msgs {
		requeue(d)
		n++
	}
	if n > 0 {
		c.log.Info("requeued prefetched jobs", "count", n)
	}
}

func (c *Consumer) drain(wg *sync.WaitGroup, jobs chan amqp.Delivery, cancelWork context.CancelFunc) {
	close(jobs)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timeout := c.DrainTimeout
	if timeout <= 0 {
		timeout = defaultDrainTimeout
	}
	select {
	case <-done:
	case <-time.After(timeout):
		c.log.Warn("drain timeout, cancelling in-flight jobs", "timeout", timeout)
		cancelWork()
		<-done
	}
}

func requeue(d amqp.Delivery) {
	_ = d.Nack(false, true)
}

func (c *Consumer) deliver(ctx context.Context, workerID int, d amqp.Delivery, handle Handler) {
	jobID, err := decodeJob(d.Body)
	if err != nil {
		c.log.Warn("bad job message", "worker", workerID, "error", err)
		_ = d.Nack(false, false)
		return
	}

	start := time.Now()
	if err := handle(ctx, jobID); err != nil {
		c.log.Error("job failed", "worker", workerID, "job_id", jobID, "cost", time.Since(start), "error", err)
		_ = d.Nack(false, false)
		return
	}
	if cost := time.Since(start); cost > 2*time.Second {
		c.log.Info("job_timing", "worker", workerID, "job_id", jobID, "total", cost)
	}
	if err := d.Ack(false); err != nil {
		c.log.Warn("ack failed", "worker", workerID, "job_id", jobID, "error", err)
	}
}

func decodeJob(body []byte) (string, error) {
	var m JobMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return "", errors.Wrap(err, "decode job")
	}
	if m.JobID == "" {
		return "", errors.New("missing job_id")
	}
	return m.JobID, nil
}
