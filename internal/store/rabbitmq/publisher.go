// Package rabbitmq carries memory summarisation jobs from the API to the worker.
package rabbitmq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AttemptHeader counts how many times a job message has been delivered through the retry queue.
const AttemptHeader = "x-attempt"

type JobMessage struct {
	JobID string `json:"job_id"`
}

// DecodeJob parses a delivery body. A message without a job id is malformed.
func DecodeJob(body []byte) (JobMessage, error) {
	var m JobMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return m, errors.Wrap(err, "decode job message")
	}
	if m.JobID == "" {
		return m, errors.New("job message has no job_id")
	}
	return m, nil
}

// Attempt reads the retry count of a delivery; first deliveries are attempt 0.
func Attempt(d amqp.Delivery) int {
	switch v := d.Headers[AttemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

type Queues struct {
	Main  string
	Retry string
	DLQ   string
}

func QueuesFor(queue string) Queues {
	return Queues{Main: queue, Retry: queue + ".retry", DLQ: queue + ".dlq"}
}

// Declare creates the three queues. Both publisher and worker call it so the arguments
// always match; RabbitMQ refuses a redeclare with different arguments.
//
// Retry messages expire after retryDelay and dead-letter back to the main queue. The main
// queue dead-letters rejected messages to the DLQ.
func Declare(ch *amqp.Channel, q Queues, retryDelay time.Duration) error {
	if _, err := ch.QueueDeclare(q.DLQ, true, false, false, false, nil); err != nil {
		return errors.Wrap(err, "declare dlq")
	}
	if _, err := ch.QueueDeclare(q.Retry, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.Main,
		"x-message-ttl":             int32(retryDelay / time.Millisecond),
	}); err != nil {
		return errors.Wrap(err, "declare retry queue")
	}
	if _, err := ch.QueueDeclare(q.Main, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": q.DLQ,
	}); err != nil {
		return errors.Wrap(err, "declare main queue")
	}
	return nil
}

const DefaultRetryDelay = 10 * time.Second

type Publisher struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	queues Queues
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "rabbit dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "rabbit channel")
	}
	p, err := NewPublisherOnChannel(ch, queue)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewPublisherOnChannel publishes on an existing channel; the worker shares its consumer
// connection this way.
func NewPublisherOnChannel(ch *amqp.Channel, queue string) (*Publisher, error) {
	q := QueuesFor(queue)
	if err := Declare(ch, q, DefaultRetryDelay); err != nil {
		return nil, err
	}
	return &Publisher{ch: ch, queues: q}, nil
}

func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	return p.conn.Close()
}

// PublishJob implements memory.Publisher.
func (p *Publisher) PublishJob(ctx context.Context, jobID string) error {
	return p.publish(ctx, p.queues.Main, jobID, 0)
}

// PublishRetry parks a job on the retry queue; it returns to the main queue after the
// retry delay.
func (p *Publisher) PublishRetry(ctx context.Context, jobID string, attempt int) error {
	return p.publish(ctx, p.queues.Retry, jobID, attempt)
}

func (p *Publisher) publish(ctx context.Context, queue, jobID string, attempt int) error {
	body, err := json.Marshal(JobMessage{JobID: jobID})
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err = p.ch.PublishWithContext(cctx,
		"",    // default exchange
		queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
			Headers:      amqp.Table{AttemptHeader: int32(attempt)},
		},
	)
	return errors.Wrapf(err, "publish job %s to %s", jobID, queue)
}
