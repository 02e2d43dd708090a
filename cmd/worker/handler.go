package main

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/suPer8Hu/character-chat/internal/apperr"
	"github.com/suPer8Hu/character-chat/internal/store/rabbitmq"
)

const defaultMaxAttempts = 3

type jobRunner interface {
	RunJob(ctx context.Context, jobID string) error
	RetryJob(ctx context.Context, jobID string) (bool, error)
}

type retryPublisher interface {
	PublishRetry(ctx context.Context, jobID string, attempt int) error
}

type handler struct {
	runner      jobRunner
	retries     retryPublisher
	maxAttempts int
	log         zerolog.Logger
}

// handle settles one delivery. Malformed messages and jobs out of attempts go to the DLQ;
// upstream failures are parked on the retry queue.
func (h *handler) handle(ctx context.Context, workerID int, d amqp.Delivery) {
	log := h.log.With().Int("worker", workerID).Logger()

	m, err := rabbitmq.DecodeJob(d.Body)
	if err != nil {
		log.Warn().Err(err).Msg("bad message")
		_ = d.Nack(false, false)
		return
	}
	log = log.With().Str("job_id", m.JobID).Logger()

	start := time.Now()
	err = h.runner.RunJob(ctx, m.JobID)
	if err == nil {
		if err := d.Ack(false); err != nil {
			log.Error().Err(err).Msg("ack failed")
		}
		return
	}

	attempt := rabbitmq.Attempt(d)
	log.Warn().Err(err).Int("attempt", attempt).Dur("cost", time.Since(start)).Msg("job failed")

	if apperr.Is(err, apperr.KindUpstreamGeneration) && attempt+1 < h.maxAttempts && h.retry(ctx, log, m.JobID, attempt+1) {
		_ = d.Ack(false)
		return
	}
	_ = d.Nack(false, false)
}

func (h *handler) retry(ctx context.Context, log zerolog.Logger, jobID string, attempt int) bool {
	ok, err := h.runner.RetryJob(ctx, jobID)
	if err != nil || !ok {
		log.Warn().Err(err).Msg("job not requeued")
		return false
	}
	if err := h.retries.PublishRetry(ctx, jobID, attempt); err != nil {
		log.Error().Err(err).Msg("publish retry failed")
		return false
	}
	return true
}
