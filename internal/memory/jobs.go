package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/suPer8Hu/character-chat/internal/apperr"
	"github.com/suPer8Hu/character-chat/internal/common"
	"github.com/suPer8Hu/character-chat/internal/metrics"
)

// Enqueue records a summarisation job for the room's pending range and hands it to the
// publisher, or runs it inline when there is none. A range that already has a job is not
// queued twice; created is false in that case. A nil job means nothing was pending.
func (m *Manager) Enqueue(ctx context.Context, userID uint64, roomID string) (job *Job, created bool, err error) {
	rng, endID, ok, err := m.pending(ctx, roomID)
	if err != nil || !ok {
		return nil, false, err
	}

	id, err := common.NewULID()
	if err != nil {
		return nil, false, apperr.Persistence(err, "job id")
	}
	// The same ordinals can be pending again on another branch, so the key names the
	// branch through its last message.
	key := fmt.Sprintf("%s:%d-%d:%s", roomID, rng.Start, rng.End, endID)
	job, created, err = m.repo.CreateJobOrGetExisting(ctx, &Job{
		ID:             id,
		UserID:         userID,
		RoomID:         roomID,
		StartSeq:       rng.Start,
		EndSeq:         rng.End,
		IdempotencyKey: &key,
		Status:         JobQueued,
	})
	if err != nil {
		return nil, false, apperr.Persistence(err, "create memory job")
	}
	if !created {
		return job, false, nil
	}
	metrics.MemoryJobs.WithLabelValues(string(JobQueued)).Inc()

	if m.publisher == nil {
		runErr := m.RunJob(ctx, job.ID)
		if reloaded, err := m.repo.GetJobByID(ctx, job.ID); err == nil {
			job = reloaded
		}
		return job, true, runErr
	}

	if err := m.publisher.PublishJob(ctx, job.ID); err != nil {
		_ = m.repo.MarkJobFailed(ctx, job.ID, "enqueue failed: "+err.Error())
		return job, true, apperr.Persistence(err, "publish memory job")
	}
	return job, true, nil
}

// RunJob executes a queued job. Redelivered or already finished jobs are skipped.
func (m *Manager) RunJob(ctx context.Context, jobID string) error {
	jobStart := time.Now()

	claimed, err := m.repo.UpdateJobStatusRunning(ctx, jobID)
	if err != nil {
		return apperr.Persistence(err, "claim memory job")
	}
	j, err := m.repo.GetJobByID(ctx, jobID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperr.NotFound("memory job %s not found", jobID)
	}
	if err != nil {
		return apperr.Persistence(err, "get memory job")
	}
	if !claimed {
		m.log.Debug().Str("job_id", jobID).Str("status", string(j.Status)).Msg("memory job already claimed")
		return nil
	}

	mem, err := m.Summarize(ctx, j.RoomID, Range{Start: j.StartSeq, End: j.EndSeq})
	if err != nil {
		_ = m.repo.MarkJobFailed(ctx, jobID, err.Error())
		metrics.MemoryJobs.WithLabelValues(string(JobFailed)).Inc()
		m.log.Warn().Err(err).
			Str("job_id", jobID).
			Str("room_id", j.RoomID).
			Dur("cost", time.Since(jobStart)).
			Msg("memory job failed")
		return err
	}

	if err := m.repo.MarkJobSucceeded(ctx, jobID, mem.ID); err != nil {
		return apperr.Persistence(err, "mark memory job succeeded")
	}
	metrics.MemoryJobs.WithLabelValues(string(JobSucceeded)).Inc()

	if total := time.Since(jobStart); total > 2*time.Second {
		m.log.Info().Str("job_id", jobID).Dur("total", total).Msg("slow memory job")
	}
	return nil
}

// RetryJob requeues a failed job. It reports false when the job is not in the failed state.
func (m *Manager) RetryJob(ctx context.Context, jobID string) (bool, error) {
	ok, err := m.repo.RequeueJob(ctx, jobID)
	if err != nil {
		return false, apperr.Persistence(err, "requeue memory job")
	}
	if ok {
		metrics.MemoryJobs.WithLabelValues(string(JobQueued)).Inc()
	}
	return ok, nil
}

func (m *Manager) GetJob(ctx context.Context, jobID string) (*Job, error) {
	j, err := m.repo.GetJobByID(ctx, jobID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("memory job not found")
	}
	if err != nil {
		return nil, apperr.Persistence(err, "get memory job")
	}
	return j, nil
}
