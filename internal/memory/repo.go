package memory

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// InsertTx stores m unless its range overlaps a memory that applies to the same branch.
// onPath holds the branch's message ids; memories of other branches are ignored.
func (r *Repo) InsertTx(tx *gorm.DB, m *Memory, onPath map[string]bool) error {
	var existing []Memory
	if err := tx.Where("room_id = ?", m.RoomID).Find(&existing).Error; err != nil {
		return errors.Wrap(err, "list memories")
	}
	if overlaps(Applicable(existing, onPath), Range{Start: m.StartSeq, End: m.EndSeq}) {
		return errOverlap
	}
	return tx.Create(m).Error
}

var errOverlap = errors.New("memory range overlaps an existing summary")

// ListByRoom returns memories ordered by range start.
func (r *Repo) ListByRoom(ctx context.Context, roomID string) ([]Memory, error) {
	var out []Memory
	if err := r.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("start_seq ASC").
		Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "list memories")
	}
	return out, nil
}

func (r *Repo) Get(ctx context.Context, id string) (*Memory, error) {
	var m Memory
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repo) Delete(ctx context.Context, id string) (int64, error) {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&Memory{})
	return res.RowsAffected, errors.Wrap(res.Error, "delete memory")
}

func (r *Repo) DeleteByRoom(ctx context.Context, roomID string) (int64, error) {
	res := r.db.WithContext(ctx).Where("room_id = ?", roomID).Delete(&Memory{})
	return res.RowsAffected, errors.Wrap(res.Error, "delete room memories")
}

// Job CRUD
func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// UpdateJobStatusRunning claims a queued job. It reports false if the job was not queued
// (already claimed by another worker or finished).
func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning)
	return res.RowsAffected == 1, res.Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, memoryID string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":           JobSucceeded,
			"result_memory_id": memoryID,
			"error":            nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":           JobFailed,
			"error":            errMsg,
			"result_memory_id": nil,
		}).Error
}

// RequeueJob moves a failed job back to queued so a worker can claim it again.
func (r *Repo) RequeueJob(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobFailed).
		Updates(map[string]any{"status": JobQueued, "error": nil})
	return res.RowsAffected == 1, res.Error
}

func (r *Repo) GetJobByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	var job Job
	if err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting creates job, or returns the job already holding its idempotency key.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetJobByIdempotencyKey(ctx, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}

	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
