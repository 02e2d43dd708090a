package memory

import (
	"time"

	"gorm.io/datatypes"
)

type Type string

const TypeSummary Type = "summary"

// Memory summarises the contiguous run of messages with Seq in [StartSeq, EndSeq] on the
// branch that was active when it was written. EndMessageID is the last covered message.
type Memory struct {
	ID           string         `gorm:"primaryKey;size:26" json:"id"`
	RoomID       string         `gorm:"size:26;not null;index:idx_memory_room_range,priority:1" json:"room_id"`
	Type         Type           `gorm:"type:varchar(16);not null" json:"type"`
	Content      string         `gorm:"type:text;not null" json:"content"`
	Importance   int            `gorm:"not null" json:"importance"`
	StartSeq     int64          `gorm:"not null;index:idx_memory_room_range,priority:2" json:"start_seq"`
	EndSeq       int64          `gorm:"not null" json:"end_seq"`
	EndMessageID string         `gorm:"size:26;not null" json:"end_message_id"`
	Metadata     datatypes.JSON `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

func (Memory) TableName() string { return "room_memories" }

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is one asynchronous summarisation request for a room.
type Job struct {
	ID string `gorm:"primaryKey;size:26"`

	UserID uint64 `gorm:"index;not null"`
	RoomID string `gorm:"size:26;index;not null"`

	StartSeq int64 `gorm:"not null"`
	EndSeq   int64 `gorm:"not null"`

	// room:start-end:last message id, so a range of one branch is only ever queued once.
	IdempotencyKey *string `gorm:"type:varchar(128);uniqueIndex:uniq_memory_job_idempo" json:"idempotency_key"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Filled when succeeded
	ResultMemoryID *string `gorm:"size:26"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Job) TableName() string { return "memory_jobs" }
