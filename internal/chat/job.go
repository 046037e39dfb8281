package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is an AI reply to produce in the background for an already stored user message.
type Job struct {
	ID string `gorm:"primaryKey;size:26" json:"id"` // ULID

	UserID        uint64 `gorm:"not null;index:uniq_chat_job_idempo,unique,priority:1" json:"-"`
	ChallengeID   uint64 `gorm:"not null;index" json:"challenge_id"`
	UserMessageID uint64 `gorm:"not null" json:"user_message_id"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_chat_job_idempo,unique,priority:2" json:"-"`

	Status   JobStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	Attempts int       `gorm:"not null;default:0" json:"attempts"`

	ResultMessageID *uint64 `json:"result_message_id"`
	Error           *string `gorm:"type:text" json:"error"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Job) TableName() string { return "chat_jobs" }
