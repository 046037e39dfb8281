package chat

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Bogeun-Kim/habit-stacker/internal/models"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) GetChallenge(ctx context.Context, id uint64) (*models.Challenge, error) {
	var c models.Challenge
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) GetUser(ctx context.Context, id uint64) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *Repo) GetMessage(ctx context.Context, id uint64) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).First(&m, id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ListConversationDesc returns one page of a conversation in DESC id order (newest -> oldest).
func (r *Repo) ListConversationDesc(ctx context.Context, challengeID, ownerID uint64, offset, limit int) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("challenge_id = ? AND owner_id = ?", challengeID, ownerID).
		Order("id DESC").
		Offset(offset).
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// GetAssistant returns nil, nil when the challenge has no assistant yet.
func (r *Repo) GetAssistant(ctx context.Context, challengeID uint64) (*ChallengeAssistant, error) {
	var a ChallengeAssistant
	err := r.db.WithContext(ctx).Where("challenge_id = ?", challengeID).First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *Repo) UpsertAssistant(ctx context.Context, a *ChallengeAssistant) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "challenge_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"assistant_id", "name", "model", "snapshot", "updated_at"}),
	}).Create(a).Error
}

func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// ClaimJob moves a queued job to running. It reports false when the job was
// not queued, so a second delivery of the same job does nothing.
func (r *Repo) ClaimJob(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Updates(map[string]any{
			"status":   JobRunning,
			"attempts": gorm.Expr("attempts + 1"),
		})
	return res.RowsAffected == 1, res.Error
}

// RequeueUnstartedJob puts a failed job that no worker ever claimed back in
// the queue.
func (r *Repo) RequeueUnstartedJob(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ? AND attempts = 0", id, JobFailed).
		Updates(map[string]any{"status": JobQueued, "error": nil})
	return res.RowsAffected == 1, res.Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, aiMsgID uint64) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobSucceeded,
			"result_message_id": aiMsgID,
			"error":             nil,
		}).Error
}

func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": nil,
		}).Error
}

func (r *Repo) GetJobByUserAndIdempotencyKey(ctx context.Context, userID uint64, key string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting creates job, or returns the job already stored under the
// same (user_id, idempotency_key). The bool reports whether job was created.
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

	existing, getErr := r.GetJobByUserAndIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
