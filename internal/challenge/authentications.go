package challenge

import (
	"context"
	"errors"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/Bogeun-Kim/habit-stacker/internal/common"
	"github.com/Bogeun-Kim/habit-stacker/internal/media"
	"github.com/Bogeun-Kim/habit-stacker/internal/models"
)

const maxSeqAttempts = 3

// AuthenticationRow is an authentication joined with its author's username.
type AuthenticationRow struct {
	models.Authentication
	Username string
}

// SubmitAuthentication records a verification post whose image (if any) is already stored under fileKey.
// Seq is one past the user's latest seq for the challenge. The participant row, when present,
// is marked verified.
func (s *Service) SubmitAuthentication(ctx context.Context, challengeID, userID uint64, text, fileKey string) (*models.Authentication, error) {
	if _, err := s.Get(ctx, challengeID); err != nil {
		return nil, err
	}

	var (
		out models.Authentication
		err error
	)
	// a concurrent submission can take the same seq; the unique index rejects
	// the loser, which then reads MAX(seq) again
	for attempt := 1; attempt <= maxSeqAttempts; attempt++ {
		err = s.insertAuthentication(ctx, challengeID, userID, text, fileKey, &out)
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			break
		}
		s.log.Warn("authentication seq taken, retrying", "challenge_id", challengeID, "user_id", userID, "attempt", attempt)
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "submit authentication")
	}
	s.log.Info("authentication submitted", "challenge_id", challengeID, "user_id", userID, "index", out.Seq)
	return &out, nil
}

func (s *Service) insertAuthentication(ctx context.Context, challengeID, userID uint64, text, fileKey string, out *models.Authentication) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last int
		if err := tx.Model(&models.Authentication{}).
			Where("challenge_id = ? AND user_id = ?", challengeID, userID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&last).Error; err != nil {
			return err
		}

		*out = models.Authentication{
			ChallengeID: challengeID,
			UserID:      userID,
			Seq:         last + 1,
			Text:        text,
			FileKey:     fileKey,
		}
		if err := tx.Create(out).Error; err != nil {
			return err
		}

		now := time.Now()
		return tx.Model(&models.ChallengeParticipant{}).
			Where("challenge_id = ? AND user_id = ?", challengeID, userID).
			Updates(map[string]any{"is_verified": true, "last_authenticated_at": now}).Error
	})
}

// SubmitAuthenticationUpload normalizes and stores an uploaded image, then submits.
func (s *Service) SubmitAuthenticationUpload(ctx context.Context, challengeID, userID uint64, text string, image []byte) (*models.Authentication, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(image) == 0 {
		return nil, common.ErrInvalidInput
	}
	if _, err := s.Get(ctx, challengeID); err != nil {
		return nil, err
	}
	key, err := s.storeImage(ctx, media.PrefixAuthentication, image)
	if err != nil {
		return nil, err
	}
	return s.SubmitAuthentication(ctx, challengeID, userID, text, key)
}

func (s *Service) GetAuthentication(ctx context.Context, challengeID, userID uint64, seq int) (*AuthenticationRow, error) {
	var row AuthenticationRow
	err := s.authQuery(ctx).
		Where("authentications.challenge_id = ? AND authentications.user_id = ? AND authentications.seq = ?", challengeID, userID, seq).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.ErrAuthenticationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

// EditAuthentication changes the caller's own post. Empty text keeps the old text; nil image keeps the old file.
func (s *Service) EditAuthentication(ctx context.Context, challengeID, userID uint64, seq int, text string, image []byte) (*models.Authentication, error) {
	var a models.Authentication
	err := s.db.WithContext(ctx).
		Where("challenge_id = ? AND user_id = ? AND seq = ?", challengeID, userID, seq).
		First(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.ErrAuthenticationNotFound
	}
	if err != nil {
		return nil, err
	}

	if t := strings.TrimSpace(text); t != "" {
		a.Text = t
	}
	key, err := s.storeImage(ctx, media.PrefixAuthentication, image)
	if err != nil {
		return nil, err
	}
	if key != "" {
		a.FileKey = key
	}
	if err := s.db.WithContext(ctx).Save(&a).Error; err != nil {
		return nil, pkgerrors.Wrap(err, "edit authentication")
	}
	return &a, nil
}

// ListAuthentications returns a challenge's posts newest first. userID 0 means everyone.
func (s *Service) ListAuthentications(ctx context.Context, challengeID, userID uint64) ([]AuthenticationRow, error) {
	if _, err := s.Get(ctx, challengeID); err != nil {
		return nil, err
	}
	q := s.authQuery(ctx).Where("authentications.challenge_id = ?", challengeID)
	if userID != 0 {
		q = q.Where("authentications.user_id = ?", userID)
	}
	out := []AuthenticationRow{}
	if err := q.Order("authentications.created_at DESC, authentications.id DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) authQuery(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx).
		Model(&models.Authentication{}).
		Select("authentications.*, users.username AS username").
		Joins("LEFT JOIN users ON users.id = authentications.user_id")
}
