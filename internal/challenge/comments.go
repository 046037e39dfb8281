package challenge

import (
	"context"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/Bogeun-Kim/habit-stacker/internal/common"
	"github.com/Bogeun-Kim/habit-stacker/internal/models"
)

type CommentRow struct {
	models.Comment
	CommentUser string
}

// ListComments returns comments on one authentication, newest first.
func (s *Service) ListComments(ctx context.Context, challengeID, userID uint64, seq int) ([]CommentRow, error) {
	if _, err := s.GetAuthentication(ctx, challengeID, userID, seq); err != nil {
		return nil, err
	}
	out := []CommentRow{}
	err := s.db.WithContext(ctx).
		Model(&models.Comment{}).
		Select("comments.*, users.username AS comment_user").
		Joins("LEFT JOIN users ON users.id = comments.commenter_id").
		Where("comments.challenge_id = ? AND comments.user_id = ? AND comments.auth_seq = ?", challengeID, userID, seq).
		Order("comments.created_at DESC, comments.id DESC").
		Find(&out).Error
	return out, err
}

func (s *Service) AddComment(ctx context.Context, challengeID, userID uint64, seq int, commenterID uint64, text string) (*CommentRow, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, common.ErrEmptyComment
	}
	if _, err := s.GetAuthentication(ctx, challengeID, userID, seq); err != nil {
		return nil, err
	}

	c := models.Comment{
		ChallengeID: challengeID,
		UserID:      userID,
		AuthSeq:     seq,
		CommenterID: commenterID,
		Text:        text,
	}
	if err := s.db.WithContext(ctx).Create(&c).Error; err != nil {
		return nil, pkgerrors.Wrap(err, "add comment")
	}

	var commenter models.User
	if err := s.db.WithContext(ctx).Select("username").First(&commenter, commenterID).Error; err != nil {
		return nil, err
	}
	return &CommentRow{Comment: c, CommentUser: commenter.Username}, nil
}
