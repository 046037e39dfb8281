package challenge

import (
	"context"
	"errors"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Bogeun-Kim/habit-stacker/internal/common"
	"github.com/Bogeun-Kim/habit-stacker/internal/logger"
	"github.com/Bogeun-Kim/habit-stacker/internal/media"
	"github.com/Bogeun-Kim/habit-stacker/internal/models"
)

const (
	PageSize     = 12
	PopularLimit = 12
)

type Service struct {
	db       *gorm.DB
	media    *media.Store
	validate *common.Validator
	log      *logger.Logger
}

func NewService(db *gorm.DB, store *media.Store, log *logger.Logger) *Service {
	return &Service{
		db:       db,
		media:    store,
		validate: common.NewValidator(),
		log:      log.With("service", "ChallengeService"),
	}
}

type Input struct {
	Category    string `json:"category" form:"category" validate:"required,oneof=Environment Exercise Health Sentiment Nutrition Hobby"`
	Title       string `json:"title" form:"title" validate:"required,max=100"`
	Description string `json:"description" form:"description" validate:"required"`
	Duration    string `json:"duration" form:"duration" validate:"omitempty,oneof='For 1 week' 'For 2 weeks' 'For 3 weeks' 'For 4 weeks'"`
	Image       []byte `json:"-"`
}

func (in *Input) normalize() {
	in.Category = strings.TrimSpace(in.Category)
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.Duration = strings.TrimSpace(in.Duration)
	if in.Duration == "" {
		in.Duration = string(models.Duration1Week)
	}
}

// Summary is a challenge with its participant count.
type Summary struct {
	models.Challenge
	ParticipantsCount int64 `json:"participants_count"`
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return common.ErrChallengeNotFound
	}
	return err
}

func (s *Service) storeImage(ctx context.Context, prefix string, raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	jpeg, err := media.Normalize(raw)
	if err != nil {
		return "", common.ErrInvalidImage.Wrap(err)
	}
	return s.media.Save(ctx, prefix, jpeg, media.ImageType)
}

func (s *Service) Create(ctx context.Context, creatorID uint64, in Input) (*models.Challenge, error) {
	in.normalize()
	if err := s.validate.Struct(&in); err != nil {
		return nil, err
	}
	key, err := s.storeImage(ctx, media.PrefixChallenge, in.Image)
	if err != nil {
		return nil, err
	}

	c := &models.Challenge{
		Category:    models.Category(in.Category),
		Title:       in.Title,
		Description: in.Description,
		Duration:    models.Duration(in.Duration),
		ImageKey:    key,
		CreatorID:   &creatorID,
	}
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, pkgerrors.Wrap(err, "create challenge")
	}
	s.log.Info("challenge created", "challenge_id", c.ID, "creator_id", creatorID)
	return c, nil
}

// Update is allowed only for the challenge's creator. A nil Image keeps the current one.
func (s *Service) Update(ctx context.Context, id, userID uint64, in Input) (*models.Challenge, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.CreatorID == nil || *c.CreatorID != userID {
		return nil, common.ErrForbidden
	}
	in.normalize()
	if err := s.validate.Struct(&in); err != nil {
		return nil, err
	}
	key, err := s.storeImage(ctx, media.PrefixChallenge, in.Image)
	if err != nil {
		return nil, err
	}

	c.Category = models.Category(in.Category)
	c.Title = in.Title
	c.Description = in.Description
	c.Duration = models.Duration(in.Duration)
	if key != "" {
		c.ImageKey = key
	}
	if err := s.db.WithContext(ctx).Save(c).Error; err != nil {
		return nil, pkgerrors.Wrap(err, "update challenge")
	}
	return c, nil
}

func (s *Service) Get(ctx context.Context, id uint64) (*models.Challenge, error) {
	var c models.Challenge
	if err := s.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// Detail returns the challenge, its participant count, and whether viewerID (0 for anonymous) joined it.
func (s *Service) Detail(ctx context.Context, id, viewerID uint64) (*Summary, bool, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	out := &Summary{Challenge: *c}
	if err := s.db.WithContext(ctx).Model(&models.ChallengeParticipant{}).
		Where("challenge_id = ?", id).
		Count(&out.ParticipantsCount).Error; err != nil {
		return nil, false, err
	}
	if viewerID == 0 {
		return out, false, nil
	}
	joined, err := s.IsParticipant(ctx, id, viewerID)
	if err != nil {
		return nil, false, err
	}
	return out, joined, nil
}

func (s *Service) IsParticipant(ctx context.Context, challengeID, userID uint64) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.ChallengeParticipant{}).
		Where("challenge_id = ? AND user_id = ?", challengeID, userID).
		Count(&n).Error
	return n > 0, err
}

// List returns one page (newest first) and the total. q filters by title substring.
func (s *Service) List(ctx context.Context, page int, q string) ([]models.Challenge, int64, error) {
	if page < 1 {
		page = 1
	}
	query := s.db.WithContext(ctx).Model(&models.Challenge{})
	if q = strings.TrimSpace(q); q != "" {
		query = query.Where("title LIKE ? ESCAPE '!'", "%"+escapeLike(q)+"%")
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var out []models.Challenge
	if err := query.Order("id DESC").
		Offset((page - 1) * PageSize).
		Limit(PageSize).
		Find(&out).Error; err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}

// Popular returns the challenges with the most participants.
func (s *Service) Popular(ctx context.Context) ([]Summary, error) {
	var out []Summary
	err := s.db.WithContext(ctx).
		Model(&models.Challenge{}).
		Select("challenges.*, COUNT(challenge_participants.id) AS participants_count").
		Joins("LEFT JOIN challenge_participants ON challenge_participants.challenge_id = challenges.id").
		Group("challenges.id").
		Order("participants_count DESC, challenges.id DESC").
		Limit(PopularLimit).
		Scan(&out).Error
	return out, err
}

// Join adds userID to the challenge. Joining twice is a no-op; the bool reports a new row.
func (s *Service) Join(ctx context.Context, challengeID, userID uint64) (*models.ChallengeParticipant, bool, error) {
	if _, err := s.Get(ctx, challengeID); err != nil {
		return nil, false, err
	}
	p := models.ChallengeParticipant{
		UserID:      userID,
		ChallengeID: challengeID,
		JoinedAt:    time.Now(),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&p)
	if res.Error != nil {
		return nil, false, pkgerrors.Wrap(res.Error, "join challenge")
	}
	created := res.RowsAffected > 0

	var stored models.ChallengeParticipant
	if err := s.db.WithContext(ctx).
		Where("challenge_id = ? AND user_id = ?", challengeID, userID).
		First(&stored).Error; err != nil {
		return nil, false, err
	}
	if created {
		s.log.Info("challenge joined", "challenge_id", challengeID, "user_id", userID)
	}
	return &stored, created, nil
}

type Brief struct {
	ID    uint64 `json:"id"`
	Title string `json:"title"`
}

// UserChallenges lists the challenges userID joined, most recent join first.
func (s *Service) UserChallenges(ctx context.Context, userID uint64) ([]Brief, error) {
	out := []Brief{}
	err := s.db.WithContext(ctx).
		Table("challenge_participants").
		Select("challenges.id AS id, challenges.title AS title").
		Joins("JOIN challenges ON challenges.id = challenge_participants.challenge_id").
		Where("challenge_participants.user_id = ?", userID).
		Order("challenge_participants.id DESC").
		Scan(&out).Error
	return out, err
}
