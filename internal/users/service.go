package users

import (
	"context"
	"errors"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"
	"gorm.io/gorm"

	"github.com/Bogeun-Kim/habit-stacker/internal/auth"
	"github.com/Bogeun-Kim/habit-stacker/internal/common"
	"github.com/Bogeun-Kim/habit-stacker/internal/logger"
	"github.com/Bogeun-Kim/habit-stacker/internal/models"
)

// Revoker remembers logged-out token ids until they expire.
type Revoker interface {
	RevokeToken(ctx context.Context, jti string, ttl time.Duration) error
}

type Service struct {
	db       *gorm.DB
	revoker  Revoker
	secret   string
	ttl      time.Duration
	validate *common.Validator
	log      *logger.Logger
}

func NewService(db *gorm.DB, revoker Revoker, secret string, ttl time.Duration, log *logger.Logger) *Service {
	return &Service{
		db:       db,
		revoker:  revoker,
		secret:   secret,
		ttl:      ttl,
		validate: common.NewValidator(),
		log:      log.With("service", "UserService"),
	}
}

type SignupInput struct {
	Email           string `json:"email" form:"email" validate:"required,email,max=254"`
	Password        string `json:"password" form:"password" validate:"required,min=8,max=128"`
	PasswordConfirm string `json:"password_confirm" form:"password_confirm" validate:"required"`
}

type LoginInput struct {
	Email    string `json:"email" form:"email" validate:"required,email"`
	Password string `json:"password" form:"password" validate:"required"`
}

// Session is a signed access token for a user.
type Session struct {
	User      *models.User
	Token     string
	ExpiresAt time.Time
}

func (s *Service) Signup(ctx context.Context, in SignupInput) (*Session, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := s.validate.Struct(&in); err != nil {
		return nil, err
	}
	if in.Password != in.PasswordConfirm {
		return nil, common.ErrPasswordMismatch
	}

	var n int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("email = ?", in.Email).Count(&n).Error; err != nil {
		return nil, err
	}
	if n > 0 {
		return nil, common.ErrUserExists
	}

	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "hash password")
	}
	user := &models.User{
		Email:        in.Email,
		Username:     strings.SplitN(in.Email, "@", 2)[0],
		PasswordHash: hash,
	}
	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		// lost a race on the unique email index
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, common.ErrUserExists
		}
		return nil, pkgerrors.Wrap(err, "create user")
	}
	s.log.Info("user signed up", "user_id", user.ID)
	return s.issue(user)
}

func (s *Service) Login(ctx context.Context, in LoginInput) (*Session, error) {
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := s.validate.Struct(&in); err != nil {
		return nil, common.ErrInvalidCredentials
	}
	var user models.User
	err := s.db.WithContext(ctx).Where("email = ?", in.Email).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !auth.CheckPassword(user.PasswordHash, in.Password) {
		return nil, common.ErrInvalidCredentials
	}
	return s.issue(&user)
}

func (s *Service) issue(user *models.User) (*Session, error) {
	token, err := auth.SignJWT(user.ID, s.secret, s.ttl)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "sign token")
	}
	return &Session{User: user, Token: token, ExpiresAt: time.Now().Add(s.ttl)}, nil
}

// Logout revokes the token id until the token would have expired.
func (s *Service) Logout(ctx context.Context, jti string, expiresAt time.Time) error {
	if jti == "" {
		return nil
	}
	return s.revoker.RevokeToken(ctx, jti, time.Until(expiresAt))
}

func (s *Service) Get(ctx context.Context, id uint64) (*models.User, error) {
	var u models.User
	err := s.db.WithContext(ctx).First(&u, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, common.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}
