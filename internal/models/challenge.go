package models

import "time"

type Category string

const (
	CategoryEnvironment Category = "Environment"
	CategoryExercise    Category = "Exercise"
	CategoryHealth      Category = "Health"
	CategorySentiment   Category = "Sentiment"
	CategoryNutrition   Category = "Nutrition"
	CategoryHobby       Category = "Hobby"
)

type Duration string

const (
	Duration1Week  Duration = "For 1 week"
	Duration2Weeks Duration = "For 2 weeks"
	Duration3Weeks Duration = "For 3 weeks"
	Duration4Weeks Duration = "For 4 weeks"
)

type Challenge struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	Category    Category  `gorm:"type:varchar(20);index;not null" json:"category"`
	Title       string    `gorm:"type:varchar(100);index;not null" json:"title"`
	Description string    `gorm:"type:text;not null" json:"description"`
	Duration    Duration  `gorm:"type:varchar(20);not null;default:'For 1 week'" json:"duration"`
	ImageKey    string    `gorm:"type:varchar(255)" json:"-"`
	CreatorID   *uint64   `gorm:"index" json:"creator_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type ChallengeParticipant struct {
	ID                  uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID              uint64     `gorm:"not null;uniqueIndex:uniq_participant,priority:1" json:"user_id"`
	ChallengeID         uint64     `gorm:"not null;index;uniqueIndex:uniq_participant,priority:2" json:"challenge_id"`
	JoinedAt            time.Time  `gorm:"not null" json:"joined_at"`
	IsVerified          bool       `gorm:"not null;default:false" json:"is_verified"`
	LastAuthenticatedAt *time.Time `json:"last_authenticated_at"`
}

// Authentication is a verification post. Seq counts from 1 per (challenge, user).
type Authentication struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ChallengeID uint64    `gorm:"not null;uniqueIndex:uniq_auth_seq,priority:1" json:"challenge_id"`
	UserID      uint64    `gorm:"not null;index;uniqueIndex:uniq_auth_seq,priority:2" json:"user_id"`
	Seq         int       `gorm:"column:seq;not null;uniqueIndex:uniq_auth_seq,priority:3" json:"index"`
	Text        string    `gorm:"type:text;not null" json:"text"`
	FileKey     string    `gorm:"type:varchar(255)" json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Comment struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ChallengeID uint64    `gorm:"not null;index:idx_comment_target,priority:1" json:"challenge_id"`
	UserID      uint64    `gorm:"not null;index:idx_comment_target,priority:2" json:"user_id"`
	AuthSeq     int       `gorm:"not null;index:idx_comment_target,priority:3" json:"authentication_id"`
	CommenterID uint64    `gorm:"not null;index" json:"commenter_id"`
	Text        string    `gorm:"type:text;not null" json:"text"`
	CreatedAt   time.Time `json:"created_at"`
}
