package chat

import (
	"time"

	"gorm.io/datatypes"
)

// Message is one line of a user's conversation about a challenge.
// UserID is nil for AI replies; OwnerID always names the conversation's user.
type Message struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	ChallengeID uint64    `gorm:"not null;index:idx_chat_msg_conversation,priority:1" json:"challenge_id"`
	OwnerID     uint64    `gorm:"not null;index:idx_chat_msg_conversation,priority:2" json:"-"`
	UserID      *uint64   `gorm:"index" json:"user_id"`
	Message     string    `gorm:"type:text;not null" json:"message"`
	ImageKey    string    `gorm:"type:varchar(255)" json:"-"`
	IsAI        bool      `gorm:"not null;default:false" json:"is_ai"`
	CreatedAt   time.Time `json:"timestamp"`
}

func (Message) TableName() string { return "chat_messages" }

// Snapshot is the part of a challenge the assistant instructions are built from.
type Snapshot struct {
	Title       string `json:"title"`
	Duration    string `json:"duration"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// ChallengeAssistant remembers which remote assistant serves a challenge.
type ChallengeAssistant struct {
	ID          uint64                       `gorm:"primaryKey;autoIncrement"`
	ChallengeID uint64                       `gorm:"not null;uniqueIndex"`
	AssistantID string                       `gorm:"type:varchar(64);not null"`
	Name        string                       `gorm:"type:varchar(128);not null"`
	Model       string                       `gorm:"type:varchar(64);not null"`
	Snapshot    datatypes.JSONType[Snapshot] `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (ChallengeAssistant) TableName() string { return "chat_assistants" }
