package repository

import "time"

// MessageRecord mirrors the messaging subsystem's messages table.
type MessageRecord struct {
	ID                int64     `gorm:"primaryKey"`
	SenderID          int64     `gorm:"index;not null"`
	Body              string    `gorm:"not null"`
	NeedsManualReview bool      `gorm:"not null;default:false"`
	ReviewReason      *string   ``
	CreatedAt         time.Time `gorm:"index;not null"`
}

func (MessageRecord) TableName() string { return "messages" }

// UserRecord mirrors the subset of the users table the billing core reads.
type UserRecord struct {
	ID    int64  `gorm:"primaryKey"`
	Email string `gorm:"not null"`
	Name  string `gorm:"not null"`
	Role  string `gorm:"not null"`
}

func (UserRecord) TableName() string { return "users" }

const RoleClient = "client"
