package audience

import "time"

// Recipient is a row of the recipient directory. ID is the cursor key.
type Recipient struct {
	ID              int64 `gorm:"primaryKey;autoIncrement"`
	ChatID          int64 `gorm:"uniqueIndex;not null"`
	SourceChannelID int64 `gorm:"index"`
	Blocked         bool  `gorm:"index;not null;default:false"`
	BlockedAt       *time.Time
	CreatedAt       time.Time `gorm:"autoCreateTime"`
}

func (Recipient) TableName() string { return "recipients" }

// Channel is a mandatory-subscription channel.
type Channel struct {
	ChannelID int64  `gorm:"primaryKey;autoIncrement:false"`
	Title     string `gorm:"size:255"`
	Active    bool   `gorm:"index;not null"`
}

func (Channel) TableName() string { return "channels" }

// Membership records that a recipient has joined a channel.
type Membership struct {
	RecipientID int64 `gorm:"primaryKey;autoIncrement:false"`
	ChannelID   int64 `gorm:"primaryKey;autoIncrement:false;index"`
	CreatedAt   time.Time
}

func (Membership) TableName() string { return "channel_memberships" }
