package models

import (
	"time"

	"github.com/joshu-sajeev/kapublish/internal/config"
	"gorm.io/datatypes"
)

// Job is one knowledge asset publish tracked through its lifecycle.
// Schema is owned by the goose migrations in storage/postgres/migrations.
type Job struct {
	ID            string          `gorm:"primaryKey;type:varchar(36)"`
	SourceID      string          `gorm:"type:varchar(255);not null"`
	Source        string          `gorm:"type:varchar(255);not null"`
	Payload       datatypes.JSON  `gorm:"type:jsonb;not null"`
	State         config.JobState `gorm:"type:varchar(32);not null"`
	Attempts      int             `gorm:"not null;default:0"`
	MaxAttempts   int             `gorm:"not null"`
	Priority      int             `gorm:"not null"`
	LastError     datatypes.JSON  `gorm:"type:jsonb"`
	Result        datatypes.JSON  `gorm:"type:jsonb"`
	NextAttemptAt *time.Time
	ClaimedBy     string    `gorm:"type:varchar(255)"`
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

func (Job) TableName() string { return "publish_jobs" }
