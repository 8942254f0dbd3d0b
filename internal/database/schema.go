package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Inference is the audit log of completed inferences. It doubles as the
// source for quota evaluation and per-node utilization statistics.
type Inference struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	NodeKey       string `gorm:"size:255;index"`
	PromptKey     string `gorm:"size:255;index"`
	PromptVersion string `gorm:"size:16"`
	UserKey       string `gorm:"size:255;index"`
	SessionId     string `gorm:"size:255"`

	RawInput   string `gorm:"type:text"`
	InferInput string `gorm:"type:text"`
	Response   string `gorm:"type:text"`

	InputTokens    int
	OutputTokens   int
	ElapsedSeconds float64

	Score    sql.NullInt32 // 1-5 stars
	Feedback sql.NullString

	CreatedTs time.Time `gorm:"index"`
	UpdatedTs sql.NullTime
}
