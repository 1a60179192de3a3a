package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Content is one source video known to the metadata store. `code` is unique
// within a platform; the processing flags are flipped by the batch driver
// after vector-store verification.
type Content struct {
	ID       uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Platform string    `gorm:"column:platform;not null;index:idx_content_platform_code,priority:1" json:"platform"`
	Code     string    `gorm:"column:code;not null;uniqueIndex;index:idx_content_platform_code,priority:2" json:"code"`

	IsDownloaded bool `gorm:"column:is_downloaded;not null;default:false" json:"is_downloaded"`
	IsCropped    bool `gorm:"column:is_cropped;not null;default:false" json:"is_cropped"`
	IsExtracted  bool `gorm:"column:is_extracted;not null;default:false;index" json:"is_extracted"`
	IsEmbedded   bool `gorm:"column:is_embedded;not null;default:false" json:"is_embedded"`

	CreatedAt time.Time `gorm:"not null;index:idx_content_cursor,priority:1" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Content) TableName() string { return "content" }

func (c *Content) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// ExtractionError is an append-only record written when an item fails all
// retries.
type ExtractionError struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Code       string    `gorm:"column:code;not null;index" json:"code"`
	Error      string    `gorm:"column:error;not null" json:"error"`
	OccurredAt time.Time `gorm:"column:occurred_at;not null" json:"occurred_at"`
}

func (ExtractionError) TableName() string { return "extraction_errors" }

// ExtractionCheckpoint is the single-row resume marker. `LastID` together
// with `LastCreatedAt` forms the stable composite cursor.
type ExtractionCheckpoint struct {
	ID            int       `gorm:"primaryKey" json:"id"`
	LastID        uuid.UUID `gorm:"column:last_id;type:uuid" json:"last_id"`
	LastCreatedAt time.Time `gorm:"column:last_created_at" json:"last_created_at"`
	UpdatedAt     time.Time `gorm:"not null" json:"updated_at"`
}

func (ExtractionCheckpoint) TableName() string { return "extraction_checkpoint" }
