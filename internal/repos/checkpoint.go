package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/watchedlabs/vframe/internal/pkg/logger"
	"github.com/watchedlabs/vframe/internal/types"
)

const checkpointRowID = 1

type CheckpointRepo interface {
	Get(ctx context.Context, tx *gorm.DB) (*types.ExtractionCheckpoint, error)
	// Set upserts the single checkpoint row atomically.
	Set(ctx context.Context, tx *gorm.DB, lastID uuid.UUID, lastCreatedAt time.Time) error
}

type checkpointRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewCheckpointRepo(db *gorm.DB, baseLog *logger.Logger) CheckpointRepo {
	return &checkpointRepo{db: db, log: baseLog.With("repo", "CheckpointRepo")}
}

func (r *checkpointRepo) Get(ctx context.Context, tx *gorm.DB) (*types.ExtractionCheckpoint, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var row types.ExtractionCheckpoint
	err := transaction.WithContext(ctx).
		Where("id = ?", checkpointRowID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *checkpointRepo) Set(ctx context.Context, tx *gorm.DB, lastID uuid.UUID, lastCreatedAt time.Time) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	row := &types.ExtractionCheckpoint{
		ID:            checkpointRowID,
		LastID:        lastID,
		LastCreatedAt: lastCreatedAt.UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	return transaction.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_id", "last_created_at", "updated_at"}),
		}).
		Create(row).Error
}
