package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	apperrors "github.com/watchedlabs/vframe/internal/pkg/errors"
	"github.com/watchedlabs/vframe/internal/pkg/logger"
	"github.com/watchedlabs/vframe/internal/types"
)

// Cursor is the stable pagination position over content rows. The composite
// (created_at, id) sort key keeps pages stable under concurrent insertions.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

func (c Cursor) IsZero() bool {
	return c.ID == uuid.Nil && c.CreatedAt.IsZero()
}

type ContentRepo interface {
	Create(ctx context.Context, tx *gorm.DB, rows []*types.Content) ([]*types.Content, error)
	GetByCode(ctx context.Context, tx *gorm.DB, code string) (*types.Content, error)
	PendingAfter(ctx context.Context, tx *gorm.DB, after Cursor, limit int) ([]*types.Content, error)
	MarkProcessed(ctx context.Context, tx *gorm.DB, code string, cropped bool) error
}

type contentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewContentRepo(db *gorm.DB, baseLog *logger.Logger) ContentRepo {
	return &contentRepo{db: db, log: baseLog.With("repo", "ContentRepo")}
}

func (r *contentRepo) Create(ctx context.Context, tx *gorm.DB, rows []*types.Content) ([]*types.Content, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	if len(rows) == 0 {
		return []*types.Content{}, nil
	}

	if err := transaction.WithContext(ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *contentRepo) GetByCode(ctx context.Context, tx *gorm.DB, code string) (*types.Content, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var row types.Content
	if err := transaction.WithContext(ctx).
		Where("code = ?", code).
		First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("content %s: %w", code, apperrors.ErrNotFound)
		}
		return nil, err
	}
	return &row, nil
}

func (r *contentRepo) PendingAfter(ctx context.Context, tx *gorm.DB, after Cursor, limit int) ([]*types.Content, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		return []*types.Content{}, nil
	}

	q := transaction.WithContext(ctx).
		Where("is_extracted = ?", false)

	if !after.IsZero() {
		q = q.Where(
			"(created_at > ?) OR (created_at = ? AND id > ?)",
			after.CreatedAt, after.CreatedAt, after.ID,
		)
	}

	var rows []*types.Content
	if err := q.
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *contentRepo) MarkProcessed(ctx context.Context, tx *gorm.DB, code string, cropped bool) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	updates := map[string]interface{}{
		"is_downloaded": true,
		"is_extracted":  true,
		"is_embedded":   true,
		"updated_at":    time.Now().UTC(),
	}
	if cropped {
		updates["is_cropped"] = true
	}

	return transaction.WithContext(ctx).
		Model(&types.Content{}).
		Where("code = ?", code).
		Updates(updates).Error
}
