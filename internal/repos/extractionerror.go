package repos

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/watchedlabs/vframe/internal/pkg/logger"
	"github.com/watchedlabs/vframe/internal/types"
)

type ExtractionErrorRepo interface {
	// Record appends one failure row. A foreign-key violation (the code is
	// not yet present in content) is skipped silently.
	Record(ctx context.Context, tx *gorm.DB, code string, errText string, occurredAt time.Time) error
	ListByCode(ctx context.Context, tx *gorm.DB, code string) ([]*types.ExtractionError, error)
}

type extractionErrorRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewExtractionErrorRepo(db *gorm.DB, baseLog *logger.Logger) ExtractionErrorRepo {
	return &extractionErrorRepo{db: db, log: baseLog.With("repo", "ExtractionErrorRepo")}
}

func (r *extractionErrorRepo) Record(ctx context.Context, tx *gorm.DB, code string, errText string, occurredAt time.Time) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	row := &types.ExtractionError{
		Code:       code,
		Error:      errText,
		OccurredAt: occurredAt.UTC(),
	}
	if err := transaction.WithContext(ctx).Create(row).Error; err != nil {
		if isForeignKeyViolation(err) {
			r.log.Debug("extraction error skipped, code not in content", "code", code)
			return nil
		}
		return err
	}
	return nil
}

func (r *extractionErrorRepo) ListByCode(ctx context.Context, tx *gorm.DB, code string) ([]*types.ExtractionError, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}

	var rows []*types.ExtractionError
	if err := transaction.WithContext(ctx).
		Where("code = ?", code).
		Order("occurred_at ASC").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	// sqlite (tests) reports FK failures as plain text.
	return strings.Contains(strings.ToUpper(err.Error()), "FOREIGN KEY")
}
