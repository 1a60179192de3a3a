package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/watchedlabs/vframe/internal/config"
	"github.com/watchedlabs/vframe/internal/pkg/logger"
	"github.com/watchedlabs/vframe/internal/types"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(log *logger.Logger, cfg config.PostgresConfig) (*PostgresService, error) {
	serviceLog := log.With("service", "PostgresService")

	serviceLog.Info("Connecting to Postgres...")
	gdb, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	return &PostgresService{db: gdb, log: serviceLog}, nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	if err := s.db.AutoMigrate(
		&types.Content{},
		&types.ExtractionError{},
		&types.ExtractionCheckpoint{},
	); err != nil {
		s.log.Error("Auto migration failed for postgres tables", "error", err)
		return err
	}
	if err := s.db.Exec(`
		ALTER TABLE "extraction_errors"
		ADD CONSTRAINT "fk_extraction_errors_code"
		FOREIGN KEY ("code")
		REFERENCES "content"("code")
		ON DELETE CASCADE
	`).Error; err != nil {
		// Re-running migrations hits the existing constraint; that is fine.
		s.log.Debug("fk_extraction_errors_code not added", "error", err)
	}
	return nil
}

func (s *PostgresService) DB() *gorm.DB {
	return s.db
}
