package store

import (
	"fmt"
	"log/slog"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"pagetrace/internal/config"
)

type postgresDialect struct{}

func (postgresDialect) HourBucketExpr(column string) string {
	return fmt.Sprintf("to_char(date_trunc('hour', %s), 'YYYY-MM-DD HH24:00')", column)
}

func (postgresDialect) DayBucketExpr(column string) string {
	return fmt.Sprintf("to_char(date_trunc('day', %s), 'YYYY-MM-DD')", column)
}

func (postgresDialect) EpochDiffExpr(later, earlier string) string {
	return fmt.Sprintf("EXTRACT(EPOCH FROM (%s - %s))", later, earlier)
}

// NewPostgres opens the Postgres backend using the configured DSN.
func NewPostgres(cfg *config.Config, logger *slog.Logger) (*SQLStore, error) {
	db, err := gorm.Open(postgres.Open(cfg.DatabaseDSN), &gorm.Config{
		Logger: gormLogLevel(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if err := configurePool(db, cfg); err != nil {
		return nil, err
	}

	logger.Info("Connected to Postgres database")
	return &SQLStore{db: db, dialect: postgresDialect{}, logger: logger}, nil
}

// New opens the backend selected by configuration.
func New(cfg *config.Config, logger *slog.Logger) (*SQLStore, error) {
	switch cfg.DatabaseType {
	case config.PostgresDatabase:
		return NewPostgres(cfg, logger)
	default:
		return NewSQLite(cfg, logger)
	}
}
