package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"pagetrace/internal/config"
)

type sqliteDialect struct{}

func (sqliteDialect) HourBucketExpr(column string) string {
	return fmt.Sprintf("strftime('%%Y-%%m-%%d %%H:00', %s)", column)
}

func (sqliteDialect) DayBucketExpr(column string) string {
	return fmt.Sprintf("strftime('%%Y-%%m-%%d', %s)", column)
}

func (sqliteDialect) EpochDiffExpr(later, earlier string) string {
	return fmt.Sprintf("(julianday(%s) - julianday(%s)) * 86400.0", later, earlier)
}

// NewSQLite opens the SQLite backend at the configured path with WAL and a
// busy timeout, creating the storage directory if needed.
func NewSQLite(cfg *config.Config, logger *slog.Logger) (*SQLStore, error) {
	path := cfg.GetDatabasePath()
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_loc=UTC"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogLevel(cfg),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if err := configurePool(db, cfg); err != nil {
		return nil, err
	}

	logger.Info("Connected to SQLite database", slog.String("path", path))
	return &SQLStore{db: db, dialect: sqliteDialect{}, logger: logger}, nil
}

// NewSQLiteFromDB wraps an already-open sqlite connection. Used by the test
// harness, which manages the connection lifecycle itself.
func NewSQLiteFromDB(db *gorm.DB, logger *slog.Logger) *SQLStore {
	return &SQLStore{db: db, dialect: sqliteDialect{}, logger: logger}
}

func gormLogLevel(cfg *config.Config) gormlogger.Interface {
	if cfg.IsDevelopment() {
		return gormlogger.Default.LogMode(gormlogger.Warn)
	}
	return gormlogger.Default.LogMode(gormlogger.Silent)
}

func configurePool(db *gorm.DB, cfg *config.Config) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.GetMaxOpenConns())
	sqlDB.SetMaxIdleConns(cfg.GetMaxIdleConns())
	return nil
}
