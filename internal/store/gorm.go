package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/kubev2v/bot-runner/internal/config"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// sqliteParams makes writers wait for each other instead of failing with
// SQLITE_BUSY, and takes the write lock when a transaction begins.
const sqliteParams = "_busy_timeout=5000&_txlock=immediate"

// InitDB connects to the progress database described by cfg.Database.
func InitDB(cfg *config.Config) (*gorm.DB, error) {
	log := zap.S().Named("gorm")

	db, err := gorm.Open(dialector(cfg), &gorm.Config{
		Logger: logger.New(logrus.New(), logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
		}),
		TranslateError: true,
	})
	if err != nil {
		log.Errorf("failed to connect progress database: %v", err)
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("configuring connections: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)

	if isPostgres(cfg) {
		var version string
		if err := db.Raw("SELECT version()").Scan(&version).Error; err != nil {
			return nil, fmt.Errorf("reading server version: %w", err)
		}
		log.Infof("connected to %s", version)
	} else {
		log.Infow("using sqlite progress database", "path", cfg.Database.Name)
	}
	return db, nil
}

func isPostgres(cfg *config.Config) bool {
	return cfg.Database.Type == "pgsql"
}

func dialector(cfg *config.Config) gorm.Dialector {
	if !isPostgres(cfg) {
		dsn := cfg.Database.Name
		if !strings.Contains(dsn, "?") {
			dsn += "?" + sqliteParams
		}
		return sqlite.Open(dsn)
	}

	parts := []string{
		"host=" + cfg.Database.Hostname,
		"port=" + cfg.Database.Port,
		"user=" + cfg.Database.User,
		"password=" + cfg.Database.Password,
	}
	if cfg.Database.Name != "" {
		parts = append(parts, "dbname="+cfg.Database.Name)
	}
	return postgres.Open(strings.Join(parts, " "))
}
