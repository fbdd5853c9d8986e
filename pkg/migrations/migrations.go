package migrations

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"os"

	"github.com/kubev2v/bot-runner/internal/config"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed sql/*.sql
var embedded embed.FS

// MigrateStore applies the schema migrations. The embedded migrations are used
// unless cfg.Service.MigrationFolder points to another folder.
func MigrateStore(ctx context.Context, db *gorm.DB, cfg *config.Config) error {
	fsys, err := migrationFS(cfg.Service.MigrationFolder)
	if err != nil {
		return err
	}

	dialect := goose.DialectPostgres
	if cfg.Database.Type != "pgsql" {
		dialect = goose.DialectSQLite3
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}

	provider, err := goose.NewProvider(dialect, sqlDB, fsys)
	if err != nil {
		return fmt.Errorf("creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	for _, r := range results {
		zap.S().Named("migrations").Infow("migration applied", "source", r.Source.Path, "duration", r.Duration)
	}
	return nil
}

func migrationFS(folder string) (fs.FS, error) {
	if folder == "" {
		return fs.Sub(embedded, "sql")
	}

	fi, err := os.Stat(folder)
	if err != nil {
		return nil, err
	}
	if !fi.Mode().IsDir() {
		return nil, fmt.Errorf("failed to open migration folder: %s is not a folder", folder)
	}
	return os.DirFS(folder), nil
}
