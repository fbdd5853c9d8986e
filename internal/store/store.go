package store

import (
	"context"
	"fmt"

	"github.com/kubev2v/bot-runner/internal/config"
	"github.com/kubev2v/bot-runner/internal/store/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Progress holds one record per job. Every write is atomic per job id and
// goes through model.ProgressRecord.Apply, so all backends enforce the same
// lifecycle.
type Progress interface {
	Create(ctx context.Context, record model.ProgressRecord) error
	Update(ctx context.Context, jobID string, update model.ProgressUpdate) (*model.ProgressRecord, error)
	Get(ctx context.Context, jobID string) (*model.ProgressRecord, error)
	List(ctx context.Context, opts *ListOptions) ([]model.ProgressRecord, error)
	Purge(ctx context.Context, filter *PurgeFilter) (int64, error)
}

type Store interface {
	Progress() Progress
	Close() error
}

const (
	BackendSQL    = "sql"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Open builds the store selected by cfg.Store.Backend.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Store.Backend {
	case BackendSQL, "":
		db, err := InitDB(cfg)
		if err != nil {
			return nil, err
		}
		return NewStore(db), nil
	case BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Store.RedisAddr,
			Password:     cfg.Store.RedisPassword,
			DB:           cfg.Store.RedisDB,
			ReadTimeout:  cfg.Store.RedisTimeout,
			WriteTimeout: cfg.Store.RedisTimeout,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis: failed to ping server: %w", err)
		}
		zap.S().Named("store").Infof("using redis progress store at %s", cfg.Store.RedisAddr)
		return NewRedisStore(client, cfg.Store.RedisPrefix), nil
	case BackendMemory:
		zap.S().Named("store").Warn("using in-memory progress store, records are lost on restart")
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

type DataStore struct {
	db       *gorm.DB
	progress Progress
}

func NewStore(db *gorm.DB) Store {
	return &DataStore{
		db:       db,
		progress: NewProgressStore(db),
	}
}

func (s *DataStore) Progress() Progress {
	return s.progress
}

func (s *DataStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CountByStatus groups the records of p by status.
func CountByStatus(ctx context.Context, p Progress) (map[model.JobStatus]int, error) {
	records, err := p.List(ctx, nil)
	if err != nil {
		return nil, err
	}
	counts := make(map[model.JobStatus]int, 4)
	for _, r := range records {
		counts[r.Status]++
	}
	return counts, nil
}
