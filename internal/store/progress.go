package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kubev2v/bot-runner/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ProgressStore struct {
	db *gorm.DB
}

// Make sure we conform to Progress interface
var _ Progress = (*ProgressStore)(nil)

func NewProgressStore(db *gorm.DB) Progress {
	return &ProgressStore{db: db}
}

func (p *ProgressStore) Create(ctx context.Context, record model.ProgressRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	result := p.db.WithContext(ctx).Create(&record)
	if result.Error == nil {
		return nil
	}
	if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
		return ErrDuplicateKey
	}
	// not every driver translates constraint errors
	var count int64
	if err := p.db.WithContext(ctx).Model(&model.ProgressRecord{}).Where("job_id = ?", record.JobID).Count(&count).Error; err == nil && count > 0 {
		return ErrDuplicateKey
	}
	return fmt.Errorf("creating progress record: %w", result.Error)
}

func (p *ProgressStore) Update(ctx context.Context, jobID string, update model.ProgressUpdate) (*model.ProgressRecord, error) {
	var updated model.ProgressRecord

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current model.ProgressRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&current, "job_id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrRecordNotFound
			}
			return fmt.Errorf("querying progress record: %w", err)
		}

		next, err := current.Apply(update, time.Now().UTC())
		if err != nil {
			return err
		}

		if err := tx.Save(&next).Error; err != nil {
			return fmt.Errorf("updating progress record: %w", err)
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &updated, nil
}

func (p *ProgressStore) Get(ctx context.Context, jobID string) (*model.ProgressRecord, error) {
	var record model.ProgressRecord
	result := p.db.WithContext(ctx).First(&record, "job_id = ?", jobID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, fmt.Errorf("querying progress record: %w", result.Error)
	}
	return &record, nil
}

func (p *ProgressStore) List(ctx context.Context, opts *ListOptions) ([]model.ProgressRecord, error) {
	if opts == nil {
		opts = NewListOptions()
	}

	tx := p.db.WithContext(ctx).Model(&model.ProgressRecord{})
	for _, fn := range opts.queryFn() {
		tx = fn(tx)
	}

	var records []model.ProgressRecord
	if err := tx.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("listing progress records: %w", err)
	}
	return records, nil
}

func (p *ProgressStore) Purge(ctx context.Context, filter *PurgeFilter) (int64, error) {
	if filter == nil {
		filter = NewPurgeFilter()
	}

	tx := p.db.WithContext(ctx)
	for _, fn := range filter.queryFn() {
		tx = fn(tx)
	}

	result := tx.Delete(&model.ProgressRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("purging progress records: %w", result.Error)
	}
	return result.RowsAffected, nil
}
