package store

import (
	"slices"
	"strings"
	"time"

	"github.com/kubev2v/bot-runner/internal/store/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type SortOrder int

const (
	SortByRow SortOrder = iota
	SortByStartTime
	SortByJobID
)

// ParseSortOrder maps the API names of the sort orders. Unknown names sort by row.
func ParseSortOrder(s string) SortOrder {
	switch strings.ToLower(s) {
	case "start_time":
		return SortByStartTime
	case "job_id":
		return SortByJobID
	default:
		return SortByRow
	}
}

// ListOptions is understood by every backend. The sql backend turns it into
// query functions, the other backends filter and sort in memory.
type ListOptions struct {
	sort     SortOrder
	desc     bool
	statuses []model.JobStatus
	variant  string
	limit    int
}

func NewListOptions() *ListOptions {
	return &ListOptions{sort: SortByRow}
}

func (o *ListOptions) WithSortOrder(sort SortOrder) *ListOptions {
	o.sort = sort
	return o
}

func (o *ListOptions) Descending() *ListOptions {
	o.desc = true
	return o
}

func (o *ListOptions) ByStatus(statuses ...model.JobStatus) *ListOptions {
	o.statuses = append(o.statuses, statuses...)
	return o
}

func (o *ListOptions) ByVariant(variant string) *ListOptions {
	o.variant = variant
	return o
}

func (o *ListOptions) WithLimit(limit int) *ListOptions {
	o.limit = limit
	return o
}

func (o *ListOptions) queryFn() []func(tx *gorm.DB) *gorm.DB {
	fns := make([]func(tx *gorm.DB) *gorm.DB, 0, 4)
	if len(o.statuses) > 0 {
		fns = append(fns, func(tx *gorm.DB) *gorm.DB {
			return tx.Where("status IN ?", o.statuses)
		})
	}
	if o.variant != "" {
		fns = append(fns, func(tx *gorm.DB) *gorm.DB {
			return tx.Where("bot_variant = ?", o.variant)
		})
	}
	fns = append(fns, func(tx *gorm.DB) *gorm.DB {
		column := "row"
		switch o.sort {
		case SortByStartTime:
			column = "start_time"
		case SortByJobID:
			column = "job_id"
		}
		tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: column}, Desc: o.desc})
		if column != "job_id" {
			tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: "job_id"}})
		}
		return tx
	})
	if o.limit > 0 {
		fns = append(fns, func(tx *gorm.DB) *gorm.DB {
			return tx.Limit(o.limit)
		})
	}
	return fns
}

func (o *ListOptions) match(r model.ProgressRecord) bool {
	if len(o.statuses) > 0 && !slices.Contains(o.statuses, r.Status) {
		return false
	}
	return o.variant == "" || r.Variant == o.variant
}

func (o *ListOptions) apply(records []model.ProgressRecord) []model.ProgressRecord {
	out := make([]model.ProgressRecord, 0, len(records))
	for _, r := range records {
		if o.match(r) {
			out = append(out, r)
		}
	}

	slices.SortFunc(out, func(a, b model.ProgressRecord) int {
		var c int
		switch o.sort {
		case SortByStartTime:
			c = a.StartTime.Compare(b.StartTime)
		case SortByJobID:
			c = strings.Compare(a.JobID, b.JobID)
		default:
			c = a.Row - b.Row
		}
		if o.desc {
			c = -c
		}
		if c == 0 {
			c = strings.Compare(a.JobID, b.JobID)
		}
		return c
	})

	if o.limit > 0 && len(out) > o.limit {
		out = out[:o.limit]
	}
	return out
}

// PurgeFilter selects terminal records to delete. Records that are not
// Finished or Failed are never purged.
type PurgeFilter struct {
	jobIDs    []string
	olderThan time.Time
}

func NewPurgeFilter() *PurgeFilter {
	return &PurgeFilter{}
}

func (f *PurgeFilter) ByJobID(ids ...string) *PurgeFilter {
	f.jobIDs = append(f.jobIDs, ids...)
	return f
}

// UpdatedBefore keeps only records whose last write is older than t.
func (f *PurgeFilter) UpdatedBefore(t time.Time) *PurgeFilter {
	f.olderThan = t.UTC()
	return f
}

func (f *PurgeFilter) queryFn() []func(tx *gorm.DB) *gorm.DB {
	fns := []func(tx *gorm.DB) *gorm.DB{
		func(tx *gorm.DB) *gorm.DB {
			return tx.Where("status IN ?", []model.JobStatus{model.JobStatusFinished, model.JobStatusFailed})
		},
	}
	if len(f.jobIDs) > 0 {
		fns = append(fns, func(tx *gorm.DB) *gorm.DB {
			return tx.Where("job_id IN ?", f.jobIDs)
		})
	}
	if !f.olderThan.IsZero() {
		fns = append(fns, func(tx *gorm.DB) *gorm.DB {
			return tx.Where("updated_at < ?", f.olderThan)
		})
	}
	return fns
}

func (f *PurgeFilter) match(r model.ProgressRecord) bool {
	if !r.Status.IsTerminal() {
		return false
	}
	if len(f.jobIDs) > 0 && !slices.Contains(f.jobIDs, r.JobID) {
		return false
	}
	return f.olderThan.IsZero() || r.UpdatedAt.Before(f.olderThan)
}
