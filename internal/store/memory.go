package store

import (
	"context"
	"sync"
	"time"

	"github.com/kubev2v/bot-runner/internal/store/model"
)

type memoryEntry struct {
	mu      sync.Mutex
	record  model.ProgressRecord
	deleted bool
}

// MemoryProgress keeps records in process. Each job has its own lock, so
// concurrent jobs never wait on each other.
type MemoryProgress struct {
	entries sync.Map // job id -> *memoryEntry
}

var _ Progress = (*MemoryProgress)(nil)

func NewMemoryProgress() *MemoryProgress {
	return &MemoryProgress{}
}

func (m *MemoryProgress) Create(_ context.Context, record model.ProgressRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	if _, loaded := m.entries.LoadOrStore(record.JobID, &memoryEntry{record: record}); loaded {
		return ErrDuplicateKey
	}
	return nil
}

func (m *MemoryProgress) Update(_ context.Context, jobID string, update model.ProgressUpdate) (*model.ProgressRecord, error) {
	entry, ok := m.load(jobID)
	if !ok {
		return nil, ErrRecordNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return nil, ErrRecordNotFound
	}

	next, err := entry.record.Apply(update, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	entry.record = next
	return &next, nil
}

func (m *MemoryProgress) Get(_ context.Context, jobID string) (*model.ProgressRecord, error) {
	entry, ok := m.load(jobID)
	if !ok {
		return nil, ErrRecordNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.deleted {
		return nil, ErrRecordNotFound
	}
	record := entry.record
	return &record, nil
}

func (m *MemoryProgress) List(_ context.Context, opts *ListOptions) ([]model.ProgressRecord, error) {
	if opts == nil {
		opts = NewListOptions()
	}
	return opts.apply(m.snapshot()), nil
}

func (m *MemoryProgress) Purge(_ context.Context, filter *PurgeFilter) (int64, error) {
	if filter == nil {
		filter = NewPurgeFilter()
	}

	var purged int64
	m.entries.Range(func(key, value any) bool {
		entry := value.(*memoryEntry)
		entry.mu.Lock()
		if !entry.deleted && filter.match(entry.record) {
			entry.deleted = true
			m.entries.CompareAndDelete(key, entry)
			purged++
		}
		entry.mu.Unlock()
		return true
	})
	return purged, nil
}

func (m *MemoryProgress) load(jobID string) (*memoryEntry, bool) {
	v, ok := m.entries.Load(jobID)
	if !ok {
		return nil, false
	}
	return v.(*memoryEntry), true
}

func (m *MemoryProgress) snapshot() []model.ProgressRecord {
	records := make([]model.ProgressRecord, 0)
	m.entries.Range(func(_, value any) bool {
		entry := value.(*memoryEntry)
		entry.mu.Lock()
		if !entry.deleted {
			records = append(records, entry.record)
		}
		entry.mu.Unlock()
		return true
	})
	return records
}

type memoryStore struct {
	progress *MemoryProgress
}

func NewMemoryStore() Store {
	return &memoryStore{progress: NewMemoryProgress()}
}

func (s *memoryStore) Progress() Progress {
	return s.progress
}

func (s *memoryStore) Close() error {
	return nil
}
