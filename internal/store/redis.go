package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kubev2v/bot-runner/internal/store/model"
	"github.com/redis/go-redis/v9"
)

// maxWatchRetries bounds the optimistic update loop. Records have a single
// writer, so a conflict means a concurrent purge or a misbehaving producer.
const maxWatchRetries = 10

// RedisProgress stores one JSON document per job and a sorted set of job ids
// ordered by start time.
type RedisProgress struct {
	client *redis.Client
	prefix string
}

var _ Progress = (*RedisProgress)(nil)

func NewRedisProgress(client *redis.Client, prefix string) *RedisProgress {
	return &RedisProgress{client: client, prefix: prefix}
}

func (r *RedisProgress) Create(ctx context.Context, record model.ProgressRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding progress record: %w", err)
	}

	created, err := r.client.SetNX(ctx, r.key(record.JobID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis: creating progress record: %w", err)
	}
	if !created {
		return ErrDuplicateKey
	}

	if err := r.client.ZAdd(ctx, r.indexKey(), redis.Z{
		Score:  float64(record.StartTime.UnixMilli()),
		Member: record.JobID,
	}).Err(); err != nil {
		return fmt.Errorf("redis: indexing progress record: %w", err)
	}
	return nil
}

func (r *RedisProgress) Update(ctx context.Context, jobID string, update model.ProgressUpdate) (*model.ProgressRecord, error) {
	key := r.key(jobID)

	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		var updated model.ProgressRecord

		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			current, err := r.read(ctx, tx, key)
			if err != nil {
				return err
			}

			next, err := current.Apply(update, time.Now().UTC())
			if err != nil {
				return err
			}
			data, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("encoding progress record: %w", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				return nil
			})
			if err != nil {
				return err
			}
			updated = next
			return nil
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &updated, nil
	}

	return nil, fmt.Errorf("redis: updating %s: too many concurrent writers", jobID)
}

func (r *RedisProgress) Get(ctx context.Context, jobID string) (*model.ProgressRecord, error) {
	record, err := r.read(ctx, r.client, r.key(jobID))
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *RedisProgress) List(ctx context.Context, opts *ListOptions) ([]model.ProgressRecord, error) {
	if opts == nil {
		opts = NewListOptions()
	}
	records, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	return opts.apply(records), nil
}

func (r *RedisProgress) Purge(ctx context.Context, filter *PurgeFilter) (int64, error) {
	if filter == nil {
		filter = NewPurgeFilter()
	}
	records, err := r.all(ctx)
	if err != nil {
		return 0, err
	}

	var purged int64
	for _, record := range records {
		if !filter.match(record) {
			continue
		}
		n, err := r.client.Del(ctx, r.key(record.JobID)).Result()
		if err != nil {
			return purged, fmt.Errorf("redis: purging %s: %w", record.JobID, err)
		}
		if err := r.client.ZRem(ctx, r.indexKey(), record.JobID).Err(); err != nil {
			return purged, fmt.Errorf("redis: purging %s: %w", record.JobID, err)
		}
		purged += n
	}
	return purged, nil
}

func (r *RedisProgress) read(ctx context.Context, c getter, key string) (model.ProgressRecord, error) {
	var record model.ProgressRecord

	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return record, ErrRecordNotFound
		}
		return record, fmt.Errorf("redis: reading progress record: %w", err)
	}
	if err := json.Unmarshal(data, &record); err != nil {
		return record, fmt.Errorf("decoding progress record: %w", err)
	}
	return record, nil
}

func (r *RedisProgress) all(ctx context.Context) ([]model.ProgressRecord, error) {
	ids, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: listing progress records: %w", err)
	}
	if len(ids) == 0 {
		return []model.ProgressRecord{}, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, r.key(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: listing progress records: %w", err)
	}

	records := make([]model.ProgressRecord, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// purged between ZRANGE and MGET
			continue
		}
		var record model.ProgressRecord
		if err := json.Unmarshal([]byte(s), &record); err != nil {
			return nil, fmt.Errorf("decoding progress record: %w", err)
		}
		records = append(records, record)
	}
	return records, nil
}

func (r *RedisProgress) key(jobID string) string {
	return fmt.Sprintf("%s:job:%s", r.prefix, jobID)
}

func (r *RedisProgress) indexKey() string {
	return fmt.Sprintf("%s:jobs", r.prefix)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type redisStore struct {
	client   *redis.Client
	progress *RedisProgress
}

func NewRedisStore(client *redis.Client, prefix string) Store {
	return &redisStore{client: client, progress: NewRedisProgress(client, prefix)}
}

func (s *redisStore) Progress() Progress {
	return s.progress
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
