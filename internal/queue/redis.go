package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"alps/internal/alps"
)

const redisWatchAttempts = 5

// RedisStore keeps each job in a hash, its log in a list, and creation order
// in a sorted set scored by creation time in microseconds.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// OpenRedis connects to url and verifies the server responds.
func OpenRedis(url, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStore(client, prefix), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "alps"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) jobKey(id string) string { return r.prefix + ":job:" + id }
func (r *RedisStore) logKey(id string) string { return r.prefix + ":job:" + id + ":log" }
func (r *RedisStore) indexKey() string        { return r.prefix + ":jobs" }

func (r *RedisStore) watch(ctx context.Context, key string, fn func(*redis.Tx) error) error {
	for attempt := 0; attempt < redisWatchAttempts; attempt++ {
		err := r.client.Watch(ctx, fn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("redis transaction on %s: %w", key, redis.TxFailedErr)
}

func jobFields(job *Job) (map[string]any, error) {
	result := ""
	if job.Result != nil {
		data, err := json.Marshal(job.Result)
		if err != nil {
			return nil, fmt.Errorf("encode result: %w", err)
		}
		result = string(data)
	}
	optionalTime := func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return formatTime(*t)
	}
	return map[string]any{
		"status":       string(job.Status),
		"archive_path": job.ArchivePath,
		"result":       result,
		"error":        job.Error,
		"error_kind":   job.ErrorKind,
		"created_at":   formatTime(job.CreatedAt),
		"started_at":   optionalTime(job.StartedAt),
		"finished_at":  optionalTime(job.FinishedAt),
	}, nil
}

func (r *RedisStore) Create(ctx context.Context, job *Job) error {
	fields, err := jobFields(job)
	if err != nil {
		return err
	}
	key := r.jobKey(job.ID)
	return r.watch(ctx, key, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateJob
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			pipe.ZAdd(ctx, r.indexKey(), redis.Z{Score: float64(job.CreatedAt.UnixMicro()), Member: job.ID})
			return nil
		})
		return err
	})
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	values, err := r.client.HGetAll(ctx, r.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(values) == 0 {
		return nil, ErrJobNotFound
	}
	job, err := decodeJob(id, values)
	if err != nil {
		return nil, err
	}
	lines, err := r.client.LRange(ctx, r.logKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read job log: %w", err)
	}
	job.Log = append(job.Log, lines...)
	return job, nil
}

// guard checks, inside a WATCH, that the job exists and is not terminal.
func (r *RedisStore) guard(ctx context.Context, tx *redis.Tx, id string) error {
	status, err := tx.HGet(ctx, r.jobKey(id), "status").Result()
	if errors.Is(err, redis.Nil) {
		return ErrJobNotFound
	}
	if err != nil {
		return err
	}
	if Status(status).IsTerminal() {
		return ErrTerminal
	}
	return nil
}

func (r *RedisStore) Update(ctx context.Context, job *Job) error {
	fields, err := jobFields(job)
	if err != nil {
		return err
	}
	key := r.jobKey(job.ID)
	return r.watch(ctx, key, func(tx *redis.Tx) error {
		if err := r.guard(ctx, tx, job.ID); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			return nil
		})
		return err
	})
}

func (r *RedisStore) AppendLog(ctx context.Context, id, line string) error {
	return r.watch(ctx, r.jobKey(id), func(tx *redis.Tx) error {
		if err := r.guard(ctx, tx, id); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, r.logKey(id), line)
			return nil
		})
		return err
	})
}

func (r *RedisStore) List(ctx context.Context, statuses ...Status) ([]*Job, error) {
	ids, err := r.client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	filter := statusFilter(statuses)
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := r.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter != nil {
			if _, ok := filter[job.Status]; !ok {
				continue
			}
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

func decodeJob(id string, values map[string]string) (*Job, error) {
	job := &Job{
		ID:          id,
		Status:      Status(values["status"]),
		Log:         []string{},
		ArchivePath: values["archive_path"],
		Error:       values["error"],
		ErrorKind:   values["error_kind"],
	}
	if raw := values["result"]; raw != "" {
		var record alps.Record
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("decode result for %s: %w", id, err)
		}
		job.Result = &record
	}
	if created, err := parseTimeString(values["created_at"]); err == nil {
		job.CreatedAt = created
	}
	for field, dst := range map[string]**time.Time{"started_at": &job.StartedAt, "finished_at": &job.FinishedAt} {
		if t, err := parseTimeString(values[field]); err == nil {
			*dst = &t
		}
	}
	return job, nil
}
