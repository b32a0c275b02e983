package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status is the externally visible state of a job, owned by the result
// backend. The worker transitions it; everything else only reads it.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusStarted Status = "STARTED"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusRetry   Status = "RETRY"
)

// Terminal reports whether a job in this status will not transition again.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure
}

// StatusClient is the slice of the redis API the result backend uses.
// redis.UniversalClient satisfies it.
type StatusClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

// ResultBackend keeps per-job status in namespaced Redis keys with a TTL.
// A job id that was never written (or whose key expired) reads as PENDING,
// matching the contract that status is always answerable.
type ResultBackend struct {
	redis     StatusClient
	namespace string
	ttl       time.Duration
}

func NewResultBackend(rc StatusClient, namespace string, ttl time.Duration) *ResultBackend {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ResultBackend{
		redis:     rc,
		namespace: namespace,
		ttl:       ttl,
	}
}

func (b *ResultBackend) key(jobID string) string {
	return b.namespace + ":" + jobID
}

// Set records the status of a job, refreshing the TTL.
func (b *ResultBackend) Set(ctx context.Context, jobID string, s Status) error {
	if err := b.redis.Set(ctx, b.key(jobID), string(s), b.ttl).Err(); err != nil {
		return fmt.Errorf("set status %s for job %s: %w", s, jobID, err)
	}
	return nil
}

// Status reads the current status of a job.
func (b *ResultBackend) Status(ctx context.Context, jobID string) (Status, error) {
	val, err := b.redis.Get(ctx, b.key(jobID)).Result()
	if err == redis.Nil {
		return StatusPending, nil
	}
	if err != nil {
		return "", fmt.Errorf("get status for job %s: %w", jobID, err)
	}
	return Status(val), nil
}
