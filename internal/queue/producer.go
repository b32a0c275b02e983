package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Producer appends jobs to the Redis Stream the worker pool consumes from.
// Enqueue is fire-and-forget: it returns as soon as the broker accepted the
// message, never waiting for processing.
type Producer struct {
	r       StreamClient
	stream  string
	maxLen  int64
	backend *ResultBackend
}

func NewProducer(r StreamClient, stream string, maxLen int64, backend *ResultBackend) *Producer {
	return &Producer{r: r, stream: stream, maxLen: maxLen, backend: backend}
}

// Enqueue assigns a fresh job id, persists the job on the stream and marks
// it PENDING. A broker failure is returned to the caller; no job id exists
// in that case.
func (p *Producer) Enqueue(ctx context.Context, ownerID, filename string, payload []byte) (string, error) {
	jobID := uuid.NewString()

	raw, err := json.Marshal(Job{
		ID:       jobID,
		OwnerID:  ownerID,
		Filename: filename,
		Payload:  payload,
	})
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	err = p.r.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Values: map[string]any{
			"payload": string(raw),
			"attempt": 0,
		},
	}).Err()
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}

	// An unknown id already reads as PENDING, so a failed status write does
	// not lose the job.
	if err := p.backend.Set(ctx, jobID, StatusPending); err != nil {
		log.Printf("[pipeline] mark pending %s: %v", jobID, err)
	}

	return jobID, nil
}
