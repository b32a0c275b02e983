package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/getsentry/sentry-go"
	"github.com/redis/go-redis/v9"

	"github.com/v0ropaev/image-processing-service/internal/config"
	"github.com/v0ropaev/image-processing-service/internal/processor"
)

// StreamClient is the slice of the redis API the producer and worker use.
// redis.UniversalClient satisfies it.
type StreamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// ObjectStore is what the worker needs from blob storage.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, payload []byte) error
}

// MetadataStore persists variant records. AppendVariants must be
// all-or-nothing: either every key lands as a row or none do.
type MetadataStore interface {
	AppendVariants(ctx context.Context, jobID, ownerID string, keys []string) error
}

// Worker consumes image jobs from a Redis Stream consumer group and runs
// them through decode, transform, upload and record persistence. Blobs are
// always uploaded before their records are written, so a record never
// references an absent blob; a crash mid-job can only orphan blobs.
type Worker struct {
	rc      StreamClient
	cfg     config.PipelineConfig
	backend *ResultBackend
	store   ObjectStore
	records MetadataStore
}

// Init wires the producer and the worker pool for one process and starts
// consuming in the background.
func Init(ctx context.Context, rc redis.UniversalClient, cfg config.PipelineConfig, backend *ResultBackend, store ObjectStore, records MetadataStore) *Producer {
	producer := NewProducer(rc, cfg.Stream, cfg.MaxLen, backend)
	worker := NewWorker(rc, cfg, backend, store, records)

	go func() {
		if err := worker.Start(ctx); err != nil {
			log.Printf("[pipeline-worker] stopped: %v", err)
		}
	}()

	return producer
}

func NewWorker(rc StreamClient, cfg config.PipelineConfig, backend *ResultBackend, store ObjectStore, records MetadataStore) *Worker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Worker{
		rc:      rc,
		cfg:     cfg,
		backend: backend,
		store:   store,
		records: records,
	}
}

func (w *Worker) EnsureGroup(ctx context.Context) error {
	// MkStream lets the group be created before any message exists.
	err := w.rc.XGroupCreateMkStream(ctx, w.cfg.Stream, w.cfg.Group, "0").Err()
	// BUSYGROUP just means the group is already there.
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (w *Worker) Start(ctx context.Context) error {
	if err := w.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("failed to ensure Redis group: %w", err)
	}

	log.Printf("[pipeline-worker] starting consumer group=%s stream=%s workers=%d",
		w.cfg.Group, w.cfg.Stream, w.cfg.Workers,
	)

	// Adopt pending messages left behind by dead consumers.
	w.autoClaim(ctx)

	errCh := make(chan error, w.cfg.Workers)
	for i := 0; i < w.cfg.Workers; i++ {
		id := i
		go func() {
			log.Printf("[pipeline-worker] worker #%d started", id)
			err := w.loop(ctx)
			if err != nil {
				log.Printf("[pipeline-worker] worker #%d stopped with error: %v", id, err)
			}
			errCh <- err
		}()
	}

	select {
	case <-ctx.Done():
		log.Printf("[pipeline-worker] context canceled, stopping all workers")
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("worker loop exited with error: %w", err)
		}
		return nil
	}
}

// autoClaim takes ownership of messages that were delivered to other
// consumers in the group but never acknowledged, e.g. after a crashed
// worker, and runs each one through handle like a fresh delivery. Without
// this, a job killed between XREADGROUP and XACK would sit in the pending
// entries list forever.
func (w *Worker) autoClaim(ctx context.Context) {
	next := "0-0"

	minIdle := 30 * time.Second
	if w.cfg.BlockTimeout > 0 {
		if t := w.cfg.BlockTimeout * 6; t > minIdle {
			minIdle = t
		}
	}

	for {
		msgs, start, err := w.rc.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   w.cfg.Stream,
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			MinIdle:  minIdle,
			Start:    next,
			Count:    100,
		}).Result()
		if err != nil || len(msgs) == 0 {
			return
		}
		for _, m := range msgs {
			w.handle(ctx, m)
		}
		next = start
	}
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		streams, err := w.rc.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    w.cfg.Group,
			Consumer: w.cfg.Consumer,
			Streams:  []string{w.cfg.Stream, ">"},
			Count:    1,
			Block:    w.cfg.BlockTimeout,
		}).Result()
		if err != nil && err != redis.Nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		for _, s := range streams {
			for _, m := range s.Messages {
				w.handle(ctx, m)
			}
		}
	}
}

// handle runs one delivery of one job. Each delivery is acknowledged no
// matter the outcome; retries travel as a fresh stream entry with a bumped
// attempt counter, so a poison message cannot wedge the group.
func (w *Worker) handle(ctx context.Context, m redis.XMessage) {
	defer w.rc.XAck(ctx, w.cfg.Stream, w.cfg.Group, m.ID)

	raw, ok := m.Values["payload"].(string)
	if !ok {
		sentry.CaptureMessage(fmt.Sprintf("pipeline: stream entry %s has no payload", m.ID))
		return
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		sentry.CaptureException(fmt.Errorf("pipeline: unmarshal entry %s: %w", m.ID, err))
		return
	}
	attempt := toInt(m.Values["attempt"])

	if err := w.backend.Set(ctx, job.ID, StatusStarted); err != nil {
		log.Printf("[pipeline-worker] mark started %s: %v", job.ID, err)
	}

	err := w.process(ctx, job)
	if err == nil {
		if err := w.backend.Set(ctx, job.ID, StatusSuccess); err != nil {
			log.Printf("[pipeline-worker] mark success %s: %v", job.ID, err)
		}
		return
	}

	log.Printf("[pipeline-worker] job %s attempt %d failed: %v", job.ID, attempt+1, err)

	if attempt+1 >= w.cfg.MaxAttempts {
		sentry.CaptureException(fmt.Errorf("pipeline: job %s failed terminally: %w", job.ID, err))
		if err := w.backend.Set(ctx, job.ID, StatusFailure); err != nil {
			log.Printf("[pipeline-worker] mark failure %s: %v", job.ID, err)
		}
		return
	}

	// Exponential backoff requeue: the job reappears on the stream after the
	// delay with its attempt counter bumped.
	if err := w.backend.Set(ctx, job.ID, StatusRetry); err != nil {
		log.Printf("[pipeline-worker] mark retry %s: %v", job.ID, err)
	}
	backoff := w.cfg.BackoffBase << attempt
	time.AfterFunc(backoff, func() {
		err := w.rc.XAdd(context.Background(), &redis.XAddArgs{
			Stream: w.cfg.Stream,
			MaxLen: w.cfg.MaxLen,
			Values: map[string]any{
				"payload": raw,
				"attempt": attempt + 1,
			},
		}).Err()
		if err != nil {
			sentry.CaptureException(fmt.Errorf("pipeline: requeue job %s: %w", job.ID, err))
		}
	})
}

// process is one full pass of the pipeline: decode, derive the four
// variants, upload them concurrently, then write all four records in one
// batch. Already-uploaded blobs are not rolled back when a sibling upload or
// the record write fails; they become orphans until swept.
func (w *Worker) process(ctx context.Context, job Job) error {
	if w.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.JobTimeout)
		defer cancel()
	}

	img, format, err := processor.Decode(job.Payload)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}

	variants, err := processor.Transform(img, format)
	if err != nil {
		return fmt.Errorf("job %s: %w", job.ID, err)
	}

	ext := processor.Ext(format)
	keys := make([]string, len(variants))
	errs := make([]error, len(variants))

	var wg sync.WaitGroup
	for i, v := range variants {
		key := ObjectKey(job.ID, v.Name, ext)
		keys[i] = key

		wg.Add(1)
		go func(i int, key string, data []byte) {
			defer wg.Done()
			contentType := mimetype.Detect(data).String()
			if err := w.store.Put(ctx, key, contentType, data); err != nil {
				errs[i] = fmt.Errorf("upload %s: %w", key, err)
			}
		}(i, key, v.Data)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("job %s: %w", job.ID, err)
		}
	}

	if err := w.records.AppendVariants(ctx, job.ID, job.OwnerID, keys); err != nil {
		return fmt.Errorf("job %s: persist variant records: %w", job.ID, err)
	}
	return nil
}

// ObjectKey builds the deterministic blob name for one variant of one job.
// The convention {job_id}_{variant}.{ext} is load-bearing: it scopes every
// key to its job, so concurrent jobs cannot collide, and the archive
// download names its entries with it.
func ObjectKey(jobID, variant, ext string) string {
	return fmt.Sprintf("%s_%s.%s", jobID, variant, ext)
}

func toInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case string:
		var x int
		fmt.Sscanf(t, "%d", &x)
		return x
	default:
		return 0
	}
}
