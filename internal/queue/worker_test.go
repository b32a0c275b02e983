package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/v0ropaev/image-processing-service/internal/config"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	failKey string
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (s *fakeStore) Put(_ context.Context, key, _ string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failKey != "" && strings.Contains(key, s.failKey) {
		return errors.New("simulated upload failure")
	}
	s.objects[key] = payload
	return nil
}

type fakeRecords struct {
	mu    sync.Mutex
	calls [][]string
	err   error
}

func (r *fakeRecords) AppendVariants(_ context.Context, jobID, ownerID string, keys []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	call := append([]string{jobID, ownerID}, keys...)
	r.calls = append(r.calls, call)
	return nil
}

func jpegFixture(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 32, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return buf.Bytes()
}

func newTestWorker(store ObjectStore, records MetadataStore) *Worker {
	return NewWorker(nil, config.PipelineConfig{MaxAttempts: 1, Workers: 1}, nil, store, records)
}

// fakeBroker is an in-memory StreamClient. It records acks and requeues and
// hands out a preloaded batch of pending messages on the first XAutoClaim.
type fakeBroker struct {
	mu      sync.Mutex
	acked   []string
	added   []*redis.XAddArgs
	pending []redis.XMessage
}

func (b *fakeBroker) XGroupCreateMkStream(_ context.Context, _, _, _ string) *redis.StatusCmd {
	return redis.NewStatusResult("OK", nil)
}

func (b *fakeBroker) XAutoClaim(_ context.Context, _ *redis.XAutoClaimArgs) *redis.XAutoClaimCmd {
	b.mu.Lock()
	defer b.mu.Unlock()
	cmd := &redis.XAutoClaimCmd{}
	cmd.SetVal(b.pending, "0-0")
	b.pending = nil
	return cmd
}

func (b *fakeBroker) XReadGroup(_ context.Context, _ *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	cmd := &redis.XStreamSliceCmd{}
	cmd.SetErr(redis.Nil)
	return cmd
}

func (b *fakeBroker) XAck(_ context.Context, _, _ string, ids ...string) *redis.IntCmd {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, ids...)
	return redis.NewIntResult(int64(len(ids)), nil)
}

func (b *fakeBroker) XAdd(_ context.Context, a *redis.XAddArgs) *redis.StringCmd {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.added = append(b.added, a)
	return redis.NewStringResult("1-1", nil)
}

func (b *fakeBroker) requeued() []*redis.XAddArgs {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*redis.XAddArgs(nil), b.added...)
}

func newHandleWorker(cfg config.PipelineConfig, store ObjectStore, records MetadataStore) (*Worker, *fakeBroker, *fakeStatusClient) {
	cfg.Stream = "img:stream"
	cfg.Group = "img:group"
	cfg.Consumer = "test-consumer"
	broker := &fakeBroker{}
	statuses := newFakeStatusClient()
	backend := NewResultBackend(statuses, "jobs", time.Minute)
	return NewWorker(broker, cfg, backend, store, records), broker, statuses
}

func streamMessage(t *testing.T, job Job, attempt int) redis.XMessage {
	t.Helper()
	raw, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal job: %v", err)
	}
	return redis.XMessage{
		ID: "1-0",
		Values: map[string]interface{}{
			"payload": string(raw),
			"attempt": fmt.Sprintf("%d", attempt),
		},
	}
}

// ---------------------------------------------------------------------------
// Object key convention
// ---------------------------------------------------------------------------

func TestObjectKey(t *testing.T) {
	got := ObjectKey("job-42", "rotated", "jpeg")
	if got != "job-42_rotated.jpeg" {
		t.Fatalf("ObjectKey = %q", got)
	}
}

func TestObjectKey_DistinctJobsNeverCollide(t *testing.T) {
	a := ObjectKey("job-a", "original", "jpeg")
	b := ObjectKey("job-b", "original", "jpeg")
	if a == b {
		t.Fatalf("keys collide: %q", a)
	}
}

// ---------------------------------------------------------------------------
// Status
// ---------------------------------------------------------------------------

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{StatusSuccess, StatusFailure} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusPending, StatusStarted, StatusRetry} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

// ---------------------------------------------------------------------------
// process
// ---------------------------------------------------------------------------

func TestProcess_UploadsFourVariantsThenRecords(t *testing.T) {
	store := newFakeStore()
	records := &fakeRecords{}
	w := newTestWorker(store, records)

	job := Job{ID: "job-1", OwnerID: "owner-1", Payload: jpegFixture(t)}
	if err := w.process(context.Background(), job); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(store.objects) != 4 {
		t.Fatalf("stored %d blobs, want 4", len(store.objects))
	}
	for _, variant := range []string{"original", "rotated", "gray", "scaled"} {
		key := ObjectKey("job-1", variant, "jpeg")
		if _, ok := store.objects[key]; !ok {
			t.Fatalf("missing blob %q", key)
		}
	}

	if len(records.calls) != 1 {
		t.Fatalf("AppendVariants called %d times, want 1", len(records.calls))
	}
	call := records.calls[0]
	if call[0] != "job-1" || call[1] != "owner-1" {
		t.Fatalf("AppendVariants scoped to %q/%q", call[0], call[1])
	}
	if len(call)-2 != 4 {
		t.Fatalf("AppendVariants got %d keys, want 4", len(call)-2)
	}
	// Every recorded key must resolve to an uploaded blob.
	for _, key := range call[2:] {
		if _, ok := store.objects[key]; !ok {
			t.Fatalf("record references absent blob %q", key)
		}
	}
}

func TestProcess_DecodeFailureWritesNothing(t *testing.T) {
	store := newFakeStore()
	records := &fakeRecords{}
	w := newTestWorker(store, records)

	job := Job{ID: "job-2", OwnerID: "owner-1", Payload: []byte("not an image at all")}
	if err := w.process(context.Background(), job); err == nil {
		t.Fatal("expected decode error")
	}

	if len(store.objects) != 0 {
		t.Fatalf("stored %d blobs after decode failure, want 0", len(store.objects))
	}
	if len(records.calls) != 0 {
		t.Fatalf("AppendVariants called %d times after decode failure, want 0", len(records.calls))
	}
}

func TestProcess_UploadFailureSkipsRecords(t *testing.T) {
	store := newFakeStore()
	store.failKey = "_gray."
	records := &fakeRecords{}
	w := newTestWorker(store, records)

	job := Job{ID: "job-3", OwnerID: "owner-1", Payload: jpegFixture(t)}
	if err := w.process(context.Background(), job); err == nil {
		t.Fatal("expected upload error")
	}

	// Sibling uploads may have landed (orphans are tolerated), but no record
	// may exist for a job that did not fully upload.
	if len(records.calls) != 0 {
		t.Fatalf("AppendVariants called %d times after upload failure, want 0", len(records.calls))
	}
}

func TestProcess_RecordFailurePropagates(t *testing.T) {
	store := newFakeStore()
	records := &fakeRecords{err: errors.New("simulated insert failure")}
	w := newTestWorker(store, records)

	job := Job{ID: "job-4", OwnerID: "owner-1", Payload: jpegFixture(t)}
	if err := w.process(context.Background(), job); err == nil {
		t.Fatal("expected record persistence error")
	}
	// Blobs were uploaded before the failed record write: the orphan path.
	if len(store.objects) != 4 {
		t.Fatalf("stored %d blobs, want 4", len(store.objects))
	}
}

// ---------------------------------------------------------------------------
// handle
// ---------------------------------------------------------------------------

func TestHandle_SuccessStatusLadder(t *testing.T) {
	store := newFakeStore()
	w, broker, statuses := newHandleWorker(config.PipelineConfig{MaxAttempts: 1}, store, &fakeRecords{})

	msg := streamMessage(t, Job{ID: "job-s", OwnerID: "owner-1", Payload: jpegFixture(t)}, 0)
	w.handle(context.Background(), msg)

	hist := statuses.history("jobs:job-s")
	if len(hist) != 2 || hist[0] != string(StatusStarted) || hist[1] != string(StatusSuccess) {
		t.Fatalf("status ladder = %v, want [STARTED SUCCESS]", hist)
	}
	if acked := broker.acked; len(acked) != 1 || acked[0] != "1-0" {
		t.Fatalf("acked = %v, want the delivery id", acked)
	}
	if added := broker.requeued(); len(added) != 0 {
		t.Fatalf("successful job was requeued: %v", added)
	}
}

func TestHandle_TerminalFailureStatusLadder(t *testing.T) {
	store := newFakeStore()
	w, broker, statuses := newHandleWorker(config.PipelineConfig{MaxAttempts: 1}, store, &fakeRecords{})

	msg := streamMessage(t, Job{ID: "job-f", OwnerID: "owner-1", Payload: []byte("not an image")}, 0)
	w.handle(context.Background(), msg)

	hist := statuses.history("jobs:job-f")
	if len(hist) != 2 || hist[0] != string(StatusStarted) || hist[1] != string(StatusFailure) {
		t.Fatalf("status ladder = %v, want [STARTED FAILURE]", hist)
	}
	if len(broker.acked) != 1 {
		t.Fatalf("acked = %v, want one delivery", broker.acked)
	}
	if added := broker.requeued(); len(added) != 0 {
		t.Fatalf("terminally failed job was requeued: %v", added)
	}
}

func TestHandle_RetryRequeuesWithBumpedAttempt(t *testing.T) {
	store := newFakeStore()
	cfg := config.PipelineConfig{MaxAttempts: 2, BackoffBase: time.Millisecond}
	w, broker, statuses := newHandleWorker(cfg, store, &fakeRecords{})

	job := Job{ID: "job-r", OwnerID: "owner-1", Payload: []byte("not an image")}
	w.handle(context.Background(), streamMessage(t, job, 0))

	hist := statuses.history("jobs:job-r")
	if len(hist) != 2 || hist[0] != string(StatusStarted) || hist[1] != string(StatusRetry) {
		t.Fatalf("status ladder = %v, want [STARTED RETRY]", hist)
	}

	// The requeue lands after the backoff delay.
	deadline := time.Now().Add(2 * time.Second)
	for len(broker.requeued()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("job was never requeued")
		}
		time.Sleep(5 * time.Millisecond)
	}
	vals, ok := broker.requeued()[0].Values.(map[string]any)
	if !ok {
		t.Fatalf("requeued values have type %T", broker.requeued()[0].Values)
	}
	if got := toInt(vals["attempt"]); got != 1 {
		t.Fatalf("requeued attempt = %d, want 1", got)
	}

	// Second and last delivery fails terminally.
	w.handle(context.Background(), streamMessage(t, job, 1))
	hist = statuses.history("jobs:job-r")
	if last := hist[len(hist)-1]; last != string(StatusFailure) {
		t.Fatalf("final status = %s, want FAILURE", last)
	}
}

// ---------------------------------------------------------------------------
// autoClaim
// ---------------------------------------------------------------------------

func TestAutoClaim_ReprocessesAdoptedDeliveries(t *testing.T) {
	store := newFakeStore()
	records := &fakeRecords{}
	w, broker, statuses := newHandleWorker(config.PipelineConfig{MaxAttempts: 1}, store, records)

	// A delivery left unacknowledged by a dead consumer.
	broker.pending = []redis.XMessage{
		streamMessage(t, Job{ID: "job-ac", OwnerID: "owner-1", Payload: jpegFixture(t)}, 0),
	}

	w.autoClaim(context.Background())

	hist := statuses.history("jobs:job-ac")
	if len(hist) == 0 || hist[len(hist)-1] != string(StatusSuccess) {
		t.Fatalf("status ladder = %v, want it to end in SUCCESS", hist)
	}
	if len(store.objects) != 4 {
		t.Fatalf("stored %d blobs, want 4", len(store.objects))
	}
	if len(broker.acked) != 1 || broker.acked[0] != "1-0" {
		t.Fatalf("acked = %v, want the adopted delivery", broker.acked)
	}
}

func TestToInt(t *testing.T) {
	cases := []struct {
		in   any
		want int
	}{
		{in: 3, want: 3},
		{in: int64(7), want: 7},
		{in: "12", want: 12},
		{in: nil, want: 0},
		{in: "junk", want: 0},
	}
	for _, c := range cases {
		if got := toInt(c.in); got != c.want {
			t.Fatalf("toInt(%v) = %d, want %d", c.in, got, c.want)
		}
	}
}
