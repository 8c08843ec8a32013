package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/asr-task-worker/internal/logging"
	"github.com/asr-task-worker/internal/metrics"
)

// DefaultQueueSize is the backlog used when a non-positive capacity is given.
const DefaultQueueSize = 256

const uploadTimeout = 60 * time.Second

// Queue archives jobs on a single background consumer in FIFO order. Enqueue
// never blocks: when the backlog is full the new job is dropped. A Queue
// without a store accepts and discards every job.
type Queue struct {
	store   BlobStore
	enc     Encoder
	metrics *metrics.Metrics

	mu     sync.Mutex
	jobs   chan Job
	closed bool

	startOnce sync.Once
	wg        sync.WaitGroup
}

// NewQueue returns a queue uploading to store. store may be nil to disable
// archival.
func NewQueue(store BlobStore, enc Encoder, capacity int, m *metrics.Metrics) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Queue{
		store:   store,
		enc:     enc,
		metrics: m,
		jobs:    make(chan Job, capacity),
	}
}

// Enabled reports whether jobs are uploaded.
func (q *Queue) Enabled() bool { return q != nil && q.store != nil }

// Start launches the consumer. Uploads run under ctx; cancel it only to
// abandon in-flight work.
func (q *Queue) Start(ctx context.Context) {
	if !q.Enabled() {
		return
	}
	q.startOnce.Do(func() {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for job := range q.jobs {
				q.process(ctx, job)
			}
		}()
	})
}

// Enqueue schedules job without blocking.
func (q *Queue) Enqueue(job Job) error {
	if !q.Enabled() {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		q.metrics.RecordArchiveEnqueued(len(q.jobs))
		return nil
	default:
		q.metrics.RecordArchiveDropped()
		logging.Warnw("archive: queue full, dropping job", "key", job.Key, "capacity", cap(q.jobs))
		return ErrQueueFull
	}
}

// Close stops accepting jobs and waits for the queued ones to finish.
func (q *Queue) Close() error {
	if !q.Enabled() {
		return nil
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	pending := len(q.jobs)
	close(q.jobs)
	q.mu.Unlock()

	if pending > 0 {
		logging.Infow("archive: draining queue", "pending", pending)
	}
	q.wg.Wait()
	return nil
}

func (q *Queue) process(ctx context.Context, job Job) {
	start := time.Now()
	err := q.upload(ctx, job)
	q.metrics.RecordArchiveResult(time.Since(start).Seconds(), len(q.jobs), err)
	if err != nil {
		logging.Errorw("archive: upload failed", "key", job.Key, "err", err)
		return
	}
	logging.Debugw("archive: uploaded", "key", job.Key, "samples", len(job.Samples), "elapsed_ms", time.Since(start).Milliseconds())
}

func (q *Queue) upload(ctx context.Context, job Job) error {
	body, err := q.enc.Encode(job.Samples)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()
	meta := map[string]string{MetaText: EncodeText(job.Text)}
	if err := q.store.Put(ctx, job.Key, body, meta); err != nil {
		return fmt.Errorf("put: %w", err)
	}
	return nil
}
