package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"directchat/pkg/domain"
	"directchat/pkg/queue"
)

// IndexJobKind tags recent-index jobs on the job queue.
const IndexJobKind = "recent.exchange"

// ExchangeRecorder is the recent-conversation index write used by indexers.
type ExchangeRecorder interface {
	RecordExchange(ctx context.Context, msg domain.Message) error
}

// AsyncIndexer records each exchange on its own goroutine. Failures are
// logged and dropped.
type AsyncIndexer struct {
	index ExchangeRecorder
	log   *slog.Logger
	wg    sync.WaitGroup
}

// NewAsyncIndexer builds an AsyncIndexer. logger may be nil.
func NewAsyncIndexer(index ExchangeRecorder, logger *slog.Logger) *AsyncIndexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncIndexer{index: index, log: logger}
}

// Submit implements IndexUpdater.
func (a *AsyncIndexer) Submit(ctx context.Context, msg domain.Message) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.index.RecordExchange(ctx, msg); err != nil {
			a.log.Warn("recent index update failed", "messageId", msg.ID, "err", err)
		}
	}()
}

// Wait blocks until every submitted update has finished.
func (a *AsyncIndexer) Wait() {
	a.wg.Wait()
}

// JobQueue is the part of the job queue used to hand off index updates.
type JobQueue interface {
	Enqueue(ctx context.Context, kind, payload string) (queue.JobStatus, error)
}

// QueueIndexer hands each exchange to a job queue so that workers, possibly
// in another process, apply it. Enqueue failures are logged and dropped.
type QueueIndexer struct {
	jobs JobQueue
	log  *slog.Logger
}

// NewQueueIndexer builds a QueueIndexer. logger may be nil.
func NewQueueIndexer(jobs JobQueue, logger *slog.Logger) *QueueIndexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueIndexer{jobs: jobs, log: logger}
}

// Submit implements IndexUpdater.
func (q *QueueIndexer) Submit(ctx context.Context, msg domain.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		q.log.Error("encode index job failed", "messageId", msg.ID, "err", err)
		return
	}
	job, err := q.jobs.Enqueue(ctx, IndexJobKind, string(payload))
	if err != nil {
		q.log.Warn("enqueue index job failed", "messageId", msg.ID, "err", err)
		return
	}
	q.log.Debug("index job queued", "jobId", job.ID, "messageId", msg.ID)
}

// IndexJobHandler applies queued index jobs to index. It is meant for
// queue.RedisJobQueue.Start.
func IndexJobHandler(index ExchangeRecorder) func(context.Context, queue.JobStatus) error {
	return func(ctx context.Context, job queue.JobStatus) error {
		if job.Kind != IndexJobKind {
			return fmt.Errorf("unknown job kind %q", job.Kind)
		}
		var msg domain.Message
		if err := json.Unmarshal([]byte(job.Payload), &msg); err != nil {
			return fmt.Errorf("decode index job: %w", err)
		}
		if err := index.RecordExchange(ctx, msg); err != nil {
			return fmt.Errorf("record exchange: %w", err)
		}
		return nil
	}
}
