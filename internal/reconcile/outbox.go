package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/cutroom/internal/types"
)

// ErrOutboxClosed is reported for jobs enqueued after Stop.
var ErrOutboxClosed = errors.New("outbox closed")

// DefaultJobTimeout bounds a single background write.
const DefaultJobTimeout = 30 * time.Second

// Job is one best-effort server write.
type Job struct {
	ProjectID types.ProjectID
	Name      string
	Do        func(ctx context.Context) error

	done chan error
}

func (j *Job) finish(err error) {
	j.done <- err
}

// Outbox runs background writes in per-project lanes with a global
// concurrency semaphore. Jobs for one project run strictly in enqueue order,
// so a replace issued after two appends lands after them. Failures are
// logged and reported on the job's channel; nothing is retried.
type Outbox struct {
	lanes      map[types.ProjectID]chan *Job
	semaphore  *semaphore.Weighted
	pending    atomic.Int64
	jobTimeout time.Duration
	logger     *slog.Logger
	stopped    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewOutbox creates an Outbox that runs up to maxConcurrent jobs at once
// across all projects.
func NewOutbox(maxConcurrent int64, logger *slog.Logger) *Outbox {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{
		lanes:      make(map[types.ProjectID]chan *Job),
		semaphore:  semaphore.NewWeighted(maxConcurrent),
		jobTimeout: DefaultJobTimeout,
		logger:     logger,
	}
}

// Start initialises the outbox's context. Must be called before Enqueue.
func (o *Outbox) Start(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(ctx)
}

// Stop cancels in-flight jobs, fails queued ones and waits for the lanes to exit.
func (o *Outbox) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.mu.Lock()
	if !o.stopped {
		o.stopped = true
		for _, lane := range o.lanes {
			close(lane)
		}
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// Enqueue adds a job to its project's lane and returns a channel that
// receives exactly one result. Callers that do not care about the outcome
// discard the channel.
func (o *Outbox) Enqueue(job *Job) <-chan error {
	job.done = make(chan error, 1)

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopped || o.ctx == nil {
		job.finish(ErrOutboxClosed)
		return job.done
	}

	lane, exists := o.lanes[job.ProjectID]
	if !exists {
		lane = make(chan *Job, 100)
		o.lanes[job.ProjectID] = lane
		o.wg.Add(1)
		go o.processLane(lane)
	}

	o.pending.Add(1)
	select {
	case lane <- job:
	default:
		o.pending.Add(-1)
		err := fmt.Errorf("outbox full for project %d", job.ProjectID)
		o.logger.Warn("dropping conversation write", "project_id", job.ProjectID, "job", job.Name, "error", err)
		job.finish(err)
	}
	return job.done
}

// processLane drains one project's lane, holding a semaphore slot while
// each job runs.
func (o *Outbox) processLane(lane chan *Job) {
	defer o.wg.Done()
	for job := range lane {
		o.run(job)
		o.pending.Add(-1)
	}
}

func (o *Outbox) run(job *Job) {
	if err := o.semaphore.Acquire(o.ctx, 1); err != nil {
		job.finish(err)
		return
	}
	defer o.semaphore.Release(1)

	ctx, cancel := context.WithTimeout(o.ctx, o.jobTimeout)
	defer cancel()

	err := job.Do(ctx)
	if err != nil {
		o.logger.Warn("conversation write failed", "project_id", job.ProjectID, "job", job.Name, "error", err)
	}
	job.finish(err)
}

// WaitIdle blocks until every enqueued job has finished, or the timeout
// expires. Returns true if idle, false if timed out.
func (o *Outbox) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if o.pending.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}
