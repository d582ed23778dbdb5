// Package pool runs a fixed number of workers against a bounded FIFO job
// queue: submissions that would overflow the queue are rejected rather
// than buffered without limit, queued jobs can be canceled without
// involving a worker (the queue entry is found by a linear scan), and a
// running job's cancellation escalates the same way a sandbox command's
// does — ask nicely, then force it.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Status is a job's position in its lifecycle.
type Status int

const (
	StatusQueued Status = iota
	StatusRunning
	StatusSucceeded
	StatusFailed
	StatusCanceled
)

func (s Status) String() string {
	switch s {
	case StatusQueued:
		return "queued"
	case StatusRunning:
		return "running"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

func isFinal(s Status) bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Work is the unit of execution a worker runs. Implementations should
// respect ctx cancellation promptly so CancelJob can make good on its
// escalation guarantee.
type Work func(ctx context.Context) (score float64, err error)

// Job is a pool-managed unit of work and its observable state.
type Job struct {
	ID        string
	Status    Status
	Score     float64
	Error     string
	Sequence  uint64
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

var (
	// ErrQueueFull is returned by Submit when the bounded queue is at
	// capacity; callers should surface this as a 429 rather than retry
	// silently.
	ErrQueueFull = errors.New("pool: queue is at capacity")
	// ErrUnknownJob is returned by CancelJob/JobStatus for an ID the pool
	// never saw.
	ErrUnknownJob = errors.New("pool: unknown job id")
	// ErrAlreadyFinished is returned by CancelJob for a job that has
	// already reached a terminal state.
	ErrAlreadyFinished = errors.New("pool: job has already finished")
)

// queuedJob pairs a Job with the Work closure waiting to run it; kept
// separate from Job so the public Job value never exposes the closure.
type queuedJob struct {
	job  *Job
	work Work
}

// Pool runs exactly Workers concurrent goroutines draining a bounded FIFO
// queue of capacity QueueCapacity. At any instant, idle workers plus
// running workers equals Workers — no worker goroutine exits until Stop
// is called.
type Pool struct {
	workers         int
	capacity        int
	maxRetainedDone int
	logger          *log.Logger

	mu       sync.Mutex
	jobs     map[string]*Job
	queue    []queuedJob
	nextSeq  uint64
	notify   chan struct{}
	stopped  bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Options configures a Pool.
type Options struct {
	Workers       int
	QueueCapacity int
	// MaxRetainedDone bounds how many terminal jobs stay resident in
	// memory; the oldest-by-EndedAt is evicted once the limit is
	// exceeded. A caller that needs terminal jobs to outlive this limit
	// (e.g. an HTTP status endpoint) must persist them elsewhere before
	// they age out — see internal/jobstore. Zero selects
	// defaultMaxRetainedDone (4096).
	MaxRetainedDone int
	Logger          *log.Logger
}

const defaultMaxRetainedDone = 4096

// New starts Workers goroutines immediately; call Stop to drain and shut
// them down.
func New(opts Options) (*Pool, error) {
	if opts.Workers < 1 {
		return nil, fmt.Errorf("pool: workers must be >= 1, got %d", opts.Workers)
	}
	if opts.QueueCapacity < 0 {
		return nil, fmt.Errorf("pool: queue capacity must be >= 0, got %d", opts.QueueCapacity)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	maxRetainedDone := opts.MaxRetainedDone
	if maxRetainedDone == 0 {
		maxRetainedDone = defaultMaxRetainedDone
	}

	p := &Pool{
		workers:         opts.Workers,
		capacity:        opts.QueueCapacity,
		maxRetainedDone: maxRetainedDone,
		logger:          logger,
		jobs:            map[string]*Job{},
		notify:          make(chan struct{}, opts.Workers),
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(i)
	}
	return p, nil
}

// Submit enqueues work under jobID. A job handed to an idle worker does
// not count against the queue bound: ErrQueueFull is returned only when
// every worker is busy and QueueCapacity jobs are already waiting, and the
// caller should then reject the submission rather than block.
func (p *Pool) Submit(jobID string, work Work) (*Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		return nil, errors.New("pool: pool is stopped")
	}
	if _, exists := p.jobs[jobID]; exists {
		return nil, fmt.Errorf("pool: job %q already submitted", jobID)
	}
	active := 0
	for _, j := range p.jobs {
		if !isFinal(j.Status) {
			active++
		}
	}
	if active >= p.workers+p.capacity {
		return nil, ErrQueueFull
	}

	p.nextSeq++
	job := &Job{
		ID:        jobID,
		Status:    StatusQueued,
		Sequence:  p.nextSeq,
		CreatedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	p.jobs[jobID] = job
	p.queue = append(p.queue, queuedJob{job: job, work: work})

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return job, nil
}

// JobStatus returns a snapshot of a job's current state.
func (p *Pool) JobStatus(jobID string) (Job, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.jobs[jobID]
	if !ok {
		return Job{}, ErrUnknownJob
	}
	return *job, nil
}

// CancelJob cancels a job. A queued job is removed from the queue (a
// linear scan for its entry; the remaining jobs keep their FIFO order)
// without ever having consumed a worker slot. A running job's Work context is canceled; the worker
// loop is responsible for the SIGTERM-then-SIGKILL-style escalation its
// own Work closure implements (e.g. sandbox.Command.Run already does
// this for subprocess-backed work).
func (p *Pool) CancelJob(jobID string) error {
	p.mu.Lock()
	job, ok := p.jobs[jobID]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownJob
	}
	if isFinal(job.Status) {
		p.mu.Unlock()
		return ErrAlreadyFinished
	}

	if job.Status == StatusQueued {
		p.removeFromQueueLocked(jobID)
		job.Status = StatusCanceled
		now := time.Now().UTC()
		job.EndedAt = &now
		close(job.done)
		p.pruneDoneLocked()
		p.mu.Unlock()
		return nil
	}

	cancel := job.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// removeFromQueueLocked deletes the queue entry for jobID, found by a
// linear scan, and shifts the entries behind it forward so the remaining
// jobs keep their FIFO order (dequeue always pops index 0).
func (p *Pool) removeFromQueueLocked(jobID string) {
	for i, qj := range p.queue {
		if qj.job.ID != jobID {
			continue
		}
		p.queue = append(p.queue[:i], p.queue[i+1:]...)
		return
	}
}

// Wait blocks until jobID reaches a terminal status or ctx is canceled.
func (p *Pool) Wait(ctx context.Context, jobID string) (Job, error) {
	p.mu.Lock()
	job, ok := p.jobs[jobID]
	if !ok {
		p.mu.Unlock()
		return Job{}, ErrUnknownJob
	}
	done := job.done
	p.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return *p.jobs[jobID], nil
}

// Len reports queue depth and whether each worker slot is running,
// mostly for diagnostics and the workers_idle+running==Workers invariant
// tests.
func (p *Pool) Len() (queued int, running int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	queued = len(p.queue)
	for _, j := range p.jobs {
		if j.Status == StatusRunning {
			running++
		}
	}
	return queued, running
}

// Stop waits for all in-flight jobs to finish (honoring a caller-provided
// ctx so a stuck job's cancellation can still be forced) and tears down
// every worker goroutine. No further Submit calls are accepted once Stop
// has been called.
func (p *Pool) Stop(ctx context.Context) {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		for i := 0; i < p.workers; i++ {
			select {
			case p.notify <- struct{}{}:
			default:
			}
		}
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
	})
}

func (p *Pool) workerLoop(id int) {
	defer p.wg.Done()
	for {
		qj, ok := p.dequeue()
		if !ok {
			return
		}
		p.runJob(qj)
	}
}

// dequeue blocks until either work is available or the pool has been
// stopped with an empty queue, in which case it returns false so the
// worker goroutine can exit.
func (p *Pool) dequeue() (queuedJob, bool) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			qj := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			return qj, true
		}
		stopped := p.stopped
		p.mu.Unlock()
		if stopped {
			return queuedJob{}, false
		}
		<-p.notify
	}
}

func (p *Pool) runJob(qj queuedJob) {
	ctx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	qj.job.Status = StatusRunning
	qj.job.cancel = cancel
	started := time.Now().UTC()
	qj.job.StartedAt = &started
	p.mu.Unlock()

	score, err := runWorkSafely(ctx, qj.work)

	p.mu.Lock()
	defer p.mu.Unlock()
	qj.job.cancel = nil
	ended := time.Now().UTC()
	qj.job.EndedAt = &ended
	qj.job.Score = score

	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		qj.job.Status = StatusCanceled
	case err != nil:
		qj.job.Status = StatusFailed
		qj.job.Error = err.Error()
		p.logger.Warn("job failed", "job_id", qj.job.ID, "err", err)
	default:
		qj.job.Status = StatusSucceeded
	}
	close(qj.job.done)
	p.pruneDoneLocked()
}

// pruneDoneLocked evicts the oldest terminal jobs once the retained
// count exceeds maxRetainedDone, sorting by terminal time and trimming
// to the limit. Queued and running jobs are never evicted regardless of
// count.
func (p *Pool) pruneDoneLocked() {
	var done []*Job
	for _, j := range p.jobs {
		if isFinal(j.Status) {
			done = append(done, j)
		}
	}
	if len(done) <= p.maxRetainedDone {
		return
	}
	sort.Slice(done, func(i, j int) bool {
		ei, ej := done[i].EndedAt, done[j].EndedAt
		if ei == nil || ej == nil {
			return ei == nil
		}
		return ei.Before(*ej)
	})
	for _, j := range done[:len(done)-p.maxRetainedDone] {
		delete(p.jobs, j.ID)
	}
}

// Snapshot returns every job the pool currently knows about, queued and
// running jobs always included and terminal jobs included up to the
// pool's retention limit. Order is unspecified; callers that need a
// stable order should sort on Sequence or SubmittedAt themselves.
func (p *Pool) Snapshot() []Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Job, 0, len(p.jobs))
	for _, j := range p.jobs {
		out = append(out, *j)
	}
	return out
}

// runWorkSafely isolates a worker goroutine from a panicking Work
// closure the same way sandbox.Command isolates Run from a panicking
// exec call: a bad job fails that job, not the worker loop.
func runWorkSafely(ctx context.Context, work Work) (score float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pool: job panicked: %v", r)
		}
	}()
	return work(ctx)
}

// sortedQueueSnapshot returns the currently queued jobs in FIFO order,
// for diagnostics/tests.
func (p *Pool) sortedQueueSnapshot() []*Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Job, 0, len(p.queue))
	for _, qj := range p.queue {
		out = append(out, qj.job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}
