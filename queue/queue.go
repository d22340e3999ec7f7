// Package queue is the in-process job framework. Jobs are consumed from
// named queues by independent worker pools; the broker enforces
// unique-per-identity-key dispatch and retries failed jobs with backoff
// before handing them to their failure hook.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"gitlab.com/arcapay/recoup/build"
)

var log = build.AddSubLogger("QUEU")

// Job is a unit of work. IdentityKey returning a non-empty string makes the
// job unique: a second job with the same key is rejected while the first is
// queued or running.
type Job interface {
	// Run executes the job. A nil error acknowledges it.
	Run(ctx context.Context) error
	// OnFailure is called once all retries are exhausted.
	OnFailure(err error)
	// IdentityKey returns the uniqueness key, or "" for no uniqueness.
	IdentityKey() string
}

// Delayable jobs can ask to be put back on the queue instead of failing,
// e.g. when a circuit breaker is open.
type Delayable interface {
	Job
	// ReleaseDelay returns how long to wait before the retry, and whether
	// the job asked to be released at all.
	ReleaseDelay() (time.Duration, bool)
}

// ErrRelease is returned by jobs that want to go back on the queue without
// consuming a retry.
var ErrRelease = errors.New("job released back to queue")

// ErrDuplicate means a job with the same identity key is already active.
var ErrDuplicate = errors.New("job with this identity key is already queued")

// Named queues of the pipeline.
const (
	QueueDefault        = "default"
	QueueHigh           = "high"
	QueueVop            = "vop"
	QueueBav            = "bav"
	QueueBilling        = "billing"
	QueueReconciliation = "reconciliation"
	QueueWebhooks       = "webhooks"
	QueueExports        = "exports"
	QueueEmpRefresh     = "emp-refresh"
)

// backoff is the retry schedule for transient failures.
var backoff = []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second}

type queuedJob struct {
	job     Job
	queue   string
	tries   int
	runAt   time.Time
	batchID string
}

// Broker owns the named queues and their workers.
type Broker struct {
	mu      sync.Mutex
	queues  map[string]chan queuedJob
	active  map[string]struct{} // identity keys in flight
	batches map[string]*Batch

	workers     map[string]int
	jobTimeout  time.Duration
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	testingMode bool
}

// Option tunes a Broker.
type Option func(*Broker)

// WithWorkers sets the worker count for a queue. Default is 4.
func WithWorkers(queue string, n int) Option {
	return func(b *Broker) { b.workers[queue] = n }
}

// WithJobTimeout caps how long a single job may run. Default 120s.
func WithJobTimeout(d time.Duration) Option {
	return func(b *Broker) { b.jobTimeout = d }
}

// Synchronous makes Enqueue run jobs inline. Used by tests so assertions
// don't need to poll.
func Synchronous() Option {
	return func(b *Broker) { b.testingMode = true }
}

// NewBroker builds a broker for the standard queue set.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		queues:     make(map[string]chan queuedJob),
		active:     make(map[string]struct{}),
		batches:    make(map[string]*Batch),
		workers:    make(map[string]int),
		jobTimeout: 120 * time.Second,
	}
	for _, queue := range []string{
		QueueDefault, QueueHigh, QueueVop, QueueBav, QueueBilling,
		QueueReconciliation, QueueWebhooks, QueueExports, QueueEmpRefresh,
	} {
		b.queues[queue] = make(chan queuedJob, 4096)
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the worker pools. Stop cancels them.
func (b *Broker) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	for queue, ch := range b.queues {
		n := b.workers[queue]
		if n == 0 {
			n = 4
		}
		for i := 0; i < n; i++ {
			b.wg.Add(1)
			go b.worker(queue, ch)
		}
	}
	log.Info("Queue workers started")
}

// Stop cancels all workers and waits for in-flight jobs.
func (b *Broker) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

// Enqueue puts a job on the given queue. Returns ErrDuplicate when a job
// with the same identity key is already active.
func (b *Broker) Enqueue(queue string, job Job) error {
	return b.enqueue(queue, job, 0, "")
}

// EnqueueDelayed puts a job on the queue, to run no earlier than now+delay.
func (b *Broker) EnqueueDelayed(queue string, job Job, delay time.Duration) error {
	return b.enqueue(queue, job, delay, "")
}

// EnqueueInBatch puts a job on the queue as part of the given batch.
func (b *Broker) EnqueueInBatch(queue string, job Job, batch *Batch) error {
	batch.add(1)
	if err := b.enqueue(queue, job, 0, batch.ID); err != nil {
		batch.done()
		return err
	}
	return nil
}

func (b *Broker) enqueue(queue string, job Job, delay time.Duration, batchID string) error {
	ch, ok := b.queues[queue]
	if !ok {
		return errors.Errorf("unknown queue %q", queue)
	}

	if key := job.IdentityKey(); key != "" {
		b.mu.Lock()
		if _, exists := b.active[key]; exists {
			b.mu.Unlock()
			return ErrDuplicate
		}
		b.active[key] = struct{}{}
		b.mu.Unlock()
	}

	queued := queuedJob{job: job, queue: queue, runAt: time.Now().Add(delay), batchID: batchID}

	if b.testingMode {
		b.execute(queued)
		return nil
	}

	select {
	case ch <- queued:
		return nil
	default:
		b.releaseIdentity(job)
		return errors.Errorf("queue %q is full", queue)
	}
}

func (b *Broker) worker(queue string, ch chan queuedJob) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case queued := <-ch:
			if wait := time.Until(queued.runAt); wait > 0 {
				select {
				case <-b.ctx.Done():
					return
				case <-time.After(wait):
				}
			}
			b.execute(queued)
		}
	}
}

func (b *Broker) execute(queued queuedJob) {
	ctx := b.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancelTimeout := context.WithTimeout(ctx, b.jobTimeout)
	err := queued.job.Run(ctx)
	cancelTimeout()

	if err == nil {
		b.finish(queued)
		return
	}

	// a released job goes back on the queue without consuming a retry
	if errors.Cause(err) == ErrRelease {
		delay := 60 * time.Second
		if delayable, ok := queued.job.(Delayable); ok {
			if d, asked := delayable.ReleaseDelay(); asked {
				delay = d
			}
		}
		log.WithField("queue", queued.queue).WithField("delay", delay).
			Info("Job released itself back to queue")
		b.requeue(queued, delay)
		return
	}

	if queued.tries < len(backoff) {
		delay := backoff[queued.tries]
		queued.tries++
		log.WithError(err).WithField("queue", queued.queue).
			WithField("try", queued.tries).Warn("Job failed, retrying")
		b.requeue(queued, delay)
		return
	}

	log.WithError(err).WithField("queue", queued.queue).Error("Job failed permanently")
	queued.job.OnFailure(err)
	b.finish(queued)
}

func (b *Broker) requeue(queued queuedJob, delay time.Duration) {
	queued.runAt = time.Now().Add(delay)
	if b.testingMode {
		// inline mode runs the retry immediately
		b.execute(queued)
		return
	}
	select {
	case b.queues[queued.queue] <- queued:
	default:
		log.WithField("queue", queued.queue).Error("Could not requeue job, dropping")
		queued.job.OnFailure(errors.Errorf("queue %q full on requeue", queued.queue))
		b.finish(queued)
	}
}

func (b *Broker) finish(queued queuedJob) {
	b.releaseIdentity(queued.job)
	if queued.batchID != "" {
		b.mu.Lock()
		batch := b.batches[queued.batchID]
		b.mu.Unlock()
		if batch != nil {
			batch.done()
		}
	}
}

func (b *Broker) releaseIdentity(job Job) {
	if key := job.IdentityKey(); key != "" {
		b.mu.Lock()
		delete(b.active, key)
		b.mu.Unlock()
	}
}
