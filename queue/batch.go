package queue

import (
	"sync"
	"sync/atomic"

	uuid "github.com/satori/go.uuid"
)

// Batch groups chunk jobs dispatched together. It carries a cancellation
// bit that chunk workers check between debtors, and a finally callback that
// fires exactly once after every job in the batch has finished, success or
// not.
type Batch struct {
	ID string

	cancelled atomic.Bool
	remaining atomic.Int64
	sealed    atomic.Bool

	finallyOnce sync.Once
	finally     func()
}

// NewBatch registers a batch with the broker. The finally callback may be
// nil.
func (b *Broker) NewBatch(finally func()) *Batch {
	batch := &Batch{
		ID:      uuid.NewV4().String(),
		finally: finally,
	}
	// hold one slot until Seal so an early finishing job can't fire the
	// callback before all jobs are enqueued
	batch.remaining.Add(1)

	b.mu.Lock()
	b.batches[batch.ID] = batch
	b.mu.Unlock()
	return batch
}

// Seal marks the batch fully dispatched. The finally callback can fire from
// this point on.
func (batch *Batch) Seal() {
	if batch.sealed.CompareAndSwap(false, true) {
		batch.done()
	}
}

// Cancel sets the cancellation bit. Running chunks return early at their
// next check; the finally callback still fires.
func (batch *Batch) Cancel() {
	batch.cancelled.Store(true)
}

// Cancelled reports whether the batch has been cancelled.
func (batch *Batch) Cancelled() bool {
	return batch.cancelled.Load()
}

func (batch *Batch) add(n int64) {
	batch.remaining.Add(n)
}

func (batch *Batch) done() {
	if batch.remaining.Add(-1) == 0 {
		batch.finallyOnce.Do(func() {
			if batch.finally != nil {
				batch.finally()
			}
		})
	}
}

// Forget drops the batch from the broker registry. Called from the finally
// callback once the batch is complete.
func (b *Broker) Forget(batchID string) {
	b.mu.Lock()
	delete(b.batches, batchID)
	b.mu.Unlock()
}

// Batch returns the registered batch with the given id, if any.
func (b *Broker) Batch(batchID string) (*Batch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	batch, ok := b.batches[batchID]
	return batch, ok
}
