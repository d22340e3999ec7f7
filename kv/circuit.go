package kv

import (
	"context"
	"time"
)

// Circuit is a cache backed circuit breaker. The open flag is a boolean key
// with a TTL; consecutive failures are counted under a companion key.
type Circuit struct {
	kv *KV

	// Key is the open-flag key, e.g. "emp_circuit_breaker"
	Key string
	// Threshold is how many consecutive failures trip the breaker
	Threshold int
	// OpenFor is how long the breaker stays open once tripped
	OpenFor time.Duration
}

// NewCircuit builds a circuit breaker over the shared KV.
func (k *KV) NewCircuit(key string, threshold int, openFor time.Duration) *Circuit {
	return &Circuit{kv: k, Key: key, Threshold: threshold, OpenFor: openFor}
}

// Open reports whether the breaker is currently open.
func (c *Circuit) Open(ctx context.Context) (bool, error) {
	_, found, err := c.kv.Get(ctx, c.Key)
	return found, err
}

// Trip forces the breaker open for its configured window.
func (c *Circuit) Trip(ctx context.Context) error {
	log.WithField("circuit", c.Key).Warn("Circuit breaker tripped")
	return c.kv.Set(ctx, c.Key, "open", c.OpenFor)
}

// RecordFailure bumps the consecutive failure counter and trips the breaker
// once the threshold is reached. Returns whether the breaker is now open.
func (c *Circuit) RecordFailure(ctx context.Context) (bool, error) {
	count, err := c.kv.Incr(ctx, c.Key+"_failures", c.OpenFor)
	if err != nil {
		return false, err
	}
	if count >= int64(c.Threshold) {
		if err := c.Trip(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// RecordSuccess resets the consecutive failure counter.
func (c *Circuit) RecordSuccess(ctx context.Context) error {
	return c.kv.Delete(ctx, c.Key+"_failures")
}
