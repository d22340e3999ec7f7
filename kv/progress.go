package kv

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// progressTTL is how long job progress entries live.
const progressTTL = 2 * time.Hour

// SetProgress stores a JSON encoded progress document under the given key,
// e.g. "bav_progress_42" or "emp_refresh_{job_id}".
func (k *KV) SetProgress(ctx context.Context, key string, progress interface{}) error {
	encoded, err := json.Marshal(progress)
	if err != nil {
		return errors.Wrap(err, "could not encode progress")
	}
	return k.Set(ctx, key, string(encoded), progressTTL)
}

// GetProgress decodes the progress document under the given key into out.
// Returns false when no progress is stored.
func (k *KV) GetProgress(ctx context.Context, key string, out interface{}) (bool, error) {
	value, found, err := k.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return false, errors.Wrapf(err, "could not decode progress under %s", key)
	}
	return true, nil
}
