package vop

import (
	"context"
	"fmt"
	"time"

	"gitlab.com/arcapay/recoup/config"
	"gitlab.com/arcapay/recoup/kv"
	"gitlab.com/arcapay/recoup/models/voplogs"
)

// BavClient verifies that an account holder name matches an IBAN.
type BavClient interface {
	VerifyName(ctx context.Context, iban, firstName, lastName string) (voplogs.NameMatch, error)
}

// largeUploadThreshold and largeUploadCap bound the sample for big files so
// one upload can't eat the whole daily quota.
const (
	largeUploadThreshold = 1000
	largeUploadCap       = 100
)

// SampleSize computes how many debtors of an upload get a BAV call:
// ceil(total * pct / 100), capped by the remaining daily quota and, for
// large uploads, by the flat cap.
func SampleSize(conf config.Bav, total, usedToday int) int {
	if !conf.Enabled || total == 0 || conf.SamplingPercentage <= 0 {
		return 0
	}

	size := (total*conf.SamplingPercentage + 99) / 100
	if total > largeUploadThreshold && size > largeUploadCap {
		size = largeUploadCap
	}
	remaining := conf.DailyLimit - usedToday
	if remaining < 0 {
		remaining = 0
	}
	if size > remaining {
		size = remaining
	}
	return size
}

// SampleIDs picks n debtor ids, evenly spread over the candidates so the
// selection is deterministic for a given upload.
func SampleIDs(candidates []int, n int) []int {
	if n <= 0 || len(candidates) == 0 {
		return nil
	}
	if n >= len(candidates) {
		return candidates
	}

	selected := make([]int, 0, n)
	step := float64(len(candidates)) / float64(n)
	for i := 0; i < n; i++ {
		selected = append(selected, candidates[int(float64(i)*step)])
	}
	return selected
}

// bavDailyKey is the quota counter for the current UTC day.
func bavDailyKey(now time.Time) string {
	return fmt.Sprintf("bav_used:%s", now.UTC().Format("2006-01-02"))
}

// takeBavSlot consumes one unit of the daily BAV quota.
func takeBavSlot(ctx context.Context, store *kv.KV, now time.Time) error {
	_, err := store.Incr(ctx, bavDailyKey(now), 48*time.Hour)
	return err
}

// usedBavToday reads the quota counter.
func usedBavToday(ctx context.Context, store *kv.KV, now time.Time) (int, error) {
	used, err := store.GetInt(ctx, bavDailyKey(now))
	return int(used), err
}
