package vop_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gitlab.com/arcapay/recoup/config"
	"gitlab.com/arcapay/recoup/models/banks"
	"gitlab.com/arcapay/recoup/models/debtors"
	"gitlab.com/arcapay/recoup/models/voplogs"
	"gitlab.com/arcapay/recoup/vop"
)

func strPtr(s string) *string { return &s }

func TestScore(t *testing.T) {
	t.Parallel()

	debtor := debtors.Debtor{
		Iban:      "DE89370400440532013000",
		IbanValid: true,
	}
	bank := banks.Bank{SupportsSdd: true}

	t.Run("everything checks out", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, 100, vop.Score(debtor, bank, true, voplogs.MatchYes))
	})

	t.Run("partial name match earns the reduced tier", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, 95, vop.Score(debtor, bank, true, voplogs.MatchPartial))
	})

	t.Run("unverified or mismatched names score nothing", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, 85, vop.Score(debtor, bank, true, voplogs.MatchUnavailable))
		assert.Equal(t, 85, vop.Score(debtor, bank, true, voplogs.MatchNo))
	})

	t.Run("contact data on the row is ignored", func(t *testing.T) {
		t.Parallel()
		withMail := debtor
		withMail.Email = strPtr("erika@example.com")
		assert.Equal(t,
			vop.Score(debtor, bank, true, voplogs.MatchUnavailable),
			vop.Score(withMail, bank, true, voplogs.MatchUnavailable))
	})

	t.Run("bank unknown", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, 35, vop.Score(debtor, banks.Bank{}, false, voplogs.MatchUnavailable))
	})

	t.Run("bank known but no SDD support", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, 60, vop.Score(debtor, banks.Bank{}, true, voplogs.MatchUnavailable))
	})

	t.Run("invalid iban scores nothing for the iban components", func(t *testing.T) {
		t.Parallel()
		invalid := debtor
		invalid.IbanValid = false
		assert.Equal(t, 50, vop.Score(invalid, bank, true, voplogs.MatchUnavailable))
	})

	t.Run("same inputs give the same score", func(t *testing.T) {
		t.Parallel()
		first := vop.Score(debtor, bank, true, voplogs.MatchYes)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, vop.Score(debtor, bank, true, voplogs.MatchYes))
		}
	})
}

func TestMatchPoints(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 15, vop.MatchPoints(voplogs.MatchYes))
	assert.Equal(t, 10, vop.MatchPoints(voplogs.MatchPartial))
	assert.Equal(t, 0, vop.MatchPoints(voplogs.MatchNo))
	assert.Equal(t, 0, vop.MatchPoints(voplogs.MatchUnavailable))
}

func TestVerified(t *testing.T) {
	t.Parallel()

	assert.True(t, vop.Verified(voplogs.MatchYes))
	assert.True(t, vop.Verified(voplogs.MatchPartial))
	assert.True(t, vop.Verified(voplogs.MatchNo))
	assert.False(t, vop.Verified(voplogs.MatchUnavailable))
}

func TestBucket(t *testing.T) {
	t.Parallel()

	assert.Equal(t, voplogs.ResultVerified, vop.Bucket(100))
	assert.Equal(t, voplogs.ResultVerified, vop.Bucket(80))
	assert.Equal(t, voplogs.ResultLikelyVerified, vop.Bucket(79))
	assert.Equal(t, voplogs.ResultLikelyVerified, vop.Bucket(60))
	assert.Equal(t, voplogs.ResultInconclusive, vop.Bucket(59))
	assert.Equal(t, voplogs.ResultInconclusive, vop.Bucket(40))
	assert.Equal(t, voplogs.ResultMismatch, vop.Bucket(39))
	assert.Equal(t, voplogs.ResultMismatch, vop.Bucket(20))
	assert.Equal(t, voplogs.ResultRejected, vop.Bucket(19))
	assert.Equal(t, voplogs.ResultRejected, vop.Bucket(0))
}

func TestSampleSize(t *testing.T) {
	t.Parallel()

	conf := config.Bav{Enabled: true, SamplingPercentage: 10, DailyLimit: 500}

	t.Run("percentage with ceiling", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, 10, vop.SampleSize(conf, 100, 0))
		assert.Equal(t, 1, vop.SampleSize(conf, 5, 0))
		assert.Equal(t, 3, vop.SampleSize(conf, 25, 0))
	})

	t.Run("large uploads are capped", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, 100, vop.SampleSize(conf, 5000, 0))
	})

	t.Run("daily quota bounds the sample", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, 20, vop.SampleSize(conf, 1000, 480))
		assert.Equal(t, 0, vop.SampleSize(conf, 1000, 500))
		assert.Equal(t, 0, vop.SampleSize(conf, 1000, 600))
	})

	t.Run("disabled means zero", func(t *testing.T) {
		t.Parallel()
		off := conf
		off.Enabled = false
		assert.Equal(t, 0, vop.SampleSize(off, 1000, 0))
	})
}

func TestSampleIDs(t *testing.T) {
	t.Parallel()

	candidates := make([]int, 100)
	for i := range candidates {
		candidates[i] = i + 1
	}

	t.Run("returns n evenly spread ids", func(t *testing.T) {
		t.Parallel()
		selected := vop.SampleIDs(candidates, 10)
		assert.Len(t, selected, 10)
		assert.Equal(t, 1, selected[0])
		// deterministic for the same input
		assert.Equal(t, selected, vop.SampleIDs(candidates, 10))
	})

	t.Run("n larger than the candidate set returns everything", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, candidates, vop.SampleIDs(candidates, 500))
	})

	t.Run("zero or empty yields nil", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, vop.SampleIDs(candidates, 0))
		assert.Nil(t, vop.SampleIDs(nil, 5))
	})
}
