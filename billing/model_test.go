package billing_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"gitlab.com/arcapay/recoup/billing"
	"gitlab.com/arcapay/recoup/config"
	"gitlab.com/arcapay/recoup/models/profiles"
)

func amount(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestResolveRowModel(t *testing.T) {
	t.Parallel()

	conf := config.Default().Billing

	t.Run("legacy uploads always bill legacy", func(t *testing.T) {
		t.Parallel()
		for _, raw := range []string{"0.50", "5", "100", "99999"} {
			assert.Equal(t, profiles.ModelLegacy,
				billing.ResolveRowModel(conf, profiles.ModelLegacy, amount(raw)))
		}
	})

	t.Run("small amounts resolve to flywheel", func(t *testing.T) {
		t.Parallel()
		for _, raw := range []string{"1", "5.50", "9.99"} {
			assert.Equal(t, profiles.ModelFlywheel,
				billing.ResolveRowModel(conf, profiles.ModelFlywheel, amount(raw)), raw)
		}
	})

	t.Run("larger amounts resolve to recovery", func(t *testing.T) {
		t.Parallel()
		for _, raw := range []string{"10", "250", "50000"} {
			assert.Equal(t, profiles.ModelRecovery,
				billing.ResolveRowModel(conf, profiles.ModelRecovery, amount(raw)), raw)
		}
	})

	t.Run("the upload's own range is tried first", func(t *testing.T) {
		t.Parallel()
		overlap := conf
		overlap.AmountRanges = map[profiles.BillingModel]config.AmountRange{
			profiles.ModelFlywheel: {Min: amount("1"), Max: amount("100")},
			profiles.ModelRecovery: {Min: amount("1"), Max: amount("100")},
		}
		assert.Equal(t, profiles.ModelRecovery,
			billing.ResolveRowModel(overlap, profiles.ModelRecovery, amount("5")))
		assert.Equal(t, profiles.ModelFlywheel,
			billing.ResolveRowModel(overlap, profiles.ModelFlywheel, amount("5")))
	})

	t.Run("amount outside every range falls back to legacy", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, profiles.ModelLegacy,
			billing.ResolveRowModel(conf, profiles.ModelRecovery, amount("0.50")))
		assert.Equal(t, profiles.ModelLegacy,
			billing.ResolveRowModel(conf, profiles.ModelFlywheel, amount("50001")))
	})
}

func TestCanBill(t *testing.T) {
	t.Parallel()

	conf := config.Default().Billing

	assert.True(t, billing.CanBill(conf, profiles.ModelLegacy, amount("0.01")))
	assert.False(t, billing.CanBill(conf, profiles.ModelLegacy, amount("0")))
	assert.False(t, billing.CanBill(conf, profiles.ModelLegacy, amount("-5")))

	assert.True(t, billing.CanBill(conf, profiles.ModelFlywheel, amount("5")))
	assert.False(t, billing.CanBill(conf, profiles.ModelFlywheel, amount("25")))

	assert.True(t, billing.CanBill(conf, profiles.ModelRecovery, amount("25")))
	assert.False(t, billing.CanBill(conf, profiles.ModelRecovery, amount("0.50")))
}
