package config_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcapay/recoup/config"
	"gitlab.com/arcapay/recoup/models/profiles"
)

func TestDefault(t *testing.T) {
	t.Parallel()

	conf := config.Default()

	assert.True(t, conf.Bav.Enabled)
	assert.Equal(t, 10, conf.Bav.SamplingPercentage)
	assert.Equal(t, 500, conf.Bav.DailyLimit)

	assert.Equal(t, 50, conf.Billing.RatePerSecond)
	assert.Equal(t, 10, conf.Billing.CircuitThreshold)
	assert.Equal(t, 90*24*time.Hour, conf.Billing.Cycle(profiles.ModelFlywheel))
	assert.Equal(t, 30*24*time.Hour, conf.Billing.Cycle(profiles.ModelRecovery))

	assert.Equal(t, 3, conf.Chargeback.DeclineBlacklistAfter)

	assert.Equal(t, 12*time.Hour, conf.Reconciliation.MinAge)
	assert.Equal(t, 10, conf.Reconciliation.MaxAttempts)
	assert.Equal(t, 20, conf.Reconciliation.RatePerSecond)
}

func TestAmountRangeContains(t *testing.T) {
	t.Parallel()

	conf := config.Default().Billing

	flywheel, ok := conf.Range(profiles.ModelFlywheel)
	require.True(t, ok)
	assert.True(t, flywheel.Contains(decimal.New(1, 0)))
	assert.True(t, flywheel.Contains(decimal.New(999, -2)))
	assert.False(t, flywheel.Contains(decimal.New(1, 1)))
	assert.False(t, flywheel.Contains(decimal.New(99, -2)))

	recovery, ok := conf.Range(profiles.ModelRecovery)
	require.True(t, ok)
	assert.True(t, recovery.Contains(decimal.New(10, 0)))
	assert.True(t, recovery.Contains(decimal.New(50000, 0)))
	assert.False(t, recovery.Contains(decimal.New(50001, 0)))

	_, ok = conf.Range(profiles.ModelLegacy)
	assert.False(t, ok)
}

func TestHasBlacklistCode(t *testing.T) {
	t.Parallel()

	conf := config.Default().Chargeback
	assert.True(t, conf.HasBlacklistCode("AC04"))
	assert.True(t, conf.HasBlacklistCode("MD01"))
	assert.False(t, conf.HasBlacklistCode("XX99"))
	assert.False(t, conf.HasBlacklistCode(""))
}
