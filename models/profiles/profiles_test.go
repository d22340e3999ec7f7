package profiles_test

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	uuid "github.com/satori/go.uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcapay/recoup/build"
	"gitlab.com/arcapay/recoup/db"
	"gitlab.com/arcapay/recoup/models/profiles"
	"gitlab.com/arcapay/recoup/testutil"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("profiles")
	testDB         *db.DB
)

func TestMain(m *testing.M) {
	gofakeit.Seed(0)
	build.SetLogLevels(logrus.ErrorLevel)

	testDB = testutil.InitDatabase(databaseConfig)

	result := m.Run()

	os.Exit(result)
}

func randomHash() string {
	sum := sha256.Sum256([]byte(uuid.NewV4().String()))
	return hex.EncodeToString(sum[:])
}

func createProfile(t *testing.T, model profiles.BillingModel) profiles.Profile {
	t.Helper()
	tx := testDB.MustBegin()
	profile, err := profiles.GetOrCreate(tx, randomHash(), "DE89 **** 3000", model, "EUR")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return profile
}

func TestBillingModel(t *testing.T) {
	t.Parallel()

	assert.True(t, profiles.ModelFlywheel.IsRecurring())
	assert.True(t, profiles.ModelRecovery.IsRecurring())
	assert.False(t, profiles.ModelLegacy.IsRecurring())

	assert.True(t, profiles.ModelLegacy.Valid())
	assert.False(t, profiles.BillingModel("subscription").Valid())
}

func TestGetOrCreate(t *testing.T) {
	t.Parallel()

	hash := randomHash()

	tx := testDB.MustBegin()
	created, err := profiles.GetOrCreate(tx, hash, "NL91 **** 4300", profiles.ModelFlywheel, "EUR")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	assert.NotZero(t, created.ID)
	assert.True(t, created.IsActive)
	assert.Equal(t, profiles.ModelFlywheel, created.BillingModel)

	t.Run("second call returns the existing profile", func(t *testing.T) {
		tx := testDB.MustBegin()
		again, err := profiles.GetOrCreate(tx, hash, "NL91 **** 4300", profiles.ModelRecovery, "EUR")
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		assert.Equal(t, created.ID, again.ID)
		assert.Equal(t, profiles.ModelFlywheel, again.BillingModel)
	})

	t.Run("GetByHash finds it", func(t *testing.T) {
		found, err := profiles.GetByHash(testDB, hash)
		require.NoError(t, err)
		assert.Equal(t, created.ID, found.ID)
	})

	t.Run("GetByHashes batches", func(t *testing.T) {
		other := createProfile(t, profiles.ModelRecovery)
		found, err := profiles.GetByHashes(testDB, []string{hash, other.IbanHash, randomHash()})
		require.NoError(t, err)
		assert.Len(t, found, 2)
	})
}

func TestConfigure(t *testing.T) {
	t.Parallel()

	t.Run("sets amount on first recurring use", func(t *testing.T) {
		t.Parallel()
		profile := createProfile(t, profiles.ModelFlywheel)

		tx := testDB.MustBegin()
		configured, err := profiles.Configure(tx, profile, profiles.ModelFlywheel,
			decimal.New(599, -2), "EUR")
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		require.True(t, configured.BillingAmount.Valid)
		assert.True(t, configured.BillingAmount.Decimal.Equal(decimal.New(599, -2)))
	})

	t.Run("keeps the first amount", func(t *testing.T) {
		t.Parallel()
		profile := createProfile(t, profiles.ModelFlywheel)

		tx := testDB.MustBegin()
		configured, err := profiles.Configure(tx, profile, profiles.ModelFlywheel,
			decimal.New(599, -2), "EUR")
		require.NoError(t, err)
		configured, err = profiles.Configure(tx, configured, profiles.ModelFlywheel,
			decimal.New(999, -2), "EUR")
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		assert.True(t, configured.BillingAmount.Decimal.Equal(decimal.New(599, -2)))
	})

	t.Run("recurring models are mutually exclusive", func(t *testing.T) {
		t.Parallel()
		profile := createProfile(t, profiles.ModelFlywheel)

		tx := testDB.MustBegin()
		_, err := profiles.Configure(tx, profile, profiles.ModelRecovery,
			decimal.New(25, 0), "EUR")
		assert.Equal(t, profiles.ErrModelConflict, err)
		require.NoError(t, tx.Rollback())
	})
}

func TestCycleLocked(t *testing.T) {
	t.Parallel()

	now := time.Now()
	future := now.Add(24 * time.Hour)
	past := now.Add(-24 * time.Hour)

	assert.False(t, profiles.Profile{}.CycleLocked(now))
	assert.True(t, profiles.Profile{NextBillAt: &future}.CycleLocked(now))
	assert.False(t, profiles.Profile{NextBillAt: &past}.CycleLocked(now))
}

func TestMarkBilledAndRecordSuccess(t *testing.T) {
	t.Parallel()

	profile := createProfile(t, profiles.ModelRecovery)
	nextBill := time.Now().Add(30 * 24 * time.Hour).UTC()

	tx := testDB.MustBegin()
	require.NoError(t, profiles.MarkBilled(tx, profile.ID, false, &nextBill))
	require.NoError(t, tx.Commit())

	found, err := profiles.GetByID(testDB, profile.ID)
	require.NoError(t, err)
	assert.NotNil(t, found.LastBilledAt)
	assert.Nil(t, found.LastSuccessAt)
	require.NotNil(t, found.NextBillAt)
	assert.True(t, found.CycleLocked(time.Now()))

	tx = testDB.MustBegin()
	require.NoError(t, profiles.RecordSuccess(tx, profile.ID,
		decimal.New(25, 0), &nextBill))
	require.NoError(t, tx.Commit())

	found, err = profiles.GetByID(testDB, profile.ID)
	require.NoError(t, err)
	assert.NotNil(t, found.LastSuccessAt)
	assert.True(t, found.LifetimeRevenue.Equal(decimal.New(25, 0)))
}

func TestRevenue(t *testing.T) {
	t.Parallel()

	profile := createProfile(t, profiles.ModelLegacy)

	require.NoError(t, profiles.AddRevenue(testDB, profile.ID, decimal.New(100, 0)))
	require.NoError(t, profiles.DeductRevenue(testDB, profile.ID, decimal.New(30, 0)))

	found, err := profiles.GetByID(testDB, profile.ID)
	require.NoError(t, err)
	assert.True(t, found.LifetimeRevenue.Equal(decimal.New(70, 0)))

	t.Run("deduction clamps at zero", func(t *testing.T) {
		require.NoError(t, profiles.DeductRevenue(testDB, profile.ID, decimal.New(500, 0)))
		found, err := profiles.GetByID(testDB, profile.ID)
		require.NoError(t, err)
		assert.True(t, found.LifetimeRevenue.IsZero())
	})
}

func TestDeactivate(t *testing.T) {
	t.Parallel()

	profile := createProfile(t, profiles.ModelFlywheel)
	require.NoError(t, profiles.Deactivate(testDB, profile.ID))

	found, err := profiles.GetByID(testDB, profile.ID)
	require.NoError(t, err)
	assert.False(t, found.IsActive)
}

func TestDueForRecurring(t *testing.T) {
	t.Parallel()

	due := createProfile(t, profiles.ModelFlywheel)
	notYet := createProfile(t, profiles.ModelRecovery)
	legacy := createProfile(t, profiles.ModelLegacy)

	past := time.Now().Add(-time.Hour).UTC()
	future := time.Now().Add(time.Hour).UTC()

	tx := testDB.MustBegin()
	require.NoError(t, profiles.MarkBilled(tx, due.ID, true, &past))
	require.NoError(t, profiles.MarkBilled(tx, notYet.ID, true, &future))
	require.NoError(t, profiles.MarkBilled(tx, legacy.ID, true, &past))
	require.NoError(t, tx.Commit())

	ids, err := profiles.DueForRecurring(testDB, time.Now(), 1000)
	require.NoError(t, err)

	assert.Contains(t, ids, due.ID)
	assert.NotContains(t, ids, notYet.ID)
	assert.NotContains(t, ids, legacy.ID)
}
