package billing_test

import (
	"os"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit"
	uuid "github.com/satori/go.uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcapay/recoup/billing"
	"gitlab.com/arcapay/recoup/build"
	"gitlab.com/arcapay/recoup/config"
	"gitlab.com/arcapay/recoup/db"
	"gitlab.com/arcapay/recoup/gateway"
	"gitlab.com/arcapay/recoup/iban"
	"gitlab.com/arcapay/recoup/models/attempts"
	"gitlab.com/arcapay/recoup/models/blacklist"
	"gitlab.com/arcapay/recoup/models/chargebacks"
	"gitlab.com/arcapay/recoup/models/debtors"
	"gitlab.com/arcapay/recoup/models/profiles"
	"gitlab.com/arcapay/recoup/models/uploads"
	"gitlab.com/arcapay/recoup/testutil"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("billing")
	testDB         *db.DB
)

func TestMain(m *testing.M) {
	gofakeit.Seed(0)
	build.SetLogLevels(logrus.ErrorLevel)

	testDB = testutil.InitDatabase(databaseConfig)

	result := m.Run()

	os.Exit(result)
}

func orchestrator() *billing.Orchestrator {
	return &billing.Orchestrator{DB: testDB, Conf: config.Default()}
}

type fixture struct {
	debtor  debtors.Debtor
	profile *profiles.Profile
	attempt attempts.Attempt
}

// createPendingAttempt sets up an upload, debtor and pending attempt with a
// unique id, optionally on a profile with the given model.
func createPendingAttempt(t *testing.T, model profiles.BillingModel,
	withProfile bool) fixture {

	t.Helper()

	upload, err := uploads.Insert(testDB, uploads.Upload{
		OriginalFilename: gofakeit.Word() + ".csv",
		StoredPath:       "/tmp/" + uuid.NewV4().String(),
		BillingModel:     model,
	})
	require.NoError(t, err)

	first := gofakeit.FirstName()
	last := gofakeit.LastName()
	hash := iban.Hash(uuid.NewV4().String())
	debtor, err := debtors.Insert(testDB, debtors.Debtor{
		UploadID:  upload.ID,
		FirstName: &first,
		LastName:  &last,
		Iban:      "DE89370400440532013000",
		IbanHash:  hash,
		IbanValid: true,
		Amount:    decimal.New(25, 0),
	})
	require.NoError(t, err)

	result := fixture{debtor: debtor}

	attempt := attempts.Attempt{
		DebtorID:      debtor.ID,
		UploadID:      &upload.ID,
		AttemptNumber: 1,
		Amount:        decimal.New(25, 0),
		Currency:      "EUR",
		BillingModel:  model,
	}
	uniqueID := uuid.NewV4().String()
	attempt.UniqueID = &uniqueID

	if withProfile {
		tx := testDB.MustBegin()
		profile, err := profiles.GetOrCreate(tx, hash, "DE89 **** 3000", model, "EUR")
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		require.NoError(t, debtors.LinkProfile(testDB, debtor.ID, profile.ID))
		attempt.ProfileID = &profile.ID
		result.profile = &profile
	}

	inserted, err := attempts.Insert(testDB, attempt)
	require.NoError(t, err)
	result.attempt = inserted
	return result
}

func TestSettleApproved(t *testing.T) {
	t.Parallel()

	orch := orchestrator()
	fix := createPendingAttempt(t, profiles.ModelRecovery, true)

	require.NoError(t, orch.Settle(*fix.attempt.UniqueID, gateway.StatusApproved, nil, nil))

	attempt, err := attempts.GetByID(testDB, fix.attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, attempts.StatusApproved, attempt.Status)

	debtor, err := debtors.GetByID(testDB, fix.debtor.ID)
	require.NoError(t, err)
	assert.Equal(t, debtors.StatusRecovered, debtor.Status)

	profile, err := profiles.GetByID(testDB, fix.profile.ID)
	require.NoError(t, err)
	assert.True(t, profile.LifetimeRevenue.Equal(decimal.New(25, 0)))
	assert.NotNil(t, profile.LastSuccessAt)

	t.Run("recurring profile gets a next bill date", func(t *testing.T) {
		require.NotNil(t, profile.NextBillAt)
		assert.True(t, profile.NextBillAt.After(time.Now()))
	})
}

func TestSettleDeclined(t *testing.T) {
	t.Parallel()

	orch := orchestrator()
	fix := createPendingAttempt(t, profiles.ModelLegacy, false)

	code := "510"
	message := "insufficient funds"
	require.NoError(t, orch.Settle(*fix.attempt.UniqueID, gateway.StatusDeclined,
		&code, &message))

	attempt, err := attempts.GetByID(testDB, fix.attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, attempts.StatusDeclined, attempt.Status)
	require.NotNil(t, attempt.ErrorCode)
	assert.Equal(t, "510", *attempt.ErrorCode)

	debtor, err := debtors.GetByID(testDB, fix.debtor.ID)
	require.NoError(t, err)
	assert.Equal(t, debtors.StatusFailed, debtor.Status)
}

func TestRepeatedDeclinesBlacklist(t *testing.T) {
	t.Parallel()

	orch := orchestrator()
	fix := createPendingAttempt(t, profiles.ModelLegacy, false)

	decline := func(uniqueID string) {
		require.NoError(t, orch.Settle(uniqueID, gateway.StatusDeclined, nil, nil))
	}

	decline(*fix.attempt.UniqueID)

	for number := 2; number <= 3; number++ {
		uniqueID := uuid.NewV4().String()
		_, err := attempts.Insert(testDB, attempts.Attempt{
			DebtorID:      fix.debtor.ID,
			AttemptNumber: number,
			UniqueID:      &uniqueID,
			Amount:        decimal.New(25, 0),
			Currency:      "EUR",
			BillingModel:  profiles.ModelLegacy,
		})
		require.NoError(t, err)

		found, err := blacklist.ContainsHashes(testDB, []string{fix.debtor.IbanHash})
		require.NoError(t, err)
		assert.Empty(t, found)

		decline(uniqueID)
	}

	found, err := blacklist.ContainsHashes(testDB, []string{fix.debtor.IbanHash})
	require.NoError(t, err)
	assert.Contains(t, found, fix.debtor.IbanHash)
}

func TestSettleTerminalAttemptUntouched(t *testing.T) {
	t.Parallel()

	orch := orchestrator()
	fix := createPendingAttempt(t, profiles.ModelLegacy, false)

	require.NoError(t, orch.Settle(*fix.attempt.UniqueID, gateway.StatusDeclined, nil, nil))
	require.NoError(t, orch.Settle(*fix.attempt.UniqueID, gateway.StatusApproved, nil, nil))

	attempt, err := attempts.GetByID(testDB, fix.attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, attempts.StatusDeclined, attempt.Status)
}

func TestSettleUnknownTransaction(t *testing.T) {
	t.Parallel()

	orch := orchestrator()
	assert.NoError(t, orch.Settle(uuid.NewV4().String(), gateway.StatusApproved, nil, nil))
}

func TestApplyChargeback(t *testing.T) {
	t.Parallel()

	orch := orchestrator()
	fix := createPendingAttempt(t, profiles.ModelFlywheel, true)

	require.NoError(t, orch.Settle(*fix.attempt.UniqueID, gateway.StatusApproved, nil, nil))

	reason := "AC04"
	postDate := time.Now().UTC()
	event := billing.ChargebackEvent{
		UniqueID:   *fix.attempt.UniqueID,
		ReasonCode: &reason,
		Amount:     decimal.NewNullDecimal(decimal.New(25, 0)),
		PostDate:   &postDate,
	}
	require.NoError(t, orch.ApplyChargeback(event))

	attempt, err := attempts.GetByID(testDB, fix.attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, attempts.StatusChargebacked, attempt.Status)
	require.NotNil(t, attempt.ChargebackReasonCode)
	assert.Equal(t, "AC04", *attempt.ChargebackReasonCode)
	assert.Nil(t, attempt.ErrorCode)

	debtor, err := debtors.GetByID(testDB, fix.debtor.ID)
	require.NoError(t, err)
	assert.Equal(t, debtors.StatusFailed, debtor.Status)

	profile, err := profiles.GetByID(testDB, fix.profile.ID)
	require.NoError(t, err)
	assert.False(t, profile.IsActive)

	t.Run("revenue is corrected", func(t *testing.T) {
		assert.True(t, profile.LifetimeRevenue.IsZero())
	})

	t.Run("reason code auto-blacklists the iban", func(t *testing.T) {
		found, err := blacklist.ContainsHashes(testDB, []string{fix.debtor.IbanHash})
		require.NoError(t, err)
		assert.Contains(t, found, fix.debtor.IbanHash)
	})

	t.Run("replays stay idempotent", func(t *testing.T) {
		require.NoError(t, orch.ApplyChargeback(event))

		count, err := chargebacks.CountForUniqueID(testDB, *fix.attempt.UniqueID)
		require.NoError(t, err)
		assert.Equal(t, 1, count)

		profile, err := profiles.GetByID(testDB, fix.profile.ID)
		require.NoError(t, err)
		assert.True(t, profile.LifetimeRevenue.IsZero())
	})
}

func TestSettleChargebackedStatus(t *testing.T) {
	t.Parallel()

	orch := orchestrator()
	fix := createPendingAttempt(t, profiles.ModelFlywheel, true)

	require.NoError(t, orch.Settle(*fix.attempt.UniqueID, gateway.StatusApproved, nil, nil))

	code := "AC06"
	require.NoError(t, orch.Settle(*fix.attempt.UniqueID, gateway.StatusChargebacked,
		&code, nil))

	attempt, err := attempts.GetByID(testDB, fix.attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, attempts.StatusChargebacked, attempt.Status)
	require.NotNil(t, attempt.ChargebackReasonCode)
	assert.Equal(t, "AC06", *attempt.ChargebackReasonCode)

	debtor, err := debtors.GetByID(testDB, fix.debtor.ID)
	require.NoError(t, err)
	assert.Equal(t, debtors.StatusFailed, debtor.Status)

	profile, err := profiles.GetByID(testDB, fix.profile.ID)
	require.NoError(t, err)
	assert.False(t, profile.IsActive)
	assert.True(t, profile.LifetimeRevenue.IsZero())

	count, err := chargebacks.CountForUniqueID(testDB, *fix.attempt.UniqueID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestApplyChargebackPartialAmount(t *testing.T) {
	t.Parallel()

	orch := orchestrator()
	fix := createPendingAttempt(t, profiles.ModelRecovery, true)

	require.NoError(t, orch.Settle(*fix.attempt.UniqueID, gateway.StatusApproved, nil, nil))

	reason := "MD06"
	require.NoError(t, orch.ApplyChargeback(billing.ChargebackEvent{
		UniqueID:   *fix.attempt.UniqueID,
		ReasonCode: &reason,
		Amount:     decimal.NewNullDecimal(decimal.New(10, 0)),
	}))

	// the attempt was worth 25; only the chargebacked 10 comes back out
	profile, err := profiles.GetByID(testDB, fix.profile.ID)
	require.NoError(t, err)
	assert.True(t, profile.LifetimeRevenue.Equal(decimal.New(15, 0)))
}

func TestApplyChargebackNonListedReason(t *testing.T) {
	t.Parallel()

	orch := orchestrator()
	fix := createPendingAttempt(t, profiles.ModelLegacy, false)

	reason := "MS03"
	require.NoError(t, orch.ApplyChargeback(billing.ChargebackEvent{
		UniqueID:   *fix.attempt.UniqueID,
		ReasonCode: &reason,
	}))

	found, err := blacklist.ContainsHashes(testDB, []string{fix.debtor.IbanHash})
	require.NoError(t, err)
	assert.NotContains(t, found, fix.debtor.IbanHash)
}
