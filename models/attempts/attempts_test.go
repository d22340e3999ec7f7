package attempts_test

import (
	"encoding/json"
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
	"gitlab.com/arcapay/recoup/iban"
	"gitlab.com/arcapay/recoup/models/attempts"
	"gitlab.com/arcapay/recoup/models/debtors"
	"gitlab.com/arcapay/recoup/models/profiles"
	"gitlab.com/arcapay/recoup/models/uploads"
	"gitlab.com/arcapay/recoup/testutil"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("attempts")
	testDB         *db.DB
)

func TestMain(m *testing.M) {
	gofakeit.Seed(0)
	build.SetLogLevels(logrus.ErrorLevel)

	testDB = testutil.InitDatabase(databaseConfig)

	result := m.Run()

	os.Exit(result)
}

const testIban = "DE89370400440532013000"

func createDebtor(t *testing.T) debtors.Debtor {
	t.Helper()

	upload, err := uploads.Insert(testDB, uploads.Upload{
		OriginalFilename: gofakeit.Word() + ".csv",
		StoredPath:       "/tmp/" + uuid.NewV4().String(),
		BillingModel:     profiles.ModelLegacy,
	})
	require.NoError(t, err)

	first := gofakeit.FirstName()
	last := gofakeit.LastName()
	debtor, err := debtors.Insert(testDB, debtors.Debtor{
		UploadID:  upload.ID,
		FirstName: &first,
		LastName:  &last,
		Iban:      testIban,
		IbanHash:  iban.Hash(uuid.NewV4().String()),
		IbanValid: true,
		Amount:    decimal.New(int64(gofakeit.Number(100, 50000)), -2),
	})
	require.NoError(t, err)
	return debtor
}

func insertAttempt(t *testing.T, debtorID int, uniqueID string) attempts.Attempt {
	t.Helper()

	tx := testDB.MustBegin()
	number, err := attempts.NextAttemptNumber(tx, debtorID)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	attempt := attempts.Attempt{
		DebtorID:      debtorID,
		AttemptNumber: number,
		Amount:        decimal.New(25, 0),
		Currency:      "EUR",
		BillingModel:  profiles.ModelLegacy,
	}
	if uniqueID != "" {
		attempt.UniqueID = &uniqueID
	}
	inserted, err := attempts.Insert(testDB, attempt)
	require.NoError(t, err)
	return inserted
}

func TestStatusTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, attempts.StatusPending.Terminal())
	assert.False(t, attempts.StatusApproved.Terminal())
	assert.True(t, attempts.StatusDeclined.Terminal())
	assert.True(t, attempts.StatusError.Terminal())
	assert.True(t, attempts.StatusVoided.Terminal())
	assert.True(t, attempts.StatusChargebacked.Terminal())
}

func TestNextAttemptNumber(t *testing.T) {
	t.Parallel()

	debtor := createDebtor(t)

	first := insertAttempt(t, debtor.ID, "")
	assert.Equal(t, 1, first.AttemptNumber)

	second := insertAttempt(t, debtor.ID, "")
	assert.Equal(t, 2, second.AttemptNumber)
}

func TestInsertDefaults(t *testing.T) {
	t.Parallel()

	debtor := createDebtor(t)
	attempt := insertAttempt(t, debtor.ID, "")

	assert.Equal(t, attempts.StatusPending, attempt.Status)
	assert.Equal(t, attempts.SourceBatchUpload, attempt.ContextSource)
	assert.NotZero(t, attempt.ID)
}

func TestGetByUniqueID(t *testing.T) {
	t.Parallel()

	debtor := createDebtor(t)
	uniqueID := uuid.NewV4().String()
	attempt := insertAttempt(t, debtor.ID, uniqueID)

	found, err := attempts.GetByUniqueID(testDB, uniqueID)
	require.NoError(t, err)
	assert.Equal(t, attempt.ID, found.ID)

	_, err = attempts.GetByUniqueID(testDB, uuid.NewV4().String())
	assert.Equal(t, attempts.ErrNotFound, err)
}

func TestSetStatus(t *testing.T) {
	t.Parallel()

	debtor := createDebtor(t)
	attempt := insertAttempt(t, debtor.ID, "")

	code := "510"
	message := "insufficient funds"
	require.NoError(t, attempts.SetStatus(testDB, attempt.ID,
		attempts.StatusDeclined, &code, &message))

	found, err := attempts.GetByID(testDB, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, attempts.StatusDeclined, found.Status)
	require.NotNil(t, found.ErrorCode)
	assert.Equal(t, "510", *found.ErrorCode)
}

func TestMarkChargebacked(t *testing.T) {
	t.Parallel()

	debtor := createDebtor(t)
	attempt := insertAttempt(t, debtor.ID, "")

	reason := "AC04"
	at := time.Now().UTC()
	require.NoError(t, attempts.MarkChargebacked(testDB, attempt.ID, &reason, nil, at))

	found, err := attempts.GetByID(testDB, attempt.ID)
	require.NoError(t, err)
	assert.Equal(t, attempts.StatusChargebacked, found.Status)
	require.NotNil(t, found.ChargebackReasonCode)
	assert.Equal(t, "AC04", *found.ChargebackReasonCode)
	assert.NotNil(t, found.ChargebackedAt)
}

func TestAppendRetrievalRequest(t *testing.T) {
	t.Parallel()

	debtor := createDebtor(t)
	attempt := insertAttempt(t, debtor.ID, "")

	require.NoError(t, attempts.AppendRetrievalRequest(testDB, attempt.ID,
		map[string]string{"reason": "cardholder inquiry"}))
	require.NoError(t, attempts.AppendRetrievalRequest(testDB, attempt.ID,
		map[string]string{"reason": "second inquiry"}))

	found, err := attempts.GetByID(testDB, attempt.ID)
	require.NoError(t, err)

	var meta struct {
		RetrievalRequests []map[string]string `json:"retrieval_requests"`
	}
	require.NoError(t, json.Unmarshal(found.Meta, &meta))
	require.Len(t, meta.RetrievalRequests, 2)
	assert.Equal(t, "cardholder inquiry", meta.RetrievalRequests[0]["reason"])

	t.Run("status does not change", func(t *testing.T) {
		assert.Equal(t, attempts.StatusPending, found.Status)
	})
}

func TestPendingForReconciliation(t *testing.T) {
	t.Parallel()

	debtor := createDebtor(t)
	withID := insertAttempt(t, debtor.ID, uuid.NewV4().String())
	withoutID := insertAttempt(t, debtor.ID, "")

	found, err := attempts.PendingForReconciliation(testDB, 0, 10, 1000)
	require.NoError(t, err)

	ids := make(map[int]bool, len(found))
	for _, attempt := range found {
		ids[attempt.ID] = true
	}
	assert.True(t, ids[withID.ID])
	assert.False(t, ids[withoutID.ID])

	t.Run("touching consumes the budget", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			require.NoError(t, attempts.TouchReconciliation(testDB, withID.ID))
		}
		found, err := attempts.PendingForReconciliation(testDB, 0, 10, 1000)
		require.NoError(t, err)
		for _, attempt := range found {
			assert.NotEqual(t, withID.ID, attempt.ID)
		}
	})
}
