package uploads_test

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/brianvoe/gofakeit"
	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcapay/recoup/build"
	"gitlab.com/arcapay/recoup/db"
	"gitlab.com/arcapay/recoup/models/profiles"
	"gitlab.com/arcapay/recoup/models/uploads"
	"gitlab.com/arcapay/recoup/testutil"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("uploads")
	testDB         *db.DB
)

func TestMain(m *testing.M) {
	gofakeit.Seed(0)
	build.SetLogLevels(logrus.ErrorLevel)

	testDB = testutil.InitDatabase(databaseConfig)

	result := m.Run()

	os.Exit(result)
}

func insertUpload(t *testing.T) uploads.Upload {
	t.Helper()
	upload, err := uploads.Insert(testDB, uploads.Upload{
		OriginalFilename: gofakeit.Word() + ".csv",
		StoredPath:       "/tmp/" + uuid.NewV4().String(),
		FileSize:         int64(gofakeit.Number(100, 1e6)),
		BillingModel:     profiles.ModelLegacy,
	})
	require.NoError(t, err)
	return upload
}

func TestInsert(t *testing.T) {
	t.Parallel()

	upload := insertUpload(t)
	assert.NotZero(t, upload.ID)
	assert.Equal(t, uploads.StatusPending, upload.Status)
	assert.Equal(t, uploads.PhaseIdle, upload.ValidationStatus)
	assert.Equal(t, uploads.PhaseIdle, upload.VopStatus)
	assert.Equal(t, uploads.PhaseIdle, upload.BillingStatus)
	assert.Equal(t, uploads.PhaseIdle, upload.ReconciliationStatus)

	found, err := uploads.GetByID(testDB, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, upload.ID, found.ID)
	assert.Equal(t, upload.OriginalFilename, found.OriginalFilename)
}

func TestGetByIDNotFound(t *testing.T) {
	t.Parallel()

	_, err := uploads.GetByID(testDB, 999999999)
	assert.Equal(t, uploads.ErrNotFound, err)
}

func TestPhaseLifecycle(t *testing.T) {
	t.Parallel()

	upload := insertUpload(t)
	batchID := uuid.NewV4().String()

	require.NoError(t,
		uploads.StartPhase(testDB, upload.ID, uploads.PhaseValidation, batchID))

	t.Run("starting a running phase fails", func(t *testing.T) {
		err := uploads.StartPhase(testDB, upload.ID, uploads.PhaseValidation, batchID)
		assert.Equal(t, uploads.ErrPhaseRunning, err)
	})

	t.Run("phases are independent", func(t *testing.T) {
		require.NoError(t,
			uploads.StartPhase(testDB, upload.ID, uploads.PhaseVop, batchID))
		require.NoError(t,
			uploads.CompletePhase(testDB, upload.ID, uploads.PhaseVop))
	})

	require.NoError(t,
		uploads.CompletePhase(testDB, upload.ID, uploads.PhaseValidation))

	found, err := uploads.GetByID(testDB, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, uploads.PhaseCompleted, found.Phase(uploads.PhaseValidation))
	assert.Equal(t, uploads.PhaseCompleted, found.Phase(uploads.PhaseVop))
	assert.Equal(t, uploads.PhaseIdle, found.Phase(uploads.PhaseBilling))

	t.Run("a completed phase can restart", func(t *testing.T) {
		err := uploads.StartPhase(testDB, upload.ID, uploads.PhaseValidation, batchID)
		assert.NoError(t, err)
	})
}

func TestFailAndResetPhase(t *testing.T) {
	t.Parallel()

	upload := insertUpload(t)
	batchID := uuid.NewV4().String()

	require.NoError(t,
		uploads.StartPhase(testDB, upload.ID, uploads.PhaseBilling, batchID))
	require.NoError(t,
		uploads.FailPhase(testDB, upload.ID, uploads.PhaseBilling))

	found, err := uploads.GetByID(testDB, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, uploads.PhaseFailed, found.Phase(uploads.PhaseBilling))

	require.NoError(t,
		uploads.ResetPhase(testDB, upload.ID, uploads.PhaseBilling))

	found, err = uploads.GetByID(testDB, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, uploads.PhaseIdle, found.Phase(uploads.PhaseBilling))
}

func TestUnknownPhaseRejected(t *testing.T) {
	t.Parallel()

	upload := insertUpload(t)
	err := uploads.StartPhase(testDB, upload.ID, "nonsense", "batch")
	assert.Error(t, err)
}

func TestCounts(t *testing.T) {
	t.Parallel()

	upload := insertUpload(t)
	require.NoError(t, uploads.SetTotalRows(testDB, upload.ID, 120,
		map[string]string{"0": "iban", "1": "amount"}))
	require.NoError(t, uploads.AddCounts(testDB, upload.ID, 100, 15))
	require.NoError(t, uploads.AddCounts(testDB, upload.ID, 5, 0))

	found, err := uploads.GetByID(testDB, upload.ID)
	require.NoError(t, err)
	assert.Equal(t, 120, found.TotalRows)
	assert.Equal(t, 105, found.ProcessedRecords)
	assert.Equal(t, 15, found.FailedRecords)
	assert.True(t, found.ColumnMapping.Valid)
}

func TestBumpSkipCount(t *testing.T) {
	t.Parallel()

	upload := insertUpload(t)
	require.NoError(t, uploads.BumpSkipCount(testDB, upload.ID, "blacklisted", 3))
	require.NoError(t, uploads.BumpSkipCount(testDB, upload.ID, "blacklisted", 2))
	require.NoError(t, uploads.BumpSkipCount(testDB, upload.ID, "chargebacked", 1))

	found, err := uploads.GetByID(testDB, upload.ID)
	require.NoError(t, err)

	var meta struct {
		Skipped map[string]int `json:"skipped"`
	}
	require.NoError(t, json.Unmarshal(found.Meta, &meta))
	assert.Equal(t, 5, meta.Skipped["blacklisted"])
	assert.Equal(t, 1, meta.Skipped["chargebacked"])
}

func TestAppendRowErrors(t *testing.T) {
	t.Parallel()

	upload := insertUpload(t)
	require.NoError(t, uploads.AppendRowErrors(testDB, upload.ID,
		[]string{"row 3: iban is invalid", "row 9: amount missing"}))

	found, err := uploads.GetByID(testDB, upload.ID)
	require.NoError(t, err)

	var meta struct {
		Errors []string `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(found.Meta, &meta))
	assert.Contains(t, meta.Errors, "row 3: iban is invalid")
	assert.Contains(t, meta.Errors, "row 9: amount missing")
}

func TestMergeMeta(t *testing.T) {
	t.Parallel()

	upload := insertUpload(t)
	require.NoError(t, uploads.MergeMeta(testDB, upload.ID, "source", "sftp"))
	require.NoError(t, uploads.MergeMeta(testDB, upload.ID, "operator", "ops@arcapay"))

	found, err := uploads.GetByID(testDB, upload.ID)
	require.NoError(t, err)

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal(found.Meta, &meta))
	assert.Equal(t, "sftp", meta["source"])
	assert.Equal(t, "ops@arcapay", meta["operator"])
}
