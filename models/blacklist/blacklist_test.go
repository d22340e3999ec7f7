package blacklist_test

import (
	"os"
	"testing"

	"github.com/brianvoe/gofakeit"
	uuid "github.com/satori/go.uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcapay/recoup/build"
	"gitlab.com/arcapay/recoup/db"
	"gitlab.com/arcapay/recoup/iban"
	"gitlab.com/arcapay/recoup/models/blacklist"
	"gitlab.com/arcapay/recoup/testutil"
)

var (
	databaseConfig = testutil.GetDatabaseConfig("blacklist")
	testDB         *db.DB
)

func TestMain(m *testing.M) {
	gofakeit.Seed(0)
	build.SetLogLevels(logrus.ErrorLevel)

	testDB = testutil.InitDatabase(databaseConfig)

	result := m.Run()

	os.Exit(result)
}

func TestAddIsIdempotent(t *testing.T) {
	t.Parallel()

	hash := iban.Hash(uuid.NewV4().String())
	entry := blacklist.Entry{IbanHash: &hash, Reason: "chargeback threshold"}

	require.NoError(t, blacklist.Add(testDB, entry))
	require.NoError(t, blacklist.Add(testDB, entry))

	count, err := blacklist.CountForHash(testDB, hash)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestContainsHashes(t *testing.T) {
	t.Parallel()

	listed := iban.Hash(uuid.NewV4().String())
	unlisted := iban.Hash(uuid.NewV4().String())
	require.NoError(t, blacklist.Add(testDB, blacklist.Entry{
		IbanHash: &listed,
		Reason:   "manual block",
	}))

	found, err := blacklist.ContainsHashes(testDB, []string{listed, unlisted})
	require.NoError(t, err)
	assert.Contains(t, found, listed)
	assert.NotContains(t, found, unlisted)

	t.Run("empty batch", func(t *testing.T) {
		found, err := blacklist.ContainsHashes(testDB, nil)
		require.NoError(t, err)
		assert.Empty(t, found)
	})
}

func TestNameKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "erika|mustermann", blacklist.NameKey("Erika", "Mustermann"))
	assert.Equal(t, "erika|mustermann", blacklist.NameKey("  ERIKA ", "mustermann "))
	assert.Equal(t, "|", blacklist.NameKey("", ""))
}

func TestContainsNames(t *testing.T) {
	t.Parallel()

	hash := iban.Hash(uuid.NewV4().String())
	first := gofakeit.FirstName() + uuid.NewV4().String()[:8]
	last := gofakeit.LastName()
	require.NoError(t, blacklist.Add(testDB, blacklist.Entry{
		IbanHash:  &hash,
		FirstName: &first,
		LastName:  &last,
		Reason:    "fraud report",
	}))

	found, err := blacklist.ContainsNames(testDB, []string{
		blacklist.NameKey(first, last),
		blacklist.NameKey("Nobody", "Listed"),
	})
	require.NoError(t, err)
	assert.Contains(t, found, blacklist.NameKey(first, last))
	assert.Len(t, found, 1)
}

func TestContainsEmails(t *testing.T) {
	t.Parallel()

	hash := iban.Hash(uuid.NewV4().String())
	email := uuid.NewV4().String()[:8] + "@example.com"
	require.NoError(t, blacklist.Add(testDB, blacklist.Entry{
		IbanHash: &hash,
		Email:    &email,
		Reason:   "opt out",
	}))

	found, err := blacklist.ContainsEmails(testDB, []string{email, "other@example.com"})
	require.NoError(t, err)
	assert.Contains(t, found, email)
	assert.Len(t, found, 1)
}
