package ingest_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcapay/recoup/dedup"
	"gitlab.com/arcapay/recoup/ingest"
	"gitlab.com/arcapay/recoup/models/profiles"
)

func TestModelConflictSkip(t *testing.T) {
	t.Parallel()

	legacy := profiles.Profile{BillingModel: profiles.ModelLegacy, IsActive: true}
	flywheel := profiles.Profile{BillingModel: profiles.ModelFlywheel, IsActive: true}
	recovery := profiles.Profile{BillingModel: profiles.ModelRecovery, IsActive: true}

	t.Run("recurring row against a legacy profile", func(t *testing.T) {
		t.Parallel()
		skip := ingest.ModelConflictSkip(legacy, profiles.ModelFlywheel)
		require.NotNil(t, skip)
		assert.Equal(t, dedup.ReasonExistingLegacyIban, skip.Reason)
		assert.True(t, skip.Permanent)
	})

	t.Run("recurring models never switch through an import", func(t *testing.T) {
		t.Parallel()
		skip := ingest.ModelConflictSkip(flywheel, profiles.ModelRecovery)
		require.NotNil(t, skip)
		assert.Equal(t, dedup.ReasonModelConflict, skip.Reason)

		t.Run("unless the profile is inactive", func(t *testing.T) {
			inactive := flywheel
			inactive.IsActive = false
			assert.Nil(t, ingest.ModelConflictSkip(inactive, profiles.ModelRecovery))
		})
	})

	t.Run("legacy row against a recurring profile", func(t *testing.T) {
		t.Parallel()
		for _, profile := range []profiles.Profile{flywheel, recovery} {
			skip := ingest.ModelConflictSkip(profile, profiles.ModelLegacy)
			require.NotNil(t, skip)
			assert.Equal(t, dedup.ReasonModelConflict, skip.Reason)
			assert.True(t, skip.Permanent)
		}
	})

	t.Run("matching models pass", func(t *testing.T) {
		t.Parallel()
		assert.Nil(t, ingest.ModelConflictSkip(legacy, profiles.ModelLegacy))
		assert.Nil(t, ingest.ModelConflictSkip(flywheel, profiles.ModelFlywheel))
		assert.Nil(t, ingest.ModelConflictSkip(recovery, profiles.ModelRecovery))
	})
}
