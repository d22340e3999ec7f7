package webhooks_test

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/arcapay/recoup/webhooks"
)

func TestParseNotification(t *testing.T) {
	t.Parallel()

	t.Run("status update", func(t *testing.T) {
		t.Parallel()
		values := url.Values{}
		values.Set("unique_id", "abc123")
		values.Set("transaction_type", "sdd_sale")
		values.Set("status", "approved")
		values.Set("amount", "25.50")
		values.Set("currency", "EUR")

		n := webhooks.ParseNotification(values)
		assert.Equal(t, "abc123", n.UniqueID)
		assert.Equal(t, webhooks.TypeStatusUpdate, n.ProcessingType)
		assert.Equal(t, "approved", n.Status)
		require.True(t, n.Amount.Valid)
		assert.Equal(t, "25.5", n.Amount.Decimal.String())
		assert.Equal(t, "EUR", n.Currency)
	})

	t.Run("chargeback with aliased reason fields", func(t *testing.T) {
		t.Parallel()
		values := url.Values{}
		values.Set("unique_id", "abc123")
		values.Set("processing_type", "chargeback")
		values.Set("rc_code", "AC04")
		values.Set("rc_description", "account closed")
		values.Set("arn", "74537604221431003881865")
		values.Set("post_date", "2026-08-20 14:30:00")

		n := webhooks.ParseNotification(values)
		assert.Equal(t, webhooks.TypeChargeback, n.ProcessingType)
		assert.Equal(t, "AC04", n.ReasonCode)
		assert.Equal(t, "account closed", n.ReasonText)
		assert.Equal(t, "74537604221431003881865", n.Arn)
		require.NotNil(t, n.PostDate)
		assert.Equal(t,
			time.Date(2026, 8, 20, 14, 30, 0, 0, time.UTC), *n.PostDate)
	})

	t.Run("reason_code wins over error_code", func(t *testing.T) {
		t.Parallel()
		values := url.Values{}
		values.Set("reason_code", "MD01")
		values.Set("error_code", "510")

		n := webhooks.ParseNotification(values)
		assert.Equal(t, "MD01", n.ReasonCode)
		assert.Equal(t, "510", n.ErrorCode)
	})

	t.Run("date-only post date", func(t *testing.T) {
		t.Parallel()
		values := url.Values{}
		values.Set("post_date", "2026-08-20")

		n := webhooks.ParseNotification(values)
		require.NotNil(t, n.PostDate)
		assert.Equal(t, time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC), *n.PostDate)
	})

	t.Run("raw payload is kept", func(t *testing.T) {
		t.Parallel()
		values := url.Values{}
		values.Set("unique_id", "abc123")
		values.Set("some_vendor_field", "whatever")

		n := webhooks.ParseNotification(values)
		assert.Equal(t, "whatever", n.Raw["some_vendor_field"])
	})
}

func TestEchoXML(t *testing.T) {
	t.Parallel()

	echo := webhooks.EchoXML("abc123")
	assert.Equal(t,
		`<?xml version="1.0" encoding="UTF-8"?>`+
			"<notification_echo><unique_id>abc123</unique_id></notification_echo>",
		string(echo))

	empty := webhooks.EchoXML("")
	assert.True(t, strings.HasPrefix(string(empty), `<?xml version="1.0"`))
	assert.Contains(t, string(empty), "notification_echo")
}
