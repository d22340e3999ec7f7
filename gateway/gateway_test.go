package gateway_test

import (
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"gitlab.com/arcapay/recoup/gateway"
	"gitlab.com/arcapay/recoup/models/attempts"
)

func TestMapStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		gateway gateway.Status
		want    attempts.Status
	}{
		{gateway.StatusApproved, attempts.StatusApproved},
		{gateway.StatusDeclined, attempts.StatusDeclined},
		{gateway.StatusError, attempts.StatusError},
		{gateway.StatusVoided, attempts.StatusVoided},
		{gateway.StatusChargebacked, attempts.StatusChargebacked},
		{gateway.StatusPending, attempts.StatusPending},
		{gateway.StatusPendingAsync, attempts.StatusPending},
	}
	for _, tt := range tests {
		got := gateway.MapStatus(tt.gateway, attempts.StatusPending)
		assert.Equal(t, tt.want, got, string(tt.gateway))
	}

	t.Run("unknown status keeps the current one", func(t *testing.T) {
		t.Parallel()
		got := gateway.MapStatus("something_new", attempts.StatusApproved)
		assert.Equal(t, attempts.StatusApproved, got)
	})
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	permanent := gateway.NewPermanent("340", "invalid amount")
	transient := gateway.NewTransient("900", "system error")

	assert.True(t, gateway.IsPermanent(permanent))
	assert.False(t, gateway.IsTransient(permanent))

	assert.True(t, gateway.IsTransient(transient))
	assert.False(t, gateway.IsPermanent(transient))

	t.Run("wrapped errors are still classified", func(t *testing.T) {
		t.Parallel()
		wrapped := errors.Wrap(permanent, "charging debtor 42")
		assert.True(t, gateway.IsPermanent(wrapped))
	})

	t.Run("plain errors are neither", func(t *testing.T) {
		t.Parallel()
		assert.False(t, gateway.IsPermanent(io.EOF))
		assert.False(t, gateway.IsTransient(io.EOF))
	})
}
