package billing

import (
	"github.com/shopspring/decimal"

	"gitlab.com/arcapay/recoup/config"
	"gitlab.com/arcapay/recoup/models/profiles"
)

// ResolveRowModel picks the billing model for a single row. Legacy uploads
// always bill legacy. Recurring uploads try the upload's own amount range
// first, then the other recurring range; a row neither range accepts falls
// back to legacy.
func ResolveRowModel(conf config.Billing, uploadModel profiles.BillingModel,
	amount decimal.Decimal) profiles.BillingModel {

	if uploadModel == profiles.ModelLegacy {
		return profiles.ModelLegacy
	}

	order := []profiles.BillingModel{profiles.ModelFlywheel, profiles.ModelRecovery}
	if uploadModel == profiles.ModelRecovery {
		order = []profiles.BillingModel{profiles.ModelRecovery, profiles.ModelFlywheel}
	}
	for _, model := range order {
		if r, ok := conf.Range(model); ok && r.Contains(amount) {
			return model
		}
	}
	return profiles.ModelLegacy
}

// CanBill reports whether the amount is billable under the model. Legacy has
// no range of its own; the recurring models are bounded by configuration.
func CanBill(conf config.Billing, model profiles.BillingModel,
	amount decimal.Decimal) bool {

	if model == profiles.ModelLegacy {
		return amount.GreaterThan(decimal.Zero)
	}
	r, ok := conf.Range(model)
	return ok && r.Contains(amount)
}
