package validator

import (
	"github.com/go-playground/validator/v10"

	"rangedir/internal/tier"
)

type Validator struct {
	validate *validator.Validate
}

func New() *Validator {
	v := validator.New()

	// Custom validators
	v.RegisterValidation("paid_tier", validatePaidTier)
	v.RegisterValidation("checkout_session_id", validateCheckoutSessionID)

	return &Validator{validate: v}
}

func (v *Validator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}

// validatePaidTier accepts only tiers that can be bought through checkout.
func validatePaidTier(fl validator.FieldLevel) bool {
	t := tier.Tier(fl.Field().String())
	return t.Valid() && t.Paid()
}

// validateCheckoutSessionID checks the provider's session ID shape without
// being strict about length; the provider owns the format.
func validateCheckoutSessionID(fl validator.FieldLevel) bool {
	id := fl.Field().String()
	return len(id) > 3 && id[:3] == "cs_"
}
