package validators

import (
	"fmt"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// ValidatePositiveAmount requires value to be strictly greater than zero.
func ValidatePositiveAmount(value decimal.Decimal, fieldName string) *ValidationResult {
	if !value.IsPositive() {
		userFriendlyName := ToUserFriendlyName(fieldName)
		return NewValidationResult(false, fieldName,
			WithValue(value.String()),
			WithMessage(fmt.Sprintf("%s must be greater than zero.", userFriendlyName)),
			WithSuggestedAction(fmt.Sprintf("Please provide a positive %s, e.g. '9.99'.", userFriendlyName)),
			WithValidationCode(ValidationCodeInvalid),
		)
	}
	return NewValidationResult(true, fieldName, WithValue(value.String()), WithValidationCode(ValidationCodeSuccess))
}

// ValidateCurrency requires a recognised ISO 4217 currency code such as "EUR".
func ValidateCurrency(value string, fieldName string) *ValidationResult {
	if result := ValidateStringEmpty(value, fieldName); !result.IsValid {
		return result
	}

	if _, err := currency.ParseISO(value); err != nil || len(value) != 3 {
		userFriendlyName := ToUserFriendlyName(fieldName)
		return NewValidationResult(false, fieldName,
			WithValue(value),
			WithMessage(fmt.Sprintf("%s '%s' is not a known ISO 4217 code.", userFriendlyName, value)),
			WithSuggestedAction("Please provide a three letter currency code, e.g. 'EUR' or 'USD'."),
			WithValidationCode(ValidationCodeInvalid),
		)
	}
	return NewValidationResult(true, fieldName, WithValue(value), WithValidationCode(ValidationCodeSuccess))
}
