package validators

import (
	"fmt"

	"cloud.google.com/go/civil"
)

// DateLayout is the only accepted calendar date format.
const DateLayout = "YYYY-MM-DD"

// ValidateCalendarDate parses value as a YYYY-MM-DD calendar date.
// Values that parse but do not format back to the same text are rejected,
// so impossible dates such as 2024-02-30 never slip through.
func ValidateCalendarDate(value string, fieldName string) (civil.Date, *ValidationResult) {
	userFriendlyName := ToUserFriendlyName(fieldName)
	invalid := func() *ValidationResult {
		return NewValidationResult(false, fieldName,
			WithValue(value),
			WithMessage(fmt.Sprintf("%s '%s' is not a valid %s calendar date.", userFriendlyName, value, DateLayout)),
			WithSuggestedAction(fmt.Sprintf("Please provide an existing date formatted as %s, e.g. '2024-03-01'.", DateLayout)),
			WithValidationCode(ValidationCodeInvalid),
		)
	}

	if result := ValidateStringEmpty(value, fieldName); !result.IsValid {
		return civil.Date{}, result
	}

	date, err := civil.ParseDate(value)
	if err != nil || !date.IsValid() || date.String() != value {
		return civil.Date{}, invalid()
	}
	return date, NewValidationResult(true, fieldName, WithValue(value), WithValidationCode(ValidationCodeSuccess))
}

// ValidateDateNotBefore requires value to be on or after earliest (day resolution).
func ValidateDateNotBefore(value, earliest civil.Date, fieldName string) *ValidationResult {
	if value.Before(earliest) {
		userFriendlyName := ToUserFriendlyName(fieldName)
		return NewValidationResult(false, fieldName,
			WithValue(value.String()),
			WithMessage(fmt.Sprintf("%s %s must not be before %s.", userFriendlyName, value, earliest)),
			WithSuggestedAction(fmt.Sprintf("Please provide %s or a later date.", earliest)),
			WithValidationCode(ValidationCodeInvalid),
			WithMetadata("earliest", earliest.String()),
		)
	}
	return NewValidationResult(true, fieldName, WithValue(value.String()), WithValidationCode(ValidationCodeSuccess))
}
