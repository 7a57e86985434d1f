package validators

import (
	"fmt"
	"slices"
	"strings"

	"github.com/asaskevich/govalidator"
)

// ValidateOneOf requires value to be one of allowed.
func ValidateOneOf(value string, fieldName string, allowed []string) *ValidationResult {
	if !slices.Contains(allowed, value) {
		userFriendlyName := ToUserFriendlyName(fieldName)
		return NewValidationResult(false, fieldName,
			WithValue(value),
			WithMessage(fmt.Sprintf("%s '%s' is not supported.", userFriendlyName, value)),
			WithSuggestedAction(fmt.Sprintf("Please choose one of: %s.", strings.Join(allowed, ", "))),
			WithValidationCode(ValidationCodeInvalid),
			WithMetadata("allowed", strings.Join(allowed, ",")),
		)
	}
	return NewValidationResult(true, fieldName, WithValue(value), WithValidationCode(ValidationCodeSuccess))
}

// ValidateMinInt requires value >= minimum.
func ValidateMinInt(value int, fieldName string, minimum int) *ValidationResult {
	if value < minimum {
		userFriendlyName := ToUserFriendlyName(fieldName)
		return NewValidationResult(false, fieldName,
			WithValue(fmt.Sprint(value)),
			WithMessage(fmt.Sprintf("%s must be at least %d.", userFriendlyName, minimum)),
			WithSuggestedAction(fmt.Sprintf("Please provide a %s of %d or more.", userFriendlyName, minimum)),
			WithValidationCode(ValidationCodeInvalid),
		)
	}
	return NewValidationResult(true, fieldName, WithValue(fmt.Sprint(value)), WithValidationCode(ValidationCodeSuccess))
}

// ValidateOptionalURL accepts an empty value or a well-formed URL.
func ValidateOptionalURL(value string, fieldName string) *ValidationResult {
	if value != "" && !govalidator.IsURL(value) {
		userFriendlyName := ToUserFriendlyName(fieldName)
		return NewValidationResult(false, fieldName,
			WithValue(value),
			WithMessage(fmt.Sprintf("Please enter a valid %s", userFriendlyName)),
			WithSuggestedAction("Please provide a full address, e.g. 'https://example.com'."),
			WithValidationCode(ValidationCodeInvalid),
		)
	}
	return NewValidationResult(true, fieldName, WithValue(value), WithValidationCode(ValidationCodeSuccess))
}
