package validators

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ToUserFriendlyName converts snake_case field names to user-friendly names
// Examples: "first_name" -> "First Name", "start_date" -> "Start Date"
func ToUserFriendlyName(fieldName string) string {
	if fieldName == "" {
		return fieldName
	}

	// Split by underscores and capitalize each word
	parts := strings.Split(fieldName, "_")
	for i, part := range parts {
		if len(part) > 0 {
			parts[i] = strings.ToUpper(part[:1]) + strings.ToLower(part[1:])
		}
	}

	return strings.Join(parts, " ")
}

// ValidateStringEmpty rejects empty and whitespace-only values.
func ValidateStringEmpty(value string, fieldName string) *ValidationResult {
	if len(strings.TrimSpace(value)) == 0 {
		userFriendlyName := ToUserFriendlyName(fieldName)
		defaultOptions := []ValidationOption{
			WithValue(value),
			WithMessage(fmt.Sprintf("%s is required.", userFriendlyName)),
			WithSuggestedAction(fmt.Sprintf("Please provide a valid %s.", userFriendlyName)),
			WithValidationCode(ValidationCodeRequired),
		}
		return NewValidationResult(false, fieldName, defaultOptions...)
	}
	defaultOptions := []ValidationOption{
		WithValue(value),
		WithValidationCode(ValidationCodeSuccess),
	}
	return NewValidationResult(true, fieldName, defaultOptions...)
}

// ValidateStringLength checks that value has between minLength and maxLength characters.
func ValidateStringLength(value string, fieldName string, minLength, maxLength int) *ValidationResult {
	userFriendlyName := ToUserFriendlyName(fieldName)
	length := utf8.RuneCountInString(value)

	if length < minLength {
		return NewValidationResult(false, fieldName,
			WithValue(value),
			WithMessage(fmt.Sprintf("%s must be at least %d characters long.", userFriendlyName, minLength)),
			WithSuggestedAction(fmt.Sprintf("Please provide a %s with at least %d characters.", userFriendlyName, minLength)),
			WithValidationCode(ValidationCodeInvalid),
			WithMetadata("min_length", minLength),
		)
	}

	if length > maxLength {
		return NewValidationResult(false, fieldName,
			WithValue(value),
			WithMessage(fmt.Sprintf("%s must be no more than %d characters long.", userFriendlyName, maxLength)),
			WithSuggestedAction(fmt.Sprintf("Please shorten the %s to %d characters.", userFriendlyName, maxLength)),
			WithValidationCode(ValidationCodeInvalid),
			WithMetadata("max_length", maxLength),
		)
	}

	return NewValidationResult(true, fieldName, WithValue(value), WithValidationCode(ValidationCodeSuccess))
}
