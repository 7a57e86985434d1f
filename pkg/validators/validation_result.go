package validators

import (
	"fmt"

	"github.com/plaenen/subscriptions/pkg/eventsourcing"
)

// ValidationCode represents the type of validation result
type ValidationCode string

const (
	ValidationCodeUnspecified ValidationCode = "unspecified"
	ValidationCodeSuccess     ValidationCode = "success"
	ValidationCodeRequired    ValidationCode = "required"
	ValidationCodeInvalid     ValidationCode = "invalid"
)

// ValidationOption defines a function that can customize a ValidationResult
type ValidationOption func(*ValidationResult)

// ValidationResult represents the result of a validation operation
type ValidationResult struct {
	IsValid         bool                   `json:"is_valid"`
	FieldName       string                 `json:"field_name"`
	Value           string                 `json:"value"`
	Message         string                 `json:"message"`
	SuggestedAction string                 `json:"suggested_action"`
	ValidationCode  ValidationCode         `json:"validation_code"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
}

// Validation options

// WithValue sets a custom value for display
func WithValue(value string) ValidationOption {
	return func(vr *ValidationResult) {
		vr.Value = value
	}
}

// WithMessage sets a custom validation message
func WithMessage(message string) ValidationOption {
	return func(vr *ValidationResult) {
		vr.Message = message
	}
}

// WithSuggestedAction sets a custom suggested action
func WithSuggestedAction(action string) ValidationOption {
	return func(vr *ValidationResult) {
		vr.SuggestedAction = action
	}
}

// WithValidationCode sets the validation code
func WithValidationCode(code ValidationCode) ValidationOption {
	return func(vr *ValidationResult) {
		vr.ValidationCode = code
	}
}

// WithMetadata adds metadata to the validation result
func WithMetadata(key string, value interface{}) ValidationOption {
	return func(vr *ValidationResult) {
		if vr.Metadata == nil {
			vr.Metadata = make(map[string]interface{})
		}
		vr.Metadata[key] = value
	}
}

// NewValidationResult creates a new ValidationResult
func NewValidationResult(isValid bool, fieldName string, options ...ValidationOption) *ValidationResult {
	vr := &ValidationResult{
		IsValid:         isValid,
		FieldName:       fieldName,
		Value:           "",
		Message:         "",
		SuggestedAction: "",
		ValidationCode:  ValidationCodeUnspecified,
		Metadata:        make(map[string]interface{}),
	}

	// Apply options
	for _, option := range options {
		option(vr)
	}

	return vr
}

// GetMetadata returns a metadata value by key
func (vr *ValidationResult) GetMetadata(key string) (interface{}, bool) {
	if vr.Metadata == nil {
		return nil, false
	}
	value, exists := vr.Metadata[key]
	return value, exists
}

// ToAppError converts an invalid result into an AppError. Valid results yield nil.
func (vr *ValidationResult) ToAppError() *eventsourcing.AppError {
	if vr.IsValid {
		return nil
	}

	appError := &eventsourcing.AppError{
		Code:     string(vr.ValidationCode),
		Message:  vr.Message,
		Solution: vr.SuggestedAction,
		Details:  make(map[string]string, len(vr.Metadata)+2),
	}
	for key, value := range vr.Metadata {
		appError.Details[key] = fmt.Sprintf("%v", value)
	}
	appError.Details["field_name"] = vr.FieldName
	appError.Details["value"] = vr.Value
	return appError
}

// Err converts an invalid result into an eventsourcing.ValidationError. Valid results yield nil.
func (vr *ValidationResult) Err() error {
	if vr.IsValid {
		return nil
	}
	return eventsourcing.NewValidationError(vr.FieldName, vr.Message)
}

// FirstError returns the error of the first invalid result, in argument order.
func FirstError(results ...*ValidationResult) error {
	for _, result := range results {
		if err := result.Err(); err != nil {
			return err
		}
	}
	return nil
}
