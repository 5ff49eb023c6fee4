package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

var (
	// IDs may come from the auth provider or from payment metadata
	// (e.g. "user-42"), so they are opaque tokens rather than UUIDs.
	idRegex  = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	pinRegex = regexp.MustCompile(`^\d{4}$`)
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// SanitizeString strips control characters and surrounding whitespace.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

// ValidateID checks an opaque entity identifier.
func ValidateID(id, fieldName string) error {
	if id == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	if !idRegex.MatchString(SanitizeString(id)) {
		return &ValidationError{
			Field:   fieldName,
			Message: "must be 1-64 characters of letters, digits, '-' or '_'",
		}
	}

	return nil
}

// ValidatePIN checks the 4-digit venue PIN format.
func ValidatePIN(pin string) error {
	if pin == "" {
		return &ValidationError{
			Field:   "pin",
			Message: "is required",
		}
	}

	if !pinRegex.MatchString(SanitizeString(pin)) {
		return &ValidationError{
			Field:   "pin",
			Message: "must be a 4-digit numeric code",
		}
	}

	return nil
}

// ValidateBoost checks the multiplier and duration of a boost purchase.
func ValidateBoost(multiplier float64, durationHours int) error {
	if multiplier <= 1 {
		return &ValidationError{
			Field:   "multiplier",
			Message: "must be greater than 1",
		}
	}

	if multiplier > 10 {
		return &ValidationError{
			Field:   "multiplier",
			Message: "cannot exceed 10",
		}
	}

	if durationHours <= 0 {
		return &ValidationError{
			Field:   "duration_hours",
			Message: "must be positive",
		}
	}

	if durationHours > 24*30 {
		return &ValidationError{
			Field:   "duration_hours",
			Message: "cannot exceed 30 days",
		}
	}

	return nil
}

// ValidateQuantity checks a token purchase quantity.
func ValidateQuantity(quantity int64) error {
	if quantity <= 0 {
		return &ValidationError{
			Field:   "quantity",
			Message: "must be positive",
		}
	}

	if quantity > 10_000 {
		return &ValidationError{
			Field:   "quantity",
			Message: "exceeds maximum allowed quantity",
		}
	}

	return nil
}
