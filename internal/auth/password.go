package auth

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// maxPasswordBytes is the bcrypt input limit.
const maxPasswordBytes = 72

// ValidatePassword checks password against the policy: at least minChars
// characters, at most 72 bytes, and at least one letter and one digit.
func ValidatePassword(password string, minChars int) error {
	if utf8.RuneCountInString(password) < minChars {
		return fmt.Errorf("%w: must be at least %d characters", ErrPolicyViolation, minChars)
	}
	if len(password) > maxPasswordBytes {
		return fmt.Errorf("%w: must be at most %d bytes", ErrPolicyViolation, maxPasswordBytes)
	}

	var letter, digit bool
	for _, r := range password {
		switch {
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !letter || !digit {
		return fmt.Errorf("%w: must contain a letter and a digit", ErrPolicyViolation)
	}
	return nil
}
