package local

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/panyam/barter"
)

// DefaultMinPasswordLength matches the hosted provider's minimum.
const DefaultMinPasswordLength = 6

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// PasswordPolicy defines what a sign-up must satisfy.
type PasswordPolicy struct {
	MinPasswordLength int

	// Optional extra check run after the length check, e.g. a breached password lookup
	Check func(password string) error
}

// GetMinPasswordLength returns the configured length or the default
func (p PasswordPolicy) GetMinPasswordLength() int {
	if p.MinPasswordLength > 0 {
		return p.MinPasswordLength
	}
	return DefaultMinPasswordLength
}

// ValidatePassword checks password against the policy
func (p PasswordPolicy) ValidatePassword(op, password string) error {
	if password == "" {
		return barter.NewFieldError(op, barter.ErrCodeMissingField, "Password is required", "password")
	}
	if minLen := p.GetMinPasswordLength(); len(password) < minLen {
		return barter.NewFieldError(op, barter.ErrCodeWeakPassword,
			fmt.Sprintf("Password should be at least %d characters", minLen), "password")
	}
	if p.Check != nil {
		if err := p.Check(password); err != nil {
			return barter.NewFieldError(op, barter.ErrCodeWeakPassword, err.Error(), "password")
		}
	}
	return nil
}

// ValidateEmail checks the address is plausibly deliverable
func ValidateEmail(op, email string) error {
	if email == "" {
		return barter.NewFieldError(op, barter.ErrCodeMissingField, "Email is required", "email")
	}
	if !emailRegex.MatchString(email) {
		return barter.NewFieldError(op, barter.ErrCodeInvalidEmail, "Invalid email format", "email")
	}
	return nil
}

// NormalizeEmail lower-cases and trims an address so lookups are case insensitive
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
