package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/nbutton23/zxcvbn-go"
)

const (
	specialChars = "!\"#$%&'()*+,-./:;<=>?@[\\]^_{|}~`"

	// MinMasterLength is the shortest accepted master password.
	MinMasterLength = 16
)

var commonPatterns = []string{"1234", "azerty", "qwerty", "password", "admin", "abcd"}

// ErrWeakPassword wraps every policy rejection.
var ErrWeakPassword = errors.New("master password rejected")

// ValidateOptions tunes the checks beyond the fixed character rules.
type ValidateOptions struct {
	// MinZXCVBNScore is the lowest accepted zxcvbn score (0..4).
	MinZXCVBNScore int
	// UserInputs are words zxcvbn should treat as guessable.
	UserInputs []string
	// Breaches, when set, is consulted for known leaks.
	Breaches *HIBPClient
}

// DefaultValidateOptions returns the desktop defaults without a breach check.
func DefaultValidateOptions() ValidateOptions {
	return ValidateOptions{MinZXCVBNScore: 3}
}

// ValidateMasterPassword applies the master password policy requirements.
func ValidateMasterPassword(pw string) error {
	if len([]rune(pw)) < MinMasterLength {
		return fmt.Errorf("%w: must be at least %d characters long", ErrWeakPassword, MinMasterLength)
	}
	if !hasUpper(pw) {
		return fmt.Errorf("%w: must include an uppercase letter", ErrWeakPassword)
	}
	if !hasLower(pw) {
		return fmt.Errorf("%w: must include a lowercase letter", ErrWeakPassword)
	}
	if !hasDigit(pw) {
		return fmt.Errorf("%w: must include a digit", ErrWeakPassword)
	}
	if !hasSpecial(pw) {
		return fmt.Errorf("%w: must include a special character", ErrWeakPassword)
	}
	lower := strings.ToLower(pw)
	for _, p := range commonPatterns {
		if strings.Contains(lower, p) {
			return fmt.Errorf("%w: contains the common sequence %q", ErrWeakPassword, p)
		}
	}
	return nil
}

// ValidateMasterPasswordAdvanced runs ValidateMasterPassword, then the
// zxcvbn strength estimate and, if configured, the breach check.
func ValidateMasterPasswordAdvanced(ctx context.Context, pw string, opts ValidateOptions) error {
	if err := ValidateMasterPassword(pw); err != nil {
		return err
	}

	score := zxcvbn.PasswordStrength(pw, opts.UserInputs).Score
	if score < opts.MinZXCVBNScore {
		return fmt.Errorf("%w: too guessable (score %d, need %d)", ErrWeakPassword, score, opts.MinZXCVBNScore)
	}

	if opts.Breaches != nil {
		res, err := opts.Breaches.Check(ctx, pw)
		if err != nil {
			return fmt.Errorf("breach check: %w", err)
		}
		if res.Found {
			return fmt.Errorf("%w: seen %d times in known breaches", ErrWeakPassword, res.Count)
		}
	}
	return nil
}

func hasUpper(s string) bool {
	for _, r := range s {
		if unicode.IsUpper(r) {
			return true
		}
	}
	return false
}

func hasLower(s string) bool {
	for _, r := range s {
		if unicode.IsLower(r) {
			return true
		}
	}
	return false
}

func hasDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func hasSpecial(s string) bool {
	for _, r := range s {
		if strings.ContainsRune(specialChars, r) {
			return true
		}
	}
	return false
}
