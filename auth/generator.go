package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

const (
	lowerChars = "abcdefghijklmnopqrstuvwxyz"
	upperChars = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars = "0123456789"

	// MinGeneratedLength is the shortest password GeneratePassword returns.
	MinGeneratedLength = 8
)

// GenerateOptions selects the character classes beyond lowercase.
type GenerateOptions struct {
	Upper   bool
	Digits  bool
	Symbols bool
}

// DefaultGenerateOptions enables every class.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{Upper: true, Digits: true, Symbols: true}
}

// GeneratePassword returns length characters drawn uniformly from crypto/rand.
func GeneratePassword(length int, opts GenerateOptions) (string, error) {
	if length < MinGeneratedLength {
		return "", fmt.Errorf("password length must be at least %d", MinGeneratedLength)
	}

	alphabet := lowerChars
	if opts.Upper {
		alphabet += upperChars
	}
	if opts.Digits {
		alphabet += digitChars
	}
	if opts.Symbols {
		alphabet += specialChars
	}
	if alphabet == "" {
		return "", errors.New("empty alphabet")
	}

	max := big.NewInt(int64(len(alphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		out[i] = alphabet[n.Int64()]
	}
	return string(out), nil
}
