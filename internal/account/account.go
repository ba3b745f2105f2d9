// Package account defines the member account and the format checks each of
// its fields must pass before any network call.
package account

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	identifierLength    = 10
	contactNumberLength = 11
	minSecretLength     = 8

	// secretPunctuation is the 32-character special set accepted by the remote service.
	secretPunctuation = "!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~"
)

// Field names reported by ValidationError.
const (
	FieldIdentifier    = "identifier"
	FieldSecret        = "secret"
	FieldContactNumber = "contact_number"
)

// Credential is the member account used to authenticate against the remote service.
type Credential struct {
	Identifier    string
	Secret        string
	ContactNumber string
}

// ValidationError lists the fields that failed their format validators.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid account fields: %s", strings.Join(e.Fields, ", "))
}

// Validate checks every field independently and reports all failures at once.
func (c Credential) Validate() error {
	var fields []string
	if !IsValidIdentifier(c.Identifier) {
		fields = append(fields, FieldIdentifier)
	}
	if !IsValidSecret(c.Secret) {
		fields = append(fields, FieldSecret)
	}
	if !IsValidContactNumber(c.ContactNumber) {
		fields = append(fields, FieldContactNumber)
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

// Ready reports whether the credential can be handed to the resolver.
func (c Credential) Ready() bool {
	return c.Validate() == nil
}

// Empty reports whether nothing has been stored yet.
func (c Credential) Empty() bool {
	return c.Identifier == "" && c.Secret == "" && c.ContactNumber == ""
}

// IsValidIdentifier accepts exactly ten decimal digits.
func IsValidIdentifier(s string) bool {
	return len(s) == identifierLength && allDigits(s)
}

// IsValidContactNumber accepts exactly eleven decimal digits.
func IsValidContactNumber(s string) bool {
	return len(s) == contactNumberLength && allDigits(s)
}

// IsValidSecret checks length, a leading letter and the allowed character set.
//
// The service's published rule also asks for three of four character classes.
// That is not enforced here; existing accounts were created against this check.
func IsValidSecret(s string) bool {
	runes := []rune(s)
	if len(runes) < minSecretLength {
		return false
	}
	if !unicode.IsLetter(runes[0]) {
		return false
	}
	for _, r := range runes {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			continue
		}
		if !strings.ContainsRune(secretPunctuation, r) {
			return false
		}
	}
	return true
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
