package auth

import (
	"net/mail"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"github.com/example/pulseauth/internal/apperr"
)

const minPasswordLength = 8

// NormalizeEmail trims surrounding whitespace. Addresses are otherwise
// stored and matched exactly as given.
func NormalizeEmail(email string) string {
	return strings.TrimSpace(email)
}

// ValidateEmail accepts a bare address such as "a@example.com".
func ValidateEmail(email string) error {
	if email == "" {
		return apperr.Validation("email is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return apperr.Validation("email must be a valid email address")
	}
	if at := strings.LastIndexByte(email, '@'); !strings.Contains(email[at+1:], ".") {
		return apperr.Validation("email must be a valid email address")
	}
	return nil
}

// ValidatePassword enforces the password policy: at least 8 characters with
// a letter, a digit and a special character.
func ValidatePassword(password string) error {
	if password == "" {
		return apperr.Validation("password is required")
	}
	var letter, digit, special bool
	for _, r := range password {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			letter = true
		case r >= '0' && r <= '9':
			digit = true
		default:
			special = true
		}
	}
	if utf8.RuneCountInString(password) < minPasswordLength || !letter || !digit || !special {
		return apperr.Validation("password must be at least 8 characters long and contain at least 1 letter, 1 number, and 1 special character")
	}
	// bcrypt ignores everything past 72 bytes.
	if len(password) > 72 {
		return apperr.Validation("password must be at most 72 bytes long")
	}
	return nil
}

func hashPassword(password string, cost int) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	return string(b), err
}

func comparePassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
