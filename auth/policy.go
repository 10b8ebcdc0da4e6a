package auth

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/nbutton23/zxcvbn-go"

	"github.com/marchage/EncryptedAlbum-sub005/internal/vaulterr"
	"github.com/marchage/EncryptedAlbum-sub005/krypto"
)

const specialChars = "!\"#$%&'()*+,-./:;<=>?@[\\]^_{|}~`"

// DefaultMinLength is the shortest password accepted when none is configured.
const DefaultMinLength = 8

// ErrWeakPassword is returned when a password scores below Policy.MinScore.
var ErrWeakPassword = errors.New("password is too easy to guess")

// Policy describes what a new vault password must satisfy.
type Policy struct {
	// MinLength counts Unicode code points of the NFC form.
	MinLength int
	// MinScore is the lowest zxcvbn score (0-4) accepted; 0 disables the check.
	MinScore int
	// RequireClasses demands an uppercase letter, a digit and a special character.
	RequireClasses bool
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{MinLength: DefaultMinLength}
}

// Validate applies the policy to pw. Too-short passwords fail with
// vaulterr.ErrPasswordTooShort carrying the minimum.
func (p Policy) Validate(pw string) error {
	minLen := p.MinLength
	if minLen <= 0 {
		minLen = DefaultMinLength
	}
	if utf8.RuneCount(krypto.NormalizePassword(pw)) < minLen {
		return vaulterr.PasswordTooShort(minLen)
	}
	if p.RequireClasses {
		if !hasUpper(pw) {
			return errors.New("password must include an uppercase letter")
		}
		if !hasDigit(pw) {
			return errors.New("password must include a digit")
		}
		if !hasSpecial(pw) {
			return errors.New("password must include a special character")
		}
	}
	if p.MinScore > 0 {
		if score := Strength(pw); score < p.MinScore {
			return fmt.Errorf("%w: score %d, need %d", ErrWeakPassword, score, p.MinScore)
		}
	}
	return nil
}

// Strength returns the zxcvbn score of pw, from 0 (trivial) to 4 (strong).
func Strength(pw string) int {
	return zxcvbn.PasswordStrength(pw, []string{"album", "vault", "photos"}).Score
}

func hasUpper(s string) bool {
	for _, r := range s {
		if unicode.IsUpper(r) {
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
