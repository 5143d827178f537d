// Package identity produces the human-facing identifiers the bot hands out:
// anonymous display names, membership ids, one-time passcodes, private
// connection tokens and broadcast channel ids.
package identity

import (
	"fmt"
	"math/rand"
	"strings"
)

var namePrefixes = []string{"Anonymous", "Unknown", "Hidden", "Secret", "Mysterious"}

const (
	nameAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	padLetters   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

	anonyNumberPrefix = "/AN"
)

// GenerateAnonyName returns a candidate display name. Uniqueness is enforced
// by the store; callers regenerate on a uniqueness violation.
func GenerateAnonyName() string {
	var b strings.Builder
	b.WriteString(namePrefixes[rand.Intn(len(namePrefixes))])
	for i := 0; i < 4; i++ {
		b.WriteByte(nameAlphabet[rand.Intn(len(nameAlphabet))])
	}
	return b.String()
}

// GenerateOTP returns a 4-digit passcode.
func GenerateOTP() string {
	return fmt.Sprintf("%04d", 1000+rand.Intn(9000))
}

// GenerateMembershipID returns a "92"-prefixed membership id assigned once at
// registration.
func GenerateMembershipID() string {
	return fmt.Sprintf("92%07d", 1000000+rand.Intn(9000000))
}

// FormatAnonyNumber renders a display name as the user-facing lookup key.
func FormatAnonyNumber(anonyName string) string {
	return anonyNumberPrefix + anonyName
}

// IsAnonyNumber reports whether s looks like an "/AN..." lookup key.
func IsAnonyNumber(s string) bool {
	_, ok := ParseAnonyNumber(s)
	return ok
}

// ParseAnonyNumber extracts the display name from an "/AN..." lookup key.
// The second return is false when the input is not an anony number.
func ParseAnonyNumber(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, anonyNumberPrefix) {
		return "", false
	}
	name := s[len(anonyNumberPrefix):]
	if name == "" {
		return "", false
	}
	for i := 0; i < len(name); i++ {
		ch := name[i]
		if !isAlnum(ch) {
			return "", false
		}
	}
	return name, true
}

func randomDigits(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(byte('0' + rand.Intn(10)))
	}
	return b.String()
}

// randomPad generates channel padding. Letters only: the issuer id that
// follows the pad is recovered as the first digit run, so the pad must never
// contribute digits of its own.
func randomPad(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		b.WriteByte(padLetters[rand.Intn(len(padLetters))])
	}
	return b.String()
}

func isAlnum(ch byte) bool {
	return ch >= '0' && ch <= '9' || ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z'
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}
