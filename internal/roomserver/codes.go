package roomserver

import (
	"crypto/rand"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	MinCodeLength     = 8
	MaxCodeLength     = 12
	DefaultCodeLength = 10

	minPasswordLength = 4
	maxPasswordLength = 64
)

var errPasswordRequired = errors.New("password_required")

// GenerateCode returns a random room code. Lengths outside 8..12 are
// clamped; 0 picks the default.
func GenerateCode(length int) (string, error) {
	if length == 0 {
		length = DefaultCodeLength
	}
	length = clamp(length, MinCodeLength, MaxCodeLength)

	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(b), nil
}

// ValidCode reports whether a normalised code has an acceptable length
func ValidCode(code string) bool {
	return len(code) >= MinCodeLength && len(code) <= MaxCodeLength
}

// normalizePassword trims and length-checks a room password. Out of range
// passwords count as missing.
func normalizePassword(pw string) string {
	pw = strings.TrimSpace(pw)
	if len(pw) < minPasswordLength || len(pw) > maxPasswordLength {
		return ""
	}
	return pw
}

type passwords struct {
	cost int
}

func (p passwords) hash(pw string) (string, error) {
	pw = normalizePassword(pw)
	if pw == "" {
		return "", errPasswordRequired
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pw), p.cost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// match reports whether pw opens a room stored with hash. Rooms without a
// hash accept any valid password.
func (p passwords) match(hash, pw string) bool {
	pw = normalizePassword(pw)
	if pw == "" {
		return false
	}
	if hash == "" {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw)) == nil
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
