package claiming

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
)

var otpCodeSpace = big.NewInt(1_000_000)

// generateCode returns a cryptographically random 6-digit code, uniform over
// 000000-999999 with leading zeros preserved.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, otpCodeSpace)
	if err != nil {
		return "", fmt.Errorf("claiming: generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// newSalt returns a random per-challenge salt.
func newSalt() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("claiming: generate salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// hashCode derives the stored digest for a code. Submitted codes are reduced
// to their digit sequence before hashing so "123 456" still verifies.
func hashCode(salt, code string) string {
	sum := sha256.Sum256([]byte(salt + ":" + NormalizePhone(code)))
	return hex.EncodeToString(sum[:])
}

// codeMatches compares a submitted code against the challenge in constant
// time.
func codeMatches(ch *OTPChallenge, submitted string) bool {
	if ch == nil || ch.CodeHash == "" {
		return false
	}
	candidate := hashCode(ch.Salt, submitted)
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(ch.CodeHash)) == 1
}
