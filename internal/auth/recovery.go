package auth

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
)

// recoveryCodeCount is the number of one-time codes generated on enrollment.
const recoveryCodeCount = 10

// crockfordAlphabet is Crockford's base32 alphabet: digits and uppercase
// letters with I, L, O, U removed to avoid visual confusion.
const crockfordAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// GenerateRecoveryCodes returns ten codes of the form "xxxx-xxxx", each
// encoding 32 bits of entropy in Crockford base32.
func GenerateRecoveryCodes() ([]string, error) {
	codes := make([]string, recoveryCodeCount)
	for i := range codes {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return nil, fmt.Errorf("generate recovery code: %w", err)
		}
		codes[i] = formatRecoveryCode(binary.BigEndian.Uint32(b[:]))
	}
	return codes, nil
}

// formatRecoveryCode Crockford-base32-encodes a 32-bit value into exactly 8
// characters (40 bits of symbol capacity, top byte always zero) and splits
// it into two hyphenated groups of four.
func formatRecoveryCode(v uint32) string {
	value := uint64(v) // occupies the low 32 bits of a 40-bit (8-symbol) field
	var sb strings.Builder
	for i := 7; i >= 0; i-- {
		shift := uint(i * 5)
		idx := (value >> shift) & 0x1F
		sb.WriteByte(crockfordAlphabet[idx])
	}
	s := sb.String()
	return s[:4] + "-" + s[4:]
}

// HashRecoveryCode hashes a recovery code with bcrypt after stripping the
// hyphen, so codes entered with or without the separator produce the same
// hash.
func HashRecoveryCode(code string) (string, error) {
	return HashPassword(normalizeRecoveryCode(code))
}

// VerifyRecoveryCode reports whether a plaintext recovery code matches hash.
func VerifyRecoveryCode(code, hash string) bool {
	return VerifyPassword(normalizeRecoveryCode(code), hash)
}

func normalizeRecoveryCode(code string) string {
	return strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(code), "-", ""))
}
