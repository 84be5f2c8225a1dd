package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateRecoveryCodesFormat(t *testing.T) {
	codes, err := GenerateRecoveryCodes()
	require.NoError(t, err)
	require.Len(t, codes, recoveryCodeCount)

	seen := map[string]bool{}
	for _, c := range codes {
		require.Regexp(t, `^[0-9A-HJKMNP-TV-Z]{4}-[0-9A-HJKMNP-TV-Z]{4}$`, c)
		require.False(t, seen[c], "codes should not collide in a single batch")
		seen[c] = true
	}
}

func TestRecoveryCodeHashRoundTripIgnoresHyphenAndCase(t *testing.T) {
	codes, err := GenerateRecoveryCodes()
	require.NoError(t, err)
	code := codes[0]

	hash, err := HashRecoveryCode(code)
	require.NoError(t, err)

	require.True(t, VerifyRecoveryCode(code, hash))
	require.True(t, VerifyRecoveryCode(strings.ReplaceAll(strings.ToLower(code), "-", ""), hash))
	require.False(t, VerifyRecoveryCode("0000-0000", hash))
}
