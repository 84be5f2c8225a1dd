package auth

import (
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
)

// TestTOTPReplayRejection: a code valid at a given time
// step must not validate again once that step has been recorded as since.
func TestTOTPReplayRejection(t *testing.T) {
	secret := make([]byte, 20) // 20 zero bytes
	at := time.Unix(1700000040, 0)

	code, err := totp.GenerateCodeCustom(base32Encode(secret), at, totp.ValidateOpts{
		Period: 30, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)

	ok, newSince := ValidateTOTP(code, secret, at, 0)
	require.True(t, ok)
	require.Equal(t, at.Unix(), newSince)

	ok, _ = ValidateTOTP(code, secret, at, newSince)
	require.False(t, ok, "a code from an already-consumed step must be rejected")
}

func TestProvisioningURIContainsIssuerAndAccount(t *testing.T) {
	secret, err := GenerateTOTPSecret()
	require.NoError(t, err)
	uri := ProvisioningURI(secret, "Baudrate", "alice")
	require.Contains(t, uri, "Baudrate")
	require.Contains(t, uri, "alice")
}
