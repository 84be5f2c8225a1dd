package auth

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// totpSecretBytes is the raw entropy of a TOTP secret: 20 bytes (160 bits),
// the size RFC 6238 assumes for the HMAC-SHA1 variant.
const totpSecretBytes = 20

// totpStep is the RFC 6238 time step in seconds.
const totpStep = 30

// GenerateTOTPSecret returns 20 random bytes suitable for enrollment.
func GenerateTOTPSecret() ([]byte, error) {
	secret := make([]byte, totpSecretBytes)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}
	return secret, nil
}

// ProvisioningURI builds the otpauth:// URI an authenticator app scans,
// identifying the account by accountName under the given issuer.
func ProvisioningURI(secret []byte, issuer, accountName string) string {
	key, err := otp.NewKeyFromURL(fmt.Sprintf(
		"otpauth://totp/%s:%s?secret=%s&issuer=%s&algorithm=SHA1&digits=6&period=30",
		issuer, accountName, base32Encode(secret), issuer,
	))
	if err != nil {
		// NewKeyFromURL only fails on a malformed URL, which cannot happen
		// for values we just constructed from a valid base32 secret.
		return ""
	}
	return key.URL()
}

// ValidateTOTP checks code against secret at time now, rejecting codes for
// any time step less than or equal to sinceUnix (replay protection: the
// caller persists the accepted timestamp as the next sinceUnix). It returns
// whether the code is valid and, when valid, the unix time that should be
// stored as the new sinceUnix.
func ValidateTOTP(code string, secret []byte, now time.Time, sinceUnix int64) (ok bool, newSince int64) {
	currentStep := now.Unix() / totpStep
	if sinceUnix > 0 && currentStep <= sinceUnix/totpStep {
		return false, sinceUnix
	}

	valid, err := totp.ValidateCustom(code, base32Encode(secret), now, totp.ValidateOpts{
		Period:    totpStep,
		Skew:      0,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil || !valid {
		return false, sinceUnix
	}
	return true, now.Unix()
}

func base32Encode(secret []byte) string {
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(secret)
}
