package vault

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKey() []byte {
	k := make([]byte, 32)
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v, err := New(testKey())
	require.NoError(t, err)

	plaintext := []byte("a totp secret, 20 bytes long")
	envelope, err := v.Encrypt(plaintext)
	require.NoError(t, err)

	got, err := v.Decrypt(envelope)
	require.NoError(t, err)
	require.True(t, bytes.Equal(plaintext, got))
}

func TestDecryptRejectsModifiedEnvelope(t *testing.T) {
	v, err := New(testKey())
	require.NoError(t, err)

	envelope, err := v.Encrypt([]byte("secret"))
	require.NoError(t, err)

	envelope[len(envelope)-1] ^= 0xFF
	_, err = v.Decrypt(envelope)
	require.Error(t, err)
}

func TestEncryptProducesDistinctIVs(t *testing.T) {
	v, err := New(testKey())
	require.NoError(t, err)

	a, _ := v.Encrypt([]byte("same plaintext"))
	b, _ := v.Encrypt([]byte("same plaintext"))
	require.False(t, bytes.Equal(a, b), "envelopes must differ due to random IV")
}

func TestNewRejectsWrongKeySize(t *testing.T) {
	_, err := New([]byte("too short"))
	require.Error(t, err)
}
