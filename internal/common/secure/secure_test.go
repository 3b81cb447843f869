package secure

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCipher(t *testing.T) *Cipher {
	t.Helper()
	c, err := NewCipher(Config{
		EncryptionKey:  strings.Repeat("ab", 32),
		FingerprintKey: "test-fingerprint-key",
	})
	require.NoError(t, err)
	return c
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := testCipher(t)

	encrypted, err := c.Encrypt("123456789012")
	require.NoError(t, err)
	assert.Contains(t, encrypted, ":")
	assert.NotContains(t, encrypted, "123456789012")

	plain, err := c.Decrypt(encrypted)
	require.NoError(t, err)
	assert.Equal(t, "123456789012", plain)
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	c := testCipher(t)

	a, err := c.Encrypt("123456789012")
	require.NoError(t, err)
	b, err := c.Encrypt("123456789012")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "same plaintext must produce distinct ciphertexts")
}

func TestDecryptRejectsTampered(t *testing.T) {
	c := testCipher(t)

	encrypted, err := c.Encrypt("123456789012")
	require.NoError(t, err)

	tampered := encrypted[:len(encrypted)-2] + "00"
	if tampered == encrypted {
		tampered = encrypted[:len(encrypted)-2] + "11"
	}
	_, err = c.Decrypt(tampered)
	assert.Error(t, err)

	_, err = c.Decrypt("no-separator")
	assert.Error(t, err)
}

func TestNewCipherRejectsBadKeys(t *testing.T) {
	_, err := NewCipher(Config{EncryptionKey: "short", FingerprintKey: "k"})
	assert.Error(t, err)

	_, err = NewCipher(Config{EncryptionKey: strings.Repeat("ab", 16), FingerprintKey: "k"})
	assert.Error(t, err, "16-byte key is not AES-256")
}

func TestFingerprintIsDeterministic(t *testing.T) {
	c := testCipher(t)

	assert.Equal(t, c.Fingerprint("123456789012"), c.Fingerprint("123456789012"))
	assert.NotEqual(t, c.Fingerprint("123456789012"), c.Fingerprint("123456789013"))
	assert.Len(t, c.Fingerprint("x"), 64)
}

func TestMaskAccountNumber(t *testing.T) {
	assert.Equal(t, "XXXX9012", MaskAccountNumber("123456789012"))
	assert.Equal(t, "XXXX", MaskAccountNumber("123"))
	assert.Equal(t, "XXXX1234", MaskAccountNumber("1234"))
}
