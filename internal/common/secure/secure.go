// Package secure encrypts beneficiary account numbers at rest.
// Ciphertexts are AES-256-GCM with a random nonce, so two encryptions of
// the same account differ; duplicate detection uses a deterministic
// keyed fingerprint instead.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Config holds encryption key material.
type Config struct {
	// EncryptionKey is 32 bytes, hex encoded (64 chars).
	EncryptionKey string `envconfig:"ENCRYPTION_KEY" required:"true"`
	// FingerprintKey keys the HMAC used for duplicate detection.
	FingerprintKey string `envconfig:"FINGERPRINT_KEY" required:"true"`
}

// Cipher encrypts and fingerprints sensitive fields.
type Cipher struct {
	aead           cipher.AEAD
	fingerprintKey []byte
}

// NewCipher creates a Cipher from hex-encoded key material.
func NewCipher(cfg Config) (*Cipher, error) {
	key, err := hex.DecodeString(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Cipher{
		aead:           aead,
		fingerprintKey: []byte(cfg.FingerprintKey),
	}, nil
}

// Encrypt returns "nonce:ciphertext" in hex.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (c *Cipher) Decrypt(encrypted string) (string, error) {
	noncePart, cipherPart, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", errors.New("malformed ciphertext")
	}

	nonce, err := hex.DecodeString(noncePart)
	if err != nil {
		return "", fmt.Errorf("decoding nonce: %w", err)
	}
	sealed, err := hex.DecodeString(cipherPart)
	if err != nil {
		return "", fmt.Errorf("decoding ciphertext: %w", err)
	}
	if len(nonce) != c.aead.NonceSize() {
		return "", errors.New("malformed ciphertext")
	}

	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}
	return string(plaintext), nil
}

// Fingerprint returns a deterministic keyed digest of the value, lowercase
// hex. Equal inputs always produce equal fingerprints, which makes
// duplicate account detection possible despite randomized encryption.
func (c *Cipher) Fingerprint(value string) string {
	mac := hmac.New(sha256.New, c.fingerprintKey)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

// MaskAccountNumber masks all but the last four digits.
func MaskAccountNumber(accountNumber string) string {
	if len(accountNumber) < 4 {
		return "XXXX"
	}
	return "XXXX" + accountNumber[len(accountNumber)-4:]
}
