package tokens

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// Stored tokens carry a versioned envelope so scheme migrations are
// explicit. "v1:" is AES-GCM with the nonce prepended to the
// ciphertext, base64-encoded. Values without a scheme tag are the
// legacy encoding: bare base64 of the plaintext, written before
// encryption at rest was introduced. They still decrypt; new writes
// always use the current scheme.
const schemeV1 = "v1:"

var schemeTagPattern = regexp.MustCompile(`^v[0-9]+:`)

// Crypto encrypts and decrypts stored OAuth tokens.
type Crypto struct {
	key []byte
}

// NewCrypto creates a token cipher. The key must be 16, 24, or 32
// bytes for AES-128, AES-192, or AES-256.
func NewCrypto(key []byte) (*Crypto, error) {
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, fmt.Errorf("invalid key size: must be 16, 24, or 32 bytes, got %d", len(key))
	}
	return &Crypto{key: key}, nil
}

// NewCryptoFromBase64 creates a token cipher from a base64-encoded key.
func NewCryptoFromBase64(encodedKey string) (*Crypto, error) {
	if encodedKey == "" {
		return nil, fmt.Errorf("encryption key cannot be empty")
	}

	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}

	return NewCrypto(key)
}

// GenerateKey returns a fresh random key, base64-encoded for storage in
// an environment variable.
func GenerateKey(keySize int) (string, error) {
	if keySize != 16 && keySize != 24 && keySize != 32 {
		return "", fmt.Errorf("invalid key size: must be 16, 24, or 32 bytes")
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}

	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt seals a token under the current scheme.
func (c *Crypto) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return schemeV1 + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a stored token, dispatching on the envelope tag.
func (c *Crypto) Decrypt(stored string) (string, error) {
	switch {
	case strings.HasPrefix(stored, schemeV1):
		return c.decryptV1(strings.TrimPrefix(stored, schemeV1))
	case schemeTagPattern.MatchString(stored):
		return "", fmt.Errorf("unsupported token encoding scheme %q", schemeTagPattern.FindString(stored))
	default:
		return decryptLegacy(stored)
	}
}

func (c *Crypto) decryptV1(encoded string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(ciphertext) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	return string(plaintext), nil
}

func decryptLegacy(stored string) (string, error) {
	plaintext, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", fmt.Errorf("failed to decode legacy token: %w", err)
	}
	return string(plaintext), nil
}

// EncodeLegacy produces the legacy encoding. Kept for tests and data
// migration tooling only; production writes never use it.
func EncodeLegacy(plaintext string) string {
	return base64.StdEncoding.EncodeToString([]byte(plaintext))
}
