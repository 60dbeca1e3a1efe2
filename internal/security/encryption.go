package security

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var ErrDecryptFailed = errors.New("security: decryption failed")

// cipherHelper is the optional symmetric message-encryption surface from
// spec §4.4. XChaCha20-Poly1305 is used over AES-GCM because it takes a
// 24-byte random nonce safely without a counter, which fits a per-message
// random-nonce design better than AES-GCM's 12-byte nonce does.
type cipherHelper struct {
	enabled bool
	aead    interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

func newCipherHelper(enabled bool) (*cipherHelper, error) {
	if !enabled {
		return &cipherHelper{enabled: false}, nil
	}
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate encryption key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("construct AEAD: %w", err)
	}
	return &cipherHelper{enabled: true, aead: aead}, nil
}

// Encrypt wraps plaintext with a random nonce and authentication tag. If
// the helper is disabled, it returns plaintext unchanged.
func (c *cipherHelper) Encrypt(plaintext []byte) ([]byte, error) {
	if !c.enabled {
		return plaintext, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt reverses Encrypt. If the helper is disabled, it returns
// ciphertext unchanged.
func (c *cipherHelper) Decrypt(ciphertext []byte) ([]byte, error) {
	if !c.enabled {
		return ciphertext, nil
	}
	nonceSize := c.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, ErrDecryptFailed
	}
	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// Enabled reports whether the encryption helper is active.
func (c *cipherHelper) Enabled() bool {
	return c.enabled
}
