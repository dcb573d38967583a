// Package secrets encrypts the token cache at rest with AES-256-GCM.
// The data key lives in the operating system's per-user secret store
// (keychain / libsecret / credential manager) and never on disk next
// to the ciphertext.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "ddk"
	keyringUser    = "token-cache-key"
)

// Cipher handles AES-256-GCM encryption/decryption.
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher creates a cipher from a hex-encoded 256-bit key.
func NewCipher(hexKey string) (*Cipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be 32 bytes (256 bits), got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Cipher{gcm: gcm}, nil
}

// NewCipherFromKeyring loads the data key from the OS secret store,
// generating and storing a fresh one on first use.
func NewCipherFromKeyring() (*Cipher, error) {
	key, err := keyring.Get(keyringService, keyringUser)
	if err == keyring.ErrNotFound {
		key, err = GenerateKey()
		if err != nil {
			return nil, err
		}
		if err := keyring.Set(keyringService, keyringUser, key); err != nil {
			return nil, fmt.Errorf("store key: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}
	return NewCipher(key)
}

// Encrypt encrypts plaintext using AES-256-GCM.
// Returns: nonce (12 bytes) || ciphertext || tag (16 bytes).
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts ciphertext produced by Encrypt.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := c.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce := ciphertext[:nonceSize]
	plaintext, err := c.gcm.Open(nil, nonce, ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// GenerateKey generates a random 256-bit key, hex-encoded.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
