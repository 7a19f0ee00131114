package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// fieldKey is the package-level AES-256 key used by EncryptedString. It
// must be initialized once at startup via InitEncryption before any store
// operation touching Settings.certificate.
var fieldKey []byte

// InitEncryption sets the AES-256 key used to encrypt and decrypt
// Settings.certificate at rest. key must be exactly 32 bytes.
func InitEncryption(key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("store: encryption key must be exactly 32 bytes, got %d", len(key))
	}
	fieldKey = make([]byte, 32)
	copy(fieldKey, key)
	return nil
}

// EncryptedString is a string transparently encrypted with AES-256-GCM
// before being written to the database and decrypted after being read.
// Used for Settings.certificate, the server's secp256k1 secret key at
// rest.
//
// The stored value is base64(nonce + ciphertext). An empty
// EncryptedString is stored as an empty string without encryption.
type EncryptedString string

// Value implements driver.Valuer.
func (e EncryptedString) Value() (driver.Value, error) {
	if e == "" {
		return "", nil
	}
	if fieldKey == nil {
		return nil, errors.New("store: encryption key not initialized, call store.InitEncryption first")
	}

	block, err := aes.NewCipher(fieldKey)
	if err != nil {
		return nil, fmt.Errorf("store: create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("store: create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("store: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(e), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Scan implements sql.Scanner.
func (e *EncryptedString) Scan(value interface{}) error {
	if value == nil {
		*e = ""
		return nil
	}

	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("store: EncryptedString.Scan: expected string, got %T", value)
	}
	if str == "" {
		*e = ""
		return nil
	}
	if fieldKey == nil {
		return errors.New("store: encryption key not initialized, call store.InitEncryption first")
	}

	data, err := base64.StdEncoding.DecodeString(str)
	if err != nil {
		return fmt.Errorf("store: decode base64: %w", err)
	}

	block, err := aes.NewCipher(fieldKey)
	if err != nil {
		return fmt.Errorf("store: create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("store: create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return errors.New("store: encrypted data too short to contain nonce")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return fmt.Errorf("store: decrypt value: %w", err)
	}

	*e = EncryptedString(plaintext)
	return nil
}
