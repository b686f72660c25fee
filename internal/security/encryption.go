// Package security provides at-rest encryption for the secrets that end up
// inside a data-source URI — broker or HTTP basic-auth credentials embedded
// in internal/persistence's master_source.value field. It never touches
// authentication to the daemon itself (spec.md's Non-goals exclude that);
// this only keeps already-configured credentials from sitting in plaintext
// on disk.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// EncryptionService derives a symmetric key from an operator-supplied
// passphrase and encrypts/decrypts short strings with it.
type EncryptionService struct {
	masterKey []byte
}

// New derives an AES-256 key from passphrase via PBKDF2. salt should be
// unique per deployment (the caller typically loads or generates one
// alongside the daemon's config directory); an empty salt still produces a
// working, if weaker, key.
func New(passphrase string, salt []byte) *EncryptionService {
	if len(salt) == 0 {
		salt = []byte("aobactl-default-salt")
	}
	key := pbkdf2.Key([]byte(passphrase), salt, 100000, 32, sha256.New)
	return &EncryptionService{masterKey: key}
}

// Encrypt returns plaintext sealed with AES-GCM, base64-encoded.
func (s *EncryptionService) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt.
func (s *EncryptionService) Decrypt(ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("security: decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("security: ciphertext too short")
	}
	nonce, ciphertextBytes := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", fmt.Errorf("security: decrypt: %w", err)
	}
	return string(plaintext), nil
}
