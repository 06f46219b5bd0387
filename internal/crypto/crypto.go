// Package crypto covers the two secrets this service stores: coordinator
// passwords (bcrypt) and coordinator mail auth codes (AES-GCM, key derived
// from the configured encryption key).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/pbkdf2"
)

var kdfSalt = []byte("mailmerge.mail-auth-code.v1")

func HashPassword(plain string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

func CheckPassword(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// Codec encrypts and decrypts mail auth codes.
type Codec struct {
	aead cipher.AEAD
}

func NewCodec(encryptionKey string) (*Codec, error) {
	if encryptionKey == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	key := pbkdf2.Key([]byte(encryptionKey), kdfSalt, 4096, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Codec{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext).
func (c *Codec) Encrypt(plain string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Codec) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode auth code: %w", err)
	}
	if len(raw) < c.aead.NonceSize() {
		return "", fmt.Errorf("auth code ciphertext too short")
	}
	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt auth code: %w", err)
	}
	return string(plain), nil
}
