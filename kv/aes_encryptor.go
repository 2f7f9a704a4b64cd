package kv

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
)

// Encryptor encrypts encoded values before they reach the engine.
// The entry key is passed so implementations can bind a ciphertext to it.
type Encryptor interface {
	Encrypt(ctx context.Context, key string, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, key string, ciphertext []byte) ([]byte, error)
}

// AESEncryptor implements Encryptor using AES-256-GCM.
// It is safe for concurrent use.
//
// The entry key is used as additional authenticated data, so a value copied
// under a different key fails to decrypt instead of silently moving.
type AESEncryptor struct {
	gcm cipher.AEAD
}

// NewAESEncryptor creates an encryptor from a 32 byte key.
func NewAESEncryptor(secret []byte) (*AESEncryptor, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("key must be exactly 32 bytes for AES-256, got %d bytes", len(secret))
	}

	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &AESEncryptor{gcm: gcm}, nil
}

// NewAESEncryptorFromHex creates an encryptor from a hex encoded 32 byte
// key, the form it usually takes in configuration and secret files.
func NewAESEncryptorFromHex(secret string) (*AESEncryptor, error) {
	raw, err := hex.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("decode hex key: %w", err)
	}
	return NewAESEncryptor(raw)
}

// Encrypt seals plaintext as [nonce][ciphertext+tag].
func (e *AESEncryptor) Encrypt(ctx context.Context, key string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, e.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return e.gcm.Seal(nonce, nonce, plaintext, []byte(key)), nil
}

// Decrypt opens a value produced by Encrypt for the same key.
func (e *AESEncryptor) Decrypt(ctx context.Context, key string, ciphertext []byte) ([]byte, error) {
	nonceSize := e.gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short: %d bytes (minimum: %d bytes)", len(ciphertext), nonceSize)
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := e.gcm.Open(nil, nonce, sealed, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("decryption failed for key %q: %w", key, err)
	}

	return plaintext, nil
}
