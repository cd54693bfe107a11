// Copyright (C) 2024 Storj Labs, Inc.
// See LICENSE for copying information.

package loader

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
)

// Cipher decrypts at-rest secrets: loader sql_text and source passwords.
// The engine treats both as opaque blobs; the embedding supplies the
// implementation.
type Cipher interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}

// NoopCipher stores secrets in the clear. Intended for tests and dev setups.
type NoopCipher struct{}

// Encrypt returns the plaintext unchanged.
func (NoopCipher) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	return plaintext, nil
}

// Decrypt returns the ciphertext unchanged.
func (NoopCipher) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	return ciphertext, nil
}

// AESCipher is an AES-GCM Cipher with a random nonce prefixed to each blob.
type AESCipher struct {
	aead cipher.AEAD
}

// NewAESCipher creates a Cipher from a hex-encoded 128 or 256 bit key.
func NewAESCipher(hexKey string) (*AESCipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, Error.New("invalid cipher key: %v", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, Error.New("invalid cipher key: %v", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &AESCipher{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh nonce.
func (c *AESCipher) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, Error.Wrap(err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt.
func (c *AESCipher) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < c.aead.NonceSize() {
		return nil, Error.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:c.aead.NonceSize()], ciphertext[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, Error.New("decrypt: %v", err)
	}
	return plaintext, nil
}
