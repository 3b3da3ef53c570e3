// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/scrypt"

	fferrors "github.com/tombee/fastflow/pkg/errors"
)

// SecretKeyEnv names the environment variable carrying the vault key:
// either a base64-encoded 32-byte key or an arbitrary passphrase that
// is run through scrypt.
const SecretKeyEnv = "FASTFLOW_SECRET_KEY"

// keySalt is fixed so the same passphrase always derives the same key.
// Stored ciphertexts would otherwise become unreadable across restarts.
const keySalt = "fastflow-secret-v1"

// scrypt parameters per the 2017 recommendation for interactive logins;
// derivation happens once at startup so the cost does not matter.
const (
	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

var (
	// ErrInvalidCiphertext covers short, tampered or foreign-key
	// ciphertext. The GCM tag turns any of those into this error rather
	// than garbage plaintext.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")

	// ErrInvalidKey rejects master keys that are not 32 bytes.
	ErrInvalidKey = errors.New("invalid encryption key")
)

// AESEncryptor seals and opens vault values with AES-256-GCM. Each seal
// draws a fresh nonce and prepends it to the ciphertext, so the stored
// value is self-contained: nonce, encrypted data, auth tag.
type AESEncryptor struct {
	aead cipher.AEAD
}

// NewAESEncryptor builds an encryptor around a 32-byte master key from
// GenerateKey, DeriveKey or KeyFromEnv.
func NewAESEncryptor(masterKey []byte) (*AESEncryptor, error) {
	if len(masterKey) != 32 {
		return nil, fmt.Errorf("%w: need 32 bytes for AES-256, got %d", ErrInvalidKey, len(masterKey))
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	return &AESEncryptor{aead: aead}, nil
}

// Encrypt seals plaintext into nonce-prefixed ciphertext.
func (e *AESEncryptor) Encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext cannot be empty")
	}
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a value produced by Encrypt.
func (e *AESEncryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	nonceSize := e.aead.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: shorter than the %d-byte nonce", ErrInvalidCiphertext, nonceSize)
	}
	plaintext, err := e.aead.Open(nil, ciphertext[:nonceSize], ciphertext[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return plaintext, nil
}

// EncryptString seals a string to base64. The empty string passes
// through unchanged; settings fields use "" for "not set".
func (e *AESEncryptor) EncryptString(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	ciphertext, err := e.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// DecryptString opens a base64 value from EncryptString.
func (e *AESEncryptor) DecryptString(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	decoded, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: not base64: %v", ErrInvalidCiphertext, err)
	}
	plaintext, err := e.Decrypt(decoded)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// GenerateKey returns a random 32-byte AES-256 key. Backs the genkey
// CLI command and the development-mode ephemeral key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

// DeriveKey stretches a passphrase into a 32-byte key with scrypt.
func DeriveKey(passphrase string) ([]byte, error) {
	key, err := scrypt.Key([]byte(passphrase), []byte(keySalt), scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key from passphrase: %w", err)
	}
	return key, nil
}

// KeyFromEnv loads the vault key from FASTFLOW_SECRET_KEY. A value that
// base64-decodes to exactly 32 bytes is used directly; anything else is
// treated as a passphrase and derived. Returns a ConfigError when the
// variable is unset; the caller decides whether that is fatal
// (production mode) or falls back to an ephemeral key (development
// mode).
func KeyFromEnv() ([]byte, error) {
	raw := os.Getenv(SecretKeyEnv)
	if raw == "" {
		return nil, &fferrors.ConfigError{
			Key:    SecretKeyEnv,
			Reason: "not set; secrets cannot be decrypted without it",
		}
	}

	if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil && len(decoded) == 32 {
		return decoded, nil
	}

	return DeriveKey(raw)
}
