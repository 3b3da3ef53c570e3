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
	"bytes"
	"testing"
)

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	if len(key) != 32 {
		t.Errorf("GenerateKey() key length = %d, want 32", len(key))
	}

	// Generate another key to ensure randomness
	key2, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	if bytes.Equal(key, key2) {
		t.Error("GenerateKey() generated identical keys (should be random)")
	}
}

func TestNewAESEncryptor(t *testing.T) {
	tests := []struct {
		name    string
		keySize int
		wantErr bool
	}{
		{
			name:    "valid 32-byte key",
			keySize: 32,
			wantErr: false,
		},
		{
			name:    "invalid 16-byte key",
			keySize: 16,
			wantErr: true,
		},
		{
			name:    "invalid 64-byte key",
			keySize: 64,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := make([]byte, tt.keySize)
			_, err := NewAESEncryptor(key)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewAESEncryptor() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAESEncryptor_EncryptDecrypt(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	encryptor, err := NewAESEncryptor(key)
	if err != nil {
		t.Fatalf("NewAESEncryptor() error = %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{
			name:      "simple text",
			plaintext: "hello world",
		},
		{
			name:      "token with special characters",
			plaintext: "ghp_9Xy!@#$%^&*()_+-=[]{}",
		},
		{
			name:      "unicode",
			plaintext: "contraseña 密码",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encrypted, err := encryptor.Encrypt([]byte(tt.plaintext))
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}

			if bytes.Equal(encrypted, []byte(tt.plaintext)) {
				t.Error("Encrypt() ciphertext equals plaintext")
			}

			decrypted, err := encryptor.Decrypt(encrypted)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}

			if string(decrypted) != tt.plaintext {
				t.Errorf("Decrypt() = %q, want %q", string(decrypted), tt.plaintext)
			}
		})
	}
}

func TestAESEncryptor_EmptyString(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	encryptor, err := NewAESEncryptor(key)
	if err != nil {
		t.Fatalf("NewAESEncryptor() error = %v", err)
	}

	// Empty strings pass through both directions unchanged.
	encrypted, err := encryptor.EncryptString("")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}
	if encrypted != "" {
		t.Errorf("EncryptString(\"\") = %q, want \"\"", encrypted)
	}

	decrypted, err := encryptor.DecryptString("")
	if err != nil {
		t.Fatalf("DecryptString() error = %v", err)
	}
	if decrypted != "" {
		t.Errorf("DecryptString(\"\") = %q, want \"\"", decrypted)
	}
}

func TestAESEncryptor_DecryptInvalid(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	encryptor, err := NewAESEncryptor(key)
	if err != nil {
		t.Fatalf("NewAESEncryptor() error = %v", err)
	}

	tests := []struct {
		name       string
		ciphertext []byte
	}{
		{
			name:       "too short",
			ciphertext: []byte{1, 2, 3},
		},
		{
			name:       "random data",
			ciphertext: make([]byte, 100),
		},
		{
			name:       "empty",
			ciphertext: []byte{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := encryptor.Decrypt(tt.ciphertext); err == nil {
				t.Error("Decrypt() expected error, got nil")
			}
		})
	}
}

func TestAESEncryptor_DifferentNonces(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	encryptor, err := NewAESEncryptor(key)
	if err != nil {
		t.Fatalf("NewAESEncryptor() error = %v", err)
	}

	plaintext := []byte("same plaintext")

	encrypted1, err := encryptor.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	encrypted2, err := encryptor.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	// Ciphertexts should be different (different nonces)
	if bytes.Equal(encrypted1, encrypted2) {
		t.Error("Encrypt() produced identical ciphertexts for same plaintext (nonces should differ)")
	}
}

func TestAESEncryptor_WrongKey(t *testing.T) {
	key1, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	encryptor1, err := NewAESEncryptor(key1)
	if err != nil {
		t.Fatalf("NewAESEncryptor() error = %v", err)
	}

	encrypted, err := encryptor1.Encrypt([]byte("secret data"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	key2, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	encryptor2, err := NewAESEncryptor(key2)
	if err != nil {
		t.Fatalf("NewAESEncryptor() error = %v", err)
	}

	if _, err := encryptor2.Decrypt(encrypted); err == nil {
		t.Error("Decrypt() should fail with wrong key")
	}
}

func TestDeriveKey(t *testing.T) {
	key1, err := DeriveKey("correct horse battery staple")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if len(key1) != 32 {
		t.Errorf("DeriveKey() key length = %d, want 32", len(key1))
	}

	// Same passphrase always derives the same key; stored ciphertexts
	// must stay readable across restarts.
	key2, err := DeriveKey("correct horse battery staple")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if !bytes.Equal(key1, key2) {
		t.Error("DeriveKey() is not deterministic for the same passphrase")
	}

	key3, err := DeriveKey("a different passphrase")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	if bytes.Equal(key1, key3) {
		t.Error("DeriveKey() produced the same key for different passphrases")
	}
}

func TestKeyFromEnv(t *testing.T) {
	t.Run("unset", func(t *testing.T) {
		t.Setenv(SecretKeyEnv, "")
		if _, err := KeyFromEnv(); err == nil {
			t.Error("KeyFromEnv() expected error when unset")
		}
	})

	t.Run("base64 key", func(t *testing.T) {
		// 32 zero bytes, base64-encoded.
		t.Setenv(SecretKeyEnv, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
		key, err := KeyFromEnv()
		if err != nil {
			t.Fatalf("KeyFromEnv() error = %v", err)
		}
		if len(key) != 32 {
			t.Errorf("KeyFromEnv() key length = %d, want 32", len(key))
		}
	})

	t.Run("passphrase", func(t *testing.T) {
		t.Setenv(SecretKeyEnv, "not-base64-but-a-passphrase")
		key, err := KeyFromEnv()
		if err != nil {
			t.Fatalf("KeyFromEnv() error = %v", err)
		}
		if len(key) != 32 {
			t.Errorf("KeyFromEnv() key length = %d, want 32", len(key))
		}

		derived, err := DeriveKey("not-base64-but-a-passphrase")
		if err != nil {
			t.Fatalf("DeriveKey() error = %v", err)
		}
		if !bytes.Equal(key, derived) {
			t.Error("KeyFromEnv() passphrase path should match DeriveKey()")
		}
	})
}
