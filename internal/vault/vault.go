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

// Package vault stores secrets and parameters for pipeline runs. Secret
// values are sealed with AES-256-GCM before they reach the database;
// parameters are non-sensitive knobs stored verbatim. The store only
// ever sees ciphertext for secrets, so a copied database file is useless
// without the key.
package vault

import (
	"context"
	"log/slog"
	"regexp"
	"strings"

	"github.com/tombee/fastflow/internal/log"
	"github.com/tombee/fastflow/internal/store"
	fferrors "github.com/tombee/fastflow/pkg/errors"
)

// maxKeyLength bounds secret key names.
const maxKeyLength = 255

// validKeyPattern matches acceptable secret key names. Keys become
// environment variable names and file-path fragments, so the charset is
// deliberately narrow.
var validKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_/-]+$`)

// Vault is the secrets service: validation, encryption and persistence.
type Vault struct {
	store  *store.Store
	enc    *AESEncryptor
	logger *slog.Logger
}

// New creates a vault around the given store and 32-byte master key.
func New(st *store.Store, masterKey []byte, logger *slog.Logger) (*Vault, error) {
	enc, err := NewAESEncryptor(masterKey)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		store:  st,
		enc:    enc,
		logger: log.WithComponent(logger, "vault"),
	}, nil
}

// ValidateKey checks a secret key name. Keys must be 1-255 characters
// from [A-Za-z0-9_/-] and must not contain a ".." path segment.
func ValidateKey(key string) error {
	if key == "" {
		return &fferrors.ValidationError{
			Field:   "key",
			Message: "key cannot be empty",
		}
	}
	if len(key) > maxKeyLength {
		return &fferrors.ValidationError{
			Field:   "key",
			Message: "key cannot exceed 255 characters",
		}
	}
	if strings.Contains(key, "..") {
		return &fferrors.ValidationError{
			Field:   "key",
			Message: "key cannot contain '..'",
		}
	}
	if !validKeyPattern.MatchString(key) {
		return &fferrors.ValidationError{
			Field:      "key",
			Message:    "key contains invalid characters",
			Suggestion: "use letters, digits, underscore, slash or dash",
		}
	}
	return nil
}

// Set validates and stores an entry. Secrets are encrypted; parameters
// are stored verbatim.
func (v *Vault) Set(ctx context.Context, key, value string, isParameter bool) error {
	if err := ValidateKey(key); err != nil {
		return err
	}

	stored := value
	if !isParameter {
		ciphertext, err := v.enc.EncryptString(value)
		if err != nil {
			return &fferrors.DecryptionError{Key: key, Cause: err}
		}
		stored = ciphertext
	}

	if err := v.store.UpsertSecret(ctx, &store.Secret{
		Key:         key,
		Value:       stored,
		IsParameter: isParameter,
	}); err != nil {
		return err
	}

	v.logger.Info("secret stored", log.String("key", key), log.Bool("is_parameter", isParameter))
	return nil
}

// Get returns one decrypted value. Tampered or foreign-key ciphertext
// yields a DecryptionError, never garbage plaintext.
func (v *Vault) Get(ctx context.Context, key string) (string, error) {
	entry, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return "", err
	}
	if entry.IsParameter {
		return entry.Value, nil
	}

	plaintext, err := v.enc.DecryptString(entry.Value)
	if err != nil {
		return "", &fferrors.DecryptionError{Key: key, Cause: err}
	}
	return plaintext, nil
}

// Delete removes an entry.
func (v *Vault) Delete(ctx context.Context, key string) error {
	if err := v.store.DeleteSecret(ctx, key); err != nil {
		return err
	}
	v.logger.Info("secret deleted", log.String("key", key))
	return nil
}

// List returns entry metadata. Values are never included: store.Secret
// omits Value from JSON, and callers must go through Get or All.
func (v *Vault) List(ctx context.Context) ([]*store.Secret, error) {
	return v.store.ListSecrets(ctx)
}

// All returns every entry decrypted, keyed by name, for injection into a
// run's environment. Entries that fail to decrypt (key rotated, row
// tampered) are logged and skipped rather than failing the whole set —
// one bad row must not stop every pipeline.
func (v *Vault) All(ctx context.Context) (map[string]string, error) {
	entries, err := v.store.ListSecrets(ctx)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsParameter {
			values[entry.Key] = entry.Value
			continue
		}
		plaintext, err := v.enc.DecryptString(entry.Value)
		if err != nil {
			v.logger.Warn("skipping undecryptable secret",
				log.String("key", entry.Key), log.Error(err))
			continue
		}
		values[entry.Key] = plaintext
	}
	return values, nil
}

// EncryptString seals an arbitrary value with the vault key. Used for
// settings fields that hold credentials, like the git token.
func (v *Vault) EncryptString(plaintext string) (string, error) {
	return v.enc.EncryptString(plaintext)
}

// DecryptString opens a value sealed with EncryptString.
func (v *Vault) DecryptString(ciphertext string) (string, error) {
	plaintext, err := v.enc.DecryptString(ciphertext)
	if err != nil {
		return "", &fferrors.DecryptionError{Cause: err}
	}
	return plaintext, nil
}
