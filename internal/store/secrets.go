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

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	fferrors "github.com/tombee/fastflow/pkg/errors"
)

// Secret is a stored key/value pair. Value holds AES-GCM ciphertext
// (base64) unless IsParameter marks it as a plain, non-sensitive
// parameter. The vault owns encryption; the store treats values as
// opaque strings.
type Secret struct {
	Key         string    `json:"key"`
	Value       string    `json:"-"`
	IsParameter bool      `json:"is_parameter"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UpsertSecret inserts or replaces a secret value.
func (s *Store) UpsertSecret(ctx context.Context, secret *Secret) error {
	now := time.Now().UTC()
	query := `INSERT INTO secrets (key, value, is_parameter, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			is_parameter = excluded.is_parameter,
			updated_at = excluded.updated_at`
	_, err := s.exec(ctx, query,
		secret.Key, secret.Value, boolToInt(secret.IsParameter),
		now.Format(time.RFC3339), now.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to upsert secret: %w", err)
	}
	secret.UpdatedAt = now
	return nil
}

// GetSecret retrieves one secret row by key.
func (s *Store) GetSecret(ctx context.Context, key string) (*Secret, error) {
	query := `SELECT key, value, is_parameter, created_at, updated_at FROM secrets WHERE key = ?`

	var secret Secret
	var isParameter int
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&secret.Key, &secret.Value, &isParameter, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, &fferrors.NotFoundError{Resource: "secret", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get secret: %w", err)
	}

	secret.IsParameter = isParameter == 1
	secret.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	secret.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &secret, nil
}

// ListSecrets returns all secret rows ordered by key.
func (s *Store) ListSecrets(ctx context.Context) ([]*Secret, error) {
	query := `SELECT key, value, is_parameter, created_at, updated_at FROM secrets ORDER BY key`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	defer rows.Close()

	var secrets []*Secret
	for rows.Next() {
		var secret Secret
		var isParameter int
		var createdAt, updatedAt string

		if err := rows.Scan(&secret.Key, &secret.Value, &isParameter, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan secret: %w", err)
		}

		secret.IsParameter = isParameter == 1
		secret.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		secret.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		secrets = append(secrets, &secret)
	}
	return secrets, rows.Err()
}

// DeleteSecret removes a secret row.
func (s *Store) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.exec(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete secret: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &fferrors.NotFoundError{Resource: "secret", ID: key}
	}
	return nil
}
