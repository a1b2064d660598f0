/*
Copyright 2022-2023 EscherCloud.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/eschercloudai/stratus/pkg/errors"
)

func keyPairNotFound(name string) *errors.Error {
	return errors.NotFound("InvalidKeyPair.NotFound", fmt.Sprintf("key pair %s not found", name))
}

// KeyPairCreate persists a key pair.  Names are unique per user.
func (d *DB) KeyPairCreate(ctx context.Context, keyPair *KeyPair) error {
	exists := "SELECT count(*) FROM key_pairs WHERE user_id = $1 AND name = $2 AND NOT deleted"

	var count int

	if err := d.conn.GetContext(ctx, &count, exists, keyPair.UserID, keyPair.Name); err != nil {
		return err
	}

	if count > 0 {
		return errors.Duplicate("InvalidKeyPair.Duplicate", fmt.Sprintf("key pair %s already exists", keyPair.Name))
	}

	query := `INSERT INTO key_pairs (name, user_id, fingerprint, public_key)
		VALUES (:name, :user_id, :fingerprint, :public_key)
		RETURNING id, created_at`

	rows, err := sqlx.NamedQueryContext(ctx, d.conn, query, keyPair)
	if err != nil {
		return err
	}

	defer rows.Close()

	if !rows.Next() {
		return sql.ErrNoRows
	}

	return rows.Scan(&keyPair.ID, &keyPair.CreatedAt)
}

// KeyPairGet looks up a user's key pair by name.
func (d *DB) KeyPairGet(ctx context.Context, userID, name string) (*KeyPair, error) {
	keyPair := &KeyPair{}

	query := "SELECT * FROM key_pairs WHERE user_id = $1 AND name = $2 AND NOT deleted"

	if err := d.conn.GetContext(ctx, keyPair, query, userID, name); err != nil {
		return nil, notFound(err, keyPairNotFound(name))
	}

	return keyPair, nil
}

// KeyPairGetAllByUser returns a user's key pairs.
func (d *DB) KeyPairGetAllByUser(ctx context.Context, userID string) ([]KeyPair, error) {
	var keyPairs []KeyPair

	query := "SELECT * FROM key_pairs WHERE user_id = $1 AND NOT deleted ORDER BY name"

	if err := d.conn.SelectContext(ctx, &keyPairs, query, userID); err != nil {
		return nil, err
	}

	return keyPairs, nil
}

// KeyPairDestroy soft deletes a user's key pair.  Deleting a key pair that
// does not exist is not an error.
func (d *DB) KeyPairDestroy(ctx context.Context, userID, name string) error {
	query := `UPDATE key_pairs SET deleted = TRUE, deleted_at = now(), updated_at = now()
		WHERE user_id = $1 AND name = $2 AND NOT deleted`

	_, err := d.conn.ExecContext(ctx, query, userID, name)

	return err
}

// KeyPairDestroyAllByUser removes all key pairs for a user, part of user
// deletion cleanup.
func (d *DB) KeyPairDestroyAllByUser(ctx context.Context, userID string) error {
	query := `UPDATE key_pairs SET deleted = TRUE, deleted_at = now(), updated_at = now()
		WHERE user_id = $1 AND NOT deleted`

	_, err := d.conn.ExecContext(ctx, query, userID)

	return err
}
