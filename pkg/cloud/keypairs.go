/*
Copyright 2022-2024 EscherCloud.

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

package cloud

import (
	"context"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/crypto"
	"github.com/eschercloudai/stratus/pkg/db"
)

// CreateKeyPair generates a key pair under the caller's user.  The private
// key is in the response and nowhere else.
func (c *Controller) CreateKeyPair(ctx context.Context, name string) (*KeyPairMaterial, error) {
	credentials := auth.FromContext(ctx)

	keyPair, err := crypto.GenerateKeyPair(0)
	if err != nil {
		return nil, err
	}

	record := &db.KeyPair{
		Name:        name,
		UserID:      credentials.UserID,
		Fingerprint: keyPair.Fingerprint,
		PublicKey:   keyPair.PublicKeyOpenSSH,
	}

	if err := c.db.KeyPairCreate(ctx, record); err != nil {
		return nil, err
	}

	return &KeyPairMaterial{
		Name:        name,
		Fingerprint: keyPair.Fingerprint,
		Material:    keyPair.PrivateKeyPEM,
	}, nil
}

// ImportKeyPair registers a user supplied public key.
func (c *Controller) ImportKeyPair(ctx context.Context, name, material string) (*KeyPairInfo, error) {
	credentials := auth.FromContext(ctx)

	fingerprint, err := crypto.FingerprintPublicKey(material)
	if err != nil {
		return nil, err
	}

	record := &db.KeyPair{
		Name:        name,
		UserID:      credentials.UserID,
		Fingerprint: fingerprint,
		PublicKey:   material,
	}

	if err := c.db.KeyPairCreate(ctx, record); err != nil {
		return nil, err
	}

	return &KeyPairInfo{Name: name, Fingerprint: fingerprint}, nil
}

// DeleteKeyPair removes one of the caller's key pairs.  Deleting an absent
// pair succeeds.
func (c *Controller) DeleteKeyPair(ctx context.Context, name string) error {
	credentials := auth.FromContext(ctx)

	return c.db.KeyPairDestroy(ctx, credentials.UserID, name)
}

// DescribeKeyPairs lists the caller's key pairs, optionally filtered by
// name.
func (c *Controller) DescribeKeyPairs(ctx context.Context, names []string) ([]KeyPairInfo, error) {
	credentials := auth.FromContext(ctx)

	if len(names) > 0 {
		result := make([]KeyPairInfo, 0, len(names))

		for _, name := range names {
			keyPair, err := c.db.KeyPairGet(ctx, credentials.UserID, name)
			if err != nil {
				return nil, err
			}

			result = append(result, keyPairView(keyPair))
		}

		return result, nil
	}

	keyPairs, err := c.db.KeyPairGetAllByUser(ctx, credentials.UserID)
	if err != nil {
		return nil, err
	}

	result := make([]KeyPairInfo, 0, len(keyPairs))

	for i := range keyPairs {
		result = append(result, keyPairView(&keyPairs[i]))
	}

	return result, nil
}
