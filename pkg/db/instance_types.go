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
	"fmt"

	"github.com/eschercloudai/stratus/pkg/errors"
)

func instanceTypeNotFound(name string) *errors.Error {
	return errors.NotFound("InstanceTypeNotFound", fmt.Sprintf("instance type %s not found", name))
}

// InstanceTypeGetAll returns the known instance types ordered by flavor ID.
func (d *DB) InstanceTypeGetAll(ctx context.Context) ([]InstanceType, error) {
	var types []InstanceType

	query := "SELECT * FROM instance_types WHERE NOT deleted ORDER BY flavorid"

	if err := d.conn.SelectContext(ctx, &types, query); err != nil {
		return nil, err
	}

	return types, nil
}

// InstanceTypeGetByName looks an instance type up by its API name, m1.small
// and friends.
func (d *DB) InstanceTypeGetByName(ctx context.Context, name string) (*InstanceType, error) {
	instanceType := &InstanceType{}

	query := "SELECT * FROM instance_types WHERE name = $1 AND NOT deleted"

	if err := d.conn.GetContext(ctx, instanceType, query, name); err != nil {
		return nil, notFound(err, instanceTypeNotFound(name))
	}

	return instanceType, nil
}

// InstanceTypeGet looks an instance type up by ID.
func (d *DB) InstanceTypeGet(ctx context.Context, id int64) (*InstanceType, error) {
	instanceType := &InstanceType{}

	query := "SELECT * FROM instance_types WHERE id = $1 AND NOT deleted"

	if err := d.conn.GetContext(ctx, instanceType, query, id); err != nil {
		return nil, notFound(err, instanceTypeNotFound(fmt.Sprintf("%d", id)))
	}

	return instanceType, nil
}
