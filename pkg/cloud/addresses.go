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

	"github.com/go-logr/logr"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/db"
	"github.com/eschercloudai/stratus/pkg/errors"
	"github.com/eschercloudai/stratus/pkg/quota"
)

// AllocateAddress claims a public address from the pool for the caller's
// project.
func (c *Controller) AllocateAddress(ctx context.Context) (*AddressInfo, error) {
	credentials := auth.FromContext(ctx)

	reservations, err := c.quota.Reserve(ctx, credentials.ProjectID, map[string]int64{quota.ResourceFloatingIPs: 1})
	if err != nil {
		return nil, err
	}

	address, err := c.network.AllocateFloatingIP(ctx, credentials.ProjectID)
	if err != nil {
		if rollbackErr := c.quota.Rollback(ctx, credentials.ProjectID, reservations); rollbackErr != nil {
			logr.FromContextOrDiscard(ctx).Error(rollbackErr, "Quota rollback failed")
		}

		return nil, err
	}

	if err := c.quota.Commit(ctx, credentials.ProjectID, reservations); err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "Quota commit failed", "address", address)
	}

	return &AddressInfo{PublicIP: address}, nil
}

// ReleaseAddress returns an address to the pool.  Releasing an address
// already gone succeeds and returns no quota.
func (c *Controller) ReleaseAddress(ctx context.Context, address string) error {
	credentials := auth.FromContext(ctx)

	if err := c.network.ReleaseFloatingIP(ctx, credentials.ProjectID, address); err != nil {
		if errors.IsNotFound(err) {
			logr.FromContextOrDiscard(ctx).Info("Address already gone", "address", address)

			return nil
		}

		return err
	}

	c.releaseQuota(ctx, credentials.ProjectID, map[string]int64{quota.ResourceFloatingIPs: -1})

	return nil
}

// AssociateAddress NATs a claimed address onto an instance's fixed IP.
func (c *Controller) AssociateAddress(ctx context.Context, address string, instanceID int64) error {
	credentials := auth.FromContext(ctx)

	instance, err := c.instanceForProject(ctx, instanceID)
	if err != nil {
		return err
	}

	fixedIP, err := c.db.FixedIPGetByInstance(ctx, instance.ID)
	if err != nil {
		return err
	}

	return c.network.AssociateFloatingIP(ctx, credentials.ProjectID, address, fixedIP)
}

// DisassociateAddress tears the NAT down, leaving the address claimed.
func (c *Controller) DisassociateAddress(ctx context.Context, address string) error {
	credentials := auth.FromContext(ctx)

	return c.network.DisassociateFloatingIP(ctx, credentials.ProjectID, address)
}

// DescribeAddresses lists claimed addresses, administrators seeing every
// project's.
func (c *Controller) DescribeAddresses(ctx context.Context) ([]AddressInfo, error) {
	credentials := auth.FromContext(ctx)

	var floatingIPs []db.FloatingIP

	if credentials.IsAdmin {
		all, err := c.db.FloatingIPGetAll(ctx)
		if err != nil {
			return nil, err
		}

		floatingIPs = all
	} else {
		mine, err := c.db.FloatingIPGetAllByProject(ctx, credentials.ProjectID)
		if err != nil {
			return nil, err
		}

		floatingIPs = mine
	}

	result := make([]AddressInfo, 0, len(floatingIPs))

	for i := range floatingIPs {
		info := AddressInfo{PublicIP: floatingIPs[i].Address}

		if floatingIPs[i].FixedIPID != nil {
			instanceID, err := c.addressInstance(ctx, *floatingIPs[i].FixedIPID)
			if err != nil {
				return nil, err
			}

			info.InstanceID = instanceID
		}

		result = append(result, info)
	}

	return result, nil
}

// addressInstance resolves the instance behind a NATed fixed IP, empty when
// the fixed side has meanwhile been released.
func (c *Controller) addressInstance(ctx context.Context, fixedIPID int64) (string, error) {
	fixedIP, err := c.db.FixedIPGet(ctx, fixedIPID)
	if err != nil {
		if errors.IsNotFound(err) {
			return "", nil
		}

		return "", err
	}

	if fixedIP.InstanceID == nil {
		return "", nil
	}

	return db.EC2ID("i", *fixedIP.InstanceID), nil
}
