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
	"strconv"

	"github.com/eschercloudai/stratus/pkg/db"
	"github.com/eschercloudai/stratus/pkg/errors"
)

// InstanceMetadata is everything the metadata service serves for one
// instance, assembled in a single call keyed by the caller's address.
type InstanceMetadata struct {
	// UserData is the stored launch payload, still base64.
	UserData string

	// KeyName labels the public key entry in listings.
	KeyName string

	// Meta is the meta-data/ tree.  Values are strings, string slices
	// or nested maps of the same.
	Meta map[string]interface{}
}

// Metadata assembles the metadata document for the instance holding a fixed
// address.  Addresses without a live instance report as not found.
func (c *Controller) Metadata(ctx context.Context, address string) (*InstanceMetadata, error) {
	fixedIP, err := c.db.FixedIPGetByAddress(ctx, address)
	if err != nil {
		return nil, err
	}

	if fixedIP.InstanceID == nil {
		return nil, errors.NotFound("InvalidInstanceID.NotFound", "no instance at "+address)
	}

	instance, err := c.db.InstanceGet(ctx, *fixedIP.InstanceID)
	if err != nil {
		return nil, err
	}

	instanceType, err := c.db.InstanceTypeGet(ctx, instance.InstanceTypeID)
	if err != nil {
		return nil, err
	}

	publicIP := fixedIP.Address

	floatingIPs, err := c.db.FloatingIPGetByFixedIP(ctx, fixedIP.ID)
	if err != nil {
		return nil, err
	}

	if len(floatingIPs) > 0 {
		publicIP = floatingIPs[0].Address
	}

	groups, err := c.db.SecurityGroupGetAllByInstance(ctx, instance.ID)
	if err != nil {
		return nil, err
	}

	groupNames := make([]string, 0, len(groups))

	for i := range groups {
		groupNames = append(groupNames, groups[i].Name)
	}

	mappings, err := c.db.BlockDeviceMappingGetAllByInstance(ctx, instance.ID)
	if err != nil {
		return nil, err
	}

	meta := map[string]interface{}{
		"ami-id":               instance.ImageRef,
		"ami-launch-index":     strconv.Itoa(instance.LaunchIndex),
		"instance-id":          instance.EC2ID(),
		"instance-type":        instanceType.Name,
		"hostname":             instance.Hostname,
		"local-hostname":       instance.Hostname,
		"local-ipv4":           fixedIP.Address,
		"public-ipv4":          publicIP,
		"reservation-id":       instance.ReservationID,
		"security-groups":      groupNames,
		"block-device-mapping": blockDeviceTree(instance, mappings),
		"placement": map[string]interface{}{
			"availability-zone": instance.AvailabilityZone,
		},
	}

	if instance.KernelRef != "" {
		meta["kernel-id"] = instance.KernelRef
	}

	if instance.RamdiskRef != "" {
		meta["ramdisk-id"] = instance.RamdiskRef
	}

	if instance.KeyData != "" {
		meta["public-keys"] = map[string]interface{}{
			"0": map[string]interface{}{
				"openssh-key": instance.KeyData,
			},
		}
	}

	return &InstanceMetadata{
		UserData: instance.UserData,
		KeyName:  instance.KeyName,
		Meta:     meta,
	}, nil
}

// blockDeviceTree lays out the fixed EC2 device names, mapping rows
// overriding the defaults for the slots they claim.
func blockDeviceTree(instance *db.Instance, mappings []db.BlockDeviceMapping) map[string]interface{} {
	tree := map[string]interface{}{
		"ami":        "vda",
		"root":       instance.RootDeviceName,
		"ephemeral0": "vdb",
		"swap":       "vdc",
	}

	for i := range mappings {
		mapping := &mappings[i]

		if mapping.NoDevice {
			continue
		}

		if mapping.VirtualName != "" {
			tree[mapping.VirtualName] = mapping.DeviceName
		}
	}

	return tree
}
