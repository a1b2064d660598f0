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

package api

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/eschercloudai/stratus/pkg/cloud"
	"github.com/eschercloudai/stratus/pkg/db"
	"github.com/eschercloudai/stratus/pkg/errors"
)

// blockDevices decodes the numbered BlockDeviceMapping structure, e.g.
// BlockDeviceMapping.1.DeviceName, BlockDeviceMapping.1.Ebs.SnapshotId.
func blockDevices(p Params) ([]cloud.BlockDeviceRequest, error) {
	var devices []cloud.BlockDeviceRequest

	for i := 1; ; i++ {
		prefix := fmt.Sprintf("BlockDeviceMapping.%d.", i)

		if !p.hasPrefix(prefix) {
			break
		}

		device := cloud.BlockDeviceRequest{
			DeviceName:          p.Get(prefix + "DeviceName"),
			VirtualName:         p.Get(prefix + "VirtualName"),
			DeleteOnTermination: p.Bool(prefix + "Ebs.DeleteOnTermination"),
			NoDevice:            p.Bool(prefix + "NoDevice"),
		}

		if raw := p.Get(prefix + "Ebs.SnapshotId"); raw != "" {
			id, err := db.ParseEC2ID(raw)
			if err != nil {
				return nil, err
			}

			device.SnapshotID = &id
		}

		if p.Get(prefix+"Ebs.VolumeSize") != "" {
			size, err := p.Int(prefix+"Ebs.VolumeSize", 0)
			if err != nil {
				return nil, err
			}

			device.VolumeSize = &size
		}

		devices = append(devices, device)
	}

	return devices, nil
}

func (h *Handler) runInstances(ctx context.Context, p Params) (Response, error) {
	minCount, err := p.Int("MinCount", 1)
	if err != nil {
		return nil, err
	}

	maxCount, err := p.Int("MaxCount", 1)
	if err != nil {
		return nil, err
	}

	devices, err := blockDevices(p)
	if err != nil {
		return nil, err
	}

	request := &cloud.RunRequest{
		ImageID:            p.Get("ImageId"),
		MinCount:           minCount,
		MaxCount:           maxCount,
		InstanceType:       p.Get("InstanceType"),
		KeyName:            p.Get("KeyName"),
		SecurityGroups:     p.List("SecurityGroup"),
		UserData:           p.Get("UserData"),
		KernelID:           p.Get("KernelId"),
		RamdiskID:          p.Get("RamdiskId"),
		AvailabilityZone:   p.Get("Placement.AvailabilityZone"),
		BlockDevices:       devices,
		DisplayName:        p.Get("DisplayName"),
		DisplayDescription: p.Get("DisplayDescription"),
	}

	if request.InstanceType == "" {
		request.InstanceType = "m1.small"
	}

	reservation, err := h.cloud.RunInstances(ctx, request)
	if err != nil {
		return nil, err
	}

	return &runInstancesResponse{Reservation: *reservation}, nil
}

func (h *Handler) terminateInstances(ctx context.Context, p Params) (Response, error) {
	ids, err := p.IDs("InstanceId")
	if err != nil {
		return nil, err
	}

	changes, err := h.cloud.TerminateInstances(ctx, ids)
	if err != nil {
		return nil, err
	}

	return &terminateInstancesResponse{Instances: changes}, nil
}

func (h *Handler) rebootInstances(ctx context.Context, p Params) (Response, error) {
	ids, err := p.IDs("InstanceId")
	if err != nil {
		return nil, err
	}

	if err := h.cloud.RebootInstances(ctx, ids); err != nil {
		return nil, err
	}

	return ack("RebootInstances"), nil
}

func (h *Handler) stopInstances(ctx context.Context, p Params) (Response, error) {
	ids, err := p.IDs("InstanceId")
	if err != nil {
		return nil, err
	}

	changes, err := h.cloud.StopInstances(ctx, ids)
	if err != nil {
		return nil, err
	}

	return &stopInstancesResponse{Instances: changes}, nil
}

func (h *Handler) startInstances(ctx context.Context, p Params) (Response, error) {
	ids, err := p.IDs("InstanceId")
	if err != nil {
		return nil, err
	}

	changes, err := h.cloud.StartInstances(ctx, ids)
	if err != nil {
		return nil, err
	}

	return &startInstancesResponse{Instances: changes}, nil
}

func (h *Handler) describeInstances(ctx context.Context, p Params) (Response, error) {
	ids, err := p.IDs("InstanceId")
	if err != nil {
		return nil, err
	}

	reservations, err := h.cloud.DescribeInstances(ctx, ids)
	if err != nil {
		return nil, err
	}

	return &describeInstancesResponse{Reservations: reservations}, nil
}

func (h *Handler) getConsoleOutput(ctx context.Context, p Params) (Response, error) {
	id, err := p.ID("InstanceId")
	if err != nil {
		return nil, err
	}

	output, err := h.cloud.GetConsoleOutput(ctx, id)
	if err != nil {
		return nil, err
	}

	return &getConsoleOutputResponse{ConsoleOutput: *output}, nil
}

func (h *Handler) getPasswordData(ctx context.Context, p Params) (Response, error) {
	id, err := p.ID("InstanceId")
	if err != nil {
		return nil, err
	}

	data, err := h.cloud.GetPasswordData(ctx, id)
	if err != nil {
		return nil, err
	}

	return &getPasswordDataResponse{PasswordData: *data}, nil
}

func (h *Handler) createKeyPair(ctx context.Context, p Params) (Response, error) {
	name := p.Get("KeyName")
	if name == "" {
		return nil, errors.InvalidParameterValue("KeyName is required")
	}

	material, err := h.cloud.CreateKeyPair(ctx, name)
	if err != nil {
		return nil, err
	}

	return &createKeyPairResponse{KeyPairMaterial: *material}, nil
}

func (h *Handler) importKeyPair(ctx context.Context, p Params) (Response, error) {
	name := p.Get("KeyName")
	if name == "" {
		return nil, errors.InvalidParameterValue("KeyName is required")
	}

	material, err := base64.StdEncoding.DecodeString(p.Get("PublicKeyMaterial"))
	if err != nil {
		return nil, errors.InvalidParameterValue("PublicKeyMaterial is not base64").WithError(err)
	}

	key, err := h.cloud.ImportKeyPair(ctx, name, string(material))
	if err != nil {
		return nil, err
	}

	return &importKeyPairResponse{KeyPairInfo: *key}, nil
}

func (h *Handler) deleteKeyPair(ctx context.Context, p Params) (Response, error) {
	if err := h.cloud.DeleteKeyPair(ctx, p.Get("KeyName")); err != nil {
		return nil, err
	}

	return ack("DeleteKeyPair"), nil
}

func (h *Handler) describeKeyPairs(ctx context.Context, p Params) (Response, error) {
	keys, err := h.cloud.DescribeKeyPairs(ctx, p.List("KeyName"))
	if err != nil {
		return nil, err
	}

	return &describeKeyPairsResponse{Keys: keys}, nil
}

func (h *Handler) createSecurityGroup(ctx context.Context, p Params) (Response, error) {
	group, err := h.cloud.CreateSecurityGroup(ctx, p.Get("GroupName"), p.Get("GroupDescription"))
	if err != nil {
		return nil, err
	}

	return &createSecurityGroupResponse{Groups: []cloud.SecurityGroupInfo{*group}}, nil
}

func (h *Handler) deleteSecurityGroup(ctx context.Context, p Params) (Response, error) {
	if err := h.cloud.DeleteSecurityGroup(ctx, p.Get("GroupName")); err != nil {
		return nil, err
	}

	return ack("DeleteSecurityGroup"), nil
}

// ruleRequest decodes the flat ingress rule parameters shared by
// authorize and revoke.
func ruleRequest(p Params) (*cloud.RuleRequest, error) {
	fromPort, err := p.Int("FromPort", 0)
	if err != nil {
		return nil, err
	}

	toPort, err := p.Int("ToPort", 0)
	if err != nil {
		return nil, err
	}

	return &cloud.RuleRequest{
		Protocol:    p.Get("IpProtocol"),
		FromPort:    fromPort,
		ToPort:      toPort,
		CIDR:        p.Get("CidrIp"),
		SourceGroup: p.Get("SourceSecurityGroupName"),
	}, nil
}

func (h *Handler) authorizeSecurityGroupIngress(ctx context.Context, p Params) (Response, error) {
	request, err := ruleRequest(p)
	if err != nil {
		return nil, err
	}

	if err := h.cloud.AuthorizeSecurityGroupIngress(ctx, p.Get("GroupName"), request); err != nil {
		return nil, err
	}

	return ack("AuthorizeSecurityGroupIngress"), nil
}

func (h *Handler) revokeSecurityGroupIngress(ctx context.Context, p Params) (Response, error) {
	request, err := ruleRequest(p)
	if err != nil {
		return nil, err
	}

	if err := h.cloud.RevokeSecurityGroupIngress(ctx, p.Get("GroupName"), request); err != nil {
		return nil, err
	}

	return ack("RevokeSecurityGroupIngress"), nil
}

func (h *Handler) describeSecurityGroups(ctx context.Context, p Params) (Response, error) {
	groups, err := h.cloud.DescribeSecurityGroups(ctx, p.List("GroupName"))
	if err != nil {
		return nil, err
	}

	return &describeSecurityGroupsResponse{Groups: groups}, nil
}

func (h *Handler) allocateAddress(ctx context.Context, _ Params) (Response, error) {
	address, err := h.cloud.AllocateAddress(ctx)
	if err != nil {
		return nil, err
	}

	return &allocateAddressResponse{PublicIP: address.PublicIP}, nil
}

func (h *Handler) releaseAddress(ctx context.Context, p Params) (Response, error) {
	if err := h.cloud.ReleaseAddress(ctx, p.Get("PublicIp")); err != nil {
		return nil, err
	}

	return ack("ReleaseAddress"), nil
}

func (h *Handler) associateAddress(ctx context.Context, p Params) (Response, error) {
	instanceID, err := p.ID("InstanceId")
	if err != nil {
		return nil, err
	}

	if err := h.cloud.AssociateAddress(ctx, p.Get("PublicIp"), instanceID); err != nil {
		return nil, err
	}

	return ack("AssociateAddress"), nil
}

func (h *Handler) disassociateAddress(ctx context.Context, p Params) (Response, error) {
	if err := h.cloud.DisassociateAddress(ctx, p.Get("PublicIp")); err != nil {
		return nil, err
	}

	return ack("DisassociateAddress"), nil
}

func (h *Handler) describeAddresses(ctx context.Context, _ Params) (Response, error) {
	addresses, err := h.cloud.DescribeAddresses(ctx)
	if err != nil {
		return nil, err
	}

	return &describeAddressesResponse{Addresses: addresses}, nil
}

func (h *Handler) createVolume(ctx context.Context, p Params) (Response, error) {
	size, err := p.Int("Size", 0)
	if err != nil {
		return nil, err
	}

	var snapshotID *int64

	if raw := p.Get("SnapshotId"); raw != "" {
		id, err := db.ParseEC2ID(raw)
		if err != nil {
			return nil, err
		}

		snapshotID = &id
	}

	volume, err := h.cloud.CreateVolume(ctx, size, snapshotID, p.Get("AvailabilityZone"), p.Get("DisplayName"), p.Get("DisplayDescription"))
	if err != nil {
		return nil, err
	}

	return &createVolumeResponse{VolumeInfo: *volume}, nil
}

func (h *Handler) deleteVolume(ctx context.Context, p Params) (Response, error) {
	id, err := p.ID("VolumeId")
	if err != nil {
		return nil, err
	}

	if err := h.cloud.DeleteVolume(ctx, id); err != nil {
		return nil, err
	}

	return ack("DeleteVolume"), nil
}

func (h *Handler) attachVolume(ctx context.Context, p Params) (Response, error) {
	volumeID, err := p.ID("VolumeId")
	if err != nil {
		return nil, err
	}

	instanceID, err := p.ID("InstanceId")
	if err != nil {
		return nil, err
	}

	attachment, err := h.cloud.AttachVolume(ctx, volumeID, instanceID, p.Get("Device"))
	if err != nil {
		return nil, err
	}

	return &attachVolumeResponse{VolumeAttachment: *attachment}, nil
}

func (h *Handler) detachVolume(ctx context.Context, p Params) (Response, error) {
	volumeID, err := p.ID("VolumeId")
	if err != nil {
		return nil, err
	}

	attachment, err := h.cloud.DetachVolume(ctx, volumeID)
	if err != nil {
		return nil, err
	}

	return &detachVolumeResponse{VolumeAttachment: *attachment}, nil
}

func (h *Handler) describeVolumes(ctx context.Context, p Params) (Response, error) {
	ids, err := p.IDs("VolumeId")
	if err != nil {
		return nil, err
	}

	volumes, err := h.cloud.DescribeVolumes(ctx, ids)
	if err != nil {
		return nil, err
	}

	return &describeVolumesResponse{Volumes: volumes}, nil
}

func (h *Handler) createSnapshot(ctx context.Context, p Params) (Response, error) {
	volumeID, err := p.ID("VolumeId")
	if err != nil {
		return nil, err
	}

	snapshot, err := h.cloud.CreateSnapshot(ctx, volumeID, p.Get("DisplayName"), p.Get("DisplayDescription"))
	if err != nil {
		return nil, err
	}

	return &createSnapshotResponse{SnapshotInfo: *snapshot}, nil
}

func (h *Handler) deleteSnapshot(ctx context.Context, p Params) (Response, error) {
	id, err := p.ID("SnapshotId")
	if err != nil {
		return nil, err
	}

	if err := h.cloud.DeleteSnapshot(ctx, id); err != nil {
		return nil, err
	}

	return ack("DeleteSnapshot"), nil
}

func (h *Handler) describeSnapshots(ctx context.Context, p Params) (Response, error) {
	ids, err := p.IDs("SnapshotId")
	if err != nil {
		return nil, err
	}

	snapshots, err := h.cloud.DescribeSnapshots(ctx, ids)
	if err != nil {
		return nil, err
	}

	return &describeSnapshotsResponse{Snapshots: snapshots}, nil
}

func (h *Handler) describeImages(ctx context.Context, p Params) (Response, error) {
	images, err := h.cloud.DescribeImages(ctx, p.List("ImageId"))
	if err != nil {
		return nil, err
	}

	return &describeImagesResponse{Images: images}, nil
}

func (h *Handler) registerImage(ctx context.Context, p Params) (Response, error) {
	id, err := h.cloud.RegisterImage(ctx, p.Get("ImageLocation"))
	if err != nil {
		return nil, err
	}

	return &registerImageResponse{ImageID: id}, nil
}

func (h *Handler) deregisterImage(ctx context.Context, p Params) (Response, error) {
	if err := h.cloud.DeregisterImage(ctx, p.Get("ImageId")); err != nil {
		return nil, err
	}

	return ack("DeregisterImage"), nil
}

func (h *Handler) modifyImageAttribute(ctx context.Context, p Params) (Response, error) {
	err := h.cloud.ModifyImageAttribute(ctx, p.Get("ImageId"), p.Get("Attribute"), p.Get("OperationType"), p.List("UserGroup"))
	if err != nil {
		return nil, err
	}

	return ack("ModifyImageAttribute"), nil
}

func (h *Handler) describeAvailabilityZones(ctx context.Context, p Params) (Response, error) {
	// The verbose listing is requested by passing a zone name of
	// "verbose", an euca2ools quirk the original API honoured.
	verbose := false

	for _, name := range p.List("ZoneName") {
		if name == "verbose" {
			verbose = true
		}
	}

	zones, err := h.cloud.DescribeAvailabilityZones(ctx, verbose)
	if err != nil {
		return nil, err
	}

	return &describeAvailabilityZonesResponse{Zones: zones}, nil
}

func (h *Handler) describeRegions(ctx context.Context, _ Params) (Response, error) {
	return &describeRegionsResponse{Regions: h.cloud.DescribeRegions(ctx)}, nil
}
