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
)

// CreateVolume makes a blank or snapshot backed volume.
func (c *Controller) CreateVolume(ctx context.Context, size int, snapshotID *int64, availabilityZone, name, description string) (*VolumeInfo, error) {
	volume, err := c.volumes.Create(ctx, size, snapshotID, availabilityZone, name, description)
	if err != nil {
		return nil, err
	}

	view := volumeView(volume, nil)

	return &view, nil
}

// DeleteVolume removes a volume.  Deleting an absent volume succeeds.
func (c *Controller) DeleteVolume(ctx context.Context, id int64) error {
	if err := c.volumes.Delete(ctx, id); err != nil {
		if errors.IsNotFound(err) {
			logr.FromContextOrDiscard(ctx).Info("Volume already gone", "volume", db.EC2ID("vol", id))

			return nil
		}

		return err
	}

	return nil
}

// AttachVolume starts attaching a volume to an instance at a device path.
func (c *Controller) AttachVolume(ctx context.Context, volumeID, instanceID int64, device string) (*VolumeAttachment, error) {
	instance, err := c.instanceForProject(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	volume, err := c.volumes.Attach(ctx, volumeID, instance, device)
	if err != nil {
		return nil, err
	}

	attachment := volumeAttachment(volume, instance)

	return &attachment, nil
}

// DetachVolume starts detaching a volume wherever it is attached.
// Detaching a volume already loose succeeds.
func (c *Controller) DetachVolume(ctx context.Context, volumeID int64) (*VolumeAttachment, error) {
	volume, err := c.volumes.Detach(ctx, volumeID)
	if err != nil {
		return nil, err
	}

	attachment := volumeAttachment(volume, nil)

	return &attachment, nil
}

// CreateSnapshot starts a point in time copy of an available volume.
func (c *Controller) CreateSnapshot(ctx context.Context, volumeID int64, name, description string) (*SnapshotInfo, error) {
	snapshot, err := c.volumes.CreateSnapshot(ctx, volumeID, name, description, false)
	if err != nil {
		return nil, err
	}

	view := snapshotView(snapshot)

	return &view, nil
}

// DeleteSnapshot removes a snapshot.  Deleting an absent snapshot succeeds.
func (c *Controller) DeleteSnapshot(ctx context.Context, id int64) error {
	if err := c.volumes.DeleteSnapshot(ctx, id); err != nil {
		if errors.IsNotFound(err) {
			logr.FromContextOrDiscard(ctx).Info("Snapshot already gone", "snapshot", db.EC2ID("snap", id))

			return nil
		}

		return err
	}

	return nil
}

// DescribeVolumes lists volumes, administrators seeing every project's.
func (c *Controller) DescribeVolumes(ctx context.Context, ids []int64) ([]VolumeInfo, error) {
	credentials := auth.FromContext(ctx)

	var volumes []db.Volume

	switch {
	case len(ids) > 0:
		for _, id := range ids {
			volume, err := c.volumeForProject(ctx, id)
			if err != nil {
				return nil, err
			}

			volumes = append(volumes, *volume)
		}
	case credentials.IsAdmin:
		all, err := c.db.VolumeGetAll(ctx)
		if err != nil {
			return nil, err
		}

		volumes = all
	default:
		mine, err := c.db.VolumeGetAllByProject(ctx, credentials.ProjectID)
		if err != nil {
			return nil, err
		}

		volumes = mine
	}

	result := make([]VolumeInfo, 0, len(volumes))

	for i := range volumes {
		view, err := c.describeVolume(ctx, &volumes[i])
		if err != nil {
			return nil, err
		}

		result = append(result, view)
	}

	return result, nil
}

func (c *Controller) describeVolume(ctx context.Context, volume *db.Volume) (VolumeInfo, error) {
	var instance *db.Instance

	if volume.AttachStatus == db.VolumeAttached && volume.InstanceUUID != "" {
		attached, err := c.db.InstanceGetByUUID(ctx, volume.InstanceUUID)

		switch {
		case err == nil:
			instance = attached
		case !errors.IsNotFound(err):
			return VolumeInfo{}, err
		}
	}

	return volumeView(volume, instance), nil
}

// DescribeSnapshots lists snapshots, administrators seeing every project's.
func (c *Controller) DescribeSnapshots(ctx context.Context, ids []int64) ([]SnapshotInfo, error) {
	credentials := auth.FromContext(ctx)

	var snapshots []db.Snapshot

	switch {
	case len(ids) > 0:
		for _, id := range ids {
			snapshot, err := c.snapshotForProject(ctx, id)
			if err != nil {
				return nil, err
			}

			snapshots = append(snapshots, *snapshot)
		}
	case credentials.IsAdmin:
		all, err := c.db.SnapshotGetAll(ctx)
		if err != nil {
			return nil, err
		}

		snapshots = all
	default:
		mine, err := c.db.SnapshotGetAllByProject(ctx, credentials.ProjectID)
		if err != nil {
			return nil, err
		}

		snapshots = mine
	}

	result := make([]SnapshotInfo, 0, len(snapshots))

	for i := range snapshots {
		result = append(result, snapshotView(&snapshots[i]))
	}

	return result, nil
}

func (c *Controller) volumeForProject(ctx context.Context, id int64) (*db.Volume, error) {
	credentials := auth.FromContext(ctx)

	volume, err := c.db.VolumeGet(ctx, id)
	if err != nil {
		return nil, err
	}

	if !credentials.IsAdmin && credentials.ProjectID != "" && volume.ProjectID != credentials.ProjectID {
		return nil, errors.NotAuthorized("volume " + volume.EC2ID() + " is not in your project")
	}

	return volume, nil
}

func (c *Controller) snapshotForProject(ctx context.Context, id int64) (*db.Snapshot, error) {
	credentials := auth.FromContext(ctx)

	snapshot, err := c.db.SnapshotGet(ctx, id)
	if err != nil {
		return nil, err
	}

	if !credentials.IsAdmin && credentials.ProjectID != "" && snapshot.ProjectID != credentials.ProjectID {
		return nil, errors.NotAuthorized("snapshot " + snapshot.EC2ID() + " is not in your project")
	}

	return snapshot, nil
}
