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

// Package volume manages block storage lifecycle.  API is the request side:
// validation, quota and dispatch onto the volume topic.  Manager is the
// worker side running on every volume host: target slot assignment, driver
// operations and the resulting status transitions.  A fresh volume is
// claimed by whichever host consumes its create first and stays there.
package volume

import (
	"context"
	goerrors "errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/constants"
	"github.com/eschercloudai/stratus/pkg/db"
	"github.com/eschercloudai/stratus/pkg/errors"
	"github.com/eschercloudai/stratus/pkg/quota"
	"github.com/eschercloudai/stratus/pkg/rpc"
)

// Options are attachable to a flag set.
type Options struct {
	// Driver selects the storage backend variant.
	Driver string

	// NumTargets is how many iSCSI target slots a volume host advertises.
	NumTargets int

	// TargetPrefix namespaces exported IQNs.
	TargetPrefix string

	// TargetAddress is the portal address initiators connect to.
	TargetAddress string

	// TargetPort is the portal port.
	TargetPort int

	// AvailabilityZone is recorded on volumes created through this
	// deployment.
	AvailabilityZone string
}

// AddFlags adds the options to the given flag set.
func (o *Options) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&o.Driver, "volume-driver", DriverISCSI, "Storage backend, one of iscsi, fake.")
	f.IntVar(&o.NumTargets, "iscsi-num-targets", 100, "iSCSI target slots advertised per volume host.")
	f.StringVar(&o.TargetPrefix, "iscsi-target-prefix", "iqn.2022-11.ai.eschercloud:", "Prefix for exported IQNs.")
	f.StringVar(&o.TargetAddress, "iscsi-address", "127.0.0.1", "Portal address initiators connect to.")
	f.IntVar(&o.TargetPort, "iscsi-port", 3260, "Portal port.")
	f.StringVar(&o.AvailabilityZone, "storage-availability-zone", "zone1", "Availability zone recorded on new volumes.")
}

// API is the request side of volume management.
type API struct {
	db      *db.DB
	client  *rpc.Client
	quota   *quota.Engine
	options *Options
}

// NewAPI creates the request side.
func NewAPI(database *db.DB, client *rpc.Client, engine *quota.Engine, options *Options) *API {
	return &API{
		db:      database,
		client:  client,
		quota:   engine,
		options: options,
	}
}

// Create validates and persists a volume request, then offers it to the
// volume hosts.  Cloning from a snapshot defaults the size to the
// snapshot's; an explicit mismatch is refused.
func (a *API) Create(ctx context.Context, size int, snapshotID *int64, availabilityZone, name, description string) (*db.Volume, error) {
	credentials := auth.FromContext(ctx)

	var snapshot *db.Snapshot

	if snapshotID != nil {
		var err error

		snapshot, err = a.snapshotForProject(ctx, *snapshotID)
		if err != nil {
			return nil, err
		}

		if snapshot.Status != db.SnapshotStatusAvailable {
			return nil, errors.IncorrectState(fmt.Sprintf("snapshot %s is %s", snapshot.EC2ID(), snapshot.Status))
		}

		if size == 0 {
			size = snapshot.VolumeSize
		}

		if size != snapshot.VolumeSize {
			return nil, errors.InvalidParameterValue(fmt.Sprintf("size %d does not match snapshot %s size %d", size, snapshot.EC2ID(), snapshot.VolumeSize))
		}
	}

	if size <= 0 {
		return nil, errors.InvalidParameterValue(fmt.Sprintf("volume size %d is not positive", size))
	}

	if availabilityZone == "" {
		availabilityZone = a.options.AvailabilityZone
	}

	reservations, err := a.quota.Reserve(ctx, credentials.ProjectID, quota.VolumeDeltas(int64(size)))
	if err != nil {
		return nil, err
	}

	volume := &db.Volume{
		UserID:             credentials.UserID,
		ProjectID:          credentials.ProjectID,
		Size:               size,
		AvailabilityZone:   availabilityZone,
		SnapshotID:         snapshotID,
		DisplayName:        name,
		DisplayDescription: description,
	}

	if err := a.db.VolumeCreate(ctx, volume); err != nil {
		a.rollback(ctx, credentials.ProjectID, reservations)

		return nil, err
	}

	err = a.client.Cast(ctx, rpc.Queue(constants.VolumeTopic, ""), "create_volume", map[string]interface{}{
		"volume_id":    volume.ID,
		"reservations": reservations,
	})
	if err != nil {
		a.rollback(ctx, credentials.ProjectID, reservations)

		return nil, err
	}

	return volume, nil
}

// Delete dispatches volume teardown.  Only an unattached available or
// errored volume with no snapshots may go; one never claimed by a host is
// reaped on the spot.
func (a *API) Delete(ctx context.Context, id int64) error {
	if _, err := a.volumeForProject(ctx, id); err != nil {
		return err
	}

	count, err := a.db.SnapshotCountByVolume(ctx, id)
	if err != nil {
		return err
	}

	if count > 0 {
		return errors.IncorrectState(fmt.Sprintf("volume %s has snapshots", db.EC2ID("vol", id)))
	}

	updated, err := a.db.VolumeTransition(ctx, id, func(v *db.Volume) error {
		if v.Status != db.VolumeStatusAvailable && v.Status != db.VolumeStatusError {
			return errors.IncorrectState(fmt.Sprintf("volume %s is %s", v.EC2ID(), v.Status))
		}

		v.Status = db.VolumeStatusDeleting

		return nil
	})
	if err != nil {
		return err
	}

	if updated.Host == "" {
		// Never claimed by a worker, nothing to tear down.
		if err := a.db.VolumeDestroy(ctx, id); err != nil {
			return err
		}

		return releaseQuota(ctx, a.quota, updated)
	}

	return a.client.Cast(ctx, rpc.Queue(constants.VolumeTopic, updated.Host), "delete_volume", map[string]interface{}{
		"volume_id": id,
	})
}

// Attach reserves an available volume for an instance and tells the
// instance's compute host to plug it in.  The host's acknowledgement
// completes the attach.
func (a *API) Attach(ctx context.Context, id int64, instance *db.Instance, device string) (*db.Volume, error) {
	if _, err := a.volumeForProject(ctx, id); err != nil {
		return nil, err
	}

	attached, err := a.db.VolumeGetAllByInstance(ctx, instance.UUID)
	if err != nil {
		return nil, err
	}

	for i := range attached {
		if attached[i].Mountpoint == device && attached[i].ID != id {
			return nil, errors.InvalidParameterValue(fmt.Sprintf("device %s is already used by volume %s", device, attached[i].EC2ID()))
		}
	}

	updated, err := a.db.VolumeTransition(ctx, id, func(v *db.Volume) error {
		if v.Status != db.VolumeStatusAvailable {
			return errors.IncorrectState(fmt.Sprintf("volume %s is %s", v.EC2ID(), v.Status))
		}

		v.Status = db.VolumeStatusAttaching
		v.InstanceUUID = instance.UUID
		v.Mountpoint = device

		return nil
	})
	if err != nil {
		return nil, err
	}

	err = a.client.Cast(ctx, rpc.Queue(constants.ComputeTopic, instance.Host), "attach_volume", map[string]interface{}{
		"instance_id": instance.ID,
		"volume_id":   id,
		"mountpoint":  device,
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// Detach dispatches a detach to the owning instance's compute host.  When
// the instance is already gone the detach is blind: nobody is left to
// acknowledge it, so the volume goes straight back to available.
func (a *API) Detach(ctx context.Context, id int64) (*db.Volume, error) {
	if _, err := a.volumeForProject(ctx, id); err != nil {
		return nil, err
	}

	updated, err := a.db.VolumeTransition(ctx, id, func(v *db.Volume) error {
		if v.Status != db.VolumeStatusInUse {
			return errors.IncorrectState(fmt.Sprintf("volume %s is not attached", v.EC2ID()))
		}

		v.Status = db.VolumeStatusDetaching

		return nil
	})
	if err != nil {
		return nil, err
	}

	instance, err := a.db.InstanceGetByUUID(ctx, updated.InstanceUUID)
	if err != nil {
		if errors.IsNotFound(err) {
			logr.FromContextOrDiscard(ctx).Info("owning instance gone, detaching blind", "volume", updated.EC2ID())

			if err := a.db.VolumeDetached(ctx, id); err != nil {
				return nil, err
			}

			return a.db.VolumeGet(ctx, id)
		}

		return nil, err
	}

	err = a.client.Cast(ctx, rpc.Queue(constants.ComputeTopic, instance.Host), "detach_volume", map[string]interface{}{
		"instance_id": instance.ID,
		"volume_id":   id,
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

// CreateSnapshot dispatches a point in time copy.  The volume must be
// available unless force is set.
func (a *API) CreateSnapshot(ctx context.Context, volumeID int64, name, description string, force bool) (*db.Snapshot, error) {
	credentials := auth.FromContext(ctx)

	volume, err := a.volumeForProject(ctx, volumeID)
	if err != nil {
		return nil, err
	}

	if !force && volume.Status != db.VolumeStatusAvailable {
		return nil, errors.IncorrectState(fmt.Sprintf("volume %s is %s", volume.EC2ID(), volume.Status))
	}

	if volume.Host == "" {
		return nil, errors.ServiceUnavailable(fmt.Sprintf("volume %s has no host yet", volume.EC2ID()))
	}

	snapshot := &db.Snapshot{
		VolumeID:           volumeID,
		UserID:             credentials.UserID,
		ProjectID:          credentials.ProjectID,
		Progress:           "0%",
		VolumeSize:         volume.Size,
		DisplayName:        name,
		DisplayDescription: description,
	}

	if err := a.db.SnapshotCreate(ctx, snapshot); err != nil {
		return nil, err
	}

	err = a.client.Cast(ctx, rpc.Queue(constants.VolumeTopic, volume.Host), "create_snapshot", map[string]interface{}{
		"volume_id":   volumeID,
		"snapshot_id": snapshot.ID,
	})
	if err != nil {
		return nil, err
	}

	return snapshot, nil
}

// DeleteSnapshot dispatches snapshot removal.
func (a *API) DeleteSnapshot(ctx context.Context, id int64) error {
	snapshot, err := a.snapshotForProject(ctx, id)
	if err != nil {
		return err
	}

	if snapshot.Status != db.SnapshotStatusAvailable && snapshot.Status != db.SnapshotStatusError {
		return errors.IncorrectState(fmt.Sprintf("snapshot %s is %s", snapshot.EC2ID(), snapshot.Status))
	}

	volume, err := a.db.VolumeGet(ctx, snapshot.VolumeID)
	if err != nil {
		return err
	}

	if err := a.db.SnapshotSetStatus(ctx, id, db.SnapshotStatusDeleting, snapshot.Progress); err != nil {
		return err
	}

	return a.client.Cast(ctx, rpc.Queue(constants.VolumeTopic, volume.Host), "delete_snapshot", map[string]interface{}{
		"snapshot_id": id,
	})
}

// volumeForProject looks a volume up and enforces ownership.  Admin
// credentials may touch any volume.
func (a *API) volumeForProject(ctx context.Context, id int64) (*db.Volume, error) {
	volume, err := a.db.VolumeGet(ctx, id)
	if err != nil {
		return nil, err
	}

	credentials := auth.FromContext(ctx)

	if !credentials.IsAdmin && credentials.ProjectID != "" && volume.ProjectID != credentials.ProjectID {
		return nil, errors.NotAuthorized(fmt.Sprintf("volume %s belongs to another project", volume.EC2ID()))
	}

	return volume, nil
}

// snapshotForProject looks a snapshot up and enforces ownership.
func (a *API) snapshotForProject(ctx context.Context, id int64) (*db.Snapshot, error) {
	snapshot, err := a.db.SnapshotGet(ctx, id)
	if err != nil {
		return nil, err
	}

	credentials := auth.FromContext(ctx)

	if !credentials.IsAdmin && credentials.ProjectID != "" && snapshot.ProjectID != credentials.ProjectID {
		return nil, errors.NotAuthorized(fmt.Sprintf("snapshot %s belongs to another project", snapshot.EC2ID()))
	}

	return snapshot, nil
}

func (a *API) rollback(ctx context.Context, projectID string, reservations []string) {
	if err := a.quota.Rollback(ctx, projectID, reservations); err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "quota rollback failed", "project", projectID)
	}
}

// releaseQuota commits the negative deltas for a destroyed volume.
func releaseQuota(ctx context.Context, engine *quota.Engine, volume *db.Volume) error {
	release, err := engine.Reserve(ctx, volume.ProjectID, quota.VolumeReleaseDeltas(int64(volume.Size)))
	if err != nil {
		return err
	}

	return engine.Commit(ctx, volume.ProjectID, release)
}

// Manager is one volume host's controller.
type Manager struct {
	db      *db.DB
	client  *rpc.Client
	quota   *quota.Engine
	driver  Driver
	host    string
	options *Options
}

// NewManager creates the worker side for a host.
func NewManager(database *db.DB, client *rpc.Client, engine *quota.Engine, driver Driver, host string, options *Options) *Manager {
	return &Manager{
		db:      database,
		client:  client,
		quota:   engine,
		driver:  driver,
		host:    host,
		options: options,
	}
}

// Provision tops the host's advertised target slots up.  Run once at
// startup; existing slots are left alone.
func (m *Manager) Provision(ctx context.Context) error {
	return m.db.IscsiTargetProvision(ctx, m.host, m.options.NumTargets)
}

// Consumers registers the worker methods on the host's topic server.
func (m *Manager) Consumers(server *rpc.Server) {
	server.Register("create_volume", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		id, err := rpc.ID(args, "volume_id")
		if err != nil {
			return nil, err
		}

		_, err = m.CreateVolume(ctx, id, rpc.Strings(args, "reservations"))

		return nil, err
	})

	server.Register("delete_volume", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		id, err := rpc.ID(args, "volume_id")
		if err != nil {
			return nil, err
		}

		return nil, m.DeleteVolume(ctx, id)
	})

	server.Register("create_snapshot", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		volumeID, err := rpc.ID(args, "volume_id")
		if err != nil {
			return nil, err
		}

		snapshotID, err := rpc.ID(args, "snapshot_id")
		if err != nil {
			return nil, err
		}

		return nil, m.CreateSnapshot(ctx, volumeID, snapshotID)
	})

	server.Register("delete_snapshot", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		id, err := rpc.ID(args, "snapshot_id")
		if err != nil {
			return nil, err
		}

		return nil, m.DeleteSnapshot(ctx, id)
	})
}

// CreateVolume backs a pending volume with storage.  Consuming the create
// claims the volume for this host; replays of an already processed create
// are absorbed.
func (m *Manager) CreateVolume(ctx context.Context, id int64, reservations []string) (*db.Volume, error) {
	log := logr.FromContextOrDiscard(ctx)

	volume, err := m.db.VolumeGet(ctx, id)
	if err != nil {
		return nil, err
	}

	if volume.Status != db.VolumeStatusCreating {
		log.Info("volume already processed", "volume", volume.EC2ID(), "status", volume.Status)

		return volume, nil
	}

	var snapshot *db.Snapshot

	if volume.SnapshotID != nil {
		snapshot, err = m.db.SnapshotGet(ctx, *volume.SnapshotID)
		if err != nil {
			return nil, m.fail(ctx, id, db.VolumeStatusError, volume.ProjectID, reservations, err)
		}
	}

	targetNum, err := m.db.VolumeAllocateTarget(ctx, id, m.host)
	if err != nil {
		return nil, m.fail(ctx, id, db.VolumeStatusError, volume.ProjectID, reservations, err)
	}

	location, err := m.driver.CreateVolume(ctx, volume, snapshot, targetNum)
	if err != nil {
		return nil, m.fail(ctx, id, db.VolumeStatusError, volume.ProjectID, reservations, err)
	}

	now := time.Now().UTC()

	updated, err := m.db.VolumeTransition(ctx, id, func(v *db.Volume) error {
		v.Status = db.VolumeStatusAvailable
		v.Host = m.host
		v.ProviderLocation = location
		v.LaunchedAt = &now

		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := m.quota.Commit(ctx, volume.ProjectID, reservations); err != nil {
		log.Error(err, "quota commit failed", "volume", volume.EC2ID())
	}

	log.Info("volume created", "volume", updated.EC2ID(), "target", targetNum)

	return updated, nil
}

// DeleteVolume tears a volume down.  A busy report leaves the volume
// available for a later retry; replays of a completed delete are absorbed.
func (m *Manager) DeleteVolume(ctx context.Context, id int64) error {
	log := logr.FromContextOrDiscard(ctx)

	volume, err := m.db.VolumeGet(ctx, id)
	if err != nil {
		if errors.IsNotFound(err) {
			log.Info("volume already deleted", "volume", db.EC2ID("vol", id))

			return nil
		}

		return err
	}

	if volume.AttachStatus == db.VolumeAttached {
		return errors.IncorrectState(fmt.Sprintf("volume %s is attached", volume.EC2ID()))
	}

	if err := m.driver.DeleteVolume(ctx, volume); err != nil {
		if goerrors.Is(err, errors.ErrVolumeIsBusy) {
			log.Info("volume busy, leaving available", "volume", volume.EC2ID())

			_, err := m.db.VolumeTransition(ctx, id, func(v *db.Volume) error {
				v.Status = db.VolumeStatusAvailable

				return nil
			})

			return err
		}

		return m.fail(ctx, id, db.VolumeStatusErrorDeleting, "", nil, err)
	}

	if err := m.db.VolumeDestroy(ctx, id); err != nil {
		return err
	}

	if err := releaseQuota(ctx, m.quota, volume); err != nil {
		log.Error(err, "quota release failed", "volume", volume.EC2ID())
	}

	log.Info("volume deleted", "volume", volume.EC2ID())

	return nil
}

// CreateSnapshot takes the copy and reports completion back to the API
// daemons over the cloud topic.
func (m *Manager) CreateSnapshot(ctx context.Context, volumeID, snapshotID int64) error {
	log := logr.FromContextOrDiscard(ctx)

	volume, err := m.db.VolumeGet(ctx, volumeID)
	if err != nil {
		return err
	}

	snapshot, err := m.db.SnapshotGet(ctx, snapshotID)
	if err != nil {
		return err
	}

	if snapshot.Status != db.SnapshotStatusCreating {
		log.Info("snapshot already processed", "snapshot", snapshot.EC2ID(), "status", snapshot.Status)

		return nil
	}

	if err := m.driver.CreateSnapshot(ctx, volume, snapshot); err != nil {
		if setErr := m.db.SnapshotSetStatus(ctx, snapshotID, db.SnapshotStatusError, snapshot.Progress); setErr != nil {
			log.Error(setErr, "snapshot status update failed", "snapshot", snapshot.EC2ID())
		}

		return err
	}

	return m.client.Cast(ctx, rpc.Queue(constants.CloudTopic, ""), "snapshot_done", map[string]interface{}{
		"snapshot_id": snapshotID,
	})
}

// DeleteSnapshot removes a copy.  A busy report leaves the snapshot
// available for a later retry.
func (m *Manager) DeleteSnapshot(ctx context.Context, id int64) error {
	log := logr.FromContextOrDiscard(ctx)

	snapshot, err := m.db.SnapshotGet(ctx, id)
	if err != nil {
		if errors.IsNotFound(err) {
			log.Info("snapshot already deleted", "snapshot", db.EC2ID("snap", id))

			return nil
		}

		return err
	}

	if err := m.driver.DeleteSnapshot(ctx, snapshot); err != nil {
		if goerrors.Is(err, errors.ErrSnapshotIsBusy) {
			log.Info("snapshot busy, leaving available", "snapshot", snapshot.EC2ID())

			return m.db.SnapshotSetStatus(ctx, id, db.SnapshotStatusAvailable, snapshot.Progress)
		}

		if setErr := m.db.SnapshotSetStatus(ctx, id, db.SnapshotStatusError, snapshot.Progress); setErr != nil {
			log.Error(setErr, "snapshot status update failed", "snapshot", snapshot.EC2ID())
		}

		return err
	}

	if err := m.db.SnapshotDestroy(ctx, id); err != nil {
		return err
	}

	log.Info("snapshot deleted", "snapshot", snapshot.EC2ID())

	return nil
}

// fail records a terminal volume status and unwinds quota, preserving the
// original error for the caller.
func (m *Manager) fail(ctx context.Context, id int64, status, projectID string, reservations []string, cause error) error {
	log := logr.FromContextOrDiscard(ctx)

	if _, err := m.db.VolumeTransition(ctx, id, func(v *db.Volume) error {
		v.Status = status

		return nil
	}); err != nil {
		log.Error(err, "volume status update failed", "volume", db.EC2ID("vol", id), "status", status)
	}

	if len(reservations) > 0 {
		if err := m.quota.Rollback(ctx, projectID, reservations); err != nil {
			log.Error(err, "quota rollback failed", "project", projectID)
		}
	}

	return cause
}
