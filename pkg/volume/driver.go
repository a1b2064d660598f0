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

package volume

import (
	"context"
	"fmt"
	"sync"

	"github.com/eschercloudai/stratus/pkg/db"
	"github.com/eschercloudai/stratus/pkg/errors"
)

// Driver variant names.
const (
	DriverISCSI = "iscsi"
	DriverFake  = "fake"
)

// Driver is the storage backend contract.  The set of variants is sealed,
// configuration selects one of the compiled in names.
type Driver interface {
	// CreateVolume provisions backing storage for a volume, cloned from
	// the snapshot when one is given, and returns the provider location
	// initiators connect to.
	CreateVolume(ctx context.Context, volume *db.Volume, snapshot *db.Snapshot, targetNum int) (string, error)

	// DeleteVolume tears backing storage down.  ErrVolumeIsBusy means an
	// initiator still holds the volume open.
	DeleteVolume(ctx context.Context, volume *db.Volume) error

	// CreateSnapshot takes a point in time copy of a volume.
	CreateSnapshot(ctx context.Context, volume *db.Volume, snapshot *db.Snapshot) error

	// DeleteSnapshot removes a copy.  ErrSnapshotIsBusy means a clone is
	// in flight from it.
	DeleteSnapshot(ctx context.Context, snapshot *db.Snapshot) error
}

// NewDriver resolves a backend variant by configured name.
func NewDriver(options *Options) (Driver, error) {
	switch options.Driver {
	case DriverISCSI:
		return &iscsiDriver{options: options}, nil
	case DriverFake:
		return NewFake(), nil
	}

	return nil, errors.InvalidParameterValue(fmt.Sprintf("unknown volume driver %s", options.Driver))
}

// iscsiDriver exports volumes over iSCSI.  This side is bookkeeping only,
// IQN and portal assignment; the target daemon on the host converges on
// the recorded state.
type iscsiDriver struct {
	options *Options
}

func (d *iscsiDriver) CreateVolume(ctx context.Context, volume *db.Volume, snapshot *db.Snapshot, targetNum int) (string, error) {
	location := fmt.Sprintf("%s:%d,%d %s%s", d.options.TargetAddress, d.options.TargetPort, targetNum, d.options.TargetPrefix, volume.EC2ID())

	return location, nil
}

func (d *iscsiDriver) DeleteVolume(ctx context.Context, volume *db.Volume) error {
	return nil
}

func (d *iscsiDriver) CreateSnapshot(ctx context.Context, volume *db.Volume, snapshot *db.Snapshot) error {
	return nil
}

func (d *iscsiDriver) DeleteSnapshot(ctx context.Context, snapshot *db.Snapshot) error {
	return nil
}

// Fake is the development backend: volumes are bits in memory.  Busy
// responses can be programmed to exercise the retry handling.
type Fake struct {
	mutex         sync.Mutex
	volumes       map[int64]bool
	snapshots     map[int64]bool
	busyVolumes   map[int64]bool
	busySnapshots map[int64]bool
}

// NewFake creates an empty development backend.
func NewFake() *Fake {
	return &Fake{
		volumes:       map[int64]bool{},
		snapshots:     map[int64]bool{},
		busyVolumes:   map[int64]bool{},
		busySnapshots: map[int64]bool{},
	}
}

// SetVolumeBusy marks a volume as held open by an initiator.
func (f *Fake) SetVolumeBusy(id int64, busy bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.busyVolumes[id] = busy
}

// SetSnapshotBusy marks a snapshot as having a clone in flight.
func (f *Fake) SetSnapshotBusy(id int64, busy bool) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.busySnapshots[id] = busy
}

// HasVolume reports whether backing storage exists for a volume.
func (f *Fake) HasVolume(id int64) bool {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.volumes[id]
}

func (f *Fake) CreateVolume(ctx context.Context, volume *db.Volume, snapshot *db.Snapshot, targetNum int) (string, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if snapshot != nil && !f.snapshots[snapshot.ID] {
		return "", errors.NotFound("InvalidSnapshot.NotFound", fmt.Sprintf("snapshot %s has no backing copy", snapshot.EC2ID()))
	}

	f.volumes[volume.ID] = true

	return fmt.Sprintf("fake:%d %s", targetNum, volume.EC2ID()), nil
}

func (f *Fake) DeleteVolume(ctx context.Context, volume *db.Volume) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.busyVolumes[volume.ID] {
		return fmt.Errorf("%w: volume %s is still exported", errors.ErrVolumeIsBusy, volume.EC2ID())
	}

	delete(f.volumes, volume.ID)

	return nil
}

func (f *Fake) CreateSnapshot(ctx context.Context, volume *db.Volume, snapshot *db.Snapshot) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.snapshots[snapshot.ID] = true

	return nil
}

func (f *Fake) DeleteSnapshot(ctx context.Context, snapshot *db.Snapshot) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.busySnapshots[snapshot.ID] {
		return fmt.Errorf("%w: snapshot %s has a clone in flight", errors.ErrSnapshotIsBusy, snapshot.EC2ID())
	}

	delete(f.snapshots, snapshot.ID)

	return nil
}
