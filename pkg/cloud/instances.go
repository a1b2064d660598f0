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
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/constants"
	"github.com/eschercloudai/stratus/pkg/db"
	"github.com/eschercloudai/stratus/pkg/errors"
	"github.com/eschercloudai/stratus/pkg/image"
	"github.com/eschercloudai/stratus/pkg/network"
	"github.com/eschercloudai/stratus/pkg/quota"
	"github.com/eschercloudai/stratus/pkg/rpc"
)

// BlockDeviceRequest is one launch time device mapping.
type BlockDeviceRequest struct {
	// DeviceName is the guest device path.
	DeviceName string

	// VirtualName claims an ephemeral or swap slot.
	VirtualName string

	// SnapshotID backs the device with a snapshot sourced volume.
	SnapshotID *int64

	// VolumeSize overrides the snapshot's size.
	VolumeSize *int

	// DeleteOnTermination ties the volume's life to the instance's.
	DeleteOnTermination bool

	// NoDevice suppresses a default mapping the image would get.
	NoDevice bool
}

// RunRequest carries the RunInstances parameters.
type RunRequest struct {
	// ImageID is the machine image to boot, and must be available.
	ImageID string

	// MinCount and MaxCount bound the batch.  The whole batch is
	// admitted or refused as one, there are no partial launches.
	MinCount int
	MaxCount int

	// InstanceType names the flavour to boot.
	InstanceType string

	// KeyName selects one of the caller's key pairs, optional.
	KeyName string

	// SecurityGroups binds the instances, default group when empty.
	SecurityGroups []string

	// UserData is opaque base64, handed back by the metadata service.
	UserData string

	// KernelID and RamdiskID override the image's own defaults.
	KernelID  string
	RamdiskID string

	// AvailabilityZone is a placement request, optional.
	AvailabilityZone string

	// BlockDevices are additional volumes to wire up at boot.
	BlockDevices []BlockDeviceRequest

	// DisplayName and DisplayDescription are cosmetic.
	DisplayName        string
	DisplayDescription string
}

// RunInstances admits a batch of instances.  Records are persisted in state
// scheduling with their addressing already allocated, then offered to the
// compute topic one cast per instance for the external scheduler to place.
func (c *Controller) RunInstances(ctx context.Context, request *RunRequest) (*Reservation, error) {
	log := logr.FromContextOrDiscard(ctx)

	credentials := auth.FromContext(ctx)

	if request.MaxCount < 1 || request.MinCount < 1 || request.MaxCount < request.MinCount {
		return nil, errors.InvalidParameterValue(fmt.Sprintf("bad instance count %d..%d", request.MinCount, request.MaxCount))
	}

	img, err := c.images.Get(ctx, request.ImageID)
	if err != nil {
		return nil, err
	}

	if img.State != image.StateAvailable {
		return nil, errors.IncorrectState(fmt.Sprintf("image %s is in state %s, not available", img.ID, img.State))
	}

	kernelID, err := c.resolveAuxImage(ctx, img.KernelID, request.KernelID)
	if err != nil {
		return nil, err
	}

	ramdiskID, err := c.resolveAuxImage(ctx, img.RamdiskID, request.RamdiskID)
	if err != nil {
		return nil, err
	}

	instanceType, err := c.db.InstanceTypeGetByName(ctx, request.InstanceType)
	if err != nil {
		return nil, err
	}

	var keyData string

	if request.KeyName != "" {
		keyPair, err := c.db.KeyPairGet(ctx, credentials.UserID, request.KeyName)
		if err != nil {
			return nil, err
		}

		keyData = keyPair.PublicKey
	}

	groups, err := c.resolveGroups(ctx, request.SecurityGroups)
	if err != nil {
		return nil, err
	}

	availabilityZone := request.AvailabilityZone
	if availabilityZone == "" {
		availabilityZone = c.options.DefaultAvailabilityZone
	}

	count := int64(request.MaxCount)

	reservations, err := c.quota.Reserve(ctx, credentials.ProjectID, quota.InstanceDeltas(count, instanceType))
	if err != nil {
		return nil, err
	}

	reservationID := newReservationID()
	vpn := request.ImageID == c.options.VPNImage

	result := &Reservation{
		ID:      reservationID,
		OwnerID: credentials.ProjectID,
	}

	for i := range groups {
		result.Groups = append(result.Groups, GroupInfo{ID: groups[i].Name})
	}

	created := make([]*db.Instance, 0, request.MaxCount)

	for i := 0; i < request.MaxCount; i++ {
		instance := &db.Instance{
			UserID:             credentials.UserID,
			ProjectID:          credentials.ProjectID,
			ImageRef:           request.ImageID,
			KernelRef:          kernelID,
			RamdiskRef:         ramdiskID,
			InstanceTypeID:     instanceType.ID,
			ReservationID:      reservationID,
			LaunchIndex:        i,
			State:              db.InstanceStateScheduling,
			StateDescription:   "scheduling",
			KeyName:            request.KeyName,
			KeyData:            keyData,
			UserData:           request.UserData,
			RootDeviceName:     "/dev/vda",
			AvailabilityZone:   availabilityZone,
			DisplayName:        request.DisplayName,
			DisplayDescription: request.DisplayDescription,
		}

		mac, err := network.GenerateMAC()
		if err != nil {
			return nil, c.unwindRun(ctx, created, reservations, err)
		}

		instance.MACAddress = mac

		if err := c.db.InstanceCreate(ctx, instance); err != nil {
			return nil, c.unwindRun(ctx, created, reservations, err)
		}

		created = append(created, instance)

		instance, err = c.db.InstanceTransition(ctx, instance.ID, func(i *db.Instance) error {
			i.Hostname = i.EC2ID()

			return nil
		})
		if err != nil {
			return nil, c.unwindRun(ctx, created, reservations, err)
		}

		created[len(created)-1] = instance

		for j := range groups {
			if err := c.db.InstanceAddSecurityGroup(ctx, instance.ID, groups[j].ID); err != nil {
				return nil, c.unwindRun(ctx, created, reservations, err)
			}
		}

		fixedIP, err := c.network.AllocateFixedIP(ctx, credentials.ProjectID, instance.ID, vpn)
		if err != nil {
			return nil, c.unwindRun(ctx, created, reservations, err)
		}

		for j := range request.BlockDevices {
			device := request.BlockDevices[j]

			mapping := &db.BlockDeviceMapping{
				InstanceID:          instance.ID,
				DeviceName:          device.DeviceName,
				VirtualName:         device.VirtualName,
				SnapshotID:          device.SnapshotID,
				VolumeSize:          device.VolumeSize,
				DeleteOnTermination: device.DeleteOnTermination,
				NoDevice:            device.NoDevice,
			}

			if err := c.db.BlockDeviceMappingCreate(ctx, mapping); err != nil {
				return nil, c.unwindRun(ctx, created, reservations, err)
			}
		}

		if err := c.client.Cast(ctx, rpc.Queue(constants.ComputeTopic, ""), "run_instance", map[string]interface{}{"instance_id": instance.ID}); err != nil {
			return nil, c.unwindRun(ctx, created, reservations, err)
		}

		log.Info("Launching instance", "instance", instance.EC2ID(), "reservation", reservationID, "address", fixedIP.Address)

		result.Instances = append(result.Instances, instanceView(credentials, instance, instanceType, fixedIP.Address, ""))
	}

	if err := c.quota.Commit(ctx, credentials.ProjectID, reservations); err != nil {
		log.Error(err, "Quota commit failed, reservation left to expire", "reservation", reservationID)
	}

	return result, nil
}

// resolveAuxImage picks a kernel or ramdisk, request override beating image
// default, and checks the result exists.
func (c *Controller) resolveAuxImage(ctx context.Context, imageDefault, override string) (string, error) {
	id := imageDefault
	if override != "" {
		id = override
	}

	if id == "" {
		return "", nil
	}

	if _, err := c.images.Get(ctx, id); err != nil {
		return "", err
	}

	return id, nil
}

// resolveGroups maps requested group names to rows, creating the project's
// default group on first touch.
func (c *Controller) resolveGroups(ctx context.Context, names []string) ([]db.SecurityGroup, error) {
	credentials := auth.FromContext(ctx)

	if len(names) == 0 {
		names = []string{DefaultSecurityGroup}
	}

	groups := make([]db.SecurityGroup, 0, len(names))

	for _, name := range names {
		var group *db.SecurityGroup

		var err error

		if name == DefaultSecurityGroup {
			group, err = c.ensureDefaultGroup(ctx)
		} else {
			group, err = c.db.SecurityGroupGetByName(ctx, credentials.ProjectID, name)
		}

		if err != nil {
			return nil, err
		}

		groups = append(groups, *group)
	}

	return groups, nil
}

// unwindRun undoes a partially admitted batch.  Instance records and their
// addresses are reclaimed best effort, the quota reservation is rolled
// back, and the original cause is returned.
func (c *Controller) unwindRun(ctx context.Context, created []*db.Instance, reservations []string, cause error) error {
	log := logr.FromContextOrDiscard(ctx)

	credentials := auth.FromContext(ctx)

	for _, instance := range created {
		if fixedIP, err := c.db.FixedIPGetByInstance(ctx, instance.ID); err == nil {
			if err := c.network.DeallocateFixedIP(ctx, fixedIP.Address); err != nil {
				log.Error(err, "Couldn't reclaim address during unwind", "address", fixedIP.Address)
			}
		}

		if err := c.db.InstanceDestroy(ctx, instance.ID); err != nil {
			log.Error(err, "Couldn't destroy instance during unwind", "instance", instance.EC2ID())
		}
	}

	if err := c.quota.Rollback(ctx, credentials.ProjectID, reservations); err != nil {
		log.Error(err, "Quota rollback failed")
	}

	return cause
}

// TerminateInstances tears a batch down.  Missing instances are skipped, a
// second terminate of the same batch is a no-op.  Hosted instances are told
// to die and confirmed asynchronously; unscheduled ones are reaped on the
// spot.
func (c *Controller) TerminateInstances(ctx context.Context, ids []int64) ([]StateChange, error) {
	log := logr.FromContextOrDiscard(ctx)

	changes := make([]StateChange, 0, len(ids))

	for _, id := range ids {
		instance, err := c.instanceForProject(ctx, id)
		if err != nil {
			if errors.IsNotFound(err) {
				log.Info("Instance gone, skipping terminate", "instance", db.EC2ID("i", id))

				continue
			}

			return nil, err
		}

		previous := instance.State

		if previous == db.InstanceStateTerminating {
			changes = append(changes, StateChange{
				ID:            instance.EC2ID(),
				PreviousState: instanceState(previous),
				CurrentState:  instanceState(previous),
			})

			continue
		}

		c.releaseAddressing(ctx, instance)

		current := db.InstanceStateTerminating

		if instance.Host != "" {
			if err := c.db.InstanceSetState(ctx, id, db.InstanceStateTerminating, "terminating"); err != nil {
				return nil, err
			}

			args := map[string]interface{}{"instance_id": id}

			if err := c.client.Cast(ctx, rpc.Queue(constants.ComputeTopic, instance.Host), "terminate_instance", args); err != nil {
				return nil, err
			}
		} else {
			if err := c.completeTerminate(ctx, instance); err != nil {
				return nil, err
			}

			current = db.InstanceStateDeleted
		}

		changes = append(changes, StateChange{
			ID:            instance.EC2ID(),
			PreviousState: instanceState(previous),
			CurrentState:  instanceState(current),
		})
	}

	return changes, nil
}

// releaseAddressing strips an instance's floating and fixed addresses.
// Best effort: termination proceeds even when an address is stuck.
func (c *Controller) releaseAddressing(ctx context.Context, instance *db.Instance) {
	log := logr.FromContextOrDiscard(ctx)

	fixedIP, err := c.db.FixedIPGetByInstance(ctx, instance.ID)
	if err != nil {
		if !errors.IsNotFound(err) {
			log.Error(err, "Couldn't look up fixed ip", "instance", instance.EC2ID())
		}

		return
	}

	floatingIPs, err := c.db.FloatingIPGetByFixedIP(ctx, fixedIP.ID)
	if err != nil {
		log.Error(err, "Couldn't look up floating ips", "instance", instance.EC2ID())
	}

	for i := range floatingIPs {
		if err := c.network.DisassociateFloatingIP(ctx, instance.ProjectID, floatingIPs[i].Address); err != nil {
			log.Error(err, "Couldn't disassociate floating ip", "address", floatingIPs[i].Address)
		}
	}

	if err := c.network.DeallocateFixedIP(ctx, fixedIP.Address); err != nil {
		log.Error(err, "Couldn't deallocate fixed ip", "address", fixedIP.Address)
	}
}

// completeTerminate finishes a teardown once no worker holds the instance:
// either it never had a host, or the host reported the guest gone.  Volumes
// detach blind, delete-on-termination volumes are deleted, and only then is
// the quota returned.
func (c *Controller) completeTerminate(ctx context.Context, instance *db.Instance) error {
	log := logr.FromContextOrDiscard(ctx)

	volumes, err := c.db.VolumeGetAllByInstance(ctx, instance.UUID)
	if err != nil {
		return err
	}

	for i := range volumes {
		if err := c.db.VolumeDetached(ctx, volumes[i].ID); err != nil {
			log.Error(err, "Couldn't detach volume", "volume", volumes[i].EC2ID())
		}
	}

	mappings, err := c.db.BlockDeviceMappingGetAllByInstance(ctx, instance.ID)
	if err != nil {
		return err
	}

	for i := range mappings {
		if mappings[i].VolumeID == nil || !mappings[i].DeleteOnTermination {
			continue
		}

		if err := c.volumes.Delete(ctx, *mappings[i].VolumeID); err != nil {
			log.Error(err, "Couldn't delete volume with its instance", "volume", db.EC2ID("vol", *mappings[i].VolumeID))
		}
	}

	if err := c.db.BlockDeviceMappingDestroyAllByInstance(ctx, instance.ID); err != nil {
		return err
	}

	instanceType, err := c.db.InstanceTypeGet(ctx, instance.InstanceTypeID)
	if err != nil {
		return err
	}

	if err := c.db.InstanceDestroy(ctx, instance.ID); err != nil {
		return err
	}

	reservations, err := c.quota.Reserve(ctx, instance.ProjectID, quota.InstanceReleaseDeltas(1, instanceType))
	if err != nil {
		log.Error(err, "Quota release failed", "instance", instance.EC2ID())

		return nil
	}

	if err := c.quota.Commit(ctx, instance.ProjectID, reservations); err != nil {
		log.Error(err, "Quota release commit failed", "instance", instance.EC2ID())
	}

	return nil
}

// RebootInstances casts a reboot at each running instance.  Others are
// skipped; the verb is idempotent.
func (c *Controller) RebootInstances(ctx context.Context, ids []int64) error {
	log := logr.FromContextOrDiscard(ctx)

	for _, id := range ids {
		instance, err := c.instanceForProject(ctx, id)
		if err != nil {
			return err
		}

		if instance.State != db.InstanceStateRunning || instance.Host == "" {
			log.Info("Not rebooting instance", "instance", instance.EC2ID(), "state", instance.State)

			continue
		}

		args := map[string]interface{}{"instance_id": id}

		if err := c.client.Cast(ctx, rpc.Queue(constants.ComputeTopic, instance.Host), "reboot_instance", args); err != nil {
			return err
		}
	}

	return nil
}

// StopInstances powers a batch down.  Only running instances may stop.
func (c *Controller) StopInstances(ctx context.Context, ids []int64) ([]StateChange, error) {
	return c.powerVerb(ctx, ids, db.InstanceStateRunning, db.InstanceStateStopping, "stop_instance")
}

// StartInstances boots a stopped batch back up on their previous hosts.
func (c *Controller) StartInstances(ctx context.Context, ids []int64) ([]StateChange, error) {
	return c.powerVerb(ctx, ids, db.InstanceStateStopped, db.InstanceStateStarting, "start_instance")
}

func (c *Controller) powerVerb(ctx context.Context, ids []int64, from, to, method string) ([]StateChange, error) {
	changes := make([]StateChange, 0, len(ids))

	for _, id := range ids {
		if _, err := c.instanceForProject(ctx, id); err != nil {
			return nil, err
		}

		instance, err := c.db.InstanceTransition(ctx, id, func(i *db.Instance) error {
			if i.State != from {
				return errors.IncorrectState(fmt.Sprintf("instance %s is in state %s, not %s", i.EC2ID(), i.State, from))
			}

			if i.Host == "" {
				return errors.ServiceUnavailable(fmt.Sprintf("instance %s has no host", i.EC2ID()))
			}

			i.State = to
			i.StateDescription = to

			return nil
		})
		if err != nil {
			return nil, err
		}

		args := map[string]interface{}{"instance_id": id}

		if err := c.client.Cast(ctx, rpc.Queue(constants.ComputeTopic, instance.Host), method, args); err != nil {
			return nil, err
		}

		changes = append(changes, StateChange{
			ID:            instance.EC2ID(),
			PreviousState: instanceState(from),
			CurrentState:  instanceState(to),
		})
	}

	return changes, nil
}

// DescribeInstances lists reservations.  Administrators see every project's
// instances, everyone else their own project's.  An empty result is a
// valid, empty reservation set.
func (c *Controller) DescribeInstances(ctx context.Context, ids []int64) ([]Reservation, error) {
	credentials := auth.FromContext(ctx)

	var instances []db.Instance

	switch {
	case len(ids) > 0:
		for _, id := range ids {
			instance, err := c.instanceForProject(ctx, id)
			if err != nil {
				return nil, err
			}

			instances = append(instances, *instance)
		}
	case credentials.IsAdmin:
		all, err := c.db.InstanceGetAll(ctx)
		if err != nil {
			return nil, err
		}

		instances = all
	default:
		mine, err := c.db.InstanceGetAllByProject(ctx, credentials.ProjectID)
		if err != nil {
			return nil, err
		}

		instances = mine
	}

	reservations := []Reservation{}
	index := map[string]int{}

	for i := range instances {
		instance := &instances[i]

		pos, ok := index[instance.ReservationID]
		if !ok {
			groups, err := c.db.SecurityGroupGetAllByInstance(ctx, instance.ID)
			if err != nil {
				return nil, err
			}

			reservation := Reservation{
				ID:      instance.ReservationID,
				OwnerID: instance.ProjectID,
			}

			for j := range groups {
				reservation.Groups = append(reservation.Groups, GroupInfo{ID: groups[j].Name})
			}

			pos = len(reservations)
			index[instance.ReservationID] = pos

			reservations = append(reservations, reservation)
		}

		view, err := c.describeInstance(ctx, credentials, instance)
		if err != nil {
			return nil, err
		}

		reservations[pos].Instances = append(reservations[pos].Instances, view)
	}

	return reservations, nil
}

func (c *Controller) describeInstance(ctx context.Context, credentials *auth.Credentials, instance *db.Instance) (InstanceInfo, error) {
	instanceType, err := c.db.InstanceTypeGet(ctx, instance.InstanceTypeID)
	if err != nil {
		return InstanceInfo{}, err
	}

	var privateIP, publicIP string

	fixedIP, err := c.db.FixedIPGetByInstance(ctx, instance.ID)

	switch {
	case err == nil:
		privateIP = fixedIP.Address

		floatingIPs, err := c.db.FloatingIPGetByFixedIP(ctx, fixedIP.ID)
		if err != nil {
			return InstanceInfo{}, err
		}

		if len(floatingIPs) > 0 {
			publicIP = floatingIPs[0].Address
		}
	case !errors.IsNotFound(err):
		return InstanceInfo{}, err
	}

	return instanceView(credentials, instance, instanceType, privateIP, publicIP), nil
}

// GetConsoleOutput fetches the guest console ring buffer from the hosting
// worker, synchronously.
func (c *Controller) GetConsoleOutput(ctx context.Context, id int64) (*ConsoleOutput, error) {
	instance, err := c.instanceForProject(ctx, id)
	if err != nil {
		return nil, err
	}

	if instance.Host == "" {
		return nil, errors.ServiceUnavailable(fmt.Sprintf("instance %s has no host", instance.EC2ID()))
	}

	args := map[string]interface{}{"instance_id": id}

	result, err := c.client.Call(ctx, rpc.Queue(constants.ComputeTopic, instance.Host), "get_console_output", args)
	if err != nil {
		return nil, err
	}

	output, err := rpc.String(result, "output")
	if err != nil {
		return nil, err
	}

	return &ConsoleOutput{
		InstanceID: instance.EC2ID(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Output:     base64.StdEncoding.EncodeToString([]byte(output)),
	}, nil
}

// GetPasswordData fetches the encrypted admin password posted by Windows
// guests.  Empty when the guest never posted one.
func (c *Controller) GetPasswordData(ctx context.Context, id int64) (*PasswordData, error) {
	instance, err := c.instanceForProject(ctx, id)
	if err != nil {
		return nil, err
	}

	if instance.Host == "" {
		return nil, errors.ServiceUnavailable(fmt.Sprintf("instance %s has no host", instance.EC2ID()))
	}

	args := map[string]interface{}{"instance_id": id}

	result, err := c.client.Call(ctx, rpc.Queue(constants.ComputeTopic, instance.Host), "get_password_data", args)
	if err != nil {
		return nil, err
	}

	password, _ := result["password_data"].(string)

	return &PasswordData{
		InstanceID: instance.EC2ID(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Password:   password,
	}, nil
}

// UpdateInstanceState folds a worker's status report into the record.  The
// worker is authoritative for everything after scheduling; a deleted report
// completes the termination protocol.
func (c *Controller) UpdateInstanceState(ctx context.Context, id int64, state string, args map[string]interface{}) error {
	if state == db.InstanceStateDeleted {
		instance, err := c.db.InstanceGet(ctx, id)
		if err != nil {
			if errors.IsNotFound(err) {
				return nil
			}

			return err
		}

		return c.completeTerminate(ctx, instance)
	}

	_, err := c.db.InstanceTransition(ctx, id, func(instance *db.Instance) error {
		instance.State = state
		instance.StateDescription = state

		if description, ok := args["state_description"].(string); ok {
			instance.StateDescription = description
		}

		if host, ok := args["host"].(string); ok && host != "" {
			instance.Host = host
		}

		if state == db.InstanceStateRunning && instance.LaunchTime == nil {
			now := time.Now().UTC()
			instance.LaunchTime = &now
		}

		return nil
	})

	return err
}

// instanceForProject fetches an instance, refusing access across project
// boundaries for everyone but administrators.
func (c *Controller) instanceForProject(ctx context.Context, id int64) (*db.Instance, error) {
	credentials := auth.FromContext(ctx)

	instance, err := c.db.InstanceGet(ctx, id)
	if err != nil {
		return nil, err
	}

	if !credentials.IsAdmin && credentials.ProjectID != "" && instance.ProjectID != credentials.ProjectID {
		return nil, errors.NotAuthorized(fmt.Sprintf("instance %s is not in project %s", instance.EC2ID(), credentials.ProjectID))
	}

	return instance, nil
}

// newReservationID mints a launch batch identifier in the i-xxxxxxxx style
// of instance IDs.  Batches have no table of their own, the ID only groups
// instance rows.
func newReservationID() string {
	var raw [4]byte

	// rand.Read on the crypto source never fails.
	_, _ = rand.Read(raw[:])

	return fmt.Sprintf("r-%08x", binary.BigEndian.Uint32(raw[:]))
}
