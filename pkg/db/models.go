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

package db

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/eschercloudai/stratus/pkg/errors"
)

// Instance states.  Transitions are driven by worker status reports, with
// the exception of the controller initiated terminate/stop/reboot/start.
const (
	InstanceStatePending     = "pending"
	InstanceStateScheduling  = "scheduling"
	InstanceStateNetworking  = "networking"
	InstanceStateBuilding    = "building"
	InstanceStateRunning     = "running"
	InstanceStateRebooting   = "rebooting"
	InstanceStateStopping    = "stopping"
	InstanceStateStopped     = "stopped"
	InstanceStateStarting    = "starting"
	InstanceStateRescued     = "rescued"
	InstanceStateTerminating = "terminating"
	InstanceStateDeleted     = "deleted"
	InstanceStateError       = "error"
)

// Volume states.
const (
	VolumeStatusCreating      = "creating"
	VolumeStatusAvailable     = "available"
	VolumeStatusAttaching     = "attaching"
	VolumeStatusInUse         = "in-use"
	VolumeStatusDetaching     = "detaching"
	VolumeStatusDeleting      = "deleting"
	VolumeStatusError         = "error"
	VolumeStatusErrorDeleting = "error_deleting"

	VolumeAttached = "attached"
	VolumeDetached = "detached"
)

// Snapshot states.
const (
	SnapshotStatusCreating  = "creating"
	SnapshotStatusAvailable = "available"
	SnapshotStatusDeleting  = "deleting"
	SnapshotStatusError     = "error"
)

// Record carries the bookkeeping columns every table has.  Deletion is soft:
// rows are flagged and filtered, never dropped in request paths.
type Record struct {
	ID        int64      `db:"id"`
	CreatedAt time.Time  `db:"created_at"`
	UpdatedAt *time.Time `db:"updated_at"`
	DeletedAt *time.Time `db:"deleted_at"`
	Deleted   bool       `db:"deleted"`
}

// LastSeen returns the most recent write to the row.
func (r *Record) LastSeen() time.Time {
	if r.UpdatedAt != nil {
		return *r.UpdatedAt
	}

	return r.CreatedAt
}

// Instance is a virtual machine record.
type Instance struct {
	Record

	UUID               string     `db:"uuid"`
	UserID             string     `db:"user_id"`
	ProjectID          string     `db:"project_id"`
	ImageRef           string     `db:"image_ref"`
	KernelRef          string     `db:"kernel_ref"`
	RamdiskRef         string     `db:"ramdisk_ref"`
	InstanceTypeID     int64      `db:"instance_type_id"`
	ReservationID      string     `db:"reservation_id"`
	LaunchIndex        int        `db:"launch_index"`
	LaunchTime         *time.Time `db:"launch_time"`
	State              string     `db:"state"`
	StateDescription   string     `db:"state_description"`
	Host               string     `db:"host"`
	Hostname           string     `db:"hostname"`
	MACAddress         string     `db:"mac_address"`
	KeyName            string     `db:"key_name"`
	KeyData            string     `db:"key_data"`
	UserData           string     `db:"user_data"`
	RootDeviceName     string     `db:"root_device_name"`
	AvailabilityZone   string     `db:"availability_zone"`
	DisplayName        string     `db:"display_name"`
	DisplayDescription string     `db:"display_description"`
	Locked             bool       `db:"locked"`
}

// EC2ID returns the instance's wire identifier.
func (i *Instance) EC2ID() string {
	return EC2ID("i", i.ID)
}

// Volume is a block storage record.
type Volume struct {
	Record

	UserID             string     `db:"user_id"`
	ProjectID          string     `db:"project_id"`
	Host               string     `db:"host"`
	Size               int        `db:"size"`
	AvailabilityZone   string     `db:"availability_zone"`
	Status             string     `db:"status"`
	AttachStatus       string     `db:"attach_status"`
	InstanceUUID       string     `db:"instance_uuid"`
	Mountpoint         string     `db:"mountpoint"`
	AttachTime         *time.Time `db:"attach_time"`
	ScheduledAt        *time.Time `db:"scheduled_at"`
	LaunchedAt         *time.Time `db:"launched_at"`
	TerminatedAt       *time.Time `db:"terminated_at"`
	SnapshotID         *int64     `db:"snapshot_id"`
	ProviderLocation   string     `db:"provider_location"`
	DisplayName        string     `db:"display_name"`
	DisplayDescription string     `db:"display_description"`
}

// EC2ID returns the volume's wire identifier.
func (v *Volume) EC2ID() string {
	return EC2ID("vol", v.ID)
}

// IscsiTarget is one exported target slot on a volume host.  Slots are
// provisioned per host and claimed by at most one volume.
type IscsiTarget struct {
	Record

	TargetNum int    `db:"target_num"`
	Host      string `db:"host"`
	VolumeID  *int64 `db:"volume_id"`
}

// Snapshot is a point in time copy of a volume.
type Snapshot struct {
	Record

	VolumeID           int64  `db:"volume_id"`
	UserID             string `db:"user_id"`
	ProjectID          string `db:"project_id"`
	Status             string `db:"status"`
	Progress           string `db:"progress"`
	VolumeSize         int    `db:"volume_size"`
	DisplayName        string `db:"display_name"`
	DisplayDescription string `db:"display_description"`
}

// EC2ID returns the snapshot's wire identifier.
func (s *Snapshot) EC2ID() string {
	return EC2ID("snap", s.ID)
}

// Network is a layer 2 segment and its layer 3 configuration.
type Network struct {
	Record

	Label             string `db:"label"`
	Injected          bool   `db:"injected"`
	CIDR              string `db:"cidr"`
	CIDRV6            string `db:"cidr_v6"`
	Netmask           string `db:"netmask"`
	Bridge            string `db:"bridge"`
	Gateway           string `db:"gateway"`
	GatewayV6         string `db:"gateway_v6"`
	Broadcast         string `db:"broadcast"`
	DNS               string `db:"dns"`
	VLAN              *int   `db:"vlan"`
	VPNPublicAddress  string `db:"vpn_public_address"`
	VPNPublicPort     *int   `db:"vpn_public_port"`
	VPNPrivateAddress string `db:"vpn_private_address"`
	DHCPStart         string `db:"dhcp_start"`
	ProjectID         string `db:"project_id"`
	Host              string `db:"host"`
}

// FixedIP is a private address within a network.  allocated is a control
// plane fact, leased reflects DHCP reality.
type FixedIP struct {
	Record

	Address    string `db:"address"`
	NetworkID  int64  `db:"network_id"`
	InstanceID *int64 `db:"instance_id"`
	Allocated  bool   `db:"allocated"`
	Leased     bool   `db:"leased"`
	Reserved   bool   `db:"reserved"`
}

// FloatingIP is a public address, optionally NATed onto a fixed IP.
type FloatingIP struct {
	Record

	Address      string `db:"address"`
	FixedIPID    *int64 `db:"fixed_ip_id"`
	ProjectID    string `db:"project_id"`
	Host         string `db:"host"`
	AutoAssigned bool   `db:"auto_assigned"`
}

// SecurityGroup is a named set of ingress rules.
type SecurityGroup struct {
	Record

	UserID      string `db:"user_id"`
	ProjectID   string `db:"project_id"`
	Name        string `db:"name"`
	Description string `db:"description"`

	// Rules are loaded on demand, not by every query.
	Rules []SecurityGroupRule `db:"-"`
}

// SecurityGroupRule is a single ingress permission.  Exactly one of CIDR and
// GroupID is set; a group source expands to the member instances' addresses
// at compile time.
type SecurityGroupRule struct {
	Record

	ParentGroupID int64  `db:"parent_group_id"`
	Protocol      string `db:"protocol"`
	FromPort      *int   `db:"from_port"`
	ToPort        *int   `db:"to_port"`
	CIDR          string `db:"cidr"`
	GroupID       *int64 `db:"group_id"`
}

// ProviderFirewallRule is a platform wide ingress permission evaluated ahead
// of any security group.
type ProviderFirewallRule struct {
	Record

	Protocol string `db:"protocol"`
	FromPort int    `db:"from_port"`
	ToPort   int    `db:"to_port"`
	CIDR     string `db:"cidr"`
}

// KeyPair is a user's named public key.
type KeyPair struct {
	Record

	Name        string `db:"name"`
	UserID      string `db:"user_id"`
	Fingerprint string `db:"fingerprint"`
	PublicKey   string `db:"public_key"`
}

// Service is a worker daemon's liveness record, refreshed by periodic
// report_state casts.
type Service struct {
	Record

	Host             string `db:"host"`
	Binary           string `db:"binary"`
	Topic            string `db:"topic"`
	ReportCount      int    `db:"report_count"`
	Disabled         bool   `db:"disabled"`
	AvailabilityZone string `db:"availability_zone"`
}

// Zone is a child zone to poll for capabilities.
type Zone struct {
	Record

	APIURL   string `db:"api_url"`
	Username string `db:"username"`
	Password string `db:"password"`
}

// InstanceType is a hardware flavor.
type InstanceType struct {
	Record

	Name     string `db:"name"`
	MemoryMB int    `db:"memory_mb"`
	VCPUs    int    `db:"vcpus"`
	LocalGB  int    `db:"local_gb"`
	FlavorID int    `db:"flavorid"`
	Swap     int    `db:"swap"`
}

// BlockDeviceMapping describes one device attachment requested at launch.
type BlockDeviceMapping struct {
	Record

	InstanceID          int64  `db:"instance_id"`
	DeviceName          string `db:"device_name"`
	VirtualName         string `db:"virtual_name"`
	SnapshotID          *int64 `db:"snapshot_id"`
	VolumeID            *int64 `db:"volume_id"`
	VolumeSize          *int   `db:"volume_size"`
	DeleteOnTermination bool   `db:"delete_on_termination"`
	NoDevice            bool   `db:"no_device"`
}

// Quota is a per-project hard limit override for one resource.
type Quota struct {
	Record

	ProjectID string `db:"project_id"`
	Resource  string `db:"resource"`
	HardLimit int    `db:"hard_limit"`
}

// QuotaUsage tracks committed and in-flight consumption for one resource.
type QuotaUsage struct {
	Record

	ProjectID string `db:"project_id"`
	Resource  string `db:"resource"`
	InUse     int    `db:"in_use"`
	Reserved  int    `db:"reserved"`
}

// Reservation is the in-flight half of a two-phase quota change.
type Reservation struct {
	Record

	UUID      string    `db:"uuid"`
	UsageID   int64     `db:"usage_id"`
	ProjectID string    `db:"project_id"`
	Resource  string    `db:"resource"`
	Delta     int       `db:"delta"`
	Expire    time.Time `db:"expire"`
}

// EC2ID formats an internal numeric ID in the EC2 style, e.g. i-00000001.
func EC2ID(prefix string, id int64) string {
	return fmt.Sprintf("%s-%08x", prefix, id)
}

// ParseEC2ID recovers the internal ID from its wire form.  The prefix isn't
// validated beyond being present; describe paths check entity existence
// anyway.
func ParseEC2ID(ec2ID string) (int64, error) {
	_, hex, found := strings.Cut(ec2ID, "-")
	if !found {
		return 0, errors.InvalidParameterValue(fmt.Sprintf("malformed id %q", ec2ID))
	}

	id, err := strconv.ParseInt(hex, 16, 64)
	if err != nil {
		return 0, errors.InvalidParameterValue(fmt.Sprintf("malformed id %q", ec2ID)).WithError(err)
	}

	return id, nil
}
