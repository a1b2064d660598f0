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
	"fmt"
	"time"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/db"
	"github.com/eschercloudai/stratus/pkg/image"
)

// InstanceState is the code/name pair EC2 clients expect.  Codes follow the
// EC2 table where our states have an equivalent, 0 otherwise.
type InstanceState struct {
	Code int    `xml:"code"`
	Name string `xml:"name"`
}

//nolint:gochecknoglobals
var stateCodes = map[string]int{
	db.InstanceStateRunning:     16,
	db.InstanceStateRebooting:   16,
	db.InstanceStateTerminating: 32,
	db.InstanceStateDeleted:     48,
	db.InstanceStateError:       48,
	db.InstanceStateStopping:    64,
	db.InstanceStateStopped:     80,
}

func instanceState(name string) InstanceState {
	return InstanceState{Code: stateCodes[name], Name: name}
}

// InstanceInfo is one instancesSet entry.
type InstanceInfo struct {
	ID               string        `xml:"instanceId"`
	ImageID          string        `xml:"imageId"`
	State            InstanceState `xml:"instanceState"`
	PrivateDNSName   string        `xml:"privateDnsName"`
	DNSName          string        `xml:"dnsName"`
	KeyName          string        `xml:"keyName,omitempty"`
	LaunchIndex      int           `xml:"amiLaunchIndex"`
	InstanceType     string        `xml:"instanceType"`
	LaunchTime       string        `xml:"launchTime,omitempty"`
	AvailabilityZone string        `xml:"placement>availabilityZone"`
	KernelID         string        `xml:"kernelId,omitempty"`
	RamdiskID        string        `xml:"ramdiskId,omitempty"`
	PrivateIP        string        `xml:"privateIpAddress,omitempty"`
	PublicIP         string        `xml:"ipAddress,omitempty"`
	DisplayName      string        `xml:"displayName,omitempty"`
	DisplayDesc      string        `xml:"displayDescription,omitempty"`
}

// GroupInfo names a security group within a reservation.
type GroupInfo struct {
	ID string `xml:"groupId"`
}

// Reservation is one reservationSet entry, the unit RunInstances returns.
type Reservation struct {
	ID        string         `xml:"reservationId"`
	OwnerID   string         `xml:"ownerId"`
	Groups    []GroupInfo    `xml:"groupSet>item"`
	Instances []InstanceInfo `xml:"instancesSet>item"`
}

// StateChange reports an instance transition from a lifecycle verb.
type StateChange struct {
	ID            string        `xml:"instanceId"`
	CurrentState  InstanceState `xml:"currentState"`
	PreviousState InstanceState `xml:"previousState"`
}

// VolumeAttachment is one attachmentSet entry.
type VolumeAttachment struct {
	VolumeID   string `xml:"volumeId"`
	InstanceID string `xml:"instanceId"`
	Device     string `xml:"device"`
	Status     string `xml:"status"`
	AttachTime string `xml:"attachTime,omitempty"`
}

// VolumeInfo is one volumeSet entry.
type VolumeInfo struct {
	ID               string             `xml:"volumeId"`
	Size             int                `xml:"size"`
	SnapshotID       string             `xml:"snapshotId"`
	AvailabilityZone string             `xml:"availabilityZone"`
	Status           string             `xml:"status"`
	CreateTime       string             `xml:"createTime"`
	Attachments      []VolumeAttachment `xml:"attachmentSet>item"`
	DisplayName      string             `xml:"displayName,omitempty"`
	DisplayDesc      string             `xml:"displayDescription,omitempty"`
}

// SnapshotInfo is one snapshotSet entry.
type SnapshotInfo struct {
	ID          string `xml:"snapshotId"`
	VolumeID    string `xml:"volumeId"`
	Status      string `xml:"status"`
	StartTime   string `xml:"startTime"`
	Progress    string `xml:"progress"`
	OwnerID     string `xml:"ownerId"`
	VolumeSize  int    `xml:"volumeSize"`
	Description string `xml:"description,omitempty"`
}

// AddressInfo is one addressesSet entry.
type AddressInfo struct {
	PublicIP   string `xml:"publicIp"`
	InstanceID string `xml:"instanceId,omitempty"`
}

// KeyPairInfo is one keySet entry.
type KeyPairInfo struct {
	Name        string `xml:"keyName"`
	Fingerprint string `xml:"keyFingerprint"`
}

// KeyPairMaterial is the CreateKeyPair result.  The private key appears
// here exactly once and is never stored.
type KeyPairMaterial struct {
	Name        string `xml:"keyName"`
	Fingerprint string `xml:"keyFingerprint"`
	Material    string `xml:"keyMaterial"`
}

// SourceGroup names a group granting ingress.
type SourceGroup struct {
	Name string `xml:"groupName"`
}

// CIDRRange is one ipRanges entry.
type CIDRRange struct {
	CIDR string `xml:"cidrIp"`
}

// IPPermission is one ingress rule on the wire, either CIDR or source
// group based.
type IPPermission struct {
	Protocol string        `xml:"ipProtocol"`
	FromPort int           `xml:"fromPort"`
	ToPort   int           `xml:"toPort"`
	Groups   []SourceGroup `xml:"groups>item"`
	Ranges   []CIDRRange   `xml:"ipRanges>item"`
}

// SecurityGroupInfo is one securityGroupInfo entry.
type SecurityGroupInfo struct {
	OwnerID     string         `xml:"ownerId"`
	Name        string         `xml:"groupName"`
	Description string         `xml:"groupDescription"`
	Permissions []IPPermission `xml:"ipPermissions>item"`
}

// ImageInfo is one imagesSet entry.
type ImageInfo struct {
	ID           string `xml:"imageId"`
	Location     string `xml:"imageLocation,omitempty"`
	State        string `xml:"imageState"`
	OwnerID      string `xml:"imageOwnerId,omitempty"`
	Public       bool   `xml:"isPublic"`
	Architecture string `xml:"architecture,omitempty"`
	Type         string `xml:"imageType,omitempty"`
	KernelID     string `xml:"kernelId,omitempty"`
	RamdiskID    string `xml:"ramdiskId,omitempty"`
}

// AvailabilityZoneInfo is one availabilityZoneInfo entry.  Verbose listings
// reuse the name column for the host and service tree.
type AvailabilityZoneInfo struct {
	Name  string `xml:"zoneName"`
	State string `xml:"zoneState"`
}

// RegionInfo is one regionInfo entry.
type RegionInfo struct {
	Name     string `xml:"regionName"`
	Endpoint string `xml:"regionEndpoint"`
}

// ConsoleOutput is the GetConsoleOutput result, output base64 encoded.
type ConsoleOutput struct {
	InstanceID string `xml:"instanceId"`
	Timestamp  string `xml:"timestamp"`
	Output     string `xml:"output"`
}

// PasswordData is the GetPasswordData result.
type PasswordData struct {
	InstanceID string `xml:"instanceId"`
	Timestamp  string `xml:"timestamp"`
	Password   string `xml:"passwordData"`
}

func wireTime(t *time.Time) string {
	if t == nil {
		return ""
	}

	return t.UTC().Format(time.RFC3339)
}

// instanceView shapes one instance row for the wire.  Administrators see
// the owning project and hosting node folded into the key name, as the
// original tooling expects.
func instanceView(credentials *auth.Credentials, instance *db.Instance, itype *db.InstanceType, privateIP, publicIP string) InstanceInfo {
	info := InstanceInfo{
		ID:               instance.EC2ID(),
		ImageID:          instance.ImageRef,
		State:            instanceState(instance.State),
		PrivateDNSName:   instance.Hostname,
		DNSName:          instance.Hostname,
		KeyName:          instance.KeyName,
		LaunchIndex:      instance.LaunchIndex,
		LaunchTime:       wireTime(instance.LaunchTime),
		AvailabilityZone: instance.AvailabilityZone,
		KernelID:         instance.KernelRef,
		RamdiskID:        instance.RamdiskRef,
		PrivateIP:        privateIP,
		PublicIP:         publicIP,
		DisplayName:      instance.DisplayName,
		DisplayDesc:      instance.DisplayDescription,
	}

	if itype != nil {
		info.InstanceType = itype.Name
	}

	if credentials.IsAdmin {
		info.KeyName = fmt.Sprintf("%s (%s, %s)", info.KeyName, instance.ProjectID, instance.Host)
	}

	return info
}

func volumeAttachment(volume *db.Volume, instance *db.Instance) VolumeAttachment {
	attachment := VolumeAttachment{
		VolumeID:   volume.EC2ID(),
		Device:     volume.Mountpoint,
		Status:     volume.AttachStatus,
		AttachTime: wireTime(volume.AttachTime),
	}

	if instance != nil {
		attachment.InstanceID = instance.EC2ID()
	}

	return attachment
}

func volumeView(volume *db.Volume, instance *db.Instance) VolumeInfo {
	info := VolumeInfo{
		ID:               volume.EC2ID(),
		Size:             volume.Size,
		AvailabilityZone: volume.AvailabilityZone,
		Status:           volume.Status,
		CreateTime:       volume.CreatedAt.UTC().Format(time.RFC3339),
		DisplayName:      volume.DisplayName,
		DisplayDesc:      volume.DisplayDescription,
	}

	if volume.SnapshotID != nil {
		info.SnapshotID = db.EC2ID("snap", *volume.SnapshotID)
	}

	if volume.AttachStatus == db.VolumeAttached {
		info.Attachments = []VolumeAttachment{volumeAttachment(volume, instance)}
	}

	return info
}

func snapshotView(snapshot *db.Snapshot) SnapshotInfo {
	return SnapshotInfo{
		ID:          snapshot.EC2ID(),
		VolumeID:    db.EC2ID("vol", snapshot.VolumeID),
		Status:      snapshot.Status,
		StartTime:   snapshot.CreatedAt.UTC().Format(time.RFC3339),
		Progress:    snapshot.Progress,
		OwnerID:     snapshot.ProjectID,
		VolumeSize:  snapshot.VolumeSize,
		Description: snapshot.DisplayDescription,
	}
}

func imageView(img *image.Image) ImageInfo {
	return ImageInfo{
		ID:           img.ID,
		Location:     img.Location,
		State:        img.State,
		OwnerID:      img.OwnerID,
		Public:       img.Public,
		Architecture: img.Architecture,
		Type:         img.Type,
		KernelID:     img.KernelID,
		RamdiskID:    img.RamdiskID,
	}
}

func keyPairView(keyPair *db.KeyPair) KeyPairInfo {
	return KeyPairInfo{Name: keyPair.Name, Fingerprint: keyPair.Fingerprint}
}
