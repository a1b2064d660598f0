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

// Package image talks to the external image store.  The store owns the
// bits and the visibility rules, the control plane only reads metadata and
// flips registration and launch permission state.
package image

import (
	"context"
)

const (
	// StateAvailable is the only state an instance may boot from.
	StateAvailable = "available"
	StatePending   = "pending"
	StateFailed    = "failed"

	TypeMachine = "machine"
	TypeKernel  = "kernel"
	TypeRamdisk = "ramdisk"

	// ContainerAMI is the only container format deregistrable over EC2.
	ContainerAMI = "ami"
	ContainerAKI = "aki"
	ContainerARI = "ari"

	OperationAdd    = "add"
	OperationRemove = "remove"

	// AttributeLaunchPermission is the only image attribute the wire
	// surface supports.
	AttributeLaunchPermission = "launchPermission"

	// GroupAll is the only launch permission grantee supported.
	GroupAll = "all"
)

// Image is the store's metadata record, keys matching the EC2 describe
// output so it renders straight onto the wire.
type Image struct {
	ID           string `json:"imageId"`
	Location     string `json:"imageLocation,omitempty"`
	OwnerID      string `json:"imageOwnerId,omitempty"`
	State        string `json:"imageState"`
	Type         string `json:"imageType,omitempty"`
	Container    string `json:"containerFormat,omitempty"`
	Architecture string `json:"architecture,omitempty"`
	Public       bool   `json:"isPublic"`
	KernelID     string `json:"kernelId,omitempty"`
	RamdiskID    string `json:"ramdiskId,omitempty"`
}

// Service is what the cloud controller needs from an image store.  Calls
// are made on behalf of the credentials in the context, and the store
// filters what each project may see.
type Service interface {
	// Get returns one image by EC2 ID.
	Get(ctx context.Context, id string) (*Image, error)

	// GetAll returns the images visible to the caller.
	GetAll(ctx context.Context) ([]Image, error)

	// Register mints an image ID for a manifest location and hands it to
	// the store.  The image stays pending until the store makes it
	// available.
	Register(ctx context.Context, location string) (*Image, error)

	// Deregister removes an image record.
	Deregister(ctx context.Context, id string) error

	// ModifyLaunchPermission adds or removes the all group launch grant.
	ModifyLaunchPermission(ctx context.Context, id, operation string) error
}
