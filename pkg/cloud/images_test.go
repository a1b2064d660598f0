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

package cloud_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eschercloudai/stratus/pkg/errors"
	"github.com/eschercloudai/stratus/pkg/image"
)

// TestDescribeImages checks the listing orders by ID and carries the store's
// fields through.
func TestDescribeImages(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.images.Add(image.Image{ID: "ami-00000002", State: image.StatePending, Type: image.TypeMachine, Container: image.ContainerAMI})
	h.images.Add(image.Image{ID: "ami-00000001", State: image.StateAvailable, Type: image.TypeMachine, Container: image.ContainerAMI, Public: true, Architecture: "x86_64"})

	images, err := h.controller.DescribeImages(userContext(), nil)
	require.NoError(t, err)

	require.Len(t, images, 2)
	assert.Equal(t, "ami-00000001", images[0].ID)
	assert.Equal(t, "available", images[0].State)
	assert.True(t, images[0].Public)
	assert.Equal(t, "x86_64", images[0].Architecture)
	assert.Equal(t, "ami-00000002", images[1].ID)
	assert.Equal(t, "pending", images[1].State)
}

// TestDescribeImagesNamed checks a named lookup misses loudly.
func TestDescribeImagesNamed(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	_, err := h.controller.DescribeImages(userContext(), []string{"ami-deadbeef"})
	require.ErrorIs(t, err, errors.ErrNotFound)
}

// TestRegisterImage checks registration mints an AMI identifier.
func TestRegisterImage(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	id, err := h.controller.RegisterImage(userContext(), "bucket/image.manifest.xml")
	require.NoError(t, err)
	assert.Regexp(t, `^ami-[0-9a-f]{8}$`, id)

	images, err := h.controller.DescribeImages(userContext(), []string{id})
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.Equal(t, "bucket/image.manifest.xml", images[0].Location)
	assert.Equal(t, "available", images[0].State)
}

// TestDeregisterImage checks a machine image goes away.
func TestDeregisterImage(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.images.Add(image.Image{ID: "ami-00000001", State: image.StateAvailable, Type: image.TypeMachine, Container: image.ContainerAMI})

	require.NoError(t, h.controller.DeregisterImage(userContext(), "ami-00000001"))

	_, err := h.controller.DescribeImages(userContext(), []string{"ami-00000001"})
	require.ErrorIs(t, err, errors.ErrNotFound)
}

// TestDeregisterImageKernel checks kernels are unreachable through the AMI
// verb.
func TestDeregisterImageKernel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.images.Add(image.Image{ID: "aki-00000001", State: image.StateAvailable, Type: image.TypeKernel, Container: image.ContainerAKI})

	err := h.controller.DeregisterImage(userContext(), "aki-00000001")
	require.ErrorIs(t, err, errors.ErrNotFound)
}

// TestModifyImageAttribute checks the launch permission toggle and its
// validation walls.
func TestModifyImageAttribute(t *testing.T) {
	t.Parallel()

	h := newHarness(t)

	h.images.Add(image.Image{ID: "ami-00000001", State: image.StateAvailable, Type: image.TypeMachine, Container: image.ContainerAMI})

	err := h.controller.ModifyImageAttribute(userContext(), "ami-00000001", "description", image.OperationAdd, []string{image.GroupAll})
	require.ErrorIs(t, err, errors.ErrAPI)

	err = h.controller.ModifyImageAttribute(userContext(), "ami-00000001", image.AttributeLaunchPermission, image.OperationAdd, []string{"marketing"})
	require.ErrorIs(t, err, errors.ErrAPI)

	err = h.controller.ModifyImageAttribute(userContext(), "ami-00000001", image.AttributeLaunchPermission, "toggle", []string{image.GroupAll})
	require.ErrorIs(t, err, errors.ErrAPI)

	require.NoError(t, h.controller.ModifyImageAttribute(userContext(), "ami-00000001", image.AttributeLaunchPermission, image.OperationAdd, []string{image.GroupAll}))

	images, err := h.controller.DescribeImages(userContext(), []string{"ami-00000001"})
	require.NoError(t, err)
	require.Len(t, images, 1)
	assert.True(t, images[0].Public)

	require.NoError(t, h.controller.ModifyImageAttribute(userContext(), "ami-00000001", image.AttributeLaunchPermission, image.OperationRemove, []string{image.GroupAll}))

	images, err = h.controller.DescribeImages(userContext(), []string{"ami-00000001"})
	require.NoError(t, err)
	assert.False(t, images[0].Public)
}
