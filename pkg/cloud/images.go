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
	"fmt"

	"github.com/eschercloudai/stratus/pkg/errors"
	"github.com/eschercloudai/stratus/pkg/image"
)

// DescribeImages lists the images the caller may see, or the named ones.
func (c *Controller) DescribeImages(ctx context.Context, ids []string) ([]ImageInfo, error) {
	if len(ids) > 0 {
		result := make([]ImageInfo, 0, len(ids))

		for _, id := range ids {
			img, err := c.images.Get(ctx, id)
			if err != nil {
				return nil, err
			}

			result = append(result, imageView(img))
		}

		return result, nil
	}

	images, err := c.images.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]ImageInfo, 0, len(images))

	for i := range images {
		result = append(result, imageView(&images[i]))
	}

	return result, nil
}

// RegisterImage hands a manifest location to the image store and returns
// the minted ID.  The image stays pending until the store decrypts and
// unpacks it.
func (c *Controller) RegisterImage(ctx context.Context, location string) (string, error) {
	img, err := c.images.Register(ctx, location)
	if err != nil {
		return "", err
	}

	return img.ID, nil
}

// DeregisterImage removes a machine image.  Kernels and ramdisks are not
// reachable through this verb and report as absent.
func (c *Controller) DeregisterImage(ctx context.Context, id string) error {
	img, err := c.images.Get(ctx, id)
	if err != nil {
		return err
	}

	if img.Container != image.ContainerAMI {
		return errors.NotFound("InvalidAMIID.NotFound", fmt.Sprintf("image %s not found", id))
	}

	return c.images.Deregister(ctx, id)
}

// ModifyImageAttribute grants or revokes public launch permission.  That is
// the only attribute and the only grantee this surface supports.
func (c *Controller) ModifyImageAttribute(ctx context.Context, id, attribute, operation string, groups []string) error {
	if attribute != image.AttributeLaunchPermission {
		return errors.InvalidParameterValue(fmt.Sprintf("attribute %q not supported", attribute))
	}

	if len(groups) != 1 || groups[0] != image.GroupAll {
		return errors.InvalidParameterValue("only the all group may be granted launch permission")
	}

	switch operation {
	case image.OperationAdd, image.OperationRemove:
	default:
		return errors.InvalidParameterValue(fmt.Sprintf("operation %q not supported", operation))
	}

	return c.images.ModifyLaunchPermission(ctx, id, operation)
}
