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

package image

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Fake is an in-memory image store for tests and single binary development.
// Visibility rules are the store's job, so the fake shows everything.
type Fake struct {
	mutex  sync.Mutex
	images map[string]Image
}

var _ Service = &Fake{}

// NewFake creates an empty fake store.
func NewFake() *Fake {
	return &Fake{
		images: map[string]Image{},
	}
}

// Add seeds an image verbatim.
func (f *Fake) Add(image Image) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.images[image.ID] = image
}

// Get returns one image by EC2 ID.
func (f *Fake) Get(ctx context.Context, id string) (*Image, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	image, ok := f.images[id]
	if !ok {
		return nil, imageNotFound(id)
	}

	return &image, nil
}

// GetAll returns every image, ordered by ID.
func (f *Fake) GetAll(ctx context.Context) ([]Image, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	images := make([]Image, 0, len(f.images))

	for _, image := range f.images {
		images = append(images, image)
	}

	sort.Slice(images, func(i, j int) bool {
		return images[i].ID < images[j].ID
	})

	return images, nil
}

// Register mints an image.  The fake has no bits to process, so the image
// is available immediately.
func (f *Fake) Register(ctx context.Context, location string) (*Image, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	image := Image{
		ID:        fmt.Sprintf("ami-%08x", uuid.New().ID()),
		Location:  location,
		State:     StateAvailable,
		Type:      TypeMachine,
		Container: ContainerAMI,
	}

	f.images[image.ID] = image

	return &image, nil
}

// Deregister removes an image record.
func (f *Fake) Deregister(ctx context.Context, id string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if _, ok := f.images[id]; !ok {
		return imageNotFound(id)
	}

	delete(f.images, id)

	return nil
}

// ModifyLaunchPermission adds or removes the all group launch grant.
func (f *Fake) ModifyLaunchPermission(ctx context.Context, id, operation string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	image, ok := f.images[id]
	if !ok {
		return imageNotFound(id)
	}

	image.Public = operation == OperationAdd
	f.images[id] = image

	return nil
}
