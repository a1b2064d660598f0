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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/errors"
)

// Options are attachable to a flag set.
type Options struct {
	// URL locates the image store.
	URL string

	// Timeout bounds each request.
	Timeout time.Duration
}

// AddFlags adds the options to the given flag set.
func (o *Options) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&o.URL, "image-service-url", "http://localhost:3333", "Image store URL.")
	f.DurationVar(&o.Timeout, "image-service-timeout", 30*time.Second, "Image store request timeout.")
}

// Client implements the image service over HTTP.
type Client struct {
	client *http.Client
	url    string
}

var _ Service = &Client{}

// NewClient creates an image store client.
func NewClient(options *Options) *Client {
	return &Client{
		client: &http.Client{Timeout: options.Timeout},
		url:    options.URL,
	}
}

func imageNotFound(id string) *errors.Error {
	return errors.NotFound("InvalidAMIID.NotFound", fmt.Sprintf("image %s not found", id))
}

// do runs one request against the store.  The caller's identity rides as
// headers so the store can apply its visibility rules.
func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	ctx, span := otel.GetTracerProvider().Tracer("pkg/image").Start(ctx, "image "+method+" "+path, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	var reader io.Reader

	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}

		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.url+path, reader)
	if err != nil {
		return err
	}

	request.Header.Set("Content-Type", "application/json")

	if credentials := auth.FromContext(ctx); credentials != nil {
		request.Header.Set("X-User-Id", credentials.UserID)
		request.Header.Set("X-Project-Id", credentials.ProjectID)

		if credentials.IsAdmin {
			request.Header.Set("X-Admin", "true")
		}
	}

	response, err := c.client.Do(request)
	if err != nil {
		return errors.ServiceUnavailable("image store unreachable").WithError(err)
	}

	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusNotFound:
		return errors.NotFound("InvalidAMIID.NotFound", "image not found")
	case response.StatusCode >= 500:
		return errors.ServiceUnavailable(fmt.Sprintf("image store returned %d", response.StatusCode))
	case response.StatusCode >= 400:
		return errors.APIError("ImageError", fmt.Sprintf("image store returned %d", response.StatusCode))
	}

	if result == nil {
		return nil
	}

	return json.NewDecoder(response.Body).Decode(result)
}

// Get returns one image by EC2 ID.
func (c *Client) Get(ctx context.Context, id string) (*Image, error) {
	image := &Image{}

	if err := c.do(ctx, http.MethodGet, "/images/"+id, nil, image); err != nil {
		if errors.IsNotFound(err) {
			return nil, imageNotFound(id)
		}

		return nil, err
	}

	return image, nil
}

// GetAll returns the images visible to the caller.
func (c *Client) GetAll(ctx context.Context) ([]Image, error) {
	var images []Image

	if err := c.do(ctx, http.MethodGet, "/images", nil, &images); err != nil {
		return nil, err
	}

	return images, nil
}

// Register mints an ID and hands the manifest location to the store.  The
// store echoes the record back, pending until it has processed the bits.
func (c *Client) Register(ctx context.Context, location string) (*Image, error) {
	image := &Image{
		ID:       fmt.Sprintf("ami-%08x", uuid.New().ID()),
		Location: location,
	}

	if err := c.do(ctx, http.MethodPut, "/images/"+image.ID, image, image); err != nil {
		return nil, err
	}

	return image, nil
}

// Deregister removes an image record.
func (c *Client) Deregister(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, "/images/"+id, nil, nil); err != nil {
		if errors.IsNotFound(err) {
			return imageNotFound(id)
		}

		return err
	}

	return nil
}

// ModifyLaunchPermission adds or removes the all group launch grant.
func (c *Client) ModifyLaunchPermission(ctx context.Context, id, operation string) error {
	body := map[string]string{
		"operation": operation,
	}

	if err := c.do(ctx, http.MethodPost, "/images/"+id+"/launch-permission", body, nil); err != nil {
		if errors.IsNotFound(err) {
			return imageNotFound(id)
		}

		return err
	}

	return nil
}
