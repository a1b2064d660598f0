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

package errors_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/eschercloudai/stratus/pkg/errors"
)

// TestKinds ensures each constructor unwraps to its taxonomy kind so
// handlers can switch on errors.Is.
func TestKinds(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, errors.NotFound("InvalidInstanceID.NotFound", "instance i-00000001 not found"), errors.ErrNotFound)
	assert.ErrorIs(t, errors.Duplicate("InvalidGroup.Duplicate", "group exists"), errors.ErrDuplicate)
	assert.ErrorIs(t, errors.InvalidParameterValue("bad size"), errors.ErrAPI)
	assert.ErrorIs(t, errors.IncorrectState("volume is attaching"), errors.ErrAPI)
	assert.ErrorIs(t, errors.AuthFailure("signature mismatch"), errors.ErrAuthFailure)
	assert.ErrorIs(t, errors.NotAuthorized("requires netadmin"), errors.ErrNotAuthorized)
	assert.ErrorIs(t, errors.QuotaExceeded("instances limit reached"), errors.ErrQuotaExceeded)
	assert.ErrorIs(t, errors.RPCTimeout("no reply from compute"), errors.ErrRPCTimeout)
	assert.ErrorIs(t, errors.NoMoreFloatingIPs("pool empty"), errors.ErrNoMoreFloatingIPs)
	assert.ErrorIs(t, errors.Internal(), errors.ErrInternal)
}

// TestWrappedDetection ensures the helpers see through fmt wrapping.
func TestWrappedDetection(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("looking up volume: %w", errors.NotFound("InvalidVolume.NotFound", "vol-00000001 not found"))

	assert.True(t, errors.IsNotFound(err))
	assert.False(t, errors.IsNotFound(fmt.Errorf("plain")))
}

// TestStatusMapping ensures each kind renders with its documented HTTP status.
func TestStatusMapping(t *testing.T) {
	t.Parallel()

	assert.Equal(t, http.StatusNotFound, errors.NotFound("InvalidVolume.NotFound", "").Status())
	assert.Equal(t, http.StatusBadRequest, errors.InvalidParameterValue("").Status())
	assert.Equal(t, http.StatusUnauthorized, errors.AuthFailure("").Status())
	assert.Equal(t, http.StatusForbidden, errors.NotAuthorized("").Status())
	assert.Equal(t, http.StatusBadRequest, errors.QuotaExceeded("").Status())
	assert.Equal(t, http.StatusServiceUnavailable, errors.RPCTimeout("").Status())
	assert.Equal(t, http.StatusServiceUnavailable, errors.ServiceUnavailable("").Status())
	assert.Equal(t, http.StatusInternalServerError, errors.Internal().Status())
}

// TestWrite ensures the EC2 error document is well formed and carries the
// code, message and request ID.
func TestWrite(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	errors.NotFound("InvalidInstanceID.NotFound", "instance i-00000001 not found").Write(w, r, "req-f00f")

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "text/xml", w.Header().Get("Content-Type"))

	body := w.Body.String()

	assert.Contains(t, body, "<Response>")
	assert.Contains(t, body, "<Errors><Error><Code>InvalidInstanceID.NotFound</Code>")
	assert.Contains(t, body, "<Message>instance i-00000001 not found</Message>")
	assert.Contains(t, body, "<RequestID>req-f00f</RequestID>")
}

// TestHandleError ensures unrecognized errors render as UnknownError without
// leaking the underlying detail.
func TestHandleError(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	errors.HandleError(w, r, "req-f00f", fmt.Errorf("pg: connection refused"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "<Code>UnknownError</Code>")
	assert.NotContains(t, w.Body.String(), "connection refused")
}

// TestHandleErrorTyped ensures typed errors pass through verbatim.
func TestHandleErrorTyped(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	errors.HandleError(w, r, "req-f00f", errors.QuotaExceeded("instance quota exceeded: limit 10, in use 10, requested 1"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "<Code>QuotaExceeded</Code>")
	assert.Contains(t, w.Body.String(), "limit 10, in use 10, requested 1")
}
