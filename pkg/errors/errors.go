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

package errors

import (
	"encoding/xml"
	"errors"
	"net/http"

	"github.com/go-logr/logr"
)

var (
	// ErrNotFound is raised when an entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is raised on unique key collisions.
	ErrDuplicate = errors.New("entity already exists")

	// ErrAPI is raised when a request precondition fails, e.g. a bad
	// argument, an entity in the wrong state or an unsupported option.
	ErrAPI = errors.New("api error")

	// ErrAuthFailure is raised when request credentials are missing or the
	// signature does not match.
	ErrAuthFailure = errors.New("authentication failure")

	// ErrNotAuthorized is raised when a role check fails.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrQuotaExceeded is raised when a reservation would take a project
	// over one of its limits.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrRPCTimeout is raised when a call goes unanswered past its deadline.
	ErrRPCTimeout = errors.New("rpc timeout")

	// ErrServiceUnavailable is raised when no live worker can take a request.
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrVolumeIsBusy is reported by volume workers when a target refuses to
	// detach.  It is recovered locally and never surfaces to a client.
	ErrVolumeIsBusy = errors.New("volume is busy")

	// ErrSnapshotIsBusy is the snapshot analogue of ErrVolumeIsBusy.
	ErrSnapshotIsBusy = errors.New("snapshot is busy")

	// ErrNoMoreTargets is raised when every iSCSI target slot on a volume
	// host is taken.
	ErrNoMoreTargets = errors.New("no more targets")

	// ErrNoMoreAddresses is raised when a network has no free fixed IPs.
	ErrNoMoreAddresses = errors.New("no more addresses")

	// ErrNoMoreFloatingIPs is raised when the floating pool is exhausted.
	ErrNoMoreFloatingIPs = errors.New("no more floating ips")

	// ErrInternal is the last resort kind for unexpected failures.
	ErrInternal = errors.New("internal error")
)

// Error wraps one of the taxonomy kinds with the EC2 code and status used to
// report it, plus contextual information for logging.
type Error struct {
	// kind is the sentinel this error unwraps to.
	kind error

	// status is the HTTP status code.
	status int

	// code is the terse EC2 error code to return to the client.
	code string

	// description is a verbose description to log/return to the user.
	description string

	// err is set when the originator was an error.  This is only used
	// for logging so as not to leak server internals to the client.
	err error

	// values are arbitrary key value pairs for logging.
	values []interface{}
}

// newError returns a new typed error.
func newError(kind error, status int, code, description string) *Error {
	return &Error{
		kind:        kind,
		status:      status,
		code:        code,
		description: description,
	}
}

// WithError augments the error with an error from a library.
func (e *Error) WithError(err error) *Error {
	e.err = err

	return e
}

// WithValues augments the error with a set of K/V pairs.
// Values should not use the "error" key as that's implicitly defined
// by WithError and could collide.
func (e *Error) WithValues(values ...interface{}) *Error {
	e.values = values

	return e
}

// Unwrap implements Go 1.13 errors.
func (e *Error) Unwrap() error {
	return e.kind
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.description
}

// Code returns the terse EC2 error code.
func (e *Error) Code() string {
	return e.code
}

// Status returns the HTTP status code.
func (e *Error) Status() int {
	return e.status
}

// response is the EC2 error document.
type response struct {
	XMLName   xml.Name       `xml:"Response"`
	Errors    responseErrors `xml:"Errors"`
	RequestID string         `xml:"RequestID"`
}

type responseErrors struct {
	Error responseError `xml:"Error"`
}

type responseError struct {
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

// Write returns the error code and description to the client.
func (e *Error) Write(w http.ResponseWriter, r *http.Request, requestID string) {
	// Log out any detail from the error that shouldn't be
	// reported to the client.  Do it before things can error
	// and return.
	log := logr.FromContextOrDiscard(r.Context())

	details := []interface{}{
		"code", e.code,
	}

	if e.description != "" {
		details = append(details, "detail", e.description)
	}

	if e.err != nil {
		details = append(details, "error", e.err)
	}

	if e.values != nil {
		details = append(details, e.values...)
	}

	log.Info("error detail", details...)

	// Emit the response to the client.
	w.Header().Add("Cache-Control", "no-cache")
	w.Header().Add("Content-Type", "text/xml")
	w.WriteHeader(e.status)

	doc := &response{
		Errors: responseErrors{
			Error: responseError{
				Code:    e.code,
				Message: e.description,
			},
		},
		RequestID: requestID,
	}

	body, err := xml.Marshal(doc)
	if err != nil {
		log.Error(err, "failed to marshal error response")

		return
	}

	if _, err := w.Write(append([]byte(xml.Header), body...)); err != nil {
		log.Error(err, "failed to write error response")

		return
	}
}

// NotFound indicates the named entity does not exist.  The code should
// follow the EC2 convention, e.g. "InvalidInstanceID.NotFound".
func NotFound(code, description string) *Error {
	return newError(ErrNotFound, http.StatusNotFound, code, description)
}

// IsNotFound reports whether any error in the chain is a not found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Duplicate indicates a unique key collision, e.g. "InvalidGroup.Duplicate".
func Duplicate(code, description string) *Error {
	return newError(ErrDuplicate, http.StatusBadRequest, code, description)
}

// APIError indicates a client precondition failed.
func APIError(code, description string) *Error {
	return newError(ErrAPI, http.StatusBadRequest, code, description)
}

// InvalidParameterValue is the catch-all for malformed arguments.
func InvalidParameterValue(description string) *Error {
	return newError(ErrAPI, http.StatusBadRequest, "InvalidParameterValue", description)
}

// IncorrectState indicates the entity cannot service the request as it is.
func IncorrectState(description string) *Error {
	return newError(ErrAPI, http.StatusBadRequest, "IncorrectState", description)
}

// AuthFailure tells the client the credentials were missing, unknown, or the
// signature did not match.
func AuthFailure(description string) *Error {
	return newError(ErrAuthFailure, http.StatusUnauthorized, "AuthFailure", description)
}

// NotAuthorized tells the client its roles do not permit the action.
func NotAuthorized(description string) *Error {
	return newError(ErrNotAuthorized, http.StatusForbidden, "NotAuthorized", description)
}

// QuotaExceeded carries a per-resource breakdown in its description.
func QuotaExceeded(description string) *Error {
	return newError(ErrQuotaExceeded, http.StatusBadRequest, "QuotaExceeded", description)
}

// RPCTimeout indicates a worker did not answer in time.  Retryable.
func RPCTimeout(description string) *Error {
	return newError(ErrRPCTimeout, http.StatusServiceUnavailable, "RpcTimeout", description)
}

// ServiceUnavailable indicates no live worker could take the request.
func ServiceUnavailable(description string) *Error {
	return newError(ErrServiceUnavailable, http.StatusServiceUnavailable, "ServiceUnavailable", description)
}

// NoMoreTargets indicates target slot exhaustion on a volume host.
func NoMoreTargets(description string) *Error {
	return newError(ErrNoMoreTargets, http.StatusServiceUnavailable, "NoMoreTargets", description)
}

// NoMoreAddresses indicates fixed IP exhaustion on a network.
func NoMoreAddresses(description string) *Error {
	return newError(ErrNoMoreAddresses, http.StatusServiceUnavailable, "NoMoreAddresses", description)
}

// NoMoreFloatingIPs indicates floating pool exhaustion.
func NoMoreFloatingIPs(description string) *Error {
	return newError(ErrNoMoreFloatingIPs, http.StatusServiceUnavailable, "NoMoreFloatingIps", description)
}

// Internal tells the client we are at fault, this should never be seen
// in production.  If so then our testing needs to improve.
func Internal() *Error {
	return newError(ErrInternal, http.StatusInternalServerError, "UnknownError",
		"An unknown error has occurred. Please try your request again.")
}

// toError is a handy unwrapper to get a typed error from a generic one.
func toError(err error) *Error {
	var typedErr *Error

	if !errors.As(err, &typedErr) {
		return nil
	}

	return typedErr
}

// HandleError is the top level error handler that should be called from all
// path handlers on error.
func HandleError(w http.ResponseWriter, r *http.Request, requestID string, err error) {
	log := logr.FromContextOrDiscard(r.Context())

	if typedErr := toError(err); typedErr != nil {
		typedErr.Write(w, r, requestID)

		return
	}

	log.Error(err, "unhandled error")

	Internal().Write(w, r, requestID)
}
