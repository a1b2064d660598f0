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

package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Credentials is the authenticated identity attached to every request.  It
// crosses process boundaries inside RPC envelopes, so workers act with the
// caller's identity.
type Credentials struct {
	// RequestID correlates log lines and RPC messages for one request.
	RequestID string `json:"request_id"`

	// UserID is the authenticated user.
	UserID string `json:"user_id"`

	// ProjectID is the project the request acts on.
	ProjectID string `json:"project_id"`

	// IsAdmin grants the administrative bypass in policy checks.
	IsAdmin bool `json:"is_admin"`

	// Roles are the caller's role names within the project.
	Roles []string `json:"roles"`

	// RemoteAddr is the client address, recorded for audit.
	RemoteAddr string `json:"remote_address"`

	// ReadDeleted widens reads to include soft deleted records.
	ReadDeleted bool `json:"read_deleted"`

	// Timestamp is when the request was authenticated.
	Timestamp time.Time `json:"timestamp"`
}

// NewCredentials mints an identity with a fresh request ID.
func NewCredentials(userID, projectID string, isAdmin bool, roles []string) *Credentials {
	return &Credentials{
		RequestID: "req-" + uuid.New().String(),
		UserID:    userID,
		ProjectID: projectID,
		IsAdmin:   isAdmin,
		Roles:     roles,
		Timestamp: time.Now().UTC(),
	}
}

// AdminCredentials mints an identity for internal daemons and CLI tools that
// act outside any user request.
func AdminCredentials() *Credentials {
	return NewCredentials("admin", "admin", true, nil)
}

// Elevated returns a copy with the administrative bypass set, for verbs that
// must complete work the caller couldn't do directly.
func (c *Credentials) Elevated() *Credentials {
	elevated := *c
	elevated.IsAdmin = true

	return &elevated
}

type key int

const credentialsKey key = 0

// NewContext attaches credentials to a context.
func NewContext(ctx context.Context, credentials *Credentials) context.Context {
	return context.WithValue(ctx, credentialsKey, credentials)
}

// FromContext extracts credentials from a context.  Paths with no identity,
// e.g. tests and startup code, see an unprivileged placeholder rather than
// a nil dereference.
func FromContext(ctx context.Context) *Credentials {
	if credentials, ok := ctx.Value(credentialsKey).(*Credentials); ok {
		return credentials
	}

	return &Credentials{RequestID: "req-none"}
}
