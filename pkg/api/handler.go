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

package api

import (
	"context"
	goerrors "errors"
	"fmt"
	"net/http"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/cloud"
	"github.com/eschercloudai/stratus/pkg/errors"
)

var (
	//nolint:gochecknoglobals
	requestsMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratus_api_requests_total",
		Help: "API requests by action and result code.",
	}, []string{"action", "code"})
)

//nolint:gochecknoinits
func init() {
	prometheus.MustRegister(requestsMetric)
}

// action pairs a verb's handler with the roles allowed to invoke it.
type action struct {
	roles  []string
	handle func(ctx context.Context, p Params) (Response, error)
}

// Handler is the query API endpoint.  Every request is authenticated
// against its signature, authorized against the verb's role list, then
// dispatched by its Action parameter.
type Handler struct {
	auth    *auth.Manager
	cloud   *cloud.Controller
	actions map[string]action
}

// NewHandler wires the action table up to the controller.
func NewHandler(authManager *auth.Manager, controller *cloud.Controller) *Handler {
	h := &Handler{
		auth:  authManager,
		cloud: controller,
	}

	// Role gates follow the classic split: anyone can look, network
	// changes need netadmin, everything that costs money needs a
	// project manager or sysadmin.
	all := []string{auth.RoleAll}
	network := []string{auth.RoleNetAdmin}
	manage := []string{auth.RoleProjectManager, auth.RoleSysAdmin}

	h.actions = map[string]action{
		"RunInstances":                  {roles: manage, handle: h.runInstances},
		"TerminateInstances":            {roles: manage, handle: h.terminateInstances},
		"RebootInstances":               {roles: manage, handle: h.rebootInstances},
		"StopInstances":                 {roles: manage, handle: h.stopInstances},
		"StartInstances":                {roles: manage, handle: h.startInstances},
		"DescribeInstances":             {roles: all, handle: h.describeInstances},
		"GetConsoleOutput":              {roles: manage, handle: h.getConsoleOutput},
		"GetPasswordData":               {roles: manage, handle: h.getPasswordData},
		"CreateKeyPair":                 {roles: all, handle: h.createKeyPair},
		"ImportKeyPair":                 {roles: all, handle: h.importKeyPair},
		"DeleteKeyPair":                 {roles: all, handle: h.deleteKeyPair},
		"DescribeKeyPairs":              {roles: all, handle: h.describeKeyPairs},
		"CreateSecurityGroup":           {roles: network, handle: h.createSecurityGroup},
		"DeleteSecurityGroup":           {roles: network, handle: h.deleteSecurityGroup},
		"AuthorizeSecurityGroupIngress": {roles: network, handle: h.authorizeSecurityGroupIngress},
		"RevokeSecurityGroupIngress":    {roles: network, handle: h.revokeSecurityGroupIngress},
		"DescribeSecurityGroups":        {roles: all, handle: h.describeSecurityGroups},
		"AllocateAddress":               {roles: network, handle: h.allocateAddress},
		"ReleaseAddress":                {roles: network, handle: h.releaseAddress},
		"AssociateAddress":              {roles: network, handle: h.associateAddress},
		"DisassociateAddress":           {roles: network, handle: h.disassociateAddress},
		"DescribeAddresses":             {roles: all, handle: h.describeAddresses},
		"CreateVolume":                  {roles: manage, handle: h.createVolume},
		"DeleteVolume":                  {roles: manage, handle: h.deleteVolume},
		"AttachVolume":                  {roles: manage, handle: h.attachVolume},
		"DetachVolume":                  {roles: manage, handle: h.detachVolume},
		"DescribeVolumes":               {roles: manage, handle: h.describeVolumes},
		"CreateSnapshot":                {roles: manage, handle: h.createSnapshot},
		"DeleteSnapshot":                {roles: manage, handle: h.deleteSnapshot},
		"DescribeSnapshots":             {roles: all, handle: h.describeSnapshots},
		"DescribeImages":                {roles: all, handle: h.describeImages},
		"RegisterImage":                 {roles: manage, handle: h.registerImage},
		"DeregisterImage":               {roles: manage, handle: h.deregisterImage},
		"ModifyImageAttribute":          {roles: manage, handle: h.modifyImageAttribute},
		"DescribeAvailabilityZones":     {roles: all, handle: h.describeAvailabilityZones},
		"DescribeRegions":               {roles: all, handle: h.describeRegions},
	}

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logr.FromContextOrDiscard(r.Context())

	requestID := "req-" + uuid.New().String()

	params, err := requestParams(r)
	if err != nil {
		h.fail(w, r, requestID, "unknown", err)

		return
	}

	name := params.Get("Action")

	entry, ok := h.actions[name]

	// Metrics are labelled with known actions only, junk from the wire
	// would blow the label cardinality out.
	label := "unknown"
	if ok {
		label = name
	}

	credentials, err := h.auth.Authenticate(r.Context(), params, r.Method, r.Host, r.URL.Path)
	if err != nil {
		h.fail(w, r, requestID, label, err)

		return
	}

	credentials.RequestID = requestID
	credentials.RemoteAddr = r.RemoteAddr

	ctx := auth.NewContext(r.Context(), credentials)

	if !ok {
		h.fail(w, r, requestID, label, errors.APIError("InvalidAction", fmt.Sprintf("unsupported API request %q", name)))

		return
	}

	if err := h.auth.Authorize(ctx, credentials, entry.roles); err != nil {
		h.fail(w, r, requestID, label, err)

		return
	}

	log.Info("handling request", "action", name, "user", credentials.UserID, "project", credentials.ProjectID)

	response, err := entry.handle(ctx, params)
	if err != nil {
		h.fail(w, r, requestID, label, err)

		return
	}

	requestsMetric.WithLabelValues(label, "ok").Inc()

	writeResponse(w, r, requestID, response)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, requestID, action string, err error) {
	requestsMetric.WithLabelValues(action, errorCode(err)).Inc()

	errors.HandleError(w, r, requestID, err)
}

// errorCode extracts the EC2 error code for metric labelling.
func errorCode(err error) string {
	var typed *errors.Error

	if goerrors.As(err, &typed) {
		return typed.Code()
	}

	return "UnknownError"
}
