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
	"time"

	"github.com/spf13/pflag"

	"github.com/eschercloudai/stratus/pkg/flags"
)

// Options allows server options to be overridden.
type Options struct {
	// ListenAddress tells the server what to listen on.  The default is
	// the port EC2 tooling has dialled since the beginning.
	ListenAddress string

	// ReadTimeout defines how long before we give up on the client,
	// this should be fairly short.
	ReadTimeout time.Duration

	// ReadHeaderTimeout defines how long before we give up on the client,
	// this should be fairly short.
	ReadHeaderTimeout time.Duration

	// WriteTimeout defines how long we take to respond before we give up.
	WriteTimeout time.Duration

	// RequestTimeout places a hard limit on all request lengths.
	RequestTimeout time.Duration

	// OTLPEndpoint defines whether to ship spans to an OTLP consumer or
	// not, and where to send them to.
	OTLPEndpoint string

	// ZoneName is what this deployment reports as on its info endpoint,
	// which is what parent zones poll.
	ZoneName string

	// ZoneCapabilities are opaque key/value advertisements served on the
	// info endpoint.
	ZoneCapabilities flags.StringMapFlag

	// InfoUsername and InfoPassword gate the info endpoint with basic
	// auth.  Empty means unauthenticated.
	InfoUsername string
	InfoPassword string
}

// AddFlags allows server options to be modified.
func (o *Options) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&o.ListenAddress, "api-listen-address", ":8773", "API listener address.")
	f.DurationVar(&o.ReadTimeout, "api-read-timeout", time.Second, "How long to wait for the client to send the request body.")
	f.DurationVar(&o.ReadHeaderTimeout, "api-read-header-timeout", time.Second, "How long to wait for the client to send headers.")
	f.DurationVar(&o.WriteTimeout, "api-write-timeout", 10*time.Second, "How long to wait for the API to respond to the client.")
	f.DurationVar(&o.RequestTimeout, "api-request-timeout", 30*time.Second, "How long to wait for a request to be serviced.")
	f.StringVar(&o.OTLPEndpoint, "otlp-endpoint", "", "An optional OTLP endpoint to ship spans to.")
	f.StringVar(&o.ZoneName, "zone-name", "stratus", "Name this deployment reports on its info endpoint.")
	f.Var(&o.ZoneCapabilities, "zone-capabilities", "Capabilities advertised on the info endpoint, e.g. hypervisor=kvm,network=vlan.")
	f.StringVar(&o.InfoUsername, "info-username", "", "Basic auth username for the info endpoint.")
	f.StringVar(&o.InfoPassword, "info-password", "", "Basic auth password for the info endpoint.")
}
