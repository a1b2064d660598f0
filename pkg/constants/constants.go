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

package constants

import (
	"fmt"
	"os"
	"path"
)

var (
	// Application is the application name.
	//nolint:gochecknoglobals
	Application = path.Base(os.Args[0])

	// Version is the application version set via the Makefile.
	//nolint:gochecknoglobals
	Version string

	// Revision is the git revision set via the Makefile.
	//nolint:gochecknoglobals
	Revision string
)

// VersionString returns a canonical version string.  It's based on
// HTTP's User-Agent so can be used to set that too, if this ever has to
// call out to other micro services.
func VersionString() string {
	return fmt.Sprintf("%s/%s (revision/%s)", Application, Version, Revision)
}

const (
	// EC2APIVersion is the API revision the compatibility layer speaks.
	// Responses are stamped with a namespace derived from this.
	EC2APIVersion = "2009-11-30"

	// EC2Namespace is the XML namespace attached to every response body.
	EC2Namespace = "http://ec2.amazonaws.com/doc/" + EC2APIVersion + "/"

	// CloudTopic is the routing topic for status reports flowing back to
	// the API daemons.
	CloudTopic = "cloud"

	// ComputeTopic is the routing topic for instance lifecycle messages.
	ComputeTopic = "compute"

	// NetworkTopic is the routing topic for address and VLAN messages.
	NetworkTopic = "network"

	// VolumeTopic is the routing topic for block storage messages.
	VolumeTopic = "volume"

	// SchedulerTopic is the routing topic for placement decisions.
	SchedulerTopic = "scheduler"
)
