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

// Package drivers selects a directory driver from flags, so the API server
// and the admin CLI share one wiring.
package drivers

import (
	"errors"
	"fmt"

	"github.com/spf13/pflag"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/auth/ldapdriver"
	"github.com/eschercloudai/stratus/pkg/auth/redisdriver"
)

// ErrUnknownDriver is raised when the configured driver name matches
// nothing we ship.
var ErrUnknownDriver = errors.New("unknown auth driver")

// Driver names accepted by the auth-driver flag.
const (
	DriverRedis = "redis"
	DriverLDAP  = "ldap"
)

// Options are attachable to a flag set.
type Options struct {
	// driver picks the directory implementation.
	driver string

	// redis configures the development directory.
	redis redisdriver.Options

	// ldap configures the production directory.
	ldap ldapdriver.Options
}

// AddFlags adds the options to the given flag set.
func (o *Options) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&o.driver, "auth-driver", DriverRedis, "Directory driver, one of redis or ldap.")

	o.redis.AddFlags(f)
	o.ldap.AddFlags(f)
}

// Manager builds the auth manager over the configured driver.
func (o *Options) Manager() (*auth.Manager, error) {
	switch o.driver {
	case DriverRedis:
		return auth.NewManager(o.redis.Driver()), nil
	case DriverLDAP:
		return auth.NewManager(ldapdriver.New(&o.ldap)), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, o.driver)
	}
}
