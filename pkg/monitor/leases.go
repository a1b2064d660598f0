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

package monitor

import (
	"context"
	"sort"
	"time"

	"github.com/go-logr/logr"

	"github.com/eschercloudai/stratus/pkg/db"
)

// LeaseChecker force frees fixed addresses whose DHCP release never
// arrived.  Deallocation keeps the instance link until the network host
// reports the release; a host that died mid-lease never sends one.
type LeaseChecker struct {
	db    *db.DB
	grace time.Duration
}

// NewLeaseChecker returns a checker reaping leases older than grace.
func NewLeaseChecker(database *db.DB, grace time.Duration) *LeaseChecker {
	return &LeaseChecker{
		db:    database,
		grace: grace,
	}
}

// Check sweeps the networks of every elected host.
func (c *LeaseChecker) Check(ctx context.Context) error {
	log := logr.FromContextOrDiscard(ctx)

	networks, err := c.db.NetworkGetAll(ctx)
	if err != nil {
		return err
	}

	seen := map[string]bool{}

	var hosts []string

	for i := range networks {
		host := networks[i].Host
		if host == "" || seen[host] {
			continue
		}

		seen[host] = true

		hosts = append(hosts, host)
	}

	sort.Strings(hosts)

	var total int64

	for _, host := range hosts {
		count, err := c.db.FixedIPDisassociateAllExpired(ctx, host, c.grace)
		if err != nil {
			return err
		}

		total += count
	}

	if total > 0 {
		log.Info("released expired leases", "count", total)
	}

	return nil
}
