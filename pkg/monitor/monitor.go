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

// Package monitor sweeps up state the request paths cannot: DHCP releases
// that never arrived, quota reservations a crashed handler left behind, and
// services that stopped reporting.  Everything here is idempotent, running
// two monitors is wasteful but harmless.
package monitor

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"

	"github.com/eschercloudai/stratus/pkg/db"
)

// Options allow modification of parameters via the CLI.
type Options struct {
	// pollPeriod defines how often to run.  The sweeps are single UPDATE
	// statements so there is little harm in a high frequency, it's mostly
	// down to burning database time unnecessarily.
	pollPeriod time.Duration

	// leaseGrace is how long a deallocated address keeps its instance link
	// while we wait for the DHCP release from the network host.
	leaseGrace time.Duration

	// serviceDownTime is how stale a service's last report can be before
	// it is called out as down.
	serviceDownTime time.Duration
}

// AddFlags registers option flags with pflag.
func (o *Options) AddFlags(flags *pflag.FlagSet) {
	flags.DurationVar(&o.pollPeriod, "poll-period", time.Minute, "Period to run the sweeps")
	flags.DurationVar(&o.leaseGrace, "lease-grace", 10*time.Minute, "How long to wait for a DHCP release before force freeing an address")
	flags.DurationVar(&o.serviceDownTime, "service-down-time", time.Minute, "How long since the last report before a service is considered down")
}

// Checker is an interface that monitors must implement.
type Checker interface {
	// Check does whatever the checker is checking for.
	Check(context.Context) error
}

// Run sits in an infinite loop, sweeping every so often.
func Run(ctx context.Context, database *db.DB, o *Options) {
	log := logr.FromContextOrDiscard(ctx)

	ticker := time.NewTicker(o.pollPeriod)
	defer ticker.Stop()

	checkers := []Checker{
		NewLeaseChecker(database, o.leaseGrace),
		NewReservationChecker(database),
		NewServiceChecker(database, o.serviceDownTime),
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, checker := range checkers {
				if err := checker.Check(ctx); err != nil {
					log.Error(err, "check failed")
				}
			}
		}
	}
}
