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
	"time"

	"github.com/go-logr/logr"

	"github.com/eschercloudai/stratus/pkg/db"
)

// ServiceChecker calls out services that stopped reporting.  Liveness is
// always computed from the last report at read time, so this changes
// nothing, it just gets the fact into the logs where someone will see it.
type ServiceChecker struct {
	db       *db.DB
	downTime time.Duration
}

// NewServiceChecker returns a checker flagging services whose last report
// is older than downTime.
func NewServiceChecker(database *db.DB, downTime time.Duration) *ServiceChecker {
	return &ServiceChecker{
		db:       database,
		downTime: downTime,
	}
}

// Check logs every enabled service that has gone quiet.
func (c *ServiceChecker) Check(ctx context.Context) error {
	log := logr.FromContextOrDiscard(ctx)

	services, err := c.db.ServiceGetAll(ctx)
	if err != nil {
		return err
	}

	for i := range services {
		service := &services[i]

		if service.Disabled {
			continue
		}

		silence := time.Since(service.LastSeen())
		if silence < c.downTime {
			continue
		}

		log.Info("service stopped reporting", "host", service.Host, "binary", service.Binary, "silence", silence.Truncate(time.Second).String())
	}

	return nil
}
