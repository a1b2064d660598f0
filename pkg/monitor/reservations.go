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

	"github.com/go-logr/logr"

	"github.com/eschercloudai/stratus/pkg/db"
)

// ReservationChecker expires quota reservations whose handler never
// committed or rolled back, returning the reserved counters to the pool.
type ReservationChecker struct {
	db *db.DB
}

// NewReservationChecker returns a checker sweeping expired reservations.
func NewReservationChecker(database *db.DB) *ReservationChecker {
	return &ReservationChecker{
		db: database,
	}
}

// Check runs one expiry sweep.
func (c *ReservationChecker) Check(ctx context.Context) error {
	log := logr.FromContextOrDiscard(ctx)

	count, err := c.db.ReservationExpire(ctx)
	if err != nil {
		return err
	}

	if count > 0 {
		log.Info("expired quota reservations", "count", count)
	}

	return nil
}
