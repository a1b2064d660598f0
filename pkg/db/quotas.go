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

package db

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/eschercloudai/stratus/pkg/errors"
)

// QuotaGet returns the per project override for a resource if one exists.
func (d *DB) QuotaGet(ctx context.Context, projectID, resource string) (*Quota, error) {
	quota := &Quota{}

	query := "SELECT * FROM quotas WHERE project_id = $1 AND resource = $2 AND NOT deleted"

	if err := d.conn.GetContext(ctx, quota, query, projectID, resource); err != nil {
		return nil, notFound(err, errors.NotFound("QuotaNotFound", fmt.Sprintf("no quota override for %s/%s", projectID, resource)))
	}

	return quota, nil
}

// QuotaGetAllByProject returns all overrides for a project.
func (d *DB) QuotaGetAllByProject(ctx context.Context, projectID string) ([]Quota, error) {
	var quotas []Quota

	query := "SELECT * FROM quotas WHERE project_id = $1 AND NOT deleted ORDER BY resource"

	if err := d.conn.SelectContext(ctx, &quotas, query, projectID); err != nil {
		return nil, err
	}

	return quotas, nil
}

// QuotaSet creates or replaces a per project override.
func (d *DB) QuotaSet(ctx context.Context, projectID, resource string, hardLimit int64) error {
	return d.InTransaction(ctx, func(tx *sqlx.Tx) error {
		update := `UPDATE quotas SET hard_limit = $3, updated_at = now()
			WHERE project_id = $1 AND resource = $2 AND NOT deleted`

		result, err := tx.ExecContext(ctx, update, projectID, resource, hardLimit)
		if err != nil {
			return err
		}

		count, err := result.RowsAffected()
		if err != nil {
			return err
		}

		if count > 0 {
			return nil
		}

		insert := "INSERT INTO quotas (project_id, resource, hard_limit) VALUES ($1, $2, $3)"

		_, err = tx.ExecContext(ctx, insert, projectID, resource, hardLimit)

		return err
	})
}

// QuotaUsageGetAllByProject returns the committed and in flight counters for
// a project.
func (d *DB) QuotaUsageGetAllByProject(ctx context.Context, projectID string) ([]QuotaUsage, error) {
	var usages []QuotaUsage

	query := "SELECT * FROM quota_usages WHERE project_id = $1 AND NOT deleted ORDER BY resource"

	if err := d.conn.SelectContext(ctx, &usages, query, projectID); err != nil {
		return nil, err
	}

	return usages, nil
}

// QuotaReserve checks the requested deltas against the supplied limits and,
// when all fit, records one reservation per resource and bumps the reserved
// counters.  A limit below zero means unlimited.  The whole operation runs
// under the project lock so concurrent reservations cannot both squeeze into
// the last remaining headroom.
func (d *DB) QuotaReserve(ctx context.Context, projectID string, deltas, limits map[string]int64, expire time.Duration) ([]string, error) {
	resources := make([]string, 0, len(deltas))

	for resource := range deltas {
		resources = append(resources, resource)
	}

	sort.Strings(resources)

	var reservations []string

	err := d.InTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := lockString(ctx, tx, lockClassProject, projectID); err != nil {
			return err
		}

		for _, resource := range resources {
			ensure := `INSERT INTO quota_usages (project_id, resource) VALUES ($1, $2)
				ON CONFLICT (project_id, resource) DO NOTHING`

			if _, err := tx.ExecContext(ctx, ensure, projectID, resource); err != nil {
				return err
			}
		}

		query, args, err := sqlx.In("SELECT * FROM quota_usages WHERE project_id = ? AND resource IN (?)", projectID, resources)
		if err != nil {
			return err
		}

		var usages []QuotaUsage

		if err := tx.SelectContext(ctx, &usages, tx.Rebind(query), args...); err != nil {
			return err
		}

		byResource := make(map[string]*QuotaUsage, len(usages))

		for i := range usages {
			byResource[usages[i].Resource] = &usages[i]
		}

		var overs []string

		for _, resource := range resources {
			delta := deltas[resource]
			if delta <= 0 {
				continue
			}

			limit, ok := limits[resource]
			if !ok || limit < 0 {
				continue
			}

			usage := byResource[resource]

			if int64(usage.InUse)+int64(usage.Reserved)+delta > limit {
				overs = append(overs, fmt.Sprintf("%s (limit %d, in use %d, reserved %d, requested %d)", resource, limit, usage.InUse, usage.Reserved, delta))
			}
		}

		if len(overs) > 0 {
			return errors.QuotaExceeded(fmt.Sprintf("quota exceeded for %s", strings.Join(overs, "; ")))
		}

		expiry := time.Now().Add(expire)

		for _, resource := range resources {
			delta := deltas[resource]

			id := uuid.New().String()

			insert := `INSERT INTO reservations (uuid, usage_id, project_id, resource, delta, expire)
				VALUES (:uuid, :usage_id, :project_id, :resource, :delta, :expire)`

			reservation := &Reservation{
				UUID:      id,
				UsageID:   byResource[resource].ID,
				ProjectID: projectID,
				Resource:  resource,
				Delta:     int(delta),
				Expire:    expiry,
			}

			if _, err := sqlx.NamedExecContext(ctx, tx, insert, reservation); err != nil {
				return err
			}

			if delta > 0 {
				bump := "UPDATE quota_usages SET reserved = reserved + $2, updated_at = now() WHERE id = $1"

				if _, err := tx.ExecContext(ctx, bump, byResource[resource].ID, delta); err != nil {
					return err
				}
			}

			reservations = append(reservations, id)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return reservations, nil
}

func (d *DB) reservationsGet(ctx context.Context, tx *sqlx.Tx, ids []string) ([]Reservation, error) {
	query, args, err := sqlx.In("SELECT * FROM reservations WHERE uuid IN (?) AND NOT deleted", ids)
	if err != nil {
		return nil, err
	}

	var reservations []Reservation

	if err := tx.SelectContext(ctx, &reservations, tx.Rebind(query), args...); err != nil {
		return nil, err
	}

	return reservations, nil
}

func (d *DB) reservationsDestroy(ctx context.Context, tx *sqlx.Tx, ids []string) error {
	query, args, err := sqlx.In(`UPDATE reservations SET deleted = TRUE, deleted_at = now(), updated_at = now()
		WHERE uuid IN (?) AND NOT deleted`, ids)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(query), args...)

	return err
}

// ReservationCommit applies reservations to the in use counters and retires
// them.  Negative deltas, releases, only take effect here.
func (d *DB) ReservationCommit(ctx context.Context, projectID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	return d.InTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := lockString(ctx, tx, lockClassProject, projectID); err != nil {
			return err
		}

		reservations, err := d.reservationsGet(ctx, tx, ids)
		if err != nil {
			return err
		}

		for _, reservation := range reservations {
			reserved := int64(0)
			if reservation.Delta > 0 {
				reserved = int64(reservation.Delta)
			}

			apply := `UPDATE quota_usages SET in_use = greatest(in_use + $2, 0), reserved = reserved - $3, updated_at = now()
				WHERE id = $1`

			if _, err := tx.ExecContext(ctx, apply, reservation.UsageID, reservation.Delta, reserved); err != nil {
				return err
			}
		}

		return d.reservationsDestroy(ctx, tx, ids)
	})
}

// ReservationRollback releases reservations without touching the in use
// counters.
func (d *DB) ReservationRollback(ctx context.Context, projectID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	return d.InTransaction(ctx, func(tx *sqlx.Tx) error {
		if err := lockString(ctx, tx, lockClassProject, projectID); err != nil {
			return err
		}

		reservations, err := d.reservationsGet(ctx, tx, ids)
		if err != nil {
			return err
		}

		for _, reservation := range reservations {
			if reservation.Delta <= 0 {
				continue
			}

			release := "UPDATE quota_usages SET reserved = reserved - $2, updated_at = now() WHERE id = $1"

			if _, err := tx.ExecContext(ctx, release, reservation.UsageID, reservation.Delta); err != nil {
				return err
			}
		}

		return d.reservationsDestroy(ctx, tx, ids)
	})
}

// ReservationExpire sweeps reservations past their expiry, releasing the
// reserved counters a crashed handler would otherwise leak.  Returns the
// number swept.
func (d *DB) ReservationExpire(ctx context.Context) (int64, error) {
	var count int64

	err := d.InTransaction(ctx, func(tx *sqlx.Tx) error {
		release := `UPDATE quota_usages SET reserved = quota_usages.reserved - expired.total, updated_at = now()
			FROM (
				SELECT usage_id, sum(delta) AS total FROM reservations
				WHERE expire < now() AND delta > 0 AND NOT deleted
				GROUP BY usage_id
			) expired
			WHERE quota_usages.id = expired.usage_id`

		if _, err := tx.ExecContext(ctx, release); err != nil {
			return err
		}

		sweep := `UPDATE reservations SET deleted = TRUE, deleted_at = now(), updated_at = now()
			WHERE expire < now() AND NOT deleted`

		result, err := tx.ExecContext(ctx, sweep)
		if err != nil {
			return err
		}

		count, err = result.RowsAffected()

		return err
	})
	if err != nil {
		return 0, err
	}

	return count, nil
}
