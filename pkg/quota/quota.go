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

// Package quota enforces per project resource ceilings with a two phase
// reserve then commit or rollback protocol.  Reservations carry an expiry so
// a crashed handler cannot leak headroom forever.
package quota

import (
	"context"
	"time"

	"github.com/spf13/pflag"

	"github.com/eschercloudai/stratus/pkg/db"
)

// Resource names as stored in the quota tables.
const (
	ResourceInstances          = "instances"
	ResourceCores              = "cores"
	ResourceRAM                = "ram"
	ResourceVolumes            = "volumes"
	ResourceGigabytes          = "gigabytes"
	ResourceFloatingIPs        = "floating_ips"
	ResourceSecurityGroups     = "security_groups"
	ResourceSecurityGroupRules = "security_group_rules"
)

// Options are attachable to a flag set.  A limit below zero means unlimited.
type Options struct {
	Instances          int64
	Cores              int64
	RAM                int64
	Volumes            int64
	Gigabytes          int64
	FloatingIPs        int64
	SecurityGroups     int64
	SecurityGroupRules int64

	// ReservationExpiry is how long an uncommitted reservation holds its
	// headroom before the sweeper reclaims it.
	ReservationExpiry time.Duration
}

// AddFlags adds the options to the given flag set.
func (o *Options) AddFlags(f *pflag.FlagSet) {
	f.Int64Var(&o.Instances, "quota-instances", 10, "Instances allowed per project.")
	f.Int64Var(&o.Cores, "quota-cores", 20, "Instance cores allowed per project.")
	f.Int64Var(&o.RAM, "quota-ram", 51200, "Instance RAM in MB allowed per project.")
	f.Int64Var(&o.Volumes, "quota-volumes", 10, "Volumes allowed per project.")
	f.Int64Var(&o.Gigabytes, "quota-gigabytes", 1000, "Total volume gigabytes allowed per project.")
	f.Int64Var(&o.FloatingIPs, "quota-floating-ips", 10, "Floating IPs allowed per project.")
	f.Int64Var(&o.SecurityGroups, "quota-security-groups", 10, "Security groups allowed per project.")
	f.Int64Var(&o.SecurityGroupRules, "quota-security-group-rules", 20, "Rules allowed per security group.")
	f.DurationVar(&o.ReservationExpiry, "quota-reservation-expiry", 24*time.Hour, "How long an uncommitted reservation lives.")
}

func (o *Options) defaults() map[string]int64 {
	return map[string]int64{
		ResourceInstances:          o.Instances,
		ResourceCores:              o.Cores,
		ResourceRAM:                o.RAM,
		ResourceVolumes:            o.Volumes,
		ResourceGigabytes:          o.Gigabytes,
		ResourceFloatingIPs:        o.FloatingIPs,
		ResourceSecurityGroups:     o.SecurityGroups,
		ResourceSecurityGroupRules: o.SecurityGroupRules,
	}
}

// Engine layers per project overrides over the flag defaults and hands the
// checked reservations to the database.
type Engine struct {
	db      *db.DB
	options *Options
}

// New creates a quota engine.
func New(d *db.DB, options *Options) *Engine {
	return &Engine{
		db:      d,
		options: options,
	}
}

// Limits returns the effective limit per resource for a project.
func (e *Engine) Limits(ctx context.Context, projectID string) (map[string]int64, error) {
	limits := e.options.defaults()

	overrides, err := e.db.QuotaGetAllByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	for _, override := range overrides {
		limits[override.Resource] = override.HardLimit
	}

	return limits, nil
}

// Reserve claims headroom for the deltas, returning reservation IDs to later
// commit or roll back.  Refusal carries a per resource breakdown.
func (e *Engine) Reserve(ctx context.Context, projectID string, deltas map[string]int64) ([]string, error) {
	limits, err := e.Limits(ctx, projectID)
	if err != nil {
		return nil, err
	}

	return e.db.QuotaReserve(ctx, projectID, deltas, limits, e.options.ReservationExpiry)
}

// Commit folds reservations into the in use counters.
func (e *Engine) Commit(ctx context.Context, projectID string, reservations []string) error {
	return e.db.ReservationCommit(ctx, projectID, reservations)
}

// Rollback releases reservations untaken.
func (e *Engine) Rollback(ctx context.Context, projectID string, reservations []string) error {
	return e.db.ReservationRollback(ctx, projectID, reservations)
}

// InstanceDeltas is the reservation for launching count instances of a type.
func InstanceDeltas(count int64, instanceType *db.InstanceType) map[string]int64 {
	return map[string]int64{
		ResourceInstances: count,
		ResourceCores:     count * int64(instanceType.VCPUs),
		ResourceRAM:       count * int64(instanceType.MemoryMB),
	}
}

// InstanceReleaseDeltas is the negated reservation committed when instances
// are torn down.
func InstanceReleaseDeltas(count int64, instanceType *db.InstanceType) map[string]int64 {
	deltas := InstanceDeltas(count, instanceType)

	for resource := range deltas {
		deltas[resource] = -deltas[resource]
	}

	return deltas
}

// VolumeDeltas is the reservation for creating one volume of the given size.
func VolumeDeltas(sizeGB int64) map[string]int64 {
	return map[string]int64{
		ResourceVolumes:   1,
		ResourceGigabytes: sizeGB,
	}
}

// VolumeReleaseDeltas is the negated reservation committed on deletion.
func VolumeReleaseDeltas(sizeGB int64) map[string]int64 {
	return map[string]int64{
		ResourceVolumes:   -1,
		ResourceGigabytes: -sizeGB,
	}
}
