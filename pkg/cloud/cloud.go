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

// Package cloud is the controller behind the EC2 verb surface.  It owns the
// request half of every instance, address, security group, key pair and
// image operation, delegating block storage to the volume API and address
// bookkeeping to the network manager, and it consumes the status reports
// workers cast back on the cloud topic.
//
// The controller never talks to a hypervisor.  It persists intent, casts
// work at compute and volume hosts, and folds their reports back into the
// database.
package cloud

import (
	"context"
	"sort"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"

	"github.com/eschercloudai/stratus/pkg/db"
	"github.com/eschercloudai/stratus/pkg/errors"
	"github.com/eschercloudai/stratus/pkg/flags"
	"github.com/eschercloudai/stratus/pkg/image"
	"github.com/eschercloudai/stratus/pkg/network"
	"github.com/eschercloudai/stratus/pkg/quota"
	"github.com/eschercloudai/stratus/pkg/rpc"
	"github.com/eschercloudai/stratus/pkg/volume"
	"github.com/eschercloudai/stratus/pkg/zone"
)

// Options are attachable to a flag set.
type Options struct {
	// VPNImage is the image ID whose instances get the reserved VPN
	// address of their project's network rather than a pool address.
	VPNImage string

	// DefaultAvailabilityZone is stamped on instances launched without a
	// placement request.
	DefaultAvailabilityZone string

	// ServiceDownTime is how long after its last report a service still
	// counts as up.
	ServiceDownTime time.Duration

	// EC2URL is this region's own endpoint, advertised by DescribeRegions
	// when no region list is configured.
	EC2URL string

	// Region is this region's name.
	Region string

	// Regions maps region names to endpoints for DescribeRegions.
	Regions flags.StringMapFlag
}

// AddFlags registers the flags this package consumes.
func (o *Options) AddFlags(flagset *pflag.FlagSet) {
	flagset.StringVar(&o.VPNImage, "vpn-image", "ami-cloudpipe", "Image whose instances take the project VPN address")
	flagset.StringVar(&o.DefaultAvailabilityZone, "default-availability-zone", "zone1", "Availability zone stamped on unplaced instances")
	flagset.DurationVar(&o.ServiceDownTime, "service-down-time", time.Minute, "Silence after which a service counts as down")
	flagset.StringVar(&o.EC2URL, "ec2-url", "http://localhost:8773/services/Cloud", "This region's advertised endpoint")
	flagset.StringVar(&o.Region, "region", "stratus", "This region's name")
	flagset.Var(&o.Regions, "region-list", "region=endpoint pair, repeatable")
}

// Controller implements the EC2 verbs.  All methods scope their reads and
// writes to the project in the caller's credentials, administrators
// excepted.
type Controller struct {
	db      *db.DB
	client  *rpc.Client
	images  image.Service
	network *network.Manager
	volumes *volume.API
	quota   *quota.Engine
	zones   *zone.Manager
	options *Options
}

// NewController wires the controller up to its collaborators.
func NewController(database *db.DB, client *rpc.Client, images image.Service, networks *network.Manager, volumes *volume.API, engine *quota.Engine, zones *zone.Manager, options *Options) *Controller {
	return &Controller{
		db:      database,
		client:  client,
		images:  images,
		network: networks,
		volumes: volumes,
		quota:   engine,
		zones:   zones,
		options: options,
	}
}

// Consumers registers the status report handlers on an RPC server bound to
// the cloud topic.  Workers cast here; replies are never sent.
func (c *Controller) Consumers(server *rpc.Server) {
	server.Register("update_instance_state", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		id, err := rpc.ID(args, "instance_id")
		if err != nil {
			return nil, err
		}

		state, err := rpc.String(args, "state")
		if err != nil {
			return nil, err
		}

		return nil, c.UpdateInstanceState(ctx, id, state, args)
	})

	server.Register("volume_attached", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		id, err := rpc.ID(args, "volume_id")
		if err != nil {
			return nil, err
		}

		vol, err := c.db.VolumeGet(ctx, id)
		if err != nil {
			return nil, err
		}

		return nil, c.db.VolumeAttached(ctx, id, vol.InstanceUUID, vol.Mountpoint)
	})

	server.Register("volume_detached", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		id, err := rpc.ID(args, "volume_id")
		if err != nil {
			return nil, err
		}

		return nil, c.db.VolumeDetached(ctx, id)
	})

	server.Register("snapshot_done", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		id, err := rpc.ID(args, "snapshot_id")
		if err != nil {
			return nil, err
		}

		return nil, c.db.SnapshotSetStatus(ctx, id, db.SnapshotStatusAvailable, "100%")
	})

	server.Register("lease_ip", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		address, err := rpc.String(args, "address")
		if err != nil {
			return nil, err
		}

		return nil, c.network.LeaseFixedIP(ctx, address)
	})

	server.Register("release_ip", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		address, err := rpc.String(args, "address")
		if err != nil {
			return nil, err
		}

		return nil, c.network.ReleaseFixedIP(ctx, address)
	})

	server.Register("update_service_capabilities", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		service, err := rpc.String(args, "service_name")
		if err != nil {
			return nil, err
		}

		host, err := rpc.String(args, "host")
		if err != nil {
			return nil, err
		}

		capabilities := map[string]int64{}

		if raw, ok := args["capabilities"].(map[string]interface{}); ok {
			for name, value := range raw {
				if metric, ok := value.(float64); ok {
					capabilities[name] = int64(metric)
				}
			}
		}

		c.zones.ReportCapabilities(service, host, capabilities)

		return nil, nil
	})

	server.Register("report_state", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		host, err := rpc.String(args, "host")
		if err != nil {
			return nil, err
		}

		binary, err := rpc.String(args, "binary")
		if err != nil {
			return nil, err
		}

		return nil, c.ReportState(ctx, host, binary, args)
	})
}

// ReportState bumps a service's liveness record, registering it on first
// contact.
func (c *Controller) ReportState(ctx context.Context, host, binary string, args map[string]interface{}) error {
	service, err := c.db.ServiceGetByArgs(ctx, host, binary)
	if err == nil {
		return c.db.ServiceReportState(ctx, service.ID)
	}

	if !errors.IsNotFound(err) {
		return err
	}

	service = &db.Service{
		Host:   host,
		Binary: binary,
	}

	if topic, ok := args["topic"].(string); ok {
		service.Topic = topic
	}

	if az, ok := args["availability_zone"].(string); ok {
		service.AvailabilityZone = az
	}

	logr.FromContextOrDiscard(ctx).Info("Registering service", "host", host, "binary", binary, "topic", service.Topic)

	return c.db.ServiceCreate(ctx, service)
}

// DescribeAvailabilityZones lists zones and their health.  The verbose form
// appends the original's host and service tree as extra rows, one per host
// and one per service, states drawn as smilies.
func (c *Controller) DescribeAvailabilityZones(ctx context.Context, verbose bool) ([]AvailabilityZoneInfo, error) {
	services, err := c.db.ServiceGetAll(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()

	available := map[string]bool{}

	for i := range services {
		service := &services[i]

		up := c.serviceUp(service, now)

		if _, ok := available[service.AvailabilityZone]; !ok {
			available[service.AvailabilityZone] = false
		}

		if !service.Disabled && up {
			available[service.AvailabilityZone] = true
		}
	}

	names := sortedKeys(available)

	result := make([]AvailabilityZoneInfo, 0, len(names))

	for _, name := range names {
		state := "unavailable"
		if available[name] {
			state = "available"
		}

		result = append(result, AvailabilityZoneInfo{Name: name, State: state})
	}

	if !verbose {
		return result, nil
	}

	hosts := map[string][]*db.Service{}

	for i := range services {
		hosts[services[i].Host] = append(hosts[services[i].Host], &services[i])
	}

	for _, host := range sortedKeys(hosts) {
		result = append(result, AvailabilityZoneInfo{Name: "|- " + host, State: ""})

		for _, service := range hosts[host] {
			enabled := "enabled"
			if service.Disabled {
				enabled = "disabled"
			}

			active := ":-)"
			if !c.serviceUp(service, now) {
				active = "XXX"
			}

			state := enabled + " " + active + " " + service.LastSeen().Format(time.RFC3339)

			result = append(result, AvailabilityZoneInfo{Name: "| |- " + service.Binary, State: state})
		}
	}

	return result, nil
}

// DescribeRegions lists the configured region endpoints, or this region
// alone when none are configured.
func (c *Controller) DescribeRegions(ctx context.Context) []RegionInfo {
	if len(c.options.Regions.Map) == 0 {
		return []RegionInfo{{Name: c.options.Region, Endpoint: c.options.EC2URL}}
	}

	result := make([]RegionInfo, 0, len(c.options.Regions.Map))

	for _, name := range sortedKeys(c.options.Regions.Map) {
		result = append(result, RegionInfo{Name: name, Endpoint: c.options.Regions.Map[name]})
	}

	return result
}

func (c *Controller) serviceUp(service *db.Service, now time.Time) bool {
	return now.Sub(service.LastSeen()) < c.options.ServiceDownTime
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))

	for key := range m {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	return keys
}
