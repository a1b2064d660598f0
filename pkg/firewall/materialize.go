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

package firewall

import (
	"context"

	"github.com/eschercloudai/stratus/pkg/db"
	"github.com/eschercloudai/stratus/pkg/errors"
	"github.com/eschercloudai/stratus/pkg/network"
)

// Materialize expands the security group graph for every instance on a
// host into compile inputs.  The closure is resolved here, once per call:
// source groups become their members' addresses at read time and nothing
// survives between compiles, so a recompile always sees current state.
func Materialize(ctx context.Context, d *db.DB, host string, useIPv6 bool) ([]Instance, []Rule, error) {
	records, err := d.InstanceGetAllByHost(ctx, host)
	if err != nil {
		return nil, nil, err
	}

	providerRecords, err := d.ProviderFirewallRuleGetAll(ctx)
	if err != nil {
		return nil, nil, err
	}

	provider := make([]Rule, len(providerRecords))

	for i, record := range providerRecords {
		provider[i] = Rule{
			Protocol: record.Protocol,
			FromPort: record.FromPort,
			ToPort:   record.ToPort,
			CIDR:     record.CIDR,
		}
	}

	// Source group expansions are shared within one materialization.
	members := map[int64][]string{}

	instances := make([]Instance, 0, len(records))

	for i := range records {
		instance, err := materializeInstance(ctx, d, &records[i], useIPv6, members)
		if err != nil {
			return nil, nil, err
		}

		instances = append(instances, *instance)
	}

	return instances, provider, nil
}

func materializeInstance(ctx context.Context, d *db.DB, record *db.Instance, useIPv6 bool, members map[int64][]string) (*Instance, error) {
	instance := &Instance{
		ID: record.ID,
	}

	v4, v6, err := instanceAddresses(ctx, d, record, useIPv6)
	if err != nil {
		return nil, err
	}

	instance.AddressesV4 = v4
	instance.AddressesV6 = v6

	groups, err := d.SecurityGroupGetAllByInstance(ctx, record.ID)
	if err != nil {
		return nil, err
	}

	for _, group := range groups {
		compiled := Group{
			ID:    group.ID,
			Rules: make([]Rule, 0, len(group.Rules)),
		}

		for _, rule := range group.Rules {
			materialized := Rule{
				Protocol: rule.Protocol,
				FromPort: -1,
				ToPort:   -1,
				CIDR:     rule.CIDR,
			}

			if rule.FromPort != nil {
				materialized.FromPort = *rule.FromPort
			}

			if rule.ToPort != nil {
				materialized.ToPort = *rule.ToPort
			}

			if rule.GroupID != nil {
				expanded, err := groupMembers(ctx, d, *rule.GroupID, useIPv6, members)
				if err != nil {
					return nil, err
				}

				materialized.SourceMembers = expanded
			}

			compiled.Rules = append(compiled.Rules, materialized)
		}

		instance.Groups = append(instance.Groups, compiled)
	}

	return instance, nil
}

// instanceAddresses returns an instance's addresses.  An instance without
// a fixed IP yet still compiles, its chain is just unreachable.
func instanceAddresses(ctx context.Context, d *db.DB, record *db.Instance, useIPv6 bool) ([]string, []string, error) {
	fixedIP, err := d.FixedIPGetByInstance(ctx, record.ID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, nil, nil
		}

		return nil, nil, err
	}

	v4 := []string{fixedIP.Address}

	if !useIPv6 {
		return v4, nil, nil
	}

	owning, err := d.NetworkGet(ctx, fixedIP.NetworkID)
	if err != nil {
		return nil, nil, err
	}

	if owning.CIDRV6 == "" || record.MACAddress == "" {
		return v4, nil, nil
	}

	address, err := network.GlobalIPv6(owning.CIDRV6, record.MACAddress)
	if err != nil {
		return nil, nil, err
	}

	return v4, []string{address}, nil
}

// groupMembers expands a source group to its member addresses.
func groupMembers(ctx context.Context, d *db.DB, groupID int64, useIPv6 bool, members map[int64][]string) ([]string, error) {
	if expanded, ok := members[groupID]; ok {
		return expanded, nil
	}

	records, err := d.InstanceGetAllBySecurityGroup(ctx, groupID)
	if err != nil {
		return nil, err
	}

	expanded := []string{}

	for i := range records {
		v4, v6, err := instanceAddresses(ctx, d, &records[i], useIPv6)
		if err != nil {
			return nil, err
		}

		expanded = append(expanded, v4...)
		expanded = append(expanded, v6...)
	}

	members[groupID] = expanded

	return expanded, nil
}
