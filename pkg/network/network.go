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

// Package network allocates instance connectivity.  Three modes: flat (one
// bridge, addresses injected), flatdhcp (one bridge, DHCP served by the
// network host) and vlan (a dedicated VLAN and subnet per project, with a
// VPN gateway reserved in each subnet).
//
// The control plane owns the address tables; bridge, DHCP and NAT plumbing
// live on the network hosts and are driven over RPC.
package network

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"

	"github.com/eschercloudai/stratus/pkg/constants"
	"github.com/eschercloudai/stratus/pkg/db"
	"github.com/eschercloudai/stratus/pkg/errors"
	"github.com/eschercloudai/stratus/pkg/flags"
	"github.com/eschercloudai/stratus/pkg/rpc"
)

const (
	ModeFlat     = "flat"
	ModeFlatDHCP = "flatdhcp"
	ModeVLAN     = "vlan"
)

// Subnet slot layout: the network address itself, then the gateway, then in
// VLAN mode the project VPN, then the first DHCP address.
const (
	offsetGateway = 1
	offsetVPN     = 2
	offsetDHCP    = 3
)

// Options are attachable to a flag set.
type Options struct {
	// Mode selects flat, flatdhcp or vlan behaviour.
	Mode string

	// FixedRange is the parent range project subnets are carved from.
	FixedRange flags.CIDRFlag

	// FixedRangeV6 is the parent range for v6 subnets, /64 per network.
	FixedRangeV6 flags.CIDRFlag

	// NetworkSize is the number of addresses per network, a power of two.
	NetworkSize int64

	// NumNetworks bounds how many networks may be created.
	NumNetworks int64

	// VLANStart numbers the first network's VLAN tag.
	VLANStart int

	// VPNStart numbers the first network's public VPN port.
	VPNStart int

	// VPNIP is the public address VPN clients connect to.
	VPNIP flags.IPFlag

	// FlatBridge is the shared bridge for the flat modes.
	FlatBridge string

	// DNS is handed to instances via DHCP.
	DNS flags.IPFlag

	// UseIPv6 turns on v6 subnet assignment.
	UseIPv6 bool

	// FloatingRange seeds the public address pool.
	FloatingRange flags.CIDRFlag

	// FixedIPDisassociateTimeout bounds how long a deallocated address
	// may wait for its DHCP release before being force freed.
	FixedIPDisassociateTimeout time.Duration
}

// AddFlags adds the options to the given flag set.
func (o *Options) AddFlags(f *pflag.FlagSet) {
	//nolint:errcheck
	o.FixedRange.Set("10.0.0.0/8")
	//nolint:errcheck
	o.FixedRangeV6.Set("fd00::/48")
	//nolint:errcheck
	o.FloatingRange.Set("10.10.10.0/24")
	//nolint:errcheck
	o.VPNIP.Set("127.0.0.1")
	//nolint:errcheck
	o.DNS.Set("8.8.4.4")

	f.StringVar(&o.Mode, "network-mode", ModeVLAN, "Network mode, one of flat, flatdhcp, vlan.")
	f.Var(&o.FixedRange, "fixed-range", "Parent range project subnets are carved from.")
	f.Var(&o.FixedRangeV6, "fixed-range-v6", "Parent range for v6 subnets.")
	f.Int64Var(&o.NetworkSize, "network-size", 256, "Addresses per network, a power of two.")
	f.Int64Var(&o.NumNetworks, "num-networks", 1000, "Maximum number of networks.")
	f.IntVar(&o.VLANStart, "vlan-start", 100, "First VLAN tag.")
	f.IntVar(&o.VPNStart, "vpn-start", 1000, "First public VPN port.")
	f.Var(&o.VPNIP, "vpn-ip", "Public address VPN clients connect to.")
	f.StringVar(&o.FlatBridge, "flat-network-bridge", "br100", "Bridge for the flat modes.")
	f.Var(&o.DNS, "network-dns", "DNS server handed to instances.")
	f.BoolVar(&o.UseIPv6, "use-ipv6", false, "Assign v6 subnets to networks.")
	f.Var(&o.FloatingRange, "floating-range", "Range seeding the floating address pool.")
	f.DurationVar(&o.FixedIPDisassociateTimeout, "fixed-ip-disassociate-timeout", 10*time.Minute, "Grace period for DHCP releases after deallocation.")
}

// Manager drives address allocation and the network hosts.
type Manager struct {
	db      *db.DB
	client  *rpc.Client
	options *Options
}

// NewManager creates a network manager.
func NewManager(database *db.DB, client *rpc.Client, options *Options) *Manager {
	return &Manager{
		db:      database,
		client:  client,
		options: options,
	}
}

// GenerateMAC mints a locally administered hardware address for a new
// instance.
func GenerateMAC() (string, error) {
	buffer := make([]byte, 3)

	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}

	return fmt.Sprintf("02:16:3e:%02x:%02x:%02x", buffer[0], buffer[1], buffer[2]), nil
}

// GlobalIPv6 derives an instance's v6 address from its network's prefix
// and hardware address, modified EUI-64.
func GlobalIPv6(cidrV6, mac string) (string, error) {
	parent, err := netip.ParsePrefix(cidrV6)
	if err != nil {
		return "", errors.InvalidParameterValue(fmt.Sprintf("bad v6 prefix %s", cidrV6)).WithError(err)
	}

	hardware, err := net.ParseMAC(mac)
	if err != nil || len(hardware) != 6 {
		return "", errors.InvalidParameterValue(fmt.Sprintf("bad hardware address %s", mac))
	}

	raw := parent.Addr().As16()

	raw[8] = hardware[0] ^ 0x02
	raw[9] = hardware[1]
	raw[10] = hardware[2]
	raw[11] = 0xff
	raw[12] = 0xfe
	raw[13] = hardware[3]
	raw[14] = hardware[4]
	raw[15] = hardware[5]

	return netip.AddrFrom16(raw).String(), nil
}

// CreateNetworks carves count subnets out of the fixed range and fills
// their address tables.  The network address, gateway and broadcast rows
// are reserved in every mode, the VPN slot additionally in vlan mode.
func (m *Manager) CreateNetworks(ctx context.Context, label string, count int64) ([]db.Network, error) {
	size := m.options.NetworkSize

	bits, err := subnetBits(size)
	if err != nil {
		return nil, err
	}

	parent, err := prefix(m.options.FixedRange)
	if err != nil {
		return nil, err
	}

	existing, err := m.db.NetworkGetAll(ctx)
	if err != nil {
		return nil, err
	}

	index := int64(len(existing))

	if index+count > m.options.NumNetworks {
		return nil, errors.InvalidParameterValue(fmt.Sprintf("%d networks requested but only %d slots remain", count, m.options.NumNetworks-index))
	}

	networks := make([]db.Network, 0, count)

	for i := index; i < index+count; i++ {
		subnet, err := nthSubnet(parent, bits, i)
		if err != nil {
			return nil, err
		}

		network := db.Network{
			Label:     fmt.Sprintf("%s_%d", label, i),
			CIDR:      subnet.String(),
			Netmask:   netmask(bits),
			Gateway:   addOffset(subnet.Addr(), offsetGateway).String(),
			Broadcast: addOffset(subnet.Addr(), uint32(size-1)).String(),
			DNS:       m.options.DNS.String(),
			Bridge:    m.options.FlatBridge,
		}

		switch m.options.Mode {
		case ModeVLAN:
			vlan := m.options.VLANStart + int(i)
			port := m.options.VPNStart + int(i)

			network.VLAN = &vlan
			network.Bridge = fmt.Sprintf("br%d", vlan)
			network.VPNPublicAddress = m.options.VPNIP.String()
			network.VPNPublicPort = &port
			network.VPNPrivateAddress = addOffset(subnet.Addr(), offsetVPN).String()
			network.DHCPStart = addOffset(subnet.Addr(), offsetDHCP).String()
		case ModeFlatDHCP:
			network.DHCPStart = addOffset(subnet.Addr(), offsetVPN).String()
		case ModeFlat:
			network.Injected = true
		default:
			return nil, errors.InvalidParameterValue(fmt.Sprintf("unknown network mode %s", m.options.Mode))
		}

		if m.options.UseIPv6 {
			parentV6, err := prefix(m.options.FixedRangeV6)
			if err != nil {
				return nil, err
			}

			subnetV6 := nthSubnetV6(parentV6, uint64(i))
			network.CIDRV6 = subnetV6.String()
			network.GatewayV6 = addOffsetV6(subnetV6.Addr(), offsetGateway).String()
		}

		if err := m.db.NetworkCreate(ctx, &network); err != nil {
			return nil, err
		}

		if err := m.db.FixedIPBulkCreate(ctx, addressRows(network.ID, subnet, size, m.options.Mode)); err != nil {
			return nil, err
		}

		networks = append(networks, network)
	}

	return networks, nil
}

// addressRows builds the fixed IP table for one subnet.
func addressRows(networkID int64, subnet netip.Prefix, size int64, mode string) []db.FixedIP {
	rows := make([]db.FixedIP, size)

	for offset := int64(0); offset < size; offset++ {
		reserved := offset == 0 || offset == offsetGateway || offset == size-1

		if mode == ModeVLAN && offset == offsetVPN {
			reserved = true
		}

		rows[offset] = db.FixedIP{
			Address:   addOffset(subnet.Addr(), uint32(offset)).String(),
			NetworkID: networkID,
			Reserved:  reserved,
		}
	}

	return rows
}

// CreateFloatingIPs seeds the public pool with every address of a range,
// owned by the given network host.
func (m *Manager) CreateFloatingIPs(ctx context.Context, cidr string, host string) (int, error) {
	parsed, err := netip.ParsePrefix(cidr)
	if err != nil {
		return 0, errors.InvalidParameterValue(fmt.Sprintf("bad floating range %s", cidr)).WithError(err)
	}

	var addresses []string

	for address := parsed.Addr(); parsed.Contains(address); address = address.Next() {
		addresses = append(addresses, address.String())
	}

	if err := m.db.FloatingIPBulkCreate(ctx, addresses, host); err != nil {
		return 0, err
	}

	return len(addresses), nil
}

// AllocateFixedIP claims a private address for an instance.  In vlan mode
// the project's own subnet is used, first associating one when the project
// has none; vpn instances take the reserved VPN slot.  The flat modes
// allocate from any network.
func (m *Manager) AllocateFixedIP(ctx context.Context, projectID string, instanceID int64, vpn bool) (*db.FixedIP, error) {
	if m.options.Mode != ModeVLAN {
		return m.db.FixedIPAssociatePool(ctx, 0, instanceID)
	}

	network, err := m.db.NetworkAssociate(ctx, projectID)
	if err != nil {
		return nil, err
	}

	if vpn {
		return m.db.FixedIPAssociate(ctx, network.VPNPrivateAddress, instanceID)
	}

	return m.db.FixedIPAssociatePool(ctx, network.ID, instanceID)
}

// DeallocateFixedIP signals the control plane is done with an address.  The
// instance link survives until the DHCP release arrives, or the reaper
// frees it after the grace period.
func (m *Manager) DeallocateFixedIP(ctx context.Context, address string) error {
	return m.db.FixedIPDeallocate(ctx, address)
}

// LeaseFixedIP records a DHCP lease event from a network host.
func (m *Manager) LeaseFixedIP(ctx context.Context, address string) error {
	log := logr.FromContextOrDiscard(ctx)

	fixedIP, err := m.db.FixedIPGetByAddress(ctx, address)
	if err != nil {
		return err
	}

	if fixedIP.InstanceID == nil {
		return errors.IncorrectState(fmt.Sprintf("address %s leased while unassociated", address))
	}

	if !fixedIP.Allocated {
		log.Info("address leased after deallocation", "address", address)
	}

	return m.db.FixedIPSetLeased(ctx, address, true)
}

// ReleaseFixedIP records a DHCP release event.  A release after
// deallocation completes the free.
func (m *Manager) ReleaseFixedIP(ctx context.Context, address string) error {
	fixedIP, err := m.db.FixedIPGetByAddress(ctx, address)
	if err != nil {
		return err
	}

	if !fixedIP.Leased {
		logr.FromContextOrDiscard(ctx).Info("release for address that was not leased", "address", address)
	}

	if err := m.db.FixedIPSetLeased(ctx, address, false); err != nil {
		return err
	}

	if !fixedIP.Allocated {
		return m.db.FixedIPDisassociate(ctx, address)
	}

	return nil
}

// Host returns the network host owning a network, electing one over RPC
// when the network is fresh.  The row write settles races, every caller
// converges on the first writer.
func (m *Manager) Host(ctx context.Context, networkID int64) (string, error) {
	network, err := m.db.NetworkGet(ctx, networkID)
	if err != nil {
		return "", err
	}

	if network.Host != "" {
		return network.Host, nil
	}

	reply, err := m.client.Call(ctx, rpc.Queue(constants.NetworkTopic, ""), "set_network_host", map[string]interface{}{
		"network_id": networkID,
	})
	if err != nil {
		return "", err
	}

	host, ok := reply["host"].(string)
	if !ok || host == "" {
		return "", errors.ServiceUnavailable(fmt.Sprintf("no network host volunteered for network %d", networkID))
	}

	return host, nil
}

// SetHost claims a network for a host, returning the winner.  Network hosts
// invoke this when answering an election.
func (m *Manager) SetHost(ctx context.Context, networkID int64, host string) (string, error) {
	return m.db.NetworkSetHost(ctx, networkID, host)
}

// AllocateFloatingIP claims a public address from the pool for a project.
func (m *Manager) AllocateFloatingIP(ctx context.Context, projectID string) (string, error) {
	return m.db.FloatingIPAllocate(ctx, projectID)
}

// ReleaseFloatingIP returns a public address to the pool.
func (m *Manager) ReleaseFloatingIP(ctx context.Context, projectID, address string) error {
	floating, err := m.floatingForProject(ctx, projectID, address)
	if err != nil {
		return err
	}

	if floating.FixedIPID != nil {
		return errors.IncorrectState(fmt.Sprintf("floating ip %s is still associated", address))
	}

	return m.db.FloatingIPDeallocate(ctx, address)
}

// AssociateFloatingIP binds a public address onto an instance's private
// one and tells the owning network host to set up NAT.
func (m *Manager) AssociateFloatingIP(ctx context.Context, projectID, address string, fixedIP *db.FixedIP) error {
	floating, err := m.floatingForProject(ctx, projectID, address)
	if err != nil {
		return err
	}

	if floating.FixedIPID != nil {
		return errors.IncorrectState(fmt.Sprintf("floating ip %s is already associated", address))
	}

	network, err := m.db.NetworkGet(ctx, fixedIP.NetworkID)
	if err != nil {
		return err
	}

	host := network.Host
	if host == "" {
		host, err = m.Host(ctx, network.ID)
		if err != nil {
			return err
		}
	}

	if err := m.db.FloatingIPAssociate(ctx, address, fixedIP.ID, host); err != nil {
		return err
	}

	return m.client.Cast(ctx, rpc.Queue(constants.NetworkTopic, host), "associate_floating_ip", map[string]interface{}{
		"floating_address": address,
		"fixed_address":    fixedIP.Address,
	})
}

// DisassociateFloatingIP unbinds a public address and tears down its NAT.
func (m *Manager) DisassociateFloatingIP(ctx context.Context, projectID, address string) error {
	floating, err := m.floatingForProject(ctx, projectID, address)
	if err != nil {
		return err
	}

	if floating.FixedIPID == nil {
		return errors.IncorrectState(fmt.Sprintf("floating ip %s is not associated", address))
	}

	if _, err := m.db.FloatingIPDisassociate(ctx, address); err != nil {
		return err
	}

	return m.client.Cast(ctx, rpc.Queue(constants.NetworkTopic, floating.Host), "disassociate_floating_ip", map[string]interface{}{
		"floating_address": address,
	})
}

// floatingForProject looks an address up and enforces ownership.  Admin
// credentials may touch any address.
func (m *Manager) floatingForProject(ctx context.Context, projectID, address string) (*db.FloatingIP, error) {
	floating, err := m.db.FloatingIPGetByAddress(ctx, address)
	if err != nil {
		return nil, err
	}

	if projectID != "" && floating.ProjectID != projectID {
		return nil, errors.NotAuthorized(fmt.Sprintf("floating ip %s belongs to another project", address))
	}

	return floating, nil
}

// prefix converts a CIDR flag to netip form.
func prefix(flag flags.CIDRFlag) (netip.Prefix, error) {
	if flag.Network == nil {
		return netip.Prefix{}, errors.InvalidParameterValue("no network range configured")
	}

	parsed, err := netip.ParsePrefix(flag.Network.String())
	if err != nil {
		return netip.Prefix{}, err
	}

	return parsed, nil
}

// subnetBits converts a subnet size to a prefix length.
func subnetBits(size int64) (int, error) {
	if size < 4 || size&(size-1) != 0 {
		return 0, errors.InvalidParameterValue(fmt.Sprintf("network size %d is not a power of two", size))
	}

	bits := 32

	for s := int64(1); s < size; s <<= 1 {
		bits--
	}

	return bits, nil
}

// nthSubnet returns the nth size-aligned subnet within the parent.
func nthSubnet(parent netip.Prefix, bits int, n int64) (netip.Prefix, error) {
	size := int64(1) << (32 - bits)

	address := addOffset(parent.Addr(), uint32(n*size))

	subnet := netip.PrefixFrom(address, bits)

	if !parent.Contains(address) || !parent.Contains(addOffset(address, uint32(size-1))) {
		return netip.Prefix{}, errors.NoMoreAddresses(fmt.Sprintf("fixed range %s exhausted at network %d", parent, n))
	}

	return subnet, nil
}

// nthSubnetV6 returns the nth /64 within the parent.
func nthSubnetV6(parent netip.Prefix, n uint64) netip.Prefix {
	raw := parent.Addr().As16()

	high := binary.BigEndian.Uint64(raw[:8]) + n
	binary.BigEndian.PutUint64(raw[:8], high)

	return netip.PrefixFrom(netip.AddrFrom16(raw), 64)
}

func addOffset(address netip.Addr, offset uint32) netip.Addr {
	raw := address.As4()

	value := binary.BigEndian.Uint32(raw[:]) + offset
	binary.BigEndian.PutUint32(raw[:], value)

	return netip.AddrFrom4(raw)
}

func addOffsetV6(address netip.Addr, offset uint64) netip.Addr {
	raw := address.As16()

	value := binary.BigEndian.Uint64(raw[8:]) + offset
	binary.BigEndian.PutUint64(raw[8:], value)

	return netip.AddrFrom16(raw)
}

func netmask(bits int) string {
	return net.IP(net.CIDRMask(bits, 32)).String()
}
