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

package firewall_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eschercloudai/stratus/pkg/firewall"
)

// testInstance carries one address and a group with the classic three
// rules: all ICMP, ICMP echo request, and a TCP port range.
func testInstance() firewall.Instance {
	return firewall.Instance{
		ID:          1,
		AddressesV4: []string{"10.11.12.13"},
		Groups: []firewall.Group{
			{
				ID: 11,
				Rules: []firewall.Rule{
					{Protocol: "icmp", FromPort: -1, ToPort: -1, CIDR: "192.168.11.0/24"},
					{Protocol: "icmp", FromPort: 8, ToPort: -1, CIDR: "192.168.11.0/24"},
					{Protocol: "tcp", FromPort: 80, ToPort: 81, CIDR: "192.168.10.0/24"},
				},
			},
		},
	}
}

// TestCompileStaticFilters checks the classic single instance layout: the
// local chain binds the address to the instance chain, which evaluates
// provider rules, then the group, then drops.
func TestCompileStaticFilters(t *testing.T) {
	t.Parallel()

	v4, v6 := firewall.New(false).Compile([]firewall.Instance{testInstance()}, nil)

	instanceChain := firewall.InstanceChain(1)
	groupChain := firewall.GroupChain(11)

	assert.Equal(t, "stratus-inst-i-00000001", instanceChain)
	assert.Equal(t, "stratus-sg-0000000b", groupChain)

	assert.Contains(t, v4.Chains(), firewall.ChainLocal)
	assert.Contains(t, v4.Chains(), firewall.ChainProvider)
	assert.Contains(t, v4.Chains(), firewall.ChainFallback)
	assert.Contains(t, v4.Chains(), instanceChain)
	assert.Contains(t, v4.Chains(), groupChain)

	assert.Equal(t, []string{"-d 10.11.12.13 -j " + instanceChain}, v4.Rules(firewall.ChainLocal))

	assert.Equal(t, []string{
		"-j " + firewall.ChainProvider,
		"-j " + groupChain,
		"-j " + firewall.ChainFallback,
	}, v4.Rules(instanceChain))

	assert.Equal(t, []string{
		"-p icmp -s 192.168.11.0/24 -j ACCEPT",
		"-p icmp -s 192.168.11.0/24 -m icmp --icmp-type 8 -j ACCEPT",
		"-p tcp -s 192.168.10.0/24 -m multiport --dports 80:81 -j ACCEPT",
	}, v4.Rules(groupChain))

	assert.Equal(t, []string{"-j DROP"}, v4.Rules(firewall.ChainFallback))

	assert.Empty(t, v6.Chains())
}

// TestCompileSinglePort checks an equal port range uses a plain dport
// match.
func TestCompileSinglePort(t *testing.T) {
	t.Parallel()

	instance := firewall.Instance{
		ID: 1,
		Groups: []firewall.Group{
			{ID: 11, Rules: []firewall.Rule{{Protocol: "tcp", FromPort: 22, ToPort: 22, CIDR: "0.0.0.0/0"}}},
		},
	}

	v4, _ := firewall.New(false).Compile([]firewall.Instance{instance}, nil)

	assert.Equal(t, []string{"-p tcp -s 0.0.0.0/0 --dport 22 -j ACCEPT"}, v4.Rules(firewall.GroupChain(11)))
}

// TestCompileDeterministic checks the same graph always compiles to byte
// identical text.
func TestCompileDeterministic(t *testing.T) {
	t.Parallel()

	instances := []firewall.Instance{testInstance()}
	provider := []firewall.Rule{{Protocol: "tcp", FromPort: 1, ToPort: 65535, CIDR: "10.99.99.99/32"}}

	compiler := firewall.New(true)

	firstV4, firstV6 := compiler.Compile(instances, provider)
	secondV4, secondV6 := compiler.Compile(instances, provider)

	assert.Equal(t, firstV4.Render(), secondV4.Render())
	assert.Equal(t, firstV6.Render(), secondV6.Render())
}

// TestCompileLinearScaling checks binding rules scale linearly with the
// instance's networks: two v4 and three v6 addresses per network.
func TestCompileLinearScaling(t *testing.T) {
	t.Parallel()

	const networks = 5

	instance := firewall.Instance{ID: 1}

	for i := 0; i < networks; i++ {
		instance.AddressesV4 = append(instance.AddressesV4, "10.0.0.1", "10.0.0.2")
		instance.AddressesV6 = append(instance.AddressesV6, "fd00::1", "fd00::2", "fd00::3")
	}

	v4, v6 := firewall.New(true).Compile([]firewall.Instance{instance}, nil)

	assert.Len(t, v4.Rules(firewall.ChainLocal), 2*networks)
	assert.Len(t, v6.Rules(firewall.ChainLocal), 3*networks)
}

// TestCompileIPv6 checks v6 rules land in the v6 table with the icmpv6
// renaming.
func TestCompileIPv6(t *testing.T) {
	t.Parallel()

	instance := firewall.Instance{
		ID:          1,
		AddressesV4: []string{"10.0.0.5"},
		AddressesV6: []string{"fd00:0:0:1:16:3eff:feaa:bbcc"},
		Groups: []firewall.Group{
			{
				ID: 11,
				Rules: []firewall.Rule{
					{Protocol: "icmp", FromPort: -1, ToPort: -1, CIDR: "fd00::/48"},
					{Protocol: "icmp", FromPort: 128, ToPort: -1, CIDR: "fd00::/48"},
					{Protocol: "tcp", FromPort: 80, ToPort: 81, CIDR: "192.168.10.0/24"},
				},
			},
		},
	}

	v4, v6 := firewall.New(true).Compile([]firewall.Instance{instance}, nil)

	chain := firewall.InstanceChain(1)
	groupChain := firewall.GroupChain(11)

	assert.Equal(t, []string{"-d 10.0.0.5 -j " + chain}, v4.Rules(firewall.ChainLocal))
	assert.Equal(t, []string{"-d fd00:0:0:1:16:3eff:feaa:bbcc -j " + chain}, v6.Rules(firewall.ChainLocal))

	assert.Equal(t, []string{
		"-p icmpv6 -s fd00::/48 -j ACCEPT",
		"-p icmpv6 -s fd00::/48 -m icmp6 --icmpv6-type 128 -j ACCEPT",
	}, v6.Rules(groupChain))

	assert.Equal(t, []string{
		"-p tcp -s 192.168.10.0/24 -m multiport --dports 80:81 -j ACCEPT",
	}, v4.Rules(groupChain))
}

// TestCompileIPv6Disabled checks v6 sources vanish entirely when disabled.
func TestCompileIPv6Disabled(t *testing.T) {
	t.Parallel()

	instance := firewall.Instance{
		ID:          1,
		AddressesV4: []string{"10.0.0.5"},
		AddressesV6: []string{"fd00::5"},
		Groups: []firewall.Group{
			{
				ID: 11,
				Rules: []firewall.Rule{
					{Protocol: "tcp", FromPort: 80, ToPort: 81, CIDR: "fd00::/48"},
					{Protocol: "tcp", FromPort: 80, ToPort: 81, CIDR: "192.168.10.0/24"},
				},
			},
		},
	}

	v4, v6 := firewall.New(false).Compile([]firewall.Instance{instance}, nil)

	assert.Empty(t, v6.Chains())
	assert.Equal(t, []string{
		"-p tcp -s 192.168.10.0/24 -m multiport --dports 80:81 -j ACCEPT",
	}, v4.Rules(firewall.GroupChain(11)))
}

// TestCompileSourceGroupExpansion checks a group source becomes one rule
// per member address with a host mask.
func TestCompileSourceGroupExpansion(t *testing.T) {
	t.Parallel()

	instance := firewall.Instance{
		ID: 1,
		Groups: []firewall.Group{
			{
				ID: 11,
				Rules: []firewall.Rule{
					{Protocol: "tcp", FromPort: 22, ToPort: 22, SourceMembers: []string{"10.0.0.5", "10.0.0.6", "fd00::7"}},
				},
			},
		},
	}

	v4, v6 := firewall.New(true).Compile([]firewall.Instance{instance}, nil)

	assert.Equal(t, []string{
		"-p tcp -s 10.0.0.5/32 --dport 22 -j ACCEPT",
		"-p tcp -s 10.0.0.6/32 --dport 22 -j ACCEPT",
	}, v4.Rules(firewall.GroupChain(11)))

	assert.Equal(t, []string{
		"-p tcp -s fd00::7/128 --dport 22 -j ACCEPT",
	}, v6.Rules(firewall.GroupChain(11)))
}

// TestCompileProviderRules checks platform rules compile into their own
// chain and every instance jumps to it exactly once, first.
func TestCompileProviderRules(t *testing.T) {
	t.Parallel()

	provider := []firewall.Rule{
		{Protocol: "tcp", FromPort: 1, ToPort: 65535, CIDR: "10.99.99.99/32"},
		{Protocol: "udp", FromPort: 1, ToPort: 65535, CIDR: "10.99.99.99/32"},
	}

	instances := []firewall.Instance{testInstance()}

	v4, _ := firewall.New(false).Compile(instances, provider)

	assert.Equal(t, []string{
		"-p tcp -s 10.99.99.99/32 -m multiport --dports 1:65535 -j ACCEPT",
		"-p udp -s 10.99.99.99/32 -m multiport --dports 1:65535 -j ACCEPT",
	}, v4.Rules(firewall.ChainProvider))

	rules := v4.Rules(firewall.InstanceChain(1))
	require.NotEmpty(t, rules)
	assert.Equal(t, "-j "+firewall.ChainProvider, rules[0])

	jumps := 0

	for _, rule := range rules {
		if strings.Contains(rule, firewall.ChainProvider) {
			jumps++
		}
	}

	assert.Equal(t, 1, jumps)
}

// TestCompileSharedGroup checks a group bound to two instances compiles
// its chain once while both instances jump to it.
func TestCompileSharedGroup(t *testing.T) {
	t.Parallel()

	group := firewall.Group{
		ID:    11,
		Rules: []firewall.Rule{{Protocol: "tcp", FromPort: 80, ToPort: 81, CIDR: "0.0.0.0/0"}},
	}

	instances := []firewall.Instance{
		{ID: 1, AddressesV4: []string{"10.0.0.5"}, Groups: []firewall.Group{group}},
		{ID: 2, AddressesV4: []string{"10.0.0.6"}, Groups: []firewall.Group{group}},
	}

	v4, _ := firewall.New(false).Compile(instances, nil)

	assert.Len(t, v4.Rules(firewall.GroupChain(11)), 1)
	assert.Contains(t, v4.Rules(firewall.InstanceChain(1)), "-j "+firewall.GroupChain(11))
	assert.Contains(t, v4.Rules(firewall.InstanceChain(2)), "-j "+firewall.GroupChain(11))
}

// TestCompileJumpTargetsExist checks every jump in the compiled set lands
// on a declared chain or a terminal verdict.
func TestCompileJumpTargetsExist(t *testing.T) {
	t.Parallel()

	group := firewall.Group{
		ID:    11,
		Rules: []firewall.Rule{{Protocol: "tcp", FromPort: 80, ToPort: 81, CIDR: "0.0.0.0/0"}},
	}

	instances := []firewall.Instance{
		{ID: 1, AddressesV4: []string{"10.0.0.5"}, Groups: []firewall.Group{group}},
		{ID: 2, AddressesV4: []string{"10.0.0.6"}, Groups: []firewall.Group{group, {ID: 12}}},
	}

	provider := []firewall.Rule{{Protocol: "tcp", FromPort: 1, ToPort: 65535, CIDR: "10.99.99.99/32"}}

	v4, _ := firewall.New(false).Compile(instances, provider)

	declared := map[string]bool{"ACCEPT": true, "DROP": true}

	for _, chain := range v4.Chains() {
		declared[chain] = true
	}

	for _, chain := range v4.Chains() {
		for _, rule := range v4.Rules(chain) {
			fields := strings.Fields(rule)

			for i, field := range fields {
				if field == "-j" {
					require.Less(t, i+1, len(fields))
					assert.True(t, declared[fields[i+1]], "jump to undeclared chain %s", fields[i+1])
				}
			}
		}
	}
}

// TestRender checks the restore fragment shape.
func TestRender(t *testing.T) {
	t.Parallel()

	v4, _ := firewall.New(false).Compile([]firewall.Instance{testInstance()}, nil)

	text := v4.Render()

	lines := strings.Split(text, "\n")
	require.Greater(t, len(lines), 4)

	assert.Equal(t, "*filter", lines[0])
	assert.Equal(t, ":"+firewall.ChainLocal+" - [0:0]", lines[1])
	assert.Equal(t, "COMMIT", lines[len(lines)-2])
	assert.Equal(t, "", lines[len(lines)-1])
	assert.Contains(t, text, "-A "+firewall.ChainFallback+" -j DROP")
}

// TestMerge checks splicing into a saved dump replaces owned chains and
// preserves everything else, including foreign jumps into our chains.
func TestMerge(t *testing.T) {
	t.Parallel()

	saved := strings.Join([]string{
		"# Generated by iptables-save v1.4.10",
		"*filter",
		":INPUT ACCEPT [969615:281627771]",
		":FORWARD ACCEPT [0:0]",
		":OUTPUT ACCEPT [915599:63811649]",
		":stratus-sg-fallback - [0:0]",
		":stratus-inst-i-0000002a - [0:0]",
		"-A INPUT -i virbr0 -p udp -m udp --dport 53 -j ACCEPT",
		"-A FORWARD -j stratus-local",
		"-A stratus-sg-fallback -j DROP",
		"-A stratus-inst-i-0000002a -j stratus-sg-fallback",
		"COMMIT",
		"# Completed",
	}, "\n")

	v4, _ := firewall.New(false).Compile([]firewall.Instance{testInstance()}, nil)

	merged := firewall.Merge(saved, v4)
	lines := strings.Split(merged, "\n")

	assert.Equal(t, "*filter", lines[0])
	assert.Equal(t, "COMMIT", lines[len(lines)-2])

	// Foreign state survives verbatim.
	assert.Contains(t, lines, ":INPUT ACCEPT [969615:281627771]")
	assert.Contains(t, lines, "-A INPUT -i virbr0 -p udp -m udp --dport 53 -j ACCEPT")
	assert.Contains(t, lines, "-A FORWARD -j stratus-local")

	// The terminated instance's chain is gone, the live one is present.
	assert.NotContains(t, merged, "inst-i-0000002a")
	assert.Contains(t, lines, "-A "+firewall.ChainLocal+" -d 10.11.12.13 -j "+firewall.InstanceChain(1))

	// Owned chains are replaced, not duplicated.
	assert.Equal(t, 1, strings.Count(merged, "-A "+firewall.ChainFallback+" -j DROP"))
	assert.Equal(t, 1, strings.Count(merged, ":"+firewall.ChainFallback+" - [0:0]"))

	assert.NotContains(t, merged, "#")
}
