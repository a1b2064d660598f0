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

// Package firewall compiles security groups into packet filter rules.
//
// The compiler is pure text.  Inputs are materialized snapshots of the
// security group graph, outputs are iptables-restore fragments covering
// only the chains this package owns, marked by the name prefix.  Applying
// is the host's business: it splices the compiled chains into its saved
// rule set with Merge and restores the result in one operation, leaving
// every foreign rule alone.
//
// Identical inputs compile to byte identical output, so a refresh that
// changed nothing is detectable by comparing text.
package firewall

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/eschercloudai/stratus/pkg/db"
)

const (
	// Prefix marks every chain this package owns.
	Prefix = "stratus-"

	// ChainLocal routes instance bound traffic into per instance chains.
	// The host wires it into its built-in chains once at startup.
	ChainLocal = Prefix + "local"

	// ChainProvider holds platform wide rules, evaluated before any
	// security group.
	ChainProvider = Prefix + "provider"

	// ChainFallback drops whatever no group accepted.
	ChainFallback = Prefix + "sg-fallback"
)

// InstanceChain names an instance's chain after its EC2 identifier.
func InstanceChain(instanceID int64) string {
	return Prefix + "inst-" + db.EC2ID("i", instanceID)
}

// GroupChain names a security group's chain.
func GroupChain(groupID int64) string {
	return Prefix + db.EC2ID("sg", groupID)
}

// Rule is one ingress permission.  The source is either a CIDR or the
// member addresses of another group, expanded before compilation.  Ports
// follow the EC2 convention: for tcp/udp a dport range, for icmp FromPort
// is the type and ToPort the code, -1 meaning any.
type Rule struct {
	Protocol      string
	FromPort      int
	ToPort        int
	CIDR          string
	SourceMembers []string
}

// Group is a security group and its rules.
type Group struct {
	ID    int64
	Rules []Rule
}

// Instance is the compile input for one instance: its addresses and the
// groups it is bound to.
type Instance struct {
	ID          int64
	AddressesV4 []string
	AddressesV6 []string
	Groups      []Group
}

// Table is an ordered chain set.  Chains keep creation order and rules
// keep append order, which is what makes compilation deterministic.
type Table struct {
	chains []string
	rules  map[string][]string
}

// NewTable creates an empty chain set.
func NewTable() *Table {
	return &Table{
		rules: map[string][]string{},
	}
}

// AddChain declares a chain.  Declaring twice is a no-op.
func (t *Table) AddChain(name string) {
	if _, ok := t.rules[name]; ok {
		return
	}

	t.chains = append(t.chains, name)
	t.rules[name] = []string{}
}

// AddRule appends a rule to a chain, declaring the chain as needed.
func (t *Table) AddRule(chain, spec string) {
	t.AddChain(chain)

	t.rules[chain] = append(t.rules[chain], spec)
}

// Chains returns the chain names in declaration order.
func (t *Table) Chains() []string {
	return t.chains
}

// Rules returns a chain's rules in append order.
func (t *Table) Rules(chain string) []string {
	return t.rules[chain]
}

// Render emits the table as a standalone iptables-restore fragment.
func (t *Table) Render() string {
	lines := make([]string, 0, len(t.chains)*2+2)

	lines = append(lines, "*filter")

	for _, chain := range t.chains {
		lines = append(lines, fmt.Sprintf(":%s - [0:0]", chain))
	}

	for _, chain := range t.chains {
		for _, spec := range t.rules[chain] {
			lines = append(lines, fmt.Sprintf("-A %s %s", chain, spec))
		}
	}

	lines = append(lines, "COMMIT", "")

	return strings.Join(lines, "\n")
}

// Merge splices the table into an iptables-save filter dump, replacing
// every owned chain and preserving everything else, foreign jumps into our
// chains included.  The result is iptables-restore input.
func Merge(saved string, table *Table) string {
	var declarations, rules []string

	for _, line := range strings.Split(saved, "\n") {
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "" || trimmed == "COMMIT":
		case strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "*"):
		case strings.HasPrefix(trimmed, ":"):
			if !strings.HasPrefix(trimmed, ":"+Prefix) {
				declarations = append(declarations, line)
			}
		default:
			if !strings.HasPrefix(trimmed, "-A "+Prefix) {
				rules = append(rules, line)
			}
		}
	}

	lines := make([]string, 0, len(declarations)+len(rules)+len(table.chains)*2+2)

	lines = append(lines, "*filter")
	lines = append(lines, declarations...)

	for _, chain := range table.chains {
		lines = append(lines, fmt.Sprintf(":%s - [0:0]", chain))
	}

	lines = append(lines, rules...)

	for _, chain := range table.chains {
		for _, spec := range table.rules[chain] {
			lines = append(lines, fmt.Sprintf("-A %s %s", chain, spec))
		}
	}

	lines = append(lines, "COMMIT", "")

	return strings.Join(lines, "\n")
}

// Compiler builds the desired chain sets for a host.
type Compiler struct {
	useIPv6 bool
}

// New creates a compiler.  Without useIPv6 the v6 table compiles empty.
func New(useIPv6 bool) *Compiler {
	return &Compiler{
		useIPv6: useIPv6,
	}
}

// Compile turns the instances on a host and the platform rules into the
// desired v4 and v6 chain sets.  Evaluation order per instance: provider
// rules first, then each bound group, then the fallback drop.
func (c *Compiler) Compile(instances []Instance, provider []Rule) (*Table, *Table) {
	v4 := NewTable()
	v6 := NewTable()

	tables := []*Table{v4}

	if c.useIPv6 {
		tables = append(tables, v6)
	}

	for _, table := range tables {
		table.AddChain(ChainLocal)
		table.AddChain(ChainProvider)
		table.AddChain(ChainFallback)
		table.AddRule(ChainFallback, "-j DROP")
	}

	for _, rule := range provider {
		c.compileRule(v4, v6, ChainProvider, rule)
	}

	// Group chains are shared between instances, compiled on first sight.
	compiled := map[int64]bool{}

	for _, instance := range instances {
		chain := InstanceChain(instance.ID)

		for _, table := range tables {
			table.AddChain(chain)
			table.AddRule(chain, "-j "+ChainProvider)
		}

		for _, address := range instance.AddressesV4 {
			v4.AddRule(ChainLocal, fmt.Sprintf("-d %s -j %s", address, chain))
		}

		if c.useIPv6 {
			for _, address := range instance.AddressesV6 {
				v6.AddRule(ChainLocal, fmt.Sprintf("-d %s -j %s", address, chain))
			}
		}

		for _, group := range instance.Groups {
			for _, table := range tables {
				table.AddRule(chain, "-j "+GroupChain(group.ID))
			}

			if compiled[group.ID] {
				continue
			}

			compiled[group.ID] = true

			for _, table := range tables {
				table.AddChain(GroupChain(group.ID))
			}

			for _, rule := range group.Rules {
				c.compileRule(v4, v6, GroupChain(group.ID), rule)
			}
		}

		for _, table := range tables {
			table.AddRule(chain, "-j "+ChainFallback)
		}
	}

	return v4, v6
}

// compileRule renders one permission into the owning table, one line per
// source.  A v6 source lands in the v6 table, which may be disabled.
func (c *Compiler) compileRule(v4, v6 *Table, chain string, rule Rule) {
	sources := rule.SourceMembers

	if rule.CIDR != "" {
		sources = []string{rule.CIDR}
	}

	for _, source := range sources {
		version := addressVersion(source)

		table := v4

		if version == 6 {
			if !c.useIPv6 {
				continue
			}

			table = v6
		}

		table.AddRule(chain, renderRule(version, rule, source))
	}
}

// renderRule produces the iptables arguments for one permission and
// source.
func renderRule(version int, rule Rule, source string) string {
	protocol := rule.Protocol

	if version == 6 && protocol == "icmp" {
		protocol = "icmpv6"
	}

	var args []string

	if protocol != "" {
		args = append(args, "-p", protocol)
	}

	args = append(args, "-s", canonicalSource(version, source))

	switch rule.Protocol {
	case "tcp", "udp":
		if rule.FromPort >= 0 {
			if rule.FromPort == rule.ToPort {
				args = append(args, "--dport", strconv.Itoa(rule.FromPort))
			} else {
				args = append(args, "-m", "multiport", "--dports", fmt.Sprintf("%d:%d", rule.FromPort, rule.ToPort))
			}
		}
	case "icmp":
		// FromPort -1 accepts every type.
		if rule.FromPort >= 0 {
			icmpType := strconv.Itoa(rule.FromPort)

			if rule.ToPort >= 0 {
				icmpType += "/" + strconv.Itoa(rule.ToPort)
			}

			if version == 4 {
				args = append(args, "-m", "icmp", "--icmp-type", icmpType)
			} else {
				args = append(args, "-m", "icmp6", "--icmpv6-type", icmpType)
			}
		}
	}

	args = append(args, "-j", "ACCEPT")

	return strings.Join(args, " ")
}

// addressVersion reports 4 or 6 for a CIDR or bare address.
func addressVersion(source string) int {
	address := source

	if prefix, err := netip.ParsePrefix(source); err == nil {
		address = prefix.Addr().String()
	}

	if parsed, err := netip.ParseAddr(address); err == nil && parsed.Is6() {
		return 6
	}

	return 4
}

// canonicalSource gives bare member addresses their host mask.
func canonicalSource(version int, source string) string {
	if strings.Contains(source, "/") {
		return source
	}

	if version == 6 {
		return source + "/128"
	}

	return source + "/32"
}
