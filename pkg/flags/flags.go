/*
Copyright 2022-2023 EscherCloud.

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

package flags

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/spf13/pflag"
)

var (
	// ErrParseFlag is raised when flag parsing fails.
	ErrParseFlag = errors.New("flag was unable to be parsed")
)

// CIDRFlag provides parsing and type checking of IP networks.
type CIDRFlag struct {
	Network *net.IPNet
}

// Ensure the pflag.Value interface is implemented.
var _ = pflag.Value(&CIDRFlag{})

// String returns the current value.
func (s CIDRFlag) String() string {
	if s.Network == nil {
		return ""
	}

	return s.Network.String()
}

// Set sets the value and does any error checking.
func (s *CIDRFlag) Set(in string) error {
	_, n, err := net.ParseCIDR(in)
	if err != nil {
		return err
	}

	s.Network = n

	return nil
}

// Type returns the human readable type information.
func (s CIDRFlag) Type() string {
	return "cidr"
}

// IPFlag provides parsing and type checking of IP addresses.
type IPFlag struct {
	IP net.IP
}

// Ensure the pflag.Value interface is implemented.
var _ = pflag.Value(&IPFlag{})

// String returns the current value.
func (s IPFlag) String() string {
	if s.IP == nil {
		return ""
	}

	return s.IP.String()
}

// Set sets the value and does any error checking.
func (s *IPFlag) Set(in string) error {
	ip := net.ParseIP(in)
	if ip == nil {
		return fmt.Errorf("%w: flag must be an IP address", ErrParseFlag)
	}

	s.IP = ip

	return nil
}

// Type returns the human readable type information.
func (s IPFlag) Type() string {
	return "ip"
}

// StringMapFlag provides a flag that accumulates k/v string pairs.
type StringMapFlag struct {
	Map map[string]string
}

// Ensure the pflag.Value interface is implemented.
var _ = pflag.Value(&StringMapFlag{})

// String returns the current value.
func (s StringMapFlag) String() string {
	//nolint:prealloc
	var pairs []string

	for k, v := range s.Map {
		pairs = append(pairs, fmt.Sprintf("%s=%s", k, v))
	}

	return strings.Join(pairs, ",")
}

// Set sets the value and does any error checking.  The value may itself
// contain = characters, LDAP DNs for example, so only the first one splits.
func (s *StringMapFlag) Set(in string) error {
	parts := strings.SplitN(in, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("%w: flag requires key=value format", ErrParseFlag)
	}

	if s.Map == nil {
		s.Map = map[string]string{}
	}

	s.Map[parts[0]] = parts[1]

	return nil
}

// Type returns the human readable type information.
func (s StringMapFlag) Type() string {
	return "pair"
}
