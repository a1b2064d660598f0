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
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	ini "gopkg.in/ini.v1"
)

// ApplyConfigFile loads a flat key/value configuration file and applies its
// values as defaults for any flag not explicitly set on the command line.
// Keys use underscores, e.g. "vlan_start", and map to the flag of the same
// name with dashes.  An empty path is a no-op so daemons run happily without
// a configuration file at all.
func ApplyConfigFile(flagset *pflag.FlagSet, path string) error {
	if path == "" {
		return nil
	}

	file, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrParseFlag, err.Error())
	}

	for _, key := range file.Section(ini.DefaultSection).Keys() {
		name := strings.ReplaceAll(key.Name(), "_", "-")

		flag := flagset.Lookup(name)
		if flag == nil {
			return fmt.Errorf("%w: unknown configuration key %s", ErrParseFlag, key.Name())
		}

		if flag.Changed {
			continue
		}

		if err := flagset.Set(name, key.Value()); err != nil {
			return err
		}
	}

	return nil
}

// ConfigFileFlags registers the --config flag on a flag set and returns a
// pointer to its value.
func ConfigFileFlags(flagset *pflag.FlagSet) *string {
	return flagset.String("config", "", "Flat key/value configuration file applied as flag defaults.")
}
