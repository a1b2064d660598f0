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

package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/eschercloudai/stratus/pkg/db"
	"github.com/eschercloudai/stratus/pkg/errors"
)

// Params is the flattened view of a query API request, the first value
// per key.  The query protocol encodes lists as Key.1, Key.2 and so on,
// and nested structures with dotted names, so all access goes through
// the typed accessors below.
type Params map[string]string

// requestParams extracts parameters from the query string and, for POST
// requests, the form encoded body.
func requestParams(r *http.Request) (Params, error) {
	if err := r.ParseForm(); err != nil {
		return nil, errors.InvalidParameterValue("request body is malformed").WithError(err)
	}

	params := make(Params, len(r.Form))

	for key, values := range r.Form {
		if len(values) == 0 {
			continue
		}

		params[key] = values[0]
	}

	return params, nil
}

// Get returns the named parameter, or the empty string when absent.
func (p Params) Get(key string) string {
	return p[key]
}

// Int returns the named parameter as an integer, or the fallback when
// the parameter is absent.
func (p Params) Int(key string, fallback int) (int, error) {
	raw, ok := p[key]
	if !ok || raw == "" {
		return fallback, nil
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.InvalidParameterValue(fmt.Sprintf("%s is not an integer", key)).WithError(err)
	}

	return value, nil
}

// Bool returns the named parameter as a boolean, absent meaning false.
func (p Params) Bool(key string) bool {
	switch strings.ToLower(p[key]) {
	case "true", "1":
		return true
	default:
		return false
	}
}

// List collects a numbered parameter list, e.g. InstanceId.1,
// InstanceId.2.  Numbering starts at 1 and stops at the first gap.  A
// bare parameter of the same name yields a single element list.
func (p Params) List(key string) []string {
	if value, ok := p[key]; ok {
		return []string{value}
	}

	var values []string

	for i := 1; ; i++ {
		value, ok := p[fmt.Sprintf("%s.%d", key, i)]
		if !ok {
			break
		}

		values = append(values, value)
	}

	return values
}

// ID returns the named parameter parsed as a required EC2 identifier.
func (p Params) ID(key string) (int64, error) {
	raw := p[key]
	if raw == "" {
		return 0, errors.InvalidParameterValue(fmt.Sprintf("%s is required", key))
	}

	return db.ParseEC2ID(raw)
}

// IDs returns a numbered parameter list parsed as EC2 identifiers.
func (p Params) IDs(key string) ([]int64, error) {
	raw := p.List(key)

	ids := make([]int64, len(raw))

	for i, value := range raw {
		id, err := db.ParseEC2ID(value)
		if err != nil {
			return nil, err
		}

		ids[i] = id
	}

	return ids, nil
}

// hasPrefix tells whether any parameter starts with the given prefix,
// used to find the end of a numbered structure list.
func (p Params) hasPrefix(prefix string) bool {
	for key := range p {
		if strings.HasPrefix(key, prefix) {
			return true
		}
	}

	return false
}
