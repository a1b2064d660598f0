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

package util

import (
	goerrors "errors"
	"fmt"
	"os"

	"github.com/eschercloudai/stratus/pkg/cmd/errors"
)

// AssertNilError terminates the command when a step fails.  Usage mistakes
// exit 2, everything else exits 1, success falls through.
func AssertNilError(err error) {
	if err == nil {
		return
	}

	fmt.Fprintf(os.Stderr, "error: %v\n", err)

	if goerrors.Is(err, errors.ErrIncorrectArgumentNum) || goerrors.Is(err, errors.ErrInvalidName) || goerrors.Is(err, errors.ErrInvalidArgument) {
		os.Exit(2)
	}

	os.Exit(1)
}
