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

package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/eschercloudai/stratus/pkg/util/retry"
)

var errFlaky = errors.New("flaky")

// TestRetrySucceeds ensures the loop exits once the callback returns nil.
func TestRetrySucceeds(t *testing.T) {
	t.Parallel()

	attempts := 0

	callback := func() error {
		attempts++

		if attempts < 3 {
			return errFlaky
		}

		return nil
	}

	assert.NoError(t, retry.Forever().WithPeriod(time.Millisecond).Do(callback))
	assert.Equal(t, 3, attempts)
}

// TestRetryImmediate ensures an immediate retrier doesn't wait out a period
// when the first attempt succeeds.
func TestRetryImmediate(t *testing.T) {
	t.Parallel()

	start := time.Now()

	callback := func() error {
		return nil
	}

	assert.NoError(t, retry.Forever().WithPeriod(time.Minute).Immediate().Do(callback))
	assert.Less(t, time.Since(start), time.Second)
}

// TestRetryTimeout ensures expiry reports both the deadline and the last
// callback error.
func TestRetryTimeout(t *testing.T) {
	t.Parallel()

	callback := func() error {
		return errFlaky
	}

	err := retry.WithTimeout(50 * time.Millisecond).WithPeriod(10 * time.Millisecond).Do(callback)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, errFlaky)
}

// TestRetryCancel ensures cancelling the parent context stops the loop.
func TestRetryCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := retry.WithContext(ctx).WithPeriod(time.Millisecond).Do(func() error { return errFlaky })

	assert.ErrorIs(t, err, context.Canceled)
}
