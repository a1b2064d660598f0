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

package rpc_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/errors"
	"github.com/eschercloudai/stratus/pkg/rpc"
)

func testOptions() *rpc.Options {
	return &rpc.Options{
		CallTimeout: 5 * time.Second,
	}
}

func start(t *testing.T, client *rpc.Client, server *rpc.Server) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	t.Cleanup(cancel)

	if server != nil {
		//nolint:errcheck
		go server.Run(ctx)
	}

	if client != nil {
		//nolint:errcheck
		go client.Run(ctx)
	}
}

// TestQueue checks destination naming for topic and direct addressing.
func TestQueue(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "compute", rpc.Queue("compute", ""))
	assert.Equal(t, "compute.node1", rpc.Queue("compute", "node1"))
}

// TestCallRoundTrip checks a call reaches the handler with the caller's
// identity attached and the result finds its way back.
func TestCallRoundTrip(t *testing.T) {
	t.Parallel()

	transport := rpc.NewInproc()

	server := rpc.NewServer(transport, "compute", "node1")
	server.Register("ping", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		credentials := auth.FromContext(ctx)

		return map[string]interface{}{
			"pong":    args["value"],
			"project": credentials.ProjectID,
		}, nil
	})

	client := rpc.NewClient(transport, testOptions())

	start(t, client, server)

	ctx := auth.NewContext(context.Background(), auth.NewCredentials("user", "proj", false, nil))

	result, err := client.Call(ctx, rpc.Queue("compute", "node1"), "ping", map[string]interface{}{"value": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", result["pong"])
	assert.Equal(t, "proj", result["project"])
}

// TestCallRemoteFailure checks handler errors surface to the caller as
// remote errors.
func TestCallRemoteFailure(t *testing.T) {
	t.Parallel()

	transport := rpc.NewInproc()

	server := rpc.NewServer(transport, "volume", "")
	server.Register("explode", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.ServiceUnavailable("driver offline")
	})

	client := rpc.NewClient(transport, testOptions())

	start(t, client, server)

	_, err := client.Call(context.Background(), "volume", "explode", nil)
	require.ErrorIs(t, err, rpc.ErrRemote)
	assert.Contains(t, err.Error(), "driver offline")
}

// TestCallUnknownMethod checks an unroutable call fails rather than hanging
// until the timeout.
func TestCallUnknownMethod(t *testing.T) {
	t.Parallel()

	transport := rpc.NewInproc()

	server := rpc.NewServer(transport, "compute", "")

	client := rpc.NewClient(transport, testOptions())

	start(t, client, server)

	_, err := client.Call(context.Background(), "compute", "no_such_method", nil)
	require.ErrorIs(t, err, rpc.ErrRemote)
	assert.Contains(t, err.Error(), "no_such_method")
}

// TestCallTimeout checks an unanswered call fails as retryable after the
// deadline.
func TestCallTimeout(t *testing.T) {
	t.Parallel()

	transport := rpc.NewInproc()

	client := rpc.NewClient(transport, &rpc.Options{CallTimeout: 50 * time.Millisecond})

	start(t, client, nil)

	_, err := client.Call(context.Background(), "compute", "ping", nil)
	require.ErrorIs(t, err, errors.ErrRPCTimeout)
}

// TestCastOrdering checks messages to one topic.host destination arrive in
// producer order.
func TestCastOrdering(t *testing.T) {
	t.Parallel()

	transport := rpc.NewInproc()

	var mutex sync.Mutex

	var seen []int

	server := rpc.NewServer(transport, "compute", "node1")
	server.Register("sequence", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		mutex.Lock()
		defer mutex.Unlock()

		// JSON numbers decode as float64.
		seen = append(seen, int(args["n"].(float64)))

		return nil, nil
	})

	client := rpc.NewClient(transport, testOptions())

	start(t, client, server)

	const count = 100

	for i := 0; i < count; i++ {
		require.NoError(t, client.Cast(context.Background(), rpc.Queue("compute", "node1"), "sequence", map[string]interface{}{"n": i}))
	}

	require.Eventually(t, func() bool {
		mutex.Lock()
		defer mutex.Unlock()

		return len(seen) == count
	}, 5*time.Second, 10*time.Millisecond)

	mutex.Lock()
	defer mutex.Unlock()

	for i := 0; i < count; i++ {
		assert.Equal(t, i, seen[i])
	}
}

// TestRedisTransport checks the list based transport delivers FIFO per
// queue.
func TestRedisTransport(t *testing.T) {
	t.Parallel()

	server := miniredis.RunT(t)

	transport := rpc.NewRedis(redis.NewClient(&redis.Options{Addr: server.Addr()}))

	ctx := context.Background()

	require.NoError(t, transport.Send(ctx, "compute", []byte("one")))
	require.NoError(t, transport.Send(ctx, "compute", []byte("two")))
	require.NoError(t, transport.Send(ctx, "compute", []byte("three")))

	for _, expected := range []string{"one", "two", "three"} {
		payload, err := transport.Receive(ctx, "compute")
		require.NoError(t, err)
		assert.Equal(t, expected, string(payload))
	}
}

// TestRedisCallRoundTrip checks call works end to end over the production
// transport.
func TestRedisCallRoundTrip(t *testing.T) {
	t.Parallel()

	redisServer := miniredis.RunT(t)

	transport := rpc.NewRedis(redis.NewClient(&redis.Options{Addr: redisServer.Addr()}))

	server := rpc.NewServer(transport, "network", "")
	server.Register("ping", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"pong": true}, nil
	})

	client := rpc.NewClient(transport, testOptions())

	start(t, client, server)

	result, err := client.Call(context.Background(), "network", "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, true, result["pong"])
}
