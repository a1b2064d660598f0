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

package rpc

import (
	"context"
	goerrors "errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTransport queues messages through Redis lists.  LPUSH plus BRPOP
// gives FIFO per queue, which is where the producer order guarantee comes
// from.
type RedisTransport struct {
	client *redis.Client
}

var _ Transport = &RedisTransport{}

// NewRedis creates a transport over an existing Redis client.
func NewRedis(client *redis.Client) *RedisTransport {
	return &RedisTransport{
		client: client,
	}
}

// Send enqueues a payload.
func (t *RedisTransport) Send(ctx context.Context, queue string, payload []byte) error {
	return t.client.LPush(ctx, queue, payload).Err()
}

// Receive dequeues the next payload.  The pop blocks in short intervals so
// cancellation is honored promptly even when the broker is idle.
func (t *RedisTransport) Receive(ctx context.Context, queue string) ([]byte, error) {
	for {
		result, err := t.client.BRPop(ctx, time.Second, queue).Result()
		if err != nil {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			if goerrors.Is(err, redis.Nil) {
				continue
			}

			return nil, err
		}

		return []byte(result[1]), nil
	}
}
