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

// Package rpc is how control plane daemons talk to workers.  Two primitives,
// cast (fire and forget) and call (request and reply), addressed to either a
// bare topic, any consumer may take the message, or topic.host for a specific
// worker.  Delivery is at least once so workers must tolerate replays.
package rpc

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"github.com/eschercloudai/stratus/pkg/auth"
)

// Message is the envelope daemons exchange.  Args are free form JSON so
// methods can evolve without lockstep upgrades.  Context carries the caller's
// identity so authorization and logging survive the queue hop.
type Message struct {
	Method  string                 `json:"method"`
	Args    map[string]interface{} `json:"args"`
	MsgID   string                 `json:"msg_id,omitempty"`
	ReplyTo string                 `json:"reply_to,omitempty"`
	Context *auth.Credentials      `json:"context,omitempty"`
}

// Reply carries a call result back to the caller's mailbox.
type Reply struct {
	MsgID   string                 `json:"msg_id"`
	Result  map[string]interface{} `json:"result,omitempty"`
	Failure string                 `json:"failure,omitempty"`
}

// Queue derives the queue name for a destination.  Messages to one queue
// from one producer arrive in order, nothing is promised across queues.
func Queue(topic, host string) string {
	if host == "" {
		return topic
	}

	return topic + "." + host
}

// ID extracts an integer identifier from decoded args.  JSON numbers arrive
// as float64.
func ID(args map[string]interface{}, key string) (int64, error) {
	value, ok := args[key].(float64)
	if !ok {
		return 0, fmt.Errorf("%w: argument %s missing or not a number", ErrRemote, key)
	}

	return int64(value), nil
}

// String extracts a string argument.
func String(args map[string]interface{}, key string) (string, error) {
	value, ok := args[key].(string)
	if !ok {
		return "", fmt.Errorf("%w: argument %s missing or not a string", ErrRemote, key)
	}

	return value, nil
}

// Strings extracts an optional string list argument.  Absent or malformed
// lists read as empty.
func Strings(args map[string]interface{}, key string) []string {
	values, ok := args[key].([]interface{})
	if !ok {
		return nil
	}

	out := make([]string, 0, len(values))

	for _, value := range values {
		if s, ok := value.(string); ok {
			out = append(out, s)
		}
	}

	return out
}

// Transport moves opaque payloads through named queues.  Consumers on the
// same queue compete for messages.
type Transport interface {
	// Send enqueues a payload.
	Send(ctx context.Context, queue string, payload []byte) error

	// Receive dequeues the next payload, blocking until one arrives or
	// the context is cancelled.
	Receive(ctx context.Context, queue string) ([]byte, error)
}

// Options are attachable to a flag set.
type Options struct {
	// RedisAddress locates the queue broker.
	RedisAddress string

	// CallTimeout bounds how long a call waits for its reply before
	// failing as retryable.
	CallTimeout time.Duration
}

// AddFlags adds the options to the given flag set.
func (o *Options) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&o.RedisAddress, "redis-address", "localhost:6379", "Address of the Redis message broker.")
	f.DurationVar(&o.CallTimeout, "rpc-call-timeout", 30*time.Second, "How long a call waits for its reply.")
}

// Transport creates the production transport from the options.
func (o *Options) Transport() Transport {
	return NewRedis(redis.NewClient(&redis.Options{Addr: o.RedisAddress}))
}
