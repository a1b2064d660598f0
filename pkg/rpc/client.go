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
	"encoding/json"
	goerrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/eschercloudai/stratus/pkg/auth"
	"github.com/eschercloudai/stratus/pkg/errors"
)

// ErrRemote wraps a failure string handed back by the remote handler.
var ErrRemote = goerrors.New("remote handler error")

var (
	//nolint:gochecknoglobals
	castsMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratus_rpc_casts_total",
		Help: "Casts sent by queue and method.",
	}, []string{"queue", "method"})

	//nolint:gochecknoglobals
	callsMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratus_rpc_calls_total",
		Help: "Calls sent by queue and method.",
	}, []string{"queue", "method"})

	//nolint:gochecknoglobals
	callTimeoutsMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratus_rpc_call_timeouts_total",
		Help: "Calls that never got their reply.",
	}, []string{"queue", "method"})
)

//nolint:gochecknoinits
func init() {
	prometheus.MustRegister(castsMetric, callsMetric, callTimeoutsMetric)
}

// Client sends casts and calls.  Each client owns a private reply mailbox
// that Run consumes, so replies find their way back to the blocked caller by
// message ID.
type Client struct {
	transport Transport
	timeout   time.Duration
	mailbox   string

	mutex   sync.Mutex
	pending map[string]chan *Reply
}

// NewClient creates a client.  Run must be consuming before Call can
// complete.
func NewClient(transport Transport, options *Options) *Client {
	return &Client{
		transport: transport,
		timeout:   options.CallTimeout,
		mailbox:   "reply." + uuid.New().String(),
		pending:   map[string]chan *Reply{},
	}
}

// Run consumes the reply mailbox until the context is cancelled.
func (c *Client) Run(ctx context.Context) error {
	log := logr.FromContextOrDiscard(ctx)

	for {
		payload, err := c.transport.Receive(ctx, c.mailbox)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		reply := &Reply{}

		if err := json.Unmarshal(payload, reply); err != nil {
			log.Error(err, "discarding undecodable reply")

			continue
		}

		c.mutex.Lock()

		future, ok := c.pending[reply.MsgID]
		if ok {
			delete(c.pending, reply.MsgID)
		}

		c.mutex.Unlock()

		if !ok {
			// Late reply after the caller timed out.
			log.V(1).Info("discarding unclaimed reply", "msg_id", reply.MsgID)

			continue
		}

		future <- reply
	}
}

// Cast sends a fire and forget message.  Enqueue only, no outcome is
// reported beyond transport acceptance.
func (c *Client) Cast(ctx context.Context, queue, method string, args map[string]interface{}) error {
	ctx, span := otel.GetTracerProvider().Tracer("pkg/rpc").Start(ctx, "rpc cast "+method, trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	message := &Message{
		Method:  method,
		Args:    args,
		Context: auth.FromContext(ctx),
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return err
	}

	if err := c.transport.Send(ctx, queue, payload); err != nil {
		return err
	}

	castsMetric.WithLabelValues(queue, method).Inc()

	return nil
}

// Call sends a message and waits for its reply part, bounded by the call
// timeout.  Timing out marks the operation retryable, the message itself is
// not revoked.
func (c *Client) Call(ctx context.Context, queue, method string, args map[string]interface{}) (map[string]interface{}, error) {
	ctx, span := otel.GetTracerProvider().Tracer("pkg/rpc").Start(ctx, "rpc call "+method, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	message := &Message{
		Method:  method,
		Args:    args,
		MsgID:   uuid.New().String(),
		ReplyTo: c.mailbox,
		Context: auth.FromContext(ctx),
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}

	future := make(chan *Reply, 1)

	c.mutex.Lock()
	c.pending[message.MsgID] = future
	c.mutex.Unlock()

	defer func() {
		c.mutex.Lock()
		delete(c.pending, message.MsgID)
		c.mutex.Unlock()
	}()

	if err := c.transport.Send(ctx, queue, payload); err != nil {
		return nil, err
	}

	callsMetric.WithLabelValues(queue, method).Inc()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case reply := <-future:
		if reply.Failure != "" {
			return nil, fmt.Errorf("%w: %s", ErrRemote, reply.Failure)
		}

		return reply.Result, nil

	case <-timer.C:
		callTimeoutsMetric.WithLabelValues(queue, method).Inc()

		return nil, errors.RPCTimeout(fmt.Sprintf("no reply to %s on %s within %s", method, queue, c.timeout))

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
