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
	"fmt"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/eschercloudai/stratus/pkg/auth"
)

var (
	//nolint:gochecknoglobals
	messagesMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratus_rpc_messages_total",
		Help: "Messages consumed by topic and method.",
	}, []string{"topic", "method"})

	//nolint:gochecknoglobals
	handlerErrorsMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stratus_rpc_handler_errors_total",
		Help: "Handlers that returned an error.",
	}, []string{"topic", "method"})
)

//nolint:gochecknoinits
func init() {
	prometheus.MustRegister(messagesMetric, handlerErrorsMetric)
}

// Handler services one method.  Returned results flow back to callers,
// returned errors flow back as failures.
type Handler func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)

// Server consumes a topic queue and the host direct queue, dispatching to
// registered handlers.  Each queue is drained sequentially, which is what
// upholds producer order for a topic.host destination; the two queues
// progress independently of each other.
type Server struct {
	transport Transport
	topic     string
	host      string
	handlers  map[string]Handler
}

// NewServer creates a server for a topic.  Register all handlers before
// calling Run.
func NewServer(transport Transport, topic, host string) *Server {
	return &Server{
		transport: transport,
		topic:     topic,
		host:      host,
		handlers:  map[string]Handler{},
	}
}

// Register binds a method name to its handler.
func (s *Server) Register(method string, handler Handler) {
	s.handlers[method] = handler
}

// Run consumes until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.consume(ctx, Queue(s.topic, ""))
	})

	group.Go(func() error {
		return s.consume(ctx, Queue(s.topic, s.host))
	})

	return group.Wait()
}

func (s *Server) consume(ctx context.Context, queue string) error {
	for {
		payload, err := s.transport.Receive(ctx, queue)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			return err
		}

		s.dispatch(ctx, payload)
	}
}

func (s *Server) dispatch(ctx context.Context, payload []byte) {
	log := logr.FromContextOrDiscard(ctx)

	message := &Message{}

	if err := json.Unmarshal(payload, message); err != nil {
		log.Error(err, "discarding undecodable message")

		return
	}

	ctx, span := otel.GetTracerProvider().Tracer("pkg/rpc").Start(ctx, "rpc "+message.Method, trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	if message.Context != nil {
		ctx = auth.NewContext(ctx, message.Context)

		log = log.WithValues("request_id", message.Context.RequestID)
		ctx = logr.NewContext(ctx, log)
	}

	messagesMetric.WithLabelValues(s.topic, message.Method).Inc()

	log.Info("rpc message", "topic", s.topic, "method", message.Method)

	handler, ok := s.handlers[message.Method]
	if !ok {
		err := fmt.Errorf("%w: no handler for %s", ErrRemote, message.Method)

		log.Error(err, "dropping message")
		s.reply(ctx, message, nil, err)

		return
	}

	result, err := handler(ctx, message.Args)
	if err != nil {
		handlerErrorsMetric.WithLabelValues(s.topic, message.Method).Inc()

		log.Error(err, "rpc handler failed", "method", message.Method)
	}

	s.reply(ctx, message, result, err)
}

// reply routes a call result back to the caller's mailbox.  Casts carry no
// mailbox and fall through.
func (s *Server) reply(ctx context.Context, message *Message, result map[string]interface{}, err error) {
	if message.MsgID == "" || message.ReplyTo == "" {
		return
	}

	reply := &Reply{
		MsgID:  message.MsgID,
		Result: result,
	}

	if err != nil {
		reply.Failure = err.Error()
	}

	payload, err := json.Marshal(reply)
	if err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "discarding unencodable reply")

		return
	}

	if err := s.transport.Send(ctx, message.ReplyTo, payload); err != nil {
		logr.FromContextOrDiscard(ctx).Error(err, "reply send failed")
	}
}
