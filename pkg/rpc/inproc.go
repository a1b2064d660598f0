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

package rpc

import (
	"context"
	"sync"
)

// queueDepth bounds in flight messages per queue before senders block.
const queueDepth = 1024

// InprocTransport queues messages through channels within one process, for
// tests and all-in-one deployments.
type InprocTransport struct {
	mutex  sync.Mutex
	queues map[string]chan []byte
}

var _ Transport = &InprocTransport{}

// NewInproc creates an in-process transport.
func NewInproc() *InprocTransport {
	return &InprocTransport{
		queues: map[string]chan []byte{},
	}
}

func (t *InprocTransport) queue(name string) chan []byte {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, ok := t.queues[name]; !ok {
		t.queues[name] = make(chan []byte, queueDepth)
	}

	return t.queues[name]
}

// Send enqueues a payload.
func (t *InprocTransport) Send(ctx context.Context, queue string, payload []byte) error {
	select {
	case t.queue(queue) <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive dequeues the next payload.
func (t *InprocTransport) Receive(ctx context.Context, queue string) ([]byte, error) {
	select {
	case payload := <-t.queue(queue):
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
