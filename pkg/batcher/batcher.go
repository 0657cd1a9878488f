/*
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

// Package batcher coalesces many single-item API requests into few batched
// calls. Requests added within the idle window are grouped by a request hash
// and executed together; each caller gets back its own result.
package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Options configures a Batcher. RequestHasher partitions requests that cannot
// share a batch (for example different accounts or regions).
type Options[T any, U any] struct {
	IdleTimeout   time.Duration
	MaxTimeout    time.Duration
	MaxItems      int
	RequestHasher func(ctx context.Context, input *T) uint64
	BatchExecutor func(ctx context.Context, inputs []*T) []Result[U]
}

// Result is a single request's outcome from a batched execution.
type Result[U any] struct {
	Output *U
	Err    error
}

type request[T any, U any] struct {
	ctx       context.Context
	hash      uint64
	input     *T
	requestor chan Result[U]
}

type Batcher[T any, U any] struct {
	ctx     context.Context
	options Options[T, U]

	mu       sync.Mutex
	requests []*request[T, U]
	trigger  chan struct{}
}

// NewBatcher starts the batcher's run loop; it stops when ctx is cancelled.
func NewBatcher[T any, U any](ctx context.Context, options Options[T, U]) *Batcher[T, U] {
	b := &Batcher[T, U]{
		ctx:     ctx,
		options: options,
		trigger: make(chan struct{}, 1),
	}
	go b.run()
	return b
}

// Add queues input and blocks until its batch executes or ctx is cancelled.
func (b *Batcher[T, U]) Add(ctx context.Context, input *T) Result[U] {
	r := &request[T, U]{
		ctx:       ctx,
		hash:      b.options.RequestHasher(ctx, input),
		input:     input,
		requestor: make(chan Result[U], 1),
	}
	b.mu.Lock()
	b.requests = append(b.requests, r)
	b.mu.Unlock()
	select {
	case b.trigger <- struct{}{}:
	default:
	}
	select {
	case result := <-r.requestor:
		return result
	case <-ctx.Done():
		return Result[U]{Err: ctx.Err()}
	}
}

func (b *Batcher[T, U]) run() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.trigger:
		}
		b.waitForIdle()
		requests := b.swap()
		if len(requests) == 0 {
			continue
		}
		for _, group := range lo.GroupBy(requests, func(r *request[T, U]) uint64 { return r.hash }) {
			group := group
			go b.execute(group)
		}
	}
}

// waitForIdle holds the batch open while requests keep arriving, bounded by
// MaxTimeout and MaxItems.
func (b *Batcher[T, U]) waitForIdle() {
	deadline := time.NewTimer(b.options.MaxTimeout)
	defer deadline.Stop()
	idle := time.NewTimer(b.options.IdleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.trigger:
			if b.pending() >= b.options.MaxItems {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(b.options.IdleTimeout)
		case <-deadline.C:
			return
		case <-idle.C:
			return
		}
	}
}

func (b *Batcher[T, U]) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func (b *Batcher[T, U]) swap() []*request[T, U] {
	b.mu.Lock()
	defer b.mu.Unlock()
	requests := b.requests
	b.requests = nil
	return requests
}

func (b *Batcher[T, U]) execute(requests []*request[T, U]) {
	results := b.options.BatchExecutor(requests[0].ctx, lo.Map(requests, func(r *request[T, U], _ int) *T { return r.input }))
	if len(results) != len(requests) {
		for _, r := range requests {
			r.requestor <- Result[U]{Err: context.Canceled}
		}
		return
	}
	for i, r := range requests {
		r.requestor <- results[i]
	}
}
