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

package fake

import (
	"bytes"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
)

// AtomicPtr is intended for use in mocks to easily expose variables for use
// in testing. It makes setting and retrieving the values race free by
// wrapping the pointer itself in a mutex. There is no Get() method, but
// instead a Clone() method that deep copies the object being stored by
// serializing/de-serializing it from JSON. This pattern shouldn't be followed
// anywhere else but is an easy way to eliminate races in our tests.
type AtomicPtr[T any] struct {
	mu    sync.Mutex
	value *T
}

func (a *AtomicPtr[T]) Set(v *T) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.value = v
}

func (a *AtomicPtr[T]) IsNil() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.value == nil
}

func (a *AtomicPtr[T]) Clone() *T {
	a.mu.Lock()
	defer a.mu.Unlock()
	return clone(a.value)
}

func (a *AtomicPtr[T]) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.value = nil
}

func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		log.Fatalf("encoding %T, %s", v, err)
	}
	dec := json.NewDecoder(&buf)
	var cp T
	if err := dec.Decode(&cp); err != nil {
		log.Fatalf("decoding %T, %s", v, err)
	}
	return &cp
}

// AtomicError is a thread-safe error that can be armed to fire on the next
// call, optionally for a limited number of calls.
type AtomicError struct {
	mu    sync.Mutex
	err   error
	calls int
	max   int
}

func (e *AtomicError) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = nil
	e.calls = 0
	e.max = 0
}

// Set arms the error. With no options it fires on every subsequent Get until
// Reset.
func (e *AtomicError) Set(err error, opts ...func(*AtomicError)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
	e.calls = 0
	e.max = 0
	for _, opt := range opts {
		opt(e)
	}
}

// MaxCalls limits how many times the armed error fires.
func MaxCalls(n int) func(*AtomicError) {
	return func(e *AtomicError) { e.max = n }
}

func (e *AtomicError) Get() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err == nil {
		return nil
	}
	if e.max > 0 && e.calls >= e.max {
		return nil
	}
	e.calls++
	return e.err
}

// AtomicPtrSlice exposes a slice of pointers to mocks, recording every value
// appended. Values are cloned on read.
type AtomicPtrSlice[T any] struct {
	mu     sync.RWMutex
	values []*T
}

func (a *AtomicPtrSlice[T]) Add(v *T) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.values = append(a.values, clone(v))
}

func (a *AtomicPtrSlice[T]) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.values)
}

func (a *AtomicPtrSlice[T]) Pop() *T {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.values) == 0 {
		return nil
	}
	last := a.values[len(a.values)-1]
	a.values = a.values[:len(a.values)-1]
	return clone(last)
}

func (a *AtomicPtrSlice[T]) ForEach(fn func(*T)) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for _, v := range a.values {
		fn(clone(v))
	}
}

func (a *AtomicPtrSlice[T]) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.values = nil
}

// MockedFunction mocks a single API call: the output can be pinned, an error
// armed, and every input is recorded for assertions.
type MockedFunction[I any, O any] struct {
	Output          AtomicPtr[O]
	CalledWithInput AtomicPtrSlice[I]
	Error           AtomicError

	successfulCalls atomic.Int64
	failedCalls     atomic.Int64
}

func (m *MockedFunction[I, O]) Reset() {
	m.Output.Reset()
	m.CalledWithInput.Reset()
	m.Error.Reset()
	m.successfulCalls.Store(0)
	m.failedCalls.Store(0)
}

// Invoke runs defaultTransformer unless an output or error override is armed.
func (m *MockedFunction[I, O]) Invoke(input *I, defaultTransformer func(*I) (*O, error)) (*O, error) {
	err := m.Error.Get()
	if err != nil {
		m.failedCalls.Add(1)
		return nil, err
	}
	m.CalledWithInput.Add(input)

	if !m.Output.IsNil() {
		m.successfulCalls.Add(1)
		return m.Output.Clone(), nil
	}
	out, err := defaultTransformer(input)
	if err != nil {
		m.failedCalls.Add(1)
		return nil, err
	}
	m.successfulCalls.Add(1)
	return out, nil
}

func (m *MockedFunction[I, O]) Calls() int64 {
	return m.successfulCalls.Load() + m.failedCalls.Load()
}

func (m *MockedFunction[I, O]) SuccessfulCalls() int64 {
	return m.successfulCalls.Load()
}

func (m *MockedFunction[I, O]) FailedCalls() int64 {
	return m.failedCalls.Load()
}
