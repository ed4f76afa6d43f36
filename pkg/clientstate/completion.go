// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package clientstate

import (
	"context"
	"sync"
)

// Completion is the outcome of an engine operation that may finish after
// the call that started it returns.
type Completion struct {
	mu        sync.Mutex
	done      chan struct{}
	finished  bool
	async     bool
	abandoned bool

	client  *ClientState
	resumed bool
	err     error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{}), async: true}
}

// Done is closed once the operation has finished.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Async reports whether the operation finished after the starting call
// returned.
func (c *Completion) Async() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.async
}

// Wait blocks until the operation finishes or ctx ends.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the client state, whether it resumed an existing session,
// and the error. It must only be called after Done is closed.
func (c *Completion) Result() (*ClientState, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client, c.resumed, c.err
}

// complete records the outcome. It reports whether the waiter had already
// given up, in which case the caller owns the client state.
func (c *Completion) complete(cs *ClientState, resumed bool, err error) (abandoned bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	c.finished = true
	c.client, c.resumed, c.err = cs, resumed, err
	close(c.done)
	return c.abandoned
}

// completeInline records an outcome reached before the starting call returned.
func (c *Completion) completeInline(cs *ClientState, resumed bool, err error) {
	c.mu.Lock()
	c.async = false
	c.mu.Unlock()
	c.complete(cs, resumed, err)
}

// abandon marks the waiter as gone. It reports false when the operation
// had already finished.
func (c *Completion) abandon() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return false
	}
	c.abandoned = true
	return true
}
