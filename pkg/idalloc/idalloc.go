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

// package idalloc assigns small dense integer indices from a growable free set.
package idalloc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

var (
	// ErrExhausted is returned when every index up to the maximum is in use.
	ErrExhausted = errors.New("identifier space exhausted")
	// ErrNotAllocated is returned when freeing an index that is not in use.
	ErrNotAllocated = errors.New("identifier not allocated")
)

// Allocator hands out the lowest free index. The free set starts at an
// initial capacity and doubles on demand up to max.
type Allocator struct {
	mu    sync.Mutex
	used  *bitset.BitSet
	size  uint
	max   uint
	count uint
}

// New creates an allocator for indices in [0, max).
func New(initial, max uint) *Allocator {
	if max == 0 {
		max = 1
	}
	if initial == 0 || initial > max {
		initial = max
	}
	return &Allocator{
		used: bitset.New(initial),
		size: initial,
		max:  max,
	}
}

// Allocate returns the lowest free index.
func (a *Allocator) Allocate() (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx, ok := a.used.NextClear(0)
	if !ok || idx >= a.size {
		if a.size >= a.max {
			return 0, ErrExhausted
		}
		idx = a.size
		a.grow()
	}
	a.used.Set(idx)
	a.count++
	return uint32(idx), nil
}

// Reserve marks a specific index as in use, growing the set if needed.
// It is used to re-establish indices found during recovery.
func (a *Allocator) Reserve(idx uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := uint(idx)
	if i >= a.max {
		return fmt.Errorf("index %d beyond maximum %d: %w", idx, a.max, ErrExhausted)
	}
	for i >= a.size {
		a.grow()
	}
	if !a.used.Test(i) {
		a.used.Set(i)
		a.count++
	}
	return nil
}

// Free returns idx to the free set.
func (a *Allocator) Free(idx uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	i := uint(idx)
	if i >= a.size || !a.used.Test(i) {
		return fmt.Errorf("free index %d: %w", idx, ErrNotAllocated)
	}
	a.used.Clear(i)
	a.count--
	return nil
}

// InUse reports whether idx is allocated.
func (a *Allocator) InUse(idx uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return uint(idx) < a.size && a.used.Test(uint(idx))
}

// Count returns the number of allocated indices.
func (a *Allocator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.count)
}

// Capacity returns the current size of the free set.
func (a *Allocator) Capacity() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.size)
}

func (a *Allocator) grow() {
	size := a.size * 2
	if size > a.max {
		size = a.max
	}
	grown := bitset.New(size)
	grown.InPlaceUnion(a.used)
	a.used = grown
	a.size = size
}
