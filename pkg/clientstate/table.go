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
	"log"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/turtacn/emqx-engine/pkg/metrics"
)

const (
	DefaultInitialChains  = 256
	DefaultLoadingLimit   = 8
	DefaultMaxChains      = 1 << 20
	DefaultChainIncrement = 4

	resizeFactor = 8
)

// hashClientID folds a 64-bit xxhash of the client id to 32 bits.
func hashClientID(clientID string) uint32 {
	h := xxhash.Sum64String(clientID)
	return uint32(h) ^ uint32(h>>32)
}

type tableSlot struct {
	hash uint32
	cs   *ClientState
}

type tableChain struct {
	slots []tableSlot
	used  int
}

// registry maps client ids to client states. Every method that reads or
// changes the table hangs off registryGuard, which is only handed out by
// lock, so the table mutex is always the outermost lock.
type registry struct {
	mu sync.Mutex

	chains         []tableChain
	total          int
	loadingLimit   int
	maxChains      int
	increment      int
	resizeDisabled bool
}

func newRegistry(initialChains, loadingLimit, maxChains, increment int) *registry {
	if initialChains <= 0 {
		initialChains = DefaultInitialChains
	}
	if loadingLimit <= 0 {
		loadingLimit = DefaultLoadingLimit
	}
	if maxChains < initialChains {
		maxChains = initialChains
	}
	if increment <= 0 {
		increment = DefaultChainIncrement
	}
	return &registry{
		chains:       make([]tableChain, initialChains),
		loadingLimit: loadingLimit,
		maxChains:    maxChains,
		increment:    increment,
	}
}

type registryGuard struct {
	r *registry
}

func (r *registry) lock() registryGuard {
	r.mu.Lock()
	return registryGuard{r: r}
}

func (g registryGuard) unlock() {
	g.r.mu.Unlock()
}

func (g registryGuard) chainFor(hash uint32) int {
	return int(hash % uint32(len(g.r.chains)))
}

// find returns the discoverable client state for clientID: one that has
// not been stolen and is not being freed.
func (g registryGuard) find(clientID string) *ClientState {
	hash := hashClientID(clientID)
	c := &g.r.chains[g.chainFor(hash)]
	for i := range c.slots {
		s := &c.slots[i]
		if s.cs == nil || s.hash != hash || s.cs.clientID != clientID {
			continue
		}
		if s.cs.discoverable() {
			return s.cs
		}
	}
	return nil
}

// matching calls fn for every entry with clientID, discoverable or not.
func (g registryGuard) matching(clientID string, fn func(*ClientState)) {
	hash := hashClientID(clientID)
	c := &g.r.chains[g.chainFor(hash)]
	for i := range c.slots {
		s := &c.slots[i]
		if s.cs != nil && s.hash == hash && s.cs.clientID == clientID {
			fn(s.cs)
		}
	}
}

func (g registryGuard) each(fn func(*ClientState)) {
	for ci := range g.r.chains {
		c := &g.r.chains[ci]
		for i := range c.slots {
			if cs := c.slots[i].cs; cs != nil {
				fn(cs)
			}
		}
	}
}

func (g registryGuard) count() int {
	return g.r.total
}

func (g registryGuard) insert(cs *ClientState) {
	r := g.r
	if r.total+1 > len(r.chains)*r.loadingLimit && !r.resizeDisabled {
		g.resize()
	}
	g.place(cs)
	r.total++
}

func (g registryGuard) place(cs *ClientState) {
	ci := g.chainFor(cs.hash)
	c := &g.r.chains[ci]
	if c.used == len(c.slots) {
		c.slots = append(c.slots, make([]tableSlot, g.r.increment)...)
	}
	for i := range c.slots {
		if c.slots[i].cs == nil {
			c.slots[i] = tableSlot{hash: cs.hash, cs: cs}
			c.used++
			cs.chain, cs.slot = ci, i
			return
		}
	}
}

func (g registryGuard) remove(cs *ClientState) bool {
	if cs.chain < 0 {
		return false
	}
	c := &g.r.chains[cs.chain]
	if cs.slot >= len(c.slots) || c.slots[cs.slot].cs != cs {
		ffdc("registryBackPointer", "client=%s chain=%d slot=%d", cs.clientID, cs.chain, cs.slot)
		return false
	}
	c.slots[cs.slot] = tableSlot{}
	c.used--
	g.r.total--
	cs.chain, cs.slot = -1, -1
	return true
}

// resize grows the chain count by resizeFactor, capped at maxChains. When
// the table is already at its cap further resizing is switched off and
// chains simply grow longer.
func (g registryGuard) resize() {
	r := g.r
	n := len(r.chains) * resizeFactor
	if n > r.maxChains {
		n = r.maxChains
	}
	if n <= len(r.chains) {
		r.resizeDisabled = true
		log.Printf("[WARN] Client table cannot grow beyond %d chains", len(r.chains))
		return
	}

	old := r.chains
	r.chains = make([]tableChain, n)
	for ci := range old {
		for _, s := range old[ci].slots {
			if s.cs != nil {
				g.place(s.cs)
			}
		}
	}
	metrics.ClientTableResizesTotal.Inc()
	log.Printf("[INFO] Client table resized from %d to %d chains (%d entries)", len(old), n, r.total)
}

func (g registryGuard) chains() int {
	return len(g.r.chains)
}
