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

// Package clientstate tracks client identities: which connection owns each
// client id, the takeover of ids by new connections, zombie sessions kept
// for resumption and their durable records.
package clientstate

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/emqx-engine/pkg/delivery"
	"github.com/turtacn/emqx-engine/pkg/idalloc"
	"github.com/turtacn/emqx-engine/pkg/metrics"
	"github.com/turtacn/emqx-engine/pkg/storage"
	"github.com/turtacn/emqx-engine/pkg/txn"
)

// SubscriptionCleaner destroys the durable subscriptions of a client state
// that is being removed.
type SubscriptionCleaner interface {
	DurableSubscriptions(clientID string) []string
	DestroySubscription(ctx context.Context, clientID, name string) error
}

// Config tunes an Engine.
type Config struct {
	InitialChains  int
	LoadingLimit   int
	MaxChains      int
	ChainIncrement int

	Delivery  delivery.Config
	Protocols ProtocolPolicy

	InitialNodeIndices uint
	MaxNodeIndices     uint

	Cleaner   SubscriptionCleaner
	Publisher WillPublisher

	// Now is the clock used for expiry; time.Now when nil.
	Now func() time.Time
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		InitialChains:  DefaultInitialChains,
		LoadingLimit:   DefaultLoadingLimit,
		MaxChains:      DefaultMaxChains,
		ChainIncrement: DefaultChainIncrement,
		Delivery: delivery.Config{
			MaxInflight:                    delivery.DefaultMaxInflight,
			ReenablePercent:                delivery.DefaultReenablePercent,
			FreeChunkSubscriptionThreshold: 200000,
			LargeInflightWindow:            1024,
		},
		Protocols:          DefaultProtocolPolicy(),
		InitialNodeIndices: 64,
		MaxNodeIndices:     65536,
	}
}

// Engine owns the client state registry.
type Engine struct {
	cfg   Config
	store storage.RecordStore
	reg   *registry
	wills *WillScheduler
	nodes *idalloc.Allocator

	subscriptions atomic.Int64
	closed        atomic.Bool

	recoveryMu sync.Mutex
	recovered  []*ClientState

	cleanups sync.WaitGroup

	reaperMu     sync.Mutex
	reaperTicker *time.Ticker
	stopReaper   chan struct{}
	reaperDone   chan struct{}
}

// NewEngine creates an engine persisting to store.
func NewEngine(store storage.RecordStore, cfg Config) *Engine {
	if cfg.Protocols.Priority == nil && cfg.Protocols.Yielding == nil && cfg.Protocols.Aliases == nil {
		cfg.Protocols = DefaultProtocolPolicy()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.InitialNodeIndices == 0 {
		cfg.InitialNodeIndices = 64
	}
	if cfg.MaxNodeIndices < cfg.InitialNodeIndices {
		cfg.MaxNodeIndices = cfg.InitialNodeIndices
	}

	e := &Engine{
		cfg:   cfg,
		store: store,
		reg:   newRegistry(cfg.InitialChains, cfg.LoadingLimit, cfg.MaxChains, cfg.ChainIncrement),
		nodes: idalloc.New(cfg.InitialNodeIndices, cfg.MaxNodeIndices),
	}
	e.cfg.Delivery.SubscriptionCount = e.subscriptions.Load
	e.wills = NewWillScheduler(cfg.Publisher, e.willPublished)
	return e
}

// Store returns the record store the engine persists to.
func (e *Engine) Store() storage.RecordStore {
	return e.store
}

func (e *Engine) now() time.Time {
	return e.cfg.Now()
}

// Close stops the expiry reaper and pending will timers and waits for
// in-flight cleanups. Client states are left in the store.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.StopExpiryReaper()
	e.wills.Close()
	e.cleanups.Wait()
	log.Printf("[INFO] Client state engine closed with %d client states", e.Count())
	return nil
}

// Count returns the number of entries in the registry.
func (e *Engine) Count() int {
	g := e.reg.lock()
	defer g.unlock()
	return g.count()
}

// AdjustSubscriptionCount tracks the broker-wide subscription count used by
// delivery tables to decide whether to cache empty chunks.
func (e *Engine) AdjustSubscriptionCount(delta int64) {
	e.subscriptions.Add(delta)
}

// AcquireNodeIndex hands out the lowest free node index.
func (e *Engine) AcquireNodeIndex() (uint32, error) {
	idx, err := e.nodes.Allocate()
	if err != nil {
		return 0, fmt.Errorf("acquire node index: %w", err)
	}
	return idx, nil
}

// ReserveNodeIndex marks a node index recovered from the store as in use.
func (e *Engine) ReserveNodeIndex(idx uint32) error {
	return e.nodes.Reserve(idx)
}

// ReleaseNodeIndex returns a node index to the free set.
func (e *Engine) ReleaseNodeIndex(idx uint32) error {
	return e.nodes.Free(idx)
}

// Find returns the client state registered for clientID with an extra
// reference the caller must drop with Release.
func (e *Engine) Find(clientID string) (*ClientState, error) {
	return e.find(clientID, false)
}

// FindConnected is like Find but ignores zombies.
func (e *Engine) FindConnected(clientID string) (*ClientState, error) {
	return e.find(clientID, true)
}

func (e *Engine) find(clientID string, onlyConnected bool) (*ClientState, error) {
	g := e.reg.lock()
	defer g.unlock()
	cs := g.find(clientID)
	if cs == nil {
		return nil, fmt.Errorf("find %q: %w", clientID, ErrNotFound)
	}
	cs.useMu.Lock()
	defer cs.useMu.Unlock()
	if onlyConnected && cs.opState != StateActive {
		return nil, fmt.Errorf("find %q: %w", clientID, ErrNotFound)
	}
	cs.useCount++
	return cs, nil
}

// FindDeliveryTable returns the delivery table of the oldest client state
// registered for clientID, the one at the far end of the chain of steals,
// which still holds the delivery state for the id.
func (e *Engine) FindDeliveryTable(clientID string) (*delivery.Table, error) {
	g := e.reg.lock()
	var victim *ClientState
	longest := -1
	g.matching(clientID, func(cs *ClientState) {
		n := 0
		for t := cs.peekThief(); t != nil && n <= g.count(); t = t.peekThief() {
			n++
		}
		if n > longest {
			longest, victim = n, cs
		}
	})
	g.unlock()

	if victim == nil {
		return nil, fmt.Errorf("delivery table for %q: %w", clientID, ErrNotFound)
	}
	victim.mu.Lock()
	defer victim.mu.Unlock()
	if victim.deliveries == nil {
		return nil, fmt.Errorf("delivery table for %q: %w", clientID, ErrNotFound)
	}
	return victim.deliveries, nil
}

// ClientState is the engine's record of one client identity.
type ClientState struct {
	engine       *Engine
	clientID     string
	hash         uint32
	protocol     Protocol
	userID       string
	cleanStart   bool
	stealHandler StealHandler

	// Guarded by the registry lock.
	chain, slot int

	useMu           sync.Mutex
	useCount        int32
	opState         OpState
	thief           *ClientState
	victim          *ClientState
	hold            bool
	discard         bool
	creationPending bool
	inlineReady     bool
	stealDeferred   bool
	stealReason     StealReason
	pending         *Completion

	// Set before the client state is published and never changed after.
	durability Durability
	inherit    bool

	// persistMu serializes writes of this client state's records.
	persistMu sync.Mutex

	mu             sync.Mutex
	expiryInterval uint32
	will           *Will
	willRecord     storage.Handle
	csr            storage.Handle
	cpr            storage.Handle
	durableObjects int
	lastConnected  time.Time
	expiryTime     time.Time
	willTime       time.Time
	globalTxns     []*txn.Transaction
	deliveries     *delivery.Table
	unreleased     *delivery.UnreleasedList
	maxInflight    uint32
	leaveDurable   bool
	csrState       uint64
	prior          *properties
	counted        bool
	zombie         bool

	freed chan struct{}
}

func (e *Engine) newClientState(opts CreateOptions) *ClientState {
	expiry := opts.ExpiryInterval
	maxInflight := opts.MaxInflight
	if maxInflight == 0 {
		maxInflight = e.cfg.Delivery.MaxInflight
	}
	return &ClientState{
		engine:         e,
		clientID:       opts.ClientID,
		hash:           hashClientID(opts.ClientID),
		protocol:       opts.Protocol,
		userID:         opts.UserID,
		cleanStart:     opts.CleanStart,
		stealHandler:   opts.StealHandler,
		chain:          -1,
		slot:           -1,
		useCount:       1,
		opState:        StateActive,
		durability:     opts.Durability.concrete(),
		expiryInterval: expiry,
		will:           opts.Will,
		maxInflight:    maxInflight,
		freed:          make(chan struct{}),
	}
}

// ClientID returns the client id.
func (cs *ClientState) ClientID() string { return cs.clientID }

// Protocol returns the protocol the client state was created by.
func (cs *ClientState) Protocol() Protocol { return cs.protocol }

// UserID returns the user id the client state was created with.
func (cs *ClientState) UserID() string { return cs.userID }

// Durability returns the resolved durability.
func (cs *ClientState) Durability() Durability { return cs.durability }

// OpState returns the current lifecycle state.
func (cs *ClientState) OpState() OpState {
	cs.useMu.Lock()
	defer cs.useMu.Unlock()
	return cs.opState
}

// UseCount returns the current reference count.
func (cs *ClientState) UseCount() int32 {
	cs.useMu.Lock()
	defer cs.useMu.Unlock()
	return cs.useCount
}

// Handles returns the client state record and client properties record handles.
func (cs *ClientState) Handles() (csr, cpr storage.Handle) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.csr, cs.cpr
}

// Freed is closed once the client state has been freed.
func (cs *ClientState) Freed() <-chan struct{} {
	return cs.freed
}

// Release drops a reference taken by Find.
func (cs *ClientState) Release() {
	cs.release(false)
}

func (cs *ClientState) discoverable() bool {
	cs.useMu.Lock()
	defer cs.useMu.Unlock()
	return cs.thief == nil && cs.opState != StateFreeing
}

func (cs *ClientState) peekThief() *ClientState {
	cs.useMu.Lock()
	defer cs.useMu.Unlock()
	return cs.thief
}

func (cs *ClientState) hasDurableFootprint() bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.csr != storage.NullHandle || cs.durableObjects > 0
}

func (cs *ClientState) persistent() bool {
	return cs.durability == Durable
}

func durabilityLabel(d Durability) string {
	if d == Durable {
		return "durable"
	}
	return "non_durable"
}

// markCounted adds the client state to the gauges once it is fully created.
func (cs *ClientState) markCounted() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !cs.counted {
		cs.counted = true
		metrics.ClientStates.WithLabelValues(durabilityLabel(cs.durability)).Inc()
	}
}

func (cs *ClientState) setZombie(z bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.zombie == z {
		return
	}
	cs.zombie = z
	if z {
		metrics.Zombies.Inc()
	} else {
		metrics.Zombies.Dec()
	}
}
