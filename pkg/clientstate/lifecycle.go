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
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/turtacn/emqx-engine/pkg/metrics"
	"github.com/turtacn/emqx-engine/pkg/records"
	"github.com/turtacn/emqx-engine/pkg/storage"
	"github.com/turtacn/emqx-engine/pkg/txn"
)

// Create registers a client state for opts.ClientID, taking the id over
// from an existing client state where allowed, and waits for the takeover
// to finish. The returned flag reports whether an existing durable session
// was resumed.
func (e *Engine) Create(ctx context.Context, opts CreateOptions) (*ClientState, bool, error) {
	comp := e.CreateAsync(ctx, opts)
	select {
	case <-comp.Done():
		return comp.Result()
	case <-ctx.Done():
		if comp.abandon() {
			return nil, false, ctx.Err()
		}
		<-comp.Done()
		return comp.Result()
	}
}

// CreateAsync starts registering a client state. When an existing client
// state must go away first the completion finishes once it has.
func (e *Engine) CreateAsync(ctx context.Context, opts CreateOptions) *Completion {
	return e.create(ctx, opts, StealByClient)
}

func (e *Engine) create(ctx context.Context, opts CreateOptions, reason StealReason) *Completion {
	comp := newCompletion()
	if e.closed.Load() {
		comp.completeInline(nil, false, ErrClosed)
		return comp
	}
	if opts.ClientID == "" {
		comp.completeInline(nil, false, ErrInvalidClientID)
		return comp
	}

	cs := e.newClientState(opts)
	g := e.reg.lock()
	victim := g.find(opts.ClientID)
	if victim == nil {
		if cs.persistent() && e.store.Health() != storage.HealthOK {
			g.unlock()
			comp.completeInline(nil, false, fmt.Errorf("create %q: %w", opts.ClientID, ErrServerCapacity))
			return comp
		}
		cs.creationPending = true
		g.insert(cs)
		g.unlock()
		e.finishInline(ctx, cs, comp)
		return comp
	}

	victim.useMu.Lock()
	if err := e.checkSteal(victim, opts); err != nil {
		victim.useMu.Unlock()
		g.unlock()
		comp.completeInline(nil, false, fmt.Errorf("create %q: %w", opts.ClientID, err))
		return comp
	}

	if opts.Durability.inherits() && !opts.CleanStart {
		cs.durability = victim.durability
	}
	cs.inherit = !opts.CleanStart && cs.durability == victim.durability
	if cs.persistent() && !cs.inherit && e.store.Health() != storage.HealthOK {
		victim.useMu.Unlock()
		g.unlock()
		comp.completeInline(nil, false, fmt.Errorf("create %q: %w", opts.ClientID, ErrServerCapacity))
		return comp
	}

	wasZombie := victim.opState == StateZombie
	live := victim.opState == StateActive
	notify := live && !victim.creationPending
	if live && victim.creationPending {
		victim.stealDeferred = true
		victim.stealReason = reason
	}
	// A victim on its way out already holds the reference its final
	// release consumes; the link takes that reference over.
	if victim.hold {
		victim.hold = false
	} else {
		victim.useCount++
	}
	victim.thief = cs
	if wasZombie {
		victim.opState = StateZombieRemoval
	}
	victimState := victim.opState
	victim.useMu.Unlock()

	cs.victim = victim
	cs.useCount++
	cs.creationPending = true
	cs.pending = comp
	g.insert(cs)
	g.unlock()

	kind := "live"
	if !live {
		kind = "zombie"
	}
	metrics.StealsTotal.WithLabelValues(kind).Inc()
	log.Printf("[INFO] Client %s (%s) taking over %s client state in state %s (inherit=%t)",
		cs.clientID, cs.protocol, kind, victimState, cs.inherit)

	if wasZombie {
		victim.setZombie(false)
		if cs.inherit {
			e.wills.Cancel(cs.clientID)
		} else {
			e.wills.Fire(cs.clientID)
		}
		victim.release(true)
	}
	if notify && victim.stealHandler != nil {
		victim.stealHandler(victim, reason)
	}

	cs.useMu.Lock()
	ready := cs.inlineReady
	if ready {
		cs.inlineReady = false
		cs.pending = nil
	}
	cs.useMu.Unlock()
	if ready {
		e.finishInline(ctx, cs, comp)
	}
	return comp
}

// checkSteal decides whether the caller may take over victim. It runs with
// victim.useMu held.
func (e *Engine) checkSteal(victim *ClientState, opts CreateOptions) error {
	if opts.CheckUserSteal && victim.userID != opts.UserID {
		return ErrNotAuthorized
	}
	if victim.opState != StateActive {
		return nil
	}
	if victim.stealHandler == nil {
		return ErrClientIDInUse
	}
	policy := e.cfg.Protocols
	priority := policy.Priority[opts.Protocol]
	yielding := policy.Yielding[victim.protocol]
	if !policy.aliased(victim.protocol, opts.Protocol) && !priority && !yielding {
		return ErrProtocolMismatch
	}
	if !opts.Steal && !priority && !yielding {
		return ErrClientIDInUse
	}
	return nil
}

func (e *Engine) finishInline(ctx context.Context, cs *ClientState, comp *Completion) {
	resumed, err := e.finishCreation(ctx, cs)
	if err != nil {
		e.abortCreation(cs)
		comp.completeInline(nil, false, err)
		return
	}
	comp.completeInline(cs, resumed, nil)
	e.afterCreation(cs)
}

// completePending finishes a creation whose victim has just been freed.
func (e *Engine) completePending(cs *ClientState, comp *Completion) {
	resumed, err := e.finishCreation(context.Background(), cs)
	if err != nil {
		e.abortCreation(cs)
		comp.complete(nil, false, err)
		return
	}
	if comp.complete(cs, resumed, nil) {
		log.Printf("[WARN] Creation of client state %s was abandoned, destroying it", cs.clientID)
		cs.useMu.Lock()
		cs.creationPending = false
		cs.stealDeferred = false
		cs.useMu.Unlock()
		e.DestroyAsync(context.Background(), cs, DestroyOptions{LeaveDurable: true, SuppressWill: true})
		return
	}
	e.afterCreation(cs)
}

// finishCreation writes or refreshes the durable records of a client state
// that now owns its id.
func (e *Engine) finishCreation(ctx context.Context, cs *ClientState) (bool, error) {
	now := e.now()
	cs.mu.Lock()
	cs.lastConnected = now
	cs.expiryTime, cs.willTime = time.Time{}, time.Time{}
	csr := cs.csr
	inherited := cs.prior != nil
	prior := cs.prior
	needRecord := cs.persistent() || cs.durableObjects > 0
	deliveries := cs.deliveries
	unreleased := cs.unreleased
	maxInflight := cs.maxInflight
	cs.mu.Unlock()

	switch {
	case csr == storage.NullHandle && needRecord:
		if err := e.writeClientRecords(ctx, cs); err != nil {
			return false, err
		}
	case csr != storage.NullHandle && prior != nil && !prior.equal(cs.properties()):
		if err := e.rewriteProperties(ctx, cs, records.CSRStateNone); err != nil {
			return false, err
		}
	case csr != storage.NullHandle:
		if err := e.setRecordState(ctx, cs, records.CSRStateNone); err != nil {
			return false, err
		}
	}

	csr, _ = cs.Handles()
	if deliveries != nil {
		deliveries.SetOwner(csr, cs.persistent() && csr != storage.NullHandle)
		deliveries.SetMaxInflight(maxInflight)
	}
	if unreleased != nil {
		unreleased.SetOwner(csr, cs.persistent() && csr != storage.NullHandle)
	}

	cs.markCounted()
	resumed := inherited && cs.persistent() && csr != storage.NullHandle && csr == priorCSR(prior)
	log.Printf("[INFO] Created client state %s (%s, %s, resumed=%t)", cs.clientID, cs.protocol, cs.durability, resumed)
	return resumed, nil
}

func priorCSR(p *properties) storage.Handle {
	if p == nil {
		return storage.NullHandle
	}
	return p.csr
}

// afterCreation delivers a steal notification that arrived while the
// creation was still pending.
func (e *Engine) afterCreation(cs *ClientState) {
	cs.useMu.Lock()
	cs.creationPending = false
	deferred, reason := cs.stealDeferred, cs.stealReason
	cs.stealDeferred = false
	cs.useMu.Unlock()
	if deferred && cs.stealHandler != nil {
		cs.stealHandler(cs, reason)
	}
}

func (e *Engine) abortCreation(cs *ClientState) {
	log.Printf("[ERROR] Failed to create client state %s, removing it", cs.clientID)
	cs.useMu.Lock()
	cs.creationPending = false
	cs.stealDeferred = false
	cs.useMu.Unlock()
	e.DestroyAsync(context.Background(), cs, DestroyOptions{LeaveDurable: true, SuppressWill: true})
}

// release drops one reference. inline is set when the caller is the
// creation of this client state's thief, which then finishes the creation
// itself.
func (cs *ClientState) release(inline bool) {
	e := cs.engine
	hasDurable := cs.hasDurableFootprint()
	cs.mu.Lock()
	leave := cs.leaveDurable
	cs.mu.Unlock()

	cs.useMu.Lock()
	cs.useCount--
	if cs.useCount < 0 {
		cs.useMu.Unlock()
		ffdc("clientStateOverRelease", "client=%s state=%s", cs.clientID, cs.opState)
		return
	}
	if cs.useCount == 1 && cs.opState.cleanupEligible() {
		thief := cs.thief
		if hasDurable && !leave && (thief == nil || !thief.inherit || cs.discard) {
			cs.opState = StateZombieCleanup
			cs.useMu.Unlock()
			e.startCleanup(cs)
			return
		}
		cs.useCount = 0
	}
	free := cs.useCount == 0
	if free {
		cs.opState = StateFreeing
	}
	cs.useMu.Unlock()

	if free {
		e.free(cs, inline)
	}
}

// free removes a client state whose last reference has gone, hands its
// durable linkage to an inheriting thief and lets the thief's creation
// finish.
func (e *Engine) free(cs *ClientState, inline bool) {
	g := e.reg.lock()
	g.remove(cs)
	cs.useMu.Lock()
	thief := cs.thief
	cs.thief = nil
	cs.useMu.Unlock()
	if thief != nil && thief.inherit {
		handOff(cs, thief)
	}
	g.unlock()

	cs.mu.Lock()
	txns := cs.globalTxns
	cs.globalTxns = nil
	counted := cs.counted
	cs.counted = false
	deliveries, unreleased := cs.deliveries, cs.unreleased
	cs.deliveries, cs.unreleased = nil, nil
	cs.mu.Unlock()
	cs.setZombie(false)

	for _, tx := range txns {
		if err := tx.Rollback(); err != nil && !errors.Is(err, txn.ErrNotOpen) {
			log.Printf("[WARN] Failed to roll back transaction %s of client %s: %v", tx.ID, cs.clientID, err)
		}
	}
	if deliveries != nil {
		deliveries.Reset()
	}
	if unreleased != nil {
		unreleased.Reset()
	}
	if counted {
		metrics.ClientStates.WithLabelValues(durabilityLabel(cs.durability)).Dec()
	}
	close(cs.freed)
	log.Printf("[INFO] Freed client state %s", cs.clientID)

	if thief != nil {
		e.dropVictimLink(thief, inline)
	}
}

// handOff moves the durable linkage of victim to thief. The registry lock
// is held.
func handOff(victim, thief *ClientState) {
	victim.mu.Lock()
	defer victim.mu.Unlock()
	thief.mu.Lock()
	defer thief.mu.Unlock()

	thief.prior = &properties{
		userID:         victim.userID,
		expiryInterval: victim.expiryInterval,
		will:           victim.will,
		csr:            victim.csr,
	}
	thief.csr, thief.cpr, thief.willRecord = victim.csr, victim.cpr, victim.willRecord
	thief.csrState = victim.csrState
	thief.durableObjects += victim.durableObjects
	if victim.deliveries != nil {
		thief.deliveries = victim.deliveries
	}
	if victim.unreleased != nil {
		thief.unreleased = victim.unreleased
	}

	victim.csr, victim.cpr, victim.willRecord = storage.NullHandle, storage.NullHandle, storage.NullHandle
	victim.durableObjects = 0
	victim.deliveries, victim.unreleased = nil, nil
}

func (e *Engine) dropVictimLink(thief *ClientState, inline bool) {
	thief.useMu.Lock()
	thief.victim = nil
	thief.useCount--
	var comp *Completion
	if inline {
		thief.inlineReady = true
	} else {
		comp = thief.pending
		thief.pending = nil
	}
	thief.useMu.Unlock()
	if comp != nil {
		e.completePending(thief, comp)
	}
}

func (e *Engine) startCleanup(cs *ClientState) {
	e.cleanups.Add(1)
	go func() {
		defer e.cleanups.Done()
		e.cleanup(context.Background(), cs)
		cs.release(false)
	}()
}

// cleanup removes the durable footprint of a client state. The client
// state record is first marked deleted so a restart part way through
// finishes the job.
func (e *Engine) cleanup(ctx context.Context, cs *ClientState) {
	log.Printf("[INFO] Cleaning up durable state of client %s", cs.clientID)

	cs.mu.Lock()
	last := cs.lastConnected
	cs.mu.Unlock()
	if err := e.setRecordState(ctx, cs, records.PackCSRState(records.CSRStateDeleted, last)); err != nil {
		log.Printf("[ERROR] Failed to mark client %s deleted: %v", cs.clientID, err)
	}

	if err := e.destroySubscriptions(ctx, cs.clientID); err != nil {
		log.Printf("[WARN] Failed to destroy subscriptions of client %s: %v", cs.clientID, err)
	}

	if err := e.deleteClientRecords(ctx, cs); err != nil {
		log.Printf("[ERROR] %v; the records stay marked deleted until restart", err)
	}
}

// destroySubscriptions destroys every durable subscription of clientID in
// parallel and waits for all of them.
func (e *Engine) destroySubscriptions(ctx context.Context, clientID string) error {
	if e.cfg.Cleaner == nil {
		return nil
	}
	names := e.cfg.Cleaner.DurableSubscriptions(clientID)
	if len(names) == 0 {
		return nil
	}
	var g errgroup.Group
	for _, name := range names {
		name := name
		g.Go(func() error {
			return e.cfg.Cleaner.DestroySubscription(ctx, clientID, name)
		})
	}
	return g.Wait()
}

// Destroy lets go of a client state owned by the caller and waits until it
// has become a zombie or been freed.
func (e *Engine) Destroy(ctx context.Context, cs *ClientState, opts DestroyOptions) error {
	return e.DestroyAsync(ctx, cs, opts).Wait(ctx)
}

// DestroyAsync starts letting go of a client state. A durable client state
// becomes a zombie kept for resumption; anything else is removed.
func (e *Engine) DestroyAsync(ctx context.Context, cs *ClientState, opts DestroyOptions) *Completion {
	comp := newCompletion()
	keep := !opts.Discard && !opts.LeaveDurable && (cs.persistent() || cs.durableObjectCount() > 0)

	cs.useMu.Lock()
	if cs.opState != StateActive {
		state := cs.opState
		cs.useMu.Unlock()
		comp.completeInline(nil, false, fmt.Errorf("destroy %q in state %s: %w", cs.clientID, state, ErrNotActive))
		return comp
	}
	stolen := cs.thief != nil
	if stolen || !keep {
		cs.opState = StateNonDurableCleanup
		if opts.Discard {
			cs.discard = true
		}
		if !stolen {
			cs.hold = true
			cs.useCount++
		}
		cs.useMu.Unlock()
		if opts.LeaveDurable {
			cs.mu.Lock()
			cs.leaveDurable = true
			cs.mu.Unlock()
		}
		e.disposeWill(ctx, cs, opts)
		log.Printf("[INFO] Removing client state %s (stolen=%t, discard=%t)", cs.clientID, stolen, opts.Discard)
		cs.release(false)
		e.awaitFreed(cs, comp)
		return comp
	}
	cs.opState = StateDisconnecting
	cs.useMu.Unlock()

	now := e.now()
	if err := e.setRecordState(ctx, cs, records.PackCSRState(records.CSRStateDisconnected, now)); err != nil {
		log.Printf("[WARN] Failed to record disconnection of client %s: %v", cs.clientID, err)
	}

	cs.useMu.Lock()
	stolen = cs.thief != nil
	if stolen {
		cs.opState = StateNonDurableCleanup
	} else {
		cs.opState = StateZombie
	}
	cs.useMu.Unlock()
	if stolen {
		e.disposeWill(ctx, cs, opts)
		cs.release(false)
		e.awaitFreed(cs, comp)
		return comp
	}

	cs.mu.Lock()
	w := cs.will
	cs.lastConnected = now
	var willDelay uint32
	if w != nil {
		willDelay = w.Delay
	}
	cs.expiryTime, cs.willTime = computeExpiry(now, cs.expiryInterval, willDelay)
	expiry, willAt := cs.expiryTime, cs.willTime
	cs.mu.Unlock()
	cs.setZombie(true)

	switch {
	case w != nil && opts.SuppressWill:
		if err := cs.UnsetWill(ctx); err != nil {
			log.Printf("[WARN] Failed to drop will of client %s: %v", cs.clientID, err)
		}
	case w != nil:
		e.wills.Schedule(cs.clientID, w, willAt.Sub(now))
	}
	log.Printf("[INFO] Client state %s is now a zombie (expiry %s)", cs.clientID, describeExpiry(expiry))

	if !expiry.IsZero() && !expiry.After(now) {
		e.expire(cs)
	}
	comp.completeInline(cs, false, nil)
	return comp
}

// disposeWill publishes the will of a client state that is going away now,
// unless the caller suppressed it or a thief resumes the session.
func (e *Engine) disposeWill(ctx context.Context, cs *ClientState, opts DestroyOptions) {
	cs.mu.Lock()
	w := cs.will
	cs.mu.Unlock()
	if w == nil || opts.SuppressWill {
		return
	}
	if t := cs.peekThief(); t != nil && t.inherit {
		return
	}
	if err := e.wills.PublishNow(ctx, cs.clientID, w); err != nil {
		log.Printf("[WARN] Will of client %s was not published: %v", cs.clientID, err)
	}
}

func (e *Engine) awaitFreed(cs *ClientState, comp *Completion) {
	select {
	case <-cs.freed:
		comp.completeInline(nil, false, nil)
	default:
		go func() {
			<-cs.freed
			comp.complete(nil, false, nil)
		}()
	}
}

// retire moves a zombie into state and drops its zombie reference. It
// reports false when cs is no longer an unclaimed zombie.
func (e *Engine) retire(cs *ClientState, state OpState) bool {
	cs.useMu.Lock()
	if cs.opState != StateZombie || cs.thief != nil {
		cs.useMu.Unlock()
		return false
	}
	cs.opState = state
	cs.discard = true
	cs.hold = true
	cs.useCount++
	cs.useMu.Unlock()

	cs.setZombie(false)
	cs.release(false)
	return true
}

// DiscardZombie removes the zombie client state for clientID with its
// durable records and waits until it is gone.
func (e *Engine) DiscardZombie(ctx context.Context, clientID string) error {
	g := e.reg.lock()
	cs := g.find(clientID)
	g.unlock()
	if cs == nil {
		return fmt.Errorf("discard %q: %w", clientID, ErrNotFound)
	}

	e.wills.Cancel(clientID)
	if !e.retire(cs, StateZombieRemoval) {
		return fmt.Errorf("discard %q: %w", clientID, ErrClientIDConnected)
	}
	log.Printf("[INFO] Discarding zombie client state %s", clientID)

	select {
	case <-cs.freed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceDiscard evicts the client state for clientID whether or not it is
// connected. A connected owner is asked to disconnect through its steal
// handler; the call returns once the id has been freed.
func (e *Engine) ForceDiscard(ctx context.Context, clientID string, reason string) error {
	cs, err := e.Find(clientID)
	if err != nil {
		return fmt.Errorf("force discard %q: %w", clientID, err)
	}
	cs.Release()

	log.Printf("[ERROR] Force discarding client state %s: %s", clientID, reason)
	comp := e.create(ctx, forceDiscardOptions(clientID), StealByAdmin)

	select {
	case <-comp.Done():
	case <-ctx.Done():
		if comp.abandon() {
			return ctx.Err()
		}
		<-comp.Done()
	}
	owner, _, err := comp.Result()
	if err != nil {
		return fmt.Errorf("force discard %q: %w", clientID, err)
	}
	return e.Destroy(ctx, owner, DestroyOptions{Discard: true, SuppressWill: true})
}

// forceDiscardOptions creates the engine-owned client state that evicts
// clientID. It can itself be taken over by a reconnecting client, which
// leaves the eviction to the final Destroy.
func forceDiscardOptions(clientID string) CreateOptions {
	return CreateOptions{
		ClientID:       clientID,
		Protocol:       ProtocolEngine,
		Durability:     NonDurable,
		ExpiryInterval: 0,
		CleanStart:     true,
		Steal:          true,
		StealHandler:   func(*ClientState, StealReason) {},
	}
}
