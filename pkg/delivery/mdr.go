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

// package delivery implements the per-client delivery id bookkeeping: the
// message delivery reference (MDR) table and the unreleased delivery list.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/turtacn/emqx-engine/pkg/metrics"
	"github.com/turtacn/emqx-engine/pkg/storage"
)

const (
	BaseDeliveryID uint32 = 1
	MaxDeliveryID  uint32 = 65535

	// DefaultMaxInflight is used when Config.MaxInflight is zero.
	DefaultMaxInflight uint32 = 128
	// DefaultReenablePercent is the share of MaxInflight the inflight count
	// must drop to before exhausted ids become available again.
	DefaultReenablePercent uint32 = 70

	chunkSize  = 256
	numChunks  = int((MaxDeliveryID - BaseDeliveryID + chunkSize) / chunkSize)
	orderIDGap = 1024
)

// MDR reference state bits.
const (
	StateOwnerIsQueue    uint8 = 0x01
	StateOwnerIsSubsc    uint8 = 0x02
	StateHandleIsRecord  uint8 = 0x04
	StateHandleIsMessage uint8 = 0x08
)

// QueueHandle identifies the queue or subscription a delivery belongs to.
type QueueHandle uint64

// Owner describes who a delivery id was assigned for. Queue and Node are
// only meaningful for shared destinations.
type Owner struct {
	Queue        QueueHandle
	Node         uint32
	Subscription bool
}

func (o Owner) stateBits() uint8 {
	if o.Subscription {
		return StateOwnerIsSubsc
	}
	return StateOwnerIsQueue
}

// ReleaseResult tells the caller whether it may resume sending.
type ReleaseResult int

const (
	Released ReleaseResult = iota
	// IDsAvailable is returned by the release that ends an exhausted period.
	IDsAvailable
)

// RelinquishOptions selects which slots Relinquish releases.
type RelinquishOptions uint8

const (
	// RelinquishMatching releases slots owned by one of the given queues.
	RelinquishMatching RelinquishOptions = 1 << iota
	// RelinquishNotMatching releases slots owned by none of the given queues.
	RelinquishNotMatching
)

// Config tunes a Table.
type Config struct {
	MaxInflight     uint32
	ReenablePercent uint32
	// Empty chunks are not cached once SubscriptionCount exceeds this,
	// unless MaxInflight is at least LargeInflightWindow.
	FreeChunkSubscriptionThreshold int64
	LargeInflightWindow            uint32
	SubscriptionCount              func() int64
}

type slot struct {
	inUse   bool
	pending bool
	id      uint32
	seq     uint64
	owner   Owner

	ownerRecord storage.Handle
	message     storage.Handle

	recordRef      storage.Handle
	messageRef     storage.Handle
	recordOrderID  uint64
	messageOrderID uint64
}

type chunk struct {
	slots [chunkSize]slot
	inUse int
}

// SlotInfo is a snapshot of one in-use delivery id.
type SlotInfo struct {
	DeliveryID  uint32
	Pending     bool
	Owner       Owner
	OwnerRecord storage.Handle
	Message     storage.Handle
	RecordRef   storage.Handle
	MessageRef  storage.Handle
}

// Stats is a snapshot of the table counters.
type Stats struct {
	NumDeliveryIDs   uint32
	MaxInflight      uint32
	InflightReenable uint32
	IDsExhausted     bool
	NextDeliveryID   uint32
	NextOrderID      uint64
	TargetMinActive  uint64
	MinActive        uint64
	BelowTarget      uint32
	AboveTarget      uint32
	Chunks           int
	CachedChunks     int
}

// Table is the delivery reference table of one client state.
type Table struct {
	mu      sync.Mutex
	store   storage.RecordStore
	owner   storage.Handle
	durable bool
	cfg     Config

	chunks     [numChunks]*chunk
	freeChunks [2]*chunk

	numIDs      uint32
	maxInflight uint32
	reenable    uint32
	exhausted   bool
	nextID      uint32
	seq         uint64

	nextOrderID     uint64
	targetMinActive uint64
	minActive       uint64
	below           uint32
	above           uint32
}

// NewTable creates a table whose references are written under owner (the
// client state record) when durable is set.
func NewTable(store storage.RecordStore, owner storage.Handle, durable bool, cfg Config) *Table {
	t := &Table{
		store:           store,
		owner:           owner,
		durable:         durable,
		cfg:             cfg,
		nextID:          BaseDeliveryID,
		nextOrderID:     1,
		targetMinActive: 1,
	}
	t.setMaxInflight(cfg.MaxInflight)
	return t
}

func (t *Table) setMaxInflight(max uint32) {
	if max == 0 {
		max = DefaultMaxInflight
	}
	if limit := MaxDeliveryID - BaseDeliveryID + 1; max > limit {
		max = limit
	}
	pct := t.cfg.ReenablePercent
	if pct == 0 || pct > 100 {
		pct = DefaultReenablePercent
	}
	t.maxInflight = max
	t.reenable = uint32(uint64(max) * uint64(pct) / 100)
}

// SetMaxInflight changes the inflight window, for example when a resumed
// session negotiates a different receive maximum.
func (t *Table) SetMaxInflight(max uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setMaxInflight(max)
	if t.exhausted && t.numIDs <= t.reenable {
		t.exhausted = false
	}
}

// SetOwner changes the record references are written under.
func (t *Table) SetOwner(owner storage.Handle, durable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.owner = owner
	t.durable = durable
}

// Owner returns the owning record handle.
func (t *Table) Owner() storage.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owner
}

func locate(id uint32) (int, int) {
	off := int(id - BaseDeliveryID)
	return off / chunkSize, off % chunkSize
}

func nextAfter(id uint32) uint32 {
	if id >= MaxDeliveryID {
		return BaseDeliveryID
	}
	return id + 1
}

func (t *Table) slotFor(id uint32) (*chunk, *slot) {
	if rangeCheck(id) != nil {
		return nil, nil
	}
	ci, si := locate(id)
	c := t.chunks[ci]
	if c == nil {
		return nil, nil
	}
	return c, &c.slots[si]
}

func (t *Table) allocChunk() *chunk {
	for i, c := range t.freeChunks {
		if c != nil {
			t.freeChunks[i] = nil
			return c
		}
	}
	return new(chunk)
}

func (t *Table) cacheAllowed() bool {
	if t.cfg.SubscriptionCount == nil || t.cfg.FreeChunkSubscriptionThreshold <= 0 {
		return true
	}
	if t.cfg.LargeInflightWindow > 0 && t.maxInflight >= t.cfg.LargeInflightWindow {
		return true
	}
	return t.cfg.SubscriptionCount() <= t.cfg.FreeChunkSubscriptionThreshold
}

func (t *Table) retireChunk(ci int) {
	c := t.chunks[ci]
	t.chunks[ci] = nil
	if !t.cacheAllowed() {
		return
	}
	for i := range t.freeChunks {
		if t.freeChunks[i] == nil {
			t.freeChunks[i] = c
			return
		}
	}
}

func (t *Table) clearSlot(c *chunk, s *slot) {
	ci, _ := locate(s.id)
	*s = slot{}
	c.inUse--
	t.numIDs--
	if c.inUse == 0 {
		t.retireChunk(ci)
	}
}

// uncount removes a live reference pair from the window counters.
func (t *Table) uncount(orderID uint64) {
	if orderID < t.targetMinActive {
		if t.below == 0 {
			ffdc("mdrBelowUnderflow", "orderID=%d target=%d", orderID, t.targetMinActive)
			return
		}
		t.below--
		return
	}
	if t.above == 0 {
		ffdc("mdrAboveUnderflow", "orderID=%d target=%d", orderID, t.targetMinActive)
		return
	}
	t.above--
}

// advanceWindow moves the target minimum active order id up to the next
// order id once no live reference is below the current target and enough
// order ids have been handed out since the last move.
func (t *Table) advanceWindow() {
	if t.below == 0 && t.nextOrderID-t.targetMinActive >= orderIDGap {
		t.minActive = t.targetMinActive
		t.targetMinActive = t.nextOrderID
		t.below = t.above
		t.above = 0
	}
}

// Assign reserves the next free delivery id for owner. The slot stays
// pending until WriteReference supplies its durable linkage.
func (t *Table) Assign(owner Owner) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.exhausted || t.numIDs >= t.maxInflight {
		t.exhausted = true
		metrics.DeliveryIDsExhaustedTotal.Inc()
		return 0, ErrIDsExhausted
	}

	id := t.nextID
	for probe := uint32(0); probe <= t.maxInflight; probe++ {
		ci, si := locate(id)
		c := t.chunks[ci]
		if c == nil {
			c = t.allocChunk()
			t.chunks[ci] = c
		}
		s := &c.slots[si]
		if !s.inUse {
			t.seq++
			*s = slot{inUse: true, pending: true, id: id, seq: t.seq, owner: owner}
			c.inUse++
			t.numIDs++
			t.nextID = nextAfter(id)
			return id, nil
		}
		id = nextAfter(id)
	}

	ffdc("mdrAssignNoSlot", "numIDs=%d max=%d next=%d", t.numIDs, t.maxInflight, t.nextID)
	t.exhausted = true
	return 0, ErrIDsExhausted
}

// WriteReference records the durable linkage of an assigned id. For a
// durable table two references are created under the owner record, one to
// ownerRecord and one to message. The table lock is not held across the
// store call.
func (t *Table) WriteReference(ctx context.Context, id uint32, ownerRecord, message storage.Handle) error {
	t.mu.Lock()
	_, s := t.slotFor(id)
	if s == nil || !s.inUse {
		t.mu.Unlock()
		return fmt.Errorf("write reference for %d: %w", id, ErrNotFound)
	}
	if !s.pending {
		t.mu.Unlock()
		return fmt.Errorf("write reference for %d: %w", id, ErrNotPending)
	}
	s.ownerRecord = ownerRecord
	s.message = message
	if !t.durable || t.owner == storage.NullHandle {
		s.pending = false
		t.mu.Unlock()
		return nil
	}

	t.advanceWindow()
	o1 := t.nextOrderID
	o2 := o1 + 1
	t.nextOrderID += 2
	t.above++
	minActive := t.minActive
	owner := t.owner
	seq := s.seq
	bits := s.owner.stateBits()
	t.mu.Unlock()

	var h1, h2 storage.Handle
	err := storage.Do(ctx, t.store, func(st storage.Stream) error {
		var err error
		h1, err = st.CreateReference(owner, storage.Reference{
			OrderID: o1, RefHandle: ownerRecord, Value: id, State: bits | StateHandleIsRecord,
		}, minActive)
		if err != nil {
			return err
		}
		h2, err = st.CreateReference(owner, storage.Reference{
			OrderID: o2, RefHandle: message, Value: id, State: bits | StateHandleIsMessage,
		}, minActive)
		return err
	})

	t.mu.Lock()
	if err != nil {
		t.uncount(o1)
		if t.nextOrderID == o2+1 {
			t.nextOrderID = o1
		}
		t.mu.Unlock()
		return fmt.Errorf("write reference for %d: %w", id, err)
	}

	_, s = t.slotFor(id)
	if s == nil || !s.inUse || s.seq != seq {
		// Released while the store call was in flight.
		t.uncount(o1)
		t.mu.Unlock()
		ffdc("mdrReleasedWhileWriting", "id=%d", id)
		if err := t.deleteRefs(ctx, owner, minActive, h1, h2); err != nil {
			return err
		}
		return fmt.Errorf("write reference for %d: %w", id, ErrNotFound)
	}
	s.recordRef, s.messageRef = h1, h2
	s.recordOrderID, s.messageOrderID = o1, o2
	s.pending = false
	t.mu.Unlock()
	return nil
}

func (t *Table) deleteRefs(ctx context.Context, owner storage.Handle, minActive uint64, hs ...storage.Handle) error {
	err := storage.Do(ctx, t.store, func(st storage.Stream) error {
		for _, h := range hs {
			if h == storage.NullHandle {
				continue
			}
			if err := st.DeleteReference(owner, h, minActive); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete delivery references: %w", err)
	}
	return nil
}

// Release frees an in-use delivery id and deletes its references. It
// returns IDsAvailable when this release ends an exhausted period.
func (t *Table) Release(ctx context.Context, id uint32) (ReleaseResult, error) {
	t.mu.Lock()
	c, s := t.slotFor(id)
	if s == nil || !s.inUse {
		t.mu.Unlock()
		return Released, fmt.Errorf("release %d: %w", id, ErrNotFound)
	}
	h1, h2 := s.recordRef, s.messageRef
	if h1 != storage.NullHandle || h2 != storage.NullHandle {
		t.uncount(s.recordOrderID)
	}
	owner := t.owner
	minActive := t.minActive
	t.clearSlot(c, s)

	result := Released
	if t.exhausted && t.numIDs <= t.reenable {
		t.exhausted = false
		result = IDsAvailable
	}
	t.mu.Unlock()

	if h1 != storage.NullHandle || h2 != storage.NullHandle {
		if err := t.deleteRefs(ctx, owner, minActive, h1, h2); err != nil {
			return result, err
		}
	}
	return result, nil
}

// Relinquish releases every in-use id whose owning queue is (or, with
// RelinquishNotMatching, is not) in queues. It returns how many ids were
// released and IDsAvailable if any release ended an exhausted period.
func (t *Table) Relinquish(ctx context.Context, queues []QueueHandle, opts RelinquishOptions) (int, ReleaseResult, error) {
	set := make(map[QueueHandle]struct{}, len(queues))
	for _, q := range queues {
		set[q] = struct{}{}
	}

	var ids []uint32
	t.mu.Lock()
	for _, c := range t.chunks {
		if c == nil {
			continue
		}
		for i := range c.slots {
			s := &c.slots[i]
			if !s.inUse {
				continue
			}
			_, match := set[s.owner.Queue]
			if (match && opts&RelinquishMatching != 0) || (!match && opts&RelinquishNotMatching != 0) {
				ids = append(ids, s.id)
			}
		}
	}
	t.mu.Unlock()

	result := Released
	released := 0
	var firstErr error
	for _, id := range ids {
		res, err := t.Release(ctx, id)
		if res == IDsAvailable {
			result = IDsAvailable
		}
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
		released++
	}
	return released, result, firstErr
}

// Rehydrate restores one half of a reference pair found in the store during
// recovery. Pairs left incomplete are dropped by CompleteRehydration.
func (t *Table) Rehydrate(h storage.Handle, ref storage.Reference, queue QueueHandle) error {
	id := ref.Value
	if err := rangeCheck(id); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ci, si := locate(id)
	c := t.chunks[ci]
	if c == nil {
		c = t.allocChunk()
		t.chunks[ci] = c
	}
	s := &c.slots[si]
	if !s.inUse {
		t.seq++
		*s = slot{inUse: true, pending: true, id: id, seq: t.seq}
		c.inUse++
		t.numIDs++
	}

	switch {
	case ref.State&StateHandleIsRecord != 0:
		if s.recordRef != storage.NullHandle {
			ffdc("mdrDuplicateRecordHalf", "id=%d existing=%d new=%d", id, s.recordRef, h)
		}
		s.recordRef = h
		s.recordOrderID = ref.OrderID
		s.ownerRecord = ref.RefHandle
		s.owner = Owner{Queue: queue, Subscription: ref.State&StateOwnerIsSubsc != 0}
	case ref.State&StateHandleIsMessage != 0:
		if s.messageRef != storage.NullHandle {
			ffdc("mdrDuplicateMessageHalf", "id=%d existing=%d new=%d", id, s.messageRef, h)
		}
		s.messageRef = h
		s.messageOrderID = ref.OrderID
		s.message = ref.RefHandle
	default:
		ffdc("mdrUnknownReferenceState", "id=%d state=%#x", id, ref.State)
	}
	s.pending = s.recordRef == storage.NullHandle || s.messageRef == storage.NullHandle

	if ref.OrderID >= t.nextOrderID {
		t.nextOrderID = ref.OrderID + 1
	}
	t.nextID = nextAfter(id)
	return nil
}

// CompleteRehydration drops half-restored reference pairs and rebuilds the
// order id window from what survived.
func (t *Table) CompleteRehydration(ctx context.Context) error {
	t.mu.Lock()
	var orphans []storage.Handle
	for _, c := range t.chunks {
		if c == nil {
			continue
		}
		for i := range c.slots {
			s := &c.slots[i]
			if !s.inUse || !s.pending {
				continue
			}
			ffdc("mdrHalfRehydrated", "id=%d recordRef=%d messageRef=%d", s.id, s.recordRef, s.messageRef)
			orphans = append(orphans, s.recordRef, s.messageRef)
			t.clearSlot(c, s)
		}
	}

	if t.owner != storage.NullHandle {
		t.minActive = t.store.MinimumActiveOrderID(t.owner)
	}
	t.targetMinActive = t.minActive
	if t.targetMinActive == 0 {
		t.targetMinActive = 1
	}
	if t.nextOrderID < t.targetMinActive {
		t.nextOrderID = t.targetMinActive
	}
	t.below = 0
	t.above = t.numIDs
	owner := t.owner
	minActive := t.minActive
	t.mu.Unlock()

	if len(orphans) == 0 {
		return nil
	}
	return t.deleteRefs(ctx, owner, minActive, orphans...)
}

// DeleteReferences adds a delete of every durable reference to st. It is
// used when the owning client state is being cleaned up.
func (t *Table) DeleteReferences(st storage.Stream) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.chunks {
		if c == nil {
			continue
		}
		for i := range c.slots {
			s := &c.slots[i]
			for _, h := range []storage.Handle{s.recordRef, s.messageRef} {
				if h == storage.NullHandle {
					continue
				}
				if err := st.DeleteReference(t.owner, h, t.minActive); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// Reset drops every slot without touching the store.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.chunks = [numChunks]*chunk{}
	t.freeChunks = [2]*chunk{}
	t.numIDs = 0
	t.exhausted = false
	t.below = 0
	t.above = 0
}

// Slot returns a snapshot of an in-use delivery id.
func (t *Table) Slot(id uint32) (SlotInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, s := t.slotFor(id)
	if s == nil || !s.inUse {
		return SlotInfo{}, false
	}
	return SlotInfo{
		DeliveryID:  s.id,
		Pending:     s.pending,
		Owner:       s.owner,
		OwnerRecord: s.ownerRecord,
		Message:     s.message,
		RecordRef:   s.recordRef,
		MessageRef:  s.messageRef,
	}, true
}

// InUseIDs returns the in-use delivery ids in ascending order.
func (t *Table) InUseIDs() []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]uint32, 0, t.numIDs)
	for _, c := range t.chunks {
		if c == nil {
			continue
		}
		for i := range c.slots {
			if c.slots[i].inUse {
				ids = append(ids, c.slots[i].id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Stats returns a snapshot of the counters.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Stats{
		NumDeliveryIDs:   t.numIDs,
		MaxInflight:      t.maxInflight,
		InflightReenable: t.reenable,
		IDsExhausted:     t.exhausted,
		NextDeliveryID:   t.nextID,
		NextOrderID:      t.nextOrderID,
		TargetMinActive:  t.targetMinActive,
		MinActive:        t.minActive,
		BelowTarget:      t.below,
		AboveTarget:      t.above,
	}
	for _, c := range t.chunks {
		if c != nil {
			st.Chunks++
		}
	}
	for _, c := range t.freeChunks {
		if c != nil {
			st.CachedChunks++
		}
	}
	return st
}
