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

package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemStore is an in-memory implementation of the RecordStore interface.
// Operations on a stream are buffered and applied atomically on Commit under
// a write lock, so readers never observe half of a unit of work.
//
// A non-zero GenerationLimit makes the store report ErrGenerationFull once a
// generation has absorbed that many operations; rolling back the failed stream
// starts a fresh generation. Tests use it to exercise the retry paths.
type MemStore struct {
	mu        sync.RWMutex
	next      Handle
	records   map[Handle]Record
	refs      map[Handle]map[Handle]Reference
	states    map[Handle]map[Handle]uint32
	minActive map[Handle]uint64
	health    Health
	closed    bool

	generationLimit int
	generationUsed  int
	generation      int
	commits         int
}

// NewMemStore creates and returns a new instance of MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		records:   make(map[Handle]Record),
		refs:      make(map[Handle]map[Handle]Reference),
		states:    make(map[Handle]map[Handle]uint32),
		minActive: make(map[Handle]uint64),
	}
}

// SetGenerationLimit sets the number of operations one generation accepts.
// Zero disables generation-full simulation.
func (s *MemStore) SetGenerationLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generationLimit = n
	s.generationUsed = 0
}

// SetHealth overrides the reported store health.
func (s *MemStore) SetHealth(h Health) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health = h
}

// Generation returns the current generation number.
func (s *MemStore) Generation() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Commits returns the number of successfully committed streams.
func (s *MemStore) Commits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}

// RecordCount returns the number of records of the given type.
func (s *MemStore) RecordCount(typ RecordType) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rec := range s.records {
		if rec.Type == typ {
			n++
		}
	}
	return n
}

// ReferenceCount returns the number of references held by owner.
func (s *MemStore) ReferenceCount(owner Handle) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.refs[owner])
}

// StateCount returns the number of states held by owner.
func (s *MemStore) StateCount(owner Handle) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states[owner])
}

// NewStream opens a new buffered stream.
func (s *MemStore) NewStream() (Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return &memStream{store: s}, nil
}

// Health reports the configured health.
func (s *MemStore) Health() Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return HealthDegraded
	}
	return s.health
}

// ReadRecord returns a copy of the record with handle h.
func (s *MemStore) ReadRecord(_ context.Context, h Handle) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[h]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec.Data = append([]byte(nil), rec.Data...)
	return rec, nil
}

// Records calls fn for each record of the given type in handle order.
func (s *MemStore) Records(ctx context.Context, typ RecordType, fn func(Handle, Record) error) error {
	s.mu.RLock()
	var handles []Handle
	snapshot := make(map[Handle]Record)
	for h, rec := range s.records {
		if rec.Type == typ {
			handles = append(handles, h)
			rec.Data = append([]byte(nil), rec.Data...)
			snapshot[h] = rec
		}
	}
	s.mu.RUnlock()

	sortHandles(handles)
	for _, h := range handles {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(h, snapshot[h]); err != nil {
			return err
		}
	}
	return nil
}

// References calls fn for each reference held by owner in order-id order.
func (s *MemStore) References(ctx context.Context, owner Handle, fn func(Handle, Reference) error) error {
	s.mu.RLock()
	type entry struct {
		h   Handle
		ref Reference
	}
	var entries []entry
	for h, ref := range s.refs[owner] {
		entries = append(entries, entry{h, ref})
	}
	s.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].ref.OrderID < entries[j].ref.OrderID })
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(e.h, e.ref); err != nil {
			return err
		}
	}
	return nil
}

// States calls fn for each state held by owner in handle order.
func (s *MemStore) States(ctx context.Context, owner Handle, fn func(Handle, uint32) error) error {
	s.mu.RLock()
	var handles []Handle
	values := make(map[Handle]uint32)
	for h, v := range s.states[owner] {
		handles = append(handles, h)
		values[h] = v
	}
	s.mu.RUnlock()

	sortHandles(handles)
	for _, h := range handles {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(h, values[h]); err != nil {
			return err
		}
	}
	return nil
}

// MinimumActiveOrderID returns the last minimum active order id reported for owner.
func (s *MemStore) MinimumActiveOrderID(owner Handle) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.minActive[owner]
}

// Close marks the store closed.
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func sortHandles(hs []Handle) {
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
}

type memOp func(s *MemStore) (undo func(), err error)

type memStream struct {
	store   *MemStore
	ops     []memOp
	done    bool
	sawFull bool
	opCount int
}

func (st *memStream) admit() error {
	if st.done {
		return ErrClosed
	}
	s := st.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.generationLimit > 0 && s.generationUsed+st.opCount+1 > s.generationLimit {
		st.sawFull = true
		return ErrGenerationFull
	}
	st.opCount++
	return nil
}

func (st *memStream) allocHandle() Handle {
	s := st.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return s.next
}

func (st *memStream) CreateRecord(rec Record) (Handle, error) {
	if err := st.admit(); err != nil {
		return NullHandle, err
	}
	h := st.allocHandle()
	rec.Data = append([]byte(nil), rec.Data...)
	st.ops = append(st.ops, func(s *MemStore) (func(), error) {
		s.records[h] = rec
		return func() { delete(s.records, h) }, nil
	})
	return h, nil
}

func (st *memStream) UpdateRecord(h Handle, rec Record) error {
	if err := st.admit(); err != nil {
		return err
	}
	rec.Data = append([]byte(nil), rec.Data...)
	st.ops = append(st.ops, func(s *MemStore) (func(), error) {
		old, ok := s.records[h]
		if !ok {
			return nil, fmt.Errorf("update record %d: %w", h, ErrNotFound)
		}
		rec.Type = old.Type
		s.records[h] = rec
		return func() { s.records[h] = old }, nil
	})
	return nil
}

func (st *memStream) UpdateRecordState(h Handle, state uint64) error {
	if err := st.admit(); err != nil {
		return err
	}
	st.ops = append(st.ops, func(s *MemStore) (func(), error) {
		old, ok := s.records[h]
		if !ok {
			return nil, fmt.Errorf("update record state %d: %w", h, ErrNotFound)
		}
		upd := old
		upd.State = state
		s.records[h] = upd
		return func() { s.records[h] = old }, nil
	})
	return nil
}

func (st *memStream) DeleteRecord(h Handle) error {
	if err := st.admit(); err != nil {
		return err
	}
	st.ops = append(st.ops, func(s *MemStore) (func(), error) {
		old, ok := s.records[h]
		if !ok {
			return nil, fmt.Errorf("delete record %d: %w", h, ErrNotFound)
		}
		delete(s.records, h)
		oldRefs, hadRefs := s.refs[h]
		oldStates, hadStates := s.states[h]
		oldMin, hadMin := s.minActive[h]
		delete(s.refs, h)
		delete(s.states, h)
		delete(s.minActive, h)
		return func() {
			s.records[h] = old
			if hadRefs {
				s.refs[h] = oldRefs
			}
			if hadStates {
				s.states[h] = oldStates
			}
			if hadMin {
				s.minActive[h] = oldMin
			}
		}, nil
	})
	return nil
}

func (st *memStream) CreateReference(owner Handle, ref Reference, minActiveOrderID uint64) (Handle, error) {
	if err := st.admit(); err != nil {
		return NullHandle, err
	}
	if ref.OrderID < st.store.MinimumActiveOrderID(owner) {
		return NullHandle, fmt.Errorf("reference order id %d for owner %d: %w", ref.OrderID, owner, ErrOrderIDBelowMinimum)
	}
	h := st.allocHandle()
	st.ops = append(st.ops, func(s *MemStore) (func(), error) {
		if _, ok := s.records[owner]; !ok {
			return nil, fmt.Errorf("reference owner %d: %w", owner, ErrNotFound)
		}
		m := s.refs[owner]
		if m == nil {
			m = make(map[Handle]Reference)
			s.refs[owner] = m
		}
		m[h] = ref
		undoMin := s.raiseMinActive(owner, minActiveOrderID)
		return func() {
			delete(m, h)
			undoMin()
		}, nil
	})
	return h, nil
}

func (st *memStream) DeleteReference(owner Handle, h Handle, minActiveOrderID uint64) error {
	if err := st.admit(); err != nil {
		return err
	}
	st.ops = append(st.ops, func(s *MemStore) (func(), error) {
		m := s.refs[owner]
		old, ok := m[h]
		if !ok {
			return nil, fmt.Errorf("delete reference %d of owner %d: %w", h, owner, ErrNotFound)
		}
		delete(m, h)
		undoMin := s.raiseMinActive(owner, minActiveOrderID)
		return func() {
			m[h] = old
			undoMin()
		}, nil
	})
	return nil
}

func (st *memStream) CreateState(owner Handle, value uint32) (Handle, error) {
	if err := st.admit(); err != nil {
		return NullHandle, err
	}
	h := st.allocHandle()
	st.ops = append(st.ops, func(s *MemStore) (func(), error) {
		if _, ok := s.records[owner]; !ok {
			return nil, fmt.Errorf("state owner %d: %w", owner, ErrNotFound)
		}
		m := s.states[owner]
		if m == nil {
			m = make(map[Handle]uint32)
			s.states[owner] = m
		}
		m[h] = value
		return func() { delete(m, h) }, nil
	})
	return h, nil
}

func (st *memStream) DeleteState(owner Handle, h Handle) error {
	if err := st.admit(); err != nil {
		return err
	}
	st.ops = append(st.ops, func(s *MemStore) (func(), error) {
		m := s.states[owner]
		old, ok := m[h]
		if !ok {
			return nil, fmt.Errorf("delete state %d of owner %d: %w", h, owner, ErrNotFound)
		}
		delete(m, h)
		return func() { m[h] = old }, nil
	})
	return nil
}

// Commit applies every buffered operation, or none of them.
func (st *memStream) Commit(ctx context.Context) error {
	if st.done {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s := st.store
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	undos := make([]func(), 0, len(st.ops))
	for _, op := range st.ops {
		undo, err := op(s)
		if err != nil {
			for i := len(undos) - 1; i >= 0; i-- {
				undos[i]()
			}
			return err
		}
		undos = append(undos, undo)
	}

	st.done = true
	s.generationUsed += st.opCount
	s.commits++
	return nil
}

// Rollback discards the buffered operations. A stream that hit
// ErrGenerationFull moves the store to a fresh generation.
func (st *memStream) Rollback() error {
	if st.done {
		return ErrClosed
	}
	st.done = true
	st.ops = nil
	if st.sawFull {
		s := st.store
		s.mu.Lock()
		s.generation++
		s.generationUsed = 0
		s.mu.Unlock()
	}
	return nil
}

func (s *MemStore) raiseMinActive(owner Handle, v uint64) func() {
	old, had := s.minActive[owner]
	if v <= old {
		return func() {}
	}
	s.minActive[owner] = v
	return func() {
		if had {
			s.minActive[owner] = old
		} else {
			delete(s.minActive, owner)
		}
	}
}
