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

package delivery

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/turtacn/emqx-engine/pkg/storage"
	"github.com/turtacn/emqx-engine/pkg/txn"
)

const unreleasedChunkSize = 16

type txnOp uint8

const (
	txnNone txnOp = iota
	txnAdding
	txnRemoving
)

type unreleasedEntry struct {
	used   bool
	id     uint32
	op     txnOp
	handle storage.Handle
}

type unreleasedChunk struct {
	entries [unreleasedChunkSize]unreleasedEntry
	used    int
}

// UnreleasedList holds the delivery ids awaiting a second-phase
// acknowledgement. Entries are persisted as store states of the owner
// record when the client is durable.
type UnreleasedList struct {
	mu      sync.Mutex
	store   storage.RecordStore
	owner   storage.Handle
	durable bool
	chunks  []*unreleasedChunk
}

// NewUnreleasedList creates an empty list.
func NewUnreleasedList(store storage.RecordStore, owner storage.Handle, durable bool) *UnreleasedList {
	return &UnreleasedList{
		store:   store,
		owner:   owner,
		durable: durable,
		chunks:  []*unreleasedChunk{new(unreleasedChunk)},
	}
}

// SetOwner changes the record states are written under.
func (l *UnreleasedList) SetOwner(owner storage.Handle, durable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.owner = owner
	l.durable = durable
}

func (l *UnreleasedList) find(id uint32) (*unreleasedChunk, *unreleasedEntry) {
	for _, c := range l.chunks {
		if c.used == 0 {
			continue
		}
		for i := range c.entries {
			if e := &c.entries[i]; e.used && e.id == id {
				return c, e
			}
		}
	}
	return nil, nil
}

func (l *UnreleasedList) reserve(id uint32) *unreleasedEntry {
	for _, c := range l.chunks {
		if c.used == unreleasedChunkSize {
			continue
		}
		for i := range c.entries {
			if e := &c.entries[i]; !e.used {
				*e = unreleasedEntry{used: true, id: id}
				c.used++
				return e
			}
		}
	}
	c := new(unreleasedChunk)
	l.chunks = append(l.chunks, c)
	c.entries[0] = unreleasedEntry{used: true, id: id}
	c.used = 1
	return &c.entries[0]
}

// clear empties e. An emptied chunk other than the head is freed.
func (l *UnreleasedList) clear(c *unreleasedChunk, e *unreleasedEntry) {
	*e = unreleasedEntry{}
	c.used--
	if c.used > 0 || c == l.chunks[0] {
		return
	}
	for i, cc := range l.chunks {
		if cc == c {
			l.chunks = append(l.chunks[:i], l.chunks[i+1:]...)
			return
		}
	}
}

func (l *UnreleasedList) persistent() bool {
	return l.durable && l.owner != storage.NullHandle
}

// Add records id as unreleased. A second non-transactional add of the same
// id is a no-op. With tx set the entry only becomes committed when tx
// commits and disappears if it rolls back.
func (l *UnreleasedList) Add(ctx context.Context, id uint32, tx *txn.Transaction) error {
	l.mu.Lock()
	if _, e := l.find(id); e != nil {
		op := e.op
		l.mu.Unlock()
		if op != txnNone && tx != nil {
			return fmt.Errorf("add unreleased %d: %w", id, ErrInTransaction)
		}
		return nil
	}
	e := l.reserve(id)
	owner := l.owner
	persist := l.persistent()

	if tx != nil {
		e.op = txnAdding
		l.mu.Unlock()

		var h storage.Handle
		if persist {
			if err := tx.Record(func(st storage.Stream) error {
				var err error
				h, err = st.CreateState(owner, id)
				return err
			}); err != nil {
				l.drop(id)
				return err
			}
		}
		return tx.AddSoftLog(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if _, e := l.find(id); e != nil {
				e.op = txnNone
				e.handle = h
			}
		}, func() {
			l.drop(id)
		})
	}
	l.mu.Unlock()

	if !persist {
		return nil
	}
	var h storage.Handle
	err := storage.Do(ctx, l.store, func(st storage.Stream) error {
		var err error
		h, err = st.CreateState(owner, id)
		return err
	})
	if err != nil {
		l.drop(id)
		return fmt.Errorf("add unreleased %d: %w", id, err)
	}
	l.mu.Lock()
	if _, e := l.find(id); e != nil {
		e.handle = h
	}
	l.mu.Unlock()
	return nil
}

func (l *UnreleasedList) drop(id uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, e := l.find(id); e != nil {
		l.clear(c, e)
	}
}

// Remove drops id from the list. With tx set the entry is removed when tx
// commits and restored if it rolls back.
func (l *UnreleasedList) Remove(ctx context.Context, id uint32, tx *txn.Transaction) error {
	l.mu.Lock()
	_, e := l.find(id)
	if e == nil {
		l.mu.Unlock()
		return fmt.Errorf("remove unreleased %d: %w", id, ErrNotFound)
	}
	if e.op != txnNone {
		l.mu.Unlock()
		return fmt.Errorf("remove unreleased %d: %w", id, ErrInTransaction)
	}
	h := e.handle
	owner := l.owner

	if tx != nil {
		e.op = txnRemoving
		l.mu.Unlock()
		if h != storage.NullHandle {
			if err := tx.Record(func(st storage.Stream) error {
				return st.DeleteState(owner, h)
			}); err != nil {
				l.setOp(id, txnNone)
				return err
			}
		}
		return tx.AddSoftLog(func() {
			l.drop(id)
		}, func() {
			l.setOp(id, txnNone)
		})
	}

	// Mark the entry so a concurrent remove cannot delete the state twice.
	e.op = txnRemoving
	l.mu.Unlock()

	if h != storage.NullHandle {
		err := storage.Do(ctx, l.store, func(st storage.Stream) error {
			return st.DeleteState(owner, h)
		})
		if err != nil {
			l.setOp(id, txnNone)
			return fmt.Errorf("remove unreleased %d: %w", id, err)
		}
	}
	l.drop(id)
	return nil
}

func (l *UnreleasedList) setOp(id uint32, op txnOp) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, e := l.find(id); e != nil {
		e.op = op
	}
}

// Rehydrate restores an entry found in the store during recovery.
func (l *UnreleasedList) Rehydrate(id uint32, h storage.Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, e := l.find(id); e != nil {
		ffdc("unreleasedDuplicate", "id=%d existing=%d new=%d", id, e.handle, h)
		return
	}
	e := l.reserve(id)
	e.handle = h
}

// List returns the committed unreleased ids in ascending order. Entries with
// a pending transactional add are left out.
func (l *UnreleasedList) List() []uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	var ids []uint32
	for _, c := range l.chunks {
		for i := range c.entries {
			if e := &c.entries[i]; e.used && e.op != txnAdding {
				ids = append(ids, e.id)
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of entries, including pending ones.
func (l *UnreleasedList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.chunks {
		n += c.used
	}
	return n
}

// Chunks returns the number of allocated chunks.
func (l *UnreleasedList) Chunks() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chunks)
}

// DeleteStates adds a delete of every persisted entry to st.
func (l *UnreleasedList) DeleteStates(st storage.Stream) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.chunks {
		for i := range c.entries {
			e := &c.entries[i]
			if !e.used || e.handle == storage.NullHandle {
				continue
			}
			if err := st.DeleteState(l.owner, e.handle); err != nil {
				return err
			}
		}
	}
	return nil
}

// Reset drops every entry without touching the store.
func (l *UnreleasedList) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.chunks = []*unreleasedChunk{new(unreleasedChunk)}
}
