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

// Package levelstore implements storage.RecordStore on top of goleveldb.
// Each stream is a leveldb.Batch that is written with a synced write on
// commit, which gives the all-or-nothing unit the engine expects.
package levelstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	lvstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/turtacn/emqx-engine/pkg/storage"
)

const (
	prefixRecord    = 'r'
	prefixReference = 'f'
	prefixState     = 's'
	prefixWatermark = 'w'
)

var metaNextHandle = []byte("m/next")

// Store is a goleveldb-backed record store.
type Store struct {
	db     *leveldb.DB
	path   string
	next   atomic.Uint64
	mu     sync.RWMutex
	closed bool

	// commitMu orders batch writes so the persisted handle counter only grows.
	commitMu sync.Mutex

	writeOpts *opt.WriteOptions
	readOpts  *opt.ReadOptions
}

// Open opens (creating if needed) a store in the directory at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
	}
	return newStore(db, path)
}

// OpenStorage opens a store over an arbitrary goleveldb storage, such as
// lvstorage.NewMemStorage() in tests.
func OpenStorage(stor lvstorage.Storage) (*Store, error) {
	db, err := leveldb.Open(stor, &opt.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb storage: %w", err)
	}
	return newStore(db, "")
}

func newStore(db *leveldb.DB, path string) (*Store, error) {
	s := &Store{
		db:        db,
		path:      path,
		writeOpts: &opt.WriteOptions{Sync: true},
		readOpts:  &opt.ReadOptions{},
	}
	v, err := db.Get(metaNextHandle, s.readOpts)
	switch {
	case err == nil:
		s.next.Store(binary.BigEndian.Uint64(v))
	case errors.Is(err, leveldb.ErrNotFound):
	default:
		db.Close()
		return nil, fmt.Errorf("failed to read handle counter: %w", err)
	}
	log.Printf("[INFO] Opened leveldb record store %q (next handle %d)", path, s.next.Load())
	return s, nil
}

// NewStream opens a batch-backed stream.
func (s *Store) NewStream() (storage.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	return &stream{
		store:   s,
		batch:   new(leveldb.Batch),
		pending: make(map[storage.Handle]*storage.Record),
		deleted: make(map[string]bool),
	}, nil
}

// Health reports HealthDegraded once the store is closed.
func (s *Store) Health() storage.Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.HealthDegraded
	}
	return storage.HealthOK
}

// ReadRecord reads a committed record.
func (s *Store) ReadRecord(_ context.Context, h storage.Handle) (storage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.Record{}, storage.ErrClosed
	}
	return s.readRecord(h)
}

func (s *Store) readRecord(h storage.Handle) (storage.Record, error) {
	v, err := s.db.Get(recordKey(h), s.readOpts)
	if errors.Is(err, leveldb.ErrNotFound) {
		return storage.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Record{}, fmt.Errorf("error retrieving record %d: %w", h, err)
	}
	return decodeRecord(v)
}

// Records iterates committed records of one type in handle order.
func (s *Store) Records(ctx context.Context, typ storage.RecordType, fn func(storage.Handle, storage.Record) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}
	itr := s.db.NewIterator(util.BytesPrefix([]byte{prefixRecord}), s.readOpts)
	defer itr.Release()
	for itr.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := decodeRecord(itr.Value())
		if err != nil {
			return err
		}
		if rec.Type != typ {
			continue
		}
		if err := fn(storage.Handle(binary.BigEndian.Uint64(itr.Key()[1:])), rec); err != nil {
			return err
		}
	}
	return itr.Error()
}

// References iterates the references of owner in order-id order.
func (s *Store) References(ctx context.Context, owner storage.Handle, fn func(storage.Handle, storage.Reference) error) error {
	s.mu.RLock()
	type entry struct {
		h   storage.Handle
		ref storage.Reference
	}
	var entries []entry
	itr := s.db.NewIterator(util.BytesPrefix(ownerPrefix(prefixReference, owner)), s.readOpts)
	for itr.Next() {
		ref, err := decodeReference(itr.Value())
		if err != nil {
			itr.Release()
			s.mu.RUnlock()
			return err
		}
		entries = append(entries, entry{storage.Handle(binary.BigEndian.Uint64(itr.Key()[9:])), ref})
	}
	itr.Release()
	err := itr.Error()
	s.mu.RUnlock()
	if err != nil {
		return err
	}

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

// States iterates the states of owner in handle order.
func (s *Store) States(ctx context.Context, owner storage.Handle, fn func(storage.Handle, uint32) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	itr := s.db.NewIterator(util.BytesPrefix(ownerPrefix(prefixState, owner)), s.readOpts)
	defer itr.Release()
	for itr.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(itr.Value()) != 4 {
			return fmt.Errorf("corrupt state value under owner %d", owner)
		}
		h := storage.Handle(binary.BigEndian.Uint64(itr.Key()[9:]))
		if err := fn(h, binary.BigEndian.Uint32(itr.Value())); err != nil {
			return err
		}
	}
	return itr.Error()
}

// MinimumActiveOrderID returns the persisted watermark for owner.
func (s *Store) MinimumActiveOrderID(owner storage.Handle) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, err := s.db.Get(ownerPrefix(prefixWatermark, owner), s.readOpts)
	if err != nil || len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

// Close closes the underlying db.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.db.Close(); err != nil {
		log.Printf("[ERROR] Error closing leveldb: %v", err)
		return err
	}
	return nil
}

type stream struct {
	store   *Store
	batch   *leveldb.Batch
	pending map[storage.Handle]*storage.Record
	deleted map[string]bool
	// watermarks raised in this stream, applied with the batch
	watermarks map[storage.Handle]uint64
	done       bool
}

func (st *stream) check() error {
	if st.done {
		return storage.ErrClosed
	}
	return nil
}

func (st *stream) allocHandle() storage.Handle {
	return storage.Handle(st.store.next.Add(1))
}

func (st *stream) lookup(h storage.Handle) (storage.Record, error) {
	if st.deleted[string(recordKey(h))] {
		return storage.Record{}, storage.ErrNotFound
	}
	if rec, ok := st.pending[h]; ok {
		return *rec, nil
	}
	return st.store.readRecord(h)
}

func (st *stream) put(h storage.Handle, rec storage.Record) {
	key := recordKey(h)
	delete(st.deleted, string(key))
	st.pending[h] = &rec
	st.batch.Put(key, encodeRecord(rec))
}

func (st *stream) CreateRecord(rec storage.Record) (storage.Handle, error) {
	if err := st.check(); err != nil {
		return storage.NullHandle, err
	}
	h := st.allocHandle()
	rec.Data = append([]byte(nil), rec.Data...)
	st.put(h, rec)
	return h, nil
}

func (st *stream) UpdateRecord(h storage.Handle, rec storage.Record) error {
	if err := st.check(); err != nil {
		return err
	}
	old, err := st.lookup(h)
	if err != nil {
		return fmt.Errorf("update record %d: %w", h, err)
	}
	rec.Type = old.Type
	rec.Data = append([]byte(nil), rec.Data...)
	st.put(h, rec)
	return nil
}

func (st *stream) UpdateRecordState(h storage.Handle, state uint64) error {
	if err := st.check(); err != nil {
		return err
	}
	rec, err := st.lookup(h)
	if err != nil {
		return fmt.Errorf("update record state %d: %w", h, err)
	}
	rec.State = state
	st.put(h, rec)
	return nil
}

func (st *stream) DeleteRecord(h storage.Handle) error {
	if err := st.check(); err != nil {
		return err
	}
	if _, err := st.lookup(h); err != nil {
		return fmt.Errorf("delete record %d: %w", h, err)
	}
	key := recordKey(h)
	delete(st.pending, h)
	st.deleted[string(key)] = true
	st.batch.Delete(key)
	st.batch.Delete(ownerPrefix(prefixWatermark, h))

	// Owned references and states go with the record.
	for _, prefix := range []byte{prefixReference, prefixState} {
		itr := st.store.db.NewIterator(util.BytesPrefix(ownerPrefix(prefix, h)), st.store.readOpts)
		for itr.Next() {
			st.batch.Delete(append([]byte(nil), itr.Key()...))
		}
		itr.Release()
		if err := itr.Error(); err != nil {
			return err
		}
	}
	return nil
}

func (st *stream) raiseWatermark(owner storage.Handle, v uint64) {
	if v == 0 {
		return
	}
	if st.watermarks == nil {
		st.watermarks = make(map[storage.Handle]uint64)
	}
	cur, ok := st.watermarks[owner]
	if !ok {
		cur = st.store.MinimumActiveOrderID(owner)
	}
	if v > cur {
		st.watermarks[owner] = v
	}
}

func (st *stream) CreateReference(owner storage.Handle, ref storage.Reference, minActiveOrderID uint64) (storage.Handle, error) {
	if err := st.check(); err != nil {
		return storage.NullHandle, err
	}
	if _, err := st.lookup(owner); err != nil {
		return storage.NullHandle, fmt.Errorf("reference owner %d: %w", owner, err)
	}
	if ref.OrderID < st.store.MinimumActiveOrderID(owner) {
		return storage.NullHandle, fmt.Errorf("reference order id %d for owner %d: %w", ref.OrderID, owner, storage.ErrOrderIDBelowMinimum)
	}
	h := st.allocHandle()
	st.batch.Put(ownedKey(prefixReference, owner, h), encodeReference(ref))
	st.raiseWatermark(owner, minActiveOrderID)
	return h, nil
}

func (st *stream) DeleteReference(owner storage.Handle, h storage.Handle, minActiveOrderID uint64) error {
	if err := st.check(); err != nil {
		return err
	}
	st.batch.Delete(ownedKey(prefixReference, owner, h))
	st.raiseWatermark(owner, minActiveOrderID)
	return nil
}

func (st *stream) CreateState(owner storage.Handle, value uint32) (storage.Handle, error) {
	if err := st.check(); err != nil {
		return storage.NullHandle, err
	}
	if _, err := st.lookup(owner); err != nil {
		return storage.NullHandle, fmt.Errorf("state owner %d: %w", owner, err)
	}
	h := st.allocHandle()
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, value)
	st.batch.Put(ownedKey(prefixState, owner, h), v)
	return h, nil
}

func (st *stream) DeleteState(owner storage.Handle, h storage.Handle) error {
	if err := st.check(); err != nil {
		return err
	}
	st.batch.Delete(ownedKey(prefixState, owner, h))
	return nil
}

// Commit writes the batch with a synced write. The handle counter is
// persisted in the same batch, and batches are written one at a time, so
// handles are never reused after restart.
func (st *stream) Commit(ctx context.Context) error {
	if err := st.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s := st.store
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}

	for owner, v := range st.watermarks {
		if st.deleted[string(recordKey(owner))] {
			continue
		}
		w := make([]byte, 8)
		binary.BigEndian.PutUint64(w, v)
		st.batch.Put(ownerPrefix(prefixWatermark, owner), w)
	}
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	next := make([]byte, 8)
	binary.BigEndian.PutUint64(next, s.next.Load())
	st.batch.Put(metaNextHandle, next)

	if err := s.db.Write(st.batch, s.writeOpts); err != nil {
		return fmt.Errorf("error writing batch to leveldb: %w", err)
	}
	st.done = true
	return nil
}

func (st *stream) Rollback() error {
	if err := st.check(); err != nil {
		return err
	}
	st.done = true
	st.batch.Reset()
	return nil
}

func recordKey(h storage.Handle) []byte {
	k := make([]byte, 9)
	k[0] = prefixRecord
	binary.BigEndian.PutUint64(k[1:], uint64(h))
	return k
}

func ownerPrefix(prefix byte, owner storage.Handle) []byte {
	k := make([]byte, 9)
	k[0] = prefix
	binary.BigEndian.PutUint64(k[1:], uint64(owner))
	return k
}

func ownedKey(prefix byte, owner, h storage.Handle) []byte {
	k := make([]byte, 17)
	k[0] = prefix
	binary.BigEndian.PutUint64(k[1:], uint64(owner))
	binary.BigEndian.PutUint64(k[9:], uint64(h))
	return k
}

func encodeRecord(rec storage.Record) []byte {
	b := make([]byte, 17+len(rec.Data))
	b[0] = byte(rec.Type)
	binary.BigEndian.PutUint64(b[1:], uint64(rec.Attribute))
	binary.BigEndian.PutUint64(b[9:], rec.State)
	copy(b[17:], rec.Data)
	return b
}

func decodeRecord(b []byte) (storage.Record, error) {
	if len(b) < 17 {
		return storage.Record{}, fmt.Errorf("corrupt record value (%d bytes)", len(b))
	}
	return storage.Record{
		Type:      storage.RecordType(b[0]),
		Attribute: storage.Handle(binary.BigEndian.Uint64(b[1:])),
		State:     binary.BigEndian.Uint64(b[9:]),
		Data:      append([]byte(nil), b[17:]...),
	}, nil
}

func encodeReference(ref storage.Reference) []byte {
	b := make([]byte, 21)
	binary.BigEndian.PutUint64(b[0:], ref.OrderID)
	binary.BigEndian.PutUint64(b[8:], uint64(ref.RefHandle))
	binary.BigEndian.PutUint32(b[16:], ref.Value)
	b[20] = ref.State
	return b
}

func decodeReference(b []byte) (storage.Reference, error) {
	if len(b) != 21 {
		return storage.Reference{}, fmt.Errorf("corrupt reference value (%d bytes)", len(b))
	}
	return storage.Reference{
		OrderID:   binary.BigEndian.Uint64(b[0:]),
		RefHandle: storage.Handle(binary.BigEndian.Uint64(b[8:])),
		Value:     binary.BigEndian.Uint32(b[16:]),
		State:     b[20],
	}, nil
}
