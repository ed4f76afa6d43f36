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

// package storage defines the transactional record store contract consumed by
// the client-state engine, together with an in-memory implementation. Durable
// backends live in the levelstore and pgstore subpackages.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/turtacn/emqx-engine/pkg/metrics"
)

var (
	// ErrNotFound is returned when a record, reference or state is not found in the store.
	ErrNotFound = errors.New("not found")
	// ErrGenerationFull is returned when the current store generation cannot
	// accept more operations. The caller must roll back and retry.
	ErrGenerationFull = errors.New("store generation full")
	// ErrClosed is returned for operations on a closed store or a finished stream.
	ErrClosed = errors.New("store closed")
	// ErrOrderIDBelowMinimum is returned when a reference is created with an
	// order id lower than the owner's minimum active order id.
	ErrOrderIDBelowMinimum = errors.New("order id below minimum active order id")
)

// Handle identifies a record, reference or state in the store.
type Handle uint64

// NullHandle is the zero handle, meaning "no durable footprint".
const NullHandle Handle = 0

// RecordType distinguishes the kinds of records the engine writes.
type RecordType uint8

const (
	RecordTypeClientState RecordType = iota + 1
	RecordTypeClientProperties
	RecordTypeMessage
)

func (t RecordType) String() string {
	switch t {
	case RecordTypeClientState:
		return "ClientState"
	case RecordTypeClientProperties:
		return "ClientProperties"
	case RecordTypeMessage:
		return "Message"
	default:
		return fmt.Sprintf("RecordType(%d)", uint8(t))
	}
}

// Record is a durable record. Attribute links to another record (a CSR links
// to its CPR, a CPR to its will message) and State carries small flags that
// can be updated without rewriting Data.
type Record struct {
	Type      RecordType
	Attribute Handle
	State     uint64
	Data      []byte
}

// Reference is an entry in an owner record's reference list. OrderID is
// strictly increasing per owner; Value carries a caller-defined integer.
type Reference struct {
	OrderID   uint64
	RefHandle Handle
	Value     uint32
	State     uint8
}

// Health describes whether the store can accept new durable clients.
type Health int

const (
	HealthOK Health = iota
	HealthDegraded
)

// Stream groups store operations into one commit/rollback unit.
// A stream must not be used after Commit or Rollback.
type Stream interface {
	CreateRecord(rec Record) (Handle, error)
	UpdateRecord(h Handle, rec Record) error
	UpdateRecordState(h Handle, state uint64) error
	DeleteRecord(h Handle) error

	CreateReference(owner Handle, ref Reference, minActiveOrderID uint64) (Handle, error)
	DeleteReference(owner Handle, h Handle, minActiveOrderID uint64) error

	CreateState(owner Handle, value uint32) (Handle, error)
	DeleteState(owner Handle, h Handle) error

	Commit(ctx context.Context) error
	Rollback() error
}

// RecordStore is the transactional key-record service the engine persists to.
type RecordStore interface {
	// NewStream opens a new unit of work.
	NewStream() (Stream, error)
	// Health reports whether the store currently accepts new durable work.
	Health() Health

	ReadRecord(ctx context.Context, h Handle) (Record, error)
	Records(ctx context.Context, typ RecordType, fn func(Handle, Record) error) error
	References(ctx context.Context, owner Handle, fn func(Handle, Reference) error) error
	States(ctx context.Context, owner Handle, fn func(Handle, uint32) error) error
	MinimumActiveOrderID(owner Handle) uint64

	Close() error
}

// Do runs fn against a fresh stream and commits it. When any step reports
// ErrGenerationFull the stream is rolled back and fn is run again from the
// start, so fn must be safe to replay. Any other failure rolls back and is
// returned to the caller.
func Do(ctx context.Context, store RecordStore, fn func(Stream) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		stream, err := store.NewStream()
		if err != nil {
			return fmt.Errorf("failed to open stream: %w", err)
		}

		err = fn(stream)
		if err == nil {
			err = stream.Commit(ctx)
			if err == nil {
				return nil
			}
		}

		if rbErr := stream.Rollback(); rbErr != nil && !errors.Is(rbErr, ErrClosed) {
			log.Printf("[WARN] Rollback after failed store operation also failed: %v", rbErr)
		}

		if !errors.Is(err, ErrGenerationFull) {
			return err
		}
		metrics.GenerationFullRetriesTotal.Inc()
		log.Printf("[DEBUG] Store generation full, retrying operation")
	}
}
