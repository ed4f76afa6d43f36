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

// package txn groups store operations and in-memory soft-log entries into a
// unit that is committed or rolled back as a whole.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/turtacn/emqx-engine/pkg/storage"
)

// ErrNotOpen is returned when a finished transaction is used.
var ErrNotOpen = errors.New("transaction is not open")

// State is the lifecycle state of a transaction.
type State int

const (
	StateOpen State = iota
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled-back"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Op is a store operation replayed inside the commit stream.
type Op func(storage.Stream) error

type softLog struct {
	commit   func()
	rollback func()
}

// Transaction records store operations and soft-log callbacks until Commit
// or Rollback.
type Transaction struct {
	ID uuid.UUID

	store    storage.RecordStore
	mu       sync.Mutex
	state    State
	ops      []Op
	softLogs []softLog
}

// New opens a transaction against store.
func New(store storage.RecordStore) *Transaction {
	return &Transaction{ID: uuid.New(), store: store}
}

// State returns the current state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Record adds a store operation to be run at commit.
func (t *Transaction) Record(op Op) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return ErrNotOpen
	}
	t.ops = append(t.ops, op)
	return nil
}

// AddSoftLog registers in-memory callbacks. commit callbacks run in the order
// added after the store unit commits; rollback callbacks run in reverse.
// Either may be nil.
func (t *Transaction) AddSoftLog(commit, rollback func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return ErrNotOpen
	}
	t.softLogs = append(t.softLogs, softLog{commit: commit, rollback: rollback})
	return nil
}

// Commit runs every recorded operation in one store unit, then the soft-log
// commit callbacks. If the store unit fails the transaction is rolled back.
func (t *Transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	if t.state != StateOpen {
		t.mu.Unlock()
		return ErrNotOpen
	}
	ops := t.ops
	t.mu.Unlock()

	if len(ops) > 0 {
		err := storage.Do(ctx, t.store, func(st storage.Stream) error {
			for _, op := range ops {
				if err := op(st); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			log.Printf("[WARN] Commit of transaction %s failed, rolling back: %v", t.ID, err)
			t.finish(StateRolledBack)
			return fmt.Errorf("commit transaction %s: %w", t.ID, err)
		}
	}
	t.finish(StateCommitted)
	return nil
}

// Rollback discards the recorded operations and runs the rollback callbacks.
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	if t.state != StateOpen {
		t.mu.Unlock()
		return ErrNotOpen
	}
	t.mu.Unlock()
	t.finish(StateRolledBack)
	return nil
}

func (t *Transaction) finish(state State) {
	t.mu.Lock()
	t.state = state
	logs := t.softLogs
	t.softLogs = nil
	t.ops = nil
	t.mu.Unlock()

	if state == StateCommitted {
		for _, sl := range logs {
			if sl.commit != nil {
				sl.commit()
			}
		}
		return
	}
	for i := len(logs) - 1; i >= 0; i-- {
		if logs[i].rollback != nil {
			logs[i].rollback()
		}
	}
}
