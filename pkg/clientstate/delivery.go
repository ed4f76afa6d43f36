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
	"fmt"

	"github.com/turtacn/emqx-engine/pkg/delivery"
	"github.com/turtacn/emqx-engine/pkg/storage"
	"github.com/turtacn/emqx-engine/pkg/txn"
)

// Deliveries returns the delivery table, creating it on first use.
func (cs *ClientState) Deliveries() *delivery.Table {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.deliveryTableLocked()
}

func (cs *ClientState) deliveryTableLocked() *delivery.Table {
	if cs.deliveries == nil {
		cfg := cs.engine.cfg.Delivery
		cfg.MaxInflight = cs.maxInflight
		cs.deliveries = delivery.NewTable(cs.engine.store, cs.csr, cs.persistent() && cs.csr != storage.NullHandle, cfg)
	}
	return cs.deliveries
}

func (cs *ClientState) unreleasedList() *delivery.UnreleasedList {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.unreleasedListLocked()
}

func (cs *ClientState) unreleasedListLocked() *delivery.UnreleasedList {
	if cs.unreleased == nil {
		cs.unreleased = delivery.NewUnreleasedList(cs.engine.store, cs.csr, cs.persistent() && cs.csr != storage.NullHandle)
	}
	return cs.unreleased
}

// AssignDeliveryID reserves the next free delivery id for a message from owner.
func (cs *ClientState) AssignDeliveryID(owner delivery.Owner) (uint32, error) {
	id, err := cs.Deliveries().Assign(owner)
	if err != nil {
		return 0, fmt.Errorf("client %s: %w", cs.clientID, err)
	}
	return id, nil
}

// StoreDeliveryReference makes an assigned delivery id durable, linking it
// to the record of its owner and to the message.
func (cs *ClientState) StoreDeliveryReference(ctx context.Context, id uint32, ownerRecord, message storage.Handle) error {
	return cs.Deliveries().WriteReference(ctx, id, ownerRecord, message)
}

// ReleaseDeliveryID frees a delivery id and deletes its durable reference.
// ReleaseResult reports when the client may start sending again.
func (cs *ClientState) ReleaseDeliveryID(ctx context.Context, id uint32) (delivery.ReleaseResult, error) {
	return cs.Deliveries().Release(ctx, id)
}

// RelinquishDeliveryIDs releases the delivery ids owned (or not owned,
// depending on opts) by the given queues.
func (cs *ClientState) RelinquishDeliveryIDs(ctx context.Context, queues []delivery.QueueHandle, opts delivery.RelinquishOptions) (int, delivery.ReleaseResult, error) {
	return cs.Deliveries().Relinquish(ctx, queues, opts)
}

// AddUnreleased records id as awaiting its second acknowledgement. With tx
// set the change takes effect when tx commits.
func (cs *ClientState) AddUnreleased(ctx context.Context, id uint32, tx *txn.Transaction) error {
	return cs.unreleasedList().Add(ctx, id, tx)
}

// RemoveUnreleased drops id from the unreleased list.
func (cs *ClientState) RemoveUnreleased(ctx context.Context, id uint32, tx *txn.Transaction) error {
	return cs.unreleasedList().Remove(ctx, id, tx)
}

// ListUnreleased returns the committed unreleased delivery ids.
func (cs *ClientState) ListUnreleased() []uint32 {
	return cs.unreleasedList().List()
}

func (cs *ClientState) durableObjectCount() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.durableObjects
}

// AddDurableObject notes a durable object, such as a durable subscription,
// owned by the client state. A client state with durable objects keeps a
// client state record even when it is not durable itself.
func (cs *ClientState) AddDurableObject(ctx context.Context) error {
	cs.mu.Lock()
	cs.durableObjects++
	need := cs.csr == storage.NullHandle
	cs.mu.Unlock()
	if !need {
		return nil
	}
	if err := cs.engine.writeClientRecords(ctx, cs); err != nil {
		cs.mu.Lock()
		cs.durableObjects--
		cs.mu.Unlock()
		return err
	}
	return nil
}

// RemoveDurableObject drops a durable object. A non-durable zombie kept only
// for its durable objects is removed with the last one.
func (cs *ClientState) RemoveDurableObject(ctx context.Context) error {
	cs.mu.Lock()
	if cs.durableObjects == 0 {
		cs.mu.Unlock()
		ffdc("durableObjectUnderflow", "client=%s", cs.clientID)
		return fmt.Errorf("remove durable object of %q: %w", cs.clientID, ErrNotFound)
	}
	cs.durableObjects--
	remaining := cs.durableObjects
	cs.mu.Unlock()

	if remaining == 0 && !cs.persistent() {
		cs.engine.retire(cs, StateZombieRemoval)
	}
	return nil
}

// BeginGlobalTransaction starts a transaction that is not bound to a
// session. It is rolled back if still open when the client state is freed.
func (cs *ClientState) BeginGlobalTransaction() *txn.Transaction {
	tx := txn.New(cs.engine.store)
	forget := func() { cs.forgetTransaction(tx) }
	_ = tx.AddSoftLog(forget, forget)

	cs.mu.Lock()
	cs.globalTxns = append(cs.globalTxns, tx)
	cs.mu.Unlock()
	return tx
}

func (cs *ClientState) forgetTransaction(tx *txn.Transaction) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for i, t := range cs.globalTxns {
		if t == tx {
			cs.globalTxns = append(cs.globalTxns[:i], cs.globalTxns[i+1:]...)
			return
		}
	}
}

// GlobalTransactions returns the number of open global transactions.
func (cs *ClientState) GlobalTransactions() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.globalTxns)
}

// Snapshot returns a diagnostic view of the client state.
func (cs *ClientState) Snapshot() Snapshot {
	cs.useMu.Lock()
	s := Snapshot{
		ClientID:        cs.clientID,
		Protocol:        cs.protocol,
		Durability:      cs.durability,
		UserID:          cs.userID,
		OpState:         cs.opState,
		UseCount:        cs.useCount,
		HasThief:        cs.thief != nil,
		HasVictim:       cs.victim != nil,
		CreationPending: cs.creationPending,
	}
	cs.useMu.Unlock()

	cs.mu.Lock()
	s.CSR = uint64(cs.csr)
	s.CPR = uint64(cs.cpr)
	s.WillRecord = uint64(cs.willRecord)
	s.HasWill = cs.will != nil
	s.ExpiryInterval = cs.expiryInterval
	s.LastConnected = cs.lastConnected
	s.ExpiryTime = cs.expiryTime
	s.WillTime = cs.willTime
	s.DurableObjects = cs.durableObjects
	s.GlobalTxns = len(cs.globalTxns)
	deliveries, unreleased := cs.deliveries, cs.unreleased
	cs.mu.Unlock()

	if deliveries != nil {
		s.DeliveryIDs = deliveries.InUseIDs()
	}
	if unreleased != nil {
		s.Unreleased = unreleased.List()
	}
	return s
}

// Dump returns snapshots of every registry entry for clientID, including
// client states that are being taken over.
func (e *Engine) Dump(clientID string) ([]Snapshot, error) {
	var entries []*ClientState
	chains := map[*ClientState][2]int{}
	g := e.reg.lock()
	g.matching(clientID, func(cs *ClientState) {
		entries = append(entries, cs)
		chains[cs] = [2]int{cs.chain, cs.slot}
	})
	g.unlock()

	if len(entries) == 0 {
		return nil, fmt.Errorf("dump %q: %w", clientID, ErrNotFound)
	}
	out := make([]Snapshot, 0, len(entries))
	for _, cs := range entries {
		s := cs.Snapshot()
		s.Chain, s.Slot = chains[cs][0], chains[cs][1]
		out = append(out, s)
	}
	return out, nil
}
