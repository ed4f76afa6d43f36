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

	"github.com/turtacn/emqx-engine/pkg/records"
	"github.com/turtacn/emqx-engine/pkg/storage"
)

// properties is the part of a client state kept in its properties record.
type properties struct {
	userID         string
	expiryInterval uint32
	will           *Will
	// csr is the client state record the properties belong to.
	csr storage.Handle
}

func (p properties) needsRecord() bool {
	return p.will != nil || p.userID != "" || p.expiryInterval != records.ExpiryInfinite
}

func (p properties) equal(o properties) bool {
	return p.userID == o.userID && p.expiryInterval == o.expiryInterval && p.will.equal(o.will)
}

func (cs *ClientState) properties() properties {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return properties{userID: cs.userID, expiryInterval: cs.expiryInterval, will: cs.will}
}

func (cs *ClientState) recordFlags() uint32 {
	if cs.persistent() {
		return records.FlagDurable
	}
	return 0
}

func (cs *ClientState) csrRecord(cpr storage.Handle, state uint64) storage.Record {
	return storage.Record{
		Type:      storage.RecordTypeClientState,
		Attribute: cpr,
		State:     state,
		Data: records.EncodeClientState(records.ClientState{
			Flags:      cs.recordFlags(),
			ProtocolID: uint32(cs.protocol),
			ClientID:   cs.clientID,
		}),
	}
}

func cprRecord(p properties, flags uint32, will storage.Handle) storage.Record {
	cp := records.ClientProperties{
		Flags:          flags,
		UserID:         p.userID,
		ExpiryInterval: p.expiryInterval,
	}
	if p.will != nil {
		cp.WillTopic = p.will.Topic
		cp.WillTTL = p.will.TTL
		cp.WillDelay = p.will.Delay
	}
	return storage.Record{
		Type:      storage.RecordTypeClientProperties,
		Attribute: will,
		Data:      records.EncodeClientProperties(cp),
	}
}

func willRecord(w *Will) storage.Record {
	return storage.Record{
		Type: storage.RecordTypeMessage,
		Data: records.EncodeWillMessage(records.WillMessage{
			QoS:     w.QoS,
			Retain:  w.Retain,
			Payload: w.Payload,
		}),
	}
}

// createProperties adds the will and properties records for p to st.
func createProperties(st storage.Stream, p properties, flags uint32) (cpr, will storage.Handle, err error) {
	if p.will != nil {
		if will, err = st.CreateRecord(willRecord(p.will)); err != nil {
			return storage.NullHandle, storage.NullHandle, err
		}
	}
	if p.needsRecord() {
		if cpr, err = st.CreateRecord(cprRecord(p, flags, will)); err != nil {
			return storage.NullHandle, storage.NullHandle, err
		}
	}
	return cpr, will, nil
}

// writeClientRecords creates the client state record and its properties
// record for a client state that has none yet.
func (e *Engine) writeClientRecords(ctx context.Context, cs *ClientState) error {
	cs.persistMu.Lock()
	defer cs.persistMu.Unlock()

	cs.mu.Lock()
	existing := cs.csr
	cs.mu.Unlock()
	if existing != storage.NullHandle {
		return nil
	}

	p := cs.properties()
	flags := cs.recordFlags()
	var csr, cpr, will storage.Handle
	err := storage.Do(ctx, e.store, func(st storage.Stream) error {
		var err error
		if cpr, will, err = createProperties(st, p, flags); err != nil {
			return err
		}
		csr, err = st.CreateRecord(cs.csrRecord(cpr, records.CSRStateNone))
		return err
	})
	if err != nil {
		return fmt.Errorf("write records for client %q: %w", cs.clientID, err)
	}

	cs.mu.Lock()
	cs.csr, cs.cpr, cs.willRecord = csr, cpr, will
	cs.csrState = records.CSRStateNone
	cs.mu.Unlock()
	return nil
}

// rewriteProperties replaces the properties and will records of a client
// state with ones describing its current properties, and sets the client
// state record's state to state.
func (e *Engine) rewriteProperties(ctx context.Context, cs *ClientState, state uint64) error {
	cs.persistMu.Lock()
	defer cs.persistMu.Unlock()

	cs.mu.Lock()
	csr, oldCPR, oldWill := cs.csr, cs.cpr, cs.willRecord
	cs.mu.Unlock()
	if csr == storage.NullHandle {
		return nil
	}

	p := cs.properties()
	flags := cs.recordFlags()
	var cpr, will storage.Handle
	err := storage.Do(ctx, e.store, func(st storage.Stream) error {
		var err error
		if cpr, will, err = createProperties(st, p, flags); err != nil {
			return err
		}
		if err := st.UpdateRecord(csr, cs.csrRecord(cpr, state)); err != nil {
			return err
		}
		for _, h := range []storage.Handle{oldCPR, oldWill} {
			if h == storage.NullHandle {
				continue
			}
			if err := st.DeleteRecord(h); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("rewrite properties of client %q: %w", cs.clientID, err)
	}

	cs.mu.Lock()
	cs.cpr, cs.willRecord = cpr, will
	cs.csrState = state
	cs.mu.Unlock()
	return nil
}

// setRecordState updates the state word of the client state record.
func (e *Engine) setRecordState(ctx context.Context, cs *ClientState, state uint64) error {
	cs.persistMu.Lock()
	defer cs.persistMu.Unlock()

	cs.mu.Lock()
	csr := cs.csr
	cs.mu.Unlock()
	if csr == storage.NullHandle {
		return nil
	}
	err := storage.Do(ctx, e.store, func(st storage.Stream) error {
		return st.UpdateRecordState(csr, state)
	})
	if err != nil {
		return fmt.Errorf("update record state of client %q: %w", cs.clientID, err)
	}
	cs.mu.Lock()
	cs.csrState = state
	cs.mu.Unlock()
	return nil
}

// deleteClientRecords removes every durable footprint of a client state in
// one commit: delivery references, unreleased states, will, properties and
// client state records.
func (e *Engine) deleteClientRecords(ctx context.Context, cs *ClientState) error {
	cs.persistMu.Lock()
	defer cs.persistMu.Unlock()

	cs.mu.Lock()
	csr, cpr, will := cs.csr, cs.cpr, cs.willRecord
	deliveries, unreleased := cs.deliveries, cs.unreleased
	cs.mu.Unlock()

	err := storage.Do(ctx, e.store, func(st storage.Stream) error {
		if csr != storage.NullHandle {
			if deliveries != nil {
				if err := deliveries.DeleteReferences(st); err != nil {
					return err
				}
			}
			if unreleased != nil {
				if err := unreleased.DeleteStates(st); err != nil {
					return err
				}
			}
		}
		for _, h := range []storage.Handle{will, cpr, csr} {
			if h == storage.NullHandle {
				continue
			}
			if err := st.DeleteRecord(h); err != nil {
				return err
			}
		}
		return nil
	})

	cs.mu.Lock()
	cs.csr, cs.cpr, cs.willRecord = storage.NullHandle, storage.NullHandle, storage.NullHandle
	cs.durableObjects = 0
	cs.mu.Unlock()
	if deliveries != nil {
		deliveries.Reset()
	}
	if unreleased != nil {
		unreleased.Reset()
	}

	if err != nil {
		return fmt.Errorf("delete records of client %q: %w", cs.clientID, err)
	}
	return nil
}
