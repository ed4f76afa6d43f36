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
	"log"

	"github.com/turtacn/emqx-engine/pkg/delivery"
	"github.com/turtacn/emqx-engine/pkg/records"
	"github.com/turtacn/emqx-engine/pkg/storage"
)

// RehydrateClientStateRecord restores a zombie client state from a client
// state record found at startup. When two records carry the same client id
// the one with the higher handle wins and the other is discarded at
// CompleteRecovery.
func (e *Engine) RehydrateClientStateRecord(h storage.Handle, rec storage.Record) (*ClientState, error) {
	data, err := records.DecodeClientState(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("client state record %d: %w", h, err)
	}
	protocol := Protocol(data.ProtocolID)
	if protocol == 0 {
		protocol = ProtocolMQTT
	}
	durability := NonDurable
	if data.Durable() {
		durability = Durable
	}

	cs := e.newClientState(CreateOptions{
		ClientID:       data.ClientID,
		Protocol:       protocol,
		Durability:     durability,
		ExpiryInterval: records.ExpiryInfinite,
	})
	flags, last := records.UnpackCSRState(rec.State)
	cs.opState = StateZombie
	cs.csr = h
	cs.csrState = rec.State
	cs.lastConnected = last
	if flags&records.CSRStateDeleted != 0 {
		cs.discard = true
	}

	g := e.reg.lock()
	if !cs.discard {
		if existing := g.find(data.ClientID); existing != nil {
			if existing.csr > h {
				cs.discard = true
			} else {
				g.remove(existing)
				existing.discard = true
			}
		}
		if !cs.discard {
			g.insert(cs)
		}
	}
	g.unlock()

	if cs.discard {
		log.Printf("[INFO] Client state record %d for %s is superseded or deleted", h, data.ClientID)
	}
	e.recoveryMu.Lock()
	e.recovered = append(e.recovered, cs)
	e.recoveryMu.Unlock()
	return cs, nil
}

// RehydrateClientPropertiesRecord restores the properties of cs from its
// properties record and, when the client had a will, the will record.
func (e *Engine) RehydrateClientPropertiesRecord(cs *ClientState, h storage.Handle, rec storage.Record, will *records.WillMessage) error {
	props, err := records.DecodeClientProperties(rec.Data)
	if err != nil {
		return fmt.Errorf("client properties record %d of %s: %w", h, cs.clientID, err)
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.cpr = h
	cs.userID = props.UserID
	cs.expiryInterval = props.ExpiryInterval
	if props.WillTopic != "" {
		w := &Will{
			Topic: props.WillTopic,
			TTL:   props.WillTTL,
			Delay: props.WillDelay,
		}
		if will != nil {
			w.QoS = will.QoS
			w.Retain = will.Retain
			w.Payload = will.Payload
		}
		cs.will = w
		cs.willRecord = rec.Attribute
	}
	return nil
}

// DiscardUnreadable marks a recovered client state whose properties or will
// record cannot be decoded. CompleteRecovery removes it together with those
// records.
func (e *Engine) DiscardUnreadable(cs *ClientState, cpr, will storage.Handle) {
	cs.mu.Lock()
	cs.cpr, cs.willRecord = cpr, will
	cs.will = nil
	cs.mu.Unlock()

	cs.useMu.Lock()
	cs.discard = true
	cs.useMu.Unlock()
}

// RehydrateMessageDeliveryReference restores one half of a delivery
// reference pair of cs.
func (e *Engine) RehydrateMessageDeliveryReference(cs *ClientState, h storage.Handle, ref storage.Reference, queue delivery.QueueHandle) error {
	if err := cs.Deliveries().Rehydrate(h, ref, queue); err != nil {
		return fmt.Errorf("delivery reference %d of %s: %w", h, cs.clientID, err)
	}
	return nil
}

// RehydrateUnreleased restores an unreleased delivery id of cs.
func (e *Engine) RehydrateUnreleased(cs *ClientState, h storage.Handle, id uint32) {
	cs.unreleasedList().Rehydrate(id, h)
}

// CompleteRecovery finishes startup: superseded, deleted and orphaned
// client states are removed, the rest get their expiry computed and their
// wills scheduled. A non-durable client state survives only while the
// configured SubscriptionCleaner still reports durable subscriptions for it.
func (e *Engine) CompleteRecovery(ctx context.Context) error {
	e.recoveryMu.Lock()
	list := e.recovered
	e.recovered = nil
	e.recoveryMu.Unlock()

	now := e.now()
	var zombies, discarded int
	for _, cs := range list {
		if !cs.persistent() && e.cfg.Cleaner != nil {
			if n := len(e.cfg.Cleaner.DurableSubscriptions(cs.clientID)); n > 0 {
				cs.mu.Lock()
				cs.durableObjects = n
				cs.mu.Unlock()
			}
		}
		cs.mu.Lock()
		deliveries := cs.deliveries
		orphan := !cs.persistent() && cs.durableObjects == 0
		cs.mu.Unlock()

		if deliveries != nil {
			if err := deliveries.CompleteRehydration(ctx); err != nil {
				return fmt.Errorf("complete delivery rehydration of %s: %w", cs.clientID, err)
			}
		}

		if cs.discard || orphan {
			discarded++
			if cs.chain < 0 {
				e.cleanupDetached(ctx, cs)
				continue
			}
			e.retire(cs, StateZombieRemoval)
			continue
		}

		cs.mu.Lock()
		last := cs.lastConnected
		if last.IsZero() {
			last = now
			cs.lastConnected = now
		}
		w := cs.will
		var willDelay uint32
		if w != nil {
			willDelay = w.Delay
		}
		cs.expiryTime, cs.willTime = computeExpiry(last, cs.expiryInterval, willDelay)
		willAt := cs.willTime
		state := cs.csrState
		cs.mu.Unlock()

		flags, _ := records.UnpackCSRState(state)
		if flags&records.CSRStateDisconnected == 0 {
			if err := e.setRecordState(ctx, cs, records.PackCSRState(records.CSRStateDisconnected, last)); err != nil {
				log.Printf("[WARN] Failed to record disconnection of client %s: %v", cs.clientID, err)
			}
		}

		cs.setZombie(true)
		cs.markCounted()
		if w != nil {
			e.wills.Schedule(cs.clientID, w, willAt.Sub(now))
		}
		zombies++
	}

	log.Printf("[INFO] Client state recovery complete: %d zombies, %d discarded", zombies, discarded)
	e.ExpireZombies(now)
	return nil
}

// cleanupDetached removes the records of a recovered client state that was
// never registered. Subscriptions are only destroyed when no registered
// client state uses the same id.
func (e *Engine) cleanupDetached(ctx context.Context, cs *ClientState) {
	g := e.reg.lock()
	owned := g.find(cs.clientID) != nil
	g.unlock()

	if !owned {
		if err := e.destroySubscriptions(ctx, cs.clientID); err != nil {
			log.Printf("[WARN] Failed to destroy subscriptions of client %s: %v", cs.clientID, err)
		}
	}
	if err := e.deleteClientRecords(ctx, cs); err != nil {
		log.Printf("[ERROR] %v", err)
	}
	close(cs.freed)
}
