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

// Package recovery rebuilds the client state registry from the record store
// at startup.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/turtacn/emqx-engine/pkg/clientstate"
	"github.com/turtacn/emqx-engine/pkg/delivery"
	"github.com/turtacn/emqx-engine/pkg/records"
	"github.com/turtacn/emqx-engine/pkg/storage"
)

// QueueResolver maps the owner record of a delivery reference to the queue
// or subscription handle the delivery belongs to.
type QueueResolver func(ownerRecord storage.Handle) delivery.QueueHandle

// Stats summarizes a recovery run.
type Stats struct {
	ClientStates int
	Properties   int
	References   int
	Unreleased   int
	Skipped      int
	Duration     time.Duration
}

// Driver replays client state, properties, delivery reference and
// unreleased records into an engine.
type Driver struct {
	engine   *clientstate.Engine
	store    storage.RecordStore
	resolver QueueResolver
}

// NewDriver creates a driver restoring into engine from the engine's store.
// resolver may be nil, in which case owner record handles are used as
// queue handles.
func NewDriver(engine *clientstate.Engine, resolver QueueResolver) *Driver {
	if resolver == nil {
		resolver = func(h storage.Handle) delivery.QueueHandle { return delivery.QueueHandle(h) }
	}
	return &Driver{engine: engine, store: engine.Store(), resolver: resolver}
}

type recovered struct {
	handle storage.Handle
	record storage.Record
	cs     *clientstate.ClientState
}

// Run restores every client state and then lets the engine finish recovery.
func (d *Driver) Run(ctx context.Context) (Stats, error) {
	start := time.Now()
	var stats Stats
	var list []recovered

	err := d.store.Records(ctx, storage.RecordTypeClientState, func(h storage.Handle, rec storage.Record) error {
		cs, err := d.engine.RehydrateClientStateRecord(h, rec)
		if err != nil {
			if unreadable(err) {
				log.Printf("[ERROR] Skipping client state record %d: %v", h, err)
				stats.Skipped++
				return nil
			}
			return err
		}
		stats.ClientStates++
		list = append(list, recovered{handle: h, record: rec, cs: cs})
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("recover client state records: %w", err)
	}

	for _, r := range list {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if r.record.Attribute != storage.NullHandle {
			err := d.restoreProperties(ctx, r)
			switch {
			case err == nil:
				stats.Properties++
			case unreadable(err):
				log.Printf("[ERROR] Discarding client state %d of %s: %v", r.handle, r.cs.ClientID(), err)
				stats.Skipped++
			default:
				return stats, err
			}
		}
		n, err := d.restoreReferences(ctx, r)
		if err != nil {
			return stats, err
		}
		stats.References += n
		if n, err = d.restoreUnreleased(ctx, r); err != nil {
			return stats, err
		}
		stats.Unreleased += n
	}

	if err := d.engine.CompleteRecovery(ctx); err != nil {
		return stats, fmt.Errorf("complete recovery: %w", err)
	}
	stats.Duration = time.Since(start)
	log.Printf("[INFO] Recovered %d client states (%d properties, %d delivery references, %d unreleased, %d skipped) in %v",
		stats.ClientStates, stats.Properties, stats.References, stats.Unreleased, stats.Skipped, stats.Duration)
	return stats, nil
}

// restoreProperties restores the properties and will of one client state.
// A record that cannot be decoded leaves the client state marked for
// discard and is reported as unreadable.
func (d *Driver) restoreProperties(ctx context.Context, r recovered) error {
	cpr := r.record.Attribute
	rec, err := d.store.ReadRecord(ctx, cpr)
	if err != nil {
		return fmt.Errorf("read properties record %d of client state %d: %w", cpr, r.handle, err)
	}

	var will *records.WillMessage
	if rec.Attribute != storage.NullHandle {
		wrec, err := d.store.ReadRecord(ctx, rec.Attribute)
		if err != nil {
			return fmt.Errorf("read will record %d of client state %d: %w", rec.Attribute, r.handle, err)
		}
		w, err := records.DecodeWillMessage(wrec.Data)
		if err != nil {
			d.engine.DiscardUnreadable(r.cs, cpr, rec.Attribute)
			return fmt.Errorf("will record %d: %w", rec.Attribute, err)
		}
		will = &w
	}
	if err := d.engine.RehydrateClientPropertiesRecord(r.cs, cpr, rec, will); err != nil {
		if unreadable(err) {
			d.engine.DiscardUnreadable(r.cs, cpr, rec.Attribute)
		}
		return err
	}
	return nil
}

func unreadable(err error) bool {
	return errors.Is(err, records.ErrUnsupportedVersion) || errors.Is(err, records.ErrBadEyecatcher) ||
		errors.Is(err, records.ErrTruncated)
}

func (d *Driver) restoreReferences(ctx context.Context, r recovered) (int, error) {
	n := 0
	err := d.store.References(ctx, r.handle, func(h storage.Handle, ref storage.Reference) error {
		var queue delivery.QueueHandle
		if ref.State&delivery.StateHandleIsRecord != 0 {
			queue = d.resolver(ref.RefHandle)
		}
		if err := d.engine.RehydrateMessageDeliveryReference(r.cs, h, ref, queue); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("recover delivery references of client state %d: %w", r.handle, err)
	}
	return n, nil
}

func (d *Driver) restoreUnreleased(ctx context.Context, r recovered) (int, error) {
	n := 0
	err := d.store.States(ctx, r.handle, func(h storage.Handle, id uint32) error {
		d.engine.RehydrateUnreleased(r.cs, h, id)
		n++
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("recover unreleased ids of client state %d: %w", r.handle, err)
	}
	return n, nil
}
