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
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/emqx-engine/pkg/delivery"
	"github.com/turtacn/emqx-engine/pkg/records"
	"github.com/turtacn/emqx-engine/pkg/storage"
	"github.com/turtacn/emqx-engine/pkg/txn"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []string
}

func (p *recordingPublisher) PublishWill(_ context.Context, clientID string, will *Will) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, clientID+":"+will.Topic)
	return nil
}

func (p *recordingPublisher) Published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.published...)
}

type fakeCleaner struct {
	mu        sync.Mutex
	subs      map[string][]string
	destroyed []string
}

func (c *fakeCleaner) DurableSubscriptions(clientID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[clientID]
}

func (c *fakeCleaner) DestroySubscription(_ context.Context, clientID, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = append(c.destroyed, clientID+"/"+name)
	return nil
}

func (c *fakeCleaner) Destroyed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := append([]string(nil), c.destroyed...)
	sort.Strings(out)
	return out
}

type fixture struct {
	engine    *Engine
	store     *storage.MemStore
	clock     *fakeClock
	publisher *recordingPublisher
	cleaner   *fakeCleaner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     storage.NewMemStore(),
		clock:     &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
		publisher: &recordingPublisher{},
		cleaner:   &fakeCleaner{subs: map[string][]string{}},
	}
	cfg := DefaultConfig()
	cfg.InitialChains = 8
	cfg.Now = f.clock.Now
	cfg.Publisher = f.publisher
	cfg.Cleaner = f.cleaner
	f.engine = NewEngine(f.store, cfg)
	t.Cleanup(func() { _ = f.engine.Close() })
	return f
}

func durableOpts(clientID string) CreateOptions {
	return CreateOptions{
		ClientID:       clientID,
		Protocol:       ProtocolMQTT,
		Durability:     Durable,
		ExpiryInterval: records.ExpiryInfinite,
	}
}

func waitFreed(t *testing.T, cs *ClientState) {
	t.Helper()
	select {
	case <-cs.Freed():
	case <-time.After(5 * time.Second):
		t.Fatalf("client state %s was not freed", cs.ClientID())
	}
}

// destroyOnSteal returns a steal handler that disconnects the victim the
// way a connection owner would, and records the reasons it saw.
func destroyOnSteal(e *Engine, reasons chan<- StealReason) StealHandler {
	return func(victim *ClientState, reason StealReason) {
		if reasons != nil {
			reasons <- reason
		}
		go func() {
			_ = e.Destroy(context.Background(), victim, DestroyOptions{})
		}()
	}
}

func TestCreateFreshDurableClientWritesRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	comp := f.engine.CreateAsync(ctx, durableOpts("C1"))
	<-comp.Done()
	cs, resumed, err := comp.Result()
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.False(t, comp.Async())
	assert.Equal(t, StateActive, cs.OpState())
	assert.Equal(t, int32(1), cs.UseCount())

	csr, cpr := cs.Handles()
	assert.NotEqual(t, storage.NullHandle, csr)
	assert.Equal(t, storage.NullHandle, cpr, "default properties need no properties record")
	assert.Equal(t, 1, f.store.RecordCount(storage.RecordTypeClientState))
	assert.Equal(t, 0, f.store.RecordCount(storage.RecordTypeClientProperties))

	rec, err := f.store.ReadRecord(ctx, csr)
	require.NoError(t, err)
	data, err := records.DecodeClientState(rec.Data)
	require.NoError(t, err)
	assert.Equal(t, "C1", data.ClientID)
	assert.True(t, data.Durable())
	assert.Equal(t, uint32(ProtocolMQTT), data.ProtocolID)
}

func TestCreateWritesPropertiesAndWill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	opts := durableOpts("C1")
	opts.UserID = "alice"
	opts.ExpiryInterval = 300
	opts.Will = &Will{Topic: "status/C1", Payload: []byte("gone"), QoS: 1, Delay: 10}
	cs, _, err := f.engine.Create(ctx, opts)
	require.NoError(t, err)

	csr, cpr := cs.Handles()
	require.NotEqual(t, storage.NullHandle, cpr)
	rec, err := f.store.ReadRecord(ctx, csr)
	require.NoError(t, err)
	assert.Equal(t, cpr, rec.Attribute)

	prec, err := f.store.ReadRecord(ctx, cpr)
	require.NoError(t, err)
	props, err := records.DecodeClientProperties(prec.Data)
	require.NoError(t, err)
	assert.Equal(t, "alice", props.UserID)
	assert.Equal(t, uint32(300), props.ExpiryInterval)
	assert.Equal(t, "status/C1", props.WillTopic)
	assert.Equal(t, uint32(10), props.WillDelay)

	wrec, err := f.store.ReadRecord(ctx, prec.Attribute)
	require.NoError(t, err)
	will, err := records.DecodeWillMessage(wrec.Data)
	require.NoError(t, err)
	assert.Equal(t, []byte("gone"), will.Payload)
	assert.Equal(t, uint8(1), will.QoS)
}

func TestCreateNonDurableClientWritesNothing(t *testing.T) {
	f := newFixture(t)
	cs, _, err := f.engine.Create(context.Background(), CreateOptions{ClientID: "N1", Protocol: ProtocolMQTT})
	require.NoError(t, err)
	csr, _ := cs.Handles()
	assert.Equal(t, storage.NullHandle, csr)
	assert.Equal(t, 0, f.store.RecordCount(storage.RecordTypeClientState))
}

func TestCreateRejectsEmptyClientID(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.engine.Create(context.Background(), CreateOptions{Protocol: ProtocolMQTT})
	assert.ErrorIs(t, err, ErrInvalidClientID)
}

func TestZombieTakeoverResumesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _, err := f.engine.Create(ctx, durableOpts("C1"))
	require.NoError(t, err)
	table := first.Deliveries()
	id, err := first.AssignDeliveryID(delivery.Owner{Queue: 7})
	require.NoError(t, err)
	require.NoError(t, first.StoreDeliveryReference(ctx, id, 1000, 2000))
	csr, _ := first.Handles()
	require.Equal(t, 2, f.store.ReferenceCount(csr))

	require.NoError(t, f.engine.Destroy(ctx, first, DestroyOptions{}))
	assert.Equal(t, StateZombie, first.OpState())
	assert.Equal(t, 1, f.engine.Count())

	opts := durableOpts("C1")
	comp := f.engine.CreateAsync(ctx, opts)
	<-comp.Done()
	second, resumed, err := comp.Result()
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.False(t, comp.Async(), "a zombie takeover completes inline")
	waitFreed(t, first)

	newCSR, _ := second.Handles()
	assert.Equal(t, csr, newCSR)
	assert.Equal(t, 1, f.store.RecordCount(storage.RecordTypeClientState))
	assert.Equal(t, 2, f.store.ReferenceCount(csr))
	assert.Same(t, table, second.Deliveries())
	assert.Equal(t, []uint32{id}, second.Deliveries().InUseIDs())
	assert.Equal(t, 1, f.engine.Count())

	rec, err := f.store.ReadRecord(ctx, csr)
	require.NoError(t, err)
	assert.Equal(t, records.CSRStateNone, rec.State)
}

func TestZombieTakeoverWithChangedPropertiesRewritesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _, err := f.engine.Create(ctx, durableOpts("C1"))
	require.NoError(t, err)
	require.NoError(t, f.engine.Destroy(ctx, first, DestroyOptions{}))

	opts := durableOpts("C1")
	opts.UserID = "bob"
	second, resumed, err := f.engine.Create(ctx, opts)
	require.NoError(t, err)
	assert.True(t, resumed)

	csr, cpr := second.Handles()
	require.NotEqual(t, storage.NullHandle, cpr)
	rec, err := f.store.ReadRecord(ctx, csr)
	require.NoError(t, err)
	assert.Equal(t, cpr, rec.Attribute)
	assert.Equal(t, 1, f.store.RecordCount(storage.RecordTypeClientProperties))
}

func TestInheritDurabilityFollowsVictim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _, err := f.engine.Create(ctx, durableOpts("C1"))
	require.NoError(t, err)
	require.NoError(t, f.engine.Destroy(ctx, first, DestroyOptions{}))

	opts := durableOpts("C1")
	opts.Durability = InheritOrNonDurable
	second, resumed, err := f.engine.Create(ctx, opts)
	require.NoError(t, err)
	assert.Equal(t, Durable, second.Durability())
	assert.True(t, resumed)
}

func TestCleanStartDiscardsZombieState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.cleaner.subs["C1"] = []string{"s1", "s2"}

	first, _, err := f.engine.Create(ctx, durableOpts("C1"))
	require.NoError(t, err)
	require.NoError(t, first.AddUnreleased(ctx, 5, nil))
	oldCSR, _ := first.Handles()
	require.Equal(t, 1, f.store.StateCount(oldCSR))
	require.NoError(t, f.engine.Destroy(ctx, first, DestroyOptions{}))

	opts := durableOpts("C1")
	opts.CleanStart = true
	second, resumed, err := f.engine.Create(ctx, opts)
	require.NoError(t, err)
	assert.False(t, resumed)
	waitFreed(t, first)

	newCSR, _ := second.Handles()
	assert.NotEqual(t, oldCSR, newCSR)
	assert.Equal(t, 1, f.store.RecordCount(storage.RecordTypeClientState))
	_, err = f.store.ReadRecord(ctx, oldCSR)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, 0, f.store.StateCount(oldCSR))
	assert.Empty(t, second.ListUnreleased())
	assert.Equal(t, []string{"C1/s1", "C1/s2"}, f.cleaner.Destroyed())
}

func TestLiveConflictWithoutSteal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	opts := durableOpts("C2")
	opts.StealHandler = func(*ClientState, StealReason) { t.Error("steal handler must not run") }
	holder, _, err := f.engine.Create(ctx, opts)
	require.NoError(t, err)

	_, _, err = f.engine.Create(ctx, durableOpts("C2"))
	assert.ErrorIs(t, err, ErrClientIDInUse)
	assert.Equal(t, StateActive, holder.OpState())
	assert.Equal(t, int32(1), holder.UseCount())
	assert.Equal(t, 1, f.engine.Count())
}

func TestLiveConflictWithoutStealHandler(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.engine.Create(ctx, durableOpts("C2"))
	require.NoError(t, err)

	opts := durableOpts("C2")
	opts.Steal = true
	_, _, err = f.engine.Create(ctx, opts)
	assert.ErrorIs(t, err, ErrClientIDInUse)
}

func TestLiveStealNotifiesVictim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reasons := make(chan StealReason, 1)

	opts := durableOpts("C3")
	opts.StealHandler = destroyOnSteal(f.engine, reasons)
	victim, _, err := f.engine.Create(ctx, opts)
	require.NoError(t, err)
	victimCSR, _ := victim.Handles()

	thiefOpts := durableOpts("C3")
	thiefOpts.Steal = true
	comp := f.engine.CreateAsync(ctx, thiefOpts)
	require.NoError(t, comp.Wait(ctx))
	thief, resumed, err := comp.Result()
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, StealByClient, <-reasons)
	waitFreed(t, victim)

	csr, _ := thief.Handles()
	assert.Equal(t, victimCSR, csr)
	assert.Equal(t, StateActive, thief.OpState())
	assert.Equal(t, 1, f.engine.Count())
}

func TestLiveStealPublishesWillWithoutInherit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	opts := CreateOptions{
		ClientID:     "C3",
		Protocol:     ProtocolMQTT,
		Will:         &Will{Topic: "bye"},
		StealHandler: destroyOnSteal(f.engine, nil),
	}
	victim, _, err := f.engine.Create(ctx, opts)
	require.NoError(t, err)

	_, resumed, err := f.engine.Create(ctx, CreateOptions{ClientID: "C3", Protocol: ProtocolMQTT, Steal: true, CleanStart: true})
	require.NoError(t, err)
	assert.False(t, resumed)
	waitFreed(t, victim)
	assert.Equal(t, []string{"C3:bye"}, f.publisher.Published())
}

func TestStealChecksUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	opts := durableOpts("C4")
	opts.UserID = "alice"
	opts.StealHandler = destroyOnSteal(f.engine, nil)
	_, _, err := f.engine.Create(ctx, opts)
	require.NoError(t, err)

	thief := durableOpts("C4")
	thief.UserID = "mallory"
	thief.Steal = true
	thief.CheckUserSteal = true
	_, _, err = f.engine.Create(ctx, thief)
	assert.ErrorIs(t, err, ErrNotAuthorized)
	assert.Equal(t, 1, f.engine.Count())
}

func TestStealProtocolPolicy(t *testing.T) {
	tests := []struct {
		name    string
		victim  Protocol
		thief   Protocol
		wantErr error
	}{
		{name: "same protocol", victim: ProtocolMQTT, thief: ProtocolMQTT},
		{name: "aliased protocols", victim: ProtocolMQTT, thief: ProtocolPlugin},
		{name: "mismatch", victim: ProtocolMQTT, thief: ProtocolJMS, wantErr: ErrProtocolMismatch},
		{name: "priority thief", victim: ProtocolJMS, thief: ProtocolEngine},
		{name: "yielding victim", victim: ProtocolEngine, thief: ProtocolHTTP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			victim, _, err := f.engine.Create(ctx, CreateOptions{
				ClientID:     "P1",
				Protocol:     tt.victim,
				StealHandler: destroyOnSteal(f.engine, nil),
			})
			require.NoError(t, err)

			_, _, err = f.engine.Create(ctx, CreateOptions{ClientID: "P1", Protocol: tt.thief, Steal: true})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, StateActive, victim.OpState())
				return
			}
			require.NoError(t, err)
			waitFreed(t, victim)
		})
	}
}

func TestCreateRejectedWhenStoreDegraded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.store.SetHealth(storage.HealthDegraded)

	_, _, err := f.engine.Create(ctx, durableOpts("D1"))
	assert.ErrorIs(t, err, ErrServerCapacity)

	_, _, err = f.engine.Create(ctx, CreateOptions{ClientID: "D2", Protocol: ProtocolMQTT})
	assert.NoError(t, err)
}

func TestResumeAllowedWhenStoreDegraded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, _, err := f.engine.Create(ctx, durableOpts("D1"))
	require.NoError(t, err)
	require.NoError(t, f.engine.Destroy(ctx, first, DestroyOptions{}))

	f.store.SetHealth(storage.HealthDegraded)
	_, resumed, err := f.engine.Create(ctx, durableOpts("D1"))
	require.NoError(t, err)
	assert.True(t, resumed)
}

func TestDestroyNonDurableFreesAndPublishesWill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cs, _, err := f.engine.Create(ctx, CreateOptions{ClientID: "N1", Protocol: ProtocolMQTT, Will: &Will{Topic: "lwt"}})
	require.NoError(t, err)
	require.NoError(t, f.engine.Destroy(ctx, cs, DestroyOptions{}))
	waitFreed(t, cs)

	assert.Equal(t, 0, f.engine.Count())
	assert.Equal(t, []string{"N1:lwt"}, f.publisher.Published())
	assert.ErrorIs(t, f.engine.Destroy(ctx, cs, DestroyOptions{}), ErrNotActive)
}

func TestDestroySuppressWill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cs, _, err := f.engine.Create(ctx, CreateOptions{ClientID: "N1", Protocol: ProtocolMQTT, Will: &Will{Topic: "lwt"}})
	require.NoError(t, err)
	require.NoError(t, f.engine.Destroy(ctx, cs, DestroyOptions{SuppressWill: true}))
	assert.Empty(t, f.publisher.Published())
}

func TestDestroyDiscardRemovesRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cs, _, err := f.engine.Create(ctx, durableOpts("C1"))
	require.NoError(t, err)
	require.NoError(t, f.engine.Destroy(ctx, cs, DestroyOptions{Discard: true}))
	waitFreed(t, cs)
	assert.Equal(t, 0, f.store.RecordCount(storage.RecordTypeClientState))
}

func TestDestroyLeaveDurableKeepsRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cs, _, err := f.engine.Create(ctx, durableOpts("C1"))
	require.NoError(t, err)
	require.NoError(t, f.engine.Destroy(ctx, cs, DestroyOptions{LeaveDurable: true}))
	waitFreed(t, cs)
	assert.Equal(t, 0, f.engine.Count())
	assert.Equal(t, 1, f.store.RecordCount(storage.RecordTypeClientState))
}

func TestZombieRecordsDisconnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cs, _, err := f.engine.Create(ctx, durableOpts("C1"))
	require.NoError(t, err)
	require.NoError(t, f.engine.Destroy(ctx, cs, DestroyOptions{}))

	csr, _ := cs.Handles()
	rec, err := f.store.ReadRecord(ctx, csr)
	require.NoError(t, err)
	flags, last := records.UnpackCSRState(rec.State)
	assert.Equal(t, records.CSRStateDisconnected, flags)
	assert.True(t, last.Equal(f.clock.Now()))
}

func TestExpireZombies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	opts := durableOpts("C1")
	opts.ExpiryInterval = 60
	cs, _, err := f.engine.Create(ctx, opts)
	require.NoError(t, err)
	require.NoError(t, f.engine.Destroy(ctx, cs, DestroyOptions{}))

	assert.Equal(t, 0, f.engine.ExpireZombies(f.clock.Advance(30*time.Second)))
	assert.Equal(t, StateZombie, cs.OpState())

	assert.Equal(t, 1, f.engine.ExpireZombies(f.clock.Advance(30*time.Second)))
	waitFreed(t, cs)
	assert.Equal(t, 0, f.engine.Count())
	assert.Equal(t, 0, f.store.RecordCount(storage.RecordTypeClientState))
	assert.Equal(t, 0, f.store.RecordCount(storage.RecordTypeClientProperties))
}

func TestZeroExpiryRemovesAtDisconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	opts := durableOpts("C1")
	opts.ExpiryInterval = 0
	cs, _, err := f.engine.Create(ctx, opts)
	require.NoError(t, err)
	require.NoError(t, f.engine.Destroy(ctx, cs, DestroyOptions{}))
	waitFreed(t, cs)
	assert.Equal(t, 0, f.store.RecordCount(storage.RecordTypeClientState))
}

func TestExpiryPublishesPendingWill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	opts := durableOpts("C1")
	opts.ExpiryInterval = 60
	opts.Will = &Will{Topic: "lwt", Delay: 3600}
	cs, _, err := f.engine.Create(ctx, opts)
	require.NoError(t, err)
	require.NoError(t, f.engine.Destroy(ctx, cs, DestroyOptions{}))
	assert.Contains(t, f.engine.wills.Scheduled(), "C1")

	assert.Equal(t, 1, f.engine.ExpireZombies(f.clock.Advance(time.Minute)))
	waitFreed(t, cs)
	assert.Equal(t, []string{"C1:lwt"}, f.publisher.Published())
	assert.Empty(t, f.engine.wills.Scheduled())
}

func TestDelayedWillCancelledOnResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	opts := durableOpts("C1")
	opts.Will = &Will{Topic: "lwt", Delay: 3600}
	first, _, err := f.engine.Create(ctx, opts)
	require.NoError(t, err)
	require.NoError(t, f.engine.Destroy(ctx, first, DestroyOptions{}))
	require.Contains(t, f.engine.wills.Scheduled(), "C1")

	_, resumed, err := f.engine.Create(ctx, opts)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Empty(t, f.engine.wills.Scheduled())
	assert.Empty(t, f.publisher.Published())
}

func TestDiscardZombie(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.engine.DiscardZombie(ctx, "missing"), ErrNotFound)

	live, _, err := f.engine.Create(ctx, durableOpts("L1"))
	require.NoError(t, err)
	assert.ErrorIs(t, f.engine.DiscardZombie(ctx, "L1"), ErrClientIDConnected)
	assert.Equal(t, StateActive, live.OpState())

	zombie, _, err := f.engine.Create(ctx, durableOpts("Z1"))
	require.NoError(t, err)
	require.NoError(t, f.engine.Destroy(ctx, zombie, DestroyOptions{}))
	require.NoError(t, f.engine.DiscardZombie(ctx, "Z1"))
	waitFreed(t, zombie)

	assert.Equal(t, 1, f.engine.Count())
	assert.Equal(t, 1, f.store.RecordCount(storage.RecordTypeClientState))
}

func TestForceDiscardLiveClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reasons := make(chan StealReason, 1)

	opts := durableOpts("F1")
	opts.Protocol = ProtocolJMS
	opts.StealHandler = destroyOnSteal(f.engine, reasons)
	victim, _, err := f.engine.Create(ctx, opts)
	require.NoError(t, err)

	require.NoError(t, f.engine.ForceDiscard(ctx, "F1", "operator request"))
	assert.Equal(t, StealByAdmin, <-reasons)
	waitFreed(t, victim)
	assert.Equal(t, 0, f.engine.Count())
	assert.Equal(t, 0, f.store.RecordCount(storage.RecordTypeClientState))

	assert.ErrorIs(t, f.engine.ForceDiscard(ctx, "F1", "again"), ErrNotFound)
}

func TestAbandonedCreationIsDestroyed(t *testing.T) {
	f := newFixture(t)

	opts := durableOpts("A1")
	opts.StealHandler = func(*ClientState, StealReason) {}
	victim, _, err := f.engine.Create(context.Background(), opts)
	require.NoError(t, err)

	thiefOpts := durableOpts("A1")
	thiefOpts.Steal = true
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = f.engine.Create(ctx, thiefOpts)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	require.NoError(t, f.engine.Destroy(context.Background(), victim, DestroyOptions{}))
	waitFreed(t, victim)
	assert.Eventually(t, func() bool { return f.engine.Count() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, f.store.RecordCount(storage.RecordTypeClientState))
}

func TestFindHidesStolenClientState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	opts := durableOpts("S1")
	opts.StealHandler = func(*ClientState, StealReason) {}
	victim, _, err := f.engine.Create(ctx, opts)
	require.NoError(t, err)
	table := victim.Deliveries()

	thiefOpts := durableOpts("S1")
	thiefOpts.Steal = true
	comp := f.engine.CreateAsync(ctx, thiefOpts)
	assert.True(t, comp.Async())

	found, err := f.engine.Find("S1")
	require.NoError(t, err)
	assert.NotSame(t, victim, found)
	found.Release()

	got, err := f.engine.FindDeliveryTable("S1")
	require.NoError(t, err)
	assert.Same(t, table, got)

	snaps, err := f.engine.Dump("S1")
	require.NoError(t, err)
	assert.Len(t, snaps, 2)

	require.NoError(t, f.engine.Destroy(ctx, victim, DestroyOptions{}))
	require.NoError(t, comp.Wait(ctx))
	thief, resumed, err := comp.Result()
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Same(t, table, thief.Deliveries())
}

func TestFindConnectedIgnoresZombies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cs, _, err := f.engine.Create(ctx, durableOpts("Z1"))
	require.NoError(t, err)
	require.NoError(t, f.engine.Destroy(ctx, cs, DestroyOptions{}))

	_, err = f.engine.FindConnected("Z1")
	assert.ErrorIs(t, err, ErrNotFound)

	found, err := f.engine.Find("Z1")
	require.NoError(t, err)
	assert.Same(t, cs, found)
	assert.Equal(t, int32(2), found.UseCount())
	found.Release()
	assert.Equal(t, int32(1), cs.UseCount())
}

func TestGlobalTransactionsRolledBackOnFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cs, _, err := f.engine.Create(ctx, CreateOptions{ClientID: "T1", Protocol: ProtocolMQTT})
	require.NoError(t, err)
	committed := cs.BeginGlobalTransaction()
	open := cs.BeginGlobalTransaction()
	require.Equal(t, 2, cs.GlobalTransactions())

	require.NoError(t, committed.Commit(ctx))
	assert.Equal(t, 1, cs.GlobalTransactions())

	require.NoError(t, f.engine.Destroy(ctx, cs, DestroyOptions{}))
	waitFreed(t, cs)
	assert.Equal(t, 0, cs.GlobalTransactions())
	assert.Equal(t, txn.StateCommitted, committed.State())
	assert.Equal(t, txn.StateRolledBack, open.State())
}

func TestDurableObjectsKeepNonDurableClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cs, _, err := f.engine.Create(ctx, CreateOptions{ClientID: "O1", Protocol: ProtocolMQTT, ExpiryInterval: records.ExpiryInfinite})
	require.NoError(t, err)
	require.NoError(t, cs.AddDurableObject(ctx))
	assert.Equal(t, 1, f.store.RecordCount(storage.RecordTypeClientState))

	require.NoError(t, f.engine.Destroy(ctx, cs, DestroyOptions{}))
	assert.Equal(t, StateZombie, cs.OpState())

	require.NoError(t, cs.RemoveDurableObject(ctx))
	waitFreed(t, cs)
	assert.Equal(t, 0, f.store.RecordCount(storage.RecordTypeClientState))
	assert.ErrorIs(t, cs.RemoveDurableObject(ctx), ErrNotFound)
}

func TestSetWillRewritesProperties(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cs, _, err := f.engine.Create(ctx, durableOpts("W1"))
	require.NoError(t, err)
	require.NoError(t, cs.SetWill(ctx, &Will{Topic: "w", Payload: []byte("p")}))
	_, cpr := cs.Handles()
	require.NotEqual(t, storage.NullHandle, cpr)
	assert.Equal(t, 1, f.store.RecordCount(storage.RecordTypeMessage))

	require.NoError(t, cs.UnsetWill(ctx))
	_, cpr = cs.Handles()
	assert.Equal(t, storage.NullHandle, cpr)
	assert.Equal(t, 0, f.store.RecordCount(storage.RecordTypeMessage))
	assert.Nil(t, cs.Will())
}

func TestDump(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cs, _, err := f.engine.Create(ctx, durableOpts("D1"))
	require.NoError(t, err)
	_, err = cs.AssignDeliveryID(delivery.Owner{Queue: 1})
	require.NoError(t, err)

	snaps, err := f.engine.Dump("D1")
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	s := snaps[0]
	assert.Equal(t, "D1", s.ClientID)
	assert.Equal(t, StateActive, s.OpState)
	assert.Equal(t, []uint32{1}, s.DeliveryIDs)
	assert.NotZero(t, s.CSR)
	assert.GreaterOrEqual(t, s.Chain, 0)

	_, err = f.engine.Dump("nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateAfterClose(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.Close())
	_, _, err := f.engine.Create(context.Background(), durableOpts("C1"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNodeIndices(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.ReserveNodeIndex(0))
	idx, err := f.engine.AcquireNodeIndex()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), idx)
	require.NoError(t, f.engine.ReleaseNodeIndex(0))
	idx, err = f.engine.AcquireNodeIndex()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), idx)
}

func TestExpiryLeavesWillOfTakenOverZombie(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	opts := durableOpts("C1")
	opts.ExpiryInterval = 60
	opts.Will = &Will{Topic: "lwt", Delay: 3600}
	first, _, err := f.engine.Create(ctx, opts)
	require.NoError(t, err)
	require.NoError(t, f.engine.Destroy(ctx, first, DestroyOptions{}))

	second, resumed, err := f.engine.Create(ctx, opts)
	require.NoError(t, err)
	require.True(t, resumed)
	waitFreed(t, first)

	// The reaper saw the old zombie before the takeover; the will now
	// belongs to the resumed session.
	f.engine.wills.Schedule("C1", opts.Will, time.Hour)
	assert.False(t, f.engine.expire(first))
	assert.Contains(t, f.engine.wills.Scheduled(), "C1")
	assert.Empty(t, f.publisher.Published())
	assert.Equal(t, StateActive, second.OpState())
}

func TestReconnectDuringForceDiscard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reasons := make(chan StealReason, 1)

	opts := durableOpts("F1")
	opts.Protocol = ProtocolJMS
	opts.StealHandler = func(_ *ClientState, reason StealReason) { reasons <- reason }
	victim, _, err := f.engine.Create(ctx, opts)
	require.NoError(t, err)

	discarded := make(chan error, 1)
	go func() { discarded <- f.engine.ForceDiscard(ctx, "F1", "operator request") }()
	require.Equal(t, StealByAdmin, <-reasons)

	// The eviction is still waiting for the victim; a plain reconnect
	// takes the id over from it.
	reconnect := f.engine.CreateAsync(ctx, durableOpts("F1"))
	select {
	case <-reconnect.Done():
		_, _, err := reconnect.Result()
		require.NoError(t, err)
	default:
	}

	require.NoError(t, f.engine.Destroy(ctx, victim, DestroyOptions{}))
	require.NoError(t, <-discarded)
	require.NoError(t, reconnect.Wait(ctx))

	owner, resumed, err := reconnect.Result()
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Equal(t, StateActive, owner.OpState())
	assert.Equal(t, ProtocolMQTT, owner.Protocol())
	assert.Equal(t, 1, f.engine.Count())
	assert.Equal(t, 1, f.store.RecordCount(storage.RecordTypeClientState))
}

func TestConcurrentCreateAgainstLiveHolder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const racers = 16
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		winners = make(chan *ClientState, racers)
		errs    = make(chan error, racers)
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			opts := durableOpts("C2")
			opts.StealHandler = func(*ClientState, StealReason) {}
			cs, _, err := f.engine.Create(ctx, opts)
			if err != nil {
				errs <- err
				return
			}
			winners <- cs
		}()
	}
	close(start)
	wg.Wait()
	close(winners)
	close(errs)

	require.Len(t, winners, 1)
	holder := <-winners
	assert.Equal(t, StateActive, holder.OpState())
	assert.Equal(t, int32(1), holder.UseCount())

	n := 0
	for err := range errs {
		assert.ErrorIs(t, err, ErrClientIDInUse)
		n++
	}
	assert.Equal(t, racers-1, n)
	assert.Equal(t, 1, f.engine.Count())
	assert.Equal(t, 1, f.store.RecordCount(storage.RecordTypeClientState))
}
