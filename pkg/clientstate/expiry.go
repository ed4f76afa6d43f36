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
	"log"
	"time"

	"github.com/turtacn/emqx-engine/pkg/metrics"
	"github.com/turtacn/emqx-engine/pkg/records"
)

// computeExpiry returns when a client state disconnected at now expires,
// the zero time for never, and when its will is due. The will is due at
// the earlier of the will delay and the expiry.
func computeExpiry(now time.Time, expiryInterval, willDelay uint32) (expiry, willAt time.Time) {
	if expiryInterval != records.ExpiryInfinite {
		expiry = now.Add(time.Duration(expiryInterval) * time.Second)
	}
	delay := willDelay
	if expiryInterval < delay {
		delay = expiryInterval
	}
	willAt = now.Add(time.Duration(delay) * time.Second)
	return expiry, willAt
}

func describeExpiry(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}

// expire removes a zombie whose session has run out, publishing any will
// still waiting.
func (e *Engine) expire(cs *ClientState) bool {
	if !e.retire(cs, StateZombieExpiry) {
		return false
	}
	e.wills.Fire(cs.clientID)
	metrics.ZombiesExpiredTotal.Inc()
	log.Printf("[INFO] Zombie client state %s expired", cs.clientID)
	return true
}

// ExpireZombies removes every zombie whose expiry time is at or before now
// and returns how many were removed.
func (e *Engine) ExpireZombies(now time.Time) int {
	var due []*ClientState
	g := e.reg.lock()
	g.each(func(cs *ClientState) {
		cs.mu.Lock()
		expiry := cs.expiryTime
		cs.mu.Unlock()
		if expiry.IsZero() || expiry.After(now) {
			return
		}
		cs.useMu.Lock()
		if cs.opState == StateZombie && cs.thief == nil {
			due = append(due, cs)
		}
		cs.useMu.Unlock()
	})
	g.unlock()

	expired := 0
	for _, cs := range due {
		if e.expire(cs) {
			expired++
		}
	}
	if expired > 0 {
		log.Printf("[INFO] Expired %d zombie client states", expired)
	}
	return expired
}

// StartExpiryReaper runs ExpireZombies every interval until
// StopExpiryReaper or Close.
func (e *Engine) StartExpiryReaper(interval time.Duration) {
	e.reaperMu.Lock()
	defer e.reaperMu.Unlock()
	if e.reaperTicker != nil || interval <= 0 {
		return
	}

	e.reaperTicker = time.NewTicker(interval)
	e.stopReaper = make(chan struct{})
	e.reaperDone = make(chan struct{})
	ticker, stop, done := e.reaperTicker, e.stopReaper, e.reaperDone

	go func() {
		defer close(done)
		for {
			select {
			case <-ticker.C:
				e.ExpireZombies(e.now())
			case <-stop:
				return
			}
		}
	}()

	log.Printf("[INFO] Started zombie expiry reaper with interval: %v", interval)
}

// StopExpiryReaper stops the reaper started by StartExpiryReaper.
func (e *Engine) StopExpiryReaper() {
	e.reaperMu.Lock()
	ticker, stop, done := e.reaperTicker, e.stopReaper, e.reaperDone
	e.reaperTicker, e.stopReaper, e.reaperDone = nil, nil, nil
	e.reaperMu.Unlock()
	if ticker == nil {
		return
	}
	ticker.Stop()
	close(stop)
	<-done
}
