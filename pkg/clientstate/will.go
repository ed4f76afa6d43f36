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
	"sync"
	"time"
)

// WillPublisher publishes will messages on behalf of departed clients.
type WillPublisher interface {
	PublishWill(ctx context.Context, clientID string, will *Will) error
}

// WillScheduler publishes wills immediately or after their delay. At most
// one will is scheduled per client id.
type WillScheduler struct {
	publisher   WillPublisher
	onPublished func(clientID string)
	timers      map[string]*willTimer
	mu          sync.RWMutex
	closed      bool
}

type willTimer struct {
	timer    *time.Timer
	will     *Will
	clientID string
	due      time.Time
}

// WillTimerInfo describes a scheduled will.
type WillTimerInfo struct {
	ClientID string    `json:"client_id"`
	Topic    string    `json:"topic"`
	Due      time.Time `json:"due"`
}

// NewWillScheduler creates a scheduler publishing through publisher.
// onPublished, when set, is called after a scheduled will went out.
func NewWillScheduler(publisher WillPublisher, onPublished func(clientID string)) *WillScheduler {
	return &WillScheduler{
		publisher:   publisher,
		onPublished: onPublished,
		timers:      make(map[string]*willTimer),
	}
}

// PublishNow publishes will without delay.
func (s *WillScheduler) PublishNow(ctx context.Context, clientID string, will *Will) error {
	if will == nil {
		return fmt.Errorf("will message is nil for client %s", clientID)
	}
	if s.publisher == nil {
		log.Printf("[DEBUG] No will publisher configured, dropping will of client %s", clientID)
		return nil
	}

	log.Printf("[INFO] Publishing will message for client %s to topic %s", clientID, will.Topic)
	if err := s.publisher.PublishWill(ctx, clientID, will); err != nil {
		log.Printf("[ERROR] Failed to publish will message for client %s: %v", clientID, err)
		return err
	}
	return nil
}

// Schedule publishes will after delay, replacing any will already
// scheduled for clientID.
func (s *WillScheduler) Schedule(clientID string, will *Will, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if old, ok := s.timers[clientID]; ok {
		old.timer.Stop()
	}

	wt := &willTimer{will: will, clientID: clientID, due: time.Now().Add(delay)}
	wt.timer = time.AfterFunc(delay, func() {
		if !s.take(clientID, wt) {
			return
		}
		s.publish(wt)
	})
	s.timers[clientID] = wt

	log.Printf("[INFO] Scheduled will message for client %s with delay %v", clientID, delay)
}

// take removes wt from the timer map, reporting false if it was cancelled
// or replaced in the meantime.
func (s *WillScheduler) take(clientID string, wt *willTimer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timers[clientID] != wt {
		return false
	}
	delete(s.timers, clientID)
	return true
}

func (s *WillScheduler) publish(wt *willTimer) {
	if err := s.PublishNow(context.Background(), wt.clientID, wt.will); err != nil {
		log.Printf("[ERROR] Failed to publish delayed will message for client %s: %v", wt.clientID, err)
		return
	}
	if s.onPublished != nil {
		s.onPublished(wt.clientID)
	}
}

// Cancel drops the will scheduled for clientID. It reports whether one was
// pending.
func (s *WillScheduler) Cancel(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	wt, ok := s.timers[clientID]
	if !ok {
		return false
	}
	wt.timer.Stop()
	delete(s.timers, clientID)
	log.Printf("[INFO] Cancelled scheduled will message for client %s", clientID)
	return true
}

// Fire publishes the will scheduled for clientID now instead of at its due
// time. It reports whether one was pending.
func (s *WillScheduler) Fire(clientID string) bool {
	s.mu.Lock()
	wt, ok := s.timers[clientID]
	if ok {
		wt.timer.Stop()
		delete(s.timers, clientID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.publish(wt)
	return true
}

// Scheduled returns the pending wills keyed by client id.
func (s *WillScheduler) Scheduled() map[string]WillTimerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info := make(map[string]WillTimerInfo, len(s.timers))
	for clientID, wt := range s.timers {
		info[clientID] = WillTimerInfo{ClientID: clientID, Topic: wt.will.Topic, Due: wt.due}
	}
	return info
}

// Close stops every scheduled will without publishing it.
func (s *WillScheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := len(s.timers)
	for clientID, wt := range s.timers {
		wt.timer.Stop()
		delete(s.timers, clientID)
	}
	s.closed = true
	log.Printf("[INFO] Will scheduler closed, cancelled %d scheduled messages", cancelled)
}

// willPublished drops the will of a zombie once it has gone out so it is
// not published again after a restart.
func (e *Engine) willPublished(clientID string) {
	cs, err := e.Find(clientID)
	if err != nil {
		return
	}
	defer cs.Release()
	if cs.OpState() != StateZombie {
		return
	}
	if err := cs.UnsetWill(context.Background()); err != nil {
		log.Printf("[WARN] Failed to drop published will of client %s: %v", clientID, err)
	}
}

// SetWill replaces the will of the client state and rewrites its durable
// properties.
func (cs *ClientState) SetWill(ctx context.Context, will *Will) error {
	cs.mu.Lock()
	cs.will = will
	state := cs.csrState
	csr := cs.csr
	cs.mu.Unlock()
	if csr == 0 {
		return nil
	}
	return cs.engine.rewriteProperties(ctx, cs, state)
}

// UnsetWill removes the will of the client state.
func (cs *ClientState) UnsetWill(ctx context.Context) error {
	cs.mu.Lock()
	had := cs.will != nil
	cs.mu.Unlock()
	if !had {
		return nil
	}
	return cs.SetWill(ctx, nil)
}

// Will returns the client state's will, or nil.
func (cs *ClientState) Will() *Will {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.will
}
