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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWillSchedulerPublishNow(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewWillScheduler(pub, nil)
	defer s.Close()

	require.NoError(t, s.PublishNow(context.Background(), "c1", &Will{Topic: "a"}))
	assert.Error(t, s.PublishNow(context.Background(), "c1", nil))
	assert.Equal(t, []string{"c1:a"}, pub.Published())
}

func TestWillSchedulerWithoutPublisher(t *testing.T) {
	s := NewWillScheduler(nil, nil)
	defer s.Close()
	assert.NoError(t, s.PublishNow(context.Background(), "c1", &Will{Topic: "a"}))
}

func TestWillSchedulerDelayed(t *testing.T) {
	pub := &recordingPublisher{}
	var mu sync.Mutex
	var notified []string
	s := NewWillScheduler(pub, func(clientID string) {
		mu.Lock()
		defer mu.Unlock()
		notified = append(notified, clientID)
	})
	defer s.Close()

	s.Schedule("c1", &Will{Topic: "a"}, 20*time.Millisecond)
	info := s.Scheduled()
	require.Contains(t, info, "c1")
	assert.Equal(t, "a", info["c1"].Topic)

	assert.Eventually(t, func() bool { return len(pub.Published()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, s.Scheduled())
	mu.Lock()
	assert.Equal(t, []string{"c1"}, notified)
	mu.Unlock()
}

func TestWillSchedulerReplaceAndCancel(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewWillScheduler(pub, nil)
	defer s.Close()

	s.Schedule("c1", &Will{Topic: "old"}, time.Hour)
	s.Schedule("c1", &Will{Topic: "new"}, time.Hour)
	assert.Len(t, s.Scheduled(), 1)
	assert.Equal(t, "new", s.Scheduled()["c1"].Topic)

	assert.True(t, s.Cancel("c1"))
	assert.False(t, s.Cancel("c1"))
	assert.Empty(t, pub.Published())
}

func TestWillSchedulerFire(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewWillScheduler(pub, nil)
	defer s.Close()

	s.Schedule("c1", &Will{Topic: "a"}, time.Hour)
	assert.True(t, s.Fire("c1"))
	assert.False(t, s.Fire("c1"))
	assert.Equal(t, []string{"c1:a"}, pub.Published())
}

func TestWillSchedulerClose(t *testing.T) {
	pub := &recordingPublisher{}
	s := NewWillScheduler(pub, nil)

	s.Schedule("c1", &Will{Topic: "a"}, 10*time.Millisecond)
	s.Close()
	s.Schedule("c2", &Will{Topic: "b"}, 0)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, pub.Published())
	assert.Empty(t, s.Scheduled())
}
