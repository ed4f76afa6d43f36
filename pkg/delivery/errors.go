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

package delivery

import (
	"errors"
	"fmt"
	"log"

	"github.com/turtacn/emqx-engine/pkg/metrics"
)

var (
	// ErrIDsExhausted is returned by Assign while the inflight window is full.
	// The session layer must stop sending until Release reports IDsAvailable.
	ErrIDsExhausted = errors.New("delivery ids exhausted")
	// ErrNotFound is returned for a delivery id that is not in use.
	ErrNotFound = errors.New("delivery id not found")
	// ErrNotPending is returned when writing a reference for a slot that is
	// already durable.
	ErrNotPending = errors.New("delivery id is not pending")
	// ErrOutOfRange is returned for a delivery id outside [BaseDeliveryID, MaxDeliveryID].
	ErrOutOfRange = errors.New("delivery id out of range")
	// ErrInTransaction is returned when an unreleased id has a transactional
	// change outstanding.
	ErrInTransaction = errors.New("unreleased delivery id has a transaction in progress")
)

// ffdc records an invariant violation. The surrounding operation carries on.
func ffdc(probe string, format string, args ...interface{}) {
	metrics.FFDCTotal.WithLabelValues(probe).Inc()
	log.Printf("[ERROR] FFDC probe=%s "+format, append([]interface{}{probe}, args...)...)
}

func rangeCheck(id uint32) error {
	if id < BaseDeliveryID || id > MaxDeliveryID {
		return fmt.Errorf("delivery id %d: %w", id, ErrOutOfRange)
	}
	return nil
}
