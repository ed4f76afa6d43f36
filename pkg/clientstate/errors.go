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
	"errors"
	"log"

	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/turtacn/emqx-engine/pkg/delivery"
	"github.com/turtacn/emqx-engine/pkg/metrics"
)

var (
	// ErrClientIDInUse is returned when a client id is held by a connected
	// client that cannot be taken over.
	ErrClientIDInUse = errors.New("client id in use")
	// ErrProtocolMismatch is returned when a client id is held by a client of
	// a protocol that does not share ids with the caller's.
	ErrProtocolMismatch = errors.New("client id held by a different protocol")
	// ErrNotAuthorized is returned when a steal with CheckUserSteal finds a
	// different user id on the existing client.
	ErrNotAuthorized = errors.New("not authorized to take over client id")
	// ErrServerCapacity is returned when the store cannot take new durable clients.
	ErrServerCapacity = errors.New("server capacity reached")
	// ErrNotFound is returned when no client state has the requested id.
	ErrNotFound = errors.New("client state not found")
	// ErrClientIDConnected is returned when discarding a client id that is
	// still connected.
	ErrClientIDConnected = errors.New("client id is connected")
	// ErrInvalidClientID is returned for an empty client id.
	ErrInvalidClientID = errors.New("invalid client id")
	// ErrNotActive is returned for an operation that needs an active client state.
	ErrNotActive = errors.New("client state is not active")
	// ErrClosed is returned after the engine has been closed.
	ErrClosed = errors.New("engine closed")
)

// ReasonCode maps an engine error to the MQTT reason code a protocol layer
// should report for it.
func ReasonCode(err error) packets.Code {
	switch {
	case err == nil:
		return packets.CodeSuccess
	case errors.Is(err, ErrClientIDInUse), errors.Is(err, ErrProtocolMismatch), errors.Is(err, ErrInvalidClientID):
		return packets.ErrClientIdentifierNotValid
	case errors.Is(err, ErrNotAuthorized):
		return packets.ErrNotAuthorized
	case errors.Is(err, ErrServerCapacity):
		return packets.ErrServerBusy
	case errors.Is(err, delivery.ErrIDsExhausted):
		return packets.ErrReceiveMaximum
	case errors.Is(err, delivery.ErrInTransaction):
		return packets.ErrPacketIdentifierInUse
	case errors.Is(err, ErrNotFound), errors.Is(err, delivery.ErrNotFound):
		return packets.ErrPacketIdentifierNotFound
	case errors.Is(err, ErrClientIDConnected):
		return packets.ErrSessionTakenOver
	case errors.Is(err, ErrClosed):
		return packets.ErrServerShuttingDown
	default:
		return packets.ErrUnspecifiedError
	}
}

func ffdc(probe string, format string, args ...interface{}) {
	metrics.FFDCTotal.WithLabelValues(probe).Inc()
	log.Printf("[ERROR] FFDC probe=%s "+format, append([]interface{}{probe}, args...)...)
}
