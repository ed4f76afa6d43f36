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
	"fmt"
	"time"
)

// Durability selects whether a client state survives disconnection and
// restart. The Inherit variants are resolved against an existing client
// state with the same id during Create.
type Durability int

const (
	NonDurable Durability = iota
	Durable
	InheritOrDurable
	InheritOrNonDurable
)

func (d Durability) String() string {
	switch d {
	case NonDurable:
		return "non-durable"
	case Durable:
		return "durable"
	case InheritOrDurable:
		return "inherit-or-durable"
	case InheritOrNonDurable:
		return "inherit-or-non-durable"
	default:
		return fmt.Sprintf("Durability(%d)", int(d))
	}
}

// concrete returns the value an Inherit variant falls back to.
func (d Durability) concrete() Durability {
	switch d {
	case InheritOrDurable:
		return Durable
	case InheritOrNonDurable:
		return NonDurable
	}
	return d
}

func (d Durability) inherits() bool {
	return d == InheritOrDurable || d == InheritOrNonDurable
}

// OpState is the lifecycle state of a client state.
type OpState int

const (
	StateActive OpState = iota
	StateDisconnecting
	StateNonDurableCleanup
	StateZombie
	StateZombieRemoval
	StateZombieExpiry
	StateZombieCleanup
	StateFreeing
)

var opStateNames = [...]string{
	StateActive:            "Active",
	StateDisconnecting:     "Disconnecting",
	StateNonDurableCleanup: "NonDurableCleanup",
	StateZombie:            "Zombie",
	StateZombieRemoval:     "ZombieRemoval",
	StateZombieExpiry:      "ZombieExpiry",
	StateZombieCleanup:     "ZombieCleanup",
	StateFreeing:           "Freeing",
}

func (s OpState) String() string {
	if s >= 0 && int(s) < len(opStateNames) {
		return opStateNames[s]
	}
	return fmt.Sprintf("OpState(%d)", int(s))
}

// cleanupEligible reports whether reaching a use count of one in this
// state triggers the cleanup decision.
func (s OpState) cleanupEligible() bool {
	return s == StateNonDurableCleanup || s == StateZombieRemoval || s == StateZombieExpiry
}

// Protocol identifies the protocol a client state was created by.
type Protocol uint32

const (
	ProtocolEngine Protocol = iota + 1
	ProtocolMQTT
	ProtocolJMS
	ProtocolPlugin
	ProtocolHTTP
)

func (p Protocol) String() string {
	switch p {
	case ProtocolEngine:
		return "engine"
	case ProtocolMQTT:
		return "mqtt"
	case ProtocolJMS:
		return "jms"
	case ProtocolPlugin:
		return "plugin"
	case ProtocolHTTP:
		return "http"
	default:
		return fmt.Sprintf("protocol-%d", uint32(p))
	}
}

// ParseProtocol maps a protocol name back to its identifier.
func ParseProtocol(name string) (Protocol, error) {
	for p := ProtocolEngine; p <= ProtocolHTTP; p++ {
		if p.String() == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown protocol %q", name)
}

// ProtocolPolicy decides which protocols may take over each other's client
// ids. A thief whose protocol is in Priority may steal a live client even
// when the caller did not ask to. A victim whose protocol is in Yielding
// always gives way. Protocols in the same Aliases group share client ids.
type ProtocolPolicy struct {
	Priority map[Protocol]bool
	Yielding map[Protocol]bool
	Aliases  [][]Protocol
}

// DefaultProtocolPolicy lets the engine's own bookkeeping protocol win and
// lose every steal, and lets MQTT and plugin clients share ids.
func DefaultProtocolPolicy() ProtocolPolicy {
	return ProtocolPolicy{
		Priority: map[Protocol]bool{ProtocolEngine: true},
		Yielding: map[Protocol]bool{ProtocolEngine: true},
		Aliases:  [][]Protocol{{ProtocolMQTT, ProtocolPlugin}},
	}
}

func (p ProtocolPolicy) aliased(a, b Protocol) bool {
	if a == b {
		return true
	}
	for _, group := range p.Aliases {
		var hasA, hasB bool
		for _, q := range group {
			hasA = hasA || q == a
			hasB = hasB || q == b
		}
		if hasA && hasB {
			return true
		}
	}
	return false
}

// StealReason tells a victim's owner why it is being asked to disconnect.
type StealReason int

const (
	StealByClient StealReason = iota
	StealByAdmin
)

func (r StealReason) String() string {
	if r == StealByAdmin {
		return "admin"
	}
	return "client"
}

// StealHandler is invoked, without engine locks held, on a live client
// state whose id has been taken over. The owner is expected to disconnect
// and call Destroy.
type StealHandler func(victim *ClientState, reason StealReason)

// Will is a message published on behalf of a client after it goes away.
type Will struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
	// TTL is the message expiry in seconds, zero for none.
	TTL uint32
	// Delay is how long after disconnection the will is published, in seconds.
	Delay uint32
}

func (w *Will) equal(o *Will) bool {
	if w == nil || o == nil {
		return w == o
	}
	return w.Topic == o.Topic && string(w.Payload) == string(o.Payload) &&
		w.QoS == o.QoS && w.Retain == o.Retain && w.TTL == o.TTL && w.Delay == o.Delay
}

// CreateOptions describes a client state registration.
type CreateOptions struct {
	ClientID   string
	Protocol   Protocol
	Durability Durability
	UserID     string
	// ExpiryInterval is the session expiry in seconds once disconnected.
	// records.ExpiryInfinite means never.
	ExpiryInterval uint32
	Will           *Will
	MaxInflight    uint32

	// CleanStart discards any state left by a previous client with this id.
	CleanStart bool
	// Steal allows taking over a connected client with this id.
	Steal bool
	// CheckUserSteal refuses a steal when the user ids differ.
	CheckUserSteal bool

	StealHandler StealHandler
}

// DestroyOptions controls what happens when a client state's owner lets go.
type DestroyOptions struct {
	// Discard removes the client state and its durable records even if the
	// client is durable.
	Discard bool
	// LeaveDurable frees the in-memory state but leaves the durable records
	// to be recovered at the next restart.
	LeaveDurable bool
	// SuppressWill drops the will message instead of publishing it.
	SuppressWill bool
}

// Snapshot is a diagnostic view of one client state.
type Snapshot struct {
	ClientID        string
	Protocol        Protocol
	Durability      Durability
	OpState         OpState
	UseCount        int32
	UserID          string
	CSR             uint64
	CPR             uint64
	WillRecord      uint64
	HasWill         bool
	ExpiryInterval  uint32
	LastConnected   time.Time
	ExpiryTime      time.Time
	WillTime        time.Time
	HasThief        bool
	HasVictim       bool
	DurableObjects  int
	GlobalTxns      int
	DeliveryIDs     []uint32
	Unreleased      []uint32
	Chain           int
	Slot            int
	CreationPending bool
}
