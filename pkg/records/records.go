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

// package records holds the versioned binary layouts of the durable records
// written for client states: the client state record (CSR), the client
// properties record (CPR) and the will message record. All integers are
// big-endian. Every version ever written remains decodable.
package records

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBadEyecatcher is returned when a record does not start with the expected eyecatcher.
	ErrBadEyecatcher = errors.New("bad record eyecatcher")
	// ErrUnsupportedVersion is returned for a version newer than this build understands.
	ErrUnsupportedVersion = errors.New("unsupported record version")
	// ErrTruncated is returned when a record is shorter than its header declares.
	ErrTruncated = errors.New("truncated record")
)

const (
	csrEyecatcher  = "ECSR"
	cprEyecatcher  = "ECPR"
	willEyecatcher = "EWMR"

	CSRVersion1       = 1
	CSRVersion2       = 2
	CSRCurrentVersion = CSRVersion2

	CPRVersion1       = 1
	CPRVersion2       = 2
	CPRVersion3       = 3
	CPRVersion4       = 4
	CPRVersion5       = 5
	CPRCurrentVersion = CPRVersion5

	WillVersion1       = 1
	WillCurrentVersion = WillVersion1

	// FlagDurable is set in CSR and CPR flags for durable client states.
	FlagDurable uint32 = 0x1

	// ExpiryInfinite means the client state never expires.
	ExpiryInfinite uint32 = 0xFFFFFFFF
)

// CSR store-state bits. The upper 32 bits hold the last-connected time in
// seconds since 2000-01-01T00:00:00Z when CSRStateDisconnected is set.
const (
	CSRStateNone         uint64 = 0x0
	CSRStateDeleted      uint64 = 0x1
	CSRStateDisconnected uint64 = 0x2
)

var epoch2000 = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// ClientState is the decoded content of a CSR.
type ClientState struct {
	Version    uint32
	Flags      uint32
	ProtocolID uint32
	ClientID   string
}

// Durable reports whether FlagDurable is set.
func (c ClientState) Durable() bool { return c.Flags&FlagDurable != 0 }

// ClientProperties is the decoded content of a CPR.
type ClientProperties struct {
	Version        uint32
	Flags          uint32
	WillTopic      string
	UserID         string
	WillTTL        uint32
	ExpiryInterval uint32
	WillDelay      uint32
}

// Durable reports whether FlagDurable is set.
func (p ClientProperties) Durable() bool { return p.Flags&FlagDurable != 0 }

// WillMessage is the decoded content of a will message record.
type WillMessage struct {
	Version uint32
	QoS     uint8
	Retain  bool
	Payload []byte
}

// EncodeClientState encodes c at the current CSR version.
func EncodeClientState(c ClientState) []byte {
	b, _ := EncodeClientStateVersion(c, CSRCurrentVersion)
	return b
}

// EncodeClientStateVersion encodes c at an explicit CSR version.
func EncodeClientStateVersion(c ClientState, version uint32) ([]byte, error) {
	if version < CSRVersion1 || version > CSRCurrentVersion {
		return nil, fmt.Errorf("csr version %d: %w", version, ErrUnsupportedVersion)
	}
	w := newWriter(csrEyecatcher, version)
	w.u32(c.Flags)
	w.u32(uint32(len(c.ClientID)))
	if version >= CSRVersion2 {
		w.u32(c.ProtocolID)
	}
	w.bytes([]byte(c.ClientID))
	return w.buf, nil
}

// DecodeClientState decodes a CSR of any supported version.
func DecodeClientState(b []byte) (ClientState, error) {
	r, version, err := newReader(b, csrEyecatcher)
	if err != nil {
		return ClientState{}, err
	}
	if version < CSRVersion1 || version > CSRCurrentVersion {
		return ClientState{}, fmt.Errorf("csr version %d: %w", version, ErrUnsupportedVersion)
	}
	c := ClientState{Version: version}
	c.Flags = r.u32()
	idLen := r.u32()
	if version >= CSRVersion2 {
		c.ProtocolID = r.u32()
	}
	c.ClientID = string(r.bytes(idLen))
	if r.err != nil {
		return ClientState{}, r.err
	}
	return c, nil
}

// EncodeClientProperties encodes p at the current CPR version.
func EncodeClientProperties(p ClientProperties) []byte {
	b, _ := EncodeClientPropertiesVersion(p, CPRCurrentVersion)
	return b
}

// EncodeClientPropertiesVersion encodes p at an explicit CPR version,
// dropping the fields that version does not carry.
func EncodeClientPropertiesVersion(p ClientProperties, version uint32) ([]byte, error) {
	if version < CPRVersion1 || version > CPRCurrentVersion {
		return nil, fmt.Errorf("cpr version %d: %w", version, ErrUnsupportedVersion)
	}
	w := newWriter(cprEyecatcher, version)
	w.u32(p.Flags)
	w.u32(uint32(len(p.WillTopic)))
	if version >= CPRVersion2 {
		w.u32(uint32(len(p.UserID)))
	}
	if version >= CPRVersion3 {
		w.u32(p.WillTTL)
	}
	if version >= CPRVersion4 {
		w.u32(p.ExpiryInterval)
	}
	if version >= CPRVersion5 {
		w.u32(p.WillDelay)
	}
	w.bytes([]byte(p.WillTopic))
	if version >= CPRVersion2 {
		w.bytes([]byte(p.UserID))
	}
	return w.buf, nil
}

// DecodeClientProperties decodes a CPR of any supported version. Fields a
// version does not carry decode as zero, except ExpiryInterval which
// decodes as ExpiryInfinite before version 4.
func DecodeClientProperties(b []byte) (ClientProperties, error) {
	r, version, err := newReader(b, cprEyecatcher)
	if err != nil {
		return ClientProperties{}, err
	}
	if version < CPRVersion1 || version > CPRCurrentVersion {
		return ClientProperties{}, fmt.Errorf("cpr version %d: %w", version, ErrUnsupportedVersion)
	}
	p := ClientProperties{Version: version, ExpiryInterval: ExpiryInfinite}
	p.Flags = r.u32()
	topicLen := r.u32()
	var userLen uint32
	if version >= CPRVersion2 {
		userLen = r.u32()
	}
	if version >= CPRVersion3 {
		p.WillTTL = r.u32()
	}
	if version >= CPRVersion4 {
		p.ExpiryInterval = r.u32()
	}
	if version >= CPRVersion5 {
		p.WillDelay = r.u32()
	}
	p.WillTopic = string(r.bytes(topicLen))
	p.UserID = string(r.bytes(userLen))
	if r.err != nil {
		return ClientProperties{}, r.err
	}
	return p, nil
}

// EncodeWillMessage encodes a will message record.
func EncodeWillMessage(m WillMessage) []byte {
	w := newWriter(willEyecatcher, WillCurrentVersion)
	w.buf = append(w.buf, m.QoS)
	if m.Retain {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
	w.u32(uint32(len(m.Payload)))
	w.bytes(m.Payload)
	return w.buf
}

// DecodeWillMessage decodes a will message record.
func DecodeWillMessage(b []byte) (WillMessage, error) {
	r, version, err := newReader(b, willEyecatcher)
	if err != nil {
		return WillMessage{}, err
	}
	if version < WillVersion1 || version > WillCurrentVersion {
		return WillMessage{}, fmt.Errorf("will version %d: %w", version, ErrUnsupportedVersion)
	}
	m := WillMessage{Version: version}
	flags := r.bytes(2)
	if r.err == nil {
		m.QoS = flags[0]
		m.Retain = flags[1] != 0
	}
	m.Payload = append([]byte(nil), r.bytes(r.u32())...)
	if r.err != nil {
		return WillMessage{}, r.err
	}
	return m, nil
}

// PackCSRState builds a CSR store state from flag bits and, when
// CSRStateDisconnected is set, the last-connected time.
func PackCSRState(flags uint64, lastConnected time.Time) uint64 {
	state := flags & 0xFFFFFFFF
	if flags&CSRStateDisconnected != 0 && !lastConnected.IsZero() {
		secs := lastConnected.Sub(epoch2000) / time.Second
		if secs < 0 {
			secs = 0
		}
		state |= uint64(uint32(secs)) << 32
	}
	return state
}

// UnpackCSRState splits a CSR store state into flag bits and the
// last-connected time (zero when not disconnected).
func UnpackCSRState(state uint64) (flags uint64, lastConnected time.Time) {
	flags = state & 0xFFFFFFFF
	if flags&CSRStateDisconnected != 0 {
		lastConnected = epoch2000.Add(time.Duration(state>>32) * time.Second)
	}
	return flags, lastConnected
}

type writer struct {
	buf []byte
}

func newWriter(eye string, version uint32) *writer {
	w := &writer{buf: make([]byte, 0, 64)}
	w.buf = append(w.buf, eye...)
	w.u32(version)
	return w
}

func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *writer) bytes(b []byte) { w.buf = append(w.buf, b...) }

type reader struct {
	b   []byte
	off int
	err error
}

func newReader(b []byte, eye string) (*reader, uint32, error) {
	if len(b) < 8 {
		return nil, 0, fmt.Errorf("%d byte header: %w", len(b), ErrTruncated)
	}
	if string(b[:4]) != eye {
		return nil, 0, fmt.Errorf("want %q, got %q: %w", eye, b[:4], ErrBadEyecatcher)
	}
	r := &reader{b: b, off: 8}
	return r, binary.BigEndian.Uint32(b[4:8]), nil
}

func (r *reader) u32() uint32 {
	if r.err != nil {
		return 0
	}
	if len(r.b)-r.off < 4 {
		r.err = fmt.Errorf("reading field at offset %d: %w", r.off, ErrTruncated)
		return 0
	}
	v := binary.BigEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *reader) bytes(n uint32) []byte {
	if r.err != nil {
		return nil
	}
	if uint64(len(r.b)-r.off) < uint64(n) {
		r.err = fmt.Errorf("reading %d bytes at offset %d: %w", n, r.off, ErrTruncated)
		return nil
	}
	v := r.b[r.off : r.off+int(n)]
	r.off += int(n)
	return v
}
