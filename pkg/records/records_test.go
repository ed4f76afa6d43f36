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

package records

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientStateVersions(t *testing.T) {
	in := ClientState{Flags: FlagDurable, ProtocolID: 7, ClientID: "C1"}

	tests := []struct {
		version      uint32
		wantProtocol uint32
	}{
		{CSRVersion1, 0},
		{CSRVersion2, 7},
	}
	for _, tt := range tests {
		t.Run("v"+string(rune('0'+tt.version)), func(t *testing.T) {
			b, err := EncodeClientStateVersion(in, tt.version)
			require.NoError(t, err)
			out, err := DecodeClientState(b)
			require.NoError(t, err)
			assert.Equal(t, tt.version, out.Version)
			assert.Equal(t, "C1", out.ClientID)
			assert.True(t, out.Durable())
			assert.Equal(t, tt.wantProtocol, out.ProtocolID)
		})
	}

	out, err := DecodeClientState(EncodeClientState(in))
	require.NoError(t, err)
	assert.Equal(t, uint32(CSRCurrentVersion), out.Version)
}

func TestClientPropertiesVersions(t *testing.T) {
	in := ClientProperties{
		Flags:          FlagDurable,
		WillTopic:      "will/topic",
		UserID:         "alice",
		WillTTL:        30,
		ExpiryInterval: 3600,
		WillDelay:      10,
	}

	tests := []struct {
		version uint32
		want    ClientProperties
	}{
		{CPRVersion1, ClientProperties{Flags: FlagDurable, WillTopic: "will/topic", ExpiryInterval: ExpiryInfinite}},
		{CPRVersion2, ClientProperties{Flags: FlagDurable, WillTopic: "will/topic", UserID: "alice", ExpiryInterval: ExpiryInfinite}},
		{CPRVersion3, ClientProperties{Flags: FlagDurable, WillTopic: "will/topic", UserID: "alice", WillTTL: 30, ExpiryInterval: ExpiryInfinite}},
		{CPRVersion4, ClientProperties{Flags: FlagDurable, WillTopic: "will/topic", UserID: "alice", WillTTL: 30, ExpiryInterval: 3600}},
		{CPRVersion5, ClientProperties{Flags: FlagDurable, WillTopic: "will/topic", UserID: "alice", WillTTL: 30, ExpiryInterval: 3600, WillDelay: 10}},
	}
	for _, tt := range tests {
		t.Run("v"+string(rune('0'+tt.version)), func(t *testing.T) {
			b, err := EncodeClientPropertiesVersion(in, tt.version)
			require.NoError(t, err)
			out, err := DecodeClientProperties(b)
			require.NoError(t, err)
			tt.want.Version = tt.version
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestEmptyClientProperties(t *testing.T) {
	out, err := DecodeClientProperties(EncodeClientProperties(ClientProperties{ExpiryInterval: 0}))
	require.NoError(t, err)
	assert.Empty(t, out.WillTopic)
	assert.Empty(t, out.UserID)
	assert.Zero(t, out.ExpiryInterval)
	assert.False(t, out.Durable())
}

func TestWillMessage(t *testing.T) {
	in := WillMessage{QoS: 1, Retain: true, Payload: []byte("bye")}
	out, err := DecodeWillMessage(EncodeWillMessage(in))
	require.NoError(t, err)
	assert.Equal(t, uint8(1), out.QoS)
	assert.True(t, out.Retain)
	assert.Equal(t, []byte("bye"), out.Payload)
}

func TestDecodeErrors(t *testing.T) {
	_, err := DecodeClientState([]byte("EC"))
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = DecodeClientState(EncodeClientProperties(ClientProperties{}))
	assert.ErrorIs(t, err, ErrBadEyecatcher)

	b := EncodeClientState(ClientState{ClientID: "abcdef"})
	_, err = DecodeClientState(b[:len(b)-2])
	assert.ErrorIs(t, err, ErrTruncated)

	b = EncodeClientState(ClientState{ClientID: "x"})
	b[7] = 9
	_, err = DecodeClientState(b)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	_, err = EncodeClientPropertiesVersion(ClientProperties{}, 6)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	// Version zero was never written.
	b = EncodeClientState(ClientState{ClientID: "x"})
	b[7] = 0
	_, err = DecodeClientState(b)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	b = EncodeClientProperties(ClientProperties{WillTopic: "t"})
	b[7] = 0
	_, err = DecodeClientProperties(b)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	b = EncodeWillMessage(WillMessage{Payload: []byte("p")})
	b[7] = 0
	_, err = DecodeWillMessage(b)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestCSRState(t *testing.T) {
	at := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	state := PackCSRState(CSRStateDisconnected, at)
	flags, last := UnpackCSRState(state)
	assert.Equal(t, CSRStateDisconnected, flags)
	assert.True(t, at.Equal(last))

	state = PackCSRState(CSRStateDeleted, at)
	flags, last = UnpackCSRState(state)
	assert.Equal(t, CSRStateDeleted, flags)
	assert.True(t, last.IsZero())
}
