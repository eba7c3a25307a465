// Copyright 2024 The Authors
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

package mysqlproto

import (
	"errors"
	"testing"

	"github.com/mysqlproxy/authcore/errs"
	"github.com/stretchr/testify/require"
)

// buildHandshakeResponse assembles a CLIENT_PROTOCOL_41 +
// CLIENT_SECURE_CONNECTION + CLIENT_CONNECT_WITH_DB + CLIENT_PLUGIN_AUTH
// handshake response packet, mirroring what a modern libmysqlclient
// sends.
func buildHandshakeResponse(username string, token []byte, db, plugin string) []byte {
	caps := ClientProtocol41 | ClientSecureConn | ClientConnectWithDB | ClientPluginAuth

	buf := make([]byte, 32)
	buf[0] = byte(caps)
	buf[1] = byte(caps >> 8)
	buf[2] = byte(caps >> 16)
	buf[3] = byte(caps >> 24)
	buf[8] = 33 // utf8_general_ci

	buf = append(buf, []byte(username)...)
	buf = append(buf, 0)

	buf = append(buf, byte(len(token)))
	buf = append(buf, token...)

	buf = append(buf, []byte(db)...)
	buf = append(buf, 0)

	buf = append(buf, []byte(plugin)...)
	buf = append(buf, 0)

	return buf
}

func TestHandshakeParseFixture(t *testing.T) {
	token := []byte{0x11, 0x22, 0x33, 0x44, 0x55}
	data := buildHandshakeResponse("alice", token, "appdb", "mysql_native_password")

	resp, err := ParseClientResponse(data, 0)
	require.NoError(t, err)
	require.Equal(t, "alice", resp.Username)
	require.Equal(t, token, resp.AuthToken)
	require.Equal(t, "appdb", resp.Database)
	require.Equal(t, "mysql_native_password", resp.PluginName)
	require.False(t, resp.OldProtocol)
}

func TestHandshakeParseWithAttributes(t *testing.T) {
	base := buildHandshakeResponse("bob", []byte{0xaa}, "", "mysql_native_password")
	// buildHandshakeResponse always writes the (empty) database field,
	// so CLIENT_CONNECT_WITH_DB stays set for the parser to consume it.
	caps := ClientProtocol41 | ClientSecureConn | ClientConnectWithDB | ClientPluginAuth | ClientConnectAttrs
	base[0] = byte(caps)
	base[1] = byte(caps >> 8)
	base[2] = byte(caps >> 16)
	base[3] = byte(caps >> 24)

	attrBlock := encodeLenencString([]byte("program_name"))
	attrBlock = append(attrBlock, encodeLenencString([]byte("mysql"))...)
	full := append(base, encodeLenencInt(uint64(len(attrBlock)))...)
	full = append(full, attrBlock...)

	resp, err := ParseClientResponse(full, 0)
	require.NoError(t, err)
	require.Equal(t, "mysql", resp.Attrs["program_name"])
}

func TestParseClientResponseTruncated(t *testing.T) {
	_, err := ParseClientResponse(make([]byte, 10), 0)
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrTruncated))
}

func TestParseClientResponseRejectsOldProtocol(t *testing.T) {
	buf := make([]byte, 32) // capabilities left at zero: no CLIENT_PROTOCOL_41
	_, err := ParseClientResponse(buf, 0)
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrOldProtocol))
}

func TestParseClientResponseRejectsPre41AuthToken(t *testing.T) {
	// CLIENT_PROTOCOL_41 is set (so the header parses), but neither
	// CLIENT_SECURE_CONNECTION nor CLIENT_PLUGIN_AUTH_LENENC_DATA is:
	// the auth-token field itself is in the pre-4.1 null-terminated
	// form, which parseAuthTokenAt must reject rather than parse.
	caps := ClientProtocol41
	buf := make([]byte, 32)
	buf[0] = byte(caps)
	buf[1] = byte(caps >> 8)
	buf[2] = byte(caps >> 16)
	buf[3] = byte(caps >> 24)

	buf = append(buf, []byte("alice")...)
	buf = append(buf, 0)
	buf = append(buf, []byte("secret")...)
	buf = append(buf, 0)

	_, err := ParseClientResponse(buf, 0)
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrOldProtocol))
}

func TestParseClientResponseOrsInPriorCapabilities(t *testing.T) {
	// Simulates the two-phase SSLRequest flow: the client's initial
	// SSLRequest carried ClientSSL, which the server consumed via
	// ParseClientCapabilities and used to negotiate TLS. The full
	// response that arrives over the now-encrypted connection doesn't
	// repeat ClientSSL in its own capability word, so it must be OR'd
	// back in rather than lost.
	data := buildHandshakeResponse("alice", []byte{0x01}, "", "mysql_native_password")

	resp, err := ParseClientResponse(data, ClientSSL)
	require.NoError(t, err)
	require.NotZero(t, resp.Capabilities&ClientSSL)
	require.NotZero(t, resp.Capabilities&ClientProtocol41)
}

func TestParseClientResponseExtendedCapabilities(t *testing.T) {
	data := buildHandshakeResponse("alice", []byte{0x01}, "", "mysql_native_password")
	// bytes 28..31 hold MariaDB's extended-capabilities word.
	data[28] = 0x01
	data[29] = 0x02

	resp, err := ParseClientResponse(data, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(0x0201), resp.ExtendedCapabilities,
		"ClientMySQL is absent from this fixture's capabilities, so the extended word is kept")
}

func TestParseClientResponseIgnoresExtendedCapabilitiesWhenClientMySQLSet(t *testing.T) {
	caps := ClientProtocol41 | ClientSecureConn | ClientMySQL
	data := make([]byte, 32)
	data[0] = byte(caps)
	data[1] = byte(caps >> 8)
	data[2] = byte(caps >> 16)
	data[3] = byte(caps >> 24)
	data[28] = 0xff
	data[29] = 0xff
	data = append(data, 0) // empty username
	data = append(data, 0) // zero-length auth token

	resp, err := ParseClientResponse(data, 0)
	require.NoError(t, err)
	require.Zero(t, resp.ExtendedCapabilities)
}

func TestReadLengthEncodedIntBoundaries(t *testing.T) {
	v, n, err := ReadLengthEncodedInt([]byte{0xfa})
	require.NoError(t, err)
	require.Equal(t, uint64(0xfa), v)
	require.Equal(t, 1, n)

	v, n, err = ReadLengthEncodedInt([]byte{0xfc, 0x01, 0x02})
	require.NoError(t, err)
	require.Equal(t, uint64(0x0201), v)
	require.Equal(t, 3, n)

	_, _, err = ReadLengthEncodedInt([]byte{0xfd, 0x01})
	require.True(t, errors.Is(err, errs.ErrTruncated))
}

func encodeLenencInt(v uint64) []byte {
	if v < 0xfb {
		return []byte{byte(v)}
	}
	panic("test helper only supports small values")
}

func encodeLenencString(s []byte) []byte {
	return append(encodeLenencInt(uint64(len(s))), s...)
}
