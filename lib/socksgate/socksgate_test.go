/*
Copyright 2024 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package socksgate

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	socks5 "github.com/armon/go-socks5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/gravitational-labs/sdc-agent/lib/dispatch"
	"github.com/gravitational-labs/sdc-agent/lib/framing"
	"github.com/gravitational-labs/sdc-agent/lib/keystore"
)

func discardLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(bytes.NewBuffer(nil))
	return l
}

func TestEncodeDecodeStreamPayloadRoundTrip(t *testing.T) {
	payload := encodeStreamPayload(42, []byte("hello"))
	id, data, err := decodeStreamPayload(payload)
	require.NoError(t, err)
	require.Equal(t, StreamID(42), id)
	require.Equal(t, []byte("hello"), data)
}

func TestDecodeStreamPayloadRejectsShortFrame(t *testing.T) {
	_, _, err := decodeStreamPayload([]byte{1, 2})
	require.Error(t, err)
}

func TestRuleSetRefusesUnregisteredDestination(t *testing.T) {
	keys := keystore.New()
	keys.Put(keystore.ResourceKey{Host: "intranet.example", Port: 8443, Secret: 1})
	keys.Seal()

	rs := &gateRuleSet{keys: keys, log: discardLog()}

	_, allowed := rs.Allow(context.Background(), &socks5.Request{
		DestAddr: &socks5.AddrSpec{FQDN: "intranet.example", Port: 8443},
	})
	require.True(t, allowed)

	_, allowed = rs.Allow(context.Background(), &socks5.Request{
		DestAddr: &socks5.AddrSpec{FQDN: "evil.example", Port: 80},
	})
	require.False(t, allowed)
}

func TestVirtualConnWriteSendsFrameAndReadDeliversData(t *testing.T) {
	buf := &bytes.Buffer{}
	framer := framing.New(buf, 0)
	sender := dispatch.NewSender(framer, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sender.Run(ctx)

	gate := &Gate{sender: sender, log: discardLog(), streams: make(map[StreamID]*virtualConn)}
	vc := newVirtualConn(1, gate)

	n, err := vc.Write([]byte("outbound"))
	require.NoError(t, err)
	require.Equal(t, len("outbound"), n)

	fi, err := framer.Recv()
	require.NoError(t, err)
	require.Equal(t, framing.FrameSocketData, fi.Type)
	id, data, err := decodeStreamPayload(fi.Payload)
	require.NoError(t, err)
	require.Equal(t, StreamID(1), id)
	require.Equal(t, []byte("outbound"), data)

	vc.deliver([]byte("inbound"))
	read := make([]byte, 32)
	readN, err := vc.Read(read)
	require.NoError(t, err)
	require.Equal(t, []byte("inbound"), read[:readN])
}

func TestVirtualConnReadReturnsEOFAfterClose(t *testing.T) {
	buf := &bytes.Buffer{}
	framer := framing.New(buf, 0)
	sender := dispatch.NewSender(framer, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sender.Run(ctx)

	gate := &Gate{sender: sender, log: discardLog(), streams: make(map[StreamID]*virtualConn)}
	vc := newVirtualConn(2, gate)
	gate.streams[2] = vc

	vc.closeLocally()

	read := make([]byte, 8)
	_, err := vc.Read(read)
	require.Equal(t, io.EOF, err)

	_, ok := gate.streams[2]
	require.False(t, ok)
}

func TestVirtualAddrString(t *testing.T) {
	addr := virtualAddr(7)
	require.Equal(t, "sdc-tunnel", addr.Network())
	require.Equal(t, "stream:7", addr.String())
}

var _ net.Conn = (*virtualConn)(nil)

func TestGateDialRegistersStreamAndSendsControlFrame(t *testing.T) {
	buf := &bytes.Buffer{}
	framer := framing.New(buf, 0)
	sender := dispatch.NewSender(framer, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sender.Run(ctx)

	gate := &Gate{sender: sender, log: discardLog(), streams: make(map[StreamID]*virtualConn)}

	dialCtx, dialCancel := context.WithTimeout(context.Background(), time.Second)
	defer dialCancel()
	conn, err := gate.dial(dialCtx, "tcp", "intranet.example:8443")
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.Contains(t, gate.streams, StreamID(1))

	fi, err := framer.Recv()
	require.NoError(t, err)
	require.Equal(t, framing.FrameConnectionControl, fi.Type)
	_, addr, err := decodeStreamPayload(fi.Payload)
	require.NoError(t, err)
	require.Equal(t, "intranet.example:8443", string(addr))
}
