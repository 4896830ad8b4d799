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

// Package socksgate runs the local SOCKS5 listener that intranet
// clients connect to. Every CONNECT request is gated against the
// session's key store before anything is bridged to the tunnel: a
// destination absent from the current registration's resource keys is
// refused, never merely logged.
//
// The server side is armon/go-socks5. Its Dial hook lets the
// "upstream connection" be a virtual net.Conn backed by framed tunnel
// traffic rather than a real local dial, which is how the gate turns
// a CONNECT into a multiplexed SOCKET_DATA stream.
package socksgate

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	socks5 "github.com/armon/go-socks5"
	"github.com/gravitational/trace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/gravitational-labs/sdc-agent/lib/agenterr"
	"github.com/gravitational-labs/sdc-agent/lib/dispatch"
	"github.com/gravitational-labs/sdc-agent/lib/framing"
	"github.com/gravitational-labs/sdc-agent/lib/keystore"
)

// StreamID identifies one bridged SOCKS connection for the lifetime of
// a session. It prefixes every SOCKET_DATA / CONNECTION_CONTROL frame
// payload the gate sends or expects to receive.
type StreamID uint32

// streamHeaderSize is the byte length of the StreamID prefix on every
// SOCKET_DATA / CONNECTION_CONTROL payload.
const streamHeaderSize = 4

func encodeStreamPayload(id StreamID, data []byte) []byte {
	out := make([]byte, streamHeaderSize+len(data))
	binary.BigEndian.PutUint32(out[:streamHeaderSize], uint32(id))
	copy(out[streamHeaderSize:], data)
	return out
}

func decodeStreamPayload(payload []byte) (StreamID, []byte, error) {
	if len(payload) < streamHeaderSize {
		return 0, nil, fmt.Errorf("payload of %d bytes too short for stream header", len(payload))
	}
	id := StreamID(binary.BigEndian.Uint32(payload[:streamHeaderSize]))
	return id, payload[streamHeaderSize:], nil
}

// gateRuleSet adapts the key store to go-socks5's RuleSet interface,
// refusing any CONNECT whose destination wasn't minted at registration.
type gateRuleSet struct {
	keys    *keystore.KeyStore
	log     logrus.FieldLogger
	refused prometheus.Counter
}

func (g *gateRuleSet) Allow(ctx context.Context, req *socks5.Request) (context.Context, bool) {
	host := req.DestAddr.FQDN
	if host == "" {
		host = req.DestAddr.IP.String()
	}
	allowed := g.keys.IsAllowed(host, req.DestAddr.Port)
	if !allowed {
		g.log.Warnf("Refusing SOCKS connect to unregistered destination %s:%d.", host, req.DestAddr.Port)
		if g.refused != nil {
			g.refused.Inc()
		}
	}
	return ctx, allowed
}

// Gate owns the local SOCKS5 listener and the virtual connections that
// bridge accepted CONNECTs onto SOCKET_DATA frames.
type Gate struct {
	server   *socks5.Server
	listener net.Listener
	sender   *dispatch.Sender
	log      logrus.FieldLogger
	active   prometheus.Gauge

	mu      sync.Mutex
	streams map[StreamID]*virtualConn
	nextID  StreamID
}

// Counters bundles the gate's optional metrics instruments. The zero
// value disables them.
type Counters struct {
	Active  prometheus.Gauge
	Refused prometheus.Counter
}

// New constructs a Gate bound to port, consulting keys for every
// CONNECT request.
func New(port int, keys *keystore.KeyStore, sender *dispatch.Sender, counters Counters, log logrus.FieldLogger) (*Gate, error) {
	g := &Gate{sender: sender, log: log, active: counters.Active, streams: make(map[StreamID]*virtualConn)}

	conf := &socks5.Config{
		Rules: &gateRuleSet{keys: keys, log: log, refused: counters.Refused},
		Dial:  g.dial,
	}
	server, err := socks5.New(conf)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	g.server = server

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", port)))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	g.listener = ln
	return g, nil
}

// Serve accepts SOCKS5 connections until the listener is closed.
func (g *Gate) Serve() error {
	return trace.Wrap(g.server.Serve(g.listener))
}

// Close stops accepting new connections and severs every bridged
// stream currently open.
func (g *Gate) Close() error {
	err := g.listener.Close()
	g.mu.Lock()
	streams := make([]*virtualConn, 0, len(g.streams))
	for id, vc := range g.streams {
		streams = append(streams, vc)
		delete(g.streams, id)
	}
	g.mu.Unlock()
	for _, vc := range streams {
		vc.closeLocally()
	}
	return trace.Wrap(err)
}

// dial is go-socks5's upstream-connection hook. Instead of opening a
// real socket to addr, it registers a virtual stream and sends the
// tunnel server a CONNECTION_CONTROL frame announcing the new stream's
// target, then returns the virtual net.Conn go-socks5 will proxy
// bytes through exactly as it would a real one.
func (g *Gate) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	g.mu.Lock()
	g.nextID++
	id := g.nextID
	vc := newVirtualConn(id, g)
	g.streams[id] = vc
	g.mu.Unlock()

	openPayload := encodeStreamPayload(id, []byte(addr))
	if err := g.sender.Send(framing.FrameConnectionControl, openPayload); err != nil {
		g.mu.Lock()
		delete(g.streams, id)
		g.mu.Unlock()
		return nil, trace.Wrap(err)
	}
	if g.active != nil {
		g.active.Inc()
	}
	return vc, nil
}

func (g *Gate) unregister(id StreamID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.streams, id)
}

// Dispatch is the SOCKET_DATA-type frame handler: it demultiplexes an
// inbound frame to its owning virtual stream's read buffer.
func (g *Gate) Dispatch(fi framing.FrameInfo) error {
	id, data, err := decodeStreamPayload(fi.Payload)
	if err != nil {
		return trace.Wrap(agenterr.Mangled(err, "socket data frame"))
	}
	g.mu.Lock()
	vc, ok := g.streams[id]
	g.mu.Unlock()
	if !ok {
		g.log.Debugf("Dropping socket data for unknown stream %d (already closed).", id)
		return nil
	}
	vc.deliver(data)
	return nil
}

// DispatchControl is the CONNECTION_CONTROL-type frame handler: the
// agent only ever receives a remote half-close or refusal on this
// type (the open request flows the other way, from dial), so this
// unregisters and closes the named stream locally.
func (g *Gate) DispatchControl(fi framing.FrameInfo) error {
	id, _, err := decodeStreamPayload(fi.Payload)
	if err != nil {
		return trace.Wrap(agenterr.Mangled(err, "connection control frame"))
	}
	g.mu.Lock()
	vc, ok := g.streams[id]
	delete(g.streams, id)
	g.mu.Unlock()
	if ok {
		vc.closeLocally()
	}
	return nil
}

// virtualConn implements net.Conn over the framed tunnel: Write turns
// into outbound SOCKET_DATA frames, Read drains a buffer fed by
// deliver, and Close sends a half-close CONNECTION_CONTROL frame.
type virtualConn struct {
	id   StreamID
	gate *Gate

	mu     sync.Mutex
	buf    bytes.Buffer
	notify chan struct{}
	closed bool
}

func newVirtualConn(id StreamID, gate *Gate) *virtualConn {
	return &virtualConn{id: id, gate: gate, notify: make(chan struct{}, 1)}
}

func (c *virtualConn) deliver(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.buf.Write(data)
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *virtualConn) Read(p []byte) (int, error) {
	for {
		c.mu.Lock()
		if c.buf.Len() > 0 {
			n, _ := c.buf.Read(p)
			c.mu.Unlock()
			return n, nil
		}
		if c.closed {
			c.mu.Unlock()
			return 0, io.EOF
		}
		c.mu.Unlock()
		<-c.notify
	}
}

func (c *virtualConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, trace.Wrap(agenterr.New(agenterr.KindPeerClosed, "write to closed stream %d", c.id))
	}
	c.mu.Unlock()

	payload := encodeStreamPayload(c.id, p)
	if err := c.gate.sender.Send(framing.FrameSocketData, payload); err != nil {
		return 0, trace.Wrap(err)
	}
	return len(p), nil
}

// Close sends the tunnel server a half-close for this stream and
// releases local resources. Safe to call more than once.
func (c *virtualConn) Close() error {
	c.closeLocally()
	payload := encodeStreamPayload(c.id, nil)
	return trace.Wrap(c.gate.sender.Send(framing.FrameConnectionControl, payload))
}

func (c *virtualConn) closeLocally() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	c.gate.unregister(c.id)
	if c.gate.active != nil {
		c.gate.active.Dec()
	}
}

func (c *virtualConn) LocalAddr() net.Addr  { return virtualAddr(c.id) }
func (c *virtualConn) RemoteAddr() net.Addr { return virtualAddr(c.id) }

func (c *virtualConn) SetDeadline(t time.Time) error      { return nil }
func (c *virtualConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *virtualConn) SetWriteDeadline(t time.Time) error { return nil }

// virtualAddr satisfies net.Addr for a virtual stream; there is no
// real local/remote socket address to report.
type virtualAddr StreamID

func (a virtualAddr) Network() string { return "sdc-tunnel" }
func (a virtualAddr) String() string  { return fmt.Sprintf("stream:%d", uint32(a)) }
