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

// Package transport owns the outbound TLS socket to the tunnel
// server. It has no framing knowledge: callers get a bidirectional
// byte stream and a Close.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/gravitational-labs/sdc-agent/lib/agenterr"
)

// DialTimeout bounds the initial TCP connect.
const DialTimeout = 15 * time.Second

// HandshakeTimeout bounds the TLS handshake, guarding against a
// stalled peer.
const HandshakeTimeout = 10 * time.Second

// Conn is the agent's side of the outbound connection to the tunnel
// server.
type Conn struct {
	*tls.Conn
}

// Dial opens a TCP connection to addr, performs a TLS client
// handshake using tlsConfig, and returns the resulting Conn. The
// caller's tlsConfig.RootCAs is the trust store; an empty RootCAs
// falls back to the system pool.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, log logrus.FieldLogger) (*Conn, error) {
	dialer := &net.Dialer{Timeout: DialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, trace.Wrap(agenterr.Wrap(agenterr.KindDial, err, "dialing tunnel server %q", addr))
	}

	tlsConn := tls.Client(raw, tlsConfig)
	if err := tlsConn.SetDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		raw.Close()
		return nil, trace.Wrap(agenterr.Wrap(agenterr.KindTLS, err, "setting handshake deadline"))
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, trace.Wrap(agenterr.Wrap(agenterr.KindTLS, err, "TLS handshake with %q", addr))
	}
	if err := tlsConn.SetDeadline(time.Time{}); err != nil {
		tlsConn.Close()
		return nil, trace.Wrap(agenterr.Wrap(agenterr.KindTLS, err, "clearing handshake deadline"))
	}

	log.Debugf("Established TLS connection to %s.", addr)
	return &Conn{Conn: tlsConn}, nil
}

// Close releases the underlying socket.
func (c *Conn) Close() error {
	if err := c.Conn.Close(); err != nil {
		return trace.Wrap(agenterr.Wrap(agenterr.KindPeerClosed, err, "closing transport"))
	}
	return nil
}
