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

// Package session owns one connection attempt end to end: dial,
// authorize, switch to framing, register, start dispatch, health
// check and the SOCKS gate, then block until the connection tears
// down. The enclosing reconnect loop is Pool.Run.
package session

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	sdcagent "github.com/gravitational-labs/sdc-agent"
	"github.com/gravitational-labs/sdc-agent/lib/agenterr"
	"github.com/gravitational-labs/sdc-agent/lib/authorize"
	"github.com/gravitational-labs/sdc-agent/lib/config"
	"github.com/gravitational-labs/sdc-agent/lib/dispatch"
	"github.com/gravitational-labs/sdc-agent/lib/framing"
	"github.com/gravitational-labs/sdc-agent/lib/healthcheck"
	"github.com/gravitational-labs/sdc-agent/lib/keystore"
	"github.com/gravitational-labs/sdc-agent/lib/logging"
	"github.com/gravitational-labs/sdc-agent/lib/metrics"
	"github.com/gravitational-labs/sdc-agent/lib/registration"
	"github.com/gravitational-labs/sdc-agent/lib/socksgate"
	"github.com/gravitational-labs/sdc-agent/lib/sshforward"
	"github.com/gravitational-labs/sdc-agent/lib/transport"
)

const sendQueueDepth = 64

// handshakeConn splits reads and writes across two collaborators: a
// bufio.Reader left over from the plain-text handshake (which may
// already hold bytes belonging to the first frame) and the underlying
// connection for writes. Mirrors the bufReadWriter pattern the fake
// tunnel server in session_test.go uses on the server side of the same
// handshake.
type handshakeConn struct {
	r *bufio.Reader
	w io.Writer
}

func (c *handshakeConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *handshakeConn) Write(p []byte) (int, error) { return c.w.Write(p) }

// Deps bundles the long-lived collaborators a Session needs but does
// not own the lifecycle of: configuration, TLS trust material, the
// logger, a clock, and the metrics collector.
type Deps struct {
	Conf      config.LocalConf
	TLSConfig *tls.Config
	Logger    *logrus.Logger
	Clock     clockwork.Clock
	Metrics   *metrics.Collector
	Forwarder *sshforward.Supervisor
}

// Session runs exactly one connection attempt: Run blocks until the
// connection ends, returning the error that ended it (nil only if ctx
// was canceled cleanly).
type Session struct {
	deps Deps
	log  logrus.FieldLogger
}

// New constructs a Session from deps.
func New(deps Deps) *Session {
	return &Session{deps: deps, log: logging.ForComponent(deps.Logger, sdcagent.ComponentSession)}
}

// Session-state gauge labels, one of which is active at a time.
const (
	stateConnecting   = "connecting"
	stateActive       = "active"
	stateDisconnected = "disconnected"
)

var sessionStates = []string{stateConnecting, stateActive, stateDisconnected}

func (s *Session) setState(state string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.SetSessionState(sessionStates, state)
	}
}

func (s *Session) gateCounters() socksgate.Counters {
	if s.deps.Metrics == nil {
		return socksgate.Counters{}
	}
	return socksgate.Counters{
		Active:  s.deps.Metrics.SocksConnections,
		Refused: s.deps.Metrics.SocksRefused,
	}
}

// Run performs one full connection attempt: dial, authorize, register,
// then serve dispatch/health-check/SOCKS until something fails or ctx
// is canceled. Every attempt gets its own session id, scoping all of
// its log lines so separate reconnects are never conflated.
func (s *Session) Run(ctx context.Context) error {
	s.log = logging.WithSession(s.log, uuid.NewString())

	s.setState(stateConnecting)
	defer s.setState(stateDisconnected)

	conn, err := transport.Dial(ctx, s.deps.Conf.TunnelServerAddr, s.deps.TLSConfig, s.log)
	if err != nil {
		return trace.Wrap(err)
	}
	defer conn.Close()

	authReq, authReader, err := authorize.Authorize(conn, s.deps.Conf)
	if err != nil {
		return trace.Wrap(err)
	}
	s.log.Infof("Authorized as %s, switching to framed transport.", authReq.Email)

	// Authorize's bufio.Reader may already hold bytes read past the
	// AuthResponse line's newline: the server is free to pipeline the
	// response and the start of the framed stream in one write. Framing
	// must read through that same buffer, not a fresh one over conn, or
	// those bytes are lost and every frame after the first is corrupt.
	framer := framing.New(&handshakeConn{r: authReader, w: conn}, 0)
	registry := dispatch.NewRegistry(logging.ForComponent(s.deps.Logger, sdcagent.ComponentDispatch))
	sender := dispatch.NewSender(framer, sendQueueDepth)
	if s.deps.Metrics != nil {
		registry.OnFrame = func(ft framing.FrameType) {
			s.deps.Metrics.FramesReceived.WithLabelValues(ft.String()).Inc()
		}
		sender.OnSend = func(ft framing.FrameType) {
			s.deps.Metrics.FramesSent.WithLabelValues(ft.String()).Inc()
		}
	}

	keys := keystore.New()
	health := healthcheck.New(s.deps.Clock, sender, logging.ForComponent(s.deps.Logger, sdcagent.ComponentHealthCheck))
	regHandler := registration.NewHandler(s.deps.Conf, keys, health, logging.ForComponent(s.deps.Logger, sdcagent.ComponentRegistration))
	gate, err := socksgate.New(s.deps.Conf.SocksServerPort, keys, sender, s.gateCounters(), logging.ForComponent(s.deps.Logger, sdcagent.ComponentSOCKS))
	if err != nil {
		return trace.Wrap(agenterr.Wrap(agenterr.KindConfig, err, "starting SOCKS gate"))
	}
	defer gate.Close()

	registry.Register(framing.FrameRegistration, regHandler.Dispatch)
	registry.Register(framing.FrameHealthCheck, health.Dispatch)
	registry.Register(framing.FrameSocketData, gate.Dispatch)
	registry.Register(framing.FrameConnectionControl, gate.DispatchControl)
	defer registry.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go sender.Run(runCtx)

	readerErr := make(chan error, 1)
	go func() {
		readerErr <- registry.Run(runCtx, framer)
	}()

	if err := regHandler.Send(sender); err != nil {
		return trace.Wrap(err)
	}
	if err := regHandler.Wait(); err != nil {
		return trace.Wrap(err)
	}
	s.log.Info("Registration complete, session is active.")
	s.setState(stateActive)

	if s.deps.Forwarder != nil {
		if err := s.deps.Forwarder.Probe(runCtx); err != nil {
			s.log.Warnf("SSH forwarder liveness probe failed: %v", err)
		}
	}

	go health.Run(runCtx)

	gateErr := make(chan error, 1)
	go func() {
		gateErr <- gate.Serve()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-readerErr:
		return trace.Wrap(err)
	case <-health.Failed():
		if s.deps.Metrics != nil {
			s.deps.Metrics.HealthCheckFailures.Inc()
		}
		return trace.Wrap(agenterr.New(agenterr.KindHealthTimeout, "health check failed, tearing down session"))
	case err := <-gateErr:
		if err != nil {
			s.log.Warnf("SOCKS gate stopped: %v", err)
		}
		return trace.Wrap(err)
	}
}

// BackoffConfig controls the reconnect loop's delay schedule.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxAttempts is the reconnect budget: after this many consecutive
	// recoverable failures the pool gives up and the process exits with
	// the transport-exhausted code. Zero means retry forever.
	MaxAttempts int
}

// DefaultBackoff is a one second floor growing to a thirty second
// ceiling, with a budget of ten consecutive failed attempts.
var DefaultBackoff = BackoffConfig{
	InitialDelay: 1 * time.Second,
	MaxDelay:     30 * time.Second,
	Multiplier:   2,
	MaxAttempts:  10,
}

// Pool owns the reconnect loop: it runs sessions back to back,
// backing off between recoverable failures and giving up entirely on
// the first unrecoverable one.
type Pool struct {
	deps    Deps
	backoff BackoffConfig
	log     logrus.FieldLogger
}

// NewPool constructs a Pool.
func NewPool(deps Deps, backoff BackoffConfig) *Pool {
	return &Pool{deps: deps, backoff: backoff, log: logging.ForComponent(deps.Logger, sdcagent.ComponentSession)}
}

// Run drives the reconnect loop until ctx is canceled, a session ends
// in an unrecoverable error, or the reconnect budget runs out. A
// session that stayed up past the backoff ceiling refills the budget:
// the budget bounds consecutive failures, not total ones.
func (p *Pool) Run(ctx context.Context) error {
	delay := p.backoff.InitialDelay
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		sess := New(p.deps)
		started := p.deps.Clock.Now()
		err := sess.Run(ctx)
		if err == nil {
			return nil
		}
		if !agenterr.Reconnectable(err) {
			p.log.Errorf("Session ended with unrecoverable error: %v", err)
			return trace.Wrap(err)
		}

		if p.deps.Clock.Now().Sub(started) > p.backoff.MaxDelay {
			delay = p.backoff.InitialDelay
			failures = 0
		}
		failures++
		if p.backoff.MaxAttempts > 0 && failures >= p.backoff.MaxAttempts {
			p.log.Errorf("Reconnect budget of %d attempts exhausted: %v", p.backoff.MaxAttempts, err)
			return trace.Wrap(agenterr.Wrap(agenterr.KindDial, err, "reconnect budget of %d attempts exhausted", p.backoff.MaxAttempts))
		}

		if p.deps.Metrics != nil {
			p.deps.Metrics.ReconnectAttempts.Inc()
		}
		p.log.Warnf("Session ended with recoverable error, reconnecting in %s: %v", delay, err)

		select {
		case <-ctx.Done():
			return nil
		case <-p.deps.Clock.After(delay):
		}

		delay = time.Duration(float64(delay) * p.backoff.Multiplier)
		if delay > p.backoff.MaxDelay {
			delay = p.backoff.MaxDelay
		}
	}
}
