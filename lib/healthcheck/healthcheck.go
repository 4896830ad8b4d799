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

// Package healthcheck answers the tunnel server's periodic liveness
// probe over a dedicated frame type. A probe that fails to arrive
// within the timeout tears the session down.
package healthcheck

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/gravitational-labs/sdc-agent/lib/agenterr"
	"github.com/gravitational-labs/sdc-agent/lib/dispatch"
	"github.com/gravitational-labs/sdc-agent/lib/framing"
)

// ServerSuppliedConf carries server-directed timing knobs, delivered
// inside the registration response and applied via ApplyServerConf.
type ServerSuppliedConf struct {
	HeartbeatSeconds int `json:"heartbeatSeconds,omitempty"`
	TimeoutSeconds   int `json:"timeoutSeconds,omitempty"`
}

// State is the health-check state machine's current position.
type State int

const (
	StateIdle State = iota
	StateWaiting
	StateResponded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaiting:
		return "waiting"
	case StateResponded:
		return "responded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DefaultInterval and DefaultTimeout are used until the tunnel server
// supplies its own values at registration.
const (
	DefaultInterval = 10 * time.Second
	DefaultTimeout  = 30 * time.Second
)

// probe is the wire payload of a HEALTH_CHECK frame. Echo carries
// whatever sequence the sender chose; the agent's only job is to
// reflect it back unchanged.
type probe struct {
	Echo uint64 `json:"echo"`
}

// HealthCheck is purely reactive: the tunnel server is the prober,
// the agent is the responder. Dispatch echoes
// every inbound HEALTH_CHECK frame and pokes Run's watchdog; Run's
// only job is declaring the session dead if too long passes between
// inbound probes. interval is the cadence the server is expected to
// probe at; the agent never originates a probe itself.
type HealthCheck struct {
	clock  clockwork.Clock
	sender *dispatch.Sender
	log    logrus.FieldLogger

	mu       sync.Mutex
	state    State
	interval time.Duration
	timeout  time.Duration

	probeSeen chan struct{}
	failed    chan struct{}
	once      sync.Once
}

// New constructs a HealthCheck with the default interval and timeout,
// echoing inbound probes through sender. clock is injectable so tests
// can drive the watchdog timer deterministically.
func New(clock clockwork.Clock, sender *dispatch.Sender, log logrus.FieldLogger) *HealthCheck {
	return &HealthCheck{
		clock:     clock,
		sender:    sender,
		log:       log,
		interval:  DefaultInterval,
		timeout:   DefaultTimeout,
		probeSeen: make(chan struct{}, 1),
		failed:    make(chan struct{}),
	}
}

// ApplyServerConf overrides the interval/timeout with the tunnel
// server's registration-time preferences, when present and positive.
func (h *HealthCheck) ApplyServerConf(conf ServerSuppliedConf) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conf.HeartbeatSeconds > 0 {
		h.interval = time.Duration(conf.HeartbeatSeconds) * time.Second
	}
	if conf.TimeoutSeconds > 0 {
		h.timeout = time.Duration(conf.TimeoutSeconds) * time.Second
	}
	h.log.Debugf("Health check cadence: interval=%s timeout=%s.", h.interval, h.timeout)
}

// State reports the current state machine position.
func (h *HealthCheck) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Failed returns a channel that closes once the health check declares
// the session dead (no inbound probe arrived within the timeout).
func (h *HealthCheck) Failed() <-chan struct{} {
	return h.failed
}

func (h *HealthCheck) fail(reason string) {
	h.once.Do(func() {
		h.mu.Lock()
		h.state = StateFailed
		h.mu.Unlock()
		h.log.Warnf("Health check failed: %s", reason)
		close(h.failed)
	})
}

// Run is the watchdog: it waits for inbound probes (signaled by
// Dispatch) and declares the session dead if timeout elapses without
// one. It returns only when ctx is canceled or the check fails.
func (h *HealthCheck) Run(ctx context.Context) {
	h.mu.Lock()
	h.state = StateWaiting
	timeout := h.timeout
	h.mu.Unlock()

	timer := h.clock.NewTimer(timeout)
	// timer is reassigned on every probe; the deferred stop has to see
	// the current one, not the first.
	defer func() { timer.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.failed:
			return
		case <-h.probeSeen:
			timer.Stop()
			h.mu.Lock()
			timeout = h.timeout
			h.mu.Unlock()
			timer = h.clock.NewTimer(timeout)
		case <-timer.Chan():
			// A probe that raced the timer still counts: check for one
			// before declaring the session dead.
			select {
			case <-h.probeSeen:
				h.mu.Lock()
				timeout = h.timeout
				h.mu.Unlock()
				timer = h.clock.NewTimer(timeout)
				continue
			default:
			}
			h.fail("no inbound health check probe within timeout")
			return
		}
	}
}

// Dispatch is the HEALTH_CHECK-type frame handler: it echoes the
// inbound probe's sequence straight back to the server and pokes Run
// so the watchdog timer resets.
func (h *HealthCheck) Dispatch(fi framing.FrameInfo) error {
	var p probe
	if err := json.Unmarshal(fi.Payload, &p); err != nil {
		return trace.Wrap(agenterr.Mangled(err, "health check probe"))
	}

	h.mu.Lock()
	h.state = StateResponded
	h.mu.Unlock()

	echo, err := json.Marshal(p)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := h.sender.Send(framing.FrameHealthCheck, echo); err != nil {
		return trace.Wrap(agenterr.Wrap(agenterr.KindHealthTimeout, err, "echoing health check probe"))
	}

	h.mu.Lock()
	h.state = StateWaiting
	h.mu.Unlock()

	select {
	case h.probeSeen <- struct{}{}:
	default:
	}
	return nil
}
