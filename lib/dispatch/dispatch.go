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

// Package dispatch maps frame types to handlers and runs the single
// reader task and single writer arbiter that the session protocol's
// concurrency model requires: one recv() loop, one serialized sender.
package dispatch

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/gravitational-labs/sdc-agent/lib/agenterr"
	"github.com/gravitational-labs/sdc-agent/lib/framing"
)

// Handler processes one inbound frame. Handlers must not block; work
// that takes time should be handed off to its own goroutine.
type Handler func(framing.FrameInfo) error

// HandlerState tracks a registered handler's lifecycle.
type HandlerState int

const (
	StateUnregistered HandlerState = iota
	StateRegistered
	StateActive
	StateClosed
)

// Registry maps frame type to handler and drives the single reader
// task over a Framer.
type Registry struct {
	mu       sync.Mutex
	handlers map[framing.FrameType]Handler
	states   map[framing.FrameType]HandlerState
	log      logrus.FieldLogger

	// OnFrame, when set before Run, observes every inbound frame before
	// it is dispatched. Used by the session to feed metrics.
	OnFrame func(framing.FrameType)
}

// NewRegistry creates an empty registry.
func NewRegistry(log logrus.FieldLogger) *Registry {
	return &Registry{
		handlers: make(map[framing.FrameType]Handler),
		states:   make(map[framing.FrameType]HandlerState),
		log:      log,
	}
}

// Register installs h for frame type ft. Calling Register twice for
// the same type replaces the handler; it does not merge them.
func (r *Registry) Register(ft framing.FrameType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[ft] = h
	r.states[ft] = StateRegistered
}

func (r *Registry) setState(ft framing.FrameType, s HandlerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[ft] = s
}

// State reports a frame type's current handler lifecycle state.
func (r *Registry) State(ft framing.FrameType) HandlerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[ft]
}

// Run is the single reader task: it loops Recv() on framer, dispatches
// to the registered handler, and returns the first error that should
// tear down the session (an unhandled type, a dispatch error, or a
// framing error from Recv itself). Run returns nil only when ctx is
// canceled.
func (r *Registry) Run(ctx context.Context, framer *framing.Framer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		fi, err := framer.Recv()
		if err != nil {
			return trace.Wrap(err)
		}
		if r.OnFrame != nil {
			r.OnFrame(fi.Type)
		}

		r.mu.Lock()
		h, ok := r.handlers[fi.Type]
		r.mu.Unlock()
		if !ok {
			r.log.Warnf("Received frame of unregistered type %v, tearing down session.", fi.Type)
			return trace.Wrap(agenterr.New(agenterr.KindFraming, "unhandled frame type %v", fi.Type))
		}

		r.setState(fi.Type, StateActive)
		if err := h(fi); err != nil {
			framer.Release(fi)
			return trace.Wrap(agenterr.Wrap(agenterr.KindDispatch, err, "handler for %v failed", fi.Type))
		}
		framer.Release(fi)
	}
}

// Close marks every registered handler's state as Closed. It does not
// itself close the framer or cancel Run; callers tear those down via
// the session's own cancellation.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ft := range r.states {
		r.states[ft] = StateClosed
	}
}

// outboundFrame is a queued Send call awaiting the writer goroutine.
type outboundFrame struct {
	ft      framing.FrameType
	seq     uint64
	payload []byte
	done    chan error
}

// Sender is the single writer arbiter: every outbound frame passes
// through one buffered queue drained by one goroutine, so frame
// atomicity is guaranteed by the arbiter rather than by callers.
type Sender struct {
	framer *framing.Framer
	queue  chan outboundFrame
	seq    uint64
	seqMu  sync.Mutex

	// OnSend, when set before Run, observes each frame actually written
	// to the wire. Used by the session to feed metrics.
	OnSend func(framing.FrameType)

	stopped chan struct{}
}

// NewSender creates a Sender with the given queue depth (bounded
// backpressure: Send blocks once the queue is full).
func NewSender(framer *framing.Framer, queueDepth int) *Sender {
	return &Sender{
		framer:  framer,
		queue:   make(chan outboundFrame, queueDepth),
		stopped: make(chan struct{}),
	}
}

// Run drains the send queue until ctx is canceled. Once Run returns,
// every pending and future Send fails with a peer-closed error rather
// than blocking; the session tears down, it never waits on a dead
// arbiter.
func (s *Sender) Run(ctx context.Context) {
	defer close(s.stopped)
	for {
		select {
		case <-ctx.Done():
			s.drainWithError(trace.Wrap(agenterr.New(agenterr.KindPeerClosed, "sender stopped")))
			return
		case of := <-s.queue:
			err := s.framer.Send(of.ft, of.seq, of.payload)
			if err == nil && s.OnSend != nil {
				s.OnSend(of.ft)
			}
			of.done <- err
		}
	}
}

func (s *Sender) drainWithError(err error) {
	for {
		select {
		case of := <-s.queue:
			of.done <- err
		default:
			return
		}
	}
}

// nextSeq returns the next monotonically increasing outbound sequence
// number for this session.
func (s *Sender) nextSeq() uint64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.seq++
	return s.seq
}

// Send enqueues a frame for the writer goroutine and blocks until it
// has actually been written (or the sender is stopped).
func (s *Sender) Send(ft framing.FrameType, payload []byte) error {
	of := outboundFrame{ft: ft, seq: s.nextSeq(), payload: payload, done: make(chan error, 1)}
	select {
	case s.queue <- of:
	case <-s.stopped:
		return trace.Wrap(agenterr.New(agenterr.KindPeerClosed, "sender stopped"))
	}
	select {
	case err := <-of.done:
		return err
	case <-s.stopped:
		// The frame may have been drained with an error just before the
		// stop; prefer that answer when it's there.
		select {
		case err := <-of.done:
			return err
		default:
			return trace.Wrap(agenterr.New(agenterr.KindPeerClosed, "sender stopped"))
		}
	}
}
