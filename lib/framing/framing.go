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

// Package framing is the single authority for on-wire bytes once the
// plain-text handshake hands off to binary framing. Every higher-level
// exchange (auth, registration, health check, data) rides one frame
// type apiece over the same TCP flow.
package framing

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/gravitational/trace"

	"github.com/gravitational-labs/sdc-agent/lib/agenterr"
)

// FrameType identifies the payload carried by a frame.
type FrameType uint32

const (
	FrameAuthorization FrameType = iota + 1
	FrameRegistration
	FrameHealthCheck
	FrameSocketData
	FrameConnectionControl
)

func (t FrameType) String() string {
	switch t {
	case FrameAuthorization:
		return "AUTHORIZATION"
	case FrameRegistration:
		return "REGISTRATION"
	case FrameHealthCheck:
		return "HEALTH_CHECK"
	case FrameSocketData:
		return "SOCKET_DATA"
	case FrameConnectionControl:
		return "CONNECTION_CONTROL"
	default:
		return "UNKNOWN"
	}
}

// MaxFrameSize bounds a single frame's length field, which counts the
// type, sequence and payload together. Oversized frames are rejected
// before their payload is read off the wire.
const MaxFrameSize = 1 << 20 // 1MiB

// headerSize is the byte length of <type><sequence>, the portion of
// the frame counted by the leading length field alongside the payload.
const headerSize = 4 + 8

// FrameInfo is a single frame: who it's for, its position in the
// per-direction sequence, and its opaque payload. Not retained past
// the send/receive call that produced it.
type FrameInfo struct {
	Type     FrameType
	Sequence uint64
	Payload  []byte
}

// bufPool recycles payload-sized byte slices for the SOCKET_DATA hot
// path: grow via sync.Pool rather than a fresh allocation per frame.
type bufPool struct {
	pool sync.Pool
}

func newBufPool() *bufPool {
	return &bufPool{pool: sync.Pool{New: func() interface{} {
		b := make([]byte, 0, 4096)
		return &b
	}}}
}

func (p *bufPool) get(n int) []byte {
	b := *(p.pool.Get().(*[]byte))
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}

func (p *bufPool) put(b []byte) {
	b = b[:0]
	p.pool.Put(&b)
}

// Framer reads and writes length-prefixed typed frames on a single
// underlying stream. Send is safe for concurrent callers (frames never
// interleave on the wire); Recv is meant to be driven by exactly one
// reader, per the dispatch registry's single-reader-task rule.
type Framer struct {
	rw      io.ReadWriter
	sendMu  sync.Mutex
	bufs    *bufPool
	maxSize uint32
}

// New wraps rw for framed I/O. maxSize overrides MaxFrameSize when
// non-zero, mainly for tests that want to exercise OversizedFrame
// without allocating a megabyte.
func New(rw io.ReadWriter, maxSize uint32) *Framer {
	if maxSize == 0 {
		maxSize = MaxFrameSize
	}
	return &Framer{rw: rw, bufs: newBufPool(), maxSize: maxSize}
}

// Send atomically writes one frame. Concurrent Send calls never
// interleave: the whole <length><type><sequence><payload> write
// happens under a single lock acquisition.
func (f *Framer) Send(ft FrameType, seq uint64, payload []byte) error {
	if uint32(len(payload))+headerSize > f.maxSize {
		return trace.Wrap(agenterr.New(agenterr.KindFraming, "frame payload of %d bytes exceeds max frame size", len(payload)))
	}

	f.sendMu.Lock()
	defer f.sendMu.Unlock()

	var header [4 + headerSize]byte
	binary.BigEndian.PutUint32(header[0:4], headerSize+uint32(len(payload)))
	binary.BigEndian.PutUint32(header[4:8], uint32(ft))
	binary.BigEndian.PutUint64(header[8:16], seq)

	if _, err := f.rw.Write(header[:]); err != nil {
		return trace.Wrap(agenterr.Wrap(agenterr.KindFraming, err, "writing frame header"))
	}
	if len(payload) > 0 {
		if _, err := f.rw.Write(payload); err != nil {
			return trace.Wrap(agenterr.Wrap(agenterr.KindFraming, err, "writing frame payload"))
		}
	}
	return nil
}

// Recv blocks until a full frame is read. It is the caller's
// responsibility to serialize calls to Recv (the dispatch reader task
// owns this).
func (f *Framer) Recv() (FrameInfo, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(f.rw, lenBuf[:]); err != nil {
		if err == io.EOF {
			return FrameInfo{}, trace.Wrap(agenterr.Wrap(agenterr.KindFraming, err, "connection closed"))
		}
		return FrameInfo{}, trace.Wrap(agenterr.Wrap(agenterr.KindFraming, err, "short read on frame length"))
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length > f.maxSize || length < headerSize {
		return FrameInfo{}, trace.Wrap(agenterr.New(agenterr.KindFraming, "frame length %d outside bounds [%d, %d]", length, headerSize, f.maxSize))
	}

	var hdr [headerSize]byte
	if _, err := io.ReadFull(f.rw, hdr[:]); err != nil {
		return FrameInfo{}, trace.Wrap(agenterr.Wrap(agenterr.KindFraming, err, "short read on frame header"))
	}
	ft := FrameType(binary.BigEndian.Uint32(hdr[0:4]))
	seq := binary.BigEndian.Uint64(hdr[4:12])

	payloadLen := int(length - headerSize)
	payload := f.bufs.get(payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(f.rw, payload); err != nil {
			return FrameInfo{}, trace.Wrap(agenterr.Wrap(agenterr.KindFraming, err, "short read on frame payload"))
		}
	}

	return FrameInfo{Type: ft, Sequence: seq, Payload: payload}, nil
}

// Release returns a FrameInfo's payload buffer to the pool. Callers
// that are done with a received frame's payload should call this to
// keep the SOCKET_DATA path allocation-free; it's optional, not a
// correctness requirement.
func (f *Framer) Release(fi FrameInfo) {
	if fi.Payload != nil {
		f.bufs.put(fi.Payload)
	}
}
