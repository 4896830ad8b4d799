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

// Package keystore holds the session's minted ResourceKeys and answers
// the SOCKS gate's membership queries. Written exactly once, at
// registration, then frozen for the rest of the session's lifetime.
package keystore

import (
	"crypto/rand"
	"encoding/binary"
	"strconv"
	"strings"
	"sync"

	"github.com/gravitational/trace"
)

// ResourceKey binds a 64-bit secret to a (host, port) tuple for one
// session. The secret authenticates SOCKS gating and is never logged.
type ResourceKey struct {
	Host   string
	Port   int
	Secret uint64
}

// NewSecret mints a cryptographically random 64-bit secret. Must never
// be backed by a deterministic or time-seeded generator: these values
// function as shared secrets.
func NewSecret() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, trace.Wrap(err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// KeyStore holds one session's ResourceKeys. Safe for concurrent
// reads; writes are expected only during registration, before Seal.
type KeyStore struct {
	mu     sync.RWMutex
	keys   map[string]ResourceKey // keyed by normalizedAddr(host, port)
	sealed bool
}

// New returns an empty, unsealed KeyStore.
func New() *KeyStore {
	return &KeyStore{keys: make(map[string]ResourceKey)}
}

func normalizedAddr(host string, port int) string {
	return strings.ToLower(host) + ":" + strconv.Itoa(port)
}

// Put records k. Calling Put after Seal panics: it indicates a bug in
// the registration handler, not a runtime condition to recover from.
func (s *KeyStore) Put(k ResourceKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		panic("keystore: Put called after Seal")
	}
	s.keys[normalizedAddr(k.Host, k.Port)] = k
}

// Seal freezes the store. After Seal, Put panics and IsAllowed becomes
// safe to call from arbitrarily many concurrent readers.
func (s *KeyStore) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
}

// IsAllowed reports whether (host, port) was registered in the current
// session. Host comparison is case-insensitive ASCII; port is exact.
// Returns false for any query before the store has been populated.
func (s *KeyStore) IsAllowed(host string, port int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[normalizedAddr(host, port)]
	return ok
}

// Len reports how many keys are currently stored.
func (s *KeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// All returns a snapshot copy of the stored keys.
func (s *KeyStore) All() []ResourceKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ResourceKey, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	return out
}
