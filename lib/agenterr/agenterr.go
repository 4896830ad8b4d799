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

// Package agenterr defines the single error taxonomy used across the
// agent, per the session protocol's error handling design: one enum
// with a cause chain rather than per-package exception hierarchies.
package agenterr

import (
	"errors"
	"fmt"

	sdcagent "github.com/gravitational-labs/sdc-agent"
)

// Kind identifies a class of failure in the agent-server session
// protocol. Callers branch on Kind; humans read Error().
type Kind string

const (
	// KindConfig is an unrecoverable configuration error, fatal at startup.
	KindConfig Kind = "config"
	// KindDial is a recoverable transport dial failure.
	KindDial Kind = "dial"
	// KindTLS is a recoverable TLS handshake failure.
	KindTLS Kind = "tls"
	// KindPeerClosed indicates the remote end closed the connection.
	KindPeerClosed Kind = "peer_closed"
	// KindAuthentication is an unrecoverable auth rejection.
	KindAuthentication Kind = "authentication"
	// KindMangledResponse is protocol-level corruption in a handshake reply.
	KindMangledResponse Kind = "mangled_response"
	// KindRegistration covers both transient and fatal registration failures;
	// Fatal distinguishes the two.
	KindRegistration Kind = "registration"
	// KindFraming covers short reads, oversized frames, malformed headers,
	// and unhandled frame types.
	KindFraming Kind = "framing"
	// KindHealthTimeout indicates a missed liveness probe.
	KindHealthTimeout Kind = "health_timeout"
	// KindResourceURL is a per-rule parse failure during registration.
	KindResourceURL Kind = "resource_url"
	// KindDispatch wraps an error returned by a frame handler.
	KindDispatch Kind = "dispatch"
)

// Error is the agent's single structured error type. Message always
// carries a human-readable summary; Cause (when set) is the wrapped
// underlying error, typically already a *trace.TraceErr.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	// Fatal marks a RegistrationError (or other conditionally-fatal
	// kind) as unrecoverable, i.e. the process should exit rather than
	// reconnect.
	Fatal bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, agenterr.Kind) style comparisons via a
// sentinel wrapper: errors.Is(err, &Error{Kind: KindHealthTimeout}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New constructs an Error of the given kind with no cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind, wrapping cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Mangled constructs the mangled-response error. Its message must
// begin with the literal "Mangled" so that the operator-facing log
// line preserves the observability contract tests assert on.
func Mangled(cause error, detail string) *Error {
	return &Error{Kind: KindMangledResponse, Message: "Mangled response from tunnel server: " + detail, Cause: cause}
}

// OfKind reports whether err (or something it wraps) is an *Error of
// the given kind.
func OfKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// Reconnectable reports whether the session should redial after this
// error rather than give up entirely: dial/tls/mangled/framing/
// health-timeout errors and non-fatal registration errors all trigger
// reconnect. A dispatch error follows the error its handler returned.
func Reconnectable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindDial, KindTLS, KindPeerClosed, KindMangledResponse, KindFraming, KindHealthTimeout:
		return true
	case KindRegistration:
		return !e.Fatal
	case KindDispatch:
		return e.Cause != nil && Reconnectable(e.Cause)
	default:
		return false
	}
}

// ExitCode maps an unrecoverable session error to the documented
// process exit code. Callers should only reach this
// for errors Reconnectable already rejected; it defaults to the
// transport-exhausted code for anything it doesn't specifically
// recognize, since that's the catch-all "gave up redialing" case.
func ExitCode(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return sdcagent.ExitTransportExhausted
	}
	switch e.Kind {
	case KindConfig:
		return sdcagent.ExitConfigError
	case KindAuthentication:
		return sdcagent.ExitAuthenticationFailure
	case KindRegistration:
		return sdcagent.ExitRegistrationFailure
	default:
		return sdcagent.ExitTransportExhausted
	}
}
