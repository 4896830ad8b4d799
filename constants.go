/*
Copyright 2018-2019 Gravitational, Inc.

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

// Package sdcagent holds constants shared across the agent's packages.
package sdcagent

import "strings"

// Component joins component/subcomponent names with ":" separators,
// e.g. Component("session", "socks") is "session:socks".
func Component(components ...string) string {
	return strings.Join(components, ":")
}

const (
	// ComponentAuthorize is the handshake/authorization stage.
	ComponentAuthorize = "authorize"
	// ComponentRegistration is the rule/key registration exchange.
	ComponentRegistration = "registration"
	// ComponentFraming is the length-prefixed frame transport.
	ComponentFraming = "framing"
	// ComponentDispatch is the frame-type dispatch registry.
	ComponentDispatch = "dispatch"
	// ComponentHealthCheck is the liveness probe loop.
	ComponentHealthCheck = "healthcheck"
	// ComponentSOCKS is the local SOCKS5 policy gate.
	ComponentSOCKS = "socks"
	// ComponentSession is the top-level session owner.
	ComponentSession = "session"
	// ComponentTransport is the TLS dial/transport layer.
	ComponentTransport = "transport"
	// ComponentSSHForward is the bundled SSH forwarder supervisor.
	ComponentSSHForward = "sshforward"
)

// ProtocolGreeting is the plain-text line the agent sends immediately
// after dialing, before any framed traffic begins.
const ProtocolGreeting = "connect v1.0\n"

// Process exit codes reported to the operator's service manager.
const (
	ExitNormal                = 0
	ExitConfigError           = 1
	ExitAuthenticationFailure = 2
	ExitRegistrationFailure   = 3
	ExitTransportExhausted    = 4
)
