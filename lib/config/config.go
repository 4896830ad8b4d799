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

// Package config holds the agent's local configuration type and its
// loader. The packaging story that produces the JSON file on disk
// (installers, Apache/mod_proxy glue) lives outside this repository.
package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/gravitational/trace"
)

// LocalConf is loaded once at startup and immutable thereafter.
type LocalConf struct {
	// AgentID is this agent's unique identifier, sent at registration.
	AgentID string `json:"agentId"`
	// User is the local part of the OAuth requestor email.
	User string `json:"user"`
	// Domain is both the email domain and the OAuth consumer key.
	Domain string `json:"domain"`
	// ConsumerSecret signs the OAuth request; never logged.
	ConsumerSecret string `json:"consumerSecret"`
	// RulesFilePath points at the XML resource-rules file.
	RulesFilePath string `json:"rulesFilePath"`
	// SocksServerPort is the local port the SOCKS gate listens on.
	SocksServerPort int `json:"socksServerPort"`
	// HealthCheckPort identifies the local health-check endpoint and is
	// advertised to the server at registration.
	HealthCheckPort int `json:"healthCheckPort"`
	// HealthCheckGadgetUsers is a raw comma-separated option; use
	// GadgetUsers() to get the parsed, trimmed form.
	HealthCheckGadgetUsers string `json:"healthCheckGadgetUsers"`
	// TunnelServerAddr is the cloud tunnel server's host:port.
	TunnelServerAddr string `json:"tunnelServerAddr"`
	// SSHForwarderPath is the path to the bundled SSH port-forwarder
	// binary launched as a child process.
	SSHForwarderPath string `json:"sshForwarderPath"`
}

// Email returns the "user@domain" identity used to sign the OAuth
// authorization request.
func (c LocalConf) Email() string {
	return c.User + "@" + c.Domain
}

// GadgetUsers parses HealthCheckGadgetUsers into a trimmed, non-empty
// list. An absent or whitespace/comma-only option yields (nil, false):
// the registration request must omit the field entirely rather than
// send an empty list.
func (c LocalConf) GadgetUsers() ([]string, bool) {
	if strings.TrimSpace(c.HealthCheckGadgetUsers) == "" {
		return nil, false
	}
	var out []string
	for _, part := range strings.Split(c.HealthCheckGadgetUsers, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

// CheckAndSetDefaults validates required fields are present.
func (c *LocalConf) CheckAndSetDefaults() error {
	if c.AgentID == "" {
		return trace.BadParameter("missing agentId in local configuration")
	}
	if c.User == "" || c.Domain == "" {
		return trace.BadParameter("missing user/domain in local configuration")
	}
	if c.RulesFilePath == "" {
		return trace.BadParameter("missing rulesFilePath in local configuration")
	}
	if c.SocksServerPort == 0 {
		return trace.BadParameter("missing socksServerPort in local configuration")
	}
	if c.HealthCheckPort == 0 {
		return trace.BadParameter("missing healthCheckPort in local configuration")
	}
	if c.TunnelServerAddr == "" {
		return trace.BadParameter("missing tunnelServerAddr in local configuration")
	}
	return nil
}

// Load reads and parses a LocalConf from a JSON file at path.
func Load(path string) (*LocalConf, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err, "reading local configuration from %q", path)
	}
	var conf LocalConf
	if err := json.Unmarshal(data, &conf); err != nil {
		return nil, trace.Wrap(err, "parsing local configuration %q", path)
	}
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &conf, nil
}
