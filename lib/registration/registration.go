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

// Package registration implements the post-handshake exchange that
// pins the agent's advertised rules and mints per-resource secret
// keys.
package registration

import (
	"encoding/json"
	"sync"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/gravitational-labs/sdc-agent/lib/agenterr"
	"github.com/gravitational-labs/sdc-agent/lib/config"
	"github.com/gravitational-labs/sdc-agent/lib/dispatch"
	"github.com/gravitational-labs/sdc-agent/lib/framing"
	"github.com/gravitational-labs/sdc-agent/lib/healthcheck"
	"github.com/gravitational-labs/sdc-agent/lib/keystore"
	"github.com/gravitational-labs/sdc-agent/lib/rules"
)

// wireResourceKey is the on-wire shape of a keystore.ResourceKey.
type wireResourceKey struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Secret uint64 `json:"secret"`
}

// Request is the outbound RegistrationRequest, sent exactly once.
type Request struct {
	HealthCheckPort        int               `json:"healthCheckPort"`
	AgentID                string            `json:"agentId"`
	SocksServerPort        int               `json:"socksServerPort"`
	RulesXML               string            `json:"rulesXml"`
	ResourceKeys           []wireResourceKey `json:"resourceKeys"`
	HealthCheckGadgetUsers []string          `json:"healthCheckGadgetUsers,omitempty"`
}

const (
	ResultOK              = "OK"
	ResultRegistrationErr = "REGISTRATION_ERROR"
)

// Response is the inbound RegistrationResponse, received exactly once.
type Response struct {
	Result         string                          `json:"result"`
	StatusMessage  string                          `json:"statusMessage,omitempty"`
	ServerSupplied *healthcheck.ServerSuppliedConf `json:"serverSuppliedConf,omitempty"`
}

// localHealthCheckHost is the fixed host for the synthetic
// health-check ResourceKey minted alongside the parsed rules.
const localHealthCheckHost = "localhost"

// Handler drives both halves of the registration exchange: sending
// the request and, as the REGISTRATION frame-type handler, parsing the
// response.
type Handler struct {
	conf    config.LocalConf
	keys    *keystore.KeyStore
	health  *healthcheck.HealthCheck
	log     logrus.FieldLogger
	done    chan error
	doneOne sync.Once
}

// NewHandler constructs a registration Handler. health may be nil in
// tests that don't exercise ServerSuppliedConf propagation.
func NewHandler(conf config.LocalConf, keys *keystore.KeyStore, health *healthcheck.HealthCheck, log logrus.FieldLogger) *Handler {
	return &Handler{conf: conf, keys: keys, health: health, log: log, done: make(chan error, 1)}
}

// Send parses the rules file, mints ResourceKeys, persists them into
// the key store, and submits one REGISTRATION frame. It does not wait
// for the response; call Wait for that.
func (h *Handler) Send(sender *dispatch.Sender) error {
	parsed, raw, err := rules.ParseFile(h.conf.RulesFilePath)
	if err != nil {
		return trace.Wrap(err)
	}

	req := Request{
		HealthCheckPort: h.conf.HealthCheckPort,
		AgentID:         h.conf.AgentID,
		SocksServerPort: h.conf.SocksServerPort,
		RulesXML:        string(raw),
	}
	if gadgets, ok := h.conf.GadgetUsers(); ok {
		req.HealthCheckGadgetUsers = gadgets
	}

	minted := make([]keystore.ResourceKey, 0, len(parsed)+1)
	for _, rule := range parsed {
		port, err := rule.Port()
		if err != nil {
			return trace.Wrap(err)
		}
		secret, err := keystore.NewSecret()
		if err != nil {
			return trace.Wrap(err)
		}
		minted = append(minted, keystore.ResourceKey{Host: rule.Host(), Port: port, Secret: secret})
	}
	hcSecret, err := keystore.NewSecret()
	if err != nil {
		return trace.Wrap(err)
	}
	minted = append(minted, keystore.ResourceKey{Host: localHealthCheckHost, Port: h.conf.HealthCheckPort, Secret: hcSecret})

	for _, k := range minted {
		req.ResourceKeys = append(req.ResourceKeys, wireResourceKey{Host: k.Host, Port: k.Port, Secret: k.Secret})
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := sender.Send(framing.FrameRegistration, payload); err != nil {
		return trace.Wrap(err)
	}

	for _, k := range minted {
		h.keys.Put(k)
	}
	h.log.Infof("Sent registration request with %d resource keys.", len(minted))
	return nil
}

// Dispatch is the REGISTRATION-type frame handler installed on the
// dispatch registry. It parses the response, seals the key store on
// success, applies any server-supplied health-check configuration,
// and signals Wait.
func (h *Handler) Dispatch(fi framing.FrameInfo) error {
	var resp Response
	if err := json.Unmarshal(fi.Payload, &resp); err != nil {
		err := trace.Wrap(agenterr.Wrap(agenterr.KindRegistration, err, "malformed registration response"))
		h.signal(err)
		return err
	}

	if resp.Result != ResultOK {
		err := trace.Wrap(&agenterr.Error{
			Kind:    agenterr.KindRegistration,
			Message: "registration rejected: " + resp.StatusMessage,
			Fatal:   true,
		})
		h.signal(err)
		return err
	}

	h.keys.Seal()
	if resp.ServerSupplied != nil && h.health != nil {
		h.health.ApplyServerConf(*resp.ServerSupplied)
	}
	h.log.Info("Registration acknowledged by tunnel server.")
	h.signal(nil)
	return nil
}

func (h *Handler) signal(err error) {
	h.doneOne.Do(func() {
		h.done <- err
	})
}

// Wait blocks until the registration response has been dispatched,
// returning its error (nil on success).
func (h *Handler) Wait() error {
	return <-h.done
}
