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

package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/gravitational-labs/sdc-agent/lib/agenterr"
	"github.com/gravitational-labs/sdc-agent/lib/config"
	"github.com/gravitational-labs/sdc-agent/lib/dispatch"
	"github.com/gravitational-labs/sdc-agent/lib/framing"
	"github.com/gravitational-labs/sdc-agent/lib/healthcheck"
	"github.com/gravitational-labs/sdc-agent/lib/keystore"
)

func discardLog() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(bytes.NewBuffer(nil))
	return l
}

func writeRulesFile(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.xml")
	xml := `<rules>
  <rule url="https://intranet.example:8443/app" agentId="agent-1">
    <allowedUser>alice</allowedUser>
  </rule>
</rules>`
	require.NoError(t, os.WriteFile(path, []byte(xml), 0o600))
	return path
}

func TestSendMintsKeysAndSubmitsFrame(t *testing.T) {
	conf := config.LocalConf{
		AgentID:         "agent-1",
		RulesFilePath:   writeRulesFile(t),
		SocksServerPort: 1080,
		HealthCheckPort: 9090,
	}
	keys := keystore.New()
	h := NewHandler(conf, keys, nil, discardLog())

	buf := &bytes.Buffer{}
	framer := framing.New(buf, 0)
	sender := dispatch.NewSender(framer, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sender.Run(ctx)

	require.NoError(t, h.Send(sender))

	fi, err := framer.Recv()
	require.NoError(t, err)
	require.Equal(t, framing.FrameRegistration, fi.Type)

	var req Request
	require.NoError(t, json.Unmarshal(fi.Payload, &req))
	require.Equal(t, "agent-1", req.AgentID)
	require.Len(t, req.ResourceKeys, 2) // one parsed rule + one synthetic health-check key

	require.True(t, keys.IsAllowed("intranet.example", 8443))
	require.True(t, keys.IsAllowed("localhost", 9090))
}

func TestSendWithZeroRulesMintsOnlyHealthCheckKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.xml")
	require.NoError(t, os.WriteFile(path, []byte(`<rules></rules>`), 0o600))

	conf := config.LocalConf{
		AgentID:         "agent-1",
		RulesFilePath:   path,
		SocksServerPort: 1080,
		HealthCheckPort: 9090,
	}
	keys := keystore.New()
	h := NewHandler(conf, keys, nil, discardLog())

	buf := &bytes.Buffer{}
	framer := framing.New(buf, 0)
	sender := dispatch.NewSender(framer, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sender.Run(ctx)

	require.NoError(t, h.Send(sender))

	fi, err := framer.Recv()
	require.NoError(t, err)
	var req Request
	require.NoError(t, json.Unmarshal(fi.Payload, &req))
	require.Len(t, req.ResourceKeys, 1)
	require.True(t, keys.IsAllowed("localhost", 9090))
}

func TestDispatchAppliesServerConfAndSealsStore(t *testing.T) {
	keys := keystore.New()
	keys.Put(keystore.ResourceKey{Host: "a", Port: 1, Secret: 1})

	buf := &bytes.Buffer{}
	framer := framing.New(buf, 0)
	sender := dispatch.NewSender(framer, 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sender.Run(ctx)

	health := healthcheck.New(clockwork.NewFakeClock(), sender, discardLog())

	h := NewHandler(config.LocalConf{}, keys, health, discardLog())

	resp := Response{
		Result:         ResultOK,
		ServerSupplied: &healthcheck.ServerSuppliedConf{HeartbeatSeconds: 7},
	}
	payload, err := json.Marshal(resp)
	require.NoError(t, err)

	require.NoError(t, h.Dispatch(framing.FrameInfo{Payload: payload}))
	require.NoError(t, h.Wait())

	require.Panics(t, func() {
		keys.Put(keystore.ResourceKey{Host: "b", Port: 2, Secret: 2})
	})
}

func TestDispatchRejectionIsFatal(t *testing.T) {
	keys := keystore.New()
	h := NewHandler(config.LocalConf{}, keys, nil, discardLog())

	resp := Response{Result: ResultRegistrationErr, StatusMessage: "unknown agent id"}
	payload, err := json.Marshal(resp)
	require.NoError(t, err)

	err = h.Dispatch(framing.FrameInfo{Payload: payload})
	require.Error(t, err)
	waitErr := h.Wait()
	require.Error(t, waitErr)
	require.False(t, agenterr.Reconnectable(waitErr))
}
