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

package authorize

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravitational-labs/sdc-agent/lib/agenterr"
	"github.com/gravitational-labs/sdc-agent/lib/config"
)

func fixedClock(t *testing.T) func() {
	t.Helper()
	origNow, origNonce := nowFunc, nonceFunc
	nowFunc = func() time.Time { return time.Unix(1700000000, 0) }
	nonceFunc = func() (string, error) { return "deadbeefdeadbeef", nil }
	return func() {
		nowFunc, nonceFunc = origNow, origNonce
	}
}

func testConf() config.LocalConf {
	return config.LocalConf{
		AgentID:        "agent-1",
		User:           "alice",
		Domain:         "example.com",
		ConsumerSecret: "shh",
	}
}

func TestBuildAuthRequestIsSigned(t *testing.T) {
	restore := fixedClock(t)
	defer restore()

	req, err := BuildAuthRequest(testConf())
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", req.Email)

	parsed, err := url.Parse(req.OAuthString)
	require.NoError(t, err)
	require.Equal(t, authURLPath, parsed.Scheme+"://"+parsed.Host+parsed.Path)

	q := parsed.Query()
	require.Equal(t, signatureMethod, q.Get("oauth_signature_method"))
	require.Equal(t, "example.com", q.Get("oauth_consumer_key"))
	require.NotEmpty(t, q.Get("oauth_signature"))
}

func TestBuildAuthRequestDeterministicUnderFixedInputs(t *testing.T) {
	restore := fixedClock(t)
	defer restore()

	a, err := BuildAuthRequest(testConf())
	require.NoError(t, err)
	b, err := BuildAuthRequest(testConf())
	require.NoError(t, err)
	require.Equal(t, a.OAuthString, b.OAuthString)
}

func TestAuthorizeSuccess(t *testing.T) {
	restore := fixedClock(t)
	defer restore()

	resp, _ := json.Marshal(AuthResponse{Status: StatusOK})
	rw := &loopback{in: *bytes.NewBuffer(append(resp, '\n'))}

	req, _, err := Authorize(rw, testConf())
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", req.Email)
	require.True(t, strings.HasPrefix(rw.out.String(), "connect v1.0\n"))
}

func TestAuthorizeDenied(t *testing.T) {
	restore := fixedClock(t)
	defer restore()

	resp, _ := json.Marshal(AuthResponse{Status: StatusAccessDenied, ErrorMsg: "not entitled"})
	rw := &loopback{in: *bytes.NewBuffer(append(resp, '\n'))}

	_, _, err := Authorize(rw, testConf())
	require.Error(t, err)
	require.True(t, agenterr.OfKind(err, agenterr.KindAuthentication))
}

func TestAuthorizeMangledResponse(t *testing.T) {
	restore := fixedClock(t)
	defer restore()

	rw := &loopback{in: *bytes.NewBufferString("not json\n")}

	_, _, err := Authorize(rw, testConf())
	require.Error(t, err)
	require.True(t, agenterr.OfKind(err, agenterr.KindMangledResponse))
	require.True(t, strings.HasPrefix(err.Error(), "Mangled") || strings.Contains(err.Error(), "Mangled"))
}

// TestAuthorizeReturnsLeftoverBufferedBytes guards against the hazard
// of a server that pipelines the AuthResponse line and the start of
// the framed stream in one write: bytes past the response's trailing
// newline must still be readable from the returned *bufio.Reader,
// not silently dropped.
func TestAuthorizeReturnsLeftoverBufferedBytes(t *testing.T) {
	restore := fixedClock(t)
	defer restore()

	resp, _ := json.Marshal(AuthResponse{Status: StatusOK})
	pipelined := append(append(resp, '\n'), []byte("framed-bytes-follow")...)
	rw := &loopback{in: *bytes.NewBuffer(pipelined)}

	_, reader, err := Authorize(rw, testConf())
	require.NoError(t, err)

	leftover := make([]byte, len("framed-bytes-follow"))
	n, err := reader.Read(leftover)
	require.NoError(t, err)
	require.Equal(t, "framed-bytes-follow", string(leftover[:n]))
}

// loopback is a minimal io.ReadWriter: writes go to out, reads come
// from the preloaded in buffer, simulating the server's reply.
type loopback struct {
	in  bytes.Buffer
	out bytes.Buffer
}

func (l *loopback) Write(p []byte) (int, error) { return l.out.Write(p) }
func (l *loopback) Read(p []byte) (int, error)  { return l.in.Read(p) }
