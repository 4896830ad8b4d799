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

// Package authorize implements the plain-text handshake that precedes
// framing: a version greeting, a signed AuthRequest line, and a parsed
// AuthResponse line. The OAuth 1.0a signature is computed directly
// with crypto/hmac + crypto/sha1, the same primitives any OAuth1
// library would wrap (golang.org/x/oauth2 implements OAuth2 only and
// cannot produce the 1.0a signature base string).
package authorize

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"

	sdcagent "github.com/gravitational-labs/sdc-agent"
	"github.com/gravitational-labs/sdc-agent/lib/agenterr"
	"github.com/gravitational-labs/sdc-agent/lib/config"
)

// signatureMethod is the OAuth 1.0a signature method the agent uses.
const signatureMethod = "HMAC-SHA1"

// oauthVersion is the OAuth protocol version parameter.
const oauthVersion = "1.0"

// authURLPath is the fixed resource path the signed request is bound
// to. The tunnel server validates the signature against this exact
// URL.
const authURLPath = "https://sdc-tunnel.example/authorize"

// AuthRequest is the signed authorization line sent to the server.
type AuthRequest struct {
	OAuthString string `json:"oauthString"`
	Email       string `json:"-"`
}

// AuthResponse is the server's reply to the AuthRequest line.
type AuthResponse struct {
	Status   string `json:"status"`
	ErrorMsg string `json:"errorMsg,omitempty"`
}

const (
	StatusOK           = "OK"
	StatusAccessDenied = "ACCESS_DENIED"
)

// nowFunc and nonceFunc are overridable for deterministic tests.
var (
	nowFunc   = func() time.Time { return time.Now() }
	nonceFunc = randomNonce
)

func randomNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", trace.Wrap(err)
	}
	return hex.EncodeToString(buf), nil
}

// BuildAuthRequest constructs the signed AuthRequest for conf: an
// OAuth 1.0a query bound to authURLPath, signed with the consumer
// secret, requesting on behalf of the agent's email identity.
func BuildAuthRequest(conf config.LocalConf) (*AuthRequest, error) {
	email := conf.Email()
	nonce, err := nonceFunc()
	if err != nil {
		return nil, trace.Wrap(err)
	}

	params := url.Values{}
	params.Set("oauth_signature_method", signatureMethod)
	params.Set("oauth_version", oauthVersion)
	params.Set("oauth_consumer_key", conf.Domain)
	params.Set("oauth_timestamp", strconv.FormatInt(nowFunc().Unix(), 10))
	params.Set("oauth_nonce", nonce)
	params.Set("requestor_id", email)

	signature := sign(conf.ConsumerSecret, authURLPath, params)
	params.Set("oauth_signature", signature)

	oauthString := fmt.Sprintf("%s?%s", authURLPath, params.Encode())
	return &AuthRequest{OAuthString: oauthString, Email: email}, nil
}

// sign computes the OAuth 1.0a HMAC-SHA1 signature over the canonical
// base string "GET&<url>&<sorted params>", using consumerSecret& (an
// empty token secret, since the agent has no per-user token) as the
// HMAC key.
func sign(consumerSecret, rawURL string, params url.Values) string {
	base := "GET&" + url.QueryEscape(rawURL) + "&" + url.QueryEscape(params.Encode())
	key := url.QueryEscape(consumerSecret) + "&"
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Authorize performs the handshake over rw (the raw transport, before
// framing begins): writes the version greeting and signed AuthRequest,
// reads and parses the AuthResponse line. On success it returns the
// AuthRequest that was sent, for use as registration context, plus the
// *bufio.Reader used to read the response line.
//
// That reader, not rw, must back whatever reads framing does next: TCP
// and TLS make no promise that the server's AuthResponse line and the
// start of the framed stream land in separate reads, so bufio.Reader
// may already have buffered bytes past the response's trailing
// newline. Handing back a fresh reader over rw and discarding this one
// would silently drop those bytes and corrupt the first frame.
func Authorize(rw io.ReadWriter, conf config.LocalConf) (*AuthRequest, *bufio.Reader, error) {
	req, err := BuildAuthRequest(conf)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}

	if _, err := io.WriteString(rw, sdcagent.ProtocolGreeting); err != nil {
		return nil, nil, trace.Wrap(agenterr.Wrap(agenterr.KindDial, err, "writing protocol greeting"))
	}

	reqLine, err := json.Marshal(req)
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	if _, err := rw.Write(append(reqLine, '\n')); err != nil {
		return nil, nil, trace.Wrap(agenterr.Wrap(agenterr.KindDial, err, "writing auth request"))
	}

	reader := bufio.NewReader(rw)
	line, err := reader.ReadString('\n')
	if err != nil && line == "" {
		return nil, nil, trace.Wrap(agenterr.Wrap(agenterr.KindDial, err, "reading auth response"))
	}

	var resp AuthResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &resp); err != nil {
		return nil, nil, trace.Wrap(agenterr.Mangled(err, strconv.Quote(strings.TrimSpace(line))))
	}

	if resp.Status != StatusOK {
		return nil, nil, trace.Wrap(&agenterr.Error{
			Kind:    agenterr.KindAuthentication,
			Message: fmt.Sprintf("authorization denied for %s: %s (%s)", req.Email, resp.Status, resp.ErrorMsg),
		})
	}

	return req, reader, nil
}
