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

// Package rules parses the XML resource-rules file into ResourceRule
// tuples. The file's authoring tooling lives outside this repository;
// this package only implements the consuming side.
package rules

import (
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/gravitational/trace"

	"github.com/gravitational-labs/sdc-agent/lib/agenterr"
)

// Rule is one parsed <rule> element: the URL it authorizes, the
// agent-id binding it was scoped to, and an optional allowed-users set.
type Rule struct {
	URL          *url.URL
	AgentID      string
	AllowedUsers []string
}

// Host returns the rule's target host, lower-cased for case-insensitive
// comparisons against the key store.
func (r Rule) Host() string {
	return strings.ToLower(r.URL.Hostname())
}

// Port returns the rule's target port, resolving the scheme's default
// when no explicit port is present.
func (r Rule) Port() (int, error) {
	if p := r.URL.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, trace.Wrap(err, "invalid port in rule URL %q", r.URL)
		}
		return n, nil
	}
	switch r.URL.Scheme {
	case "https":
		return 443, nil
	case "http":
		return 80, nil
	default:
		return 0, trace.Wrap(agenterr.New(agenterr.KindResourceURL, "rule URL %q has no port and scheme %q has no default", r.URL, r.URL.Scheme))
	}
}

// ParseFile reads and parses the rules file at path. Raw is the
// unmodified file content, needed verbatim for the RegistrationRequest.
func ParseFile(path string) (parsed []Rule, raw []byte, err error) {
	raw, err = os.ReadFile(path)
	if err != nil {
		return nil, nil, trace.Wrap(agenterr.Wrap(agenterr.KindResourceURL, err, "reading rules file %q", path))
	}
	parsed, err = Parse(raw)
	if err != nil {
		return nil, raw, err
	}
	return parsed, raw, nil
}

// Parse parses rules XML of the form:
//
//	<rules>
//	  <rule url="https://intranet.example:8443/app" agentId="agent-1">
//	    <allowedUser>alice</allowedUser>
//	    <allowedUser>bob</allowedUser>
//	  </rule>
//	</rules>
func Parse(data []byte) ([]Rule, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, trace.Wrap(agenterr.Wrap(agenterr.KindResourceURL, err, "malformed rules XML"))
	}
	root := doc.SelectElement("rules")
	if root == nil {
		return nil, trace.Wrap(agenterr.New(agenterr.KindResourceURL, "rules document missing root <rules> element"))
	}

	var out []Rule
	for _, el := range root.SelectElements("rule") {
		raw := el.SelectAttrValue("url", "")
		if raw == "" {
			return nil, trace.Wrap(agenterr.New(agenterr.KindResourceURL, "<rule> element missing url attribute"))
		}
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" {
			return nil, trace.Wrap(agenterr.Wrap(agenterr.KindResourceURL, err, "invalid rule URL %q", raw))
		}
		rule := Rule{
			URL:     u,
			AgentID: el.SelectAttrValue("agentId", ""),
		}
		for _, userEl := range el.SelectElements("allowedUser") {
			user := strings.TrimSpace(userEl.Text())
			if user != "" {
				rule.AllowedUsers = append(rule.AllowedUsers, user)
			}
		}
		out = append(out, rule)
	}
	return out, nil
}
