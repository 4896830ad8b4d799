/*
Copyright 2016-2021 Gravitational, Inc.

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

// Package cliutil holds small CLI front-end helpers shared by the
// agent binary: friendly error formatting and a preconfigured kingpin
// application.
package cliutil

import (
	"errors"
	"fmt"
	"os"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/gravitational-labs/sdc-agent/lib/agenterr"
)

const (
	colorRed = 31
)

func color(code int, v interface{}) string {
	return fmt.Sprintf("\x1b[%dm%v\x1b[0m", code, v)
}

// UserMessageFromError renders err for an operator: the full trace
// debug report when debug logging is enabled, otherwise a clean
// one-line message with the agenterr.Kind surfaced when present.
func UserMessageFromError(err error) string {
	if err == nil {
		return ""
	}
	if logrus.GetLevel() == logrus.DebugLevel {
		return trace.DebugReport(err)
	}
	prefix := color(colorRed, "ERROR: ")
	var e *agenterr.Error
	if errors.As(err, &e) {
		return fmt.Sprintf("%s[%s] %s", prefix, e.Kind, e.Error())
	}
	return prefix + err.Error()
}

// FatalError prints a friendly message to stderr and exits with code.
func FatalError(err error, code int) {
	fmt.Fprintln(os.Stderr, UserMessageFromError(err))
	os.Exit(code)
}

// NewApp builds a kingpin application with the agent's standard help
// behavior: --help hidden from the summary line.
func NewApp(name, help string) *kingpin.Application {
	app := kingpin.New(name, help)
	app.HelpFlag.Hidden()
	return app
}
