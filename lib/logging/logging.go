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

// Package logging configures the agent's structured logger. There is
// no process-wide singleton beyond the one *logrus.Logger built here;
// every component is handed a FieldLogger reference at construction.
package logging

import (
	"os"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
)

// Init configures a new daemon-mode logger: always to stderr, with a
// terminal-aware text formatter, at the given level.
func Init(level logrus.Level) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:          true,
		DisableColors:          !trace.IsTerminal(os.Stderr),
		DisableLevelTruncation: true,
	})
	return logger
}

// ForComponent returns a FieldLogger scoped to the given component
// name, e.g. ForComponent(log, sdcagent.ComponentFraming).
func ForComponent(logger logrus.FieldLogger, component string) logrus.FieldLogger {
	return logger.WithField("component", component)
}

// WithSession further scopes a component logger with a session id.
func WithSession(logger logrus.FieldLogger, sessionID string) logrus.FieldLogger {
	return logger.WithField("session_id", sessionID)
}
