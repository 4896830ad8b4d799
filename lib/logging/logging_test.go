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

package logging

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func TestInitSetsLevel(t *testing.T) {
	logger := Init(logrus.DebugLevel)
	require.Equal(t, logrus.DebugLevel, logger.GetLevel())
}

func TestForComponentAddsField(t *testing.T) {
	logger := logrus.New()
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	scoped := ForComponent(logger, "framing")
	scoped.Info("hello")

	require.Contains(t, buf.String(), `"component":"framing"`)
}

func TestWithSessionAddsField(t *testing.T) {
	logger := logrus.New()
	buf := &bytes.Buffer{}
	logger.SetOutput(buf)
	logger.SetFormatter(&logrus.JSONFormatter{})

	scoped := WithSession(ForComponent(logger, "session"), "abc-123")
	scoped.Info("hello")

	require.Contains(t, buf.String(), `"session_id":"abc-123"`)
}
