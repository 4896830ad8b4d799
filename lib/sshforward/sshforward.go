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

// Package sshforward supervises the bundled SSH port-forwarder child
// process. The agent does not implement an SSH server itself; it
// starts the forwarder binary, watches it, and probes its liveness
// with a throwaway SSH handshake against the forwarder's listener.
package sshforward

import (
	"context"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/gravitational-labs/sdc-agent/lib/agenterr"
)

// ProbeTimeout bounds a single liveness probe dial+handshake.
const ProbeTimeout = 5 * time.Second

// Supervisor starts and watches the bundled SSH forwarder binary.
type Supervisor struct {
	binPath   string
	socksPort int
	probeAddr string
	log       logrus.FieldLogger

	mu   sync.Mutex
	cmd  *exec.Cmd
	exit chan error
}

// New constructs a Supervisor. probeAddr is the forwarder's own
// listening address, used only for the liveness probe.
func New(binPath string, socksPort int, probeAddr string, log logrus.FieldLogger) *Supervisor {
	return &Supervisor{binPath: binPath, socksPort: socksPort, probeAddr: probeAddr, log: log}
}

// Start launches the forwarder child process with the SOCKS port
// passed on argv.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return trace.Wrap(agenterr.New(agenterr.KindConfig, "sshforward: Start called while already running"))
	}

	cmd := exec.CommandContext(ctx, s.binPath, "--socks-port", strconv.Itoa(s.socksPort))
	if err := cmd.Start(); err != nil {
		return trace.Wrap(agenterr.Wrap(agenterr.KindConfig, err, "starting SSH forwarder %q", s.binPath))
	}
	s.cmd = cmd
	s.exit = make(chan error, 1)
	go func() {
		s.exit <- cmd.Wait()
	}()
	s.log.Infof("Started SSH forwarder child process (pid %d).", cmd.Process.Pid)
	return nil
}

// Exited returns a channel that receives the forwarder's exit error
// (nil for a clean exit) when the child process terminates.
func (s *Supervisor) Exited() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exit
}

// Stop terminates the forwarder child process, if running.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cmd := s.cmd
	s.cmd = nil
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// Probe opens an SSH connection to the forwarder's listening port and
// immediately closes it, confirming the child is accepting connections
// before the session is declared healthy. It never authenticates as a
// real user; go-socks5-style forwarders accept any handshake attempt
// long enough to prove the listener is alive.
func (s *Supervisor) Probe(ctx context.Context) error {
	dialer := net.Dialer{Timeout: ProbeTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.probeAddr)
	if err != nil {
		return trace.Wrap(agenterr.Wrap(agenterr.KindDial, err, "probing SSH forwarder at %s", s.probeAddr))
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(ProbeTimeout))
	clientConf := &ssh.ClientConfig{
		User:            "sdc-probe",
		Auth:            []ssh.AuthMethod{ssh.Password("")},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         ProbeTimeout,
	}
	sshConn, _, _, err := ssh.NewClientConn(conn, s.probeAddr, clientConf)
	if err != nil {
		// An auth rejection still proves the listener speaks SSH; only a
		// transport-level failure indicates the forwarder is unreachable.
		if isAuthFailure(err) {
			return nil
		}
		return trace.Wrap(agenterr.Wrap(agenterr.KindDial, err, "SSH handshake with forwarder at %s", s.probeAddr))
	}
	sshConn.Close()
	return nil
}

func isAuthFailure(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}
