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

package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/kingpin"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	sdcagent "github.com/gravitational-labs/sdc-agent"
	"github.com/gravitational-labs/sdc-agent/lib/agenterr"
	"github.com/gravitational-labs/sdc-agent/lib/cliutil"
	"github.com/gravitational-labs/sdc-agent/lib/config"
	"github.com/gravitational-labs/sdc-agent/lib/logging"
	"github.com/gravitational-labs/sdc-agent/lib/metrics"
	"github.com/gravitational-labs/sdc-agent/lib/session"
	"github.com/gravitational-labs/sdc-agent/lib/sshforward"
)

func main() {
	app := cliutil.NewApp("sdc-agent", "Secure Data Connector agent: tunnels intranet access to the cloud service.")
	configPath := app.Flag("config", "Path to the agent's local JSON configuration file.").Required().String()
	rulesPath := app.Flag("rules-file", "Path to the resource rules XML file; overrides the configured path.").String()
	tunnelAddr := app.Flag("tunnel-addr", "Tunnel server host:port; overrides the configured address.").String()
	caBundlePath := app.Flag("ca-bundle", "Path to a PEM CA bundle trusted for the tunnel server's TLS certificate.").String()
	debug := app.Flag("debug", "Enable debug logging.").Bool()
	metricsAddr := app.Flag("metrics-addr", "Address to serve Prometheus metrics on; empty disables metrics.").String()

	if _, err := app.Parse(os.Args[1:]); err != nil {
		kingpin.Fatalf("%s", err)
	}

	level := logrus.InfoLevel
	if *debug {
		level = logrus.DebugLevel
	}
	logger := logging.Init(level)
	log := logging.ForComponent(logger, sdcagent.ComponentSession)

	conf, err := config.Load(*configPath)
	if err != nil {
		cliutil.FatalError(err, sdcagent.ExitConfigError)
	}
	if *rulesPath != "" {
		conf.RulesFilePath = *rulesPath
	}
	if *tunnelAddr != "" {
		conf.TunnelServerAddr = *tunnelAddr
	}

	tlsConfig, err := buildTLSConfig(*caBundlePath)
	if err != nil {
		cliutil.FatalError(err, sdcagent.ExitConfigError)
	}

	collector := metrics.NewCollector()
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		if err := collector.Register(reg); err != nil {
			cliutil.FatalError(trace.Wrap(err), sdcagent.ExitConfigError)
		}
		go serveMetrics(*metricsAddr, reg, log)
	}

	forwarder := sshforward.New(conf.SSHForwarderPath, conf.SocksServerPort, conf.TunnelServerAddr, logging.ForComponent(logger, sdcagent.ComponentSSHForward))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("Received signal %s, shutting down.", sig)
		cancel()
	}()

	if err := forwarder.Start(ctx); err != nil {
		log.Warnf("SSH forwarder did not start: %v", err)
	}
	defer forwarder.Stop()

	pool := session.NewPool(session.Deps{
		Conf:      *conf,
		TLSConfig: tlsConfig,
		Logger:    logger,
		Clock:     clockwork.NewRealClock(),
		Metrics:   collector,
		Forwarder: forwarder,
	}, session.DefaultBackoff)

	if err := pool.Run(ctx); err != nil {
		cliutil.FatalError(err, agenterr.ExitCode(err))
	}
	os.Exit(sdcagent.ExitNormal)
}

func buildTLSConfig(caBundlePath string) (*tls.Config, error) {
	if caBundlePath == "" {
		return &tls.Config{MinVersion: tls.VersionTLS12}, nil
	}
	pem, err := os.ReadFile(caBundlePath)
	if err != nil {
		return nil, trace.Wrap(err, "reading CA bundle %q", caBundlePath)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, trace.BadParameter("CA bundle %q contains no usable certificates", caBundlePath)
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log logrus.FieldLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Infof("Serving Prometheus metrics on %s.", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warnf("Metrics server stopped: %v", err)
	}
}
