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

// Package metrics exposes the agent's session counters as Prometheus
// gauges and counters: one collector registered once, small
// Observe-style helper methods called from the session lifecycle.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collector holds every metric the agent publishes. A single instance
// is created at startup; Register adds it to the registry it is given.
type Collector struct {
	SessionState        *prometheus.GaugeVec
	ReconnectAttempts   prometheus.Counter
	FramesSent          *prometheus.CounterVec
	FramesReceived      *prometheus.CounterVec
	SocksConnections    prometheus.Gauge
	SocksRefused        prometheus.Counter
	HealthCheckFailures prometheus.Counter
}

// NewCollector constructs a Collector with all metrics initialized but
// not yet registered.
func NewCollector() *Collector {
	return &Collector{
		SessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sdc_agent",
			Name:      "session_state",
			Help:      "Current session state, one gauge per state name set to 1 when active.",
		}, []string{"state"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sdc_agent",
			Name:      "reconnect_attempts_total",
			Help:      "Total number of reconnect attempts made to the tunnel server.",
		}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sdc_agent",
			Name:      "frames_sent_total",
			Help:      "Total frames sent to the tunnel server, by frame type.",
		}, []string{"type"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sdc_agent",
			Name:      "frames_received_total",
			Help:      "Total frames received from the tunnel server, by frame type.",
		}, []string{"type"}),
		SocksConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sdc_agent",
			Name:      "socks_connections_active",
			Help:      "Number of SOCKS connections currently bridged through the tunnel.",
		}),
		SocksRefused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sdc_agent",
			Name:      "socks_refused_total",
			Help:      "Total SOCKS CONNECT requests refused for an unregistered destination.",
		}),
		HealthCheckFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sdc_agent",
			Name:      "health_check_failures_total",
			Help:      "Total health checks that failed to receive a timely response.",
		}),
	}
}

// Register adds every metric to reg.
func (c *Collector) Register(reg *prometheus.Registry) error {
	collectors := []prometheus.Collector{
		c.SessionState,
		c.ReconnectAttempts,
		c.FramesSent,
		c.FramesReceived,
		c.SocksConnections,
		c.SocksRefused,
		c.HealthCheckFailures,
	}
	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return err
		}
	}
	return nil
}

// SetSessionState zeroes every known state gauge and sets only the
// current one to 1, so a Prometheus query always sees exactly one
// active state.
func (c *Collector) SetSessionState(states []string, current string) {
	for _, s := range states {
		if s == current {
			c.SessionState.WithLabelValues(s).Set(1)
		} else {
			c.SessionState.WithLabelValues(s).Set(0)
		}
	}
}
