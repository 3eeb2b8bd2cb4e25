/*
Copyright 2023 Alexander Bartolomey (github@alexanderbartolomey.de)

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

package ipfixfwd

import "github.com/prometheus/client_golang/prometheus"

// Dispatcher-level metrics, one set shared across every Dispatch call.
var (
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "forward",
		Name:      "messages_total",
		Help:      "Total number of inbound IPFIX messages handed to the dispatcher",
	})
	MessagesMalformedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "forward",
		Name:      "messages_malformed_total",
		Help:      "Total number of inbound messages dropped due to a malformed Set",
	})
	DispatchDurationMicroseconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "forward",
		Name:      "dispatch_duration_microseconds",
		Help:      "Duration of one Dispatch call, from Set ingestion to handoff to the destination manager",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 25000},
	})
	TemplatesDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forward",
		Name:      "templates_dropped_total",
		Help:      "Total number of template records dropped by the template manager, by reason",
	}, []string{"reason"})
	DataSetsSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forward",
		Name:      "data_sets_skipped_total",
		Help:      "Total number of Data Sets skipped by the dispatcher, by reason",
	}, []string{"reason"})
)

// Template manager metrics.
var (
	TemplatesLive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "forward",
		Name:      "templates_live",
		Help:      "Number of live (ref_count > 0) shared templates currently held per ODID and type",
	}, []string{"odid", "type"})
	TemplatesPendingWithdrawal = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "forward",
		Name:      "templates_pending_withdrawal",
		Help:      "Number of shared templates whose reference count dropped to zero and await withdrawal, per ODID",
	}, []string{"odid"})
)

// Destination manager metrics.
var (
	DestinationsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "forward",
		Name:      "destinations_connected",
		Help:      "Number of destinations currently in the connected group",
	})
	DestinationsDisconnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "forward",
		Name:      "destinations_disconnected",
		Help:      "Number of destinations currently in the disconnected group",
	})
	DestinationsReady = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "forward",
		Name:      "destinations_ready",
		Help:      "Number of destinations reconnected but still pending template replay",
	})
	ReconnectAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "forward",
		Name:      "reconnect_attempts_total",
		Help:      "Total number of connect() attempts made by the reconnector",
	})
	ReconnectSuccessTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "forward",
		Name:      "reconnect_success_total",
		Help:      "Total number of successful connect() attempts made by the reconnector",
	})
)

// Sender-level metrics.
var (
	SentPacketsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forward",
		Name:      "sent_packets_total",
		Help:      "Total number of IPFIX packets sent per destination and send status",
	}, []string{"destination", "status"})
	SentBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "forward",
		Name:      "sent_bytes_total",
		Help:      "Total number of bytes written to a destination socket",
	}, []string{"destination"})
	ResidualBufferBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "forward",
		Name:      "residual_buffer_bytes",
		Help:      "Number of bytes currently held in a destination's residual send buffer",
	}, []string{"destination"})
)

// Listener metrics, carried over from the decoder-oriented sibling library's
// listener.go for the inbound side of cmd/ipfixcol-forward.
var (
	TCPActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "collector",
		Name:      "tcp_listener_active_connections",
		Help:      "Total number of active connections currently maintained by the TCP listener",
	})
	TCPErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collector",
		Name:      "tcp_listener_errors_total",
		Help:      "Total number of errors encountered in the TCP listener",
	})
	TCPReceivedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collector",
		Name:      "tcp_listener_received_bytes",
		Help:      "Total number of bytes read in the TCP listener",
	})
	UDPPacketsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collector",
		Name:      "udp_listener_packets_total",
		Help:      "Total number of packets received via the UDP listener",
	})
	UDPErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collector",
		Name:      "udp_listener_errors_total",
		Help:      "Total number of errors encountered in the UDP listener",
	})
	UDPReceivedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "collector",
		Name:      "udp_listener_received_bytes",
		Help:      "Total number of bytes read in the UDP listener",
	})
)

// MustRegister registers every collector declared in this package with r.
// Grouped in one place so cmd/ipfixcol-forward can wire /metrics with a
// single call instead of enumerating every var above.
func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		MessagesTotal, MessagesMalformedTotal, DispatchDurationMicroseconds,
		TemplatesDroppedTotal, DataSetsSkippedTotal,
		TemplatesLive, TemplatesPendingWithdrawal,
		DestinationsConnected, DestinationsDisconnected, DestinationsReady,
		ReconnectAttemptsTotal, ReconnectSuccessTotal,
		SentPacketsTotal, SentBytesTotal, ResidualBufferBytes,
		TCPActiveConnections, TCPErrorsTotal, TCPReceivedBytes,
		UDPPacketsTotal, UDPErrorsTotal, UDPReceivedBytes,
	)
}
