/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// API metrics

var (
	// APIRequestDuration tracks HTTP request latency.
	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hermod_api_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	// APIRequestsTotal counts HTTP requests.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hermod_api_requests_total",
		Help: "Total HTTP requests served.",
	}, []string{"method", "endpoint", "status"})

	// APIActiveConnections tracks in-flight HTTP requests.
	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hermod_api_active_connections",
		Help: "Number of in-flight HTTP requests.",
	})
)

// Database metrics

var (
	// DatabaseQueryDuration tracks query latency by operation and table.
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hermod_database_query_duration_seconds",
		Help:    "Database query duration in seconds.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"operation", "table"})

	// DatabaseErrorsTotal counts database errors.
	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hermod_database_errors_total",
		Help: "Total database errors.",
	}, []string{"operation", "type"})

	// DatabaseConnectionsActive tracks open database connections.
	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hermod_database_connections_active",
		Help: "Open database connections.",
	})
)

// Session bus metrics

var (
	// SessionsActive tracks connected WebSocket sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hermod_sessions_active",
		Help: "Connected WebSocket sessions.",
	})

	// SessionMessagesTotal counts session bus messages by event name.
	SessionMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hermod_session_messages_total",
		Help: "Session bus messages handled, by event.",
	}, []string{"event"})

	// SessionErrorsTotal counts session command failures by event name.
	SessionErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hermod_session_errors_total",
		Help: "Session bus command failures, by event.",
	}, []string{"event"})
)

// Room and media metrics

var (
	// RoomsActive tracks rooms with live media state.
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hermod_rooms_active",
		Help: "Rooms with live media state.",
	})

	// ParticipantsConnected tracks admitted, connected participants.
	ParticipantsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hermod_participants_connected",
		Help: "Admitted participants with a live session.",
	})

	// WaitingRoomOccupancy tracks participants held in waiting rooms.
	WaitingRoomOccupancy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hermod_waiting_room_occupancy",
		Help: "Participants currently held in waiting rooms.",
	})

	// ProducersActive tracks live producers by kind.
	ProducersActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hermod_producers_active",
		Help: "Live producers, by kind (media, bus, plain).",
	}, []string{"kind"})

	// ConsumersActive tracks live consumers.
	ConsumersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hermod_consumers_active",
		Help: "Live consumers.",
	})

	// WorkerRooms tracks rooms assigned per media worker.
	WorkerRooms = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hermod_sfu_worker_rooms",
		Help: "Rooms assigned to each media worker.",
	}, []string{"worker"})
)

// Mix coordination metrics

var (
	// MixTakeoversTotal counts explicit primary mixer takeovers.
	MixTakeoversTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hermod_mix_takeovers_total",
		Help: "Explicit primary mixer takeovers.",
	})

	// MixFailoversTotal counts automatic primary mixer failovers.
	MixFailoversTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hermod_mix_failovers_total",
		Help: "Automatic primary mixer failovers after heartbeat loss.",
	})

	// MixChangesTotal counts applied mixer state changes by change type.
	MixChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hermod_mix_changes_total",
		Help: "Applied mixer state changes, by change type.",
	}, []string{"type"})
)

// Egress metrics

var (
	// EncodersActive tracks running encoder processes.
	EncodersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hermod_encoders_active",
		Help: "Running encoder processes.",
	})

	// EncoderRestartsTotal counts encoder restarts by reason.
	EncoderRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hermod_encoder_restarts_total",
		Help: "Encoder restarts, by reason (failure, config).",
	}, []string{"reason"})

	// EncoderFailuresTotal counts encoder failures by output type.
	EncoderFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hermod_encoder_failures_total",
		Help: "Encoder failures, by output type.",
	}, []string{"type"})
)

// Ingest metrics

var (
	// IngestSourcesActive tracks running ingest processes by type.
	IngestSourcesActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hermod_ingest_sources_active",
		Help: "Running ingest processes, by source type.",
	}, []string{"type"})

	// IngestFailuresTotal counts ingest failures by type and reason.
	IngestFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hermod_ingest_failures_total",
		Help: "Ingest failures, by source type and reason.",
	}, []string{"type", "reason"})

	// IngestPortsInUse tracks allocated ingest listener ports.
	IngestPortsInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hermod_ingest_ports_in_use",
		Help: "Allocated ingest listener ports.",
	})

	// WHIPSessionsActive tracks live WHIP ingest sessions.
	WHIPSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hermod_whip_sessions_active",
		Help: "Live WHIP ingest sessions.",
	})
)

// Recording metrics

var (
	// RecordingsActive tracks in-progress recordings.
	RecordingsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hermod_recordings_active",
		Help: "In-progress recordings.",
	})

	// RecordingBytesTotal counts bytes written to recording storage.
	RecordingBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hermod_recording_bytes_total",
		Help: "Bytes written to recording storage.",
	})
)

// Cluster metrics

var (
	// LeaderElectionStatus is 1 when this instance holds leadership.
	LeaderElectionStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hermod_leader_election_status",
		Help: "1 when this instance holds leadership, 0 otherwise.",
	}, []string{"instance"})

	// LeaderElectionChanges counts leadership transitions.
	LeaderElectionChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hermod_leader_election_changes_total",
		Help: "Leadership transitions, by instance and direction.",
	}, []string{"instance", "transition"})
)

// Handler exposes the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
