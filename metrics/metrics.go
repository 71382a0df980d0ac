// Package metrics exposes the server's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "place_connected_clients",
		Help: "Clients with a live transport, announced or not.",
	})

	AnnouncedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "place_announced_clients",
		Help: "Clients that completed the announce handshake.",
	})

	SceneRevision = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "place_scene_revision",
		Help: "Current scene graph revision.",
	})

	HeartbeatFires = promauto.NewCounter(prometheus.CounterOpts{
		Name: "place_heartbeat_fires_total",
		Help: "Heartbeat timer firings.",
	})

	ChangesBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "place_changes_broadcast_total",
		Help: "Scene changes sent to clients, summed over recipients.",
	})

	InteractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "place_interactions_total",
		Help: "Inbound interactions by body case.",
	}, []string{"body"})

	ActiveForwarders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "place_active_forwarders",
		Help: "Media forwarders currently running.",
	})

	ForwarderStartFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "place_forwarder_start_failures_total",
		Help: "Failed attempts to start a media forwarder.",
	})
)
