// Package metrics holds the process-wide Prometheus collectors for downloads.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "torrent_handler"

var (
	PeersConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peers_connected",
		Help:      "Established peer connections across all downloads.",
	})
	HandshakeFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshake_failures_total",
		Help:      "Peer handshakes that failed or were for the wrong torrent.",
	})
	PeersBanned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "peers_banned_total",
	})
	BytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "block_bytes_received_total",
		Help:      "Piece data received from peers, including data later discarded.",
	})
	BytesUploaded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "block_bytes_uploaded_total",
	})
	PiecesVerified = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pieces_verified_total",
	})
	PieceHashFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "piece_hash_failures_total",
	})
	MetadataResolutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "metadata_resolutions_total",
		Help:      "Resolved torrent metadata by where it came from.",
	}, []string{"source"})
)

func init() {
	prometheus.MustRegister(
		PeersConnected,
		HandshakeFailures,
		PeersBanned,
		BytesReceived,
		BytesUploaded,
		PiecesVerified,
		PieceHashFailures,
		MetadataResolutions,
	)
}

// Serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
