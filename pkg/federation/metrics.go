package federation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
	DirectionForward = "forward"
)

// Metrics tracks traffic from this zone to its peers
type Metrics struct {
	EndpointSelections *prometheus.CounterVec // by endpoint
	SelectionFailures  prometheus.Counter
	TransfersStarted   *prometheus.CounterVec // by direction
	TransfersCompleted *prometheus.CounterVec // by direction
	TransferFailures   *prometheus.CounterVec // by direction
	BytesSent          prometheus.Counter
	BytesReceived      prometheus.Counter
	TransferLatency    *prometheus.HistogramVec // by direction

	// served to peers, by transport, operation and result code
	PeerRequests *prometheus.CounterVec
}

// NewMetrics creates and registers the connector metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		EndpointSelections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zonelink_endpoint_selections_total",
			Help: "Number of times each peer endpoint was selected",
		}, []string{"endpoint"}),
		SelectionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "zonelink_endpoint_selection_failures_total",
			Help: "Calls rejected because the peer has no endpoints",
		}),
		TransfersStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zonelink_transfers_started_total",
			Help: "Transfers and forwards started",
		}, []string{"direction"}),
		TransfersCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zonelink_transfers_completed_total",
			Help: "Transfers and forwards completed successfully",
		}, []string{"direction"}),
		TransferFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zonelink_transfer_failures_total",
			Help: "Transfers and forwards that failed",
		}, []string{"direction"}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "zonelink_bytes_sent_total",
			Help: "Object bytes streamed to peers",
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "zonelink_bytes_received_total",
			Help: "Object bytes streamed from peers",
		}),
		TransferLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zonelink_transfer_duration_seconds",
			Help:    "Time from opening a transfer to its completion",
			Buckets: prometheus.DefBuckets,
		}, []string{"direction"}),
		PeerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "zonelink_peer_requests_total",
			Help: "Requests served to peer zones",
		}, []string{"transport", "op", "code"}),
	}
}

// The record helpers accept a nil receiver so metrics stay optional.

func (m *Metrics) recordSelect(endpoint string, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SelectionFailures.Inc()
		return
	}
	m.EndpointSelections.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) recordStart(direction string) {
	if m == nil {
		return
	}
	m.TransfersStarted.WithLabelValues(direction).Inc()
}

func (m *Metrics) recordDone(direction string, seconds float64, err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.TransferFailures.WithLabelValues(direction).Inc()
		return
	}
	m.TransfersCompleted.WithLabelValues(direction).Inc()
	m.TransferLatency.WithLabelValues(direction).Observe(seconds)
}

func (m *Metrics) recordBytes(direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	switch direction {
	case DirectionSend:
		m.BytesSent.Add(float64(n))
	case DirectionReceive:
		m.BytesReceived.Add(float64(n))
	}
}

// RecordPeerRequest counts a request served to a peer zone
func (m *Metrics) RecordPeerRequest(transport, op, code string) {
	if m == nil {
		return
	}
	m.PeerRequests.WithLabelValues(transport, op, code).Inc()
}
