package federation

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthEndpoint serves health and metrics for a zone's peer connections
type HealthEndpoint struct {
	zone     string
	peers    []*PeerConnection
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	now      func() time.Time
}

type peerHealth struct {
	Zone      string   `json:"zone"`
	Endpoints []string `json:"endpoints"`
}

type healthReport struct {
	Status    string       `json:"status"`
	Zone      string       `json:"zone"`
	Peers     []peerHealth `json:"peers"`
	Timestamp string       `json:"timestamp"`
}

// NewHealthEndpoint creates health handlers. A nil gatherer serves the
// default prometheus registry.
func NewHealthEndpoint(zone string, peers []*PeerConnection, gatherer prometheus.Gatherer, logger *zap.Logger) *HealthEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HealthEndpoint{zone: zone, peers: peers, gatherer: gatherer, logger: logger, now: time.Now}
}

// RegisterHandlers registers /health, /health/live, /health/ready and /metrics
func (he *HealthEndpoint) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health", he.handleHealth)
	mux.HandleFunc("/health/live", he.handleLiveness)
	mux.HandleFunc("/health/ready", he.handleReadiness)
	mux.Handle("/metrics", promhttp.HandlerFor(he.gatherer, promhttp.HandlerOpts{}))
}

// report is degraded when some peer has no endpoints to call
func (he *HealthEndpoint) report() healthReport {
	r := healthReport{Status: "healthy", Zone: he.zone, Timestamp: he.now().UTC().Format(time.RFC3339)}
	for _, p := range he.peers {
		eps := p.Endpoints()
		if len(eps) == 0 {
			r.Status = "degraded"
		}
		r.Peers = append(r.Peers, peerHealth{Zone: p.Peer(), Endpoints: eps})
	}
	return r
}

func (he *HealthEndpoint) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(he.report()); err != nil {
		he.logger.Debug("Failed to write health report", zap.Error(err))
	}
}

func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (he *HealthEndpoint) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if he.report().Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("NOT READY"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}
