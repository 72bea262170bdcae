package federation

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.recordSelect("http://b1", nil)
		m.recordStart(DirectionSend)
		m.recordDone(DirectionSend, 0.1, nil)
		m.recordBytes(DirectionReceive, 10)
		m.RecordPeerRequest("http", "GET", "200")
	})
}

func TestRecordPeerRequest(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordPeerRequest("grpc", "upload", "OK")
	m.RecordPeerRequest("grpc", "upload", "OK")
	m.RecordPeerRequest("http", "GET", "404")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PeerRequests.WithLabelValues("grpc", "upload", "OK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PeerRequests.WithLabelValues("http", "GET", "404")))
}

func newTestHealth(t *testing.T, peers ...*PeerConnection) (*http.ServeMux, *prometheus.Registry) {
	t.Helper()
	registry := prometheus.NewRegistry()
	he := NewHealthEndpoint("zone-a", peers, registry, zap.NewNop())
	he.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	mux := http.NewServeMux()
	he.RegisterHandlers(mux)
	return mux, registry
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthReport(t *testing.T) {
	peer := newTestConnection([]string{"http://b1", "grpc://b2"}, &fakeTransport{}, WithPeerName("zone-b"))
	mux, _ := newTestHealth(t, peer)

	rec := get(t, mux, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var report healthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "healthy", report.Status)
	assert.Equal(t, "zone-a", report.Zone)
	assert.Equal(t, "2024-05-01T12:00:00Z", report.Timestamp)
	assert.Equal(t, []peerHealth{{Zone: "zone-b", Endpoints: []string{"http://b1", "grpc://b2"}}}, report.Peers)

	rec = get(t, mux, "/health/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "READY", rec.Body.String())
}

func TestHealthDegradedWithoutEndpoints(t *testing.T) {
	ok := newTestConnection([]string{"http://b1"}, &fakeTransport{}, WithPeerName("zone-b"))
	empty := newTestConnection(nil, &fakeTransport{}, WithPeerName("zone-c"))
	mux, _ := newTestHealth(t, ok, empty)

	var report healthReport
	require.NoError(t, json.Unmarshal(get(t, mux, "/health").Body.Bytes(), &report))
	assert.Equal(t, "degraded", report.Status)
	require.Len(t, report.Peers, 2)
	assert.Empty(t, report.Peers[1].Endpoints)

	rec := get(t, mux, "/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "NOT READY", rec.Body.String())

	// liveness does not depend on peers
	rec = get(t, mux, "/health/live")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	mux, registry := newTestHealth(t)
	m := NewMetrics(registry)
	m.BytesSent.Add(42)

	rec := get(t, mux, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "zonelink_bytes_sent_total 42"), body)
}
