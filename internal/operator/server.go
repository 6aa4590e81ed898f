// Package operator is the node's operator-facing HTTP surface: health,
// status, peer list, topology dump, and Prometheus metrics. It never touches
// the mesh wire protocol itself — it only reads state off a running
// mesh.MeshService for humans and monitoring systems.
package operator

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fluxon/internal/mesh"
)

// MeshStatus is the slice of mesh.MeshService the operator surface needs.
// Defined as an interface so handlers can be tested against a fake.
type MeshStatus interface {
	IsRunning() bool
	MyPeerID() mesh.PeerID
	CurrentPeerCount() int
	Topology() *mesh.TopologyTracker
}

// Server exposes /healthz, /status, /peers, /topology, and /metrics.
type Server struct {
	service MeshStatus
	nodeVer string
	uptime  time.Time

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	peerCount       prometheus.Gauge
	nodeCount       prometheus.Gauge

	security *SecurityMiddleware
}

// NewServer builds an operator Server around a running mesh service.
// nodeVersion is reported verbatim in /status, for fleet inventory.
func NewServer(service MeshStatus, nodeVersion string) *Server {
	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fluxon_operator_requests_total",
			Help: "Total number of operator HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "fluxon_operator_request_duration_seconds",
			Help: "Operator HTTP request duration in seconds",
		},
		[]string{"method", "endpoint"},
	)
	peerCount := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fluxon_mesh_peer_count",
		Help: "Number of directly connected peers",
	})
	nodeCount := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fluxon_mesh_known_node_count",
		Help: "Number of distinct nodes with a topology claim on record",
	})
	prometheus.MustRegister(requestTotal, requestDuration, peerCount, nodeCount)

	s := &Server{
		service:         service,
		nodeVer:         nodeVersion,
		uptime:          time.Now(),
		requestTotal:    requestTotal,
		requestDuration: requestDuration,
		peerCount:       peerCount,
		nodeCount:       nodeCount,
		security:        NewSecurityMiddleware(50, 100, 1<<20),
	}
	go s.sampleMetrics()
	return s
}

func (s *Server) sampleMetrics() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		s.peerCount.Set(float64(s.service.CurrentPeerCount()))
		s.nodeCount.Set(float64(s.service.Topology().NodeCount()))
	}
}

// Router builds the mux.Router serving the operator surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.security.Middleware)
	r.Use(TimeoutMiddleware(10 * time.Second))

	r.HandleFunc("/healthz", s.instrument("healthz", s.healthHandler)).Methods(http.MethodGet)
	r.HandleFunc("/status", s.instrument("status", s.statusHandler)).Methods(http.MethodGet)
	r.HandleFunc("/peers", s.instrument("peers", s.peersHandler)).Methods(http.MethodGet)
	r.HandleFunc("/topology", s.instrument("topology", s.topologyHandler)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.service.IsRunning() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "stopped"})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	status := map[string]interface{}{
		"peer_id":    s.service.MyPeerID().Hex(),
		"running":    s.service.IsRunning(),
		"version":    s.nodeVer,
		"uptime":     time.Since(s.uptime).String(),
		"peer_count": s.service.CurrentPeerCount(),
		"node_count": s.service.Topology().NodeCount(),
		"memory": map[string]interface{}{
			"alloc_bytes": m.Alloc,
			"sys_bytes":   m.Sys,
			"num_gc":      m.NumGC,
		},
		"goroutines": runtime.NumGoroutine(),
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(status)
}

func (s *Server) peersHandler(w http.ResponseWriter, r *http.Request) {
	neighbors, _ := s.service.Topology().Neighbors(s.service.MyPeerID())
	hexes := make([]string, 0, len(neighbors))
	for _, id := range neighbors {
		hexes = append(hexes, id.Hex())
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"self":  s.service.MyPeerID().Hex(),
		"peers": hexes,
	})
}

func (s *Server) topologyHandler(w http.ResponseWriter, r *http.Request) {
	snapshot := s.service.Topology().Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"self":      s.service.MyPeerID().Hex(),
		"claims":    snapshot,
		"nodeCount": s.service.Topology().NodeCount(),
	})
}

func (s *Server) instrument(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(wrapped, r)
		s.requestDuration.WithLabelValues(r.Method, endpoint).Observe(time.Since(start).Seconds())
		s.requestTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(wrapped.statusCode)).Inc()
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Close releases the security middleware's background goroutine.
func (s *Server) Close() error {
	if s.security != nil {
		s.security.Close()
	}
	return nil
}
