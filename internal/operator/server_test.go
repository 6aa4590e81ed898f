package operator

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"fluxon/internal/mesh"
)

type fakeMeshStatus struct {
	running   bool
	self      mesh.PeerID
	peerCount int
	topology  *mesh.TopologyTracker
}

func (f *fakeMeshStatus) IsRunning() bool               { return f.running }
func (f *fakeMeshStatus) MyPeerID() mesh.PeerID         { return f.self }
func (f *fakeMeshStatus) CurrentPeerCount() int         { return f.peerCount }
func (f *fakeMeshStatus) Topology() *mesh.TopologyTracker { return f.topology }

// newTestServer builds a Server without registering any metrics with the
// global Prometheus registry and without starting the metrics-sampling
// goroutine, so tests stay fast and isolated from each other's handler calls.
func newTestServer(t *testing.T, status MeshStatus) *Server {
	t.Helper()
	return &Server{
		service:  status,
		nodeVer:  "test",
		security: newTestMiddleware(),
	}
}

func testPeerID(b byte) mesh.PeerID {
	var id mesh.PeerID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestHealthHandlerReportsRunning(t *testing.T) {
	s := newTestServer(t, &fakeMeshStatus{running: true})
	defer s.Close()

	rec := httptest.NewRecorder()
	s.healthHandler(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHealthHandlerReportsStopped(t *testing.T) {
	s := newTestServer(t, &fakeMeshStatus{running: false})
	defer s.Close()

	rec := httptest.NewRecorder()
	s.healthHandler(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != 503 {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestPeersHandlerReturnsNeighborList(t *testing.T) {
	self, p2, p3 := testPeerID(1), testPeerID(2), testPeerID(3)
	topo := mesh.NewTopologyTracker(0, 0, 0)
	topo.UpdateNeighbors(self[:], [][]byte{p2[:], p3[:]}, time.Now())

	s := newTestServer(t, &fakeMeshStatus{running: true, self: self, topology: topo})
	defer s.Close()

	rec := httptest.NewRecorder()
	s.peersHandler(rec, httptest.NewRequest("GET", "/peers", nil))

	var body struct {
		Self  string   `json:"self"`
		Peers []string `json:"peers"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Self != self.Hex() {
		t.Fatalf("self = %q, want %q", body.Self, self.Hex())
	}
	if len(body.Peers) != 2 {
		t.Fatalf("peers = %v, want 2 entries", body.Peers)
	}
}

func TestTopologyHandlerReturnsClaims(t *testing.T) {
	self, p2 := testPeerID(1), testPeerID(2)
	topo := mesh.NewTopologyTracker(0, 0, 0)
	topo.UpdateNeighbors(self[:], [][]byte{p2[:]}, time.Now())

	s := newTestServer(t, &fakeMeshStatus{running: true, self: self, topology: topo})
	defer s.Close()

	rec := httptest.NewRecorder()
	s.topologyHandler(rec, httptest.NewRequest("GET", "/topology", nil))

	var body struct {
		Claims    map[string][]string `json:"claims"`
		NodeCount int                 `json:"nodeCount"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.NodeCount != 1 {
		t.Fatalf("nodeCount = %d, want 1", body.NodeCount)
	}
	if len(body.Claims[self.Hex()]) != 1 {
		t.Fatalf("claims for self = %v, want 1 entry", body.Claims[self.Hex()])
	}
}
