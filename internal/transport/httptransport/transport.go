// Package httptransport is the reference LAN implementation of mesh.Transport:
// packets and peer-join announcements travel as HMAC-signed JSON over plain
// HTTP. It exists so Fluxon can be exercised and demoed over a real network
// without requiring the radio hardware a production mesh would use.
package httptransport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"fluxon/internal/logging"
	"fluxon/internal/mesh"
)

const (
	packetPath = "/v1/mesh/packet"
	joinPath   = "/v1/mesh/join"

	signatureHeader = "X-Fluxon-Signature"
	defaultTimeout  = 5 * time.Second
	inboundBuffer   = 256
)

type peerEntry struct {
	id        mesh.PeerID
	addr      string
	verifyKey []byte
}

// Config configures one Transport instance.
type Config struct {
	ListenAddr    string        // address this node's HTTP server binds to
	ClusterSecret string        // HMAC secret; empty disables body signing
	RequestTimeout time.Duration // per-request client timeout; defaults to 5s
}

// Transport is a concrete mesh.Transport over HTTP/JSON.
type Transport struct {
	self          mesh.PeerID
	selfAddr      string
	clusterSecret string
	client        *http.Client

	mu      sync.RWMutex
	peers   map[string]peerEntry // hex -> entry
	running bool
	server  *http.Server

	packets     chan *mesh.Packet
	peerUpdates chan []mesh.PeerConnection
}

// NewTransport builds a Transport bound to listenAddr, identified by self.
func NewTransport(self mesh.PeerID, cfg Config) *Transport {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Transport{
		self:          self,
		selfAddr:      cfg.ListenAddr,
		clusterSecret: cfg.ClusterSecret,
		client:        &http.Client{Timeout: timeout},
		peers:         make(map[string]peerEntry),
		packets:       make(chan *mesh.Packet, inboundBuffer),
		peerUpdates:   make(chan []mesh.PeerConnection, 8),
	}
}

// AddStaticPeer registers a known peer without going through Join, for
// operator-provided seed lists.
func (t *Transport) AddStaticPeer(id mesh.PeerID, addr string, verifyKey []byte) {
	t.mu.Lock()
	t.peers[id.Hex()] = peerEntry{id: id, addr: addr, verifyKey: verifyKey}
	t.mu.Unlock()
	t.publishPeerSnapshot()
}

func (t *Transport) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc(packetPath, t.handlePacket).Methods(http.MethodPost)
	r.HandleFunc(joinPath, t.handleJoin).Methods(http.MethodPost)
	return r
}

// StartServices binds the HTTP listener. Idempotent.
func (t *Transport) StartServices(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	server := &http.Server{Addr: t.selfAddr, Handler: t.router()}
	t.server = server
	t.running = true
	t.mu.Unlock()

	ln, err := net.Listen("tcp", t.selfAddr)
	if err != nil {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()
		return fmt.Errorf("httptransport: listen on %s: %w", t.selfAddr, err)
	}

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logging.Error("httptransport: server exited: %v", err)
		}
	}()
	logging.Info("httptransport: listening on %s as %s", t.selfAddr, t.self.Hex())
	return nil
}

// StopServices shuts the HTTP listener down gracefully. Idempotent.
func (t *Transport) StopServices(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	server := t.server
	t.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// IsRunning reports whether the HTTP listener is up.
func (t *Transport) IsRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.running
}

// MyPeerID returns the local node's id.
func (t *Transport) MyPeerID() mesh.PeerID { return t.self }

// Packets exposes the inbound packet stream.
func (t *Transport) Packets() <-chan *mesh.Packet { return t.packets }

// PeerConnectionUpdates exposes the peer-list stream.
func (t *Transport) PeerConnectionUpdates() <-chan []mesh.PeerConnection { return t.peerUpdates }

// SendPacket unicasts pkt to peer over HTTP, reporting whether the peer
// accepted it with a 2xx response.
func (t *Transport) SendPacket(ctx context.Context, pkt *mesh.Packet, peer mesh.PeerID) (bool, error) {
	t.mu.RLock()
	entry, ok := t.peers[peer.Hex()]
	t.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("httptransport: unknown peer %s", peer.Hex())
	}
	err := t.post(ctx, fmt.Sprintf("http://%s%s", entry.addr, packetPath), toEnvelope(pkt))
	if err != nil {
		return false, err
	}
	return true, nil
}

// BroadcastPacket unicasts pkt to every known peer concurrently, best-effort.
func (t *Transport) BroadcastPacket(ctx context.Context, pkt *mesh.Packet) error {
	t.mu.RLock()
	targets := make([]peerEntry, 0, len(t.peers))
	for _, e := range t.peers {
		targets = append(targets, e)
	}
	t.mu.RUnlock()

	var wg sync.WaitGroup
	for _, e := range targets {
		wg.Add(1)
		go func(e peerEntry) {
			defer wg.Done()
			url := fmt.Sprintf("http://%s%s", e.addr, packetPath)
			if err := t.post(ctx, url, toEnvelope(pkt)); err != nil {
				logging.Debug("httptransport: broadcast to %s failed: %v", e.id.Hex(), err)
			}
		}(e)
	}
	wg.Wait()
	return nil
}

func (t *Transport) post(ctx context.Context, url string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("httptransport: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("httptransport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.clusterSecret != "" {
		req.Header.Set(signatureHeader, signBody(t.clusterSecret, data))
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("httptransport: request to %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("httptransport: %s rejected with status %d", url, resp.StatusCode)
	}
	return nil
}

func (t *Transport) handlePacket(w http.ResponseWriter, r *http.Request) {
	body, ok := t.readVerified(w, r)
	if !ok {
		return
	}
	var e envelope
	if err := json.Unmarshal(body, &e); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	pkt, err := fromEnvelope(&e)
	if err != nil {
		logging.Debug("httptransport: rejecting malformed packet: %v", err)
		http.Error(w, "malformed packet", http.StatusBadRequest)
		return
	}
	select {
	case t.packets <- pkt:
	default:
		logging.Warn("httptransport: inbound packet buffer full, dropping from %s", pkt.SourceID.Hex())
	}
	w.WriteHeader(http.StatusOK)
}

func (t *Transport) handleJoin(w http.ResponseWriter, r *http.Request) {
	body, ok := t.readVerified(w, r)
	if !ok {
		return
	}
	var req joinRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	id, err := mesh.PeerIDFromHex(req.PeerID)
	if err != nil {
		http.Error(w, "invalid peer id", http.StatusBadRequest)
		return
	}

	t.mu.Lock()
	t.peers[id.Hex()] = peerEntry{id: id, addr: req.Addr, verifyKey: req.VerifyKey}
	snapshot := t.snapshotLocked()
	t.mu.Unlock()
	t.publishPeerSnapshot()

	resp := joinResponse{Success: true, Peers: snapshot}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (t *Transport) readVerified(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	full, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return nil, false
	}
	if t.clusterSecret != "" {
		sig := r.Header.Get(signatureHeader)
		if sig == "" || !verifyBody(t.clusterSecret, full, sig) {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return nil, false
		}
	}
	return full, true
}

func (t *Transport) snapshotLocked() []wirePeerInfo {
	out := make([]wirePeerInfo, 0, len(t.peers))
	for _, e := range t.peers {
		out = append(out, wirePeerInfo{PeerID: e.id.Hex(), Addr: e.addr, VerifyKey: e.verifyKey})
	}
	return out
}

func (t *Transport) publishPeerSnapshot() {
	t.mu.RLock()
	conns := make([]mesh.PeerConnection, 0, len(t.peers))
	for _, e := range t.peers {
		conns = append(conns, mesh.PeerConnection{PeerID: e.id, Hex: e.id.Hex(), VerifyKey: e.verifyKey})
	}
	t.mu.RUnlock()

	select {
	case t.peerUpdates <- conns:
	default:
		// consumer is behind; the next change will republish a fresher snapshot.
	}
}

// Join announces this node to seedAddr and merges the peer list it returns.
func (t *Transport) Join(ctx context.Context, seedAddr string, selfVerifyKey []byte) error {
	req := joinRequest{PeerID: t.self.Hex(), Addr: t.selfAddr, VerifyKey: selfVerifyKey}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("httptransport: marshal join request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("http://%s%s", seedAddr, joinPath), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("httptransport: build join request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.clusterSecret != "" {
		httpReq.Header.Set(signatureHeader, signBody(t.clusterSecret, data))
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("httptransport: join request to %s: %w", seedAddr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("httptransport: join rejected by %s with status %d", seedAddr, resp.StatusCode)
	}

	var joinResp joinResponse
	if err := json.NewDecoder(resp.Body).Decode(&joinResp); err != nil {
		return fmt.Errorf("httptransport: decode join response: %w", err)
	}
	if !joinResp.Success {
		return fmt.Errorf("httptransport: join rejected by %s", seedAddr)
	}

	t.mu.Lock()
	for _, p := range joinResp.Peers {
		id, err := mesh.PeerIDFromHex(p.PeerID)
		if err != nil {
			continue
		}
		if id == t.self {
			continue
		}
		t.peers[id.Hex()] = peerEntry{id: id, addr: p.Addr, verifyKey: p.VerifyKey}
	}
	t.mu.Unlock()
	t.publishPeerSnapshot()
	logging.Info("httptransport: joined via %s, discovered %d peers", seedAddr, len(joinResp.Peers))
	return nil
}
