package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fluxon/internal/logging"
)

// Default Mesh Service parameters (spec §6).
const (
	DefaultTopologyAnnounceInterval = 45 * time.Second
	DefaultMaxPeerSigningKeys       = 500
	DefaultMaxHandshakeRateSources  = 200
	DefaultMaxHandshakesPerWindow   = 3
	handshakeRateWindow             = 60 * time.Second
	appStreamBuffer                 = 256
	peerUpdateStreamBuffer          = 8
)

type rateWindow struct {
	count       int
	windowStart time.Time
}

// MeshService is the pipeline orchestrator: it owns the Deduplicator,
// Topology Tracker, and Gossip Sync Manager, verifies and routes inbound
// packets, and drives periodic announces — the same send/receive/stream/
// peer-list surface as the underlying transport, so it is a drop-in overlay
// over it (spec §4.E).
type MeshService struct {
	cfg Config

	dedup    *Deduplicator
	topology *TopologyTracker
	gossip   *GossipSyncManager
	relay    *RelayController

	transport Transport
	identity  IdentityManager
	signer    SignatureService
	noise     NoiseSessionManager

	mu              sync.Mutex
	peerSigningKeys *lruCache[string, []byte]
	handshakeRate   *lruCache[string, rateWindow]
	currentPeers    map[string]PeerConnection
	running         bool
	stopCh          chan struct{}

	selfID      PeerID
	appStream   chan *Packet
	peerUpdates chan []PeerConnection

	wg sync.WaitGroup
}

// NewMeshService wires the mesh core around an external transport,
// identity manager, signature service, and (optional) Noise session
// manager. A nil noise manager is valid — handshake packets are still
// pipelined, just never forwarded for session establishment.
func NewMeshService(cfg Config, transport Transport, identity IdentityManager, signer SignatureService, noise NoiseSessionManager) (*MeshService, error) {
	if transport == nil {
		return nil, errors.New("mesh: transport is required")
	}
	if signer == nil {
		return nil, errors.New("mesh: signature service is required")
	}
	if cfg.MaxTTL == 0 {
		cfg.MaxTTL = MaxTTL
	}
	if cfg.MaxPeerSigningKeys <= 0 {
		cfg.MaxPeerSigningKeys = DefaultMaxPeerSigningKeys
	}
	if cfg.MaxHandshakeRateSources <= 0 {
		cfg.MaxHandshakeRateSources = DefaultMaxHandshakeRateSources
	}
	if cfg.MaxHandshakesPerWindow <= 0 {
		cfg.MaxHandshakesPerWindow = DefaultMaxHandshakesPerWindow
	}
	if cfg.TopologyAnnounceInterval <= 0 {
		cfg.TopologyAnnounceInterval = DefaultTopologyAnnounceInterval
	}
	if cfg.MaintenanceInterval <= 0 {
		cfg.MaintenanceInterval = DefaultMaintenanceInterval
	}

	relay, err := NewRelayController(cfg.HighDegreeThreshold)
	if err != nil {
		return nil, fmt.Errorf("mesh: build relay controller: %w", err)
	}

	m := &MeshService{
		cfg:             cfg,
		dedup:           NewDeduplicator(cfg.DedupMaxAge, cfg.DedupMaxCount),
		topology:        NewTopologyTracker(cfg.MaxRouteCacheEntries, cfg.RouteFreshnessThreshold, cfg.RouteCacheTTL),
		gossip:          NewGossipSyncManager(cfg.SeenCapacity, cfg.MaxMessageAge, cfg.MaxSyncPacketsPerRequest, cfg.MaintenanceInterval),
		relay:           relay,
		transport:       transport,
		identity:        identity,
		signer:          signer,
		noise:           noise,
		peerSigningKeys: newLRUCache[string, []byte](cfg.MaxPeerSigningKeys),
		handshakeRate:   newLRUCache[string, rateWindow](cfg.MaxHandshakeRateSources),
		currentPeers:    make(map[string]PeerConnection),
		selfID:          transport.MyPeerID(),
		appStream:       make(chan *Packet, appStreamBuffer),
		peerUpdates:     make(chan []PeerConnection, peerUpdateStreamBuffer),
	}
	m.gossip.SetSender(meshServiceSender{m: m})
	return m, nil
}

// meshServiceSender adapts MeshService to gossip.PacketSender.
type meshServiceSender struct{ m *MeshService }

func (s meshServiceSender) SendPacket(peer PeerID, pkt *Packet) error {
	_, err := s.m.SendPacket(context.Background(), pkt, peer)
	return err
}

// Packets exposes the ordered application-facing packet stream.
func (m *MeshService) Packets() <-chan *Packet { return m.appStream }

// PeerConnectionUpdates mirrors the transport's peer-list stream onward to
// application consumers, after the service's own bookkeeping has run.
func (m *MeshService) PeerConnectionUpdates() <-chan []PeerConnection { return m.peerUpdates }

// MyPeerID returns the local node's id, as reported by the transport.
func (m *MeshService) MyPeerID() PeerID { return m.selfID }

// IsRunning reports whether Start has been called without a matching Stop.
func (m *MeshService) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Topology exposes the tracker for read-only operator inspection.
func (m *MeshService) Topology() *TopologyTracker { return m.topology }

// CurrentPeerCount returns the node's current degree.
func (m *MeshService) CurrentPeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.currentPeers)
}

// --- Outbound path (spec §4.E.1) ---

func (m *MeshService) sign(pkt *Packet) error {
	unsigned, err := EncodeUnsigned(pkt)
	if err != nil {
		return fmt.Errorf("mesh: encode for signing: %w", err)
	}
	sig, err := m.signer.Sign(unsigned)
	if err != nil {
		pkt.Signature = nil
		return err
	}
	pkt.Signature = sig
	return nil
}

// SendPacket attempts to sign pkt with the local Ed25519 key, then forwards
// to the transport. On signing failure it sends unsigned unless configured
// to refuse (spec §4.E.1, §9 open question).
func (m *MeshService) SendPacket(ctx context.Context, pkt *Packet, peer PeerID) (bool, error) {
	signed := *pkt
	if err := m.sign(&signed); err != nil {
		if m.cfg.RefuseUnsignedSend {
			return false, fmt.Errorf("mesh: signing unavailable, refusing unsigned send: %w", err)
		}
		logging.Debug("mesh: signing unavailable, sending unsigned: %v", err)
	}
	ok, err := m.transport.SendPacket(ctx, &signed, peer)
	if err != nil {
		return false, fmt.Errorf("mesh: transport send failed: %w", err)
	}
	return ok, nil
}

// BroadcastPacket is the broadcast counterpart of SendPacket.
func (m *MeshService) BroadcastPacket(ctx context.Context, pkt *Packet) error {
	signed := *pkt
	if err := m.sign(&signed); err != nil {
		if m.cfg.RefuseUnsignedSend {
			return fmt.Errorf("mesh: signing unavailable, refusing unsigned broadcast: %w", err)
		}
		logging.Debug("mesh: signing unavailable, broadcasting unsigned: %v", err)
	}
	if err := m.transport.BroadcastPacket(ctx, &signed); err != nil {
		return fmt.Errorf("mesh: transport broadcast failed: %w", err)
	}
	return nil
}

// --- Inbound pipeline (spec §4.E.2) ---

type verifyResult int

const (
	verifyDrop verifyResult = iota
	verifyOK
	verifyUnverified
)

func (m *MeshService) verify(pkt *Packet) verifyResult {
	if pkt.Type == PacketTypeHandshake {
		return verifyOK
	}

	m.mu.Lock()
	key, hasKey := m.peerSigningKeys.Get(pkt.SourceID.Hex())
	m.mu.Unlock()

	if !hasKey {
		logging.Debug("mesh: no signing key cached for %s, treating as unverified", pkt.SourceID.Hex())
		return verifyUnverified
	}
	if len(pkt.Signature) == 0 {
		logging.Warn("mesh: dropping unsigned packet from known peer %s", pkt.SourceID.Hex())
		return verifyDrop
	}
	unsigned, err := EncodeUnsigned(pkt)
	if err != nil {
		return verifyDrop
	}
	if !m.signer.Verify(key, unsigned, pkt.Signature) {
		logging.Warn("mesh: signature verification failed for %s", pkt.SourceID.Hex())
		return verifyDrop
	}
	return verifyOK
}

// handleInbound runs one packet through the ordered pipeline from spec §4.E.2.
func (m *MeshService) handleInbound(ctx context.Context, pkt *Packet) {
	if m.dedup.IsDuplicate(pkt.ID()) {
		return
	}

	result := m.verify(pkt)
	if result == verifyDrop {
		return
	}
	verified := result == verifyOK

	if pkt.Type.IsTopologyClass() {
		if verified {
			m.absorbTopologyPacket(pkt)
		} else {
			logging.Debug("mesh: topology update from unverified source %s rejected", pkt.SourceID.Hex())
		}
		m.considerRelay(ctx, pkt)
		return
	}

	if pkt.Type == PacketTypeHandshake {
		if !m.handshakeAllowed(pkt.SourceID.Hex()) {
			logging.Debug("mesh: handshake rate limit exceeded for %s", pkt.SourceID.Hex())
			return
		}
		if m.noise != nil {
			noise, src, payload := m.noise, pkt.SourceID, pkt.Payload
			go func() {
				if err := noise.HandleHandshake(ctx, src, payload); err != nil {
					logging.Debug("mesh: noise handshake handling failed for %s: %v", src.Hex(), err)
				}
			}()
		}
		m.gossip.OnPacketSeen(pkt)
		m.emit(pkt)
		m.considerRelay(ctx, pkt)
		return
	}

	// Application-layer packets.
	if !verified && m.isCurrentPeer(pkt.SourceID) {
		m.considerRelay(ctx, pkt)
		return
	}
	m.gossip.OnPacketSeen(pkt)
	m.emit(pkt)
	m.considerRelay(ctx, pkt)
}

func (m *MeshService) absorbTopologyPacket(pkt *Packet) {
	neighbors, err := DecodeDiscoveryPayload(pkt.Payload)
	if err != nil {
		return
	}
	raw := make([][]byte, len(neighbors))
	for i := range neighbors {
		raw[i] = neighbors[i][:]
	}
	m.topology.UpdateNeighbors(pkt.SourceID[:], raw, time.Now())
	m.gossip.OnPacketSeen(pkt)
}

func (m *MeshService) emit(pkt *Packet) {
	select {
	case m.appStream <- pkt:
	case <-m.stopChSnapshot():
	}
}

func (m *MeshService) isCurrentPeer(id PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.currentPeers[id.Hex()]
	return ok
}

func (m *MeshService) handshakeAllowed(sourceHex string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	win, ok := m.handshakeRate.Get(sourceHex)
	if !ok || now.Sub(win.windowStart) > handshakeRateWindow {
		win = rateWindow{count: 0, windowStart: now}
	}
	if win.count >= m.cfg.MaxHandshakesPerWindow {
		m.handshakeRate.Set(sourceHex, win)
		return false
	}
	win.count++
	m.handshakeRate.Set(sourceHex, win)
	return true
}

// --- Relay execution (spec §4.E.3) ---

func (m *MeshService) considerRelay(ctx context.Context, pkt *Packet) {
	effectiveTTL := pkt.TTL
	if pkt.Type == PacketTypeHandshake {
		effectiveTTL = ClampHandshakeTTL(pkt.TTL)
	}
	senderIsSelf := pkt.SourceID == m.selfID
	degree := m.CurrentPeerCount()

	decision := m.relay.Decide(effectiveTTL, senderIsSelf, pkt.Type, pkt.IsDirected(), degree)
	if !decision.ShouldRelay {
		return
	}

	stopCh := m.stopChSnapshot()
	m.wg.Add(1)
	go m.executeRelay(ctx, pkt, decision, stopCh)
}

func (m *MeshService) executeRelay(ctx context.Context, pkt *Packet, decision RelayDecision, stopCh chan struct{}) {
	defer m.wg.Done()

	if !m.IsRunning() {
		return
	}
	select {
	case <-time.After(time.Duration(decision.DelayMs) * time.Millisecond):
	case <-stopCh:
		return
	}
	if !m.IsRunning() {
		return
	}

	relayed := &Packet{
		Version:   ProtocolVersion,
		Type:      pkt.Type,
		TTL:       decision.NewTTL,
		Flags:     pkt.Flags,
		Timestamp: pkt.Timestamp,
		SourceID:  pkt.SourceID,
		DestID:    pkt.DestID,
		Payload:   pkt.Payload,
		Signature: pkt.Signature,
	}
	if err := m.transport.BroadcastPacket(ctx, relayed); err != nil {
		logging.Warn("mesh: relay broadcast failed: %v", err)
	}
}

// --- Peer-list updates (spec §4.E.4) ---

const selfNeighborCap = 10

func (m *MeshService) handlePeerUpdate(conns []PeerConnection) {
	m.mu.Lock()
	oldHexes := make(map[string]struct{}, len(m.currentPeers))
	for hex := range m.currentPeers {
		oldHexes[hex] = struct{}{}
	}

	newPeers := make(map[string]PeerConnection, len(conns))
	for _, c := range conns {
		newPeers[c.PeerID.Hex()] = c
		if len(c.VerifyKey) > 0 {
			m.peerSigningKeys.Set(c.PeerID.Hex(), c.VerifyKey)
		}
	}
	m.currentPeers = newPeers
	changed := peerSetChanged(oldHexes, newPeers)
	m.mu.Unlock()

	neighborIDs := make([][]byte, 0, len(conns))
	for _, c := range conns {
		neighborIDs = append(neighborIDs, c.PeerID[:])
	}
	if len(neighborIDs) > selfNeighborCap {
		neighborIDs = neighborIDs[:selfNeighborCap]
	}
	m.topology.UpdateNeighbors(m.selfID[:], neighborIDs, time.Now())

	if changed {
		m.sendAnnounce(context.Background(), PacketTypeDiscovery)
		m.sendAnnounce(context.Background(), PacketTypeTopologyAnnounce)
	}

	select {
	case m.peerUpdates <- conns:
	default:
		// application consumer is behind; drop the stale snapshot rather than block.
	}
}

func peerSetChanged(oldHexes map[string]struct{}, newPeers map[string]PeerConnection) bool {
	if len(oldHexes) != len(newPeers) {
		return true
	}
	for hex := range newPeers {
		if _, ok := oldHexes[hex]; !ok {
			return true
		}
	}
	return false
}

// --- Announces (spec §4.E.5) ---

func (m *MeshService) sendAnnounce(ctx context.Context, typ PacketType) {
	m.mu.Lock()
	neighbors := make([]PeerID, 0, len(m.currentPeers))
	for _, c := range m.currentPeers {
		neighbors = append(neighbors, c.PeerID)
	}
	m.mu.Unlock()

	if len(neighbors) > selfNeighborCap {
		neighbors = neighbors[:selfNeighborCap]
	}
	payload, err := EncodeDiscoveryPayload(neighbors)
	if err != nil {
		logging.Warn("mesh: encode announce payload: %v", err)
		return
	}
	flags, err := RandomFlags()
	if err != nil {
		logging.Warn("mesh: draw announce flags: %v", err)
		return
	}

	pkt := &Packet{
		Version:   ProtocolVersion,
		Type:      typ,
		TTL:       m.cfg.MaxTTL,
		Flags:     flags,
		Timestamp: time.Now().UnixMilli(),
		SourceID:  m.selfID,
		DestID:    BroadcastPeerID,
		Payload:   payload,
	}
	if err := m.BroadcastPacket(ctx, pkt); err != nil {
		logging.Warn("mesh: announce broadcast failed: %v", err)
	}
}

// --- Lifecycle (spec §4.E.6) ---

func (m *MeshService) stopChSnapshot() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCh
}

// Start transitions Stopped -> Started: subscribes to the transport,
// starts the gossip maintenance timer and the service's own timers, and
// begins pipelining inbound packets. Idempotent.
func (m *MeshService) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	if err := m.transport.StartServices(ctx); err != nil {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		return fmt.Errorf("mesh: start transport: %w", err)
	}
	m.gossip.Start()

	m.wg.Add(3)
	go func() { defer m.wg.Done(); m.runInboundLoop(ctx, stopCh) }()
	go func() { defer m.wg.Done(); m.runPeerUpdateLoop(stopCh) }()
	go func() { defer m.wg.Done(); m.runTimers(ctx, stopCh) }()

	logging.Info("mesh: service started as %s", m.selfID.Hex())
	return nil
}

// Stop transitions Started -> Stopped: clears running first (so in-flight
// relays abort), cancels subscriptions and timers, and stops the gossip
// manager. Idempotent; double-stop is a no-op.
func (m *MeshService) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	stopCh := m.stopCh
	m.mu.Unlock()

	close(stopCh)
	m.gossip.Stop()
	m.wg.Wait()

	if err := m.transport.StopServices(context.Background()); err != nil {
		return fmt.Errorf("mesh: stop transport: %w", err)
	}
	logging.Info("mesh: service stopped")
	return nil
}

// Dispose stops the service and closes the application-facing packet stream.
func (m *MeshService) Dispose() error {
	err := m.Stop()
	close(m.appStream)
	return err
}

func (m *MeshService) runInboundLoop(ctx context.Context, stopCh chan struct{}) {
	packets := m.transport.Packets()
	for {
		select {
		case <-stopCh:
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			m.handleInbound(ctx, pkt)
		}
	}
}

func (m *MeshService) runPeerUpdateLoop(stopCh chan struct{}) {
	updates := m.transport.PeerConnectionUpdates()
	for {
		select {
		case <-stopCh:
			return
		case conns, ok := <-updates:
			if !ok {
				return
			}
			m.handlePeerUpdate(conns)
		}
	}
}

func (m *MeshService) runTimers(ctx context.Context, stopCh chan struct{}) {
	announceTicker := time.NewTicker(m.cfg.TopologyAnnounceInterval)
	pruneTicker := time.NewTicker(m.cfg.MaintenanceInterval)
	defer announceTicker.Stop()
	defer pruneTicker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-announceTicker.C:
			m.sendAnnounce(ctx, PacketTypeTopologyAnnounce)
		case <-pruneTicker.C:
			m.topology.Prune(m.cfg.RouteFreshnessThreshold, time.Now())
		}
	}
}
