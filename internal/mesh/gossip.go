package mesh

import (
	"sync"
	"time"

	"fluxon/internal/logging"
)

// Default gossip sync parameters (spec §6).
const (
	DefaultSeenCapacity             = 1000
	DefaultMaxMessageAge            = 900 * time.Second
	DefaultMaxSyncPacketsPerRequest = 20
	DefaultMaintenanceInterval      = 60 * time.Second
	syncRateWindow                  = 60 * time.Second
	defaultMaxSyncRateSources       = 500
)

// PacketSender is the minimal unicast capability the Gossip Sync Manager
// needs from the Mesh Service / transport to resend packets on request.
type PacketSender interface {
	SendPacket(peer PeerID, pkt *Packet) error
}

type seenEntry struct {
	packet *Packet
	seenAt time.Time
}

type syncWindow struct {
	count       int
	windowStart time.Time
}

// GossipSyncManager stores recently-seen application packets and answers
// sync requests from peers within a shared, sliding per-peer bandwidth
// budget (spec §4.D).
type GossipSyncManager struct {
	mu             sync.Mutex
	seenPackets    map[string]seenEntry
	seenOrder      []string // FIFO; oldest at index 0
	syncRateByPeer *lruCache[string, syncWindow]
	sender         PacketSender

	seenCapacity             int
	maxMessageAge            time.Duration
	maxSyncPacketsPerRequest int
	maintenanceInterval      time.Duration
	clock                    func() time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewGossipSyncManager builds a manager with the given capacity and budget
// parameters. Zero values fall back to spec defaults.
func NewGossipSyncManager(seenCapacity int, maxMessageAge time.Duration, maxSyncPacketsPerRequest int, maintenanceInterval time.Duration) *GossipSyncManager {
	if seenCapacity <= 0 {
		seenCapacity = DefaultSeenCapacity
	}
	if maxMessageAge <= 0 {
		maxMessageAge = DefaultMaxMessageAge
	}
	if maxSyncPacketsPerRequest <= 0 {
		maxSyncPacketsPerRequest = DefaultMaxSyncPacketsPerRequest
	}
	if maintenanceInterval <= 0 {
		maintenanceInterval = DefaultMaintenanceInterval
	}
	return &GossipSyncManager{
		seenPackets:              make(map[string]seenEntry),
		syncRateByPeer:           newLRUCache[string, syncWindow](defaultMaxSyncRateSources),
		seenCapacity:             seenCapacity,
		maxMessageAge:            maxMessageAge,
		maxSyncPacketsPerRequest: maxSyncPacketsPerRequest,
		maintenanceInterval:      maintenanceInterval,
		clock:                    time.Now,
	}
}

// SetSender wires the unicast capability used by HandleSyncRequest.
func (g *GossipSyncManager) SetSender(s PacketSender) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sender = s
}

// OnPacketSeen records an application-layer packet for future gossip sync.
// Session-layer types are rejected outright; repeated ids are idempotent.
// Reports whether the packet was newly stored.
func (g *GossipSyncManager) OnPacketSeen(pkt *Packet) bool {
	if pkt.Type.IsSessionLayer() {
		return false
	}
	id := pkt.ID()

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.seenPackets[id]; exists {
		return false
	}
	g.seenPackets[id] = seenEntry{packet: pkt, seenAt: g.clock()}
	g.seenOrder = append(g.seenOrder, id)

	if len(g.seenOrder) > g.seenCapacity {
		oldest := g.seenOrder[0]
		g.seenOrder = g.seenOrder[1:]
		delete(g.seenPackets, oldest)
	}
	return true
}

// KnownPacketIds returns a snapshot set; mutating it never affects internal state.
func (g *GossipSyncManager) KnownPacketIds() map[string]struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]struct{}, len(g.seenPackets))
	for id := range g.seenPackets {
		out[id] = struct{}{}
	}
	return out
}

// HandleSyncRequest resends stored packets the peer doesn't already have,
// under a 60-second sliding budget shared across every call in that window
// (not reset per call). Returns how many packets were actually unicast.
// Send failures are swallowed — gossip is best-effort (spec §4.D, §7).
func (g *GossipSyncManager) HandleSyncRequest(fromPeer PeerID, peerHasIds map[string]struct{}) int {
	now := g.clock()
	peerHex := fromPeer.Hex()

	g.mu.Lock()
	win, ok := g.syncRateByPeer.Get(peerHex)
	if !ok || now.Sub(win.windowStart) > syncRateWindow {
		win = syncWindow{count: 0, windowStart: now}
	}
	remaining := g.maxSyncPacketsPerRequest - win.count
	if remaining <= 0 {
		g.syncRateByPeer.Set(peerHex, win)
		g.mu.Unlock()
		return 0
	}

	toSend := make([]*Packet, 0, remaining)
	for _, id := range g.seenOrder {
		if len(toSend) >= remaining {
			break
		}
		if _, known := peerHasIds[id]; known {
			continue
		}
		entry, ok := g.seenPackets[id]
		if !ok {
			continue
		}
		if now.Sub(entry.seenAt) > g.maxMessageAge {
			continue
		}
		relayed := *entry.packet
		if relayed.TTL > 0 {
			relayed.TTL--
		}
		toSend = append(toSend, &relayed)
	}
	win.count += len(toSend)
	g.syncRateByPeer.Set(peerHex, win)
	sender := g.sender
	g.mu.Unlock()

	sent := 0
	if sender != nil {
		for _, pkt := range toSend {
			if err := sender.SendPacket(fromPeer, pkt); err != nil {
				logging.Debug("gossip: sync resend to %s failed: %v", peerHex, err)
				continue
			}
			sent++
		}
	}
	return sent
}

// Reset clears all stored packets and rate-limit state.
func (g *GossipSyncManager) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seenPackets = make(map[string]seenEntry)
	g.seenOrder = nil
	g.syncRateByPeer.Clear()
}

// expireOnce purges entries older than maxMessageAge. seenOrder is
// insertion-ordered and seenAt is always the insertion time, so expired
// entries form a prefix.
func (g *GossipSyncManager) expireOnce() {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.clock().Add(-g.maxMessageAge)
	i := 0
	for ; i < len(g.seenOrder); i++ {
		entry, ok := g.seenPackets[g.seenOrder[i]]
		if !ok || entry.seenAt.After(cutoff) {
			break
		}
		delete(g.seenPackets, g.seenOrder[i])
	}
	if i > 0 {
		g.seenOrder = g.seenOrder[i:]
	}
}

// Start launches the periodic maintenance timer. Idempotent.
func (g *GossipSyncManager) Start() {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return
	}
	g.running = true
	g.stopCh = make(chan struct{})
	g.doneCh = make(chan struct{})
	interval := g.maintenanceInterval
	g.mu.Unlock()

	go func() {
		defer close(g.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.expireOnce()
			case <-g.stopCh:
				return
			}
		}
	}()
}

// Stop cancels the maintenance timer. Idempotent.
func (g *GossipSyncManager) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	stopCh := g.stopCh
	doneCh := g.doneCh
	g.mu.Unlock()

	close(stopCh)
	<-doneCh
}
