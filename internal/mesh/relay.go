package mesh

import (
	"crypto/rand"
	"fmt"
	mrand "math/rand/v2"
)

// DefaultHighDegreeThreshold is the direct-peer count at or above which a node is
// considered part of a dense neighborhood (spec §4.B).
const DefaultHighDegreeThreshold = 6

// RelayDecision is the result of RelayController.Decide.
type RelayDecision struct {
	ShouldRelay bool
	NewTTL      uint8
	DelayMs     int
}

// RelayController is a pure flood-control policy: given a packet's relay
// context it decides whether to relay, with what TTL, and after how much
// jitter. It is the only mesh-core component with no mutable state beyond
// its RNG (spec §4.B).
type RelayController struct {
	rng                  *mrand.Rand
	highDegreeThreshold  int
}

// NewRelayController builds a controller seeded from a CSPRNG so relay
// timing cannot be predicted by an observer (spec §9).
func NewRelayController(highDegreeThreshold int) (*RelayController, error) {
	if highDegreeThreshold <= 0 {
		highDegreeThreshold = DefaultHighDegreeThreshold
	}
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("mesh: seed relay rng: %w", err)
	}
	src := mrand.NewChaCha8(seed)
	return &RelayController{
		rng:                 mrand.New(src),
		highDegreeThreshold: highDegreeThreshold,
	}, nil
}

// uniform draws an integer in [lo, hi).
func (c *RelayController) uniform(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + c.rng.IntN(hi-lo)
}

// Decide applies the ordered flood-control rules from spec §4.B.
func (c *RelayController) Decide(ttl uint8, senderIsSelf bool, typ PacketType, isDirected bool, degree int) RelayDecision {
	cappedTTL := ttl
	if cappedTTL > MaxTTL {
		cappedTTL = MaxTTL
	}

	if cappedTTL <= 1 || senderIsSelf {
		return RelayDecision{ShouldRelay: false, NewTTL: cappedTTL, DelayMs: 0}
	}

	if typ == PacketTypeHandshake || isDirected {
		newTTL := cappedTTL - 1
		var delay int
		if typ == PacketTypeHandshake {
			delay = c.uniform(10, 35)
		} else {
			delay = c.uniform(20, 60)
		}
		return RelayDecision{ShouldRelay: true, NewTTL: newTTL, DelayMs: delay}
	}

	if typ == PacketTypeEmergencyAlert {
		return RelayDecision{ShouldRelay: true, NewTTL: cappedTTL - 1, DelayMs: c.uniform(5, 25)}
	}

	// Broadcast path.
	isAnnounce := typ == PacketTypeTopologyAnnounce || typ == PacketTypeDiscovery
	var ttlLimit int
	dense := degree >= c.highDegreeThreshold
	if dense {
		ttlLimit = maxInt(2, minInt(int(cappedTTL), 5))
	} else if isAnnounce {
		ttlLimit = maxInt(2, minInt(int(cappedTTL), 7))
	} else {
		ttlLimit = maxInt(2, minInt(int(cappedTTL), 6))
	}
	newTTL := uint8(ttlLimit - 1)

	var delay int
	switch {
	case degree <= 2:
		delay = c.uniform(10, 41)
	case degree <= 5:
		delay = c.uniform(60, 151)
	case degree <= 9:
		delay = c.uniform(80, 181)
	default:
		delay = c.uniform(100, 221)
	}

	return RelayDecision{ShouldRelay: true, NewTTL: newTTL, DelayMs: delay}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// ClampHandshakeTTL limits a handshake packet's TTL before it is offered to
// Decide, bounding mesh-wide handshake blast radius (spec §4.B).
func ClampHandshakeTTL(ttl uint8) uint8 {
	if ttl > 3 {
		return 3
	}
	return ttl
}
