package httptransport

import (
	"fmt"

	"fluxon/internal/mesh"
)

// envelope is the JSON wire format for a mesh packet over HTTP. It carries
// the same fields as mesh.Packet's binary envelope, hex-encoding peer ids so
// the payload survives as plain JSON.
type envelope struct {
	Version   byte   `json:"version"`
	Type      uint8  `json:"type"`
	TTL       uint8  `json:"ttl"`
	Flags     byte   `json:"flags"`
	Timestamp int64  `json:"timestamp"`
	SourceID  string `json:"sourceId"`
	DestID    string `json:"destId"`
	Payload   []byte `json:"payload,omitempty"`
	Signature []byte `json:"signature,omitempty"`
}

func toEnvelope(p *mesh.Packet) *envelope {
	return &envelope{
		Version:   p.Version,
		Type:      uint8(p.Type),
		TTL:       p.TTL,
		Flags:     p.Flags,
		Timestamp: p.Timestamp,
		SourceID:  p.SourceID.Hex(),
		DestID:    p.DestID.Hex(),
		Payload:   p.Payload,
		Signature: p.Signature,
	}
}

func fromEnvelope(e *envelope) (*mesh.Packet, error) {
	src, err := mesh.PeerIDFromHex(e.SourceID)
	if err != nil {
		return nil, fmt.Errorf("httptransport: source id: %w", err)
	}
	dst, err := mesh.PeerIDFromHex(e.DestID)
	if err != nil {
		return nil, fmt.Errorf("httptransport: dest id: %w", err)
	}
	p := &mesh.Packet{
		Version:   e.Version,
		Type:      mesh.PacketType(e.Type),
		TTL:       e.TTL,
		Flags:     e.Flags,
		Timestamp: e.Timestamp,
		SourceID:  src,
		DestID:    dst,
		Payload:   e.Payload,
		Signature: e.Signature,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// joinRequest is sent by a node announcing itself to a peer it wants to join.
type joinRequest struct {
	PeerID    string `json:"peerId"`
	Addr      string `json:"addr"`
	VerifyKey []byte `json:"verifyKey,omitempty"`
}

// joinResponse returns the snapshot of peers the receiving node already knows.
type joinResponse struct {
	Success bool          `json:"success"`
	Peers   []wirePeerInfo `json:"peers"`
}

type wirePeerInfo struct {
	PeerID    string `json:"peerId"`
	Addr      string `json:"addr"`
	VerifyKey []byte `json:"verifyKey,omitempty"`
}
