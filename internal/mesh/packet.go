package mesh

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// Protocol constants from the wire envelope (spec §6).
const (
	ProtocolVersion = byte(1)
	MaxTTL          = uint8(7)
	PeerIDSize      = 32
	SignatureSize   = 64

	headerSize = 1 + 1 + 1 + 1 + 8 + PeerIDSize + PeerIDSize + 2
)

var (
	ErrMalformedPacket = errors.New("mesh: malformed packet")
	ErrUnknownType      = errors.New("mesh: unknown packet type")
	ErrBadVersion       = errors.New("mesh: unsupported protocol version")
	ErrBadTTL           = errors.New("mesh: ttl exceeds maxTTL")
)

// PeerID is a 32-byte opaque node identifier. The zero value denotes broadcast.
type PeerID [PeerIDSize]byte

// BroadcastPeerID is the all-zeros value used as a wildcard destination.
var BroadcastPeerID PeerID

// IsBroadcast reports whether id is the all-zeros broadcast address.
func (id PeerID) IsBroadcast() bool { return id == BroadcastPeerID }

// Hex returns the canonical lowercase 64-char hex encoding used as a map key.
func (id PeerID) Hex() string { return hex.EncodeToString(id[:]) }

// PeerIDFromBytes builds a PeerID only from an exactly-32-byte slice.
// Any other length is rejected, never padded or truncated.
func PeerIDFromBytes(b []byte) (PeerID, bool) {
	var id PeerID
	if len(b) != PeerIDSize {
		return id, false
	}
	copy(id[:], b)
	return id, true
}

// PeerIDFromHex decodes a canonical 64-char hex peer id.
func PeerIDFromHex(s string) (PeerID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return PeerID{}, fmt.Errorf("mesh: decode peer hex: %w", err)
	}
	id, ok := PeerIDFromBytes(b)
	if !ok {
		return PeerID{}, fmt.Errorf("mesh: peer hex %q is not %d bytes", s, PeerIDSize)
	}
	return id, nil
}

// PacketType tags the variant carried by a Packet.
type PacketType uint8

const (
	PacketTypeDiscovery PacketType = iota + 1
	PacketTypeTopologyAnnounce
	PacketTypeHandshake
	PacketTypeNoiseEncrypted
	PacketTypeChat
	PacketTypeLocationUpdate
	PacketTypeEmergencyAlert
	PacketTypeAck
	PacketTypePing
	PacketTypePong
	PacketTypeGossipSync
)

var packetTypeNames = map[PacketType]string{
	PacketTypeDiscovery:        "discovery",
	PacketTypeTopologyAnnounce: "topologyAnnounce",
	PacketTypeHandshake:        "handshake",
	PacketTypeNoiseEncrypted:   "noiseEncrypted",
	PacketTypeChat:             "chat",
	PacketTypeLocationUpdate:   "locationUpdate",
	PacketTypeEmergencyAlert:   "emergencyAlert",
	PacketTypeAck:              "ack",
	PacketTypePing:             "ping",
	PacketTypePong:             "pong",
	PacketTypeGossipSync:       "gossipSync",
}

func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Valid reports whether t is one of the recognized wire types.
func (t PacketType) Valid() bool {
	_, ok := packetTypeNames[t]
	return ok
}

// IsSessionLayer reports whether t belongs to the session-layer class
// (handshake, noiseEncrypted, ack, ping, pong, gossipSync) that the gossip
// sync manager never stores (spec §4.D).
func (t PacketType) IsSessionLayer() bool {
	switch t {
	case PacketTypeHandshake, PacketTypeNoiseEncrypted, PacketTypeAck, PacketTypePing, PacketTypePong, PacketTypeGossipSync:
		return true
	default:
		return false
	}
}

// IsTopologyClass reports whether t carries neighbor-claim information
// (discovery, topologyAnnounce) per spec §4.E.2 step 3.
func (t PacketType) IsTopologyClass() bool {
	return t == PacketTypeDiscovery || t == PacketTypeTopologyAnnounce
}

// Packet is the mesh envelope described in spec §3/§6.
type Packet struct {
	Version   byte
	Type      PacketType
	TTL       uint8
	Flags     byte
	Timestamp int64 // milliseconds since epoch
	SourceID  PeerID
	DestID    PeerID
	Payload   []byte
	Signature []byte // nil, or exactly SignatureSize bytes
}

// IsDirected reports whether the packet names a specific, non-broadcast destination.
func (p *Packet) IsDirected() bool {
	return !p.DestID.IsBroadcast()
}

// Validate checks the header invariants from spec §3: version==1,
// recognized type, ttl<=maxTTL.
func (p *Packet) Validate() error {
	if p.Version != ProtocolVersion {
		return ErrBadVersion
	}
	if !p.Type.Valid() {
		return ErrUnknownType
	}
	if p.TTL > MaxTTL {
		return ErrBadTTL
	}
	if p.Signature != nil && len(p.Signature) != SignatureSize {
		return fmt.Errorf("mesh: signature must be %d bytes, got %d", SignatureSize, len(p.Signature))
	}
	return nil
}

// ID computes the deduplication key "<type>:<sourceHex>:<timestamp>:<flags>".
// Flags acts as a nonce so two packets with identical header fields from the
// same sender in the same millisecond still produce distinct ids.
func (p *Packet) ID() string {
	return fmt.Sprintf("%s:%s:%d:%d", p.Type, p.SourceID.Hex(), p.Timestamp, p.Flags)
}

// ReceiptKey computes the application-layer receipt-matching key, which is
// stable across relays (it excludes Flags, unlike ID()).
func (p *Packet) ReceiptKey() string {
	return fmt.Sprintf("%s:%d", p.SourceID.Hex(), p.Timestamp)
}

// RandomFlags draws a cryptographically random nonce byte for packet construction.
func RandomFlags() (byte, error) {
	var b [1]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("mesh: read random flags: %w", err)
	}
	return b[0], nil
}

// EncodeUnsigned serializes the pre-signature byte sequence used both for
// transmission of unsigned packets and as the message that a signature is
// computed/verified over.
func EncodeUnsigned(p *Packet) ([]byte, error) {
	if len(p.Payload) > 0xFFFF {
		return nil, fmt.Errorf("mesh: payload too large: %d bytes", len(p.Payload))
	}
	buf := make([]byte, headerSize+len(p.Payload))
	buf[0] = p.Version
	buf[1] = byte(p.Type)
	buf[2] = p.TTL
	buf[3] = p.Flags
	binary.BigEndian.PutUint64(buf[4:12], uint64(p.Timestamp))
	copy(buf[12:12+PeerIDSize], p.SourceID[:])
	copy(buf[12+PeerIDSize:12+2*PeerIDSize], p.DestID[:])
	binary.BigEndian.PutUint16(buf[12+2*PeerIDSize:headerSize], uint16(len(p.Payload)))
	copy(buf[headerSize:], p.Payload)
	return buf, nil
}

// Encode serializes p, appending the signature (if present) after the payload.
func Encode(p *Packet) ([]byte, error) {
	body, err := EncodeUnsigned(p)
	if err != nil {
		return nil, err
	}
	if p.Signature == nil {
		return body, nil
	}
	if len(p.Signature) != SignatureSize {
		return nil, fmt.Errorf("mesh: signature must be %d bytes, got %d", SignatureSize, len(p.Signature))
	}
	out := make([]byte, len(body)+SignatureSize)
	copy(out, body)
	copy(out[len(body):], p.Signature)
	return out, nil
}

// Decode parses a wire-format buffer into a Packet. Malformed data returns
// ErrMalformedPacket per spec §7 ("decoder returns 'no packet'"); the caller
// drops the packet silently.
func Decode(data []byte) (*Packet, error) {
	if len(data) < headerSize {
		return nil, ErrMalformedPacket
	}
	p := &Packet{
		Version: data[0],
		Type:    PacketType(data[1]),
		TTL:     data[2],
		Flags:   data[3],
	}
	p.Timestamp = int64(binary.BigEndian.Uint64(data[4:12]))
	copy(p.SourceID[:], data[12:12+PeerIDSize])
	copy(p.DestID[:], data[12+PeerIDSize:12+2*PeerIDSize])
	payloadLen := int(binary.BigEndian.Uint16(data[12+2*PeerIDSize : headerSize]))

	rest := data[headerSize:]
	if len(rest) < payloadLen {
		return nil, ErrMalformedPacket
	}
	p.Payload = append([]byte(nil), rest[:payloadLen]...)
	rest = rest[payloadLen:]

	switch len(rest) {
	case 0:
		// unsigned
	case SignatureSize:
		p.Signature = append([]byte(nil), rest...)
	default:
		return nil, ErrMalformedPacket
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// maxDiscoveryNeighbors bounds the discovery payload decoder (spec §6).
const maxDiscoveryNeighbors = 10

// EncodeDiscoveryPayload serializes a neighbor list as
// neighborCount(1) | neighborId(32) × neighborCount. Callers are expected to
// have already capped neighbors to maxDiscoveryNeighbors.
func EncodeDiscoveryPayload(neighbors []PeerID) ([]byte, error) {
	if len(neighbors) > maxDiscoveryNeighbors {
		return nil, fmt.Errorf("mesh: %d neighbors exceeds discovery cap of %d", len(neighbors), maxDiscoveryNeighbors)
	}
	buf := make([]byte, 1+PeerIDSize*len(neighbors))
	buf[0] = byte(len(neighbors))
	for i, n := range neighbors {
		copy(buf[1+i*PeerIDSize:], n[:])
	}
	return buf, nil
}

// DecodeDiscoveryPayload parses a discovery payload, rejecting a declared
// neighbor count above maxDiscoveryNeighbors or a buffer too short for it.
func DecodeDiscoveryPayload(payload []byte) ([]PeerID, error) {
	if len(payload) < 1 {
		return nil, ErrMalformedPacket
	}
	count := int(payload[0])
	if count > maxDiscoveryNeighbors {
		return nil, ErrMalformedPacket
	}
	want := 1 + PeerIDSize*count
	if len(payload) < want {
		return nil, ErrMalformedPacket
	}
	neighbors := make([]PeerID, count)
	for i := 0; i < count; i++ {
		copy(neighbors[i][:], payload[1+i*PeerIDSize:1+(i+1)*PeerIDSize])
	}
	return neighbors, nil
}
