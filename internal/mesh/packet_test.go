package mesh

import (
	"bytes"
	"testing"
)

func testPeerID(b byte) PeerID {
	var id PeerID
	for i := range id {
		id[i] = b
	}
	return id
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		pkt  *Packet
	}{
		{
			name: "unsigned broadcast chat",
			pkt: &Packet{
				Version:   ProtocolVersion,
				Type:      PacketTypeChat,
				TTL:       5,
				Flags:     0x42,
				Timestamp: 1700000000000,
				SourceID:  testPeerID(0x01),
				DestID:    BroadcastPeerID,
				Payload:   []byte("hello mesh"),
			},
		},
		{
			name: "signed directed ping",
			pkt: &Packet{
				Version:   ProtocolVersion,
				Type:      PacketTypePing,
				TTL:       1,
				Flags:     0x00,
				Timestamp: 1,
				SourceID:  testPeerID(0x02),
				DestID:    testPeerID(0x03),
				Payload:   nil,
				Signature: bytes.Repeat([]byte{0xAB}, SignatureSize),
			},
		},
		{
			name: "empty payload",
			pkt: &Packet{
				Version:  ProtocolVersion,
				Type:     PacketTypeAck,
				TTL:      0,
				SourceID: testPeerID(0x04),
				DestID:   testPeerID(0x05),
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			wire, err := Encode(tc.pkt)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			decoded, err := Decode(wire)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if decoded.Type != tc.pkt.Type || decoded.TTL != tc.pkt.TTL || decoded.Flags != tc.pkt.Flags ||
				decoded.Timestamp != tc.pkt.Timestamp || decoded.SourceID != tc.pkt.SourceID || decoded.DestID != tc.pkt.DestID {
				t.Fatalf("header mismatch: got %+v, want %+v", decoded, tc.pkt)
			}
			if !bytes.Equal(decoded.Payload, tc.pkt.Payload) {
				t.Fatalf("payload mismatch: got %v, want %v", decoded.Payload, tc.pkt.Payload)
			}
			if !bytes.Equal(decoded.Signature, tc.pkt.Signature) {
				t.Fatalf("signature mismatch: got %v, want %v", decoded.Signature, tc.pkt.Signature)
			}
		})
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"too short", []byte{1, 2, 3}},
		{"truncated payload", func() []byte {
			pkt := &Packet{Version: ProtocolVersion, Type: PacketTypeChat, SourceID: testPeerID(1), DestID: testPeerID(2), Payload: []byte("0123456789")}
			wire, _ := EncodeUnsigned(pkt)
			return wire[:len(wire)-5]
		}()},
		{"stray trailing bytes", func() []byte {
			pkt := &Packet{Version: ProtocolVersion, Type: PacketTypeChat, SourceID: testPeerID(1), DestID: testPeerID(2)}
			wire, _ := EncodeUnsigned(pkt)
			return append(wire, 0x01, 0x02, 0x03)
		}()},
		{"bad version", func() []byte {
			pkt := &Packet{Version: 9, Type: PacketTypeChat, SourceID: testPeerID(1), DestID: testPeerID(2)}
			wire, _ := EncodeUnsigned(pkt)
			return wire
		}()},
		{"unknown type", func() []byte {
			pkt := &Packet{Version: ProtocolVersion, Type: PacketType(200), SourceID: testPeerID(1), DestID: testPeerID(2)}
			wire, _ := EncodeUnsigned(pkt)
			return wire
		}()},
		{"ttl exceeds max", func() []byte {
			pkt := &Packet{Version: ProtocolVersion, Type: PacketTypeChat, TTL: MaxTTL + 1, SourceID: testPeerID(1), DestID: testPeerID(2)}
			wire, _ := EncodeUnsigned(pkt)
			return wire
		}()},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.data); err == nil {
				t.Fatal("expected error, got nil")
			}
		})
	}
}

func TestPeerIDBroadcastAndHex(t *testing.T) {
	if !BroadcastPeerID.IsBroadcast() {
		t.Fatal("zero-value PeerID must be broadcast")
	}
	id := testPeerID(0xAB)
	if id.IsBroadcast() {
		t.Fatal("non-zero PeerID must not be broadcast")
	}
	roundTrip, err := PeerIDFromHex(id.Hex())
	if err != nil {
		t.Fatalf("PeerIDFromHex: %v", err)
	}
	if roundTrip != id {
		t.Fatalf("hex round-trip mismatch: got %v, want %v", roundTrip, id)
	}
	if _, ok := PeerIDFromBytes([]byte{1, 2, 3}); ok {
		t.Fatal("expected rejection of short byte slice")
	}
}

func TestPacketIDDistinguishesNonceCollisions(t *testing.T) {
	base := &Packet{Type: PacketTypeChat, SourceID: testPeerID(1), Timestamp: 100, Flags: 1}
	same := &Packet{Type: PacketTypeChat, SourceID: testPeerID(1), Timestamp: 100, Flags: 1}
	diffFlags := &Packet{Type: PacketTypeChat, SourceID: testPeerID(1), Timestamp: 100, Flags: 2}

	if base.ID() != same.ID() {
		t.Fatal("identical headers must produce identical ids")
	}
	if base.ID() == diffFlags.ID() {
		t.Fatal("differing flags must produce distinct ids")
	}
	if base.ReceiptKey() != diffFlags.ReceiptKey() {
		t.Fatal("receipt key must be stable across flag nonce changes")
	}
}

func TestIsDirected(t *testing.T) {
	broadcast := &Packet{DestID: BroadcastPeerID}
	if broadcast.IsDirected() {
		t.Fatal("broadcast dest must not be directed")
	}
	directed := &Packet{DestID: testPeerID(9)}
	if !directed.IsDirected() {
		t.Fatal("non-broadcast dest must be directed")
	}
}

func TestDiscoveryPayloadRoundTrip(t *testing.T) {
	neighbors := []PeerID{testPeerID(1), testPeerID(2), testPeerID(3)}
	payload, err := EncodeDiscoveryPayload(neighbors)
	if err != nil {
		t.Fatalf("EncodeDiscoveryPayload: %v", err)
	}
	decoded, err := DecodeDiscoveryPayload(payload)
	if err != nil {
		t.Fatalf("DecodeDiscoveryPayload: %v", err)
	}
	if len(decoded) != len(neighbors) {
		t.Fatalf("got %d neighbors, want %d", len(decoded), len(neighbors))
	}
	for i := range neighbors {
		if decoded[i] != neighbors[i] {
			t.Fatalf("neighbor %d mismatch: got %v, want %v", i, decoded[i], neighbors[i])
		}
	}
}

func TestDiscoveryPayloadRejectsOversizedClaim(t *testing.T) {
	payload := []byte{maxDiscoveryNeighbors + 1}
	if _, err := DecodeDiscoveryPayload(payload); err == nil {
		t.Fatal("expected rejection of over-cap neighbor count")
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	pkt := &Packet{Version: ProtocolVersion, Type: PacketTypeChat, SourceID: testPeerID(1), DestID: testPeerID(2), Payload: make([]byte, 0x10000)}
	if _, err := EncodeUnsigned(pkt); err == nil {
		t.Fatal("expected rejection of payload exceeding uint16 length field")
	}
}
