package mesh

import "context"

// PeerConnection describes one entry in the transport's live peer list
// (spec §6). VerifyKey is the peer's cached Ed25519 verification key, if the
// transport/session layer below has already exchanged one; nil otherwise.
type PeerConnection struct {
	PeerID    PeerID
	Hex       string
	VerifyKey []byte // nil, or exactly ed25519.PublicKeySize bytes
}

// Transport is the external collaborator that actually moves bytes over the
// radio (or, for the reference implementation, HTTP/LAN). The Mesh Service
// implements this same surface itself so it can sit as a drop-in overlay
// (spec §4.E).
type Transport interface {
	StartServices(ctx context.Context) error
	StopServices(ctx context.Context) error
	IsRunning() bool
	MyPeerID() PeerID

	// SendPacket unicasts pkt to peer, reporting whether it was accepted for send.
	SendPacket(ctx context.Context, pkt *Packet, peer PeerID) (bool, error)
	BroadcastPacket(ctx context.Context, pkt *Packet) error

	// Packets is a lazy stream of decoded inbound packets.
	Packets() <-chan *Packet
	// PeerConnectionUpdates is a lazy stream of the current peer connection list.
	PeerConnectionUpdates() <-chan []PeerConnection
}

// IdentityManager exposes the local node's long-term Ed25519 identity. Key
// storage and derivation live entirely outside the mesh core (spec §1).
type IdentityManager interface {
	SigningPublicKey() []byte // exactly ed25519.PublicKeySize bytes
}

// SignatureService signs and verifies packet bytes with the local Ed25519
// identity. Signing may be unavailable on some platforms — callers must
// tolerate an error from Sign by falling back to sending unsigned (spec §6).
type SignatureService interface {
	Sign(data []byte) (signature []byte, err error)
	Verify(publicKey, data, signature []byte) bool
}

// NoiseSessionManager is the external collaborator responsible for
// Noise-protocol session establishment. The mesh core forwards
// handshake-class packets to it on a best-effort basis after its own
// dedup/rate-limit gates pass, but never blocks the pipeline on it
// (spec §1, §4.E.2 step 4).
type NoiseSessionManager interface {
	HandleHandshake(ctx context.Context, from PeerID, payload []byte) error
}
