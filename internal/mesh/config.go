package mesh

import "time"

// Config holds every tunable named in the configuration option table
// (spec §6). The Mesh Service takes no CLI flags or environment variables —
// operators configure it entirely by constructor argument; cmd/fluxon-node
// is the one place that reads the environment, to populate a Config before
// construction.
type Config struct {
	MaxTTL               uint8
	HighDegreeThreshold  int
	DedupMaxAge          time.Duration
	DedupMaxCount        int

	SeenCapacity             int
	MaxMessageAge            time.Duration
	MaxSyncPacketsPerRequest int
	MaintenanceInterval      time.Duration

	TopologyAnnounceInterval time.Duration
	RouteFreshnessThreshold  time.Duration
	RouteCacheTTL            time.Duration
	MaxRouteCacheEntries     int

	MaxPeerSigningKeys     int
	MaxHandshakeRateSources int
	MaxHandshakesPerWindow  int

	// RefuseUnsignedSend is a deployment-policy toggle (spec §9 open
	// question): when true, the Mesh Service refuses to send a packet at
	// all if local signing is unavailable, instead of falling back to an
	// unsigned send that a peer holding our key may later drop.
	RefuseUnsignedSend bool
}

// DefaultConfig returns the option table's documented defaults (spec §6).
func DefaultConfig() Config {
	return Config{
		MaxTTL:              MaxTTL,
		HighDegreeThreshold: DefaultHighDegreeThreshold,
		DedupMaxAge:         DefaultDedupMaxAge,
		DedupMaxCount:       DefaultDedupMaxCount,

		SeenCapacity:             DefaultSeenCapacity,
		MaxMessageAge:            DefaultMaxMessageAge,
		MaxSyncPacketsPerRequest: DefaultMaxSyncPacketsPerRequest,
		MaintenanceInterval:      DefaultMaintenanceInterval,

		TopologyAnnounceInterval: DefaultTopologyAnnounceInterval,
		RouteFreshnessThreshold:  DefaultRouteFreshnessThreshold,
		RouteCacheTTL:            DefaultRouteCacheTTL,
		MaxRouteCacheEntries:     DefaultMaxRouteCacheEntries,

		MaxPeerSigningKeys:      DefaultMaxPeerSigningKeys,
		MaxHandshakeRateSources: DefaultMaxHandshakeRateSources,
		MaxHandshakesPerWindow:  DefaultMaxHandshakesPerWindow,

		RefuseUnsignedSend: false,
	}
}
