package mesh

import "testing"

func newTestRelayController(t *testing.T) *RelayController {
	t.Helper()
	c, err := NewRelayController(0)
	if err != nil {
		t.Fatalf("NewRelayController: %v", err)
	}
	return c
}

func TestRelayDecideTerminalAndSelfSender(t *testing.T) {
	c := newTestRelayController(t)

	d := c.Decide(1, false, PacketTypeChat, false, 0)
	if d.ShouldRelay {
		t.Fatal("ttl<=1 must never relay")
	}
	d = c.Decide(7, true, PacketTypeChat, false, 0)
	if d.ShouldRelay {
		t.Fatal("self-sourced packet must never relay")
	}
}

func TestRelayDecideTTLCap(t *testing.T) {
	c := newTestRelayController(t)
	d := c.Decide(MaxTTL+5, false, PacketTypeChat, false, 0)
	if d.NewTTL > MaxTTL-1 {
		t.Fatalf("ttl must be capped before decrement, got newTTL=%d", d.NewTTL)
	}
}

func TestRelayDecideHandshakeAndDirectedDecrementTTLByOne(t *testing.T) {
	c := newTestRelayController(t)

	d := c.Decide(5, false, PacketTypeHandshake, false, 0)
	if !d.ShouldRelay || d.NewTTL != 4 {
		t.Fatalf("handshake relay: got %+v", d)
	}
	if d.DelayMs < 10 || d.DelayMs >= 35 {
		t.Fatalf("handshake jitter out of band: %d", d.DelayMs)
	}

	d = c.Decide(5, false, PacketTypeChat, true, 0)
	if !d.ShouldRelay || d.NewTTL != 4 {
		t.Fatalf("directed relay: got %+v", d)
	}
	if d.DelayMs < 20 || d.DelayMs >= 60 {
		t.Fatalf("directed jitter out of band: %d", d.DelayMs)
	}
}

func TestRelayDecideEmergencyAlert(t *testing.T) {
	c := newTestRelayController(t)
	d := c.Decide(5, false, PacketTypeEmergencyAlert, false, 20)
	if !d.ShouldRelay || d.NewTTL != 4 {
		t.Fatalf("emergency alert relay: got %+v", d)
	}
	if d.DelayMs < 5 || d.DelayMs >= 25 {
		t.Fatalf("emergency jitter out of band: %d", d.DelayMs)
	}
}

func TestRelayDecideBroadcastDenseVsSparse(t *testing.T) {
	c := newTestRelayController(t)

	dense := c.Decide(7, false, PacketTypeChat, false, DefaultHighDegreeThreshold)
	if !dense.ShouldRelay || dense.NewTTL != 4 {
		t.Fatalf("dense broadcast ttl limit: got %+v", dense)
	}

	sparse := c.Decide(7, false, PacketTypeChat, false, 1)
	if !sparse.ShouldRelay || sparse.NewTTL != 5 {
		t.Fatalf("sparse broadcast ttl limit: got %+v", sparse)
	}

	announce := c.Decide(7, false, PacketTypeTopologyAnnounce, false, 1)
	if !announce.ShouldRelay || announce.NewTTL != 6 {
		t.Fatalf("sparse announce ttl limit: got %+v", announce)
	}
}

func TestRelayDecideJitterBandsScaleWithDegree(t *testing.T) {
	c := newTestRelayController(t)

	bands := []struct {
		degree   int
		lo, hi   int
	}{
		{0, 10, 41},
		{2, 10, 41},
		{3, 60, 151},
		{5, 60, 151},
		{6, 80, 181},
		{9, 80, 181},
		{10, 100, 221},
	}
	for _, b := range bands {
		for i := 0; i < 20; i++ {
			d := c.Decide(7, false, PacketTypeChat, false, b.degree)
			if d.DelayMs < b.lo || d.DelayMs >= b.hi {
				t.Fatalf("degree=%d: delay %d outside [%d,%d)", b.degree, d.DelayMs, b.lo, b.hi)
			}
		}
	}
}

func TestClampHandshakeTTL(t *testing.T) {
	if got := ClampHandshakeTTL(7); got != 3 {
		t.Fatalf("expected clamp to 3, got %d", got)
	}
	if got := ClampHandshakeTTL(2); got != 2 {
		t.Fatalf("expected pass-through below cap, got %d", got)
	}
}
