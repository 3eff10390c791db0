package p2p

import (
	"testing"
	"time"

	"github.com/astram-project/astram-node/consensus"
)

func TestKnownInvAddAndEvict(t *testing.T) {
	k := newKnownInv()
	h1 := consensus.Hash256{1}
	if !k.Add(h1) {
		t.Fatal("first add should report new")
	}
	if k.Add(h1) {
		t.Fatal("second add should report already known")
	}
	for i := 0; i < knownInvSize; i++ {
		var h consensus.Hash256
		h[0] = byte(i)
		h[1] = byte(i >> 8)
		h[31] = 0xaa
		k.Add(h)
	}
	if k.Contains(h1) {
		t.Fatal("oldest entry should have been evicted at capacity")
	}
}

func TestAnnounceRateLimitsPerWindow(t *testing.T) {
	var a announceRate
	base := time.Unix(1_738_800_000, 0)
	for i := 0; i < blockAnnounceLimit; i++ {
		if !a.Allow(base.Add(time.Duration(i) * time.Second)) {
			t.Fatalf("announcement %d should be allowed", i)
		}
	}
	if a.Allow(base.Add(30 * time.Second)) {
		t.Fatal("announcement over the per-minute cap should be dropped")
	}
	// Once the window slides past the burst, announcements flow again.
	if !a.Allow(base.Add(blockAnnounceWindow + 15*time.Second)) {
		t.Fatal("announcement after the window should be allowed")
	}
}

func TestBanScoreDecays(t *testing.T) {
	var b BanScore
	now := time.Unix(1_738_800_000, 0)
	b.Add(now, 40)
	if b.ShouldBan(now) {
		t.Fatal("score 40 should not ban")
	}
	b.Add(now, 60)
	if !b.ShouldBan(now) {
		t.Fatal("score 100 should ban")
	}
	if b.Score(now.Add(30*time.Minute)) != 70 {
		t.Fatalf("expected decay to 70, got %d", b.Score(now.Add(30*time.Minute)))
	}
}
