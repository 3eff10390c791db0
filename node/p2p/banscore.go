package p2p

import (
	"time"
)

const (
	BanThreshold       = 100
	BanDurationDefault = 24 * time.Hour

	// banScoreDecaysPerMinute slowly forgives old violations so a peer
	// with occasional noise never accumulates to a ban.
	banScoreDecaysPerMinute = 1
)

// BanScore is a small deterministic policy primitive: violations add,
// minutes subtract. It is not consensus.
type BanScore struct {
	score       int
	lastUpdated time.Time
}

func (b *BanScore) Score(now time.Time) int {
	b.decayTo(now)
	return b.score
}

func (b *BanScore) Add(now time.Time, delta int) int {
	b.decayTo(now)
	b.score += delta
	if b.score < 0 {
		b.score = 0
	}
	return b.score
}

func (b *BanScore) ShouldBan(now time.Time) bool {
	return b.Score(now) >= BanThreshold
}

func (b *BanScore) decayTo(now time.Time) {
	if b.lastUpdated.IsZero() {
		b.lastUpdated = now
		return
	}
	if now.Before(b.lastUpdated) {
		// Clock went backwards; don't increase score.
		b.lastUpdated = now
		return
	}
	minutes := int(now.Sub(b.lastUpdated) / time.Minute)
	if minutes <= 0 {
		return
	}
	b.score -= minutes * banScoreDecaysPerMinute
	if b.score < 0 {
		b.score = 0
	}
	b.lastUpdated = now
}
