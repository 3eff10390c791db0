package consensus

import "sort"

const (
	// MinDifficulty/MaxDifficulty bound every admitted block's announced
	// difficulty; anything outside [1,32] is rejected outright.
	MinDifficulty = 1
	MaxDifficulty = 32

	// RetargetMinDifficulty/RetargetMaxDifficulty additionally bound the
	// *computed* expected difficulty: the retarget output clamps to [1,10].
	RetargetMinDifficulty = 1
	RetargetMaxDifficulty = 10

	// RetargetInterval (blocks) and TargetBlockTime (seconds) are the fixed
	// retarget window and target spacing.
	RetargetInterval = 30
	TargetBlockTime  = 120

	// SlowStartHeight is the last height at which the slow-start override
	// applies instead of the retarget formula.
	SlowStartHeight = 100

	// MaxAdjacentDifficultyDelta bounds how far consecutive blocks' announced
	// difficulty may move even when it matches the expected value.
	MaxAdjacentDifficultyDelta = 2

	// GenesisTimestamp is the earliest timestamp any header may carry.
	GenesisTimestamp = 1_738_800_000

	// MaxFutureDrift bounds how far into the future a header's timestamp may
	// sit relative to the validator's local clock.
	MaxFutureDrift = 7200

	// MTPWindow is the number of ancestor timestamps the median-time-past
	// rule considers.
	MTPWindow = 11
)

// Target returns target(d) = U256::MAX >> (4*d), the leading-zero-nibble
// PoW target for difficulty d. The numeric definition (hash < target) is
// authoritative; counting leading hex zeros is NOT an equivalent check at
// the boundary.
func Target(difficulty uint32) U256 {
	shift := uint(4) * uint(difficulty)
	if shift >= 256 {
		return ZeroU256()
	}
	return MaxU256().Rsh(shift)
}

// PowOk reports whether hash, interpreted big-endian as a U256, is strictly
// less than target(difficulty).
func PowOk(hash Hash256, difficulty uint32) bool {
	return U256FromBytesBE(hash).Cmp(Target(difficulty)) < 0
}

// MedianTimePast sorts the given ancestor timestamps (nearest 11, fewer near
// genesis) and returns the median. Callers must supply exactly the window
// they intend to be considered; an empty window is an error at the call
// site, not here.
func MedianTimePast(timestamps []int64) int64 {
	if len(timestamps) == 0 {
		return 0
	}
	sorted := append([]int64(nil), timestamps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[(len(sorted)-1)/2]
}

// MTPWindowFor returns the slice of ancestorTimestamps (ordered oldest tip
// nearest, i.e. ancestorTimestamps[len-1] is the immediate parent) used to
// compute MTP at height: the previous min(MTPWindow, height) timestamps.
func MTPWindowFor(ancestorTimestamps []int64, height uint64) []int64 {
	k := MTPWindow
	if height < uint64(k) {
		k = int(height)
	}
	if k > len(ancestorTimestamps) {
		k = len(ancestorTimestamps)
	}
	if k == 0 {
		return nil
	}
	return ancestorTimestamps[len(ancestorTimestamps)-k:]
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDifficulty(d int64) uint32 {
	if d < RetargetMinDifficulty {
		return RetargetMinDifficulty
	}
	if d > RetargetMaxDifficulty {
		return RetargetMaxDifficulty
	}
	return uint32(d)
}

// SlowStartDifficulty implements the h <= 100 override: min(3, 1+h/20).
func SlowStartDifficulty(height uint64) uint32 {
	v := 1 + height/20
	if v > 3 {
		v = 3
	}
	return uint32(v)
}

// RetargetDifficulty implements the fixed-interval retarget rule run at
// height h when h%RetargetInterval==0: clamp the actual span of the last
// interval to [T*I/4, T*I*4], compute the ratio to the target span, and
// nudge prevDifficulty by +-1 (or leave it) based on that ratio, clamped to
// [1,10].
//
//	tsWindowEnd is timestamp(h-1); tsWindowStart is timestamp(h-I).
func RetargetDifficulty(prevDifficulty uint32, tsWindowStart, tsWindowEnd int64) uint32 {
	const windowTarget = int64(TargetBlockTime * RetargetInterval)
	actual := tsWindowEnd - tsWindowStart
	clamped := clampInt64(actual, windowTarget/4, windowTarget*4)
	if clamped <= 0 {
		clamped = 1
	}
	ratio := float64(windowTarget) / float64(clamped)
	next := int64(prevDifficulty)
	switch {
	case ratio > 1.25:
		next++
	case ratio < 0.8:
		next--
	}
	return clampDifficulty(next)
}

// ExpectedDifficulty computes the difficulty a block at height must carry,
// given the previous block's difficulty and (when height is a retarget
// boundary) the two endpoint timestamps of the prior interval. Heights
// <= SlowStartHeight always use the slow-start override regardless of the
// retarget formula.
func ExpectedDifficulty(height uint64, prevDifficulty uint32, tsWindowStart, tsWindowEnd int64) uint32 {
	if height <= SlowStartHeight {
		return SlowStartDifficulty(height)
	}
	if height%RetargetInterval == 0 {
		return RetargetDifficulty(prevDifficulty, tsWindowStart, tsWindowEnd)
	}
	return prevDifficulty
}
