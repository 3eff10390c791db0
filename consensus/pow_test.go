package consensus

import "testing"

func TestTargetMonotonicWithDifficulty(t *testing.T) {
	prev := MaxU256()
	for d := uint32(0); d <= MaxDifficulty; d++ {
		cur := Target(d)
		if cur.Cmp(prev) > 0 {
			t.Fatalf("target(%d) should not exceed target(%d)", d, d-1)
		}
		prev = cur
	}
}

func TestPowOkBoundary(t *testing.T) {
	// target(0) is U256::MAX, so every hash satisfies difficulty 0 except
	// the all-ones hash equal to the target itself (strict <).
	var maxHash Hash256
	for i := range maxHash {
		maxHash[i] = 0xff
	}
	if PowOk(maxHash, 0) {
		t.Fatal("hash equal to target must not satisfy strict <")
	}
	var zeroHash Hash256
	if !PowOk(zeroHash, 1) {
		t.Fatal("zero hash must satisfy any positive difficulty")
	}
}

func TestMedianTimePastOddEven(t *testing.T) {
	if got := MedianTimePast([]int64{1, 2, 3}); got != 2 {
		t.Fatalf("expected median 2, got %d", got)
	}
	if got := MedianTimePast([]int64{1, 2, 3, 4}); got != 2 {
		t.Fatalf("expected lower-median 2 for even window, got %d", got)
	}
}

func TestSlowStartDifficultyRamp(t *testing.T) {
	cases := map[uint64]uint32{0: 1, 19: 1, 20: 2, 39: 2, 40: 3, 100: 3}
	for h, want := range cases {
		if got := SlowStartDifficulty(h); got != want {
			t.Fatalf("height %d: want %d got %d", h, want, got)
		}
	}
}

func TestRetargetIncreasesWhenBlocksTooFast(t *testing.T) {
	windowTarget := int64(TargetBlockTime * RetargetInterval)
	// Actual span is half the target span -> ratio 2.0 > 1.25 -> +1.
	got := RetargetDifficulty(5, 0, windowTarget/2)
	if got != 6 {
		t.Fatalf("expected difficulty to increase to 6, got %d", got)
	}
}

func TestRetargetDecreasesWhenBlocksTooSlow(t *testing.T) {
	windowTarget := int64(TargetBlockTime * RetargetInterval)
	// Actual span is double the target span -> ratio 0.5 < 0.8 -> -1.
	got := RetargetDifficulty(5, 0, windowTarget*2)
	if got != 4 {
		t.Fatalf("expected difficulty to decrease to 4, got %d", got)
	}
}

func TestRetargetClampsToRange(t *testing.T) {
	windowTarget := int64(TargetBlockTime * RetargetInterval)
	if got := RetargetDifficulty(RetargetMaxDifficulty, 0, windowTarget/5); got != RetargetMaxDifficulty {
		t.Fatalf("expected clamp at max %d, got %d", RetargetMaxDifficulty, got)
	}
	if got := RetargetDifficulty(RetargetMinDifficulty, 0, windowTarget*5); got != RetargetMinDifficulty {
		t.Fatalf("expected clamp at min %d, got %d", RetargetMinDifficulty, got)
	}
}

func TestExpectedDifficultyUsesSlowStartBeforeRetarget(t *testing.T) {
	if got := ExpectedDifficulty(50, 9, 0, 0); got != SlowStartDifficulty(50) {
		t.Fatalf("expected slow-start override at height 50, got %d", got)
	}
}

func TestExpectedDifficultyHoldsBetweenRetargetBoundaries(t *testing.T) {
	if got := ExpectedDifficulty(131, 7, 0, 0); got != 7 {
		t.Fatalf("expected difficulty to hold at 7 between boundaries, got %d", got)
	}
}
