package consensus

import "testing"

func TestAccumulateWorkAddsPowOfTwo(t *testing.T) {
	work := AccumulateWork(ZeroU256(), 4)
	if work.Cmp(U256FromUint64(16)) != 0 {
		t.Fatalf("expected work 16, got %s", work)
	}
}

func TestAccumulateWorkPrefersHigherDifficulty(t *testing.T) {
	base := U256FromUint64(1000)
	low := AccumulateWork(base, 1)
	high := AccumulateWork(base, 10)
	if high.Cmp(low) <= 0 {
		t.Fatal("higher difficulty must contribute more cumulative work")
	}
}

func TestAccumulateWorkSaturates(t *testing.T) {
	work := AccumulateWork(MaxU256(), 32)
	if work.Cmp(MaxU256()) != 0 {
		t.Fatal("cumulative work must saturate rather than wrap")
	}
}
