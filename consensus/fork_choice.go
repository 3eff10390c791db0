package consensus

// WorkForDifficulty returns the work contributed by a single block mined
// at the given difficulty: 2^difficulty. Cumulative work is the saturating
// sum of these along the chain.
func WorkForDifficulty(difficulty uint32) U256 {
	return PowOfTwoSaturating(difficulty)
}

// AccumulateWork returns parentWork + WorkForDifficulty(difficulty),
// saturating instead of wrapping past 2^256-1.
func AccumulateWork(parentWork U256, difficulty uint32) U256 {
	return parentWork.AddSaturating(WorkForDifficulty(difficulty))
}
