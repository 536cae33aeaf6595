package work

import (
	"bytes"
	"math"
	"math/big"
)

// Target is a 256-bit big endian boundary; a hash meets it when hash <= target.
type Target [32]byte

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// MaxTarget is the easiest possible target.
var MaxTarget = func() Target {
	var t Target
	for i := range t {
		t[i] = 0xff
	}
	return t
}()

// DifficultyToTarget computes (2^256-1)/difficulty. Non-positive difficulties
// map to MaxTarget.
func DifficultyToTarget(difficulty float64) Target {
	if difficulty <= 0 || math.IsNaN(difficulty) {
		return MaxTarget
	}

	num := new(big.Float).SetInt(maxUint256)
	quo := new(big.Float).Quo(num, big.NewFloat(difficulty))
	n, _ := quo.Int(nil)
	if n.Cmp(maxUint256) > 0 {
		return MaxTarget
	}

	var t Target
	n.FillBytes(t[:])
	return t
}

// TargetToDifficulty computes (2^256-1)/target. The zero target yields +Inf.
func TargetToDifficulty(t Target) float64 {
	n := new(big.Int).SetBytes(t[:])
	if n.Sign() == 0 {
		return math.Inf(1)
	}
	q := new(big.Float).Quo(new(big.Float).SetInt(maxUint256), new(big.Float).SetInt(n))
	f, _ := q.Float64()
	return f
}

// Meets reports whether a big endian hash satisfies the target.
func (t Target) Meets(hash [32]byte) bool {
	return bytes.Compare(hash[:], t[:]) <= 0
}
