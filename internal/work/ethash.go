package work

import (
	"sync"

	"golang.org/x/crypto/sha3"
)

// MaxDeviceDifficulty caps the per-device share difficulty so a GPU reports a
// candidate every couple of seconds even when the job difficulty is huge.
const MaxDeviceDifficulty = 60e6

// MaxEpoch bounds the seed hash search.
const MaxEpoch = 2048

// EthashWork is a unit of Ethash work. The compute backend scans nonces of the
// form ExtraNonce<<32 | n.
type EthashWork struct {
	Base

	Header   [32]byte
	SeedHash [32]byte
	Epoch    uint64

	JobTarget        Target
	JobDifficulty    float64
	DeviceTarget     Target
	DeviceDifficulty float64

	ExtraNonce uint32
}

func (*EthashWork) Algorithm() Algorithm { return Ethash }

// DatasetEpoch keys the device dataset (DAG) this work needs.
func (w *EthashWork) DatasetEpoch() uint64 { return w.Epoch }

// SetTargets derives difficulties from the pool's job target and clamps the
// device target so it is never harder than the job target.
func (w *EthashWork) SetTargets(jobTarget Target) {
	w.JobTarget = jobTarget
	w.JobDifficulty = TargetToDifficulty(jobTarget)
	w.DeviceDifficulty = min(MaxDeviceDifficulty, w.JobDifficulty)
	w.DeviceTarget = DifficultyToTarget(w.DeviceDifficulty)
}

// NewResult creates an empty result bound to the same job as w.
func (w *EthashWork) NewResult() *EthashResult {
	return &EthashResult{
		ResultBase:    NewResultBase(w),
		Header:        w.Header,
		JobDifficulty: w.JobDifficulty,
	}
}

// EthashResult is a candidate Ethash solution.
type EthashResult struct {
	ResultBase

	Nonce         uint64
	MixHash       [32]byte
	Header        [32]byte
	JobDifficulty float64
}

func (*EthashResult) Algorithm() Algorithm { return Ethash }

var epochCache = struct {
	sync.Mutex
	seeds [][32]byte
}{seeds: [][32]byte{{}}}

// EpochFromSeed returns the epoch whose seed hash is seed. Epoch n's seed is
// Keccak-256 applied n times to 32 zero bytes.
func EpochFromSeed(seed [32]byte) (uint64, bool) {
	epochCache.Lock()
	defer epochCache.Unlock()

	for i, s := range epochCache.seeds {
		if s == seed {
			return uint64(i), true
		}
	}

	h := sha3.NewLegacyKeccak256()
	for len(epochCache.seeds) <= MaxEpoch {
		last := epochCache.seeds[len(epochCache.seeds)-1]
		h.Reset()
		h.Write(last[:])
		var next [32]byte
		copy(next[:], h.Sum(nil))
		epochCache.seeds = append(epochCache.seeds, next)
		if next == seed {
			return uint64(len(epochCache.seeds) - 1), true
		}
	}
	return 0, false
}

// SeedForEpoch returns the seed hash of an epoch.
func SeedForEpoch(epoch uint64) [32]byte {
	var seed [32]byte
	h := sha3.NewLegacyKeccak256()
	for i := uint64(0); i < epoch; i++ {
		h.Reset()
		h.Write(seed[:])
		copy(seed[:], h.Sum(nil))
	}
	return seed
}
