package work

// CuckatooProofSize is the number of edges in a Cuckatoo cycle proof.
const CuckatooProofSize = 42

// CuckatooWork is a unit of Cuckatoo31 (Grin) work: the pre-proof-of-work
// header and the nonce the graph is seeded with.
type CuckatooWork struct {
	Base

	PrePow     []byte
	Nonce      uint64
	Height     uint64
	Difficulty uint64
	EdgeBits   uint8
}

func (*CuckatooWork) Algorithm() Algorithm { return Cuckatoo31 }

// DatasetEpoch is constant; every nonce seeds its own graph.
func (*CuckatooWork) DatasetEpoch() uint64 { return 0 }

// NewResult creates an empty result for w's nonce.
func (w *CuckatooWork) NewResult() *CuckatooResult {
	return &CuckatooResult{
		ResultBase: NewResultBase(w),
		Nonce:      w.Nonce,
		EdgeBits:   w.EdgeBits,
	}
}

// CuckatooResult is a cycle found in the graph of one nonce.
type CuckatooResult struct {
	ResultBase

	Nonce    uint64
	EdgeBits uint8
	Pow      [CuckatooProofSize]uint32
}

func (*CuckatooResult) Algorithm() Algorithm { return Cuckatoo31 }
