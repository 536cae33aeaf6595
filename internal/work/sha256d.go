package work

// SHA256dWork is a unit of double SHA-256 (Bitcoin style) work: an 80-byte
// header whose last four bytes hold the nonce.
type SHA256dWork struct {
	Base

	Header          [80]byte
	ShareTarget     Target
	ShareDifficulty float64
	NetworkTarget   Target

	ExtraNonce2 []byte
	NTime       uint32
	// NonceBase is added to every scanned nonce. Work units cut from a job
	// with no extranonce2 space get distinct bases.
	NonceBase uint32
}

func (*SHA256dWork) Algorithm() Algorithm { return SHA256d }

// DatasetEpoch is constant; SHA256d needs no device dataset.
func (*SHA256dWork) DatasetEpoch() uint64 { return 0 }

// NewResult creates an empty result bound to the same job as w.
func (w *SHA256dWork) NewResult() *SHA256dResult {
	return &SHA256dResult{
		ResultBase:      NewResultBase(w),
		ExtraNonce2:     append([]byte(nil), w.ExtraNonce2...),
		NTime:           w.NTime,
		ShareDifficulty: w.ShareDifficulty,
	}
}

// SHA256dResult is a candidate SHA256d share.
type SHA256dResult struct {
	ResultBase

	Nonce           uint32
	ExtraNonce2     []byte
	NTime           uint32
	ShareDifficulty float64
	// Block is set when the hash also meets the network target.
	Block bool
}

func (*SHA256dResult) Algorithm() Algorithm { return SHA256d }
