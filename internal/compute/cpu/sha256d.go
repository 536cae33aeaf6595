// Package cpu is a CPU compute backend for double SHA-256 work. It serves
// as the reference implementation of the miner backend contract and lets the
// whole pipeline run without a GPU.
package cpu

import (
	"context"
	"math"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/miner"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
)

// ctxCheckInterval is how many hashes run between cancellation checks.
const ctxCheckInterval = 1 << 14

type noDataset struct{}

func (noDataset) Epoch() uint64 { return 0 }

// SHA256d scans block header nonces on the CPU.
type SHA256d struct{}

var _ miner.Backend[*work.SHA256dWork, *work.SHA256dResult] = SHA256d{}

// BuildDataset is a no-op; SHA256d needs no dataset.
func (SHA256d) BuildDataset(context.Context, miner.Device, *work.SHA256dWork) (miner.Dataset, error) {
	return noDataset{}, nil
}

// Search hashes nonces [first, first+count), offset by the work's NonceBase,
// and returns every header that meets the share target. Nonces beyond 32 bits
// are outside the header and are not scanned.
func (SHA256d) Search(ctx context.Context, _ miner.Device, _ miner.Dataset, w *work.SHA256dWork, first, count uint64) ([]*work.SHA256dResult, error) {
	if w == nil {
		return nil, errors.Contract("search", "nil work")
	}
	if first > math.MaxUint32 {
		return nil, nil
	}
	last := min(first+count, uint64(math.MaxUint32)+1)

	header := w.Header
	var results []*work.SHA256dResult
	for n := first; n < last; n++ {
		if (n-first)%ctxCheckInterval == 0 && ctx.Err() != nil {
			return results, ctx.Err()
		}

		nonce := w.NonceBase + uint32(n)
		bitcoin.SetNonce(&header, nonce)
		hash := bitcoin.HeaderHash(&header)
		if !bitcoin.HashMeetsTarget(hash, w.ShareTarget) {
			continue
		}

		r := w.NewResult()
		r.Nonce = nonce
		r.Block = bitcoin.HashMeetsTarget(hash, w.NetworkTarget)
		results = append(results, r)
	}
	return results, nil
}
