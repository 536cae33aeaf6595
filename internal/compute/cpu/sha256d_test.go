package cpu

import (
	"context"
	"math"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/miner"
	"github.com/bardlex/gominer/internal/work"
)

func genesisWork(t *testing.T) *work.SHA256dWork {
	t.Helper()
	g := chaincfg.MainNetParams.GenesisBlock.Header
	tmpl := bitcoin.HeaderTemplate{
		Version:    g.Version,
		PrevBlock:  g.PrevBlock,
		MerkleRoot: g.MerkleRoot,
		NTime:      uint32(g.Timestamp.Unix()),
		Bits:       g.Bits,
	}
	header, err := tmpl.Serialize(0)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	return &work.SHA256dWork{
		Header:          header,
		ShareTarget:     bitcoin.CompactToTarget(g.Bits),
		ShareDifficulty: 1,
		NetworkTarget:   bitcoin.CompactToTarget(g.Bits),
		NTime:           tmpl.NTime,
	}
}

func TestSHA256d_SearchFindsGenesisNonce(t *testing.T) {
	w := genesisWork(t)
	nonce := uint64(chaincfg.MainNetParams.GenesisBlock.Header.Nonce)

	results, err := SHA256d{}.Search(context.Background(), miner.Device{}, noDataset{}, w, nonce-50, 100)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Search() found %d results, want 1", len(results))
	}
	r := results[0]
	if uint64(r.Nonce) != nonce {
		t.Errorf("Nonce = %d, want %d", r.Nonce, nonce)
	}
	if !r.Block {
		t.Error("Block = false, want true for the genesis nonce")
	}
	if r.NTime != w.NTime || r.ShareDifficulty != 1 {
		t.Errorf("result = %+v, want fields copied from work", r)
	}
}

func TestSHA256d_SearchNonceBase(t *testing.T) {
	w := genesisWork(t)
	w.NonceBase = 1 << 24
	nonce := chaincfg.MainNetParams.GenesisBlock.Header.Nonce

	first := uint64(nonce-w.NonceBase) - 10
	results, err := SHA256d{}.Search(context.Background(), miner.Device{}, noDataset{}, w, first, 20)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 || results[0].Nonce != nonce {
		t.Fatalf("Search() = %+v, want the genesis nonce %d", results, nonce)
	}
}

func TestSHA256d_SearchRange(t *testing.T) {
	tests := []struct {
		name  string
		first uint64
		count uint64
		want  int
	}{
		{"whole range", 0, 64, 64},
		{"empty", 10, 0, 0},
		{"clipped at 32 bits", math.MaxUint32 - 3, 10, 4},
		{"beyond 32 bits", math.MaxUint32 + 1, 10, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := genesisWork(t)
			w.ShareTarget = work.MaxTarget
			w.NetworkTarget = work.Target{}

			results, err := SHA256d{}.Search(context.Background(), miner.Device{}, noDataset{}, w, tt.first, tt.count)
			if err != nil {
				t.Fatalf("Search() error = %v", err)
			}
			if len(results) != tt.want {
				t.Fatalf("Search() found %d results, want %d", len(results), tt.want)
			}
			for i, r := range results {
				if uint64(r.Nonce) != tt.first+uint64(i) {
					t.Errorf("results[%d].Nonce = %d, want %d", i, r.Nonce, tt.first+uint64(i))
				}
				if r.Block {
					t.Errorf("results[%d].Block = true against the zero network target", i)
				}
			}
		})
	}
}

func TestSHA256d_SearchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := (SHA256d{}).Search(ctx, miner.Device{}, noDataset{}, genesisWork(t), 0, 1000); err == nil {
		t.Error("Search() error = nil on a cancelled context")
	}
	if _, err := (SHA256d{}).Search(context.Background(), miner.Device{}, noDataset{}, nil, 0, 1); err == nil {
		t.Error("Search(nil) error = nil, want contract violation")
	}
}

func TestSHA256d_BuildDataset(t *testing.T) {
	ds, err := SHA256d{}.BuildDataset(context.Background(), miner.Device{}, genesisWork(t))
	if err != nil || ds.Epoch() != 0 {
		t.Errorf("BuildDataset() = %v, %v, want epoch 0", ds, err)
	}
}
