package bitcoin

import (
	"encoding/hex"
	"math"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gominer/internal/work"
)

func mustTarget(t *testing.T, s string) work.Target {
	t.Helper()
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		t.Fatalf("bad target %q", s)
	}
	var out work.Target
	copy(out[:], raw)
	return out
}

func genesisTemplate() HeaderTemplate {
	g := chaincfg.MainNetParams.GenesisBlock.Header
	return HeaderTemplate{
		Version:    g.Version,
		PrevBlock:  g.PrevBlock,
		MerkleRoot: g.MerkleRoot,
		NTime:      uint32(g.Timestamp.Unix()),
		Bits:       g.Bits,
	}
}

func TestHeaderTemplate_Serialize(t *testing.T) {
	tmpl := genesisTemplate()
	nonce := chaincfg.MainNetParams.GenesisBlock.Header.Nonce

	header, err := tmpl.Serialize(nonce)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}

	hash := HeaderHash(&header)
	if hash != *chaincfg.MainNetParams.GenesisHash {
		t.Errorf("HeaderHash() = %s, want genesis hash %s", hash, chaincfg.MainNetParams.GenesisHash)
	}

	be := HashToBigEndian(hash)
	if got := hex.EncodeToString(be[:]); got != "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f" {
		t.Errorf("HashToBigEndian() = %s", got)
	}
	if !HashMeetsTarget(hash, CompactToTarget(tmpl.Bits)) {
		t.Error("genesis hash does not meet its own nbits target")
	}
}

func TestSetNonce(t *testing.T) {
	tmpl := genesisTemplate()
	nonce := chaincfg.MainNetParams.GenesisBlock.Header.Nonce

	want, err := tmpl.Serialize(nonce)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	got, err := tmpl.Serialize(0)
	if err != nil {
		t.Fatalf("Serialize() error = %v", err)
	}
	SetNonce(&got, nonce)

	if got != want {
		t.Errorf("SetNonce() header = %x, want %x", got, want)
	}
	// nonce 0x7c2bac1d, little endian
	if hex.EncodeToString(got[NonceOffset:]) != "1dac2b7c" {
		t.Errorf("nonce bytes = %x, want 1dac2b7c", got[NonceOffset:])
	}
}

func TestMerkleRootFromBranch(t *testing.T) {
	coinbase := []byte("coinbase transaction")
	leaf := func(b byte) chainhash.Hash { return chainhash.DoubleHashH([]byte{b}) }
	pair := func(a, b chainhash.Hash) chainhash.Hash {
		return chainhash.DoubleHashH(append(a[:], b[:]...))
	}

	cb := chainhash.DoubleHashH(coinbase)
	t1, t2, t3 := leaf(1), leaf(2), leaf(3)

	tests := []struct {
		name   string
		branch []chainhash.Hash
		want   chainhash.Hash
	}{
		{"coinbase only", nil, cb},
		{"two transactions", []chainhash.Hash{t1}, pair(cb, t1)},
		{"four transactions", []chainhash.Hash{t1, pair(t2, t3)}, pair(pair(cb, t1), pair(t2, t3))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MerkleRootFromBranch(coinbase, tt.branch); got != tt.want {
				t.Errorf("MerkleRootFromBranch() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParsePrevHash(t *testing.T) {
	want := *chaincfg.MainNetParams.GenesisHash

	// stratum sends each 32-bit word byte swapped
	swapped := make([]byte, 32)
	for w := 0; w < 8; w++ {
		for b := 0; b < 4; b++ {
			swapped[w*4+b] = want[w*4+3-b]
		}
	}

	got, err := ParsePrevHash(hex.EncodeToString(swapped))
	if err != nil {
		t.Fatalf("ParsePrevHash() error = %v", err)
	}
	if got != want {
		t.Errorf("ParsePrevHash() = %s, want %s", got, want)
	}

	for _, bad := range []string{"zz", "0011", hex.EncodeToString(make([]byte, 33))} {
		if _, err := ParsePrevHash(bad); err == nil {
			t.Errorf("ParsePrevHash(%q) error = nil, want error", bad)
		}
	}
}

func TestParseBranch(t *testing.T) {
	h := chainhash.DoubleHashH([]byte("x"))

	got, err := ParseBranch([]string{hex.EncodeToString(h[:]), "0x" + hex.EncodeToString(h[:])})
	if err != nil {
		t.Fatalf("ParseBranch() error = %v", err)
	}
	if len(got) != 2 || got[0] != h || got[1] != h {
		t.Errorf("ParseBranch() = %v, want two copies of %s", got, h)
	}

	if _, err := ParseBranch([]string{"abcd"}); err == nil {
		t.Error("ParseBranch() accepted a short hash")
	}
	if got, err := ParseBranch(nil); err != nil || len(got) != 0 {
		t.Errorf("ParseBranch(nil) = %v, %v, want empty", got, err)
	}
}

func TestDifficultyToTarget(t *testing.T) {
	tests := []struct {
		name       string
		difficulty float64
		want       string
	}{
		{"difficulty 1", 1, "00000000ffff0000000000000000000000000000000000000000000000000000"},
		{"difficulty 2", 2, "000000007fff8000000000000000000000000000000000000000000000000000"},
		{"difficulty 256", 256, "0000000000ffff00000000000000000000000000000000000000000000000000"},
		{"zero falls back to 1", 0, "00000000ffff0000000000000000000000000000000000000000000000000000"},
		{"negative falls back to 1", -5, "00000000ffff0000000000000000000000000000000000000000000000000000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DifficultyToTarget(tt.difficulty)
			if got != mustTarget(t, tt.want) {
				t.Errorf("DifficultyToTarget(%v) = %x, want %s", tt.difficulty, got, tt.want)
			}
		})
	}
}

func TestTargetToDifficulty(t *testing.T) {
	for _, d := range []float64{1, 2, 1024, 65536.5} {
		got := TargetToDifficulty(DifficultyToTarget(d))
		if math.Abs(got-d)/d > 1e-6 {
			t.Errorf("TargetToDifficulty(DifficultyToTarget(%v)) = %v", d, got)
		}
	}
	if got := TargetToDifficulty(work.Target{}); got != 0 {
		t.Errorf("TargetToDifficulty(zero) = %v, want 0", got)
	}
}

func TestCompactToTarget(t *testing.T) {
	tests := []struct {
		bits uint32
		want string
	}{
		{0x1d00ffff, "00000000ffff0000000000000000000000000000000000000000000000000000"},
		{0x1b0404cb, "00000000000404cb000000000000000000000000000000000000000000000000"},
		{0x207fffff, "7fffff0000000000000000000000000000000000000000000000000000000000"},
	}

	for _, tt := range tests {
		if got := CompactToTarget(tt.bits); got != mustTarget(t, tt.want) {
			t.Errorf("CompactToTarget(%08x) = %x, want %s", tt.bits, got, tt.want)
		}
	}
}

func TestHashMeetsTarget(t *testing.T) {
	// little endian: the last byte is the most significant
	var low chainhash.Hash
	low[0] = 0x01

	var high chainhash.Hash
	high[31] = 0x01

	tests := []struct {
		name   string
		hash   chainhash.Hash
		target work.Target
		want   bool
	}{
		{"low hash meets difficulty 1", low, DifficultyToTarget(1), true},
		{"high byte set misses difficulty 1", high, DifficultyToTarget(1), false},
		{"anything meets max target", high, work.MaxTarget, true},
		{"nothing but zero meets zero target", low, work.Target{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HashMeetsTarget(tt.hash, tt.target); got != tt.want {
				t.Errorf("HashMeetsTarget() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseHexUint32(t *testing.T) {
	tests := []struct {
		name    string
		hexStr  string
		want    uint32
		wantErr bool
	}{
		{"valid hex", "01020304", 0x01020304, false},
		{"version", "20000000", 0x20000000, false},
		{"invalid hex", "invalidx", 0, true},
		{"wrong length", "0102", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHexUint32(tt.hexStr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseHexUint32() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseHexUint32() = %08x, want %08x", got, tt.want)
			}
			if !tt.wantErr && FormatHexUint32(got) != tt.hexStr {
				t.Errorf("FormatHexUint32() = %s, want %s", FormatHexUint32(got), tt.hexStr)
			}
		})
	}
}
