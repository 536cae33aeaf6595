// Package bitcoin provides the Bitcoin primitives a stratum V1 miner needs:
// block header assembly from mining.notify fields, merkle root folding and
// the conversions between share difficulty, compact bits and targets.
package bitcoin

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gominer/internal/work"
)

// HeaderSize is the serialized size of a block header.
const HeaderSize = 80

// NonceOffset is where the little endian nonce sits in a serialized header.
const NonceOffset = 76

// headerBufferPool reuses serialization buffers; headers are built for every
// work unit handed to a device.
var headerBufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, HeaderSize))
	},
}

// diff1Target is the share target of difficulty 1,
// 0x00000000FFFF0000000000000000000000000000000000000000000000000000.
var diff1Target = blockchain.CompactToBig(chaincfg.MainNetParams.PowLimitBits)

// DifficultyToTarget converts a pool share difficulty to a big endian target.
// Difficulty 1 maps to the mainnet proof of work limit in compact form.
func DifficultyToTarget(difficulty float64) work.Target {
	if difficulty <= 0 {
		difficulty = 1
	}

	num := new(big.Float).SetInt(diff1Target)
	quo := new(big.Float).Quo(num, big.NewFloat(difficulty))
	target, _ := quo.Int(nil)

	return bigToTarget(target)
}

// TargetToDifficulty is the inverse of DifficultyToTarget.
func TargetToDifficulty(t work.Target) float64 {
	n := new(big.Int).SetBytes(t[:])
	if n.Sign() == 0 {
		return 0
	}
	q := new(big.Float).Quo(new(big.Float).SetInt(diff1Target), new(big.Float).SetInt(n))
	f, _ := q.Float64()
	return f
}

// CompactToTarget expands nbits into the network target.
func CompactToTarget(bits uint32) work.Target {
	return bigToTarget(blockchain.CompactToBig(bits))
}

func bigToTarget(n *big.Int) work.Target {
	if n.Sign() < 0 || n.BitLen() > 256 {
		return work.MaxTarget
	}
	var t work.Target
	n.FillBytes(t[:])
	return t
}

// HashMeetsTarget reports whether a header hash satisfies a big endian
// target. chainhash stores hashes little endian, so the bytes are reversed
// before comparing.
func HashMeetsTarget(hash chainhash.Hash, target work.Target) bool {
	return target.Meets(HashToBigEndian(hash))
}

// HashToBigEndian returns the hash as a big endian number.
func HashToBigEndian(hash chainhash.Hash) [32]byte {
	var be [32]byte
	for i := 0; i < 32; i++ {
		be[i] = hash[31-i]
	}
	return be
}

// MerkleRootFromBranch folds the coinbase hash with a stratum merkle branch.
// The coinbase is always the left-most leaf, so each step hashes root||sibling.
func MerkleRootFromBranch(coinbase []byte, branch []chainhash.Hash) chainhash.Hash {
	root := chainhash.DoubleHashH(coinbase)

	var concat [64]byte
	for _, sibling := range branch {
		copy(concat[:32], root[:])
		copy(concat[32:], sibling[:])
		root = chainhash.DoubleHashH(concat[:])
	}
	return root
}

// ParsePrevHash decodes the stratum previous block hash. Pools send it as
// eight 32-bit words, each byte swapped relative to the header layout.
func ParsePrevHash(s string) (chainhash.Hash, error) {
	raw, err := decodeHex(s)
	if err != nil {
		return chainhash.Hash{}, fmt.Errorf("invalid prevhash: %w", err)
	}
	if len(raw) != chainhash.HashSize {
		return chainhash.Hash{}, fmt.Errorf("invalid prevhash: expected %d bytes, got %d", chainhash.HashSize, len(raw))
	}

	var h chainhash.Hash
	for w := 0; w < 8; w++ {
		for b := 0; b < 4; b++ {
			h[w*4+b] = raw[w*4+3-b]
		}
	}
	return h, nil
}

// ParseBranch decodes merkle branch hashes given in header byte order.
func ParseBranch(branch []string) ([]chainhash.Hash, error) {
	out := make([]chainhash.Hash, len(branch))
	for i, s := range branch {
		raw, err := decodeHex(s)
		if err != nil {
			return nil, fmt.Errorf("invalid merkle branch %d: %w", i, err)
		}
		if len(raw) != chainhash.HashSize {
			return nil, fmt.Errorf("invalid merkle branch %d: expected %d bytes, got %d", i, chainhash.HashSize, len(raw))
		}
		copy(out[i][:], raw)
	}
	return out, nil
}

// ParseHexUint32 parses the 8 character big endian hex used for version,
// nbits and ntime in stratum messages.
func ParseHexUint32(hexStr string) (uint32, error) {
	if len(hexStr) != 8 {
		return 0, fmt.Errorf("invalid hex string length: expected 8 characters, got %d", len(hexStr))
	}
	val, err := hex.DecodeString(hexStr)
	if err != nil {
		return 0, fmt.Errorf("failed to decode hex string: %w", err)
	}
	return binary.BigEndian.Uint32(val), nil
}

// FormatHexUint32 is the inverse of ParseHexUint32.
func FormatHexUint32(v uint32) string {
	return fmt.Sprintf("%08x", v)
}

func decodeHex(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

// HeaderTemplate holds the header fields of a stratum job.
type HeaderTemplate struct {
	Version    int32
	PrevBlock  chainhash.Hash
	MerkleRoot chainhash.Hash
	NTime      uint32
	Bits       uint32
}

// Serialize builds the 80-byte header with the given nonce.
func (t *HeaderTemplate) Serialize(nonce uint32) ([HeaderSize]byte, error) {
	header := wire.BlockHeader{
		Version:    t.Version,
		PrevBlock:  t.PrevBlock,
		MerkleRoot: t.MerkleRoot,
		Timestamp:  time.Unix(int64(t.NTime), 0),
		Bits:       t.Bits,
		Nonce:      nonce,
	}

	buf := headerBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer headerBufferPool.Put(buf)

	var out [HeaderSize]byte
	if err := header.Serialize(buf); err != nil {
		return out, fmt.Errorf("failed to serialize header: %w", err)
	}
	copy(out[:], buf.Bytes())
	return out, nil
}

// SetNonce writes nonce into a serialized header.
func SetNonce(header *[HeaderSize]byte, nonce uint32) {
	binary.LittleEndian.PutUint32(header[NonceOffset:], nonce)
}

// HeaderHash is the proof of work hash of a serialized header.
func HeaderHash(header *[HeaderSize]byte) chainhash.Hash {
	return chainhash.DoubleHashH(header[:])
}
