package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"

	"PerpClearing/internal/instruction"
	"PerpClearing/internal/ledger"
)

const GenesisHashSeed = "PerpClearing:genesis:v1"

// GenesisHash is the chain tip before the first applied instruction.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// hashChain links every applied instruction to the one before it:
//
//	tip[N] = SHA-256(tip[N-1] || seq LE64 || kind || delta || oracle || journals)
//
// delta is the clearing delta's canonical bytes, oracle is the feed id,
// a zero byte, then price, confidence and timestamp as LE64, and journals
// is the sealed batch's canonical bytes. Absent parts contribute nothing.
type hashChain struct {
	tip [32]byte
}

func newHashChain() *hashChain {
	return &hashChain{tip: GenesisHash()}
}

// Extend hashes one applied instruction onto the chain and returns the new tip.
func (c *hashChain) Extend(seq int64, kind instruction.Kind, res result, batch *ledger.Batch) [32]byte {
	h := sha256.New()
	h.Write(c.tip[:])
	writeInt64(h, seq)

	h.Write([]byte{byte(kind)})
	if res.delta != nil {
		h.Write(res.delta.CanonicalBytes())
	}
	if o := res.oracle; o != nil {
		h.Write([]byte(o.FeedID))
		h.Write([]byte{0})
		writeInt64(h, o.Price.Price.Raw())
		writeInt64(h, o.Price.Confidence.Raw())
		writeInt64(h, o.Price.Timestamp)
	}
	h.Write(batch.CanonicalBytes())

	copy(c.tip[:], h.Sum(nil))
	return c.tip
}

// Tip returns the current chain tip.
func (c *hashChain) Tip() [32]byte { return c.tip }

// Resume continues the chain from a snapshot's tip.
func (c *hashChain) Resume(tip [32]byte) { c.tip = tip }

func writeInt64(h hash.Hash, v int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	h.Write(buf[:])
}
