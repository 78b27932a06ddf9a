// Package audit provides the append-only, hash-chained record of every
// money-moving operation. The log is write-only from the engine's
// perspective; external verifiers replay it against the global invariant.
package audit

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Kind discriminates audit entries by the operation that produced them.
type Kind int32

const (
	KindUnknown Kind = iota
	KindDeposit
	KindWithdrawInitiated
	KindWithdrawConfirmed
	KindWithdrawRejected
	KindWithdrawAbandoned
	KindForceCredit
	KindLiquidityDeposit
	KindLiquidityRefund
	KindLiquidityWithdrawInitiated
	KindLiquidityWithdrawConfirmed
	KindLiquidityWithdrawRejected
	KindBetSettled
	KindBetRefunded
	KindSweep
)

func (k Kind) String() string {
	switch k {
	case KindDeposit:
		return "Deposit"
	case KindWithdrawInitiated:
		return "WithdrawInitiated"
	case KindWithdrawConfirmed:
		return "WithdrawConfirmed"
	case KindWithdrawRejected:
		return "WithdrawRejected"
	case KindWithdrawAbandoned:
		return "WithdrawAbandoned"
	case KindForceCredit:
		return "ForceCredit"
	case KindLiquidityDeposit:
		return "LiquidityDeposit"
	case KindLiquidityRefund:
		return "LiquidityRefund"
	case KindLiquidityWithdrawInitiated:
		return "LiquidityWithdrawInitiated"
	case KindLiquidityWithdrawConfirmed:
		return "LiquidityWithdrawConfirmed"
	case KindLiquidityWithdrawRejected:
		return "LiquidityWithdrawRejected"
	case KindBetSettled:
		return "BetSettled"
	case KindBetRefunded:
		return "BetRefunded"
	case KindSweep:
		return "Sweep"
	default:
		return "Unknown"
	}
}

// ParseKind inverts String. Unrecognized names map to KindUnknown.
func ParseKind(name string) Kind {
	for k := KindDeposit; k <= KindSweep; k++ {
		if k.String() == name {
			return k
		}
	}
	return KindUnknown
}

// Entry is one immutable audit record. Hash covers prev_hash, sequence
// and the canonical entry bytes, chaining each entry to its predecessor.
type Entry struct {
	Seq          int64
	EntryID      uuid.UUID
	Kind         Kind
	Account      string
	Amount       uint64
	BalanceAfter uint64
	Detail       map[string]string
	Hash         [32]byte
	PrevHash     [32]byte
	CreatedAt    time.Time
}

const genesisSeed = "Bankroll:audit:genesis:v1"

// Chain assigns sequence numbers and hashes to audit entries. Not safe
// for concurrent use; the engine appends under its own lock.
type Chain struct {
	nextSeq  int64
	prevHash [32]byte
}

// NewChain starts a chain at the genesis hash.
func NewChain() *Chain {
	return &Chain{prevHash: sha256.Sum256([]byte(genesisSeed))}
}

// Restore resumes a chain from a persisted tip.
func (c *Chain) Restore(nextSeq int64, prevHash [32]byte) {
	c.nextSeq = nextSeq
	c.prevHash = prevHash
}

// Append seals an entry into the chain: assigns the next sequence,
// computes its hash, and advances the tip.
func (c *Chain) Append(kind Kind, account string, amount, balanceAfter uint64, detail map[string]string) Entry {
	e := Entry{
		Seq:          c.nextSeq,
		EntryID:      uuid.New(),
		Kind:         kind,
		Account:      account,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Detail:       detail,
		PrevHash:     c.prevHash,
		CreatedAt:    time.Now().UTC(),
	}

	e.Hash = computeHash(c.prevHash, e.Seq, canonicalBytes(&e))
	c.prevHash = e.Hash
	c.nextSeq++

	return e
}

// Tip returns the current chain tip and the next sequence to assign.
func (c *Chain) Tip() (nextSeq int64, prevHash [32]byte) {
	return c.nextSeq, c.prevHash
}

// Verify recomputes the entry's hash from the given predecessor hash
// and reports whether it matches the stored one. Used by external
// verifiers replaying a persisted chain.
func (e *Entry) Verify(prevHash [32]byte) bool {
	return computeHash(prevHash, e.Seq, canonicalBytes(e)) == e.Hash
}

// computeHash calculates hash[N] = SHA-256(prev_hash || seq || entry bytes).
func computeHash(prevHash [32]byte, seq int64, entryBytes []byte) [32]byte {
	hasher := sha256.New()
	hasher.Write(prevHash[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(seq))
	hasher.Write(seqBuf[:])

	hasher.Write(entryBytes)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// canonicalBytes serializes the hashed portion of an entry. Detail keys
// are sorted so the encoding is deterministic.
func canonicalBytes(e *Entry) []byte {
	buf := make([]byte, 0, 64+len(e.Account))

	buf = appendUint32LE(buf, uint32(e.Kind))
	buf = appendString(buf, e.Account)
	buf = appendUint64LE(buf, e.Amount)
	buf = appendUint64LE(buf, e.BalanceAfter)

	keys := make([]string, 0, len(e.Detail))
	for k := range e.Detail {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		buf = appendString(buf, k)
		buf = appendString(buf, e.Detail[k])
	}

	return buf
}

func appendString(buf []byte, s string) []byte {
	buf = appendUint32LE(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendUint32LE(buf []byte, v uint32) []byte {
	return append(buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

func appendUint64LE(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v), byte(v>>8), byte(v>>16), byte(v>>24),
		byte(v>>32), byte(v>>40), byte(v>>48), byte(v>>56),
	)
}
