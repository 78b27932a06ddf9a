package query

import "time"

// AuditRecord is one persisted audit entry as served to API clients.
// Hashes are hex-encoded; Detail carries the operation-specific fields
// (receipt ids, share amounts, seeds, rejection causes).
type AuditRecord struct {
	Seq          int64             `json:"seq"`
	EntryID      string            `json:"entry_id"`
	Kind         string            `json:"kind"`
	Account      string            `json:"account"`
	Amount       uint64            `json:"amount"`
	BalanceAfter uint64            `json:"balance_after"`
	Detail       map[string]string `json:"detail,omitempty"`
	Hash         string            `json:"hash"`
	PrevHash     string            `json:"prev_hash"`
	CreatedAt    time.Time         `json:"created_at"`
}

// VerifyResult reports an integrity walk over a stretch of the
// persisted audit log.
type VerifyResult struct {
	FromSeq int64 `json:"from_seq"`
	ToSeq   int64 `json:"to_seq"`
	Checked int64 `json:"checked"`
	Valid   bool  `json:"valid"`

	// BrokenSeq is the first sequence whose hash did not verify, when
	// Valid is false.
	BrokenSeq int64  `json:"broken_seq,omitempty"`
	Reason    string `json:"reason,omitempty"`
}
