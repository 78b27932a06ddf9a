// Package query serves read-only views of the persisted audit log.
// Queries go to Postgres, not the in-memory engine, so results trail
// live state by at most the persistence worker's flush interval.
package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"Bankroll/internal/audit"
)

type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

const recordColumns = `seq, entry_id, kind, account, amount, balance_after, detail, hash, prev_hash, created_at`

// AccountHistory returns an account's audit entries, newest first.
// beforeSeq is a pagination cursor: pass the last seq of the previous
// page, or nil for the first page.
func (qs *QueryService) AccountHistory(ctx context.Context, account string, limit int, beforeSeq *int64) ([]AuditRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM bankroll.audit_log WHERE account = $1`
	args := []interface{}{account}

	if beforeSeq != nil {
		query += ` AND seq < $2 ORDER BY seq DESC LIMIT $3`
		args = append(args, *beforeSeq, limit)
	} else {
		query += ` ORDER BY seq DESC LIMIT $2`
		args = append(args, limit)
	}

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("account history %s: %w", account, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// Recent returns the newest audit entries across all accounts,
// optionally filtered by kind.
func (qs *QueryService) Recent(ctx context.Context, kind string, limit int) ([]AuditRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM bankroll.audit_log`
	args := []interface{}{}

	if kind != "" {
		query += ` WHERE kind = $1 ORDER BY seq DESC LIMIT $2`
		args = append(args, kind, limit)
	} else {
		query += ` ORDER BY seq DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent entries: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// VerifyChain walks the persisted log from fromSeq, recomputing each
// entry's hash against its predecessor. It checks both the content hash
// and the linkage, so any tampered or missing row is caught. The walk
// covers at most limit entries per call; callers page through the log
// by resuming from ToSeq+1.
func (qs *QueryService) VerifyChain(ctx context.Context, fromSeq int64, limit int) (VerifyResult, error) {
	result := VerifyResult{FromSeq: fromSeq, ToSeq: fromSeq - 1, Valid: true}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM bankroll.audit_log
		WHERE seq >= $1
		ORDER BY seq ASC
		LIMIT $2
	`, fromSeq, limit)
	if err != nil {
		return result, fmt.Errorf("verify chain: %w", err)
	}
	defer rows.Close()

	// The prev hash of the first row anchors the walk: the stored
	// prev_hash is trusted as the anchor and only the stretch after it
	// is proved. Resuming from a previously verified ToSeq+1 chains the
	// proofs together.
	var prevHash [32]byte
	havePrev := false
	expectSeq := fromSeq

	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return result, err
		}

		if entry.Seq != expectSeq {
			result.Valid = false
			result.BrokenSeq = expectSeq
			result.Reason = fmt.Sprintf("gap: expected seq %d, found %d", expectSeq, entry.Seq)
			return result, nil
		}

		if !havePrev {
			prevHash = entry.PrevHash
			havePrev = true
		}

		if entry.PrevHash != prevHash {
			result.Valid = false
			result.BrokenSeq = entry.Seq
			result.Reason = "prev_hash does not match predecessor"
			return result, nil
		}
		if !entry.Verify(prevHash) {
			result.Valid = false
			result.BrokenSeq = entry.Seq
			result.Reason = "hash does not match entry contents"
			return result, nil
		}

		prevHash = entry.Hash
		result.ToSeq = entry.Seq
		result.Checked++
		expectSeq++
	}

	return result, rows.Err()
}

func scanRecords(rows *sql.Rows) ([]AuditRecord, error) {
	var records []AuditRecord
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, AuditRecord{
			Seq:          entry.Seq,
			EntryID:      entry.EntryID.String(),
			Kind:         entry.Kind.String(),
			Account:      entry.Account,
			Amount:       entry.Amount,
			BalanceAfter: entry.BalanceAfter,
			Detail:       entry.Detail,
			Hash:         hex.EncodeToString(entry.Hash[:]),
			PrevHash:     hex.EncodeToString(entry.PrevHash[:]),
			CreatedAt:    entry.CreatedAt,
		})
	}
	return records, rows.Err()
}

func scanEntry(rows *sql.Rows) (audit.Entry, error) {
	var (
		entry      audit.Entry
		kind       string
		amount     int64
		balance    int64
		detailJSON []byte
		hash       []byte
		prevHash   []byte
	)
	if err := rows.Scan(
		&entry.Seq, &entry.EntryID, &kind, &entry.Account,
		&amount, &balance, &detailJSON, &hash, &prevHash, &entry.CreatedAt,
	); err != nil {
		return entry, fmt.Errorf("scan audit row: %w", err)
	}

	entry.Kind = audit.ParseKind(kind)
	entry.Amount = uint64(amount)
	entry.BalanceAfter = uint64(balance)
	copy(entry.Hash[:], hash)
	copy(entry.PrevHash[:], prevHash)

	if len(detailJSON) > 0 {
		if err := json.Unmarshal(detailJSON, &entry.Detail); err != nil {
			return entry, fmt.Errorf("unmarshal detail seq=%d: %w", entry.Seq, err)
		}
	}
	if len(entry.Detail) == 0 {
		entry.Detail = nil
	}

	return entry, nil
}
