// Package persistence writes the engine's state updates to Postgres
// and restores them at boot. The audit log is append-only; balances,
// shares, the pool row, and pending withdrawals are upserted to their
// latest values. All writes for one batch share a transaction.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"Bankroll/internal/core"
)

// StateWriter builds the multi-row statements for one batch of state
// updates. Multi-row INSERT with ON CONFLICT keeps replays after a
// crash idempotent: the audit sequence is the dedup key.
type StateWriter struct {
	db *sql.DB
}

func NewStateWriter(db *sql.DB) *StateWriter {
	return &StateWriter{db: db}
}

// WriteBatch applies a batch of updates in one transaction.
func (w *StateWriter) WriteBatch(ctx context.Context, updates []core.StateUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := w.writeAuditRows(ctx, tx, updates); err != nil {
		return fmt.Errorf("audit rows: %w", err)
	}
	if err := w.writeBalanceRows(ctx, tx, updates); err != nil {
		return fmt.Errorf("balance rows: %w", err)
	}
	if err := w.writeShareRows(ctx, tx, updates); err != nil {
		return fmt.Errorf("share rows: %w", err)
	}
	if err := w.writePoolRow(ctx, tx, updates); err != nil {
		return fmt.Errorf("pool row: %w", err)
	}
	if err := w.writePendingRows(ctx, tx, updates); err != nil {
		return fmt.Errorf("pending rows: %w", err)
	}

	return tx.Commit()
}

func (w *StateWriter) writeAuditRows(ctx context.Context, tx *sql.Tx, updates []core.StateUpdate) error {
	query := `INSERT INTO bankroll.audit_log
		(seq, entry_id, kind, account, amount, balance_after, detail, hash, prev_hash, created_at)
		VALUES `

	values := make([]string, 0, len(updates))
	args := make([]interface{}, 0, len(updates)*10)

	for i, u := range updates {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))

		detail, err := json.Marshal(u.Entry.Detail)
		if err != nil {
			detail = []byte("{}")
			log.Printf("WARN: marshal audit detail seq=%d: %v", u.Entry.Seq, err)
		}

		e := u.Entry
		args = append(args,
			e.Seq, e.EntryID, e.Kind.String(), e.Account,
			int64(e.Amount), int64(e.BalanceAfter), detail,
			e.Hash[:], e.PrevHash[:], e.CreatedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (seq) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (w *StateWriter) writeBalanceRows(ctx context.Context, tx *sql.Tx, updates []core.StateUpdate) error {
	// Later updates win: collapse to the final balance per account before
	// writing so a single upsert per account suffices.
	final := make(map[string]uint64)
	for _, u := range updates {
		for account, balance := range u.Balances {
			final[account] = balance
		}
	}
	if len(final) == 0 {
		return nil
	}

	query := `INSERT INTO bankroll.balances (account, balance, updated_at) VALUES `
	values := make([]string, 0, len(final))
	args := make([]interface{}, 0, len(final)*2)
	i := 0
	for account, balance := range final {
		values = append(values, fmt.Sprintf("($%d, $%d, NOW())", i*2+1, i*2+2))
		args = append(args, account, int64(balance))
		i++
	}
	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (account) DO UPDATE
		SET balance = EXCLUDED.balance, updated_at = NOW()`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (w *StateWriter) writeShareRows(ctx context.Context, tx *sql.Tx, updates []core.StateUpdate) error {
	final := make(map[string]string)
	for _, u := range updates {
		for account, shares := range u.Shares {
			final[account] = shares.String()
		}
	}
	if len(final) == 0 {
		return nil
	}

	query := `INSERT INTO bankroll.lp_shares (account, shares, updated_at) VALUES `
	values := make([]string, 0, len(final))
	args := make([]interface{}, 0, len(final)*2)
	i := 0
	for account, shares := range final {
		values = append(values, fmt.Sprintf("($%d, $%d, NOW())", i*2+1, i*2+2))
		args = append(args, account, shares)
		i++
	}
	query += strings.Join(values, ", ")
	query += ` ON CONFLICT (account) DO UPDATE
		SET shares = EXCLUDED.shares, updated_at = NOW()`

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (w *StateWriter) writePoolRow(ctx context.Context, tx *sql.Tx, updates []core.StateUpdate) error {
	var latest *core.PoolRow
	for _, u := range updates {
		if u.Pool != nil {
			latest = u.Pool
		}
	}
	if latest == nil {
		return nil
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO bankroll.pool (id, reserve, total_shares, updated_at)
		VALUES (1, $1, $2, NOW())
		ON CONFLICT (id) DO UPDATE
			SET reserve = EXCLUDED.reserve,
			    total_shares = EXCLUDED.total_shares,
			    updated_at = NOW()`,
		int64(latest.Reserve), latest.TotalShares.String())
	return err
}

func (w *StateWriter) writePendingRows(ctx context.Context, tx *sql.Tx, updates []core.StateUpdate) error {
	// Pending rows are a state machine, not a value cell: apply upserts
	// and deletes in order rather than collapsing.
	for _, u := range updates {
		for _, row := range u.Pending {
			if row.Delete {
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM bankroll.pending_withdrawals WHERE account = $1`,
					row.Account); err != nil {
					return err
				}
				continue
			}

			var restoreShares, feeShares sql.NullString
			if row.RestoreShares != nil {
				restoreShares = sql.NullString{String: row.RestoreShares.String(), Valid: true}
			}
			if row.FeeShares != nil {
				feeShares = sql.NullString{String: row.FeeShares.String(), Valid: true}
			}

			if _, err := tx.ExecContext(ctx, `
				INSERT INTO bankroll.pending_withdrawals
					(account, amount, kind, restore_shares, fee_shares, created_at)
				VALUES ($1, $2, $3, $4, $5, $6)
				ON CONFLICT (account) DO UPDATE
					SET amount = EXCLUDED.amount,
					    kind = EXCLUDED.kind,
					    restore_shares = EXCLUDED.restore_shares,
					    fee_shares = EXCLUDED.fee_shares,
					    created_at = EXCLUDED.created_at`,
				row.Account, int64(row.Amount), int16(row.Kind),
				restoreShares, feeShares, row.CreatedAt); err != nil {
				return err
			}
		}
	}
	return nil
}
