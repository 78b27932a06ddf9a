package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"Bankroll/internal/audit"
	"Bankroll/internal/ledger"
	"Bankroll/internal/pool"
)

// Restore loads the persisted state into fresh book, pool, and chain
// instances at boot. Pending withdrawals come back without an in-flight
// claim: any transfer that was outstanding when the process died is by
// definition ambiguous now, which is exactly what the retry path
// handles.
func Restore(ctx context.Context, db *sql.DB, book *ledger.Book, pl *pool.Pool, chain *audit.Chain) error {
	if err := restoreBalances(ctx, db, book); err != nil {
		return fmt.Errorf("restore balances: %w", err)
	}
	if err := restorePending(ctx, db, book); err != nil {
		return fmt.Errorf("restore pending withdrawals: %w", err)
	}
	if err := restorePool(ctx, db, pl); err != nil {
		return fmt.Errorf("restore pool: %w", err)
	}
	if err := restoreShares(ctx, db, pl); err != nil {
		return fmt.Errorf("restore shares: %w", err)
	}
	if err := restoreChainTip(ctx, db, chain); err != nil {
		return fmt.Errorf("restore audit chain: %w", err)
	}
	return nil
}

func restoreBalances(ctx context.Context, db *sql.DB, book *ledger.Book) error {
	rows, err := db.QueryContext(ctx,
		`SELECT account, balance FROM bankroll.balances WHERE balance > 0`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var account string
		var balance int64
		if err := rows.Scan(&account, &balance); err != nil {
			return err
		}
		book.SetBalance(account, uint64(balance))
	}
	return rows.Err()
}

func restorePending(ctx context.Context, db *sql.DB, book *ledger.Book) error {
	rows, err := db.QueryContext(ctx, `
		SELECT account, amount, kind, restore_shares, fee_shares, created_at
		FROM bankroll.pending_withdrawals`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			account                  string
			amount                   int64
			kind                     int16
			restoreShares, feeShares sql.NullString
			createdAt                time.Time
		)
		if err := rows.Scan(&account, &amount, &kind, &restoreShares, &feeShares, &createdAt); err != nil {
			return err
		}

		p := &ledger.PendingWithdrawal{
			Account:   account,
			Amount:    uint64(amount),
			Kind:      ledger.WithdrawalKind(kind),
			CreatedAt: createdAt,
		}
		if restoreShares.Valid {
			v, err := parseShares(restoreShares.String)
			if err != nil {
				return fmt.Errorf("account %s restore_shares: %w", account, err)
			}
			p.RestoreShares = v
		}
		if feeShares.Valid {
			v, err := parseShares(feeShares.String)
			if err != nil {
				return fmt.Errorf("account %s fee_shares: %w", account, err)
			}
			p.FeeShares = v
		}
		book.RestorePending(p)
	}
	return rows.Err()
}

func restorePool(ctx context.Context, db *sql.DB, pl *pool.Pool) error {
	var reserve int64
	var totalShares string
	err := db.QueryRowContext(ctx,
		`SELECT reserve, total_shares FROM bankroll.pool WHERE id = 1`,
	).Scan(&reserve, &totalShares)
	if err == sql.ErrNoRows {
		return nil // fresh deployment, empty pool
	}
	if err != nil {
		return err
	}

	total, err := parseShares(totalShares)
	if err != nil {
		return fmt.Errorf("total_shares: %w", err)
	}
	pl.SetReserve(uint64(reserve))
	pl.SetTotalShares(total)
	return nil
}

func restoreShares(ctx context.Context, db *sql.DB, pl *pool.Pool) error {
	rows, err := db.QueryContext(ctx,
		`SELECT account, shares FROM bankroll.lp_shares WHERE shares <> '0'`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var account, shares string
		if err := rows.Scan(&account, &shares); err != nil {
			return err
		}
		v, err := parseShares(shares)
		if err != nil {
			return fmt.Errorf("account %s: %w", account, err)
		}
		pl.SetShares(account, v)
	}
	return rows.Err()
}

func restoreChainTip(ctx context.Context, db *sql.DB, chain *audit.Chain) error {
	var seq int64
	var hash []byte
	err := db.QueryRowContext(ctx,
		`SELECT seq, hash FROM bankroll.audit_log ORDER BY seq DESC LIMIT 1`,
	).Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return nil // empty log, chain starts at genesis
	}
	if err != nil {
		return err
	}
	if len(hash) != 32 {
		return fmt.Errorf("audit tip seq %d: hash is %d bytes, want 32", seq, len(hash))
	}

	var tip [32]byte
	copy(tip[:], hash)
	chain.Restore(seq+1, tip)
	return nil
}

func parseShares(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed share count %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative share count %q", s)
	}
	return v, nil
}
