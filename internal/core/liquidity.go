package core

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"Bankroll/internal/audit"
	"Bankroll/internal/ledger"
	"Bankroll/internal/pool"
)

// DepositLiquidity pulls amount from the provider's external account
// and mints pool shares. minShares, when non-nil, is the provider's
// slippage bound: if the mint would fall below it, the already-pulled
// tokens are credited to the provider's internal balance instead of
// being pushed back out, so the failure path has no external call that
// could itself fail.
func (e *Engine) DepositLiquidity(ctx context.Context, account string, amount uint64, minShares *big.Int) (*big.Int, error) {
	start := time.Now()

	if amount < e.cfg.MinLiquidityDeposit {
		e.reject("lp_deposit", "below_minimum")
		return nil, fmt.Errorf("liquidity deposit %d < %d: %w", amount, e.cfg.MinLiquidityDeposit, ledger.ErrBelowMinimum)
	}

	e.mu.Lock()
	if e.book.Pending(account) != nil {
		e.mu.Unlock()
		e.reject("lp_deposit", "pending_withdrawal")
		return nil, fmt.Errorf("liquidity deposit %s: %w", account, ledger.ErrConflictingPending)
	}
	e.mu.Unlock()

	receipt, err := e.pull(ctx, account, amount)
	if err != nil {
		e.reject("lp_deposit", "transfer")
		return nil, fmt.Errorf("liquidity deposit pull: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	minted, err := e.pool.Deposit(account, amount, minShares)
	if err != nil {
		// The pull succeeded; the tokens stay inside as an internal
		// balance refund rather than risking a second external transfer.
		balance, creditErr := e.book.ForceCredit(account, amount)
		if creditErr != nil {
			e.log.Error().Err(creditErr).Str("account", account).Uint64("amount", amount).
				Msg("liquidity refund credit failed, funds floating until sweep")
			return nil, fmt.Errorf("liquidity refund: %w", creditErr)
		}

		rows := rowSet{}
		rows.balance(account, balance)
		e.emitLocked(audit.KindLiquidityRefund, account, amount, balance,
			map[string]string{"cause": err.Error()}, rows)

		e.reject("lp_deposit", "slippage")
		e.log.Warn().Str("account", account).Uint64("amount", amount).
			Err(err).Msg("liquidity deposit refunded to internal balance")
		return nil, fmt.Errorf("liquidity deposit: %w", err)
	}

	rows := rowSet{pool: e.poolRow()}
	rows.share(account, e.pool.SharesOf(account))
	rows.share(pool.BurnAccount, e.pool.SharesOf(pool.BurnAccount))
	e.emitLocked(audit.KindLiquidityDeposit, account, amount, e.book.Balance(account),
		map[string]string{
			"receipt": fmt.Sprintf("%d", receipt),
			"shares":  minted.String(),
		}, rows)

	e.applied("lp_deposit", start)
	e.log.Info().Str("account", account).Uint64("amount", amount).
		Str("shares", minted.String()).Msg("liquidity deposit")
	return minted, nil
}

// WithdrawLiquidity burns shares for a proportional payout. The fee is
// a share reassignment to the fee collector, applied in the same locked
// step as the burn, then the payout is pushed. Returns the payout
// amount. Ambiguous pushes park in the pending state machine like user
// withdrawals; the pending record carries the share rollback data.
func (e *Engine) WithdrawLiquidity(ctx context.Context, account string, shares *big.Int) (uint64, error) {
	start := time.Now()

	e.mu.Lock()
	if e.book.Pending(account) != nil {
		e.mu.Unlock()
		e.reject("lp_withdraw", "pending_withdrawal")
		return 0, fmt.Errorf("liquidity withdraw %s: %w", account, ledger.ErrConflictingPending)
	}

	quote, err := e.pool.QuoteWithdraw(account, shares)
	if err != nil {
		e.mu.Unlock()
		e.reject("lp_withdraw", "quote")
		return 0, err
	}
	if err := e.pool.ApplyWithdraw(account, quote); err != nil {
		e.mu.Unlock()
		e.reject("lp_withdraw", "apply")
		return 0, err
	}
	p, err := e.book.BeginProviderWithdrawal(account, quote.Payout, quote.NetShares, quote.FeeShares, e.now())
	if err != nil {
		// unreachable after the pending pre-check, but never leave the
		// pool mutated without a pending record
		e.pool.RollbackWithdraw(account, quote)
		e.mu.Unlock()
		return 0, err
	}

	rows := rowSet{pool: e.poolRow(), pending: []PendingRow{pendingUpsert(p)}}
	rows.share(account, e.pool.SharesOf(account))
	rows.share(e.cfg.FeeCollector, e.pool.SharesOf(e.cfg.FeeCollector))
	e.emitLocked(audit.KindLiquidityWithdrawInitiated, account, quote.Payout, e.book.Balance(account),
		map[string]string{
			"shares":     shares.String(),
			"fee_shares": quote.FeeShares.String(),
		}, rows)
	e.mu.Unlock()

	_, pushErr := e.push(ctx, account, quote.Payout)
	if err := e.finishWithdrawal(account, pushErr); err != nil {
		return 0, err
	}

	e.applied("lp_withdraw", start)
	return quote.Payout, nil
}

// PoolSnapshot is the read-only pool view for the API.
type PoolSnapshot struct {
	Reserve     uint64
	TotalShares *big.Int
	MaxPayout   uint64
}

// PoolStats returns the pool's public scalars.
func (e *Engine) PoolStats() PoolSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return PoolSnapshot{
		Reserve:     e.pool.Reserve(),
		TotalShares: e.pool.TotalShares(),
		MaxPayout:   e.pool.MaxPayout(e.cfg.MaxPayoutBPS),
	}
}

// SharesOf returns a provider's share count.
func (e *Engine) SharesOf(account string) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.SharesOf(account)
}
