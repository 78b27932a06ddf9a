package core

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"Bankroll/internal/audit"
	"Bankroll/internal/game"
	"Bankroll/internal/ledger"
	cmath "Bankroll/internal/math"
)

// BetResult is the settled outcome of one bet.
type BetResult struct {
	Game    game.Kind
	Bet     uint64
	Payout  uint64
	Seed    [32]byte
	Balance uint64
}

// SeedHex returns the resolution seed as a hex string, matching the
// form in which it is published in audit entries.
func (r BetResult) SeedHex() string {
	return hex.EncodeToString(r.Seed[:])
}

// PlaceBet runs the full bet pipeline: validate, cap against the pool,
// acquire randomness, then deduct, resolve, credit, and settle the pool
// in one uninterrupted step. The randomness await sits between the
// check and the deduction, so both the balance and the payout cap are
// re-verified after it. A pool that cannot cover the payout refunds the
// bet instead of paying partially.
func (e *Engine) PlaceBet(ctx context.Context, account string, kind game.Kind, amount uint64) (BetResult, error) {
	start := time.Now()

	if amount < e.cfg.MinBet {
		e.reject("bet", "below_minimum")
		return BetResult{}, fmt.Errorf("bet %d < %d: %w", amount, e.cfg.MinBet, ledger.ErrBelowMinimum)
	}
	multiplier, err := game.WorstCaseMultiplier(kind)
	if err != nil {
		e.reject("bet", "unknown_game")
		return BetResult{}, err
	}
	worstCase, err := cmath.CheckedMul(amount, multiplier)
	if err != nil {
		e.reject("bet", "too_large")
		return BetResult{}, fmt.Errorf("bet %d x%d: %w", amount, multiplier, ErrBetTooLarge)
	}

	// Cheap pre-checks before burning a randomness round trip. Both are
	// repeated after the await; only the post-await checks are binding.
	e.mu.Lock()
	if cap := e.pool.MaxPayout(e.cfg.MaxPayoutBPS); worstCase > cap {
		e.mu.Unlock()
		e.reject("bet", "too_large")
		return BetResult{}, fmt.Errorf("worst case %d > cap %d: %w",
			worstCase, cap, ErrBetTooLarge)
	}
	if e.book.Balance(account) < amount {
		e.mu.Unlock()
		e.reject("bet", "insufficient_balance")
		return BetResult{}, fmt.Errorf("bet %s: %w", account, ledger.ErrInsufficientBalance)
	}
	e.mu.Unlock()

	seed, err := e.randomness.Randomness(ctx)
	if err != nil {
		e.reject("bet", "randomness")
		return BetResult{}, fmt.Errorf("%w: %v", ErrRandomnessUnavailable, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if worstCase > e.pool.MaxPayout(e.cfg.MaxPayoutBPS) {
		e.reject("bet", "too_large")
		return BetResult{}, fmt.Errorf("worst case %d > cap %d: %w",
			worstCase, e.poolMaxPayoutLocked(), ErrBetTooLarge)
	}
	if _, err := e.book.Debit(account, amount); err != nil {
		e.reject("bet", "insufficient_balance")
		return BetResult{}, err
	}

	payout, err := game.Resolve(kind, amount, seed)
	if err != nil {
		// unreachable: the kind was validated and every resolver payout
		// is bounded by the checked worst-case product; restore the
		// stake all the same
		e.book.ForceCredit(account, amount)
		return BetResult{}, err
	}

	if err := e.pool.SettleBet(amount, payout); err != nil {
		balance, creditErr := e.book.ForceCredit(account, amount)
		if creditErr != nil {
			return BetResult{}, fmt.Errorf("bet refund: %w", creditErr)
		}

		rows := rowSet{}
		rows.balance(account, balance)
		e.emitLocked(audit.KindBetRefunded, account, amount, balance,
			map[string]string{
				"game":  kind.String(),
				"cause": err.Error(),
			}, rows)

		if e.metrics != nil {
			e.metrics.BetRefunds.Inc()
		}
		e.reject("bet", "pool_insolvent")
		e.log.Warn().Str("account", account).Str("game", kind.String()).
			Uint64("bet", amount).Uint64("payout", payout).
			Msg("pool cannot cover payout, bet refunded")
		return BetResult{}, fmt.Errorf("settle bet: %w", err)
	}

	balance := e.book.Balance(account)
	if payout > 0 {
		// forced credit: a pending record created by an interleaved
		// deposit path must not block the payout
		balance, err = e.book.ForceCredit(account, payout)
		if err != nil {
			return BetResult{}, fmt.Errorf("bet payout credit: %w", err)
		}
	}

	rows := rowSet{pool: e.poolRow()}
	rows.balance(account, balance)
	e.emitLocked(audit.KindBetSettled, account, amount, balance,
		map[string]string{
			"game":   kind.String(),
			"payout": fmt.Sprintf("%d", payout),
			"seed":   hex.EncodeToString(seed[:]),
		}, rows)

	if e.metrics != nil {
		e.metrics.BetVolume.WithLabelValues(kind.String()).Add(float64(amount))
		e.metrics.BetPayouts.WithLabelValues(kind.String()).Add(float64(payout))
	}
	e.applied("bet", start)
	e.log.Info().Str("account", account).Str("game", kind.String()).
		Uint64("bet", amount).Uint64("payout", payout).Msg("bet settled")

	return BetResult{
		Game:    kind,
		Bet:     amount,
		Payout:  payout,
		Seed:    seed,
		Balance: balance,
	}, nil
}

func (e *Engine) poolMaxPayoutLocked() uint64 {
	return e.pool.MaxPayout(e.cfg.MaxPayoutBPS)
}

// MaxBet returns the largest stake currently accepted for a game.
func (e *Engine) MaxBet(kind game.Kind) (uint64, error) {
	multiplier, err := game.WorstCaseMultiplier(kind)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pool.MaxPayout(e.cfg.MaxPayoutBPS) / multiplier, nil
}
