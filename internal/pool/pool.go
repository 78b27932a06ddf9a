// Package pool owns the liquidity share accounting: per-provider share
// counts, the total share supply, and the single reserve scalar that is
// the pool's claim on the external asset. Share counts are arbitrary
// precision — mint sequences must never overflow. Like the ledger book,
// this is a leaf: the engine serializes access and orders every mutation
// against external transfers.
package pool

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	cmath "Bankroll/internal/math"
)

const (
	// MinimumLiquidity is burned to BurnAccount on the very first deposit,
	// permanently diluting the supply so a first depositor cannot
	// manipulate the share price against later entrants.
	MinimumLiquidity = 1_000

	// BurnAccount holds the permanently locked bootstrap shares.
	BurnAccount = "pool:burn"
)

var (
	// ErrInsufficientShares is returned when a withdrawal exceeds the
	// provider's share holding.
	ErrInsufficientShares = errors.New("insufficient shares")

	// ErrInsufficientReserve is returned when the house cannot afford a
	// payout without draining the reserve below zero.
	ErrInsufficientReserve = errors.New("insufficient pool reserve")

	// ErrSlippage is returned when a computed share mint falls below the
	// depositor's minimum-shares bound.
	ErrSlippage = errors.New("share mint below slippage bound")

	// ErrBootstrapTooSmall is returned when the first deposit does not
	// exceed the minimum-liquidity burn.
	ErrBootstrapTooSmall = errors.New("bootstrap deposit below minimum liquidity")

	// ErrReservedAccount is returned for withdrawals naming the burn
	// account. Its bootstrap shares are permanently locked; paying them
	// out would undo the supply dilution.
	ErrReservedAccount = errors.New("reserved pool account")
)

// Pool is the share ledger plus reserve.
type Pool struct {
	reserve      uint64
	totalShares  *big.Int
	shares       map[string]*big.Int
	feeBPS       uint64
	feeCollector string
}

// New creates an empty pool. feeBPS is the withdrawal fee in basis
// points, paid by atomic share reassignment to feeCollector.
func New(feeBPS uint64, feeCollector string) *Pool {
	return &Pool{
		totalShares:  new(big.Int),
		shares:       make(map[string]*big.Int),
		feeBPS:       feeBPS,
		feeCollector: feeCollector,
	}
}

// Reserve returns the pool's claim on the external asset.
func (p *Pool) Reserve() uint64 {
	return p.reserve
}

// TotalShares returns a copy of the total share supply.
func (p *Pool) TotalShares() *big.Int {
	return new(big.Int).Set(p.totalShares)
}

// SharesOf returns a copy of an account's share count.
func (p *Pool) SharesOf(account string) *big.Int {
	if s, ok := p.shares[account]; ok {
		return new(big.Int).Set(s)
	}
	return new(big.Int)
}

// Deposit mints shares for a completed pull of amount tokens. On
// bootstrap it mints amount shares and locks MinimumLiquidity of them in
// the burn account; afterwards it mints amount * total / reserve with
// floor division. minShares, when non-nil, is the depositor's slippage
// bound: a mint below it returns ErrSlippage with no state changed, and
// the caller must refund the already-pulled tokens.
func (p *Pool) Deposit(account string, amount uint64, minShares *big.Int) (*big.Int, error) {
	if p.totalShares.Sign() == 0 {
		if amount <= MinimumLiquidity {
			return nil, fmt.Errorf("deposit %d: %w", amount, ErrBootstrapTooSmall)
		}

		minted := new(big.Int).SetUint64(amount - MinimumLiquidity)
		if minShares != nil && minted.Cmp(minShares) < 0 {
			return nil, fmt.Errorf("minted %s, bound %s: %w", minted, minShares, ErrSlippage)
		}

		newReserve, err := cmath.CheckedAdd(p.reserve, amount)
		if err != nil {
			return nil, fmt.Errorf("deposit reserve: %w", err)
		}

		p.creditShares(BurnAccount, big.NewInt(MinimumLiquidity))
		p.creditShares(account, minted)
		p.totalShares.Add(p.totalShares, new(big.Int).SetUint64(amount))
		p.reserve = newReserve
		return minted, nil
	}

	minted := cmath.MulDivBig(p.totalShares, amount, p.reserve)
	if minShares != nil && minted.Cmp(minShares) < 0 {
		return nil, fmt.Errorf("minted %s, bound %s: %w", minted, minShares, ErrSlippage)
	}
	if minted.Sign() == 0 {
		return nil, fmt.Errorf("deposit %d mints zero shares: %w", amount, ErrSlippage)
	}

	newReserve, err := cmath.CheckedAdd(p.reserve, amount)
	if err != nil {
		return nil, fmt.Errorf("deposit reserve: %w", err)
	}

	p.creditShares(account, minted)
	p.totalShares.Add(p.totalShares, minted)
	p.reserve = newReserve
	return minted, nil
}

// WithdrawQuote prices a share withdrawal without mutating anything.
// The fee is taken in shares — a fixed basis-point fraction reassigned
// to the fee collector — so no second external transfer exists to fail.
type WithdrawQuote struct {
	NetShares *big.Int // burned for the payout
	FeeShares *big.Int // reassigned to the fee collector
	Payout    uint64   // net_shares * reserve / total_shares
}

// QuoteWithdraw computes the quote for withdrawing shares.
func (p *Pool) QuoteWithdraw(account string, shares *big.Int) (WithdrawQuote, error) {
	if account == BurnAccount {
		return WithdrawQuote{}, fmt.Errorf("withdraw %s: %w", account, ErrReservedAccount)
	}
	if shares == nil || shares.Sign() <= 0 {
		return WithdrawQuote{}, fmt.Errorf("withdraw: non-positive share count: %w", ErrInsufficientShares)
	}

	held := p.shares[account]
	if held == nil || held.Cmp(shares) < 0 {
		return WithdrawQuote{}, fmt.Errorf("withdraw %s: holds %s, wants %s: %w",
			account, p.SharesOf(account), shares, ErrInsufficientShares)
	}

	feeShares := cmath.ShareBasisPoints(shares, p.feeBPS)
	netShares := new(big.Int).Sub(shares, feeShares)

	payoutBig := new(big.Int).Mul(netShares, new(big.Int).SetUint64(p.reserve))
	payoutBig.Quo(payoutBig, p.totalShares)
	if !payoutBig.IsUint64() {
		return WithdrawQuote{}, fmt.Errorf("withdraw payout: %w", cmath.ErrOverflow)
	}

	return WithdrawQuote{
		NetShares: netShares,
		FeeShares: feeShares,
		Payout:    payoutBig.Uint64(),
	}, nil
}

// ApplyWithdraw commits a quote: reassigns the fee shares to the
// collector, burns the net shares, and deducts the payout from the
// reserve. Pure bookkeeping, no await — this runs BEFORE the external
// push so a failed push rolls back already-applied state instead of
// committing a stale read.
func (p *Pool) ApplyWithdraw(account string, q WithdrawQuote) error {
	held := p.shares[account]
	total := new(big.Int).Add(q.NetShares, q.FeeShares)
	if held == nil || held.Cmp(total) < 0 {
		return fmt.Errorf("apply withdraw %s: %w", account, ErrInsufficientShares)
	}

	newReserve, err := cmath.CheckedSub(p.reserve, q.Payout)
	if err != nil {
		return fmt.Errorf("apply withdraw reserve: %w", ErrInsufficientReserve)
	}

	p.debitShares(account, total)
	p.creditShares(p.feeCollector, q.FeeShares)
	p.totalShares.Sub(p.totalShares, q.NetShares)
	p.reserve = newReserve
	return nil
}

// RollbackWithdraw reverses ApplyWithdraw after a confirmed transfer
// rejection: shares return to the provider, the fee reassignment is
// undone, and the reserve is restored.
func (p *Pool) RollbackWithdraw(account string, q WithdrawQuote) error {
	newReserve, err := cmath.CheckedAdd(p.reserve, q.Payout)
	if err != nil {
		return fmt.Errorf("rollback withdraw reserve: %w", err)
	}

	p.debitShares(p.feeCollector, q.FeeShares)
	p.creditShares(account, new(big.Int).Add(q.NetShares, q.FeeShares))
	p.totalShares.Add(p.totalShares, q.NetShares)
	p.reserve = newReserve
	return nil
}

// SettleBet adjusts the reserve for a resolved bet. The pool gains the
// losing portion or funds the winning overage. ErrInsufficientReserve
// means the house cannot afford the payout and the caller must refund
// the bettor.
func (p *Pool) SettleBet(betAmount, payout uint64) error {
	if payout <= betAmount {
		newReserve, err := cmath.CheckedAdd(p.reserve, betAmount-payout)
		if err != nil {
			return fmt.Errorf("settle bet: %w", err)
		}
		p.reserve = newReserve
		return nil
	}

	newReserve, err := cmath.CheckedSub(p.reserve, payout-betAmount)
	if err != nil {
		return fmt.Errorf("settle bet: payout %d exceeds bet %d + reserve %d: %w",
			payout, betAmount, p.reserve, ErrInsufficientReserve)
	}
	p.reserve = newReserve
	return nil
}

// MaxPayout returns the largest payout a single bet may promise:
// reserve * maxPayoutBPS / 10000.
func (p *Pool) MaxPayout(maxPayoutBPS uint64) uint64 {
	max, err := cmath.BasisPoints(p.reserve, maxPayoutBPS)
	if err != nil {
		// reserve * bps overflows only via MulDiv quotient, which cannot
		// exceed reserve here; treat defensively as zero capacity
		return 0
	}
	return max
}

// VerifyShareInvariant checks Σ(shares) == total_shares.
func (p *Pool) VerifyShareInvariant() error {
	sum := new(big.Int)
	for _, s := range p.shares {
		sum.Add(sum, s)
	}
	if sum.Cmp(p.totalShares) != 0 {
		return fmt.Errorf("share invariant violated: sum %s != total %s", sum, p.totalShares)
	}
	return nil
}

// Snapshot returns a copy of all share positions.
func (p *Pool) Snapshot() map[string]*big.Int {
	out := make(map[string]*big.Int, len(p.shares))
	for k, v := range p.shares {
		out[k] = new(big.Int).Set(v)
	}
	return out
}

// Holders returns all share accounts sorted for deterministic output.
func (p *Pool) Holders() []string {
	out := make([]string, 0, len(p.shares))
	for k := range p.shares {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (p *Pool) creditShares(account string, delta *big.Int) {
	if delta.Sign() == 0 {
		return
	}
	if s, ok := p.shares[account]; ok {
		s.Add(s, delta)
		return
	}
	p.shares[account] = new(big.Int).Set(delta)
}

func (p *Pool) debitShares(account string, delta *big.Int) {
	if delta.Sign() == 0 {
		return
	}
	s := p.shares[account]
	s.Sub(s, delta)
	if s.Sign() == 0 {
		delete(p.shares, account)
	}
}

// --- Restore (boot-time loader only) ---

// SetReserve overwrites the reserve during state restore.
func (p *Pool) SetReserve(reserve uint64) {
	p.reserve = reserve
}

// SetShares overwrites one account's share count during state restore.
func (p *Pool) SetShares(account string, shares *big.Int) {
	if shares.Sign() == 0 {
		delete(p.shares, account)
		return
	}
	p.shares[account] = new(big.Int).Set(shares)
}

// SetTotalShares overwrites the total supply during state restore.
func (p *Pool) SetTotalShares(total *big.Int) {
	p.totalShares = new(big.Int).Set(total)
}
