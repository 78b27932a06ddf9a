// Package ledger owns the per-account balance map and the pending
// withdrawal state machine. It is a leaf: no locking and no external
// calls happen here. The engine serializes access and places every
// mutation strictly before or strictly after an external transfer.
package ledger

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	cmath "Bankroll/internal/math"
)

// WithdrawalKind distinguishes user balance withdrawals from liquidity
// provider payouts. The kinds roll back differently on definite failure:
// a user withdrawal restores the balance, a provider withdrawal restores
// burned shares and the reserve.
type WithdrawalKind uint8

const (
	WithdrawalKindUser WithdrawalKind = iota
	WithdrawalKindProvider
)

func (k WithdrawalKind) String() string {
	switch k {
	case WithdrawalKindUser:
		return "user"
	case WithdrawalKindProvider:
		return "provider"
	default:
		return "unknown"
	}
}

// PendingWithdrawal records an in-flight payout. Amount is fixed at
// creation and never adjusted by concurrent operations — that immutability
// is what makes the forced-credit escape hatch safe. At most one exists
// per account; its mere existence blocks conflicting operations.
type PendingWithdrawal struct {
	Account   string
	Amount    uint64
	Kind      WithdrawalKind
	CreatedAt time.Time

	// InFlight marks a transfer attempt currently outstanding; a second
	// retry while one is in flight is rejected, preserving the
	// one-attempt-at-a-time discipline of the pending record.
	InFlight bool

	// Provider rollback data (nil for user withdrawals): the shares burned
	// for this payout and the fee shares reassigned to the collector.
	RestoreShares *big.Int
	FeeShares     *big.Int
}

// Book is the balance map plus pending withdrawals. Balances are exact
// amounts owed, in smallest token units, never negative.
type Book struct {
	balances map[string]uint64
	pending  map[string]*PendingWithdrawal
}

func NewBook() *Book {
	return &Book{
		balances: make(map[string]uint64),
		pending:  make(map[string]*PendingWithdrawal),
	}
}

// Balance returns the spendable balance for an account. Accounts are
// created implicitly; unknown accounts read as zero.
func (b *Book) Balance(account string) uint64 {
	return b.balances[account]
}

// Credit adds amount to an account's balance. It refuses accounts with a
// pending withdrawal — callers that have already moved real tokens must
// use ForceCredit instead, which is safe because the pending amount is
// immutable.
func (b *Book) Credit(account string, amount uint64) (uint64, error) {
	if _, ok := b.pending[account]; ok {
		return 0, fmt.Errorf("credit %s: %w", account, ErrConflictingPending)
	}
	return b.ForceCredit(account, amount)
}

// ForceCredit adds amount to an account's balance regardless of pending
// state. Reserved for refunds of operations that already moved tokens
// into the system.
func (b *Book) ForceCredit(account string, amount uint64) (uint64, error) {
	next, err := cmath.CheckedAdd(b.balances[account], amount)
	if err != nil {
		return 0, fmt.Errorf("credit %s: %w", account, err)
	}
	b.balances[account] = next
	return next, nil
}

// Debit removes amount from an account's balance in one step, failing
// cleanly if the balance is insufficient.
func (b *Book) Debit(account string, amount uint64) (uint64, error) {
	next, err := cmath.CheckedSub(b.balances[account], amount)
	if err != nil {
		return 0, fmt.Errorf("debit %s: have %d, need %d: %w",
			account, b.balances[account], amount, ErrInsufficientBalance)
	}
	b.balances[account] = next
	return next, nil
}

// BeginWithdrawal zeroes the account's balance and creates the pending
// record for the full amount, in one uninterrupted step. This happens
// before any external call, so a concurrent second withdrawal sees
// balance 0 plus a pending record and is rejected outright.
func (b *Book) BeginWithdrawal(account string, now time.Time) (*PendingWithdrawal, error) {
	if _, ok := b.pending[account]; ok {
		return nil, fmt.Errorf("withdraw %s: %w", account, ErrConflictingPending)
	}

	amount := b.balances[account]
	if amount == 0 {
		return nil, fmt.Errorf("withdraw %s: %w", account, ErrInsufficientBalance)
	}

	b.balances[account] = 0
	p := &PendingWithdrawal{
		Account:   account,
		Amount:    amount,
		Kind:      WithdrawalKindUser,
		CreatedAt: now,
		InFlight:  true,
	}
	b.pending[account] = p
	return p, nil
}

// BeginProviderWithdrawal creates a pending record for a liquidity payout
// whose state change (share burn, reserve deduction) has already been
// applied by the pool. RestoreShares/FeeShares carry the rollback data.
func (b *Book) BeginProviderWithdrawal(account string, amount uint64, restoreShares, feeShares *big.Int, now time.Time) (*PendingWithdrawal, error) {
	if _, ok := b.pending[account]; ok {
		return nil, fmt.Errorf("withdraw liquidity %s: %w", account, ErrConflictingPending)
	}

	p := &PendingWithdrawal{
		Account:       account,
		Amount:        amount,
		Kind:          WithdrawalKindProvider,
		CreatedAt:     now,
		InFlight:      true,
		RestoreShares: new(big.Int).Set(restoreShares),
		FeeShares:     new(big.Int).Set(feeShares),
	}
	b.pending[account] = p
	return p, nil
}

// Pending returns the pending withdrawal for an account, or nil.
func (b *Book) Pending(account string) *PendingWithdrawal {
	return b.pending[account]
}

// MarkInFlight claims the pending record for a retry attempt. Fails if
// there is no record or another attempt is already outstanding.
func (b *Book) MarkInFlight(account string) (*PendingWithdrawal, error) {
	p, ok := b.pending[account]
	if !ok {
		return nil, fmt.Errorf("retry %s: %w", account, ErrNoPendingWithdrawal)
	}
	if p.InFlight {
		return nil, fmt.Errorf("retry %s: transfer attempt outstanding: %w", account, ErrConflictingPending)
	}
	p.InFlight = true
	return p, nil
}

// ClearInFlight releases the in-flight claim after an ambiguous outcome,
// leaving the pending record for a later retry or abandonment.
func (b *Book) ClearInFlight(account string) {
	if p, ok := b.pending[account]; ok {
		p.InFlight = false
	}
}

// ClearPending removes the pending record on confirmed success or
// abandonment. The amount is NOT restored.
func (b *Book) ClearPending(account string) (*PendingWithdrawal, error) {
	p, ok := b.pending[account]
	if !ok {
		return nil, fmt.Errorf("clear %s: %w", account, ErrNoPendingWithdrawal)
	}
	delete(b.pending, account)
	return p, nil
}

// RollbackUserWithdrawal restores the balance and clears the pending
// record after a confirmed transfer rejection.
func (b *Book) RollbackUserWithdrawal(account string) (uint64, error) {
	p, ok := b.pending[account]
	if !ok {
		return 0, fmt.Errorf("rollback %s: %w", account, ErrNoPendingWithdrawal)
	}
	if p.Kind != WithdrawalKindUser {
		return 0, fmt.Errorf("rollback %s: pending record is %s, not user", account, p.Kind)
	}

	next, err := cmath.CheckedAdd(b.balances[account], p.Amount)
	if err != nil {
		return 0, fmt.Errorf("rollback %s: %w", account, err)
	}
	b.balances[account] = next
	delete(b.pending, account)
	return next, nil
}

// ListPending returns all pending withdrawals sorted by account for
// deterministic operator output.
func (b *Book) ListPending() []*PendingWithdrawal {
	out := make([]*PendingWithdrawal, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// TotalBalances sums all account balances with checked arithmetic.
func (b *Book) TotalBalances() (uint64, error) {
	var total uint64
	var err error
	for _, bal := range b.balances {
		total, err = cmath.CheckedAdd(total, bal)
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}

// TotalPending sums all pending withdrawal amounts with checked arithmetic.
func (b *Book) TotalPending() (uint64, error) {
	var total uint64
	var err error
	for _, p := range b.pending {
		total, err = cmath.CheckedAdd(total, p.Amount)
		if err != nil {
			return 0, err
		}
	}
	return total, nil
}

// Snapshot returns a copy of all balances.
func (b *Book) Snapshot() map[string]uint64 {
	out := make(map[string]uint64, len(b.balances))
	for k, v := range b.balances {
		out[k] = v
	}
	return out
}

// --- Restore (boot-time loader only) ---

// SetBalance overwrites an account balance during state restore.
func (b *Book) SetBalance(account string, balance uint64) {
	b.balances[account] = balance
}

// RestorePending re-inserts a persisted pending record during state
// restore. In-flight claims do not survive restart: a transfer that was
// outstanding when the process died is by definition ambiguous now.
func (b *Book) RestorePending(p *PendingWithdrawal) {
	p.InFlight = false
	b.pending[p.Account] = p
}
