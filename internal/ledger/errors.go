package ledger

import "errors"

var (
	// ErrInsufficientBalance is returned when a debit exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrBelowMinimum is returned for deposits, withdrawals or bets under
	// the configured smallest-unit threshold.
	ErrBelowMinimum = errors.New("amount below minimum")

	// ErrConflictingPending is returned when an operation would conflict
	// with an outstanding pending withdrawal for the same account.
	ErrConflictingPending = errors.New("conflicting pending operation")

	// ErrNoPendingWithdrawal is returned by retry/abandon when the account
	// has no pending withdrawal.
	ErrNoPendingWithdrawal = errors.New("no pending withdrawal")

	// ErrUnauthorized is returned for anonymous or disallowed callers.
	ErrUnauthorized = errors.New("unauthorized")
)
