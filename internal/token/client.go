// Package token is the boundary to the external asset-transfer service.
// The service can fail three ways: definite rejection, definite success,
// or ambiguously (timeout — the transfer may or may not have happened).
// Callers branch on Outcome(err) and must never treat an ambiguous
// failure as either success or failure.
package token

import (
	"context"
	"errors"
	"fmt"
)

// ReceiptID identifies a confirmed transfer on the external service
// (the service's block/transaction index).
type ReceiptID uint64

// Client is the two-method transfer contract plus a balance probe used
// by reconciliation. Pull moves tokens from a caller-approved account
// into the engine's own account; Push pays out of the engine's account.
type Client interface {
	Pull(ctx context.Context, from string, amount uint64) (ReceiptID, error)
	Push(ctx context.Context, to string, amount uint64) (ReceiptID, error)
	BalanceOf(ctx context.Context, account string) (uint64, error)
}

// ErrRejected wraps definite failures: the service answered and said no.
// State the transfer would have produced does not exist.
var ErrRejected = errors.New("transfer rejected")

// ErrAmbiguous wraps timeouts and transport failures where the transfer
// may have executed. Only the caller (retry/abandon) or reconciliation
// can resolve these.
var ErrAmbiguous = errors.New("transfer outcome ambiguous")

// Outcome classifies a transfer error for the three-way branch.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeRejected
	OutcomeAmbiguous
)

// Classify maps a Pull/Push error to an Outcome. Unknown errors are
// treated as ambiguous: assuming a definite failure when the transfer
// actually went through destroys the global invariant, whereas an
// ambiguous verdict only parks funds in the pending state machine.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrRejected):
		return OutcomeRejected
	default:
		return OutcomeAmbiguous
	}
}

// Rejectedf builds a definite-rejection error.
func Rejectedf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrRejected, fmt.Sprintf(format, args...))
}

// Ambiguousf builds an ambiguous-outcome error.
func Ambiguousf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrAmbiguous, fmt.Sprintf(format, args...))
}
