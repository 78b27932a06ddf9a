package ledger_test

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"Bankroll/internal/ledger"
)

func TestBook_ImplicitAccountReadsZero(t *testing.T) {
	b := ledger.NewBook()
	if b.Balance("nobody") != 0 {
		t.Error("unknown account should read as zero")
	}
}

func TestBook_CreditDebit(t *testing.T) {
	b := ledger.NewBook()

	after, err := b.Credit("alice", 500)
	if err != nil || after != 500 {
		t.Fatalf("credit: got (%d, %v)", after, err)
	}

	after, err = b.Debit("alice", 200)
	if err != nil || after != 300 {
		t.Fatalf("debit: got (%d, %v)", after, err)
	}
}

func TestBook_DebitInsufficient(t *testing.T) {
	b := ledger.NewBook()
	b.Credit("alice", 100)

	_, err := b.Debit("alice", 101)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
	if b.Balance("alice") != 100 {
		t.Error("failed debit must not change the balance")
	}
}

func TestBook_BeginWithdrawalZeroesBalance(t *testing.T) {
	b := ledger.NewBook()
	b.Credit("alice", 700)

	p, err := b.BeginWithdrawal("alice", time.Now())
	if err != nil {
		t.Fatalf("begin withdrawal: %v", err)
	}
	if p.Amount != 700 {
		t.Errorf("pending amount: got %d, want 700", p.Amount)
	}
	if b.Balance("alice") != 0 {
		t.Error("balance should be zeroed synchronously")
	}
	if !p.InFlight {
		t.Error("fresh withdrawal should be marked in flight")
	}
}

func TestBook_SecondWithdrawalRejected(t *testing.T) {
	b := ledger.NewBook()
	b.Credit("alice", 100)
	b.BeginWithdrawal("alice", time.Now())

	_, err := b.BeginWithdrawal("alice", time.Now())
	if !errors.Is(err, ledger.ErrConflictingPending) {
		t.Errorf("expected ErrConflictingPending, got %v", err)
	}
}

func TestBook_WithdrawZeroBalance(t *testing.T) {
	b := ledger.NewBook()

	_, err := b.BeginWithdrawal("alice", time.Now())
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestBook_CreditBlockedByPending(t *testing.T) {
	b := ledger.NewBook()
	b.Credit("alice", 100)
	b.BeginWithdrawal("alice", time.Now())

	_, err := b.Credit("alice", 50)
	if !errors.Is(err, ledger.ErrConflictingPending) {
		t.Errorf("expected ErrConflictingPending, got %v", err)
	}
}

func TestBook_ForceCreditBypassesPending(t *testing.T) {
	b := ledger.NewBook()
	b.Credit("alice", 100)
	b.BeginWithdrawal("alice", time.Now())

	after, err := b.ForceCredit("alice", 50)
	if err != nil || after != 50 {
		t.Fatalf("force credit: got (%d, %v)", after, err)
	}

	// The pending amount is untouched by the forced credit
	if p := b.Pending("alice"); p == nil || p.Amount != 100 {
		t.Error("pending amount must stay fixed at creation value")
	}
}

func TestBook_RollbackUserWithdrawal(t *testing.T) {
	b := ledger.NewBook()
	b.Credit("alice", 300)
	b.BeginWithdrawal("alice", time.Now())

	after, err := b.RollbackUserWithdrawal("alice")
	if err != nil || after != 300 {
		t.Fatalf("rollback: got (%d, %v)", after, err)
	}
	if b.Pending("alice") != nil {
		t.Error("rollback should clear the pending record")
	}
}

func TestBook_ClearPendingDoesNotRestore(t *testing.T) {
	b := ledger.NewBook()
	b.Credit("alice", 300)
	b.BeginWithdrawal("alice", time.Now())

	p, err := b.ClearPending("alice")
	if err != nil || p.Amount != 300 {
		t.Fatalf("clear: got (%v, %v)", p, err)
	}
	if b.Balance("alice") != 0 {
		t.Error("abandoned withdrawal must not restore the balance")
	}
}

func TestBook_MarkInFlightGuards(t *testing.T) {
	b := ledger.NewBook()
	b.Credit("alice", 100)
	b.BeginWithdrawal("alice", time.Now())

	// Fresh withdrawal is already in flight
	_, err := b.MarkInFlight("alice")
	if !errors.Is(err, ledger.ErrConflictingPending) {
		t.Errorf("expected ErrConflictingPending while in flight, got %v", err)
	}

	b.ClearInFlight("alice")
	if _, err := b.MarkInFlight("alice"); err != nil {
		t.Errorf("retry after ambiguous outcome should claim the record: %v", err)
	}

	// No record at all
	_, err = b.MarkInFlight("bob")
	if !errors.Is(err, ledger.ErrNoPendingWithdrawal) {
		t.Errorf("expected ErrNoPendingWithdrawal, got %v", err)
	}
}

func TestBook_ProviderWithdrawalCarriesRollbackData(t *testing.T) {
	b := ledger.NewBook()

	shares := big.NewInt(5_000)
	fee := big.NewInt(50)
	p, err := b.BeginProviderWithdrawal("lp1", 4_950, shares, fee, time.Now())
	if err != nil {
		t.Fatalf("begin provider withdrawal: %v", err)
	}

	if p.Kind != ledger.WithdrawalKindProvider {
		t.Error("kind should be provider")
	}
	if p.RestoreShares.Cmp(shares) != 0 || p.FeeShares.Cmp(fee) != 0 {
		t.Error("rollback data should be copied into the record")
	}

	// Mutating the caller's big.Int must not reach into the record
	shares.SetInt64(0)
	if p.RestoreShares.Sign() == 0 {
		t.Error("record should hold its own copy of the share count")
	}
}

func TestBook_Totals(t *testing.T) {
	b := ledger.NewBook()
	b.Credit("alice", 100)
	b.Credit("bob", 250)
	b.BeginWithdrawal("bob", time.Now())

	balances, err := b.TotalBalances()
	if err != nil || balances != 100 {
		t.Errorf("total balances: got (%d, %v), want 100", balances, err)
	}

	pending, err := b.TotalPending()
	if err != nil || pending != 250 {
		t.Errorf("total pending: got (%d, %v), want 250", pending, err)
	}
}

func TestBook_RestorePendingDropsInFlight(t *testing.T) {
	b := ledger.NewBook()
	b.RestorePending(&ledger.PendingWithdrawal{
		Account:  "alice",
		Amount:   100,
		Kind:     ledger.WithdrawalKindUser,
		InFlight: true,
	})

	if b.Pending("alice").InFlight {
		t.Error("in-flight claims must not survive restart")
	}
}
