package core

import (
	"context"
	"fmt"
	"time"

	"Bankroll/internal/audit"
	cmath "Bankroll/internal/math"
)

// Report compares the engine's external token balance against the sum
// of its internal claims.
type Report struct {
	External      uint64 `json:"external"`
	Reserve       uint64 `json:"reserve"`
	TotalBalances uint64 `json:"total_balances"`
	TotalPending  uint64 `json:"total_pending"`
	Residual      uint64 `json:"residual"`
	Swept         uint64 `json:"swept"`
	Contended     bool   `json:"contended,omitempty"`
}

// HealthCheck verifies the global invariant without mutating anything:
// external balance >= reserve + Σbalances + Σpending. A shortfall is
// reported as ErrReconcileDeficit.
func (e *Engine) HealthCheck(ctx context.Context) (Report, error) {
	return e.reconcile(ctx, false)
}

// Reconcile verifies the global invariant and sweeps any residual above
// the dust threshold into the sweep recipient's internal balance.
// Residuals accumulate from abandoned withdrawals whose push never
// executed and from ambiguous deposits that did execute.
func (e *Engine) Reconcile(ctx context.Context) (Report, error) {
	return e.reconcile(ctx, true)
}

// reconcile snapshots the internal claims, reads the external balance
// outside the lock, then verifies that no operation sealed an audit
// entry in between. A contended run reports without sweeping or raising
// a deficit: the two sides were not read at the same instant and the
// comparison proves nothing. The next tick retries.
func (e *Engine) reconcile(ctx context.Context, sweep bool) (Report, error) {
	op := "health_check"
	if sweep {
		op = "reconcile"
	}
	start := time.Now()

	e.mu.Lock()
	seqBefore, _ := e.chain.Tip()
	report, err := e.internalClaimsLocked()
	e.mu.Unlock()
	if err != nil {
		e.reconcileOutcome("error")
		return Report{}, fmt.Errorf("%s: %w", op, err)
	}

	external, err := e.token.BalanceOf(ctx, e.cfg.TokenAccount)
	if err != nil {
		e.reconcileOutcome("error")
		return Report{}, fmt.Errorf("%s: external balance: %w", op, err)
	}
	report.External = external

	e.mu.Lock()
	defer e.mu.Unlock()

	if seqAfter, _ := e.chain.Tip(); seqAfter != seqBefore {
		report.Contended = true
		e.reconcileOutcome("contended")
		return report, nil
	}

	internal := report.Reserve
	for _, part := range []uint64{report.TotalBalances, report.TotalPending} {
		if internal, err = cmath.CheckedAdd(internal, part); err != nil {
			e.reconcileOutcome("error")
			return Report{}, fmt.Errorf("%s: %w", op, err)
		}
	}

	if external < internal {
		if e.metrics != nil {
			e.metrics.ReconcileResidual.Set(-float64(internal - external))
		}
		e.reconcileOutcome("deficit")
		e.log.Error().Uint64("external", external).Uint64("internal", internal).
			Msg("reconciliation deficit")
		return report, fmt.Errorf("external %d < internal %d: %w", external, internal, ErrReconcileDeficit)
	}

	report.Residual = external - internal
	if e.metrics != nil {
		e.metrics.ReconcileResidual.Set(float64(report.Residual))
	}

	if !sweep || report.Residual <= e.cfg.DustThreshold {
		e.reconcileOutcome("clean")
		e.applied(op, start)
		return report, nil
	}

	balance, err := e.book.ForceCredit(e.cfg.SweepRecipient, report.Residual)
	if err != nil {
		e.reconcileOutcome("error")
		return report, fmt.Errorf("sweep credit: %w", err)
	}
	report.Swept = report.Residual

	rows := rowSet{}
	rows.balance(e.cfg.SweepRecipient, balance)
	e.emitLocked(audit.KindSweep, e.cfg.SweepRecipient, report.Residual, balance,
		map[string]string{"external": fmt.Sprintf("%d", external)}, rows)

	if e.metrics != nil {
		e.metrics.SweptTotal.Add(float64(report.Swept))
	}
	e.reconcileOutcome("swept")
	e.applied(op, start)
	e.log.Info().Uint64("residual", report.Residual).
		Str("recipient", e.cfg.SweepRecipient).Msg("floating funds swept")
	return report, nil
}

func (e *Engine) internalClaimsLocked() (Report, error) {
	totalBalances, err := e.book.TotalBalances()
	if err != nil {
		return Report{}, err
	}
	totalPending, err := e.book.TotalPending()
	if err != nil {
		return Report{}, err
	}
	return Report{
		Reserve:       e.pool.Reserve(),
		TotalBalances: totalBalances,
		TotalPending:  totalPending,
	}, nil
}

func (e *Engine) reconcileOutcome(outcome string) {
	if e.metrics != nil {
		e.metrics.ReconcileRuns.WithLabelValues(outcome).Inc()
	}
}
