// Package core is the settlement engine: the single owner of the
// balance book, the liquidity pool, and the audit chain. One mutex
// serializes every state mutation; the mutex is never held across an
// external call (token transfer, randomness acquisition). Every
// interruption point is therefore explicit: state written before an
// external call must already be safe against any interleaving, and
// state written after must re-read, never trust a stale snapshot.
package core

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"Bankroll/internal/audit"
	"Bankroll/internal/game"
	"Bankroll/internal/ledger"
	"Bankroll/internal/observability"
	"Bankroll/internal/pool"
	"Bankroll/internal/token"
)

var (
	// ErrBetTooLarge is returned when a bet's worst-case payout exceeds
	// the pool's max-payout bound.
	ErrBetTooLarge = errors.New("bet exceeds max payout bound")

	// ErrReconcileDeficit is returned when internal claims exceed the
	// engine's external token balance. This is never expected and means
	// either a book bug or tokens moved outside the engine's control.
	ErrReconcileDeficit = errors.New("internal claims exceed external balance")

	// ErrRandomnessUnavailable is returned when the randomness source
	// fails; the bet is not placed and no funds move.
	ErrRandomnessUnavailable = errors.New("randomness unavailable")
)

// Config carries the engine's tunable amounts, all in smallest token
// units, plus its well-known account names.
type Config struct {
	// TokenAccount is the engine's own account on the external token
	// service. All pulls land here and all pushes pay from here.
	TokenAccount string

	// FeeCollector receives the withdrawal fee shares.
	FeeCollector string

	// SweepRecipient's internal balance receives swept floating funds.
	SweepRecipient string

	MinDeposit          uint64
	MinBet              uint64
	MinLiquidityDeposit uint64
	FeeBPS              uint64
	MaxPayoutBPS        uint64
	DustThreshold       uint64
}

// DefaultConfig returns the production amounts.
func DefaultConfig() Config {
	return Config{
		TokenAccount:        "bankroll:engine",
		FeeCollector:        "bankroll:fees",
		SweepRecipient:      "bankroll:treasury",
		MinDeposit:          1_000,
		MinBet:              100,
		MinLiquidityDeposit: 10_000,
		FeeBPS:              100,
		MaxPayoutBPS:        1_000,
		DustThreshold:       10_000,
	}
}

// PoolRow is the persisted pool scalars.
type PoolRow struct {
	Reserve     uint64
	TotalShares *big.Int
}

// PendingRow is a persisted pending-withdrawal upsert or delete.
type PendingRow struct {
	Account       string
	Delete        bool
	Amount        uint64
	Kind          ledger.WithdrawalKind
	CreatedAt     time.Time
	RestoreShares *big.Int
	FeeShares     *big.Int
}

// StateUpdate is one sealed audit entry plus every state row it
// changed. The persistence worker applies it transactionally; the
// publisher mirrors it to NATS.
type StateUpdate struct {
	Entry    audit.Entry
	Balances map[string]uint64
	Shares   map[string]*big.Int
	Pool     *PoolRow
	Pending  []PendingRow
}

// Engine is the settlement engine.
type Engine struct {
	mu    sync.Mutex
	book  *ledger.Book
	pool  *pool.Pool
	chain *audit.Chain

	token      token.Client
	randomness game.Source

	cfg     Config
	now     func() time.Time
	metrics *observability.Metrics
	log     zerolog.Logger

	persistChan chan<- StateUpdate
	publishChan chan<- StateUpdate
}

// NewEngine wires an engine around restored (or fresh) state. Either
// channel may be nil, in which case updates for that sink are not
// emitted.
func NewEngine(
	cfg Config,
	book *ledger.Book,
	pl *pool.Pool,
	chain *audit.Chain,
	tokenClient token.Client,
	randomness game.Source,
	persistChan, publishChan chan<- StateUpdate,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		book:        book,
		pool:        pl,
		chain:       chain,
		token:       tokenClient,
		randomness:  randomness,
		cfg:         cfg,
		now:         time.Now,
		metrics:     metrics,
		log:         log,
		persistChan: persistChan,
		publishChan: publishChan,
	}
}

// rowSet collects the rows an operation changed, for the StateUpdate.
type rowSet struct {
	balances map[string]uint64
	shares   map[string]*big.Int
	pool     *PoolRow
	pending  []PendingRow
}

func (r *rowSet) balance(account string, value uint64) {
	if r.balances == nil {
		r.balances = make(map[string]uint64, 2)
	}
	r.balances[account] = value
}

func (r *rowSet) share(account string, value *big.Int) {
	if r.shares == nil {
		r.shares = make(map[string]*big.Int, 2)
	}
	r.shares[account] = value
}

// emitLocked seals an audit entry and ships the update. Must be called
// with e.mu held: the chain append and the state rows it describes form
// one atomic step. The persist send is blocking — the engine stalls
// under backpressure rather than losing an audit row. The publish send
// drops when full.
func (e *Engine) emitLocked(kind audit.Kind, account string, amount, balanceAfter uint64, detail map[string]string, rows rowSet) audit.Entry {
	entry := e.chain.Append(kind, account, amount, balanceAfter, detail)

	if e.metrics != nil {
		e.metrics.AuditSequence.Set(float64(entry.Seq + 1))
		e.metrics.PoolReserve.Set(float64(e.pool.Reserve()))
		totalShares, _ := new(big.Float).SetInt(e.pool.TotalShares()).Float64()
		e.metrics.PoolTotalShares.Set(totalShares)
		e.metrics.PendingWithdrawals.Set(float64(len(e.book.ListPending())))
		if total, err := e.book.TotalBalances(); err == nil {
			e.metrics.TotalBalances.Set(float64(total))
		}
	}

	update := StateUpdate{
		Entry:    entry,
		Balances: rows.balances,
		Shares:   rows.shares,
		Pool:     rows.pool,
		Pending:  rows.pending,
	}

	if e.persistChan != nil {
		select {
		case e.persistChan <- update:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- update
		}
	}

	if e.publishChan != nil {
		select {
		case e.publishChan <- update:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}

	return entry
}

func (e *Engine) poolRow() *PoolRow {
	return &PoolRow{Reserve: e.pool.Reserve(), TotalShares: e.pool.TotalShares()}
}

func pendingUpsert(p *ledger.PendingWithdrawal) PendingRow {
	row := PendingRow{
		Account:   p.Account,
		Amount:    p.Amount,
		Kind:      p.Kind,
		CreatedAt: p.CreatedAt,
	}
	if p.RestoreShares != nil {
		row.RestoreShares = new(big.Int).Set(p.RestoreShares)
	}
	if p.FeeShares != nil {
		row.FeeShares = new(big.Int).Set(p.FeeShares)
	}
	return row
}

func pendingDelete(account string) PendingRow {
	return PendingRow{Account: account, Delete: true}
}

func (e *Engine) reject(op, reason string) {
	if e.metrics != nil {
		e.metrics.OpsRejected.WithLabelValues(op, reason).Inc()
	}
}

func (e *Engine) applied(op string, start time.Time) {
	if e.metrics != nil {
		e.metrics.OpsApplied.WithLabelValues(op).Inc()
		e.metrics.OpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// pull runs a token pull outside the lock with transfer metrics.
func (e *Engine) pull(ctx context.Context, from string, amount uint64) (token.ReceiptID, error) {
	start := time.Now()
	receipt, err := e.token.Pull(ctx, from, amount)
	e.observeTransfer("pull", start, err)
	return receipt, err
}

// push runs a token push outside the lock with transfer metrics.
func (e *Engine) push(ctx context.Context, to string, amount uint64) (token.ReceiptID, error) {
	start := time.Now()
	receipt, err := e.token.Push(ctx, to, amount)
	e.observeTransfer("push", start, err)
	return receipt, err
}

func (e *Engine) observeTransfer(direction string, start time.Time, err error) {
	if e.metrics == nil {
		return
	}
	outcome := "ok"
	switch token.Classify(err) {
	case token.OutcomeRejected:
		outcome = "rejected"
	case token.OutcomeAmbiguous:
		outcome = "ambiguous"
	}
	e.metrics.TransferOutcomes.WithLabelValues(direction, outcome).Inc()
	e.metrics.TransferDuration.WithLabelValues(direction).Observe(time.Since(start).Seconds())
}

// Deposit pulls amount from the player's external account and credits
// their internal balance. The pull happens before any credit, so an
// ambiguous pull leaves the book untouched: if the tokens did move they
// surface as floating funds at the next reconciliation.
func (e *Engine) Deposit(ctx context.Context, account string, amount uint64) (uint64, error) {
	start := time.Now()

	if amount < e.cfg.MinDeposit {
		e.reject("deposit", "below_minimum")
		return 0, fmt.Errorf("deposit %d < %d: %w", amount, e.cfg.MinDeposit, ledger.ErrBelowMinimum)
	}

	e.mu.Lock()
	if e.book.Pending(account) != nil {
		e.mu.Unlock()
		e.reject("deposit", "pending_withdrawal")
		return 0, fmt.Errorf("deposit %s: %w", account, ledger.ErrConflictingPending)
	}
	e.mu.Unlock()

	receipt, err := e.pull(ctx, account, amount)
	if err != nil {
		e.reject("deposit", "transfer")
		return 0, fmt.Errorf("deposit pull: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// The tokens are already in the engine's account; a pending record
	// created during the pull must not strand them, hence forced credit.
	balance, err := e.book.ForceCredit(account, amount)
	if err != nil {
		e.log.Error().Err(err).Str("account", account).Uint64("amount", amount).
			Msg("deposit pulled but credit failed, funds floating until sweep")
		return 0, fmt.Errorf("deposit credit: %w", err)
	}

	rows := rowSet{}
	rows.balance(account, balance)
	e.emitLocked(audit.KindDeposit, account, amount, balance,
		map[string]string{"receipt": fmt.Sprintf("%d", receipt)}, rows)

	e.applied("deposit", start)
	e.log.Info().Str("account", account).Uint64("amount", amount).
		Uint64("balance", balance).Msg("deposit")
	return balance, nil
}

// WithdrawAll zeroes the account's balance, records the pending
// withdrawal, and only then pushes the tokens out. Returns the amount
// pushed. An ambiguous push leaves the pending record in place for
// retry, abandonment, or forced credit.
func (e *Engine) WithdrawAll(ctx context.Context, account string) (uint64, error) {
	start := time.Now()

	e.mu.Lock()
	p, err := e.book.BeginWithdrawal(account, e.now())
	if err != nil {
		e.mu.Unlock()
		e.reject("withdraw", "begin")
		return 0, err
	}
	amount := p.Amount
	rows := rowSet{pending: []PendingRow{pendingUpsert(p)}}
	rows.balance(account, 0)
	e.emitLocked(audit.KindWithdrawInitiated, account, amount, 0,
		map[string]string{"kind": p.Kind.String()}, rows)
	e.mu.Unlock()

	_, pushErr := e.push(ctx, account, amount)
	if err := e.finishWithdrawal(account, pushErr); err != nil {
		return 0, err
	}

	e.applied("withdraw", start)
	return amount, nil
}

// RetryWithdrawal re-attempts the push for an existing pending
// withdrawal at its recorded amount. Only one attempt may be in flight
// at a time.
func (e *Engine) RetryWithdrawal(ctx context.Context, account string) (uint64, error) {
	start := time.Now()

	e.mu.Lock()
	p, err := e.book.MarkInFlight(account)
	if err != nil {
		e.mu.Unlock()
		e.reject("retry", "claim")
		return 0, err
	}
	amount := p.Amount
	e.mu.Unlock()

	_, pushErr := e.push(ctx, account, amount)
	if err := e.finishWithdrawal(account, pushErr); err != nil {
		return 0, err
	}

	e.applied("retry", start)
	return amount, nil
}

// finishWithdrawal is the three-way branch after a withdrawal push.
// Definite success clears the pending record; definite rejection rolls
// everything back; anything else leaves the record for a later retry.
func (e *Engine) finishWithdrawal(account string, pushErr error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.book.Pending(account)
	if p == nil {
		// cleared out from under us; nothing sane left to do
		return fmt.Errorf("finish withdrawal %s: %w", account, ledger.ErrNoPendingWithdrawal)
	}

	switch token.Classify(pushErr) {
	case token.OutcomeOK:
		e.book.ClearPending(account)
		kind := audit.KindWithdrawConfirmed
		if p.Kind == ledger.WithdrawalKindProvider {
			kind = audit.KindLiquidityWithdrawConfirmed
		}
		e.emitLocked(kind, account, p.Amount, e.book.Balance(account),
			map[string]string{"kind": p.Kind.String()},
			rowSet{pending: []PendingRow{pendingDelete(account)}})
		e.log.Info().Str("account", account).Uint64("amount", p.Amount).
			Str("kind", p.Kind.String()).Msg("withdrawal confirmed")
		return nil

	case token.OutcomeRejected:
		rows := rowSet{pending: []PendingRow{pendingDelete(account)}}
		switch p.Kind {
		case ledger.WithdrawalKindUser:
			balance, err := e.book.RollbackUserWithdrawal(account)
			if err != nil {
				return fmt.Errorf("rollback after rejection: %w", err)
			}
			rows.balance(account, balance)
			e.emitLocked(audit.KindWithdrawRejected, account, p.Amount, balance,
				map[string]string{"kind": p.Kind.String(), "cause": pushErr.Error()}, rows)

		case ledger.WithdrawalKindProvider:
			quote := pool.WithdrawQuote{
				NetShares: p.RestoreShares,
				FeeShares: p.FeeShares,
				Payout:    p.Amount,
			}
			if err := e.pool.RollbackWithdraw(account, quote); err != nil {
				return fmt.Errorf("rollback pool withdrawal: %w", err)
			}
			e.book.ClearPending(account)
			rows.pool = e.poolRow()
			rows.share(account, e.pool.SharesOf(account))
			rows.share(e.cfg.FeeCollector, e.pool.SharesOf(e.cfg.FeeCollector))
			e.emitLocked(audit.KindLiquidityWithdrawRejected, account, p.Amount, e.book.Balance(account),
				map[string]string{"cause": pushErr.Error()}, rows)
		}
		e.log.Warn().Str("account", account).Uint64("amount", p.Amount).
			Err(pushErr).Msg("withdrawal rejected, rolled back")
		return fmt.Errorf("withdrawal push: %w", pushErr)

	default:
		// Ambiguous: the pending record is the only truth we have. Keep
		// it, release the in-flight claim, and let retry or the operator
		// resolve it.
		e.book.ClearInFlight(account)
		e.reject("withdraw", "ambiguous")
		e.log.Warn().Str("account", account).Uint64("amount", p.Amount).
			Err(pushErr).Msg("withdrawal ambiguous, pending record kept")
		return fmt.Errorf("withdrawal push: %w", pushErr)
	}
}

// AbandonWithdrawal clears a pending withdrawal without restoring the
// balance. The recorded amount becomes floating funds and is recovered
// by the reconciliation sweep if the push never executed.
func (e *Engine) AbandonWithdrawal(account string) error {
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.book.Pending(account)
	if p == nil {
		e.reject("abandon", "no_pending")
		return fmt.Errorf("abandon %s: %w", account, ledger.ErrNoPendingWithdrawal)
	}
	if p.InFlight {
		e.reject("abandon", "in_flight")
		return fmt.Errorf("abandon %s: transfer attempt outstanding: %w", account, ledger.ErrConflictingPending)
	}

	e.book.ClearPending(account)
	e.emitLocked(audit.KindWithdrawAbandoned, account, p.Amount, e.book.Balance(account),
		map[string]string{"kind": p.Kind.String()},
		rowSet{pending: []PendingRow{pendingDelete(account)}})

	e.applied("abandon", start)
	e.log.Info().Str("account", account).Uint64("amount", p.Amount).Msg("withdrawal abandoned")
	return nil
}

// ForceCredit is the operator escape hatch for a wedged pending
// withdrawal whose push is known (out of band) to have never executed:
// it credits the recorded amount back to the internal balance and
// clears the record. Safe because the pending amount is immutable.
func (e *Engine) ForceCredit(account string) (uint64, error) {
	start := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.book.Pending(account)
	if p == nil {
		e.reject("force_credit", "no_pending")
		return 0, fmt.Errorf("force credit %s: %w", account, ledger.ErrNoPendingWithdrawal)
	}
	if p.InFlight {
		e.reject("force_credit", "in_flight")
		return 0, fmt.Errorf("force credit %s: transfer attempt outstanding: %w", account, ledger.ErrConflictingPending)
	}

	e.book.ClearPending(account)
	balance, err := e.book.ForceCredit(account, p.Amount)
	if err != nil {
		return 0, fmt.Errorf("force credit %s: %w", account, err)
	}

	rows := rowSet{pending: []PendingRow{pendingDelete(account)}}
	rows.balance(account, balance)
	e.emitLocked(audit.KindForceCredit, account, p.Amount, balance,
		map[string]string{"kind": p.Kind.String()}, rows)

	e.applied("force_credit", start)
	e.log.Warn().Str("account", account).Uint64("amount", p.Amount).
		Uint64("balance", balance).Msg("pending withdrawal force-credited")
	return balance, nil
}

// Balance returns an account's internal balance.
func (e *Engine) Balance(account string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Balance(account)
}

// PendingOf returns a copy of the account's pending withdrawal, or nil.
func (e *Engine) PendingOf(account string) *ledger.PendingWithdrawal {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.book.Pending(account)
	if p == nil {
		return nil
	}
	cp := *p
	return &cp
}

// ListPendingWithdrawals returns copies of all pending withdrawals
// sorted by account.
func (e *Engine) ListPendingWithdrawals() []ledger.PendingWithdrawal {
	e.mu.Lock()
	defer e.mu.Unlock()
	ps := e.book.ListPending()
	out := make([]ledger.PendingWithdrawal, len(ps))
	for i, p := range ps {
		out[i] = *p
	}
	return out
}
