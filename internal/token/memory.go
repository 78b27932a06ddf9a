package token

import (
	"context"
	"sync"
)

// MemoryService is an in-process transfer service. It backs local
// development mode and the engine's unit tests, where the fault hooks
// script the three failure modes — including the nasty one where the
// transfer executes but the response is lost (ambiguous-but-applied).
type MemoryService struct {
	mu          sync.Mutex
	engine      string
	balances    map[string]uint64
	nextReceipt uint64

	// Hooks run before a transfer is applied. Returning apply=true with a
	// non-nil error models a transfer that executed but whose response was
	// lost. Nil hooks mean normal behaviour. Consumed per call via the
	// remaining counters so a retry after a scripted failure succeeds.
	pullHook func(from string, amount uint64) (apply bool, err error)
	pushHook func(to string, amount uint64) (apply bool, err error)
}

// NewMemoryService creates an empty in-memory transfer service. Pulls
// land in, and pushes pay from, engineAccount.
func NewMemoryService(engineAccount string) *MemoryService {
	return &MemoryService{
		engine:      engineAccount,
		balances:    make(map[string]uint64),
		nextReceipt: 1,
	}
}

// Mint credits an account out of thin air. Test/dev setup only.
func (s *MemoryService) Mint(account string, amount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[account] += amount
}

// SetPullHook installs a one-shot fault hook for the next Pull.
func (s *MemoryService) SetPullHook(hook func(from string, amount uint64) (bool, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pullHook = hook
}

// SetPushHook installs a one-shot fault hook for the next Push.
func (s *MemoryService) SetPushHook(hook func(to string, amount uint64) (bool, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushHook = hook
}

// Pull moves amount from the given account into the engine account.
// The hook, if any, runs outside the service mutex so it may perform
// further transfers (tests use this to script interleavings).
func (s *MemoryService) Pull(ctx context.Context, from string, amount uint64) (ReceiptID, error) {
	s.mu.Lock()
	hook := s.pullHook
	s.pullHook = nil
	s.mu.Unlock()

	var hookErr error
	if hook != nil {
		apply, err := hook(from, amount)
		if !apply {
			return 0, err
		}
		hookErr = err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.applyLocked(from, s.engine, amount); err != nil {
		return 0, err
	}
	return s.receiptLocked(), hookErr
}

func (s *MemoryService) Push(ctx context.Context, to string, amount uint64) (ReceiptID, error) {
	s.mu.Lock()
	hook := s.pushHook
	s.pushHook = nil
	s.mu.Unlock()

	var hookErr error
	if hook != nil {
		apply, err := hook(to, amount)
		if !apply {
			return 0, err
		}
		hookErr = err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.applyLocked(s.engine, to, amount); err != nil {
		return 0, err
	}
	return s.receiptLocked(), hookErr
}

func (s *MemoryService) BalanceOf(ctx context.Context, account string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[account], nil
}

func (s *MemoryService) applyLocked(from, to string, amount uint64) error {
	if amount == 0 {
		return Rejectedf("zero amount")
	}
	if s.balances[from] < amount {
		return Rejectedf("account %s has %d, need %d", from, s.balances[from], amount)
	}
	s.balances[from] -= amount
	s.balances[to] += amount
	return nil
}

func (s *MemoryService) receiptLocked() ReceiptID {
	id := ReceiptID(s.nextReceipt)
	s.nextReceipt++
	return id
}

var _ Client = (*MemoryService)(nil)
var _ Client = (*HTTPClient)(nil)
