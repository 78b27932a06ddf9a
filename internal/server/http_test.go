package server_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"Bankroll/internal/audit"
	"Bankroll/internal/core"
	"Bankroll/internal/game"
	"Bankroll/internal/ledger"
	"Bankroll/internal/observability"
	"Bankroll/internal/pool"
	"Bankroll/internal/server"
	"Bankroll/internal/token"
)

type fixture struct {
	srv    *httptest.Server
	engine *core.Engine
	tokens *token.MemoryService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.TokenAccount = "engine"
	cfg.MinDeposit = 100

	svc := token.NewMemoryService(cfg.TokenAccount)
	src := &game.FixedSource{}
	eng := core.NewEngine(
		cfg,
		ledger.NewBook(),
		pool.New(cfg.FeeBPS, cfg.FeeCollector),
		audit.NewChain(),
		svc, src,
		nil, nil, nil,
		zerolog.Nop(),
	)

	health := observability.NewHealthChecker()
	health.SetReady(true)
	api := server.NewHTTPServer(eng, nil, health, nil, zerolog.Nop())
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, engine: eng, tokens: svc}
}

func (f *fixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(f.srv.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func wantStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Fatalf("status = %d, want %d", resp.StatusCode, want)
	}
}

func TestDepositAndBalanceRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.tokens.Mint("alice", 5_000)

	resp := f.post(t, "/v1/deposit", map[string]any{"account": "alice", "amount": 5_000})
	wantStatus(t, resp, http.StatusOK)

	var body struct {
		Account string `json:"account"`
		Balance uint64 `json:"balance"`
	}
	decodeBody(t, resp, &body)
	if body.Balance != 5_000 {
		t.Fatalf("balance = %d, want 5000", body.Balance)
	}

	resp = f.get(t, "/v1/balance/alice")
	wantStatus(t, resp, http.StatusOK)
	decodeBody(t, resp, &body)
	if body.Balance != 5_000 {
		t.Fatalf("queried balance = %d, want 5000", body.Balance)
	}
}

func TestDepositBelowMinimumRejected(t *testing.T) {
	f := newFixture(t)
	f.tokens.Mint("alice", 50)

	resp := f.post(t, "/v1/deposit", map[string]any{"account": "alice", "amount": 50})
	wantStatus(t, resp, http.StatusUnprocessableEntity)
	resp.Body.Close()
}

func TestDepositRejectedByTokenService(t *testing.T) {
	f := newFixture(t)
	// No mint: the pull fails with a definite rejection.
	resp := f.post(t, "/v1/deposit", map[string]any{"account": "alice", "amount": 1_000})
	wantStatus(t, resp, http.StatusBadGateway)
	resp.Body.Close()
}

func TestWithdrawLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.tokens.Mint("alice", 2_000)

	resp := f.post(t, "/v1/deposit", map[string]any{"account": "alice", "amount": 2_000})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	// Ambiguous push: the withdrawal wedges with a pending record.
	f.tokens.SetPushHook(func(to string, amount uint64) (bool, error) {
		return false, token.ErrAmbiguous
	})
	resp = f.post(t, "/v1/withdraw", map[string]string{"account": "alice"})
	wantStatus(t, resp, http.StatusGatewayTimeout)
	resp.Body.Close()

	resp = f.get(t, "/v1/withdraw/pending/alice")
	wantStatus(t, resp, http.StatusOK)
	var pending struct {
		Amount   uint64 `json:"amount"`
		Kind     string `json:"kind"`
		InFlight bool   `json:"in_flight"`
	}
	decodeBody(t, resp, &pending)
	if pending.Amount != 2_000 || pending.Kind != "user" || pending.InFlight {
		t.Fatalf("pending = %+v", pending)
	}

	resp = f.post(t, "/v1/withdraw/retry", map[string]string{"account": "alice"})
	wantStatus(t, resp, http.StatusOK)
	var out struct {
		Withdrawn uint64 `json:"withdrawn"`
	}
	decodeBody(t, resp, &out)
	if out.Withdrawn != 2_000 {
		t.Fatalf("withdrawn = %d, want 2000", out.Withdrawn)
	}

	resp = f.get(t, "/v1/withdraw/pending/alice")
	wantStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestRetryWithoutPendingReturns404(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/v1/withdraw/retry", map[string]string{"account": "nobody"})
	wantStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestDepositBlockedByPendingReturns409(t *testing.T) {
	f := newFixture(t)
	f.tokens.Mint("alice", 3_000)

	resp := f.post(t, "/v1/deposit", map[string]any{"account": "alice", "amount": 1_000})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	f.tokens.SetPushHook(func(to string, amount uint64) (bool, error) {
		return false, token.ErrAmbiguous
	})
	resp = f.post(t, "/v1/withdraw", map[string]string{"account": "alice"})
	wantStatus(t, resp, http.StatusGatewayTimeout)
	resp.Body.Close()

	resp = f.post(t, "/v1/deposit", map[string]any{"account": "alice", "amount": 1_000})
	wantStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
}

func TestPoolDepositAndStats(t *testing.T) {
	f := newFixture(t)
	f.tokens.Mint("lp", 1_000_000)

	resp := f.post(t, "/v1/pool/deposit", map[string]any{"account": "lp", "amount": 1_000_000})
	wantStatus(t, resp, http.StatusOK)
	var dep struct {
		Shares string `json:"shares"`
	}
	decodeBody(t, resp, &dep)
	if dep.Shares != "999000" {
		t.Fatalf("shares = %s, want 999000", dep.Shares)
	}

	resp = f.get(t, "/v1/pool")
	wantStatus(t, resp, http.StatusOK)
	var stats struct {
		Reserve     uint64 `json:"reserve"`
		TotalShares string `json:"total_shares"`
		MaxPayout   uint64 `json:"max_payout"`
	}
	decodeBody(t, resp, &stats)
	if stats.Reserve != 1_000_000 || stats.TotalShares != "1000000" {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.MaxPayout != 100_000 {
		t.Fatalf("max payout = %d, want 100000", stats.MaxPayout)
	}

	resp = f.get(t, "/v1/pool/shares/lp")
	wantStatus(t, resp, http.StatusOK)
	decodeBody(t, resp, &dep)
	if dep.Shares != "999000" {
		t.Fatalf("queried shares = %s, want 999000", dep.Shares)
	}
}

func TestPoolDepositSlippageRejected(t *testing.T) {
	f := newFixture(t)
	f.tokens.Mint("lp", 2_000_000)

	resp := f.post(t, "/v1/pool/deposit", map[string]any{"account": "lp", "amount": 1_000_000})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = f.post(t, "/v1/pool/deposit", map[string]any{
		"account":    "lp",
		"amount":     100_000,
		"min_shares": "200000",
	})
	wantStatus(t, resp, http.StatusUnprocessableEntity)
	resp.Body.Close()
}

func TestPoolWithdrawInvalidShares(t *testing.T) {
	f := newFixture(t)
	for _, shares := range []string{"", "0", "-5", "abc"} {
		resp := f.post(t, "/v1/pool/withdraw", map[string]string{"account": "lp", "shares": shares})
		wantStatus(t, resp, http.StatusBadRequest)
		resp.Body.Close()
	}
}

func TestBetOverHTTP(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.TokenAccount = "engine"
	cfg.MinDeposit = 100

	svc := token.NewMemoryService(cfg.TokenAccount)
	var seed [32]byte // roll 0: a dice win
	src := &game.FixedSource{Seeds: [][32]byte{seed}}
	eng := core.NewEngine(
		cfg,
		ledger.NewBook(),
		pool.New(cfg.FeeBPS, cfg.FeeCollector),
		audit.NewChain(),
		svc, src,
		nil, nil, nil,
		zerolog.Nop(),
	)
	health := observability.NewHealthChecker()
	health.SetReady(true)
	srv := httptest.NewServer(server.NewHTTPServer(eng, nil, health, nil, zerolog.Nop()).Router())
	defer srv.Close()
	f := &fixture{srv: srv, engine: eng, tokens: svc}

	f.tokens.Mint("lp", 1_000_000)
	resp := f.post(t, "/v1/pool/deposit", map[string]any{"account": "lp", "amount": 1_000_000})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	f.tokens.Mint("alice", 1_000)
	resp = f.post(t, "/v1/deposit", map[string]any{"account": "alice", "amount": 1_000})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = f.post(t, "/v1/bet", map[string]any{"account": "alice", "game": "dice", "amount": 500})
	wantStatus(t, resp, http.StatusOK)
	var bet struct {
		Game    string `json:"game"`
		Bet     uint64 `json:"bet"`
		Payout  uint64 `json:"payout"`
		Seed    string `json:"seed"`
		Balance uint64 `json:"balance"`
	}
	decodeBody(t, resp, &bet)
	if bet.Game != "dice" || bet.Payout != 1_000 || bet.Balance != 1_500 {
		t.Fatalf("bet = %+v", bet)
	}
	if len(bet.Seed) != 64 {
		t.Fatalf("seed hex length = %d, want 64", len(bet.Seed))
	}
}

func TestBetUnknownGame(t *testing.T) {
	f := newFixture(t)
	resp := f.post(t, "/v1/bet", map[string]any{"account": "alice", "game": "roulette", "amount": 500})
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestMaxBetEndpoint(t *testing.T) {
	f := newFixture(t)
	f.tokens.Mint("lp", 1_000_000)
	resp := f.post(t, "/v1/pool/deposit", map[string]any{"account": "lp", "amount": 1_000_000})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = f.get(t, "/v1/bet/max/dice")
	wantStatus(t, resp, http.StatusOK)
	var out struct {
		Game   string `json:"game"`
		MaxBet uint64 `json:"max_bet"`
	}
	decodeBody(t, resp, &out)
	if out.MaxBet != 50_000 {
		t.Fatalf("max bet = %d, want 50000", out.MaxBet)
	}
}

func TestAdminForceCreditAndListPending(t *testing.T) {
	f := newFixture(t)
	f.tokens.Mint("alice", 2_000)

	resp := f.post(t, "/v1/deposit", map[string]any{"account": "alice", "amount": 2_000})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	f.tokens.SetPushHook(func(to string, amount uint64) (bool, error) {
		return false, token.ErrAmbiguous
	})
	resp = f.post(t, "/v1/withdraw", map[string]string{"account": "alice"})
	wantStatus(t, resp, http.StatusGatewayTimeout)
	resp.Body.Close()

	resp = f.get(t, "/v1/admin/pending-withdrawals")
	wantStatus(t, resp, http.StatusOK)
	var list []struct {
		Account string `json:"account"`
		Amount  uint64 `json:"amount"`
	}
	decodeBody(t, resp, &list)
	if len(list) != 1 || list[0].Account != "alice" || list[0].Amount != 2_000 {
		t.Fatalf("pending list = %+v", list)
	}

	resp = f.post(t, "/v1/admin/force-credit", map[string]string{"account": "alice"})
	wantStatus(t, resp, http.StatusOK)
	var bal struct {
		Balance uint64 `json:"balance"`
	}
	decodeBody(t, resp, &bal)
	if bal.Balance != 2_000 {
		t.Fatalf("balance after force credit = %d, want 2000", bal.Balance)
	}
}

func TestAdminHealthCheckReportsClean(t *testing.T) {
	f := newFixture(t)
	f.tokens.Mint("alice", 5_000)

	resp := f.post(t, "/v1/deposit", map[string]any{"account": "alice", "amount": 5_000})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = f.get(t, "/v1/admin/health-check")
	wantStatus(t, resp, http.StatusOK)
	var report struct {
		External      uint64 `json:"external"`
		TotalBalances uint64 `json:"total_balances"`
		Residual      uint64 `json:"residual"`
		Contended     bool   `json:"contended"`
	}
	decodeBody(t, resp, &report)
	if report.External != 5_000 || report.TotalBalances != 5_000 || report.Residual != 0 {
		t.Fatalf("report = %+v", report)
	}
	if report.Contended {
		t.Fatal("unexpected contention flag on a quiet engine")
	}
}

func TestMalformedRequests(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.srv.URL+"/v1/deposit", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp, err = http.Post(f.srv.URL+"/v1/deposit", "application/json",
		bytes.NewReader([]byte(`{"account":"a","amount":1000,"bogus":1}`)))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = f.post(t, "/v1/deposit", map[string]any{"amount": 1_000})
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestEmptyAccountRejectedEverywhere(t *testing.T) {
	f := newFixture(t)

	for _, tc := range []struct {
		path string
		body map[string]any
	}{
		{"/v1/withdraw/retry", map[string]any{"account": ""}},
		{"/v1/withdraw/abandon", map[string]any{"account": ""}},
		{"/v1/pool/withdraw", map[string]any{"account": "", "shares": "100"}},
		{"/v1/bet", map[string]any{"account": "", "game": "dice", "amount": 500}},
		{"/v1/admin/force-credit", map[string]any{"account": ""}},
	} {
		resp := f.post(t, tc.path, tc.body)
		wantStatus(t, resp, http.StatusBadRequest)
		resp.Body.Close()
	}
}

func TestPoolWithdrawFromBurnAccountRejected(t *testing.T) {
	f := newFixture(t)
	f.tokens.Mint("lp", 1_000_000)
	resp := f.post(t, "/v1/pool/deposit", map[string]any{"account": "lp", "amount": 1_000_000})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = f.post(t, "/v1/pool/withdraw", map[string]any{"account": "pool:burn", "shares": "1000"})
	wantStatus(t, resp, http.StatusUnprocessableEntity)
	resp.Body.Close()
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		resp := f.get(t, path)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status = %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestPoolWithdrawOverHTTP(t *testing.T) {
	f := newFixture(t)
	f.tokens.Mint("lp", 1_000_000)

	resp := f.post(t, "/v1/pool/deposit", map[string]any{"account": "lp", "amount": 1_000_000})
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = f.post(t, "/v1/pool/withdraw", map[string]string{
		"account": "lp",
		"shares":  fmt.Sprint(100_000),
	})
	wantStatus(t, resp, http.StatusOK)
	var out struct {
		Payout uint64 `json:"payout"`
	}
	decodeBody(t, resp, &out)
	// 1% fee in shares: 99,000 net shares redeem at par.
	if out.Payout != 99_000 {
		t.Fatalf("payout = %d, want 99000", out.Payout)
	}
}
