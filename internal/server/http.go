package server

import (
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"Bankroll/internal/core"
	"Bankroll/internal/game"
	"Bankroll/internal/ledger"
	"Bankroll/internal/observability"
	"Bankroll/internal/pool"
	"Bankroll/internal/query"
	"Bankroll/internal/token"
)

// maxBodyBytes caps request bodies; every payload here is a small JSON object.
const maxBodyBytes = 1 << 20

// HTTPServer exposes the accounting engine over a JSON API.
type HTTPServer struct {
	engine  *core.Engine
	queries *query.QueryService
	health  *observability.HealthChecker
	metrics *observability.Metrics
	log     zerolog.Logger
}

// NewHTTPServer builds the API handler set around an engine. queries
// may be nil, in which case the audit history routes report that the
// read side is unavailable.
func NewHTTPServer(engine *core.Engine, queries *query.QueryService, health *observability.HealthChecker, metrics *observability.Metrics, log zerolog.Logger) *HTTPServer {
	return &HTTPServer{
		engine:  engine,
		queries: queries,
		health:  health,
		metrics: metrics,
		log:     log.With().Str("component", "http").Logger(),
	}
}

// Router wires all routes. Operator endpoints live under /v1/admin and are
// expected to sit behind network-level access control.
func (s *HTTPServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/deposit", s.handleDeposit)
		r.Post("/withdraw", s.handleWithdraw)
		r.Post("/withdraw/retry", s.handleRetryWithdrawal)
		r.Post("/withdraw/abandon", s.handleAbandonWithdrawal)
		r.Get("/balance/{account}", s.handleBalance)
		r.Get("/withdraw/pending/{account}", s.handlePendingOf)

		r.Get("/pool", s.handlePoolStats)
		r.Post("/pool/deposit", s.handleLiquidityDeposit)
		r.Post("/pool/withdraw", s.handleLiquidityWithdraw)
		r.Get("/pool/shares/{account}", s.handleShares)
		r.Get("/pool/max-payout", s.handleMaxPayout)

		r.Post("/bet", s.handleBet)
		r.Get("/bet/max/{game}", s.handleMaxBet)

		r.Get("/audit/account/{account}", s.handleAuditHistory)
		r.Get("/audit/recent", s.handleAuditRecent)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/health-check", s.handleHealthCheck)
			r.Get("/pending-withdrawals", s.handleListPending)
			r.Post("/reconcile", s.handleReconcile)
			r.Post("/force-credit", s.handleForceCredit)
			r.Get("/audit/verify", s.handleAuditVerify)
		})
	})

	return r
}

// NewServer wraps the router in an http.Server with sane timeouts.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// instrument records per-route request counts and latency. The chi route
// pattern is only known after the handler ran, so metrics are recorded on
// the way out.
func (s *HTTPServer) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
		s.metrics.HTTPDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// --- request/response payloads ---

type accountAmountRequest struct {
	Account string `json:"account"`
	Amount  uint64 `json:"amount"`
}

type accountRequest struct {
	Account string `json:"account"`
}

type balanceResponse struct {
	Account string `json:"account"`
	Balance uint64 `json:"balance"`
}

type liquidityDepositRequest struct {
	Account   string `json:"account"`
	Amount    uint64 `json:"amount"`
	MinShares string `json:"min_shares,omitempty"`
}

type liquidityWithdrawRequest struct {
	Account string `json:"account"`
	Shares  string `json:"shares"`
}

type betRequest struct {
	Account string `json:"account"`
	Game    string `json:"game"`
	Amount  uint64 `json:"amount"`
}

type betResponse struct {
	Game    string `json:"game"`
	Bet     uint64 `json:"bet"`
	Payout  uint64 `json:"payout"`
	Seed    string `json:"seed"`
	Balance uint64 `json:"balance"`
}

type pendingResponse struct {
	Account   string    `json:"account"`
	Amount    uint64    `json:"amount"`
	Kind      string    `json:"kind"`
	InFlight  bool      `json:"in_flight"`
	CreatedAt time.Time `json:"created_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// --- helpers ---

func (s *HTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *HTTPServer) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *HTTPServer) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			s.writeError(w, http.StatusBadRequest, "empty body")
		} else {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
		}
		return false
	}
	return true
}

// writeEngineError maps engine sentinel errors to HTTP statuses. Token
// boundary failures surface as gateway errors: 502 for a definite
// rejection, 504 when the outcome is unknown and a pending record was
// left behind for retry.
func (s *HTTPServer) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrBelowMinimum),
		errors.Is(err, core.ErrBetTooLarge):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, pool.ErrInsufficientShares),
		errors.Is(err, pool.ErrInsufficientReserve),
		errors.Is(err, pool.ErrSlippage),
		errors.Is(err, pool.ErrBootstrapTooSmall),
		errors.Is(err, pool.ErrReservedAccount):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ledger.ErrConflictingPending):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrNoPendingWithdrawal):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, token.ErrRejected):
		s.writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, token.ErrAmbiguous):
		s.writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, core.ErrRandomnessUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, game.ErrUnknownGame):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error().Err(err).Msg("unmapped engine error")
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func accountParam(r *http.Request) string {
	return chi.URLParam(r, "account")
}

func parseShares(raw string) (*big.Int, bool) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

// --- account handlers ---

func (s *HTTPServer) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req accountAmountRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Account == "" {
		s.writeError(w, http.StatusBadRequest, "account required")
		return
	}
	balance, err := s.engine.Deposit(r.Context(), req.Account, req.Amount)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balanceResponse{Account: req.Account, Balance: balance})
}

func (s *HTTPServer) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Account == "" {
		s.writeError(w, http.StatusBadRequest, "account required")
		return
	}
	amount, err := s.engine.WithdrawAll(r.Context(), req.Account)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"account": req.Account, "withdrawn": amount})
}

func (s *HTTPServer) handleRetryWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Account == "" {
		s.writeError(w, http.StatusBadRequest, "account required")
		return
	}
	amount, err := s.engine.RetryWithdrawal(r.Context(), req.Account)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"account": req.Account, "withdrawn": amount})
}

func (s *HTTPServer) handleAbandonWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Account == "" {
		s.writeError(w, http.StatusBadRequest, "account required")
		return
	}
	if err := s.engine.AbandonWithdrawal(req.Account); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "abandoned"})
}

func (s *HTTPServer) handleBalance(w http.ResponseWriter, r *http.Request) {
	account := accountParam(r)
	s.writeJSON(w, http.StatusOK, balanceResponse{
		Account: account,
		Balance: s.engine.Balance(account),
	})
}

func (s *HTTPServer) handlePendingOf(w http.ResponseWriter, r *http.Request) {
	p := s.engine.PendingOf(accountParam(r))
	if p == nil {
		s.writeError(w, http.StatusNotFound, "no pending withdrawal")
		return
	}
	s.writeJSON(w, http.StatusOK, pendingToResponse(p))
}

func pendingToResponse(p *ledger.PendingWithdrawal) pendingResponse {
	return pendingResponse{
		Account:   p.Account,
		Amount:    p.Amount,
		Kind:      p.Kind.String(),
		InFlight:  p.InFlight,
		CreatedAt: p.CreatedAt,
	}
}

// --- pool handlers ---

func (s *HTTPServer) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.PoolStats()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"reserve":      stats.Reserve,
		"total_shares": stats.TotalShares.String(),
		"max_payout":   stats.MaxPayout,
	})
}

func (s *HTTPServer) handleLiquidityDeposit(w http.ResponseWriter, r *http.Request) {
	var req liquidityDepositRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Account == "" {
		s.writeError(w, http.StatusBadRequest, "account required")
		return
	}
	minShares := new(big.Int)
	if req.MinShares != "" {
		v, ok := parseShares(req.MinShares)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "invalid min_shares")
			return
		}
		minShares = v
	}
	shares, err := s.engine.DepositLiquidity(r.Context(), req.Account, req.Amount, minShares)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"account": req.Account,
		"shares":  shares.String(),
	})
}

func (s *HTTPServer) handleLiquidityWithdraw(w http.ResponseWriter, r *http.Request) {
	var req liquidityWithdrawRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Account == "" {
		s.writeError(w, http.StatusBadRequest, "account required")
		return
	}
	shares, ok := parseShares(req.Shares)
	if !ok || shares.Sign() == 0 {
		s.writeError(w, http.StatusBadRequest, "invalid shares")
		return
	}
	payout, err := s.engine.WithdrawLiquidity(r.Context(), req.Account, shares)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"account": req.Account, "payout": payout})
}

func (s *HTTPServer) handleShares(w http.ResponseWriter, r *http.Request) {
	account := accountParam(r)
	s.writeJSON(w, http.StatusOK, map[string]string{
		"account": account,
		"shares":  s.engine.SharesOf(account).String(),
	})
}

func (s *HTTPServer) handleMaxPayout(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.PoolStats()
	s.writeJSON(w, http.StatusOK, map[string]uint64{"max_payout": stats.MaxPayout})
}

// --- bet handlers ---

func (s *HTTPServer) handleBet(w http.ResponseWriter, r *http.Request) {
	var req betRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Account == "" {
		s.writeError(w, http.StatusBadRequest, "account required")
		return
	}
	kind, err := game.ParseKind(req.Game)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.engine.PlaceBet(r.Context(), req.Account, kind, req.Amount)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, betResponse{
		Game:    result.Game.String(),
		Bet:     result.Bet,
		Payout:  result.Payout,
		Seed:    result.SeedHex(),
		Balance: result.Balance,
	})
}

func (s *HTTPServer) handleMaxBet(w http.ResponseWriter, r *http.Request) {
	kind, err := game.ParseKind(chi.URLParam(r, "game"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	maxBet, err := s.engine.MaxBet(kind)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"game": kind.String(), "max_bet": maxBet})
}

// --- operator handlers ---

func (s *HTTPServer) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.HealthCheck(r.Context())
	if err != nil {
		if errors.Is(err, core.ErrReconcileDeficit) {
			s.writeJSON(w, http.StatusConflict, report)
			return
		}
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Reconcile(r.Context())
	if err != nil {
		if errors.Is(err, core.ErrReconcileDeficit) {
			s.writeJSON(w, http.StatusConflict, report)
			return
		}
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *HTTPServer) handleListPending(w http.ResponseWriter, r *http.Request) {
	pending := s.engine.ListPendingWithdrawals()
	out := make([]pendingResponse, 0, len(pending))
	for i := range pending {
		out = append(out, pendingToResponse(&pending[i]))
	}
	s.writeJSON(w, http.StatusOK, out)
}

// --- audit history handlers ---

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
)

func (s *HTTPServer) pageLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultPageLimit
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return defaultPageLimit
	}
	if limit > maxPageLimit {
		return maxPageLimit
	}
	return limit
}

func (s *HTTPServer) handleAuditHistory(w http.ResponseWriter, r *http.Request) {
	if s.queries == nil {
		s.writeError(w, http.StatusServiceUnavailable, "audit queries unavailable")
		return
	}
	var beforeSeq *int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid before cursor")
			return
		}
		beforeSeq = &v
	}
	records, err := s.queries.AccountHistory(r.Context(), accountParam(r), s.pageLimit(r), beforeSeq)
	if err != nil {
		s.log.Error().Err(err).Msg("account history query")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *HTTPServer) handleAuditRecent(w http.ResponseWriter, r *http.Request) {
	if s.queries == nil {
		s.writeError(w, http.StatusServiceUnavailable, "audit queries unavailable")
		return
	}
	records, err := s.queries.Recent(r.Context(), r.URL.Query().Get("kind"), s.pageLimit(r))
	if err != nil {
		s.log.Error().Err(err).Msg("recent entries query")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *HTTPServer) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if s.queries == nil {
		s.writeError(w, http.StatusServiceUnavailable, "audit queries unavailable")
		return
	}
	var fromSeq int64
	if raw := r.URL.Query().Get("from"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid from sequence")
			return
		}
		fromSeq = v
	}
	result, err := s.queries.VerifyChain(r.Context(), fromSeq, s.pageLimit(r))
	if err != nil {
		s.log.Error().Err(err).Msg("chain verification query")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !result.Valid {
		s.writeJSON(w, http.StatusConflict, result)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleForceCredit(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Account == "" {
		s.writeError(w, http.StatusBadRequest, "account required")
		return
	}
	balance, err := s.engine.ForceCredit(req.Account)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, balanceResponse{Account: req.Account, Balance: balance})
}
