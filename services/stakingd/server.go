package stakingd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stakepool/core/state"
	"stakepool/crypto"
	"stakepool/gateway/middleware"
	nativecommon "stakepool/native/common"
	"stakepool/native/staking"
	"stakepool/observability"
	"stakepool/services/stakingd/journal"
)

const (
	routeGroupRead  = "read"
	routeGroupWrite = "write"

	requestLimit = 16 << 10

	// callerHeader names the caller when authentication is disabled, for
	// local development networks.
	callerHeader = "X-Stake-Caller"
)

// HistoryReader lists journaled events for an account.
type HistoryReader interface {
	History(ctx context.Context, account string, limit int) ([]journal.Entry, error)
}

// Server exposes the staking pool over HTTP.
type Server struct {
	node    *Node
	history HistoryReader
	auth    *middleware.Authenticator
	limiter *middleware.RateLimiter
	obs     *middleware.Observability
	logger  *slog.Logger
	now     func() time.Time

	idem     *IdempotencyStore
	idemTTL  time.Duration
	inflight inflightKeys

	trustCallerHeader bool
}

// NewServer builds the HTTP surface for node. history may be nil, in which
// case the history route answers 404.
func NewServer(node *Node, history HistoryReader, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		node:    node,
		history: history,
		auth:    middleware.NewAuthenticator(cfg.authenticator(), logger),
		limiter: middleware.NewRateLimiter(cfg.rateLimits(), func(key string) {
			observability.API().RecordThrottle(key, "rate_limit")
		}),
		obs:     middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: "stakingd", LogRequests: cfg.Log.Level == "debug"}, logger),
		logger:  logger,
		now:     time.Now,
		idemTTL: cfg.idempotencyTTL(),

		trustCallerHeader: cfg.Auth.Disabled,
	}
}

// SetIdempotencyStore enables Idempotency-Key replay on the deposit and
// funding routes. A nil store disables it.
func (s *Server) SetIdempotencyStore(store *IdempotencyStore) { s.idem = store }

// Handler returns the routed and traced HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(read chi.Router) {
			read.Use(s.limiter.Middleware(routeGroupRead))
			read.With(s.obs.Middleware("pool.get")).Get("/pool", s.getPool)
			read.With(s.obs.Middleware("stake.get")).Get("/stakes/{address}", s.getStake)
			read.With(s.obs.Middleware("stake.history")).Get("/stakes/{address}/history", s.getHistory)
		})
		v1.Group(func(write chi.Router) {
			write.Use(s.auth.Middleware())
			write.Use(s.limiter.Middleware(routeGroupWrite))
			write.With(s.obs.Middleware("pool.open")).Post("/pool/open", s.openPool)
			write.With(s.obs.Middleware("pool.fund")).Post("/pool/fund", s.fundVault)
			write.With(s.obs.Middleware("pool.pause")).Post("/pool/pause", s.setPaused)
			write.With(s.obs.Middleware("stake.deposit")).Post("/stakes/deposit", s.deposit)
			write.With(s.obs.Middleware("stake.withdraw")).Post("/stakes/withdraw", s.withdraw)
			write.With(s.obs.Middleware("stake.claim")).Post("/stakes/claim", s.claim)
		})
	})

	return otelhttp.NewHandler(r, "stakingd")
}

type poolView struct {
	Token           string `json:"token"`
	Authority       string `json:"authority"`
	Vault           string `json:"vault"`
	TotalDeposited  uint64 `json:"total_deposited"`
	MaxPerAddress   uint64 `json:"max_per_address"`
	InterestRateBps uint16 `json:"interest_rate_bps"`
	StartTime       int64  `json:"start_time"`
	EndTime         int64  `json:"end_time"`
	Paused          bool   `json:"paused"`
	Phase           string `json:"phase"`
	VaultBalance    uint64 `json:"vault_balance"`
}

type stakeView struct {
	Holder              string `json:"holder"`
	StakedAmount        uint64 `json:"staked_amount"`
	PendingReward       uint64 `json:"pending_reward"`
	ClaimableReward     uint64 `json:"claimable_reward"`
	LastClaimedRewardAt int64  `json:"last_claimed_reward_at"`
}

type amountRequest struct {
	Amount uint64 `json:"amount"`
}

type pauseRequest struct {
	Paused bool `json:"paused"`
}

type openRequest struct {
	Token           string `json:"token"`
	MaxPerAddress   uint64 `json:"max_per_address"`
	InterestRateBps uint16 `json:"interest_rate_bps"`
	StartTime       int64  `json:"start_time"`
	EndTime         int64  `json:"end_time"`
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	engine := s.node.Engine()
	pool, err := engine.Pool()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	phase, err := engine.Phase()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	vault, err := engine.VaultBalance()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, poolView{
		Token:           pool.TokenID,
		Authority:       pool.Authority.String(),
		Vault:           pool.Vault.String(),
		TotalDeposited:  pool.TotalDeposited,
		MaxPerAddress:   pool.MaxPerAddress,
		InterestRateBps: pool.InterestRate,
		StartTime:       pool.StartTime,
		EndTime:         pool.EndTime,
		Paused:          pool.Paused,
		Phase:           phase.String(),
		VaultBalance:    vault,
	})
}

func (s *Server) getStake(w http.ResponseWriter, r *http.Request) {
	holder, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid address: %w", err))
		return
	}
	engine := s.node.Engine()
	stake, err := engine.Stake(holder)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	claimable, err := engine.PendingReward(holder)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStakeView(stake, claimable))
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSONError(w, http.StatusNotFound, errors.New("history journal disabled"))
		return
	}
	holder, err := crypto.DecodeAddress(chi.URLParam(r, "address"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid address: %w", err))
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeJSONError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
	}
	entries, err := s.history.History(r.Context(), holder.String(), limit)
	if err != nil {
		s.logger.Error("history lookup failed", slog.String("addr", holder.String()), slog.Any("error", err))
		writeJSONError(w, http.StatusInternalServerError, errors.New("history unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) openPool(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req openRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	pool, err := s.node.Engine().OpenPool(caller, req.Token, req.MaxPerAddress, req.InterestRateBps, req.StartTime, req.EndTime)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.node.publish()
	writeJSON(w, http.StatusCreated, map[string]string{"token": pool.TokenID, "vault": pool.Vault.String()})
}

func (s *Server) fundVault(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	data, err := readBody(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	scope, ok := s.beginIdempotent(w, r, caller, data)
	if !ok {
		return
	}
	defer scope.done()
	var req amountRequest
	if err := decodeBody(data, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.node.Engine().FundVault(caller, req.Amount); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.node.publish()
	scope.respond(w, http.StatusOK, map[string]uint64{"amount": req.Amount})
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req pauseRequest
	if err := decodeRequest(r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.node.Engine().SetPaused(caller, req.Paused); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.node.publish()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": req.Paused})
}

func (s *Server) deposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	data, err := readBody(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	scope, ok := s.beginIdempotent(w, r, caller, data)
	if !ok {
		return
	}
	defer scope.done()
	var req amountRequest
	if err := decodeBody(data, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	stake, err := s.node.Engine().Deposit(caller, req.Amount)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.node.publish()
	scope.respond(w, http.StatusOK, newStakeView(stake, stake.PendingReward))
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	paid, err := s.node.Engine().Withdraw(caller)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.node.publish()
	writeJSON(w, http.StatusOK, map[string]uint64{"amount": paid})
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	reward, err := s.node.Engine().ClaimReward(caller)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.node.publish()
	writeJSON(w, http.StatusOK, map[string]uint64{"amount": reward})
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (crypto.Address, bool) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok && s.trustCallerHeader {
		if raw := strings.TrimSpace(r.Header.Get(callerHeader)); raw != "" {
			decoded, err := crypto.DecodeAddress(raw)
			if err != nil || decoded.Prefix() != crypto.StakePrefix {
				writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid %s header", callerHeader))
				return crypto.Address{}, false
			}
			caller, ok = decoded, true
		}
	}
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, errors.New("caller identity required"))
		return crypto.Address{}, false
	}
	return caller, true
}

func newStakeView(stake *staking.StakeAccount, claimable uint64) stakeView {
	return stakeView{
		Holder:              stake.Holder.String(),
		StakedAmount:        stake.StakedAmount,
		PendingReward:       stake.PendingReward,
		ClaimableReward:     claimable,
		LastClaimedRewardAt: stake.LastClaimedRewardAt,
	}
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("pool operation failed", slog.Int("status", status), slog.Any("error", err))
	}
	writeJSONError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, staking.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, staking.ErrPoolNotFound), errors.Is(err, staking.ErrStakeNotFound):
		return http.StatusNotFound
	case errors.Is(err, staking.ErrStakingNotStarted),
		errors.Is(err, staking.ErrStakingEnded),
		errors.Is(err, staking.ErrStakingNotEnded),
		errors.Is(err, staking.ErrPoolExists),
		errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusConflict
	case errors.Is(err, staking.ErrTokenAmountTooSmall),
		errors.Is(err, staking.ErrTokenAmountTooBig),
		errors.Is(err, staking.ErrReachMaxDeposit),
		errors.Is(err, staking.ErrInvalidWindow),
		errors.Is(err, staking.ErrNotAllowed),
		errors.Is(err, state.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, staking.ErrTransferFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func decodeRequest(r *http.Request, out any) error {
	data, err := readBody(r)
	if err != nil {
		return err
	}
	return decodeBody(data, out)
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, requestLimit))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return data, nil
}

func decodeBody(data []byte, out any) error {
	if len(strings.TrimSpace(string(data))) == 0 {
		return errors.New("request body is empty")
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, fmt.Errorf("marshal response: %w", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	payload, marshalErr := json.Marshal(map[string]string{"error": message})
	if marshalErr != nil {
		payload = []byte(`{"error":"` + http.StatusText(status) + `"}`)
	}
	_, _ = w.Write(payload)
}
