package stakingd

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"stakepool/config"
	"stakepool/core/events"
	"stakepool/core/state"
	"stakepool/crypto"
	"stakepool/gateway/middleware"
	nativecommon "stakepool/native/common"
	"stakepool/native/staking"
	"stakepool/services/stakingd/journal"
	"stakepool/storage"
)

const testSecret = "test-hmac-secret"

type harness struct {
	t        *testing.T
	cfg      Config
	node     *Node
	server   *Server
	handler  http.Handler
	operator crypto.Address
	alice    crypto.Address
	clock    *atomic.Int64
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	operatorKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate operator key: %v", err)
	}
	aliceKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate alice key: %v", err)
	}
	operator := operatorKey.PubKey().Address()
	alice := aliceKey.PubKey().Address()

	start := time.Unix(1_700_000_000, 0).UTC()
	pool := &config.PoolFile{
		Token: config.TokenSection{Symbol: "STK", Name: "Stake", Decimals: 6},
		Pool: config.PoolSection{
			MaxPerAddress:   10_000_000,
			InterestRateBps: 1_000,
			StartTime:       start,
			EndTime:         start.Add(365 * 24 * time.Hour),
			VaultReserve:    5_000_000,
		},
		Allocations: []config.Allocation{
			{Address: operator.String(), Amount: 50_000_000},
			{Address: alice.String(), Amount: 20_000_000},
		},
	}
	if err := pool.Validate(); err != nil {
		t.Fatalf("validate pool: %v", err)
	}

	cfg := Config{Auth: AuthConfig{HMACSecret: testSecret}}
	if mutate != nil {
		mutate(&cfg)
	}
	applyDefaults(&cfg, "")

	db, err := journal.Open(journal.DriverSQLite, "")
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	history, err := journal.New(db, nil)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}

	node, err := NewNode(storage.NewMemDB(), pool, cfg.PausedModules, events.Fanout{history}, func() (*crypto.PrivateKey, error) {
		return operatorKey, nil
	}, nil)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	clock := &atomic.Int64{}
	clock.Store(start.Unix() + 10)
	node.Engine().SetNowFunc(clock.Load)

	server := NewServer(node, history, cfg, nil)
	idem, err := OpenIdempotencyStore(filepath.Join(t.TempDir(), "idempotency.db"), nil)
	if err != nil {
		t.Fatalf("open idempotency store: %v", err)
	}
	t.Cleanup(func() { _ = idem.Close() })
	server.SetIdempotencyStore(idem)

	return &harness{
		t:        t,
		cfg:      cfg,
		node:     node,
		server:   server,
		handler:  server.Handler(),
		operator: operator,
		alice:    alice,
		clock:    clock,
	}
}

func (h *harness) token(subject crypto.Address) string {
	h.t.Helper()
	tok, err := middleware.IssueToken(testSecret, subject, h.cfg.Auth.Issuer, h.cfg.Auth.Audience, time.Hour)
	if err != nil {
		h.t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (h *harness) do(method, path string, caller *crypto.Address, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	return h.doWithHeaders(method, path, caller, body, nil)
}

func (h *harness) doWithHeaders(method, path string, caller *crypto.Address, body any, headers map[string]string) *httptest.ResponseRecorder {
	h.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		req.Header.Set("Authorization", "Bearer "+h.token(*caller))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestPoolOpenedOnBoot(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodGet, "/v1/pool", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	view := decode[poolView](t, rec)
	if view.Authority != h.operator.String() {
		t.Fatalf("expected operator authority, got %s", view.Authority)
	}
	if view.VaultBalance != 5_000_000 {
		t.Fatalf("expected seeded vault, got %d", view.VaultBalance)
	}
	if view.Phase != staking.PhaseActive.String() {
		t.Fatalf("expected active phase, got %s", view.Phase)
	}

	again := h.do(http.MethodPost, "/v1/pool/open", &h.operator, openRequest{Token: "STK", MaxPerAddress: 1, StartTime: 1, EndTime: 2})
	if again.Code != http.StatusConflict {
		t.Fatalf("expected 409 for second open, got %d", again.Code)
	}
}

func TestDepositClaimAndHistory(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodPost, "/v1/stakes/deposit", &h.alice, amountRequest{Amount: 1_000_000})
	if rec.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	h.clock.Add(staking.SecondsPerYear / 2)
	stake := decode[stakeView](t, h.do(http.MethodGet, "/v1/stakes/"+h.alice.String(), nil, nil))
	if stake.StakedAmount != 1_000_000 {
		t.Fatalf("expected staked 1000000, got %d", stake.StakedAmount)
	}
	if stake.ClaimableReward != 50_000 {
		t.Fatalf("expected claimable 50000, got %d", stake.ClaimableReward)
	}

	claim := h.do(http.MethodPost, "/v1/stakes/claim", &h.alice, nil)
	if claim.Code != http.StatusOK {
		t.Fatalf("claim: expected 200, got %d: %s", claim.Code, claim.Body.String())
	}
	if paid := decode[map[string]uint64](t, claim)["amount"]; paid != 50_000 {
		t.Fatalf("expected 50000 reward, got %d", paid)
	}

	history := decode[struct {
		Entries []journal.Entry `json:"entries"`
	}](t, h.do(http.MethodGet, "/v1/stakes/"+h.alice.String()+"/history?limit=10", nil, nil))
	var sawDeposit, sawClaim bool
	for _, entry := range history.Entries {
		switch entry.Type {
		case events.TypeStakeDeposited:
			sawDeposit = true
		case events.TypeStakeRewardClaimed:
			sawClaim = true
		}
	}
	if !sawDeposit || !sawClaim {
		t.Fatalf("history missing entries: %+v", history.Entries)
	}
}

func TestWriteRoutesRequireToken(t *testing.T) {
	h := newHarness(t, nil)
	rec := h.do(http.MethodPost, "/v1/stakes/deposit", nil, amountRequest{Amount: 1})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestOperatorOnlyRoutes(t *testing.T) {
	h := newHarness(t, nil)
	if rec := h.do(http.MethodPost, "/v1/pool/fund", &h.alice, amountRequest{Amount: 10}); rec.Code != http.StatusForbidden {
		t.Fatalf("fund by participant: expected 403, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/v1/pool/pause", &h.alice, pauseRequest{Paused: true}); rec.Code != http.StatusForbidden {
		t.Fatalf("pause by participant: expected 403, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/v1/pool/pause", &h.operator, pauseRequest{Paused: true}); rec.Code != http.StatusOK {
		t.Fatalf("pause by operator: expected 200, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/v1/stakes/deposit", &h.alice, amountRequest{Amount: 10}); rec.Code != http.StatusConflict {
		t.Fatalf("deposit while paused: expected 409, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/v1/pool/fund", &h.operator, amountRequest{Amount: 10}); rec.Code != http.StatusOK {
		t.Fatalf("fund while paused: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLifecycleErrors(t *testing.T) {
	h := newHarness(t, nil)
	if rec := h.do(http.MethodPost, "/v1/stakes/deposit", &h.alice, amountRequest{Amount: 1_000}); rec.Code != http.StatusOK {
		t.Fatalf("deposit: expected 200, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/v1/stakes/withdraw", &h.alice, nil); rec.Code != http.StatusConflict {
		t.Fatalf("early withdraw: expected 409, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/v1/stakes/deposit", &h.alice, amountRequest{Amount: 0}); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("zero deposit: expected 422, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/v1/stakes/deposit", &h.alice, amountRequest{Amount: 10_000_000}); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("cap breach: expected 422, got %d", rec.Code)
	}

	h.clock.Add(staking.SecondsPerYear)
	rec := h.do(http.MethodPost, "/v1/stakes/withdraw", &h.alice, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("withdraw after end: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := h.do(http.MethodGet, "/v1/stakes/"+h.alice.String(), nil, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("closed stake: expected 404, got %d", rec.Code)
	}
}

func TestMalformedRequests(t *testing.T) {
	h := newHarness(t, nil)
	if rec := h.do(http.MethodGet, "/v1/stakes/not-an-address", nil, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad address: expected 400, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/v1/stakes/deposit", &h.alice, map[string]any{"amount": 1, "extra": true}); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field: expected 400, got %d", rec.Code)
	}
}

func TestCallerHeaderWhenAuthDisabled(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.Auth = AuthConfig{Disabled: true} })
	req := httptest.NewRequest(http.MethodPost, "/v1/stakes/deposit", bytes.NewReader([]byte(`{"amount":5}`)))
	req.Header.Set(callerHeader, h.alice.String())
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWriteRateLimit(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.RateLimits = map[string]RateLimitEntry{routeGroupWrite: {RequestsPerMinute: 1, Burst: 1}}
	})
	if rec := h.do(http.MethodPost, "/v1/stakes/deposit", &h.alice, amountRequest{Amount: 1}); rec.Code != http.StatusOK {
		t.Fatalf("first deposit: expected 200, got %d", rec.Code)
	}
	if rec := h.do(http.MethodPost, "/v1/stakes/deposit", &h.alice, amountRequest{Amount: 1}); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second deposit: expected 429, got %d", rec.Code)
	}
}

func TestStaticPauseFromConfig(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.PausedModules = []string{"Staking"} })
	rec := h.do(http.MethodPost, "/v1/stakes/deposit", &h.alice, amountRequest{Amount: 1})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while module paused, got %d", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{staking.ErrUnauthorized, http.StatusForbidden},
		{staking.ErrPoolNotFound, http.StatusNotFound},
		{staking.ErrStakingEnded, http.StatusConflict},
		{nativecommon.ErrModulePaused, http.StatusConflict},
		{staking.ErrReachMaxDeposit, http.StatusUnprocessableEntity},
		{errors.Join(staking.ErrTransferFailed, state.ErrInsufficientBalance), http.StatusUnprocessableEntity},
		{errors.Join(staking.ErrTransferFailed, errors.New("ledger offline")), http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}
