package staking

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"stakepool/core/events"
	"stakepool/core/state"
	"stakepool/crypto"
	"stakepool/native/bank"
	nativecommon "stakepool/native/common"
	"stakepool/storage"
)

const (
	testToken = "STK"
	testStart = int64(1_000)
	testEnd   = testStart + SecondsPerYear
)

type testClock struct{ now atomic.Int64 }

func (c *testClock) set(ts int64)    { c.now.Store(ts) }
func (c *testClock) read() int64     { return c.now.Load() }
func (c *testClock) advance(d int64) { c.now.Add(d) }

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(evt events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.EventType())
	}
	return out
}

// failingLedger wraps the real ledger and refuses user-signed transfers when
// failTransfer is set.
type failingLedger struct {
	*bank.Ledger
	failTransfer bool
}

func (f *failingLedger) Transfer(from, to crypto.Address, amount uint64, token string) error {
	if f.failTransfer {
		return errors.New("ledger offline")
	}
	return f.Ledger.Transfer(from, to, amount, token)
}

var errDiskFull = errors.New("disk full")

// failingStore wraps the real manager and rejects Update when failUpdate is set.
type failingStore struct {
	*state.Manager
	failUpdate bool
}

func (f *failingStore) Update(fn func(state.Writer) error) error {
	if f.failUpdate {
		return errDiskFull
	}
	return f.Manager.Update(fn)
}

type fixture struct {
	engine   *Engine
	manager  *state.Manager
	ledger   *failingLedger
	store    *failingStore
	clock    *testClock
	events   *recorder
	operator crypto.Address
}

func makeAddress(suffix byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.StakePrefix, raw)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	manager := state.NewManager(storage.NewMemDB())
	if err := manager.RegisterToken(testToken, "Stake Token", 6); err != nil {
		t.Fatalf("register token: %v", err)
	}
	ledger := &failingLedger{Ledger: bank.NewLedger(manager)}
	store := &failingStore{Manager: manager}
	clock := &testClock{}
	clock.set(testStart - 100)
	rec := &recorder{}

	engine := NewEngine()
	engine.SetState(store)
	engine.SetLedger(ledger)
	engine.SetNowFunc(clock.read)
	engine.SetEmitter(rec)

	return &fixture{
		engine:   engine,
		manager:  manager,
		ledger:   ledger,
		store:    store,
		clock:    clock,
		events:   rec,
		operator: makeAddress(0xAA),
	}
}

func (f *fixture) mint(t *testing.T, addr crypto.Address, amount uint64) {
	t.Helper()
	if err := f.ledger.Mint(addr, amount, testToken); err != nil {
		t.Fatalf("mint: %v", err)
	}
}

func (f *fixture) balance(t *testing.T, addr crypto.Address) uint64 {
	t.Helper()
	bal, err := f.ledger.Balance(addr, testToken)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func (f *fixture) open(t *testing.T, maxPerAddress uint64, rate uint16) *PoolConfig {
	t.Helper()
	pool, err := f.engine.OpenPool(f.operator, testToken, maxPerAddress, rate, testStart, testEnd)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	return pool
}

func TestOpenPoolValidation(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.OpenPool(f.operator, testToken, 10, 1_000, testEnd, testStart); !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow, got %v", err)
	}
	if _, err := f.engine.OpenPool(f.operator, testToken, 10, 1_000, testStart, testStart); !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow for empty window, got %v", err)
	}
	if _, err := f.engine.OpenPool(f.operator, testToken, 0, 1_000, testStart, testEnd); !errors.Is(err, ErrTokenAmountTooSmall) {
		t.Fatalf("expected ErrTokenAmountTooSmall, got %v", err)
	}
	if _, err := f.engine.Pool(); !errors.Is(err, ErrPoolNotFound) {
		t.Fatalf("expected ErrPoolNotFound, got %v", err)
	}

	pool := f.open(t, 10, 1_000)
	if pool.TotalDeposited != 0 || pool.Paused {
		t.Fatalf("unexpected initial pool: %+v", pool)
	}
	if !pool.Authority.Equal(f.operator) {
		t.Fatalf("authority mismatch")
	}
	if pool.Vault.Prefix() != crypto.ProgramPrefix {
		t.Fatalf("vault must be a program address, got %s", pool.Vault)
	}
	if _, err := f.engine.OpenPool(f.operator, testToken, 10, 1_000, testStart, testEnd); !errors.Is(err, ErrPoolExists) {
		t.Fatalf("expected ErrPoolExists, got %v", err)
	}
}

func TestOpenPoolSeedsVaultReserve(t *testing.T) {
	f := newFixture(t)
	f.engine.SetVaultReserve(500)
	if _, err := f.engine.OpenPool(f.operator, testToken, 10, 1_000, testStart, testEnd); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed without operator funds, got %v", err)
	}
	f.mint(t, f.operator, 500)
	pool := f.open(t, 10, 1_000)
	if got := f.balance(t, pool.Vault); got != 500 {
		t.Fatalf("expected vault reserve 500, got %d", got)
	}
}

func TestFundVaultRequiresAuthority(t *testing.T) {
	f := newFixture(t)
	pool := f.open(t, 1_000, 1_000)
	stranger := makeAddress(0x01)
	f.mint(t, stranger, 100)
	f.mint(t, f.operator, 100)

	if err := f.engine.FundVault(stranger, 100); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := f.engine.FundVault(f.operator, 0); !errors.Is(err, ErrTokenAmountTooSmall) {
		t.Fatalf("expected ErrTokenAmountTooSmall, got %v", err)
	}
	// funding is allowed before the window opens
	if err := f.engine.FundVault(f.operator, 100); err != nil {
		t.Fatalf("fund vault: %v", err)
	}
	if got := f.balance(t, pool.Vault); got != 100 {
		t.Fatalf("expected vault balance 100, got %d", got)
	}
	after, err := f.engine.Pool()
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	if after.TotalDeposited != 0 {
		t.Fatalf("funding must not count as deposit, got %d", after.TotalDeposited)
	}
}

func TestDepositLifecycleRejections(t *testing.T) {
	f := newFixture(t)
	f.open(t, 1_000, 1_000)
	alice := makeAddress(0x01)
	f.mint(t, alice, 1_000)

	if _, err := f.engine.Deposit(alice, 10); !errors.Is(err, ErrStakingNotStarted) {
		t.Fatalf("expected ErrStakingNotStarted, got %v", err)
	}
	if _, err := f.engine.ClaimReward(alice); !errors.Is(err, ErrStakingNotStarted) {
		t.Fatalf("expected ErrStakingNotStarted on claim, got %v", err)
	}
	if _, err := f.engine.Withdraw(alice); !errors.Is(err, ErrStakingNotStarted) {
		t.Fatalf("expected ErrStakingNotStarted on withdraw, got %v", err)
	}

	f.clock.set(testStart)
	if _, err := f.engine.Deposit(alice, 0); !errors.Is(err, ErrTokenAmountTooSmall) {
		t.Fatalf("expected ErrTokenAmountTooSmall, got %v", err)
	}
	if _, err := f.engine.Deposit(alice, 10); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := f.engine.Withdraw(alice); !errors.Is(err, ErrStakingNotEnded) {
		t.Fatalf("expected ErrStakingNotEnded, got %v", err)
	}

	f.clock.set(testEnd + 1)
	if _, err := f.engine.Deposit(alice, 10); !errors.Is(err, ErrStakingEnded) {
		t.Fatalf("expected ErrStakingEnded, got %v", err)
	}
	if phase, err := f.engine.Phase(); err != nil || phase != PhaseEnded {
		t.Fatalf("expected ended phase, got %v (%v)", phase, err)
	}
}

func TestDepositCapLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	pool := f.open(t, 100, 1_000)
	alice := makeAddress(0x01)
	f.mint(t, alice, 1_000)
	f.clock.set(testStart)

	if _, err := f.engine.Deposit(alice, 60); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.clock.advance(1_000)
	if _, err := f.engine.Deposit(alice, 41); !errors.Is(err, ErrReachMaxDeposit) {
		t.Fatalf("expected ErrReachMaxDeposit, got %v", err)
	}
	stake, err := f.engine.Stake(alice)
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	if stake.StakedAmount != 60 || stake.LastClaimedRewardAt != testStart || stake.PendingReward != 0 {
		t.Fatalf("rejected deposit changed the stake: %+v", stake)
	}
	if got := f.balance(t, alice); got != 940 {
		t.Fatalf("rejected deposit moved tokens, balance %d", got)
	}
	if got := f.balance(t, pool.Vault); got != 60 {
		t.Fatalf("vault balance %d", got)
	}
	if _, err := f.engine.Deposit(alice, 40); err != nil {
		t.Fatalf("deposit up to cap: %v", err)
	}
}

func TestDepositSettlesRewardBeforeAddingPrincipal(t *testing.T) {
	f := newFixture(t)
	f.open(t, 10_000_000, 1_000)
	alice := makeAddress(0x01)
	f.mint(t, alice, 2_000_000)
	f.clock.set(testStart)

	if _, err := f.engine.Deposit(alice, 1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.clock.advance(SecondsPerYear / 2)
	stake, err := f.engine.Deposit(alice, 1_000_000)
	if err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	if stake.PendingReward != 50_000 {
		t.Fatalf("expected 50000 settled at the old principal, got %d", stake.PendingReward)
	}
	if stake.StakedAmount != 2_000_000 {
		t.Fatalf("expected 2000000 staked, got %d", stake.StakedAmount)
	}
	if stake.LastClaimedRewardAt != testStart+SecondsPerYear/2 {
		t.Fatalf("anchor not advanced: %d", stake.LastClaimedRewardAt)
	}
	pool, _ := f.engine.Pool()
	if pool.TotalDeposited != 2_000_000 {
		t.Fatalf("expected total deposited 2000000, got %d", pool.TotalDeposited)
	}
}

func TestClaimZeroRewardIsNoop(t *testing.T) {
	f := newFixture(t)
	f.open(t, 1_000, 1_000)
	alice := makeAddress(0x01)
	f.mint(t, alice, 1_000)
	f.clock.set(testStart)

	if _, err := f.engine.ClaimReward(alice); !errors.Is(err, ErrStakeNotFound) {
		t.Fatalf("expected ErrStakeNotFound, got %v", err)
	}
	if _, err := f.engine.Deposit(alice, 1_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	before := len(f.events.types())
	paid, err := f.engine.ClaimReward(alice)
	if err != nil || paid != 0 {
		t.Fatalf("expected zero claim, got %d (%v)", paid, err)
	}
	stake, _ := f.engine.Stake(alice)
	if stake.LastClaimedRewardAt != testStart {
		t.Fatalf("zero claim moved the anchor to %d", stake.LastClaimedRewardAt)
	}
	if after := len(f.events.types()); after != before {
		t.Fatalf("zero claim emitted events")
	}
}

func TestClaimPaysRewardAndKeepsPrincipal(t *testing.T) {
	f := newFixture(t)
	pool := f.open(t, 1_000_000, 1_000)
	alice := makeAddress(0x01)
	f.mint(t, alice, 1_000_000)
	f.mint(t, f.operator, 100_000)
	if err := f.engine.FundVault(f.operator, 100_000); err != nil {
		t.Fatalf("fund: %v", err)
	}
	f.clock.set(testStart)
	if _, err := f.engine.Deposit(alice, 1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	f.clock.advance(SecondsPerYear / 4)
	pending, err := f.engine.PendingReward(alice)
	if err != nil || pending != 25_000 {
		t.Fatalf("expected pending 25000, got %d (%v)", pending, err)
	}
	paid, err := f.engine.ClaimReward(alice)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if paid != 25_000 {
		t.Fatalf("expected 25000, got %d", paid)
	}
	if got := f.balance(t, alice); got != 25_000 {
		t.Fatalf("expected alice balance 25000, got %d", got)
	}
	if got := f.balance(t, pool.Vault); got != 1_075_000 {
		t.Fatalf("expected vault 1075000, got %d", got)
	}
	stake, _ := f.engine.Stake(alice)
	if stake.StakedAmount != 1_000_000 || stake.PendingReward != 0 {
		t.Fatalf("unexpected stake after claim: %+v", stake)
	}

	// claiming again at the same instant pays nothing
	if paid, err := f.engine.ClaimReward(alice); err != nil || paid != 0 {
		t.Fatalf("expected idempotent claim, got %d (%v)", paid, err)
	}
}

func TestOneYearStakeEndToEnd(t *testing.T) {
	f := newFixture(t)
	pool := f.open(t, 1_000_000, 1_000)
	alice := makeAddress(0x01)
	f.mint(t, alice, 1_000_000)
	f.mint(t, f.operator, 100_000)
	if err := f.engine.FundVault(f.operator, 100_000); err != nil {
		t.Fatalf("fund: %v", err)
	}

	f.clock.set(testStart)
	if _, err := f.engine.Deposit(alice, 1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.clock.set(testEnd + 86_400)
	payout, err := f.engine.Withdraw(alice)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if payout != 1_100_000 {
		t.Fatalf("expected payout 1100000, got %d", payout)
	}
	if got := f.balance(t, alice); got != 1_100_000 {
		t.Fatalf("expected alice balance 1100000, got %d", got)
	}
	if got := f.balance(t, pool.Vault); got != 0 {
		t.Fatalf("expected empty vault, got %d", got)
	}
	if _, err := f.engine.Stake(alice); !errors.Is(err, ErrStakeNotFound) {
		t.Fatalf("expected stake record destroyed, got %v", err)
	}
	after, _ := f.engine.Pool()
	if after.TotalDeposited != 0 {
		t.Fatalf("expected total deposited 0, got %d", after.TotalDeposited)
	}
	if _, err := f.engine.Withdraw(alice); !errors.Is(err, ErrStakeNotFound) {
		t.Fatalf("expected second withdraw to fail, got %v", err)
	}

	want := []string{
		events.TypePoolOpened,
		events.TypeVaultFunded,
		events.TypeStakeDeposited,
		events.TypeStakeWithdrawn,
	}
	got := f.events.types()
	if len(got) != len(want) {
		t.Fatalf("unexpected events %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestPauseBlocksParticipantOperations(t *testing.T) {
	f := newFixture(t)
	f.open(t, 1_000, 1_000)
	alice := makeAddress(0x01)
	f.mint(t, alice, 1_000)
	f.mint(t, f.operator, 10)
	f.clock.set(testStart)
	if _, err := f.engine.Deposit(alice, 100); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	if err := f.engine.SetPaused(alice, true); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if err := f.engine.SetPaused(f.operator, true); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := f.engine.Deposit(alice, 1); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused on deposit, got %v", err)
	}
	if _, err := f.engine.ClaimReward(alice); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused on claim, got %v", err)
	}
	if err := f.engine.FundVault(f.operator, 10); err != nil {
		t.Fatalf("fund while paused: %v", err)
	}
	if err := f.engine.SetPaused(f.operator, false); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	if _, err := f.engine.Deposit(alice, 1); err != nil {
		t.Fatalf("deposit after unpause: %v", err)
	}
}

func TestExternalPauseViewBlocksWithdraw(t *testing.T) {
	f := newFixture(t)
	f.open(t, 1_000, 1_000)
	alice := makeAddress(0x01)
	f.mint(t, alice, 100)
	f.clock.set(testStart)
	if _, err := f.engine.Deposit(alice, 100); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.engine.SetPauses(nativecommon.NewStaticPauses("staking"))
	f.clock.set(testEnd + 1)
	if _, err := f.engine.Withdraw(alice); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	stake, err := f.engine.Stake(alice)
	if err != nil || stake.StakedAmount != 100 {
		t.Fatalf("paused withdraw touched the stake: %+v (%v)", stake, err)
	}
}

func TestFailedTransferPersistsNothing(t *testing.T) {
	f := newFixture(t)
	pool := f.open(t, 1_000, 1_000)
	alice := makeAddress(0x01)
	f.mint(t, alice, 100)
	f.clock.set(testStart)

	f.ledger.failTransfer = true
	if _, err := f.engine.Deposit(alice, 50); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if _, err := f.engine.Stake(alice); !errors.Is(err, ErrStakeNotFound) {
		t.Fatalf("failed deposit created a stake: %v", err)
	}
	after, _ := f.engine.Pool()
	if after.TotalDeposited != 0 {
		t.Fatalf("failed deposit counted toward total: %d", after.TotalDeposited)
	}
	if got := f.balance(t, pool.Vault); got != 0 {
		t.Fatalf("vault balance %d", got)
	}
}

func TestPersistFailureReversesDeposit(t *testing.T) {
	f := newFixture(t)
	pool := f.open(t, 1_000, 1_000)
	alice := makeAddress(0x01)
	f.mint(t, alice, 100)
	f.clock.set(testStart)

	f.store.failUpdate = true
	if _, err := f.engine.Deposit(alice, 50); !errors.Is(err, errDiskFull) {
		t.Fatalf("expected store error, got %v", err)
	}
	if got := f.balance(t, alice); got != 100 {
		t.Fatalf("deposit not reversed, alice holds %d", got)
	}
	if got := f.balance(t, pool.Vault); got != 0 {
		t.Fatalf("deposit not reversed, vault holds %d", got)
	}
}

func TestPersistFailureReversesClaim(t *testing.T) {
	f := newFixture(t)
	pool := f.open(t, 1_000_000, 1_000)
	alice := makeAddress(0x01)
	f.mint(t, alice, 1_000_000)
	f.mint(t, f.operator, 100_000)
	if err := f.engine.FundVault(f.operator, 100_000); err != nil {
		t.Fatalf("fund: %v", err)
	}
	f.clock.set(testStart)
	if _, err := f.engine.Deposit(alice, 1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.clock.advance(SecondsPerYear / 2)

	f.store.failUpdate = true
	if _, err := f.engine.ClaimReward(alice); err == nil {
		t.Fatalf("expected claim to fail")
	}
	if got := f.balance(t, pool.Vault); got != 1_100_000 {
		t.Fatalf("claim not reversed, vault holds %d", got)
	}
	f.store.failUpdate = false
	if paid, err := f.engine.ClaimReward(alice); err != nil || paid != 50_000 {
		t.Fatalf("expected 50000 after recovery, got %d (%v)", paid, err)
	}
}

func TestStakeRentChargedAndRefunded(t *testing.T) {
	f := newFixture(t)
	if err := f.manager.EnableRent(f.ledger.Ledger, state.RentPolicy{Asset: testToken, PerKind: map[string]uint64{KindStake: 7}}); err != nil {
		t.Fatalf("enable rent: %v", err)
	}
	f.open(t, 1_000, 0)
	alice := makeAddress(0x01)
	f.mint(t, alice, 107)
	f.clock.set(testStart)

	if _, err := f.engine.Deposit(alice, 100); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := f.balance(t, alice); got != 0 {
		t.Fatalf("expected principal and rent debited, balance %d", got)
	}
	f.clock.set(testEnd + 1)
	payout, err := f.engine.Withdraw(alice)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if payout != 100 {
		t.Fatalf("expected payout 100, got %d", payout)
	}
	if got := f.balance(t, alice); got != 107 {
		t.Fatalf("expected rent refunded, balance %d", got)
	}
}

func TestDepositWithoutRentFundsIsReversed(t *testing.T) {
	f := newFixture(t)
	if err := f.manager.EnableRent(f.ledger.Ledger, state.RentPolicy{Asset: testToken, PerKind: map[string]uint64{KindStake: 7}}); err != nil {
		t.Fatalf("enable rent: %v", err)
	}
	pool := f.open(t, 1_000, 0)
	alice := makeAddress(0x01)
	f.mint(t, alice, 100)
	f.clock.set(testStart)

	if _, err := f.engine.Deposit(alice, 100); err == nil {
		t.Fatalf("expected deposit to fail without rent funds")
	}
	if got := f.balance(t, alice); got != 100 {
		t.Fatalf("expected deposit reversed, balance %d", got)
	}
	if got := f.balance(t, pool.Vault); got != 0 {
		t.Fatalf("vault holds %d", got)
	}
}

func TestConcurrentDepositAndClaim(t *testing.T) {
	f := newFixture(t)
	pool := f.open(t, 1_000_000_000, 5_000)
	alice := makeAddress(0x01)
	f.mint(t, alice, 1_000_000)
	f.mint(t, f.operator, 1_000_000)
	if err := f.engine.FundVault(f.operator, 1_000_000); err != nil {
		t.Fatalf("fund: %v", err)
	}
	f.clock.set(testStart)

	const rounds = 50
	var (
		wg      sync.WaitGroup
		claimed atomic.Uint64
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			f.clock.advance(3_600)
			if _, err := f.engine.Deposit(alice, 1_000); err != nil {
				t.Errorf("deposit %d: %v", i, err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < rounds; i++ {
			f.clock.advance(3_600)
			paid, err := f.engine.ClaimReward(alice)
			if err != nil && !errors.Is(err, ErrStakeNotFound) {
				t.Errorf("claim %d: %v", i, err)
				return
			}
			claimed.Add(paid)
		}
	}()
	wg.Wait()

	stake, err := f.engine.Stake(alice)
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	if stake.StakedAmount != rounds*1_000 {
		t.Fatalf("lost principal update: staked %d", stake.StakedAmount)
	}
	after, _ := f.engine.Pool()
	if after.TotalDeposited != rounds*1_000 {
		t.Fatalf("lost total update: %d", after.TotalDeposited)
	}
	if got := f.balance(t, alice); got != 1_000_000-rounds*1_000+claimed.Load() {
		t.Fatalf("alice balance %d does not match claims %d", got, claimed.Load())
	}
	if got := f.balance(t, pool.Vault); got != 1_000_000+rounds*1_000-claimed.Load() {
		t.Fatalf("vault balance %d does not match claims %d", got, claimed.Load())
	}

	// Reward earned over the run is the stake integral over time. Each
	// settlement floors at most one unit away, so interleaving claims with
	// deposits may lose rounding dust but never a whole interval.
	final := f.clock.read()
	pending, err := f.engine.PendingReward(alice)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	earned := claimed.Load() + pending

	var deposits []events.StakeDeposited
	f.events.mu.Lock()
	for _, evt := range f.events.events {
		if dep, ok := evt.(events.StakeDeposited); ok {
			deposits = append(deposits, dep)
		}
	}
	f.events.mu.Unlock()
	if len(deposits) != rounds {
		t.Fatalf("expected %d deposit events, got %d", rounds, len(deposits))
	}
	var stakeSeconds uint64
	for i, dep := range deposits {
		until := final
		if i+1 < len(deposits) {
			until = deposits[i+1].Timestamp
		}
		stakeSeconds += dep.StakedAmount * uint64(until-dep.Timestamp)
	}
	ideal := stakeSeconds * uint64(pool.InterestRate) / (SecondsPerYear * RateDenominator)
	settlements := uint64(2*rounds + 1)
	if earned > ideal {
		t.Fatalf("earned %d exceeds the stake integral %d", earned, ideal)
	}
	if earned+settlements < ideal {
		t.Fatalf("earned %d lost more than rounding against the stake integral %d", earned, ideal)
	}
}

func TestWithdrawFromUnderfundedVaultKeepsStake(t *testing.T) {
	f := newFixture(t)
	pool := f.open(t, 1_000_000, 1_000)
	alice := makeAddress(0x01)
	f.mint(t, alice, 1_000_000)
	f.clock.set(testStart)
	if _, err := f.engine.Deposit(alice, 1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	// principal is in the vault but the 100000 reward was never funded
	f.clock.set(testEnd + 1)
	before := len(f.events.types())
	if _, err := f.engine.Withdraw(alice); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	stake, err := f.engine.Stake(alice)
	if err != nil {
		t.Fatalf("stake should survive a failed withdraw: %v", err)
	}
	if stake.StakedAmount != 1_000_000 || stake.LastClaimedRewardAt != testStart || stake.PendingReward != 0 {
		t.Fatalf("failed withdraw changed the stake: %+v", stake)
	}
	after, _ := f.engine.Pool()
	if after.TotalDeposited != 1_000_000 {
		t.Fatalf("failed withdraw changed the total: %d", after.TotalDeposited)
	}
	if got := f.balance(t, alice); got != 0 {
		t.Fatalf("failed withdraw paid alice %d", got)
	}
	if got := f.balance(t, pool.Vault); got != 1_000_000 {
		t.Fatalf("vault holds %d", got)
	}
	if got := len(f.events.types()); got != before {
		t.Fatalf("failed withdraw emitted events")
	}

	// funding after the window lets the same stake withdraw in full
	f.mint(t, f.operator, 100_000)
	if err := f.engine.FundVault(f.operator, 100_000); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if payout, err := f.engine.Withdraw(alice); err != nil || payout != 1_100_000 {
		t.Fatalf("expected 1100000 once funded, got %d (%v)", payout, err)
	}
}

func TestPersistFailureReversesWithdraw(t *testing.T) {
	f := newFixture(t)
	pool := f.open(t, 1_000_000, 1_000)
	alice := makeAddress(0x01)
	f.mint(t, alice, 1_000_000)
	f.mint(t, f.operator, 100_000)
	if err := f.engine.FundVault(f.operator, 100_000); err != nil {
		t.Fatalf("fund: %v", err)
	}
	f.clock.set(testStart)
	if _, err := f.engine.Deposit(alice, 1_000_000); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	f.clock.set(testEnd + 1)

	f.store.failUpdate = true
	if _, err := f.engine.Withdraw(alice); !errors.Is(err, errDiskFull) {
		t.Fatalf("expected store error, got %v", err)
	}
	if got := f.balance(t, alice); got != 0 {
		t.Fatalf("payout not reversed, alice holds %d", got)
	}
	if got := f.balance(t, pool.Vault); got != 1_100_000 {
		t.Fatalf("payout not reversed, vault holds %d", got)
	}
	if stake, err := f.engine.Stake(alice); err != nil || stake.StakedAmount != 1_000_000 {
		t.Fatalf("stake lost after failed withdraw: %+v (%v)", stake, err)
	}

	f.store.failUpdate = false
	if payout, err := f.engine.Withdraw(alice); err != nil || payout != 1_100_000 {
		t.Fatalf("expected 1100000 after recovery, got %d (%v)", payout, err)
	}
}

// reentrantEmitter reads engine state from inside Emit, which deadlocks if
// events are delivered while the engine still holds its locks.
type reentrantEmitter struct {
	engine *Engine
	holder crypto.Address
	seen   atomic.Int32
}

func (r *reentrantEmitter) Emit(evt events.Event) {
	if _, err := r.engine.Pool(); err != nil {
		return
	}
	if evt.EventType() == events.TypeStakeDeposited {
		unlock := r.engine.accounts.lock(r.holder)
		unlock()
	}
	r.seen.Add(1)
}

func TestEventsDeliveredAfterLocksReleased(t *testing.T) {
	f := newFixture(t)
	alice := makeAddress(0x01)
	emitter := &reentrantEmitter{engine: f.engine, holder: alice}
	f.engine.SetEmitter(emitter)
	f.mint(t, alice, 100)
	f.mint(t, f.operator, 10)

	done := make(chan error, 1)
	go func() {
		if _, err := f.engine.OpenPool(f.operator, testToken, 1_000, 1_000, testStart, testEnd); err != nil {
			done <- err
			return
		}
		if err := f.engine.SetPaused(f.operator, true); err != nil {
			done <- err
			return
		}
		if err := f.engine.SetPaused(f.operator, false); err != nil {
			done <- err
			return
		}
		f.clock.set(testStart)
		if _, err := f.engine.Deposit(alice, 100); err != nil {
			done <- err
			return
		}
		f.clock.advance(SecondsPerYear / 2)
		if _, err := f.engine.ClaimReward(alice); err != nil {
			done <- err
			return
		}
		f.clock.set(testEnd + 1)
		if err := f.engine.FundVault(f.operator, 10); err != nil {
			done <- err
			return
		}
		_, err := f.engine.Withdraw(alice)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("operation failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("emitter deadlocked against the engine locks")
	}
	if emitter.seen.Load() != 7 {
		t.Fatalf("expected events from every operation, saw %d", emitter.seen.Load())
	}
}

func TestOpenPoolFoldsFullwidthSymbol(t *testing.T) {
	f := newFixture(t)
	pool, err := f.engine.OpenPool(f.operator, " ｓｔｋ ", 10, 1_000, testStart, testEnd)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	if pool.TokenID != testToken {
		t.Fatalf("expected %s, got %q", testToken, pool.TokenID)
	}
}
