package staking

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"stakepool/core/events"
	"stakepool/core/state"
	"stakepool/core/types"
	"stakepool/crypto"
	nativecommon "stakepool/native/common"
)

// TokenLedger moves tokens between ledger accounts.
type TokenLedger interface {
	Transfer(from, to crypto.Address, amount uint64, token string) error
	TransferWithAuthority(auth *crypto.ProgramAuthority, from, to crypto.Address, amount uint64, token string) error
	OpenVault(auth *crypto.ProgramAuthority, vault crypto.Address, token string) error
	Balance(addr crypto.Address, token string) (uint64, error)
}

// AccountStore persists pool and stake records. Update applies every write
// made by fn atomically or none of them.
type AccountStore interface {
	Load(kind string, key []byte, out interface{}) (bool, error)
	Update(fn func(state.Writer) error) error
}

// Engine runs the staking pool: it validates calls against the lifecycle,
// settles accrued reward, moves tokens through the ledger and only then
// persists the resulting records.
type Engine struct {
	store   AccountStore
	ledger  TokenLedger
	emitter events.Emitter
	pauses  nativecommon.PauseView
	nowFn   func() int64

	authority    *crypto.ProgramAuthority
	vaultReserve uint64

	// poolMu guards the pool record. It is always taken after the
	// participant lock.
	poolMu   sync.Mutex
	accounts accountLocks
}

// NewEngine creates a staking engine with a no-op emitter and the wall clock.
func NewEngine() *Engine {
	auth, err := crypto.DeriveProgramAuthority(ProgramID, poolSeed)
	if err != nil {
		// poolSeed is a non-empty constant.
		panic(err)
	}
	return &Engine{
		emitter:   events.NoopEmitter{},
		nowFn:     func() int64 { return time.Now().Unix() },
		authority: auth,
	}
}

// SetState configures the record store.
func (e *Engine) SetState(store AccountStore) { e.store = store }

// SetLedger configures the token ledger.
func (e *Engine) SetLedger(ledger TokenLedger) { e.ledger = ledger }

// SetPauses installs an external pause view consulted alongside the pool flag.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetVaultReserve configures the amount the operator seeds the vault with when
// the pool is opened.
func (e *Engine) SetVaultReserve(amount uint64) { e.vaultReserve = amount }

// SetNowFunc overrides the time source. Passing nil restores the wall clock.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// Authority returns the program address that signs vault withdrawals.
func (e *Engine) Authority() crypto.Address { return e.authority.Address() }

// VaultAddress returns the vault derived for token.
func (e *Engine) VaultAddress(token string) (crypto.Address, error) {
	return crypto.DeriveProgramAddress(ProgramID, vaultSeed, e.authority.Address().Bytes(), []byte(normalizeToken(token)))
}

func (e *Engine) now() int64 {
	if e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) emit(evt events.Event) {
	if e.emitter != nil {
		e.emitter.Emit(evt)
	}
}

func (e *Engine) ready() error {
	if e.store == nil {
		return errNilStore
	}
	if e.ledger == nil {
		return errNilLedger
	}
	return nil
}

func (e *Engine) guard(pool *PoolConfig) error {
	return nativecommon.Guard(nativecommon.PauseViews{e.pauses, pool}, moduleName)
}

func normalizeToken(token string) string {
	return types.NormalizeSymbol(token)
}

func transferFailed(err error) error {
	return fmt.Errorf("%w: %w", ErrTransferFailed, err)
}

func (e *Engine) loadPool() (*PoolConfig, error) {
	var stored storedPool
	ok, err := e.store.Load(KindPool, poolSeed, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrPoolNotFound
	}
	return stored.toPool()
}

func (e *Engine) loadStake(holder crypto.Address) (*StakeAccount, bool, error) {
	var stored storedStake
	ok, err := e.store.Load(KindStake, stakeKey(holder), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	stake, err := stored.toStake()
	if err != nil {
		return nil, false, err
	}
	return stake, true, nil
}

// OpenPool creates the singleton pool and binds its vault to the program
// authority. It can succeed once per deployment.
func (e *Engine) OpenPool(operator crypto.Address, token string, maxPerAddress uint64, interestRate uint16, start, end int64) (*PoolConfig, error) {
	pool, err := e.openPool(operator, token, maxPerAddress, interestRate, start, end)
	if err != nil {
		return nil, err
	}
	e.emit(events.PoolOpened{
		Authority:     pool.Authority,
		Vault:         pool.Vault,
		Token:         pool.TokenID,
		MaxPerAddress: pool.MaxPerAddress,
		InterestRate:  pool.InterestRate,
		StartTime:     pool.StartTime,
		EndTime:       pool.EndTime,
	})
	return pool, nil
}

func (e *Engine) openPool(operator crypto.Address, token string, maxPerAddress uint64, interestRate uint16, start, end int64) (*PoolConfig, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if operator.IsZero() {
		return nil, ErrUnauthorized
	}
	token = normalizeToken(token)
	if token == "" {
		return nil, fmt.Errorf("%w: token required", ErrNotAllowed)
	}
	if start >= end {
		return nil, ErrInvalidWindow
	}
	if maxPerAddress == 0 {
		return nil, ErrTokenAmountTooSmall
	}

	e.poolMu.Lock()
	defer e.poolMu.Unlock()

	exists, err := e.store.Load(KindPool, poolSeed, nil)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrPoolExists
	}
	vault, err := e.VaultAddress(token)
	if err != nil {
		return nil, err
	}
	if err := e.ledger.OpenVault(e.authority, vault, token); err != nil {
		return nil, transferFailed(err)
	}
	if e.vaultReserve > 0 {
		if err := e.ledger.Transfer(operator, vault, e.vaultReserve, token); err != nil {
			return nil, transferFailed(err)
		}
	}

	pool := &PoolConfig{
		TokenID:       token,
		StartTime:     start,
		EndTime:       end,
		MaxPerAddress: maxPerAddress,
		InterestRate:  interestRate,
		Authority:     operator,
		Vault:         vault,
	}
	err = e.store.Update(func(w state.Writer) error {
		return w.Create(KindPool, poolSeed, newStoredPool(pool), operator)
	})
	if err != nil {
		if errors.Is(err, state.ErrRecordExists) {
			err = ErrPoolExists
		}
		return nil, e.compensate(err, vault, operator, e.vaultReserve, token)
	}
	return pool.Clone(), nil
}

// FundVault tops up the reward reserve. Only the pool authority may fund and
// the transfer touches no stake account.
func (e *Engine) FundVault(caller crypto.Address, amount uint64) error {
	if err := e.ready(); err != nil {
		return err
	}
	e.poolMu.Lock()
	pool, err := e.loadPool()
	e.poolMu.Unlock()
	if err != nil {
		return err
	}
	if !pool.Authority.Equal(caller) {
		return ErrUnauthorized
	}
	if err := Permit(OpFund, PhaseAt(pool, e.now())); err != nil {
		return err
	}
	if amount == 0 {
		return ErrTokenAmountTooSmall
	}
	if err := e.ledger.Transfer(caller, pool.Vault, amount, pool.TokenID); err != nil {
		return transferFailed(err)
	}
	e.emit(events.VaultFunded{Funder: caller, Token: pool.TokenID, Amount: amount})
	return nil
}

// SetPaused toggles the pool pause flag. Only the pool authority may call it.
func (e *Engine) SetPaused(caller crypto.Address, paused bool) error {
	changed, err := e.setPaused(caller, paused)
	if err != nil || !changed {
		return err
	}
	e.emit(events.PoolPaused{Authority: caller, Paused: paused})
	return nil
}

func (e *Engine) setPaused(caller crypto.Address, paused bool) (bool, error) {
	if err := e.ready(); err != nil {
		return false, err
	}
	e.poolMu.Lock()
	defer e.poolMu.Unlock()

	pool, err := e.loadPool()
	if err != nil {
		return false, err
	}
	if !pool.Authority.Equal(caller) {
		return false, ErrUnauthorized
	}
	if pool.Paused == paused {
		return false, nil
	}
	pool.Paused = paused
	if err := e.store.Update(func(w state.Writer) error {
		return w.Save(KindPool, poolSeed, newStoredPool(pool))
	}); err != nil {
		return false, err
	}
	return true, nil
}

// Deposit stakes amount from caller into the vault. Reward accrued on the
// previous principal is settled into PendingReward before the principal
// changes.
func (e *Engine) Deposit(caller crypto.Address, amount uint64) (*StakeAccount, error) {
	next, now, err := e.deposit(caller, amount)
	if err != nil {
		return nil, err
	}
	e.emit(events.StakeDeposited{
		Account:       caller,
		Amount:        amount,
		StakedAmount:  next.StakedAmount,
		PendingReward: next.PendingReward,
		Timestamp:     now,
	})
	return next, nil
}

// deposit runs under the participant and pool locks. Events are emitted by
// the caller once both are released.
func (e *Engine) deposit(caller crypto.Address, amount uint64) (*StakeAccount, int64, error) {
	if err := e.ready(); err != nil {
		return nil, 0, err
	}
	if caller.IsZero() {
		return nil, 0, ErrUnauthorized
	}
	unlock := e.accounts.lock(caller)
	defer unlock()
	e.poolMu.Lock()
	defer e.poolMu.Unlock()

	pool, err := e.loadPool()
	if err != nil {
		return nil, 0, err
	}
	if err := e.guard(pool); err != nil {
		return nil, 0, err
	}
	now := e.now()
	if err := Permit(OpDeposit, PhaseAt(pool, now)); err != nil {
		return nil, 0, err
	}
	if amount == 0 {
		return nil, 0, ErrTokenAmountTooSmall
	}

	current, exists, err := e.loadStake(caller)
	if err != nil {
		return nil, 0, err
	}
	if !exists {
		current = &StakeAccount{Holder: caller, LastClaimedRewardAt: now}
	}
	staked := current.StakedAmount + amount
	if staked < current.StakedAmount || staked > pool.MaxPerAddress {
		return nil, 0, ErrReachMaxDeposit
	}
	total := pool.TotalDeposited + amount
	if total < pool.TotalDeposited {
		return nil, 0, ErrTokenAmountTooBig
	}
	pending, err := Accrue(*current, pool.InterestRate, now, pool.EndTime)
	if err != nil {
		return nil, 0, err
	}

	next := &StakeAccount{
		Holder:              caller,
		StakedAmount:        staked,
		PendingReward:       pending,
		LastClaimedRewardAt: advanceAnchor(current.LastClaimedRewardAt, now),
	}
	nextPool := pool.Clone()
	nextPool.TotalDeposited = total

	if err := e.ledger.Transfer(caller, pool.Vault, amount, pool.TokenID); err != nil {
		return nil, 0, transferFailed(err)
	}
	err = e.store.Update(func(w state.Writer) error {
		if exists {
			if err := w.Save(KindStake, stakeKey(caller), newStoredStake(next)); err != nil {
				return err
			}
		} else if err := w.Create(KindStake, stakeKey(caller), newStoredStake(next), caller); err != nil {
			return err
		}
		return w.Save(KindPool, poolSeed, newStoredPool(nextPool))
	})
	if err != nil {
		return nil, 0, e.compensate(err, pool.Vault, caller, amount, pool.TokenID)
	}
	return next.Clone(), now, nil
}

// Withdraw closes the caller's stake once the window has ended, paying out
// principal plus reward accrued up to EndTime in a single transfer.
func (e *Engine) Withdraw(caller crypto.Address) (uint64, error) {
	evt, err := e.withdraw(caller)
	if err != nil {
		return 0, err
	}
	e.emit(evt)
	return evt.Principal + evt.Reward, nil
}

func (e *Engine) withdraw(caller crypto.Address) (events.StakeWithdrawn, error) {
	var none events.StakeWithdrawn
	if err := e.ready(); err != nil {
		return none, err
	}
	unlock := e.accounts.lock(caller)
	defer unlock()
	e.poolMu.Lock()
	defer e.poolMu.Unlock()

	pool, err := e.loadPool()
	if err != nil {
		return none, err
	}
	if err := e.guard(pool); err != nil {
		return none, err
	}
	now := e.now()
	if err := Permit(OpWithdraw, PhaseAt(pool, now)); err != nil {
		return none, err
	}
	current, exists, err := e.loadStake(caller)
	if err != nil {
		return none, err
	}
	if !exists {
		return none, ErrStakeNotFound
	}
	reward, err := Accrue(*current, pool.InterestRate, now, pool.EndTime)
	if err != nil {
		return none, err
	}
	payout := current.StakedAmount + reward
	if payout < reward {
		return none, ErrTokenAmountTooBig
	}
	nextPool := pool.Clone()
	if nextPool.TotalDeposited >= current.StakedAmount {
		nextPool.TotalDeposited -= current.StakedAmount
	} else {
		nextPool.TotalDeposited = 0
	}

	if payout > 0 {
		if err := e.ledger.TransferWithAuthority(e.authority, pool.Vault, caller, payout, pool.TokenID); err != nil {
			return none, transferFailed(err)
		}
	}
	err = e.store.Update(func(w state.Writer) error {
		if err := w.Destroy(KindStake, stakeKey(caller), caller); err != nil {
			return err
		}
		return w.Save(KindPool, poolSeed, newStoredPool(nextPool))
	})
	if err != nil {
		return none, e.refund(err, caller, pool.Vault, payout, pool.TokenID)
	}
	return events.StakeWithdrawn{
		Account:   caller,
		Principal: current.StakedAmount,
		Reward:    reward,
		Timestamp: now,
	}, nil
}

// ClaimReward pays out accrued reward while leaving principal staked. A zero
// reward is a no-op.
func (e *Engine) ClaimReward(caller crypto.Address) (uint64, error) {
	reward, now, err := e.claim(caller)
	if err != nil || reward == 0 {
		return 0, err
	}
	e.emit(events.StakeRewardClaimed{Account: caller, Amount: reward, Timestamp: now})
	return reward, nil
}

func (e *Engine) claim(caller crypto.Address) (uint64, int64, error) {
	if err := e.ready(); err != nil {
		return 0, 0, err
	}
	unlock := e.accounts.lock(caller)
	defer unlock()

	// Claims only read the pool; the participant lock already serialises the
	// stake record.
	e.poolMu.Lock()
	pool, err := e.loadPool()
	e.poolMu.Unlock()
	if err != nil {
		return 0, 0, err
	}
	if err := e.guard(pool); err != nil {
		return 0, 0, err
	}
	now := e.now()
	if err := Permit(OpClaim, PhaseAt(pool, now)); err != nil {
		return 0, 0, err
	}
	current, exists, err := e.loadStake(caller)
	if err != nil {
		return 0, 0, err
	}
	if !exists {
		return 0, 0, ErrStakeNotFound
	}
	reward, err := Accrue(*current, pool.InterestRate, now, pool.EndTime)
	if err != nil {
		return 0, 0, err
	}
	if reward == 0 {
		return 0, now, nil
	}

	next := current.Clone()
	next.PendingReward = 0
	next.LastClaimedRewardAt = advanceAnchor(current.LastClaimedRewardAt, now)

	if err := e.ledger.TransferWithAuthority(e.authority, pool.Vault, caller, reward, pool.TokenID); err != nil {
		return 0, 0, transferFailed(err)
	}
	err = e.store.Update(func(w state.Writer) error {
		return w.Save(KindStake, stakeKey(caller), newStoredStake(next))
	})
	if err != nil {
		return 0, 0, e.refund(err, caller, pool.Vault, reward, pool.TokenID)
	}
	return reward, now, nil
}

// Pool returns a copy of the pool configuration.
func (e *Engine) Pool() (*PoolConfig, error) {
	if e.store == nil {
		return nil, errNilStore
	}
	e.poolMu.Lock()
	defer e.poolMu.Unlock()
	return e.loadPool()
}

// Phase returns the lifecycle phase at the engine clock.
func (e *Engine) Phase() (Phase, error) {
	pool, err := e.Pool()
	if err != nil {
		return PhaseNotStarted, err
	}
	return PhaseAt(pool, e.now()), nil
}

// Stake returns the stake account of holder.
func (e *Engine) Stake(holder crypto.Address) (*StakeAccount, error) {
	if e.store == nil {
		return nil, errNilStore
	}
	stake, ok, err := e.loadStake(holder)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrStakeNotFound
	}
	return stake, nil
}

// PendingReward reports what ClaimReward would pay holder right now without
// writing anything.
func (e *Engine) PendingReward(holder crypto.Address) (uint64, error) {
	pool, err := e.Pool()
	if err != nil {
		return 0, err
	}
	stake, err := e.Stake(holder)
	if err != nil {
		return 0, err
	}
	return Accrue(*stake, pool.InterestRate, e.now(), pool.EndTime)
}

// VaultBalance returns the ledger balance of the pool vault.
func (e *Engine) VaultBalance() (uint64, error) {
	if err := e.ready(); err != nil {
		return 0, err
	}
	pool, err := e.Pool()
	if err != nil {
		return 0, err
	}
	return e.ledger.Balance(pool.Vault, pool.TokenID)
}

// compensate returns funds the caller moved into the vault when the records
// could not be persisted afterwards.
func (e *Engine) compensate(cause error, vault, to crypto.Address, amount uint64, token string) error {
	if amount == 0 {
		return cause
	}
	if err := e.ledger.TransferWithAuthority(e.authority, vault, to, amount, token); err != nil {
		return errors.Join(cause, fmt.Errorf("staking: reverse deposit: %w", err))
	}
	return cause
}

// refund moves a vault payout back when the records could not be persisted
// afterwards.
func (e *Engine) refund(cause error, from, vault crypto.Address, amount uint64, token string) error {
	if amount == 0 {
		return cause
	}
	if err := e.ledger.Transfer(from, vault, amount, token); err != nil {
		return errors.Join(cause, fmt.Errorf("staking: reverse payout: %w", err))
	}
	return cause
}

func advanceAnchor(last, now int64) int64 {
	if now > last {
		return now
	}
	return last
}
