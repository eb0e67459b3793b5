package bank

import (
	"errors"
	"fmt"

	"stakepool/core/events"
	"stakepool/core/types"
	"stakepool/crypto"
)

var (
	ErrProgramOwned   = errors.New("bank: account is program owned")
	ErrNotOwner       = errors.New("bank: authority does not own account")
	ErrUnknownToken   = errors.New("bank: token not registered")
	ErrMissingAccount = errors.New("bank: account required")
	errNilState       = errors.New("bank: state not configured")
)

type ledgerState interface {
	TokenExists(symbol string) bool
	Balance(addr crypto.Address, token string) (uint64, error)
	Credit(addr crypto.Address, token string, amount uint64) error
	MoveBalance(from, to crypto.Address, token string, amount uint64) error
	SetAccountOwner(addr crypto.Address, token string, owner crypto.Address) error
	AccountOwner(addr crypto.Address, token string) (crypto.Address, bool, error)
}

// Ledger is the reference token ledger. Accounts held by a key can only be
// debited by their holder through Transfer; accounts bound to a program
// authority through OpenVault can only be debited with that authority.
type Ledger struct {
	state   ledgerState
	emitter events.Emitter
}

// NewLedger creates a ledger on top of the provided state backend.
func NewLedger(state ledgerState) *Ledger {
	return &Ledger{state: state, emitter: events.NoopEmitter{}}
}

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

func normalizeToken(token string) string {
	return types.NormalizeSymbol(token)
}

func (l *Ledger) checkToken(token string) (string, error) {
	if l == nil || l.state == nil {
		return "", errNilState
	}
	normalized := normalizeToken(token)
	if normalized == "" || !l.state.TokenExists(normalized) {
		return "", fmt.Errorf("%w: %q", ErrUnknownToken, normalized)
	}
	return normalized, nil
}

// Balance returns the balance of addr in token.
func (l *Ledger) Balance(addr crypto.Address, token string) (uint64, error) {
	normalized, err := l.checkToken(token)
	if err != nil {
		return 0, err
	}
	return l.state.Balance(addr, normalized)
}

// Mint credits new supply to addr. It backs genesis allocations and the
// development faucet.
func (l *Ledger) Mint(to crypto.Address, amount uint64, token string) error {
	normalized, err := l.checkToken(token)
	if err != nil {
		return err
	}
	if to.IsZero() {
		return ErrMissingAccount
	}
	if amount == 0 {
		return nil
	}
	if err := l.state.Credit(to, normalized, amount); err != nil {
		return err
	}
	l.emitter.Emit(events.Transfer{Asset: normalized, To: to, Amount: amount})
	return nil
}

// OpenVault binds vault to the program authority so only that authority can
// move funds out of it.
func (l *Ledger) OpenVault(auth *crypto.ProgramAuthority, vault crypto.Address, token string) error {
	normalized, err := l.checkToken(token)
	if err != nil {
		return err
	}
	if auth == nil || vault.IsZero() {
		return ErrMissingAccount
	}
	if vault.Prefix() != crypto.ProgramPrefix {
		return fmt.Errorf("bank: vault %s is not a program address", vault)
	}
	return l.state.SetAccountOwner(vault, normalized, auth.Address())
}

// Transfer moves amount on behalf of the holder of from.
func (l *Ledger) Transfer(from, to crypto.Address, amount uint64, token string) error {
	normalized, err := l.checkToken(token)
	if err != nil {
		return err
	}
	if from.IsZero() || to.IsZero() {
		return ErrMissingAccount
	}
	if _, owned, err := l.state.AccountOwner(from, normalized); err != nil {
		return err
	} else if owned {
		return fmt.Errorf("%w: %s", ErrProgramOwned, from)
	}
	return l.move(from, to, amount, normalized, false)
}

// TransferWithAuthority moves amount out of a program-owned account. The
// authority must be the one the account was opened with.
func (l *Ledger) TransferWithAuthority(auth *crypto.ProgramAuthority, from, to crypto.Address, amount uint64, token string) error {
	normalized, err := l.checkToken(token)
	if err != nil {
		return err
	}
	if from.IsZero() || to.IsZero() {
		return ErrMissingAccount
	}
	owner, owned, err := l.state.AccountOwner(from, normalized)
	if err != nil {
		return err
	}
	if !owned || !auth.Owns(owner) {
		return fmt.Errorf("%w: %s", ErrNotOwner, from)
	}
	return l.move(from, to, amount, normalized, true)
}

func (l *Ledger) move(from, to crypto.Address, amount uint64, token string, authorized bool) error {
	if amount == 0 {
		return nil
	}
	if err := l.state.MoveBalance(from, to, token, amount); err != nil {
		return err
	}
	l.emitter.Emit(events.Transfer{Asset: token, From: from, To: to, Amount: amount, Authorized: authorized})
	return nil
}
