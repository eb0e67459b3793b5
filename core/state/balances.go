package state

import (
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"stakepool/crypto"
	"stakepool/storage"
)

var (
	ErrInsufficientBalance = errors.New("state: insufficient balance")
	ErrBalanceOverflow     = errors.New("state: balance overflow")
)

func balanceKey(addr crypto.Address, token string) []byte {
	return ethcrypto.Keccak256(balancePrefix, addr.Bytes(), []byte{':'}, []byte(normalizeSymbol(token)))
}

func ownerKey(addr crypto.Address, token string) []byte {
	return ethcrypto.Keccak256(ownerPrefix, addr.Bytes(), []byte{':'}, []byte(normalizeSymbol(token)))
}

func (m *Manager) readBalance(addr crypto.Address, token string) (uint64, error) {
	data, err := m.db.Get(balanceKey(addr, token))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var amount uint64
	if err := rlp.DecodeBytes(data, &amount); err != nil {
		return 0, fmt.Errorf("state: decode balance: %w", err)
	}
	return amount, nil
}

func putBalance(batch storage.Batch, addr crypto.Address, token string, amount uint64) error {
	encoded, err := rlp.EncodeToBytes(amount)
	if err != nil {
		return err
	}
	batch.Put(balanceKey(addr, token), encoded)
	return nil
}

// Balance returns the ledger balance of addr in token. Unknown accounts hold
// zero.
func (m *Manager) Balance(addr crypto.Address, token string) (uint64, error) {
	m.balanceMu.Lock()
	defer m.balanceMu.Unlock()
	return m.readBalance(addr, token)
}

// Credit adds amount to the balance of addr.
func (m *Manager) Credit(addr crypto.Address, token string, amount uint64) error {
	if !m.TokenExists(token) {
		return fmt.Errorf("%w: %s", ErrTokenUnknown, normalizeSymbol(token))
	}
	m.balanceMu.Lock()
	defer m.balanceMu.Unlock()
	current, err := m.readBalance(addr, token)
	if err != nil {
		return err
	}
	sum, overflow := new(uint256.Int).AddOverflow(uint256.NewInt(current), uint256.NewInt(amount))
	if overflow || !sum.IsUint64() {
		return ErrBalanceOverflow
	}
	batch := m.db.NewBatch()
	if err := putBalance(batch, addr, token, sum.Uint64()); err != nil {
		return err
	}
	return batch.Write()
}

// MoveBalance debits from and credits to in a single atomic write.
func (m *Manager) MoveBalance(from, to crypto.Address, token string, amount uint64) error {
	if !m.TokenExists(token) {
		return fmt.Errorf("%w: %s", ErrTokenUnknown, normalizeSymbol(token))
	}
	m.balanceMu.Lock()
	defer m.balanceMu.Unlock()

	fromBalance, err := m.readBalance(from, token)
	if err != nil {
		return err
	}
	if fromBalance < amount {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBalance, fromBalance, amount)
	}
	if from.Equal(to) || amount == 0 {
		return nil
	}
	toBalance, err := m.readBalance(to, token)
	if err != nil {
		return err
	}
	credited, overflow := new(uint256.Int).AddOverflow(uint256.NewInt(toBalance), uint256.NewInt(amount))
	if overflow || !credited.IsUint64() {
		return ErrBalanceOverflow
	}
	batch := m.db.NewBatch()
	if err := putBalance(batch, from, token, fromBalance-amount); err != nil {
		return err
	}
	if err := putBalance(batch, to, token, credited.Uint64()); err != nil {
		return err
	}
	return batch.Write()
}

// SetAccountOwner binds a ledger account to the program address that controls
// it. A binding can be written once; rebinding to the same owner is a no-op.
func (m *Manager) SetAccountOwner(addr crypto.Address, token string, owner crypto.Address) error {
	if addr.IsZero() || owner.IsZero() {
		return fmt.Errorf("state: account and owner required")
	}
	m.balanceMu.Lock()
	defer m.balanceMu.Unlock()
	existing, found, err := m.readOwner(addr, token)
	if err != nil {
		return err
	}
	if found {
		if existing.Equal(owner) {
			return nil
		}
		return fmt.Errorf("%w: account owner", ErrRecordExists)
	}
	encoded, err := rlp.EncodeToBytes(owner.Bytes())
	if err != nil {
		return err
	}
	return m.db.Put(ownerKey(addr, token), encoded)
}

// AccountOwner returns the program owner of addr, if any.
func (m *Manager) AccountOwner(addr crypto.Address, token string) (crypto.Address, bool, error) {
	m.balanceMu.Lock()
	defer m.balanceMu.Unlock()
	return m.readOwner(addr, token)
}

func (m *Manager) readOwner(addr crypto.Address, token string) (crypto.Address, bool, error) {
	data, err := m.db.Get(ownerKey(addr, token))
	if errors.Is(err, storage.ErrNotFound) {
		return crypto.Address{}, false, nil
	}
	if err != nil {
		return crypto.Address{}, false, err
	}
	var raw []byte
	if err := rlp.DecodeBytes(data, &raw); err != nil {
		return crypto.Address{}, false, fmt.Errorf("state: decode owner: %w", err)
	}
	if len(raw) != crypto.AddressLength {
		return crypto.Address{}, false, fmt.Errorf("state: owner has %d bytes", len(raw))
	}
	return crypto.NewAddress(crypto.ProgramPrefix, raw), true, nil
}
