package state

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"stakepool/crypto"
	"stakepool/storage"
)

// rentProgramID namespaces the escrow authority that holds record deposits.
const rentProgramID = "state/rent"

// RentBank moves rent deposits between payers and the rent escrow.
type RentBank interface {
	OpenVault(auth *crypto.ProgramAuthority, vault crypto.Address, token string) error
	Transfer(from, to crypto.Address, amount uint64, token string) error
	TransferWithAuthority(auth *crypto.ProgramAuthority, from, to crypto.Address, amount uint64, token string) error
}

// RentPolicy prices record storage per kind. Kinds missing from PerKind are
// rent free.
type RentPolicy struct {
	Asset   string
	PerKind map[string]uint64
}

type rentConfig struct {
	bank      RentBank
	asset     string
	perKind   map[string]uint64
	authority *crypto.ProgramAuthority
}

// EnableRent charges record deposits through bank according to policy. The
// escrow account is a program-owned ledger account so deposits can only leave
// it through Destroy.
func (m *Manager) EnableRent(bank RentBank, policy RentPolicy) error {
	if bank == nil {
		return fmt.Errorf("state: rent bank required")
	}
	asset := normalizeSymbol(policy.Asset)
	if asset == "" {
		return fmt.Errorf("state: rent asset required")
	}
	auth, err := crypto.DeriveProgramAuthority(rentProgramID, []byte("RENT_ESCROW"), []byte(asset))
	if err != nil {
		return err
	}
	if err := bank.OpenVault(auth, auth.Address(), asset); err != nil {
		return fmt.Errorf("state: open rent escrow: %w", err)
	}
	perKind := make(map[string]uint64, len(policy.PerKind))
	for kind, amount := range policy.PerKind {
		perKind[strings.TrimSpace(kind)] = amount
	}
	m.commitMu.Lock()
	m.rent = &rentConfig{bank: bank, asset: asset, perKind: perKind, authority: auth}
	m.commitMu.Unlock()
	return nil
}

// RentEscrow returns the escrow address when rent is enabled.
func (m *Manager) RentEscrow() (crypto.Address, bool) {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	if m.rent == nil {
		return crypto.Address{}, false
	}
	return m.rent.authority.Address(), true
}

// recordEnvelope wraps every record with the rent it locked and who paid it.
type recordEnvelope struct {
	Rent      uint64
	RentPayer []byte
	Body      []byte
}

func recordKey(kind string, key []byte) []byte {
	return ethcrypto.Keccak256(recordPrefix, []byte(kind), []byte{':'}, key)
}

func (m *Manager) loadEnvelope(kind string, key []byte) (*recordEnvelope, error) {
	data, err := m.db.Get(recordKey(kind, key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	env := new(recordEnvelope)
	if err := rlp.DecodeBytes(data, env); err != nil {
		return nil, fmt.Errorf("state: decode %s record: %w", kind, err)
	}
	return env, nil
}

// Load decodes the record of the given kind into out. It reports false when
// the record does not exist.
func (m *Manager) Load(kind string, key []byte, out interface{}) (bool, error) {
	env, err := m.loadEnvelope(kind, key)
	if err != nil || env == nil {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(env.Body, out); err != nil {
		return false, fmt.Errorf("state: decode %s body: %w", kind, err)
	}
	return true, nil
}

// Writer is the mutable view handed to Update callbacks.
type Writer interface {
	Create(kind string, key []byte, value interface{}, rentPayer crypto.Address) error
	Save(kind string, key []byte, value interface{}) error
	Destroy(kind string, key []byte, rentRecipient crypto.Address) error
}

type rentMove struct {
	charge bool
	party  crypto.Address
	amount uint64
}

// Tx buffers record writes until the enclosing Update returns successfully.
type Tx struct {
	m     *Manager
	batch storage.Batch
	// staged tracks records touched in this transaction: nil marks a delete.
	staged map[string]*recordEnvelope
	moves  []rentMove
}

// Update runs fn against a transaction and commits its writes atomically. When
// fn or the commit fails, no record changes are applied and rent movements
// already made are reversed.
func (m *Manager) Update(fn func(Writer) error) error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	tx := &Tx{m: m, batch: m.db.NewBatch(), staged: make(map[string]*recordEnvelope)}
	if err := fn(tx); err != nil {
		if rbErr := tx.revertRent(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	if tx.batch.Len() == 0 {
		return nil
	}
	if err := tx.batch.Write(); err != nil {
		if rbErr := tx.revertRent(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return nil
}

func (tx *Tx) current(kind string, key []byte) (*recordEnvelope, error) {
	if env, ok := tx.staged[string(recordKey(kind, key))]; ok {
		return env, nil
	}
	return tx.m.loadEnvelope(kind, key)
}

func (tx *Tx) stage(kind string, key []byte, env *recordEnvelope) error {
	hashed := recordKey(kind, key)
	if env == nil {
		tx.batch.Delete(hashed)
		tx.staged[string(hashed)] = nil
		return nil
	}
	encoded, err := rlp.EncodeToBytes(env)
	if err != nil {
		return err
	}
	tx.batch.Put(hashed, encoded)
	tx.staged[string(hashed)] = env
	return nil
}

// Create stores a new record and charges its rent to rentPayer.
func (tx *Tx) Create(kind string, key []byte, value interface{}, rentPayer crypto.Address) error {
	existing, err := tx.current(kind, key)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("%w: %s", ErrRecordExists, kind)
	}
	body, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	env := &recordEnvelope{Body: body, RentPayer: append([]byte(nil), rentPayer.Bytes()...)}
	if rent := tx.m.rent; rent != nil {
		if amount := rent.perKind[kind]; amount > 0 {
			if rentPayer.IsZero() {
				return fmt.Errorf("state: %s record requires a rent payer", kind)
			}
			if err := rent.bank.Transfer(rentPayer, rent.authority.Address(), amount, rent.asset); err != nil {
				return fmt.Errorf("state: charge rent: %w", err)
			}
			tx.moves = append(tx.moves, rentMove{charge: true, party: rentPayer, amount: amount})
			env.Rent = amount
		}
	}
	return tx.stage(kind, key, env)
}

// Save overwrites the body of an existing record.
func (tx *Tx) Save(kind string, key []byte, value interface{}) error {
	existing, err := tx.current(kind, key)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, kind)
	}
	body, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	if bytes.Equal(body, existing.Body) {
		return nil
	}
	updated := *existing
	updated.Body = body
	return tx.stage(kind, key, &updated)
}

// Destroy removes a record and refunds its rent to rentRecipient.
func (tx *Tx) Destroy(kind string, key []byte, rentRecipient crypto.Address) error {
	existing, err := tx.current(kind, key)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("%w: %s", ErrRecordNotFound, kind)
	}
	if rent := tx.m.rent; rent != nil && existing.Rent > 0 {
		if rentRecipient.IsZero() {
			return fmt.Errorf("state: %s record requires a rent recipient", kind)
		}
		if err := rent.bank.TransferWithAuthority(rent.authority, rent.authority.Address(), rentRecipient, existing.Rent, rent.asset); err != nil {
			return fmt.Errorf("state: refund rent: %w", err)
		}
		tx.moves = append(tx.moves, rentMove{party: rentRecipient, amount: existing.Rent})
	}
	return tx.stage(kind, key, nil)
}

func (tx *Tx) revertRent() error {
	rent := tx.m.rent
	if rent == nil {
		return nil
	}
	var errs []error
	for i := len(tx.moves) - 1; i >= 0; i-- {
		move := tx.moves[i]
		var err error
		if move.charge {
			err = rent.bank.TransferWithAuthority(rent.authority, rent.authority.Address(), move.party, move.amount, rent.asset)
		} else {
			err = rent.bank.Transfer(move.party, rent.authority.Address(), move.amount, rent.asset)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("state: revert rent: %w", err))
		}
	}
	tx.moves = nil
	return errors.Join(errs...)
}
