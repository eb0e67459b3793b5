package state

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"stakepool/core/types"
	"stakepool/storage"
)

var (
	ErrRecordExists    = errors.New("state: record already exists")
	ErrRecordNotFound  = errors.New("state: record not found")
	ErrTokenUnknown    = errors.New("state: token not registered")
	ErrTokenRegistered = errors.New("state: token already registered")
)

// Manager persists pool records, token metadata and ledger balances on top of
// a key/value database. Keys are hashed with Keccak-256 and values are RLP
// encoded so the on-disk layout is deterministic.
type Manager struct {
	db storage.Database

	// commitMu serialises record transactions so a write set is validated
	// and applied against the same snapshot.
	commitMu sync.Mutex
	// balanceMu guards ledger balances and account ownership. It is taken
	// inside commitMu when record rent moves funds, never the other way round.
	balanceMu sync.Mutex

	rent *rentConfig
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// TokenMetadata describes a token known to the ledger.
type TokenMetadata struct {
	Symbol   string
	Name     string
	Decimals uint8
}

func normalizeSymbol(symbol string) string {
	return types.NormalizeSymbol(symbol)
}

func tokenMetadataKey(symbol string) []byte {
	buf := make([]byte, len(tokenPrefix)+len(symbol))
	copy(buf, tokenPrefix)
	copy(buf[len(tokenPrefix):], symbol)
	return ethcrypto.Keccak256(buf)
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(kvPrefix, key)
}

// RegisterToken stores the metadata for a token so balances can be held in it.
func (m *Manager) RegisterToken(symbol, name string, decimals uint8) error {
	normalized := normalizeSymbol(symbol)
	if normalized == "" {
		return fmt.Errorf("token symbol must not be empty")
	}
	m.commitMu.Lock()
	defer m.commitMu.Unlock()
	key := tokenMetadataKey(normalized)
	exists, err := m.db.Has(key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrTokenRegistered, normalized)
	}
	encoded, err := rlp.EncodeToBytes(&TokenMetadata{Symbol: normalized, Name: strings.TrimSpace(name), Decimals: decimals})
	if err != nil {
		return err
	}
	return m.db.Put(key, encoded)
}

// Token returns the metadata for symbol or ErrTokenUnknown.
func (m *Manager) Token(symbol string) (*TokenMetadata, error) {
	normalized := normalizeSymbol(symbol)
	data, err := m.db.Get(tokenMetadataKey(normalized))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTokenUnknown, normalized)
	}
	if err != nil {
		return nil, err
	}
	meta := new(TokenMetadata)
	if err := rlp.DecodeBytes(data, meta); err != nil {
		return nil, err
	}
	return meta, nil
}

// TokenExists reports whether the symbol has been registered.
func (m *Manager) TokenExists(symbol string) bool {
	ok, err := m.db.Has(tokenMetadataKey(normalizeSymbol(symbol)))
	return err == nil && ok
}

// KVPut stores an arbitrary RLP-encodable value under the supplied key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.db.Put(kvKey(key), encoded)
}

// KVGet retrieves the value stored under the supplied key and decodes it into
// the provided destination. The boolean return value indicates whether the key
// existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.db.Get(kvKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}
