package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"stakepool/core/types"
	"stakepool/crypto"
)

// PoolFile is the TOML pool definition stakingd boots from. It names the
// token, the staking window and the operator key, plus optional genesis
// balances for development networks.
type PoolFile struct {
	OperatorKeystorePath string       `toml:"OperatorKeystorePath"`
	Token                TokenSection `toml:"Token"`
	Pool                 PoolSection  `toml:"Pool"`
	Rent                 RentSection  `toml:"Rent"`
	Allocations          []Allocation `toml:"Allocations"`
}

type TokenSection struct {
	Symbol   string `toml:"Symbol"`
	Name     string `toml:"Name"`
	Decimals uint8  `toml:"Decimals"`
}

type PoolSection struct {
	MaxPerAddress   uint64    `toml:"MaxPerAddress"`
	InterestRateBps uint16    `toml:"InterestRateBps"`
	StartTime       time.Time `toml:"StartTime"`
	EndTime         time.Time `toml:"EndTime"`
	VaultReserve    uint64    `toml:"VaultReserve"`
}

// RentSection prices stake account storage. Zero disables rent.
type RentSection struct {
	StakeAccount uint64 `toml:"StakeAccount"`
}

type Allocation struct {
	Address string `toml:"Address"`
	Amount  uint64 `toml:"Amount"`
}

// GenesisBalance is a decoded allocation.
type GenesisBalance struct {
	Address crypto.Address
	Amount  uint64
}

// LoadPool reads the pool definition at path. A missing file is replaced by a
// default definition with a freshly generated operator keystore sealed with
// passphrase.
func LoadPool(path, passphrase string) (*PoolFile, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return createDefault(path, passphrase)
	} else if err != nil {
		return nil, err
	}
	cfg := &PoolFile{}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("pool file %s: unknown key %s", path, undecoded[0])
	}
	if cfg.OperatorKeystorePath == "" {
		cfg.OperatorKeystorePath = defaultKeystorePath(path)
	} else if !filepath.IsAbs(cfg.OperatorKeystorePath) {
		cfg.OperatorKeystorePath = filepath.Join(filepath.Dir(path), cfg.OperatorKeystorePath)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pool file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the definition is internally consistent.
func (p *PoolFile) Validate() error {
	p.Token.Symbol = types.NormalizeSymbol(p.Token.Symbol)
	if p.Token.Symbol == "" {
		return errors.New("Token.Symbol required")
	}
	if p.Pool.MaxPerAddress == 0 {
		return errors.New("Pool.MaxPerAddress must be positive")
	}
	if p.Pool.StartTime.IsZero() || p.Pool.EndTime.IsZero() {
		return errors.New("Pool.StartTime and Pool.EndTime required")
	}
	if !p.Pool.StartTime.Before(p.Pool.EndTime) {
		return errors.New("Pool.StartTime must be before Pool.EndTime")
	}
	if _, err := p.Genesis(); err != nil {
		return err
	}
	return nil
}

// Genesis decodes the allocation list.
func (p *PoolFile) Genesis() ([]GenesisBalance, error) {
	out := make([]GenesisBalance, 0, len(p.Allocations))
	for i, alloc := range p.Allocations {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(alloc.Address))
		if err != nil {
			return nil, fmt.Errorf("Allocations[%d]: %w", i, err)
		}
		out = append(out, GenesisBalance{Address: addr, Amount: alloc.Amount})
	}
	return out, nil
}

// Operator returns the address recorded in the operator keystore without
// decrypting it.
func (p *PoolFile) Operator() (crypto.Address, error) {
	return crypto.KeystoreAddress(p.OperatorKeystorePath)
}

func createDefault(path, passphrase string) (*PoolFile, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, passphrase); err != nil {
		return nil, err
	}
	start := time.Now().UTC().Truncate(time.Second)
	cfg := &PoolFile{
		OperatorKeystorePath: keystorePath,
		Token:                TokenSection{Symbol: "STK", Name: "Stake Token", Decimals: 6},
		Pool: PoolSection{
			MaxPerAddress:   1_000_000_000,
			InterestRateBps: 1_000,
			StartTime:       start,
			EndTime:         start.Add(365 * 24 * time.Hour),
		},
		Allocations: []Allocation{{Address: key.PubKey().Address().String(), Amount: 1_000_000_000}},
	}
	onDisk := *cfg
	onDisk.OperatorKeystorePath = filepath.Base(keystorePath)
	if err := persist(path, &onDisk); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *PoolFile) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "operator.keystore")
}
