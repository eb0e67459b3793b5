package staking

import (
	"fmt"

	"stakepool/crypto"
)

const (
	// ProgramID namespaces every address the pool derives.
	ProgramID = "staking"
	// moduleName is the identifier checked against pause views.
	moduleName = "staking"

	KindPool  = "staking/pool"
	KindStake = "staking/stake"
)

var (
	poolSeed  = []byte("STAKING_SEED")
	userSeed  = []byte("USER_SEED")
	vaultSeed = []byte("STAKING_VAULT")
)

// PoolConfig is the singleton describing the staking window and its limits.
type PoolConfig struct {
	// TokenID is the symbol of the stakeable token.
	TokenID string
	// TotalDeposited is the principal currently staked across all accounts.
	TotalDeposited uint64
	// StartTime and EndTime bound the inclusive staking window in unix
	// seconds.
	StartTime int64
	EndTime   int64
	// MaxPerAddress caps the cumulative principal of a single participant.
	MaxPerAddress uint64
	// InterestRate is the annual rate in basis points (10_000 == 100%).
	InterestRate uint16
	// Paused blocks deposits, withdrawals and claims while set.
	Paused bool
	// Authority is the operator allowed to fund the vault and toggle pause.
	Authority crypto.Address
	// Vault holds staked principal and the reward reserve.
	Vault crypto.Address
}

// IsPaused lets the pool flag act as a pause view for the staking module.
func (p *PoolConfig) IsPaused(module string) bool {
	return p != nil && p.Paused && module == moduleName
}

// Clone returns a deep copy of the pool configuration.
func (p *PoolConfig) Clone() *PoolConfig {
	if p == nil {
		return nil
	}
	out := *p
	return &out
}

// StakeAccount tracks one participant's principal and unclaimed reward.
type StakeAccount struct {
	Holder              crypto.Address
	StakedAmount        uint64
	PendingReward       uint64
	LastClaimedRewardAt int64
}

// Clone returns a copy of the stake account.
func (s *StakeAccount) Clone() *StakeAccount {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

// storedPool is the RLP form of PoolConfig. Signed timestamps are stored as
// their two's complement bit pattern.
type storedPool struct {
	TokenID        string
	TotalDeposited uint64
	StartTime      uint64
	EndTime        uint64
	MaxPerAddress  uint64
	InterestRate   uint16
	Paused         bool
	Authority      []byte
	Vault          []byte
}

func newStoredPool(p *PoolConfig) *storedPool {
	return &storedPool{
		TokenID:        p.TokenID,
		TotalDeposited: p.TotalDeposited,
		StartTime:      uint64(p.StartTime),
		EndTime:        uint64(p.EndTime),
		MaxPerAddress:  p.MaxPerAddress,
		InterestRate:   p.InterestRate,
		Paused:         p.Paused,
		Authority:      append([]byte(nil), p.Authority.Bytes()...),
		Vault:          append([]byte(nil), p.Vault.Bytes()...),
	}
}

func (s *storedPool) toPool() (*PoolConfig, error) {
	if len(s.Authority) != crypto.AddressLength || len(s.Vault) != crypto.AddressLength {
		return nil, fmt.Errorf("staking: corrupt pool record")
	}
	return &PoolConfig{
		TokenID:        s.TokenID,
		TotalDeposited: s.TotalDeposited,
		StartTime:      int64(s.StartTime),
		EndTime:        int64(s.EndTime),
		MaxPerAddress:  s.MaxPerAddress,
		InterestRate:   s.InterestRate,
		Paused:         s.Paused,
		Authority:      crypto.NewAddress(crypto.StakePrefix, s.Authority),
		Vault:          crypto.NewAddress(crypto.ProgramPrefix, s.Vault),
	}, nil
}

type storedStake struct {
	Holder              []byte
	StakedAmount        uint64
	PendingReward       uint64
	LastClaimedRewardAt uint64
}

func newStoredStake(s *StakeAccount) *storedStake {
	return &storedStake{
		Holder:              append([]byte(nil), s.Holder.Bytes()...),
		StakedAmount:        s.StakedAmount,
		PendingReward:       s.PendingReward,
		LastClaimedRewardAt: uint64(s.LastClaimedRewardAt),
	}
}

func (s *storedStake) toStake() (*StakeAccount, error) {
	if len(s.Holder) != crypto.AddressLength {
		return nil, fmt.Errorf("staking: corrupt stake record")
	}
	return &StakeAccount{
		Holder:              crypto.NewAddress(crypto.StakePrefix, s.Holder),
		StakedAmount:        s.StakedAmount,
		PendingReward:       s.PendingReward,
		LastClaimedRewardAt: int64(s.LastClaimedRewardAt),
	}, nil
}

func stakeKey(holder crypto.Address) []byte {
	key := make([]byte, 0, len(userSeed)+crypto.AddressLength)
	key = append(key, userSeed...)
	return append(key, holder.Bytes()...)
}
