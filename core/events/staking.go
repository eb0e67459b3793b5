package events

import (
	"strconv"

	"stakepool/core/types"
	"stakepool/crypto"
)

const (
	// TypePoolOpened is emitted once when the pool configuration is created.
	TypePoolOpened = "stake.poolOpened"
	// TypeVaultFunded is emitted when the operator tops up the reward vault.
	TypeVaultFunded = "stake.vaultFunded"
	// TypePoolPaused is emitted whenever the pause flag changes.
	TypePoolPaused = "stake.poolPaused"
	// TypeStakeDeposited is emitted after principal lands in the vault.
	TypeStakeDeposited = "stake.deposited"
	// TypeStakeWithdrawn is emitted when a participant exits after the window.
	TypeStakeWithdrawn = "stake.withdrawn"
	// TypeStakeRewardClaimed is emitted when accrued reward is paid out.
	TypeStakeRewardClaimed = "stake.rewardClaimed"
)

// PoolOpened describes the configuration a pool was created with.
type PoolOpened struct {
	Authority     crypto.Address
	Vault         crypto.Address
	Token         string
	MaxPerAddress uint64
	InterestRate  uint16
	StartTime     int64
	EndTime       int64
}

func (PoolOpened) EventType() string { return TypePoolOpened }

func (e PoolOpened) Event() *types.Event {
	return &types.Event{Type: TypePoolOpened, Attributes: map[string]string{
		"authority":     e.Authority.String(),
		"vault":         e.Vault.String(),
		"token":         normalizeAsset(e.Token),
		"maxPerAddress": formatAmount(e.MaxPerAddress),
		"interestBps":   strconv.FormatUint(uint64(e.InterestRate), 10),
		"startTime":     formatUnix(e.StartTime),
		"endTime":       formatUnix(e.EndTime),
	}}
}

// VaultFunded records an operator reward top-up.
type VaultFunded struct {
	Funder crypto.Address
	Token  string
	Amount uint64
}

func (VaultFunded) EventType() string { return TypeVaultFunded }

func (e VaultFunded) Event() *types.Event {
	return &types.Event{Type: TypeVaultFunded, Attributes: map[string]string{
		"addr":   e.Funder.String(),
		"token":  normalizeAsset(e.Token),
		"amount": formatAmount(e.Amount),
	}}
}

// PoolPaused records a change of the pause flag.
type PoolPaused struct {
	Authority crypto.Address
	Paused    bool
}

func (PoolPaused) EventType() string { return TypePoolPaused }

func (e PoolPaused) Event() *types.Event {
	return &types.Event{Type: TypePoolPaused, Attributes: map[string]string{
		"authority": e.Authority.String(),
		"paused":    strconv.FormatBool(e.Paused),
	}}
}

// StakeDeposited captures the account state after a deposit settled.
type StakeDeposited struct {
	Account       crypto.Address
	Amount        uint64
	StakedAmount  uint64
	PendingReward uint64
	Timestamp     int64
}

func (StakeDeposited) EventType() string { return TypeStakeDeposited }

func (e StakeDeposited) Event() *types.Event {
	return &types.Event{Type: TypeStakeDeposited, Attributes: map[string]string{
		"addr":          e.Account.String(),
		"amount":        formatAmount(e.Amount),
		"staked":        formatAmount(e.StakedAmount),
		"pendingReward": formatAmount(e.PendingReward),
		"timestamp":     formatUnix(e.Timestamp),
	}}
}

// StakeWithdrawn captures the final payout of a closed stake.
type StakeWithdrawn struct {
	Account   crypto.Address
	Principal uint64
	Reward    uint64
	Timestamp int64
}

func (StakeWithdrawn) EventType() string { return TypeStakeWithdrawn }

func (e StakeWithdrawn) Event() *types.Event {
	return &types.Event{Type: TypeStakeWithdrawn, Attributes: map[string]string{
		"addr":      e.Account.String(),
		"principal": formatAmount(e.Principal),
		"reward":    formatAmount(e.Reward),
		"amount":    formatAmount(e.Principal + e.Reward),
		"timestamp": formatUnix(e.Timestamp),
	}}
}

// StakeRewardClaimed captures a reward payout that leaves principal staked.
type StakeRewardClaimed struct {
	Account   crypto.Address
	Amount    uint64
	Timestamp int64
}

func (StakeRewardClaimed) EventType() string { return TypeStakeRewardClaimed }

func (e StakeRewardClaimed) Event() *types.Event {
	return &types.Event{Type: TypeStakeRewardClaimed, Attributes: map[string]string{
		"addr":      e.Account.String(),
		"amount":    formatAmount(e.Amount),
		"timestamp": formatUnix(e.Timestamp),
	}}
}
