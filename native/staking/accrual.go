package staking

import "github.com/holiman/uint256"

const (
	// SecondsPerYear is the accrual year used to scale the annual rate.
	SecondsPerYear = 31_536_000
	// RateDenominator expresses InterestRate in basis points.
	RateDenominator = 10_000
)

var accrualDivisor = uint256.NewInt(SecondsPerYear * RateDenominator)

// Accrue returns the reward owed to stake at now, including the reward that
// is already pending. Accrual stops at endTime and never runs backwards from
// the last claim anchor.
func Accrue(stake StakeAccount, rate uint16, now, endTime int64) (uint64, error) {
	if stake.StakedAmount == 0 || rate == 0 {
		return stake.PendingReward, nil
	}
	effective := now
	if endTime < effective {
		effective = endTime
	}
	if effective <= stake.LastClaimedRewardAt {
		return stake.PendingReward, nil
	}
	elapsed := uint64(effective - stake.LastClaimedRewardAt)

	reward := uint256.NewInt(stake.StakedAmount)
	reward.Mul(reward, uint256.NewInt(elapsed))
	reward.Mul(reward, uint256.NewInt(uint64(rate)))
	reward.Div(reward, accrualDivisor)

	total, overflow := reward.AddOverflow(reward, uint256.NewInt(stake.PendingReward))
	if overflow || !total.IsUint64() {
		return 0, ErrTokenAmountTooBig
	}
	return total.Uint64(), nil
}
