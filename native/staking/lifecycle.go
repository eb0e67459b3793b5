package staking

// Phase is the position of the clock relative to the staking window.
type Phase uint8

const (
	PhaseNotStarted Phase = iota
	PhaseActive
	PhaseEnded
)

func (p Phase) String() string {
	switch p {
	case PhaseNotStarted:
		return "not_started"
	case PhaseActive:
		return "active"
	case PhaseEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Operation names a pool mutation gated by the lifecycle.
type Operation uint8

const (
	OpDeposit Operation = iota
	OpWithdraw
	OpClaim
	OpFund
)

func (o Operation) String() string {
	switch o {
	case OpDeposit:
		return "deposit"
	case OpWithdraw:
		return "withdraw"
	case OpClaim:
		return "claim"
	case OpFund:
		return "fund"
	default:
		return "unknown"
	}
}

// PhaseAt places now relative to the pool window. Both bounds are inclusive.
func PhaseAt(pool *PoolConfig, now int64) Phase {
	switch {
	case now < pool.StartTime:
		return PhaseNotStarted
	case now > pool.EndTime:
		return PhaseEnded
	default:
		return PhaseActive
	}
}

// Permit reports whether op may run during phase.
func Permit(op Operation, phase Phase) error {
	switch op {
	case OpFund:
		return nil
	case OpDeposit:
		switch phase {
		case PhaseNotStarted:
			return ErrStakingNotStarted
		case PhaseEnded:
			return ErrStakingEnded
		}
		return nil
	case OpWithdraw:
		switch phase {
		case PhaseNotStarted:
			return ErrStakingNotStarted
		case PhaseActive:
			return ErrStakingNotEnded
		}
		return nil
	case OpClaim:
		if phase == PhaseNotStarted {
			return ErrStakingNotStarted
		}
		return nil
	default:
		return ErrNotAllowed
	}
}
