package rewardsd

import (
	"fmt"
	"math/big"
	"time"

	"lpmining/core/claimable"
	"lpmining/services/rewardsd/chain"
)

// ClaimPolicy gates voucher issuance on contract state, the lock period and caps.
type ClaimPolicy struct {
	LockPeriod time.Duration
	// MaxClaim is an operator cap in base units applied on top of the contract's
	// absoluteMaxClaim. Nil or zero disables it.
	MaxClaim *big.Int
}

// Evaluate decides whether amount may be signed for a user in the given chain state.
// It returns the end of the lock period, which is zero when the user is not locked.
func (p ClaimPolicy) Evaluate(state chain.State, amount *big.Int, now time.Time) (time.Time, error) {
	next := claimable.NextClaimTime(state.LastClaim, p.LockPeriod)
	if state.Paused {
		return next, fmt.Errorf("%w: contract paused", claimable.ErrContractState)
	}
	if amount == nil || amount.Sign() <= 0 {
		return next, claimable.ErrInsufficientRewards
	}
	if !next.IsZero() && now.Before(next) {
		return next, fmt.Errorf("%w: next claim at %s", claimable.ErrClaimLocked, next.UTC().Format(time.RFC3339))
	}
	if limit := state.AbsoluteMaxClaim; limit != nil && limit.Sign() > 0 && amount.Cmp(limit) > 0 {
		return next, fmt.Errorf("%w: amount %s exceeds contract max %s", claimable.ErrContractState, amount, limit)
	}
	if limit := p.MaxClaim; limit != nil && limit.Sign() > 0 && amount.Cmp(limit) > 0 {
		return next, fmt.Errorf("%w: amount %s exceeds configured max %s", claimable.ErrContractState, amount, limit)
	}
	return next, nil
}
