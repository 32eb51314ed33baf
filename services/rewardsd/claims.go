package rewardsd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/puzpuzpuz/xsync/v4"

	"lpmining/core/claimable"
	"lpmining/core/rewards"
	"lpmining/crypto"
	"lpmining/observability/logging"
)

// claimSession serialises claim requests for one address. refs counts callers
// between acquireSession and releaseSession and is only touched inside Compute.
type claimSession struct {
	mu    sync.Mutex
	refs  int
	state claimable.Session
}

func (e *RewardEngine) acquireSession(userID string) *claimSession {
	session, _ := e.sessions.Compute(userID, func(old *claimSession, loaded bool) (*claimSession, xsync.ComputeOp) {
		if !loaded {
			old = &claimSession{}
		}
		old.refs++
		return old, xsync.UpdateOp
	})
	return session
}

// releaseSession drops the caller's reference. The last caller out removes a
// session that no longer tracks a voucher.
func (e *RewardEngine) releaseSession(userID string, session *claimSession) {
	e.sessions.Compute(userID, func(old *claimSession, loaded bool) (*claimSession, xsync.ComputeOp) {
		if !loaded || old != session {
			return old, xsync.CancelOp
		}
		old.refs--
		if old.refs == 0 && old.state.Status == claimable.ClaimStatusIdle {
			return nil, xsync.DeleteOp
		}
		return old, xsync.UpdateOp
	})
}

// pruneSessions removes unreferenced sessions that are idle or whose voucher has
// expired at now.
func (e *RewardEngine) pruneSessions(now time.Time) int {
	removed := 0
	e.sessions.Range(func(userID string, _ *claimSession) bool {
		e.sessions.Compute(userID, func(old *claimSession, loaded bool) (*claimSession, xsync.ComputeOp) {
			if !loaded || old.refs > 0 {
				return old, xsync.CancelOp
			}
			old.mu.Lock()
			defer old.mu.Unlock()
			if old.state.Status == claimable.ClaimStatusIdle || old.state.Expired(now) {
				removed++
				return nil, xsync.DeleteOp
			}
			return old, xsync.CancelOp
		})
		return true
	})
	return removed
}

// RequestVoucher authorises a claim of the user's full claimable balance at the
// current contract nonce. Requests for the same address are serialised; a second
// request at an unconsumed nonce fails with claimable.ErrVoucherPending.
func (e *RewardEngine) RequestVoucher(ctx context.Context, rawAddress string) (*claimable.Voucher, error) {
	voucher, err := e.requestVoucher(ctx, rawAddress)
	if err != nil {
		reason := claimable.Reason(err)
		e.metrics.RecordRejection(reason)
		if !isClaimRejection(err) {
			e.logger.Warn("claim voucher request failed",
				slog.String("user", rawAddress),
				slog.String("reason", reason),
				slog.Any("error", err))
		}
		return nil, err
	}
	e.metrics.RecordVoucher(rewards.FromBaseUnits(voucher.Amount, e.decimals))
	return voucher, nil
}

func (e *RewardEngine) requestVoucher(ctx context.Context, rawAddress string) (*claimable.Voucher, error) {
	user, err := crypto.ParseAddress(rawAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", claimable.ErrValidation, err)
	}
	if e.signer == nil {
		return nil, claimable.ErrCalculatorUnavailable
	}
	if e.isPaused() {
		return nil, claimable.ErrPaused
	}
	userID := crypto.NormalizeAddress(user)
	session := e.acquireSession(userID)
	defer e.releaseSession(userID, session)
	session.mu.Lock()
	defer session.mu.Unlock()

	state, err := e.contract.ReadState(ctx, user)
	if err != nil {
		return nil, err
	}
	accumulated, err := e.ledger.TotalAccumulated(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load accumulated rewards: %w", err)
	}
	now := e.clock.Now().UTC()
	amount := claimable.Claimable(rewards.ToBaseUnits(accumulated, e.decimals), state.ClaimedAmount)
	if _, err := e.policy.Evaluate(state, amount, now); err != nil {
		return nil, err
	}
	if err := session.state.Begin(state.Nonce, now); err != nil {
		return nil, err
	}
	signature, err := e.signer.SignVoucher(user, amount, state.Nonce)
	if err != nil {
		session.state.Abort()
		return nil, fmt.Errorf("sign voucher: %w", err)
	}
	if err := session.state.Issue(now, e.voucherTTL); err != nil {
		session.state.Abort()
		return nil, err
	}
	voucher := &claimable.Voucher{
		User:      user,
		Amount:    amount,
		Nonce:     new(big.Int).Set(state.Nonce),
		Signature: signature,
		IssuedAt:  now,
		ExpiresAt: session.state.ExpiresAt,
	}
	e.logger.Info("claim voucher issued",
		slog.String("user", userID),
		slog.String("amount", amount.String()),
		slog.String("nonce", state.Nonce.String()),
		logging.MaskField("signature", common.Bytes2Hex(signature)))
	return voucher, nil
}

// Claimability evaluates the claim gate without signing anything. Upstream and
// validation failures are returned as errors; policy rejections are reported in
// the Reason field.
func (e *RewardEngine) Claimability(ctx context.Context, rawAddress string) (claimable.Report, error) {
	user, err := crypto.ParseAddress(rawAddress)
	if err != nil {
		return claimable.Report{}, fmt.Errorf("%w: %v", claimable.ErrValidation, err)
	}
	userID := crypto.NormalizeAddress(user)
	state, err := e.contract.ReadState(ctx, user)
	if err != nil {
		return claimable.Report{}, err
	}
	accumulated, err := e.ledger.TotalAccumulated(ctx, userID)
	if err != nil {
		return claimable.Report{}, fmt.Errorf("load accumulated rewards: %w", err)
	}
	now := e.clock.Now().UTC()
	amount := claimable.Claimable(rewards.ToBaseUnits(accumulated, e.decimals), state.ClaimedAmount)
	out := claimable.Report{
		Address:         user.Hex(),
		Claimable:       amount.String(),
		ClaimableTokens: rewards.FromBaseUnits(amount, e.decimals),
		Accumulated:     accumulated,
		ClaimedOnChain:  "0",
	}
	if state.ClaimedAmount != nil {
		out.ClaimedOnChain = state.ClaimedAmount.String()
	}
	next, gateErr := e.policy.Evaluate(state, amount, now)
	if !next.IsZero() {
		next = next.UTC()
		out.NextClaimDate = &next
	}
	switch {
	case gateErr != nil:
	case e.signer == nil:
		gateErr = claimable.ErrCalculatorUnavailable
	case e.isPaused():
		gateErr = claimable.ErrPaused
	case e.pending(userID, state.Nonce, now):
		gateErr = claimable.ErrVoucherPending
	}
	if gateErr != nil {
		out.Reason = claimable.Reason(gateErr)
		return out, nil
	}
	out.CanClaim = true
	return out, nil
}

func (e *RewardEngine) pending(userID string, nonce *big.Int, now time.Time) bool {
	if _, ok := e.sessions.Load(userID); !ok {
		return false
	}
	session := e.acquireSession(userID)
	defer e.releaseSession(userID, session)
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.state.Observe(nonce, now) != claimable.ClaimStatusIdle
}

// SignerAddress returns the calculator address, or ErrCalculatorUnavailable when
// no key is loaded.
func (e *RewardEngine) SignerAddress() (common.Address, error) {
	if e.signer == nil {
		return common.Address{}, claimable.ErrCalculatorUnavailable
	}
	return e.signer.Address(), nil
}

func isClaimRejection(err error) bool {
	for _, target := range []error{
		claimable.ErrValidation,
		claimable.ErrInsufficientRewards,
		claimable.ErrClaimLocked,
		claimable.ErrVoucherPending,
		claimable.ErrContractState,
		claimable.ErrPaused,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
