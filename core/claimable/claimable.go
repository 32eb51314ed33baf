package claimable

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ClaimStatus is the per-user voucher lifecycle. The chain nonce is authoritative:
// a session only returns to Idle once the nonce advances or the voucher expires.
type ClaimStatus uint8

const (
	ClaimStatusIdle ClaimStatus = iota
	ClaimStatusVoucherRequested
	ClaimStatusVoucherIssued
)

func (s ClaimStatus) String() string {
	switch s {
	case ClaimStatusIdle:
		return "idle"
	case ClaimStatusVoucherRequested:
		return "voucher_requested"
	case ClaimStatusVoucherIssued:
		return "voucher_issued"
	default:
		return "unknown"
	}
}

var (
	ErrValidation            = errors.New("claimable: invalid request")
	ErrUpstreamData          = errors.New("claimable: upstream data unavailable")
	ErrInsufficientRewards   = errors.New("claimable: no claimable rewards")
	ErrCalculatorUnavailable = errors.New("claimable: calculator signer not configured")
	ErrContractState         = errors.New("claimable: contract rejects claim")
	ErrVoucherPending        = errors.New("claimable: voucher pending for current nonce")
	ErrClaimLocked           = errors.New("claimable: lock period active")
	ErrPaused                = errors.New("claimable: claim issuance paused")
	ErrInvalidState          = errors.New("claimable: invalid state")
)

// Voucher authorises a single on-chain claim of Amount base units at Nonce.
type Voucher struct {
	User      common.Address
	Amount    *big.Int
	Nonce     *big.Int
	Signature []byte
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Report describes whether a user could obtain a voucher right now. Amounts in
// base units are decimal strings.
type Report struct {
	Address         string     `json:"address"`
	Claimable       string     `json:"claimable"`
	ClaimableTokens float64    `json:"claimableTokens"`
	Accumulated     float64    `json:"accumulated"`
	ClaimedOnChain  string     `json:"claimedOnChain"`
	CanClaim        bool       `json:"canClaim"`
	NextClaimDate   *time.Time `json:"nextClaimDate"`
	Reason          string     `json:"reason,omitempty"`
}

// Session holds the in-memory claim state for one user address. Callers serialise
// access per address.
type Session struct {
	Status    ClaimStatus
	Nonce     *big.Int
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Observe reconciles the session with the chain nonce. An issued voucher whose
// nonce has been consumed, or whose TTL has passed, returns the session to Idle.
func (s *Session) Observe(nonce *big.Int, now time.Time) ClaimStatus {
	if s.Status == ClaimStatusVoucherIssued {
		consumed := s.Nonce == nil || nonce == nil || nonce.Cmp(s.Nonce) != 0
		if consumed || s.Expired(now) {
			s.reset()
		}
	}
	return s.Status
}

// Expired reports whether an issued voucher has outlived its TTL at now.
func (s *Session) Expired(now time.Time) bool {
	return s.Status == ClaimStatusVoucherIssued && !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Begin moves an idle session to VoucherRequested for the given chain nonce.
func (s *Session) Begin(nonce *big.Int, now time.Time) error {
	if nonce == nil || nonce.Sign() < 0 {
		return ErrInvalidState
	}
	switch s.Observe(nonce, now) {
	case ClaimStatusVoucherIssued, ClaimStatusVoucherRequested:
		return ErrVoucherPending
	}
	s.Status = ClaimStatusVoucherRequested
	s.Nonce = new(big.Int).Set(nonce)
	return nil
}

// Issue records a signed voucher valid until now+ttl. A non-positive ttl never expires.
func (s *Session) Issue(now time.Time, ttl time.Duration) error {
	if s.Status != ClaimStatusVoucherRequested {
		return ErrInvalidState
	}
	s.Status = ClaimStatusVoucherIssued
	s.IssuedAt = now
	s.ExpiresAt = time.Time{}
	if ttl > 0 {
		s.ExpiresAt = now.Add(ttl)
	}
	return nil
}

// Abort abandons a request that failed before a voucher was signed.
func (s *Session) Abort() {
	if s.Status == ClaimStatusVoucherRequested {
		s.reset()
	}
}

func (s *Session) reset() {
	s.Status = ClaimStatusIdle
	s.Nonce = nil
	s.IssuedAt = time.Time{}
	s.ExpiresAt = time.Time{}
}

// Claimable returns max(0, accumulated - claimedOnChain) in base units.
func Claimable(accumulated, claimedOnChain *big.Int) *big.Int {
	out := copyInt(accumulated)
	if claimedOnChain != nil {
		out.Sub(out, claimedOnChain)
	}
	if out.Sign() < 0 {
		out.SetInt64(0)
	}
	return out
}

// NextClaimTime returns when the lock period following lastClaim ends. A zero
// lastClaim means the user has never claimed and is not locked.
func NextClaimTime(lastClaim time.Time, lock time.Duration) time.Time {
	if lastClaim.IsZero() || lock <= 0 {
		return time.Time{}
	}
	return lastClaim.Add(lock)
}

func copyInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

// Reason maps a claim error to a stable machine readable code.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "invalid_request"
	case errors.Is(err, ErrCalculatorUnavailable):
		return "signer_unavailable"
	case errors.Is(err, ErrPaused):
		return "paused"
	case errors.Is(err, ErrInsufficientRewards):
		return "no_rewards"
	case errors.Is(err, ErrClaimLocked):
		return "locked"
	case errors.Is(err, ErrContractState):
		return "contract_state"
	case errors.Is(err, ErrVoucherPending):
		return "voucher_pending"
	case errors.Is(err, ErrUpstreamData):
		return "upstream"
	default:
		return "internal"
	}
}
