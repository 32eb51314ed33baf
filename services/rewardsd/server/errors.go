package server

import (
	"errors"
	"log/slog"
	"net/http"

	"lpmining/core/claimable"
)

const signerRemediation = "configure one of signer.key, signer.key_env, signer.key_file or signer.keystore with the calculator key registered on the claim contract, then restart rewardsd"

type errorResponse struct {
	Error       string `json:"error"`
	Message     string `json:"message"`
	Remediation string `json:"remediation,omitempty"`
	Retryable   bool   `json:"retryable"`
}

// statusFor maps a claim error to its HTTP status and retryability.
func statusFor(err error) (int, bool) {
	switch {
	case errors.Is(err, claimable.ErrValidation):
		return http.StatusBadRequest, false
	case errors.Is(err, claimable.ErrUpstreamData):
		return http.StatusBadGateway, true
	case errors.Is(err, claimable.ErrInsufficientRewards):
		return http.StatusUnprocessableEntity, false
	case errors.Is(err, claimable.ErrCalculatorUnavailable):
		return http.StatusServiceUnavailable, false
	case errors.Is(err, claimable.ErrVoucherPending):
		return http.StatusConflict, true
	case errors.Is(err, claimable.ErrClaimLocked):
		return http.StatusTooManyRequests, true
	case errors.Is(err, claimable.ErrPaused), errors.Is(err, claimable.ErrContractState):
		return http.StatusServiceUnavailable, false
	default:
		return http.StatusInternalServerError, true
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, retryable := statusFor(err)
	resp := errorResponse{
		Error:     claimable.Reason(err),
		Message:   err.Error(),
		Retryable: retryable,
	}
	if errors.Is(err, claimable.ErrCalculatorUnavailable) {
		resp.Remediation = signerRemediation
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		resp.Message = "internal error"
	}
	writeJSON(w, status, resp)
}
