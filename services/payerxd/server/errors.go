package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"payerx/core/settlement"
	"payerx/native/fx"
	"payerx/native/liquidity"
	"payerx/native/rates"
	"payerx/native/router"
	"payerx/native/token"
	"payerx/services/payerxd/storage"
)

// errBadRequest marks request decoding failures.
var errBadRequest = errors.New("invalid request")

type badRequest struct{ msg string }

func (e badRequest) Error() string { return e.msg }
func (e badRequest) Unwrap() error { return errBadRequest }

func invalid(msg string) error { return badRequest{msg: msg} }

// payerxErrorStatus maps settlement failures onto an HTTP status and a stable
// error code.
func payerxErrorStatus(err error) (int, string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, errBadRequest),
		errors.Is(err, router.ErrInvalidInput),
		errors.Is(err, rates.ErrInvalidInput),
		errors.Is(err, rates.ErrInvalidRate),
		errors.Is(err, liquidity.ErrInvalidInput),
		errors.Is(err, fx.ErrInvalidInput),
		errors.Is(err, token.ErrInvalidAddress):
		return http.StatusBadRequest, "invalid_input"
	case errors.Is(err, router.ErrUnauthorized),
		errors.Is(err, rates.ErrUnauthorized),
		errors.Is(err, liquidity.ErrUnauthorized),
		errors.Is(err, token.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, rates.ErrRateNotSet):
		return http.StatusConflict, "rate_not_set"
	case errors.Is(err, rates.ErrRateExpired):
		return http.StatusConflict, "rate_expired"
	case errors.Is(err, liquidity.ErrInsufficientLiquidity):
		return http.StatusConflict, "insufficient_liquidity"
	case errors.Is(err, fx.ErrSlippageExceeded):
		return http.StatusConflict, "slippage_exceeded"
	case errors.Is(err, token.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "insufficient_balance"
	case errors.Is(err, token.ErrInsufficientAllowance):
		return http.StatusPaymentRequired, "insufficient_allowance"
	case errors.Is(err, router.ErrFeeTooHigh):
		return http.StatusUnprocessableEntity, "fee_too_high"
	case errors.Is(err, fx.ErrDecimalsMismatch):
		return http.StatusUnprocessableEntity, "decimals_mismatch"
	case errors.Is(err, token.ErrUnknownToken):
		return http.StatusNotFound, "unknown_token"
	case errors.Is(err, settlement.ErrUnknownEngine):
		return http.StatusNotFound, "unknown_engine"
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func traceIDFromContext(ctx context.Context) string {
	span := trace.SpanContextFromContext(ctx)
	if !span.IsValid() {
		return ""
	}
	return span.TraceID().String()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	body := map[string]string{"error": message, "code": code}
	if traceID := traceIDFromContext(r.Context()); traceID != "" {
		body["trace_id"] = traceID
	}
	writeJSON(w, status, body)
}

// fail renders err, logging only server-side failures.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := payerxErrorStatus(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "op", op, "error", err, "trace_id", traceIDFromContext(r.Context()))
		message = "internal error"
	}
	writeError(w, r, status, code, message)
}
