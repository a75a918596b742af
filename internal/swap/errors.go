package swap

import (
	"errors"
	"net/http"

	"github.com/mbd888/obridge/internal/idgen"
	"github.com/mbd888/obridge/internal/ledger"
	"github.com/mbd888/obridge/internal/lock"
	"github.com/mbd888/obridge/internal/settings"
)

// ErrorCode maps a service error to an HTTP status and a stable error code.
func ErrorCode(err error) (int, string) {
	switch {
	case errors.Is(err, ErrSwapNotFound):
		return http.StatusNotFound, "swap_not_found"
	case errors.Is(err, ErrSwapExists):
		return http.StatusConflict, "swap_exists"
	case errors.Is(err, ErrSwapClosed), errors.Is(err, ErrStatusConflict):
		return http.StatusConflict, "swap_closed"
	case errors.Is(err, ErrInvalidSender):
		return http.StatusForbidden, "invalid_sender"
	case errors.Is(err, ErrInvalidRecipient):
		return http.StatusBadRequest, "invalid_recipient"
	case errors.Is(err, ErrMemoTooLarge):
		return http.StatusBadRequest, "memo_too_large"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, idgen.ErrInvalidID):
		return http.StatusBadRequest, "invalid_id"
	case errors.Is(err, lock.ErrDeadlineExceeded):
		return http.StatusConflict, "deadline_exceeded"
	case errors.Is(err, lock.ErrNotRefundable):
		return http.StatusConflict, "not_refundable"
	case errors.Is(err, lock.ErrInvalidTimelock):
		return http.StatusBadRequest, "invalid_timelock"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusBadRequest, "insufficient_balance"
	case errors.Is(err, ledger.ErrBalanceOverflow):
		return http.StatusBadRequest, "balance_overflow"
	case errors.Is(err, settings.ErrNotInitialized):
		return http.StatusServiceUnavailable, "not_initialized"
	}
	return http.StatusInternalServerError, "internal_error"
}
