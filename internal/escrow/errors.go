package escrow

import (
	"errors"
	"net/http"

	"github.com/mbd888/obridge/internal/fee"
	"github.com/mbd888/obridge/internal/idgen"
	"github.com/mbd888/obridge/internal/ledger"
	"github.com/mbd888/obridge/internal/lock"
	"github.com/mbd888/obridge/internal/settings"
)

// ErrorCode maps a service error to an HTTP status and a stable error code.
// Unknown errors map to 500 internal_error.
func ErrorCode(err error) (int, string) {
	switch {
	case errors.Is(err, ErrEscrowNotFound):
		return http.StatusNotFound, "escrow_not_found"
	case errors.Is(err, ErrEscrowExists):
		return http.StatusConflict, "escrow_exists"
	case errors.Is(err, ErrEscrowClosed), errors.Is(err, ErrStatusConflict):
		return http.StatusConflict, "escrow_closed"
	case errors.Is(err, ErrInvalidSender):
		return http.StatusForbidden, "invalid_sender"
	case errors.Is(err, ErrInvalidRecipient):
		return http.StatusBadRequest, "invalid_recipient"
	case errors.Is(err, ErrInvalidDirection):
		return http.StatusBadRequest, "invalid_direction"
	case errors.Is(err, ErrMemoTooLarge):
		return http.StatusBadRequest, "memo_too_large"
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, idgen.ErrInvalidID):
		return http.StatusBadRequest, "invalid_id"
	case errors.Is(err, lock.ErrPreimageMismatch):
		return http.StatusForbidden, "preimage_mismatch"
	case errors.Is(err, lock.ErrDeadlineExceeded):
		return http.StatusConflict, "deadline_exceeded"
	case errors.Is(err, lock.ErrNotRefundable):
		return http.StatusConflict, "not_refundable"
	case errors.Is(err, lock.ErrInvalidRefundTime):
		return http.StatusBadRequest, "invalid_refund_time"
	case errors.Is(err, lock.ErrInvalidTimelock):
		return http.StatusBadRequest, "invalid_timelock"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusBadRequest, "insufficient_balance"
	case errors.Is(err, ledger.ErrBalanceOverflow):
		return http.StatusBadRequest, "balance_overflow"
	case errors.Is(err, fee.ErrInvalidFeeRate):
		return http.StatusBadRequest, "invalid_fee_rate"
	case errors.Is(err, settings.ErrNotInitialized):
		return http.StatusServiceUnavailable, "not_initialized"
	}
	return http.StatusInternalServerError, "internal_error"
}
