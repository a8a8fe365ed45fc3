package model

import "errors"

var (
	// ErrInsufficientFunds is returned when a balance is too low for the
	// requested debit, fees included.
	ErrInsufficientFunds = errors.New("insufficient funds")

	ErrPositionNotFound = errors.New("position not found")
	ErrOrderNotFound    = errors.New("order not found")
	ErrPlanNotFound     = errors.New("plan not found")
	ErrOfferNotFound    = errors.New("offer not found")
	ErrTraderNotFound   = errors.New("trader not found")
	ErrUnknownSymbol    = errors.New("unknown symbol")

	// ErrInvalidPocketTransition is returned for same-pocket moves and for
	// routes missing from the conversion table.
	ErrInvalidPocketTransition = errors.New("invalid pocket transition")

	// ErrInvalidTransition is returned when a lifecycle state change is not
	// allowed from the current status.
	ErrInvalidTransition = errors.New("invalid state transition")

	ErrInvalidAmount = errors.New("invalid amount")
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrStaleOracleData means no fresh price tick is available. Retryable.
	ErrStaleOracleData = errors.New("stale oracle data")

	// ErrStorageUnavailable wraps any persistence failure. Retryable; the
	// ledger is left unchanged.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// IsRetryable reports whether err is a transient condition the caller may retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStaleOracleData) || errors.Is(err, ErrStorageUnavailable)
}
