package domain

import "errors"

// Broker failure classes. Every broker adapter translates vendor-specific
// errors into one of these so the engine and risk code can branch with
// errors.Is without knowing the vendor.
var (
	// ErrBrokerUnavailable - broker session cannot be established or is down
	ErrBrokerUnavailable = errors.New("broker unavailable")

	// ErrAuthFailed - credentials rejected
	ErrAuthFailed = errors.New("broker authentication failed")

	// ErrRateLimited - request rejected by the broker's rate limiter
	ErrRateLimited = errors.New("broker rate limited")

	// ErrInvalidPrice - price rejected (sub-penny or outside allowed band)
	ErrInvalidPrice = errors.New("invalid price")

	// ErrInsufficientBuyingPower - account cannot fund the order
	ErrInsufficientBuyingPower = errors.New("insufficient buying power")

	// ErrOrderNotFound - broker has no order with the given id
	ErrOrderNotFound = errors.New("order not found")

	// ErrTransient - retryable transport-level failure
	ErrTransient = errors.New("transient broker error")
)

// ErrCycleStopped is returned by risk validation once the emergency stop has
// flipped the cycle; no further entries are allowed until a manual restart.
var ErrCycleStopped = errors.New("cycle stopped")

// ErrInvalidTransition is returned when an order or position state change
// is not permitted by its state machine.
var ErrInvalidTransition = errors.New("invalid state transition")

// Retryable reports whether an operation that failed with err is safe to
// retry. Order submissions are never retried on ambiguous failures; callers
// must check this only for idempotent operations.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}
