package escrow

import "errors"

// Every operation fails with exactly one of these kinds (possibly wrapped
// with call-site context). A failed invocation leaves the ledger unchanged;
// the hosting transaction discards all staged work.
var (
	// Authorization.
	ErrUnauthorized    = errors.New("unauthorized")
	ErrAddressMismatch = errors.New("supplied address does not match derived address")

	// State.
	ErrNotInitialized      = errors.New("sale not initialized")
	ErrAlreadyInitialized  = errors.New("sale already initialized")
	ErrStillLocked         = errors.New("funds still locked")
	ErrSaleNotEnded        = errors.New("sale has not ended")
	ErrInvalidLockDuration = errors.New("lock duration out of range")

	// Bounds.
	ErrBelowMinInvestment   = errors.New("investment below minimum")
	ErrExceedsMaxInvestment = errors.New("investment exceeds maximum per investor")
	ErrNotEnoughTokens      = errors.New("not enough tokens available")
	ErrNoFundsToWithdraw    = errors.New("no locked funds to withdraw")
	ErrBelowRentFloor       = errors.New("pool would drop below rent floor")

	// Arithmetic.
	ErrAmountOverflow = errors.New("amount overflow")

	// Deposit destination account checks.
	ErrInvalidTokenAccount = errors.New("invalid destination token account")
)
