package domain

import "errors"

// Every engine failure maps to exactly one sentinel below. Operations abort
// with zero state mutation; nothing is retried internally.

// Validation.
var (
	ErrNotFound              = errors.New("not found")
	ErrOutcomeCount          = errors.New("outcome count must be between 2 and 100")
	ErrInvalidOutcome        = errors.New("invalid outcome index")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrBadDeadlines          = errors.New("deadlines must satisfy now < bet deadline < resolve deadline")
	ErrBadMechanism          = errors.New("unknown market mechanism")
	ErrWrongMechanism        = errors.New("operation not supported by market mechanism")
	ErrParentUnresolved      = errors.New("parent market not resolved")
	ErrParentOutcomeMismatch = errors.New("parent market resolved to a different outcome")
	ErrTradeTooSmall         = errors.New("trade too small for pool precision")
	ErrOverflow              = errors.New("integer overflow")
)

// Authorization.
var (
	ErrUnauthorized = errors.New("unauthorized")
)

// Phase.
var (
	ErrMarketNotActive    = errors.New("market not active")
	ErrBettingClosed      = errors.New("betting deadline passed")
	ErrResolveTooEarly    = errors.New("resolution deadline not reached")
	ErrMarketNotPending   = errors.New("market not pending resolution")
	ErrAlreadyDisputed    = errors.New("market already disputed")
	ErrNotDisputed        = errors.New("market not disputed")
	ErrDisputeClosed      = errors.New("dispute window closed")
	ErrDisputeStillOpen   = errors.New("dispute window still open")
	ErrVotingClosed       = errors.New("voting window closed")
	ErrVotingStillOpen    = errors.New("voting window still open")
	ErrAlreadyVoted       = errors.New("vote already cast")
	ErrMarketNotResolved  = errors.New("market not resolved")
	ErrMarketNotCancelled = errors.New("market not cancelled")
	ErrMarketSettled      = errors.New("market already settled")
	ErrDepositReleased    = errors.New("creation deposit already released")
	ErrGCTooEarly         = errors.New("garbage-collection delay not elapsed")
)

// Resource.
var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientShares  = errors.New("insufficient share balance")
	ErrNoDeposit           = errors.New("no deposit locked")
)

// Security.
var (
	ErrLockHeld          = errors.New("lock already held")
	ErrOracleTooFresh    = errors.New("oracle result written in the same ledger sequence")
	ErrOracleUnavailable = errors.New("oracle result unavailable")
	ErrEngineHalted      = errors.New("engine halted by circuit breaker")
	ErrPoolInvariant     = errors.New("pool invariant violated")
	ErrNotVerified       = errors.New("account identity not verified")
	ErrClawbackDetected  = errors.New("escrow balance below tracked total")
)

// Consensus.
var (
	ErrNoMajority  = errors.New("no outcome reached the required vote majority")
	ErrNotEligible = errors.New("account has no exposure in this market")
)
