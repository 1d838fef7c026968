package domain

// BreakerState is the circuit-breaker position gating engine operations.
//
// High-risk operations (market creation, bets, trades, votes, disputes) are
// rejected unless the breaker permits them; low-risk operations (claims,
// refunds, deposit release, garbage collection) are always allowed so user
// funds are never trapped.
type BreakerState string

const (
	// BreakerClosed: normal operation, everything permitted.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen: tripped automatically (e.g. by a failed pool audit); all
	// high-risk operations rejected.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen: probing recovery; market creation stays blocked,
	// existing markets trade normally.
	BreakerHalfOpen BreakerState = "half_open"
	// BreakerPaused: guardian-declared emergency; same gating as Open, but
	// only the guardian can leave this state.
	BreakerPaused BreakerState = "paused"
)
