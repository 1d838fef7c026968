package domain

import "encoding/json"

// Event types published on the signal bus after a committed operation.
const (
	EventMarketCreated   = "market.created"
	EventBetPlaced       = "bet.placed"
	EventSharesBought    = "shares.bought"
	EventSharesSold      = "shares.sold"
	EventMarketPending   = "market.pending"
	EventMarketDisputed  = "market.disputed"
	EventVoteCast        = "vote.cast"
	EventMarketResolved  = "market.resolved"
	EventMarketCancelled = "market.cancelled"
	EventWinningsClaimed = "winnings.claimed"
	EventRefundWithdrawn = "refund.withdrawn"
	EventBreakerChanged  = "breaker.changed"
)

// Bus channels. The ws hub subscribes to ch:* and fans out to clients.
const (
	ChannelMarkets    = "ch:market"
	ChannelTrades     = "ch:trade"
	ChannelResolution = "ch:resolution"
	ChannelBreaker    = "ch:breaker"
)

// Event is the envelope published on the signal bus. Seq is the ledger
// sequence the operation committed at.
type Event struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Seq      uint64          `json:"seq"`
	MarketID uint64          `json:"market_id,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// StreamMessage is a single durable message read back from the bus stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}
