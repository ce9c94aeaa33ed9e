// Package model defines core data types for the token live-stream session engine.
//
// This package contains fundamental data structures used throughout the system
// for representing chat messages, presence counters, price samples, and
// transaction intents. All monetary values use decimal.Decimal for precise
// financial calculations to avoid floating-point precision issues common in
// financial applications.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// SystemAuthor is the reserved author sentinel for system/administrative
// messages (welcome banner, connectivity notices). Messages carrying this
// author are never classified as agent or local-user messages.
const SystemAuthor = "System"

// ChatMessage represents a single entry in a stream's chat log.
//
// A message is immutable once created. Authorship classification is decided
// at append time: IsAgent when the author equals the configured agent persona
// name for the session, IsLocalUser when the author equals the current
// viewer's identity.
type ChatMessage struct {
	ID          string    // Unique message identifier (dedup key)
	Author      string    // Author identity (wallet address, persona name, or SystemAuthor)
	Text        string    // Message body
	Timestamp   time.Time // Informational only; the log keeps arrival order
	IsAgent     bool      // Author is the session's agent persona
	IsLocalUser bool      // Author is the current viewer
}

// PresenceState holds the viewer-count and like-count counters for a session.
type PresenceState struct {
	ViewerCount int  // Current viewer count (remote value or simulated baseline)
	LikeCount   int  // Current like count, never below 0
	HasLiked    bool // Whether the local viewer has liked the stream
}

// PriceSample is a single point of a token's price history.
//
// The upstream source reports prices as integer wei quantities; samples hold
// the unit price after division by the 10^18 scale factor.
type PriceSample struct {
	Timestamp time.Time       // Sample time as reported upstream
	Price     decimal.Decimal // Unit price (precise decimal)
}

// PriceWindow is the ordered set of the most recent price samples returned by
// one upstream fetch. Window bounds (e.g. "last 24h") are a property of the
// upstream source, not recomputed locally.
type PriceWindow []PriceSample

// PriceChange summarizes the movement between the first and last sample of a
// price window.
type PriceChange struct {
	Delta      decimal.Decimal // lastSample.Price - firstSample.Price
	Percentage decimal.Decimal // Delta / firstSample.Price * 100
	Positive   bool            // Delta >= 0
}

// IntentKind identifies the direction of a transaction intent.
type IntentKind int

const (
	// Buy spends the funding asset to acquire the stream's token.
	Buy IntentKind = iota

	// Sell disposes of the stream's token for the funding asset.
	Sell
)

// String returns a human-readable name for the intent kind.
func (k IntentKind) String() string {
	if k == Sell {
		return "sell"
	}
	return "buy"
}

// TransactionIntent captures one buy/sell attempt against the external ledger.
// Intents are transient: created per submission attempt and destroyed on
// completion or explicit cancel.
type TransactionIntent struct {
	Kind        IntentKind      // Buy or Sell
	Amount      decimal.Decimal // Amount in funding asset (buy) or held asset (sell)
	AssetSymbol string          // Token symbol the intent targets
}

// Outcome is the terminal classification of a submitted transaction.
type Outcome int

const (
	// Confirmed indicates the ledger accepted the submission.
	Confirmed Outcome = iota

	// Failed indicates the ledger rejected the submission or the call errored.
	Failed
)

// TransactionResult reports the outcome of one ledger submission.
type TransactionResult struct {
	Outcome Outcome // Confirmed or Failed
	Message string  // Diagnostic for failed submissions, empty on success
}
