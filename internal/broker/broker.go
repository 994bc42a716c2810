// ABOUTME: Capability-provider boundary between the relay agent and a local broker session.
// ABOUTME: Defines the Provider interface and the typed action contracts.

package broker

import "context"

// Provider is the local broker session the relay agent delegates work to,
// e.g. an IB Gateway link. Implementations live outside this module except
// for the simulated one used in tests and demos.
//
// Methods other than Connect/Close/IsConnected must only be called while
// the session is connected; they return an error otherwise.
type Provider interface {
	// Connect establishes the local session.
	Connect(ctx context.Context) error
	// Close tears the session down. Safe to call when not connected.
	Close() error
	// IsConnected reports current session liveness.
	IsConnected() bool

	// ManagedAccounts lists account ids visible to the session.
	ManagedAccounts(ctx context.Context) ([]string, error)
	// Positions lists open positions, optionally filtered by account.
	Positions(ctx context.Context, account string) ([]Position, error)
	// Portfolio lists portfolio items, optionally filtered by account.
	Portfolio(ctx context.Context, account string) ([]PortfolioItem, error)
	// Price returns the current price for symbol, or nil when unavailable.
	Price(ctx context.Context, symbol string) (*float64, error)
	// OptionExpirations lists expiration dates for symbol, sorted.
	OptionExpirations(ctx context.Context, symbol string) ([]string, error)
	// OptionStrikes lists strikes for symbol at expiry, sorted.
	OptionStrikes(ctx context.Context, symbol, expiry string) ([]float64, error)
	// OptionData returns a single contract's quote and greeks.
	OptionData(ctx context.Context, symbol, expiry string, strike float64, optionType string) (*OptionQuote, error)
	// OptionChain returns call and put quotes for the given strikes.
	OptionChain(ctx context.Context, symbol, expiry string, strikes []float64) (*OptionChain, error)
}

// Position is one open position. Quote fields that brokers report as NaN
// travel as null, hence the pointers. JSON tags match the relay wire
// payloads exactly.
type Position struct {
	Account  string   `json:"account"`
	Symbol   string   `json:"symbol"`
	SecType  string   `json:"secType"`
	Exchange string   `json:"exchange"`
	Currency string   `json:"currency"`
	Position float64  `json:"position"`
	AvgCost  float64  `json:"avgCost"`
	ConID    int64    `json:"conId"`
	Strike   *float64 `json:"strike"`
	Right    *string  `json:"right"`
	Expiry   *string  `json:"expiry"`
}

// PortfolioItem is one holding with market values and P&L.
type PortfolioItem struct {
	Account       string  `json:"account"`
	Symbol        string  `json:"symbol"`
	SecType       string  `json:"secType"`
	Position      float64 `json:"position"`
	MarketPrice   float64 `json:"marketPrice"`
	MarketValue   float64 `json:"marketValue"`
	AverageCost   float64 `json:"averageCost"`
	UnrealizedPNL float64 `json:"unrealizedPNL"`
	RealizedPNL   float64 `json:"realizedPNL"`
	ConID         int64   `json:"conId"`
}

// OptionQuote is a single option contract's quote plus model greeks.
type OptionQuote struct {
	Bid    *float64 `json:"bid"`
	Ask    *float64 `json:"ask"`
	Last   *float64 `json:"last"`
	Volume float64  `json:"volume"`
	Delta  *float64 `json:"delta"`
	Gamma  *float64 `json:"gamma"`
	Theta  *float64 `json:"theta"`
	Vega   *float64 `json:"vega"`
	IV     *float64 `json:"iv"`
}

// ChainQuote is one strike's entry in an option chain, a slimmer quote
// than OptionData returns.
type ChainQuote struct {
	Strike float64  `json:"strike"`
	Bid    *float64 `json:"bid"`
	Ask    *float64 `json:"ask"`
	Last   *float64 `json:"last"`
	Volume float64  `json:"volume"`
	Delta  *float64 `json:"delta"`
	IV     *float64 `json:"iv"`
}

// OptionChain groups chain quotes by right.
type OptionChain struct {
	Calls []ChainQuote `json:"calls"`
	Puts  []ChainQuote `json:"puts"`
}

// Params shapes for the relay actions. The agent decodes inbound call
// params into these; the gateway proxy marshals them outbound.

// AccountParams filters by account; empty means all accounts.
type AccountParams struct {
	Account string `json:"account,omitempty"`
}

// SymbolParams addresses a single underlying.
type SymbolParams struct {
	Symbol string `json:"symbol"`
}

// ExpiryParams addresses one underlying at one expiration.
type ExpiryParams struct {
	Symbol string `json:"symbol"`
	Expiry string `json:"expiry"`
}

// OptionDataParams addresses a single option contract.
type OptionDataParams struct {
	Symbol     string  `json:"symbol"`
	Expiry     string  `json:"expiry"`
	Strike     float64 `json:"strike"`
	OptionType string  `json:"option_type"`
}

// OptionChainParams requests quotes for a set of strikes.
type OptionChainParams struct {
	Symbol  string    `json:"symbol"`
	Expiry  string    `json:"expiry"`
	Strikes []float64 `json:"strikes"`
}

// Result envelopes for the relay actions. Each success payload wraps its
// data under a fixed key.

// AccountsResult wraps the account list payload.
type AccountsResult struct {
	Accounts []string `json:"accounts"`
}

// PositionsResult wraps the position list payload.
type PositionsResult struct {
	Positions []Position `json:"positions"`
}

// PortfolioResult wraps the portfolio payload.
type PortfolioResult struct {
	Portfolio []PortfolioItem `json:"portfolio"`
}

// PriceResult wraps a price lookup; nil when no price was available.
type PriceResult struct {
	Price *float64 `json:"price"`
}

// ExpirationsResult wraps the expiration list payload.
type ExpirationsResult struct {
	Expirations []string `json:"expirations"`
}

// StrikesResult wraps the strike list payload.
type StrikesResult struct {
	Strikes []float64 `json:"strikes"`
}
