// ABOUTME: Typed per-identity facade over Registry.Call for broker actions.
// ABOUTME: Decodes wire payloads into the shared broker contract types.

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/komalamee/options-buddy-relay/internal/broker"
	"github.com/komalamee/options-buddy-relay/internal/wire"
)

// Default deadlines mirror the backend: 30s per call, 60s for the bulk
// chain lookup.
const (
	DefaultCallTimeout  = 30 * time.Second
	DefaultChainTimeout = 60 * time.Second
)

// BrokerProxy routes broker requests for one identity through its relay
// tunnel. It is the only way application code should reach an agent.
type BrokerProxy struct {
	reg          *Registry
	identity     string
	callTimeout  time.Duration
	chainTimeout time.Duration
}

// NewBrokerProxy creates a proxy for identity. A zero callTimeout selects
// the default.
func NewBrokerProxy(reg *Registry, identity string, callTimeout time.Duration) *BrokerProxy {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	chainTimeout := DefaultChainTimeout
	if callTimeout > chainTimeout {
		chainTimeout = callTimeout
	}
	return &BrokerProxy{
		reg:          reg,
		identity:     identity,
		callTimeout:  callTimeout,
		chainTimeout: chainTimeout,
	}
}

// IsConnected reports whether the identity's broker session is up, per the
// most recent status frame. The tunnel being live is necessary but not
// sufficient.
func (p *BrokerProxy) IsConnected() bool {
	s := p.reg.GetStatus(p.identity)
	return s.Live && s.IBKRConnected
}

// Status returns the tunnel snapshot for this identity.
func (p *BrokerProxy) Status() Status {
	return p.reg.GetStatus(p.identity)
}

func (p *BrokerProxy) call(ctx context.Context, action string, params any, timeout time.Duration, out any) error {
	data, err := p.reg.Call(ctx, p.identity, action, params, timeout)
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", action, err)
	}
	return nil
}

// GetAccounts lists the managed accounts behind the identity's session.
func (p *BrokerProxy) GetAccounts(ctx context.Context) ([]string, error) {
	var res broker.AccountsResult
	if err := p.call(ctx, wire.ActionGetAccounts, struct{}{}, p.callTimeout, &res); err != nil {
		return nil, err
	}
	return res.Accounts, nil
}

// GetPositions lists open positions, optionally filtered by account.
func (p *BrokerProxy) GetPositions(ctx context.Context, account string) ([]broker.Position, error) {
	var res broker.PositionsResult
	params := broker.AccountParams{Account: account}
	if err := p.call(ctx, wire.ActionGetPositions, params, p.callTimeout, &res); err != nil {
		return nil, err
	}
	return res.Positions, nil
}

// GetPortfolio lists holdings with market values.
func (p *BrokerProxy) GetPortfolio(ctx context.Context, account string) ([]broker.PortfolioItem, error) {
	var res broker.PortfolioResult
	params := broker.AccountParams{Account: account}
	if err := p.call(ctx, wire.ActionGetPortfolio, params, p.callTimeout, &res); err != nil {
		return nil, err
	}
	return res.Portfolio, nil
}

// GetPrice fetches the current price for symbol; nil when the broker had
// no quote.
func (p *BrokerProxy) GetPrice(ctx context.Context, symbol string) (*float64, error) {
	var res broker.PriceResult
	params := broker.SymbolParams{Symbol: symbol}
	if err := p.call(ctx, wire.ActionGetPrice, params, p.callTimeout, &res); err != nil {
		return nil, err
	}
	return res.Price, nil
}

// GetOptionExpirations lists available expirations for symbol.
func (p *BrokerProxy) GetOptionExpirations(ctx context.Context, symbol string) ([]string, error) {
	var res broker.ExpirationsResult
	params := broker.SymbolParams{Symbol: symbol}
	if err := p.call(ctx, wire.ActionGetOptionExpirations, params, p.callTimeout, &res); err != nil {
		return nil, err
	}
	return res.Expirations, nil
}

// GetOptionStrikes lists strikes for symbol at expiry.
func (p *BrokerProxy) GetOptionStrikes(ctx context.Context, symbol, expiry string) ([]float64, error) {
	var res broker.StrikesResult
	params := broker.ExpiryParams{Symbol: symbol, Expiry: expiry}
	if err := p.call(ctx, wire.ActionGetOptionStrikes, params, p.callTimeout, &res); err != nil {
		return nil, err
	}
	return res.Strikes, nil
}

// GetOptionData fetches a single contract's quote and greeks.
func (p *BrokerProxy) GetOptionData(ctx context.Context, symbol, expiry string, strike float64, optionType string) (*broker.OptionQuote, error) {
	var res broker.OptionQuote
	params := broker.OptionDataParams{Symbol: symbol, Expiry: expiry, Strike: strike, OptionType: optionType}
	if err := p.call(ctx, wire.ActionGetOptionData, params, p.callTimeout, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// GetOptionChain fetches call and put quotes for a set of strikes. Bulk
// lookups get the longer deadline.
func (p *BrokerProxy) GetOptionChain(ctx context.Context, symbol, expiry string, strikes []float64) (*broker.OptionChain, error) {
	var res broker.OptionChain
	params := broker.OptionChainParams{Symbol: symbol, Expiry: expiry, Strikes: strikes}
	if err := p.call(ctx, wire.ActionGetOptionChain, params, p.chainTimeout, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
