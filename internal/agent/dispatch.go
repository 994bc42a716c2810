// ABOUTME: Handler-map dispatch of call frames to broker provider operations.
// ABOUTME: Unknown actions yield error responses, never transport faults.

package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/komalamee/options-buddy-relay/internal/broker"
	"github.com/komalamee/options-buddy-relay/internal/wire"
)

// Handler executes one action against the broker session. The returned
// value becomes the response frame's data payload.
type Handler func(ctx context.Context, params json.RawMessage) (any, error)

// RegisterHandler adds or replaces the handler for an action. Must be
// called before Run; the handler map is not mutated afterwards.
func (a *Agent) RegisterHandler(action string, h Handler) {
	a.handlers[action] = h
}

// dispatch runs one call frame to completion and sends the response.
// Each call runs on its own goroutine; a hung broker call delays only its
// own response.
func (a *Agent) dispatch(ctx context.Context, f *wire.Frame) {
	a.logger.Info("handling request", "action", f.Action, "call_id", f.ID)

	resp := a.execute(ctx, f)
	if err := a.send(resp); err != nil {
		a.logger.Error("sending response", "action", f.Action, "call_id", f.ID, "error", err)
	}
}

func (a *Agent) execute(ctx context.Context, f *wire.Frame) *wire.Frame {
	handler, ok := a.handlers[f.Action]
	if !ok {
		return wire.NewError(f.ID, fmt.Sprintf("unknown action: %s", f.Action))
	}

	if !a.provider.IsConnected() {
		return wire.NewError(f.ID, "IB Gateway not connected")
	}

	data, err := handler(ctx, f.Params)
	if err != nil {
		a.logger.Error("action failed", "action", f.Action, "error", err)
		return wire.NewError(f.ID, err.Error())
	}

	resp, err := wire.NewResult(f.ID, data)
	if err != nil {
		a.logger.Error("encoding response", "action", f.Action, "error", err)
		return wire.NewError(f.ID, "encoding response: "+err.Error())
	}
	return resp
}

// registerBrokerHandlers wires the eight standard actions to the provider.
func (a *Agent) registerBrokerHandlers() {
	a.RegisterHandler(wire.ActionGetAccounts, func(ctx context.Context, _ json.RawMessage) (any, error) {
		accounts, err := a.provider.ManagedAccounts(ctx)
		if err != nil {
			return nil, err
		}
		return broker.AccountsResult{Accounts: accounts}, nil
	})

	a.RegisterHandler(wire.ActionGetPositions, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params broker.AccountParams
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		positions, err := a.provider.Positions(ctx, params.Account)
		if err != nil {
			return nil, err
		}
		return broker.PositionsResult{Positions: positions}, nil
	})

	a.RegisterHandler(wire.ActionGetPortfolio, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params broker.AccountParams
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		portfolio, err := a.provider.Portfolio(ctx, params.Account)
		if err != nil {
			return nil, err
		}
		return broker.PortfolioResult{Portfolio: portfolio}, nil
	})

	a.RegisterHandler(wire.ActionGetPrice, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params broker.SymbolParams
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		price, err := a.provider.Price(ctx, params.Symbol)
		if err != nil {
			return nil, err
		}
		return broker.PriceResult{Price: price}, nil
	})

	a.RegisterHandler(wire.ActionGetOptionExpirations, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params broker.SymbolParams
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		expirations, err := a.provider.OptionExpirations(ctx, params.Symbol)
		if err != nil {
			return nil, err
		}
		return broker.ExpirationsResult{Expirations: expirations}, nil
	})

	a.RegisterHandler(wire.ActionGetOptionStrikes, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params broker.ExpiryParams
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		strikes, err := a.provider.OptionStrikes(ctx, params.Symbol, params.Expiry)
		if err != nil {
			return nil, err
		}
		return broker.StrikesResult{Strikes: strikes}, nil
	})

	a.RegisterHandler(wire.ActionGetOptionData, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params broker.OptionDataParams
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		return a.provider.OptionData(ctx, params.Symbol, params.Expiry, params.Strike, params.OptionType)
	})

	a.RegisterHandler(wire.ActionGetOptionChain, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var params broker.OptionChainParams
		if err := decodeParams(raw, &params); err != nil {
			return nil, err
		}
		return a.provider.OptionChain(ctx, params.Symbol, params.Expiry, params.Strikes)
	})
}

func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
