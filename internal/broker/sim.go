// ABOUTME: Deterministic in-memory broker provider for tests and demos.
// ABOUTME: Stands in for a real IB Gateway session behind the Provider interface.

package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrNotConnected is returned by SimProvider data methods before Connect.
var ErrNotConnected = errors.New("broker session not connected")

// SimProvider is a Provider backed by fixed in-memory data. It is safe for
// concurrent use and deterministic given the same inputs.
type SimProvider struct {
	mu        sync.Mutex
	connected bool

	accounts  map[string][]Position
	portfolio map[string][]PortfolioItem
	prices    map[string]float64

	// Latency applies to every data method, to exercise slow-call paths.
	Latency time.Duration
}

// NewSimProvider returns a provider seeded with one account holding a
// small stock and options book.
func NewSimProvider() *SimProvider {
	strike := 250.0
	right := "P"
	expiry := "20260116"
	return &SimProvider{
		accounts: map[string][]Position{
			"U1234567": {
				{Account: "U1234567", Symbol: "TSLA", SecType: "STK", Exchange: "SMART", Currency: "USD", Position: 200, AvgCost: 231.40, ConID: 76792991},
				{Account: "U1234567", Symbol: "TSLA", SecType: "OPT", Exchange: "SMART", Currency: "USD", Position: -2, AvgCost: 11.25, ConID: 653201893, Strike: &strike, Right: &right, Expiry: &expiry},
				{Account: "U1234567", Symbol: "AAPL", SecType: "STK", Exchange: "SMART", Currency: "USD", Position: 50, AvgCost: 187.10, ConID: 265598},
			},
		},
		portfolio: map[string][]PortfolioItem{
			"U1234567": {
				{Account: "U1234567", Symbol: "TSLA", SecType: "STK", Position: 200, MarketPrice: 242.50, MarketValue: 48500, AverageCost: 231.40, UnrealizedPNL: 2220, RealizedPNL: 0, ConID: 76792991},
				{Account: "U1234567", Symbol: "AAPL", SecType: "STK", Position: 50, MarketPrice: 229.80, MarketValue: 11490, AverageCost: 187.10, UnrealizedPNL: 2135, RealizedPNL: 310.5, ConID: 265598},
			},
		},
		prices: map[string]float64{
			"TSLA": 242.50,
			"AAPL": 229.80,
			"SPY":  563.20,
		},
	}
}

func (s *SimProvider) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *SimProvider) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *SimProvider) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// ready applies the configured latency and checks connection state.
func (s *SimProvider) ready(ctx context.Context) error {
	if !s.IsConnected() {
		return ErrNotConnected
	}
	if s.Latency > 0 {
		select {
		case <-time.After(s.Latency):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *SimProvider) ManagedAccounts(ctx context.Context) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	accounts := make([]string, 0, len(s.accounts))
	for a := range s.accounts {
		accounts = append(accounts, a)
	}
	sort.Strings(accounts)
	return accounts, nil
}

func (s *SimProvider) Positions(ctx context.Context, account string) ([]Position, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if account != "" {
		return append([]Position(nil), s.accounts[account]...), nil
	}
	var all []Position
	for _, a := range sortedKeys(s.accounts) {
		all = append(all, s.accounts[a]...)
	}
	return all, nil
}

func (s *SimProvider) Portfolio(ctx context.Context, account string) ([]PortfolioItem, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if account != "" {
		return append([]PortfolioItem(nil), s.portfolio[account]...), nil
	}
	var all []PortfolioItem
	for _, a := range sortedKeys(s.portfolio) {
		all = append(all, s.portfolio[a]...)
	}
	return all, nil
}

func (s *SimProvider) Price(ctx context.Context, symbol string) (*float64, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	p, ok := s.prices[strings.ToUpper(symbol)]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *SimProvider) OptionExpirations(ctx context.Context, symbol string) ([]string, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	if _, ok := s.prices[strings.ToUpper(symbol)]; !ok {
		return nil, fmt.Errorf("no security definition for %s", symbol)
	}
	return []string{"20251219", "20260116", "20260220", "20260618"}, nil
}

func (s *SimProvider) OptionStrikes(ctx context.Context, symbol, expiry string) ([]float64, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	spot, ok := s.prices[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("no security definition for %s", symbol)
	}
	// Ten 5-point strikes bracketing spot.
	base := float64(int(spot/5)) * 5
	strikes := make([]float64, 0, 10)
	for i := -5; i < 5; i++ {
		strikes = append(strikes, base+float64(i)*5)
	}
	return strikes, nil
}

func (s *SimProvider) OptionData(ctx context.Context, symbol, expiry string, strike float64, optionType string) (*OptionQuote, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	spot, ok := s.prices[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("no security definition for %s", symbol)
	}
	q := s.quoteFor(spot, strike, isCall(optionType))
	return &q, nil
}

func (s *SimProvider) OptionChain(ctx context.Context, symbol, expiry string, strikes []float64) (*OptionChain, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	spot, ok := s.prices[strings.ToUpper(symbol)]
	if !ok {
		return nil, fmt.Errorf("no security definition for %s", symbol)
	}

	// Same cap the live agent applies: at most 20 strikes per request.
	if len(strikes) > 20 {
		strikes = strikes[:20]
	}

	chain := &OptionChain{}
	for _, strike := range strikes {
		call := s.quoteFor(spot, strike, true)
		put := s.quoteFor(spot, strike, false)
		chain.Calls = append(chain.Calls, ChainQuote{
			Strike: strike, Bid: call.Bid, Ask: call.Ask, Last: call.Last,
			Volume: call.Volume, Delta: call.Delta, IV: call.IV,
		})
		chain.Puts = append(chain.Puts, ChainQuote{
			Strike: strike, Bid: put.Bid, Ask: put.Ask, Last: put.Last,
			Volume: put.Volume, Delta: put.Delta, IV: put.IV,
		})
	}
	return chain, nil
}

// quoteFor derives a plausible quote from moneyness. Not a pricing model,
// just stable numbers for tests.
func (s *SimProvider) quoteFor(spot, strike float64, call bool) OptionQuote {
	intrinsic := spot - strike
	if !call {
		intrinsic = strike - spot
	}
	if intrinsic < 0 {
		intrinsic = 0
	}
	mid := intrinsic + 2.50
	bid := mid - 0.10
	ask := mid + 0.10
	last := mid
	volume := 120.0

	delta := 0.5 + (spot-strike)/(spot*0.2)
	if delta > 1 {
		delta = 1
	}
	if delta < 0 {
		delta = 0
	}
	if !call {
		delta = delta - 1
	}
	gamma := 0.01
	theta := -0.05
	vega := 0.11
	iv := 0.42

	return OptionQuote{
		Bid: &bid, Ask: &ask, Last: &last, Volume: volume,
		Delta: &delta, Gamma: &gamma, Theta: &theta, Vega: &vega, IV: &iv,
	}
}

func isCall(optionType string) bool {
	switch strings.ToUpper(optionType) {
	case "C", "CALL":
		return true
	default:
		return false
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
