// ABOUTME: Tests for the in-memory sim provider.
// ABOUTME: Covers connection gating, lookups, and the option chain cap.

package broker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func connectedSim(t *testing.T) *SimProvider {
	t.Helper()
	s := NewSimProvider()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return s
}

func TestSimRequiresConnect(t *testing.T) {
	s := NewSimProvider()
	if s.IsConnected() {
		t.Error("new provider should not report connected")
	}
	if _, err := s.ManagedAccounts(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !s.IsConnected() {
		t.Error("expected connected after Connect")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if s.IsConnected() {
		t.Error("expected disconnected after Close")
	}
}

func TestSimAccountsAndPositions(t *testing.T) {
	s := connectedSim(t)
	ctx := context.Background()

	accounts, err := s.ManagedAccounts(ctx)
	if err != nil {
		t.Fatalf("accounts: %v", err)
	}
	if len(accounts) != 1 || accounts[0] != "U1234567" {
		t.Errorf("unexpected accounts: %v", accounts)
	}

	positions, err := s.Positions(ctx, "U1234567")
	if err != nil {
		t.Fatalf("positions: %v", err)
	}
	if len(positions) != 3 {
		t.Fatalf("expected 3 positions, got %d", len(positions))
	}
	var sawOption bool
	for _, p := range positions {
		if p.SecType == "OPT" {
			sawOption = true
			if p.Strike == nil || p.Right == nil || p.Expiry == nil {
				t.Error("option position missing contract fields")
			}
		}
	}
	if !sawOption {
		t.Error("expected an option position in the book")
	}

	// Empty account means all accounts.
	all, err := s.Positions(ctx, "")
	if err != nil {
		t.Fatalf("positions all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 positions across all accounts, got %d", len(all))
	}
}

func TestSimPrice(t *testing.T) {
	s := connectedSim(t)
	ctx := context.Background()

	p, err := s.Price(ctx, "tsla")
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if p == nil || *p != 242.50 {
		t.Errorf("expected 242.50, got %v", p)
	}

	// Unknown symbols yield a nil price, not an error.
	p, err = s.Price(ctx, "ZZZZ")
	if err != nil {
		t.Fatalf("price unknown: %v", err)
	}
	if p != nil {
		t.Errorf("expected nil price for unknown symbol, got %v", *p)
	}
}

func TestSimOptionLookups(t *testing.T) {
	s := connectedSim(t)
	ctx := context.Background()

	expirations, err := s.OptionExpirations(ctx, "TSLA")
	if err != nil {
		t.Fatalf("expirations: %v", err)
	}
	if len(expirations) == 0 {
		t.Fatal("expected expirations")
	}

	strikes, err := s.OptionStrikes(ctx, "TSLA", expirations[0])
	if err != nil {
		t.Fatalf("strikes: %v", err)
	}
	if len(strikes) != 10 {
		t.Errorf("expected 10 strikes, got %d", len(strikes))
	}

	quote, err := s.OptionData(ctx, "TSLA", expirations[0], strikes[0], "P")
	if err != nil {
		t.Fatalf("option data: %v", err)
	}
	if quote.Bid == nil || quote.Ask == nil || *quote.Ask <= *quote.Bid {
		t.Errorf("expected a sane bid/ask, got %+v", quote)
	}
	if quote.Delta == nil || *quote.Delta > 0 {
		t.Errorf("expected negative put delta, got %v", quote.Delta)
	}

	if _, err := s.OptionExpirations(ctx, "ZZZZ"); err == nil {
		t.Error("expected error for unknown underlying")
	}
}

func TestSimOptionChainCap(t *testing.T) {
	s := connectedSim(t)

	strikes := make([]float64, 30)
	for i := range strikes {
		strikes[i] = 100 + float64(i)*5
	}
	chain, err := s.OptionChain(context.Background(), "SPY", "20260116", strikes)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	if len(chain.Calls) != 20 || len(chain.Puts) != 20 {
		t.Errorf("expected chain capped at 20 strikes, got %d calls / %d puts",
			len(chain.Calls), len(chain.Puts))
	}
}

func TestSimLatencyHonorsContext(t *testing.T) {
	s := connectedSim(t)
	s.Latency = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Price(ctx, "TSLA"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
