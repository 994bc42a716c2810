// ABOUTME: Tests for the relay registry: correlation, supersession, timeouts.
// ABOUTME: Uses an in-memory transport; no network involved.

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/komalamee/options-buddy-relay/internal/wire"
)

// fakeTransport records written frames and can auto-respond via onWrite.
type fakeTransport struct {
	mu          sync.Mutex
	frames      []*wire.Frame
	closed      bool
	closeReason string
	onWrite     func(f *wire.Frame)
	writeErr    error
}

func (t *fakeTransport) WriteFrame(f *wire.Frame) error {
	t.mu.Lock()
	if t.writeErr != nil {
		err := t.writeErr
		t.mu.Unlock()
		return err
	}
	t.frames = append(t.frames, f)
	hook := t.onWrite
	t.mu.Unlock()

	if hook != nil {
		hook(f)
	}
	return nil
}

func (t *fakeTransport) Close(reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.closeReason = reason
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) sentFrames() []*wire.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*wire.Frame, len(t.frames))
	copy(out, t.frames)
	return out
}

func testRegistry(opts ...Option) *Registry {
	return NewRegistry(slog.Default(), opts...)
}

func TestCallNotConnected(t *testing.T) {
	reg := testRegistry()

	start := time.Now()
	_, err := reg.Call(context.Background(), "u1", wire.ActionGetAccounts, struct{}{}, 5*time.Second)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("call should fail immediately, took %s", elapsed)
	}
}

func TestCallRoutesByCorrelationID(t *testing.T) {
	reg := testRegistry()
	transport := &fakeTransport{}

	// Respond to every call, out of send order, echoing the call id back
	// in the payload so each caller can check it got its own response.
	var backlog []*wire.Frame
	var backlogMu sync.Mutex
	transport.onWrite = func(f *wire.Frame) {
		backlogMu.Lock()
		backlog = append(backlog, f)
		pending := len(backlog)
		backlogMu.Unlock()

		// Flush in reverse arrival order once a batch accumulates.
		if pending < 4 {
			return
		}
		backlogMu.Lock()
		batch := backlog
		backlog = nil
		backlogMu.Unlock()
		for i := len(batch) - 1; i >= 0; i-- {
			call := batch[i]
			// Echo the caller's params back so each caller can verify it
			// received its own response, not a cross-matched one.
			resp := &wire.Frame{ID: call.ID, Type: wire.TypeResponse, Data: call.Params}
			reg.HandleFrame("u1", resp)
		}
	}

	reg.Register(context.Background(), "u1", transport)

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			params := map[string]int{"caller": i}
			data, err := reg.Call(context.Background(), "u1", wire.ActionGetPrice, params, 5*time.Second)
			if err != nil {
				errs[i] = err
				return
			}
			var payload struct {
				Caller int `json:"caller"`
			}
			if err := json.Unmarshal(data, &payload); err != nil {
				errs[i] = err
				return
			}
			if payload.Caller != i {
				errs[i] = fmt.Errorf("caller %d received payload for caller %d", i, payload.Caller)
			}
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}

	// Every sent call id must be distinct.
	seen := map[string]bool{}
	for _, f := range transport.sentFrames() {
		if seen[f.ID] {
			t.Errorf("duplicate call id %s", f.ID)
		}
		seen[f.ID] = true
	}
	if len(seen) != callers {
		t.Errorf("expected %d distinct call ids, got %d", callers, len(seen))
	}
}

func TestOutOfOrderResponses(t *testing.T) {
	reg := testRegistry()
	transport := &fakeTransport{}
	reg.Register(context.Background(), "u1", transport)

	type result struct {
		data json.RawMessage
		err  error
	}
	results := make(chan result, 2)

	call := func(action string) {
		data, err := reg.Call(context.Background(), "u1", action, struct{}{}, 5*time.Second)
		results <- result{data, err}
	}

	go call(wire.ActionGetAccounts)
	waitForFrames(t, transport, 1)
	go call(wire.ActionGetPrice)
	waitForFrames(t, transport, 2)

	frames := transport.sentFrames()
	first, second := frames[0], frames[1]

	// Reply to the second call before the first.
	resp2, _ := wire.NewResult(second.ID, map[string]string{"for": second.Action})
	reg.HandleFrame("u1", resp2)
	resp1, _ := wire.NewResult(first.ID, map[string]string{"for": first.Action})
	reg.HandleFrame("u1", resp1)

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		res := <-results
		if res.err != nil {
			t.Fatalf("unexpected error: %v", res.err)
		}
		var payload struct {
			For string `json:"for"`
		}
		if err := json.Unmarshal(res.data, &payload); err != nil {
			t.Fatalf("decoding payload: %v", err)
		}
		got[payload.For] = true
	}
	if !got[wire.ActionGetAccounts] || !got[wire.ActionGetPrice] {
		t.Errorf("each caller should receive its own result, got %v", got)
	}
}

func TestCallTimeoutAndLateResponse(t *testing.T) {
	reg := testRegistry()
	transport := &fakeTransport{}
	reg.Register(context.Background(), "u1", transport)

	_, err := reg.Call(context.Background(), "u1", wire.ActionGetPrice,
		map[string]string{"symbol": "TSLA"}, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// A late response for the timed-out id is dropped, not an error.
	frames := transport.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("expected 1 sent frame, got %d", len(frames))
	}
	late, _ := wire.NewResult(frames[0].ID, map[string]float64{"price": 242.5})
	reg.HandleFrame("u1", late) // must not panic or resolve anything

	if !reg.IsLive("u1") {
		t.Error("late response must not affect connection liveness")
	}
}

func TestRemoteError(t *testing.T) {
	reg := testRegistry()
	transport := &fakeTransport{}
	transport.onWrite = func(f *wire.Frame) {
		reg.HandleFrame("u1", wire.NewError(f.ID, "IB Gateway not connected"))
	}
	reg.Register(context.Background(), "u1", transport)

	_, err := reg.Call(context.Background(), "u1", wire.ActionGetPositions, struct{}{}, time.Second)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Description != "IB Gateway not connected" {
		t.Errorf("unexpected description %q", remote.Description)
	}
}

func TestRegisterSupersedes(t *testing.T) {
	reg := testRegistry()
	oldTransport := &fakeTransport{}
	reg.Register(context.Background(), "u1", oldTransport)

	errCh := make(chan error, 1)
	go func() {
		_, err := reg.Call(context.Background(), "u1", wire.ActionGetAccounts, struct{}{}, 5*time.Second)
		errCh <- err
	}()
	waitForFrames(t, oldTransport, 1)

	newTransport := &fakeTransport{}
	reg.Register(context.Background(), "u1", newTransport)

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("expected ErrConnectionLost, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call not resolved on supersession")
	}

	if !oldTransport.isClosed() {
		t.Error("superseded transport should be closed")
	}
	if newTransport.isClosed() {
		t.Error("new transport should stay open")
	}
	if !reg.IsLive("u1") {
		t.Error("identity should be live on the new connection")
	}

	// Calls now go to the new transport.
	transportBefore := len(newTransport.sentFrames())
	go reg.Call(context.Background(), "u1", wire.ActionGetPrice, struct{}{}, 100*time.Millisecond) //nolint:errcheck
	waitForFrames(t, newTransport, transportBefore+1)
}

func TestReleaseOfSupersededConnection(t *testing.T) {
	reg := testRegistry()
	oldConn := reg.Register(context.Background(), "u1", &fakeTransport{})
	reg.Register(context.Background(), "u1", &fakeTransport{})

	// The old transport's read loop releases its connection after the
	// supersession already happened; the new connection must survive.
	reg.Release(context.Background(), oldConn)

	if !reg.IsLive("u1") {
		t.Error("release of superseded connection must not evict the new one")
	}
}

func TestUnregisterResolvesInFlight(t *testing.T) {
	reg := testRegistry()
	transport := &fakeTransport{}
	reg.Register(context.Background(), "u1", transport)

	errCh := make(chan error, 1)
	go func() {
		_, err := reg.Call(context.Background(), "u1", wire.ActionGetPortfolio, struct{}{}, 5*time.Second)
		errCh <- err
	}()
	waitForFrames(t, transport, 1)

	reg.Unregister(context.Background(), "u1")

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrConnectionLost) {
			t.Fatalf("expected ErrConnectionLost, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight call not resolved on unregister")
	}

	if reg.IsLive("u1") {
		t.Error("identity should not be live after unregister")
	}
	if _, err := reg.Call(context.Background(), "u1", wire.ActionGetAccounts, struct{}{}, time.Second); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after unregister, got %v", err)
	}
}

func TestStatusSnapshot(t *testing.T) {
	reg := testRegistry()

	t.Run("unknown identity", func(t *testing.T) {
		s := reg.GetStatus("nobody")
		if s.Live || s.IBKRConnected || s.Account != nil {
			t.Errorf("expected zero status, got %+v", s)
		}
	})

	t.Run("reflects status frames while calls are in flight", func(t *testing.T) {
		transport := &fakeTransport{}
		reg.Register(context.Background(), "u1", transport)

		go reg.Call(context.Background(), "u1", wire.ActionGetAccounts, struct{}{}, time.Second) //nolint:errcheck
		waitForFrames(t, transport, 1)

		account := "U1234567"
		reg.HandleFrame("u1", wire.NewStatus(true, &account))

		done := make(chan Status, 1)
		go func() { done <- reg.GetStatus("u1") }()
		select {
		case s := <-done:
			if !s.Live || !s.IBKRConnected {
				t.Errorf("unexpected status %+v", s)
			}
			if s.Account == nil || *s.Account != "U1234567" {
				t.Errorf("expected account U1234567, got %v", s.Account)
			}
			if s.ConnectedAt == nil || s.LastHeartbeat == nil {
				t.Error("expected timestamps in status")
			}
		case <-time.After(time.Second):
			t.Fatal("GetStatus blocked")
		}
	})

	t.Run("heartbeat bumps liveness timestamp", func(t *testing.T) {
		transport := &fakeTransport{}
		reg.Register(context.Background(), "u2", transport)

		before := *reg.GetStatus("u2").LastHeartbeat
		time.Sleep(10 * time.Millisecond)
		reg.HandleFrame("u2", wire.NewHeartbeat())
		after := *reg.GetStatus("u2").LastHeartbeat

		if !after.After(before) {
			t.Error("heartbeat should advance last_heartbeat")
		}
	})

	t.Run("stale after heartbeat timeout", func(t *testing.T) {
		staleReg := testRegistry(WithStaleAfter(10 * time.Millisecond))
		staleReg.Register(context.Background(), "u3", &fakeTransport{})
		time.Sleep(30 * time.Millisecond)
		if !staleReg.GetStatus("u3").Stale {
			t.Error("expected stale status")
		}
	})
}

func TestScenarioPositionsRoundTrip(t *testing.T) {
	reg := testRegistry()
	transport := &fakeTransport{}

	payload := json.RawMessage(`{"positions":[{"account":"U123","symbol":"TSLA","position":200}]}`)
	transport.onWrite = func(f *wire.Frame) {
		if f.Action != wire.ActionGetPositions {
			return
		}
		reg.HandleFrame("u1", &wire.Frame{ID: f.ID, Type: wire.TypeResponse, Data: payload})
	}

	reg.Register(context.Background(), "u1", transport)
	account := "U123"
	reg.HandleFrame("u1", wire.NewStatus(true, &account))

	data, err := reg.Call(context.Background(), "u1", wire.ActionGetPositions,
		map[string]string{"account": "U123"}, 5*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != string(payload) {
		t.Errorf("expected exact payload back, got %s", data)
	}
}

func TestSendFailure(t *testing.T) {
	reg := testRegistry()
	transport := &fakeTransport{writeErr: errors.New("broken pipe")}
	reg.Register(context.Background(), "u1", transport)

	_, err := reg.Call(context.Background(), "u1", wire.ActionGetAccounts, struct{}{}, time.Second)
	if !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost on send failure, got %v", err)
	}
}

func TestContextCancellation(t *testing.T) {
	reg := testRegistry()
	reg.Register(context.Background(), "u1", &fakeTransport{})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := reg.Call(ctx, "u1", wire.ActionGetAccounts, struct{}{}, 10*time.Second)
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call did not observe cancellation")
	}
}

// countingTable verifies the storage seam is honored.
type countingTable struct {
	mapTable
	puts int
}

func (t *countingTable) Put(identity string, c *Connection) {
	t.puts++
	t.mapTable.Put(identity, c)
}

func TestInjectedConnTable(t *testing.T) {
	table := &countingTable{mapTable: mapTable{}}
	reg := testRegistry(WithTable(table))

	reg.Register(context.Background(), "u1", &fakeTransport{})
	if table.puts != 1 {
		t.Errorf("expected injected table to be used, puts=%d", table.puts)
	}
}

type recordedEvent struct {
	identity, event string
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (r *fakeRecorder) RecordConnectionEvent(_ context.Context, identity, event string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{identity, event})
	return nil
}

func TestLifecycleEventsRecorded(t *testing.T) {
	rec := &fakeRecorder{}
	reg := testRegistry(WithRecorder(rec))

	reg.Register(context.Background(), "u1", &fakeTransport{})
	reg.Register(context.Background(), "u1", &fakeTransport{})
	reg.Unregister(context.Background(), "u1")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []recordedEvent{
		{"u1", EventConnected},
		{"u1", EventSuperseded},
		{"u1", EventConnected},
		{"u1", EventDisconnected},
	}
	if len(rec.events) != len(want) {
		t.Fatalf("expected %d events, got %v", len(want), rec.events)
	}
	for i, ev := range want {
		if rec.events[i] != ev {
			t.Errorf("event %d: expected %v, got %v", i, ev, rec.events[i])
		}
	}
}

func TestUnknownIdentityFrameDropped(t *testing.T) {
	reg := testRegistry()
	// Must neither panic nor create state.
	reg.HandleFrame("ghost", wire.NewHeartbeat())
	if reg.IsLive("ghost") {
		t.Error("frame for unregistered identity must not create a connection")
	}
}

// waitForFrames polls until the transport has sent at least n frames.
func waitForFrames(t *testing.T, transport *fakeTransport, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(transport.sentFrames()) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames (have %d)", n, len(transport.sentFrames()))
}
