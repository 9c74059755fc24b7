package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"void-reckoning/dashboard/internal/bus"
	"void-reckoning/dashboard/internal/net/proto"
	"void-reckoning/dashboard/logging"
	"void-reckoning/dashboard/logging/network"
)

const testHealthInterval = time.Hour

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type scheduledCall struct {
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

type fakeTimer struct {
	s    *fakeScheduler
	call *scheduledCall
}

func (t *fakeTimer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.call.stopped || t.call.fired {
		return false
	}
	t.call.stopped = true
	return true
}

type fakeScheduler struct {
	mu    sync.Mutex
	calls []*scheduledCall
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := &scheduledCall{delay: d, fn: f}
	s.calls = append(s.calls, call)
	return &fakeTimer{s: s, call: call}
}

// pending returns the live calls whose delay matches the predicate.
func (s *fakeScheduler) pending(match func(time.Duration) bool) []*scheduledCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*scheduledCall
	for _, call := range s.calls {
		if !call.stopped && !call.fired && match(call.delay) {
			out = append(out, call)
		}
	}
	return out
}

func isReconnect(d time.Duration) bool { return d != testHealthInterval }
func isHealth(d time.Duration) bool    { return d == testHealthInterval }

func (s *fakeScheduler) fire(t *testing.T, match func(time.Duration) bool) time.Duration {
	t.Helper()
	calls := s.pending(match)
	if len(calls) != 1 {
		t.Fatalf("expected exactly 1 pending timer, got %d", len(calls))
	}
	s.mu.Lock()
	calls[0].fired = true
	s.mu.Unlock()
	calls[0].fn()
	return calls[0].delay
}

type readResult struct {
	data []byte
	err  error
}

type fakeTransport struct {
	reads   chan readResult
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	written [][]byte
	writes  chan []byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		reads:  make(chan readResult, 16),
		done:   make(chan struct{}),
		writes: make(chan []byte, 16),
	}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case r := <-f.reads:
		if r.err != nil {
			return 0, nil, r.err
		}
		return websocket.TextMessage, r.data, nil
	case <-f.done:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeTransport) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil
	}
	f.mu.Lock()
	f.written = append(f.written, append([]byte(nil), data...))
	f.mu.Unlock()
	select {
	case f.writes <- data:
	default:
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.done) })
	return nil
}

func (f *fakeTransport) writtenTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, 0, len(f.written))
	for _, raw := range f.written {
		var msg proto.OutboundMessage
		if err := json.Unmarshal(raw, &msg); err == nil {
			types = append(types, msg.Type)
		}
	}
	return types
}

type dialResult struct {
	transport Transport
	err       error
}

type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	dials   int
}

func (d *fakeDialer) Dial(context.Context, string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	next := d.results[0]
	d.results = d.results[1:]
	return next.transport, next.err
}

type countingRecorder struct {
	mu        sync.Mutex
	frames    int
	reconnect int
	snapshots int
	stale     int
}

func (r *countingRecorder) RecordFrame()           { r.mu.Lock(); r.frames++; r.mu.Unlock() }
func (r *countingRecorder) RecordReconnect()       { r.mu.Lock(); r.reconnect++; r.mu.Unlock() }
func (r *countingRecorder) RecordSnapshotRequest() { r.mu.Lock(); r.snapshots++; r.mu.Unlock() }
func (r *countingRecorder) RecordStaleHeartbeat()  { r.mu.Lock(); r.stale++; r.mu.Unlock() }

type harness struct {
	manager   *Manager
	scheduler *fakeScheduler
	dialer    *fakeDialer
	clock     *fakeClock
	recorder  *countingRecorder
	bus       *bus.Bus
	changes   chan StateChange
	eventsMu  sync.Mutex
	events    []logging.Event
}

func newHarness(t *testing.T, maxAttempts int, results ...dialResult) *harness {
	t.Helper()
	h := &harness{
		scheduler: &fakeScheduler{},
		dialer:    &fakeDialer{results: results},
		clock:     newFakeClock(),
		recorder:  &countingRecorder{},
		bus:       bus.New(),
		changes:   make(chan StateChange, 64),
	}
	pub := logging.PublisherFunc(func(_ context.Context, e logging.Event) {
		h.eventsMu.Lock()
		h.events = append(h.events, e)
		h.eventsMu.Unlock()
	})
	h.manager = NewManager(Config{
		URL:            "ws://feed.test/ws",
		BaseDelay:      time.Second,
		MaxAttempts:    maxAttempts,
		HealthInterval: testHealthInterval,
		SnapshotGap:    5 * time.Second,
	},
		WithDialer(h.dialer),
		WithScheduler(h.scheduler),
		WithClock(h.clock.Now),
		WithRecorder(h.recorder),
		WithPublisher(pub),
		WithBus(h.bus),
	)
	h.manager.Subscribe(func(change StateChange) { h.changes <- change })
	t.Cleanup(func() { h.manager.Close() })
	return h
}

func (h *harness) waitFor(t *testing.T, to State) StateChange {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case change := <-h.changes:
			if change.To == to {
				return change
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %s (current %s)", to, h.manager.State())
		}
	}
}

func (h *harness) drain() []StateChange {
	var out []StateChange
	for {
		select {
		case change := <-h.changes:
			out = append(out, change)
		default:
			return out
		}
	}
}

func (h *harness) eventTypes() []logging.EventType {
	h.eventsMu.Lock()
	defer h.eventsMu.Unlock()
	types := make([]logging.EventType, 0, len(h.events))
	for _, e := range h.events {
		types = append(types, e.Type)
	}
	return types
}

func TestDelayStrictlyIncreasing(t *testing.T) {
	if got := Delay(time.Second, 0); got != time.Second {
		t.Fatalf("expected base delay for n=0, got %s", got)
	}
	if got := Delay(time.Second, 2); got != 2250*time.Millisecond {
		t.Fatalf("expected 2.25s for n=2, got %s", got)
	}
	for n := 0; n < DefaultMaxAttempts*3; n++ {
		if Delay(time.Second, n+1) <= Delay(time.Second, n) {
			t.Fatalf("expected delay(%d) > delay(%d)", n+1, n)
		}
	}
}

func TestDelaySaturatesInsteadOfOverflowing(t *testing.T) {
	last := 0
	for n := 0; n < 200; n++ {
		if Delay(time.Second, n) == MaxDelay {
			last = n
			break
		}
		if Delay(time.Second, n+1) <= Delay(time.Second, n) {
			t.Fatalf("expected delay(%d) > delay(%d) below saturation", n+1, n)
		}
	}
	if last == 0 {
		t.Fatalf("expected delay to saturate")
	}
	for n := last; n < last+20; n++ {
		if got := Delay(time.Second, n); got != MaxDelay {
			t.Fatalf("expected saturated delay for n=%d, got %s", n, got)
		}
	}
	if got := Delay(time.Second, 57); got <= 0 {
		t.Fatalf("expected positive delay for n=57, got %s", got)
	}
}

func TestConnectReachesConnected(t *testing.T) {
	transport := newFakeTransport()
	h := newHarness(t, 3, dialResult{transport: transport})

	if err := h.manager.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	changes := h.drain()
	if len(changes) != 2 || changes[0].To != Connecting || changes[1].To != Connected {
		t.Fatalf("expected Connecting then Connected, got %+v", changes)
	}
	if err := h.manager.Connect(context.Background()); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected connect while connected to be rejected, got %v", err)
	}
	if h.dialer.dials != 1 {
		t.Fatalf("expected a single dial, got %d", h.dialer.dials)
	}
}

func TestCloseThenReconnectResetsAttempts(t *testing.T) {
	first, second := newFakeTransport(), newFakeTransport()
	h := newHarness(t, 3, dialResult{transport: first}, dialResult{transport: second})
	if err := h.manager.Connect(context.Background()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	h.waitFor(t, Connected)

	first.reads <- readResult{err: &websocket.CloseError{Code: websocket.CloseGoingAway}}
	reconnecting := h.waitFor(t, Reconnecting)
	if reconnecting.From != Connected {
		t.Fatalf("expected Connected -> Reconnecting, got %s -> %s", reconnecting.From, reconnecting.To)
	}
	if h.manager.Attempts() != 1 {
		t.Fatalf("expected 1 attempt recorded, got %d", h.manager.Attempts())
	}

	if delay := h.scheduler.fire(t, isReconnect); delay != time.Second {
		t.Fatalf("expected base delay, got %s", delay)
	}
	changes := h.drain()
	if len(changes) != 2 || changes[0].To != Connecting || changes[1].To != Connected {
		t.Fatalf("expected Connecting then Connected, got %+v", changes)
	}
	if h.manager.State() != Connected || h.manager.Attempts() != 0 {
		t.Fatalf("expected Connected with 0 attempts, got %s/%d", h.manager.State(), h.manager.Attempts())
	}
}

func TestTransportErrorPassesThroughError(t *testing.T) {
	first := newFakeTransport()
	h := newHarness(t, 3, dialResult{transport: first})
	_ = h.manager.Connect(context.Background())
	h.waitFor(t, Connected)

	first.reads <- readResult{err: errors.New("connection reset by peer")}
	errored := h.waitFor(t, Error)
	if errored.From != Connected {
		t.Fatalf("expected Connected -> Error, got %s", errored.From)
	}
	next := h.waitFor(t, Reconnecting)
	if next.From != Error {
		t.Fatalf("expected Error -> Reconnecting, got %s", next.From)
	}
}

func TestExhaustedAttemptsGoOffline(t *testing.T) {
	first := newFakeTransport()
	h := newHarness(t, 3, dialResult{transport: first})
	_ = h.manager.Connect(context.Background())
	h.waitFor(t, Connected)

	first.reads <- readResult{err: &websocket.CloseError{Code: websocket.CloseAbnormalClosure}}
	h.waitFor(t, Reconnecting)

	var delays []time.Duration
	for i := 0; i < 3; i++ {
		delays = append(delays, h.scheduler.fire(t, isReconnect))
	}
	for i := 1; i < len(delays); i++ {
		if delays[i] <= delays[i-1] {
			t.Fatalf("expected strictly increasing delays, got %v", delays)
		}
	}
	if h.manager.State() != Disconnected {
		t.Fatalf("expected terminal Disconnected, got %s", h.manager.State())
	}
	if pending := h.scheduler.pending(isReconnect); len(pending) != 0 {
		t.Fatalf("expected no further reconnect scheduled, got %d", len(pending))
	}
	found := false
	for _, typ := range h.eventTypes() {
		if typ == network.EventOffline {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected offline event, got %v", h.eventTypes())
	}

	second := newFakeTransport()
	h.dialer.mu.Lock()
	h.dialer.results = []dialResult{{transport: second}}
	h.dialer.mu.Unlock()
	if err := h.manager.Connect(context.Background()); err != nil {
		t.Fatalf("expected explicit connect to resume, got %v", err)
	}
	if h.manager.State() != Connected {
		t.Fatalf("expected Connected after explicit connect, got %s", h.manager.State())
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, 5, dialResult{err: errors.New("connection refused")})
	if err := h.manager.Connect(context.Background()); err == nil {
		t.Fatalf("expected dial failure to be reported")
	}
	if h.manager.State() != Reconnecting {
		t.Fatalf("expected Reconnecting after failed dial, got %s", h.manager.State())
	}
	pending := h.scheduler.pending(isReconnect)
	if len(pending) != 1 {
		t.Fatalf("expected a pending reconnect, got %d", len(pending))
	}

	h.manager.Disconnect()
	if h.manager.State() != Disconnected {
		t.Fatalf("expected Disconnected, got %s", h.manager.State())
	}
	if !pending[0].stopped {
		t.Fatalf("expected pending reconnect timer to be stopped")
	}

	pending[0].fn()
	if h.manager.State() != Disconnected || h.dialer.dials != 1 {
		t.Fatalf("expected stale timer to be ignored, state=%s dials=%d", h.manager.State(), h.dialer.dials)
	}
}

func TestExplicitConnectWhileReconnecting(t *testing.T) {
	transport := newFakeTransport()
	h := newHarness(t, 5, dialResult{err: errors.New("refused")}, dialResult{transport: transport})
	_ = h.manager.Connect(context.Background())
	pending := h.scheduler.pending(isReconnect)

	if err := h.manager.Connect(context.Background()); err != nil {
		t.Fatalf("expected connect from Reconnecting, got %v", err)
	}
	if !pending[0].stopped {
		t.Fatalf("expected the scheduled reconnect to be cancelled")
	}
	if h.manager.State() != Connected {
		t.Fatalf("expected Connected, got %s", h.manager.State())
	}
}

func TestDisconnectClosesTransport(t *testing.T) {
	transport := newFakeTransport()
	h := newHarness(t, 3, dialResult{transport: transport})
	_ = h.manager.Connect(context.Background())
	h.manager.Disconnect()

	select {
	case <-transport.done:
	default:
		t.Fatalf("expected transport to be closed")
	}
	if h.manager.State() != Disconnected {
		t.Fatalf("expected Disconnected, got %s", h.manager.State())
	}
	if err := h.manager.Send([]byte(`{}`)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if len(h.scheduler.pending(func(time.Duration) bool { return true })) != 0 {
		t.Fatalf("expected all timers cancelled")
	}
}

func TestPingOnBusIsAnsweredWithPong(t *testing.T) {
	transport := newFakeTransport()
	h := newHarness(t, 3, dialResult{transport: transport})
	h.manager.Attach(h.bus)
	_ = h.manager.Connect(context.Background())

	h.bus.Publish(context.Background(), bus.TopicPing, nil)

	types := transport.writtenTypes()
	if len(types) != 1 || types[0] != proto.TypePong {
		t.Fatalf("expected a pong, got %v", types)
	}
	var pong proto.OutboundMessage
	_ = json.Unmarshal(transport.written[0], &pong)
	if pong.Timestamp != proto.EpochSeconds(h.clock.Now()) {
		t.Fatalf("expected client timestamp %v, got %v", proto.EpochSeconds(h.clock.Now()), pong.Timestamp)
	}
}

func TestFramesReachHandlerAndUpdateLastSeen(t *testing.T) {
	transport := newFakeTransport()
	received := make(chan []byte, 1)
	h := newHarness(t, 3, dialResult{transport: transport})
	h.manager.handler = func(_ context.Context, raw []byte) { received <- raw }
	_ = h.manager.Connect(context.Background())

	h.clock.Advance(10 * time.Second)
	transport.reads <- readResult{data: []byte(`{"type":"ping"}`)}
	select {
	case raw := <-received:
		if string(raw) != `{"type":"ping"}` {
			t.Fatalf("unexpected frame %s", raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}
	if status := h.manager.Status(); !status.LastSeen.Equal(h.clock.Now()) {
		t.Fatalf("expected last seen to track the frame, got %v", status.LastSeen)
	}
}

func TestSnapshotRequestedAfterLongOutage(t *testing.T) {
	first, second, third := newFakeTransport(), newFakeTransport(), newFakeTransport()
	h := newHarness(t, 5, dialResult{transport: first}, dialResult{transport: second}, dialResult{transport: third})
	var required []SnapshotRequired
	bus.Subscribe(h.bus, bus.TopicSnapshotRequired, func(_ context.Context, s SnapshotRequired) {
		required = append(required, s)
	})
	_ = h.manager.Connect(context.Background())
	h.waitFor(t, Connected)

	first.reads <- readResult{err: &websocket.CloseError{Code: websocket.CloseGoingAway}}
	h.waitFor(t, Reconnecting)
	h.clock.Advance(2 * time.Second)
	h.scheduler.fire(t, isReconnect)
	h.waitFor(t, Connected)
	if len(required) != 0 || len(second.writtenTypes()) != 0 {
		t.Fatalf("expected no snapshot request after a short outage")
	}

	second.reads <- readResult{err: &websocket.CloseError{Code: websocket.CloseGoingAway}}
	h.waitFor(t, Reconnecting)
	h.clock.Advance(6 * time.Second)
	h.scheduler.fire(t, isReconnect)
	h.waitFor(t, Connected)

	if len(required) != 1 || required[0].Gap != 6*time.Second {
		t.Fatalf("expected one snapshot signal with a 6s gap, got %+v", required)
	}
	if types := third.writtenTypes(); len(types) != 1 || types[0] != proto.TypeRequestSnapshot {
		t.Fatalf("expected request_snapshot to be sent, got %v", types)
	}
	if h.recorder.snapshots != 1 {
		t.Fatalf("expected 1 snapshot request counted, got %d", h.recorder.snapshots)
	}
}

func TestStaleHealthCheckDoesNotReconnect(t *testing.T) {
	transport := newFakeTransport()
	h := newHarness(t, 3, dialResult{transport: transport})
	_ = h.manager.Connect(context.Background())
	h.drain()

	h.clock.Advance(testHealthInterval + time.Second)
	if h.manager.Healthy() {
		t.Fatalf("expected manager to report unhealthy")
	}
	h.scheduler.fire(t, isHealth)

	if h.manager.State() != Connected {
		t.Fatalf("expected to stay Connected, got %s", h.manager.State())
	}
	if changes := h.drain(); len(changes) != 0 {
		t.Fatalf("expected no transitions, got %+v", changes)
	}
	if h.recorder.stale != 1 {
		t.Fatalf("expected 1 stale heartbeat counted, got %d", h.recorder.stale)
	}
	if len(h.scheduler.pending(isHealth)) != 1 {
		t.Fatalf("expected the health check to be rescheduled")
	}
}

func TestLegalEdges(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{Disconnected, Connecting, true},
		{Disconnected, Connected, false},
		{Connecting, Connected, true},
		{Connecting, Reconnecting, false},
		{Connected, Reconnecting, true},
		{Connected, Connecting, false},
		{Reconnecting, Connecting, true},
		{Reconnecting, Connected, false},
		{Error, Reconnecting, true},
		{Error, Connected, false},
	}
	for _, tc := range cases {
		if got := legal(tc.from, tc.to); got != tc.want {
			t.Fatalf("legal(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
