package ws

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"void-reckoning/dashboard/internal/bus"
	"void-reckoning/dashboard/internal/net/proto"
	"void-reckoning/dashboard/internal/telemetry"
	"void-reckoning/dashboard/logging"
	"void-reckoning/dashboard/logging/lifecycle"
	"void-reckoning/dashboard/logging/network"
)

const (
	DefaultBaseDelay      = time.Second
	DefaultMaxAttempts    = 10
	DefaultHealthInterval = 30 * time.Second
	DefaultSnapshotGap    = 5 * time.Second
)

type Config struct {
	URL            string
	BaseDelay      time.Duration
	MaxAttempts    int
	HealthInterval time.Duration
	SnapshotGap    time.Duration
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.SnapshotGap <= 0 {
		c.SnapshotGap = DefaultSnapshotGap
	}
	return c
}

// FrameHandler receives every inbound frame in arrival order.
type FrameHandler func(ctx context.Context, raw []byte)

// Recorder captures the counters the manager maintains.
type Recorder interface {
	RecordFrame()
	RecordReconnect()
	RecordSnapshotRequest()
	RecordStaleHeartbeat()
}

type nopRecorder struct{}

func (nopRecorder) RecordFrame()           {}
func (nopRecorder) RecordReconnect()       {}
func (nopRecorder) RecordSnapshotRequest() {}
func (nopRecorder) RecordStaleHeartbeat()  {}

// SnapshotRequired is published on bus.TopicSnapshotRequired when a
// reconnect follows an outage longer than the snapshot gap.
type SnapshotRequired struct {
	Gap time.Duration
	At  time.Time
}

type Option func(*Manager)

func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

func WithScheduler(s Scheduler) Option {
	return func(m *Manager) { m.scheduler = s }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithPublisher(pub logging.Publisher) Option {
	return func(m *Manager) { m.publisher = pub }
}

func WithLogger(logger telemetry.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

func WithBus(b *bus.Bus) Option {
	return func(m *Manager) { m.bus = b }
}

func WithFrameHandler(h FrameHandler) Option {
	return func(m *Manager) { m.handler = h }
}

// Manager owns one websocket session: dialing, the read loop, reconnect
// backoff, heartbeat replies and health checks.
//
// Every goroutine and timer the manager starts captures the generation that
// was current when it started. Disconnect and explicit Connect bump the
// generation, which turns any stale read loop or timer callback into a no-op.
type Manager struct {
	cfg       Config
	dialer    Dialer
	scheduler Scheduler
	now       func() time.Time
	publisher logging.Publisher
	logger    telemetry.Logger
	recorder  Recorder
	bus       *bus.Bus
	handler   FrameHandler
	tracer    trace.Tracer
	actor     logging.EntityRef

	ctx    context.Context
	cancel context.CancelFunc

	mu                 sync.Mutex
	state              State
	attempts           int
	generation         uint64
	transport          Transport
	reconnectTimer     Timer
	healthTimer        Timer
	lastSeen           time.Time
	connectedAt        time.Time
	lastDisconnectedAt time.Time
	closed             bool
	pending            []StateChange

	notifyMu sync.Mutex
	writeMu  sync.Mutex

	subMu       sync.RWMutex
	nextSubID   uint64
	subscribers map[uint64]func(StateChange)
}

func NewManager(cfg Config, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:         cfg.withDefaults(),
		dialer:      NewGorillaDialer(0),
		scheduler:   SystemScheduler(),
		now:         time.Now,
		publisher:   logging.NopPublisher(),
		logger:      telemetry.NopLogger(),
		recorder:    nopRecorder{},
		ctx:         ctx,
		cancel:      cancel,
		subscribers: make(map[uint64]func(StateChange)),
		tracer:      otel.Tracer("void-reckoning/dashboard/ws"),
		actor:       logging.EntityRef{ID: cfg.URL, Kind: logging.EntityKindConnection},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Subscribe registers fn for every subsequent transition. Delivery happens
// synchronously and in order; fn must not call Connect or Disconnect.
func (m *Manager) Subscribe(fn func(StateChange)) func() {
	if fn == nil {
		return func() {}
	}
	m.subMu.Lock()
	m.nextSubID++
	id := m.nextSubID
	m.subscribers[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subscribers, id)
		m.subMu.Unlock()
	}
}

// Connect dials the feed. It is accepted from Disconnected, Error and
// Reconnecting; the latter cancels the pending reconnect timer. An explicit
// Connect starts a fresh attempt budget.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if !legal(m.state, Connecting) {
		from := m.state
		m.mu.Unlock()
		network.TransitionRejected(ctx, m.publisher, m.actor, network.StatePayload{From: from.String(), To: Connecting.String(), Reason: "connect"}, nil)
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, Connecting)
	}
	m.stopTimersLocked()
	m.generation++
	gen := m.generation
	m.attempts = 0
	m.transitionLocked(Connecting, "connect")
	m.unlockAndNotify(ctx)
	return m.dial(ctx, gen)
}

func (m *Manager) dial(ctx context.Context, gen uint64) error {
	ctx, span := m.tracer.Start(ctx, "ws.dial", trace.WithAttributes(
		attribute.String("ws.url", m.cfg.URL),
		attribute.Int("ws.attempt", m.Attempts()),
	))
	defer span.End()

	conn, err := m.dialer.Dial(ctx, m.cfg.URL)

	m.mu.Lock()
	if gen != m.generation || m.closed {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dial failed")
		m.transitionLocked(Error, err.Error())
		m.scheduleReconnectLocked(gen)
		m.unlockAndNotify(ctx)
		m.logger.Printf("dial %s failed: %v", m.cfg.URL, err)
		return fmt.Errorf("dial %s: %w", m.cfg.URL, err)
	}

	now := m.now()
	m.transport = conn
	m.attempts = 0
	m.lastSeen = now
	m.connectedAt = now
	gap := time.Duration(0)
	if !m.lastDisconnectedAt.IsZero() {
		gap = now.Sub(m.lastDisconnectedAt)
	}
	m.transitionLocked(Connected, "transport open")
	m.scheduleHealthLocked(gen)
	m.unlockAndNotify(ctx)

	if gap > m.cfg.SnapshotGap {
		m.requestSnapshot(ctx, gap)
	}
	go m.readLoop(gen, conn)
	return nil
}

func (m *Manager) readLoop(gen uint64, conn Transport) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			m.handleTransportFailure(gen, conn, err)
			return
		}
		m.mu.Lock()
		if gen != m.generation {
			m.mu.Unlock()
			return
		}
		m.lastSeen = m.now()
		m.mu.Unlock()

		m.recorder.RecordFrame()
		if m.handler != nil {
			m.handler(m.ctx, payload)
		}
	}
}

func (m *Manager) handleTransportFailure(gen uint64, conn Transport, err error) {
	m.mu.Lock()
	if gen != m.generation || m.closed {
		m.mu.Unlock()
		return
	}
	m.transport = nil
	if m.healthTimer != nil {
		m.healthTimer.Stop()
		m.healthTimer = nil
	}
	m.lastDisconnectedAt = m.now()

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		reason := fmt.Sprintf("transport closed (%d)", closeErr.Code)
		if m.attempts >= m.cfg.MaxAttempts {
			m.goOfflineLocked(reason)
		} else {
			m.scheduleFromLocked(gen, reason)
		}
	} else {
		m.transitionLocked(Error, err.Error())
		m.scheduleReconnectLocked(gen)
	}
	m.unlockAndNotify(m.ctx)
	conn.Close()
}

// scheduleReconnectLocked leaves Error for Reconnecting, or for the terminal
// Disconnected state once the attempt budget is spent.
func (m *Manager) scheduleReconnectLocked(gen uint64) {
	if m.attempts >= m.cfg.MaxAttempts {
		m.goOfflineLocked("max attempts reached")
		return
	}
	m.scheduleFromLocked(gen, "retry")
}

func (m *Manager) scheduleFromLocked(gen uint64, reason string) {
	delay := Delay(m.cfg.BaseDelay, m.attempts)
	m.attempts++
	if !m.transitionLocked(Reconnecting, reason) {
		return
	}
	attempt := m.attempts
	m.reconnectTimer = m.scheduler.AfterFunc(delay, func() { m.fireReconnect(gen) })
	m.recorder.RecordReconnect()
	network.ReconnectScheduled(m.ctx, m.publisher, m.actor, network.ReconnectPayload{Attempt: attempt, Delay: delay}, nil)
}

func (m *Manager) goOfflineLocked(reason string) {
	attempts := m.attempts
	if !m.transitionLocked(Disconnected, reason) {
		return
	}
	network.Offline(m.ctx, m.publisher, m.actor, network.OfflinePayload{Attempts: attempts}, nil)
	m.logger.Printf("feed %s offline after %d attempts", m.cfg.URL, attempts)
}

func (m *Manager) fireReconnect(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.closed || m.state != Reconnecting {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.transitionLocked(Connecting, "reconnect timer")
	m.unlockAndNotify(m.ctx)
	_ = m.dial(m.ctx, gen)
}

func (m *Manager) scheduleHealthLocked(gen uint64) {
	m.healthTimer = m.scheduler.AfterFunc(m.cfg.HealthInterval, func() { m.checkHealth(gen) })
}

// checkHealth reports a stale feed but never forces a reconnect; only the
// transport itself decides that the connection is gone.
func (m *Manager) checkHealth(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.state != Connected {
		m.mu.Unlock()
		return
	}
	lastSeen := m.lastSeen
	stale := m.now().Sub(lastSeen) > m.cfg.HealthInterval
	m.scheduleHealthLocked(gen)
	m.mu.Unlock()

	if stale {
		m.recorder.RecordStaleHeartbeat()
		network.HeartbeatStale(m.ctx, m.publisher, m.actor, network.HeartbeatPayload{LastSeen: lastSeen, Interval: m.cfg.HealthInterval}, nil)
	}
}

// Healthy reports whether a frame arrived within the health interval.
func (m *Manager) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Connected && m.now().Sub(m.lastSeen) <= m.cfg.HealthInterval
}

func (m *Manager) requestSnapshot(ctx context.Context, gap time.Duration) {
	m.recorder.RecordSnapshotRequest()
	lifecycle.SnapshotRequested(ctx, m.publisher, m.actor, lifecycle.SnapshotPayload{Gap: gap})
	if payload, err := proto.EncodeSnapshotRequest(m.now()); err == nil {
		if err := m.Send(payload); err != nil {
			m.logger.Printf("request_snapshot not sent: %v", err)
		}
	}
	if m.bus != nil {
		m.bus.Publish(ctx, bus.TopicSnapshotRequired, SnapshotRequired{Gap: gap, At: m.now()})
	}
}

// Pong answers a server ping with the client clock.
func (m *Manager) Pong(ctx context.Context) error {
	payload, err := proto.EncodePong(m.now())
	if err != nil {
		return err
	}
	return m.Send(payload)
}

// Send writes a text frame on the live connection.
func (m *Manager) Send(message []byte) error {
	m.mu.Lock()
	conn := m.transport
	state := m.state
	m.mu.Unlock()
	if conn == nil || state != Connected {
		return ErrNotConnected
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Disconnect closes the transport, cancels pending timers and leaves the
// manager Disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.generation++
	m.stopTimersLocked()
	conn := m.transport
	m.transport = nil
	if m.state != Disconnected {
		m.lastDisconnectedAt = m.now()
		m.transitionLocked(Disconnected, "disconnect")
	}
	m.unlockAndNotify(m.ctx)

	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		m.writeMu.Unlock()
		conn.Close()
	}
}

// Close tears the manager down. It cannot be reconnected afterwards.
func (m *Manager) Close() error {
	m.Disconnect()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancel()
	return nil
}

// Attach answers pings dispatched on the bus.
func (m *Manager) Attach(b *bus.Bus) func() {
	return b.Subscribe(bus.TopicPing, func(ctx context.Context, _ any) {
		if err := m.Pong(ctx); err != nil {
			m.logger.Printf("pong not sent: %v", err)
		}
	})
}

type Status struct {
	URL                string    `json:"url"`
	State              State     `json:"state"`
	Attempts           int       `json:"attempts"`
	MaxAttempts        int       `json:"maxAttempts"`
	Healthy            bool      `json:"healthy"`
	LastSeen           time.Time `json:"lastSeen"`
	ConnectedAt        time.Time `json:"connectedAt"`
	LastDisconnectedAt time.Time `json:"lastDisconnectedAt"`
}

func (m *Manager) Status() Status {
	healthy := m.Healthy()
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		URL:                m.cfg.URL,
		State:              m.state,
		Attempts:           m.attempts,
		MaxAttempts:        m.cfg.MaxAttempts,
		Healthy:            healthy,
		LastSeen:           m.lastSeen,
		ConnectedAt:        m.connectedAt,
		LastDisconnectedAt: m.lastDisconnectedAt,
	}
}

func (m *Manager) stopTimersLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if m.healthTimer != nil {
		m.healthTimer.Stop()
		m.healthTimer = nil
	}
}

// transitionLocked moves to the target state if the edge is legal and queues
// the change for delivery by unlockAndNotify.
func (m *Manager) transitionLocked(to State, reason string) bool {
	from := m.state
	if !legal(from, to) {
		network.TransitionRejected(m.ctx, m.publisher, m.actor, network.StatePayload{From: from.String(), To: to.String(), Reason: reason}, nil)
		return false
	}
	m.state = to
	m.pending = append(m.pending, StateChange{From: from, To: to, Attempts: m.attempts, Reason: reason, At: m.now()})
	return true
}

// unlockAndNotify releases m.mu and delivers queued transitions. notifyMu is
// taken before m.mu is released so deliveries keep transition order.
func (m *Manager) unlockAndNotify(ctx context.Context) {
	changes := m.pending
	m.pending = nil
	m.notifyMu.Lock()
	m.mu.Unlock()
	defer m.notifyMu.Unlock()

	if len(changes) == 0 {
		return
	}
	m.subMu.RLock()
	subs := make([]func(StateChange), 0, len(m.subscribers))
	ids := make([]uint64, 0, len(m.subscribers))
	for id := range m.subscribers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		subs = append(subs, m.subscribers[id])
	}
	m.subMu.RUnlock()

	for _, change := range changes {
		for _, fn := range subs {
			fn(change)
		}
		if m.bus != nil {
			m.bus.Publish(ctx, bus.TopicConnectionState, change)
		}
		network.StateChanged(ctx, m.publisher, m.actor, network.StatePayload{From: change.From.String(), To: change.To.String(), Reason: change.Reason}, map[string]any{"attempts": change.Attempts})
	}
}
