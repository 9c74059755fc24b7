// Package app wires one dashboard session: logging, the bus, the stores, the
// dispatcher, the connection manager and the diagnostics server.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"void-reckoning/dashboard/internal/alerts"
	"void-reckoning/dashboard/internal/bus"
	"void-reckoning/dashboard/internal/config"
	"void-reckoning/dashboard/internal/journal"
	servernet "void-reckoning/dashboard/internal/net"
	"void-reckoning/dashboard/internal/net/intake"
	"void-reckoning/dashboard/internal/net/proto"
	"void-reckoning/dashboard/internal/net/rest"
	"void-reckoning/dashboard/internal/net/ws"
	"void-reckoning/dashboard/internal/status"
	"void-reckoning/dashboard/internal/telemetry"
	"void-reckoning/dashboard/internal/world"
	"void-reckoning/dashboard/logging"
	alertlog "void-reckoning/dashboard/logging/alerts"
	"void-reckoning/dashboard/logging/lifecycle"
	loggingSinks "void-reckoning/dashboard/logging/sinks"
)

type Config struct {
	Settings *config.Config
	Logger   *log.Logger
	// Stdout receives console log output and exported spans.
	Stdout io.Writer
	// Dialer overrides the websocket dialer.
	Dialer ws.Dialer
}

// App is one dashboard session. Every store is scoped to it.
type App struct {
	settings  config.Config
	sessionID string
	logger    telemetry.Logger
	stdlog    *log.Logger

	router    *logging.Router
	publisher logging.Publisher
	memory    *loggingSinks.MemorySink
	closers   []io.Closer

	bus        *bus.Bus
	counters   *telemetry.Counters
	journal    *journal.Journal
	ledger     *alerts.Ledger
	projector  *world.Projector
	board      *status.Board
	dispatcher *intake.Dispatcher
	manager    *ws.Manager
	rest       *rest.Client
	handler    http.Handler

	shutdownTracer func(context.Context) error
	unsubscribe    []func()

	ctx    context.Context
	cancel context.CancelFunc

	reconcileMu sync.Mutex
	wg          sync.WaitGroup
}

func New(cfg Config) (*App, error) {
	if cfg.Settings == nil {
		defaults := config.Default()
		cfg.Settings = &defaults
	}
	stdout := cfg.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stdlog := cfg.Logger
	if stdlog == nil {
		stdlog = log.Default()
	}
	settings := *cfg.Settings

	a := &App{
		settings:  settings,
		sessionID: uuid.NewString(),
		logger:    telemetry.WrapLogger(stdlog),
		stdlog:    stdlog,
		bus:       bus.New(),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	if err := a.initLogging(stdout); err != nil {
		return nil, err
	}
	a.counters = telemetry.NewCounters(a.router.Metrics())

	if settings.Tracing.Enabled {
		shutdown, err := telemetry.InitTracer(settings.Tracing.ServiceName, stdout, a.logger)
		if err != nil {
			a.closeLogging(context.Background())
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		a.shutdownTracer = shutdown
	}

	client, err := rest.NewClient(rest.Config{
		BaseURL: settings.REST.BaseURL,
		Timeout: settings.REST.Timeout,
		Tracing: settings.Tracing.Enabled,
	})
	if err != nil {
		a.closeLogging(context.Background())
		return nil, err
	}
	a.rest = client

	a.journal = journal.New(settings.Buffer.Capacity)
	a.journal.AttachTelemetry(a.counters)
	a.journal.AttachPublisher(a.publisher)
	a.ledger = alerts.New(settings.Alerts.Capacity,
		alerts.WithAcknowledger(client),
		alerts.WithSource(client),
		alerts.WithPublisher(a.publisher),
		alerts.WithAckRetries(uint(settings.Alerts.AckRetries)),
	)
	a.projector = world.NewProjector()
	a.board = status.NewBoard(time.Now)

	a.dispatcher = intake.NewDispatcher(a.bus,
		intake.WithPublisher(a.publisher),
		intake.WithRecorder(a.counters),
	)

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = ws.NewGorillaDialer(settings.Feed.HandshakeTimeout)
	}
	a.manager = ws.NewManager(ws.Config{
		URL:            settings.Feed.URL,
		BaseDelay:      settings.Feed.BaseDelay,
		MaxAttempts:    settings.Feed.MaxAttempts,
		HealthInterval: settings.Feed.HealthInterval,
		SnapshotGap:    settings.Feed.SnapshotGap,
	},
		ws.WithDialer(dialer),
		ws.WithPublisher(a.publisher),
		ws.WithLogger(a.logger),
		ws.WithRecorder(a.counters),
		ws.WithBus(a.bus),
		ws.WithFrameHandler(a.dispatcher.Handle),
	)

	a.unsubscribe = append(a.unsubscribe,
		a.journal.Attach(a.bus),
		a.ledger.Attach(a.bus),
		a.projector.Attach(a.bus),
		a.board.Attach(a.bus),
		a.manager.Attach(a.bus),
		bus.Subscribe(a.bus, bus.TopicSnapshotRequired, func(ctx context.Context, _ ws.SnapshotRequired) {
			a.reconcileAsync()
		}),
	)

	a.handler = servernet.NewHTTPHandler(servernet.HTTPHandlerConfig{
		SessionID:  a.sessionID,
		Connection: a.manager,
		Counters:   a.counters,
		Bus:        a.bus,
		Router:     a.router,
		Journal:    a.journal,
		Alerts:     a.ledger,
		World:      a.projector,
		Board:      a.board,
		Logger:     stdlog,
		Tracing:    settings.Tracing.Enabled,
	})
	return a, nil
}

func (a *App) initLogging(stdout io.Writer) error {
	logCfg := logging.DefaultConfig()
	logCfg.EnabledSinks = a.settings.Logging.Sinks
	logCfg.MinimumSeverity = logging.ParseSeverity(a.settings.Logging.MinSeverity)
	logCfg.Console.Prefix = a.settings.Logging.Prefix
	logCfg.JSON.FilePath = a.settings.Logging.JSONPath
	logCfg.Fields = map[string]any{"feed": a.settings.Feed.URL}

	sinks := make(map[string]logging.Sink)
	if logCfg.HasSink("console") {
		sinks["console"] = loggingSinks.NewConsoleSink(stdout, logCfg.Console)
	}
	if logCfg.HasSink("json") {
		w := stdout
		if logCfg.JSON.FilePath != "" {
			f, err := os.OpenFile(logCfg.JSON.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("open json log %s: %w", logCfg.JSON.FilePath, err)
			}
			a.closers = append(a.closers, f)
			w = f
		}
		sinks["json"] = loggingSinks.NewJSON(w, logCfg.JSON.FlushInterval)
	}
	if logCfg.HasSink("memory") {
		a.memory = loggingSinks.NewBoundedMemorySink(a.settings.Logging.MemoryLimit)
		sinks["memory"] = a.memory
	}

	router, err := logging.NewRouter(logCfg, logging.SystemClock{}, a.stdlog, sinks)
	if err != nil {
		for _, c := range a.closers {
			c.Close()
		}
		return fmt.Errorf("failed to construct logging router: %w", err)
	}
	a.router = router

	base := logging.WithSession(router, a.sessionID)
	a.publisher = logging.PublisherFunc(func(ctx context.Context, event logging.Event) {
		if event.Type == alertlog.EventAckFailed {
			a.counters.RecordAckFailure()
		}
		base.Publish(ctx, event)
	})
	return nil
}

func (a *App) SessionID() string { return a.sessionID }

func (a *App) Handler() http.Handler { return a.handler }

func (a *App) Manager() *ws.Manager { return a.manager }

func (a *App) Journal() *journal.Journal { return a.journal }

func (a *App) Ledger() *alerts.Ledger { return a.ledger }

func (a *App) Projector() *world.Projector { return a.projector }

func (a *App) Board() *status.Board { return a.board }

func (a *App) Bus() *bus.Bus { return a.bus }

// Memory returns the in-memory log sink, or nil when it is not enabled.
func (a *App) Memory() *loggingSinks.MemorySink { return a.memory }

// Run connects the feed, hydrates the stores over REST and serves
// diagnostics until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	actor := logging.EntityRef{ID: a.sessionID, Kind: logging.EntityKindSession}
	lifecycle.SessionStarted(ctx, a.publisher, actor, lifecycle.SessionPayload{URL: a.settings.Feed.URL})

	srv := &http.Server{Addr: a.settings.Diagnostics.Addr, Handler: a.handler}
	serveErr := make(chan error, 1)
	if a.settings.Diagnostics.Addr != "" {
		ln, err := net.Listen("tcp", a.settings.Diagnostics.Addr)
		if err != nil {
			return fmt.Errorf("listen diagnostics: %w", err)
		}
		a.logger.Printf("diagnostics listening on %s", ln.Addr())
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	// A failed first dial is already scheduled for retry.
	if err := a.manager.Connect(ctx); err != nil {
		a.logger.Printf("initial connect: %v", err)
	}
	a.reconcileAsync()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("diagnostics server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Printf("diagnostics shutdown: %v", err)
	}
	lifecycle.SessionStopped(shutdownCtx, a.publisher, actor, lifecycle.SessionPayload{URL: a.settings.Feed.URL})
	if err := a.Close(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (a *App) reconcileAsync() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		timeout := a.settings.REST.Timeout
		if timeout <= 0 {
			timeout = rest.DefaultTimeout
		}
		ctx, cancel := context.WithTimeout(a.ctx, 4*timeout)
		defer cancel()
		if err := a.Reconcile(ctx); err != nil {
			a.logger.Printf("snapshot reconciliation: %v", err)
		}
	}()
}

// Reconcile rebuilds the pull-based state after connecting or after a long
// outage: alerts, region control, run metadata, then queued acknowledgements.
func (a *App) Reconcile(ctx context.Context) error {
	a.reconcileMu.Lock()
	defer a.reconcileMu.Unlock()

	var errs []error
	added, err := a.ledger.Sync(ctx)
	if err != nil {
		errs = append(errs, err)
	}

	regions := 0
	if topology, err := a.rest.Topology(ctx); err != nil {
		errs = append(errs, fmt.Errorf("fetch topology: %w", err))
	} else {
		seed := SeedFromTopology(topology)
		regions = len(seed)
		if a.projector.Seed(seed) {
			a.bus.Publish(ctx, bus.TopicWorldChanged, world.Changed{Revision: a.projector.Revision()})
		}
	}

	if maxTurn, err := a.rest.MaxTurn(ctx); err != nil {
		errs = append(errs, fmt.Errorf("fetch max turn: %w", err))
	} else {
		a.board.SetMaxTurn(maxTurn)
	}
	if st, err := a.rest.Status(ctx); err != nil {
		errs = append(errs, fmt.Errorf("fetch status: %w", err))
	} else {
		a.board.SetStatus(st)
	}

	if _, err := a.ledger.RetryPending(ctx); err != nil {
		errs = append(errs, err)
	}

	joined := errors.Join(errs...)
	payload := lifecycle.SnapshotAppliedPayload{Alerts: added, Regions: regions}
	if joined != nil {
		payload.Error = joined.Error()
	}
	lifecycle.SnapshotApplied(ctx, a.publisher, logging.EntityRef{ID: a.sessionID, Kind: logging.EntityKindSession}, payload)
	return joined
}

// SeedFromTopology converts galaxy systems into region tallies.
func SeedFromTopology(t proto.Topology) []world.RegionControl {
	regions := make([]world.RegionControl, 0, len(t.Systems))
	for _, s := range t.Systems {
		if s.Name == "" {
			continue
		}
		control := make(map[string]int, len(s.Control))
		for owner, n := range s.Control {
			if n > 0 {
				control[owner] = n
			}
		}
		regions = append(regions, world.RegionControl{RegionName: s.Name, Control: control})
	}
	return regions
}

// Close tears the session down: transport, timers, background
// reconciliation, tracer and log sinks.
func (a *App) Close(ctx context.Context) error {
	a.manager.Close()
	a.cancel()
	a.wg.Wait()
	for _, cancel := range a.unsubscribe {
		cancel()
	}
	a.unsubscribe = nil

	var errs []error
	if a.shutdownTracer != nil {
		if err := a.shutdownTracer(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
		a.shutdownTracer = nil
	}
	if err := a.closeLogging(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeLogging(ctx context.Context) error {
	var errs []error
	if a.router != nil {
		if err := a.router.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close logging router: %w", err))
		}
		a.router = nil
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
