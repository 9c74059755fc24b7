package logging

import (
	"cmp"
	"context"
	"log"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

type Sink interface {
	Write(Event) error
	Close(context.Context) error
}

// Router accepts events from any goroutine and fans them out to named sinks,
// each drained by its own worker. Publish never blocks: a full queue drops
// the event and counts it.
type Router struct {
	cfg      Config
	clock    Clock
	fallback *log.Logger
	queue    chan Event
	workers  []*sinkWorker
	fields   map[string]any
	metrics  *Metrics

	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	wg     sync.WaitGroup

	routed   atomic.Uint64
	filtered atomic.Uint64
	dropped  atomic.Uint64
	nextWarn atomic.Int64
}

type RouterStats struct {
	EventsTotal   uint64      `json:"eventsTotal"`
	FilteredTotal uint64      `json:"filteredTotal"`
	DroppedTotal  uint64      `json:"droppedTotal"`
	Sinks         []SinkStats `json:"sinks"`
}

type SinkStats struct {
	Name     string `json:"name"`
	Written  uint64 `json:"written"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
	Backlog  int    `json:"backlog"`
	Retrying bool   `json:"retrying,omitempty"`
}

// NewRouter starts a router over the provided sinks. Workers are started in
// sink name order so output ordering across runs is stable.
func NewRouter(cfg Config, clock Clock, fallback *log.Logger, sinks map[string]Sink) (*Router, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	if fallback == nil {
		fallback = log.New(os.Stderr, "[logging] ", log.LstdFlags)
	}
	queueSize := cfg.BufferSize
	if queueSize <= 0 {
		queueSize = DefaultConfig().BufferSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		cfg:      cfg,
		clock:    clock,
		fallback: fallback,
		queue:    make(chan Event, queueSize),
		fields:   cfg.CloneFields(),
		metrics:  &Metrics{},
		ctx:      ctx,
		cancel:   cancel,
	}

	names := make([]string, 0, len(sinks))
	for name, sink := range sinks {
		if sink != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	backlog := min(max(queueSize, 32), 1024)
	for _, name := range names {
		r.workers = append(r.workers, &sinkWorker{
			name:     name,
			sink:     sinks[name],
			events:   make(chan Event, backlog),
			fallback: fallback,
			retry:    cfg.SinkRetry,
		})
	}

	r.wg.Add(1 + len(r.workers))
	go r.dispatch()
	for _, w := range r.workers {
		go func() {
			defer r.wg.Done()
			w.run()
		}()
	}
	return r, nil
}

func (r *Router) dispatch() {
	defer func() {
		for _, w := range r.workers {
			close(w.events)
		}
		r.wg.Done()
	}()
	for {
		select {
		case <-r.ctx.Done():
			for {
				select {
				case event := <-r.queue:
					r.forward(event)
				default:
					return
				}
			}
		case event := <-r.queue:
			r.forward(event)
		}
	}
}

func (r *Router) forward(event Event) {
	if event.Severity < r.cfg.MinimumSeverity {
		r.filtered.Add(1)
		return
	}
	if event.Time.IsZero() {
		event.Time = r.clock.Now()
	}
	event = mergeFields(event, r.fields)
	r.routed.Add(1)
	r.metrics.Add("logging."+string(event.Type), 1)
	for _, w := range r.workers {
		w.enqueue(cloneForFields(event))
	}
}

func (r *Router) Publish(_ context.Context, event Event) {
	if event.Type == "" || r.closed.Load() {
		return
	}
	select {
	case r.queue <- event:
	default:
		r.dropped.Add(1)
		r.warnDrop("router queue full, dropping event type=%s", event.Type)
	}
}

// warnDrop logs at most once per DropWarnInterval.
func (r *Router) warnDrop(format string, args ...any) {
	interval := r.cfg.DropWarnInterval
	if interval <= 0 {
		interval = DefaultConfig().DropWarnInterval
	}
	now := r.clock.Now().UnixNano()
	next := r.nextWarn.Load()
	if now < next {
		return
	}
	if r.nextWarn.CompareAndSwap(next, now+interval.Nanoseconds()) {
		r.fallback.Printf(format, args...)
	}
}

// Close stops accepting events, flushes queued ones through the workers and
// closes every sink. It is safe to call more than once.
func (r *Router) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	var firstErr error
	for _, w := range r.workers {
		if err := w.sink.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Router) Stats() RouterStats {
	stats := RouterStats{
		EventsTotal:   r.routed.Load(),
		FilteredTotal: r.filtered.Load(),
		DroppedTotal:  r.dropped.Load(),
		Sinks:         make([]SinkStats, 0, len(r.workers)),
	}
	for _, w := range r.workers {
		stats.DroppedTotal += w.dropped.Load()
		stats.Sinks = append(stats.Sinks, w.stats())
	}
	return stats
}

// Metrics exposes the keyed counters maintained by the router.
func (r *Router) Metrics() *Metrics {
	return r.metrics
}

type sinkWorker struct {
	name     string
	sink     Sink
	events   chan Event
	fallback *log.Logger
	retry    RetryConfig

	written  atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
	retrying atomic.Bool

	// owned by run
	policy   *backoff.ExponentialBackOff
	resumeAt time.Time
}

func (w *sinkWorker) enqueue(event Event) {
	select {
	case w.events <- event:
	default:
		if w.dropped.Add(1) == 1 {
			w.fallback.Printf("sink %s backlog full, dropping events", w.name)
		}
	}
}

func (w *sinkWorker) run() {
	for event := range w.events {
		if wait := time.Until(w.resumeAt); wait > 0 {
			time.Sleep(wait)
		}
		if err := w.sink.Write(event); err != nil {
			w.fail(err)
			continue
		}
		w.written.Add(1)
		if w.policy != nil {
			w.policy.Reset()
			w.resumeAt = time.Time{}
			w.retrying.Store(false)
		}
	}
}

// fail pauses the worker for the next backoff interval. The failed event is
// not rewritten.
func (w *sinkWorker) fail(err error) {
	w.failed.Add(1)
	if w.policy == nil {
		defaults := DefaultConfig().SinkRetry
		w.policy = backoff.NewExponentialBackOff()
		w.policy.InitialInterval = cmp.Or(w.retry.Initial, defaults.Initial)
		w.policy.MaxInterval = cmp.Or(w.retry.Max, defaults.Max)
		w.policy.RandomizationFactor = 0
	}
	delay := w.policy.NextBackOff()
	w.resumeAt = time.Now().Add(delay)
	w.retrying.Store(true)
	w.fallback.Printf("sink %s failed: %v (retry in %s)", w.name, err, delay)
}

func (w *sinkWorker) stats() SinkStats {
	return SinkStats{
		Name:     w.name,
		Written:  w.written.Load(),
		Failed:   w.failed.Load(),
		Dropped:  w.dropped.Load(),
		Backlog:  len(w.events),
		Retrying: w.retrying.Load(),
	}
}
