package alerts

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"void-reckoning/dashboard/internal/net/proto"
	"void-reckoning/dashboard/logging"
	alertlog "void-reckoning/dashboard/logging/alerts"
)

const (
	DefaultCapacity   = 200
	DefaultAckRetries = 3
)

var ErrAlertNotFound = errors.New("alerts: alert not found")

// Acknowledger delivers acknowledgements to the backend.
type Acknowledger interface {
	AcknowledgeAlert(ctx context.Context, id string) error
}

// Source supplies alerts pulled over REST.
type Source interface {
	ActiveAlerts(ctx context.Context) ([]proto.Alert, error)
	AlertHistory(ctx context.Context, query proto.HistoryQuery) (proto.AlertHistory, error)
}

type Option func(*Ledger)

func WithAcknowledger(ack Acknowledger) Option {
	return func(l *Ledger) { l.ack = ack }
}

func WithSource(src Source) Option {
	return func(l *Ledger) { l.source = src }
}

func WithPublisher(pub logging.Publisher) Option {
	return func(l *Ledger) {
		if pub != nil {
			l.publisher = pub
		}
	}
}

// WithAckRetries bounds the delivery attempts per acknowledgement.
func WithAckRetries(n uint) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.retries = n
		}
	}
}

// WithBackOff overrides the delay policy between acknowledgement attempts.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(l *Ledger) {
		if factory != nil {
			l.backoff = factory
		}
	}
}

type entry struct {
	alert Alert
	seq   uint64
}

// Ledger is a bounded store of alerts keyed by id. Both the streaming path and
// REST pulls go through Add. Once the client acknowledges an alert locally the
// flag never reverts, even if the server later reports it unacknowledged or
// the acknowledgement could not be delivered.
type Ledger struct {
	mu        sync.RWMutex
	capacity  int
	entries   map[string]*entry
	order     []string
	seq       uint64
	pending   []string
	ack       Acknowledger
	source    Source
	publisher logging.Publisher
	retries   uint
	backoff   func() backoff.BackOff
}

func New(capacity int, opts ...Option) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Ledger{
		capacity:  capacity,
		entries:   make(map[string]*entry),
		publisher: logging.NopPublisher(),
		retries:   DefaultAckRetries,
		backoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Add inserts the alert or updates the stored copy in place. It reports
// whether the id was new to the ledger.
func (l *Ledger) Add(alert Alert) bool {
	if alert.ID == "" {
		return false
	}
	alert = cloneAlert(alert)
	if !alert.Severity.Valid() {
		alert.Severity = SeverityInfo
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if existing, ok := l.entries[alert.ID]; ok {
		if alert.Acknowledged {
			// The backend already holds the acknowledgement.
			l.dropPendingLocked(alert.ID)
		}
		alert.Acknowledged = alert.Acknowledged || existing.alert.Acknowledged
		if alert.Timestamp.IsZero() {
			alert.Timestamp = existing.alert.Timestamp
		}
		existing.alert = alert
		return false
	}
	l.seq++
	l.entries[alert.ID] = &entry{alert: alert, seq: l.seq}
	l.order = append(l.order, alert.ID)
	for len(l.order) > l.capacity {
		l.evictLocked(l.order[0])
	}
	return true
}

func (l *Ledger) evictLocked(id string) {
	delete(l.entries, id)
	for i, candidate := range l.order {
		if candidate == id {
			l.order = append(l.order[:i:i], l.order[i+1:]...)
			break
		}
	}
	l.dropPendingLocked(id)
}

func (l *Ledger) dropPendingLocked(id string) {
	for i, candidate := range l.pending {
		if candidate == id {
			l.pending = append(l.pending[:i:i], l.pending[i+1:]...)
			return
		}
	}
}

// Get returns a copy of the alert with the given id.
func (l *Ledger) Get(id string) (Alert, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	if !ok {
		return Alert{}, false
	}
	return cloneAlert(e.alert), true
}

// Acknowledge marks the alert acknowledged locally and then delivers the
// acknowledgement to the backend with bounded retries. When delivery fails
// the local flag is kept and the id is queued for RetryPending.
// Acknowledging an alert that is already acknowledged does nothing.
func (l *Ledger) Acknowledge(ctx context.Context, id string) error {
	l.mu.Lock()
	e, ok := l.entries[id]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if e.alert.Acknowledged {
		l.mu.Unlock()
		return nil
	}
	e.alert.Acknowledged = true
	l.mu.Unlock()

	if l.ack == nil {
		return nil
	}
	attempts, err := l.deliver(ctx, id)
	if err == nil {
		return nil
	}
	l.mu.Lock()
	if _, still := l.entries[id]; still && isRetryable(err) {
		l.dropPendingLocked(id)
		l.pending = append(l.pending, id)
	}
	l.mu.Unlock()
	alertlog.AckFailed(ctx, l.publisher, alertlog.AckPayload{AlertID: id, Attempts: attempts, Error: err.Error()}, nil)
	return fmt.Errorf("acknowledge alert %s: %w", id, err)
}

// RetryPending re-sends queued acknowledgements. Delivered ids leave the
// queue; it returns how many were delivered.
func (l *Ledger) RetryPending(ctx context.Context) (int, error) {
	if l.ack == nil {
		return 0, nil
	}
	l.mu.RLock()
	queued := append([]string(nil), l.pending...)
	l.mu.RUnlock()

	delivered := 0
	var errs []error
	for _, id := range queued {
		attempts, err := l.deliver(ctx, id)
		if err != nil {
			if !isRetryable(err) {
				l.mu.Lock()
				l.dropPendingLocked(id)
				l.mu.Unlock()
			}
			alertlog.AckFailed(ctx, l.publisher, alertlog.AckPayload{AlertID: id, Attempts: attempts, Error: err.Error()}, nil)
			errs = append(errs, fmt.Errorf("acknowledge alert %s: %w", id, err))
			continue
		}
		l.mu.Lock()
		l.dropPendingLocked(id)
		l.mu.Unlock()
		delivered++
		alertlog.AckRetried(ctx, l.publisher, alertlog.AckPayload{AlertID: id, Attempts: attempts}, nil)
	}
	return delivered, errors.Join(errs...)
}

// IsPending reports whether the acknowledgement of id is queued for
// RetryPending.
func (l *Ledger) IsPending(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Contains(l.pending, id)
}

// Pending lists the ids whose acknowledgement has not reached the backend.
func (l *Ledger) Pending() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.pending...)
}

func (l *Ledger) deliver(ctx context.Context, id string) (int, error) {
	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := l.ack.AcknowledgeAlert(ctx, id)
		if err != nil && !isRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(l.backoff()), backoff.WithMaxTries(l.retries))
	return attempts, err
}

type temporary interface {
	Temporary() bool
}

// isRetryable treats errors as transient unless they say otherwise.
func isRetryable(err error) bool {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var t temporary
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}

func (l *Ledger) Summary() Summary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	summary := Summary{BySeverity: make(map[Severity]int, len(Severities))}
	for _, s := range Severities {
		summary.BySeverity[s] = 0
	}
	for _, e := range l.entries {
		summary.Total++
		if e.alert.Resolved {
			continue
		}
		summary.Active++
		summary.BySeverity[e.alert.Severity]++
		if !e.alert.Acknowledged {
			summary.Unacknowledged++
		}
	}
	return summary
}

// List filters the ledger, orders it newest first and returns one page.
func (l *Ledger) List(filter Filter, page, pageSize int) Page {
	l.mu.RLock()
	matched := make([]Alert, 0, len(l.entries))
	arrival := make(map[string]uint64, len(l.entries))
	for _, e := range l.entries {
		if filter.match(e.alert) {
			matched = append(matched, cloneAlert(e.alert))
			arrival[e.alert.ID] = e.seq
		}
	}
	l.mu.RUnlock()
	newestFirst(matched, arrival)
	return paginate(matched, page, pageSize)
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

func (l *Ledger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*entry)
	l.order = nil
	l.pending = nil
}

// Sync pulls active alerts and the alert history from the configured source
// and folds them in through Add. It returns the number of new alerts.
func (l *Ledger) Sync(ctx context.Context) (int, error) {
	if l.source == nil {
		return 0, nil
	}
	added := 0
	active, err := l.source.ActiveAlerts(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch active alerts: %w", err)
	}
	for _, w := range active {
		if l.Add(FromWire(w)) {
			added++
		}
	}

	pageSize := min(l.capacity, 100)
	fetched := 0
	for page := 1; fetched < l.capacity; page++ {
		history, err := l.source.AlertHistory(ctx, proto.HistoryQuery{Page: page, PageSize: pageSize})
		if err != nil {
			return added, fmt.Errorf("fetch alert history page %d: %w", page, err)
		}
		for _, w := range history.Items {
			if l.Add(FromWire(w)) {
				added++
			}
		}
		fetched += len(history.Items)
		if len(history.Items) < pageSize || fetched >= history.Total {
			break
		}
	}
	return added, nil
}
