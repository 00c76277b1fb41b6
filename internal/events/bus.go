// Package events provides the typed pub/sub event bus at the center of the
// trading engine. Producers never block: the queue is bounded and Publish
// fails fast when it is saturated. Each handler invocation is supervised
// with a deadline and bounded retries so one misbehaving subscriber cannot
// stall the pipeline.
package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/atlas-trading/engine/internal/config"
	"github.com/atlas-trading/engine/internal/types"
)

// ErrQueueFull is returned by Publish when the bounded queue is saturated.
var ErrQueueFull = errors.New("event bus: queue full")

// ErrStopped is returned by Publish after the bus has been stopped.
var ErrStopped = errors.New("event bus: stopped")

const (
	failureRingSize = 1000
	auditRingSize   = 10000
	monitorInterval = 30 * time.Second
)

var (
	metricPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_events_published_total",
		Help: "Events accepted onto the bus queue.",
	}, []string{"type"})
	metricDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_events_dropped_total",
		Help: "Events rejected because the queue was full.",
	})
	metricProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_events_processed_total",
		Help: "Events fully dispatched to handlers.",
	})
	metricHandlerFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engine_event_handler_failures_total",
		Help: "Handler invocations that exhausted all retries.",
	})
	metricQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "engine_event_queue_depth",
		Help: "Current event queue depth.",
	})
)

// Handler processes events. CanHandle filters which event types the handler
// receives when subscribed via SubscribeAll.
type Handler interface {
	Name() string
	CanHandle(t types.EventType) bool
	Handle(ctx context.Context, event types.Event) error
}

// funcHandler adapts a function to the Handler interface.
type funcHandler struct {
	name  string
	kinds map[types.EventType]struct{} // nil means all
	fn    func(ctx context.Context, event types.Event) error
}

func (h *funcHandler) Name() string { return h.name }

func (h *funcHandler) CanHandle(t types.EventType) bool {
	if h.kinds == nil {
		return true
	}
	_, ok := h.kinds[t]
	return ok
}

func (h *funcHandler) Handle(ctx context.Context, event types.Event) error {
	return h.fn(ctx, event)
}

// NewHandler wraps a function as a Handler. With no kinds the handler
// accepts every event type.
func NewHandler(name string, fn func(ctx context.Context, event types.Event) error, kinds ...types.EventType) Handler {
	h := &funcHandler{name: name, fn: fn}
	if len(kinds) > 0 {
		h.kinds = make(map[types.EventType]struct{}, len(kinds))
		for _, k := range kinds {
			h.kinds[k] = struct{}{}
		}
	}
	return h
}

// Subscription represents an active registration on the bus.
type Subscription struct {
	ID        string
	EventType types.EventType // empty for SubscribeAll
	Handler   Handler
	active    atomic.Bool
}

// IsActive reports whether the subscription still receives events.
func (s *Subscription) IsActive() bool { return s.active.Load() }

// HandlerFailure is one entry in the rolling failure ring.
type HandlerFailure struct {
	Handler   string          `json:"handler"`
	EventID   string          `json:"eventId"`
	EventType types.EventType `json:"eventType"`
	Error     string          `json:"error"`
	Timestamp time.Time       `json:"timestamp"`
}

// AuditRecord is the persisted summary of one published event.
type AuditRecord struct {
	EventID       string          `json:"eventId"`
	EventType     types.EventType `json:"eventType"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId"`
}

// Stats is a snapshot of bus activity.
type Stats struct {
	Published        int64         `json:"published"`
	Processed        int64         `json:"processed"`
	Failed           int64         `json:"failed"`
	Dropped          int64         `json:"dropped"`
	QueueDepth       int           `json:"queueDepth"`
	AvgProcessing    time.Duration `json:"avgProcessing"`
	HandlerCount     int           `json:"handlerCount"`
	Uptime           time.Duration `json:"uptime"`
}

// Bus is the typed pub/sub event bus.
type Bus struct {
	logger *zap.Logger
	cfg    config.EventBusConfig

	mu             sync.RWMutex
	subscribers    map[types.EventType][]*Subscription
	allSubscribers []*Subscription
	handlerCount   int

	queue     chan types.Event
	semaphore chan struct{}

	// Stats
	published     atomic.Int64
	processed     atomic.Int64
	failed        atomic.Int64
	dropped       atomic.Int64
	avgProcessNs  atomic.Int64
	startedAt     time.Time

	// Rolling failure ring (last failureRingSize entries)
	failMu   sync.Mutex
	failures []HandlerFailure

	// Audit ring
	auditMu  sync.Mutex
	audit    []AuditRecord
	auditPos int

	// Lifecycle
	accepting atomic.Bool
	running   atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	quit      chan struct{}
	wg        sync.WaitGroup
	inflight  sync.WaitGroup

	subCounter atomic.Int64
}

// NewBus creates an event bus with the given tuning.
func NewBus(logger *zap.Logger, cfg config.EventBusConfig) *Bus {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 10000
	}
	if cfg.MaxConcurrentHandlers <= 0 {
		cfg.MaxConcurrentHandlers = 50
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}

	b := &Bus{
		logger:      logger.Named("event-bus"),
		cfg:         cfg,
		subscribers: make(map[types.EventType][]*Subscription),
		queue:       make(chan types.Event, cfg.MaxQueueSize),
		semaphore:   make(chan struct{}, cfg.MaxConcurrentHandlers),
		failures:    make([]HandlerFailure, 0, failureRingSize),
		quit:        make(chan struct{}),
	}
	if cfg.PersistenceEnabled {
		b.audit = make([]AuditRecord, 0, auditRingSize)
	}
	// Events may be published before Start; they queue until workers run.
	b.accepting.Store(true)
	return b
}

// workerCount derives the dispatcher pool size from the handler budget.
func (b *Bus) workerCount() int {
	n := b.cfg.MaxConcurrentHandlers / 10
	if n > 4 {
		n = 4
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Start launches the dispatch workers and the monitor loop.
func (b *Bus) Start(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return nil
	}
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.startedAt = time.Now()
	b.accepting.Store(true)

	workers := b.workerCount()
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	b.wg.Add(1)
	go b.monitor()

	b.logger.Info("Event bus started",
		zap.Int("workers", workers),
		zap.Int("queueSize", b.cfg.MaxQueueSize),
		zap.Int("maxConcurrentHandlers", b.cfg.MaxConcurrentHandlers),
	)
	return nil
}

// Stop drains in-flight events up to timeout, then cancels workers.
func (b *Bus) Stop(timeout time.Duration) {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	b.accepting.Store(false)
	close(b.quit)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		b.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("Event bus drained",
			zap.Int64("processed", b.processed.Load()),
			zap.Int64("failed", b.failed.Load()),
		)
	case <-time.After(timeout):
		b.logger.Warn("Event bus stop timed out, cancelling handlers",
			zap.Int("queueDepth", len(b.queue)),
		)
	}
	b.cancel()
}

// Publish enqueues an event. It never blocks the caller: the event is either
// accepted or the call fails with ErrQueueFull.
func (b *Bus) Publish(event types.Event) error {
	if !b.accepting.Load() {
		return ErrStopped
	}
	select {
	case b.queue <- event:
		b.published.Add(1)
		metricPublished.WithLabelValues(string(event.GetType())).Inc()
		metricQueueDepth.Set(float64(len(b.queue)))
		b.recordAudit(event)
		return nil
	default:
		b.dropped.Add(1)
		metricDropped.Inc()
		b.logger.Warn("Event dropped, queue full",
			zap.String("eventType", string(event.GetType())),
			zap.String("eventId", event.GetID()),
		)
		return ErrQueueFull
	}
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(eventType types.EventType, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:        b.nextSubID(),
		EventType: eventType,
		Handler:   handler,
	}
	sub.active.Store(true)
	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	b.handlerCount++

	b.logger.Debug("Subscription added",
		zap.String("id", sub.ID),
		zap.String("handler", handler.Name()),
		zap.String("eventType", string(eventType)),
	)
	return sub
}

// SubscribeAll registers a handler for every event type it CanHandle.
func (b *Bus) SubscribeAll(handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:      b.nextSubID(),
		Handler: handler,
	}
	sub.active.Store(true)
	b.allSubscribers = append(b.allSubscribers, sub)
	b.handlerCount++
	return sub
}

// Unsubscribe deactivates a subscription.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub.active.CompareAndSwap(true, false) {
		b.mu.Lock()
		b.handlerCount--
		b.mu.Unlock()
	}
}

func (b *Bus) nextSubID() string {
	return "sub_" + itoa(b.subCounter.Add(1))
}

// worker pops events and dispatches them until the bus stops. On quit the
// remaining queue is drained before exiting.
func (b *Bus) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-b.queue:
			b.dispatch(event)
			metricQueueDepth.Set(float64(len(b.queue)))
		case <-b.quit:
			for {
				select {
				case event := <-b.queue:
					b.dispatch(event)
				default:
					return
				}
			}
		}
	}
}

// dispatch runs the union of type-specific and global handlers for an event.
// Handlers run concurrently, bounded by the shared semaphore. A failing
// handler is retried and, on final failure, recorded; the event itself is
// always acknowledged.
func (b *Bus) dispatch(event types.Event) {
	start := time.Now()

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subscribers[event.GetType()])+len(b.allSubscribers))
	subs = append(subs, b.subscribers[event.GetType()]...)
	subs = append(subs, b.allSubscribers...)
	b.mu.RUnlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		if !sub.active.Load() || !sub.Handler.CanHandle(event.GetType()) {
			continue
		}
		wg.Add(1)
		b.inflight.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			defer b.inflight.Done()

			select {
			case b.semaphore <- struct{}{}:
				defer func() { <-b.semaphore }()
			case <-b.ctx.Done():
				return
			}
			b.invoke(sub, event)
		}(sub)
	}
	wg.Wait()

	b.processed.Add(1)
	metricProcessed.Inc()
	b.trackProcessing(time.Since(start))
}

// invoke executes one handler with a deadline and linear-backoff retries.
func (b *Bus) invoke(sub *Subscription, event types.Event) {
	var lastErr error
	attempts := b.cfg.RetryAttempts + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := b.cfg.RetryDelay * time.Duration(attempt+1)
			select {
			case <-time.After(backoff):
			case <-b.ctx.Done():
				return
			}
		}
		lastErr = b.invokeOnce(sub, event)
		if lastErr == nil {
			return
		}
	}

	b.failed.Add(1)
	metricHandlerFailures.Inc()
	b.recordFailure(sub.Handler.Name(), event, lastErr)
	b.logger.Warn("Event handler failed after retries",
		zap.String("handler", sub.Handler.Name()),
		zap.String("eventType", string(event.GetType())),
		zap.String("eventId", event.GetID()),
		zap.Error(lastErr),
	)
}

func (b *Bus) invokeOnce(sub *Subscription, event types.Event) (err error) {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- &panicError{value: r}
			}
		}()
		done <- sub.Handler.Handle(ctx, event)
	}()

	select {
	case err = <-done:
		return err
	case <-ctx.Done():
		// Abandoned: the handler saw ctx cancellation as its best-effort
		// stop signal but we do not wait for it.
		return ctx.Err()
	}
}

type panicError struct{ value any }

func (p *panicError) Error() string { return "handler panic" }

func (b *Bus) recordFailure(handler string, event types.Event, err error) {
	b.failMu.Lock()
	defer b.failMu.Unlock()
	b.failures = append(b.failures, HandlerFailure{
		Handler:   handler,
		EventID:   event.GetID(),
		EventType: event.GetType(),
		Error:     err.Error(),
		Timestamp: time.Now(),
	})
	if len(b.failures) > failureRingSize {
		b.failures = b.failures[len(b.failures)-failureRingSize:]
	}
}

// RecentFailures returns a copy of the rolling failure ring.
func (b *Bus) RecentFailures() []HandlerFailure {
	b.failMu.Lock()
	defer b.failMu.Unlock()
	out := make([]HandlerFailure, len(b.failures))
	copy(out, b.failures)
	return out
}

func (b *Bus) recordAudit(event types.Event) {
	if b.audit == nil {
		return
	}
	rec := AuditRecord{
		EventID:       event.GetID(),
		EventType:     event.GetType(),
		Timestamp:     event.GetTimestamp(),
		CorrelationID: event.GetCorrelationID(),
	}
	b.auditMu.Lock()
	defer b.auditMu.Unlock()
	if len(b.audit) < auditRingSize {
		b.audit = append(b.audit, rec)
	} else {
		b.audit[b.auditPos] = rec
		b.auditPos = (b.auditPos + 1) % auditRingSize
	}
}

// AuditLog returns a copy of the audit ring, oldest first.
func (b *Bus) AuditLog() []AuditRecord {
	b.auditMu.Lock()
	defer b.auditMu.Unlock()
	if b.audit == nil {
		return nil
	}
	out := make([]AuditRecord, 0, len(b.audit))
	if len(b.audit) == auditRingSize {
		out = append(out, b.audit[b.auditPos:]...)
		out = append(out, b.audit[:b.auditPos]...)
	} else {
		out = append(out, b.audit...)
	}
	return out
}

func (b *Bus) trackProcessing(d time.Duration) {
	// Exponential moving average, cheap enough to run per event.
	cur := b.avgProcessNs.Load()
	b.avgProcessNs.Store((cur*99 + d.Nanoseconds()) / 100)
}

// GetStats returns a snapshot of bus activity.
func (b *Bus) GetStats() Stats {
	b.mu.RLock()
	handlerCount := b.handlerCount
	b.mu.RUnlock()

	var uptime time.Duration
	if !b.startedAt.IsZero() {
		uptime = time.Since(b.startedAt)
	}
	return Stats{
		Published:     b.published.Load(),
		Processed:     b.processed.Load(),
		Failed:        b.failed.Load(),
		Dropped:       b.dropped.Load(),
		QueueDepth:    len(b.queue),
		AvgProcessing: time.Duration(b.avgProcessNs.Load()),
		HandlerCount:  handlerCount,
		Uptime:        uptime,
	}
}

// monitor logs stats periodically and warns on saturation or failure spikes.
func (b *Bus) monitor() {
	defer b.wg.Done()

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	var lastProcessed, lastFailed int64
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.quit:
			return
		case <-ticker.C:
			stats := b.GetStats()
			b.logger.Info("Event bus stats",
				zap.Int64("published", stats.Published),
				zap.Int64("processed", stats.Processed),
				zap.Int64("failed", stats.Failed),
				zap.Int("queueDepth", stats.QueueDepth),
				zap.Duration("avgProcessing", stats.AvgProcessing),
			)

			if stats.QueueDepth >= b.cfg.MaxQueueSize*8/10 {
				b.logger.Warn("Event queue nearing capacity",
					zap.Int("depth", stats.QueueDepth),
					zap.Int("capacity", b.cfg.MaxQueueSize),
				)
			}

			windowProcessed := stats.Processed - lastProcessed
			windowFailed := stats.Failed - lastFailed
			if windowProcessed > 0 && float64(windowFailed)/float64(windowProcessed) > 0.1 {
				b.logger.Warn("Handler failure rate above 10%",
					zap.Int64("failed", windowFailed),
					zap.Int64("processed", windowProcessed),
				)
			}
			lastProcessed, lastFailed = stats.Processed, stats.Failed
		}
	}
}

func itoa(i int64) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	return string(buf[pos:])
}
