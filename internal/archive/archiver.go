package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/beamline-core/internal/adapter"
	"github.com/nerrad567/beamline-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/beamline-core/internal/notify"
	"github.com/nerrad567/beamline-core/internal/state"
)

const (
	defaultQueueSize   = 1024
	writeTimeout       = 5 * time.Second
	defaultPrunePeriod = time.Hour
)

// Logger is the logging interface used by the archive.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// PointWriter receives time-series points. *influxdb.Client implements it.
type PointWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time)
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithLogger sets the archive logger.
func WithLogger(logger Logger) Option {
	return func(a *Archiver) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithPoints also writes every state change and reading to w.
func WithPoints(w PointWriter) Option {
	return func(a *Archiver) { a.points = w }
}

// WithQueueSize bounds the number of events waiting for the worker.
func WithQueueSize(n int) Option {
	return func(a *Archiver) {
		if n > 0 {
			a.queueSize = n
		}
	}
}

// WithRetention prunes state history older than d every period.
func WithRetention(d, period time.Duration) Option {
	return func(a *Archiver) {
		a.retention = d
		if period > 0 {
			a.prunePeriod = period
		}
	}
}

// WithMetrics records archive throughput and drops.
func WithMetrics(m *Metrics) Option {
	return func(a *Archiver) { a.metrics = m }
}

// Archiver records device events off the notification path. Record only
// enqueues; a single worker started by Run does the writes.
type Archiver struct {
	store       *Store
	points      PointWriter
	logger      Logger
	metrics     *Metrics
	queueSize   int
	retention   time.Duration
	prunePeriod time.Duration

	queue chan notify.Event

	// Owned by the worker.
	last map[string]state.Status

	mu      sync.Mutex
	running bool
}

// New creates an archiver writing to store.
func New(store *Store, opts ...Option) *Archiver {
	a := &Archiver{
		store:       store,
		logger:      noopLogger{},
		queueSize:   defaultQueueSize,
		prunePeriod: defaultPrunePeriod,
		last:        make(map[string]state.Status),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.queue = make(chan notify.Event, a.queueSize)
	return a
}

// Record is a notify.Callback. It queues stateChanged and readingChanged
// events and ignores the rest. A full queue drops the event.
func (a *Archiver) Record(ev notify.Event) error {
	switch ev.Name {
	case adapter.EventStateChanged, adapter.EventReadingChanged:
	default:
		return nil
	}
	select {
	case a.queue <- ev:
		return nil
	default:
		a.metrics.dropped()
		return fmt.Errorf("%w: %s from %s dropped", ErrQueueFull, ev.Name, ev.Source)
	}
}

// Run writes queued events until ctx is cancelled, then drains what is
// already queued. It also prunes history when a retention is set.
func (a *Archiver) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archive: already running")
	}
	a.running = true
	a.mu.Unlock()

	var prune <-chan time.Time
	if a.retention > 0 {
		ticker := time.NewTicker(a.prunePeriod)
		defer ticker.Stop()
		prune = ticker.C
		a.prune(ctx)
	}

	for {
		select {
		case ev := <-a.queue:
			a.write(ctx, ev)
		case <-prune:
			a.prune(ctx)
		case <-ctx.Done():
			a.drain()
			return nil
		}
	}
}

func (a *Archiver) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	for {
		select {
		case ev := <-a.queue:
			a.write(ctx, ev)
		default:
			return
		}
	}
}

func (a *Archiver) write(ctx context.Context, ev notify.Event) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	var err error
	switch p := ev.Payload.(type) {
	case adapter.StateChange:
		err = a.writeState(wctx, p)
	case adapter.ValueChange:
		err = a.writeValue(wctx, p)
	default:
		return
	}
	if err != nil {
		a.metrics.failed(ev.Name)
		a.logger.Warn("archive write failed", "device", ev.Source, "event", ev.Name, "error", err)
		return
	}
	a.metrics.written(ev.Name)
}

func (a *Archiver) writeState(ctx context.Context, c adapter.StateChange) error {
	// Watchers replay the current state on subscribe; record it once.
	if last, ok := a.last[c.Device]; ok && last.Equal(c.Current) && last.Timestamp.Equal(c.Current.Timestamp) {
		return nil
	}
	if err := a.store.RecordState(ctx, c.Device, c.Previous.State, c.Current); err != nil {
		return err
	}
	a.last[c.Device] = c.Current

	if a.points != nil {
		fields := map[string]any{"state": string(c.Current.State)}
		if c.Current.Label != "" {
			fields["label"] = c.Current.Label
		}
		if c.Current.Reason != "" {
			fields["reason"] = c.Current.Reason
		}
		a.points.WritePoint(influxdb.MeasurementDeviceState,
			map[string]string{"device": c.Device}, fields, c.Current.Timestamp)
	}
	return nil
}

func (a *Archiver) writeValue(ctx context.Context, c adapter.ValueChange) error {
	if !c.Reading.Known() {
		return nil
	}
	if err := a.store.UpsertValue(ctx, c.Device, c.Role, c.Reading); err != nil {
		return err
	}
	if a.points != nil && c.Reading.Confirmed {
		if fields := influxdb.ValueFields(c.Reading.Value); fields != nil {
			a.points.WritePoint(influxdb.MeasurementChannelValue,
				map[string]string{"device": c.Device, "role": c.Role}, fields, c.Reading.Timestamp)
		}
	}
	return nil
}

func (a *Archiver) prune(ctx context.Context) {
	n, err := a.store.Prune(ctx, a.retention)
	if err != nil {
		a.logger.Warn("pruning state history failed", "error", err)
		return
	}
	if n > 0 {
		a.logger.Info("pruned state history", "rows", n, "retention", a.retention.String())
	}
}

// Pending returns the number of queued events.
func (a *Archiver) Pending() int {
	return len(a.queue)
}
