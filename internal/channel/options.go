package channel

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	// defaultTimeout bounds a read, write, connect or invoke when the
	// definition sets none.
	defaultTimeout = 5 * time.Second

	// defaultPollInterval is used when a backend cannot push and the
	// channel did not ask for a specific interval.
	defaultPollInterval = time.Second
)

// Logger is the logging interface used by channels and commands.
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

type options struct {
	logger  Logger
	metrics *Metrics
	sink    Sink
	now     func() time.Time
}

func buildOptions(opts []Option) options {
	o := options{logger: noopLogger{}, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Option configures a Channel or Command.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records operation counts and latencies.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithSink sets the function receiving channel events. Ignored by commands.
func WithSink(sink Sink) Option {
	return func(o *options) {
		o.sink = sink
	}
}

// WithClock overrides the clock used for readings without a backend timestamp.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// callWithTimeout runs fn with a deadline and returns ErrTimeout when fn
// does not return in time, even if fn ignores its context.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(cctx)
		done <- result{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-cctx.Done():
		var zero T
		if errors.Is(ctx.Err(), context.Canceled) {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("%w: no reply within %v", ErrTimeout, timeout)
	}
}
