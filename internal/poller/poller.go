// Package poller runs a task on an interval. After a failure the next run
// waits an exponentially growing, fully jittered delay capped at a maximum;
// the first success resets it to the interval.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/msageha/fleetguard/internal/metrics"
)

// Task is one invocation of the polled operation.
type Task func(ctx context.Context) error

type Poller struct {
	name       string
	interval   time.Duration
	maxBackoff time.Duration
	task       Task
	metrics    *metrics.Metrics
	logger     *slog.Logger
	rand       func() float64

	mu       sync.Mutex
	failures int
}

type Option func(*Poller)

func WithMetrics(m *metrics.Metrics) Option { return func(p *Poller) { p.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(p *Poller) { p.logger = l } }

// WithRand replaces the jitter source; f returns values in [0, 1).
func WithRand(f func() float64) Option { return func(p *Poller) { p.rand = f } }

// New returns a poller running task every interval. maxBackoff below
// interval is raised to it.
func New(name string, interval, maxBackoff time.Duration, task Task, opts ...Option) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	p := &Poller{
		name:       name,
		interval:   interval,
		maxBackoff: max(maxBackoff, interval),
		task:       task,
		rand:       rand.Float64,
	}
	for _, o := range opts {
		o(p)
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	p.logger = p.logger.With("component", "poller", "task", name)
	return p
}

// Failures returns the current run of consecutive failures.
func (p *Poller) Failures() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}

// Jitter returns a full-jitter delay for the given number of consecutive
// failures: uniform in [floor, min(max, base·2^failures)) where floor is a
// tenth of base. r is a sample from [0, 1).
func Jitter(failures int, base, maxDelay time.Duration, r float64) time.Duration {
	ceiling := base
	for i := 0; i < failures && ceiling < maxDelay; i++ {
		ceiling *= 2
	}
	ceiling = min(ceiling, maxDelay)
	floor := base / 10
	d := time.Duration(r * float64(ceiling))
	return max(d, floor)
}

// next records the outcome of one run and returns the delay before the next.
func (p *Poller) next(err error) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		p.failures = 0
		return p.interval
	}
	p.failures++
	return Jitter(p.failures, p.interval, p.maxBackoff, p.rand())
}

// RunOnce invokes the task a single time and records the outcome.
func (p *Poller) RunOnce(ctx context.Context) (time.Duration, error) {
	err := p.task(ctx)
	if p.metrics != nil {
		p.metrics.PollerRuns.WithLabelValues(p.name, metrics.Result(err)).Inc()
	}
	delay := p.next(err)
	if err != nil && ctx.Err() == nil {
		p.logger.Warn("poll failed", "error", err, "failures", p.Failures(), "retry_in", delay)
	}
	return delay, err
}

// Run invokes the task immediately and then after each computed delay until
// ctx is canceled. It returns nil on cancellation.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started", "interval", p.interval, "max_backoff", p.maxBackoff)
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return nil
		case <-timer.C:
		}
		delay, err := p.RunOnce(ctx)
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			continue
		}
		timer.Reset(delay)
	}
}
