// Package telemetry publishes allocator statistics to a statsd daemon.
//
// A Reporter samples CalculateStats and Budgets on a fixed interval and
// pushes the numbers as gauges: per-heap consumption against the
// advisory budget, plus totals across the whole allocator. Reporting is
// strictly optional; an allocator works the same without one.
package telemetry

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	statsd "gopkg.in/alexcesaro/statsd.v2"

	"github.com/ferron-io/devmem/allocator"
	"github.com/ferron-io/devmem/errors"
)

// Options configure a Reporter.
type Options struct {
	// Address is the statsd daemon to push to, host:port. Defaults to
	// the client's :8125.
	Address string

	// Network selects udp or tcp. Defaults to udp.
	Network string

	// Prefix namespaces every metric name. Defaults to "devmem".
	Prefix string

	// Logger receives transport failures. Defaults to a no-op logger.
	Logger *zap.Logger
}

// Reporter pushes one allocator's statistics to statsd.
type Reporter struct {
	alloc  *allocator.Allocator
	client *statsd.Client
	log    *zap.Logger

	errMu   sync.Mutex
	lastErr error

	mu     sync.Mutex
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

// New connects a statsd client for the given allocator. The reporter
// does nothing until Start is called; ReportOnce pushes a single
// snapshot without a loop.
func New(a *allocator.Allocator, opts Options) (*Reporter, error) {
	if a == nil {
		return nil, errors.InvalidArgument(errors.OpStats, "allocator is nil")
	}
	if opts.Prefix == "" {
		opts.Prefix = "devmem"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	r := &Reporter{alloc: a, log: opts.Logger}

	copts := []statsd.Option{
		statsd.Prefix(opts.Prefix),
		statsd.ErrorHandler(r.recordError),
	}
	if opts.Address != "" {
		copts = append(copts, statsd.Address(opts.Address))
	}
	if opts.Network != "" {
		copts = append(copts, statsd.Network(opts.Network))
	}
	client, err := statsd.New(copts...)
	if err != nil {
		return nil, errors.Unavailable(errors.OpStats, "statsd endpoint", err)
	}
	r.client = client
	return r, nil
}

// Start launches the reporting loop. The first snapshot goes out after
// one interval. Failed reports back off exponentially, up to 15 seconds
// between retries.
func (r *Reporter) Start(interval time.Duration) error {
	if interval <= 0 {
		return errors.InvalidArgument(errors.OpStats, "report interval must be positive")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.InvalidArgument(errors.OpStats, "reporter is closed")
	}
	if r.stop != nil {
		return errors.InvalidArgument(errors.OpStats, "reporter already started")
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.run(interval, r.stop, r.done)
	return nil
}

func (r *Reporter) run(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	delay := delayExp2{min: 1, max: 15, unit: time.Second}
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if err := r.ReportOnce(); err != nil {
			r.log.Warn("reporting allocator metrics failed", zap.Error(err))
			delay.sleepWithCancel(stop)
		} else {
			delay.reset()
		}
	}
}

// ReportOnce pushes a single snapshot of gauges and surfaces any
// transport error the client hit while sending it.
func (r *Reporter) ReportOnce() error {
	stats := r.alloc.CalculateStats()
	budgets := r.alloc.Budgets()

	for i, b := range budgets {
		r.heapGauge(i, "block_bytes", b.BlockBytes)
		r.heapGauge(i, "allocation_bytes", b.AllocationBytes)
		r.heapGauge(i, "usage", b.Usage)
		r.heapGauge(i, "budget", b.Budget)
		r.heapGauge(i, "blocks", int64(stats.Heaps[i].BlockCount))
	}
	total := stats.Total
	r.client.Gauge("total.blocks", total.BlockCount)
	r.client.Gauge("total.allocations", total.AllocationCount)
	r.client.Gauge("total.used_bytes", total.UsedBytes)
	r.client.Gauge("total.unused_bytes", total.UnusedBytes)
	r.client.Gauge("total.unused_ranges", total.UnusedRangeCount)
	r.client.Flush()

	if err := r.takeError(); err != nil {
		return errors.Unavailable(errors.OpStats, "pushing gauges", err)
	}
	return nil
}

func (r *Reporter) heapGauge(heap int, key string, value int64) {
	r.client.Gauge(fmt.Sprintf("heap.%d.%s", heap, key), value)
}

// Close stops the loop and flushes whatever the client still buffers.
// Safe to call more than once.
func (r *Reporter) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	stop, done := r.stop, r.done
	r.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	r.client.Close()
	if err := r.takeError(); err != nil {
		return errors.Unavailable(errors.OpStats, "final flush", err)
	}
	return nil
}

// recordError is installed as the statsd client's error handler. The
// client reports write failures asynchronously, so the latest one is
// kept until the next report picks it up.
func (r *Reporter) recordError(err error) {
	r.errMu.Lock()
	r.lastErr = err
	r.errMu.Unlock()
}

func (r *Reporter) takeError() error {
	r.errMu.Lock()
	err := r.lastErr
	r.lastErr = nil
	r.errMu.Unlock()
	return err
}

// delayExp2 doubles the pause between consecutive failures, bounded to
// [min, max] units.
type delayExp2 struct {
	min, max int
	value    int
	unit     time.Duration
}

func (d *delayExp2) reset() {
	d.value = 0
}

func (d *delayExp2) next() int {
	d.value *= 2
	if d.value < d.min {
		d.value = d.min
	}
	if d.value > d.max {
		d.value = d.max
	}
	return d.value
}

func (d *delayExp2) sleepWithCancel(cancel <-chan struct{}) {
	for i, total := 0, d.next(); i < total; i++ {
		select {
		case <-cancel:
			return
		case <-time.After(d.unit):
		}
	}
}
