// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 K&D Restaurant Contributors

package mail

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"

	"github.com/kdrestaurant/kd/internal/auth"
	"github.com/kdrestaurant/kd/pkg/errutil"
)

var (
	sendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kd_email_sends_total",
			Help: "Best-effort email sends by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)
	sendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kd_email_send_duration_seconds",
			Help:    "Time spent delivering best-effort emails",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"kind"},
	)
)

// RegisterMetrics registers the email metrics with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(sendsTotal, sendDuration)
}

// DispatcherConfig tunes Dispatcher.
type DispatcherConfig struct {
	// Concurrency bounds simultaneous sends.
	Concurrency int
	// QueueSize bounds sends waiting for a free slot. Sends beyond it are
	// dropped.
	QueueSize int
	// Timeout bounds one send, including retries.
	Timeout time.Duration
}

// Dispatcher runs best-effort sends in the background. Sends are detached
// from the request context's cancellation so a client disconnect does not
// abort delivery. It implements auth.EmailDispatcher.
type Dispatcher struct {
	logger  *slog.Logger
	timeout time.Duration
	slots   chan struct{}
	// pending holds one token per accepted send, running or queued.
	pending chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:  logger,
		timeout: cfg.Timeout,
		slots:   make(chan struct{}, cfg.Concurrency),
		pending: make(chan struct{}, cfg.Concurrency+cfg.QueueSize),
	}
}

// Dispatch schedules send and returns immediately. Sends are dropped with a
// warning after Close or when the queue is full.
func (d *Dispatcher) Dispatch(ctx context.Context, kind, to string, send func(ctx context.Context) error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.drop(ctx, kind, "best-effort email dropped, dispatcher closed")
		return
	}
	select {
	case d.pending <- struct{}{}:
	default:
		d.mu.Unlock()
		d.drop(ctx, kind, "best-effort email dropped, dispatcher queue full")
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	sendCtx := context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		defer func() { <-d.pending }()
		d.slots <- struct{}{}
		defer func() { <-d.slots }()
		d.run(sendCtx, kind, to, send)
	}()
}

func (d *Dispatcher) drop(ctx context.Context, kind, msg string) {
	sendsTotal.WithLabelValues(kind, "dropped").Inc()
	d.logger.WarnContext(ctx, msg, "operation", "send_email", "kind", kind)
}

func (d *Dispatcher) run(ctx context.Context, kind, to string, send func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := send(ctx)
	sendDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	if err != nil {
		sendsTotal.WithLabelValues(kind, "failure").Inc()
		errutil.Log(ctx, d.logger, slog.LevelWarn, "best-effort email send failed", err,
			"operation", "send_email", "kind", kind, "to", to)
		return
	}
	sendsTotal.WithLabelValues(kind, "success").Inc()
	d.logger.DebugContext(ctx, "email sent", "kind", kind, "to", to)
}

// Close stops accepting sends and waits for in-flight ones, or until ctx
// is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return oops.Code("MAIL_DISPATCHER_CLOSE_TIMEOUT").Wrap(ctx.Err())
	}
}

var _ auth.EmailDispatcher = (*Dispatcher)(nil)
