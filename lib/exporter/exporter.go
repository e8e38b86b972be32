// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

package exporter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/pydantic/logfire-sub001/lib/clock"
)

// DefaultLogInterval is the minimum spacing of the backlog and drop
// warnings.
const DefaultLogInterval = 60 * time.Second

var (
	// ErrEmptyPayload is returned by Export for a zero-length payload.
	ErrEmptyPayload = errors.New("refusing to export an empty payload")

	// ErrClosed is returned by Export after Shutdown.
	ErrClosed = errors.New("exporter is shut down")
)

// Result reports what Export did with a payload.
type Result uint8

const (
	// Delivered: the backend accepted the payload, on the first
	// attempt or the immediate retry.
	Delivered Result = iota + 1

	// Deferred: both attempts failed and the payload is in the retry
	// spool. The background worker keeps retrying it.
	Deferred

	// Dropped: the payload could not be delivered or spooled. This is
	// the only data-loss outcome.
	Dropped
)

func (r Result) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case Deferred:
		return "deferred"
	case Dropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Options configures an Exporter. Zero values select the defaults.
type Options struct {
	// Sender delivers payloads. Required.
	Sender Sender

	// ImmediateRetryDelay separates the first attempt from the
	// synchronous retry. Defaults to 1s.
	ImmediateRetryDelay time.Duration

	// InitialInterval is the first backoff of a spooled payload.
	// Defaults to 1s.
	InitialInterval time.Duration

	// MaxInterval caps the backoff. Defaults to 128s.
	MaxInterval time.Duration

	// JitterFraction is the proportional jitter applied to each
	// backoff. Defaults to 0.5; must be within [0, 1].
	JitterFraction float64

	// Random returns uniform values in [0, 1) for jitter. Defaults to
	// math/rand/v2.Float64.
	Random func() float64

	// LogInterval spaces the backlog and drop warnings. Defaults to
	// 60s.
	LogInterval time.Duration

	// Spool configures the durable retry queue. Its Clock and Logger
	// default to the exporter's.
	Spool SpoolOptions

	Clock      clock.Clock
	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

func (o *Options) setDefaults() error {
	if o.Sender == nil {
		return errors.New("exporter: sender is required")
	}
	if o.ImmediateRetryDelay < 0 {
		return fmt.Errorf("exporter: negative immediate retry delay %s", o.ImmediateRetryDelay)
	}
	if o.ImmediateRetryDelay == 0 {
		o.ImmediateRetryDelay = DefaultImmediateRetryDelay
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = DefaultInitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = DefaultMaxInterval
	}
	if o.InitialInterval > o.MaxInterval {
		return fmt.Errorf("exporter: initial interval %s exceeds max interval %s", o.InitialInterval, o.MaxInterval)
	}
	if o.JitterFraction == 0 {
		o.JitterFraction = DefaultJitterFraction
	}
	if o.JitterFraction < 0 || o.JitterFraction > 1 {
		return fmt.Errorf("exporter: jitter fraction %v outside [0, 1]", o.JitterFraction)
	}
	if o.Random == nil {
		o.Random = rand.Float64
	}
	if o.LogInterval <= 0 {
		o.LogInterval = DefaultLogInterval
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Spool.Clock == nil {
		o.Spool.Clock = o.Clock
	}
	if o.Spool.Logger == nil {
		o.Spool.Logger = o.Logger
	}
	return nil
}

// Exporter delivers payloads to a Sender and guarantees that every
// payload it accepts is retried until delivered, unless the retry
// spool is full.
//
// Export tries twice synchronously, one ImmediateRetryDelay apart, and
// spools the payload if both attempts fail. A single background worker
// redelivers spooled payloads with exponential backoff and jitter.
// ForceFlush drains the spool synchronously within a deadline.
type Exporter struct {
	options Options
	sender  Sender
	spool   *Spool
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics

	backlogLog *rate.Limiter
	dropLog    *rate.Limiter

	closed       atomic.Bool
	shutdownOnce sync.Once
	stopWorker   context.CancelFunc
	workerDone   chan struct{}
}

// New opens the retry spool and starts the retry worker. The caller
// must call Shutdown to stop the worker and release the spool.
func New(options Options) (*Exporter, error) {
	if err := options.setDefaults(); err != nil {
		return nil, err
	}
	spool, err := OpenSpool(options.Spool)
	if err != nil {
		return nil, err
	}

	workerContext, stopWorker := context.WithCancel(context.Background())
	exporter := &Exporter{
		options:    options,
		sender:     options.Sender,
		spool:      spool,
		clock:      options.Clock,
		logger:     options.Logger,
		metrics:    newMetrics(options.Registerer, spool),
		backlogLog: rate.NewLimiter(rate.Every(options.LogInterval), 1),
		dropLog:    rate.NewLimiter(rate.Every(options.LogInterval), 1),
		stopWorker: stopWorker,
		workerDone: make(chan struct{}),
	}
	if dropped := spool.RecoveryDropped(); dropped > 0 {
		exporter.metrics.spoolDropped.Add(float64(dropped))
	}

	go exporter.runWorker(workerContext)
	return exporter, nil
}

// Spool returns the exporter's retry spool.
func (e *Exporter) Spool() *Spool { return e.spool }

// Export delivers payload, retrying once after ImmediateRetryDelay. If
// both attempts fail the payload is spooled and Export returns
// Deferred with a nil error. A payload the spool cannot hold is
// Dropped and the error wraps ErrCapacityExceeded.
//
// Cancelling ctx skips the immediate retry and spools the payload
// right away.
func (e *Exporter) Export(ctx context.Context, payload []byte) (Result, error) {
	if len(payload) == 0 {
		return Dropped, ErrEmptyPayload
	}
	if e.closed.Load() {
		return Dropped, ErrClosed
	}

	err := e.sender.Send(ctx, payload)
	if err == nil {
		return e.finish(Delivered), nil
	}

	timer := e.clock.NewTimer(e.options.ImmediateRetryDelay)
	select {
	case <-timer.C:
		err = e.sender.Send(ctx, payload)
		if err == nil {
			return e.finish(Delivered), nil
		}
	case <-ctx.Done():
		timer.Stop()
	}

	if _, spoolErr := e.spool.Push(payload, e.options.InitialInterval); spoolErr != nil {
		e.warnDrop(len(payload), spoolErr)
		e.metrics.spoolDropped.Inc()
		return e.finish(Dropped), fmt.Errorf("export failed (%v) and could not be spooled: %w", err, spoolErr)
	}
	e.logger.Debug("export failed, payload spooled for retry", "error", err, "bytes", len(payload))
	return e.finish(Deferred), nil
}

func (e *Exporter) finish(result Result) Result {
	e.metrics.exports.WithLabelValues(result.String()).Inc()
	return result
}

// warnDrop and warnBacklog log at most once per LogInterval of the
// exporter's clock.
func (e *Exporter) warnDrop(size int, err error) {
	if !e.dropLog.AllowN(e.clock.Now(), 1) {
		return
	}
	e.logger.Error("dropping an export",
		"bytes", size,
		"error", err,
		"spool_bytes", e.spool.Bytes(),
		"spool_max_bytes", e.spool.MaxBytes(),
	)
}

func (e *Exporter) warnBacklog() {
	entries, held := e.spool.Len(), e.spool.Bytes()
	if entries == 0 || !e.backlogLog.AllowN(e.clock.Now(), 1) {
		return
	}
	e.logger.Warn(fmt.Sprintf("retrying %d failed export(s) (%d bytes)", entries, held),
		"entries", entries,
		"bytes", held,
	)
}

// runWorker redelivers spooled payloads until ctx is cancelled. It
// sleeps until the earliest next-attempt time or the next spool change,
// whichever comes first.
func (e *Exporter) runWorker(ctx context.Context) {
	defer close(e.workerDone)
	for {
		changed := e.spool.Changed()
		if e.spool.Len() > 0 {
			e.warnBacklog()
		}

		now := e.clock.Now()
		entry, ok := e.spool.Claim(func(candidate Entry) bool {
			return !candidate.NextAttempt.After(now)
		})
		if ok {
			e.attempt(ctx, entry)
			if ctx.Err() != nil {
				return
			}
			continue
		}

		var timer *clock.Timer
		var fired <-chan time.Time
		if next, pending := e.spool.NextAttempt(); pending {
			timer = e.clock.NewTimer(next.Sub(now))
			fired = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-changed:
		case <-fired:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// attempt sends one claimed entry and removes or reschedules it.
// Reports whether the entry was delivered.
func (e *Exporter) attempt(ctx context.Context, entry Entry) bool {
	payload, err := e.spool.Load(entry)
	if err != nil {
		e.logger.Error("discarding unreadable spool entry", "entry", entry.ID, "error", err)
		e.metrics.spoolDropped.Inc()
		if removeErr := e.spool.Remove(entry.ID); removeErr != nil {
			e.logger.Warn("removing spool entry failed", "entry", entry.ID, "error", removeErr)
		}
		return false
	}

	if err := e.sender.Send(ctx, payload); err != nil {
		e.metrics.retries.WithLabelValues("failure").Inc()
		entry.Attempts++
		entry.Interval = NextInterval(entry.Interval, e.options.MaxInterval)
		wait := Jitter(entry.Interval, e.options.MaxInterval, e.options.JitterFraction, e.options.Random())
		entry.NextAttempt = e.clock.Now().Add(wait)
		if rescheduleErr := e.spool.Reschedule(entry); rescheduleErr != nil {
			e.logger.Warn("persisting retry schedule failed", "entry", entry.ID, "error", rescheduleErr)
		}
		e.logger.Debug("spooled export retry failed",
			"entry", entry.ID,
			"attempts", entry.Attempts,
			"next_retry_in", wait,
			"error", err,
		)
		return false
	}

	e.metrics.retries.WithLabelValues("success").Inc()
	if err := e.spool.Remove(entry.ID); err != nil {
		e.logger.Warn("removing delivered spool entry failed", "entry", entry.ID, "error", err)
	}
	return true
}

// ForceFlush attempts to deliver every spooled payload before ctx is
// done and reports whether the spool drained. An empty spool returns
// true at once. Each entry is tried immediately regardless of its
// backoff; entries that fail are retried again only when their backoff
// expires. Entries the worker is sending are waited for. When ctx ends
// first, ForceFlush returns false and the remaining entries stay
// queued for the worker.
//
// ctx also bounds every send, so the transport timeout and ctx
// together bound how long ForceFlush can block.
func (e *Exporter) ForceFlush(ctx context.Context) bool {
	if e.spool.Len() == 0 {
		return true
	}

	attempted := make(map[string]bool)
	for {
		changed := e.spool.Changed()
		if e.spool.Len() == 0 {
			return true
		}
		if ctx.Err() != nil || e.closed.Load() {
			return false
		}

		now := e.clock.Now()
		entry, ok := e.spool.Claim(func(candidate Entry) bool {
			return !attempted[candidate.ID] || !candidate.NextAttempt.After(now)
		})
		if ok {
			attempted[entry.ID] = true
			e.attempt(ctx, entry)
			continue
		}

		var timer *clock.Timer
		var fired <-chan time.Time
		if next, pending := e.spool.NextAttempt(); pending {
			timer = e.clock.NewTimer(next.Sub(now))
			fired = timer.C
		}
		select {
		case <-ctx.Done():
		case <-changed:
		case <-fired:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Shutdown stops the retry worker and closes the spool. Spooled
// payloads are not flushed; call ForceFlush first for that. If ctx
// ends before the worker stops, the spool is closed in the background
// once it does and ctx's error is returned.
func (e *Exporter) Shutdown(ctx context.Context) error {
	var err error
	e.shutdownOnce.Do(func() {
		e.closed.Store(true)
		e.stopWorker()
		select {
		case <-e.workerDone:
			err = e.spool.Close()
		case <-ctx.Done():
			go func() {
				<-e.workerDone
				e.spool.Close()
			}()
			err = fmt.Errorf("waiting for retry worker: %w", ctx.Err())
		}
	})
	return err
}
