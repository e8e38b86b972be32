// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

package tailsample

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/pydantic/logfire-sub001/lib/clock"
)

const (
	defaultShards            = 32
	defaultDecisionCacheSize = 65536
	decisionErrorLogInterval = time.Minute
)

// Option configures a Processor.
type Option func(*options)

type options struct {
	shards            int
	decisionCacheSize int
	maxPendingAge     time.Duration
	clock             clock.Clock
	logger            *slog.Logger
	registerer        prometheus.Registerer
}

// WithShards sets the number of independently locked partitions of the
// pending-trace map. Values below 1 select the default of 32.
func WithShards(n int) Option {
	return func(o *options) { o.shards = n }
}

// WithDecisionCacheSize bounds how many resolved trace ids are
// remembered. Spans of a trace whose decision has been evicted start a
// new buffer. Values below 1 select the default of 65536.
func WithDecisionCacheSize(n int) Option {
	return func(o *options) { o.decisionCacheSize = n }
}

// WithMaxPendingAge drops traces that have been pending longer than d.
// A janitor checks every d/2. Zero (the default) buffers undecided
// traces until their first span ends or the processor shuts down.
func WithMaxPendingAge(d time.Duration) Option {
	return func(o *options) { o.maxPendingAge = d }
}

// WithClock sets the clock used for buffer timestamps and the janitor.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer registers the processor's Prometheus collectors.
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(o *options) { o.registerer = registerer }
}

// Processor is an sdktrace.SpanProcessor that buffers every span of a
// trace until its Sampler resolves the trace, then either replays the
// buffered events to the downstream processor or discards them.
//
// For a kept trace, downstream sees exactly the OnStart/OnEnd sequence
// it would have seen without buffering: the flush replays the buffered
// events in arrival order and later events of the trace pass straight
// through. A dropped trace
// never reaches downstream. No trace is delivered partially.
//
// Pending traces are partitioned over shards by trace id. Every
// mutation of a trace's buffer, every sampler call, and every
// downstream call for that trace happens under the shard's mutex, so
// downstream observes each trace's events in the order the shard
// serialized them.
type Processor struct {
	downstream sdktrace.SpanProcessor
	sampler    Sampler
	shards     []*shard

	// decisions maps resolved trace ids to true (kept) or false
	// (dropped). Reads and writes happen under the owning shard lock;
	// the cache's own locking only guards its LRU bookkeeping.
	decisions *lru.Cache[trace.TraceID, bool]

	clock         clock.Clock
	logger        *slog.Logger
	metrics       *metrics
	errorLog      *rate.Limiter
	maxPendingAge time.Duration

	closed       atomic.Bool
	shutdownOnce sync.Once
	janitorStop  chan struct{}
	janitorDone  chan struct{}
}

type shard struct {
	mu      sync.Mutex
	pending map[trace.TraceID]*TraceBuffer

	// open tracks spans that have started but not ended, so Shutdown
	// can end them. Entries are removed on OnEnd.
	open map[spanKey]sdktrace.ReadWriteSpan
}

type spanKey struct {
	trace trace.TraceID
	span  trace.SpanID
}

var _ sdktrace.SpanProcessor = (*Processor)(nil)

// NewProcessor wraps downstream with tail sampling driven by sampler.
// The caller registers the returned Processor with a TracerProvider in
// place of downstream.
func NewProcessor(downstream sdktrace.SpanProcessor, sampler Sampler, opts ...Option) (*Processor, error) {
	if downstream == nil {
		return nil, errors.New("tailsample: downstream processor is required")
	}
	if sampler == nil {
		return nil, errors.New("tailsample: sampler is required")
	}

	config := options{}
	for _, opt := range opts {
		opt(&config)
	}
	if config.shards < 1 {
		config.shards = defaultShards
	}
	if config.decisionCacheSize < 1 {
		config.decisionCacheSize = defaultDecisionCacheSize
	}
	if config.maxPendingAge < 0 {
		return nil, fmt.Errorf("tailsample: negative max pending age %s", config.maxPendingAge)
	}
	if config.clock == nil {
		config.clock = clock.Real()
	}
	if config.logger == nil {
		config.logger = slog.Default()
	}

	decisions, err := lru.New[trace.TraceID, bool](config.decisionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("tailsample: creating decision cache: %w", err)
	}

	processor := &Processor{
		downstream:    downstream,
		sampler:       sampler,
		shards:        make([]*shard, config.shards),
		decisions:     decisions,
		clock:         config.clock,
		logger:        config.logger,
		metrics:       newMetrics(config.registerer),
		errorLog:      rate.NewLimiter(rate.Every(decisionErrorLogInterval), 1),
		maxPendingAge: config.maxPendingAge,
	}
	for i := range processor.shards {
		processor.shards[i] = &shard{
			pending: make(map[trace.TraceID]*TraceBuffer),
			open:    make(map[spanKey]sdktrace.ReadWriteSpan),
		}
	}

	if processor.maxPendingAge > 0 {
		processor.janitorStop = make(chan struct{})
		processor.janitorDone = make(chan struct{})
		go processor.runJanitor()
	}
	return processor, nil
}

func (p *Processor) shardFor(traceID trace.TraceID) *shard {
	index := binary.BigEndian.Uint64(traceID[:8]) % uint64(len(p.shards))
	return p.shards[index]
}

// OnStart buffers the span start, or passes it through when its trace
// has already been resolved as kept.
func (p *Processor) OnStart(parent context.Context, span sdktrace.ReadWriteSpan) {
	if p.closed.Load() {
		return
	}
	spanContext := span.SpanContext()
	traceID := spanContext.TraceID()
	s := p.shardFor(traceID)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.open[spanKey{traceID, spanContext.SpanID()}] = span

	if keep, resolved := p.decisions.Get(traceID); resolved {
		if keep {
			p.downstream.OnStart(parent, span)
		}
		return
	}

	buffer := p.bufferLocked(s, traceID)
	buffer.addStart(span, parent)
	p.decideLocked(s, traceID, buffer, SpanInfo{
		Span:   span,
		Parent: parent,
		Event:  EventStart,
		Buffer: buffer,
	})
}

// OnEnd buffers the span end, or passes it through when its trace has
// already been resolved as kept.
func (p *Processor) OnEnd(span sdktrace.ReadOnlySpan) {
	if p.closed.Load() {
		return
	}
	spanContext := span.SpanContext()
	traceID := spanContext.TraceID()
	s := p.shardFor(traceID)

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.open, spanKey{traceID, spanContext.SpanID()})

	if keep, resolved := p.decisions.Get(traceID); resolved {
		if keep {
			p.downstream.OnEnd(span)
		}
		return
	}

	buffer := p.bufferLocked(s, traceID)
	buffer.addEnd(span)
	p.decideLocked(s, traceID, buffer, SpanInfo{
		Span:   span,
		Event:  EventEnd,
		Buffer: buffer,
	})
}

// bufferLocked returns the pending buffer for traceID, creating it if
// this is the first event seen for the trace.
func (p *Processor) bufferLocked(s *shard, traceID trace.TraceID) *TraceBuffer {
	buffer, ok := s.pending[traceID]
	if !ok {
		buffer = &TraceBuffer{CreatedAt: p.clock.Now()}
		s.pending[traceID] = buffer
		p.metrics.pending.Inc()
	}
	return buffer
}

// evaluation is the outcome of one sampler call.
type evaluation uint8

const (
	evaluationDecided evaluation = iota
	evaluationUndecided
	evaluationFailed
)

// decideLocked evaluates the sampler for one event and applies the
// outcome. A trace whose first span ends undecided is dropped: nothing
// else would ever resolve it. A failed evaluation leaves the trace
// pending for a later event, the janitor, or Shutdown.
func (p *Processor) decideLocked(s *shard, traceID trace.TraceID, buffer *TraceBuffer, info SpanInfo) {
	sampleRate, outcome := p.sampleRate(info)
	switch outcome {
	case evaluationFailed:
		return
	case evaluationUndecided:
		if info.Event == EventEnd && info.IsFirstSpan() {
			p.dropLocked(s, traceID, ReasonIncomplete)
		}
		return
	}
	if Keep(traceID, sampleRate) {
		p.flushLocked(s, traceID, buffer)
	} else {
		p.dropLocked(s, traceID, ReasonSampled)
	}
}

// sampleRate calls the sampler, converting errors and panics into a
// failed evaluation. The buffer is never touched here, so a failing
// sampler leaves the trace exactly as it was.
func (p *Processor) sampleRate(info SpanInfo) (sampleRate float64, outcome evaluation) {
	defer func() {
		if recovered := recover(); recovered != nil {
			p.decisionFailed(info, fmt.Errorf("sampler panicked: %v", recovered))
			sampleRate, outcome = 0, evaluationFailed
		}
	}()

	sampleRate, err := p.sampler.SampleRate(info)
	if errors.Is(err, ErrUndecided) {
		return 0, evaluationUndecided
	}
	if err != nil {
		p.decisionFailed(info, err)
		return 0, evaluationFailed
	}
	if math.IsNaN(sampleRate) {
		p.decisionFailed(info, errors.New("sampler returned NaN"))
		return 0, evaluationFailed
	}
	return clampRate(sampleRate), evaluationDecided
}

func (p *Processor) decisionFailed(info SpanInfo, err error) {
	p.metrics.decisionErrors.Inc()
	if !p.errorLog.AllowN(p.clock.Now(), 1) {
		return
	}
	p.logger.Warn("tail sampler failed, trace left pending",
		"error", err,
		"trace_id", info.Span.SpanContext().TraceID().String(),
		"event", info.Event.String(),
	)
}

// flushLocked resolves the trace as kept and replays its buffer.
func (p *Processor) flushLocked(s *shard, traceID trace.TraceID, buffer *TraceBuffer) {
	delete(s.pending, traceID)
	p.metrics.pending.Dec()
	p.decisions.Add(traceID, true)
	p.metrics.kept.Inc()

	buffer.replay(p.downstream)
}

// dropLocked resolves the trace as dropped and discards its buffer.
func (p *Processor) dropLocked(s *shard, traceID trace.TraceID, reason string) {
	if _, ok := s.pending[traceID]; ok {
		delete(s.pending, traceID)
		p.metrics.pending.Dec()
	}
	p.decisions.Add(traceID, false)
	p.metrics.dropped.WithLabelValues(reason).Inc()
}

// Pending returns the number of traces awaiting a decision.
func (p *Processor) Pending() int {
	total := 0
	for _, s := range p.shards {
		s.mu.Lock()
		total += len(s.pending)
		s.mu.Unlock()
	}
	return total
}

// ForceFlush forwards to the downstream processor. Pending traces are
// not flushed: releasing them would override the sampling decision.
func (p *Processor) ForceFlush(ctx context.Context) error {
	return p.downstream.ForceFlush(ctx)
}

// Shutdown ends every span that is still open, which runs each through
// the normal end path and lets its trace resolve. Traces still pending
// afterwards are dropped. Finally the downstream processor is shut
// down. Subsequent span events are ignored.
func (p *Processor) Shutdown(ctx context.Context) error {
	var err error
	p.shutdownOnce.Do(func() {
		p.stopJanitor()

		for _, span := range p.openSpans() {
			span.End()
		}

		p.closed.Store(true)
		for _, s := range p.shards {
			s.mu.Lock()
			for traceID := range s.pending {
				p.dropLocked(s, traceID, ReasonShutdown)
			}
			clear(s.open)
			s.mu.Unlock()
		}

		err = p.downstream.Shutdown(ctx)
	})
	return err
}

// openSpans snapshots the registry. Spans are ended outside the shard
// locks because End calls back into OnEnd.
func (p *Processor) openSpans() []sdktrace.ReadWriteSpan {
	var spans []sdktrace.ReadWriteSpan
	for _, s := range p.shards {
		s.mu.Lock()
		for _, span := range s.open {
			spans = append(spans, span)
		}
		s.mu.Unlock()
	}
	return spans
}

func (p *Processor) runJanitor() {
	defer close(p.janitorDone)
	period := p.maxPendingAge / 2
	if period <= 0 {
		period = p.maxPendingAge
	}
	ticker := p.clock.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-p.janitorStop:
			return
		case <-ticker.C:
			p.expire(p.clock.Now())
		}
	}
}

// expire drops every trace that has been pending longer than the
// maximum age as of now.
func (p *Processor) expire(now time.Time) {
	expired := 0
	for _, s := range p.shards {
		s.mu.Lock()
		for traceID, buffer := range s.pending {
			if now.Sub(buffer.CreatedAt) > p.maxPendingAge {
				p.dropLocked(s, traceID, ReasonExpired)
				expired++
			}
		}
		s.mu.Unlock()
	}
	if expired > 0 {
		p.logger.Debug("expired pending traces", "count", expired, "max_age", p.maxPendingAge)
	}
}

func (p *Processor) stopJanitor() {
	if p.janitorStop == nil {
		return
	}
	close(p.janitorStop)
	<-p.janitorDone
}
