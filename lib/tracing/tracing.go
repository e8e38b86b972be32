// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

package tracing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/pydantic/logfire-sub001/lib/clock"
	"github.com/pydantic/logfire-sub001/lib/config"
	"github.com/pydantic/logfire-sub001/lib/exporter"
	"github.com/pydantic/logfire-sub001/lib/otlp"
	"github.com/pydantic/logfire-sub001/lib/tailsample"
)

// Option customizes Setup beyond what the configuration file holds.
type Option func(*setupConfig)

type setupConfig struct {
	sender       exporter.Sender
	sampler      tailsample.Sampler
	resource     *resource.Resource
	batchOptions []sdktrace.BatchSpanProcessorOption
	clock        clock.Clock
	logger       *slog.Logger
	registerer   prometheus.Registerer
}

// WithSender replaces the HTTP sender built from the export section.
func WithSender(sender exporter.Sender) Option {
	return func(c *setupConfig) { c.sender = sender }
}

// WithSampler replaces the level-or-duration sampler built from the
// sampling section. The head rate still applies.
func WithSampler(sampler tailsample.Sampler) Option {
	return func(c *setupConfig) { c.sampler = sampler }
}

// WithResource sets the resource attached to every span.
func WithResource(res *resource.Resource) Option {
	return func(c *setupConfig) { c.resource = res }
}

// WithBatchOptions tunes the batch span processor.
func WithBatchOptions(options ...sdktrace.BatchSpanProcessorOption) Option {
	return func(c *setupConfig) { c.batchOptions = append(c.batchOptions, options...) }
}

// WithClock sets the clock used by the exporter and the tail sampler.
func WithClock(c clock.Clock) Option {
	return func(s *setupConfig) { s.clock = c }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *setupConfig) { c.logger = logger }
}

// WithRegisterer registers the pipeline's metrics.
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(c *setupConfig) { c.registerer = registerer }
}

// Pipeline is a configured tracer provider and the export chain behind
// it:
//
//	TracerProvider → tail sampler (optional) → BatchSpanProcessor →
//	otlp.SpanExporter → exporter.Exporter → Sender
type Pipeline struct {
	provider *sdktrace.TracerProvider
	exporter *exporter.Exporter
	tail     *tailsample.Processor
}

// Setup validates cfg and builds the pipeline. The caller must call
// Shutdown to flush buffered spans and release the retry spool.
func Setup(cfg *config.Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	setup := setupConfig{}
	for _, opt := range opts {
		opt(&setup)
	}
	if setup.clock == nil {
		setup.clock = clock.Real()
	}
	if setup.logger == nil {
		setup.logger = slog.Default()
	}

	sender := setup.sender
	if sender == nil {
		httpSender, err := exporter.NewHTTPSender(exporter.HTTPSenderOptions{
			BaseURL: cfg.Export.BaseURL,
			Path:    cfg.Export.TracesPath,
			Token:   cfg.Export.Token,
			Timeout: cfg.Export.Timeout,
			Gzip:    cfg.Export.Gzip,
		})
		if err != nil {
			return nil, err
		}
		sender = httpSender
	}

	var sampler tailsample.Sampler
	if cfg.Sampling.Enabled {
		built, err := buildSampler(cfg, setup.sampler)
		if err != nil {
			return nil, err
		}
		sampler = built
	}

	compression, err := exporter.ParseCompressionTag(cfg.Retry.Compression)
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureSpoolDir(); err != nil {
		return nil, err
	}
	retrying, err := exporter.New(exporter.Options{
		Sender:              sender,
		ImmediateRetryDelay: cfg.Retry.ImmediateDelay,
		InitialInterval:     cfg.Retry.InitialInterval,
		MaxInterval:         cfg.Retry.MaxInterval,
		JitterFraction:      cfg.Retry.Jitter,
		LogInterval:         cfg.Retry.LogInterval,
		Spool: exporter.SpoolOptions{
			Dir:         cfg.Retry.SpoolDir,
			MaxBytes:    cfg.Retry.MaxBytes,
			Compression: compression,
		},
		Clock:      setup.clock,
		Logger:     setup.logger.With("component", "exporter"),
		Registerer: setup.registerer,
	})
	if err != nil {
		return nil, err
	}

	batch := sdktrace.NewBatchSpanProcessor(otlp.NewSpanExporter(retrying), setup.batchOptions...)

	providerOptions := []sdktrace.TracerProviderOption{}
	if setup.resource != nil {
		providerOptions = append(providerOptions, sdktrace.WithResource(setup.resource))
	}

	pipeline := &Pipeline{exporter: retrying}
	if sampler != nil {
		tail, err := tailsample.NewProcessor(batch, sampler,
			tailsample.WithShards(cfg.Sampling.Shards),
			tailsample.WithDecisionCacheSize(cfg.Sampling.DecisionCacheSize),
			tailsample.WithMaxPendingAge(cfg.Sampling.MaxPendingAge),
			tailsample.WithClock(setup.clock),
			tailsample.WithLogger(setup.logger.With("component", "tailsample")),
			tailsample.WithRegisterer(setup.registerer),
		)
		if err != nil {
			return nil, errors.Join(err, batch.Shutdown(context.Background()))
		}
		pipeline.tail = tail
		providerOptions = append(providerOptions, sdktrace.WithSpanProcessor(tail))
	} else {
		if cfg.Sampling.HeadRate < 1 {
			providerOptions = append(providerOptions,
				sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Sampling.HeadRate))))
		}
		providerOptions = append(providerOptions, sdktrace.WithSpanProcessor(batch))
	}

	pipeline.provider = sdktrace.NewTracerProvider(providerOptions...)
	return pipeline, nil
}

// buildSampler returns the tail sampler for cfg: override if set,
// otherwise level-or-duration, with the head rate applied on top.
func buildSampler(cfg *config.Config, override tailsample.Sampler) (tailsample.Sampler, error) {
	sampler := override
	if sampler == nil {
		threshold, err := cfg.SamplingLevel()
		if err != nil {
			return nil, err
		}
		sampler = tailsample.LevelOrDuration(tailsample.TailSamplingOptions{
			Level:          threshold,
			Duration:       cfg.Sampling.Duration,
			BackgroundRate: cfg.Sampling.BackgroundRate,
		})
	}
	return tailsample.Head(cfg.Sampling.HeadRate, sampler), nil
}

// TracerProvider returns the provider. Register it with
// otel.SetTracerProvider to make it the global default.
func (p *Pipeline) TracerProvider() *sdktrace.TracerProvider { return p.provider }

// Tracer is shorthand for TracerProvider().Tracer.
func (p *Pipeline) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return p.provider.Tracer(name, options...)
}

// Exporter returns the retrying exporter at the end of the chain.
func (p *Pipeline) Exporter() *exporter.Exporter { return p.exporter }

// PendingTraces returns the number of traces the tail sampler holds
// undecided. Zero when tail sampling is disabled.
func (p *Pipeline) PendingTraces() int {
	if p.tail == nil {
		return 0
	}
	return p.tail.Pending()
}

// ForceFlush exports every batched span and drains the retry spool
// within ctx. Traces still undecided by the tail sampler stay
// buffered. Reports whether everything was delivered.
func (p *Pipeline) ForceFlush(ctx context.Context) bool {
	if err := p.provider.ForceFlush(ctx); err != nil {
		return false
	}
	return p.exporter.ForceFlush(ctx)
}

// Shutdown ends spans still open, drops traces that remain undecided,
// exports what was batched, and drains the retry spool within ctx
// before closing it.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	return p.provider.Shutdown(ctx)
}
