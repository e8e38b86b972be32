// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

package tracing

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/trace"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/pydantic/logfire-sub001/lib/config"
	"github.com/pydantic/logfire-sub001/lib/level"
	"github.com/pydantic/logfire-sub001/lib/tailsample"
)

// capturingSender records every payload and decodes it on demand.
type capturingSender struct {
	mu       sync.Mutex
	payloads [][]byte
	failures int
}

func (s *capturingSender) Send(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("backend unavailable")
	}
	s.payloads = append(s.payloads, payload)
	return nil
}

// spans returns the names of every delivered span and the
// service.name of their resources.
func (s *capturingSender) spans(t *testing.T) (names []string, services []string) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, payload := range s.payloads {
		var request coltracepb.ExportTraceServiceRequest
		if err := proto.Unmarshal(payload, &request); err != nil {
			t.Fatalf("decoding payload: %v", err)
		}
		for _, resourceSpans := range request.ResourceSpans {
			for _, kv := range resourceSpans.Resource.GetAttributes() {
				if kv.Key == "service.name" {
					services = append(services, kv.Value.GetStringValue())
				}
			}
			for _, scopeSpans := range resourceSpans.ScopeSpans {
				for _, span := range scopeSpans.Spans {
					names = append(names, span.Name)
				}
			}
		}
	}
	slices.Sort(names)
	return names, services
}

func testConfig(t *testing.T, samplingEnabled bool) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Export.BaseURL = "http://127.0.0.1:4318"
	cfg.Retry.SpoolDir = t.TempDir()
	cfg.Retry.ImmediateDelay = time.Millisecond
	cfg.Sampling.Enabled = samplingEnabled
	cfg.Sampling.Shards = 4
	return cfg
}

func shutdown(t *testing.T, pipeline *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pipeline.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func errorAttribute() trace.SpanStartOption {
	return trace.WithAttributes(attribute.Int64(level.LevelAttribute, level.Error.Severity()))
}

func TestSetupTailSamplingKeepsOnlyInterestingTraces(t *testing.T) {
	sender := &capturingSender{}
	registry := prometheus.NewRegistry()
	pipeline, err := Setup(testConfig(t, true),
		WithSender(sender),
		WithRegisterer(registry),
		WithResource(resource.NewSchemaless(attribute.String("service.name", "checkout"))),
	)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	tracer := pipeline.Tracer("test")

	ctx, root := tracer.Start(context.Background(), "checkout")
	_, child := tracer.Start(ctx, "charge card", errorAttribute())
	child.End()
	root.End()

	_, quiet := tracer.Start(context.Background(), "healthcheck")
	quiet.End()

	if pending := pipeline.PendingTraces(); pending != 0 {
		t.Errorf("PendingTraces() = %d, want 0", pending)
	}
	shutdown(t, pipeline)

	names, services := sender.spans(t)
	if want := []string{"charge card", "checkout"}; !slices.Equal(names, want) {
		t.Errorf("delivered spans = %v, want %v", names, want)
	}
	for _, service := range services {
		if service != "checkout" {
			t.Errorf("resource service.name = %q, want checkout", service)
		}
	}

	expected := `
# HELP tailsample_traces_kept_total Traces resolved as kept and flushed downstream.
# TYPE tailsample_traces_kept_total counter
tailsample_traces_kept_total 1
`
	if err := promtest.GatherAndCompare(registry, strings.NewReader(expected), "tailsample_traces_kept_total"); err != nil {
		t.Error(err)
	}
}

func TestSetupWithoutTailSamplingExportsEverything(t *testing.T) {
	sender := &capturingSender{}
	pipeline, err := Setup(testConfig(t, false), WithSender(sender))
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	tracer := pipeline.Tracer("test")

	for _, name := range []string{"a", "b", "c"} {
		_, span := tracer.Start(context.Background(), name)
		span.End()
	}
	shutdown(t, pipeline)

	names, _ := sender.spans(t)
	if want := []string{"a", "b", "c"}; !slices.Equal(names, want) {
		t.Errorf("delivered spans = %v, want %v", names, want)
	}
}

func TestForceFlushDeliversSpooledPayloads(t *testing.T) {
	// Both synchronous attempts fail, so the batch lands in the spool;
	// ForceFlush must then redeliver it.
	sender := &capturingSender{failures: 2}
	pipeline, err := Setup(testConfig(t, false), WithSender(sender))
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer shutdown(t, pipeline)

	_, span := pipeline.Tracer("test").Start(context.Background(), "retried")
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if !pipeline.ForceFlush(ctx) {
		t.Fatal("ForceFlush reported undelivered payloads")
	}
	if entries := pipeline.Exporter().Spool().Len(); entries != 0 {
		t.Errorf("spool holds %d entries after ForceFlush, want 0", entries)
	}
	names, _ := sender.spans(t)
	if want := []string{"retried"}; !slices.Equal(names, want) {
		t.Errorf("delivered spans = %v, want %v", names, want)
	}
}

func TestSetupCustomSampler(t *testing.T) {
	sender := &capturingSender{}
	cfg := testConfig(t, true)
	pipeline, err := Setup(cfg, WithSender(sender), WithSampler(keepAll{}))
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	_, span := pipeline.Tracer("test").Start(context.Background(), "quiet but kept")
	span.End()
	shutdown(t, pipeline)

	names, _ := sender.spans(t)
	if want := []string{"quiet but kept"}; !slices.Equal(names, want) {
		t.Errorf("delivered spans = %v, want %v", names, want)
	}
}

func TestSetupRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, true)
	cfg.Sampling.Level = "deafening"
	cfg.Retry.Jitter = 2

	_, err := Setup(cfg, WithSender(&capturingSender{}))
	if err == nil {
		t.Fatal("Setup accepted an invalid configuration")
	}
	for _, want := range []string{"sampling.level", "retry.jitter"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

type keepAll struct{}

func (keepAll) SampleRate(tailsample.SpanInfo) (float64, error) { return 1, nil }
