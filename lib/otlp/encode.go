// Copyright 2026 The Logfire Authors
// SPDX-License-Identifier: Apache-2.0

package otlp

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"
)

// EncodeSpans serializes spans as an OTLP ExportTraceServiceRequest in
// protobuf wire format. Spans are grouped by resource and then by
// instrumentation scope, preserving their relative order within each
// group.
func EncodeSpans(spans []sdktrace.ReadOnlySpan) ([]byte, error) {
	request := &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: groupSpans(spans),
	}
	data, err := proto.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encoding %d spans as OTLP: %w", len(spans), err)
	}
	return data, nil
}

type scopeKey struct {
	name      string
	version   string
	schemaURL string
}

func groupSpans(spans []sdktrace.ReadOnlySpan) []*tracepb.ResourceSpans {
	var result []*tracepb.ResourceSpans
	resourceIndex := make(map[attribute.Distinct]int)
	scopeIndex := make(map[attribute.Distinct]map[scopeKey]*tracepb.ScopeSpans)

	for _, span := range spans {
		resource := span.Resource()
		resourceKey := resource.Equivalent()
		index, ok := resourceIndex[resourceKey]
		if !ok {
			index = len(result)
			resourceIndex[resourceKey] = index
			scopeIndex[resourceKey] = make(map[scopeKey]*tracepb.ScopeSpans)
			result = append(result, &tracepb.ResourceSpans{
				Resource: &resourcepb.Resource{
					Attributes: keyValues(resource.Attributes()),
				},
				SchemaUrl: resource.SchemaURL(),
			})
		}
		resourceSpans := result[index]

		scope := span.InstrumentationScope()
		key := scopeKey{name: scope.Name, version: scope.Version, schemaURL: scope.SchemaURL}
		scopeSpans, ok := scopeIndex[resourceKey][key]
		if !ok {
			scopeSpans = &tracepb.ScopeSpans{
				Scope: &commonpb.InstrumentationScope{
					Name:    scope.Name,
					Version: scope.Version,
				},
				SchemaUrl: scope.SchemaURL,
			}
			scopeIndex[resourceKey][key] = scopeSpans
			resourceSpans.ScopeSpans = append(resourceSpans.ScopeSpans, scopeSpans)
		}
		scopeSpans.Spans = append(scopeSpans.Spans, encodeSpan(span))
	}
	return result
}

func encodeSpan(span sdktrace.ReadOnlySpan) *tracepb.Span {
	spanContext := span.SpanContext()
	traceID := spanContext.TraceID()
	spanID := spanContext.SpanID()

	encoded := &tracepb.Span{
		TraceId:                traceID[:],
		SpanId:                 spanID[:],
		TraceState:             spanContext.TraceState().String(),
		Flags:                  spanFlags(spanContext.TraceFlags(), span.Parent()),
		Name:                   span.Name(),
		Kind:                   tracepb.Span_SpanKind(span.SpanKind()),
		StartTimeUnixNano:      uint64(span.StartTime().UnixNano()),
		EndTimeUnixNano:        uint64(span.EndTime().UnixNano()),
		Attributes:             keyValues(span.Attributes()),
		DroppedAttributesCount: uint32(span.DroppedAttributes()),
		DroppedEventsCount:     uint32(span.DroppedEvents()),
		DroppedLinksCount:      uint32(span.DroppedLinks()),
		Status:                 encodeStatus(span.Status()),
	}
	if parent := span.Parent(); parent.IsValid() {
		parentID := parent.SpanID()
		encoded.ParentSpanId = parentID[:]
	}
	for _, event := range span.Events() {
		encoded.Events = append(encoded.Events, &tracepb.Span_Event{
			TimeUnixNano:           uint64(event.Time.UnixNano()),
			Name:                   event.Name,
			Attributes:             keyValues(event.Attributes),
			DroppedAttributesCount: uint32(event.DroppedAttributeCount),
		})
	}
	for _, link := range span.Links() {
		linkTraceID := link.SpanContext.TraceID()
		linkSpanID := link.SpanContext.SpanID()
		encoded.Links = append(encoded.Links, &tracepb.Span_Link{
			TraceId:                linkTraceID[:],
			SpanId:                 linkSpanID[:],
			TraceState:             link.SpanContext.TraceState().String(),
			Attributes:             keyValues(link.Attributes),
			DroppedAttributesCount: uint32(link.DroppedAttributeCount),
			Flags:                  spanFlags(link.SpanContext.TraceFlags(), link.SpanContext),
		})
	}
	return encoded
}

// OTLP span flag bits above the W3C trace flags: whether the parent's
// remoteness is known, and whether it is remote.
const (
	flagContextHasIsRemote = 0x100
	flagContextIsRemote    = 0x200
)

func spanFlags(traceFlags trace.TraceFlags, parent trace.SpanContext) uint32 {
	flags := uint32(traceFlags) | flagContextHasIsRemote
	if parent.IsRemote() {
		flags |= flagContextIsRemote
	}
	return flags
}

// encodeStatus maps SDK status codes, whose numbering differs from
// OTLP's (OTLP puts OK before ERROR).
func encodeStatus(status sdktrace.Status) *tracepb.Status {
	code := tracepb.Status_STATUS_CODE_UNSET
	switch status.Code {
	case codes.Ok:
		code = tracepb.Status_STATUS_CODE_OK
	case codes.Error:
		code = tracepb.Status_STATUS_CODE_ERROR
	}
	return &tracepb.Status{Code: code, Message: status.Description}
}

func keyValues(attributes []attribute.KeyValue) []*commonpb.KeyValue {
	if len(attributes) == 0 {
		return nil
	}
	result := make([]*commonpb.KeyValue, 0, len(attributes))
	for _, kv := range attributes {
		result = append(result, &commonpb.KeyValue{
			Key:   string(kv.Key),
			Value: anyValue(kv.Value),
		})
	}
	return result
}

func anyValue(value attribute.Value) *commonpb.AnyValue {
	switch value.Type() {
	case attribute.BOOL:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: value.AsBool()}}
	case attribute.INT64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value.AsInt64()}}
	case attribute.FLOAT64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: value.AsFloat64()}}
	case attribute.STRING:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value.AsString()}}
	case attribute.BOOLSLICE:
		return arrayValue(value.AsBoolSlice(), func(v bool) *commonpb.AnyValue {
			return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: v}}
		})
	case attribute.INT64SLICE:
		return arrayValue(value.AsInt64Slice(), func(v int64) *commonpb.AnyValue {
			return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v}}
		})
	case attribute.FLOAT64SLICE:
		return arrayValue(value.AsFloat64Slice(), func(v float64) *commonpb.AnyValue {
			return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: v}}
		})
	case attribute.STRINGSLICE:
		return arrayValue(value.AsStringSlice(), func(v string) *commonpb.AnyValue {
			return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}}
		})
	default:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value.Emit()}}
	}
}

func arrayValue[V any](values []V, convert func(V) *commonpb.AnyValue) *commonpb.AnyValue {
	array := &commonpb.ArrayValue{Values: make([]*commonpb.AnyValue, 0, len(values))}
	for _, v := range values {
		array.Values = append(array.Values, convert(v))
	}
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{ArrayValue: array}}
}
