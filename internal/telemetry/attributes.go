// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Span attribute keys for the job streaming domain. HTTP keys come from
// semconv.
const (
	JobIDKey     = attribute.Key("job.id")
	EventTypeKey = attribute.Key("event.type")
	EventSeqKey  = attribute.Key("event.seq")

	StreamCursorKey    = attribute.Key("stream.cursor")
	StreamTransportKey = attribute.Key("stream.transport")
	StreamTriggerKey   = attribute.Key("stream.trigger") // what woke a hub sync
	StreamEventsKey    = attribute.Key("stream.events")  // events a sync advanced
)

func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.HTTPMethodKey.String(method),
		semconv.HTTPRouteKey.String(route),
		semconv.HTTPURLKey.String(url),
		semconv.HTTPStatusCodeKey.Int(statusCode),
	}
}

// EventAttributes describes an append. The seq is left out until the store
// has assigned one.
func EventAttributes(jobID, eventType string, seq uint64) []attribute.KeyValue {
	kv := []attribute.KeyValue{JobIDKey.String(jobID), EventTypeKey.String(eventType)}
	if seq != 0 {
		kv = append(kv, EventSeqKey.Int64(int64(seq)))
	}
	return kv
}

// StreamAttributes describes a replay session or, with no transport, a hub
// sync.
func StreamAttributes(jobID, transport string, cursor uint64) []attribute.KeyValue {
	kv := []attribute.KeyValue{JobIDKey.String(jobID), StreamCursorKey.Int64(int64(cursor))}
	if transport != "" {
		kv = append(kv, StreamTransportKey.String(transport))
	}
	return kv
}
