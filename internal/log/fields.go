// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID     = "request_id"
	FieldCorrelationID = "correlation_id"
	FieldJobID         = "job_id"
	FieldInstanceID    = "instance_id"
	FieldSubscriberID  = "subscriber_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldBackend   = "backend"

	// Stream fields
	FieldSeq       = "seq"
	FieldCursor    = "cursor"
	FieldEventType = "event_type"
	FieldTransport = "transport"

	// State fields
	FieldOldStatus = "old_status"
	FieldNewStatus = "new_status"
)
