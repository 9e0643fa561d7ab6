// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package eventlog

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.FixedZone("CET", 3600))

	tests := []struct {
		name    string
		req     AppendRequest
		wantErr bool
		payload string
	}{
		{name: "empty payload becomes object", req: AppendRequest{JobID: "j", Type: TypeHeartbeat}, payload: `{}`},
		{name: "payload compacted", req: AppendRequest{JobID: "j", Type: TypeMetric, Payload: json.RawMessage(" { \"k\" : 1 } ")}, payload: `{"k":1}`},
		{name: "missing job", req: AppendRequest{Type: TypeMetric}, wantErr: true},
		{name: "unknown type", req: AppendRequest{JobID: "j", Type: "log"}, wantErr: true},
		{name: "unknown status", req: AppendRequest{JobID: "j", Type: TypeStatus, Status: "paused"}, wantErr: true},
		{name: "invalid json", req: AppendRequest{JobID: "j", Type: TypeInsight, Payload: json.RawMessage(`{"a":`)}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			err := req.Normalize(now)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEvent)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.payload, string(req.Payload))
			assert.Equal(t, time.UTC, req.TS.Location())
			assert.Equal(t, 123000000, req.TS.Nanosecond())
		})
	}
}

func TestJobStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusStarted.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCanceled.IsTerminal())
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, MaxReadLimit, clampLimit(0))
	assert.Equal(t, MaxReadLimit, clampLimit(-1))
	assert.Equal(t, MaxReadLimit, clampLimit(MaxReadLimit+1))
	assert.Equal(t, 7, clampLimit(7))
}
