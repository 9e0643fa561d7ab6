// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package stream

import (
	stdjson "encoding/json"

	json "github.com/goccy/go-json"
)

func marshalPayload(v any) (stdjson.RawMessage, error) {
	if raw, ok := v.(stdjson.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return stdjson.RawMessage(b), nil
}
