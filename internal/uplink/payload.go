// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package uplink implements the edge-device telemetry agent: the
// stream batching layer and the serializer durability state machine
// that forward sensor data to an MQTT broker and spill to disk when
// the broker falls behind.
package uplink

import "encoding/json"

// Payload is a single data point fed into a Stream by a producer.
// Stream is metadata used only for routing — it is never part of the
// bytes that reach the broker.
type Payload struct {
	Stream    string          `json:"-"`
	Sequence  uint32          `json:"sequence"`
	Timestamp uint64          `json:"timestamp"`
	Data      json.RawMessage `json:"payload"`
}
