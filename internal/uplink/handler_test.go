// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package uplink

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

// Scenario: dynamic stream cap. 25 distinct unknown stream names feed
// in; expect exactly 20 dynamic streams created and the rest dropped.
func TestStreamHandler_DynamicStreamCap(t *testing.T) {
	out := make(chan Package, 64)
	h := NewStreamHandler(nil, out, time.Hour, "proj1", "dev1", testLogger())

	ctx := context.Background()
	for i := 0; i < 25; i++ {
		p := Payload{Stream: fmt.Sprintf("stream-%d", i), Data: []byte("1")}
		if err := h.HandleData(ctx, p); err != nil {
			t.Fatalf("HandleData: %v", err)
		}
	}

	if len(h.streams) != maxDynamicStreams {
		t.Fatalf("expected %d dynamic streams, got %d", maxDynamicStreams, len(h.streams))
	}
}

// Scenario: stream flush timeout. A single Payload into a stream whose
// capacity is never reached must still flush once its deadline
// elapses, and the DelayMap must be empty afterward.
func TestStreamHandler_FlushTimeout(t *testing.T) {
	out := make(chan Package, 4)
	configs := []StreamConfig{{Name: "sensors", Topic: "devices/dev1/sensors", BufSize: 10}}
	h := NewStreamHandler(configs, out, 50*time.Millisecond, "proj1", "dev1", testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := make(chan Payload)
	go h.Run(ctx, in)

	in <- Payload{Stream: "sensors", Data: []byte("1")}

	select {
	case pkg := <-out:
		body, err := pkg.Serialize()
		if err != nil {
			t.Fatalf("Serialize: %v", err)
		}
		var items []Payload
		if err := json.Unmarshal(body, &items); err != nil {
			t.Fatalf("unmarshal flushed package: %v", err)
		}
		if len(items) != 1 {
			t.Fatalf("expected exactly 1 payload in the timed flush, got %d", len(items))
		}
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for the flush-timeout Package")
	}

	deadline := time.After(500 * time.Millisecond)
	for !h.IsEmpty() {
		select {
		case <-deadline:
			t.Fatal("expected DelayMap to be empty after the timed flush")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
