// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package uplink

import "testing"

func TestBuffer_FullAtLimit(t *testing.T) {
	b := NewBuffer[Payload]("sensors", "devices/d1/sensors", 3)
	if b.Full() {
		t.Fatal("expected a fresh buffer not to be full")
	}
	if !b.Empty() {
		t.Fatal("expected a fresh buffer to be empty")
	}

	for i := 0; i < 3; i++ {
		b.Append(Payload{Sequence: uint32(i)})
	}

	if !b.Full() {
		t.Fatal("expected the buffer to be full once Len reaches Limit")
	}
	if b.Len() != 3 {
		t.Fatalf("expected Len() == 3, got %d", b.Len())
	}
	if b.Empty() {
		t.Fatal("a full buffer is not empty")
	}
}

func TestBuffer_ItemsPreservesInsertionOrder(t *testing.T) {
	b := NewBuffer[Payload]("sensors", "devices/d1/sensors", 5)
	for i := 0; i < 5; i++ {
		b.Append(Payload{Sequence: uint32(i)})
	}
	items := b.Items()
	for i, item := range items {
		if item.Sequence != uint32(i) {
			t.Fatalf("items[%d]: expected sequence %d, got %d", i, i, item.Sequence)
		}
	}
}

func TestBuffer_RecordAnomalyKeepsFirstDescription(t *testing.T) {
	b := NewBuffer[Payload]("sensors", "devices/d1/sensors", 5)
	if _, ok := b.Anomalies(); ok {
		t.Fatal("expected no anomaly on a fresh buffer")
	}

	b.RecordAnomaly("malformed payload")
	b.RecordAnomaly("malformed payload")
	b.RecordAnomaly("different description")

	anomaly, ok := b.Anomalies()
	if !ok {
		t.Fatal("expected an anomaly to be recorded")
	}
	if anomaly.Description != "malformed payload" {
		t.Fatalf("expected the first description to stick, got %q", anomaly.Description)
	}
	if anomaly.Count != 3 {
		t.Fatalf("expected Count == 3, got %d", anomaly.Count)
	}
}
