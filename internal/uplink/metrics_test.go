// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package uplink

import (
	"bytes"
	"math"
	"testing"
)

func TestMetrics_AddSentMonotonic(t *testing.T) {
	m := NewMetrics("t")
	m.AddSent(10)
	m.AddSent(20)
	if m.TotalSentSize != 30 {
		t.Fatalf("expected TotalSentSize=30, got %d", m.TotalSentSize)
	}
}

func TestMetrics_AddSentSaturates(t *testing.T) {
	m := NewMetrics("t")
	m.TotalSentSize = math.MaxUint64 - 5
	m.AddSent(100)
	if m.TotalSentSize != math.MaxUint64 {
		t.Fatalf("expected TotalSentSize to saturate at MaxUint64, got %d", m.TotalSentSize)
	}
}

func TestMetrics_SubDiskSizeNeverUnderflows(t *testing.T) {
	m := NewMetrics("t")
	m.AddDiskSize(10)
	m.SubDiskSize(100)
	if m.TotalDiskSize != 0 {
		t.Fatalf("expected TotalDiskSize to saturate at 0, got %d", m.TotalDiskSize)
	}
}

func TestMetrics_EmitClearsErrorsAndLostSegmentsButNotCounters(t *testing.T) {
	m := NewMetrics("t")
	m.AddSent(5)
	m.RecordError("boom")
	m.RecordLostSegment()

	pkg, err := m.Emit(1000)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if pkg.Topic() != "t" {
		t.Fatalf("expected emitted package topic %q, got %q", "t", pkg.Topic())
	}

	if m.Errors != "" {
		t.Fatalf("expected Errors cleared after Emit, got %q", m.Errors)
	}
	if m.LostSegments != 0 {
		t.Fatalf("expected LostSegments reset after Emit, got %d", m.LostSegments)
	}
	if m.ErrorCount != 1 {
		t.Fatalf("expected ErrorCount to remain cumulative, got %d", m.ErrorCount)
	}
	if m.TotalSentSize != 5 {
		t.Fatalf("expected TotalSentSize to remain cumulative, got %d", m.TotalSentSize)
	}
}

func TestMetrics_SequenceIncrementsEachEmit(t *testing.T) {
	m := NewMetrics("t")
	if _, err := m.Emit(1); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if m.Sequence != 1 {
		t.Fatalf("expected Sequence=1 after first Emit, got %d", m.Sequence)
	}
	if _, err := m.Emit(2); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if m.Sequence != 2 {
		t.Fatalf("expected Sequence=2 after second Emit, got %d", m.Sequence)
	}
}

func TestMetrics_HealthOmittedUntilSet(t *testing.T) {
	m := NewMetrics("t")
	body, err := m.Emit(1)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	rawBody, err := body.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if bytes.Contains(rawBody, []byte("cpu_percent")) {
		t.Fatal("expected cpu_percent to be omitted before SetHealth is ever called")
	}

	m.SetHealth(DeviceHealth{CPUPercent: 50})
	body, err = m.Emit(2)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	rawBody, err = body.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	if !bytes.Contains(rawBody, []byte("cpu_percent")) {
		t.Fatal("expected cpu_percent to be present once SetHealth was called")
	}
}
