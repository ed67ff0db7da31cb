// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package hoststats

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestMonitor_StatsUnsampledBeforeStart(t *testing.T) {
	m := NewMonitor(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, ok := m.Stats(); ok {
		t.Fatal("expected no sample before Start is called")
	}
}

func TestMonitor_SamplesAfterStart(t *testing.T) {
	m := NewMonitor(slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.Start()
	defer m.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := m.Stats(); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected a sample to be collected shortly after Start")
}
