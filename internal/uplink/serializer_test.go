// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package uplink

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, nil))
}

// testWriter discards everything; we only care about the return values
// and state transitions these tests assert on, not log output.
type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func samplePackage(topic string, n int) Package {
	items := make([]Payload, n)
	for i := range items {
		items[i] = Payload{Sequence: uint32(i), Data: []byte(fmt.Sprintf("%d", i))}
	}
	return newBatchPackage(topic, items, Anomaly{}, false)
}

func newTestSerializer(t *testing.T, client Client, spool StorageSpool, in chan Package) *Serializer {
	t.Helper()
	s, err := NewSerializer(SerializerConfig{
		Client:          client,
		In:              in,
		Spool:           spool,
		MetricsTopic:    "devices/d1/metrics",
		MetricsInterval: time.Hour, // keep the ticker out of the way of these tests
		MaxPacketSize:   1 << 20,
		Logger:          testLogger(),
	})
	if err != nil {
		t.Fatalf("NewSerializer: %v", err)
	}
	return s
}

// Scenario: backpressure spill. TryPublish returns ErrTryFull once the
// client's queue saturates; while the stalled publish is in flight the
// serializer must spill subsequent Packages to disk and count them in
// TotalDiskSize.
func TestSerializer_BackpressureSpill(t *testing.T) {
	client := newFakeClient().scriptTry(nil, nil, ErrTryFull).withPublishDelay(300 * time.Millisecond)
	spool := newMemSpool()
	in := make(chan Package, 4)
	s := newTestSerializer(t, client, spool, in)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	in <- samplePackage("t1", 1)
	in <- samplePackage("t2", 1)
	in <- samplePackage("t3", 1) // 3rd TryPublish returns ErrTryFull, stalls here
	in <- samplePackage("t4", 1) // must spill to disk while stalled

	deadline := time.After(2 * time.Second)
	for spool.len() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a Package to spill to disk")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if s.Metrics().TotalDiskSize == 0 {
		t.Error("expected TotalDiskSize > 0 once a Package spilled to disk")
	}

	cancel()
	<-runErr
}

// Scenario: catchup drain. Pre-populate the spool with N Publishes and
// start the serializer with a responsive client and no new Packages;
// expect all N published and TotalDiskSize to end at zero (the seeded
// records were never counted, so each drain saturates at 0).
func TestSerializer_CatchupDrain(t *testing.T) {
	spool := newMemSpool()
	const n = 5
	for i := 0; i < n; i++ {
		pub := Publish{Topic: "t", QoS: 1, Payload: []byte(fmt.Sprintf("payload-%d", i))}
		if err := WritePublish(spool.Writer(), pub); err != nil {
			t.Fatalf("seeding spool: %v", err)
		}
	}

	client := newFakeClient()
	in := make(chan Package)
	s := newTestSerializer(t, client, spool, in)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	deadline := time.After(1500 * time.Millisecond)
	for client.publishedCount() < n {
		select {
		case <-deadline:
			t.Fatalf("expected %d publishes, got %d", n, client.publishedCount())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if s.Metrics().TotalDiskSize != 0 {
		t.Errorf("expected TotalDiskSize to drain back to 0, got %d", s.Metrics().TotalDiskSize)
	}

	cancel()
	<-runErr
}

// Scenario: crash retention. A blocking Publish in catchup mode
// reclaims the packet (ErrCrashed); the serializer must transition to
// EventLoopCrash and write everything further to disk instead of
// returning.
func TestSerializer_CrashRetention(t *testing.T) {
	spool := newMemSpool()
	pub := Publish{Topic: "t", QoS: 1, Payload: []byte("will-crash")}
	if err := WritePublish(spool.Writer(), pub); err != nil {
		t.Fatalf("seeding spool: %v", err)
	}

	client := newFakeClient().scriptPublish(ErrCrashed)
	in := make(chan Package, 1)
	s := newTestSerializer(t, client, spool, in)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	// Give the crash transition a moment, then confirm the serializer
	// is still alive and accepting writes to disk rather than exiting.
	time.Sleep(100 * time.Millisecond)
	before := spool.len()
	in <- samplePackage("t2", 1)

	deadline := time.After(1 * time.Second)
	for spool.len() <= before {
		select {
		case <-deadline:
			t.Fatal("expected crash-mode serializer to keep writing to disk")
		case <-time.After(10 * time.Millisecond):
		}
	}

	select {
	case err := <-runErr:
		t.Fatalf("serializer exited unexpectedly in crash mode: %v", err)
	default:
	}

	cancel()
	<-runErr
}
