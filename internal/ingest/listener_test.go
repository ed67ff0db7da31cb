// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ingest

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/nishisan-dev/n-uplink/internal/uplink"
)

func TestListener_DecodesNewlineDelimitedPayloads(t *testing.T) {
	out := make(chan uplink.Payload, 4)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l := NewListener("127.0.0.1:0", out, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- l.Run(ctx) }()

	var addr string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		if l.ln != nil {
			addr = l.ln.Addr().String()
		}
		l.mu.Unlock()
		if addr != "" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if addr == "" {
		t.Fatal("listener never bound")
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial listener: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(`{"stream":"sensors","sequence":1,"timestamp":1000,"payload":{"v":1}}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	// A malformed line should be dropped, not kill the connection.
	if _, err := conn.Write([]byte("not-json\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := conn.Write([]byte(`{"stream":"sensors","sequence":2,"timestamp":2000,"payload":{"v":2}}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var got []uplink.Payload
	for len(got) < 2 {
		select {
		case p := <-out:
			got = append(got, p)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for decoded payloads, got %d so far", len(got))
		}
	}

	if got[0].Stream != "sensors" || got[0].Sequence != 1 {
		t.Errorf("unexpected first payload: %+v", got[0])
	}
	if got[1].Sequence != 2 {
		t.Errorf("unexpected second payload: %+v", got[1])
	}

	cancel()
	select {
	case <-runErr:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not shut down after ctx cancellation")
	}
}
