// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package ingest accepts locally attached producers over a
// newline-delimited JSON TCP listener and decodes each line into a
// uplink.Payload. It owns no buffering or batching of its own — that
// is the Stream layer's job; ingest only decodes and hands off.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"

	"github.com/nishisan-dev/n-uplink/internal/uplink"
)

// maxLineSize bounds a single decoded line to guard against a
// misbehaving producer streaming an unbounded line.
const maxLineSize = 1 << 20 // 1MiB

// Listener accepts TCP connections, each carrying newline-delimited
// JSON Payload records, and forwards decoded Payloads to Out.
type Listener struct {
	addr   string
	out    chan<- uplink.Payload
	logger *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

// NewListener creates a Listener bound to addr. out is the
// StreamHandler's inbound channel.
func NewListener(addr string, out chan<- uplink.Payload, logger *slog.Logger) *Listener {
	return &Listener{addr: addr, out: out, logger: logger.With("component", "ingest")}
}

// Run accepts connections until ctx is cancelled. Each connection is
// handled on its own goroutine; a decode error on one line logs and
// drops that line without closing the connection.
func (l *Listener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	l.logger.Info("ingest listener started", "address", l.addr)

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				wg.Wait()
				return nil
			}
			l.logger.Error("accept failed", "error", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.handleConn(ctx, conn)
		}()
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return l.ln.Close()
	}
	return nil
}

func (l *Listener) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var p uplink.Payload
		if err := json.Unmarshal(line, &p); err != nil {
			l.logger.Warn("dropping malformed payload line", "error", err, "remote", conn.RemoteAddr())
			continue
		}
		var routed struct {
			Stream string `json:"stream"`
		}
		_ = json.Unmarshal(line, &routed)
		p.Stream = routed.Stream

		select {
		case l.out <- p:
		case <-ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		l.logger.Debug("ingest connection closed", "error", err, "remote", conn.RemoteAddr())
	}
}
