// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package uplink

import (
	"bytes"
	"io"
	"sync"
)

// memSpool is an in-memory StorageSpool test double: a single unbounded
// FIFO byte stream, no segment rotation, no eviction. Reads consume
// from the front of the same buffer writes append to, so interleaved
// writes during a read remain visible to later reads — good enough to
// exercise the serializer's disk/catchup transitions without touching
// the filesystem.
type memSpool struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func newMemSpool() *memSpool {
	return &memSpool{}
}

func (s *memSpool) Writer() io.Writer { return s }

func (s *memSpool) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *memSpool) FlushOnOverflow() (bool, error) {
	return false, nil
}

func (s *memSpool) ReloadOnEOF() (bool, error) {
	return true, nil
}

func (s *memSpool) Reader() io.Reader { return memSpoolReader{s} }

func (s *memSpool) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Len()
}

// memSpoolReader adapts memSpool's locked access to the io.Reader
// ReadPublish expects.
type memSpoolReader struct{ s *memSpool }

func (r memSpoolReader) Read(p []byte) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.buf.Read(p)
}
