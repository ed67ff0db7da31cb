// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Uplink License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package uplink

import "context"

// Stream is a bounded, topic-addressed batch buffer for a single
// logical channel. It owns exactly one Buffer[T] and a handle to the
// serializer's collector channel. ToPackage converts a full or
// flushed buffer into the Package the collector understands —
// injected rather than hardwired so Stream stays reusable for
// whatever T a future producer needs, per the design's generic Stream<T>.
type Stream[T any] struct {
	Name   string
	Topic  string
	Limit  int

	buf       *Buffer[T]
	out       chan<- Package
	toPackage func(topic string, items []T, anomaly Anomaly, hasAnomaly bool) Package
}

// NewStream creates a Stream bound to name/topic/capacity, emitting
// onto out.
func NewStream[T any](name, topic string, limit int, out chan<- Package, toPackage func(string, []T, Anomaly, bool) Package) *Stream[T] {
	return &Stream[T]{
		Name:      name,
		Topic:     topic,
		Limit:     limit,
		buf:       NewBuffer[T](name, topic, limit),
		out:       out,
		toPackage: toPackage,
	}
}

// Fill appends item to the buffer. If the buffer reaches capacity, the
// full buffer is swapped for a fresh empty one and emitted as a
// Package on the outbound channel; the returned bool is true in that
// case. Fill may suspend if the outbound channel is at capacity
// (backpressure toward producers).
func (s *Stream[T]) Fill(ctx context.Context, item T) (flushed bool, err error) {
	s.buf.Append(item)
	if !s.buf.Full() {
		return false, nil
	}
	if err := s.emit(ctx, s.buf); err != nil {
		return false, err
	}
	s.buf = NewBuffer[T](s.Name, s.Topic, s.Limit)
	return true, nil
}

// Flush forces emission of whatever is in the buffer, even partial. A
// no-op when the buffer is empty.
func (s *Stream[T]) Flush(ctx context.Context) error {
	if s.buf.Empty() {
		return nil
	}
	if err := s.emit(ctx, s.buf); err != nil {
		return err
	}
	s.buf = NewBuffer[T](s.Name, s.Topic, s.Limit)
	return nil
}

func (s *Stream[T]) emit(ctx context.Context, buf *Buffer[T]) error {
	anomaly, hasAnomaly := buf.Anomalies()
	pkg := s.toPackage(buf.Topic, buf.Items(), anomaly, hasAnomaly)
	select {
	case s.out <- pkg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
